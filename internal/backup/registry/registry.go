// Package registry holds the exporters and restorers a backup runs. A
// Registry is built once at startup and shared by the pipelines.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/tenantvault/internal/backup/domain"
	"go.uber.org/fx"
)

// Exporter writes one section of a tenant snapshot into outputDir.
type Exporter interface {
	Name() string
	Export(ctx context.Context, tenant domain.Tenant, outputDir string) (*domain.Fragment, error)
}

// Restorer replays a section from an extracted archive. Restores must be
// idempotent upserts keyed by the original primary key.
type Restorer interface {
	Name() string
	Restore(ctx context.Context, tenant domain.Tenant, extractedDir string, manifest domain.Manifest) error
}

var (
	ErrDuplicateName = errors.New("registry_duplicate_name")
	ErrEmptyName     = errors.New("registry_empty_name")
)

type Registry struct {
	mu        sync.RWMutex
	exporters []Exporter
	restorers []Restorer
}

func New() *Registry {
	return &Registry{}
}

type Params struct {
	fx.In

	Exporters []Exporter `group:"backup_exporters"`
	Restorers []Restorer `group:"backup_restorers"`
}

// Provide registers every plugin contributed to the fx groups. Group order
// is not defined by fx, so plugins are registered by name.
func Provide(p Params) (*Registry, error) {
	exporters := append([]Exporter(nil), p.Exporters...)
	sort.SliceStable(exporters, func(i, j int) bool { return exporters[i].Name() < exporters[j].Name() })
	restorers := append([]Restorer(nil), p.Restorers...)
	sort.SliceStable(restorers, func(i, j int) bool { return restorers[i].Name() < restorers[j].Name() })

	r := New()
	for _, e := range exporters {
		if err := r.RegisterExporter(e); err != nil {
			return nil, err
		}
	}
	for _, rs := range restorers {
		if err := r.RegisterRestorer(rs); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) RegisterExporter(e Exporter) error {
	name := strings.TrimSpace(e.Name())
	if name == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.exporters {
		if existing.Name() == name {
			return fmt.Errorf("%w: exporter %q", ErrDuplicateName, name)
		}
	}
	r.exporters = append(r.exporters, e)
	return nil
}

func (r *Registry) RegisterRestorer(rs Restorer) error {
	name := strings.TrimSpace(rs.Name())
	if name == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.restorers {
		if existing.Name() == name {
			return fmt.Errorf("%w: restorer %q", ErrDuplicateName, name)
		}
	}
	r.restorers = append(r.restorers, rs)
	return nil
}

// Exporters returns a copy in registration order.
func (r *Registry) Exporters() []Exporter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Exporter(nil), r.exporters...)
}

// Restorers returns a copy in registration order.
func (r *Registry) Restorers() []Restorer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Restorer(nil), r.restorers...)
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc struct {
	ExporterName string
	Fn           func(ctx context.Context, tenant domain.Tenant, outputDir string) (*domain.Fragment, error)
}

func (f ExporterFunc) Name() string { return f.ExporterName }

func (f ExporterFunc) Export(ctx context.Context, tenant domain.Tenant, outputDir string) (*domain.Fragment, error) {
	return f.Fn(ctx, tenant, outputDir)
}

// RestorerFunc adapts a function to Restorer.
type RestorerFunc struct {
	RestorerName string
	Fn           func(ctx context.Context, tenant domain.Tenant, extractedDir string, manifest domain.Manifest) error
}

func (f RestorerFunc) Name() string { return f.RestorerName }

func (f RestorerFunc) Restore(ctx context.Context, tenant domain.Tenant, extractedDir string, manifest domain.Manifest) error {
	return f.Fn(ctx, tenant, extractedDir, manifest)
}
