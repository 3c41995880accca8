// Package scope decides which storage paths belong to a tenant backup.
package scope

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantvault/internal/config"
)

var (
	DefaultIncludeTemplates = []string{
		"critical/org_{org}/product_{product}/",
		"critical/org_{org}/assets/",
	}
	DefaultExcludeTemplates = []string{
		"critical/org_{org}/product_{product}/cache/",
		"critical/org_{org}/product_{product}/thumbnails/",
		"critical/org_{org}/product_{product}/logs/",
		"critical/org_{org}/product_{product}/tmp/",
		"critical/org_{org}/assets/cache/",
		"critical/org_{org}/assets/thumbnails/",
		"critical/org_{org}/assets/logs/",
		"critical/org_{org}/assets/tmp/",
	}
)

// Scope is the expanded prefix set for one tenant.
type Scope struct {
	Include []string `json:"include_prefixes"`
	Exclude []string `json:"exclude_prefixes"`
}

// Allows reports whether path belongs in the backup. Exclude always wins.
func (s Scope) Allows(path string) bool {
	for _, prefix := range s.Exclude {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, prefix := range s.Include {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Filter keeps the allowed paths in their input order.
func (s Scope) Filter(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if s.Allows(p) {
			out = append(out, p)
		}
	}
	return out
}

type Resolver struct {
	include []string
	exclude []string
}

func NewResolver(include, exclude []string) *Resolver {
	if len(include) == 0 {
		include = DefaultIncludeTemplates
	}
	if len(exclude) == 0 {
		exclude = DefaultExcludeTemplates
	}
	return &Resolver{
		include: append([]string(nil), include...),
		exclude: append([]string(nil), exclude...),
	}
}

func ProvideResolver(cfg config.Config) *Resolver {
	return NewResolver(cfg.Backup.IncludeTemplates, cfg.Backup.ExcludeTemplates)
}

func (r *Resolver) Resolve(orgID, productID snowflake.ID) Scope {
	return Scope{
		Include: expand(r.include, orgID, productID),
		Exclude: expand(r.exclude, orgID, productID),
	}
}

func expand(templates []string, orgID, productID snowflake.ID) []string {
	replacer := strings.NewReplacer(
		"{org}", strconv.FormatInt(int64(orgID), 10),
		"{product}", strconv.FormatInt(int64(productID), 10),
	)
	seen := make(map[string]struct{}, len(templates))
	out := make([]string, 0, len(templates))
	for _, tpl := range templates {
		tpl = strings.TrimSpace(tpl)
		if tpl == "" {
			continue
		}
		prefix := strings.TrimPrefix(replacer.Replace(tpl), "/")
		if _, dup := seen[prefix]; dup {
			continue
		}
		seen[prefix] = struct{}{}
		out = append(out, prefix)
	}
	return out
}
