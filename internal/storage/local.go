package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local stores objects as files below Root.
type Local struct {
	Root string
}

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, err
	}
	return &Local{Root: abs}, nil
}

func (l *Local) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	full, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *Local) Save(ctx context.Context, name string, r io.Reader) error {
	full, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, full)
}

func (l *Local) Delete(ctx context.Context, name string) error {
	full, err := l.resolve(name)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (l *Local) ListDir(ctx context.Context, prefix string) ([]string, []string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, nil, err
	}
	full, err := l.resolve(prefix)
	if err != nil {
		return nil, nil, err
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var dirs, files []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".upload-") {
			continue
		}
		if entry.IsDir() {
			dirs = append(dirs, prefix+entry.Name()+"/")
			continue
		}
		if entry.Type().IsRegular() {
			files = append(files, prefix+entry.Name())
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files, nil
}

func (l *Local) resolve(name string) (string, error) {
	cleaned, err := CleanPath(name)
	if err != nil {
		return "", err
	}
	full := filepath.Join(l.Root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(l.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}
