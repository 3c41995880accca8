// Package storage is the blob store backups read tenant files from and write
// archives to. Paths are slash separated and relative to the store root.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound    = errors.New("storage_object_not_found")
	ErrInvalidPath = errors.New("storage_invalid_path")
)

type Storage interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Save replaces the object at name with the content of r.
	Save(ctx context.Context, name string, r io.Reader) error
	Delete(ctx context.Context, name string) error
	// ListDir returns the direct children of prefix. Directories come back
	// with a trailing slash; both lists hold full paths and are sorted.
	ListDir(ctx context.Context, prefix string) (dirs []string, files []string, err error)
}

// CleanPath normalizes an object path and rejects anything escaping the root.
func CleanPath(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return "", ErrInvalidPath
	}
	trailing := strings.HasSuffix(name, "/")
	cleaned := path.Clean("/" + name)
	if cleaned == "/" {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if trailing {
		cleaned += "/"
	}
	return cleaned, nil
}

// cleanPrefix is CleanPath for directory prefixes; it always ends in a slash.
func cleanPrefix(prefix string) (string, error) {
	cleaned, err := CleanPath(prefix)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(cleaned, "/") {
		cleaned += "/"
	}
	return cleaned, nil
}

// Walk visits every file under prefix, depth first in sorted order.
func Walk(ctx context.Context, s Storage, prefix string, fn func(name string) error) error {
	dirs, files, err := s.ListDir(ctx, prefix)
	if err != nil {
		return err
	}
	for _, name := range files {
		if err := fn(name); err != nil {
			return err
		}
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := Walk(ctx, s, dir, fn); err != nil {
			return err
		}
	}
	return nil
}
