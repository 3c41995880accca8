// Package archive builds and opens the deterministic zip artifacts backups
// are shipped as.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

var (
	ErrTooLarge      = errors.New("archive_too_large")
	ErrUnsafeEntry   = errors.New("archive_unsafe_entry")
	ErrExtractLimit  = errors.New("archive_extract_limit")
	ErrEmptyChecksum = errors.New("archive_empty_checksum")
)

// fixedModTime keeps identical payloads byte-identical across runs.
var fixedModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

type countingWriter struct {
	w        io.Writer
	n        int64
	limit    int64
	exceeded bool
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.limit > 0 && c.n+int64(len(p)) > c.limit {
		c.exceeded = true
		return 0, ErrTooLarge
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Build zips every regular file below srcDir into dst, sorted by path, with
// deflate compression and a fixed timestamp. A maxBytes above zero aborts the
// build with ErrTooLarge as soon as the archive would exceed it. The partial
// file is removed on any error.
func Build(srcDir, dst string, maxBytes int64) (size int64, err error) {
	var entries []string
	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %s", ErrUnsafeEntry, p)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(entries)

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer func() {
		closeErr := out.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	counter := &countingWriter{w: out, limit: maxBytes}
	zw := zip.NewWriter(counter)
	for _, name := range entries {
		if err = addFile(zw, srcDir, name); err != nil {
			break
		}
	}
	if err == nil {
		err = zw.Close()
	}
	if counter.exceeded {
		err = ErrTooLarge
	}
	if err != nil {
		return 0, err
	}
	return counter.n, nil
}

func addFile(zw *zip.Writer, srcDir, name string) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: fixedModTime,
	}
	header.SetMode(0o644)
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(srcDir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// SHA256File streams path through SHA-256 and returns the hex digest.
func SHA256File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return SHA256(f)
}

func SHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseChecksum reads a checksum file body: a hex digest, optionally
// followed by a file name.
func ParseChecksum(body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", ErrEmptyChecksum
	}
	return strings.ToLower(fields[0]), nil
}

// Extract unpacks src into dstDir. Entries that would land outside dstDir,
// symlinks, and archives expanding beyond maxBytes are rejected.
func Extract(src, dstDir string, maxBytes int64) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	root, err := filepath.Abs(dstDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return err
	}

	var total int64
	for _, f := range zr.File {
		target, err := safeTarget(root, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %s", ErrUnsafeEntry, f.Name)
		}
		if mode.IsDir() || strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		written, err := extractFile(f, target, maxBytes-total, maxBytes > 0)
		if err != nil {
			return err
		}
		total += written
	}
	return nil
}

func safeTarget(root, name string) (string, error) {
	if name == "" || strings.Contains(name, "\\") || path.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	target := filepath.Join(root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string, remaining int64, limited bool) (int64, error) {
	if limited && remaining <= 0 {
		return 0, ErrExtractLimit
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var reader io.Reader = rc
	if limited {
		// Read one byte past the budget to detect overflow without trusting headers.
		reader = io.LimitReader(rc, remaining+1)
	}
	n, err := io.Copy(out, reader)
	if err != nil {
		return n, err
	}
	if limited && n > remaining {
		return n, ErrExtractLimit
	}
	return n, nil
}
