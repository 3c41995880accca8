package archive

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o640))
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	files := map[string]string{
		"manifest.json":                `{"backup_id":"1"}`,
		"sections/tables/orders.jsonl": "{}\n",
		"critical/org_1/a.txt":         strings.Repeat("a", 4096),
	}
	srcA, srcB := t.TempDir(), t.TempDir()
	writeTree(t, srcA, files)
	writeTree(t, srcB, files)

	out := t.TempDir()
	sizeA, err := Build(srcA, filepath.Join(out, "a.zip"), 0)
	require.NoError(t, err)
	sizeB, err := Build(srcB, filepath.Join(out, "b.zip"), 0)
	require.NoError(t, err)
	assert.Equal(t, sizeA, sizeB)

	a, err := os.ReadFile(filepath.Join(out, "a.zip"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(out, "b.zip"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))

	sumA, err := SHA256File(filepath.Join(out, "a.zip"))
	require.NoError(t, err)
	sumB, err := SHA256File(filepath.Join(out, "b.zip"))
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB)
	assert.Len(t, sumA, 64)

	zr, err := zip.OpenReader(filepath.Join(out, "a.zip"))
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.Equal(t, zip.Deflate, f.Method)
	}
	assert.Equal(t, []string{"critical/org_1/a.txt", "manifest.json", "sections/tables/orders.jsonl"}, names)
}

func TestBuildRejectsOversizedArchive(t *testing.T) {
	src := t.TempDir()
	noise := make([]byte, 8192)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	writeTree(t, src, map[string]string{"big.bin": string(noise)})

	dst := filepath.Join(t.TempDir(), "out.zip")
	_, err = Build(src, dst, 512)
	assert.ErrorIs(t, err, ErrTooLarge)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr), "partial archive is removed")
}

func TestExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a/b/c.txt": "hello", "d.txt": "world"})
	zipPath := filepath.Join(t.TempDir(), "x.zip")
	_, err := Build(src, zipPath, 0)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, Extract(zipPath, dst, 1<<20))
	body, err := os.ReadFile(filepath.Join(dst, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func writeRawZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "raw.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestExtractRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/abs.txt"} {
		zipPath := writeRawZip(t, map[string]string{name: "x"})
		err := Extract(zipPath, t.TempDir(), 0)
		assert.ErrorIs(t, err, ErrUnsafeEntry, name)
	}
}

func TestExtractEnforcesSizeLimit(t *testing.T) {
	zipPath := writeRawZip(t, map[string]string{"a.txt": strings.Repeat("z", 1000)})
	err := Extract(zipPath, t.TempDir(), 999)
	assert.ErrorIs(t, err, ErrExtractLimit)

	assert.NoError(t, Extract(zipPath, t.TempDir(), 1000))
}

func TestParseChecksum(t *testing.T) {
	sum, err := ParseChecksum("ABCDEF  backup.zip\n")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", sum)

	sum, err = ParseChecksum("0a1b2c")
	require.NoError(t, err)
	assert.Equal(t, "0a1b2c", sum)

	_, err = ParseChecksum("  \n")
	assert.ErrorIs(t, err, ErrEmptyChecksum)
}
