package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryS3 implements the subset of the S3 API the backend uses, with
// pages of two keys so pagination is exercised.
type memoryS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryS3() *memoryS3 {
	return &memoryS3{objects: map[string][]byte{}}
}

func (m *memoryS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (m *memoryS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[aws.ToString(in.Key)] = body
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, aws.ToString(in.Key))
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memoryS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)
	seen := map[string]bool{}
	var entries []string
	for key := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if i := strings.Index(rest, delimiter); delimiter != "" && i >= 0 {
			key = prefix + rest[:i+1]
		}
		if !seen[key] {
			seen[key] = true
			entries = append(entries, key)
		}
	}
	sort.Strings(entries)

	start := 0
	if token := aws.ToString(in.ContinuationToken); token != "" {
		start = sort.SearchStrings(entries, token)
	}
	end := start + 2
	out := &s3.ListObjectsV2Output{}
	if end < len(entries) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(entries[end])
	} else {
		end = len(entries)
	}
	for _, entry := range entries[start:end] {
		if strings.HasSuffix(entry, delimiter) {
			out.CommonPrefixes = append(out.CommonPrefixes, s3types.CommonPrefix{Prefix: aws.String(entry)})
		} else {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(entry)})
		}
	}
	return out, nil
}

func TestS3SaveOpenDelete(t *testing.T) {
	ctx := context.Background()
	s := NewS3WithClient(newMemoryS3(), "bucket")

	// A plain reader is spooled so the SDK always gets a seekable body.
	require.NoError(t, s.Save(ctx, "backups/1/2/backup.zip", io.MultiReader(strings.NewReader("zip"))))
	assert.Equal(t, "zip", readAll(t, s, "backups/1/2/backup.zip"))

	require.NoError(t, s.Delete(ctx, "backups/1/2/backup.zip"))
	_, err := s.Open(ctx, "backups/1/2/backup.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3ListDirPaginates(t *testing.T) {
	ctx := context.Background()
	s := NewS3WithClient(newMemoryS3(), "bucket")
	for _, name := range []string{"p/a", "p/b", "p/c", "p/x/1", "p/y/2", "q/z"} {
		require.NoError(t, s.Save(ctx, name, strings.NewReader(name)))
	}

	dirs, files, err := s.ListDir(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/x/", "p/y/"}, dirs)
	assert.Equal(t, []string{"p/a", "p/b", "p/c"}, files)
}
