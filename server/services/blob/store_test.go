package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/server/services"
)

func TestLocalStore(t *testing.T) {
	store := NewLocalBlobStore(LocalBlobStoreDirectory(t.TempDir()))
	t.Run("RoundTrip/Local", testRoundTrip(store))
	t.Run("ListBlobs/Local", testListBlobs(store))
}

func TestS3BlobStoreIntegration(t *testing.T) {
	t.Skip("Skipping S3 blob store integration test; requires a running MinIO")

	logRegistry, err := logger.NewLogRegistry("")
	require.NoError(t, err)
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)
	s3, err := NewS3BlobStore(S3BlobStoreConfig{
		BucketName:      "flight-cache-integration-test",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
	}, logFactory)
	require.NoError(t, err)
	t.Run("RoundTrip/S3", testRoundTrip(s3))
	t.Run("ListBlobs/S3", testListBlobs(s3))
}

// brokenReader yields a little data and then fails, like a producer dying
// partway through a put.
type brokenReader struct {
	fed bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.fed {
		r.fed = true
		return copy(p, "partial bytes"), nil
	}
	return 0, fmt.Errorf("producer died")
}

func TestLocalStorePartialPutNotVisible(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalBlobStore(LocalBlobStoreDirectory(dir))
	ctx := context.Background()
	const key = "artifacts/partial.arrow"

	err := store.PutBlob(ctx, key, &brokenReader{})
	require.Error(t, err)

	// The failed put leaves nothing behind: no blob under the key, nothing
	// in a listing, no stray temp file on disk.
	_, err = store.GetBlob(ctx, key)
	assert.True(t, gerror.IsNotFound(err), "partial put must not publish a blob")
	listing, _, err := store.ListBlobs(ctx, "", "", 100)
	require.NoError(t, err)
	assert.Empty(t, listing)
	entries, err := os.ReadDir(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), "."), "temp file %s left behind", entry.Name())
	}

	// A failed overwrite keeps the existing blob intact
	require.NoError(t, store.PutBlob(ctx, key, bytes.NewBufferString("good bytes")))
	err = store.PutBlob(ctx, key, &brokenReader{})
	require.Error(t, err)
	blob, err := store.GetBlob(ctx, key)
	require.NoError(t, err)
	read, err := io.ReadAll(blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())
	assert.Equal(t, []byte("good bytes"), read)
}

func testRoundTrip(store services.BlobStore) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		const key = "roundtrip/results.arrow"
		payload := []byte("not really an arrow stream, but bytes are bytes")

		// Unknown key
		_, err := store.GetBlob(ctx, key)
		assert.True(t, gerror.IsNotFound(err), "expected not found before put, got %v", err)
		_, err = store.HeadBlob(ctx, key)
		assert.True(t, gerror.IsNotFound(err))

		err = store.PutBlob(ctx, key, bytes.NewReader(payload))
		require.NoError(t, err)

		blob, err := store.GetBlob(ctx, key)
		require.NoError(t, err)
		read, err := io.ReadAll(blob)
		require.NoError(t, err)
		require.NoError(t, blob.Close())
		assert.Equal(t, payload, read)

		descriptor, err := store.HeadBlob(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, descriptor.Key)
		assert.Equal(t, int64(len(payload)), descriptor.SizeBytes)
		assert.NotNil(t, descriptor.LastModified)

		// Overwrite in place
		err = store.PutBlob(ctx, key, bytes.NewReader(payload[:10]))
		require.NoError(t, err)
		descriptor, err = store.HeadBlob(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(10), descriptor.SizeBytes)

		// Delete is idempotent
		require.NoError(t, store.DeleteBlob(ctx, key))
		require.NoError(t, store.DeleteBlob(ctx, key))
		_, err = store.HeadBlob(ctx, key)
		assert.True(t, gerror.IsNotFound(err))
	}
}

func testListBlobs(store services.BlobStore) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		keys := []string{
			"listing/a/1",
			"listing/a/2",
			"listing/a/3",
			"listing/b/1",
			"listing/b/2",
		}
		for _, key := range keys {
			require.NoError(t, store.PutBlob(ctx, key, bytes.NewBufferString(key)))
		}

		// Full listing under the prefix
		all, marker, err := store.ListBlobs(ctx, "listing/", "", 100)
		require.NoError(t, err)
		assert.Equal(t, "", marker)
		require.Len(t, all, len(keys))
		for i, descriptor := range all {
			assert.Equal(t, keys[i], descriptor.Key)
		}

		// Narrower prefix
		bs, _, err := store.ListBlobs(ctx, "listing/b/", "", 100)
		require.NoError(t, err)
		assert.Len(t, bs, 2)

		// Page through with markers
		var paged []string
		marker = ""
		for {
			page, next, err := store.ListBlobs(ctx, "listing/", marker, 2)
			require.NoError(t, err)
			for _, descriptor := range page {
				paged = append(paged, descriptor.Key)
			}
			if next == "" {
				break
			}
			marker = next
		}
		assert.Equal(t, keys, paged)

		// Keys rooted at / are rejected
		_, _, err = store.ListBlobs(ctx, "/listing", "", 10)
		assert.Error(t, err)
	}
}
