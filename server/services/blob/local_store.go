package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/models"
)

type LocalBlobStoreDirectory string

func (l LocalBlobStoreDirectory) String() string {
	return string(l)
}

type blobStoreFile struct {
	os.FileInfo
	// RelPath is a path to the file relative to the root of the blob store.
	// This path is guaranteed to use forward slashes.
	RelPath string
}

// LocalBlobStore is a filesystem-backed blob store used in dev and tests.
type LocalBlobStore struct {
	path string
}

func NewLocalBlobStore(path LocalBlobStoreDirectory) *LocalBlobStore {
	return &LocalBlobStore{
		path: string(path),
	}
}

// PutBlob writes all data in the source reader to a blob identified by key.
// The caller is responsible for closing the reader.
// The data is written to a temp file and renamed into place, so a put that
// fails partway through never leaves a partial blob visible under the key.
func (s *LocalBlobStore) PutBlob(ctx context.Context, key string, source io.Reader) error {
	blobPath, err := s.makeBlobPath(key)
	if err != nil {
		return err
	}
	err = os.MkdirAll(filepath.Dir(blobPath), 0700)
	if err != nil {
		return errors.Wrap(err, "error making blob directory")
	}
	blobFile, err := os.CreateTemp(filepath.Dir(blobPath), "."+filepath.Base(blobPath)+".*")
	if err != nil {
		return errors.Wrapf(err, "Error opening blob %s for writing", blobPath)
	}
	tempPath := blobFile.Name()
	_, err = io.Copy(blobFile, source)
	if err != nil {
		blobFile.Close()
		os.Remove(tempPath)
		return errors.Wrapf(err, "Error writing data to blob %s", blobPath)
	}
	err = blobFile.Sync()
	if err != nil {
		blobFile.Close()
		os.Remove(tempPath)
		return errors.Wrapf(err, "Error syncing blob %s", blobPath)
	}
	err = blobFile.Close()
	if err != nil {
		os.Remove(tempPath)
		return errors.Wrapf(err, "Error closing blob %s", blobPath)
	}
	err = os.Rename(tempPath, blobPath)
	if err != nil {
		os.Remove(tempPath)
		return errors.Wrapf(err, "Error publishing blob %s", blobPath)
	}
	return nil
}

// GetBlob returns a reader positioned at the beginning of the blob identified by key.
// The caller is responsible for closing the reader.
// Returns gerror.ErrNotFound if no blob exists for key.
func (s *LocalBlobStore) GetBlob(ctx context.Context, key string) (io.ReadCloser, error) {
	blobPath, err := s.makeBlobPath(key)
	if err != nil {
		return nil, err
	}
	blobFile, err := os.Open(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gerror.NewErrNotFound("Not Found").Wrap(err).IDetail("key", key)
		}
		return nil, errors.Wrapf(err, "Error opening blob %s for reading", blobPath)
	}
	return blobFile, nil
}

// HeadBlob returns the metadata of the blob identified by key without reading its data.
// Returns gerror.ErrNotFound if no blob exists for key.
func (s *LocalBlobStore) HeadBlob(ctx context.Context, key string) (*models.BlobDescriptor, error) {
	blobPath, err := s.makeBlobPath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gerror.NewErrNotFound("Not Found").Wrap(err).IDetail("key", key)
		}
		return nil, errors.Wrapf(err, "Error stating blob %s", blobPath)
	}
	return &models.BlobDescriptor{
		Key:          key,
		SizeBytes:    info.Size(),
		LastModified: models.NewTimePtr(info.ModTime()),
	}, nil
}

// DeleteBlob deletes a blob. Returns nil if the blob does not exist.
func (s *LocalBlobStore) DeleteBlob(ctx context.Context, key string) error {
	blobPath, err := s.makeBlobPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("error deleting blob %s: %w", blobPath, err)
	}
	return nil
}

// ListBlobs lists up to limit blobs matching prefix, starting after marker.
// Returns the next marker to continue from, or "" when the listing is complete.
// All inputs/outputs use forward slash separators to be s3-compatible.
func (s *LocalBlobStore) ListBlobs(ctx context.Context, prefix string, marker string, limit int) ([]*models.BlobDescriptor, string, error) {
	if strings.HasPrefix(prefix, "/") {
		return nil, "", fmt.Errorf("error blob keys cannot begin with /")
	}

	_, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("error stating root path: %w", err)
	}

	var listing []blobStoreFile
	err = filepath.Walk(s.path,
		func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			// In-flight puts write to dot-prefixed temp files; valid blob
			// keys never produce one, so keep them out of listings.
			if strings.HasPrefix(info.Name(), ".") {
				return nil
			}
			rel, err := filepath.Rel(s.path, path)
			if err != nil {
				return fmt.Errorf("error getting relative path: %w", err)
			}
			listing = append(listing, blobStoreFile{FileInfo: info, RelPath: filepath.ToSlash(rel)})
			return nil
		})
	if err != nil {
		return nil, "", fmt.Errorf("error during walk: %w", err)
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].RelPath < listing[j].RelPath })

	var results []*models.BlobDescriptor
	for _, candidate := range listing {
		if !strings.HasPrefix(candidate.RelPath, prefix) {
			continue
		}
		if marker != "" && candidate.RelPath <= marker {
			continue
		}
		results = append(results, &models.BlobDescriptor{
			Key:          candidate.RelPath,
			SizeBytes:    candidate.Size(),
			LastModified: models.NewTimePtr(candidate.ModTime()),
		})
		if len(results) >= limit+1 { // read one more, so we can determine if a marker should be returned
			break
		}
	}

	var nextMarker string
	if len(results) > limit {
		results = results[:limit]
		nextMarker = results[len(results)-1].Key
	}
	return results, nextMarker, nil
}

// makeBlobPath makes a path to a blob on the local filesystem.
func (s *LocalBlobStore) makeBlobPath(key string) (string, error) {
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("error blob keys cannot begin with /")
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("error blob keys cannot contain ..")
	}
	return filepath.Join(s.path, filepath.FromSlash(key)), nil
}
