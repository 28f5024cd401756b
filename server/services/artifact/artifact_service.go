package artifact

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v15/arrow/ipc"

	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/common/util"
	"github.com/flightcache/flightcache/server/services"
)

// ArtifactService owns the layout of result artifacts in the blob store.
// Artifacts are keyed by fingerprint, not job ID, so every job for the same
// query shares one object and re-running a query overwrites in place.
type ArtifactService struct {
	blobStore services.BlobStore
	logger.Log
}

func NewArtifactService(blobStore services.BlobStore, logFactory logger.LogFactory) *ArtifactService {
	return &ArtifactService{
		blobStore: blobStore,
		Log:       logFactory("ArtifactService"),
	}
}

// KeyFor returns the blob store key for the job's result artifact.
func (s *ArtifactService) KeyFor(job *models.Job) string {
	if job.ArtifactKey != "" {
		return job.ArtifactKey
	}
	return models.MakeArtifactKey(job.Fingerprint, job.Format)
}

// PutStream streams the artifact data from source into the blob store under the
// job's key, returning the number of bytes written. The caller is responsible
// for closing the reader.
func (s *ArtifactService) PutStream(ctx context.Context, job *models.Job, source io.Reader) (int64, error) {
	key := s.KeyFor(job)
	countingReader := util.NewCountingReader(source)
	err := s.blobStore.PutBlob(ctx, key, countingReader)
	if err != nil {
		return 0, fmt.Errorf("error writing artifact data to blob store: %w", err)
	}
	written := int64(countingReader.Count())
	s.WithField("key", key).
		WithField("bytes", written).
		Infof("Stored artifact")
	return written, nil
}

// GetStream returns a reader over the job's stored artifact bytes.
// The caller is responsible for closing the reader.
// Returns gerror.ErrNotFound if the artifact does not exist.
func (s *ArtifactService) GetStream(ctx context.Context, job *models.Job) (io.ReadCloser, error) {
	return s.blobStore.GetBlob(ctx, s.KeyFor(job))
}

// Head returns the stored artifact's object metadata without reading its data.
// Returns gerror.ErrNotFound if the artifact does not exist.
func (s *ArtifactService) Head(ctx context.Context, job *models.Job) (*models.BlobDescriptor, error) {
	return s.blobStore.HeadBlob(ctx, s.KeyFor(job))
}

// Delete removes the job's artifact. Returns nil if it does not exist.
func (s *ArtifactService) Delete(ctx context.Context, job *models.Job) error {
	return s.blobStore.DeleteBlob(ctx, s.KeyFor(job))
}

// ReadSchema reads just enough of the stored Arrow IPC stream to decode its
// schema. The schema message sits at the head of the stream, so the body is
// never fetched past the first framed message.
func (s *ArtifactService) ReadSchema(ctx context.Context, job *models.Job) ([]models.Column, error) {
	blob, err := s.blobStore.GetBlob(ctx, s.KeyFor(job))
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	reader, err := ipc.NewReader(blob)
	if err != nil {
		return nil, fmt.Errorf("error opening artifact stream for schema: %w", err)
	}
	defer reader.Release()

	schema := reader.Schema()
	columns := make([]models.Column, 0, schema.NumFields())
	for _, field := range schema.Fields() {
		columns = append(columns, models.Column{
			Name: field.Name,
			Type: field.Type.String(),
		})
	}
	return columns, nil
}
