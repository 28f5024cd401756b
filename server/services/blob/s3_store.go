package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
)

const (
	AWSS3BlobStoreType BlobStoreType = "AWS_S3"
	LocalBlobStoreType BlobStoreType = "LOCAL"
)

type BlobStoreType string

func (s BlobStoreType) String() string {
	return string(s)
}

func BlobStoreTypes() []string {
	return []string{AWSS3BlobStoreType.String(), LocalBlobStoreType.String()}
}

type S3BlobStoreConfig struct {
	BucketName string
	Region     string
	// Endpoint overrides the AWS endpoint, e.g. http://localhost:9000 for a
	// local MinIO. When set, path-style addressing is used since bucket
	// subdomains don't resolve against such endpoints.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type S3BlobStore struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	config   S3BlobStoreConfig
	log      logger.Log
}

func NewS3BlobStore(config S3BlobStoreConfig, logFactory logger.LogFactory) (*S3BlobStore, error) {
	if config.BucketName == "" {
		return nil, fmt.Errorf("error bucket name must be configured")
	}
	log := logFactory("AWSS3BlobStore")
	cfg := &aws.Config{}
	log.Infof("Using bucket: %s", config.BucketName)
	if config.Region != "" {
		log.Infof("Using region: %s", config.Region)
		cfg = cfg.WithRegion(config.Region)
	} else {
		log.Info("Using default region")
	}
	if config.Endpoint != "" {
		log.Infof("Using endpoint: %s", config.Endpoint)
		cfg = cfg.WithEndpoint(config.Endpoint).WithS3ForcePathStyle(true)
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		log.Infof("Using static credentials: %s", config.AccessKeyID)
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, ""))
	} else {
		log.Infof("Using default credentials")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating AWS session: %w", err)
	}
	uploader := s3manager.NewUploader(sess)
	return &S3BlobStore{
		s3:       s3.New(sess),
		uploader: uploader,
		config:   config,
		log:      log,
	}, nil
}

// PutBlob writes all data in the source reader to a blob identified by key.
// The caller is responsible for closing the reader.
func (s *S3BlobStore) PutBlob(ctx context.Context, key string, source io.Reader) error {
	input := &s3manager.UploadInput{
		Body:        source,
		Bucket:      aws.String(s.config.BucketName),
		ContentType: aws.String("application/octet-stream"),
		Key:         aws.String(key),
	}
	// NOTE For future selves: This will use multipart uploads if it needs to. If the upload fails it
	// will attempt to clean up the parts. This cleanup can fail for a variety of reasons, so we may
	// find we accumulate some dead parts over time and will need to have a background process remove them.
	out, err := s.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("error putting blob %s: %s", key, err)
	}
	s.log.WithField("bucket", s.config.BucketName).
		WithField("key", key).
		WithField("upload_id", out.UploadID).
		Infof("Uploaded object")
	return nil
}

// GetBlob returns a reader positioned at the beginning of the blob identified by key.
// The caller is responsible for closing the reader.
// Returns gerror.ErrNotFound if no blob exists for key.
func (s *S3BlobStore) GetBlob(ctx context.Context, key string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
	}
	output, err := s.s3.GetObjectWithContext(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, gerror.NewErrNotFound("Not Found").Wrap(err).IDetail("key", key)
		}
		return nil, fmt.Errorf("error getting blob %s: %s", key, err)
	}
	s.log.WithField("bucket", s.config.BucketName).
		WithField("key", key).
		Infof("Read object")
	return output.Body, nil
}

// HeadBlob returns the metadata of the blob identified by key without reading its data.
// Returns gerror.ErrNotFound if no blob exists for key.
func (s *S3BlobStore) HeadBlob(ctx context.Context, key string) (*models.BlobDescriptor, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
	}
	output, err := s.s3.HeadObjectWithContext(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, gerror.NewErrNotFound("Not Found").Wrap(err).IDetail("key", key)
		}
		return nil, fmt.Errorf("error heading blob %s: %s", key, err)
	}
	descriptor := &models.BlobDescriptor{Key: key, SizeBytes: aws.Int64Value(output.ContentLength)}
	if output.LastModified != nil {
		descriptor.LastModified = models.NewTimePtr(*output.LastModified)
	}
	return descriptor, nil
}

// DeleteBlob deletes a blob. Returns nil if the blob does not exist.
func (s *S3BlobStore) DeleteBlob(ctx context.Context, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.BucketName),
		Key:    aws.String(key),
	}
	_, err := s.s3.DeleteObjectWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("error deleting blob %s: %s", key, err)
	}
	s.log.WithField("bucket", s.config.BucketName).
		WithField("key", key).
		Infof("Deleted object")
	return nil
}

// ListBlobs lists up to limit blobs matching prefix, starting after marker.
// Returns the next marker to continue from, or "" when the listing is complete.
func (s *S3BlobStore) ListBlobs(ctx context.Context, prefix string, marker string, limit int) ([]*models.BlobDescriptor, string, error) {
	if strings.HasPrefix(prefix, "/") {
		return nil, "", fmt.Errorf("error blob keys cannot begin with /")
	}
	input := &s3.ListObjectsInput{
		Bucket:  aws.String(s.config.BucketName),
		Marker:  aws.String(marker),
		MaxKeys: aws.Int64(int64(limit)),
		Prefix:  aws.String(prefix),
	}
	output, err := s.s3.ListObjectsWithContext(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("error listing blobs prefix=%s marker=%s: %w", prefix, marker, err)
	}
	s.log.
		WithField("bucket", s.config.BucketName).
		WithField("marker", marker).
		WithField("prefix", prefix).
		WithField("results", len(output.Contents)).
		Infof("Listed objects")
	var results []*models.BlobDescriptor
	for _, obj := range output.Contents {
		descriptor := &models.BlobDescriptor{Key: *obj.Key, SizeBytes: *obj.Size}
		if obj.LastModified != nil {
			descriptor.LastModified = models.NewTimePtr(*obj.LastModified)
		}
		results = append(results, descriptor)
	}
	var nextMarker string
	if aws.BoolValue(output.IsTruncated) && len(results) > 0 {
		nextMarker = results[len(results)-1].Key
	}
	return results, nextMarker, nil
}

func isS3NotFound(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
