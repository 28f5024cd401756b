package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/store/discovered_files"

	"github.com/flightcache/flightcache/server/services"
)

const (
	DefaultScanInterval = 5 * time.Minute
	scanPageSize        = 1000
)

type DiscoveryConfig struct {
	// BucketName is the data bucket being cataloged, used to render s3:// paths.
	BucketName string
	// ScanInterval is the period between automatic scans.
	ScanInterval time.Duration
}

// DiscoveryService periodically scans a data bucket and catalogs every object
// into the discovered_files table. It shares the registry database file but
// owns its table exclusively.
type DiscoveryService struct {
	config    DiscoveryConfig
	blobStore services.BlobStore
	fileStore *discovered_files.DiscoveredFileStore
	clock     clock.Clock
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	mu          sync.Mutex
	lastScanned *models.Time
	logger.Log
}

func NewDiscoveryService(
	config DiscoveryConfig,
	blobStore services.BlobStore,
	fileStore *discovered_files.DiscoveredFileStore,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *DiscoveryService {
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultScanInterval
	}
	return &DiscoveryService{
		config:    config,
		blobStore: blobStore,
		fileStore: fileStore,
		clock:     clk,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		Log:       logFactory("DiscoveryService"),
	}
}

// Start launches the background scan loop. A scan runs immediately, then
// every ScanInterval.
func (s *DiscoveryService) Start() {
	s.startOnce.Do(func() {
		s.Infof("Starting discovery of bucket %q every %s", s.config.BucketName, s.config.ScanInterval)
		go s.runLoop()
	})
}

// Stop terminates the scan loop and waits for any in-progress scan to finish.
func (s *DiscoveryService) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.Infof("Discovery stopped")
	})
}

func (s *DiscoveryService) runLoop() {
	defer close(s.done)
	ticker := s.clock.Ticker(s.config.ScanInterval)
	defer ticker.Stop()
	for {
		_, err := s.Scan(context.Background())
		if err != nil {
			s.Errorf("Discovery scan failed: %v", err)
		}
		select {
		case <-s.quit:
			return
		case <-ticker.C:
		}
	}
}

// Scan walks the whole bucket once and upserts every object found.
// Returns the number of objects cataloged.
func (s *DiscoveryService) Scan(ctx context.Context) (int, error) {
	start := s.clock.Now()
	found := 0
	marker := ""
	for {
		descriptors, nextMarker, err := s.blobStore.ListBlobs(ctx, "", marker, scanPageSize)
		if err != nil {
			return found, fmt.Errorf("error listing bucket %q: %w", s.config.BucketName, err)
		}
		for _, descriptor := range descriptors {
			if strings.HasSuffix(descriptor.Key, "/") {
				continue
			}
			lastModified := models.NewTime(start)
			if descriptor.LastModified != nil {
				lastModified = *descriptor.LastModified
			}
			file := models.NewDiscoveredFile(
				s.config.BucketName, descriptor.Key, descriptor.SizeBytes, lastModified, models.NewTime(s.clock.Now()))
			err = s.fileStore.Upsert(ctx, nil, file)
			if err != nil {
				s.WithField("key", descriptor.Key).Errorf("Failed to register file: %v", err)
				continue
			}
			found++
		}
		if nextMarker == "" {
			break
		}
		marker = nextMarker
	}

	now := models.NewTime(s.clock.Now())
	s.mu.Lock()
	s.lastScanned = &now
	s.mu.Unlock()
	s.Infof("Discovery scan complete: %d object(s) in %s", found, s.clock.Now().Sub(start))
	return found, nil
}

// LastScanned returns when the last successful scan completed, or nil if no
// scan has completed yet.
func (s *DiscoveryService) LastScanned() *models.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScanned
}

// ListFiles returns cataloged files most recently modified first, with the
// total count before pagination.
func (s *DiscoveryService) ListFiles(ctx context.Context, fileType string, limit, offset uint) ([]*models.DiscoveredFile, int64, error) {
	if limit == 0 || limit > 1000 {
		limit = 100
	}
	total, err := s.fileStore.Count(ctx, nil, fileType)
	if err != nil {
		return nil, 0, err
	}
	files, err := s.fileStore.List(ctx, nil, fileType, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}
