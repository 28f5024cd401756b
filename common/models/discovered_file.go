package models

import (
	"path"
	"strings"
)

// DiscoveredFile is one object found by the bucket discovery scan. The path
// is the canonical s3:// URL of the object and is the row's identity; rescans
// refresh size and timestamps in place.
type DiscoveredFile struct {
	Path         string `json:"path" goqu:"skipupdate" db:"file_path"`
	SizeBytes    int64  `json:"size_bytes" db:"file_size_bytes"`
	LastModified Time   `json:"last_modified" db:"file_last_modified"`
	RegisteredAt Time   `json:"registered_at" db:"file_registered_at"`
	FileType     string `json:"file_type" db:"file_type"`
}

func NewDiscoveredFile(bucket, key string, sizeBytes int64, lastModified Time, now Time) *DiscoveredFile {
	return &DiscoveredFile{
		Path:         "s3://" + bucket + "/" + key,
		SizeBytes:    sizeBytes,
		LastModified: lastModified,
		RegisteredAt: now,
		FileType:     FileTypeForKey(key),
	}
}

// FileTypeForKey derives the file type from the key's extension,
// or "unknown" when there is none.
func FileTypeForKey(key string) string {
	ext := strings.TrimPrefix(path.Ext(key), ".")
	if ext == "" {
		return "unknown"
	}
	return strings.ToLower(ext)
}
