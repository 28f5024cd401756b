package models

// BlobDescriptor describes a single object in a blob store listing.
type BlobDescriptor struct {
	Key          string `json:"key"`
	SizeBytes    int64  `json:"size_bytes"`
	LastModified *Time  `json:"last_modified,omitempty"`
}
