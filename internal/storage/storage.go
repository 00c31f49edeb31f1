// Package storage moves snapshot archives between the local filesystem and
// an object store.
package storage

import (
	"context"
	"errors"
)

var (
	ErrObjectNotFound = errors.New("storage: object not found")
	ErrUploadFailed   = errors.New("storage: upload failed")
	ErrDownloadFailed = errors.New("storage: download failed")
	ErrDeleteFailed   = errors.New("storage: delete failed")
)

// ObjectStorage stores whole files under slash-separated object paths.
type ObjectStorage interface {
	// Upload copies a local file to objectPath and returns its ETag.
	Upload(ctx context.Context, localPath, objectPath string) (string, error)

	// Download copies objectPath to localPath. A missing object is
	// ErrObjectNotFound.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns every object path under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MultipartConfig controls when and how large archives are split.
type MultipartConfig struct {
	// PartSize is the size of each part in bytes. Files no larger than one
	// part are uploaded with a single request.
	PartSize int64
}

// DefaultMultipartConfig returns 8 MiB parts.
func DefaultMultipartConfig() MultipartConfig {
	return MultipartConfig{PartSize: 8 << 20}
}
