// Package storage provides object storage for archived event segments.
package storage

import (
	"context"

	"github.com/pulseboard/pulse/internal/errors"
)

// Common errors for storage operations. Returned errors match these with
// errors.Is by category and code.
var (
	ErrObjectNotFound = errors.NewStorageError(errors.CodeObjectNotFound, "object not found", nil)
	ErrUploadFailed   = errors.NewStorageError(errors.CodeUploadFailed, "upload failed", nil)
	ErrDownloadFailed = errors.NewStorageError(errors.CodeDownloadFailed, "download failed", nil)
)

// ObjectStorage abstracts object storage operations.
// Implementations are S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath, replacing any
	// existing object.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath. It returns ErrObjectNotFound
	// when the object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64 `yaml:"part_size" json:"part_size"`
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 5 * 1024 * 1024, // 5MB
	}
}

func uploadFailed(objectPath string, err error) error {
	return errors.NewStorageError(errors.CodeUploadFailed, "upload failed: "+objectPath, err)
}

func downloadFailed(objectPath string, err error) error {
	return errors.NewStorageError(errors.CodeDownloadFailed, "download failed: "+objectPath, err)
}
