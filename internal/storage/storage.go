package storage

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("объект не найден")

// FileStorage keeps chat attachments under object keys such as
// chat/<session>/<file>.
type FileStorage interface {
	// UploadFile stores the object and returns its permanent URL.
	UploadFile(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// DeleteFile is a no-op for a missing key.
	DeleteFile(ctx context.Context, key string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	// GetPresignedURL returns a time-limited download link, or
	// ErrObjectNotFound when nothing is stored under the key.
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}
