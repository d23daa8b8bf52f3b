package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "http://minio:9000/supportchat/chat/abc/file.png",
		ObjectURL("minio:9000", "supportchat", "chat/abc/file.png", false))
	assert.Equal(t, "https://s3.example.com/bucket/k",
		ObjectURL("s3.example.com", "bucket", "k", true))
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	s.now = func() time.Time { return time.Unix(1000, 0) }
	ctx := context.Background()

	_, err := s.UploadFile(ctx, "chat/1/a.txt", nil, "text/plain")
	require.Error(t, err)

	url, err := s.UploadFile(ctx, "chat/1/a.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "mem://attachments/chat/1/a.txt", url)

	data, err := s.GetFile(ctx, "chat/1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	presigned, err := s.GetPresignedURL(ctx, "chat/1/a.txt", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(presigned, url+"?"), presigned)
	assert.Contains(t, presigned, "expires=1060")

	require.NoError(t, s.DeleteFile(ctx, "chat/1/a.txt"))
	_, err = s.GetFile(ctx, "chat/1/a.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = s.GetPresignedURL(ctx, "chat/1/a.txt", time.Minute)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, s.DeleteFile(ctx, "chat/1/missing"))
}
