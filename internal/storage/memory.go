package storage

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const memoryURLPrefix = "mem://attachments/"

// MemoryStorage keeps attachments in process for local runs and tests. Its
// links are not reachable over HTTP; clients fetch the content through the API.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte), now: time.Now}
}

func (s *MemoryStorage) UploadFile(_ context.Context, key string, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("пустые данные файла")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)

	return memoryURLPrefix + key, nil
}

func (s *MemoryStorage) DeleteFile(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStorage) GetFile(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStorage) GetPresignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.objects[key]; !ok {
		return "", ErrObjectNotFound
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(s.now().Add(expiry).Unix(), 10))
	return memoryURLPrefix + key + "?" + q.Encode(), nil
}

// Len reports how many objects are stored.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
