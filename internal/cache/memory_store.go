package cache

import (
	"context"
	"sync"
	"time"
)

// NewMemoryStore 返回进程内缓存，重启即丢失，适合测试与临时部署。
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func (s *memoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	entry.Body = append([]byte(nil), entry.Body...)
	return &entry, nil
}

func (s *memoryStore) Put(ctx context.Context, key string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := Entry{
		Key: key,
		Payload: Payload{
			Body:        append([]byte(nil), payload.Body...),
			ContentType: payload.ContentType,
		},
		StoredAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *memoryStore) Close() error {
	return nil
}
