package cache

import (
	"context"
	"sync"
)

// Lazy 延迟到第一次使用时才打开底层存储；打开失败不会缓存，下一次调用重试。
// 用于让进程在存储暂不可用时依旧启动，并把失败转为具体操作的 StorageError。
func Lazy(open func(context.Context) (Store, error)) Store {
	return &lazyStore{open: open}
}

type lazyStore struct {
	open func(context.Context) (Store, error)

	mu    sync.Mutex
	store Store
}

func (l *lazyStore) get(ctx context.Context, op string) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		return l.store, nil
	}
	store, err := l.open(ctx)
	if err != nil {
		return nil, wrapErr(op, "", err)
	}
	l.store = store
	return store, nil
}

func (l *lazyStore) Get(ctx context.Context, key string) (*Entry, error) {
	store, err := l.get(ctx, "open")
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, key)
}

func (l *lazyStore) Put(ctx context.Context, key string, payload Payload) error {
	store, err := l.get(ctx, "open")
	if err != nil {
		return err
	}
	return store.Put(ctx, key, payload)
}

func (l *lazyStore) Delete(ctx context.Context, key string) error {
	store, err := l.get(ctx, "open")
	if err != nil {
		return err
	}
	return store.Delete(ctx, key)
}

func (l *lazyStore) Keys(ctx context.Context) ([]string, error) {
	store, err := l.get(ctx, "open")
	if err != nil {
		return nil, err
	}
	return store.Keys(ctx)
}

func (l *lazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}
