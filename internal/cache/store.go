package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store 负责管理缓存条目的读写。实现需保证单键操作原子：覆盖写入期间读者要么看到
// 旧条目，要么看到完整的新条目，既不会读到写了一半的正文，也不会看到条目暂时消失。
type Store interface {
	// Get 返回完整缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key string) (*Entry, error)

	// Put 写入或覆盖条目。
	Put(ctx context.Context, key string, payload Payload) error

	// Delete 删除条目，删除不存在的键不视为错误。
	Delete(ctx context.Context, key string) error

	// Keys 返回当前存储的全部键，顺序不作保证。
	Keys(ctx context.Context) ([]string, error)

	// Close 释放底层句柄。
	Close() error
}

// Fetcher 从网络获取单个资源，供 AddAll 与更新流程使用。
type Fetcher interface {
	Fetch(ctx context.Context, key string) (Payload, error)
}

// Payload 是缓存条目的正文与最小元数据。
type Payload struct {
	Body        []byte
	ContentType string
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Key string
	Payload
	StoredAt time.Time
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// StorageError 包装存储后端的读写失败，Key 为空表示与具体条目无关（如 Keys/打开）。
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// wrapErr 将后端错误包装为 StorageError，ErrNotFound 与 nil 原样返回。
func wrapErr(op, key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Has 判断条目是否存在；存储错误会原样返回。
func Has(ctx context.Context, store Store, key string) (bool, error) {
	_, err := store.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
