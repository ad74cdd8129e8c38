package cache

import (
	"bufio"
	"bytes"
	"context"
	_ "crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"
)

const (
	entrySuffix    = ".entry"
	shardPrefixLen = 2
	encodingZstd   = "zstd"
)

// FSOptions 控制磁盘缓存的可选行为。
type FSOptions struct {
	// Compress 为 true 时正文以 zstd 压缩落盘，读取时透明解压。
	Compress bool
}

// NewFSStore 以 basePath/namespace 为根目录构建磁盘缓存，整个进程复用一份实例。
//
// 磁盘布局：
//
//	<basePath>/<namespace>/<hh>/<sha256(key)>.entry
//
// 每个条目是单个文件：首行为 JSON 元数据，换行后紧跟正文（可能为 zstd）。
// 覆盖写入经一次 rename 整体替换，读者只会看到旧条目或完整的新条目。
// 键中含 '/'、'?'、':' 等字符，统一用摘要命名避免路径冲突。
func NewFSStore(basePath, namespace string, opts FSOptions) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if namespace == "" {
		return nil, errors.New("namespace required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	root := filepath.Join(abs, filepath.FromSlash(namespace))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	store := &fileStore{
		root:  root,
		locks: make(map[string]*entryLock),
	}
	if opts.Compress {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder: %w", err)
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			encoder.Close()
			return nil, fmt.Errorf("init zstd decoder: %w", err)
		}
		store.encoder = encoder
		store.decoder = decoder
	}
	return store, nil
}

// fileStore 通过 entryLock 避免同一键并发写入，读取不加锁。
type fileStore struct {
	root string

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Encoding    string    `json:"encoding,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	StoredAt    time.Time `json:"stored_at"`
}

func (s *fileStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get", key, err)
	}
	meta, body, err := splitEntry(raw)
	if err != nil {
		return nil, wrapErr("get", key, err)
	}
	if meta.Key != key {
		// 摘要碰撞或残留文件，按未命中处理。
		return nil, ErrNotFound
	}
	if meta.Encoding == encodingZstd {
		if s.decoder == nil {
			return nil, wrapErr("get", key, errors.New("zstd entry found but compression disabled"))
		}
		body, err = s.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, wrapErr("get", key, fmt.Errorf("decode body: %w", err))
		}
	}

	return &Entry{
		Key: key,
		Payload: Payload{
			Body:        body,
			ContentType: meta.ContentType,
		},
		StoredAt: meta.StoredAt,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	path := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapErr("put", key, err)
	}

	body := payload.Body
	meta := entryMeta{
		Key:         key,
		ContentType: payload.ContentType,
		SizeBytes:   int64(len(payload.Body)),
		StoredAt:    time.Now().UTC(),
	}
	if s.encoder != nil {
		body = s.encoder.EncodeAll(payload.Body, nil)
		meta.Encoding = encodingZstd
	}

	header, err := json.Marshal(meta)
	if err != nil {
		return wrapErr("put", key, err)
	}
	data := make([]byte, 0, len(header)+1+len(body))
	data = append(data, header...)
	data = append(data, '\n')
	data = append(data, body...)
	if err := writeAtomic(path, data); err != nil {
		return wrapErr("put", key, err)
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	if err := removeIfExists(s.entryPath(key)); err != nil {
		return wrapErr("delete", key, err)
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, entrySuffix) {
			return nil
		}
		meta, err := readHeader(p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// 并发删除，跳过。
				return nil
			}
			return err
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		return nil, wrapErr("keys", "", err)
	}
	return keys, nil
}

func (s *fileStore) Close() error {
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPath 返回条目文件路径。
func (s *fileStore) entryPath(key string) string {
	encoded := digest.FromString(key).Encoded()
	return filepath.Join(s.root, encoded[:shardPrefixLen], encoded+entrySuffix)
}

// splitEntry 拆分条目文件的元数据首行与正文。
func splitEntry(raw []byte) (*entryMeta, []byte, error) {
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return nil, nil, errors.New("entry header missing")
	}
	var meta entryMeta
	if err := json.Unmarshal(raw[:idx], &meta); err != nil {
		return nil, nil, fmt.Errorf("decode entry header: %w", err)
	}
	return &meta, raw[idx+1:], nil
}

// readHeader 只读取条目首行，供 Keys 遍历使用。
func readHeader(path string) (*entryMeta, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer file.Close()

	line, err := bufio.NewReader(file).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read entry header %s: %w", filepath.Base(path), err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line[:len(line)-1], &meta); err != nil {
		return nil, fmt.Errorf("decode entry header %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

func writeAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
