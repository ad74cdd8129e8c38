package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/any-hub/asset-sync/internal/config"
)

// Open 根据存储配置打开对应后端，命名空间决定条目隔离范围。
func Open(ctx context.Context, cfg config.StoreConfig, namespace string) (Store, error) {
	switch cfg.Driver {
	case config.StoreDriverFS, "":
		return NewFSStore(cfg.Path, namespace, FSOptions{Compress: cfg.Compress})
	case config.StoreDriverSQLite:
		path := cfg.Path
		if !strings.HasSuffix(path, ".db") {
			path = filepath.Join(path, "asset-sync.db")
		}
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return nil, err
		}
		return NewSQLiteStore(ctx, path, namespace)
	case config.StoreDriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, namespace)
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wrapErr("open", "", err)
	}
	return nil
}
