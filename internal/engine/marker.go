package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/any-hub/asset-sync/internal/cache"
)

// MarkerKey 是保存当前版本令牌的保留键，永远不参与垃圾回收。
const MarkerKey = "version-marker"

const markerContentType = "application/json"

// ErrNotInstalled 表示版本标记不存在或不可读。
var ErrNotInstalled = errors.New("asset cache not installed")

func readMarker(ctx context.Context, store cache.Store) (string, error) {
	entry, err := store.Get(ctx, MarkerKey)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", ErrNotInstalled
		}
		return "", err
	}
	var version string
	if err := json.Unmarshal(entry.Body, &version); err != nil || version == "" {
		return "", ErrNotInstalled
	}
	return version, nil
}

func writeMarker(ctx context.Context, store cache.Store, version string) error {
	encoded, err := json.Marshal(version)
	if err != nil {
		return err
	}
	return store.Put(ctx, MarkerKey, cache.Payload{Body: encoded, ContentType: markerContentType})
}
