package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// AddAll 以给定并发度抓取全部键，全部成功后才逐个写入存储。
// 任一抓取失败时不写入任何条目；写入阶段失败时回滚本次写入：
// 原先存在的条目恢复为旧内容，原先不存在的键被删除。返回的错误为第一个失败原因。
func AddAll(ctx context.Context, store Store, fetcher Fetcher, keys []string, concurrency int) error {
	if len(keys) == 0 {
		return nil
	}
	if concurrency < 1 {
		concurrency = 1
	}

	payloads := make([]Payload, len(keys))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, key := range keys {
		group.Go(func() error {
			payload, err := fetcher.Fetch(groupCtx, key)
			if err != nil {
				return err
			}
			payloads[i] = payload
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	written := make([]snapshot, 0, len(keys))
	for i, key := range keys {
		previous, err := takeSnapshot(ctx, store, key)
		if err == nil {
			err = store.Put(ctx, key, payloads[i])
		}
		if err != nil {
			if rollbackErr := rollback(context.WithoutCancel(ctx), store, written); rollbackErr != nil {
				return errors.Join(err, fmt.Errorf("rollback: %w", rollbackErr))
			}
			return err
		}
		written = append(written, previous)
	}
	return nil
}

// snapshot 记录写入前的条目；existed 为 false 表示写入前不存在。
type snapshot struct {
	key     string
	existed bool
	payload Payload
}

func takeSnapshot(ctx context.Context, store Store, key string) (snapshot, error) {
	entry, err := store.Get(ctx, key)
	switch {
	case err == nil:
		return snapshot{key: key, existed: true, payload: entry.Payload}, nil
	case errors.Is(err, ErrNotFound):
		return snapshot{key: key}, nil
	default:
		return snapshot{}, err
	}
}

// rollback 逆序撤销写入，保证重复键也恢复到最初状态。
func rollback(ctx context.Context, store Store, written []snapshot) error {
	var errs []error
	for i := len(written) - 1; i >= 0; i-- {
		snap := written[i]
		var err error
		if snap.existed {
			err = store.Put(ctx, snap.key, snap.payload)
		} else {
			err = store.Delete(ctx, snap.key)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
