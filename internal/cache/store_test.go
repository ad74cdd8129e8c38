package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"fs": func(t *testing.T) Store {
			store, err := NewFSStore(t.TempDir(), "app.example.com/app-assets", FSOptions{})
			require.NoError(t, err)
			return store
		},
		"fs+zstd": func(t *testing.T) Store {
			store, err := NewFSStore(t.TempDir(), "app.example.com/app-assets", FSOptions{Compress: true})
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "cache.db")
			store, err := NewSQLiteStore(context.Background(), path, "app.example.com/app-assets")
			require.NoError(t, err)
			return store
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("PutGet", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				require.NoError(t, store.Put(ctx, "/main.js", Payload{Body: []byte("console.log(1)"), ContentType: "text/javascript"}))
				entry, err := store.Get(ctx, "/main.js")
				require.NoError(t, err)
				assert.Equal(t, "/main.js", entry.Key)
				assert.Equal(t, "console.log(1)", string(entry.Body))
				assert.Equal(t, "text/javascript", entry.ContentType)
				assert.False(t, entry.StoredAt.IsZero())
			})

			t.Run("Overwrite", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				require.NoError(t, store.Put(ctx, "/index.html", Payload{Body: []byte("v1")}))
				require.NoError(t, store.Put(ctx, "/index.html", Payload{Body: []byte("v2"), ContentType: "text/html"}))
				entry, err := store.Get(ctx, "/index.html")
				require.NoError(t, err)
				assert.Equal(t, "v2", string(entry.Body))
				assert.Equal(t, "text/html", entry.ContentType)

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"/index.html"}, keys)
			})

			t.Run("Missing", func(t *testing.T) {
				store := factory(t)
				defer store.Close()

				_, err := store.Get(context.Background(), "/missing.css")
				assert.ErrorIs(t, err, ErrNotFound)
				ok, err := Has(context.Background(), store, "/missing.css")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("DeleteAndKeys", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				for _, key := range []string{"/a.js", "/b.css?v=2", "https://cdn.example.org/lib.js"} {
					require.NoError(t, store.Put(ctx, key, Payload{Body: []byte(key)}))
				}
				require.NoError(t, store.Delete(ctx, "/a.js"))
				require.NoError(t, store.Delete(ctx, "/never-existed"))

				keys, err := store.Keys(ctx)
				require.NoError(t, err)
				sort.Strings(keys)
				assert.Equal(t, []string{"/b.css?v=2", "https://cdn.example.org/lib.js"}, keys)
			})

			t.Run("EmptyBody", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				require.NoError(t, store.Put(ctx, "/empty.txt", Payload{}))
				entry, err := store.Get(ctx, "/empty.txt")
				require.NoError(t, err)
				assert.Empty(t, entry.Body)
			})

			t.Run("OverwriteWhileReading", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()
				require.NoError(t, store.Put(ctx, "/index.html", Payload{Body: []byte("v1"), ContentType: "text/html"}))

				var (
					misses atomic.Int32
					torn   atomic.Int32
					stop   = make(chan struct{})
					done   = make(chan struct{})
				)
				go func() {
					defer close(done)
					for {
						select {
						case <-stop:
							return
						default:
						}
						entry, err := store.Get(ctx, "/index.html")
						if err != nil {
							misses.Add(1)
							continue
						}
						if body := string(entry.Body); body != "v1" && body != "v2" {
							torn.Add(1)
						}
					}
				}()

				bodies := []string{"v1", "v2"}
				for i := 0; i < 300; i++ {
					require.NoError(t, store.Put(ctx, "/index.html", Payload{Body: []byte(bodies[i%2]), ContentType: "text/html"}))
				}
				close(stop)
				<-done

				assert.Zero(t, misses.Load(), "覆盖写入期间读者不应看到条目消失")
				assert.Zero(t, torn.Load(), "读者只能看到完整的旧条目或新条目")
			})

			t.Run("ConcurrentPut", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, store.Put(ctx, "/shared.js", Payload{Body: []byte("same body")}))
					}()
				}
				wg.Wait()

				entry, err := store.Get(ctx, "/shared.js")
				require.NoError(t, err)
				assert.Equal(t, "same body", string(entry.Body))
			})
		})
	}
}

func TestFSStoreNamespacesAreIsolated(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	first, err := NewFSStore(base, "a.example.com/app-assets", FSOptions{})
	require.NoError(t, err)
	second, err := NewFSStore(base, "b.example.com/app-assets", FSOptions{})
	require.NoError(t, err)

	require.NoError(t, first.Put(ctx, "/index.html", Payload{Body: []byte("a")}))
	_, err = second.Get(ctx, "/index.html")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreCompressedEntryNeedsDecoder(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	compressed, err := NewFSStore(base, "app/app-assets", FSOptions{Compress: true})
	require.NoError(t, err)
	require.NoError(t, compressed.Put(ctx, "/app.js", Payload{Body: []byte("payload")}))

	plain, err := NewFSStore(base, "app/app-assets", FSOptions{})
	require.NoError(t, err)
	_, err = plain.Get(ctx, "/app.js")

	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "get", storageErr.Op)
	assert.Equal(t, "/app.js", storageErr.Key)
}

func TestFSStoreCorruptHeaderIsStorageError(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "app/app-assets", FSOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "/app.js", Payload{Body: []byte("payload")}))

	fsStore := store.(*fileStore)
	require.NoError(t, os.WriteFile(fsStore.entryPath("/app.js"), []byte("{broken\npayload"), 0o644))

	_, err = store.Get(ctx, "/app.js")
	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
}

func TestFSStoreEntryIsSingleFile(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), "app/app-assets", FSOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "/app.js", Payload{Body: []byte("line1\nline2"), ContentType: "text/javascript"}))
	require.NoError(t, store.Put(ctx, "/app.js", Payload{Body: []byte("line3\nline4"), ContentType: "text/javascript"}))

	fsStore := store.(*fileStore)
	var files []string
	require.NoError(t, filepath.WalkDir(fsStore.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	}))
	assert.Equal(t, []string{fsStore.entryPath("/app.js")}, files)

	entry, err := store.Get(ctx, "/app.js")
	require.NoError(t, err)
	assert.Equal(t, "line3\nline4", string(entry.Body))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), storeConfig("redis", ""), "ns")
	assert.Error(t, err)
}

func TestLazyRetriesAfterOpenFailure(t *testing.T) {
	attempts := 0
	backing := NewMemoryStore()
	store := Lazy(func(context.Context) (Store, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("disk not mounted")
		}
		return backing, nil
	})
	ctx := context.Background()

	_, err := store.Get(ctx, "/index.html")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "open", storageErr.Op)

	require.NoError(t, store.Put(ctx, "/index.html", Payload{Body: []byte("ok")}))
	require.NoError(t, store.Put(ctx, "/main.js", Payload{Body: []byte("ok")}))
	assert.Equal(t, 2, attempts)

	require.NoError(t, store.Close())
}
