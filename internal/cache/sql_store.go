package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// sqlDialect 收敛 sqlite 与 postgres 的差异：驱动名、占位符与建表语句。
type sqlDialect struct {
	driver      string
	createTable string
	placeholder func(n int) string
}

var (
	sqliteDialect = sqlDialect{
		driver: "sqlite3",
		createTable: `CREATE TABLE IF NOT EXISTS cache_entries (
	namespace    TEXT    NOT NULL,
	key          TEXT    NOT NULL,
	content_type TEXT    NOT NULL DEFAULT '',
	body         BLOB    NOT NULL,
	stored_at    INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
)`,
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = sqlDialect{
		driver: "postgres",
		createTable: `CREATE TABLE IF NOT EXISTS cache_entries (
	namespace    TEXT   NOT NULL,
	key          TEXT   NOT NULL,
	content_type TEXT   NOT NULL DEFAULT '',
	body         BYTEA  NOT NULL,
	stored_at    BIGINT NOT NULL,
	PRIMARY KEY (namespace, key)
)`,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// bind 将查询中的 ? 依次替换为方言占位符。
func (d sqlDialect) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	queryGetEntry    = `SELECT content_type, body, stored_at FROM cache_entries WHERE namespace = ? AND key = ?`
	queryUpsertEntry = `INSERT INTO cache_entries (namespace, key, content_type, body, stored_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET content_type = excluded.content_type, body = excluded.body, stored_at = excluded.stored_at`
	queryDeleteEntry = `DELETE FROM cache_entries WHERE namespace = ? AND key = ?`
	queryListKeys    = `SELECT key FROM cache_entries WHERE namespace = ?`
)

// sqlStore 将所有命名空间放在同一张表，按 (namespace, key) 唯一。
type sqlStore struct {
	db        *sql.DB
	dialect   sqlDialect
	namespace string
}

// NewSQLiteStore 打开（必要时创建）sqlite 数据库文件。
func NewSQLiteStore(ctx context.Context, path, namespace string) (Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	// 单写者即可满足缓存负载，同时避免 database is locked。
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect, namespace)
}

// NewPostgresStore 连接 postgres 并确保表结构存在。
func NewPostgresStore(ctx context.Context, dsn, namespace string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect, namespace)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect sqlDialect, namespace string) (Store, error) {
	if namespace == "" {
		db.Close()
		return nil, errors.New("namespace required")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.driver, err)
	}
	if _, err := db.ExecContext(ctx, dialect.createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &sqlStore{db: db, dialect: dialect, namespace: namespace}, nil
}

func (s *sqlStore) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.bind(queryGetEntry), s.namespace, key)

	var (
		contentType string
		body        []byte
		storedAt    int64
	)
	if err := row.Scan(&contentType, &body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get", key, err)
	}
	return &Entry{
		Key: key,
		Payload: Payload{
			Body:        body,
			ContentType: contentType,
		},
		StoredAt: time.Unix(0, storedAt).UTC(),
	}, nil
}

func (s *sqlStore) Put(ctx context.Context, key string, payload Payload) error {
	body := payload.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.dialect.bind(queryUpsertEntry),
		s.namespace, key, payload.ContentType, body, time.Now().UTC().UnixNano())
	return wrapErr("put", key, err)
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.bind(queryDeleteEntry), s.namespace, key)
	return wrapErr("delete", key, err)
}

func (s *sqlStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(queryListKeys), s.namespace)
	if err != nil {
		return nil, wrapErr("keys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapErr("keys", "", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("keys", "", err)
	}
	return keys, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
