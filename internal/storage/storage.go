// Package storage is the SQL capability shared by every guest instance.
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"
)

// Config holds connection settings.
type Config struct {
	URL            string
	MaxConnections int
	MinConnections int
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

// Result is the outcome of a query.
type Result struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Store is a pooled database handle. Concurrent operations are bounded by
// MaxConnections; a slot is held only while one operation runs.
type Store struct {
	db     *sql.DB
	driver string
	cfg    Config
	ops    *semaphore.Weighted
	logger *zap.Logger
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open connects to cfg.URL and verifies the connection within the connect
// timeout.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	driver, dsn, err := driverFor(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.MinConnections < 0 {
		cfg.MinConnections = 0
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}

	logger = logger.With(zap.String("component", "storage"))
	logger.Info("Opening database",
		zap.String("driver", driver),
		zap.String("url", MaskURL(cfg.URL)),
		zap.Int("max_connections", cfg.MaxConnections),
	)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &OpenError{URL: MaskURL(cfg.URL), Err: err}
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MinConnections)
	// Each connection to an in-memory sqlite database is a separate
	// database, and it is gone once that connection closes. Pin exactly
	// one connection and never retire it.
	if driver == "sqlite" && isMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &OpenError{URL: MaskURL(cfg.URL), Err: err}
	}

	return &Store{
		db:     db,
		driver: driver,
		cfg:    cfg,
		ops:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		logger: logger,
	}, nil
}

// driverFor picks a database/sql driver from the URL scheme.
func driverFor(raw string) (driver, dsn string, err error) {
	switch {
	case raw == "":
		return "", "", &OpenError{Err: fmt.Errorf("database url is empty")}
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite://"), nil
	case strings.HasPrefix(raw, "sqlite:"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite:"), nil
	case strings.HasPrefix(raw, "file:"), strings.HasSuffix(raw, ".db"), raw == ":memory:":
		return "sqlite", raw, nil
	}
	return "", "", &OpenError{URL: MaskURL(raw), Err: fmt.Errorf("unsupported database url scheme")}
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// Healthy reports whether the database answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Query runs sql with params given as a JSON array.
func (s *Store) Query(ctx context.Context, query, params string) (*Result, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.ops.Release(1)
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return runQuery(ctx, s.db, query, params)
}

// Execute runs a statement and returns the number of rows affected.
func (s *Store) Execute(ctx context.Context, query, params string) (int64, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.ops.Release(1)
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return runExec(ctx, s.db, query, params)
}

// Begin starts a transaction. The transaction owns one pooled connection
// until Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.ops.Release(1)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &QueryError{Op: "begin", Err: err}
	}
	return &Tx{tx: tx, store: s}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.logger.Info("Closing database")
	return s.db.Close()
}

func (s *Store) acquire(ctx context.Context) error {
	if err := s.ops.Acquire(ctx, 1); err != nil {
		return &QueryError{Op: "acquire", Err: err}
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// Tx is an open transaction.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, query, params string) (*Result, error) {
	if err := t.store.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.store.ops.Release(1)
	ctx, cancel := t.store.opContext(ctx)
	defer cancel()
	return runQuery(ctx, t.tx, query, params)
}

// Execute runs a statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, query, params string) (int64, error) {
	if err := t.store.acquire(ctx); err != nil {
		return 0, err
	}
	defer t.store.ops.Release(1)
	ctx, cancel := t.store.opContext(ctx)
	defer cancel()
	return runExec(ctx, t.tx, query, params)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return &QueryError{Op: "commit", Err: err}
	}
	return nil
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		return &QueryError{Op: "rollback", Err: err}
	}
	return nil
}

func runQuery(ctx context.Context, q querier, query, params string) (*Result, error) {
	args, err := ParseParams(params)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Op: "query", SQL: query, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{Op: "query", SQL: query, Err: err}
	}
	res := &Result{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryError{Op: "scan", SQL: query, Err: err}
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Op: "query", SQL: query, Err: err}
	}
	return res, nil
}

func runExec(ctx context.Context, q querier, query, params string) (int64, error) {
	args, err := ParseParams(params)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &QueryError{Op: "execute", SQL: query, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &QueryError{Op: "execute", SQL: query, Err: err}
	}
	return n, nil
}

// ParseParams decodes a JSON array of statement arguments. Integral numbers
// become int64, other numbers float64. An empty string means no arguments.
func ParseParams(params string) ([]any, error) {
	params = strings.TrimSpace(params)
	if params == "" || params == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(params)))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, &ParamsError{Err: err}
	}
	args := make([]any, len(raw))
	for i, v := range raw {
		args[i] = driverValue(v)
	}
	return args, nil
}

func driverValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	default:
		return v
	}
}

// MaskURL hides the password of a connection url.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	user := url.User(u.User.Username()).String()
	u.User = nil
	prefix := u.Scheme + "://"
	return prefix + user + ":****@" + strings.TrimPrefix(u.String(), prefix)
}
