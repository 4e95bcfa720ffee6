package naturalquery

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/sirupsen/logrus"
)

// Executor runs rendered statements against a database through a
// database/sql connection pool. It is safe for concurrent use once
// connected; Close waits for in-flight statements to return.
type Executor struct {
	cfg Config
	log logrus.FieldLogger

	mu        sync.RWMutex
	db        *sql.DB
	connected bool
}

// runner is what a statement needs from its pooled connection.
type runner interface {
	Execer
	Queryer
}

// Option configures an Executor.
type Option func(*Executor)

// WithConfig sets the pool and logging configuration. A DSN passed to
// NewExecutor takes precedence over cfg.DSN.
func WithConfig(cfg Config) Option {
	return func(e *Executor) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// WithDB uses an already opened pool instead of opening one in Connect.
// Connect still verifies it.
func WithDB(db *sql.DB) Option {
	return func(e *Executor) {
		e.db = db
	}
}

// NewExecutor returns an Executor for the given connection string. No
// connection is made until Connect.
func NewExecutor(dsn string, opts ...Option) *Executor {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	e := &Executor{log: discard}
	for _, opt := range opts {
		opt(e)
	}
	if dsn != "" {
		e.cfg.DSN = dsn
	}
	e.cfg = defaultConfig(e.cfg)
	return e
}

// Connect opens the pool and verifies it with a ping. Calling it on a
// connected Executor is a no-op.
func (e *Executor) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return nil
	}

	db := e.db
	if db == nil {
		var err error
		db, err = sql.Open(e.cfg.Driver, e.cfg.DSN)
		if err != nil {
			return e.connectFailed(err)
		}
	}
	if e.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(e.cfg.MaxOpenConns)
	}
	if e.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(e.cfg.MaxIdleConns)
	}
	if e.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(e.cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		if e.db == nil {
			_ = db.Close()
		}
		return e.connectFailed(err)
	}
	e.db = db
	e.connected = true
	e.log.WithField("driver", e.cfg.Driver).Debug("connection pool ready")
	return nil
}

func (e *Executor) connectFailed(err error) error {
	e.log.WithError(err).WithField("driver", e.cfg.Driver).Error("connect failed")
	return &ConnectionError{Driver: e.cfg.Driver, Err: err}
}

// Close releases the pool. It is safe to call when not connected and to
// call more than once.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	e.connected = false
	if err != nil {
		return &ConnectionError{Driver: e.cfg.Driver, Err: err}
	}
	return nil
}

// Execute runs a statement that returns no rows and reports the number of
// rows affected.
func (e *Executor) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := e.withConn(ctx, "execute", query, args, func(conn runner) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Fetch runs a query and returns every row keyed by column name.
func (e *Executor) Fetch(ctx context.Context, query string, args ...any) ([]Row, error) {
	var out []Row
	err := e.withConn(ctx, "fetch", query, args, func(conn runner) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanRows(rows)
		return err
	})
	return out, err
}

// FetchInto runs a query and scans all rows into dest, a pointer to a
// slice of structs (mapped through `db` tags) or of single-column values.
func (e *Executor) FetchInto(ctx context.Context, dest any, query string, args ...any) error {
	return e.withConn(ctx, "fetch", query, args, func(conn runner) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanAll(rows, dest)
	})
}

// ExecuteBuilder renders s and executes it. Render errors are returned as is.
func (e *Executor) ExecuteBuilder(ctx context.Context, s squirrel.Sqlizer) (int64, error) {
	query, args, err := s.ToSql()
	if err != nil {
		return 0, err
	}
	return e.Execute(ctx, query, args...)
}

// FetchBuilder renders s and fetches its rows. Render errors are returned as is.
func (e *Executor) FetchBuilder(ctx context.Context, s squirrel.Sqlizer) ([]Row, error) {
	query, args, err := s.ToSql()
	if err != nil {
		return nil, err
	}
	return e.Fetch(ctx, query, args...)
}

// withConn holds one pooled connection for the duration of fn and always
// returns it to the pool. The read lock keeps Close from swapping the pool
// out mid-call.
func (e *Executor) withConn(ctx context.Context, op, query string, args []any, fn func(runner) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.connected {
		e.logStatement(op, query, args, 0, ErrPoolNotInitialized)
		return &ExecutionError{Op: op, Query: query, Err: ErrPoolNotInitialized}
	}

	start := time.Now()
	conn, err := e.db.Conn(ctx)
	if err == nil {
		err = fn(conn)
		if cerr := conn.Close(); err == nil && cerr != nil && cerr != sql.ErrConnDone {
			err = cerr
		}
	}
	e.logStatement(op, query, args, time.Since(start), err)
	if err != nil {
		return &ExecutionError{Op: op, Query: query, Err: err}
	}
	return nil
}

func (e *Executor) logStatement(op, query string, args []any, dur time.Duration, err error) {
	slow := e.cfg.SlowQuery > 0 && dur >= e.cfg.SlowQuery
	if err == nil && !slow && !e.cfg.LogSQL {
		return
	}
	fields := logrus.Fields{
		"op":       op,
		"query":    truncateSQL(query, e.cfg.MaxLogSQLLen),
		"duration": dur,
	}
	if e.cfg.LogArgs {
		fields["args"] = formatArgs(args)
	} else {
		fields["argc"] = len(args)
	}
	entry := e.log.WithFields(fields)
	switch {
	case err != nil:
		entry.WithError(err).Error("statement failed")
	case slow:
		entry.Warn("slow statement")
	default:
		entry.Debug("statement")
	}
}

// truncateSQL cuts q to at most max bytes without splitting a rune.
func truncateSQL(q string, max int) string {
	if max <= 0 || len(q) <= max {
		return q
	}
	for max > 0 && !utf8.RuneStart(q[max]) {
		max--
	}
	return q[:max] + "…"
}

// formatArgs renders args for logs. Strings and byte slices are redacted
// down to their length.
func formatArgs(args []any) string {
	const maxItems = 20
	var b strings.Builder
	b.WriteByte('[')
	for i, a := range args {
		if i == maxItems {
			b.WriteString(", …")
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		switch v := a.(type) {
		case nil:
			b.WriteString("null")
		case string:
			fmt.Fprintf(&b, "redacted(len=%d)", len(v))
		case []byte:
			fmt.Fprintf(&b, "bytes(len=%d)", len(v))
		case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			fmt.Fprintf(&b, "%v", v)
		default:
			fmt.Fprintf(&b, "%T(redacted)", v)
		}
	}
	b.WriteByte(']')
	return b.String()
}
