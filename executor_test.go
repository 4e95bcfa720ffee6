package naturalquery

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// --------------------------------
// Test utilities
// --------------------------------

// newMockDB returns a sqlmock pool matching statements exactly. With
// monitorPings, pings must be expected explicitly.
func newMockDB(t testing.TB, monitorPings bool) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
		sqlmock.MonitorPingsOption(monitorPings),
	)
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	return db, mock
}

// newConnected returns an Executor connected to a sqlmock pool.
func newConnected(t *testing.T, opts ...Option) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t, false)
	t.Cleanup(func() { db.Close() })
	e := NewExecutor("mock", append(opts, WithDB(db))...)
	assertNoError(t, e.Connect(context.Background()))
	return e, mock
}

func assertExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// assertExecutionError fails unless err is an *ExecutionError for op that
// carries query and matches cause.
func assertExecutionError(t *testing.T, err error, op, query string, cause error) {
	t.Helper()
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if ee.Op != op || ee.Query != query {
		t.Fatalf("op=%q query=%q, want %q %q", ee.Op, ee.Query, op, query)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("error %v does not wrap %v", err, cause)
	}
	if !errors.Is(err, ErrNaturalQuery) {
		t.Fatalf("error %v does not match ErrNaturalQuery", err)
	}
	if query != "" && !strings.Contains(err.Error(), query) {
		t.Fatalf("error message lacks the statement: %v", err)
	}
}

// --------------------------------
// Lifecycle
// --------------------------------

// TestExecutor_BeforeConnect_PoolNotInitialized ensures no implicit
// connection is attempted.
func TestExecutor_BeforeConnect_PoolNotInitialized(t *testing.T) {
	db, mock := newMockDB(t, false)
	defer db.Close()
	e := NewExecutor("mock", WithDB(db))
	ctx := context.Background()

	_, err := e.Execute(ctx, "DELETE FROM t")
	assertExecutionError(t, err, "execute", "DELETE FROM t", ErrPoolNotInitialized)

	_, err = e.Fetch(ctx, "SELECT * FROM t")
	assertExecutionError(t, err, "fetch", "SELECT * FROM t", ErrPoolNotInitialized)

	err = e.FetchInto(ctx, &[]int{}, "SELECT 1")
	assertExecutionError(t, err, "fetch", "SELECT 1", ErrPoolNotInitialized)

	assertExpectations(t, mock)
}

// TestExecutor_Close_SafeWhenNotConnected ensures Close is a no-op on a
// fresh executor and can be repeated.
func TestExecutor_Close_SafeWhenNotConnected(t *testing.T) {
	e := NewExecutor("postgres://nowhere")
	assertNoError(t, e.Close())
	assertNoError(t, e.Close())
}

// TestExecutor_Connect_UnknownDriver ensures open failures become
// *ConnectionError.
func TestExecutor_Connect_UnknownDriver(t *testing.T) {
	e := NewExecutor("whatever", WithConfig(Config{Driver: "no-such-driver"}))
	err := e.Connect(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnectionError, got %T: %v", err, err)
	}
	if ce.Driver != "no-such-driver" || ce.Unwrap() == nil {
		t.Fatalf("unexpected error fields: %+v", ce)
	}
	if !errors.Is(err, ErrNaturalQuery) {
		t.Fatalf("connection error does not match ErrNaturalQuery")
	}
	if _, err := e.Execute(context.Background(), "SELECT 1"); !errors.Is(err, ErrPoolNotInitialized) {
		t.Fatalf("expected pool not initialized after failed connect, got %v", err)
	}
}

// TestExecutor_Connect_PingFailure ensures the pool is verified on Connect.
func TestExecutor_Connect_PingFailure(t *testing.T) {
	db, mock := newMockDB(t, true)
	defer db.Close()
	refused := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(refused)

	err := NewExecutor("mock", WithDB(db)).Connect(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) || !errors.Is(err, refused) {
		t.Fatalf("expected *ConnectionError wrapping %v, got %v", refused, err)
	}
	assertExpectations(t, mock)
}

// TestExecutor_Connect_Idempotent ensures a second Connect does not touch
// the pool again.
func TestExecutor_Connect_Idempotent(t *testing.T) {
	db, mock := newMockDB(t, true)
	defer db.Close()
	mock.ExpectPing()

	e := NewExecutor("mock", WithDB(db))
	assertNoError(t, e.Connect(context.Background()))
	assertNoError(t, e.Connect(context.Background()))
	assertExpectations(t, mock)
}

// TestExecutor_Close_ReleasesPool ensures Close closes the pool once and
// later calls fail as not initialized.
func TestExecutor_Close_ReleasesPool(t *testing.T) {
	e, mock := newConnected(t)
	mock.ExpectClose()

	assertNoError(t, e.Close())
	assertNoError(t, e.Close())
	_, err := e.Execute(context.Background(), "DELETE FROM t")
	assertExecutionError(t, err, "execute", "DELETE FROM t", ErrPoolNotInitialized)
	assertExpectations(t, mock)
}

// --------------------------------
// Execute / Fetch
// --------------------------------

// TestExecutor_ExecuteBuilder_RowsAffected runs a rendered UPDATE and
// checks the args reach the driver in placeholder order.
func TestExecutor_ExecuteBuilder_RowsAffected(t *testing.T) {
	e, mock := newConnected(t)
	mock.ExpectExec("UPDATE users SET name = $1 WHERE id = $2").
		WithArgs("Bob", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	b := New(Update).From("users").Set("name", "Bob")
	b.Where("id = "+b.NextPlaceholder(), 5)
	n, err := e.ExecuteBuilder(context.Background(), b)
	assertNoError(t, err)
	if n != 1 {
		t.Fatalf("rows affected = %d, want 1", n)
	}
	assertExpectations(t, mock)
}

// TestExecutor_Execute_DriverError ensures driver failures are wrapped with
// the statement and not retried.
func TestExecutor_Execute_DriverError(t *testing.T) {
	e, mock := newConnected(t)
	boom := errors.New("duplicate key")
	const q = "INSERT INTO t (a) VALUES ($1)"
	mock.ExpectExec(q).WithArgs(1).WillReturnError(boom)

	_, err := e.Execute(context.Background(), q, 1)
	assertExecutionError(t, err, "execute", q, boom)
	assertExpectations(t, mock)

	// the connection went back to the pool
	mock.ExpectExec(q).WithArgs(2).WillReturnResult(sqlmock.NewResult(1, 1))
	_, err = e.Execute(context.Background(), q, 2)
	assertNoError(t, err)
	assertExpectations(t, mock)
}

// TestExecutor_FetchBuilder_Rows fetches rows keyed by column name.
func TestExecutor_FetchBuilder_Rows(t *testing.T) {
	e, mock := newConnected(t)
	mock.ExpectQuery("SELECT id, name FROM users WHERE age > $1").
		WithArgs(18).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "ann").
			AddRow(int64(2), []byte("bob")))

	b := New(Select).From("users").Columns("id", "name").Where("age > $1", 18)
	rows, err := e.FetchBuilder(context.Background(), b)
	assertNoError(t, err)
	if len(rows) != 2 {
		t.Fatalf("len(rows)=%d, want 2", len(rows))
	}
	assertArgsEqual(t, []any{rows[0]["id"], rows[0]["name"]}, []any{int64(1), "ann"})
	assertArgsEqual(t, []any{rows[1]["id"], rows[1]["name"]}, []any{int64(2), []byte("bob")})
	assertExpectations(t, mock)
}

// TestExecutor_Fetch_QueryError ensures query failures are wrapped as
// fetch errors.
func TestExecutor_Fetch_QueryError(t *testing.T) {
	e, mock := newConnected(t)
	boom := errors.New("relation does not exist")
	mock.ExpectQuery("SELECT * FROM missing").WillReturnError(boom)

	_, err := e.Fetch(context.Background(), "SELECT * FROM missing")
	assertExecutionError(t, err, "fetch", "SELECT * FROM missing", boom)
	assertExpectations(t, mock)
}

// TestExecutor_Builder_RenderErrorNotExecuted ensures a builder error is
// returned as-is and nothing reaches the driver.
func TestExecutor_Builder_RenderErrorNotExecuted(t *testing.T) {
	e, mock := newConnected(t)

	_, err := e.ExecuteBuilder(context.Background(), New(Delete).Where("id = $1", 1))
	assertBuilderError(t, err, ErrTableRequired)

	_, err = e.FetchBuilder(context.Background(), New(Select).Columns(""))
	assertBuilderError(t, err, ErrTableRequired)

	assertExpectations(t, mock)
}

// TestExecutor_ConcurrentExecute runs statements from several goroutines
// over the same pool.
func TestExecutor_ConcurrentExecute(t *testing.T) {
	e, mock := newConnected(t)
	mock.MatchExpectationsInOrder(false)
	const workers = 8
	const q = "UPDATE counters SET n = n + 1"
	for i := 0; i < workers; i++ {
		mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 1))
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), q)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assertNoError(t, err)
	}
	assertExpectations(t, mock)
}

// --------------------------------
// Logging
// --------------------------------

// TestExecutor_LogsFailures ensures failures are logged at error level with
// the statement before being returned.
func TestExecutor_LogsFailures(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	e, mock := newConnected(t, WithLogger(logger))
	mock.ExpectExec("DELETE FROM t").WillReturnError(errors.New("locked"))

	_, err := e.Execute(context.Background(), "DELETE FROM t")
	if err == nil {
		t.Fatalf("expected error")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected an error entry, got %+v", entry)
	}
	if entry.Data["query"] != "DELETE FROM t" || entry.Data["op"] != "execute" {
		t.Fatalf("unexpected fields: %v", entry.Data)
	}
}

// TestExecutor_LogSQL_RedactsArgs ensures LogSQL logs successful statements
// at debug level with redacted args.
func TestExecutor_LogSQL_RedactsArgs(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e, mock := newConnected(t, WithLogger(logger), WithConfig(Config{LogSQL: true, LogArgs: true}))
	mock.ExpectExec("UPDATE t SET secret = $1 WHERE id = $2").
		WithArgs("hunter2", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := e.Execute(context.Background(), "UPDATE t SET secret = $1 WHERE id = $2", "hunter2", 7)
	assertNoError(t, err)

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.DebugLevel {
		t.Fatalf("expected a debug entry, got %+v", entry)
	}
	if got := entry.Data["args"]; got != "[redacted(len=7), 7]" {
		t.Fatalf("args field = %v", got)
	}
}

// TestExecutor_QuietByDefault ensures successful statements are not logged
// unless asked.
func TestExecutor_QuietByDefault(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e, mock := newConnected(t, WithLogger(logger))
	hook.Reset()
	mock.ExpectExec("DELETE FROM t").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := e.Execute(context.Background(), "DELETE FROM t")
	assertNoError(t, err)
	if n := len(hook.AllEntries()); n != 0 {
		t.Fatalf("expected no log entries, got %d", n)
	}
}

func TestTruncateSQL(t *testing.T) {
	if got := truncateSQL("SELECT 1", 100); got != "SELECT 1" {
		t.Fatalf("got %q", got)
	}
	if got := truncateSQL("SELECT 1", 6); got != "SELECT…" {
		t.Fatalf("got %q", got)
	}
	// 'é' occupies bytes 8 and 9; a cut at 9 backs off to 8.
	got := truncateSQL("SELECT 'é'", 9)
	if got != "SELECT '…" || !utf8.ValidString(got) {
		t.Fatalf("got %q", got)
	}
}

// TestExecutor_LogsBeforeConnect ensures the pool-not-initialized failure is
// logged like any other.
func TestExecutor_LogsBeforeConnect(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	e := NewExecutor("mock", WithLogger(logger))

	_, err := e.Execute(context.Background(), "DELETE FROM t")
	assertExecutionError(t, err, "execute", "DELETE FROM t", ErrPoolNotInitialized)

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected an error entry, got %+v", entry)
	}
	logged, _ := entry.Data[logrus.ErrorKey].(error)
	if entry.Data["query"] != "DELETE FROM t" || !errors.Is(logged, ErrPoolNotInitialized) {
		t.Fatalf("unexpected fields: %v", entry.Data)
	}
}
