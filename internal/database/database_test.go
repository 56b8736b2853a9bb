package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB is a minimal driver backend for exercising transaction and
// statement-ordering behavior without a live database.
type fakeDB struct {
	mu        sync.Mutex
	calls     []string
	commitErr error
	commits   int
	rollbacks int
	queryFn   func(query string) (driver.Rows, error)
	execFn    func(query string) (driver.Result, error)
}

func (f *fakeDB) record(query string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
}

func (f *fakeDB) callIndex(fragment string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, call := range f.calls {
		if strings.Contains(call, fragment) {
			return i
		}
	}
	return -1
}

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open via connector")
}

type fakeConnector struct {
	db *fakeDB
}

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{db: c.db}, nil
}

func (c fakeConnector) Driver() driver.Driver { return fakeDriver{} }

type fakeConn struct {
	db *fakeDB
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return &fakeTx{db: c.db}, nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.db.record(query)
	if c.db.queryFn != nil {
		return c.db.queryFn(query)
	}
	return nil, errors.New("unexpected query: " + query)
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.record(query)
	if c.db.execFn != nil {
		return c.db.execFn(query)
	}
	return driver.RowsAffected(1), nil
}

type fakeTx struct {
	db *fakeDB
}

func (t *fakeTx) Commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.commits++
	return t.db.commitErr
}

func (t *fakeTx) Rollback() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.rollbacks++
	return nil
}

type staticRows struct {
	cols []string
	vals [][]driver.Value
	idx  int
}

func (r *staticRows) Columns() []string { return r.cols }
func (r *staticRows) Close() error      { return nil }

func (r *staticRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.idx])
	r.idx++
	return nil
}

func newFakeDB() (*fakeDB, *sqlx.DB) {
	f := &fakeDB{}
	return f, sqlx.NewDb(sql.OpenDB(fakeConnector{db: f}), "postgres")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBaseRepository_Transaction(t *testing.T) {
	t.Run("Commit Failure Propagates", func(t *testing.T) {
		f, db := newFakeDB()
		f.commitErr = errors.New("commit failed")
		repo := BaseRepository{db: db}

		err := repo.Transaction(func(tx *sqlx.Tx) error { return nil })
		require.Error(t, err, "a failed commit must not report success")
		assert.EqualError(t, err, "commit failed")
		assert.Equal(t, 1, f.commits)
		assert.Zero(t, f.rollbacks)
	})

	t.Run("Successful Commit Returns Nil", func(t *testing.T) {
		f, db := newFakeDB()
		repo := BaseRepository{db: db}

		err := repo.Transaction(func(tx *sqlx.Tx) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 1, f.commits)
	})

	t.Run("Function Error Rolls Back", func(t *testing.T) {
		f, db := newFakeDB()
		repo := BaseRepository{db: db}
		boom := errors.New("write failed")

		err := repo.Transaction(func(tx *sqlx.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, f.rollbacks)
		assert.Zero(t, f.commits)
	})
}
