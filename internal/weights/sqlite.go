package weights

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/715d/bytemapper/internal/features"
)

const schema = `
CREATE TABLE IF NOT EXISTS micro_weights (
	bit    INTEGER PRIMARY KEY,
	name   TEXT NOT NULL,
	weight REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteStore keeps weights in a SQLite database, one row per micropattern.
type SQLiteStore struct {
	Path string
}

func (s *SQLiteStore) Load(context.Context) (Weights, error) {
	if _, err := os.Stat(s.Path); errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	conn, err := sqlite.OpenConn(s.Path, sqlite.OpenReadOnly)
	if err != nil {
		return Weights{}, fmt.Errorf("%w: open sqlite: %w", ErrUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	w := Default()
	err = sqlitex.ExecuteTransient(conn, `SELECT bit, weight FROM micro_weights ORDER BY bit`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				bit := stmt.ColumnInt64(0)
				if bit >= 0 && bit < features.MicroBits {
					w.IDF[bit] = stmt.ColumnFloat(1)
				}
				return nil
			},
		})
	if err != nil {
		return Weights{}, fmt.Errorf("%w: read weights: %w", ErrUnavailable, err)
	}
	err = sqlitex.ExecuteTransient(conn, `SELECT value FROM meta WHERE key = 'lambda'`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				v, err := strconv.ParseFloat(stmt.ColumnText(0), 64)
				if err != nil {
					return fmt.Errorf("lambda: %w", err)
				}
				w.Lambda = v
				return nil
			},
		})
	if err != nil {
		return Weights{}, fmt.Errorf("%w: read meta: %w", ErrUnavailable, err)
	}
	return w.Normalize(), nil
}

func (s *SQLiteStore) Save(_ context.Context, w Weights) (err error) {
	conn, err := sqlite.OpenConn(s.Path, sqlite.OpenCreate, sqlite.OpenReadWrite, sqlite.OpenWAL)
	if err != nil {
		return fmt.Errorf("%w: open sqlite: %w", ErrUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("%w: create tables: %w", ErrUnavailable, err)
	}

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrUnavailable, err)
	}
	defer endFn(&err)

	stmt, err := conn.Prepare(`INSERT OR REPLACE INTO micro_weights (bit, name, weight) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %w", ErrUnavailable, err)
	}
	for i, v := range w.IDF {
		stmt.BindInt64(1, int64(i))
		stmt.BindText(2, features.Micro(1<<i).String())
		stmt.BindFloat(3, v)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("%w: insert weight %d: %w", ErrUnavailable, i, err)
		}
		_ = stmt.Reset()
	}

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO meta (key, value) VALUES ('lambda', ?)`,
		&sqlitex.ExecOptions{Args: []any{strconv.FormatFloat(w.Lambda, 'g', -1, 64)}})
	if err != nil {
		return fmt.Errorf("%w: write meta: %w", ErrUnavailable, err)
	}
	return nil
}
