package repo

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite opens a new connection to the SQLite database. Transactions begin
// IMMEDIATE so a read-then-write sequence holds the write lock from the start.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON&_txlock=immediate", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	r := &SQLiteRepository{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
	}

	return r, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplySQLiteMigrations(ctx, r.db, filesystem)
}

// WithTx executes fn within a database transaction.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return withSQLTx(ctx, r.db, fn)
}

// sqliteList runs the count/sum and page queries shared by every listing.
func sqliteList[T any](ctx context.Context, q sqlQuerier, table, columns, sumColumn, orderBy string, w *whereBuilder, f ListFilter, scan func(rowScanner) (*T, error)) (*Page[T], error) {
	page, size, offset := f.window()
	out := &Page[T]{Page: page, PageSize: size, Items: []T{}}

	sumExpr := "0"
	if sumColumn != "" {
		sumExpr = "COALESCE(SUM(" + sumColumn + "), 0)"
	}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*), `+sumExpr+` FROM `+table+w.String(), w.args...).Scan(&out.Total, &out.Sum); err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}

	limit := w.bind(size)
	off := w.bind(offset)
	rows, err := q.QueryContext(ctx, `SELECT `+columns+` FROM `+table+w.String()+` ORDER BY `+orderBy+` LIMIT `+limit+` OFFSET `+off, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out.Items = append(out.Items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}
