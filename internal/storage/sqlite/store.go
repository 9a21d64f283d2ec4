// Package sqlite implements the frontier store on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Timestamps are stored as Unix milliseconds so ordering is numeric.
const schema = `
CREATE TABLE IF NOT EXISTS visited_urls (
	url        TEXT PRIMARY KEY,
	visited_at INTEGER NOT NULL,
	filename   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS visited_hosts (
	host            TEXT PRIMARY KEY,
	last_visited_at INTEGER NOT NULL,
	server          TEXT
);

CREATE TABLE IF NOT EXISTS urls_to_visit (
	url         TEXT PRIMARY KEY,
	host        TEXT NOT NULL,
	eligible_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_urls_to_visit_eligible_at ON urls_to_visit(eligible_at);
CREATE INDEX IF NOT EXISTS idx_urls_to_visit_host ON urls_to_visit(host, eligible_at);
`

// Options configures Open.
type Options struct {
	// EnableWAL switches the journal to write-ahead logging.
	EnableWAL bool
	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
}

// DefaultOptions returns the options used by the crawl command.
func DefaultOptions() Options {
	return Options{
		EnableWAL:   true,
		BusyTimeout: 5 * time.Second,
	}
}

// Store implements crawler.Store on SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ crawler.Store = (*Store)(nil)

// Open opens or creates the database at path and ensures the schema exists.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the embedded engine single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if err := s.configure(ctx, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure(ctx context.Context, opts Options) error {
	if opts.BusyTimeout > 0 {
		stmt := fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set busy timeout: %w", err)
		}
	}
	if opts.EnableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	return nil
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func insertResult(res sql.Result, op string) (crawler.InsertResult, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.Inserted, unavailable(op, err)
	}
	if n == 0 {
		return crawler.AlreadyExists, nil
	}
	return crawler.Inserted, nil
}

// GetVisitedURL looks up a visit record.
func (s *Store) GetVisitedURL(ctx context.Context, url string) (crawler.VisitedURL, error) {
	var (
		rec crawler.VisitedURL
		ms  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, visited_at, filename FROM visited_urls WHERE url = ?`, url,
	).Scan(&rec.URL, &ms, &rec.Filename)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.VisitedURL{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.VisitedURL{}, unavailable("get visited url", err)
	}
	rec.VisitedAt = fromMillis(ms)
	return rec, nil
}

// InsertVisitedURL inserts rec, reporting AlreadyExists on key collision.
func (s *Store) InsertVisitedURL(ctx context.Context, rec crawler.VisitedURL) (crawler.InsertResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO visited_urls (url, visited_at, filename) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO NOTHING`,
		rec.URL, toMillis(rec.VisitedAt), rec.Filename,
	)
	if err != nil {
		return crawler.Inserted, unavailable("insert visited url", err)
	}
	return insertResult(res, "insert visited url")
}

// DeleteVisitedURL removes url.
func (s *Store) DeleteVisitedURL(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM visited_urls WHERE url = ?`, url); err != nil {
		return unavailable("delete visited url", err)
	}
	return nil
}

// ListVisitedURLs scans visited_urls ordered by URL.
func (s *Store) ListVisitedURLs(ctx context.Context) ([]crawler.VisitedURL, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, visited_at, filename FROM visited_urls ORDER BY url`)
	if err != nil {
		return nil, unavailable("list visited urls", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.VisitedURL
	for rows.Next() {
		var (
			rec crawler.VisitedURL
			ms  int64
		)
		if err := rows.Scan(&rec.URL, &ms, &rec.Filename); err != nil {
			return nil, unavailable("scan visited url", err)
		}
		rec.VisitedAt = fromMillis(ms)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate visited urls", err)
	}
	return out, nil
}

// GetVisitedHost looks up a host record.
func (s *Store) GetVisitedHost(ctx context.Context, host string) (crawler.VisitedHost, error) {
	var (
		rec    crawler.VisitedHost
		ms     int64
		server sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT host, last_visited_at, server FROM visited_hosts WHERE host = ?`, host,
	).Scan(&rec.Host, &ms, &server)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.VisitedHost{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.VisitedHost{}, unavailable("get visited host", err)
	}
	rec.LastVisitedAt = fromMillis(ms)
	if server.Valid {
		rec.Server = &server.String
	}
	return rec, nil
}

// UpsertVisitedHost inserts the host or updates its visit time and server.
func (s *Store) UpsertVisitedHost(ctx context.Context, rec crawler.VisitedHost) error {
	var server sql.NullString
	if rec.Server != nil {
		server = sql.NullString{String: *rec.Server, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO visited_hosts (host, last_visited_at, server) VALUES (?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET last_visited_at = excluded.last_visited_at, server = excluded.server`,
		rec.Host, toMillis(rec.LastVisitedAt), server,
	)
	if err != nil {
		return unavailable("upsert visited host", err)
	}
	return nil
}

// DeleteVisitedHost removes host.
func (s *Store) DeleteVisitedHost(ctx context.Context, host string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM visited_hosts WHERE host = ?`, host); err != nil {
		return unavailable("delete visited host", err)
	}
	return nil
}

// ListVisitedHosts scans visited_hosts ordered by host.
func (s *Store) ListVisitedHosts(ctx context.Context) ([]crawler.VisitedHost, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, last_visited_at, server FROM visited_hosts ORDER BY host`)
	if err != nil {
		return nil, unavailable("list visited hosts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.VisitedHost
	for rows.Next() {
		var (
			rec    crawler.VisitedHost
			ms     int64
			server sql.NullString
		)
		if err := rows.Scan(&rec.Host, &ms, &server); err != nil {
			return nil, unavailable("scan visited host", err)
		}
		rec.LastVisitedAt = fromMillis(ms)
		if server.Valid {
			v := server.String
			rec.Server = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate visited hosts", err)
	}
	return out, nil
}

// GetPendingURL looks up a frontier entry.
func (s *Store) GetPendingURL(ctx context.Context, url string) (crawler.PendingURL, error) {
	var (
		rec crawler.PendingURL
		ms  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, host, eligible_at FROM urls_to_visit WHERE url = ?`, url,
	).Scan(&rec.URL, &rec.Host, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.PendingURL{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.PendingURL{}, unavailable("get pending url", err)
	}
	rec.EligibleAt = fromMillis(ms)
	return rec, nil
}

// InsertPendingURL inserts rec, reporting AlreadyExists on key collision.
func (s *Store) InsertPendingURL(ctx context.Context, rec crawler.PendingURL) (crawler.InsertResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO urls_to_visit (url, host, eligible_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO NOTHING`,
		rec.URL, rec.Host, toMillis(rec.EligibleAt),
	)
	if err != nil {
		return crawler.Inserted, unavailable("insert pending url", err)
	}
	return insertResult(res, "insert pending url")
}

// DeletePendingURL removes url.
func (s *Store) DeletePendingURL(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM urls_to_visit WHERE url = ?`, url); err != nil {
		return unavailable("delete pending url", err)
	}
	return nil
}

// LatestPendingEligibleAt returns the latest eligible time queued for host.
func (s *Store) LatestPendingEligibleAt(ctx context.Context, host string) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(eligible_at) FROM urls_to_visit WHERE host = ?`, host,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, unavailable("latest pending eligible_at", err)
	}
	if !ms.Valid {
		return time.Time{}, crawler.ErrNotFound
	}
	return fromMillis(ms.Int64), nil
}

// ListPendingByEligibleAt returns up to limit entries, earliest first.
func (s *Store) ListPendingByEligibleAt(ctx context.Context, limit int) ([]crawler.PendingURL, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryPending(ctx, "list pending urls",
		`SELECT url, host, eligible_at FROM urls_to_visit ORDER BY eligible_at, url LIMIT ?`, limit)
}

// ListPendingURLs scans the whole frontier, earliest first.
func (s *Store) ListPendingURLs(ctx context.Context) ([]crawler.PendingURL, error) {
	return s.queryPending(ctx, "list pending urls",
		`SELECT url, host, eligible_at FROM urls_to_visit ORDER BY eligible_at, url`)
}

func (s *Store) queryPending(ctx context.Context, op, query string, args ...any) ([]crawler.PendingURL, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []crawler.PendingURL
	for rows.Next() {
		var (
			rec crawler.PendingURL
			ms  int64
		)
		if err := rows.Scan(&rec.URL, &rec.Host, &ms); err != nil {
			return nil, unavailable(op, err)
		}
		rec.EligibleAt = fromMillis(ms)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Counts returns the row count of each table.
func (s *Store) Counts(ctx context.Context) (crawler.TableCounts, error) {
	var c crawler.TableCounts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM visited_urls),
		(SELECT COUNT(*) FROM visited_hosts),
		(SELECT COUNT(*) FROM urls_to_visit)`,
	).Scan(&c.VisitedURLs, &c.VisitedHosts, &c.PendingURLs)
	if err != nil {
		return crawler.TableCounts{}, unavailable("count tables", err)
	}
	return c, nil
}

// DropTables drops the named tables; Migrate or the next Open recreates them.
func (s *Store) DropTables(ctx context.Context, tables ...crawler.Table) error {
	for _, table := range tables {
		switch table {
		case crawler.TableVisitedURLs, crawler.TableVisitedHosts, crawler.TablePendingURLs:
		default:
			return fmt.Errorf("drop %q: %w", table, crawler.ErrUnknownTable)
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+string(table)); err != nil {
			return unavailable("drop "+string(table), err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping sqlite", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
