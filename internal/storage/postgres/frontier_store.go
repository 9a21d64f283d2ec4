// Package postgres provides the Postgres-backed frontier store used when the
// crawler runs against a database server instead of the embedded engine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS visited_urls (
	url        VARCHAR(2048) PRIMARY KEY,
	visited_at TIMESTAMPTZ NOT NULL,
	filename   VARCHAR(255) NOT NULL
);
CREATE TABLE IF NOT EXISTS visited_hosts (
	host            VARCHAR(255) PRIMARY KEY,
	last_visited_at TIMESTAMPTZ NOT NULL,
	server          VARCHAR(255)
);
CREATE TABLE IF NOT EXISTS urls_to_visit (
	url         VARCHAR(2048) PRIMARY KEY,
	host        VARCHAR(255) NOT NULL,
	eligible_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_urls_to_visit_eligible_at ON urls_to_visit (eligible_at);
CREATE INDEX IF NOT EXISTS idx_urls_to_visit_host ON urls_to_visit (host, eligible_at);
`

const (
	codeUniqueViolation = "23505"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the store; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// FrontierStore implements crawler.Store on Postgres.
type FrontierStore struct {
	pool pool
}

var _ crawler.Store = (*FrontierStore)(nil)

// NewFrontierStore connects to Postgres and creates missing tables.
func NewFrontierStore(ctx context.Context, cfg Config) (*FrontierStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &FrontierStore{pool: p}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewFrontierStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFrontierStoreWithPool(p pool) (*FrontierStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &FrontierStore{pool: p}, nil
}

// Migrate creates any missing tables.
func (s *FrontierStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return unavailable("create tables", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func insertOutcome(tag pgconn.CommandTag, err error, op string) (crawler.InsertResult, error) {
	if err != nil {
		if isUniqueViolation(err) {
			return crawler.AlreadyExists, nil
		}
		return crawler.Inserted, unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.AlreadyExists, nil
	}
	return crawler.Inserted, nil
}

// GetVisitedURL looks up a visit record.
func (s *FrontierStore) GetVisitedURL(ctx context.Context, url string) (crawler.VisitedURL, error) {
	var rec crawler.VisitedURL
	err := s.pool.QueryRow(ctx,
		`SELECT url, visited_at, filename FROM visited_urls WHERE url = $1`, url,
	).Scan(&rec.URL, &rec.VisitedAt, &rec.Filename)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.VisitedURL{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.VisitedURL{}, unavailable("get visited url", err)
	}
	rec.VisitedAt = rec.VisitedAt.UTC()
	return rec, nil
}

// InsertVisitedURL inserts rec, reporting AlreadyExists on key collision.
func (s *FrontierStore) InsertVisitedURL(ctx context.Context, rec crawler.VisitedURL) (crawler.InsertResult, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO visited_urls (url, visited_at, filename) VALUES ($1, $2, $3)
		 ON CONFLICT (url) DO NOTHING`,
		rec.URL, rec.VisitedAt, rec.Filename,
	)
	return insertOutcome(tag, err, "insert visited url")
}

// DeleteVisitedURL removes url.
func (s *FrontierStore) DeleteVisitedURL(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM visited_urls WHERE url = $1`, url); err != nil {
		return unavailable("delete visited url", err)
	}
	return nil
}

// ListVisitedURLs scans visited_urls ordered by URL.
func (s *FrontierStore) ListVisitedURLs(ctx context.Context) ([]crawler.VisitedURL, error) {
	rows, err := s.pool.Query(ctx, `SELECT url, visited_at, filename FROM visited_urls ORDER BY url`)
	if err != nil {
		return nil, unavailable("list visited urls", err)
	}
	defer rows.Close()

	var out []crawler.VisitedURL
	for rows.Next() {
		var rec crawler.VisitedURL
		if err := rows.Scan(&rec.URL, &rec.VisitedAt, &rec.Filename); err != nil {
			return nil, unavailable("scan visited url", err)
		}
		rec.VisitedAt = rec.VisitedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate visited urls", err)
	}
	return out, nil
}

// GetVisitedHost looks up a host record.
func (s *FrontierStore) GetVisitedHost(ctx context.Context, host string) (crawler.VisitedHost, error) {
	var rec crawler.VisitedHost
	err := s.pool.QueryRow(ctx,
		`SELECT host, last_visited_at, server FROM visited_hosts WHERE host = $1`, host,
	).Scan(&rec.Host, &rec.LastVisitedAt, &rec.Server)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.VisitedHost{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.VisitedHost{}, unavailable("get visited host", err)
	}
	rec.LastVisitedAt = rec.LastVisitedAt.UTC()
	return rec, nil
}

// UpsertVisitedHost inserts the host or updates its visit time and server.
func (s *FrontierStore) UpsertVisitedHost(ctx context.Context, rec crawler.VisitedHost) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO visited_hosts (host, last_visited_at, server) VALUES ($1, $2, $3)
		 ON CONFLICT (host) DO UPDATE SET last_visited_at = EXCLUDED.last_visited_at, server = EXCLUDED.server`,
		rec.Host, rec.LastVisitedAt, rec.Server,
	)
	if err != nil {
		return unavailable("upsert visited host", err)
	}
	return nil
}

// DeleteVisitedHost removes host.
func (s *FrontierStore) DeleteVisitedHost(ctx context.Context, host string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM visited_hosts WHERE host = $1`, host); err != nil {
		return unavailable("delete visited host", err)
	}
	return nil
}

// ListVisitedHosts scans visited_hosts ordered by host.
func (s *FrontierStore) ListVisitedHosts(ctx context.Context) ([]crawler.VisitedHost, error) {
	rows, err := s.pool.Query(ctx, `SELECT host, last_visited_at, server FROM visited_hosts ORDER BY host`)
	if err != nil {
		return nil, unavailable("list visited hosts", err)
	}
	defer rows.Close()

	var out []crawler.VisitedHost
	for rows.Next() {
		var rec crawler.VisitedHost
		if err := rows.Scan(&rec.Host, &rec.LastVisitedAt, &rec.Server); err != nil {
			return nil, unavailable("scan visited host", err)
		}
		rec.LastVisitedAt = rec.LastVisitedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate visited hosts", err)
	}
	return out, nil
}

// GetPendingURL looks up a frontier entry.
func (s *FrontierStore) GetPendingURL(ctx context.Context, url string) (crawler.PendingURL, error) {
	var rec crawler.PendingURL
	err := s.pool.QueryRow(ctx,
		`SELECT url, host, eligible_at FROM urls_to_visit WHERE url = $1`, url,
	).Scan(&rec.URL, &rec.Host, &rec.EligibleAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.PendingURL{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.PendingURL{}, unavailable("get pending url", err)
	}
	rec.EligibleAt = rec.EligibleAt.UTC()
	return rec, nil
}

// InsertPendingURL inserts rec, reporting AlreadyExists on key collision.
func (s *FrontierStore) InsertPendingURL(ctx context.Context, rec crawler.PendingURL) (crawler.InsertResult, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO urls_to_visit (url, host, eligible_at) VALUES ($1, $2, $3)
		 ON CONFLICT (url) DO NOTHING`,
		rec.URL, rec.Host, rec.EligibleAt,
	)
	return insertOutcome(tag, err, "insert pending url")
}

// DeletePendingURL removes url.
func (s *FrontierStore) DeletePendingURL(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM urls_to_visit WHERE url = $1`, url); err != nil {
		return unavailable("delete pending url", err)
	}
	return nil
}

// LatestPendingEligibleAt returns the latest eligible time queued for host.
func (s *FrontierStore) LatestPendingEligibleAt(ctx context.Context, host string) (time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(eligible_at) FROM urls_to_visit WHERE host = $1`, host,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, unavailable("latest pending eligible_at", err)
	}
	if latest == nil {
		return time.Time{}, crawler.ErrNotFound
	}
	return latest.UTC(), nil
}

// ListPendingByEligibleAt returns up to limit entries, earliest first.
func (s *FrontierStore) ListPendingByEligibleAt(ctx context.Context, limit int) ([]crawler.PendingURL, error) {
	if limit <= 0 {
		return s.ListPendingURLs(ctx)
	}
	return s.queryPending(ctx, "list pending urls",
		`SELECT url, host, eligible_at FROM urls_to_visit ORDER BY eligible_at, url LIMIT $1`, limit)
}

// ListPendingURLs scans the whole frontier, earliest first.
func (s *FrontierStore) ListPendingURLs(ctx context.Context) ([]crawler.PendingURL, error) {
	return s.queryPending(ctx, "list pending urls",
		`SELECT url, host, eligible_at FROM urls_to_visit ORDER BY eligible_at, url`)
}

func (s *FrontierStore) queryPending(ctx context.Context, op, query string, args ...any) ([]crawler.PendingURL, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []crawler.PendingURL
	for rows.Next() {
		var rec crawler.PendingURL
		if err := rows.Scan(&rec.URL, &rec.Host, &rec.EligibleAt); err != nil {
			return nil, unavailable(op, err)
		}
		rec.EligibleAt = rec.EligibleAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Counts returns the row count of each table.
func (s *FrontierStore) Counts(ctx context.Context) (crawler.TableCounts, error) {
	var c crawler.TableCounts
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM visited_urls),
		(SELECT COUNT(*) FROM visited_hosts),
		(SELECT COUNT(*) FROM urls_to_visit)`,
	).Scan(&c.VisitedURLs, &c.VisitedHosts, &c.PendingURLs)
	if err != nil {
		return crawler.TableCounts{}, unavailable("count tables", err)
	}
	return c, nil
}

// DropTables drops the named tables; Migrate recreates them.
func (s *FrontierStore) DropTables(ctx context.Context, tables ...crawler.Table) error {
	for _, table := range tables {
		switch table {
		case crawler.TableVisitedURLs, crawler.TableVisitedHosts, crawler.TablePendingURLs:
		default:
			return fmt.Errorf("drop %q: %w", table, crawler.ErrUnknownTable)
		}
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+string(table)); err != nil {
			return unavailable("drop "+string(table), err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *FrontierStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	return nil
}

// Close closes the pool.
func (s *FrontierStore) Close() error {
	s.pool.Close()
	return nil
}
