package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func newMockStore(t *testing.T) (*FrontierStore, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewFrontierStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestInsertPendingURLTypedOutcomes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	eligible := time.Unix(1700000000, 0).UTC()
	rec := crawler.PendingURL{URL: "https://a.test/", Host: "a.test", EligibleAt: eligible}

	mock.ExpectExec("INSERT INTO urls_to_visit").
		WithArgs(rec.URL, rec.Host, rec.EligibleAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO urls_to_visit").
		WithArgs(rec.URL, rec.Host, rec.EligibleAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("INSERT INTO urls_to_visit").
		WithArgs(rec.URL, rec.Host, rec.EligibleAt).
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation})

	for _, want := range []crawler.InsertResult{crawler.Inserted, crawler.AlreadyExists, crawler.AlreadyExists} {
		got, err := store.InsertPendingURL(context.Background(), rec)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertVisitedURLMapsFailuresToUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := crawler.VisitedURL{URL: "https://a.test/", VisitedAt: time.Unix(1700000000, 0).UTC(), Filename: "000000.bin"}

	mock.ExpectExec("INSERT INTO visited_urls").
		WithArgs(rec.URL, rec.VisitedAt, rec.Filename).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "visited_urls" does not exist`})

	_, err := store.InsertVisitedURL(context.Background(), rec)
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVisitedHost(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	server := "nginx"

	mock.ExpectExec("INSERT INTO visited_hosts").
		WithArgs("a.test", now, &server).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("ON CONFLICT \\(host\\) DO UPDATE").
		WithArgs("a.test", now, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertVisitedHost(context.Background(), crawler.VisitedHost{Host: "a.test", LastVisitedAt: now, Server: &server}))
	require.NoError(t, store.UpsertVisitedHost(context.Background(), crawler.VisitedHost{Host: "a.test", LastVisitedAt: now}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVisitedHost(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	server := "Apache"

	mock.ExpectQuery("SELECT host, last_visited_at, server FROM visited_hosts").
		WithArgs("a.test").
		WillReturnRows(pgxmock.NewRows([]string{"host", "last_visited_at", "server"}).AddRow("a.test", now, &server))
	mock.ExpectQuery("SELECT host, last_visited_at, server FROM visited_hosts").
		WithArgs("b.test").
		WillReturnRows(pgxmock.NewRows([]string{"host", "last_visited_at", "server"}))

	rec, err := store.GetVisitedHost(context.Background(), "a.test")
	require.NoError(t, err)
	require.True(t, rec.LastVisitedAt.Equal(now))
	require.NotNil(t, rec.Server)
	require.Equal(t, "Apache", *rec.Server)

	_, err = store.GetVisitedHost(context.Background(), "b.test")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestPendingEligibleAt(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	latest := time.Unix(1700000005, 0).UTC()

	mock.ExpectQuery("SELECT MAX\\(eligible_at\\) FROM urls_to_visit").
		WithArgs("a.test").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(&latest))
	mock.ExpectQuery("SELECT MAX\\(eligible_at\\) FROM urls_to_visit").
		WithArgs("b.test").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(nil))

	got, err := store.LatestPendingEligibleAt(context.Background(), "a.test")
	require.NoError(t, err)
	require.True(t, got.Equal(latest))

	_, err = store.LatestPendingEligibleAt(context.Background(), "b.test")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingByEligibleAt(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	base := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT url, host, eligible_at FROM urls_to_visit ORDER BY eligible_at, url LIMIT").
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"url", "host", "eligible_at"}).
			AddRow("https://a.test/1", "a.test", base).
			AddRow("https://b.test/", "b.test", base.Add(time.Second)))

	got, err := store.ListPendingByEligibleAt(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "https://a.test/1", got[0].URL)
	require.Equal(t, "b.test", got[1].Host)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DROP TABLE IF EXISTS visited_urls").WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec("DROP TABLE IF EXISTS urls_to_visit").WillReturnError(errors.New("connection reset"))

	err := store.DropTables(context.Background(), crawler.TableVisitedURLs, crawler.TablePendingURLs)
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.ErrorIs(t, store.DropTables(context.Background(), crawler.Table("jobs")), crawler.ErrUnknownTable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").
		WillReturnRows(pgxmock.NewRows([]string{"visited_urls", "visited_hosts", "urls_to_visit"}).
			AddRow(int64(3), int64(2), int64(7)))

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.TableCounts{VisitedURLs: 3, VisitedHosts: 2, PendingURLs: 7}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFrontierStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewFrontierStore(context.Background(), Config{})
	require.Error(t, err)

	_, err = NewFrontierStoreWithPool(nil)
	require.Error(t, err)
}
