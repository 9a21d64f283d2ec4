package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func TestFrontierStorePendingLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewFrontierStore()
	base := time.Unix(1700000000, 0).UTC()

	res, err := store.InsertPendingURL(ctx, crawler.PendingURL{URL: "https://a.test/2", Host: "a.test", EligibleAt: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, crawler.Inserted, res)
	_, err = store.InsertPendingURL(ctx, crawler.PendingURL{URL: "https://a.test/1", Host: "a.test", EligibleAt: base})
	require.NoError(t, err)
	_, err = store.InsertPendingURL(ctx, crawler.PendingURL{URL: "https://b.test/", Host: "b.test", EligibleAt: base.Add(time.Second)})
	require.NoError(t, err)

	res, err = store.InsertPendingURL(ctx, crawler.PendingURL{URL: "https://a.test/1", Host: "a.test", EligibleAt: base})
	require.NoError(t, err)
	require.Equal(t, crawler.AlreadyExists, res)

	latest, err := store.LatestPendingEligibleAt(ctx, "a.test")
	require.NoError(t, err)
	require.True(t, latest.Equal(base.Add(2*time.Second)))

	_, err = store.LatestPendingEligibleAt(ctx, "c.test")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	batch, err := store.ListPendingByEligibleAt(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "https://a.test/1", batch[0].URL)
	require.Equal(t, "https://b.test/", batch[1].URL)

	require.NoError(t, store.DeletePendingURL(ctx, "https://a.test/1"))
	require.NoError(t, store.DeletePendingURL(ctx, "https://a.test/1"))
	_, err = store.GetPendingURL(ctx, "https://a.test/1")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.PendingURLs)
}

func TestFrontierStoreVisitedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewFrontierStore()
	now := time.Unix(1700000000, 0).UTC()

	res, err := store.InsertVisitedURL(ctx, crawler.VisitedURL{URL: "https://a.test/", VisitedAt: now, Filename: "000000.bin"})
	require.NoError(t, err)
	require.Equal(t, crawler.Inserted, res)
	res, err = store.InsertVisitedURL(ctx, crawler.VisitedURL{URL: "https://a.test/", VisitedAt: now, Filename: "000001.bin"})
	require.NoError(t, err)
	require.Equal(t, crawler.AlreadyExists, res)

	got, err := store.GetVisitedURL(ctx, "https://a.test/")
	require.NoError(t, err)
	require.Equal(t, "000000.bin", got.Filename)

	server := "nginx"
	require.NoError(t, store.UpsertVisitedHost(ctx, crawler.VisitedHost{Host: "a.test", LastVisitedAt: now, Server: &server}))
	require.NoError(t, store.UpsertVisitedHost(ctx, crawler.VisitedHost{Host: "a.test", LastVisitedAt: now.Add(time.Second)}))
	host, err := store.GetVisitedHost(ctx, "a.test")
	require.NoError(t, err)
	require.Nil(t, host.Server)
	require.True(t, host.LastVisitedAt.Equal(now.Add(time.Second)))

	require.NoError(t, store.DropTables(ctx, crawler.TableVisitedURLs, crawler.TableVisitedHosts))
	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.TableCounts{}, counts)
	require.ErrorIs(t, store.DropTables(ctx, crawler.Table("jobs")), crawler.ErrUnknownTable)
}

func TestFrontierStoreClosed(t *testing.T) {
	t.Parallel()

	store := NewFrontierStore()
	require.NoError(t, store.Close())
	_, err := store.ListPendingURLs(context.Background())
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.ErrorIs(t, store.Ping(context.Background()), crawler.ErrStoreUnavailable)
}
