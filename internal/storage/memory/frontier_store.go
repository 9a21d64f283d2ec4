package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// FrontierStore implements crawler.Store in memory for development and tests.
type FrontierStore struct {
	mu      sync.RWMutex
	visited map[string]crawler.VisitedURL
	hosts   map[string]crawler.VisitedHost
	pending map[string]crawler.PendingURL
	closed  bool
}

var _ crawler.Store = (*FrontierStore)(nil)

// NewFrontierStore constructs an empty FrontierStore.
func NewFrontierStore() *FrontierStore {
	return &FrontierStore{
		visited: make(map[string]crawler.VisitedURL),
		hosts:   make(map[string]crawler.VisitedHost),
		pending: make(map[string]crawler.PendingURL),
	}
}

func (s *FrontierStore) check() error {
	if s.closed {
		return fmt.Errorf("memory store closed: %w", crawler.ErrStoreUnavailable)
	}
	return nil
}

// GetVisitedURL returns the visit record for url.
func (s *FrontierStore) GetVisitedURL(_ context.Context, url string) (crawler.VisitedURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return crawler.VisitedURL{}, err
	}
	rec, ok := s.visited[url]
	if !ok {
		return crawler.VisitedURL{}, crawler.ErrNotFound
	}
	return rec, nil
}

// InsertVisitedURL stores rec unless the URL is already present.
func (s *FrontierStore) InsertVisitedURL(_ context.Context, rec crawler.VisitedURL) (crawler.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return crawler.Inserted, err
	}
	if _, ok := s.visited[rec.URL]; ok {
		return crawler.AlreadyExists, nil
	}
	s.visited[rec.URL] = rec
	return crawler.Inserted, nil
}

// DeleteVisitedURL removes url; absence is not an error.
func (s *FrontierStore) DeleteVisitedURL(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.visited, url)
	return nil
}

// ListVisitedURLs returns all visit records ordered by URL.
func (s *FrontierStore) ListVisitedURLs(_ context.Context) ([]crawler.VisitedURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]crawler.VisitedURL, 0, len(s.visited))
	for _, rec := range s.visited {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// GetVisitedHost returns the host record.
func (s *FrontierStore) GetVisitedHost(_ context.Context, host string) (crawler.VisitedHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return crawler.VisitedHost{}, err
	}
	rec, ok := s.hosts[host]
	if !ok {
		return crawler.VisitedHost{}, crawler.ErrNotFound
	}
	return rec, nil
}

// UpsertVisitedHost inserts or replaces the host record.
func (s *FrontierStore) UpsertVisitedHost(_ context.Context, rec crawler.VisitedHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if rec.Server != nil {
		server := *rec.Server
		rec.Server = &server
	}
	s.hosts[rec.Host] = rec
	return nil
}

// DeleteVisitedHost removes host; absence is not an error.
func (s *FrontierStore) DeleteVisitedHost(_ context.Context, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.hosts, host)
	return nil
}

// ListVisitedHosts returns all host records ordered by host.
func (s *FrontierStore) ListVisitedHosts(_ context.Context) ([]crawler.VisitedHost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]crawler.VisitedHost, 0, len(s.hosts))
	for _, rec := range s.hosts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}

// GetPendingURL returns the frontier entry for url.
func (s *FrontierStore) GetPendingURL(_ context.Context, url string) (crawler.PendingURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return crawler.PendingURL{}, err
	}
	rec, ok := s.pending[url]
	if !ok {
		return crawler.PendingURL{}, crawler.ErrNotFound
	}
	return rec, nil
}

// InsertPendingURL stores rec unless the URL is already pending.
func (s *FrontierStore) InsertPendingURL(_ context.Context, rec crawler.PendingURL) (crawler.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return crawler.Inserted, err
	}
	if _, ok := s.pending[rec.URL]; ok {
		return crawler.AlreadyExists, nil
	}
	s.pending[rec.URL] = rec
	return crawler.Inserted, nil
}

// DeletePendingURL removes url; absence is not an error.
func (s *FrontierStore) DeletePendingURL(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.pending, url)
	return nil
}

// LatestPendingEligibleAt returns the maximum eligible time queued for host.
func (s *FrontierStore) LatestPendingEligibleAt(_ context.Context, host string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return time.Time{}, err
	}
	var (
		latest time.Time
		found  bool
	)
	for _, rec := range s.pending {
		if rec.Host != host {
			continue
		}
		if !found || rec.EligibleAt.After(latest) {
			latest = rec.EligibleAt
			found = true
		}
	}
	if !found {
		return time.Time{}, crawler.ErrNotFound
	}
	return latest, nil
}

// ListPendingByEligibleAt returns up to limit entries, earliest first.
func (s *FrontierStore) ListPendingByEligibleAt(_ context.Context, limit int) ([]crawler.PendingURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := s.sortedPending()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingURLs returns every frontier entry, earliest first.
func (s *FrontierStore) ListPendingURLs(_ context.Context) ([]crawler.PendingURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.sortedPending(), nil
}

func (s *FrontierStore) sortedPending() []crawler.PendingURL {
	out := make([]crawler.PendingURL, 0, len(s.pending))
	for _, rec := range s.pending {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EligibleAt.Equal(out[j].EligibleAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].EligibleAt.Before(out[j].EligibleAt)
	})
	return out
}

// Counts returns the size of each table.
func (s *FrontierStore) Counts(_ context.Context) (crawler.TableCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return crawler.TableCounts{}, err
	}
	return crawler.TableCounts{
		VisitedURLs:  int64(len(s.visited)),
		VisitedHosts: int64(len(s.hosts)),
		PendingURLs:  int64(len(s.pending)),
	}, nil
}

// DropTables empties the named tables.
func (s *FrontierStore) DropTables(_ context.Context, tables ...crawler.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	for _, table := range tables {
		switch table {
		case crawler.TableVisitedURLs:
			s.visited = make(map[string]crawler.VisitedURL)
		case crawler.TableVisitedHosts:
			s.hosts = make(map[string]crawler.VisitedHost)
		case crawler.TablePendingURLs:
			s.pending = make(map[string]crawler.PendingURL)
		default:
			return fmt.Errorf("drop %q: %w", table, crawler.ErrUnknownTable)
		}
	}
	return nil
}

// Ping reports whether the store is open.
func (s *FrontierStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

// Close marks the store unavailable; later calls fail with ErrStoreUnavailable.
func (s *FrontierStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
