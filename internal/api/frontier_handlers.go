package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 16 << 10
)

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type enqueueRequest struct {
	URL string `json:"url"`
}

type enqueueResponse struct {
	URL    string `json:"url"`
	Result string `json:"result"`
}

func (s *Server) counts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.storeError(w, "count tables", err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) listVisitedURLs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.store.ListVisitedURLs(r.Context())
	if err != nil {
		s.storeError(w, "list visited urls", err)
		return
	}
	s.writeJSON(w, http.StatusOK, page(rows, limit, offset))
}

func (s *Server) listVisitedHosts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.store.ListVisitedHosts(r.Context())
	if err != nil {
		s.storeError(w, "list visited hosts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, page(rows, limit, offset))
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.store.ListPendingURLs(r.Context())
	if err != nil {
		s.storeError(w, "list pending urls", err)
		return
	}
	s.writeJSON(w, http.StatusOK, page(rows, limit, offset))
}

// enqueue handles POST /v1/frontier/pending {"url": "..."}. Rejected URLs
// answer 422; every other outcome answers 200 with the result name.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	res, err := s.scheduler.Enqueue(r.Context(), req.URL)
	if err != nil {
		s.storeError(w, "enqueue", err)
		return
	}
	status := http.StatusOK
	if res == crawler.Rejected {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, enqueueResponse{URL: req.URL, Result: res.String()})
}

// retire handles DELETE /v1/frontier/pending?url=...
func (s *Server) retire(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	if err := s.scheduler.Retire(r.Context(), rawURL); err != nil {
		s.storeError(w, "retire", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("frontier request failed", zap.String("op", op), zap.Error(err))
	if errors.Is(err, crawler.ErrStoreUnavailable) {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}

func page[T any](rows []T, limit, offset int) listResponse[T] {
	resp := listResponse[T]{Items: []T{}, Total: len(rows), Limit: limit, Offset: offset}
	if offset >= len(rows) {
		return resp
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	resp.Items = rows[offset:end]
	return resp
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
