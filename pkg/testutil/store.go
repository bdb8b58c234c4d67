package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/nocturne/connectors/pkg/models"
)

// Store is an in-memory stand-in for the central store's bulk endpoints.
// Like the real store it upserts by identifier.
type Store struct {
	server *httptest.Server

	mu         sync.Mutex
	entries    map[string]models.Entry
	treatments map[string]models.Treatment
	headers    http.Header
	status     int

	requests  atomic.Int32
	failFirst atomic.Int32
}

// NewStore starts a store server that is closed with the test
func NewStore(t *testing.T) *Store {
	t.Helper()
	s := &Store{
		entries:    map[string]models.Entry{},
		treatments: map[string]models.Treatment{},
	}
	s.server = httptest.NewServer(s)
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the server base URL
func (s *Store) URL() string { return s.server.URL }

// FailFirst answers the next n requests with 503
func (s *Store) FailFirst(n int) { s.failFirst.Store(int32(n)) }

// RespondWith answers every request with status; 0 restores normal handling
func (s *Store) RespondWith(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Requests returns the number of requests received
func (s *Store) Requests() int { return int(s.requests.Load()) }

// LastHeaders returns the headers of the latest request
func (s *Store) LastHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers.Clone()
}

// Entries returns a copy of the stored entries keyed by ID
func (s *Store) Entries() map[string]models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Treatments returns a copy of the stored treatments keyed by ID
func (s *Store) Treatments() map[string]models.Treatment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Treatment, len(s.treatments))
	for k, v := range s.treatments {
		out[k] = v
	}
	return out
}

// ServeHTTP implements the /api/v1 bulk endpoints
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = r.Header.Clone()

	if s.failFirst.Load() > 0 {
		s.failFirst.Add(-1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}

	switch r.URL.Path {
	case "/api/v1/entries":
		var in []models.Entry
		if err := gojson.NewDecoder(body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, e := range in {
			s.entries[e.ID] = e
		}
	case "/api/v1/treatments":
		var in []models.Treatment
		if err := gojson.NewDecoder(body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, t := range in {
			s.treatments[t.ID] = t
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}
