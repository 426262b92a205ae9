// SPDX-License-Identifier: MIT

package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockServer is an in-process fake upstream used by tests across packages.
// It speaks just enough of the v3 dialect surface: series, episodes, movies,
// command, health. State is mutable so tests can flip hasFile between syncs.
type MockServer struct {
	mu sync.Mutex

	Server *httptest.Server

	APIKey   string
	Series   []RemoteSeries
	Episodes map[int64][]RemoteEpisode // keyed by series id
	Movies   []RemoteMovie

	// ForceStatus, when non-zero, makes every request fail with that code.
	ForceStatus int

	nextCommandID int64
	commands      []map[string]any
}

// NewMockServer starts the fake upstream; callers must Close it.
func NewMockServer(apiKey string) *MockServer {
	m := &MockServer{
		APIKey:        apiKey,
		Episodes:      make(map[int64][]RemoteEpisode),
		nextCommandID: 1000,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the fake upstream's base URL.
func (m *MockServer) URL() string { return m.Server.URL }

// Close shuts the server down.
func (m *MockServer) Close() { m.Server.Close() }

// Commands returns the search command bodies received so far.
func (m *MockServer) Commands() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.commands))
	copy(out, m.commands)
	return out
}

// SetMovieHasFile flips one movie's hasFile flag between syncs.
func (m *MockServer) SetMovieHasFile(movieID int64, hasFile bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Movies {
		if m.Movies[i].ID == movieID {
			m.Movies[i].HasFile = hasFile
		}
	}
}

// RemoveMovie drops a movie from the listing (reconcile test support).
func (m *MockServer) RemoveMovie(movieID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.Movies[:0]
	for _, mv := range m.Movies {
		if mv.ID != movieID {
			out = append(out, mv)
		}
	}
	m.Movies = out
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ForceStatus != 0 {
		http.Error(w, http.StatusText(m.ForceStatus), m.ForceStatus)
		return
	}
	if r.Header.Get("X-Api-Key") != m.APIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/api/v3/series":
		writeJSON(w, m.Series)
	case r.URL.Path == "/api/v3/episode":
		var seriesID int64
		_, _ = jsonNumber(r.URL.Query().Get("seriesId"), &seriesID)
		writeJSON(w, m.Episodes[seriesID])
	case r.URL.Path == "/api/v3/movie":
		writeJSON(w, m.Movies)
	case r.URL.Path == "/api/v3/command" && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.commands = append(m.commands, body)
		m.nextCommandID++
		writeJSON(w, map[string]int64{"id": m.nextCommandID})
	case r.URL.Path == "/api/v3/health":
		writeJSON(w, []any{})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonNumber(s string, out *int64) (bool, error) {
	if s == "" {
		return false, nil
	}
	err := json.Unmarshal([]byte(s), out)
	return err == nil, err
}
