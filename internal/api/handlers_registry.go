// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/sweeparr/sweeparr/internal/store"
)

type registryDTO struct {
	ID               int64      `json:"id"`
	ConnectorID      int64      `json:"connectorId"`
	ContentKind      string     `json:"contentKind"`
	ContentID        int64      `json:"contentId"`
	State            string     `json:"state"`
	SearchType       string     `json:"searchType"`
	Priority         int        `json:"priority"`
	AttemptCount     int        `json:"attemptCount"`
	FailureCategory  *string    `json:"failureCategory,omitempty"`
	NextEligibleAt   *time.Time `json:"nextEligibleAt,omitempty"`
	SeasonPackFailed bool       `json:"seasonPackFailed"`
	LastSearchedAt   *time.Time `json:"lastSearchedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func toRegistryDTO(e store.RegistryEntry) registryDTO {
	return registryDTO{
		ID:               e.ID,
		ConnectorID:      e.ConnectorID,
		ContentKind:      string(e.ContentKind),
		ContentID:        e.ContentID,
		State:            string(e.State),
		SearchType:       string(e.SearchType),
		Priority:         e.Priority,
		AttemptCount:     e.AttemptCount,
		FailureCategory:  e.FailureCategory,
		NextEligibleAt:   e.NextEligibleAt,
		SeasonPackFailed: e.SeasonPackFailed,
		LastSearchedAt:   e.LastSearchedAt,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func (s *Server) handleListRegistry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	q := r.URL.Query()
	entries, err := s.registry.List(r.Context(), store.RegistryFilter{
		ConnectorID: id,
		State:       store.SearchState(q.Get("state")),
		SearchType:  store.SearchType(q.Get("searchType")),
		ContentKind: store.ContentKind(q.Get("contentKind")),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]registryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toRegistryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegistryCounts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	counts, err := s.registry.Counts(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

type bulkRequest struct {
	IDs      []int64 `json:"ids"`
	Priority *int    `json:"priority,omitempty"`
}

func (s *Server) handleBulkQueue(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.registry.BulkQueue(r.Context(), req.IDs)
	writeBulkResult(w, res, err)
}

func (s *Server) handleBulkPriority(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Priority == nil {
		writeError(w, http.StatusBadRequest, "priority required", "")
		return
	}
	res, err := s.registry.BulkSetPriority(r.Context(), req.IDs, *req.Priority)
	writeBulkResult(w, res, err)
}

func (s *Server) handleBulkExhaust(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.registry.BulkExhaust(r.Context(), req.IDs)
	writeBulkResult(w, res, err)
}

func (s *Server) handleBulkClear(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.registry.BulkClear(r.Context(), req.IDs)
	writeBulkResult(w, res, err)
}

func writeBulkResult(w http.ResponseWriter, res store.BulkResult, err error) {
	if err != nil {
		writeError(w, http.StatusBadRequest, "bulk operation failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"affected": res.Affected, "skipped": res.Skipped})
}
