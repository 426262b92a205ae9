// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/sweeparr/sweeparr/internal/store"
)

type profileDTO struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	RequestsPerMinute     int    `json:"requestsPerMinute"`
	DailyBudget           *int   `json:"dailyBudget,omitempty"`
	BatchSize             int    `json:"batchSize"`
	BatchCooldownSeconds  int    `json:"batchCooldownSeconds"`
	RateLimitPauseSeconds int    `json:"rateLimitPauseSeconds"`
	IsDefault             bool   `json:"isDefault"`
}

func toProfileDTO(p store.ThrottleProfile) profileDTO {
	return profileDTO{
		ID:                    p.ID,
		Name:                  p.Name,
		RequestsPerMinute:     p.RequestsPerMinute,
		DailyBudget:           p.DailyBudget,
		BatchSize:             p.BatchSize,
		BatchCooldownSeconds:  p.BatchCooldownSeconds,
		RateLimitPauseSeconds: p.RateLimitPauseSeconds,
		IsDefault:             p.IsDefault,
	}
}

func (p profileDTO) toRow() store.ThrottleProfile {
	return store.ThrottleProfile{
		ID:                    p.ID,
		Name:                  p.Name,
		RequestsPerMinute:     p.RequestsPerMinute,
		DailyBudget:           p.DailyBudget,
		BatchSize:             p.BatchSize,
		BatchCooldownSeconds:  p.BatchCooldownSeconds,
		RateLimitPauseSeconds: p.RateLimitPauseSeconds,
		IsDefault:             p.IsDefault,
	}
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListThrottleProfiles(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]profileDTO, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toProfileDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileDTO
	if !decodeBody(w, r, &req) {
		return
	}
	row := req.toRow()
	if err := throttleValidate(row); err != nil {
		writeError(w, http.StatusBadRequest, "invalid profile", err.Error())
		return
	}
	p, err := s.store.CreateThrottleProfile(r.Context(), row)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProfileDTO(p))
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	p, err := s.store.GetThrottleProfile(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(p))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	var req profileDTO
	if !decodeBody(w, r, &req) {
		return
	}
	row := req.toRow()
	row.ID = id
	if err := throttleValidate(row); err != nil {
		writeError(w, http.StatusBadRequest, "invalid profile", err.Error())
		return
	}
	p, err := s.store.UpdateThrottleProfile(r.Context(), row)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(p))
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	if err := s.store.DeleteThrottleProfile(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
