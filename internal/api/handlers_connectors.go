// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sweeparr/sweeparr/internal/connector"
	"github.com/sweeparr/sweeparr/internal/store"
	syncengine "github.com/sweeparr/sweeparr/internal/sync"
	"github.com/sweeparr/sweeparr/internal/upstream"
)

// connectorDTO is the wire shape for connectors. The API key never leaves
// the process in either direction of the response.
type connectorDTO struct {
	ID          int64      `json:"id"`
	Dialect     string     `json:"dialect"`
	Name        string     `json:"name"`
	BaseURL     string     `json:"baseUrl"`
	Enabled     bool       `json:"enabled"`
	Health      string     `json:"health"`
	ProfileID   *int64     `json:"throttleProfileId,omitempty"`
	QueuePaused bool       `json:"queuePaused"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func toConnectorDTO(c store.Connector) connectorDTO {
	return connectorDTO{
		ID:          c.ID,
		Dialect:     string(c.Dialect),
		Name:        c.Name,
		BaseURL:     c.BaseURL,
		Enabled:     c.Enabled,
		Health:      string(c.Health),
		ProfileID:   c.ThrottleProfileID,
		QueuePaused: c.QueuePaused,
		LastSyncAt:  c.LastSyncAt,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := s.connectors.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]connectorDTO, 0, len(connectors))
	for _, c := range connectors {
		out = append(out, toConnectorDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type createConnectorRequest struct {
	Dialect string `json:"dialect"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req createConnectorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	c, err := s.connectors.Create(r.Context(), connector.CreateInput{
		Dialect: store.Dialect(req.Dialect),
		Name:    req.Name,
		BaseURL: req.BaseURL,
		APIKey:  req.APIKey,
		Enabled: enabled,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConnectorDTO(c))
}

type testConnectorRequest struct {
	Dialect string `json:"dialect"`
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

func (s *Server) handleTestConnector(w http.ResponseWriter, r *http.Request) {
	var req testConnectorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.connectors.TestConnection(r.Context(), store.Dialect(req.Dialect), req.BaseURL, req.APIKey)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"reachable":  false,
			"errorClass": string(upstream.KindOf(err)),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reachable": true})
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	c, err := s.connectors.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectorDTO(c))
}

type updateConnectorRequest struct {
	Name         *string `json:"name"`
	BaseURL      *string `json:"baseUrl"`
	APIKey       *string `json:"apiKey"`
	Enabled      *bool   `json:"enabled"`
	QueuePaused  *bool   `json:"queuePaused"`
	ProfileID    *int64  `json:"throttleProfileId"`
	ClearProfile bool    `json:"clearThrottleProfile"`
}

func (s *Server) handleUpdateConnector(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	var req updateConnectorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c, err := s.connectors.Update(r.Context(), id, connector.UpdateInput{
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		APIKey:       req.APIKey,
		Enabled:      req.Enabled,
		QueuePaused:  req.QueuePaused,
		ProfileID:    req.ProfileID,
		ClearProfile: req.ClearProfile,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectorDTO(c))
}

func (s *Server) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	if err := s.connectors.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectorStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	stats, err := s.connectors.Statistics(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectorId": stats.ConnectorID,
		"gaps":        stats.Gaps,
		"upgrades":    stats.Upgrades,
		"queueDepth":  stats.QueueDepth,
	})
}

type runSyncRequest struct {
	Mode string `json:"mode"` // "incremental" (default) or "reconcile"
}

func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	var req runSyncRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	mode := syncengine.ModeIncremental
	if req.Mode == string(syncengine.ModeReconcile) {
		mode = syncengine.ModeReconcile
	}

	c, err := s.connectors.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// The sweep outlives the request; it runs detached with its own context.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		s.scheduler.SweepConnector(ctx, c, mode)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"connectorId": id,
		"mode":        string(mode),
		"started":     true,
	})
}

func (s *Server) handlePauseDispatch(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResumeDispatch(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	c, err := s.connectors.SetQueuePaused(r.Context(), id, paused)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConnectorDTO(c))
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	cleared, err := s.store.ClearConnectorQueue(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id", "")
		return
	}
	res, err := s.registry.ClearFailed(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"affected": res.Affected, "skipped": res.Skipped})
}
