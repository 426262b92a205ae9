// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/sweeparr/sweeparr/internal/store"
)

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	connectors, err := s.connectors.List(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	healthSummary := make(map[string]int)
	queueDepth := 0
	for _, c := range connectors {
		healthSummary[string(c.Health)]++
		if stats, err := s.connectors.Statistics(ctx, c.ID); err == nil {
			queueDepth += stats.QueueDepth
		}
	}

	keyVerified, _ := s.vault.VerifyKey(s.cfg.DataDir)

	writeJSON(w, http.StatusOK, map[string]any{
		"version":           s.cfg.Version,
		"uptimeSeconds":     int64(time.Since(s.startedAt).Seconds()),
		"connectors":        len(connectors),
		"connectorHealth":   healthSummary,
		"queueDepth":        queueDepth,
		"activeDispatchers": s.scheduler.ActiveDispatchers(),
		"vaultKeyVerified":  keyVerified,
	})
}

type historyDTO struct {
	ID          int64     `json:"id"`
	ConnectorID int64     `json:"connectorId"`
	ContentKind string    `json:"contentKind"`
	ContentID   int64     `json:"contentId"`
	SearchType  string    `json:"searchType"`
	Outcome     string    `json:"outcome"`
	Attempt     int       `json:"attempt"`
	ElapsedMS   *int64    `json:"elapsedMs,omitempty"`
	Detail      *string   `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var connectorID int64
	if v := q.Get("connectorId"); v != "" {
		connectorID = int64(queryInt(r, "connectorId", 0))
	}
	rows, err := s.store.ListHistory(r.Context(), store.HistoryFilter{
		ConnectorID: connectorID,
		Outcome:     store.Outcome(q.Get("outcome")),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]historyDTO, 0, len(rows))
	for _, h := range rows {
		out = append(out, historyDTO{
			ID:          h.ID,
			ConnectorID: h.ConnectorID,
			ContentKind: string(h.ContentKind),
			ContentID:   h.ContentID,
			SearchType:  string(h.SearchType),
			Outcome:     string(h.Outcome),
			Attempt:     h.Attempt,
			ElapsedMS:   h.ElapsedMS,
			Detail:      h.Detail,
			CreatedAt:   h.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type contentDTO struct {
	ID                  int64      `json:"id"`
	Kind                string     `json:"kind"`
	UpstreamID          int64      `json:"upstreamId"`
	Title               string     `json:"title"`
	Monitored           bool       `json:"monitored"`
	HasFile             bool       `json:"hasFile"`
	QualityCutoffNotMet bool       `json:"qualityCutoffNotMet"`
	Quality             string     `json:"quality,omitempty"`
	FirstDownloadedAt   *time.Time `json:"firstDownloadedAt,omitempty"`
	FileLostAt          *time.Time `json:"fileLostAt,omitempty"`
	FileLossCount       int        `json:"fileLossCount"`
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
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

	filter := store.ContentFilter{
		ConnectorID:  id,
		Monitored:    queryBoolPtr(r, "monitored"),
		HasFile:      queryBoolPtr(r, "hasFile"),
		CutoffNotMet: queryBoolPtr(r, "cutoffNotMet"),
		TitleLike:    r.URL.Query().Get("title"),
		Limit:        queryInt(r, "limit", 100),
		Offset:       queryInt(r, "offset", 0),
	}

	var out []contentDTO
	if c.Dialect.IsTV() {
		episodes, err := s.store.ListEpisodes(r.Context(), filter)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		for _, e := range episodes {
			out = append(out, contentDTO{
				ID: e.ID, Kind: string(store.KindEpisode), UpstreamID: e.UpstreamID,
				Title: e.Title, Monitored: e.Monitored, HasFile: e.HasFile,
				QualityCutoffNotMet: e.QualityCutoffNotMet, Quality: e.Quality,
				FirstDownloadedAt: e.FirstDownloadedAt, FileLostAt: e.FileLostAt,
				FileLossCount: e.FileLossCount,
			})
		}
	} else {
		movies, err := s.store.ListMovies(r.Context(), filter)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		for _, m := range movies {
			out = append(out, contentDTO{
				ID: m.ID, Kind: string(store.KindMovie), UpstreamID: m.UpstreamID,
				Title: m.Title, Monitored: m.Monitored, HasFile: m.HasFile,
				QualityCutoffNotMet: m.QualityCutoffNotMet, Quality: m.Quality,
				FirstDownloadedAt: m.FirstDownloadedAt, FileLostAt: m.FileLostAt,
				FileLossCount: m.FileLossCount,
			})
		}
	}
	if out == nil {
		out = []contentDTO{}
	}
	writeJSON(w, http.StatusOK, out)
}
