// SPDX-License-Identifier: MIT

// Package search exposes the search-registry state machine to operators:
// listing, per-state counts, and the bulk operations. Bulk operations never
// touch rows in state searching; those belong to the dispatcher.
package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/store"
)

// MaxPriority bounds the operator-settable priority.
const MaxPriority = 100

// Service wraps registry admin operations.
type Service struct {
	store *store.Store
	log   zerolog.Logger
}

// NewService builds the registry admin service.
func NewService(st *store.Store) *Service {
	return &Service{store: st, log: log.WithComponent("search")}
}

// List returns registry rows in dispatch order.
func (s *Service) List(ctx context.Context, f store.RegistryFilter) ([]store.RegistryEntry, error) {
	return s.store.ListRegistry(ctx, f)
}

// Get fetches one registry row.
func (s *Service) Get(ctx context.Context, id int64) (store.RegistryEntry, error) {
	return s.store.GetRegistryEntry(ctx, id)
}

// Counts returns per-state row counts for one connector and refreshes the
// registry state gauge.
func (s *Service) Counts(ctx context.Context, connectorID int64) (map[store.SearchState]int, error) {
	counts, err := s.store.CountRegistryByState(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	for _, st := range []store.SearchState{store.StatePending, store.StateQueued,
		store.StateSearching, store.StateCooldown, store.StateExhausted} {
		metrics.RegistryState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return counts, nil
}

// BulkQueue makes the given rows immediately dispatchable.
func (s *Service) BulkQueue(ctx context.Context, ids []int64) (store.BulkResult, error) {
	res, err := s.store.BulkQueue(ctx, ids)
	s.logBulk(ctx, "queue", res, err)
	return res, err
}

// BulkSetPriority updates priorities; values outside 0..100 are rejected.
func (s *Service) BulkSetPriority(ctx context.Context, ids []int64, priority int) (store.BulkResult, error) {
	if priority < 0 || priority > MaxPriority {
		return store.BulkResult{}, fmt.Errorf("search: priority %d out of range 0..%d", priority, MaxPriority)
	}
	res, err := s.store.BulkSetPriority(ctx, ids, priority)
	s.logBulk(ctx, "priority", res, err)
	return res, err
}

// BulkExhaust forces rows to exhausted.
func (s *Service) BulkExhaust(ctx context.Context, ids []int64) (store.BulkResult, error) {
	res, err := s.store.BulkExhaust(ctx, ids)
	s.logBulk(ctx, "exhaust", res, err)
	return res, err
}

// BulkClear resets rows to a fresh pending state (attempt counter, failure
// category, eligibility and season-pack flag cleared).
func (s *Service) BulkClear(ctx context.Context, ids []int64) (store.BulkResult, error) {
	res, err := s.store.BulkClear(ctx, ids)
	s.logBulk(ctx, "clear", res, err)
	return res, err
}

// ClearFailed resets every exhausted and cooldown row of a connector, whether
// or not the cooldown has elapsed.
func (s *Service) ClearFailed(ctx context.Context, connectorID int64) (store.BulkResult, error) {
	ids, err := s.store.RegistryIDsByStates(ctx, connectorID, store.StateExhausted, store.StateCooldown)
	if err != nil {
		return store.BulkResult{}, err
	}
	if len(ids) == 0 {
		return store.BulkResult{}, nil
	}
	res, err := s.store.BulkClear(ctx, ids)
	s.logBulk(ctx, "clear-failed", res, err)
	return res, err
}

// Delete removes one registry row (operator clear of a single candidate).
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteRegistryEntry(ctx, id)
}

func (s *Service) logBulk(ctx context.Context, op string, res store.BulkResult, err error) {
	logger := log.WithContext(ctx, s.log)
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("operation", op).
		Int("affected", res.Affected).
		Int("skipped", res.Skipped).
		Msg("bulk registry operation")
}
