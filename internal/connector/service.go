// SPDX-License-Identifier: MIT

// Package connector manages upstream instances: CRUD over the persistent
// registry, credential encryption, and the sync-driven health state machine.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sweeparr/sweeparr/internal/log"
	"github.com/sweeparr/sweeparr/internal/metrics"
	"github.com/sweeparr/sweeparr/internal/store"
	"github.com/sweeparr/sweeparr/internal/upstream"
	"github.com/sweeparr/sweeparr/internal/vault"
)

// UnhealthyThreshold is the consecutive-failure count at which a degraded
// connector becomes unhealthy.
const UnhealthyThreshold = 5

var (
	// ErrInvalidInput is returned for malformed create/update parameters.
	ErrInvalidInput = errors.New("connector: invalid input")
)

// Service is the connector registry.
type Service struct {
	store   *store.Store
	vault   *vault.Vault
	factory upstream.Factory
	log     zerolog.Logger

	statsGroup singleflight.Group
}

// NewService wires the registry over its collaborators.
func NewService(st *store.Store, v *vault.Vault, factory upstream.Factory) *Service {
	if factory == nil {
		factory = upstream.DefaultFactory
	}
	return &Service{
		store:   st,
		vault:   v,
		factory: factory,
		log:     log.WithComponent("connector"),
	}
}

// CreateInput carries the operator-supplied connector fields.
type CreateInput struct {
	Dialect store.Dialect
	Name    string
	BaseURL string
	APIKey  string
	Enabled bool
}

// NormalizeURL strips trailing slashes and surrounding whitespace.
func NormalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// Create encrypts the API key, normalises the URL, and inserts the connector
// with default health=unknown.
func (s *Service) Create(ctx context.Context, in CreateInput) (store.Connector, error) {
	if !in.Dialect.Valid() {
		return store.Connector{}, fmt.Errorf("%w: unknown dialect %q", ErrInvalidInput, in.Dialect)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Connector{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	baseURL := NormalizeURL(in.BaseURL)
	if baseURL == "" {
		return store.Connector{}, fmt.Errorf("%w: base URL required", ErrInvalidInput)
	}
	if in.APIKey == "" {
		return store.Connector{}, fmt.Errorf("%w: API key required", ErrInvalidInput)
	}

	ciphertext, err := s.vault.EncryptString(in.APIKey)
	if err != nil {
		return store.Connector{}, err
	}

	c, err := s.store.CreateConnector(ctx, store.Connector{
		Dialect:          in.Dialect,
		Name:             name,
		BaseURL:          baseURL,
		APIKeyCiphertext: ciphertext,
		Enabled:          in.Enabled,
	})
	if err != nil {
		return store.Connector{}, err
	}

	s.log.Info().
		Int64("connector_id", c.ID).
		Str("dialect", string(c.Dialect)).
		Str("name", c.Name).
		Str("url", log.MaskURL(c.BaseURL)).
		Msg("connector created")
	return c, nil
}

// Get fetches one connector.
func (s *Service) Get(ctx context.Context, id int64) (store.Connector, error) {
	return s.store.GetConnector(ctx, id)
}

// List returns all connectors.
func (s *Service) List(ctx context.Context) ([]store.Connector, error) {
	return s.store.ListConnectors(ctx, store.ConnectorFilter{})
}

// ListEnabled returns enabled connectors.
func (s *Service) ListEnabled(ctx context.Context) ([]store.Connector, error) {
	return s.store.ListConnectors(ctx, store.ConnectorFilter{EnabledOnly: true})
}

// ListHealthy returns enabled connectors whose health permits work
// (healthy or degraded).
func (s *Service) ListHealthy(ctx context.Context) ([]store.Connector, error) {
	return s.store.ListConnectors(ctx, store.ConnectorFilter{HealthyOnly: true})
}

// UpdateInput carries a partial connector update. Nil fields stay unchanged.
type UpdateInput struct {
	Name         *string
	BaseURL      *string
	APIKey       *string // re-encrypted when set
	Enabled      *bool
	QueuePaused  *bool
	ProfileID    *int64
	ClearProfile bool
}

// Update applies a partial update, re-encrypting the API key when supplied.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (store.Connector, error) {
	u := store.ConnectorUpdate{
		Enabled:           in.Enabled,
		QueuePaused:       in.QueuePaused,
		ThrottleProfileID: in.ProfileID,
		ClearProfile:      in.ClearProfile,
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return store.Connector{}, fmt.Errorf("%w: name required", ErrInvalidInput)
		}
		u.Name = &name
	}
	if in.BaseURL != nil {
		normalized := NormalizeURL(*in.BaseURL)
		if normalized == "" {
			return store.Connector{}, fmt.Errorf("%w: base URL required", ErrInvalidInput)
		}
		u.BaseURL = &normalized
	}
	if in.APIKey != nil {
		if *in.APIKey == "" {
			return store.Connector{}, fmt.Errorf("%w: API key required", ErrInvalidInput)
		}
		ciphertext, err := s.vault.EncryptString(*in.APIKey)
		if err != nil {
			return store.Connector{}, err
		}
		u.APIKeyCiphertext = ciphertext
	}
	return s.store.UpdateConnector(ctx, id, u)
}

// Delete removes the connector and all derived state in one cascade.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteConnector(ctx, id); err != nil {
		return err
	}
	s.log.Info().Int64("connector_id", id).Msg("connector deleted")
	return nil
}

// UpdateLastSync stamps the connector's last successful sync instant.
func (s *Service) UpdateLastSync(ctx context.Context, id int64, at time.Time) error {
	return s.store.UpdateLastSync(ctx, id, at)
}

// Statistics reports gaps, upgrade candidates and queue depth. Concurrent
// callers for the same connector collapse into one query.
func (s *Service) Statistics(ctx context.Context, id int64) (store.ConnectorStats, error) {
	v, err, _ := s.statsGroup.Do(fmt.Sprintf("stats-%d", id), func() (any, error) {
		return s.store.GetConnectorStats(ctx, id)
	})
	if err != nil {
		return store.ConnectorStats{}, err
	}
	return v.(store.ConnectorStats), nil
}

// APIKey decrypts a connector's stored credential.
func (s *Service) APIKey(c store.Connector) (string, error) {
	return s.vault.DecryptString(c.APIKeyCiphertext)
}

// NewClient builds an upstream client for a connector.
func (s *Service) NewClient(c store.Connector) (upstream.Client, error) {
	apiKey, err := s.APIKey(c)
	if err != nil {
		return nil, err
	}
	return s.factory(c.Dialect, c.BaseURL, apiKey)
}

// TestConnection health-checks a candidate configuration without persisting
// anything.
func (s *Service) TestConnection(ctx context.Context, dialect store.Dialect, baseURL, apiKey string) error {
	if !dialect.Valid() {
		return fmt.Errorf("%w: unknown dialect %q", ErrInvalidInput, dialect)
	}
	client, err := s.factory(dialect, NormalizeURL(baseURL), apiKey)
	if err != nil {
		return err
	}
	return client.Health(ctx)
}

// ApplySyncSuccess records a successful sync: health goes healthy and the
// consecutive-failure counter resets.
func (s *Service) ApplySyncSuccess(ctx context.Context, id int64, reconcile bool, at time.Time) error {
	if err := s.store.RecordSyncSuccess(ctx, id, reconcile, at); err != nil {
		return err
	}
	if err := s.store.UpdateLastSync(ctx, id, at); err != nil {
		return err
	}
	return s.setHealth(ctx, id, store.HealthHealthy)
}

// ApplySyncFailure advances the health state machine after a terminal sync
// failure and returns the health it settled on:
//   - auth failures mark the connector unhealthy immediately;
//   - transport-level unreachability marks it offline;
//   - other failures degrade it until the consecutive-failure threshold,
//     then mark it unhealthy.
func (s *Service) ApplySyncFailure(ctx context.Context, id int64, kind upstream.Kind) (store.Health, error) {
	failures, err := s.store.BumpSyncFailures(ctx, id)
	if err != nil {
		return "", err
	}

	var health store.Health
	switch {
	case kind == upstream.KindAuth:
		health = store.HealthUnhealthy
	case kind == upstream.KindTransport:
		health = store.HealthOffline
	case failures < UnhealthyThreshold:
		health = store.HealthDegraded
	default:
		health = store.HealthUnhealthy
	}

	if err := s.setHealth(ctx, id, health); err != nil {
		return "", err
	}
	s.log.Warn().
		Int64("connector_id", id).
		Str("error_class", string(kind)).
		Int("consecutive_failures", failures).
		Str("health", string(health)).
		Msg("connector health downgraded")
	return health, nil
}

func (s *Service) setHealth(ctx context.Context, id int64, h store.Health) error {
	if err := s.store.UpdateConnectorHealth(ctx, id, h); err != nil {
		return err
	}
	metrics.SetConnectorHealth(fmt.Sprintf("%d", id), h.GaugeValue())
	return nil
}

// SetQueuePaused flips the connector's dispatch pause flag.
func (s *Service) SetQueuePaused(ctx context.Context, id int64, paused bool) (store.Connector, error) {
	return s.store.UpdateConnector(ctx, id, store.ConnectorUpdate{QueuePaused: &paused})
}
