package station

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
)

// Store serves lookups from the current Table and replaces it wholesale on
// refresh. Readers never see a partially updated table.
type Store struct {
	source Source
	policy retry.Policy
	logger *slog.Logger

	table atomic.Pointer[Table]

	refreshMu sync.Mutex
	ignored   map[string]struct{}

	refreshes atomic.Int64
	failures  atomic.Int64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPolicy sets the retry policy applied to each load.
func WithPolicy(p retry.Policy) StoreOption {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty store. Call Load before serving lookups.
func NewStore(source Source, opts ...StoreOption) *Store {
	s := &Store{
		source:  source,
		policy:  retry.Persistent(),
		logger:  slog.Default().With("component", "station-store"),
		ignored: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load performs the startup load. Failure is fatal: the caller cannot serve
// without routing data.
func (s *Store) Load(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return errors.WrapFatal(err, "Store", "Load", "initial station table load")
	}
	return nil
}

// Refresh reloads the table. On failure the previous table stays
// authoritative and the error is logged and returned.
func (s *Store) Refresh(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		s.failures.Add(1)
		s.logger.Warn("Station table refresh failed, keeping previous table",
			"error", err, "stations", s.table.Load().Len())
		return err
	}
	return nil
}

func (s *Store) reload(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	params, err := retry.DoWithResult(ctx, s.policy, func() ([]Parameters, error) {
		p, err := s.source.Load(ctx)
		if err != nil && !errors.IsTransient(err) {
			return nil, retry.NonRetryable(err)
		}
		return p, err
	}, retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("Station parameters unavailable, retrying",
			"attempt", attempt, "error", err, "retry_in", delay)
	}))
	if err != nil {
		return err
	}

	table, err := NewTable(params)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "reload", "build station table")
	}

	s.logIgnored(table)
	s.table.Store(table)
	s.refreshes.Add(1)
	s.logger.Info("Station table loaded",
		"stations", table.Len(), "acquired", table.Acquired(), "ignored", table.Len()-table.Acquired())
	return nil
}

// logIgnored logs each non-acquired station once for the lifetime of the
// store. Stations that become acquired again are forgotten so a later
// disable is reported.
func (s *Store) logIgnored(t *Table) {
	current := make(map[string]struct{})
	for _, name := range t.Ignored() {
		current[name] = struct{}{}
		if _, seen := s.ignored[name]; !seen {
			s.logger.Info("Station is configured to not be acquired, ignoring connection requests",
				"station", name)
		}
	}
	s.ignored = current
}

// Lookup returns the parameters for name in the current table.
func (s *Store) Lookup(name string) (Parameters, bool) {
	return s.table.Load().Lookup(name)
}

// Snapshot returns the current table, or nil before the first load.
func (s *Store) Snapshot() *Table {
	return s.table.Load()
}

// Loaded reports whether a table has been installed.
func (s *Store) Loaded() bool {
	return s.table.Load() != nil
}

// Stats reports refresh counters.
func (s *Store) Stats() (refreshes, failures int64) {
	return s.refreshes.Load(), s.failures.Load()
}
