package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sweetwatch/internal/alerting"
	"sweetwatch/internal/metrics"
	"sweetwatch/internal/scheduler"
	"sweetwatch/internal/source"
	"sweetwatch/internal/storage"
)

const (
	DefaultFetchCount    = 50
	DefaultHistoryWindow = 24 * time.Hour
	DefaultHistoryLimit  = 288
)

// SourceFactory builds the configured adapter. It is called lazily and again after Reset.
type SourceFactory func() (source.Source, error)

// Options tune the service.
type Options struct {
	FetchCount      int
	AdvisoryLockKey int64
	Scheduler       *scheduler.Scheduler
}

// Service owns the active adapter and turns upstream entries into stored readings.
type Service struct {
	factory  SourceFactory
	store    storage.ReadingStore
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	// syncMu serialises manual and scheduled fetches.
	syncMu sync.Mutex

	srcMu    sync.Mutex
	src      source.Source
	failures int
}

// New constructs the ingestion service. notifier may be nil.
func New(factory SourceFactory, store storage.ReadingStore, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Service {
	if opts.FetchCount <= 0 {
		opts.FetchCount = DefaultFetchCount
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		factory:  factory,
		store:    store,
		locker:   locker,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "service").Logger(),
		now:      time.Now,
	}
}

// Run drives the scheduler until ctx is cancelled, then releases the held adapter.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	defer s.Close()
	return s.opts.Scheduler.Run(ctx, s.Cycle)
}

// Cycle performs one scheduled poll and reports whether the newest stored trend is changing.
func (s *Service) Cycle(ctx context.Context) (bool, error) {
	started := s.now()

	inserted, skipped, err := s.fetchAndStore(ctx, s.opts.FetchCount)
	if err != nil {
		metrics.RecordSync(metrics.OutcomeError, 0, time.Since(started))
		s.handleFailure(ctx, err)
		return false, err
	}
	s.clearFailures()

	if skipped {
		metrics.RecordSync(metrics.OutcomeSkipped, 0, time.Since(started))
	} else {
		metrics.RecordSync(metrics.OutcomeOK, len(inserted), time.Since(started))
	}

	latest, err := s.store.LatestReading(ctx)
	if err != nil {
		return false, fmt.Errorf("load latest reading: %w", err)
	}
	if latest == nil {
		return false, nil
	}
	return latest.IsChanging(), nil
}

// FetchAndStore pulls up to count recent entries and persists the unseen ones.
// Adapter errors are returned unchanged. When another replica holds the
// advisory lock the call is skipped and returns no readings.
func (s *Service) FetchAndStore(ctx context.Context, count int) ([]storage.Reading, error) {
	inserted, _, err := s.fetchAndStore(ctx, count)
	return inserted, err
}

func (s *Service) fetchAndStore(ctx context.Context, count int) ([]storage.Reading, bool, error) {
	if count <= 0 {
		count = s.opts.FetchCount
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, false, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip sync because advisory lock held elsewhere")
		return nil, true, nil
	}
	if unlock != nil {
		defer unlock()
	}

	src, err := s.source()
	if err != nil {
		return nil, false, err
	}

	entries, err := src.Entries(ctx, count)
	if err != nil {
		return nil, false, err
	}

	patientID := patientOf(src)
	candidates := s.toReadings(patientID, entries)
	if len(candidates) == 0 {
		s.logger.Debug().Int("entries", len(entries)).Msg("upstream returned no usable entries")
		return []storage.Reading{}, false, nil
	}

	timestamps := make([]time.Time, 0, len(candidates))
	for _, reading := range candidates {
		timestamps = append(timestamps, reading.Timestamp)
	}
	existing, err := s.store.ExistingTimestamps(ctx, patientID, timestamps)
	if err != nil {
		return nil, false, fmt.Errorf("check existing readings: %w", err)
	}

	fresh := make([]storage.Reading, 0, len(candidates))
	for _, reading := range candidates {
		if _, ok := existing[reading.Timestamp.UnixMicro()]; ok {
			continue
		}
		fresh = append(fresh, reading)
	}
	if len(fresh) == 0 {
		s.logger.Debug().Int("entries", len(entries)).Msg("no new readings")
		return []storage.Reading{}, false, nil
	}

	inserted, err := s.store.InsertReadings(ctx, fresh)
	if err != nil {
		return nil, false, fmt.Errorf("store readings: %w", err)
	}
	if inserted == nil {
		inserted = []storage.Reading{}
	}

	s.logger.Info().
		Str("provider", src.Provider()).
		Int("entries", len(entries)).
		Int("stored", len(inserted)).
		Msg("readings stored")
	return inserted, false, nil
}

// toReadings converts entries, dropping unusable values and duplicate timestamps within the batch.
func (s *Service) toReadings(patientID string, entries []source.Entry) []storage.Reading {
	seen := make(map[int64]struct{}, len(entries))
	readings := make([]storage.Reading, 0, len(entries))
	for _, entry := range entries {
		if entry.Value <= 0 || entry.Timestamp.IsZero() {
			s.logger.Warn().Int("value", entry.Value).Time("timestamp", entry.Timestamp).Msg("dropping entry without a usable value")
			continue
		}
		ts := entry.Timestamp.UTC()
		key := ts.UnixMicro()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		reading := storage.Reading{
			PatientID: patientID,
			Value:     float64(entry.Value),
			Timestamp: ts,
		}
		if code, ok := entry.Trend.Code(); ok {
			reading.Trend = &code
		}
		readings = append(readings, reading)
	}
	return readings
}

// Current returns the newest stored reading, nil when nothing is stored yet.
func (s *Service) Current(ctx context.Context) (*storage.Reading, error) {
	reading, err := s.store.LatestReading(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest reading: %w", err)
	}
	return reading, nil
}

// History returns readings within the trailing window, newest first, capped at limit.
// Non-positive arguments fall back to 24h and 288 rows.
func (s *Service) History(ctx context.Context, window time.Duration, limit int) ([]storage.Reading, error) {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	readings, err := s.store.ListReadingsSince(ctx, s.now().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return readings, nil
}

// Probe fetches live entries through the held adapter without storing them.
func (s *Service) Probe(ctx context.Context, count int) ([]source.Entry, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	src, err := s.source()
	if err != nil {
		return nil, err
	}
	return src.Entries(ctx, count)
}

// Close releases the held adapter. The next fetch constructs a fresh one.
func (s *Service) Close() error {
	s.srcMu.Lock()
	src := s.src
	s.src = nil
	s.srcMu.Unlock()

	if src == nil {
		return nil
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("close %s source: %w", src.Provider(), err)
	}
	s.logger.Debug().Str("provider", src.Provider()).Msg("source released")
	return nil
}

// Reset discards the held adapter and its session so the next fetch re-authenticates.
func (s *Service) Reset() error {
	s.logger.Info().Msg("resetting source")
	return s.Close()
}

func (s *Service) source() (source.Source, error) {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()

	if s.src != nil {
		return s.src, nil
	}
	if s.factory == nil {
		return nil, fmt.Errorf("source factory not configured")
	}
	src, err := s.factory()
	if err != nil {
		return nil, err
	}
	s.src = src
	s.logger.Info().Str("provider", src.Provider()).Msg("source constructed")
	return src, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) handleFailure(ctx context.Context, err error) {
	s.srcMu.Lock()
	s.failures++
	failures := s.failures
	src := s.src
	s.srcMu.Unlock()

	if !errors.Is(err, source.ErrAuthentication) || s.notifier == nil {
		return
	}

	note := alerting.Notification{
		At:       s.now(),
		Reason:   err.Error(),
		Failures: failures,
	}
	if src != nil {
		note.Provider = src.Provider()
		if identified, ok := src.(source.PatientIdentifier); ok {
			note.PatientID = identified.PatientID()
		}
	}
	if notifyErr := s.notifier.Notify(ctx, note); notifyErr != nil {
		s.logger.Error().Err(notifyErr).Msg("failed to dispatch operator alert")
	}
}

// clearFailures ends a failure streak. A notifier with a cooldown is re-armed so
// the next outage pages immediately.
func (s *Service) clearFailures() {
	s.srcMu.Lock()
	recovered := s.failures > 0
	s.failures = 0
	s.srcMu.Unlock()

	if !recovered {
		return
	}
	if resettable, ok := s.notifier.(interface{ Reset() }); ok {
		resettable.Reset()
	}
}

func patientOf(src source.Source) string {
	if identified, ok := src.(source.PatientIdentifier); ok {
		if id := identified.PatientID(); id != "" {
			return id
		}
	}
	return source.DefaultPatientID
}
