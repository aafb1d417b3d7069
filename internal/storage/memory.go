package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps readings in process. It applies the same (patient, timestamp)
// uniqueness rule as the PostgreSQL schema and is used when no DSN is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	readings []Reading
	index    map[readingKey]struct{}
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[readingKey]struct{}),
		now:   time.Now,
	}
}

// ExistingTimestamps implements ReadingStore.
func (m *MemoryStore) ExistingTimestamps(_ context.Context, patientID string, timestamps []time.Time) (map[int64]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing := make(map[int64]struct{})
	for _, ts := range timestamps {
		key := readingKey{patientID: patientID, micros: ts.UnixMicro()}
		if _, ok := m.index[key]; ok {
			existing[key.micros] = struct{}{}
		}
	}
	return existing, nil
}

// InsertReadings implements ReadingStore.
func (m *MemoryStore) InsertReadings(ctx context.Context, readings []Reading) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := make([]Reading, 0, len(readings))
	for _, reading := range readings {
		if reading.PatientID == "" {
			reading.PatientID = DefaultPatientID
		}
		reading.Timestamp = reading.Timestamp.UTC()

		key := reading.key()
		if _, ok := m.index[key]; ok {
			continue
		}

		m.nextID++
		reading.ID = m.nextID
		reading.CreatedAt = m.now().UTC()
		if reading.Trend != nil {
			code := *reading.Trend
			reading.Trend = &code
		}

		m.index[key] = struct{}{}
		m.readings = append(m.readings, reading)
		inserted = append(inserted, reading)
	}
	return inserted, nil
}

// LatestReading implements ReadingStore.
func (m *MemoryStore) LatestReading(_ context.Context) (*Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Reading
	for i := range m.readings {
		if newest == nil || m.readings[i].Timestamp.After(newest.Timestamp) {
			newest = &m.readings[i]
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

// ListReadingsSince implements ReadingStore.
func (m *MemoryStore) ListReadingsSince(_ context.Context, since time.Time, limit int) ([]Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Reading, 0)
	for _, reading := range m.readings {
		if !reading.Timestamp.Before(since) {
			out = append(out, reading)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountReadings implements ReadingStore.
func (m *MemoryStore) CountReadings(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.readings)), nil
}

var _ ReadingStore = (*MemoryStore)(nil)
