package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	existingTimestampsSQL = `SELECT timestamp
    FROM glucose_readings
    WHERE patient_id = $1
      AND timestamp = ANY($2);`

	insertReadingSQL = `INSERT INTO glucose_readings (
        patient_id,
        value,
        trend,
        timestamp
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (patient_id, timestamp) DO NOTHING
    RETURNING id, created_at;`

	latestReadingSQL = `SELECT
        id,
        patient_id,
        value,
        trend,
        timestamp,
        created_at
    FROM glucose_readings
    ORDER BY timestamp DESC
    LIMIT 1;`

	listReadingsSinceSQL = `SELECT
        id,
        patient_id,
        value,
        trend,
        timestamp,
        created_at
    FROM glucose_readings
    WHERE timestamp >= $1
    ORDER BY timestamp DESC
    LIMIT $2;`

	countReadingsSQL = `SELECT COUNT(*) FROM glucose_readings;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// ReadingStore defines operations for glucose reading persistence.
type ReadingStore interface {
	// ExistingTimestamps returns the subset of timestamps already stored for the
	// patient, keyed by Unix microseconds.
	ExistingTimestamps(ctx context.Context, patientID string, timestamps []time.Time) (map[int64]struct{}, error)
	// InsertReadings stores the batch atomically, skipping rows that already exist,
	// and returns the rows actually inserted.
	InsertReadings(ctx context.Context, readings []Reading) ([]Reading, error)
	LatestReading(ctx context.Context) (*Reading, error)
	ListReadingsSince(ctx context.Context, since time.Time, limit int) ([]Reading, error)
	CountReadings(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Pool is the subset of pgxpool.Pool the store relies on.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store persists readings in PostgreSQL.
type Store struct {
	pool Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// TryAdvisoryLock takes a transaction-scoped advisory lock. The returned func
// ends the transaction, which releases the lock.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock transaction: %w", err)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		_ = tx.Rollback(context.Background())
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = tx.Rollback(context.Background())
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tx.Rollback(ctxUnlock)
	}
	return unlock, true, nil
}

func (s *Store) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ExistingTimestamps implements ReadingStore.
func (s *Store) ExistingTimestamps(ctx context.Context, patientID string, timestamps []time.Time) (map[int64]struct{}, error) {
	existing := make(map[int64]struct{})
	if len(timestamps) == 0 {
		return existing, nil
	}

	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, existingTimestampsSQL, patientID, timestamps)
	if queryErr != nil {
		return nil, fmt.Errorf("existing timestamps: %w", queryErr)
	}
	defer rows.Close()

	for rows.Next() {
		var ts time.Time
		if scanErr := rows.Scan(&ts); scanErr != nil {
			return nil, scanErr
		}
		existing[ts.UnixMicro()] = struct{}{}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return existing, nil
}

// InsertReadings implements ReadingStore. The batch commits or rolls back as a whole.
func (s *Store) InsertReadings(ctx context.Context, readings []Reading) ([]Reading, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert readings: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	inserted := make([]Reading, 0, len(readings))
	for _, reading := range readings {
		if reading.PatientID == "" {
			reading.PatientID = DefaultPatientID
		}

		var trendCode any
		if reading.Trend != nil {
			trendCode = int16(*reading.Trend)
		}

		scanErr := tx.QueryRow(ctx, insertReadingSQL,
			reading.PatientID,
			reading.Value,
			trendCode,
			reading.Timestamp,
		).Scan(&reading.ID, &reading.CreatedAt)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			continue
		}
		if scanErr != nil {
			return nil, fmt.Errorf("insert reading %s: %w", reading.Timestamp.Format(time.RFC3339), scanErr)
		}
		inserted = append(inserted, reading)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert readings: %w", err)
	}
	return inserted, nil
}

// LatestReading returns the newest reading by timestamp, nil when the table is empty.
func (s *Store) LatestReading(ctx context.Context) (*Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	reading, scanErr := scanReading(pool.QueryRow(ctx, latestReadingSQL))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("latest reading: %w", scanErr)
	}
	return &reading, nil
}

// ListReadingsSince lists readings at or after since, newest first.
func (s *Store) ListReadingsSince(ctx context.Context, since time.Time, limit int) ([]Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReadingsSinceSQL, since, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list readings since: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, reading)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// CountReadings counts stored readings.
func (s *Store) CountReadings(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReadingsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count readings: %w", scanErr)
	}
	return count, nil
}

func scanReading(row pgx.Row) (Reading, error) {
	var (
		reading   Reading
		trendCode *int16
	)
	if err := row.Scan(
		&reading.ID,
		&reading.PatientID,
		&reading.Value,
		&trendCode,
		&reading.Timestamp,
		&reading.CreatedAt,
	); err != nil {
		return Reading{}, err
	}
	if trendCode != nil {
		code := int(*trendCode)
		reading.Trend = &code
	}
	reading.Timestamp = reading.Timestamp.UTC()
	return reading, nil
}

var (
	_ ReadingStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
