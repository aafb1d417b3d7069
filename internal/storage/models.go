package storage

import (
	"time"

	"sweetwatch/internal/trend"
)

// DefaultPatientID keys readings from providers without a patient identity.
const DefaultPatientID = "default"

// Reading represents a persisted glucose observation. Trend holds the integer
// trend code and is nil when the direction was unknown.
type Reading struct {
	ID        int64
	PatientID string
	Value     float64
	Trend     *int
	Timestamp time.Time
	CreatedAt time.Time
}

// IsChanging reports whether the stored trend is anything other than stable.
func (r Reading) IsChanging() bool {
	return trend.CodeIsChanging(r.Trend)
}

// Arrow renders the stored trend for display.
func (r Reading) Arrow() string {
	return trend.Arrow(r.Trend)
}

// key is the uniqueness key within a patient.
func (r Reading) key() readingKey {
	return readingKey{patientID: r.PatientID, micros: r.Timestamp.UnixMicro()}
}

type readingKey struct {
	patientID string
	micros    int64
}
