package source

import (
	"context"
	"time"

	"sweetwatch/internal/trend"
)

// Provider names accepted by the factory.
const (
	ProviderLibreLinkUp = "librelinkup"
	ProviderNightscout  = "nightscout"
)

// DefaultPatientID is used when the provider does not expose a patient identity.
const DefaultPatientID = "default"

// Entry is a single reading as reported by a provider, already normalised.
type Entry struct {
	Value     int
	Trend     trend.Trend
	Timestamp time.Time
}

// Source is the capability set every CGM provider adapter implements.
type Source interface {
	// Provider returns the configured provider name.
	Provider() string
	// Current returns the newest reading, or nil when the upstream has none yet.
	Current(ctx context.Context) (*Entry, error)
	// Entries returns up to count recent readings. Order is not guaranteed.
	Entries(ctx context.Context, count int) ([]Entry, error)
	// Close releases the network client. Safe to call more than once.
	Close() error
}

// PatientIdentifier is implemented by adapters that resolve a patient upstream.
type PatientIdentifier interface {
	PatientID() string
}

func latest(entries []Entry) *Entry {
	if len(entries) == 0 {
		return nil
	}
	newest := entries[0]
	for _, e := range entries[1:] {
		if e.Timestamp.After(newest.Timestamp) {
			newest = e
		}
	}
	return &newest
}
