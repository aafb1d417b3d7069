package source

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sweetwatch/internal/trend"
)

const nightscoutEntriesPath = "/api/v1/entries.json"

// NightscoutOptions parameterise the Nightscout adapter.
type NightscoutOptions struct {
	URL       string
	APISecret string
	Timeout   time.Duration
	RateLimit float64
}

// Nightscout reads sensor glucose values from a Nightscout site.
type Nightscout struct {
	baseURL string
	client  *client
	logger  zerolog.Logger
}

// NewNightscout constructs the adapter. The secret is hashed once and sent with every request.
func NewNightscout(opts NightscoutOptions, logger zerolog.Logger) (*Nightscout, error) {
	baseURL, err := normalizeBaseURL(opts.URL)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	if opts.APISecret != "" {
		headers.Set("api-secret", hashSecret(opts.APISecret))
	}

	componentLogger := logger.With().Str("component", "nightscout_source").Logger()

	return &Nightscout{
		baseURL: baseURL,
		client:  newClient(ProviderNightscout, opts.Timeout, opts.RateLimit, headers, componentLogger),
		logger:  componentLogger,
	}, nil
}

// Provider implements Source.
func (n *Nightscout) Provider() string { return ProviderNightscout }

// Current returns the newest reading.
func (n *Nightscout) Current(ctx context.Context) (*Entry, error) {
	entries, err := n.Entries(ctx, 1)
	if err != nil {
		return nil, err
	}
	return latest(entries), nil
}

// Entries returns up to count recent sgv entries, newest first as Nightscout orders them.
func (n *Nightscout) Entries(ctx context.Context, count int) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}

	query := url.Values{}
	query.Set("count", strconv.Itoa(count))
	endpoint := n.baseURL + nightscoutEntriesPath + "?" + query.Encode()

	var records []map[string]any
	if err := n.client.do(ctx, "entries", http.MethodGet, endpoint, nil, nil, &records); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entry, ok := parseNightscoutRecord(record)
		if !ok {
			n.logger.Debug().Interface("record", record).Msg("skipping entry without sgv or date")
			continue
		}
		entries = append(entries, entry)
	}

	if len(entries) > count {
		entries = entries[:count]
	}
	return entries, nil
}

// Close releases the HTTP client.
func (n *Nightscout) Close() error {
	n.client.close()
	return nil
}

func parseNightscoutRecord(record map[string]any) (Entry, bool) {
	raw, ok := record["sgv"]
	if !ok || raw == nil {
		return Entry{}, false
	}
	value, ok := toFloat(raw)
	if !ok {
		return Entry{}, false
	}

	var ts time.Time
	if ms, ok := toFloat(record["date"]); ok && ms > 0 {
		ts = time.UnixMilli(int64(ms)).UTC()
	} else if text, ok := record["dateString"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text)); err == nil {
			ts = parsed.UTC()
		}
	}
	if ts.IsZero() {
		return Entry{}, false
	}

	direction, _ := record["direction"].(string)

	return Entry{
		Value:     int(math.Round(value)),
		Trend:     trend.FromNightscout(direction),
		Timestamp: ts,
	}, true
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", configError("nightscout url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", configError("invalid nightscout url: %v", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", configError("nightscout url must be an absolute http(s) url, got %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// hashSecret is the SHA-1 hex digest Nightscout expects in the api-secret header.
func hashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

var _ Source = (*Nightscout)(nil)
