package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"sweetwatch/internal/trend"
)

const (
	defaultLibreRegion  = "EU"
	defaultLibreVersion = "4.12.0"
	defaultLibreProduct = "llu.android"

	// login, one region redirect, connections
	handshakeRequests = 3

	libreStatusOK          = 0
	libreStatusTermsOfUse  = 4
	libreLoginPath         = "/llu/auth/login"
	libreConnectionsPath   = "/llu/connections"
	libreGraphPathTemplate = "/llu/connections/%s/graph"
)

// LibreView regional API hosts.
var libreRegions = map[string]string{
	"AE":  "https://api-ae.libreview.io",
	"AP":  "https://api-ap.libreview.io",
	"AU":  "https://api-au.libreview.io",
	"CA":  "https://api-ca.libreview.io",
	"DE":  "https://api-de.libreview.io",
	"EU":  "https://api-eu.libreview.io",
	"EU2": "https://api-eu2.libreview.io",
	"FR":  "https://api-fr.libreview.io",
	"JP":  "https://api-jp.libreview.io",
	"LA":  "https://api-la.libreview.io",
	"RU":  "https://api.libreview.ru",
	"US":  "https://api-us.libreview.io",
}

// Field names have shifted across API versions; earlier entries win.
var (
	libreValueFields = []string{"ValueInMgPerDl", "Value", "value"}
	libreTimeFields  = []string{"FactoryTimestamp", "Timestamp", "timestamp"}
	libreTrendFields = []string{"TrendArrow", "trendArrow", "trend"}
)

var libreTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"1/2/2006 3:04:05 PM",
}

// LibreLinkUpOptions parameterise the LibreLinkUp adapter.
type LibreLinkUpOptions struct {
	Username      string
	Password      string
	Region        string
	ClientVersion string
	Product       string
	Timeout       time.Duration
	RateLimit     float64
	// Endpoints overrides the region to base URL table.
	Endpoints map[string]string
}

// LibreLinkUp reads a follower account's first connection from LibreView.
type LibreLinkUp struct {
	opts      LibreLinkUpOptions
	endpoints map[string]string
	client    *client
	logger    zerolog.Logger
	now       func() time.Time

	auth singleflight.Group

	mu        sync.Mutex
	baseURL   string
	token     string
	accountID string
	patientID string
}

// NewLibreLinkUp constructs the adapter. No network I/O happens until the first data call.
func NewLibreLinkUp(opts LibreLinkUpOptions, logger zerolog.Logger) (*LibreLinkUp, error) {
	if strings.TrimSpace(opts.Username) == "" || opts.Password == "" {
		return nil, configError("librelinkup username and password are required")
	}

	endpoints := opts.Endpoints
	if len(endpoints) == 0 {
		endpoints = libreRegions
	}

	region := strings.ToUpper(strings.TrimSpace(opts.Region))
	if region == "" {
		region = defaultLibreRegion
	}
	baseURL, ok := endpoints[region]
	if !ok {
		return nil, configError("unknown librelinkup region %q", opts.Region)
	}

	if opts.ClientVersion == "" {
		opts.ClientVersion = defaultLibreVersion
	}
	if opts.Product == "" {
		opts.Product = defaultLibreProduct
	}

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("Content-Type", "application/json")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("product", opts.Product)
	headers.Set("version", opts.ClientVersion)

	componentLogger := logger.With().Str("component", "librelinkup_source").Logger()

	return &LibreLinkUp{
		opts:      opts,
		endpoints: endpoints,
		client:    newClient(ProviderLibreLinkUp, opts.Timeout, opts.RateLimit, headers, componentLogger),
		logger:    componentLogger,
		now:       time.Now,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}, nil
}

// Provider implements Source.
func (l *LibreLinkUp) Provider() string { return ProviderLibreLinkUp }

// PatientID returns the resolved patient connection, empty before authentication.
func (l *LibreLinkUp) PatientID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.patientID
}

// Current returns the newest reading.
func (l *LibreLinkUp) Current(ctx context.Context) (*Entry, error) {
	entries, err := l.Entries(ctx, 1)
	if err != nil {
		return nil, err
	}
	return latest(entries), nil
}

// Entries returns up to count of the most recent graph points, oldest first.
func (l *LibreLinkUp) Entries(ctx context.Context, count int) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}
	if err := l.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	baseURL, headers, patientID := l.authorized()

	var resp libreGraphResponse
	endpoint := baseURL + fmt.Sprintf(libreGraphPathTemplate, url.PathEscape(patientID))
	if err := l.client.do(ctx, "graph", http.MethodGet, endpoint, nil, headers, &resp); err != nil {
		return nil, err
	}
	if resp.Status != libreStatusOK {
		return nil, l.client.fail("graph", ErrUpstreamUnavailable, fmt.Errorf("status %d", resp.Status))
	}

	items := resp.Data.GraphData
	if live := resp.Data.Connection.GlucoseMeasurement; len(live) > 0 {
		items = append(items, live)
	}

	entries := make([]Entry, 0, len(items))
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		entry := l.parseItem(item)
		key := entry.Timestamp.UnixMicro()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, entry)
	}

	if len(entries) > count {
		entries = entries[len(entries)-count:]
	}
	return entries, nil
}

// Close releases the HTTP client.
func (l *LibreLinkUp) Close() error {
	l.client.close()
	return nil
}

func (l *LibreLinkUp) authenticated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token != "" && l.patientID != ""
}

func (l *LibreLinkUp) authorized() (string, http.Header, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+l.token)
	headers.Set("account-id", l.accountID)
	return l.baseURL, headers, l.patientID
}

// ensureAuthenticated logs in and resolves the patient on first use.
// Concurrent first callers share a single handshake. It ignores the starting
// caller's cancellation and is bounded by handshakeRequests request timeouts.
func (l *LibreLinkUp) ensureAuthenticated(ctx context.Context) error {
	if l.authenticated() {
		return nil
	}

	ch := l.auth.DoChan("auth", func() (any, error) {
		if l.authenticated() {
			return nil, nil
		}

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handshakeRequests*l.client.http.Timeout)
		defer cancel()

		l.mu.Lock()
		needLogin := l.token == ""
		l.mu.Unlock()

		if needLogin {
			if err := l.login(hctx); err != nil {
				return nil, err
			}
		}
		return nil, l.resolvePatient(hctx)
	})

	select {
	case <-ctx.Done():
		return l.client.fail("login", ErrUpstreamUnavailable, ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

func (l *LibreLinkUp) login(ctx context.Context) error {
	l.mu.Lock()
	baseURL := l.baseURL
	l.mu.Unlock()

	body := libreLoginRequest{Email: l.opts.Username, Password: l.opts.Password}

	for redirected := false; ; redirected = true {
		var resp libreLoginResponse
		if err := l.client.do(ctx, "login", http.MethodPost, baseURL+libreLoginPath, body, nil, &resp); err != nil {
			return err
		}

		if resp.Data.Redirect {
			if redirected {
				return l.client.fail("login", ErrRedirectLoop, fmt.Errorf("redirected again to region %q", resp.Data.Region))
			}
			region := strings.ToUpper(strings.TrimSpace(resp.Data.Region))
			next, ok := l.endpoints[region]
			if !ok {
				return l.client.fail("login", ErrUpstreamUnavailable, fmt.Errorf("redirect to unknown region %q", resp.Data.Region))
			}
			baseURL = strings.TrimRight(next, "/")
			l.logger.Info().Str("region", region).Msg("login redirected to regional endpoint")
			continue
		}

		switch resp.Status {
		case libreStatusOK:
		case libreStatusTermsOfUse:
			return l.client.fail("login", ErrAuthentication, fmt.Errorf("terms of use must be accepted in the LibreLinkUp app (step %q)", resp.Data.Step.Type))
		default:
			return l.client.fail("login", ErrAuthentication, fmt.Errorf("login rejected with status %d %s", resp.Status, resp.Error.Message))
		}

		token := resp.Data.AuthTicket.Token
		userID := resp.Data.User.ID
		if token == "" || userID == "" {
			return l.client.fail("login", ErrUpstreamUnavailable, fmt.Errorf("login response missing token or user id"))
		}

		l.mu.Lock()
		l.baseURL = baseURL
		l.token = token
		l.accountID = accountID(userID)
		l.mu.Unlock()

		l.logger.Info().Msg("authenticated with LibreLinkUp")
		return nil
	}
}

func (l *LibreLinkUp) resolvePatient(ctx context.Context) error {
	baseURL, headers, _ := l.authorized()

	var resp libreConnectionsResponse
	if err := l.client.do(ctx, "connections", http.MethodGet, baseURL+libreConnectionsPath, nil, headers, &resp); err != nil {
		return err
	}
	if resp.Status != libreStatusOK {
		return l.client.fail("connections", ErrUpstreamUnavailable, fmt.Errorf("status %d", resp.Status))
	}
	if len(resp.Data) == 0 || resp.Data[0].PatientID == "" {
		return l.client.fail("connections", ErrAuthentication, fmt.Errorf("no patient connection linked to this account"))
	}

	l.mu.Lock()
	l.patientID = resp.Data[0].PatientID
	l.mu.Unlock()

	l.logger.Info().Int("connections", len(resp.Data)).Msg("patient connection resolved")
	return nil
}

func (l *LibreLinkUp) parseItem(item map[string]any) Entry {
	entry := Entry{Trend: trend.Unknown}

	if raw, ok := firstField(item, libreValueFields); ok {
		if value, ok := toFloat(raw); ok {
			entry.Value = int(math.Round(value))
		}
	}
	if entry.Value == 0 {
		l.logger.Warn().Interface("item", item).Msg("graph item without a readable glucose value")
	}

	if raw, ok := firstField(item, libreTimeFields); ok {
		if ts, ok := parseLibreTime(raw); ok {
			entry.Timestamp = ts
		}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
		l.logger.Warn().Interface("item", item).Msg("graph item without a readable timestamp; using current time")
	}

	if raw, ok := firstField(item, libreTrendFields); ok {
		entry.Trend = trend.FromLibreLinkUp(raw)
	}

	return entry
}

func firstField(item map[string]any, names []string) (any, bool) {
	for _, name := range names {
		if raw, ok := item[name]; ok && raw != nil {
			return raw, true
		}
	}
	return nil, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func parseLibreTime(raw any) (time.Time, bool) {
	text, ok := raw.(string)
	if !ok {
		if ms, ok := toFloat(raw); ok && ms > 0 {
			return time.UnixMilli(int64(ms)).UTC(), true
		}
		return time.Time{}, false
	}

	text = strings.TrimSpace(text)
	for _, layout := range libreTimeLayouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// accountID derives the account-id header from the LibreView user id.
func accountID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

type libreLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type libreLoginResponse struct {
	Status int `json:"status"`
	Data   struct {
		Redirect bool   `json:"redirect"`
		Region   string `json:"region"`
		User     struct {
			ID string `json:"id"`
		} `json:"user"`
		AuthTicket struct {
			Token   string `json:"token"`
			Expires int64  `json:"expires"`
		} `json:"authTicket"`
		Step struct {
			Type string `json:"type"`
		} `json:"step"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type libreConnectionsResponse struct {
	Status int `json:"status"`
	Data   []struct {
		PatientID string `json:"patientId"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"data"`
}

type libreGraphResponse struct {
	Status int `json:"status"`
	Data   struct {
		Connection struct {
			GlucoseMeasurement map[string]any `json:"glucoseMeasurement"`
		} `json:"connection"`
		GraphData []map[string]any `json:"graphData"`
	} `json:"data"`
}

var (
	_ Source            = (*LibreLinkUp)(nil)
	_ PatientIdentifier = (*LibreLinkUp)(nil)
)
