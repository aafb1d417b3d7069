package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sweetwatch/internal/trend"
)

const (
	testLibreEmail    = "follower@example.com"
	testLibrePassword = "pw"
	testLibreToken    = "tok-1"
	testLibreUser     = "user-1"
	testLibrePatient  = "p-1"
)

// libreFake emulates the three LibreLinkUp endpoints of one region.
type libreFake struct {
	t *testing.T

	login       func() any
	connections []map[string]any
	graph       map[string]any
	// account is the user id the server derives the expected account-id from.
	account string
	// loginGate, when set, holds every login until it is closed.
	loginGate    chan struct{}
	loginStarted chan struct{}

	logins      atomic.Int32
	connectCall atomic.Int32
	graphCalls  atomic.Int32
}

func newLibreFake(t *testing.T) *libreFake {
	return &libreFake{
		t:           t,
		login:       func() any { return libreLoginOK(testLibreUser) },
		connections: []map[string]any{{"patientId": testLibrePatient, "firstName": "Ada", "lastName": "L"}},
		graph:       map[string]any{"status": 0, "data": map[string]any{"graphData": []any{}}},
		account:     testLibreUser,
	}
}

func libreLoginOK(userID string) map[string]any {
	return map[string]any{
		"status": 0,
		"data": map[string]any{
			"user":       map[string]any{"id": userID},
			"authTicket": map[string]any{"token": testLibreToken, "expires": 1900000000, "duration": 15552000000},
		},
	}
}

func libreRedirect(region string) map[string]any {
	return map[string]any{"status": 2, "data": map[string]any{"redirect": true, "region": region}}
}

func (f *libreFake) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testLibreToken &&
		r.Header.Get("account-id") == accountID(f.account)
}

func (f *libreFake) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/llu/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		if f.loginGate != nil {
			select {
			case f.loginStarted <- struct{}{}:
			default:
			}
			<-f.loginGate
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("product") != "llu.android" || r.Header.Get("version") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["email"] != testLibreEmail || body["password"] != testLibrePassword {
			writeJSON(w, map[string]any{"status": 2, "error": map[string]any{"message": "notAuthenticated"}})
			return
		}
		writeJSON(w, f.login())
	})
	mux.HandleFunc("/llu/connections", func(w http.ResponseWriter, r *http.Request) {
		f.connectCall.Add(1)
		if !f.authorized(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]any{"status": 0, "data": f.connections})
	})
	mux.HandleFunc("/llu/connections/"+testLibrePatient+"/graph", func(w http.ResponseWriter, r *http.Request) {
		f.graphCalls.Add(1)
		if !f.authorized(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, f.graph)
	})
	srv := httptest.NewServer(mux)
	f.t.Cleanup(srv.Close)
	return srv
}

func newTestLibre(t *testing.T, endpoints map[string]string) *LibreLinkUp {
	t.Helper()
	llu, err := NewLibreLinkUp(LibreLinkUpOptions{
		Username:  testLibreEmail,
		Password:  testLibrePassword,
		Region:    "eu",
		Timeout:   2 * time.Second,
		Endpoints: endpoints,
	}, noopLogger())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	t.Cleanup(func() { _ = llu.Close() })
	return llu
}

func TestLibreLinkUpEntries(t *testing.T) {
	fake := newLibreFake(t)
	fake.graph = map[string]any{
		"status": 0,
		"data": map[string]any{
			"connection": map[string]any{
				"glucoseMeasurement": map[string]any{"ValueInMgPerDl": 131, "FactoryTimestamp": "1/2/2024 10:15:00 AM", "TrendArrow": 5},
			},
			"graphData": []any{
				map[string]any{"ValueInMgPerDl": 100, "FactoryTimestamp": "1/2/2024 10:00:00 AM"},
				map[string]any{"ValueInMgPerDl": 112, "FactoryTimestamp": "1/2/2024 10:05:00 AM"},
				map[string]any{"ValueInMgPerDl": 125, "FactoryTimestamp": "1/2/2024 10:10:00 AM"},
			},
		},
	}
	srv := fake.server()
	llu := newTestLibre(t, map[string]string{"EU": srv.URL})

	if llu.PatientID() != "" {
		t.Fatal("patient should be unknown before the first call")
	}

	entries, err := llu.Entries(context.Background(), 3)
	if err != nil {
		t.Fatalf("Entries 不应报错: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected the 3 most recent points, got %d", len(entries))
	}
	if entries[0].Value != 112 {
		t.Fatalf("oldest retained point should be 112, got %+v", entries[0])
	}
	if entries[0].Trend != trend.Unknown {
		t.Fatalf("graph point without trend should be UNKNOWN, got %s", entries[0].Trend)
	}

	live := entries[2]
	if live.Value != 131 || live.Trend != trend.RisingFast {
		t.Fatalf("live measurement not appended: %+v", live)
	}
	if want := time.Date(2024, 1, 2, 10, 15, 0, 0, time.UTC); !live.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s, want %s", live.Timestamp, want)
	}
	if llu.PatientID() != testLibrePatient {
		t.Fatalf("PatientID() = %q", llu.PatientID())
	}

	if _, err := llu.Current(context.Background()); err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got := fake.logins.Load(); got != 1 {
		t.Fatalf("session should be reused, logins = %d", got)
	}
	if got := fake.connectCall.Load(); got != 1 {
		t.Fatalf("patient should be resolved once, connection calls = %d", got)
	}
}

func TestLibreLinkUpLegacyFieldNames(t *testing.T) {
	fake := newLibreFake(t)
	fake.graph = map[string]any{
		"status": 0,
		"data": map[string]any{
			"graphData": []any{
				map[string]any{"value": 88, "timestamp": "2024-01-02T10:00:00Z", "trend": "falling"},
				map[string]any{"Value": "91", "Timestamp": "2024-01-02 10:05:00", "trendArrow": 3},
			},
		},
	}
	srv := fake.server()
	llu := newTestLibre(t, map[string]string{"EU": srv.URL})

	entries, err := llu.Entries(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Value != 88 || entries[0].Trend != trend.Falling {
		t.Fatalf("legacy fields not parsed: %+v", entries[0])
	}
	if entries[1].Value != 91 || entries[1].Trend != trend.Stable {
		t.Fatalf("mixed fields not parsed: %+v", entries[1])
	}
	if want := time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC); !entries[1].Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s", entries[1].Timestamp)
	}
}

func TestLibreLinkUpMissingTimestampUsesNow(t *testing.T) {
	fake := newLibreFake(t)
	fake.graph = map[string]any{
		"status": 0,
		"data": map[string]any{
			"graphData": []any{map[string]any{"ValueInMgPerDl": 140}},
		},
	}
	srv := fake.server()
	llu := newTestLibre(t, map[string]string{"EU": srv.URL})
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	llu.now = func() time.Time { return fixed }

	entries, err := llu.Entries(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].Timestamp.Equal(fixed) {
		t.Fatalf("expected fallback timestamp, got %+v", entries)
	}
}

func TestLibreLinkUpRegionRedirect(t *testing.T) {
	eu := newLibreFake(t)
	eu.login = func() any { return libreRedirect("us") }
	us := newLibreFake(t)

	euSrv := eu.server()
	usSrv := us.server()
	llu := newTestLibre(t, map[string]string{"EU": euSrv.URL, "US": usSrv.URL})

	if _, err := llu.Entries(context.Background(), 1); err != nil {
		t.Fatalf("redirect should be followed once: %v", err)
	}
	if eu.logins.Load() != 1 || us.logins.Load() != 1 {
		t.Fatalf("unexpected login calls eu=%d us=%d", eu.logins.Load(), us.logins.Load())
	}
	if us.graphCalls.Load() != 1 || eu.graphCalls.Load() != 0 {
		t.Fatal("data calls should go to the redirected region")
	}
}

func TestLibreLinkUpRedirectLoop(t *testing.T) {
	eu := newLibreFake(t)
	eu.login = func() any { return libreRedirect("US") }
	us := newLibreFake(t)
	us.login = func() any { return libreRedirect("EU") }

	llu := newTestLibre(t, map[string]string{"EU": eu.server().URL, "US": us.server().URL})

	_, err := llu.Entries(context.Background(), 1)
	if !errors.Is(err, ErrRedirectLoop) {
		t.Fatalf("expected ErrRedirectLoop, got %v", err)
	}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatal("redirect loop should be retryable")
	}
	if eu.logins.Load()+us.logins.Load() != 2 {
		t.Fatal("login should be attempted exactly twice")
	}
}

func TestLibreLinkUpTermsOfUse(t *testing.T) {
	fake := newLibreFake(t)
	fake.login = func() any {
		return map[string]any{"status": 4, "data": map[string]any{"step": map[string]any{"type": "tou"}}}
	}
	llu := newTestLibre(t, map[string]string{"EU": fake.server().URL})

	_, err := llu.Entries(context.Background(), 1)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if llu.PatientID() != "" {
		t.Fatal("patient must stay unresolved")
	}
	if fake.connectCall.Load() != 0 {
		t.Fatal("connections must not be requested after a failed login")
	}
}

func TestLibreLinkUpBadCredentials(t *testing.T) {
	fake := newLibreFake(t)
	srv := fake.server()

	llu, err := NewLibreLinkUp(LibreLinkUpOptions{
		Username:  testLibreEmail,
		Password:  "wrong",
		Endpoints: map[string]string{"EU": srv.URL},
	}, noopLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := llu.Entries(context.Background(), 1); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestLibreLinkUpNoConnections(t *testing.T) {
	fake := newLibreFake(t)
	fake.connections = []map[string]any{}
	llu := newTestLibre(t, map[string]string{"EU": fake.server().URL})

	_, err := llu.Entries(context.Background(), 1)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("no linked patient should be ErrAuthentication, got %v", err)
	}
	if fake.graphCalls.Load() != 0 {
		t.Fatal("graph must not be requested without a patient")
	}
}

func TestLibreLinkUpAccountIDMismatch(t *testing.T) {
	fake := newLibreFake(t)
	fake.account = "someone-else"
	llu := newTestLibre(t, map[string]string{"EU": fake.server().URL})

	_, err := llu.Entries(context.Background(), 1)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("rejected data call should be ErrUpstreamUnavailable, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
}

func TestLibreLinkUpConcurrentFirstCalls(t *testing.T) {
	fake := newLibreFake(t)
	llu := newTestLibre(t, map[string]string{"EU": fake.server().URL})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := llu.Entries(context.Background(), 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent Entries failed: %v", err)
	}
	if got := fake.logins.Load(); got != 1 {
		t.Fatalf("concurrent callers should share one login, got %d", got)
	}
}

func TestLibreLinkUpHandshakeSurvivesCancelledCaller(t *testing.T) {
	fake := newLibreFake(t)
	fake.loginGate = make(chan struct{})
	fake.loginStarted = make(chan struct{}, 1)
	var once sync.Once
	release := func() { once.Do(func() { close(fake.loginGate) }) }

	llu := newTestLibre(t, map[string]string{"EU": fake.server().URL})
	t.Cleanup(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := llu.Entries(ctx, 1)
		first <- err
	}()

	select {
	case <-fake.loginStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("login was never attempted")
	}

	second := make(chan error, 1)
	go func() {
		_, err := llu.Entries(context.Background(), 1)
		second <- err
	}()

	cancel()
	select {
	case err := <-first:
		if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller should see a cancelled upstream error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	// let the second caller join the in-flight handshake
	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second caller should complete the shared handshake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	if got := fake.logins.Load(); got != 1 {
		t.Fatalf("expected one shared login, got %d", got)
	}
}

func TestNewLibreLinkUpValidation(t *testing.T) {
	cases := map[string]LibreLinkUpOptions{
		"missing username": {Password: "pw"},
		"missing password": {Username: testLibreEmail},
		"unknown region":   {Username: testLibreEmail, Password: "pw", Region: "MARS"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewLibreLinkUp(opts, noopLogger()); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestAccountIDIsSHA256Hex(t *testing.T) {
	got := accountID("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("accountID = %s", got)
	}
}
