package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sweetwatch/internal/config"
	"sweetwatch/internal/source"
	"sweetwatch/internal/storage"
)

func testApp(t *testing.T, mutate func(cfg *config.Config)) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{
			Policy:        "adaptive",
			QuietInterval: 3 * time.Minute,
			AlertInterval: time.Minute,
			FetchCount:    50,
		},
		Source: config.SourceConfig{
			Provider:       "nightscout",
			RequestTimeout: 2 * time.Second,
		},
		Display: config.DisplayConfig{
			Units:         "mgdl",
			HistoryWindow: 24 * time.Hour,
			HistoryLimit:  288,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	buf := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = buf
	return a, buf
}

func nightscoutServer(t *testing.T, status int, records []map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(records)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFormatValueUnits(t *testing.T) {
	a, _ := testApp(t, nil)
	if got := a.formatValue(123); got != "123" {
		t.Fatalf("mg/dL 格式不正确: %s", got)
	}
	if a.unitLabel() != "mg/dL" {
		t.Fatalf("unexpected label %s", a.unitLabel())
	}

	a.Config.Display.Units = "mmol"
	cases := map[float64]string{180: "10.0", 100: "5.5", 54: "3.0"}
	for mgdl, want := range cases {
		if got := a.formatValue(mgdl); got != want {
			t.Fatalf("%v mg/dL → %s mmol/L, want %s", mgdl, got, want)
		}
	}
}

func TestDownsampleReadings(t *testing.T) {
	readings := make([]storage.Reading, 10)
	for i := range readings {
		readings[i] = storage.Reading{ID: int64(i)}
	}

	got := downsampleReadings(readings, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if got[0].ID != 0 || got[3].ID != 9 {
		t.Fatalf("endpoints should be kept: %v %v", got[0].ID, got[3].ID)
	}
	if len(downsampleReadings(readings, 20)) != 10 {
		t.Fatal("short series should be returned unchanged")
	}
}

func TestWriteReadingsCSV(t *testing.T) {
	a, _ := testApp(t, nil)
	path := filepath.Join(t.TempDir(), "out", "readings.csv")
	code := 5
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	err := a.writeReadingsCSV(path, []storage.Reading{
		{PatientID: "default", Value: 140, Trend: &code, Timestamp: ts},
		{PatientID: "default", Value: 150, Timestamp: ts.Add(5 * time.Minute)},
	})
	if err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[1][0] != "2024-01-02T10:00:00Z" || rows[1][2] != "140" || rows[1][5] != "5" || rows[1][6] != "↑↑" {
		t.Fatalf("unexpected first row: %v", rows[1])
	}
	if rows[2][5] != "" || rows[2][6] != "?" {
		t.Fatalf("unknown trend should be blank with '?', got %v", rows[2])
	}
}

func TestSyncStoresAndPrints(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Minute)
	srv := nightscoutServer(t, http.StatusOK, []map[string]any{
		{"sgv": 142, "direction": "FortyFiveUp", "date": now.UnixMilli()},
		{"sgv": 135, "direction": "Flat", "date": now.Add(-5 * time.Minute).UnixMilli()},
	})
	a, out := testApp(t, func(cfg *config.Config) {
		cfg.Source.Nightscout.URL = srv.URL
	})

	if err := a.Sync(context.Background(), SyncOptions{Count: 10}); err != nil {
		t.Fatalf("Sync 不应报错: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "stored 2 new readings") {
		t.Fatalf("unexpected output: %s", text)
	}
	if !strings.Contains(text, "142") || !strings.Contains(text, "↑") {
		t.Fatalf("reading row missing: %s", text)
	}
}

func TestSyncSurfacesUpstreamErrors(t *testing.T) {
	srv := nightscoutServer(t, http.StatusInternalServerError, nil)
	a, _ := testApp(t, func(cfg *config.Config) {
		cfg.Source.Nightscout.URL = srv.URL
	})

	err := a.Sync(context.Background(), SyncOptions{})
	if !errors.Is(err, source.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestProbePrintsLiveEntries(t *testing.T) {
	srv := nightscoutServer(t, http.StatusOK, []map[string]any{
		{"sgv": 88, "direction": "SingleDown", "date": time.Now().UnixMilli()},
	})
	a, out := testApp(t, func(cfg *config.Config) {
		cfg.Source.Nightscout.URL = srv.URL
	})

	if err := a.Probe(context.Background(), ProbeOptions{Count: 1}); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !strings.Contains(out.String(), "88") || !strings.Contains(out.String(), "FALLING") {
		t.Fatalf("unexpected probe output: %s", out.String())
	}
}

func TestReadCommandsRequireDatabase(t *testing.T) {
	a, _ := testApp(t, nil)
	ctx := context.Background()

	if err := a.Current(ctx); !errors.Is(err, errNoDatabase) {
		t.Fatalf("current without dsn: %v", err)
	}
	if err := a.History(ctx, HistoryOptions{}); !errors.Is(err, errNoDatabase) {
		t.Fatalf("history without dsn: %v", err)
	}
	if err := a.Export(ctx, ExportOptions{CSVPath: "x.csv"}); !errors.Is(err, errNoDatabase) {
		t.Fatalf("export without dsn: %v", err)
	}
	if err := a.Migrate(ctx); !errors.Is(err, errNoDatabase) {
		t.Fatalf("migrate without dsn: %v", err)
	}
	if err := a.Export(ctx, ExportOptions{}); err == nil {
		t.Fatal("export without outputs should fail")
	}
}

func TestRunFailsFastOnInvalidSource(t *testing.T) {
	a, _ := testApp(t, func(cfg *config.Config) {
		cfg.Source.Provider = "dexcom"
	})

	if err := a.Run(context.Background()); !errors.Is(err, source.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNewNotifier(t *testing.T) {
	a, _ := testApp(t, nil)
	if a.newNotifier() != nil {
		t.Fatal("disabled alerting should not build a notifier")
	}
	a.Config.Alerting.Enabled = true
	if a.newNotifier() == nil {
		t.Fatal("enabled alerting should fall back to the log notifier")
	}
}
