package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"sweetwatch/internal/source"
	"sweetwatch/internal/storage"
	"sweetwatch/internal/trend"
)

var mgdlPerMmol = decimal.RequireFromString("18.0182")

// Sync runs one fetch-and-store now and prints the new readings.
// Upstream errors are returned to the caller.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.newService(store, nil)
	defer svc.Close()

	count := opts.Count
	if count <= 0 {
		count = a.Config.Scheduler.FetchCount
	}

	inserted, err := svc.FetchAndStore(ctx, count)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if len(inserted) == 0 {
		fmt.Fprintln(a.Out, "no new readings")
		return nil
	}

	fmt.Fprintf(a.Out, "stored %d new readings\n", len(inserted))
	return a.printReadings(a.Out, inserted)
}

// Current prints the newest stored reading.
func (a *App) Current(ctx context.Context) error {
	store, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := a.newService(store, nil)
	reading, err := svc.Current(ctx)
	if err != nil {
		return err
	}
	if reading == nil {
		fmt.Fprintln(a.Out, "no readings stored yet")
		return nil
	}

	age := time.Since(reading.Timestamp).Round(time.Second)
	fmt.Fprintf(a.Out, "%s %s %s (%s ago, %s)\n",
		a.formatValue(reading.Value),
		a.unitLabel(),
		reading.Arrow(),
		age,
		reading.Timestamp.UTC().Format(time.RFC3339),
	)
	return nil
}

// History prints stored readings within the trailing window, newest first.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	window, limit := a.Config.ResolveHistory(opts.Window, opts.Limit)

	svc := a.newService(store, nil)
	readings, err := svc.History(ctx, window, limit)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		fmt.Fprintln(a.Out, "no readings found")
		return nil
	}
	return a.printReadings(a.Out, readings)
}

// Probe fetches live entries from the provider without storing them.
func (a *App) Probe(ctx context.Context, opts ProbeOptions) error {
	svc := a.newService(storage.NewMemoryStore(), nil)
	defer svc.Close()

	count := opts.Count
	if count <= 0 {
		count = 1
	}

	entries, err := svc.Probe(ctx, count)
	if err != nil {
		return fmt.Errorf("probe %s: %w", a.Config.Source.Provider, err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "provider returned no entries")
		return nil
	}
	return a.printEntries(a.Out, entries)
}

func (a *App) printReadings(w io.Writer, readings []storage.Reading) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Time (UTC)\t%s\tTrend\tPatient\n", a.unitLabel())
	for _, reading := range readings {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			reading.Timestamp.UTC().Format(time.RFC3339),
			a.formatValue(reading.Value),
			reading.Arrow(),
			sanitizeInline(reading.PatientID),
		)
	}
	return writer.Flush()
}

func (a *App) printEntries(w io.Writer, entries []source.Entry) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Time (UTC)\t%s\tTrend\t\n", a.unitLabel())
	for _, entry := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			entry.Timestamp.UTC().Format(time.RFC3339),
			a.formatValue(float64(entry.Value)),
			trendArrow(entry.Trend),
			entry.Trend,
		)
	}
	return writer.Flush()
}

func trendArrow(t trend.Trend) string {
	code, ok := t.Code()
	if !ok {
		return trend.Arrow(nil)
	}
	return trend.Arrow(&code)
}

func (a *App) mmol() bool {
	return strings.EqualFold(a.Config.Display.Units, "mmol")
}

func (a *App) unitLabel() string {
	if a.mmol() {
		return "mmol/L"
	}
	return "mg/dL"
}

// formatValue renders a mg/dL value in the configured display unit.
func (a *App) formatValue(mgdl float64) string {
	return formatDecimal(a.convert(mgdl), a.places())
}

func (a *App) convert(mgdl float64) decimal.Decimal {
	value := decimal.NewFromFloat(mgdl)
	if a.mmol() {
		return value.Div(mgdlPerMmol)
	}
	return value
}

func (a *App) places() int32 {
	if a.mmol() {
		return 1
	}
	return 0
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
