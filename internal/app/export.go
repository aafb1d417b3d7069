package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"sweetwatch/internal/storage"
)

const defaultExportMaxPoints = 288

// Export renders stored readings as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	window, _ := a.Config.ResolveHistory(opts.Window, 0)
	maxPoints := opts.MaxPoints
	if maxPoints <= 0 {
		maxPoints = defaultExportMaxPoints
	}

	// read the whole window, then thin it out evenly
	limit := int(window/time.Minute) + 1
	svc := a.newService(store, nil)
	readings, err := svc.History(ctx, window, limit)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		a.Logger.Info().Msg("no readings found for export window")
		return nil
	}

	chronological := make([]storage.Reading, len(readings))
	for i, reading := range readings {
		chronological[len(readings)-1-i] = reading
	}

	downsampled := downsampleReadings(chronological, maxPoints)
	a.Logger.Info().Int("total", len(readings)).Int("exported", len(downsampled)).Msg("exporting readings")

	if opts.CSVPath != "" {
		if err := a.writeReadingsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeReadingsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleReadings(readings []storage.Reading, max int) []storage.Reading {
	if max <= 0 || len(readings) <= max {
		return readings
	}
	if max == 1 {
		return readings[len(readings)-1:]
	}

	result := make([]storage.Reading, 0, max)
	step := float64(len(readings)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(readings) {
			idx = len(readings) - 1
		}
		result = append(result, readings[idx])
	}
	return result
}

func (a *App) writeReadingsCSV(path string, readings []storage.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "patient_id", "value_mgdl", "value_display", "unit", "trend", "arrow"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, reading := range readings {
		trendCode := ""
		if reading.Trend != nil {
			trendCode = strconv.Itoa(*reading.Trend)
		}
		record := []string{
			reading.Timestamp.UTC().Format(time.RFC3339),
			reading.PatientID,
			strconv.FormatFloat(reading.Value, 'f', -1, 64),
			a.formatValue(reading.Value),
			a.unitLabel(),
			trendCode,
			reading.Arrow(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (a *App) writeReadingsPNG(path string, readings []storage.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(readings))
	values := make([]float64, len(readings))
	for i, reading := range readings {
		x[i] = reading.Timestamp
		values[i] = a.convert(reading.Value).InexactFloat64()
	}

	format := "%.0f"
	if a.mmol() {
		format = "%.1f"
	}
	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, format)
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Glucose (" + a.unitLabel() + ")",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Glucose",
				XValues: x,
				YValues: values,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
