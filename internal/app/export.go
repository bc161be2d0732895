package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pricewatch/internal/model"
)

// Export renders one item's observation history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.ItemID <= 0 {
		return errors.New("--item must be a positive item id")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	item, err := store.GetItem(ctx, opts.ItemID)
	if err != nil {
		return fmt.Errorf("load item %d: %w", opts.ItemID, err)
	}

	var from time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	observations, err := store.ObservationsSince(ctx, item.ID, from)
	if err != nil {
		return err
	}
	if opts.To != nil {
		observations = observationsBefore(observations, opts.To.UTC())
	}
	if len(observations) == 0 {
		a.Logger.Info().Int64("item_id", item.ID).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleObservations(observations, opts.MaxPoints)
	a.Logger.Info().
		Int64("item_id", item.ID).
		Int("total", len(observations)).
		Int("exported", len(downsampled)).
		Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, item, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func observationsBefore(observations []model.Observation, to time.Time) []model.Observation {
	out := observations[:0:0]
	for _, obs := range observations {
		if obs.CapturedAt.Before(to) {
			out = append(out, obs)
		}
	}
	return out
}

// downsampleObservations keeps max evenly spaced points including both ends.
func downsampleObservations(observations []model.Observation, max int) []model.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]model.Observation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []model.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"captured_at", "price", "in_stock", "stock_count"}); err != nil {
		return err
	}

	for _, obs := range observations {
		count := ""
		if obs.StockCount != nil {
			count = strconv.Itoa(*obs.StockCount)
		}
		record := []string{
			obs.CapturedAt.UTC().Format(time.RFC3339),
			obs.Price.String(),
			strconv.FormatBool(obs.InStock),
			count,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeObservationsPNG(path string, item model.TrackedItem, observations []model.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(observations))
	prices := make([]float64, len(observations))
	stock := make([]float64, len(observations))
	hasCounts := false

	for i, obs := range observations {
		x[i] = obs.CapturedAt
		prices[i] = obs.Price.InexactFloat64()
		if obs.StockCount != nil {
			stock[i] = float64(*obs.StockCount)
			hasCounts = true
		} else if obs.InStock {
			stock[i] = 1
		}
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: prices,
		},
	}
	if item.ThresholdPrice != nil {
		threshold := make([]float64, len(observations))
		for i := range threshold {
			threshold[i] = item.ThresholdPrice.InexactFloat64()
		}
		series = append(series, chart.TimeSeries{
			Name:    "Threshold",
			XValues: x,
			YValues: threshold,
		})
	}
	stockName := "In stock"
	if hasCounts {
		stockName = "Stock count"
	}
	series = append(series, chart.TimeSeries{
		Name:    stockName,
		XValues: x,
		YValues: stock,
		YAxis:   chart.YAxisSecondary,
	})

	title := item.Name
	if title == "" {
		title = item.LookupKey
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price (yen)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: stockName,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
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
