package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var exportOpts app.ExportOptions

var exportFrom, exportTo string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an item's price history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := exportOpts

		var err error
		if opts.From, err = parseTimestamp("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimestamp("to", exportTo); err != nil {
			return err
		}
		if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parseTimestamp(flag, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return &ts, nil
}

func init() {
	flags := exportCmd.Flags()
	flags.Int64Var(&exportOpts.ItemID, "item", 0, "Item id to export")
	flags.StringVar(&exportFrom, "from", "", "Start timestamp, RFC3339 and inclusive")
	flags.StringVar(&exportTo, "to", "", "End timestamp, RFC3339 and exclusive")
	flags.StringVar(&exportOpts.PNGPath, "png", "", "Write a PNG chart to this path")
	flags.StringVar(&exportOpts.CSVPath, "csv", "", "Write CSV rows to this path")
	flags.IntVar(&exportOpts.MaxPoints, "max-points", 0, "Cap on exported points; 0 uses export.max_data_points")
	_ = exportCmd.MarkFlagRequired("item")
}
