package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"pricewatch/internal/model"
	"pricewatch/internal/poller"
)

var (
	trackUserID    int64
	trackURL       string
	trackThreshold string
	trackRegular   string
	trackFlagKind  string
	trackFlagValue string
	trackPriority  string
	trackRestock   bool
	trackLowStock  int
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Start watching an item",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildTrackRequest()
		if err != nil {
			return err
		}
		return getApp().Track(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

var deactivateItemID int64

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Stop watching an item; its history is kept",
	RunE: func(cmd *cobra.Command, args []string) error {
		if deactivateItemID <= 0 {
			return fmt.Errorf("--item must be a positive item id")
		}
		return getApp().Deactivate(cmd.Context(), deactivateItemID)
	},
}

func buildTrackRequest() (poller.TrackRequest, error) {
	if trackUserID <= 0 {
		return poller.TrackRequest{}, fmt.Errorf("--user must be a positive user id")
	}
	if strings.TrimSpace(trackURL) == "" {
		return poller.TrackRequest{}, fmt.Errorf("--url is required")
	}

	req := poller.TrackRequest{
		UserID:        trackUserID,
		LookupKey:     trackURL,
		RestockNotify: trackRestock,
		LowStockLimit: trackLowStock,
	}

	var err error
	if req.ThresholdPrice, err = optionalDecimal("threshold", trackThreshold); err != nil {
		return poller.TrackRequest{}, err
	}
	if req.RegularPrice, err = optionalDecimal("regular", trackRegular); err != nil {
		return poller.TrackRequest{}, err
	}
	if req.FlagValue, err = optionalDecimal("flag-value", trackFlagValue); err != nil {
		return poller.TrackRequest{}, err
	}
	if trackFlagKind != "" {
		if req.FlagKind, err = model.ParseFlagKind(trackFlagKind); err != nil {
			return poller.TrackRequest{}, err
		}
	}
	if trackPriority != "" {
		if req.Priority, err = model.ParsePriority(trackPriority); err != nil {
			return poller.TrackRequest{}, err
		}
	}
	return req, nil
}

func optionalDecimal(flag, raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value %q: %w", flag, raw, err)
	}
	return &d, nil
}

func init() {
	trackCmd.Flags().Int64Var(&trackUserID, "user", 0, "Owner user id")
	trackCmd.Flags().StringVar(&trackURL, "url", "", "Item page URL or search keyword")
	trackCmd.Flags().StringVar(&trackThreshold, "threshold", "", "Notify when the price falls to this value")
	trackCmd.Flags().StringVar(&trackRegular, "regular", "", "Regular price used for percent-off (defaults to current price)")
	trackCmd.Flags().StringVar(&trackFlagKind, "flag-kind", "", "absolute_threshold, percent_off or new_low")
	trackCmd.Flags().StringVar(&trackFlagValue, "flag-value", "", "Percentage for percent_off")
	trackCmd.Flags().StringVar(&trackPriority, "priority", "", "normal or high")
	trackCmd.Flags().BoolVar(&trackRestock, "restock", false, "Notify when the item comes back in stock")
	trackCmd.Flags().IntVar(&trackLowStock, "low-stock", 0, "Low stock threshold for high priority items")

	deactivateCmd.Flags().Int64Var(&deactivateItemID, "item", 0, "Item id to deactivate")
}
