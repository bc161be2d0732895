package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pricewatch/internal/app"
	"pricewatch/internal/model"
)

var pruneRetention time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete delivered notifications older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, err := getApp().Prune(cmd.Context(), pruneRetention)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d notifications\n", removed)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var (
	prefsUserID      int64
	prefsEnabled     bool
	prefsMode        string
	prefsHour        int
	prefsMinute      int
	prefsDestination string
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Update a user's delivery preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		if prefsUserID <= 0 {
			return fmt.Errorf("--user must be a positive user id")
		}

		flags := cmd.Flags()
		update := app.PreferenceUpdate{UserID: prefsUserID}
		if flags.Changed("enabled") {
			update.Enabled = &prefsEnabled
		}
		if flags.Changed("mode") {
			mode, err := model.ParseDeliveryMode(prefsMode)
			if err != nil {
				return err
			}
			update.Mode = &mode
		}
		if flags.Changed("hour") {
			update.Hour = &prefsHour
		}
		if flags.Changed("minute") {
			update.Minute = &prefsMinute
		}
		if flags.Changed("destination") {
			update.Destination = &prefsDestination
		}
		return getApp().SetPreference(cmd.Context(), update)
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneRetention, "older-than", 0, "Retention period (defaults to dispatch.retention)")

	prefsCmd.Flags().Int64Var(&prefsUserID, "user", 0, "User id")
	prefsCmd.Flags().BoolVar(&prefsEnabled, "enabled", true, "Whether notifications are delivered")
	prefsCmd.Flags().StringVar(&prefsMode, "mode", "", "immediate or daily_digest")
	prefsCmd.Flags().IntVar(&prefsHour, "hour", 9, "Digest hour in the dispatch timezone")
	prefsCmd.Flags().IntVar(&prefsMinute, "minute", 0, "Digest minute")
	prefsCmd.Flags().StringVar(&prefsDestination, "destination", "", "Email address or chat id")
}
