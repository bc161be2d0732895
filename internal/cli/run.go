package cli

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling and dispatch loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one polling cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Poll(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one dispatch cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Dispatch(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
