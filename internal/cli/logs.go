package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptoalarm/internal/app"
)

var (
	logsLimit int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Display recent trigger and notification log rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		if logsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Logs(cmd.Context(), app.LogsOptions{Limit: logsLimit})
	},
}

func init() {
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "Number of rows to display")
}
