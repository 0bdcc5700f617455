package cli

import (
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile rules against the store once and list active rule ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sync(cmd.Context())
	},
}
