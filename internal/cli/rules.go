package cli

import (
	"github.com/spf13/cobra"

	"cryptoalarm/internal/app"
	"cryptoalarm/internal/rules"
)

var (
	rulesOwner  string
	rulesStatus string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Display rules loaded from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RulesOptions{Owner: rulesOwner}
		if rulesStatus != "" {
			status, err := rules.ParseStatus(rulesStatus)
			if err != nil {
				return err
			}
			opts.Status = status
		}
		return getApp().ShowRules(cmd.Context(), opts)
	},
}

func init() {
	rulesCmd.Flags().StringVar(&rulesOwner, "owner", "", "Only show rules owned by this user id")
	rulesCmd.Flags().StringVar(&rulesStatus, "status", "", "Only show rules in this status (active|triggered|paused|deleted)")
}
