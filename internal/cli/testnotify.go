package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"cryptoalarm/internal/app"
)

var (
	testNotifyChannel     string
	testNotifyDestination string
	testNotifyMessage     string
)

var testNotifyCmd = &cobra.Command{
	Use:   "test-notify",
	Short: "Send one test notification through a configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if testNotifyChannel == "" || testNotifyDestination == "" {
			return errors.New("--channel and --to are required")
		}
		return getApp().TestNotify(cmd.Context(), app.TestNotifyOptions{
			Channel:     testNotifyChannel,
			Destination: testNotifyDestination,
			Message:     testNotifyMessage,
		})
	},
}

func init() {
	testNotifyCmd.Flags().StringVar(&testNotifyChannel, "channel", "", "Channel to test (voice|sms|email|push)")
	testNotifyCmd.Flags().StringVar(&testNotifyDestination, "to", "", "Phone number, email address or device token")
	testNotifyCmd.Flags().StringVar(&testNotifyMessage, "message", "", "Override the test message")
}
