package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"cryptoalarm/internal/app"
	"cryptoalarm/internal/rules"
)

var (
	simulateSymbol      string
	simulateKind        string
	simulateDirection   string
	simulateTarget      string
	simulatePrices      []string
	simulateChannel     string
	simulateDestination string
	simulateMessage     string
	simulateRecurring   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "用一条临时规则回放价格序列并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" || simulateTarget == "" {
			return errors.New("--symbol 与 --target 必须设置")
		}
		if len(simulatePrices) == 0 {
			return errors.New("--price 至少设置一次")
		}
		kind, err := rules.ParseKind(simulateKind)
		if err != nil {
			return err
		}
		direction, err := rules.ParseDirection(simulateDirection)
		if err != nil {
			return err
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:      simulateSymbol,
			Kind:        kind,
			Direction:   direction,
			Target:      simulateTarget,
			Prices:      simulatePrices,
			Channel:     simulateChannel,
			Destination: simulateDestination,
			Message:     simulateMessage,
			Recurring:   simulateRecurring,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "资产符号，例如 BTC 或 BTCUSDT")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(rules.KindPriceTarget), "规则类型 price_target|percentage_change")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", string(rules.DirectionAbove), "方向 above|below|both")
	simulateCmd.Flags().StringVar(&simulateTarget, "target", "", "目标价格或百分比")
	simulateCmd.Flags().StringSliceVar(&simulatePrices, "price", nil, "按顺序回放的价格，可重复")
	simulateCmd.Flags().StringVar(&simulateChannel, "channel", "", "通知通道 voice|sms|email|push")
	simulateCmd.Flags().StringVar(&simulateDestination, "to", "", "通知目标")
	simulateCmd.Flags().StringVar(&simulateMessage, "message", "", "自定义告警文案")
	simulateCmd.Flags().BoolVar(&simulateRecurring, "recurring", false, "触发后保持激活")
}
