package service

import (
	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/rules"
	"cryptoalarm/internal/symbols"
)

// formatUSD renders a decimal with thousands separators and two decimals.
func formatUSD(d decimal.Decimal) string {
	return "$" + humanize.FormatFloat("#,###.##", d.Round(2).InexactFloat64())
}

// RenderMessage builds the notification text for a firing. A custom rule
// message is used verbatim.
func RenderMessage(norm *symbols.Normalizer, rule rules.Rule, price decimal.Decimal, changePct decimal.NullDecimal) string {
	if rule.Message != "" {
		return rule.Message
	}
	name := norm.DisplayName(rule.Symbol)

	switch rule.Kind {
	case rules.KindPriceTarget:
		verb := "fallen below"
		if rule.Direction == rules.DirectionAbove {
			verb = "risen above"
		}
		return "CryptoAlarm Alert! " + name + " has " + verb + " " + formatUSD(rule.TargetValue) +
			". Current price is " + formatUSD(price) + "."
	case rules.KindPercentageChange:
		if changePct.Valid {
			verb := "decreased"
			if changePct.Decimal.Sign() > 0 {
				verb = "increased"
			}
			return "CryptoAlarm Alert! " + name + " has " + verb + " by " +
				changePct.Decimal.Abs().StringFixed(2) + "% to " + formatUSD(price) + "."
		}
	}
	return "CryptoAlarm Alert! " + name + " target reached at " + formatUSD(price) + "."
}
