package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptoalarm/internal/symbols"
)

var hundred = decimal.NewFromInt(100)

// Decision is the outcome of evaluating one rule against one sample.
type Decision struct {
	// Matched is false when the sample symbol is for another asset.
	Matched bool
	// Arm asks the caller to record the sample price as baseline.
	Arm bool
	// Fire asks the caller to record a firing.
	Fire bool
	// ChangePct is set for percentage rules with a usable baseline.
	ChangePct decimal.NullDecimal
	// Anomaly is a non-fatal reason the rule could not be evaluated.
	Anomaly error
}

// Evaluator decides whether a rule fires for a price sample. It never
// mutates the rule it is given.
type Evaluator struct {
	norm     *symbols.Normalizer
	cooldown time.Duration
}

// NewEvaluator builds an evaluator. A zero cooldown lets recurring rules
// fire on every qualifying sample.
func NewEvaluator(norm *symbols.Normalizer, cooldown time.Duration) *Evaluator {
	if norm == nil {
		norm = symbols.Default()
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &Evaluator{norm: norm, cooldown: cooldown}
}

// Cooldown returns the recurring-rule quiet period.
func (e *Evaluator) Cooldown() time.Duration {
	return e.cooldown
}

// Decide evaluates rule against (symbol, price) observed at now.
func (e *Evaluator) Decide(rule Rule, symbol string, price decimal.Decimal, now time.Time) Decision {
	if !e.norm.Same(symbol, rule.Symbol) {
		return Decision{}
	}
	d := Decision{Matched: true}
	if rule.Status != StatusActive {
		return d
	}

	switch rule.Kind {
	case KindPriceTarget:
		d.Fire = priceTargetMet(rule.Direction, price, rule.TargetValue)
	case KindPercentageChange:
		if !rule.Armed() {
			d.Arm = true
			return d
		}
		base := rule.BaselinePrice.Decimal
		if base.IsZero() {
			d.Anomaly = ErrZeroBaseline
			return d
		}
		pct := price.Sub(base).Div(base).Mul(hundred)
		d.ChangePct = decimal.NewNullDecimal(pct)
		d.Fire = percentageMet(rule.Direction, pct, rule.TargetValue)
	default:
		// volume and technical indicators are reserved
		return d
	}

	if d.Fire && e.coolingDown(rule, now) {
		d.Fire = false
	}
	return d
}

// Matches reports whether rule would fire for (symbol, price). An unarmed
// percentage rule never matches; arming is applied by the registry.
func (e *Evaluator) Matches(rule Rule, symbol string, price decimal.Decimal) bool {
	return e.Decide(rule, symbol, price, time.Now()).Fire
}

func (e *Evaluator) coolingDown(rule Rule, now time.Time) bool {
	if e.cooldown == 0 || rule.IsOneTime || rule.TriggeredAt == nil {
		return false
	}
	return now.Sub(*rule.TriggeredAt) < e.cooldown
}

func priceTargetMet(dir Direction, price, target decimal.Decimal) bool {
	switch dir {
	case DirectionAbove:
		return price.GreaterThanOrEqual(target)
	case DirectionBelow:
		return price.LessThanOrEqual(target)
	}
	return false
}

func percentageMet(dir Direction, pct, target decimal.Decimal) bool {
	switch dir {
	case DirectionAbove:
		return pct.GreaterThanOrEqual(target)
	case DirectionBelow:
		return pct.LessThanOrEqual(target.Neg())
	case DirectionBoth:
		return pct.Abs().GreaterThanOrEqual(target)
	}
	return false
}
