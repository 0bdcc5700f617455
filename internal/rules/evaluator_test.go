package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecidePriceTarget(t *testing.T) {
	ev := NewEvaluator(nil, 0)
	tests := []struct {
		name   string
		dir    Direction
		target string
		symbol string
		price  string
		fire   bool
	}{
		{"above reached", DirectionAbove, "50000", "BTCUSDT", "50001", true},
		{"above equal", DirectionAbove, "50000", "BTCUSDT", "50000", true},
		{"above not reached", DirectionAbove, "50000", "BTCUSDT", "49999.99", false},
		{"below reached", DirectionBelow, "3000", "ETHUSDT", "2999", true},
		{"below equal", DirectionBelow, "3000", "ETHUSDT", "3000", true},
		{"below not reached", DirectionBelow, "3000", "ETHUSDT", "3000.01", false},
		{"both never fires", DirectionBoth, "1", "BTCUSDT", "50000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := priceRule("r1", tt.symbol, tt.dir, tt.target)
			got := ev.Decide(rule, tt.symbol, d(tt.price), testNow)
			if !got.Matched {
				t.Fatalf("期望匹配同一交易对")
			}
			if got.Fire != tt.fire {
				t.Fatalf("fire = %v, want %v", got.Fire, tt.fire)
			}
		})
	}
}

func TestDecideSymbolForms(t *testing.T) {
	ev := NewEvaluator(nil, 0)
	tests := []struct {
		name       string
		ruleSymbol string
		sample     string
		matched    bool
	}{
		{"bare rule, pair sample", "BTC", "BTCUSDT", true},
		{"pair rule, pair sample", "BTCUSDT", "BTCUSDT", true},
		{"pair rule, bare sample", "BTCUSDT", "BTC", true},
		{"lower case sample", "ETH", "ethusdt", true},
		{"table pair", "POL", "POLYUSDT", true},
		{"other asset", "BTC", "ETHUSDT", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := priceRule("r1", tt.ruleSymbol, DirectionAbove, "1")
			got := ev.Decide(rule, tt.sample, d("10"), testNow)
			if got.Matched != tt.matched {
				t.Fatalf("matched = %v, want %v", got.Matched, tt.matched)
			}
			if got.Fire != tt.matched {
				t.Fatalf("fire = %v, want %v", got.Fire, tt.matched)
			}
		})
	}
}

func TestDecideInactiveRuleNeverFires(t *testing.T) {
	ev := NewEvaluator(nil, 0)
	for _, st := range []Status{StatusTriggered, StatusPaused, StatusDeleted} {
		rule := priceRule("r1", "BTC", DirectionAbove, "1")
		rule.Status = st
		if ev.Decide(rule, "BTCUSDT", d("100"), testNow).Fire {
			t.Fatalf("status %s should not fire", st)
		}
	}
}

func TestDecidePercentage(t *testing.T) {
	ev := NewEvaluator(nil, 0)

	unarmed := pctRule("p1", "BTC", DirectionAbove, "5")
	got := ev.Decide(unarmed, "BTCUSDT", d("100"), testNow)
	if !got.Arm || got.Fire {
		t.Fatalf("first observation should arm only, got %+v", got)
	}

	tests := []struct {
		name   string
		dir    Direction
		target string
		price  string
		fire   bool
		pct    string
	}{
		{"increase reached", DirectionAbove, "5", "105", true, "5"},
		{"increase short", DirectionAbove, "5", "104.99", false, "4.99"},
		{"decrease reached", DirectionBelow, "5", "95", true, "-5"},
		{"decrease short", DirectionBelow, "5", "96", false, "-4"},
		{"both up", DirectionBoth, "10", "110", true, "10"},
		{"both down", DirectionBoth, "10", "90", true, "-10"},
		{"both inside band", DirectionBoth, "10", "95", false, "-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := pctRule("p1", "BTC", tt.dir, tt.target)
			rule.BaselinePrice = decimal.NewNullDecimal(d("100"))
			got := ev.Decide(rule, "BTCUSDT", d(tt.price), testNow)
			if got.Arm {
				t.Fatalf("armed rule must not re-arm")
			}
			if got.Fire != tt.fire {
				t.Fatalf("fire = %v, want %v", got.Fire, tt.fire)
			}
			if !got.ChangePct.Valid || !got.ChangePct.Decimal.Equal(d(tt.pct)) {
				t.Fatalf("pct = %v, want %s", got.ChangePct, tt.pct)
			}
		})
	}
}

func TestDecideZeroBaselineIsAnomaly(t *testing.T) {
	ev := NewEvaluator(nil, 0)
	rule := pctRule("p1", "BTC", DirectionBoth, "1")
	rule.BaselinePrice = decimal.NewNullDecimal(decimal.Zero)

	got := ev.Decide(rule, "BTCUSDT", d("100"), testNow)
	if got.Fire || !errors.Is(got.Anomaly, ErrZeroBaseline) {
		t.Fatalf("expected zero baseline anomaly, got %+v", got)
	}
}

func TestDecideReservedKinds(t *testing.T) {
	ev := NewEvaluator(nil, 0)
	for _, kind := range []Kind{KindVolume, KindTechnicalIndicator} {
		rule := priceRule("r1", "BTC", DirectionAbove, "1")
		rule.Kind = kind
		if ev.Decide(rule, "BTCUSDT", d("100"), testNow).Fire {
			t.Fatalf("%s must never fire", kind)
		}
	}
}

func TestDecideCooldown(t *testing.T) {
	ev := NewEvaluator(nil, time.Minute)
	rule := priceRule("r1", "BTC", DirectionAbove, "1")
	rule.IsOneTime = false
	last := testNow.Add(-30 * time.Second)
	rule.TriggeredAt = &last

	if ev.Decide(rule, "BTCUSDT", d("100"), testNow).Fire {
		t.Fatalf("recurring rule inside cooldown should not fire")
	}
	if !ev.Decide(rule, "BTCUSDT", d("100"), testNow.Add(31*time.Second)).Fire {
		t.Fatalf("recurring rule after cooldown should fire")
	}
}

func TestMatches(t *testing.T) {
	ev := NewEvaluator(nil, 0)
	rule := priceRule("r1", "SOL", DirectionBelow, "150")
	if !ev.Matches(rule, "SOLUSDT", d("149.5")) {
		t.Fatalf("expected match")
	}
	if ev.Matches(pctRule("p1", "SOL", DirectionAbove, "1"), "SOLUSDT", d("1")) {
		t.Fatalf("unarmed percentage rule must not match")
	}
}
