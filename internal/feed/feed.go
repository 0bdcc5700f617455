// Package feed provides price sample sources for the trigger pipeline.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one observed price for a trading pair.
type Sample struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Feed produces samples until ctx is cancelled, then closes the channel.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan Sample, error)
}

// ParsePrice parses an exchange price string. Non-positive prices are malformed.
func ParsePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive price %q", raw)
	}
	return price, nil
}

func emit(ctx context.Context, out chan<- Sample, s Sample) bool {
	select {
	case out <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// StaticFeed replays a fixed list of samples, optionally spaced by Interval.
type StaticFeed struct {
	Samples  []Sample
	Interval time.Duration
}

// NewStaticFeed returns a feed over samples.
func NewStaticFeed(samples ...Sample) *StaticFeed {
	return &StaticFeed{Samples: samples}
}

func (f *StaticFeed) Subscribe(ctx context.Context) (<-chan Sample, error) {
	out := make(chan Sample)
	go func() {
		defer close(out)
		for i, s := range f.Samples {
			if i > 0 && f.Interval > 0 {
				select {
				case <-time.After(f.Interval):
				case <-ctx.Done():
					return
				}
			}
			if s.At.IsZero() {
				s.At = time.Now().UTC()
			}
			if !emit(ctx, out, s) {
				return
			}
		}
	}()
	return out, nil
}

var _ Feed = (*StaticFeed)(nil)
