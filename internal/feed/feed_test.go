package feed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Sample, n int) []Sample {
	t.Helper()
	var out []Sample
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		case <-timeout:
			t.Fatalf("timed out after %d samples", len(out))
		}
	}
	return out
}

func TestParsePrice(t *testing.T) {
	p, err := ParsePrice(" 50123.45 ")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("50123.45")))

	for _, raw := range []string{"", "abc", "0", "-1"} {
		_, err := ParsePrice(raw)
		assert.Error(t, err, raw)
	}
}

func TestStaticFeed(t *testing.T) {
	f := NewStaticFeed(
		Sample{Symbol: "BTCUSDT", Price: decimal.NewFromInt(1)},
		Sample{Symbol: "ETHUSDT", Price: decimal.NewFromInt(2)},
	)
	ch, err := f.Subscribe(context.Background())
	require.NoError(t, err)
	got := collect(t, ch, 3)
	require.Len(t, got, 2)
	assert.Equal(t, "ETHUSDT", got[1].Symbol)
	assert.False(t, got[0].At.IsZero())
}

func TestBinanceStreamReconnects(t *testing.T) {
	var calls atomic.Int32
	s := NewBinanceStream(Options{Pairs: []string{"btcusdt", "BTCUSDT"}, ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond}, zerolog.Nop())
	s.serve = func(symbols []string, handler binance.WsMarketStatHandler, _ binance.ErrHandler) (chan struct{}, chan struct{}, error) {
		assert.Equal(t, []string{"btcusdt"}, symbols)
		n := calls.Add(1)
		if n == 1 {
			return nil, nil, errors.New("dial failed")
		}
		doneC, stopC := make(chan struct{}), make(chan struct{})
		go func() {
			defer close(doneC)
			handler(&binance.WsMarketStatEvent{Symbol: "BTCUSDT", LastPrice: "bad", Time: 1})
			handler(&binance.WsMarketStatEvent{Symbol: "BTCUSDT", LastPrice: "100.5", Time: 1700000000000})
			if n == 2 {
				return // drop the connection
			}
			<-stopC
		}()
		return doneC, stopC, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)

	got := collect(t, ch, 2)
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, int64(1700000000000), got[0].At.UnixMilli())
	assert.GreaterOrEqual(t, calls.Load(), int32(3))

	cancel()
	for range ch {
	}
}

func TestBinanceStreamRequiresPairs(t *testing.T) {
	_, err := NewBinanceStream(Options{}, zerolog.Nop()).Subscribe(context.Background())
	assert.Error(t, err)
}

type fakeLister struct {
	calls  atomic.Int32
	prices []*binance.SymbolPrice
}

func (f *fakeLister) ListPrices(context.Context) ([]*binance.SymbolPrice, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("429 too many requests")
	}
	return f.prices, nil
}

func TestBinancePollerFiltersPairs(t *testing.T) {
	lister := &fakeLister{prices: []*binance.SymbolPrice{
		{Symbol: "BTCUSDT", Price: "65000.10"},
		{Symbol: "DOGEUSDT", Price: "0.12"},
		{Symbol: "ETHUSDT", Price: "oops"},
		{Symbol: "ETHUSDT", Price: "3200"},
	}}
	p := NewBinancePoller(Options{Pairs: []string{"BTCUSDT", "ETHUSDT"}, PollInterval: time.Hour, ReconnectMin: time.Millisecond, ReconnectMax: 2 * time.Millisecond}, zerolog.Nop())
	p.lister = lister

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.Subscribe(ctx)
	require.NoError(t, err)

	got := collect(t, ch, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "ETHUSDT", got[1].Symbol)
	assert.Equal(t, int32(2), lister.calls.Load())
}
