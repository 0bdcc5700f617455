package feed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"cryptoalarm/internal/metrics"
)

const (
	sourceStream = "binance_stream"
	sourcePoll   = "binance_poll"
)

// Options configure the Binance feeds.
type Options struct {
	Pairs        []string
	BufferSize   int
	PollInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = time.Minute
	}
	o.Pairs = lo.Uniq(lo.Map(o.Pairs, func(p string, _ int) string {
		return strings.ToUpper(strings.TrimSpace(p))
	}))
	return o
}

type serveFunc func(symbols []string, handler binance.WsMarketStatHandler, errHandler binance.ErrHandler) (chan struct{}, chan struct{}, error)

// BinanceStream subscribes to the combined 24h ticker stream and emits the
// last price of every update. It reconnects with exponential backoff until
// the context is cancelled.
type BinanceStream struct {
	opts   Options
	serve  serveFunc
	logger zerolog.Logger
}

// NewBinanceStream creates a websocket feed for opts.Pairs.
func NewBinanceStream(opts Options, logger zerolog.Logger) *BinanceStream {
	return &BinanceStream{
		opts:   opts.withDefaults(),
		serve:  binance.WsCombinedMarketStatServe,
		logger: logger.With().Str("component", "feed_stream").Logger(),
	}
}

func (s *BinanceStream) Subscribe(ctx context.Context) (<-chan Sample, error) {
	if len(s.opts.Pairs) == 0 {
		return nil, errors.New("no trading pairs to subscribe")
	}
	out := make(chan Sample, s.opts.BufferSize)
	go s.loop(ctx, out)
	return out, nil
}

func (s *BinanceStream) loop(ctx context.Context, out chan<- Sample) {
	defer close(out)

	streams := lo.Map(s.opts.Pairs, func(p string, _ int) string { return strings.ToLower(p) })
	b := &backoff.Backoff{Min: s.opts.ReconnectMin, Max: s.opts.ReconnectMax, Factor: 2, Jitter: true}

	handler := func(event *binance.WsMarketStatEvent) {
		price, err := ParsePrice(event.LastPrice)
		if err != nil {
			metrics.FeedMalformed.WithLabelValues(sourceStream).Inc()
			s.logger.Warn().Err(err).Str("symbol", event.Symbol).Msg("skip malformed ticker")
			return
		}
		at := time.UnixMilli(event.Time).UTC()
		if event.Time == 0 {
			at = time.Now().UTC()
		}
		emit(ctx, out, Sample{Symbol: strings.ToUpper(event.Symbol), Price: price, At: at})
	}
	errHandler := func(err error) {
		s.logger.Warn().Err(err).Msg("ticker stream error")
	}

	for {
		connectedAt := time.Now()
		doneC, stopC, err := s.serve(streams, handler, errHandler)
		if err != nil {
			s.logger.Error().Err(err).Msg("connect ticker stream")
		} else {
			s.logger.Info().Strs("pairs", s.opts.Pairs).Msg("ticker stream connected")
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
				if time.Since(connectedAt) > s.opts.ReconnectMax {
					b.Reset()
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay := b.Duration()
		metrics.FeedReconnects.WithLabelValues(sourceStream).Inc()
		s.logger.Warn().Dur("delay", delay).Float64("attempt", b.Attempt()).Msg("ticker stream disconnected, reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

type priceLister interface {
	ListPrices(ctx context.Context) ([]*binance.SymbolPrice, error)
}

type restLister struct {
	cli *binance.Client
}

func (l restLister) ListPrices(ctx context.Context) ([]*binance.SymbolPrice, error) {
	return l.cli.NewListPricesService().Do(ctx)
}

// BinancePoller fetches spot prices over REST at a fixed interval. It is
// the fallback when websockets are unavailable.
type BinancePoller struct {
	opts   Options
	lister priceLister
	logger zerolog.Logger
}

// NewBinancePoller creates a REST polling feed using the public API.
func NewBinancePoller(opts Options, logger zerolog.Logger) *BinancePoller {
	return &BinancePoller{
		opts:   opts.withDefaults(),
		lister: restLister{cli: binance.NewClient("", "")},
		logger: logger.With().Str("component", "feed_poll").Logger(),
	}
}

func (p *BinancePoller) Subscribe(ctx context.Context) (<-chan Sample, error) {
	if len(p.opts.Pairs) == 0 {
		return nil, errors.New("no trading pairs to poll")
	}
	out := make(chan Sample, p.opts.BufferSize)
	go p.loop(ctx, out)
	return out, nil
}

func (p *BinancePoller) loop(ctx context.Context, out chan<- Sample) {
	defer close(out)
	b := &backoff.Backoff{Min: p.opts.ReconnectMin, Max: p.opts.ReconnectMax, Factor: 2, Jitter: true}

	for {
		wait := p.opts.PollInterval
		if err := p.poll(ctx, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = b.Duration()
			metrics.FeedReconnects.WithLabelValues(sourcePoll).Inc()
			p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("poll prices failed")
		} else {
			b.Reset()
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (p *BinancePoller) poll(ctx context.Context, out chan<- Sample) error {
	prices, err := p.lister.ListPrices(ctx)
	if err != nil {
		return err
	}
	wanted := lo.Filter(prices, func(sp *binance.SymbolPrice, _ int) bool {
		return sp != nil && lo.Contains(p.opts.Pairs, sp.Symbol)
	})
	now := time.Now().UTC()
	for _, sp := range wanted {
		price, err := ParsePrice(sp.Price)
		if err != nil {
			metrics.FeedMalformed.WithLabelValues(sourcePoll).Inc()
			p.logger.Warn().Err(err).Str("symbol", sp.Symbol).Msg("skip malformed price")
			continue
		}
		if !emit(ctx, out, Sample{Symbol: sp.Symbol, Price: price, At: now}) {
			return ctx.Err()
		}
	}
	return nil
}

var (
	_ Feed = (*BinanceStream)(nil)
	_ Feed = (*BinancePoller)(nil)
)
