package alerting

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"cryptoalarm/internal/metrics"
	"cryptoalarm/internal/rules"
)

// FanoutOptions configure a Fanout.
type FanoutOptions struct {
	// Timeout bounds each Send call.
	Timeout time.Duration
	// Rate is the number of sends per second across all channels; zero disables limiting.
	Rate  float64
	Burst int
	// MaxConcurrency caps parallel sends per event.
	MaxConcurrency int
	Clock          func() time.Time
}

// Fanout sends one event to every target of a rule.
type Fanout struct {
	sinks       map[rules.Channel]Sink
	limiter     *rate.Limiter
	timeout     time.Duration
	concurrency int
	now         func() time.Time
	logger      zerolog.Logger
}

// NewFanout builds a Fanout over the given sinks. A later sink for the
// same channel replaces an earlier one.
func NewFanout(sinks []Sink, opts FanoutOptions, logger zerolog.Logger) *Fanout {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	bySink := make(map[rules.Channel]Sink, len(sinks))
	for _, s := range sinks {
		bySink[s.Channel()] = s
	}
	return &Fanout{
		sinks:       bySink,
		limiter:     limiter,
		timeout:     opts.Timeout,
		concurrency: opts.MaxConcurrency,
		now:         opts.Clock,
		logger:      logger.With().Str("component", "fanout").Logger(),
	}
}

// Channels lists the channels with a configured sink, sorted.
func (f *Fanout) Channels() []rules.Channel {
	out := make([]rules.Channel, 0, len(f.sinks))
	for c := range f.sinks {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Dispatch sends event to targets concurrently. The returned outcomes are
// in target order. Dispatch never returns an error; failures are outcomes.
func (f *Fanout) Dispatch(ctx context.Context, event rules.TriggerEvent, targets []rules.NotificationTarget) []Outcome {
	outcomes := make([]Outcome, len(targets))
	p := pool.New().WithMaxGoroutines(f.concurrency)
	for i, target := range targets {
		i, target := i, target
		p.Go(func() {
			outcomes[i] = f.deliver(ctx, event, target)
		})
	}
	p.Wait()

	for _, o := range outcomes {
		result := "sent"
		switch {
		case o.Skipped:
			result = "skipped"
		case !o.Success:
			result = "failed"
		}
		metrics.DispatchOutcomes.WithLabelValues(string(o.Channel), result).Inc()
	}
	return outcomes
}

func (f *Fanout) deliver(ctx context.Context, event rules.TriggerEvent, target rules.NotificationTarget) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(target, f.now(), fmt.Errorf("sink panic: %v", r))
		}
	}()

	if !target.Enabled {
		return Outcome{Channel: target.Channel, Destination: target.Destination, Skipped: true, Result: "disabled", Timestamp: f.now()}
	}
	if err := target.Validate(); err != nil {
		return failed(target, f.now(), err)
	}
	sink, ok := f.sinks[target.Channel]
	if !ok {
		return failed(target, f.now(), fmt.Errorf("%w: %s", ErrNoSink, target.Channel))
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return failed(target, f.now(), fmt.Errorf("rate limit wait: %w", err))
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	ref, err := sink.Send(sendCtx, target.Destination, event)
	metrics.DispatchDuration.WithLabelValues(string(target.Channel)).Observe(time.Since(start).Seconds())
	if err != nil {
		f.logger.Warn().Err(err).
			Str("rule_id", event.RuleID).
			Str("channel", string(target.Channel)).
			Msg("notification failed")
		return failed(target, f.now(), err)
	}
	return Outcome{
		Channel:     target.Channel,
		Destination: target.Destination,
		Success:     true,
		Result:      ref,
		Timestamp:   f.now(),
	}
}
