package alerting

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"cryptoalarm/internal/metrics"
	"cryptoalarm/internal/rules"
)

// Report is the completed dispatch of one trigger event.
type Report struct {
	Event    rules.TriggerEvent
	Outcomes []Outcome
	Sent     int
	Failed   int
}

// DispatcherOptions configure a Dispatcher.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
}

// DispatcherStats is a point-in-time view of the dispatcher counters.
type DispatcherStats struct {
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher decouples the trigger path from notification delivery: Submit
// never blocks, workers drain a bounded queue, and every finished dispatch
// is published on Results.
type Dispatcher struct {
	fanout  *Fanout
	jobs    chan rules.TriggerEvent
	results chan Report
	workers int
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start before submitting and
// keep Results drained.
func NewDispatcher(fanout *Fanout, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Dispatcher{
		fanout:  fanout,
		jobs:    make(chan rules.TriggerEvent, opts.QueueSize),
		results: make(chan Report, opts.QueueSize),
		workers: opts.Workers,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Start launches the workers. Sends use ctx; cancelling it makes in-flight
// sends fail fast while Close still drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
	d.logger.Info().Int("workers", d.workers).Int("queue", cap(d.jobs)).Msg("dispatcher started")
}

// Submit enqueues an event without blocking. It returns false when the
// queue is full or the dispatcher is closed; the event is then dropped.
func (d *Dispatcher) Submit(event rules.TriggerEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		metrics.DispatchDropped.Inc()
		return false
	}
	select {
	case d.jobs <- event:
		d.submitted.Add(1)
		metrics.DispatchQueueDepth.Set(float64(len(d.jobs)))
		return true
	default:
		d.dropped.Add(1)
		metrics.DispatchDropped.Inc()
		d.logger.Warn().Str("rule_id", event.RuleID).Msg("dispatch queue full, event dropped")
		return false
	}
}

// Results delivers one Report per dispatched event. It is closed by Close.
func (d *Dispatcher) Results() <-chan Report {
	return d.results
}

// Close stops accepting events, waits for queued ones to finish, and
// closes Results.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	started := d.started
	d.mu.Unlock()

	if started {
		d.wg.Wait()
	}
	close(d.results)
	d.logger.Info().Int64("completed", d.completed.Load()).Int64("dropped", d.dropped.Load()).Msg("dispatcher stopped")
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    len(d.jobs),
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	defer d.wg.Done()
	for event := range d.jobs {
		metrics.DispatchQueueDepth.Set(float64(len(d.jobs)))
		outcomes := d.fanout.Dispatch(ctx, event, event.Targets)
		sent, failedCount := Tally(outcomes)
		d.completed.Add(1)
		d.results <- Report{Event: event, Outcomes: outcomes, Sent: sent, Failed: failedCount}
		d.logger.Debug().Int("worker", id).Str("rule_id", event.RuleID).Int("sent", sent).Int("failed", failedCount).Msg("event dispatched")
	}
}
