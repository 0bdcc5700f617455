package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"cryptoalarm/internal/metrics"
	"cryptoalarm/internal/storage"
	"cryptoalarm/internal/symbols"
)

const defaultReconcileInterval = 30 * time.Second

type entry struct {
	mu   sync.Mutex
	rule Rule
}

func (e *entry) snapshot() Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rule.Clone()
}

// Firing is a rule that fired for a sample, captured after its state was updated.
type Firing struct {
	Rule      Rule
	Price     decimal.Decimal
	ChangePct decimal.NullDecimal
	At        time.Time
}

// Stats summarises registry contents.
type Stats struct {
	Total          int       `json:"total"`
	Active         int       `json:"active"`
	Triggered      int       `json:"triggered"`
	Paused         int       `json:"paused"`
	Deleted        int       `json:"deleted"`
	StoreConnected bool      `json:"store_connected"`
	LastSync       time.Time `json:"last_sync"`
	LastSyncError  string    `json:"last_sync_error,omitempty"`
}

// Options configure a Registry.
type Options struct {
	// Store is optional; without it only locally created rules exist.
	Store      storage.RuleStore
	Normalizer *symbols.Normalizer
	Interval   time.Duration
	Logger     zerolog.Logger
	Clock      func() time.Time
}

// Registry is the in-memory view of all rules. Reads return copies; every
// mutation of a single rule happens under that rule's own lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	syncMu      sync.Mutex
	stateMu     sync.Mutex
	lastAttempt time.Time
	lastSync    time.Time
	lastErr     error

	store    storage.RuleStore
	norm     *symbols.Normalizer
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Normalizer == nil {
		opts.Normalizer = symbols.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultReconcileInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		entries:  make(map[string]*entry),
		store:    opts.Store,
		norm:     opts.Normalizer,
		interval: opts.Interval,
		now:      opts.Clock,
		logger:   opts.Logger.With().Str("component", "registry").Logger(),
	}
}

// Interval returns the reconcile interval.
func (r *Registry) Interval() time.Duration {
	return r.interval
}

// HasStore reports whether a rule store is attached.
func (r *Registry) HasStore() bool {
	return r.store != nil
}

// Reconcile replaces the store-originated rules with a fresh snapshot and
// returns how many records the store returned. On failure the previous
// rules stay in place.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	return r.reconcileLocked(ctx)
}

// EnsureFresh reconciles when the interval has elapsed since the last
// attempt. Concurrent callers do not wait for a reconcile already running.
func (r *Registry) EnsureFresh(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if !r.due() {
		return nil
	}
	if !r.syncMu.TryLock() {
		return nil
	}
	defer r.syncMu.Unlock()
	if !r.due() {
		return nil
	}
	_, err := r.reconcileLocked(ctx)
	return err
}

func (r *Registry) due() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.lastAttempt.IsZero() || r.now().Sub(r.lastAttempt) >= r.interval
}

func (r *Registry) reconcileLocked(ctx context.Context) (int, error) {
	start := r.now()
	if r.store == nil {
		r.recordSync(start, nil)
		return 0, nil
	}

	records, err := r.store.FetchActive(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("failure").Inc()
		r.recordSync(start, err)
		r.logger.Error().Err(err).Msg("同步规则失败，保留上一次快照")
		return 0, err
	}

	fresh := make(map[string]Rule, len(records))
	for _, rec := range records {
		rule, rejected, cerr := FromExternal(rec)
		if cerr != nil {
			metrics.ConversionFailures.Inc()
			r.logger.Warn().Err(cerr).Msg("skip malformed rule")
			continue
		}
		for _, rej := range rejected {
			r.logger.Warn().Err(rej).Msg("drop notification target")
		}
		fresh[rule.ID] = rule
	}

	r.mu.Lock()
	next := make(map[string]*entry, len(fresh)+len(r.entries))
	added, removed := 0, 0
	for id, rule := range fresh {
		if e, ok := r.entries[id]; ok {
			e.mu.Lock()
			e.rule = merge(e.rule, rule)
			e.mu.Unlock()
			next[id] = e
			continue
		}
		next[id] = &entry{rule: rule}
		added++
	}
	for id, e := range r.entries {
		if _, ok := next[id]; ok {
			continue
		}
		e.mu.Lock()
		local := e.rule.Origin == OriginLocal
		e.mu.Unlock()
		if local {
			next[id] = e
			continue
		}
		removed++
	}
	r.entries = next
	r.mu.Unlock()

	r.recordSync(start, nil)
	r.publishSize()
	metrics.ReconcileRuns.WithLabelValues("success").Inc()
	metrics.ReconcileDuration.Observe(r.now().Sub(start).Seconds())
	r.logger.Info().
		Int("records", len(records)).
		Int("added", added).
		Int("removed", removed).
		Msg("rules synced")
	return len(records), nil
}

// merge refreshes the definition of an existing rule from a store record
// while keeping locally accumulated state.
func merge(existing, incoming Rule) Rule {
	merged := incoming.Clone()
	merged.Origin = OriginStore
	merged.Status = existing.Status
	if existing.Symbol == incoming.Symbol && existing.Kind == incoming.Kind {
		merged.BaselinePrice = existing.BaselinePrice
	}
	if existing.TriggerCount > merged.TriggerCount {
		merged.TriggerCount = existing.TriggerCount
	}
	if existing.TriggeredAt != nil {
		t := *existing.TriggeredAt
		merged.TriggeredAt = &t
	}
	merged.LastPrice = existing.LastPrice
	merged.LastChecked = existing.LastChecked
	return merged
}

func (r *Registry) recordSync(at time.Time, err error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.lastAttempt = at
	r.lastErr = err
	if err == nil {
		r.lastSync = at
	}
}

// LastSync returns the time of the last successful reconcile.
func (r *Registry) LastSync() time.Time {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.lastSync
}

func (r *Registry) entryList() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.entries)
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) all() []Rule {
	rules := lo.Map(r.entryList(), func(e *entry, _ int) Rule { return e.snapshot() })
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules
}

// Get returns a copy of one rule.
func (r *Registry) Get(id string) (Rule, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns rules owned by owner, optionally restricted to one status.
// An empty owner matches every rule.
func (r *Registry) List(owner string, status Status) []Rule {
	return lo.Filter(r.all(), func(rule Rule, _ int) bool {
		if owner != "" && rule.OwnerID != owner {
			return false
		}
		return status == "" || rule.Status == status
	})
}

// ListActive returns every active rule.
func (r *Registry) ListActive() []Rule {
	return r.List("", StatusActive)
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats counts rules by status.
func (r *Registry) Stats() Stats {
	counts := lo.CountValuesBy(r.all(), func(rule Rule) Status { return rule.Status })
	st := Stats{
		Active:         counts[StatusActive],
		Triggered:      counts[StatusTriggered],
		Paused:         counts[StatusPaused],
		Deleted:        counts[StatusDeleted],
		StoreConnected: r.store != nil,
	}
	st.Total = st.Active + st.Triggered + st.Paused + st.Deleted

	r.stateMu.Lock()
	st.LastSync = r.lastSync
	if r.lastErr != nil {
		st.LastSyncError = r.lastErr.Error()
	}
	r.stateMu.Unlock()
	return st
}

func (r *Registry) publishSize() {
	st := r.Stats()
	metrics.RegistrySize.WithLabelValues(string(StatusActive)).Set(float64(st.Active))
	metrics.RegistrySize.WithLabelValues(string(StatusTriggered)).Set(float64(st.Triggered))
	metrics.RegistrySize.WithLabelValues(string(StatusPaused)).Set(float64(st.Paused))
	metrics.RegistrySize.WithLabelValues(string(StatusDeleted)).Set(float64(st.Deleted))
}

// Create registers a local rule. It is visible to the next Evaluate call
// and survives reconciliation.
func (r *Registry) Create(rule Rule) (Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = StatusActive
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = r.now()
	}
	rule.Symbol = normalizeSymbol(rule.Symbol)
	rule.Origin = OriginLocal
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}

	r.mu.Lock()
	if _, exists := r.entries[rule.ID]; exists {
		r.mu.Unlock()
		return Rule{}, fmt.Errorf("%w: %s", ErrDuplicateID, rule.ID)
	}
	r.entries[rule.ID] = &entry{rule: rule.Clone()}
	r.mu.Unlock()

	r.publishSize()
	r.logger.Info().
		Str("rule_id", rule.ID).
		Str("symbol", rule.Symbol).
		Str("kind", string(rule.Kind)).
		Str("direction", string(rule.Direction)).
		Str("target", rule.TargetValue.String()).
		Msg("rule created")
	return rule, nil
}

// UpdateStatus moves a rule to a new lifecycle status.
func (r *Registry) UpdateStatus(id string, status Status) (Rule, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Rule{}, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	from := e.rule.Status
	if !CanTransition(from, status) {
		e.mu.Unlock()
		return Rule{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	e.rule.Status = status
	out := e.rule.Clone()
	e.mu.Unlock()

	r.publishSize()
	r.logger.Info().Str("rule_id", id).Str("from", string(from)).Str("to", string(status)).Msg("rule status changed")
	return out, nil
}

// Delete soft-deletes a rule.
func (r *Registry) Delete(id string) error {
	_, err := r.UpdateStatus(id, StatusDeleted)
	return err
}

// FetchByID reads one rule straight from the store.
func (r *Registry) FetchByID(ctx context.Context, id string) (Rule, error) {
	if r.store == nil {
		return Rule{}, storage.ErrNotConfigured
	}
	rec, err := r.store.FetchByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Rule{}, err
	}
	rule, rejected, err := FromExternal(rec)
	if err != nil {
		return Rule{}, err
	}
	for _, rej := range rejected {
		r.logger.Warn().Err(rej).Msg("drop notification target")
	}
	return rule, nil
}

// Evaluate runs every rule against one sample. Each rule is decided and
// updated under its own lock, so a rule fires at most once per sample
// however many goroutines evaluate concurrently.
func (r *Registry) Evaluate(symbol string, price decimal.Decimal, now time.Time, ev *Evaluator) []Firing {
	var firings []Firing
	for _, e := range r.entryList() {
		if f, fired := r.evaluateEntry(e, symbol, price, now, ev); fired {
			firings = append(firings, f)
		}
	}
	return firings
}

func (r *Registry) evaluateEntry(e *entry, symbol string, price decimal.Decimal, now time.Time, ev *Evaluator) (f Firing, fired bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.Anomalies.WithLabelValues("panic").Inc()
			r.logger.Error().Interface("panic", rec).Str("rule_id", e.rule.ID).Msg("rule evaluation panicked")
			f, fired = Firing{}, false
		}
	}()

	d := ev.Decide(e.rule, symbol, price, now)
	if !d.Matched {
		return Firing{}, false
	}
	metrics.RulesEvaluated.Inc()
	e.rule.LastChecked = now

	switch {
	case d.Anomaly != nil:
		metrics.Anomalies.WithLabelValues("zero_baseline").Inc()
		r.logger.Warn().Err(d.Anomaly).Str("rule_id", e.rule.ID).Str("symbol", symbol).Msg("rule skipped")
		return Firing{}, false
	case d.Arm:
		e.rule.BaselinePrice = decimal.NewNullDecimal(price)
		metrics.Armed.Inc()
		r.logger.Info().Str("rule_id", e.rule.ID).Str("baseline", price.String()).Msg("percentage rule armed")
		return Firing{}, false
	case !d.Fire:
		return Firing{}, false
	}

	at := now
	e.rule.TriggerCount++
	e.rule.TriggeredAt = &at
	e.rule.LastPrice = decimal.NewNullDecimal(price)
	if e.rule.IsOneTime {
		e.rule.Status = StatusTriggered
	}
	metrics.Triggers.WithLabelValues(string(e.rule.Kind)).Inc()
	return Firing{Rule: e.rule.Clone(), Price: price, ChangePct: d.ChangePct, At: now}, true
}
