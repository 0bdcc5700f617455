package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a rule id does not exist in the store.
	ErrNotFound = errors.New("storage: rule not found")
	// ErrUnavailable wraps any failure talking to the store, timeouts included.
	ErrUnavailable = errors.New("storage: store unavailable")
)

// RuleStore is the authoritative alert rule persistence.
type RuleStore interface {
	FetchActive(ctx context.Context) ([]ExternalRule, error)
	FetchByID(ctx context.Context, id string) (ExternalRule, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (bool, error)
	AppendLog(ctx context.Context, record TriggerLog) error
}

// LogReader lists audit rows for the CLI.
type LogReader interface {
	ListRecentLogs(ctx context.Context, limit int) ([]TriggerLog, error)
}

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Bounded decorates a RuleStore so every call runs under its own deadline
// and every failure is reported as ErrUnavailable.
type Bounded struct {
	inner   RuleStore
	timeout time.Duration
}

// NewBounded wraps store with a per-call timeout.
func NewBounded(store RuleStore, timeout time.Duration) *Bounded {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bounded{inner: store, timeout: timeout}
}

// FetchActive returns the active rule snapshot.
func (b *Bounded) FetchActive(ctx context.Context) ([]ExternalRule, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	rules, err := b.inner.FetchActive(ctx)
	if err != nil {
		return nil, unavailable("fetch active", err)
	}
	return rules, nil
}

// FetchByID returns one rule; ErrNotFound passes through untouched.
func (b *Bounded) FetchByID(ctx context.Context, id string) (ExternalRule, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	rule, err := b.inner.FetchByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ExternalRule{}, err
		}
		return ExternalRule{}, unavailable("fetch by id", err)
	}
	return rule, nil
}

// UpdateStatus writes trigger bookkeeping back to the store.
func (b *Bounded) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ok, err := b.inner.UpdateStatus(ctx, id, update)
	if err != nil {
		return false, unavailable("update status", err)
	}
	return ok, nil
}

// AppendLog appends an audit row.
func (b *Bounded) AppendLog(ctx context.Context, record TriggerLog) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.inner.AppendLog(ctx, record); err != nil {
		return unavailable("append log", err)
	}
	return nil
}

// Ping forwards to the inner store when it supports liveness checks.
func (b *Bounded) Ping(ctx context.Context) error {
	p, ok := b.inner.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

var _ RuleStore = (*Bounded)(nil)
