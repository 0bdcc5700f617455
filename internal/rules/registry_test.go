package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cryptoalarm/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(store storage.RuleStore, clock *fakeClock) *Registry {
	opts := Options{Logger: zerolog.Nop(), Interval: time.Minute}
	if store != nil {
		opts.Store = store
	}
	if clock != nil {
		opts.Clock = clock.Now
	}
	return NewRegistry(opts)
}

func TestReconcileLoadsSnapshot(t *testing.T) {
	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{
		extRule("a1", "BTC", "price", "price_above", "50000"),
		extRule("a2", "ETH", "percentage", "percentage_change", "5"),
	}, nil)

	reg := newTestRegistry(store, nil)
	n, err := reg.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, reg.Len())

	rule, err := reg.Get("a2")
	require.NoError(t, err)
	assert.Equal(t, KindPercentageChange, rule.Kind)
	assert.False(t, reg.LastSync().IsZero())
}

func TestReconcileSkipsMalformedRecords(t *testing.T) {
	bad := extRule("bad", "BTC", "price", "price_above", "oops")
	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{
		bad,
		extRule("a1", "BTC", "price", "price_above", "1"),
	}, nil)

	reg := newTestRegistry(store, nil)
	_, err := reg.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = reg.Get("bad")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get("a1")
	assert.NoError(t, err)
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{
		extRule("a1", "BTC", "percentage", "percentage_increase", "5"),
	}, nil)
	reg := newTestRegistry(store, nil)
	ev := NewEvaluator(nil, 0)

	_, err := reg.Reconcile(context.Background())
	require.NoError(t, err)
	reg.Evaluate("BTCUSDT", d("100"), testNow, ev)
	first := reg.List("", "")

	_, err = reg.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, reg.List("", ""))
}

func TestReconcilePreservesLocalState(t *testing.T) {
	rec := extRule("a1", "BTC", "percentage", "percentage_increase", "5")
	rec.IsRecurring = true
	updated := rec
	updated.Conditions = []storage.ConditionRecord{{ConditionType: "percentage_increase", TargetValue: "8"}}
	updated.TriggerCount = 0

	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{rec}, nil).Once()
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{updated}, nil)

	reg := newTestRegistry(store, nil)
	ev := NewEvaluator(nil, 0)
	_, err := reg.Reconcile(context.Background())
	require.NoError(t, err)

	reg.Evaluate("BTCUSDT", d("100"), testNow, ev)
	firings := reg.Evaluate("BTCUSDT", d("106"), testNow, ev)
	require.Len(t, firings, 1)

	_, err = reg.Reconcile(context.Background())
	require.NoError(t, err)

	rule, err := reg.Get("a1")
	require.NoError(t, err)
	assert.True(t, rule.TargetValue.Equal(d("8")), "definition refreshed")
	assert.True(t, rule.BaselinePrice.Decimal.Equal(d("100")), "baseline kept")
	assert.Equal(t, int64(1), rule.TriggerCount, "larger count kept")
	require.NotNil(t, rule.TriggeredAt)
}

func TestReconcileSymbolChangeResetsBaseline(t *testing.T) {
	rec := extRule("a1", "BTC", "percentage", "percentage_increase", "5")
	moved := extRule("a1", "ETH", "percentage", "percentage_increase", "5")

	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{rec}, nil).Once()
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{moved}, nil)

	reg := newTestRegistry(store, nil)
	ev := NewEvaluator(nil, 0)
	_, err := reg.Reconcile(context.Background())
	require.NoError(t, err)
	reg.Evaluate("BTCUSDT", d("100"), testNow, ev)

	_, err = reg.Reconcile(context.Background())
	require.NoError(t, err)
	rule, err := reg.Get("a1")
	require.NoError(t, err)
	assert.False(t, rule.Armed())
}

func TestReconcileEvictsStoreRulesKeepsLocal(t *testing.T) {
	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{
		extRule("a1", "BTC", "price", "price_above", "1"),
	}, nil).Once()
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{}, nil)

	reg := newTestRegistry(store, nil)
	_, err := reg.Reconcile(context.Background())
	require.NoError(t, err)
	local, err := reg.Create(priceRule("", "SOL", DirectionAbove, "200"))
	require.NoError(t, err)

	_, err = reg.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = reg.Get("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(local.ID)
	assert.NoError(t, err)
}

func TestReconcileFailureKeepsSnapshot(t *testing.T) {
	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{
		extRule("a1", "BTC", "price", "price_above", "1"),
	}, nil).Once()
	store.On("FetchActive", mock.Anything).Return(nil, storage.ErrUnavailable)

	reg := newTestRegistry(store, nil)
	_, err := reg.Reconcile(context.Background())
	require.NoError(t, err)

	n, err := reg.Reconcile(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Zero(t, n)
	assert.Equal(t, 1, reg.Len())
	assert.NotEmpty(t, reg.Stats().LastSyncError)
}

func TestEnsureFreshHonoursInterval(t *testing.T) {
	clock := &fakeClock{now: testNow}
	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return([]storage.ExternalRule{}, nil)
	reg := newTestRegistry(store, clock)

	require.NoError(t, reg.EnsureFresh(context.Background()))
	require.NoError(t, reg.EnsureFresh(context.Background()))
	store.AssertNumberOfCalls(t, "FetchActive", 1)

	clock.Advance(61 * time.Second)
	require.NoError(t, reg.EnsureFresh(context.Background()))
	store.AssertNumberOfCalls(t, "FetchActive", 2)
}

func TestEnsureFreshFailureWaitsForNextInterval(t *testing.T) {
	clock := &fakeClock{now: testNow}
	store := new(mockStore)
	store.On("FetchActive", mock.Anything).Return(nil, errors.New("boom"))
	reg := newTestRegistry(store, clock)

	assert.Error(t, reg.EnsureFresh(context.Background()))
	assert.NoError(t, reg.EnsureFresh(context.Background()))
	store.AssertNumberOfCalls(t, "FetchActive", 1)
}

func TestCreateAndLifecycle(t *testing.T) {
	reg := newTestRegistry(nil, nil)

	_, err := reg.Create(Rule{Symbol: "BTC", Kind: KindPriceTarget, Direction: DirectionAbove})
	require.Error(t, err, "zero target rejected")

	rule, err := reg.Create(priceRule("", "btc", DirectionAbove, "1"))
	require.NoError(t, err)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, "BTC", rule.Symbol)
	assert.Equal(t, OriginLocal, rule.Origin)

	_, err = reg.Create(priceRule(rule.ID, "BTC", DirectionAbove, "1"))
	assert.ErrorIs(t, err, ErrDuplicateID)

	paused, err := reg.UpdateStatus(rule.ID, StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Empty(t, reg.Evaluate("BTCUSDT", d("2"), testNow, NewEvaluator(nil, 0)))

	_, err = reg.UpdateStatus(rule.ID, StatusTriggered)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, reg.Delete(rule.ID))
	_, err = reg.UpdateStatus(rule.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, reg.Delete("missing"), ErrNotFound)
}

func TestListAndStats(t *testing.T) {
	reg := newTestRegistry(nil, nil)
	a, err := reg.Create(priceRule("a", "BTC", DirectionAbove, "1"))
	require.NoError(t, err)
	other := priceRule("b", "ETH", DirectionAbove, "1")
	other.OwnerID = "user-2"
	_, err = reg.Create(other)
	require.NoError(t, err)
	_, err = reg.UpdateStatus(a.ID, StatusPaused)
	require.NoError(t, err)

	assert.Len(t, reg.List("user-1", ""), 1)
	assert.Len(t, reg.List("", StatusPaused), 1)
	assert.Len(t, reg.ListActive(), 1)

	st := reg.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Paused)
	assert.False(t, st.StoreConnected)
}

func TestGetReturnsCopy(t *testing.T) {
	reg := newTestRegistry(nil, nil)
	rule := priceRule("a", "BTC", DirectionAbove, "1")
	rule.Targets = []NotificationTarget{{Channel: ChannelPush, Destination: "tok", Enabled: true}}
	_, err := reg.Create(rule)
	require.NoError(t, err)

	got, err := reg.Get("a")
	require.NoError(t, err)
	got.Targets[0].Destination = "changed"
	got.Status = StatusDeleted

	again, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "tok", again.Targets[0].Destination)
	assert.Equal(t, StatusActive, again.Status)
}

func TestEvaluateOneTimeFiresExactlyOnceUnderConcurrency(t *testing.T) {
	reg := newTestRegistry(nil, nil)
	_, err := reg.Create(priceRule("once", "BTC", DirectionAbove, "100"))
	require.NoError(t, err)
	ev := NewEvaluator(nil, 0)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := len(reg.Evaluate("BTCUSDT", d("150"), testNow, ev))
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	rule, err := reg.Get("once")
	require.NoError(t, err)
	assert.Equal(t, StatusTriggered, rule.Status)
	assert.Equal(t, int64(1), rule.TriggerCount)
	assert.True(t, rule.LastPrice.Decimal.Equal(d("150")))
}

func TestEvaluateRecurringCountsEveryFiring(t *testing.T) {
	reg := newTestRegistry(nil, nil)
	rule := priceRule("rec", "ETH", DirectionBelow, "3000")
	rule.IsOneTime = false
	_, err := reg.Create(rule)
	require.NoError(t, err)
	ev := NewEvaluator(nil, 0)

	for i := 0; i < 3; i++ {
		require.Len(t, reg.Evaluate("ETH", d("2900"), testNow, ev), 1)
	}
	got, err := reg.Get("rec")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, int64(3), got.TriggerCount)
}

func TestEvaluatePercentageArmsThenFires(t *testing.T) {
	reg := newTestRegistry(nil, nil)
	_, err := reg.Create(pctRule("p", "BTC", DirectionBelow, "10"))
	require.NoError(t, err)
	ev := NewEvaluator(nil, 0)

	assert.Empty(t, reg.Evaluate("BTCUSDT", d("200"), testNow, ev))
	assert.Empty(t, reg.Evaluate("BTCUSDT", d("190"), testNow, ev))
	firings := reg.Evaluate("BTCUSDT", d("180"), testNow, ev)
	require.Len(t, firings, 1)
	assert.True(t, firings[0].ChangePct.Decimal.Equal(d("-10")))
	assert.True(t, firings[0].Rule.BaselinePrice.Decimal.Equal(d("200")))
}

func TestEvaluateCooldownSuppressesRefire(t *testing.T) {
	reg := newTestRegistry(nil, nil)
	rule := priceRule("rec", "BTC", DirectionAbove, "1")
	rule.IsOneTime = false
	_, err := reg.Create(rule)
	require.NoError(t, err)
	ev := NewEvaluator(nil, time.Minute)

	require.Len(t, reg.Evaluate("BTCUSDT", d("2"), testNow, ev), 1)
	assert.Empty(t, reg.Evaluate("BTCUSDT", d("2"), testNow.Add(10*time.Second), ev))
	assert.Len(t, reg.Evaluate("BTCUSDT", d("2"), testNow.Add(2*time.Minute), ev), 1)
}

func TestFetchByID(t *testing.T) {
	store := new(mockStore)
	store.On("FetchByID", mock.Anything, "a1").Return(extRule("a1", "BTC", "price", "price_above", "1"), nil)
	store.On("FetchByID", mock.Anything, "nope").Return(storage.ExternalRule{}, storage.ErrNotFound)
	reg := newTestRegistry(store, nil)

	rule, err := reg.FetchByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "BTC", rule.Symbol)

	_, err = reg.FetchByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = newTestRegistry(nil, nil).FetchByID(context.Background(), "a1")
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}

func TestEvaluateIgnoresOtherSymbols(t *testing.T) {
	reg := newTestRegistry(nil, nil)
	_, err := reg.Create(priceRule("a", "BTC", DirectionAbove, "1"))
	require.NoError(t, err)
	assert.Empty(t, reg.Evaluate("ETHUSDT", decimal.NewFromInt(10), testNow, NewEvaluator(nil, 0)))

	rule, err := reg.Get("a")
	require.NoError(t, err)
	assert.True(t, rule.LastChecked.IsZero())
}
