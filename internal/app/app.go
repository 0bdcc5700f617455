package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cryptoalarm/internal/alerting"
	"cryptoalarm/internal/config"
	"cryptoalarm/internal/feed"
	"cryptoalarm/internal/opsserver"
	"cryptoalarm/internal/rules"
	"cryptoalarm/internal/scheduler"
	"cryptoalarm/internal/service"
	"cryptoalarm/internal/storage"
	"cryptoalarm/internal/symbols"
	"cryptoalarm/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// storeHandle bundles the capabilities of the configured backend. store is
// the bounded decorator used on the hot path; the rest are optional extras.
type storeHandle struct {
	store  storage.RuleStore
	pinger storage.Pinger
	logs   storage.LogReader
	locker storage.AdvisoryLocker
	close  func()
}

func (h *storeHandle) Close() {
	if h != nil && h.close != nil {
		h.close()
	}
}

func (a *App) openStore(ctx context.Context) (*storeHandle, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := storage.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pg := storage.NewPostgresStore(pool, a.Logger)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		bounded := storage.NewBounded(pg, cfg.Timeout)
		return &storeHandle{store: bounded, pinger: bounded, logs: pg, locker: pg, close: pg.Close}, nil
	case config.DriverSQLite:
		local, err := storage.OpenLocalStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		bounded := storage.NewBounded(local, cfg.Timeout)
		return &storeHandle{store: bounded, pinger: bounded, logs: local, close: local.Close}, nil
	default:
		return nil, nil
	}
}

func (a *App) requireStore(ctx context.Context) (*storeHandle, error) {
	handle, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, fmt.Errorf("store.driver is %q: %w", a.Config.Store.Driver, storage.ErrNotConfigured)
	}
	return handle, nil
}

func (a *App) newNormalizer() *symbols.Normalizer {
	return symbols.New(symbols.Options{
		Quote:      a.Config.Symbols.Quote,
		ExtraPairs: a.Config.Symbols.ExtraPairs,
		Names:      a.Config.Symbols.Names,
	})
}

// newSinks builds one sink per configured channel. In dry-run mode every
// channel logs instead of delivering.
func (a *App) newSinks() ([]alerting.Sink, func(), error) {
	cfg := a.Config.Notify
	noop := func() {}

	if cfg.DryRun {
		all := []rules.Channel{rules.ChannelVoice, rules.ChannelSMS, rules.ChannelEmail, rules.ChannelPush}
		sinks := make([]alerting.Sink, 0, len(all))
		for _, ch := range all {
			sinks = append(sinks, alerting.NewLogSink(ch, a.Logger))
		}
		return sinks, noop, nil
	}

	var sinks []alerting.Sink
	if cfg.Twilio.Enabled {
		opts := alerting.TwilioOptions{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.From,
			APIBase:    cfg.Twilio.APIBase,
			Timeout:    cfg.Timeout,
		}
		for _, ch := range []rules.Channel{rules.ChannelVoice, rules.ChannelSMS} {
			sink, err := alerting.NewTwilioSink(ch, opts, a.Logger)
			if err != nil {
				return nil, noop, err
			}
			sinks = append(sinks, sink)
		}
	}
	if cfg.Email.Enabled {
		sink, err := alerting.NewEmailSink(alerting.EmailOptions{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		}, a.Logger)
		if err != nil {
			return nil, noop, err
		}
		sinks = append(sinks, sink)
	}

	closer := noop
	if cfg.Push.Enabled {
		sink, err := alerting.NewPushSink(cfg.Push.Brokers, cfg.Push.Topic, a.Logger)
		if err != nil {
			return nil, noop, err
		}
		sinks = append(sinks, sink)
		closer = func() {
			if err := sink.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close push writer")
			}
		}
	}

	if len(sinks) == 0 {
		a.Logger.Warn().Msg("no notification channel enabled; triggers are only logged")
	}
	return sinks, closer, nil
}

func (a *App) newFanout(sinks []alerting.Sink) *alerting.Fanout {
	cfg := a.Config.Notify
	return alerting.NewFanout(sinks, alerting.FanoutOptions{
		Timeout: cfg.Timeout,
		Rate:    cfg.Rate,
		Burst:   cfg.Burst,
	}, a.Logger)
}

// pipeline is the wired evaluation and dispatch path shared by run and simulate.
type pipeline struct {
	norm       *symbols.Normalizer
	registry   *rules.Registry
	evaluator  *rules.Evaluator
	fanout     *alerting.Fanout
	dispatcher *alerting.Dispatcher
	recorder   *alerting.Recorder
	service    *service.Service
	closeSinks func()
}

func (a *App) newPipeline(store storage.RuleStore) (*pipeline, error) {
	norm := a.newNormalizer()

	sinks, closeSinks, err := a.newSinks()
	if err != nil {
		return nil, err
	}

	registry := rules.NewRegistry(rules.Options{
		Store:      store,
		Normalizer: norm,
		Interval:   a.Config.Registry.ReconcileInterval,
		Logger:     a.Logger,
	})
	evaluator := rules.NewEvaluator(norm, a.Config.Registry.Cooldown)
	fanout := a.newFanout(sinks)
	dispatcher := alerting.NewDispatcher(fanout, alerting.DispatcherOptions{
		Workers:   a.Config.Notify.Workers,
		QueueSize: a.Config.Notify.QueueSize,
	}, a.Logger)

	svc := service.New(registry, evaluator, norm, store, dispatcher, service.Options{
		Workers:   a.Config.Pipeline.Workers,
		QueueSize: a.Config.Pipeline.QueueSize,
	}, a.Logger)

	return &pipeline{
		norm:       norm,
		registry:   registry,
		evaluator:  evaluator,
		fanout:     fanout,
		dispatcher: dispatcher,
		recorder:   alerting.NewRecorder(store, a.Logger),
		service:    svc,
		closeSinks: closeSinks,
	}, nil
}

func (a *App) newFeed(norm *symbols.Normalizer) feed.Feed {
	cfg := a.Config.Feed
	pairs := cfg.Pairs
	if len(pairs) == 0 {
		pairs = norm.Pairs()
	}
	binance.UseTestnet = cfg.UseBinanceTestnet

	opts := feed.Options{
		Pairs:        pairs,
		BufferSize:   cfg.BufferSize,
		PollInterval: cfg.PollInterval,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}
	if cfg.Mode == config.FeedModePoll {
		return feed.NewBinancePoller(opts, a.Logger)
	}
	return feed.NewBinanceStream(opts, a.Logger)
}

// acquireLeadership blocks until this instance holds the advisory lock, so
// only one instance fires rules against a shared store.
func (a *App) acquireLeadership(ctx context.Context, locker storage.AdvisoryLocker) (func(), error) {
	key := a.Config.Store.AdvisoryLockKey
	retry := a.Config.Registry.ReconcileInterval
	if retry <= 0 {
		retry = 30 * time.Second
	}
	for {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if acquired {
			a.Logger.Info().Int64("lock_key", key).Msg("advisory lock acquired")
			return unlock, nil
		}
		a.Logger.Info().Dur("retry", retry).Msg("another instance holds the advisory lock; standing by")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	handle, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer handle.Close()

	var store storage.RuleStore
	var pinger storage.Pinger
	if handle == nil {
		a.Logger.Warn().Msg("store.driver is none; evaluating local rules only")
	} else {
		store = handle.store
		pinger = handle.pinger
		if handle.locker != nil {
			unlock, err := a.acquireLeadership(ctx, handle.locker)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			defer unlock()
		}
	}

	p, err := a.newPipeline(store)
	if err != nil {
		return err
	}
	defer p.closeSinks()

	if store != nil {
		if n, err := p.registry.Reconcile(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("initial reconcile failed; retrying on schedule")
		} else {
			a.Logger.Info().Int("rules", n).Msg("initial reconcile complete")
		}
	}

	samples, err := a.newFeed(p.norm).Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe price feed: %w", err)
	}

	// in-flight notifications finish after shutdown starts; each send has
	// its own timeout
	dispatchCtx := context.WithoutCancel(ctx)
	p.dispatcher.Start(dispatchCtx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.recorder.Consume(dispatchCtx, p.dispatcher.Results())
		return nil
	})

	g.Go(func() error {
		err := p.service.Run(gctx, samples)
		p.dispatcher.Close()
		cancel()
		return err
	})

	if store != nil {
		sched := scheduler.New(scheduler.Options{
			Name:            "reconcile",
			Interval:        a.Config.Registry.ReconcileInterval,
			AlignToInterval: a.Config.Registry.AlignToInterval,
		}, a.Logger)
		g.Go(func() error {
			err := sched.Run(gctx, func(ctx context.Context, _ time.Time) error {
				_, err := p.registry.Reconcile(ctx)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.Config.Ops.Enabled {
		srv := opsserver.New(a.Config.Ops.Addr, opsserver.Deps{
			Registry:   p.registry,
			Evaluator:  p.evaluator,
			Dispatcher: p.dispatcher,
			Pinger:     pinger,
			Tester:     p.service,
			Notifier:   p.fanout,
		}, a.Logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	a.Logger.Info().Str("version", version.String()).Str("feed", a.Config.Feed.Mode).Msg("starting monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// RulesOptions filter the rules listing.
type RulesOptions struct {
	Owner  string
	Status rules.Status
}

// LogsOptions configure the logs command.
type LogsOptions struct {
	Limit int
}

// SimulateOptions describe a one-off rule replayed against fixed prices.
type SimulateOptions struct {
	Symbol      string
	Kind        rules.Kind
	Direction   rules.Direction
	Target      string
	Prices      []string
	Channel     string
	Destination string
	Message     string
	Recurring   bool
}

// TestNotifyOptions address a single test notification.
type TestNotifyOptions struct {
	Channel     string
	Destination string
	Message     string
}
