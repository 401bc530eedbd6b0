// Package runtime wires the transport, ledger, session manager, dispatcher
// and envelope builder into one service. Everything is constructed
// explicitly in New; there are no package-level singletons.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"event-chat/go-backend/internal/config"
	"event-chat/go-backend/internal/ledger"
	"event-chat/go-backend/internal/metrics"
	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/apps/echo"
	"event-chat/go-backend/internal/miniapp/apps/poll"
	"event-chat/go-backend/internal/miniapp/apps/splitter"
	"event-chat/go-backend/internal/miniapp/envelope"
	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/platform/ratelimiter"
	"event-chat/go-backend/internal/securestore"
	"event-chat/go-backend/internal/waku"
	"event-chat/go-backend/internal/wallet"
)

const (
	componentName          = "runtime"
	transportStateInterval = time.Second
)

var ErrStorageSecretRequired = errors.New("storage secret is required when a ledger path is configured")

type Service struct {
	identity string
	logger   *slog.Logger
	now      func() time.Time

	node       *waku.Node
	ledger     *ledger.Ledger
	registry   *registry.Registry
	sessions   *miniapp.Manager
	dispatcher *miniapp.Dispatcher
	envelopes  *envelope.Builder
	metrics    *metrics.Metrics

	startStopMu sync.Mutex
	running     bool
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

type options struct {
	logger     *slog.Logger
	payer      wallet.Payer
	metrics    *metrics.Metrics
	bus        *waku.MemoryBus
	now        func() time.Time
	retryDelay *time.Duration
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPayer replaces the mock wallet.
func WithPayer(p wallet.Payer) Option {
	return func(o *options) { o.payer = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBus shares one in-process bus between several services, which lets
// tests run two peers against the mock transport.
func WithBus(bus *waku.MemoryBus) Option {
	return func(o *options) { o.bus = bus }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = &d }
}

func New(cfg config.Config, opts ...Option) (*Service, error) {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.payer == nil {
		o.payer = wallet.NewMockPayer()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	identity, err := wallet.NormalizeAddress(cfg.Identity.Address)
	if err != nil {
		return nil, fmt.Errorf("identity address: %w", err)
	}

	reg, err := registry.LoadWithOverlay(cfg.Catalog.OverlayPath, registry.Builtin())
	if err != nil {
		return nil, err
	}

	var nodeOpts []waku.Option
	if o.bus != nil {
		nodeOpts = append(nodeOpts, waku.WithBus(o.bus))
	}
	node := waku.NewNode(cfg.Network, nodeOpts...)
	node.SetIdentity(identity)

	ledgerOpts := []ledger.Option{
		ledger.WithTransport(node),
		ledger.WithClock(o.now),
		ledger.WithLogger(o.logger),
	}
	if cfg.Storage.LedgerPath != "" {
		if !securestore.Configured(cfg.Storage.LedgerPath, cfg.Storage.Secret) {
			return nil, ErrStorageSecretRequired
		}
		file, err := securestore.OpenFile(cfg.Storage.LedgerPath, cfg.Storage.Secret)
		if err != nil {
			return nil, err
		}
		ledgerOpts = append(ledgerOpts, ledger.WithStore(file))
	}
	l, err := ledger.New(identity, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	sessions := miniapp.NewManager(
		miniapp.WithManagerClock(o.now),
		miniapp.WithManagerLogger(o.logger),
		miniapp.WithSweepInterval(cfg.Sessions.SweepInterval),
		miniapp.WithSweepHook(o.metrics.ObserveSweep),
	)
	o.metrics.TrackActiveSessions(sessions.Count)

	dispatcher := miniapp.NewDispatcher(reg,
		miniapp.WithRateLimiter(ratelimiter.New(cfg.Sessions.ActionLimit)),
		miniapp.WithObserver(o.metrics),
		miniapp.WithDispatcherClock(o.now),
		miniapp.WithDispatcherLogger(o.logger),
	)
	registerHandlers(dispatcher, reg, o.payer)

	envOpts := []envelope.Option{envelope.WithClock(o.now), envelope.WithLogger(o.logger)}
	if o.retryDelay != nil {
		envOpts = append(envOpts, envelope.WithRetryDelay(*o.retryDelay))
	}

	return &Service{
		identity:   identity,
		logger:     o.logger,
		now:        o.now,
		node:       node,
		ledger:     l,
		registry:   reg,
		sessions:   sessions,
		dispatcher: dispatcher,
		envelopes:  envelope.New(node, l, envOpts...),
		metrics:    o.metrics,
	}, nil
}

// registerHandlers binds the built-in handlers; catalog entries without one
// (for example apps added by an overlay) get the echo handler.
func registerHandlers(d *miniapp.Dispatcher, reg *registry.Registry, payer wallet.Payer) {
	d.Register(registry.AppPaymentSplitter, splitter.New(payer))
	d.Register(registry.AppEventPoll, poll.New())
	for _, app := range reg.List() {
		if !d.HasHandler(app.ID) {
			d.Register(app.ID, echo.New())
		}
	}
}

// Init starts the transport node and the session sweep.
func (s *Service) Init(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if s.running {
		return nil
	}
	if err := s.node.Start(ctx); err != nil {
		s.logWarn("runtime.init", "n/a", "transport start failed", "error", err.Error())
		return err
	}
	if err := s.sessions.Start(); err != nil {
		_ = s.node.Stop(ctx)
		return err
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	s.stopMonitor = cancel
	s.monitorDone = make(chan struct{})
	go s.monitorTransport(monitorCtx, s.monitorDone)
	s.running = true
	s.logInfo("runtime.init", "n/a", "runtime started", "transport", s.node.Status().State)
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.stopMonitor()
	<-s.monitorDone

	var errs []error
	if err := s.sessions.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop session sweep: %w", err))
	}
	if err := s.node.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop transport: %w", err))
	}
	s.metrics.SetTransportState(s.node.Status().State)
	s.logInfo("runtime.shutdown", "n/a", "runtime stopped")
	return errors.Join(errs...)
}

func (s *Service) monitorTransport(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(transportStateInterval)
	defer ticker.Stop()
	for {
		s.metrics.SetTransportState(s.node.Status().State)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) Identity() string {
	return s.identity
}

func (s *Service) NetworkStatus() waku.Status {
	return s.node.Status()
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}
