package waku

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	ErrNotConnected  = errors.New("waku not connected")
	ErrTopicRequired = errors.New("topic is required")
	ErrUnavailable   = errors.New("go-waku backend is not available in this build")
)

var (
	runtimeStatusPollInterval = 1 * time.Second
	mockStartDelay            = 50 * time.Millisecond
)

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          bool          `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	ContentTopicApp     string        `yaml:"contentTopicApp"`
}

type Status struct {
	State     string    `json:"state"`
	PeerCount int       `json:"peerCount"`
	LastSync  time.Time `json:"lastSync"`
}

// Node is the messaging transport: publish to a topic, subscribe to a topic
// and fetch a topic's history since a point in time.
type Node struct {
	mu     sync.RWMutex
	cfg    Config
	status Status
	selfID string
	bus    *MemoryBus
	gw     goWakuBackend

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ListenAddresses() []string
	Subscribe(topic string, handler func(TopicMessage)) (func(), error)
	Publish(ctx context.Context, msg TopicMessage) error
	FetchSince(ctx context.Context, topic string, since time.Time, limit int) ([]TopicMessage, error)
}

type Option func(*Node)

// WithBus makes the mock transport share bus with other nodes.
func WithBus(bus *MemoryBus) Option {
	return func(n *Node) {
		if bus != nil {
			n.bus = bus
		}
	}
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		FailoverV1:          true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		PubsubTopic:         "/waku/2/default-waku/proto",
		ContentTopicApp:     "event-chat",
	}
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:    normalizeConfig(cfg),
		status: Status{State: StateDisconnected},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.bus == nil {
		n.bus = NewMemoryBus()
	}
	return n
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if strings.TrimSpace(cfg.PubsubTopic) == "" {
		cfg.PubsubTopic = def.PubsubTopic
	}
	if strings.TrimSpace(cfg.ContentTopicApp) == "" {
		cfg.ContentTopicApp = def.ContentTopicApp
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	cfg := n.cfg
	n.mu.Unlock()

	if cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setDisconnected()
			return ErrUnavailable
		}
		if err := backend.Start(ctx, cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount := backend.PeerCount()
		if cfg.FailoverV1 {
			var err error
			peerCount, err = waitForStartupPeerCount(ctx, backend, cfg)
			if err != nil {
				backend.Stop()
				n.setDisconnected()
				return err
			}
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	select {
	case <-ctx.Done():
		n.setDisconnected()
		return ctx.Err()
	case <-time.After(mockStartDelay):
	}

	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(cfg)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) SetIdentity(identityID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = identityID
}

func (n *Node) Identity() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.selfID
}

// Publish sends msg to every subscriber of msg.Topic and records it for
// later FetchSince calls.
func (n *Node) Publish(ctx context.Context, msg TopicMessage) error {
	gw, err := n.connectedBackend()
	if err != nil {
		return err
	}
	if strings.TrimSpace(msg.Topic) == "" {
		return ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if gw != nil {
		return gw.Publish(ctx, msg)
	}
	n.bus.publish(msg)
	return nil
}

// Subscribe registers handler for live messages on topic. The returned
// function removes the subscription and is safe to call more than once.
func (n *Node) Subscribe(topic string, handler func(TopicMessage)) (func(), error) {
	gw, err := n.connectedBackend()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(topic) == "" {
		return nil, ErrTopicRequired
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if gw != nil {
		return gw.Subscribe(topic, handler)
	}
	return n.bus.subscribe(topic, handler), nil
}

// FetchSince returns up to limit messages on topic with a timestamp not
// before since, oldest first.
func (n *Node) FetchSince(ctx context.Context, topic string, since time.Time, limit int) ([]TopicMessage, error) {
	gw, err := n.connectedBackend()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(topic) == "" {
		return nil, ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if gw != nil {
		return gw.FetchSince(ctx, topic, since, limit)
	}
	return n.bus.fetchSince(topic, since, limit), nil
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) connectedBackend() (goWakuBackend, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.status.State != StateConnected && n.status.State != StateDegraded {
		return nil, ErrNotConnected
	}
	return n.gw, nil
}

// IsTransient reports whether a transport error is worth one retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		n.refreshRuntimeStatus()

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	gw := n.gw
	n.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func waitForStartupPeerCount(ctx context.Context, backend goWakuBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timer := time.NewTimer(startupHandshakeTimeout(cfg))
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	base := cfg.ReconnectInterval
	if base <= 0 {
		base = time.Second
	}
	timeout := base * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}
