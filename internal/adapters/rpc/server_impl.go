package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"event-chat/go-backend/internal/ledger"
	"event-chat/go-backend/internal/metrics"
	"event-chat/go-backend/internal/miniapp"
	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/platform/ratelimiter"
	"event-chat/go-backend/internal/runtime"
	"event-chat/go-backend/internal/waku"
	"event-chat/go-backend/pkg/models"
)

const DefaultRPCAddr = "127.0.0.1:8787"

const rpcTokenHeader = "X-EVC-RPC-Token"

// Service is the runtime surface exposed over JSON-RPC.
type Service interface {
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error

	Catalog() []registry.Config
	LaunchApp(ctx context.Context, appID, conversationID, initiator string) (runtime.LaunchResult, error)
	ExecuteAction(ctx context.Context, sessionID, action string, params json.RawMessage, actor string) (runtime.ActionResult, error)
	GetSession(sessionID string) (miniapp.View, error)
	EndSession(sessionID string)

	GetOrCreateConversation(peerOrTopic, initiator string) (models.Conversation, error)
	Conversations() []models.Conversation
	MarkRead(conversationID string) error
	SendText(ctx context.Context, conversationID, text string) (models.Message, error)
	Messages(conversationID string, limit, offset int) ([]models.Message, error)
	StreamSubscribe(ctx context.Context, conversationID string, onMessage func(models.Message)) (*ledger.Subscription, error)

	NetworkStatus() waku.Status
}

type Config struct {
	Addr      string
	Token     string
	RateLimit ratelimiter.Config
	Streams   StreamLimits
}

type Server struct {
	httpServer *http.Server
	service    Service
	rpcToken   string
	rpcLimiter *ratelimiter.MapLimiter
	streams    *rpcStreamLimiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	replays    *replayCache
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(cfg Config, svc Service, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultRPCAddr
	}
	s := &Server{
		service:     svc,
		rpcToken:    strings.TrimSpace(cfg.Token),
		rpcLimiter:  ratelimiter.New(cfg.RateLimit),
		streams:     newRPCStreamLimiter(cfg.Streams),
		logger:      slog.Default(),
		replays:     newReplayCache(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rpcToken == "" {
		s.logger.Warn("rpc token is not set; RPC auth disabled", "component", "rpc", "operation", "rpc.init")
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleRPCStream)
	if s.metrics == nil {
		return mux
	}
	mux.Handle("/metrics", s.metrics.Handler())
	return s.metrics.InstrumentHandler(mux)
}

// Run starts the service and serves until ctx is done, then shuts both
// down.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	if err := s.service.Init(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := s.service.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.service.Shutdown(shutdownCtx)
		cancel()
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := map[string]string{"status": "ok"}
	if s.service != nil {
		status["transport"] = s.service.NetworkStatus().State
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+rpcTokenHeader+", "+rpcIdempotencyHeader)
	return true
}

func (s *Server) authorizeRPC(w http.ResponseWriter, r *http.Request) bool {
	if s.rpcToken == "" {
		return true
	}
	if s.extractRPCToken(r) != s.rpcToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) extractRPCToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get(rpcTokenHeader))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func isAllowedOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
