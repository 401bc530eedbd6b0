// Package doctor checks that a daemon configuration can start and, when
// asked, that a running daemon answers on its RPC address.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"event-chat/go-backend/internal/config"
	"event-chat/go-backend/internal/miniapp/registry"
	"event-chat/go-backend/internal/wallet"
	"event-chat/go-backend/internal/waku"
)

const defaultProbeTimeout = 3 * time.Second

type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type Report struct {
	Ready     bool      `json:"ready"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Prober asks a running daemon for its transport status.
type Prober func(ctx context.Context, rpcAddr, rpcToken string) (waku.Status, error)

type Doctor struct {
	now   func() time.Time
	probe Prober
}

type Option func(*Doctor)

func WithClock(now func() time.Time) Option {
	return func(d *Doctor) { d.now = now }
}

func WithProber(p Prober) Option {
	return func(d *Doctor) { d.probe = p }
}

func New(opts ...Option) *Doctor {
	d := &Doctor{now: time.Now, probe: ProbeNetworkStatus}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run checks cfg. With live set the RPC port is expected to be taken by a
// running daemon and is probed instead of bound.
func (d *Doctor) Run(ctx context.Context, cfg config.Config, live bool) Report {
	report := Report{Ready: true, Checks: make([]Check, 0, 8), CheckedAt: d.now().UTC()}
	add := func(name string, err error) {
		c := Check{Name: name, Pass: err == nil}
		if err != nil {
			c.Reason = err.Error()
			report.Ready = false
		}
		report.Checks = append(report.Checks, c)
	}

	_, err := wallet.NormalizeAddress(cfg.Identity.Address)
	add("identity_valid", err)

	add("transport_known", validateTransport(cfg.Network.Transport))

	_, err = registry.LoadWithOverlay(cfg.Catalog.OverlayPath, registry.Builtin())
	add("catalog_loads", err)

	add("storage_configured", validateStorage(cfg.Storage))

	host, port, err := splitRPCAddr(cfg.RPC.Addr)
	add("rpc_addr_valid", err)
	if err != nil {
		return report
	}
	add("rpc_token_policy", validateTokenPolicy(host, cfg.RPC.Token))

	if !live {
		add("rpc_port_available", checkPortAvailable(host, port))
		return report
	}
	status, err := d.probe(ctx, cfg.RPC.Addr, cfg.RPC.Token)
	add("rpc_reachable", err)
	if err == nil {
		var stateErr error
		if status.State != waku.StateConnected {
			stateErr = fmt.Errorf("transport state is %q", status.State)
		}
		add("transport_connected", stateErr)
	}
	return report
}

func validateTransport(raw string) error {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", waku.TransportMock, waku.TransportGoWaku:
		return nil
	default:
		return fmt.Errorf("unknown transport %q", raw)
	}
}

func validateStorage(s config.StorageConfig) error {
	if strings.TrimSpace(s.LedgerPath) != "" && strings.TrimSpace(s.Secret) == "" {
		return errors.New("ledger path is set but storage secret is empty")
	}
	return nil
}

// validateTokenPolicy requires a token whenever the RPC listener is
// reachable from other hosts.
func validateTokenPolicy(host, token string) error {
	if strings.TrimSpace(token) != "" || isLoopback(host) {
		return nil
	}
	return fmt.Errorf("rpc token is required when listening on %q", host)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func splitRPCAddr(addr string) (string, int, error) {
	h, p, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, fmt.Errorf("rpc address %q is invalid: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("rpc address port is invalid: %q", p)
	}
	return strings.TrimSpace(h), port, nil
}

func checkPortAvailable(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("port %d is unavailable: %w", port, err)
	}
	_ = ln.Close()
	return nil
}

// ProbeNetworkStatus calls network.status on a running daemon.
func ProbeNetworkStatus(ctx context.Context, rpcAddr, rpcToken string) (status waku.Status, retErr error) {
	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	body := `{"jsonrpc":"2.0","id":1,"method":"network.status"}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+strings.TrimSpace(rpcAddr)+"/rpc", strings.NewReader(body))
	if err != nil {
		return waku.Status{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(rpcToken); token != "" {
		req.Header.Set("X-EVC-RPC-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return waku.Status{}, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return waku.Status{}, fmt.Errorf("rpc status %d", resp.StatusCode)
	}
	var decoded struct {
		Result waku.Status `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return waku.Status{}, err
	}
	if decoded.Error != nil {
		return waku.Status{}, fmt.Errorf("rpc returned error: %s", decoded.Error.Message)
	}
	return decoded.Result, nil
}
