package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"event-chat/go-backend/internal/platform/ratelimiter"
	"event-chat/go-backend/internal/waku"
)

type Config struct {
	Identity IdentityConfig
	Network  waku.Config
	Sessions SessionsConfig
	RPC      RPCConfig
	Storage  StorageConfig
	Catalog  CatalogConfig
	Logging  LoggingConfig
}

type IdentityConfig struct {
	// Address is the local wallet address messages are sent as.
	Address string `yaml:"address"`
}

type SessionsConfig struct {
	SweepInterval time.Duration      `yaml:"sweepInterval"`
	ActionLimit   ratelimiter.Config `yaml:"actionLimit"`
}

type RPCConfig struct {
	Addr      string             `yaml:"addr"`
	Token     string             `yaml:"token"`
	RateLimit ratelimiter.Config `yaml:"rateLimit"`
}

type StorageConfig struct {
	LedgerPath string `yaml:"ledgerPath"`
	Secret     string `yaml:"secret"`
}

type CatalogConfig struct {
	OverlayPath string `yaml:"overlayPath"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type fileConfig struct {
	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	Sessions SessionsConfig `yaml:"sessions"`
	RPC      RPCConfig      `yaml:"rpc"`
	Storage  StorageConfig  `yaml:"storage"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NetworkConfig is the yaml form of waku.Config. Booleans are pointers so an
// omitted key keeps the default.
type NetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          *bool         `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	ContentTopicApp     string        `yaml:"contentTopicApp"`
}

func Default() Config {
	return Config{
		Network: waku.DefaultConfig(),
		Sessions: SessionsConfig{
			SweepInterval: 5 * time.Minute,
			ActionLimit:   ratelimiter.Config{Enabled: true, RPS: 5, Burst: 10},
		},
		RPC: RPCConfig{
			Addr:      "127.0.0.1:8787",
			RateLimit: ratelimiter.Config{Enabled: true, RPS: 20, Burst: 40},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configPath, or the first default location that exists, and
// applies EVC_* environment overrides. A missing default file is not an
// error; a missing explicit path or malformed yaml is.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"go-backend/configs/config.yaml", "configs/config.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath == "" && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}
	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

func merge(dst *Config, src fileConfig) {
	if src.Identity.Address != "" {
		dst.Identity.Address = src.Identity.Address
	}
	MergeNetwork(&dst.Network, src.Network)
	if src.Sessions.SweepInterval > 0 {
		dst.Sessions.SweepInterval = src.Sessions.SweepInterval
	}
	mergeLimit(&dst.Sessions.ActionLimit, src.Sessions.ActionLimit)
	if src.RPC.Addr != "" {
		dst.RPC.Addr = src.RPC.Addr
	}
	if src.RPC.Token != "" {
		dst.RPC.Token = src.RPC.Token
	}
	mergeLimit(&dst.RPC.RateLimit, src.RPC.RateLimit)
	if src.Storage.LedgerPath != "" {
		dst.Storage.LedgerPath = src.Storage.LedgerPath
	}
	if src.Storage.Secret != "" {
		dst.Storage.Secret = src.Storage.Secret
	}
	if src.Catalog.OverlayPath != "" {
		dst.Catalog.OverlayPath = src.Catalog.OverlayPath
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
}

// mergeLimit copies a rate limit section only when it was written out;
// a section with every field zero is treated as absent.
func mergeLimit(dst *ratelimiter.Config, src ratelimiter.Config) {
	if src == (ratelimiter.Config{}) {
		return
	}
	*dst = src
}

func MergeNetwork(dst *waku.Config, src NetworkConfig) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
	if src.EnableFilter != nil {
		dst.EnableFilter = *src.EnableFilter
	}
	if src.EnableLightPush != nil {
		dst.EnableLightPush = *src.EnableLightPush
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.FailoverV1 != nil {
		dst.FailoverV1 = *src.FailoverV1
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.StoreQueryFanout != 0 {
		dst.StoreQueryFanout = src.StoreQueryFanout
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
	if src.PubsubTopic != "" {
		dst.PubsubTopic = src.PubsubTopic
	}
	if src.ContentTopicApp != "" {
		dst.ContentTopicApp = src.ContentTopicApp
	}
}

func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("EVC_IDENTITY_ADDRESS", &cfg.Identity.Address)
	setString("EVC_NETWORK_TRANSPORT", &cfg.Network.Transport)
	setString("EVC_RPC_ADDR", &cfg.RPC.Addr)
	setString("EVC_RPC_TOKEN", &cfg.RPC.Token)
	setString("EVC_STORAGE_LEDGER_PATH", &cfg.Storage.LedgerPath)
	setString("EVC_STORAGE_SECRET", &cfg.Storage.Secret)
	setString("EVC_CATALOG_OVERLAY", &cfg.Catalog.OverlayPath)
	setString("EVC_LOG_LEVEL", &cfg.Logging.Level)

	if raw := strings.TrimSpace(os.Getenv("EVC_NETWORK_FAILOVER_V1")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Network.FailoverV1 = v
		}
	}
	if raw := strings.TrimSpace(os.Getenv("EVC_SESSIONS_SWEEP_INTERVAL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Sessions.SweepInterval = d
		}
	}
}
