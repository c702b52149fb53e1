// Package config loads settings from the environment (plus an optional .env
// file) and notifies subscribers on reload so the consumer count and worker
// pool can be resized without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// QueueConfig tunes the ingestion pipeline.
type QueueConfig struct {
	ConsumerCount  int
	RetryAttempts  int
	MaxProcesses   int
	ProcessTimeout time.Duration
}

// Config is the full application configuration.
type Config struct {
	RPCURL           string
	WSURL            string
	MonitoredWallets []string
	FollowAmount     float64
	Queue            QueueConfig
	TradeEndpoint    string
	DBPath           string
	Addr             string
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() (Config, error) {
	cfg := Config{
		RPCURL:        env("SLOTFLOW_RPC_URL", "https://api.mainnet-beta.solana.com"),
		WSURL:         env("SLOTFLOW_WS_URL", "wss://api.mainnet-beta.solana.com"),
		FollowAmount:  envFloat("SLOTFLOW_FOLLOW_AMOUNT", 0.05),
		TradeEndpoint: env("SLOTFLOW_TRADE_ENDPOINT", ""),
		DBPath:        env("SLOTFLOW_DB", "slotflow.db"),
		Addr:          env("SLOTFLOW_ADDR", ":8080"),
		Queue: QueueConfig{
			ConsumerCount:  envInt("SLOTFLOW_CONSUMERS", 2),
			RetryAttempts:  envInt("SLOTFLOW_RETRY_ATTEMPTS", 5),
			MaxProcesses:   envInt("SLOTFLOW_MAX_PROCESSES", 4),
			ProcessTimeout: envDuration("SLOTFLOW_PROCESS_TIMEOUT", 90*time.Second),
		},
	}
	if raw := os.Getenv("SLOTFLOW_WALLETS"); raw != "" {
		for _, w := range strings.Split(raw, ",") {
			if w = strings.TrimSpace(w); w != "" {
				cfg.MonitoredWallets = append(cfg.MonitoredWallets, w)
			}
		}
	}
	if cfg.Queue.ConsumerCount < 0 {
		return cfg, fmt.Errorf("config: consumer count must be >= 0")
	}
	if cfg.FollowAmount < 0 {
		return cfg, fmt.Errorf("config: follow amount must be >= 0")
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Provider holds the current Config and fans out change notifications.
type Provider struct {
	mu   sync.RWMutex
	cfg  Config
	subs []func(Config)
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) Get() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Subscribe registers fn to run after every successful Reload.
func (p *Provider) Subscribe(fn func(Config)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// Reload re-reads .env and the environment and notifies subscribers.
func (p *Provider) Reload() error {
	_ = godotenv.Overload()
	cfg, err := fromEnv()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	subs := p.subs
	p.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}
