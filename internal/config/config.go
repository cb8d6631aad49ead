// Package config loads the struct-of-structs YAML configuration shared
// by the three process entrypoints (cmd/scheduler, cmd/worker,
// cmd/gateway): yaml-tagged structs with env var overrides layered on
// top, loaded once at process startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level document every process loads a subset of.
type Config struct {
	Relays    RelaysConfig    `yaml:"relays"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Deadlines DeadlinesConfig `yaml:"deadlines"`
}

// RelaysConfig lists the default relay set new asks/profiles publish
// to when a caller doesn't supply its own.
type RelaysConfig struct {
	Discovery []string `yaml:"discovery"`
}

// DatabaseConfig configures the scheduler's Store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig configures cmd/scheduler.
type SchedulerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	PollIntervalSeconds int    `yaml:"poll_interval_sec"`
	StartTimeoutSeconds int    `yaml:"start_timeout_sec"`
	ReconnectTimeoutSec int    `yaml:"reconnect_timeout_sec"`
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	SchedulerURL string   `yaml:"scheduler_url"`
	Capacity     int      `yaml:"capacity"`
	Types        []string `yaml:"types"`
	// ID durably identifies this worker to the scheduler across
	// reconnects. Left empty, worker.Worker generates a
	// random one at startup that only survives the process lifetime —
	// set this to get adoption across worker restarts too.
	ID string `yaml:"id"`
}

// GatewayConfig configures cmd/gateway's OpenAI-compatible HTTP proxy.
// Hashtags scope the gateway's ask discovery when a request carries
// none of its own.
type GatewayConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	Hashtags   []string `yaml:"hashtags"`
}

// DeadlinesConfig carries the protocol's default wait deadlines.
type DeadlinesConfig struct {
	BidCollectionSeconds int `yaml:"bid_collection_sec"`
	QuoteWaitSeconds     int `yaml:"quote_wait_sec"`
	ReplyWaitSeconds     int `yaml:"reply_wait_sec"`
}

// Default returns a Config with the standard deadlines (5s bid
// collection, 30s quote wait, 60s reply wait) already set.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			ListenAddr:          ":8181",
			PollIntervalSeconds: 2,
			StartTimeoutSeconds: 60,
			ReconnectTimeoutSec: 60,
		},
		Worker: WorkerConfig{
			Capacity: 4,
		},
		Gateway: GatewayConfig{
			ListenAddr: ":8080",
			Hashtags:   []string{"ai"},
		},
		Deadlines: DeadlinesConfig{
			BidCollectionSeconds: 5,
			QuoteWaitSeconds:     30,
			ReplyWaitSeconds:     60,
		},
	}
}

// Load reads a YAML document from path over Default(), then applies
// ASKEXPERTS_* environment overrides on top — env always wins over
// file values.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASKEXPERTS_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ASKEXPERTS_SCHEDULER_ADDR"); v != "" {
		cfg.Scheduler.ListenAddr = v
	}
	if v := os.Getenv("ASKEXPERTS_SCHEDULER_URL"); v != "" {
		cfg.Worker.SchedulerURL = v
	}
	if v := os.Getenv("ASKEXPERTS_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("ASKEXPERTS_GATEWAY_HASHTAGS"); v != "" {
		cfg.Gateway.Hashtags = strings.Split(v, ",")
	}
	if v := os.Getenv("ASKEXPERTS_RELAYS"); v != "" {
		cfg.Relays.Discovery = strings.Split(v, ",")
	}
	if v := os.Getenv("ASKEXPERTS_WORKER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Capacity = n
		}
	}
	if v := os.Getenv("ASKEXPERTS_WORKER_TYPES"); v != "" {
		cfg.Worker.Types = strings.Split(v, ",")
	}
	if v := os.Getenv("ASKEXPERTS_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
}

// Duration helpers turn the config's plain-int seconds fields into
// time.Duration at the point of use, keeping the YAML shape flat and
// human-editable.
func (d DeadlinesConfig) BidCollection() time.Duration {
	return time.Duration(d.BidCollectionSeconds) * time.Second
}

func (d DeadlinesConfig) QuoteWait() time.Duration {
	return time.Duration(d.QuoteWaitSeconds) * time.Second
}

func (d DeadlinesConfig) ReplyWait() time.Duration {
	return time.Duration(d.ReplyWaitSeconds) * time.Second
}

func (s SchedulerConfig) StartTimeout() time.Duration {
	return time.Duration(s.StartTimeoutSeconds) * time.Second
}

func (s SchedulerConfig) ReconnectTimeout() time.Duration {
	return time.Duration(s.ReconnectTimeoutSec) * time.Second
}
