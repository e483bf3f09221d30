// Package config assembles the Config struct tree dakrunner loads from a
// YAML file and hands to each component's constructor: a Config struct of
// nested per-component structs, a DefaultConfig constructor, and
// getEnv*OrDefault helpers. The core scheduler packages never read this
// struct or the environment directly — only cmd/dakrunner does,
// translating it into the constructor arguments each package already
// exposes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/dakota-project/evalsched/pkg/failure"
	"github.com/dakota-project/evalsched/pkg/partition"
	"github.com/dakota-project/evalsched/pkg/scheduler"
)

// Config is the full tree dakrunner loads from a single YAML file.
type Config struct {
	InterfaceID string        `yaml:"interface_id"`
	Partition   PartitionSpec `yaml:"partition"`
	Scheduler   SchedulerSpec `yaml:"scheduler"`
	Cache       CacheSpec     `yaml:"cache"`
	Journal     JournalSpec   `yaml:"journal"`
	Failure     FailureSpec   `yaml:"failure"`
	Transport   TransportSpec `yaml:"transport"`
	Status      StatusSpec    `yaml:"status"`
}

// PartitionSpec configures one parallel level's partition.Directives.
type PartitionSpec struct {
	NumServers      int    `yaml:"num_servers"`
	ProcsPerServer  int    `yaml:"procs_per_server"`
	Topology        string `yaml:"topology"`   // "dedicated_master", "peer", or "" for auto
	Scheduling      string `yaml:"scheduling"` // "dynamic", "static", or "" for auto
	ConcurrencyHint int    `yaml:"concurrency_hint"`
}

// Directives converts the YAML-facing spec into partition.Directives.
func (p PartitionSpec) Directives() partition.Directives {
	d := partition.Directives{
		NumServers:      p.NumServers,
		ProcsPerServer:  p.ProcsPerServer,
		ConcurrencyHint: p.ConcurrencyHint,
	}
	switch p.Topology {
	case "dedicated_master":
		d.Topology = partition.DedicatedMaster
	case "peer":
		d.Topology = partition.Peer
	}
	switch p.Scheduling {
	case "dynamic":
		d.Scheduling = partition.SchedulingDynamic
	case "static":
		d.Scheduling = partition.SchedulingStatic
	}
	return d
}

// SchedulerSpec configures the scheduler.Policy and its options.
type SchedulerSpec struct {
	Policy            string `yaml:"policy"`
	AsyncConcurrency  int    `yaml:"async_concurrency"`
	LoadBalancePolicy string `yaml:"load_balance_policy"` // "min_load" (default) or "round_robin"
}

// SchedulerPolicy converts the YAML-facing name into a scheduler.Policy.
func (s SchedulerSpec) SchedulerPolicy() scheduler.Policy { return scheduler.Policy(s.Policy) }

// LoadBalancer builds the configured scheduler.LoadBalancePolicy.
func (s SchedulerSpec) LoadBalancer() scheduler.LoadBalancePolicy {
	if s.LoadBalancePolicy == "round_robin" {
		return &scheduler.RoundRobinPolicy{}
	}
	return scheduler.MinLoadPolicy{}
}

// CacheSpec configures the in-memory cache and its optional shared Redis
// backend.
type CacheSpec struct {
	Enabled    bool       `yaml:"enabled"`
	MaxEntries int        `yaml:"max_entries"`
	Redis      *RedisSpec `yaml:"redis"`
}

// RedisSpec configures cache.RedisStore, the optional shared-cache backend
// for cooperating interface instances of the same InterfaceID.
type RedisSpec struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// JournalSpec configures the restart journal and its optional durable
// Postgres backend.
type JournalSpec struct {
	Path         string        `yaml:"path"`
	FlushOnWrite bool          `yaml:"flush_on_write"`
	Postgres     *PostgresSpec `yaml:"postgres"`
}

// PostgresSpec configures journal.PostgresStore.
type PostgresSpec struct {
	DSN             string        `yaml:"dsn"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// FailureSpec configures the failure manager.
type FailureSpec struct {
	Policy          string    `yaml:"policy"`
	RetryLimit      int       `yaml:"retry_limit"`
	RecoverValue    []float64 `yaml:"recover_value"`
	ContinuationMax int       `yaml:"continuation_max"`
	RetryBackoffRPS float64   `yaml:"retry_backoff_rps"`
	RetryBurst      int       `yaml:"retry_burst"`
}

// ManagerConfig converts the YAML-facing config into failure.Config.
func (f FailureSpec) ManagerConfig() failure.Config {
	return failure.Config{
		Policy:          failure.Policy(f.Policy),
		RetryLimit:      f.RetryLimit,
		RecoverValue:    f.RecoverValue,
		ContinuationMax: f.ContinuationMax,
		RetryBackoff:    rate.Limit(f.RetryBackoffRPS),
		RetryBurst:      f.RetryBurst,
	}
}

// TransportSpec chooses and configures one of the three transport.Transport
// implementations.
type TransportSpec struct {
	Kind   string      `yaml:"kind"` // "inprocess", "wsmesh", or "p2pmesh"
	WSMesh *WSMeshSpec `yaml:"wsmesh"`
	P2P    *P2PSpec    `yaml:"p2p"`
}

// WSMeshSpec configures the websocket hub-and-spoke transport.
type WSMeshSpec struct {
	HubListen       string        `yaml:"hub_listen"`
	HandshakeSecret string        `yaml:"handshake_secret"`
	HandshakeTTL    time.Duration `yaml:"handshake_ttl"`
	ACMEDomain      string        `yaml:"acme_domain"`
	ACMECacheDir    string        `yaml:"acme_cache_dir"`
}

// P2PSpec configures the libp2p peer-mesh transport.
type P2PSpec struct {
	ListenAddr string        `yaml:"listen_addr"`
	Peers      []P2PPeerAddr `yaml:"peers"`
}

// P2PPeerAddr names one static peer's rank and dialable multiaddr.
type P2PPeerAddr struct {
	Rank int    `yaml:"rank"`
	Addr string `yaml:"addr"`
}

// StatusSpec configures the optional read-only status/metrics HTTP surface.
type StatusSpec struct {
	Listen      string   `yaml:"listen"`
	CorsOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the configuration a single local-sync interface
// runs with out of the box: a restart journal at restart.evalsched (or
// $EVALSCHED_JOURNAL_PATH), no shared cache, in-process transport, no
// status surface.
func DefaultConfig() *Config {
	return &Config{
		InterfaceID: "default",
		Scheduler: SchedulerSpec{
			Policy:           string(scheduler.PolicyLocalSync),
			AsyncConcurrency: 1,
		},
		Cache: CacheSpec{
			Enabled:    true,
			MaxEntries: getEnvIntOrDefault("EVALSCHED_CACHE_MAX_ENTRIES", 0),
		},
		Journal: JournalSpec{
			Path:         getEnvOrDefault("EVALSCHED_JOURNAL_PATH", "restart.evalsched"),
			FlushOnWrite: true,
		},
		Failure: FailureSpec{
			Policy:     string(failure.PolicyAbort),
			RetryLimit: 3,
		},
		Transport: TransportSpec{
			Kind: "inprocess",
		},
	}
}

// Load reads and parses a YAML configuration file, starting from
// DefaultConfig so a partial file only overrides what it names.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
