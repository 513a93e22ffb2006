package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TransportType selects the change-feed transport
type TransportType string

const (
	TransportNATS   TransportType = "nats"      // NATS core subjects
	TransportKafka  TransportType = "kafka"     // One Kafka topic per entity
	TransportMemory TransportType = "memory"    // In-process bus (single node, tests)
	TransportWS     TransportType = "websocket" // JSON frames over a websocket hub
)

// ChannelConfiguration controls subscription channels
type ChannelConfiguration struct {
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"` // Attempts before falling back to polling only
	BaseBackoffMS        int      `toml:"base_backoff_ms"`        // Backoff unit: delay = 2^attempt * base
	MaxBackoffMS         int      `toml:"max_backoff_ms"`         // Backoff cap
	DefaultDebounceMS    int      `toml:"default_debounce_ms"`    // Used when a subscriber does not set one
	Entities             []string `toml:"entities"`               // Glob allow-list, empty = all
}

// CacheConfiguration controls the TTL cache
type CacheConfiguration struct {
	DefaultStrategy        string `toml:"default_strategy"` // "aggressive" or "conservative"
	AggressiveTTLSeconds   int    `toml:"aggressive_ttl_seconds"`
	ConservativeTTLSeconds int    `toml:"conservative_ttl_seconds"`
	SweepIntervalSeconds   int    `toml:"sweep_interval_seconds"`
	MaxEntries             int    `toml:"max_entries"`
}

// ConflictConfiguration controls conflict detection and resolution
type ConflictConfiguration struct {
	WindowMS int    `toml:"window_ms"` // updated_at values closer than this are concurrent
	Strategy string `toml:"strategy"`  // "newest_wins", "merge" or "manual"
}

// RetryConfiguration controls the retry queue
type RetryConfiguration struct {
	MaxAttempts  int `toml:"max_attempts"`   // Total attempts including the first failure
	DrainDelayMS int `toml:"drain_delay_ms"` // Delay before the queue drains itself while online
}

// PollingConfiguration controls the fallback poller
type PollingConfiguration struct {
	Enabled             bool    `toml:"enabled"`
	IntervalSeconds     int     `toml:"interval_seconds"`
	MaxQueriesPerSecond float64 `toml:"max_queries_per_second"` // 0 = unlimited
	QueryBurst          int     `toml:"query_burst"`
	WatchStore          bool    `toml:"watch_store"` // Poll when the SQLite file changes
}

// ValidationConfiguration points at per-entity JSON Schemas
type ValidationConfiguration struct {
	SchemaDir string `toml:"schema_dir"` // <entity>.json files; empty disables validation
}

// EventLogConfiguration controls the bounded local event log
type EventLogConfiguration struct {
	Enabled    bool `toml:"enabled"`
	MaxEntries int  `toml:"max_entries"`
}

// SyncConfiguration holds engine-wide knobs
type SyncConfiguration struct {
	DedupWindow            int `toml:"dedup_window"`             // Fingerprints remembered for duplicate suppression
	MetricsIntervalSeconds int `toml:"metrics_interval_seconds"` // Metrics snapshot recompute interval
}

// NATSConfiguration for the NATS transport
type NATSConfiguration struct {
	URL string `toml:"url"`
}

// KafkaConfiguration for the Kafka transport
type KafkaConfiguration struct {
	Brokers []string `toml:"brokers"`
}

// WebSocketConfiguration for the websocket transport
type WebSocketConfiguration struct {
	URL    string `toml:"url"`    // Hub to dial, e.g. ws://host:8090/sync/ws
	Secret string `toml:"secret"` // Bearer token presented to the hub
	Serve  bool   `toml:"serve"`  // Host a hub on the admin server at /sync/ws
}

// TransportConfiguration selects and configures the change-feed transport
type TransportConfiguration struct {
	Type          TransportType          `toml:"type"`
	SubjectPrefix string                 `toml:"subject_prefix"` // NATS subject / Kafka topic prefix
	NATS          NATSConfiguration      `toml:"nats"`
	Kafka         KafkaConfiguration     `toml:"kafka"`
	WebSocket     WebSocketConfiguration `toml:"websocket"`
}

// PersistenceDriver selects the remote store backend
type PersistenceDriver string

const (
	PersistenceSQLite   PersistenceDriver = "sqlite"
	PersistencePostgres PersistenceDriver = "postgres"
)

// PersistenceConfiguration for the remote persistence API
type PersistenceConfiguration struct {
	Driver       PersistenceDriver `toml:"driver"`
	SQLitePath   string            `toml:"sqlite_path"`
	DSN          string            `toml:"dsn"` // Postgres connection string
	MaxOpenConns int               `toml:"max_open_conns"`
	Entities     []string          `toml:"entities"` // Tables created on startup
}

// ConnectivityConfiguration controls reachability probing
type ConnectivityConfiguration struct {
	ProbeAddress         string `toml:"probe_address"` // host:port, empty = always online
	ProbeIntervalSeconds int    `toml:"probe_interval_seconds"`
	ProbeTimeoutMS       int    `toml:"probe_timeout_ms"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the status HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	ClientID uint64 `toml:"client_id"`
	DataDir  string `toml:"data_dir"`

	Sync         SyncConfiguration         `toml:"sync"`
	Channel      ChannelConfiguration      `toml:"channel"`
	Cache        CacheConfiguration        `toml:"cache"`
	Conflict     ConflictConfiguration     `toml:"conflict"`
	Retry        RetryConfiguration        `toml:"retry"`
	Polling      PollingConfiguration      `toml:"polling"`
	Validation   ValidationConfiguration   `toml:"validation"`
	EventLog     EventLogConfiguration     `toml:"event_log"`
	Transport    TransportConfiguration    `toml:"transport"`
	Persistence  PersistenceConfiguration  `toml:"persistence"`
	Connectivity ConnectivityConfiguration `toml:"connectivity"`
	Logging      LoggingConfiguration      `toml:"logging"`
	Prometheus   PrometheusConfiguration   `toml:"prometheus"`
	Admin        AdminConfiguration        `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ClientIDFlag   = flag.Uint64("client-id", 0, "Client ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default returns a configuration populated with defaults.
func Default() *Configuration {
	return &Configuration{
		ClientID: 0, // Auto-generate
		DataDir:  "./livesync-data",

		Sync: SyncConfiguration{
			DedupWindow:            4096,
			MetricsIntervalSeconds: 30,
		},

		Channel: ChannelConfiguration{
			MaxReconnectAttempts: 5,
			BaseBackoffMS:        1000,
			MaxBackoffMS:         30000, // 30 second cap
			DefaultDebounceMS:    0,
			Entities:             []string{},
		},

		Cache: CacheConfiguration{
			DefaultStrategy:        "conservative",
			AggressiveTTLSeconds:   1800, // 30 minutes
			ConservativeTTLSeconds: 600,  // 10 minutes
			SweepIntervalSeconds:   300,  // 5 minutes
			MaxEntries:             10000,
		},

		Conflict: ConflictConfiguration{
			WindowMS: 5000,
			Strategy: "newest_wins",
		},

		Retry: RetryConfiguration{
			MaxAttempts:  3,
			DrainDelayMS: 1000,
		},

		Polling: PollingConfiguration{
			Enabled:         true,
			IntervalSeconds: 60,
			QueryBurst:      1,
			WatchStore:      true,
		},

		EventLog: EventLogConfiguration{
			Enabled:    true,
			MaxEntries: 500,
		},

		Transport: TransportConfiguration{
			Type:          TransportNATS,
			SubjectPrefix: "livesync",
			NATS: NATSConfiguration{
				URL: "nats://127.0.0.1:4222",
			},
		},

		Persistence: PersistenceConfiguration{
			Driver:     PersistenceSQLite,
			SQLitePath: "",
			Entities:   []string{"courses", "assignments", "surveys", "enrollments", "user_progress", "notifications"},
		},

		Connectivity: ConnectivityConfiguration{
			ProbeIntervalSeconds: 15,
			ProbeTimeoutMS:       2000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8090,
		},
	}
}

// Default configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ClientIDFlag != 0 {
		Config.ClientID = *ClientIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.ClientID == 0 {
		var err error
		Config.ClientID, err = generateClientID()
		if err != nil {
			return fmt.Errorf("failed to generate client ID: %w", err)
		}
		log.Info().Uint64("client_id", Config.ClientID).Msg("Auto-generated client ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateClientID derives a stable client ID from the machine ID
func generateClientID() (uint64, error) {
	id, err := machineid.ProtectedID("livesync")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

var validStrategies = map[string]bool{
	"newest_wins": true,
	"merge":       true,
	"manual":      true,
}

var validCacheStrategies = map[string]bool{
	"aggressive":   true,
	"conservative": true,
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Channel.MaxReconnectAttempts < 1 {
		return fmt.Errorf("channel max reconnect attempts must be >= 1")
	}
	if Config.Channel.BaseBackoffMS < 1 {
		return fmt.Errorf("channel base backoff must be >= 1ms")
	}
	if Config.Channel.MaxBackoffMS < Config.Channel.BaseBackoffMS {
		return fmt.Errorf("channel max backoff must be >= base backoff")
	}
	if Config.Channel.DefaultDebounceMS < 0 {
		return fmt.Errorf("channel default debounce must be >= 0")
	}

	if !validCacheStrategies[Config.Cache.DefaultStrategy] {
		return fmt.Errorf("invalid cache strategy: %s", Config.Cache.DefaultStrategy)
	}
	if Config.Cache.AggressiveTTLSeconds < 1 || Config.Cache.ConservativeTTLSeconds < 1 {
		return fmt.Errorf("cache TTLs must be >= 1 second")
	}
	if Config.Cache.SweepIntervalSeconds < 1 {
		return fmt.Errorf("cache sweep interval must be >= 1 second")
	}
	if Config.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache max entries must be >= 1")
	}

	if Config.Conflict.WindowMS < 0 {
		return fmt.Errorf("conflict window must be >= 0")
	}
	if !validStrategies[Config.Conflict.Strategy] {
		return fmt.Errorf("invalid conflict strategy: %s", Config.Conflict.Strategy)
	}

	if Config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}
	if Config.Retry.DrainDelayMS < 1 {
		return fmt.Errorf("retry drain delay must be >= 1ms")
	}

	if Config.Polling.Enabled && Config.Polling.IntervalSeconds < 1 {
		return fmt.Errorf("polling interval must be >= 1 second")
	}
	if Config.Polling.MaxQueriesPerSecond < 0 {
		return fmt.Errorf("polling query rate must be >= 0")
	}
	if Config.Polling.MaxQueriesPerSecond > 0 && Config.Polling.QueryBurst < 1 {
		return fmt.Errorf("polling query burst must be >= 1 when rate limited")
	}

	if Config.EventLog.Enabled && Config.EventLog.MaxEntries < 1 {
		return fmt.Errorf("event log max entries must be >= 1")
	}

	if Config.Sync.DedupWindow < 0 {
		return fmt.Errorf("dedup window must be >= 0")
	}
	if Config.Sync.MetricsIntervalSeconds < 1 {
		return fmt.Errorf("metrics interval must be >= 1 second")
	}

	switch Config.Persistence.Driver {
	case PersistenceSQLite:
	case PersistencePostgres:
		if Config.Persistence.DSN == "" {
			return fmt.Errorf("postgres persistence requires persistence.dsn")
		}
	default:
		return fmt.Errorf("invalid persistence driver: %s", Config.Persistence.Driver)
	}

	switch Config.Transport.Type {
	case TransportNATS:
		if Config.Transport.NATS.URL == "" {
			return fmt.Errorf("nats transport requires transport.nats.url")
		}
	case TransportKafka:
		if len(Config.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka transport requires at least one broker")
		}
	case TransportWS:
		if Config.Transport.WebSocket.URL == "" {
			return fmt.Errorf("websocket transport requires transport.websocket.url")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("invalid transport type: %s", Config.Transport.Type)
	}

	if Config.Connectivity.ProbeAddress != "" {
		if Config.Connectivity.ProbeIntervalSeconds < 1 {
			return fmt.Errorf("connectivity probe interval must be >= 1 second")
		}
		if Config.Connectivity.ProbeTimeoutMS < 1 {
			return fmt.Errorf("connectivity probe timeout must be >= 1ms")
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// GetSQLitePath returns the persistence database path, defaulting into DataDir
func GetSQLitePath() string {
	if Config.Persistence.SQLitePath != "" {
		return Config.Persistence.SQLitePath
	}
	return path.Join(Config.DataDir, "remote.db")
}

// GetStatePath returns the Pebble directory for watermarks and the event log
func GetStatePath() string {
	return path.Join(Config.DataDir, "state")
}

// Millis converts a millisecond config value to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second config value to a duration
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
