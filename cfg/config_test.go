package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for default config, got: %v", err)
	}
}

func TestDefault_MatchesDocumentedConstants(t *testing.T) {
	c := Default()

	if c.Cache.AggressiveTTLSeconds != 1800 {
		t.Errorf("expected aggressive TTL 1800s, got %d", c.Cache.AggressiveTTLSeconds)
	}
	if c.Cache.ConservativeTTLSeconds != 600 {
		t.Errorf("expected conservative TTL 600s, got %d", c.Cache.ConservativeTTLSeconds)
	}
	if c.Cache.SweepIntervalSeconds != 300 {
		t.Errorf("expected sweep interval 300s, got %d", c.Cache.SweepIntervalSeconds)
	}
	if c.Conflict.WindowMS != 5000 {
		t.Errorf("expected conflict window 5000ms, got %d", c.Conflict.WindowMS)
	}
	if c.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", c.Retry.MaxAttempts)
	}
	if c.Polling.IntervalSeconds != 60 {
		t.Errorf("expected 60s polling interval, got %d", c.Polling.IntervalSeconds)
	}
	if c.Channel.MaxBackoffMS != 30000 {
		t.Errorf("expected 30s backoff cap, got %d", c.Channel.MaxBackoffMS)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"zero reconnect attempts", func(c *Configuration) { c.Channel.MaxReconnectAttempts = 0 }},
		{"backoff cap below base", func(c *Configuration) { c.Channel.MaxBackoffMS = 10 }},
		{"negative debounce", func(c *Configuration) { c.Channel.DefaultDebounceMS = -1 }},
		{"unknown cache strategy", func(c *Configuration) { c.Cache.DefaultStrategy = "forever" }},
		{"zero cache capacity", func(c *Configuration) { c.Cache.MaxEntries = 0 }},
		{"negative conflict window", func(c *Configuration) { c.Conflict.WindowMS = -1 }},
		{"unknown conflict strategy", func(c *Configuration) { c.Conflict.Strategy = "oldest_wins" }},
		{"zero retry attempts", func(c *Configuration) { c.Retry.MaxAttempts = 0 }},
		{"zero retry drain delay", func(c *Configuration) { c.Retry.DrainDelayMS = 0 }},
		{"zero polling interval", func(c *Configuration) { c.Polling.IntervalSeconds = 0 }},
		{"empty nats url", func(c *Configuration) { c.Transport.NATS.URL = "" }},
		{"kafka without brokers", func(c *Configuration) { c.Transport.Type = TransportKafka }},
		{"unknown transport", func(c *Configuration) { c.Transport.Type = "carrier-pigeon" }},
		{"invalid admin port", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"websocket without url", func(c *Configuration) { c.Transport.Type = TransportWS }},
		{"postgres without dsn", func(c *Configuration) { c.Persistence.Driver = PersistencePostgres }},
		{"unknown persistence driver", func(c *Configuration) { c.Persistence.Driver = "oracle" }},
		{"negative query rate", func(c *Configuration) { c.Polling.MaxQueriesPerSecond = -1 }},
		{"rate limit without burst", func(c *Configuration) {
			c.Polling.MaxQueriesPerSecond = 5
			c.Polling.QueryBurst = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := Config
			defer func() { Config = original }()

			Config = Default()
			tt.mutate(Config)

			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_DisabledPollingIgnoresInterval(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Polling.Enabled = false
	Config.Polling.IntervalSeconds = 0

	if err := Validate(); err != nil {
		t.Errorf("Expected no error with polling disabled, got: %v", err)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "livesync-test-load")

	Config = Default()
	Config.DataDir = tempDir
	Config.ClientID = 42

	if err := Load("non-existent-file.toml"); err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}
	if Config.ClientID != 42 {
		t.Errorf("Expected client ID to be preserved, got %d", Config.ClientID)
	}
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Error("Data directory was not created")
	}
}

func TestLoad_DecodesTOML(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
client_id = 7
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[conflict]
window_ms = 2500
strategy = "merge"

[retry]
max_attempts = 5

[transport]
type = "kafka"

[transport.kafka]
brokers = ["localhost:9092"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.ClientID != 7 {
		t.Errorf("Expected client id 7, got %d", Config.ClientID)
	}
	if Config.Conflict.WindowMS != 2500 || Config.Conflict.Strategy != "merge" {
		t.Errorf("Unexpected conflict config: %+v", Config.Conflict)
	}
	if Config.Retry.MaxAttempts != 5 {
		t.Errorf("Expected 5 retry attempts, got %d", Config.Retry.MaxAttempts)
	}
	if Config.Transport.Type != TransportKafka || len(Config.Transport.Kafka.Brokers) != 1 {
		t.Errorf("Unexpected transport config: %+v", Config.Transport)
	}
	// Untouched sections keep defaults
	if Config.Cache.ConservativeTTLSeconds != 600 {
		t.Errorf("Expected default conservative TTL, got %d", Config.Cache.ConservativeTTLSeconds)
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected decoded config to validate, got: %v", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tempDir := filepath.Join(t.TempDir(), "livesync-test-override")

	*DataDirFlag = tempDir
	*ClientIDFlag = 12345
	*AdminPortFlag = 9999

	defer func() {
		*DataDirFlag = ""
		*ClientIDFlag = 0
		*AdminPortFlag = 0
	}()

	Config = Default()

	if err := Load(""); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.DataDir != tempDir {
		t.Errorf("Expected data dir %s, got %s", tempDir, Config.DataDir)
	}
	if Config.ClientID != 12345 {
		t.Errorf("Expected client ID 12345, got %d", Config.ClientID)
	}
	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}
}

func TestGenerateClientID(t *testing.T) {
	id1, err := generateClientID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}
	if id1 == 0 {
		t.Error("Generated client ID should not be 0")
	}

	id2, err := generateClientID()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if id1 != id2 {
		t.Error("Client ID should be deterministic for same machine")
	}
}

func TestPathsAndDurations(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.DataDir = "/var/lib/livesync"

	if got := GetSQLitePath(); got != "/var/lib/livesync/remote.db" {
		t.Errorf("unexpected sqlite path %s", got)
	}
	Config.Persistence.SQLitePath = "/tmp/other.db"
	if got := GetSQLitePath(); got != "/tmp/other.db" {
		t.Errorf("explicit sqlite path not honoured: %s", got)
	}
	if got := GetStatePath(); got != "/var/lib/livesync/state" {
		t.Errorf("unexpected state path %s", got)
	}
	if Millis(1500) != 1500*time.Millisecond || Seconds(2) != 2*time.Second {
		t.Error("duration helpers are wrong")
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
