package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StartMethod defines how the supervisor creates workers
type StartMethod string

const (
	// StartGoroutine runs workers as goroutines in this process
	StartGoroutine StartMethod = "goroutine"
	// StartProcess re-execs the binary with --worker per worker
	StartProcess StartMethod = "process"
)

// DatabaseConfiguration for the PostgreSQL connection
type DatabaseConfiguration struct {
	DSN      string `toml:"dsn"`
	PoolSize int    `toml:"pool_size"`
}

// ListenerConfiguration controls the listening runtime
type ListenerConfiguration struct {
	Channels         []string    `toml:"channels"`           // empty = all registered channels
	Processes        int         `toml:"processes"`          // worker count under one supervisor
	Recover          bool        `toml:"recover"`            // run a recovery scan before the live stream
	RestartOnFailure bool        `toml:"restart_on_failure"` // respawn crashed workers
	StartMethod      StartMethod `toml:"start_method"`
	PollTimeoutMS    int         `toml:"poll_timeout_ms"`
	Filter           string      `toml:"filter"`         // named filter hook, empty = accept all
	FilterKey        string      `toml:"filter_key"`     // context entry the filter inspects
	FilterPattern    string      `toml:"filter_pattern"` // glob for the built-in context filter
	MinDBVersion     string      `toml:"min_db_version"` // oldest trigger db_version this process accepts
	PassContext      bool        `toml:"pass_context"`
	PassExtras       bool        `toml:"pass_extras"`
}

// MetricsConfiguration for the metric surface
type MetricsConfiguration struct {
	Enabled         bool   `toml:"enabled"`
	Prefix          string `toml:"prefix"`
	IntervalSeconds int    `toml:"interval_seconds"`
}

// AdminConfiguration for the status HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // "console" or "json"
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID string `toml:"node_id"`

	Database DatabaseConfiguration `toml:"database"`
	Listener ListenerConfiguration `toml:"listener"`
	Metrics  MetricsConfiguration  `toml:"metrics"`
	Admin    AdminConfiguration    `toml:"admin"`
	Logging  LoggingConfiguration  `toml:"logging"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "pgbus.toml", "Path to configuration file")
	ChannelsFlag    = flag.String("channels", "", "Comma-separated channel names to subscribe (default: all registered)")
	ProcessesFlag   = flag.Int("processes", 0, "Number of workers under one supervisor")
	WorkerFlag      = flag.Bool("worker", false, "Run exactly one worker, no supervisor")
	RecoverFlag     = flag.Bool("recover", false, "Replay stored notifications for durable channels before listening")
	NoRestartFlag   = flag.Bool("no-restart-on-failure", false, "Disable automatic worker restart")
	StartMethodFlag = flag.String("worker-start-method", "", "Worker start method: goroutine or process")
	LogLevelFlag    = flag.String("loglevel", "", "Log level: debug, info, warn, error")
	LogFormatFlag   = flag.String("logformat", "", "Log format: console or json")
)

// Default configuration
var Config = &Configuration{
	Database: DatabaseConfiguration{
		PoolSize: 4,
	},

	Listener: ListenerConfiguration{
		Processes:        1,
		RestartOnFailure: true,
		StartMethod:      StartGoroutine,
		PollTimeoutMS:    5000,
	},

	Metrics: MetricsConfiguration{
		Enabled:         false,
		Prefix:          "pgbus",
		IntervalSeconds: 15,
	},

	Admin: AdminConfiguration{
		Enabled:     false,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Level:  "info",
		Format: "console",
	},
}

// Load loads configuration from file, environment, and CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Environment: PGBUS_DSN fills an unset dsn; the others override the file
	if dsn := os.Getenv("PGBUS_DSN"); dsn != "" && Config.Database.DSN == "" {
		Config.Database.DSN = dsn
	}
	if f := os.Getenv("PGBUS_LISTENER_FILTER"); f != "" {
		Config.Listener.Filter = f
	}
	if v := os.Getenv("PGBUS_PASS_CONTEXT_TO_LISTENERS"); v != "" {
		Config.Listener.PassContext = isTruthy(v)
	}
	if v := os.Getenv("PGBUS_PASS_EXTRAS_TO_LISTENERS"); v != "" {
		Config.Listener.PassExtras = isTruthy(v)
	}
	if p := os.Getenv("PGBUS_METRIC_PREFIX"); p != "" {
		Config.Metrics.Prefix = p
	}

	// CLI overrides
	if *ChannelsFlag != "" {
		Config.Listener.Channels = splitChannels(*ChannelsFlag)
	}
	if *ProcessesFlag != 0 {
		Config.Listener.Processes = *ProcessesFlag
	}
	if *RecoverFlag {
		Config.Listener.Recover = true
	}
	if *NoRestartFlag {
		Config.Listener.RestartOnFailure = false
	}
	if *StartMethodFlag != "" {
		Config.Listener.StartMethod = StartMethod(*StartMethodFlag)
	}
	if *LogLevelFlag != "" {
		Config.Logging.Level = *LogLevelFlag
	}
	if *LogFormatFlag != "" {
		Config.Logging.Format = *LogFormatFlag
	}

	if Config.NodeID == "" {
		Config.NodeID = generateNodeID()
	}

	return nil
}

// generateNodeID derives a stable node identity from the machine ID,
// falling back to the hostname and PID for containers without one
func generateNodeID() string {
	id, err := machineid.ProtectedID("pgbus")
	if err != nil {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Database.DSN == "" {
		return fmt.Errorf("database dsn is required (config [database] dsn or PGBUS_DSN)")
	}

	if *WorkerFlag && *ProcessesFlag != 0 {
		return fmt.Errorf("--worker and --processes are mutually exclusive")
	}

	if Config.Listener.Processes < 1 {
		return fmt.Errorf("listener processes must be >= 1")
	}

	switch Config.Listener.StartMethod {
	case StartGoroutine, StartProcess:
	default:
		return fmt.Errorf("invalid worker start method: %s", Config.Listener.StartMethod)
	}

	if Config.Listener.PollTimeoutMS < 1 {
		return fmt.Errorf("poll timeout must be >= 1ms")
	}

	if Config.Database.PoolSize < 1 {
		return fmt.Errorf("database pool size must be >= 1")
	}

	if Config.Metrics.IntervalSeconds < 1 {
		return fmt.Errorf("metrics interval must be >= 1 second")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[Config.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", Config.Logging.Level)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	return nil
}

func splitChannels(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
