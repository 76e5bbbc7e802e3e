package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the callreportd daemon.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	HTTPPort  int    `yaml:"http_port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	BusBroker   string `yaml:"bus_broker"`    // e.g. "tcp://localhost:1883"
	BusClientID string `yaml:"bus_client_id"`
	BusTopic    string `yaml:"bus_topic"`

	JWTSecret string `yaml:"jwt_secret"` // hex-encoded 32-byte secret for API tokens

	// PrintTokenSubject makes the binary print a bearer token for the
	// given subject and exit instead of starting the daemon. Flag only.
	PrintTokenSubject string `yaml:"-"`

	// NoScheduleBehavior decides how report rows without a resolvable
	// schedule are classified: "closed" counts everything as outside
	// working hours, "window" applies the fixed WorkingHoursStart/End
	// window instead.
	NoScheduleBehavior string `yaml:"no_schedule_behavior"`
	WorkingHoursStart  string `yaml:"working_hours_start"` // "HH:MM", used with "window"
	WorkingHoursEnd    string `yaml:"working_hours_end"`

	PipelineWorkers int           `yaml:"pipeline_workers"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"` // periodic reduction of aged events
	SweepAge        time.Duration `yaml:"sweep_age"`      // minimum event age picked up by the sweep
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8090
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultBusBroker       = "tcp://localhost:1883"
	defaultBusClientID     = "callreportd"
	defaultBusTopic        = "asterisk/cel"
	defaultNoSchedule      = "closed"
	defaultWorkingStart    = "09:00"
	defaultWorkingEnd      = "17:00"
	defaultPipelineWorkers = 4
	defaultBatchTimeout    = 2 * time.Minute
	defaultSweepInterval   = 5 * time.Minute
	defaultSweepAge        = time.Hour
)

// envPrefix is the prefix for all callreportd environment variables.
const envPrefix = "CALLREPORTD_"

// Load parses configuration from CLI flags, environment variables and an
// optional YAML config file.
// Precedence: CLI flags > env vars > config file > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callreportd", flag.ContinueOnError)

	var configPath string
	fs.StringVar(&configPath, "config", "", "path to optional YAML config file")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.BusBroker, "bus-broker", defaultBusBroker, "MQTT broker URL for the channel event bus")
	fs.StringVar(&cfg.BusClientID, "bus-client-id", defaultBusClientID, "MQTT client id")
	fs.StringVar(&cfg.BusTopic, "bus-topic", defaultBusTopic, "MQTT topic carrying channel events")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")
	fs.StringVar(&cfg.PrintTokenSubject, "print-token", "", "print an API bearer token for the given subject and exit")
	fs.StringVar(&cfg.NoScheduleBehavior, "no-schedule-behavior", defaultNoSchedule, "report classification without a schedule (closed, window)")
	fs.StringVar(&cfg.WorkingHoursStart, "working-hours-start", defaultWorkingStart, "fixed working-hours window start (HH:MM), used with -no-schedule-behavior=window")
	fs.StringVar(&cfg.WorkingHoursEnd, "working-hours-end", defaultWorkingEnd, "fixed working-hours window end (HH:MM)")
	fs.IntVar(&cfg.PipelineWorkers, "pipeline-workers", defaultPipelineWorkers, "concurrent call reductions per pipeline batch")
	fs.DurationVar(&cfg.BatchTimeout, "batch-timeout", defaultBatchTimeout, "deadline for one pipeline batch")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", defaultSweepInterval, "how often to reduce aged unprocessed events")
	fs.DurationVar(&cfg.SweepAge, "sweep-age", defaultSweepAge, "minimum event age picked up by the periodic sweep")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set via CLI; those win over
	// everything else.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if configPath == "" {
		configPath = os.Getenv(envPrefix + "CONFIG")
	}
	if configPath != "" {
		if err := applyFile(cfg, configPath, set); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg, set)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyFile overlays values from a YAML file onto cfg, skipping any field
// whose flag was set on the command line. Env vars are applied afterwards
// and override the file.
func applyFile(cfg *Config, path string, set map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	overlay := func(flagName string, apply func()) {
		if !set[flagName] {
			apply()
		}
	}
	overlay("data-dir", func() {
		if file.DataDir != "" {
			cfg.DataDir = file.DataDir
		}
	})
	overlay("http-port", func() {
		if file.HTTPPort != 0 {
			cfg.HTTPPort = file.HTTPPort
		}
	})
	overlay("log-level", func() {
		if file.LogLevel != "" {
			cfg.LogLevel = file.LogLevel
		}
	})
	overlay("log-format", func() {
		if file.LogFormat != "" {
			cfg.LogFormat = file.LogFormat
		}
	})
	overlay("bus-broker", func() {
		if file.BusBroker != "" {
			cfg.BusBroker = file.BusBroker
		}
	})
	overlay("bus-client-id", func() {
		if file.BusClientID != "" {
			cfg.BusClientID = file.BusClientID
		}
	})
	overlay("bus-topic", func() {
		if file.BusTopic != "" {
			cfg.BusTopic = file.BusTopic
		}
	})
	overlay("jwt-secret", func() {
		if file.JWTSecret != "" {
			cfg.JWTSecret = file.JWTSecret
		}
	})
	overlay("no-schedule-behavior", func() {
		if file.NoScheduleBehavior != "" {
			cfg.NoScheduleBehavior = file.NoScheduleBehavior
		}
	})
	overlay("working-hours-start", func() {
		if file.WorkingHoursStart != "" {
			cfg.WorkingHoursStart = file.WorkingHoursStart
		}
	})
	overlay("working-hours-end", func() {
		if file.WorkingHoursEnd != "" {
			cfg.WorkingHoursEnd = file.WorkingHoursEnd
		}
	})
	overlay("pipeline-workers", func() {
		if file.PipelineWorkers != 0 {
			cfg.PipelineWorkers = file.PipelineWorkers
		}
	})
	overlay("batch-timeout", func() {
		if file.BatchTimeout != 0 {
			cfg.BatchTimeout = file.BatchTimeout
		}
	})
	overlay("sweep-interval", func() {
		if file.SweepInterval != 0 {
			cfg.SweepInterval = file.SweepInterval
		}
	})
	overlay("sweep-age", func() {
		if file.SweepAge != 0 {
			cfg.SweepAge = file.SweepAge
		}
	})
	return nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > config file > defaults.
func applyEnvOverrides(cfg *Config, set map[string]bool) {
	envMap := map[string]string{
		"data-dir":             envPrefix + "DATA_DIR",
		"http-port":            envPrefix + "HTTP_PORT",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
		"bus-broker":           envPrefix + "BUS_BROKER",
		"bus-client-id":        envPrefix + "BUS_CLIENT_ID",
		"bus-topic":            envPrefix + "BUS_TOPIC",
		"jwt-secret":           envPrefix + "JWT_SECRET",
		"no-schedule-behavior": envPrefix + "NO_SCHEDULE_BEHAVIOR",
		"working-hours-start":  envPrefix + "WORKING_HOURS_START",
		"working-hours-end":    envPrefix + "WORKING_HOURS_END",
		"pipeline-workers":     envPrefix + "PIPELINE_WORKERS",
		"batch-timeout":        envPrefix + "BATCH_TIMEOUT",
		"sweep-interval":       envPrefix + "SWEEP_INTERVAL",
		"sweep-age":            envPrefix + "SWEEP_AGE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "bus-broker":
			cfg.BusBroker = val
		case "bus-client-id":
			cfg.BusClientID = val
		case "bus-topic":
			cfg.BusTopic = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "no-schedule-behavior":
			cfg.NoScheduleBehavior = val
		case "working-hours-start":
			cfg.WorkingHoursStart = val
		case "working-hours-end":
			cfg.WorkingHoursEnd = val
		case "pipeline-workers":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PipelineWorkers = v
			}
		case "batch-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.BatchTimeout = v
			}
		case "sweep-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SweepInterval = v
			}
		case "sweep-age":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SweepAge = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.BusBroker == "" {
		return fmt.Errorf("bus-broker is required")
	}
	if c.BusClientID == "" {
		return fmt.Errorf("bus-client-id is required")
	}
	if c.BusTopic == "" {
		return fmt.Errorf("bus-topic is required")
	}

	switch c.NoScheduleBehavior {
	case "closed":
	case "window":
		if c.WorkingHoursStart == "" || c.WorkingHoursEnd == "" {
			return fmt.Errorf("working-hours-start and working-hours-end are required with no-schedule-behavior=window")
		}
	default:
		return fmt.Errorf("no-schedule-behavior must be one of closed, window; got %q", c.NoScheduleBehavior)
	}

	if c.PipelineWorkers < 1 {
		return fmt.Errorf("pipeline-workers must be at least 1, got %d", c.PipelineWorkers)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch-timeout must be positive, got %s", c.BatchTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be positive, got %s", c.SweepInterval)
	}
	if c.SweepAge <= 0 {
		return fmt.Errorf("sweep-age must be positive, got %s", c.SweepAge)
	}

	return nil
}

// SlogLevel returns the configured log level as a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogHandler returns a handler writing to stderr in the configured format.
func (c *Config) SlogHandler() slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.NewTextHandler(os.Stderr, opts)
}

// JWTSecretBytes returns the decoded 32-byte API token signing secret.
// If no secret is configured, it generates a random one and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		return key, nil
	}

	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
