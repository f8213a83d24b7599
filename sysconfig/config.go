// Package sysconfig loads the runner's configuration from defaults, an
// optional config file, and SYSTEST_* environment variables. It exists so
// that the runner, container, and process-user substrate take an explicit
// *Config (or a narrower view of it) rather than reading package-level
// globals.
package sysconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var structValidator = validator.New()

// Config holds every configuration section the framework consults.
type Config struct {
	Runner   RunnerConfig   `mapstructure:"runner"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Process  ProcessConfig  `mapstructure:"process"`
	Perf     PerfConfig     `mapstructure:"perf"`
	Docker   DockerConfig   `mapstructure:"docker"`
	LiveFeed LiveFeedConfig `mapstructure:"liveFeed"`
	Status   StatusConfig   `mapstructure:"status"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// RunnerConfig controls the cycle/thread/output-directory behavior of the
// scheduler.
type RunnerConfig struct {
	Cycles        int    `mapstructure:"cycles" validate:"gt=0"`
	Threads       int    `mapstructure:"threads" validate:"gt=0"`
	Mode          string `mapstructure:"mode"`
	OutSubdir     string `mapstructure:"outSubdir"`
	Purge         bool   `mapstructure:"purge"`
	PromptOnAbort bool   `mapstructure:"promptOnAbort"`
}

// LoggingConfig configures the global obslog.Logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ProcessDefaults is the subset of ProcessConfig the process-user
// substrate needs per call; kept separate from ProcessConfig so procuser
// doesn't import all of sysconfig.
type ProcessDefaults struct {
	DefaultTimeout time.Duration
	AbortOnError   bool
	PollInterval   time.Duration
}

// ProcessConfig controls default process-supervision behavior: timeouts,
// whether a non-zero exit aborts the test, and how often the
// wait-for-file/socket/signal helpers poll.
type ProcessConfig struct {
	DefaultTimeoutSeconds int  `mapstructure:"defaultTimeoutSeconds" validate:"gt=0"`
	AbortOnError          bool `mapstructure:"abortOnError"`
	PollIntervalMillis    int  `mapstructure:"pollIntervalMillis"`
}

// Defaults projects ProcessConfig down to the narrower view procuser.User
// takes.
func (p ProcessConfig) Defaults() ProcessDefaults {
	return ProcessDefaults{
		DefaultTimeout: time.Duration(p.DefaultTimeoutSeconds) * time.Second,
		AbortOnError:   p.AbortOnError,
		PollInterval:   time.Duration(p.PollIntervalMillis) * time.Millisecond,
	}
}

// PerfConfig controls the performance reporter.
type PerfConfig struct {
	SummaryFile      string        `mapstructure:"summaryFile"`
	CSVFile          string        `mapstructure:"csvFile"`
	DefaultTolerance float64       `mapstructure:"defaultTolerance" validate:"gt=0"`
	History          HistoryConfig `mapstructure:"history"`
}

// HistoryConfig controls the optional SQLite-backed performance history
// store (a supplement to the mandatory per-run CSV).
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"dbPath"`
}

// DockerConfig controls the optional Docker-backed process executor.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// LiveFeedConfig controls the optional websocket run-progress broadcaster.
type LiveFeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// StatusConfig controls the optional read-only HTTP status endpoint.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry export settings. No package of this
// module reads it or sets up an exporter; spans go to whatever global
// TracerProvider the host program installs.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runner.cycles", 1)
	v.SetDefault("runner.threads", 1)
	v.SetDefault("runner.mode", "")
	v.SetDefault("runner.outSubdir", "")
	v.SetDefault("runner.purge", false)
	v.SetDefault("runner.promptOnAbort", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("process.defaultTimeoutSeconds", 600)
	v.SetDefault("process.abortOnError", true)
	v.SetDefault("process.pollIntervalMillis", 10)

	v.SetDefault("perf.summaryFile", "perf_summary_@DATE@_@TIME@.csv")
	v.SetDefault("perf.csvFile", "performance_results.csv")
	v.SetDefault("perf.defaultTolerance", 2.0)
	v.SetDefault("perf.history.enabled", false)
	v.SetDefault("perf.history.dbPath", "performance_history.db")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	v.SetDefault("liveFeed.enabled", false)
	v.SetDefault("liveFeed.host", "127.0.0.1")
	v.SetDefault("liveFeed.port", 9876)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 9877)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
}

// Load reads configuration from defaults, an optional systest.yaml in the
// current directory, and SYSTEST_* environment variables.
func Load() (*Config, error) { return LoadWithPath("") }

// LoadWithPath behaves like Load but also searches configPath for the
// config file.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYSTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("systest")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validate normalizes the config, then runs it through the shared
// struct-tag validator. Field-level errors are joined into one message
// rather than returned as validator.ValidationErrors, since the caller
// only ever surfaces this as a flat startup-failure string.
func validate(cfg *Config) error {
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q constraint", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
