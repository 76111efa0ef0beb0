package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"klinefeed/internal/domain"
	"klinefeed/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the klinefeed daemon.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Bybit    Bybit          `yaml:"bybit"`
	Logging  Logging        `yaml:"logging"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Schedule Schedule       `yaml:"schedule"`
	Model    Model          `yaml:"model"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	SymbolsFile string `yaml:"symbols_file"`
}

// Server holds the status listener configuration. An empty Addr disables it.
type Server struct {
	Addr string `yaml:"addr"`
}

// Bybit holds the exchange endpoint and client limits.
type Bybit struct {
	BaseURL           string        `yaml:"base_url"`
	Category          string        `yaml:"category"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RetryJitter       float64       `yaml:"retry_jitter"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// PipelineConfig controls the partition space and the executor.
type PipelineConfig struct {
	StartDate           string        `yaml:"start_date"`
	WeekStart           string        `yaml:"week_start"`
	Interval            string        `yaml:"interval"`
	MaxPartitionsPerRun int           `yaml:"max_partitions_per_run"`
	Workers             int           `yaml:"workers"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
}

// Schedule holds cron specs for the two jobs.
type Schedule struct {
	Backfill string `yaml:"backfill"`
	Recent   string `yaml:"recent"`
}

// Model controls the training dataset.
type Model struct {
	NDaysHistoryTrain    int `yaml:"n_days_history_train"`
	NDaysHistoryTrainMin int `yaml:"n_days_history_train_min"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:     "data",
			SQLitePath:  "data/klinefeed.db",
			SymbolsFile: "config/symbols.csv",
		},
		Server: Server{Addr: ":9102"},
		Bybit: Bybit{
			BaseURL:           "https://api-testnet.bybit.com",
			Category:          string(domain.CategoryLinear),
			RequestsPerSecond: 10,
			RequestTimeout:    30 * time.Second,
			RetryAttempts:     util.DefaultRetryPolicy.MaxAttempts,
			RetryInitialDelay: util.DefaultRetryPolicy.InitialDelay,
			RetryMaxDelay:     util.DefaultRetryPolicy.MaxDelay,
			RetryJitter:       util.DefaultRetryPolicy.Jitter,
		},
		Logging: Logging{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 5},
		Pipeline: PipelineConfig{
			StartDate:           "2023-01-01",
			WeekStart:           "monday",
			Interval:            string(domain.Granularity15m),
			MaxPartitionsPerRun: 100,
			Workers:             4,
			RunTimeout:          2 * time.Hour,
		},
		Schedule: Schedule{Backfill: "*/15 * * * *", Recent: "*/15 * * * *"},
		Model:    Model{NDaysHistoryTrain: 365, NDaysHistoryTrainMin: 128},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of the
// defaults, loads a .env file if one exists, and then applies environment
// variable overrides. A missing config file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	_ = godotenv.Load() // best-effort

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BYBIT_BASE_URL"); v != "" {
		cfg.Bybit.BaseURL = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("SYMBOLS_FILE"); v != "" {
		cfg.Storage.SymbolsFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"N_DAYS_HISTORY_TRAIN", &cfg.Model.NDaysHistoryTrain},
		{"N_DAYS_HISTORY_TRAIN_MIN", &cfg.Model.NDaysHistoryTrainMin},
		{"MAX_PARTITIONS_PER_RUN", &cfg.Pipeline.MaxPartitionsPerRun},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = n
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Bybit.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("bybit.base_url %q is not an absolute URL", c.Bybit.BaseURL))
	}
	if !domain.Category(c.Bybit.Category).Valid() {
		errs = append(errs, fmt.Errorf("bybit.category %q is not spot, linear or inverse", c.Bybit.Category))
	}
	if c.Bybit.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("bybit.retry_attempts must be at least 1"))
	}
	if _, err := domain.ParseGranularity(c.Pipeline.Interval); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.interval: %w", err))
	}
	if _, err := time.Parse("2006-01-02", c.Pipeline.StartDate); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.start_date: %w", err))
	}
	if _, err := util.ParseWeekday(c.Pipeline.WeekStart); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.week_start: %w", err))
	}
	if c.Pipeline.MaxPartitionsPerRun < 1 {
		errs = append(errs, fmt.Errorf("max_partitions_per_run must be positive, got %d", c.Pipeline.MaxPartitionsPerRun))
	}
	if c.Model.NDaysHistoryTrain < 1 {
		errs = append(errs, fmt.Errorf("n_days_history_train must be positive, got %d", c.Model.NDaysHistoryTrain))
	}
	if c.Model.NDaysHistoryTrainMin < 0 || c.Model.NDaysHistoryTrainMin > c.Model.NDaysHistoryTrain {
		errs = append(errs, fmt.Errorf("n_days_history_train_min must be in [0, %d], got %d",
			c.Model.NDaysHistoryTrain, c.Model.NDaysHistoryTrainMin))
	}
	return errors.Join(errs...)
}

// StartDate returns the parsed first day of the partition space.
func (c *Config) StartDate() time.Time {
	t, _ := time.Parse("2006-01-02", c.Pipeline.StartDate)
	return t
}

// WeekDay returns the parsed partition week boundary.
func (c *Config) WeekDay() time.Weekday {
	d, _ := util.ParseWeekday(c.Pipeline.WeekStart)
	return d
}

// RetryPolicy assembles the fetch retry policy.
func (c *Config) RetryPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts:  c.Bybit.RetryAttempts,
		InitialDelay: c.Bybit.RetryInitialDelay,
		MaxDelay:     c.Bybit.RetryMaxDelay,
		Jitter:       c.Bybit.RetryJitter,
	}
}
