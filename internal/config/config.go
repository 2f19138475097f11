// Package config loads the simulator configuration from defaults, an
// optional YAML file and HEAPSIM_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/fortiblox/stratus-heap/pkg/accounts"
	"github.com/fortiblox/stratus-heap/pkg/layout"
	"github.com/fortiblox/stratus-heap/pkg/svm"
)

// ErrInvalidConfig is returned for a configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the simulator configuration.
type Config struct {
	// DataDir holds the accounts store and the ledger.
	DataDir string `mapstructure:"data_dir"`

	LogLevel string `mapstructure:"log_level"`

	// LogFile is an optional path for rotated JSON logs.
	LogFile string `mapstructure:"log_file"`

	// ComputeLimit is the compute budget of every transaction.
	ComputeLimit uint64 `mapstructure:"compute_limit"`

	// HeapSize is the sandbox heap mapped for every invocation.
	HeapSize uint32 `mapstructure:"heap_size"`

	// AccountSize is the data length of a newly created context account.
	AccountSize uint64 `mapstructure:"account_size"`

	// SyncWrites makes every accounts store commit durable.
	SyncWrites bool `mapstructure:"sync_writes"`
}

var defaultConfig = Config{
	DataDir:      defaultDataDir(),
	LogLevel:     "info",
	ComputeLimit: svm.CUDefault,
	HeapSize:     svm.HeapSizeDefault,
	AccountSize:  layout.AccountRegionLength,
	SyncWrites:   true,
}

// Default returns the default configuration.
func Default() Config {
	return defaultConfig
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", defaultConfig.DataDir)
	v.SetDefault("log_level", defaultConfig.LogLevel)
	v.SetDefault("log_file", defaultConfig.LogFile)
	v.SetDefault("compute_limit", defaultConfig.ComputeLimit)
	v.SetDefault("heap_size", defaultConfig.HeapSize)
	v.SetDefault("account_size", defaultConfig.AccountSize)
	v.SetDefault("sync_writes", defaultConfig.SyncWrites)

	_ = v.BindEnv("data_dir", "HEAPSIM_DATA_DIR")
	_ = v.BindEnv("log_level", "HEAPSIM_LOG_LEVEL")
	_ = v.BindEnv("log_file", "HEAPSIM_LOG_FILE")
	_ = v.BindEnv("compute_limit", "HEAPSIM_COMPUTE_LIMIT")
	_ = v.BindEnv("heap_size", "HEAPSIM_HEAP_SIZE")
	_ = v.BindEnv("account_size", "HEAPSIM_ACCOUNT_SIZE")
	_ = v.BindEnv("sync_writes", "HEAPSIM_SYNC_WRITES")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	config := defaultConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration for values the simulator cannot run
// with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	}
	limits := c.ComputeBudget()
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("%w: compute_limit %d heap_size %d: %v", ErrInvalidConfig, c.ComputeLimit, c.HeapSize, err)
	}
	if c.AccountSize < layout.AccountRegionLength || c.AccountSize > accounts.MaxAccountDataSize {
		return fmt.Errorf("%w: account_size %d outside [%d, %d]",
			ErrInvalidConfig, c.AccountSize, layout.AccountRegionLength, accounts.MaxAccountDataSize)
	}
	return nil
}

// ComputeBudget returns the configured per-transaction budget.
func (c *Config) ComputeBudget() svm.ComputeBudgetLimits {
	return svm.ComputeBudgetLimits{ComputeUnitLimit: c.ComputeLimit, HeapSize: c.HeapSize}
}

// AccountsPath returns the accounts store directory.
func (c *Config) AccountsPath() string {
	return filepath.Join(c.DataDir, "accounts")
}

// LedgerPath returns the ledger database file.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger", "ledger.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".heapsim"
	}
	return filepath.Join(home, ".heapsim")
}
