package recolte

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/recolte/recolte/internal/client"
)

// Config holds all recolte configuration. Static per run: there is no
// runtime reconfiguration, a new pass reads a new Config.
type Config struct {
	// InputDir is the directory scanned (non-recursively) for *.csv files.
	InputDir string `yaml:"input_dir"`
	// IDColumn is the identifier column in input files and the output table.
	IDColumn string `yaml:"id_column"`
	// OutputPath is the append-only CSV table.
	OutputPath string `yaml:"output_path"`
	// Endpoint is the URL template with an {id} placeholder.
	Endpoint string `yaml:"endpoint"`
	// Workers is the fetch pool size.
	Workers int `yaml:"workers"`
	// Interval is each worker's minimum spacing between requests.
	Interval time.Duration `yaml:"interval"`
	// Timeout bounds one fetch.
	Timeout time.Duration `yaml:"timeout"`
	// MaxIDs caps the identifiers per run; 0 means unlimited.
	MaxIDs int `yaml:"max_ids"`
	// UserAgent sent with fetches.
	UserAgent string `yaml:"user_agent"`
	// MaxBodyBytes caps one response body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// KeepMarkup disables HTML scrubbing of response values.
	KeepMarkup bool `yaml:"keep_markup"`
	// JournalPath is the run-history SQLite file; empty disables the journal.
	JournalPath string `yaml:"journal_path"`
	// WatchInterval is the input-directory polling frequency in watch mode.
	WatchInterval time.Duration `yaml:"watch_interval"`
	// WatchDebounce is the quiet period after an input change before a pass
	// starts in watch mode.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

func (c *Config) defaults() {
	if c.InputDir == "" {
		c.InputDir = "inputs"
	}
	if c.IDColumn == "" {
		c.IDColumn = "EHRAID"
	}
	if c.OutputPath == "" {
		c.OutputPath = "recolte.csv"
	}
	if c.Endpoint == "" {
		c.Endpoint = "https://www.zefix.admin.ch/ZefixPublicREST/api/v1/company/{id}/withoutShabPub.json"
	}
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.Interval <= 0 {
		c.Interval = 200 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "recolte/1.0"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 * 1024 * 1024
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = 2 * time.Second
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = 2 * time.Second
	}
}

// DefaultConfig returns the Zefix defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadConfig reads a YAML config file. Defaults are applied by New, so a
// partial file only overrides what it names.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recolte: read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("recolte: parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first problem that would prevent a run. It assumes
// defaults have been applied.
func (c *Config) Validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("%w: input_dir is required", ErrInvalidConfig)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("%w: output_path is required", ErrInvalidConfig)
	}
	if !strings.Contains(c.Endpoint, client.Placeholder) {
		return fmt.Errorf("%w: endpoint must contain %s", ErrInvalidConfig, client.Placeholder)
	}
	if c.MaxIDs < 0 {
		return fmt.Errorf("%w: max_ids must not be negative", ErrInvalidConfig)
	}
	return nil
}
