package scheduler

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the tunables cmd/schedulerd loads from YAML/flags, in the
// style of bgp59-victoriametrics-importer's LoggerConfig: a plain struct
// with yaml tags and a DefaultConfig constructor.
type Config struct {
	// Workers is the fixed size of the worker pool.
	Workers int `yaml:"workers"`
	// Timeout is the soft-abort threshold per TimeoutState.
	Timeout time.Duration `yaml:"timeout"`
	// AbortTimeout is the grace window the hard-abort ladder advances by
	// at each step (§4.3 of the scheduler design).
	AbortTimeout time.Duration `yaml:"abort_timeout"`
	// ReportDebounce bounds how often a single worker may emit a timeout
	// diagnostic report.
	ReportDebounce time.Duration `yaml:"report_debounce"`
	// DisableReports is the global switch that silences timeout reports
	// entirely (§6 Observability).
	DisableReports bool `yaml:"disable_reports"`
}

// DefaultConfig returns the tunables used when none are supplied.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Timeout:        5 * time.Second,
		AbortTimeout:   2 * time.Second,
		ReportDebounce: 1 * time.Second,
		DisableReports: false,
	}
}

// LoadConfig reads a YAML config file, starting from DefaultConfig so a
// partial file only overrides the fields it sets.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("scheduler: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("scheduler: parse config %s: %w", path, err)
	}
	return cfg, nil
}
