// Package config loads the YAML configuration shared by the dispatcher and
// job engine binaries: spool directories, database connection, worker
// counts, timing windows, and the site short-name fallback table.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for either binary. Both binaries
// load the same file; each only acts on the sections it needs.
type Config struct {
	Directories DirectoriesConfig `yaml:"directories"`
	Database    DatabaseConfig    `yaml:"database"`
	Unpack      UnpackConfig      `yaml:"unpack"`
	Pending     PendingConfig     `yaml:"pending"`
	Engine      EngineConfig      `yaml:"engine"`
	SiteMapping []SiteMappingRule `yaml:"site_mapping"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Notify      NotifyConfig      `yaml:"notify"`
	Sentry      SentryConfig      `yaml:"sentry"`
}

// DirectoriesConfig names the four spool directories, which must all
// reside on the same filesystem so moves between them are atomic renames.
type DirectoriesConfig struct {
	Incoming string `yaml:"incoming"`
	SaveDir  string `yaml:"savedir"`
	WorkDir  string `yaml:"workdir"`
	JobQueue string `yaml:"jobqueue"`
}

// DatabaseConfig points at the read-mostly configuration/ledger database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // normally "sqlite"
	DSN    string `yaml:"dsn"`
	// CatalogCachePath is the local Pebble durable cache directory used by
	// the Site Catalog to survive a database outage between reloads.
	CatalogCachePath string `yaml:"catalog_cache_path"`
}

// UnpackConfig controls the Unpack Pool.
type UnpackConfig struct {
	Workers      int               `yaml:"workers"`
	DecoderPaths map[string]string `yaml:"decoder_paths"` // gunzip, unzip, crx2rnx, sbf2rin
	CountryCodes map[string]string `yaml:"country_codes"` // 9-char site -> decoder country code
}

// PendingConfig controls the Pending Aggregator's timing windows.
type PendingConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	QuiescenceSeconds   int `yaml:"quiescence_seconds"`
	StalenessSeconds    int `yaml:"staleness_seconds"`
}

// EngineConfig controls the Job Engine's worker pool and recovery behavior.
type EngineConfig struct {
	Instances               int    `yaml:"instances"`
	FatalBackoffSeconds     int    `yaml:"fatal_backoff_seconds"`
	LeftoverSweepMinutes    int    `yaml:"leftover_sweep_minutes"`
	LeftoverAgeMinutes      int    `yaml:"leftover_age_minutes"`
	IdlePollSeconds         int    `yaml:"idle_poll_seconds"`
	WorkerBinary            string `yaml:"worker_binary"`
	FTPUploaderReloadSignal string `yaml:"ftp_uploader_reload_signal"`
	FTPUploaderPIDFile      string `yaml:"ftp_uploader_pid_file"`
}

// SiteMappingRule is one entry of the site4 -> site9 fallback table, made
// configurable rather than compiled in. Rules are evaluated in order; an
// entry with Default set is the catch-all applied when no specific Site4
// rule matches.
type SiteMappingRule struct {
	Site4   string `yaml:"site4"`
	Country string `yaml:"country"`
	Default bool   `yaml:"default"`
}

// LoggingConfig controls plain-log verbosity.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
}

// NotifyConfig controls the optional MQTT job-event publisher.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Topic   string `yaml:"topic"`
}

// SentryConfig controls optional fatal-worker crash reporting.
type SentryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Load reads and parses a YAML configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Unpack.Workers <= 0 {
		c.Unpack.Workers = 4
	}
	if c.Engine.Instances <= 0 {
		c.Engine.Instances = 4
	}
	if c.Pending.TickIntervalSeconds <= 0 {
		c.Pending.TickIntervalSeconds = 3
	}
	if c.Pending.QuiescenceSeconds <= 0 {
		c.Pending.QuiescenceSeconds = 20
	}
	if c.Pending.StalenessSeconds <= 0 {
		c.Pending.StalenessSeconds = 7200
	}
	if c.Engine.FatalBackoffSeconds <= 0 {
		c.Engine.FatalBackoffSeconds = 300
	}
	if c.Engine.LeftoverSweepMinutes <= 0 {
		c.Engine.LeftoverSweepMinutes = 10
	}
	if c.Engine.LeftoverAgeMinutes <= 0 {
		c.Engine.LeftoverAgeMinutes = 15
	}
	if c.Engine.IdlePollSeconds <= 0 {
		c.Engine.IdlePollSeconds = 1
	}
	if len(c.SiteMapping) == 0 {
		// Default data, not a compiled constant: ARGI -> FRO, everything
		// else -> DNK.
		c.SiteMapping = []SiteMappingRule{
			{Site4: "ARGI", Country: "FRO"},
			{Country: "DNK", Default: true},
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
}

// Validate checks that the four spool directories are configured.
func (c *Config) Validate() error {
	d := c.Directories
	if d.Incoming == "" || d.SaveDir == "" || d.WorkDir == "" || d.JobQueue == "" {
		return fmt.Errorf("directories.incoming, savedir, workdir and jobqueue must all be set")
	}
	return nil
}

// DefaultCountryCode looks up the fallback country code for a 4-character
// short site name using the configured mapping table.
func (c *Config) DefaultCountryCode(site4 string) (string, bool) {
	var fallback string
	haveFallback := false
	for _, rule := range c.SiteMapping {
		if rule.Site4 != "" && rule.Site4 == site4 {
			return rule.Country, true
		}
		if rule.Default {
			fallback = rule.Country
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

// Snapshot holds an atomically-swappable pointer to the current config, so
// a SIGHUP reload is visible to readers without a lock.
type Snapshot struct {
	v atomic.Pointer[Config]
}

// NewSnapshot wraps an initial Config in a Snapshot.
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{}
	s.v.Store(cfg)
	return s
}

// Load returns the current configuration.
func (s *Snapshot) Load() *Config {
	return s.v.Load()
}

// Store atomically replaces the current configuration.
func (s *Snapshot) Store(cfg *Config) {
	s.v.Store(cfg)
}

// Reload re-reads filename and atomically swaps it in, returning the new
// config so the caller can log relevant fields.
func (s *Snapshot) Reload(filename string) (*Config, error) {
	cfg, err := Load(filename)
	if err != nil {
		return nil, err
	}
	s.Store(cfg)
	return cfg, nil
}
