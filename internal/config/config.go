package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single external calendar (ICS) subscription.
type FeedConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is the calendar's display name. Classification of synced items
	// keys off it: a feed named like "Tasks" yields Task items.
	Name string `yaml:"name" json:"name"`
	// Primary marks the main calendar; non-primary feeds are only consulted
	// when their name matches the Birthday/Tasks patterns.
	Primary bool `yaml:"primary" json:"primary"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// NotifyConfig selects where fired notifications are delivered. The log sink
// is always active; a webhook sink is added when WebhookURL is set.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
}

// LocationConfig mirrors the platform's location permission gates. Geofence
// registration is refused with a recoverable error unless both are granted.
type LocationConfig struct {
	ForegroundGranted bool `yaml:"foreground_granted" json:"foreground_granted"`
	BackgroundGranted bool `yaml:"background_granted" json:"background_granted"`
}

// HydrationConfig controls the opt-in periodic water reminder.
type HydrationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Cron is the notification cadence; empty means every two hours.
	Cron string `yaml:"cron" json:"cron"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for trigger resolution and display
	// (e.g. "Europe/London"). Empty means the process-local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataDir holds the SQLite database and the calendar feed cache.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// SyncCron is a cron-style schedule for the calendar sync job.
	SyncCron string `yaml:"sync_cron" json:"sync_cron"`

	// SyncHorizonMonths is how far ahead the sync job looks for events.
	SyncHorizonMonths int `yaml:"sync_horizon_months" json:"sync_horizon_months"`

	// ExactAlarms permits exact wake-ups. When false the scheduler degrades
	// to best-effort minute-granularity registration instead of failing.
	ExactAlarms bool `yaml:"exact_alarms" json:"exact_alarms"`

	Location LocationConfig `yaml:"location" json:"location"`

	Notify NotifyConfig `yaml:"notify" json:"notify"`

	Hydration HydrationConfig `yaml:"hydration" json:"hydration"`

	// Calendars is the list of subscribed external calendar feeds.
	Calendars []FeedConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:8087",
		Timezone:          "",
		DataDir:           "./var",
		SyncCron:          "0 */3 * * *",
		SyncHorizonMonths: 3,
		ExactAlarms:       true,
		Location: LocationConfig{
			ForegroundGranted: true,
			BackgroundGranted: true,
		},
		Hydration: HydrationConfig{
			Enabled: false,
			Cron:    "0 */2 * * *",
		},
		Calendars: []FeedConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8087"
	}
	if c.DataDir == "" {
		c.DataDir = "./var"
	}
	if c.SyncCron == "" {
		c.SyncCron = "0 */3 * * *"
	}
	if c.SyncHorizonMonths <= 0 {
		c.SyncHorizonMonths = 3
	}
	if c.Hydration.Cron == "" {
		c.Hydration.Cron = "0 */2 * * *"
	}
	if c.Calendars == nil {
		c.Calendars = []FeedConfig{}
	}
}

// DBPath returns the SQLite database location under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "nudge.db")
}

// FeedCacheDir returns the calendar feed cache location under DataDir.
func (c *Config) FeedCacheDir() string {
	return filepath.Join(c.DataDir, "feed-cache")
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there with
//     0600 perms and returned.
//   - Otherwise the YAML is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path, atomically via
// a temp file + rename, with 0600 permissions on the final file.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".nudge-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up the temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
