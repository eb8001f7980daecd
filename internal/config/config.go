package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/tanq16/bolt/internal/logging"
)

const configFileName = "bolt.yaml"

// Config holds the user-tunable options. File values fill in whatever the
// CLI flags leave at zero.
type Config struct {
	Profile      string            `yaml:"profile,omitempty"`      // aggressive | conservative
	Segments     int               `yaml:"segments,omitempty"`     // 0 = auto
	DownloadDir  string            `yaml:"dir,omitempty"`          // default output directory
	UserAgent    string            `yaml:"userAgent,omitempty"`    //
	Headers      map[string]string `yaml:"headers,omitempty"`      // attached to every request
	ThrottleBps  int64             `yaml:"throttleBps,omitempty"`  // 0 = unlimited
	StallTimeout time.Duration     `yaml:"stallTimeout,omitempty"` //
	NoStealing   bool              `yaml:"noStealing,omitempty"`   // disable work stealing
	NoResegment  bool              `yaml:"noResegment,omitempty"`  // disable dynamic splits
	Insecure     bool              `yaml:"insecure,omitempty"`     // skip TLS verification
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Profile:      "aggressive",
		StallTimeout: 15 * time.Second,
	}
}

// Path returns the config file location under the XDG config directory.
func Path() string {
	return filepath.Join(xdg.ConfigHome, "bolt", configFileName)
}

// Load reads the config file, falling back to defaults when absent. A
// missing file is not an error; a malformed one is.
func Load() (*Config, error) {
	defaults := Default()

	b, err := os.ReadFile(Path())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return defaults, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	cfg.Profile = zeroOr(cfg.Profile, defaults.Profile)
	cfg.StallTimeout = zeroOr(cfg.StallTimeout, defaults.StallTimeout)

	logger := logging.GetLogger("config")
	logger.Debug().Str("path", Path()).Msg("loaded config file")
	return &cfg, nil
}

func zeroOr[T comparable](val, fallback T) T {
	var zero T
	if val == zero {
		return fallback
	}
	return val
}

// Entry is one item of a YAML batch download list.
type Entry struct {
	URL        string `yaml:"link"`
	OutputPath string `yaml:"op,omitempty"`
}

// ReadList parses a batch list file: a sequence of {link, op} mappings.
func ReadList(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
