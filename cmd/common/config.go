package common

import (
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"
)

// WatchConfig is the broadcaster tuning block of the config file. Millisecond
// fields mirror the wire protocol units.
type WatchConfig struct {
	BatchWindowMs       int64 `yaml:"batchWindowMs"`
	MaxBatchSize        int   `yaml:"maxBatchSize"`
	HeartbeatIntervalMs int64 `yaml:"heartbeatIntervalMs"`
	ConnectionTimeoutMs int64 `yaml:"connectionTimeoutMs"`
	MaxConnections      int   `yaml:"maxConnections"`
	MaxSubscriptions    int   `yaml:"maxSubscriptions"`
}

// CleanupConfig is the orphan scheduler tuning block.
type CleanupConfig struct {
	MinOrphanCount int   `yaml:"minOrphanCount"`
	MinOrphanAgeMs int64 `yaml:"minOrphanAgeMs"`
	BatchSize      int   `yaml:"batchSize"`
}

type Config struct {
	// DataDir holds the metadata database, the warm store, and the cold
	// object directory.
	DataDir           string        `yaml:"dataDir"`
	Listen            string        `yaml:"listen"`
	LogLevel          string        `yaml:"log"`
	HotThresholdBytes int64         `yaml:"hotThresholdBytes"`
	Watch             WatchConfig   `yaml:"watch"`
	Cleanup           CleanupConfig `yaml:"cleanup"`
}

// DefaultConfigPath returns the default config location for tierfs
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("Could not determine configuration directory.")
	}
	return filepath.Join(confDir, "tierfs/config.yml")
}

func defaults() Config {
	cacheDir, _ := os.UserCacheDir()
	return Config{
		DataDir:           filepath.Join(cacheDir, "tierfs"),
		Listen:            "127.0.0.1:7770",
		LogLevel:          "debug",
		HotThresholdBytes: 1 << 20,
	}
}

// LoadConfig is the primary way of loading tierfs's config
func LoadConfig(path string) *Config {
	def := defaults()

	conf, err := os.ReadFile(path)
	if err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("Configuration file not found, using defaults.")
		return &def
	}
	config := &Config{}
	if err = yaml.Unmarshal(conf, config); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not parse configuration file, using defaults.")
	}
	if err = mergo.Merge(config, def); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not merge configuration file with defaults, using defaults only.")
	}

	config.DataDir = UnescapeHome(config.DataDir)
	return config
}

// Write config to a file
func (c Config) WriteConfig(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		log.Error().Err(err).Msg("Could not marshal config!")
		return err
	}
	os.MkdirAll(filepath.Dir(path), 0700)
	err = os.WriteFile(path, out, 0600)
	if err != nil {
		log.Error().Err(err).Msg("Could not write config to disk.")
	}
	return err
}
