// Package config resolves the engine's runtime settings from an optional
// config file, environment variables, and defaults, layered through
// spf13/viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces every environment variable override, e.g.
	// ETHERLINK_DISCOVERY_PORT.
	EnvPrefix = "ETHERLINK"

	// DefaultDataDirName is the per-user data directory holding the
	// transfer history database.
	DefaultDataDirName = "etherlink"
)

// Config is the fully resolved set of engine startup settings.
type Config struct {
	DeviceName    string `mapstructure:"device_name"`
	DiscoveryPort int    `mapstructure:"discovery_port"`
	TransferPort  int    `mapstructure:"transfer_port"`
	DownloadsDir  string `mapstructure:"downloads_dir"`
	DataDir       string `mapstructure:"data_dir"`
	LogLevel      string `mapstructure:"log_level"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
}

// HistoryDBPath returns the path to the transfer history database file
// within DataDir.
func (c Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// Load builds a Config from (in ascending priority) built-in defaults,
// an optional config file, and ETHERLINK_-prefixed environment
// variables. configFile may be empty, in which case only the default
// search paths (./config.yaml, $XDG_CONFIG_HOME/etherlink/config.yaml)
// are consulted, and a missing file is not an error.
func Load(configFile string) (Config, error) {
	v := viper.New()

	dataDir, err := defaultDataDir()
	if err != nil {
		return Config{}, err
	}
	downloadsDir, err := defaultDownloadsDir()
	if err != nil {
		return Config{}, err
	}
	deviceName, err := os.Hostname()
	if err != nil || deviceName == "" {
		deviceName = "EtherLink Device"
	}

	v.SetDefault("device_name", deviceName)
	v.SetDefault("discovery_port", 9000)
	v.SetDefault("transfer_port", 9001)
	v.SetDefault("downloads_dir", downloadsDir)
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(xdg, DefaultDataDirName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func defaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config directory: %w", err)
	}
	return filepath.Join(base, DefaultDataDirName), nil
}

func defaultDownloadsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home directory: %w", err)
	}
	return filepath.Join(home, "Downloads", "EtherLink"), nil
}
