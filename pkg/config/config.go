// Package config loads tablekit configuration from a file, the
// environment (TABLEKIT_ prefix), and bound CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds application-wide configuration.
type Config struct {
	PG          PGConfig      `mapstructure:"pg"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	BaseURL     string        `mapstructure:"baseURL"`
	SchemaCache string        `mapstructure:"schemaCache"`
	LogLevel    string        `mapstructure:"logLevel"`
}

type PGConfig struct {
	ConnString string `mapstructure:"connString"`
}

type MetricsConfig struct {
	// ListenAddr enables the Prometheus endpoint when non-empty.
	ListenAddr string `mapstructure:"listenAddr"`
	Path       string `mapstructure:"path"`
}

func Default() Config {
	return Config{
		BaseURL:  "/",
		LogLevel: "info",
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads config from file or environment.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("tablekit")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TABLEKIT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}
