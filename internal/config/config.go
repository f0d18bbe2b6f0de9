// Package config loads Overseer's layered runtime configuration with
// spf13/viper: defaults, an optional overseer.yaml/overseer.toml file, and
// OVERSEER_* environment variables, applied in defaults-then-file-then-env
// order.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration for cmd/overseerd.
type Config struct {
	// StorePath is the on-disk path for a persistent store. cmd/overseerd
	// wires the in-memory reference store, which does not read it.
	StorePath string `mapstructure:"store_path"`

	HTTPAddr  string `mapstructure:"http_addr"`
	RelayAddr string `mapstructure:"relay_addr"`

	// RelayToken is the shared secret the relay's auth frame must present
	// first, per spec §6.
	RelayToken string `mapstructure:"relay_token"`

	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	GatePollInterval   time.Duration `mapstructure:"gate_poll_interval"`
	IdempotencyGCEvery string        `mapstructure:"idempotency_gc_cron"`

	OTLPEndpoint     string `mapstructure:"otlp_endpoint"`
	PrometheusAddr   string `mapstructure:"prometheus_addr"`
	LogFormat        string `mapstructure:"log_format"`
}

// Load builds a Config from defaults, an optional file at path (searched
// under the current directory and /etc/overseer if path is empty), and
// OVERSEER_*-prefixed environment variables, in that precedence order.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("overseer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("overseer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/overseer")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store_path", "./overseer-data")
	v.SetDefault("http_addr", "127.0.0.1:8080")
	v.SetDefault("relay_addr", "127.0.0.1:8081")
	v.SetDefault("relay_token", "")
	v.SetDefault("idempotency_ttl", 24*time.Hour)
	v.SetDefault("gate_poll_interval", 5*time.Second)
	v.SetDefault("idempotency_gc_cron", "0 3 * * *")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("prometheus_addr", "127.0.0.1:9090")
	v.SetDefault("log_format", "text")
}
