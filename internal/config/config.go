// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Backends selectable with the backend key.
const (
	BackendLocal = "local"
	BackendEtcd  = "etcd"
	BackendRedis = "redis"
)

// Config holds all configuration for a lock node.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Backend          string        `mapstructure:"backend" validate:"oneof=local etcd redis"`
	NodeID           string        `mapstructure:"node_id"`
	AdminEnabled     bool          `mapstructure:"admin_enabled"`
	AdminListenAddr  string        `mapstructure:"admin_listen_addr" validate:"required"`
	AdvertiseAddr    string        `mapstructure:"advertise_addr"`
	EtcdEndpoints    []string      `mapstructure:"etcd_endpoints" validate:"required_if=Backend etcd"`
	EtcdTimeout      time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	EtcdPrefix       string        `mapstructure:"etcd_prefix"`
	RedisURL         string        `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix      string        `mapstructure:"redis_prefix"`
	RedisTimeout     time.Duration `mapstructure:"redis_timeout" validate:"gt=0"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	MemberTTL        time.Duration `mapstructure:"member_ttl" validate:"gte=1s"`
	AdminCallTimeout time.Duration `mapstructure:"admin_call_timeout" validate:"gt=0"`
}

// EnvPrefix is prepended to every key looked up in the environment, so
// lock_timeout is read from LOCKS_LOCK_TIMEOUT.
const EnvPrefix = "LOCKS"

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendLocal)
	v.SetDefault("node_id", "")
	v.SetDefault("admin_enabled", true)
	v.SetDefault("admin_listen_addr", ":8080")
	v.SetDefault("advertise_addr", "")
	v.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("etcd_prefix", "/locks/")
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("redis_prefix", "locks:")
	v.SetDefault("redis_timeout", "2s")
	v.SetDefault("lock_timeout", "60s")
	v.SetDefault("sweep_interval", "5000ms")
	v.SetDefault("member_ttl", "10s")
	v.SetDefault("admin_call_timeout", "5s")
}

// Load loads configuration from file and environment variables. When path is
// empty config.yaml is looked up in ./configs and the working directory, and
// a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// AdvertiseAddress is the address other members reach this node's admin
// endpoints on. It defaults to the host name with the listen port.
func (c *Config) AdvertiseAddress() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	host, port, err := net.SplitHostPort(c.AdminListenAddr)
	if err != nil {
		return c.AdminListenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return net.JoinHostPort(host, port)
}
