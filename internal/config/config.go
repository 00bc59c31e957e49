// Package config implements Config & Bootstrap: daemon configuration
// loading and the bundled pass-type snapshot.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/badgesync/meshsync/pkg/mesh/core"
)

// Config is the resolved daemon configuration, loaded from
// meshsyncd.yaml (or equivalent) with MESHSYNC_* environment
// overrides, per SPEC_FULL.md section 4.F.
type Config struct {
	Port       int
	DataDir    string
	CooldownMs int64
	Timers     core.TimerConfig
}

// Load reads configPath when it is non-empty, otherwise the working
// directory's meshsyncd.yaml if present (only one file is read);
// MESHSYNC_* environment variables override file values, and the
// spec-mandated defaults fill in anything left unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("meshsyncd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix("MESHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", core.DefaultPort)
	v.SetDefault("data_dir", "./meshsyncd-data")
	v.SetDefault("cooldown_ms", core.DefaultCooldownMs)
	v.SetDefault("timers.heartbeat_ms", 10_000)
	v.SetDefault("timers.retry_ack_ms", 2_000)
	v.SetDefault("timers.state_hash_ms", 20_000)
	v.SetDefault("timers.full_sync_ms", 30_000)
	v.SetDefault("timers.retry_queue_ms", 3_000)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "reading meshsyncd config")
		}
	}

	cfg := &Config{
		Port:       v.GetInt("port"),
		DataDir:    v.GetString("data_dir"),
		CooldownMs: v.GetInt64("cooldown_ms"),
		Timers: core.TimerConfig{
			Heartbeat:  time.Duration(v.GetInt64("timers.heartbeat_ms")) * time.Millisecond,
			RetryAck:   time.Duration(v.GetInt64("timers.retry_ack_ms")) * time.Millisecond,
			StateHash:  time.Duration(v.GetInt64("timers.state_hash_ms")) * time.Millisecond,
			FullSync:   time.Duration(v.GetInt64("timers.full_sync_ms")) * time.Millisecond,
			RetryQueue: time.Duration(v.GetInt64("timers.retry_queue_ms")) * time.Millisecond,
		},
	}
	return cfg, nil
}
