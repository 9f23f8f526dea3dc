// Package config loads hub configuration from the environment and an
// optional .env file, in that precedence order, using viper the way the
// pack's CLI-driven services layer config (encoredev-encore, getployz-ployz)
// and godotenv the way the teacher's own test/chaos-proxy.go loads local
// env files.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is every recognized tunable from spec.md §6, plus the shared
// secret gating the privileged broadcast endpoint (§4.7).
type Config struct {
	ListenAddr string

	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	MaxConnectionsPerUser  int
	MaxTotalConnections    int
	BroadcastBatchSize     int
	BroadcastFlushInterval time.Duration
	DefaultHistoryLimit    int
	MaxMessageSize         int
	MaxQueueSize           int

	CPUThreshold    float64
	MemoryThreshold float64
	SampleInterval  time.Duration

	BroadcastSharedSecret string
}

// Load reads configuration with precedence env > .env file > defaults. No
// command-line flag sets any of these values. envFile may be empty to skip
// .env loading (e.g. in production
// where secrets come from the environment directly).
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, err
			}
		}
	}

	v := viper.New()
	v.SetEnvPrefix("PRESENCEHUB")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("heartbeat_interval_ms", 30000)
	v.SetDefault("heartbeat_timeout_ms", 60000)
	v.SetDefault("max_connections_per_user", 3)
	v.SetDefault("max_total_connections", 10000)
	v.SetDefault("broadcast_batch_size", 100)
	v.SetDefault("broadcast_flush_interval_ms", 50)
	v.SetDefault("default_history_limit", 50)
	v.SetDefault("max_message_size_bytes", 64*1024)
	v.SetDefault("max_queue_size", 1000)
	v.SetDefault("cpu_threshold", 80.0)
	v.SetDefault("memory_threshold", 80.0)
	v.SetDefault("sample_interval_ms", 1000)
	v.SetDefault("broadcast_shared_secret", "")

	return Config{
		ListenAddr:             v.GetString("listen_addr"),
		HeartbeatInterval:      time.Duration(v.GetInt("heartbeat_interval_ms")) * time.Millisecond,
		HeartbeatTimeout:       time.Duration(v.GetInt("heartbeat_timeout_ms")) * time.Millisecond,
		MaxConnectionsPerUser:  v.GetInt("max_connections_per_user"),
		MaxTotalConnections:    v.GetInt("max_total_connections"),
		BroadcastBatchSize:     v.GetInt("broadcast_batch_size"),
		BroadcastFlushInterval: time.Duration(v.GetInt("broadcast_flush_interval_ms")) * time.Millisecond,
		DefaultHistoryLimit:    v.GetInt("default_history_limit"),
		MaxMessageSize:         v.GetInt("max_message_size_bytes"),
		MaxQueueSize:           v.GetInt("max_queue_size"),
		CPUThreshold:           v.GetFloat64("cpu_threshold"),
		MemoryThreshold:        v.GetFloat64("memory_threshold"),
		SampleInterval:         time.Duration(v.GetInt("sample_interval_ms")) * time.Millisecond,
		BroadcastSharedSecret:  v.GetString("broadcast_shared_secret"),
	}, nil
}
