// Package config loads the image server's JSON configuration, layering
// environment variable overrides on top of the file.
package config

import (
	"encoding/json"
	"os"
	"strconv"
)

type Config struct {
	// Transport
	ListenAddr string `json:"listen_addr,omitempty"` // transport-router TCP endpoint

	// Redis
	RemoteRedisAddr string `json:"remote_redis_addr,omitempty"`
	LocalRedisAddr  string `json:"local_redis_addr,omitempty"`

	// Auth
	AuthPublicKeyPath string `json:"auth_public_key_path,omitempty"`

	// Per-child supervisor
	WorkerPoolSize int `json:"worker_pool_size,omitempty"`

	// Cache
	CacheInitialMaxBuffers int `json:"cache_initial_max_buffers,omitempty"`

	// External programs
	IndexerPath string `json:"indexer_path,omitempty"`
	RsyncPath   string `json:"rsync_path,omitempty"`

	// Misc
	PidFilePath string `json:"pid_file_path,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
	LogFile     string `json:"log_file,omitempty"`
}

// Default returns the built-in defaults, applied before the file and
// environment layers.
func Default() *Config {
	return &Config{
		ListenAddr:             "tcp://127.0.0.1:16969",
		RemoteRedisAddr:        "127.0.0.1:6379",
		LocalRedisAddr:         "127.0.0.1:6380",
		AuthPublicKeyPath:      "/etc/imgsrv/auth_pub.pem",
		WorkerPoolSize:         8,
		CacheInitialMaxBuffers: 64,
		IndexerPath:            "/usr/local/bin/is_index",
		RsyncPath:              "/usr/bin/rsync",
		PidFilePath:            "/var/run/imgsrv.pid",
		LogLevel:               "info",
	}
}

// Load reads path (if it exists) over the defaults, then applies IS_*
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("IS_LISTEN_ADDR", &c.ListenAddr)
	str("IS_REMOTE_REDIS_ADDR", &c.RemoteRedisAddr)
	str("IS_LOCAL_REDIS_ADDR", &c.LocalRedisAddr)
	str("IS_AUTH_PUBLIC_KEY_PATH", &c.AuthPublicKeyPath)
	num("IS_WORKER_POOL_SIZE", &c.WorkerPoolSize)
	num("IS_CACHE_INITIAL_MAX_BUFFERS", &c.CacheInitialMaxBuffers)
	str("IS_INDEXER_PATH", &c.IndexerPath)
	str("IS_RSYNC_PATH", &c.RsyncPath)
	str("IS_PID_FILE_PATH", &c.PidFilePath)
	str("IS_LOG_LEVEL", &c.LogLevel)
	str("IS_LOG_FILE", &c.LogFile)
}
