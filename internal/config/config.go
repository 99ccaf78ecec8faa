package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type LauncherConfig struct {
	Path string `yaml:"path"`
	// UID/GID of the unprivileged sandbox user; -1 keeps the launcher default.
	UID         int      `yaml:"uid"`
	GID         int      `yaml:"gid"`
	ShareNet    bool     `yaml:"share_net"`
	SystemPaths []string `yaml:"system_paths"` // empty = detect
}

type DepsConfig struct {
	// Runner is the host path of the in-sandbox daemon binary.
	Runner string            `yaml:"runner"`
	Extra  map[string]string `yaml:"extra"` // name inside /deps -> host path
}

type PoolConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	StartupDelay time.Duration `yaml:"startup_delay"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	Retention    time.Duration `yaml:"retention"`
	KeepWorkDirs bool          `yaml:"keep_work_dirs"`
}

type BundleConfig struct {
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	VerifyHash     bool          `yaml:"verify_hash"`
	InProcessUnzip bool          `yaml:"in_process_unzip"`
}

type PipeConfig struct {
	OpenTimeout time.Duration `yaml:"open_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	// Human readable sizes such as "64KiB".
	ChunkSize      string `yaml:"chunk_size"`
	StaticMaxBytes string `yaml:"static_max_bytes"`

	ChunkBytes  int `yaml:"-"`
	StaticBytes int `yaml:"-"`
}

type Config struct {
	Listen         string `yaml:"listen"`
	SideChannelURL string `yaml:"side_channel_url"`
	DataDir        string `yaml:"data_dir"`
	WorkRoot       string `yaml:"work_root"`
	BundleRoot     string `yaml:"bundle_root"`
	DBPath         string `yaml:"db_path"`
	LogLevel       string `yaml:"log_level"`
	// UserTokens maps end-user bearer tokens to subjects for
	// /v1/auth/verify.
	UserTokens map[string]string `yaml:"user_tokens"`

	Launcher LauncherConfig `yaml:"launcher"`
	Deps     DepsConfig     `yaml:"deps"`
	Pool     PoolConfig     `yaml:"pool"`
	Bundles  BundleConfig   `yaml:"bundles"`
	Pipe     PipeConfig     `yaml:"pipe"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:         "127.0.0.1:8787",
		SideChannelURL: "http://127.0.0.1:8787",
		DataDir:        "./sandpipe-data",
		LogLevel:       "info",
		UserTokens:     make(map[string]string),
		Launcher: LauncherConfig{
			Path:     "bwrap",
			UID:      -1,
			GID:      -1,
			ShareNet: true,
		},
		Deps: DepsConfig{
			Extra: make(map[string]string),
		},
		Pool: PoolConfig{
			IdleTimeout:  5 * time.Minute,
			StartupDelay: 200 * time.Millisecond,
			ReapInterval: 30 * time.Second,
			Retention:    7 * 24 * time.Hour,
		},
		Bundles: BundleConfig{
			ReadyTimeout: 30 * time.Second,
			PollInterval: 250 * time.Millisecond,
		},
		Pipe: PipeConfig{
			OpenTimeout:    10 * time.Second,
			MaxRetries:     10,
			BaseBackoff:    5 * time.Millisecond,
			ChunkSize:      "64KiB",
			StaticMaxBytes: "256KiB",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve fills paths derived from DataDir and parses size strings.
func (c *Config) resolve() error {
	if c.WorkRoot == "" {
		c.WorkRoot = filepath.Join(c.DataDir, "workers")
	}
	if c.BundleRoot == "" {
		c.BundleRoot = filepath.Join(c.DataDir, "bundles")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "sandpipe.db")
	}
	if c.Deps.Runner == "" {
		if exe, err := os.Executable(); err == nil {
			c.Deps.Runner = filepath.Join(filepath.Dir(exe), "runner")
		}
	}

	n, err := units.RAMInBytes(c.Pipe.ChunkSize)
	if err != nil {
		return fmt.Errorf("pipe.chunk_size: %w", err)
	}
	c.Pipe.ChunkBytes = int(n)
	n, err = units.RAMInBytes(c.Pipe.StaticMaxBytes)
	if err != nil {
		return fmt.Errorf("pipe.static_max_bytes: %w", err)
	}
	c.Pipe.StaticBytes = int(n)
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDPIPE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SANDPIPE_SIDE_CHANNEL_URL"); v != "" {
		cfg.SideChannelURL = v
	}
	if v := os.Getenv("SANDPIPE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SANDPIPE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SANDPIPE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SANDPIPE_LAUNCHER"); v != "" {
		cfg.Launcher.Path = v
	}
	if v := os.Getenv("SANDPIPE_SHARE_NET"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Launcher.ShareNet = b
		}
	}
	if v := os.Getenv("SANDPIPE_SYSTEM_PATHS"); v != "" {
		cfg.Launcher.SystemPaths = strings.Split(v, ",")
	}
	if v := os.Getenv("SANDPIPE_RUNNER"); v != "" {
		cfg.Deps.Runner = v
	}
	if v := os.Getenv("SANDPIPE_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pool.IdleTimeout = d
		}
	}
	if v := os.Getenv("SANDPIPE_VERIFY_HASH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Bundles.VerifyHash = b
		}
	}
	if v := os.Getenv("SANDPIPE_CHUNK_SIZE"); v != "" {
		cfg.Pipe.ChunkSize = v
	}
	// SANDPIPE_USER_TOKENS=token1:alice,token2:bob
	if v := os.Getenv("SANDPIPE_USER_TOKENS"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			token, subject, ok := strings.Cut(pair, ":")
			if ok && token != "" {
				cfg.UserTokens[token] = subject
			}
		}
	}
}
