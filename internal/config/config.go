// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application's TOML configuration file via
// viper, the way the teacher's internal/config package does: defaults set
// first, file merged in, environment variables (QBD_ followed by the
// upper-cased key, e.g. QBD_QBITTORRENTPASSWORD) taking final precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the full set of knobs the qbd process needs at startup. There
// is deliberately no HTTP/CLI surface for editing it (spec.md's config
// non-goal): it is TOML file plus environment only.
type Config struct {
	DataDir   string `toml:"dataDir" mapstructure:"dataDir"`
	StorePath string `toml:"storePath" mapstructure:"storePath"`
	CachePath string `toml:"torrentCachePath" mapstructure:"torrentCachePath"`

	LogLevel string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath  string `toml:"logPath" mapstructure:"logPath"`

	QbittorrentHost     string `toml:"qbittorrentHost" mapstructure:"qbittorrentHost"`
	QbittorrentUsername string `toml:"qbittorrentUsername" mapstructure:"qbittorrentUsername"`
	QbittorrentPassword string `toml:"qbittorrentPassword" mapstructure:"qbittorrentPassword"`

	RcloneRCAddr     string `toml:"rcloneRcAddr" mapstructure:"rcloneRcAddr"`
	RcloneRCUser     string `toml:"rcloneRcUser" mapstructure:"rcloneRcUser"`
	RcloneRCPassword string `toml:"rcloneRcPassword" mapstructure:"rcloneRcPassword"`

	MaxPartSize      int64   `toml:"maxPartSize" mapstructure:"maxPartSize"`
	RatioLimit       float64 `toml:"ratioLimit" mapstructure:"ratioLimit"`
	SeedingTimeLimit int64   `toml:"seedingTimeLimit" mapstructure:"seedingTimeLimit"`

	PollIntervalSeconds int `toml:"pollIntervalSeconds" mapstructure:"pollIntervalSeconds"`
}

// New loads configuration from path, applying defaults first and
// environment overrides last. A missing file is not an error: defaults
// plus environment variables are sufficient to run against (spec.md's
// ambient config section: "every field has a usable zero-config
// default except qBittorrent/Rclone credentials").
func New(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setDefaults(v)

	v.SetEnvPrefix("QBD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			log.Info().Str("path", path).Msg("[CONFIG] no config file found, using defaults and environment")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.DataDir, "tasks.json")
	}
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfg.DataDir, "torrents")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", "./data")
	v.SetDefault("logLevel", "info")
	v.SetDefault("qbittorrentHost", "http://localhost:8080")
	v.SetDefault("maxPartSize", int64(10)<<30) // 10 GiB
	v.SetDefault("ratioLimit", -1.0)
	v.SetDefault("seedingTimeLimit", int64(-1))
	v.SetDefault("pollIntervalSeconds", 5)
}
