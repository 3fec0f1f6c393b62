package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"
)

// duration decodes TOML strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type config struct {
	Listen      string `toml:"listen"`
	AdminListen string `toml:"admin_listen"`
	Domain      string `toml:"domain"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`

	QueryTimeout duration `toml:"query_timeout"`
	IdleTimeout  duration `toml:"idle_timeout"`
	MailboxSize  int      `toml:"mailbox_size"`

	// LinkCloseTo receives link-close payloads. Defaults to
	// linkwatch@<domain>, served by bamd itself.
	LinkCloseTo string `toml:"link_close_to"`

	Namespaces []string          `toml:"namespaces"`
	Users      map[string]string `toml:"users"`
	Admins     map[string]string `toml:"admins"`

	Cluster clusterConfig `toml:"cluster"`
	Nats    natsConfig    `toml:"nats"`
}

type clusterConfig struct {
	ServerID      string         `toml:"server_id"`
	Address       string         `toml:"address"`
	Driver        string         `toml:"driver"`
	DSN           string         `toml:"dsn"`
	Migrate       bool           `toml:"migrate"`
	PollInterval  duration       `toml:"poll_interval"`
	LeaseDuration duration       `toml:"lease_duration"`
	Members       []staticMember `toml:"members"`
}

type staticMember struct {
	ServerID string `toml:"server_id"`
	Address  string `toml:"address"`
}

type natsConfig struct {
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"`
}

func defaultConfig() config {
	return config{
		Listen:      "127.0.0.1:6800",
		AdminListen: "127.0.0.1:6801",
		Domain:      "localhost",
		LogLevel:    "info",
		LogFormat:   "json",
		Nats:        natsConfig{Prefix: "bam"},
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("load %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			slog.Warn("unknown config keys", "keys", fmt.Sprint(undecoded))
		}
	}
	if cfg.LinkCloseTo == "" {
		cfg.LinkCloseTo = "linkwatch@" + cfg.Domain
	}
	return cfg, nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
