// Package config loads server and client tuning knobs from a config file,
// environment variables, and flag overrides, using viper, and re-reads the
// file automatically when it changes on disk via fsnotify.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/travisbritz/ircrelay/irc"
	"github.com/travisbritz/ircrelay/server"
)

// File describes the on-disk/env-configurable settings. The server policy
// knobs are mapped onto server.Config by ServerConfig; the DCC fields are
// loaded but this package does not map them onto dcc.Config.
type File struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Nickname string `mapstructure:"nickname"`
	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`
	SimpleUI bool   `mapstructure:"simple_ui"`

	ServerName   string `mapstructure:"server_name"`
	Password     string `mapstructure:"password"`
	ChannelTypes string `mapstructure:"channel_types"`
	CaseMapping  string `mapstructure:"case_mapping"`

	DCCHost      string `mapstructure:"dcc_host"`
	DCCPortFirst int    `mapstructure:"dcc_port_first"`
	DCCPortLast  int    `mapstructure:"dcc_port_last"`
}

// Loader wraps a *viper.Viper configured with ircrelay's defaults and
// environment-variable binding, plus optional live reload.
type Loader struct {
	v *viper.Viper
}

// NewLoader constructs a Loader. configPath, if non-empty, is an explicit
// config file path; otherwise viper searches the conventional locations
// (./ircrelay.yaml, $HOME/.ircrelay/ircrelay.yaml, /etc/ircrelay/ircrelay.yaml).
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("IRCRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 6667)
	v.SetDefault("log_level", "info")
	v.SetDefault("server_name", "irc.example.net")
	v.SetDefault("channel_types", "#&")
	v.SetDefault("case_mapping", "rfc1459")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ircrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ircrelay")
		v.AddConfigPath("/etc/ircrelay")
	}

	return &Loader{v: v}
}

// Load reads the config file (if present; when no explicit path was given,
// a missing file is not an error, since flags/env/defaults may be
// sufficient, but a missing explicit path is) and unmarshals it into a
// File.
func (l *Loader) Load() (File, error) {
	var f File
	if err := l.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return f, fmt.Errorf("config: read: %w", err)
		}
	}
	if err := l.v.Unmarshal(&f); err != nil {
		return f, fmt.Errorf("config: unmarshal: %w", err)
	}
	return f, nil
}

// WatchReload invokes onChange with the freshly reloaded File every time
// the underlying config file changes, using viper's fsnotify-backed
// watcher.
func (l *Loader) WatchReload(onChange func(File, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		f, err := l.Load()
		onChange(f, err)
	})
	l.v.WatchConfig()
}

// Viper returns the underlying viper instance, e.g. for callers binding
// cobra/pflag flags as overrides with BindPFlag.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ServerConfig maps a loaded File onto server.Config, filling in defaults
// for fields the file left unset.
func ServerConfig(f File) server.Config {
	cfg := server.DefaultConfig()
	if f.ServerName != "" {
		cfg.ServerName = f.ServerName
	}
	cfg.Password = f.Password
	if f.ChannelTypes != "" {
		cfg.ChannelTypes = f.ChannelTypes
	}
	if f.CaseMapping != "" {
		cfg.CaseMapping = irc.ParseCaseMapping(f.CaseMapping)
	}
	return cfg
}

// PingTimeouts returns interval and deadline, replacing a zero or negative
// value with the same default server.DefaultConfig uses (2m and 5m).
func PingTimeouts(interval, deadline time.Duration) (time.Duration, time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	return interval, deadline
}
