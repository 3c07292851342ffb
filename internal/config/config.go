// Package config loads devlinkd settings from devlink.yaml, DEVLINK_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/harrylevesque/devlink/internal/logging"
)

const (
	appName   = "devlink"
	envPrefix = "DEVLINK"
)

type Config struct {
	// APIBaseURL overrides the persisted authority base URL when set.
	APIBaseURL      string        `mapstructure:"api_base_url" yaml:"api_base_url,omitempty"`
	UIDSalt         string        `mapstructure:"uid_salt" yaml:"uid_salt"`
	AdminContact    string        `mapstructure:"admin_contact" yaml:"admin_contact,omitempty"`
	UpdaterURL      string        `mapstructure:"updater_url" yaml:"updater_url,omitempty"`
	DataDir         string        `mapstructure:"data_dir" yaml:"data_dir"`
	NetworkProbeURL string        `mapstructure:"network_probe_url" yaml:"network_probe_url"`
	VerifyInterval  time.Duration `mapstructure:"verify_interval" yaml:"verify_interval"`
	UpdateInterval  time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
	Control         ControlConfig `mapstructure:"control" yaml:"control"`
	Log             LogConfig     `mapstructure:"log" yaml:"log"`
}

type ControlConfig struct {
	Bind string `mapstructure:"bind" yaml:"bind"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Path  string `mapstructure:"path" yaml:"path,omitempty"`
	JSON  bool   `mapstructure:"json" yaml:"json,omitempty"`
}

// Addr is the control server listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Control.Bind, strconv.Itoa(c.Control.Port))
}

var defaults = map[string]any{
	"api_base_url":      "",
	"uid_salt":          "nuoan-desktop-salt-v2",
	"admin_contact":     "",
	"updater_url":       "",
	"data_dir":          "",
	"network_probe_url": "https://www.baidu.com",
	"verify_interval":   "5m",
	"update_interval":   "6h",
	"control.bind":      "127.0.0.1",
	"control.port":      3001,
	"log.level":         "info",
	"log.path":          "",
	"log.json":          false,
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"api-base-url": "api_base_url",
	"data-dir":     "data_dir",
	"updater-url":  "updater_url",
	"port":         "control.port",
	"log-level":    "log.level",
	"log-json":     "log.json",
}

// UserDir returns the per-user devlink directory.
func UserDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

// Load reads the configuration. path names an explicit config file; when
// empty devlink.yaml is searched in the user config dir and the working
// directory, and a missing file is not an error. cmd may be nil.
func Load(cmd *cobra.Command, path string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName(appName)
	v.SetConfigType("yaml")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return c, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(path)
	}
	if dir, err := UserDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return c, err
				}
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyDefaults(); err != nil {
		return c, err
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyDefaults() error {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.UpdaterURL = strings.TrimRight(strings.TrimSpace(c.UpdaterURL), "/")
	if c.DataDir == "" {
		dir, err := UserDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.Control.Bind == "" || strings.EqualFold(c.Control.Bind, "localhost") {
		c.Control.Bind = "127.0.0.1"
	}
	return nil
}

func (c *Config) validate() error {
	if c.APIBaseURL != "" {
		if err := checkHTTPURL(c.APIBaseURL); err != nil {
			return fmt.Errorf("api_base_url: %w", err)
		}
	}
	if c.UpdaterURL != "" {
		if err := checkHTTPURL(c.UpdaterURL); err != nil {
			return fmt.Errorf("updater_url: %w", err)
		}
	}
	if strings.TrimSpace(c.UIDSalt) == "" {
		return errors.New("uid_salt must not be empty")
	}
	if ip := net.ParseIP(c.Control.Bind); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("control.bind must be a loopback address, got %q", c.Control.Bind)
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port out of range: %d", c.Control.Port)
	}
	if c.VerifyInterval <= 0 {
		return errors.New("verify_interval must be positive")
	}
	if c.UpdateInterval <= 0 {
		return errors.New("update_interval must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must be an http(s) url, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// WriteFile writes c as YAML to path, creating the directory if needed.
func WriteFile(c Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// DefaultPath is the user config file location.
func DefaultPath() (string, error) {
	dir, err := UserDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName+".yaml"), nil
}
