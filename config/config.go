// Package config loads audioswitch settings from defaults, an optional YAML
// file, AUDIOSWITCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"audioswitch/device"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "AUDIOSWITCH"
	fileName  = "audioswitch"

	DefaultPollInterval = 500 * time.Millisecond
	MinPollInterval     = 50 * time.Millisecond
)

var backends = []string{"auto", "pulse", "malgo", "fake"}

type Config struct {
	PreferredDevices []string      `mapstructure:"preferred_devices" yaml:"preferred_devices" json:"preferred_devices"`
	Logging          bool          `mapstructure:"logging" yaml:"logging" json:"logging"`
	ManageFocus      bool          `mapstructure:"manage_focus" yaml:"manage_focus" json:"manage_focus"`
	LogPath          string        `mapstructure:"log_path" yaml:"log_path" json:"log_path"`
	Backend          string        `mapstructure:"backend" yaml:"backend" json:"backend"`
	Bluez            bool          `mapstructure:"bluez" yaml:"bluez" json:"bluez"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	Chime            bool          `mapstructure:"chime" yaml:"chime" json:"chime"`
	MetricsAddr      string        `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-" yaml:"-" json:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("preferred_devices", []string{})
	v.SetDefault("logging", false)
	v.SetDefault("manage_focus", true)
	v.SetDefault("log_path", "")
	v.SetDefault("backend", "auto")
	v.SetDefault("bluez", false)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("chime", false)
	v.SetDefault("metrics_addr", "")
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"prefer":        "preferred_devices",
	"logging":       "logging",
	"manage-focus":  "manage_focus",
	"logpath":       "log_path",
	"backend":       "backend",
	"bluez":         "bluez",
	"poll-interval": "poll_interval",
	"chime":         "chime",
	"metrics-addr":  "metrics_addr",
}

// RegisterFlags defines the flags Load understands on fs. Their defaults
// only apply when neither the file nor the environment sets the key.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (default: ./audioswitch.yaml or <user config dir>/audioswitch/audioswitch.yaml)")
	fs.String("env-file", ".env", "Dotenv file with AUDIOSWITCH_* variables")
	fs.StringSlice("prefer", nil, "Preferred device kinds, highest first (bluetooth,wired,earpiece,speaker)")
	fs.Bool("logging", false, "Enable engine diagnostics")
	fs.Bool("manage-focus", true, "Request audio focus while active")
	fs.String("logpath", "", "Diagnostics log directory")
	fs.String("backend", "auto", "Audio backend: "+strings.Join(backends, ", "))
	fs.Bool("bluez", false, "Watch BlueZ for Bluetooth headsets")
	fs.Duration("poll-interval", DefaultPollInterval, "Output device poll interval")
	fs.Bool("chime", false, "Play a tone on the new output after every route change")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
}

// LoadDotEnv exports the variables in path that are not already set in the
// environment. A missing file is ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads the configuration. file overrides the config file search; fs
// may be nil.
func Load(file string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "audioswitch"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !slices.Contains(backends, c.Backend) {
		return fmt.Errorf("backend %q: must be one of %s", c.Backend, strings.Join(backends, ", "))
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("poll_interval %s is below the %s minimum", c.PollInterval, MinPollInterval)
	}
	if _, err := c.PreferredOrder(); err != nil {
		return err
	}
	return nil
}

// PreferredOrder converts preferred_devices to device kinds.
func (c *Config) PreferredOrder() ([]device.Kind, error) {
	var kinds []device.Kind
	for _, name := range c.PreferredDevices {
		if strings.TrimSpace(name) == "" {
			continue
		}
		k, err := device.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("preferred_devices: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
