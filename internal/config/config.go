// Package config loads dbgapi settings from flags, DBGAPI_* environment
// variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "DBGAPI"
	DefaultFileName = ".dbgapi.yaml"

	HostLLDB = "lldb"
	HostDlv  = "dlv"
	HostFake = "fake"
)

type Config struct {
	Network        string   `mapstructure:"network"`
	Socket         string   `mapstructure:"socket"`
	Host           string   `mapstructure:"host"`
	LLDB           LLDB     `mapstructure:"lldb"`
	Dlv            Dlv      `mapstructure:"dlv"`
	Timeouts       Timeouts `mapstructure:"timeouts"`
	MaxMessageSize int      `mapstructure:"max_message_size"`
}

type LLDB struct {
	// Server is the lldb-server binary, looked up on PATH when empty.
	Server string `mapstructure:"server"`
	// Address of an already running gdb-remote stub. When set, no
	// lldb-server is launched.
	Address string   `mapstructure:"address"`
	Program string   `mapstructure:"program"`
	Args    []string `mapstructure:"args"`
	Attach  int      `mapstructure:"attach"`
}

type Dlv struct {
	Address string `mapstructure:"address"`
}

type Timeouts struct {
	Dial  time.Duration `mapstructure:"dial"`
	Write time.Duration `mapstructure:"write"`
}

// Flags maps command line flag names to configuration keys.
var Flags = map[string]string{
	"network":          "network",
	"socket":           "socket",
	"host":             "host",
	"lldb-server":      "lldb.server",
	"lldb-address":     "lldb.address",
	"program":          "lldb.program",
	"attach":           "lldb.attach",
	"dlv-address":      "dlv.address",
	"dial-timeout":     "timeouts.dial",
	"write-timeout":    "timeouts.write",
	"max-message-size": "max_message_size",
}

// DefaultSocket is the server socket used when none is configured.
func DefaultSocket() string {
	return filepath.Join(os.TempDir(), "dbgapi.sock")
}

// DefaultFile returns ~/.dbgapi.yaml.
func DefaultFile() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultFileName), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", "unix")
	v.SetDefault("socket", DefaultSocket())
	v.SetDefault("host", HostLLDB)
	v.SetDefault("lldb.server", "")
	v.SetDefault("lldb.address", "")
	v.SetDefault("lldb.program", "")
	v.SetDefault("lldb.args", []string{})
	v.SetDefault("lldb.attach", 0)
	v.SetDefault("dlv.address", "127.0.0.1:2345")
	v.SetDefault("timeouts.dial", 5*time.Second)
	v.SetDefault("timeouts.write", 10*time.Second)
	v.SetDefault("max_message_size", 1<<20)
}

// Load resolves the configuration. file names an explicit config file,
// which must exist; when empty ~/.dbgapi.yaml is read if present. flags may
// be nil.
func Load(flags *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range Flags {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if err := readFile(v, file); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(v *viper.Viper, file string) error {
	if file == "" {
		def, err := DefaultFile()
		if err != nil {
			return nil
		}
		if _, err := os.Stat(def); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		file = def
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("can't read config %s: %w", file, err)
	}
	return nil
}

// KeyError reports an invalid configuration value.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

// Validate checks the settings shared by the server and its clients.
func (c *Config) Validate() error {
	switch c.Network {
	case "unix":
		if c.Socket == "" {
			return &KeyError{"socket", "must not be empty"}
		}
	case "tcp":
		if c.Socket == "" {
			return &KeyError{"socket", "must be a host:port address"}
		}
	default:
		return &KeyError{"network", fmt.Sprintf("%q is not unix or tcp", c.Network)}
	}

	if c.Timeouts.Dial <= 0 {
		return &KeyError{"timeouts.dial", "must be positive"}
	}
	if c.Timeouts.Write <= 0 {
		return &KeyError{"timeouts.write", "must be positive"}
	}
	if c.MaxMessageSize < 1024 {
		return &KeyError{"max_message_size", "must be at least 1024"}
	}
	return nil
}

// ValidateHost checks the debugger host settings, which only the server
// needs.
func (c *Config) ValidateHost() error {
	switch c.Host {
	case HostLLDB:
		if c.LLDB.Address != "" {
			return nil
		}
		if c.LLDB.Program == "" && c.LLDB.Attach == 0 {
			return &KeyError{"lldb.program", "a program or lldb.attach pid is required"}
		}
		if c.LLDB.Program != "" && c.LLDB.Attach != 0 {
			return &KeyError{"lldb.attach", "cannot be combined with lldb.program"}
		}
		if c.LLDB.Attach < 0 {
			return &KeyError{"lldb.attach", "must be a pid"}
		}
	case HostDlv:
		if c.Dlv.Address == "" {
			return &KeyError{"dlv.address", "must not be empty"}
		}
	case HostFake:
	default:
		return &KeyError{"host", fmt.Sprintf("%q is not lldb, dlv or fake", c.Host)}
	}
	return nil
}
