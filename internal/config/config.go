// Package config loads the driver's TOML configuration file with
// github.com/BurntSushi/toml, the way coreos-assembler's gangplank decodes
// its job description: a single typed struct handed straight to
// toml.Decode, with the presence of each transport's table deciding
// whether that worker starts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level shape of the driver's config file.
type Config struct {
	LogDir string            `toml:"log_dir"`
	Env    map[string]string `toml:"env"`

	Serial *SerialConfig `toml:"serial"`
	SSH    *SSHConfig    `toml:"ssh"`
	VNC    *VNCConfig    `toml:"vnc"`
}

// SerialConfig mirrors the config file's `serial` table. BaudRate keeps the
// literal "bund_rate" key name the config file itself uses.
type SerialConfig struct {
	File         string `toml:"serial_file"`
	BaudRate     int    `toml:"bund_rate"`
	Linebreak    string `toml:"linebreak"`
	DisableEcho  bool   `toml:"disable_echo"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	LoginTimeout string `toml:"login_timeout"`
}

// LoginTimeoutDuration parses LoginTimeout, defaulting to 30s.
func (s *SerialConfig) LoginTimeoutDuration() time.Duration {
	if s.LoginTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(s.LoginTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// SSHConfig mirrors the config file's `ssh` table.
type SSHConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	User        string `toml:"user"`
	PrivateKey  string `toml:"private_key"` // path to a PEM file
	Password    string `toml:"password"`
	ShellCmd    string `toml:"shell_cmd"`
	Linebreak   string `toml:"linebreak"`
	DisableEcho bool   `toml:"disable_echo"`
}

// VNCConfig mirrors the config file's `vnc` table.
type VNCConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
}

// Load decodes path into a Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "./autotest-logs"
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir %s: %w", cfg.LogDir, err)
	}
	return &cfg, nil
}

// PrivateKeyBytes reads SSHConfig.PrivateKey off disk, if set.
func (s *SSHConfig) PrivateKeyBytes() ([]byte, error) {
	if s.PrivateKey == "" {
		return nil, nil
	}
	b, err := os.ReadFile(s.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", s.PrivateKey, err)
	}
	return b, nil
}
