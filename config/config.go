// Package config loads the trustd daemon configuration.
//
// The file is YAML, read from --config or $XDG_CONFIG_HOME/trustmesh/trustd.yaml
// (defaults to ~/.config/trustmesh/trustd.yaml). A missing file yields the
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trustmesh"
)

const (
	DefaultGraceWindow     = 48 * time.Hour
	DefaultHealthInterval  = 24 * time.Hour
	DefaultHealthTick      = time.Hour
	DefaultRetryElapsed    = 2 * time.Minute
	DefaultTooManyLimit    = 10
	DefaultTooManyDialog   = 8
	DefaultLedgerListen    = "127.0.0.1:7443"
	DefaultDatabaseName    = "trustmesh.db"
	DefaultEntropyFileName = "escrow.key"
)

// Device describes the local device.
type Device struct {
	MachineID string `yaml:"machine-id"`
	// Class is "full" or "accessory".
	Class string `yaml:"class,omitempty"`
}

// Account is one signed-in persona.
type Account struct {
	AltDSID string `yaml:"altdsid"`
	// SecurityLevel is "standard", "hsa2" or "demo".
	SecurityLevel string `yaml:"security-level,omitempty"`
	// CDP, when set, is signalled to the machine at start.
	CDP *bool `yaml:"cdp,omitempty"`
}

// Ledger selects the trust ledger. With an empty Address the daemon runs
// an in-memory ledger and serves it on Listen.
type Ledger struct {
	Address string `yaml:"address,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
}

type TooManyPeers struct {
	Limit           int `yaml:"limit"`
	DialogThreshold int `yaml:"dialog-threshold"`
}

// Policy holds the state machine's tunables.
type Policy struct {
	GraceWindow    time.Duration `yaml:"grace-window"`
	HealthInterval time.Duration `yaml:"health-interval"`
	// HealthTick is how often the daemon offers each machine a health check.
	HealthTick time.Duration `yaml:"health-tick"`
	// RetryElapsed bounds transient-error retries per state.
	RetryElapsed time.Duration `yaml:"retry-elapsed"`
	TooManyPeers TooManyPeers  `yaml:"too-many-peers"`
}

type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	DataRoot       string    `yaml:"data-root,omitempty"`
	Container      string    `yaml:"container,omitempty"`
	BaseContext    string    `yaml:"base-context,omitempty"`
	PrimaryPersona string    `yaml:"primary-persona,omitempty"`
	Device         Device    `yaml:"device"`
	Accounts       []Account `yaml:"accounts,omitempty"`
	// AuthorizationFile lists authorized machine IDs, one YAML list per
	// altDSID. Empty disables enforcement input.
	AuthorizationFile string `yaml:"authorization-file,omitempty"`
	Ledger            Ledger `yaml:"ledger"`
	Policy            Policy `yaml:"policy"`
	Log               Log    `yaml:"log"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Path returns the default config file location.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "trustmesh", "trustd.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "trustmesh", "trustd.yaml")
}

// Load reads path, or Path() when empty. A missing file returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Container == "" {
		c.Container = trustmesh.DefaultContainer
	}
	if c.BaseContext == "" {
		c.BaseContext = trustmesh.DefaultContext
	}
	if c.PrimaryPersona == "" && len(c.Accounts) > 0 {
		c.PrimaryPersona = c.Accounts[0].AltDSID
	}
	if c.Device.Class == "" {
		c.Device.Class = trustmesh.DeviceClassFull.String()
	}
	if c.Ledger.Address == "" && c.Ledger.Listen == "" {
		c.Ledger.Listen = DefaultLedgerListen
	}
	p := &c.Policy
	if p.GraceWindow == 0 {
		p.GraceWindow = DefaultGraceWindow
	}
	if p.HealthInterval == 0 {
		p.HealthInterval = DefaultHealthInterval
	}
	if p.HealthTick == 0 {
		p.HealthTick = DefaultHealthTick
	}
	if p.RetryElapsed == 0 {
		p.RetryElapsed = DefaultRetryElapsed
	}
	if p.TooManyPeers.Limit == 0 {
		p.TooManyPeers.Limit = DefaultTooManyLimit
	}
	if p.TooManyPeers.DialogThreshold == 0 {
		p.TooManyPeers.DialogThreshold = DefaultTooManyDialog
	}
}

// Validate checks the config for values the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := ParseDeviceClass(c.Device.Class); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if strings.TrimSpace(a.AltDSID) == "" {
			return &trustmesh.ValidationError{Field: fmt.Sprintf("accounts[%d].altdsid", i), Message: "is required"}
		}
		if seen[a.AltDSID] {
			return &trustmesh.ValidationError{Field: fmt.Sprintf("accounts[%d].altdsid", i), Message: "is duplicated"}
		}
		seen[a.AltDSID] = true
		if _, err := ParseSecurityLevel(a.SecurityLevel); err != nil {
			return err
		}
	}
	if len(c.Accounts) > 0 && strings.TrimSpace(c.Device.MachineID) == "" {
		return &trustmesh.ValidationError{Field: "device.machine-id", Message: "is required"}
	}
	p := c.Policy
	switch {
	case p.GraceWindow < 0:
		return &trustmesh.ValidationError{Field: "policy.grace-window", Message: "must not be negative"}
	case p.HealthInterval < 0 || p.HealthTick < 0:
		return &trustmesh.ValidationError{Field: "policy.health-interval", Message: "must not be negative"}
	case p.TooManyPeers.DialogThreshold > p.TooManyPeers.Limit:
		return &trustmesh.ValidationError{Field: "policy.too-many-peers", Message: "dialog-threshold exceeds limit"}
	}
	return nil
}

// ParseDeviceClass maps a config string to a device class.
func ParseDeviceClass(s string) (trustmesh.DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return trustmesh.DeviceClassFull, nil
	case "accessory":
		return trustmesh.DeviceClassAccessory, nil
	}
	return 0, &trustmesh.ValidationError{Field: "device.class", Message: fmt.Sprintf("unknown class %q", s)}
}

// ParseSecurityLevel maps a config string to a security level. Empty means
// hsa2.
func ParseSecurityLevel(s string) (trustmesh.SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hsa2":
		return trustmesh.SecurityLevelHSA2, nil
	case "standard":
		return trustmesh.SecurityLevelStandard, nil
	case "demo":
		return trustmesh.SecurityLevelDemo, nil
	}
	return 0, &trustmesh.ValidationError{Field: "security-level", Message: fmt.Sprintf("unknown level %q", s)}
}
