package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nhoel/portcullis/internal/ratelimit"
)

// Config is the gateway's full runtime configuration. Values resolve in
// three layers: built-in defaults, then the YAML file, then PORTCULLIS_*
// environment variables. Command-line flags sit on top of all three.
type Config struct {
	// Port is the WebSocket/HTTP listen port.
	Port int `yaml:"port"`

	// Bind selects the listen interface: "loopback" or "lan".
	Bind string `yaml:"bind"`

	// AuthToken enables shared-secret token auth when non-empty.
	AuthToken string `yaml:"auth_token"`

	// AuthPassword enables shared-secret password auth when non-empty.
	// Ignored when AuthToken is also set.
	AuthPassword string `yaml:"auth_password"`

	// StateDir holds pairing state, logs, and the audit trail.
	StateDir string `yaml:"state_dir"`

	// TickIntervalMs is the keepalive tick interval. 0 disables ticks.
	TickIntervalMs int `yaml:"tick_interval_ms"`

	// TrustedProxies lists proxy IPs whose X-Forwarded-For is honored.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// AllowRealIPFallback additionally honors X-Real-IP from trusted proxies.
	AllowRealIPFallback bool `yaml:"allow_real_ip_fallback"`

	// DeviceAuthExemptModes lists client modes that may connect without a
	// device identity. Such connections get no scopes.
	DeviceAuthExemptModes []string `yaml:"device_auth_exempt_modes"`

	// UpgradeRateLimit caps WebSocket upgrades per second per remote IP.
	// 0 disables the upgrade limiter.
	UpgradeRateLimit float64 `yaml:"upgrade_rate_limit"`

	// UpgradeRateBurst is the upgrade limiter's burst size.
	UpgradeRateBurst int `yaml:"upgrade_rate_burst"`

	ControlUI ControlUIConfig `yaml:"control_ui"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// ControlUIConfig governs browser-based operator clients.
type ControlUIConfig struct {
	// AllowedOrigins is the Origin allow-list for mode "ui" clients.
	// "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AllowInsecureAuth permits LAN binds without a shared secret,
	// leaving device tokens as the only credential.
	AllowInsecureAuth bool `yaml:"allow_insecure_auth"`

	// DangerouslyDisableDeviceAuth turns off the device-identity
	// requirement entirely. For development only.
	DangerouslyDisableDeviceAuth bool `yaml:"dangerously_disable_device_auth"`
}

// RateLimitConfig tunes the failed-credential attempt limiter.
type RateLimitConfig struct {
	MaxAttempts    int   `yaml:"max_attempts"`
	WindowMs       int64 `yaml:"window_ms"`
	LockoutMs      int64 `yaml:"lockout_ms"`
	ExemptLoopback *bool `yaml:"exempt_loopback"`
}

// DiscoveryConfig controls mDNS advertisement.
type DiscoveryConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	InstanceName string `yaml:"instance_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	rl := ratelimit.DefaultConfig()
	return Config{
		Port:             18789,
		Bind:             "loopback",
		StateDir:         DefaultStateDir(),
		TickIntervalMs:   int(15 * time.Second / time.Millisecond),
		UpgradeRateLimit: 10,
		UpgradeRateBurst: 20,
		RateLimit: RateLimitConfig{
			MaxAttempts: rl.MaxAttempts,
			WindowMs:    rl.WindowMs,
			LockoutMs:   rl.LockoutMs,
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path (if
// it exists; a missing file is not an error unless explicitly given), then
// environment variables. Env references in the file body ($VAR) expand
// before parsing.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// fall through to defaults + env
	default:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORTCULLIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("PORTCULLIS_BIND"); v != "" {
		c.Bind = v
	}
	if v := os.Getenv("PORTCULLIS_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("PORTCULLIS_PASSWORD"); v != "" {
		c.AuthPassword = v
	}
	if v := os.Getenv("PORTCULLIS_STATE_DIR"); v != "" {
		c.StateDir = v
	}
}

// Validate rejects configurations the server refuses to start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.Bind != "loopback" && c.Bind != "lan" {
		return fmt.Errorf("invalid bind mode: %q (must be \"loopback\" or \"lan\")", c.Bind)
	}
	if c.Bind == "lan" && c.AuthToken == "" && c.AuthPassword == "" && !c.ControlUI.AllowInsecureAuth {
		return fmt.Errorf("refusing to start: bind \"lan\" requires a shared secret " +
			"(set auth_token or auth_password, or control_ui.allow_insecure_auth to rely on device tokens)")
	}
	return nil
}

// TickInterval returns TickIntervalMs as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// AttemptLimiterConfig maps the rate-limit section onto the limiter's
// config, keeping the limiter defaults for zero fields.
func (c Config) AttemptLimiterConfig() ratelimit.Config {
	out := ratelimit.DefaultConfig()
	if c.RateLimit.MaxAttempts > 0 {
		out.MaxAttempts = c.RateLimit.MaxAttempts
	}
	if c.RateLimit.WindowMs > 0 {
		out.WindowMs = c.RateLimit.WindowMs
	}
	if c.RateLimit.LockoutMs > 0 {
		out.LockoutMs = c.RateLimit.LockoutMs
	}
	if c.RateLimit.ExemptLoopback != nil {
		out.ExemptLoopback = *c.RateLimit.ExemptLoopback
	}
	return out
}

// DiscoveryEnabled reports whether mDNS advertisement should run.
// Enabled by default.
func (c Config) DiscoveryEnabled() bool {
	return c.Discovery.Enabled == nil || *c.Discovery.Enabled
}

// DefaultStateDir returns XDG_STATE_HOME/portcullis or ~/.local/state/portcullis.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "portcullis")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".portcullis", "state")
	}
	return filepath.Join(home, ".local", "state", "portcullis")
}

// DefaultPath returns the default config file location:
// XDG_CONFIG_HOME/portcullis/config.yaml or ~/.config/portcullis/config.yaml.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "portcullis", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "portcullis", "config.yaml")
}

// Redacted returns a loggable copy with secrets masked.
func (c Config) Redacted() Config {
	out := c
	if out.AuthToken != "" {
		out.AuthToken = mask(out.AuthToken)
	}
	if out.AuthPassword != "" {
		out.AuthPassword = mask(out.AuthPassword)
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
