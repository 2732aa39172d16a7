// Package config loads the fleet configuration from YAML or TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/bionicdonkey/AndroidMulti/fleet/fsutil"
)

const (
	EnvSDKRoot     = "ANDROID_SDK_ROOT"
	EnvAndroidHome = "ANDROID_HOME"
	EnvLogLevel    = "ANDROIDMULTI_LOG_LEVEL"
	EnvStatePath   = "ANDROIDMULTI_STATE_PATH"
	EnvAVDHome     = "ANDROIDMULTI_AVD_HOME"
	EnvAPIListen   = "ANDROIDMULTI_API_LISTEN"
	EnvConfigPath  = "ANDROIDMULTI_CONFIG"
)

type SDKConfig struct {
	Root       string `yaml:"root" toml:"root"`
	Emulator   string `yaml:"emulator" toml:"emulator"`
	ADB        string `yaml:"adb" toml:"adb"`
	AVDManager string `yaml:"avd_manager" toml:"avd_manager"`
}

type EmulatorConfig struct {
	// HardwareAcceleration is auto, enabled or disabled. Booleans from older
	// files are accepted.
	HardwareAcceleration Accel    `yaml:"hardware_acceleration" toml:"hardware_acceleration"`
	DefaultRAM           int      `yaml:"default_ram" toml:"default_ram"`
	ExtraArgs            []string `yaml:"extra_args,omitempty" toml:"extra_args,omitempty"`
	LogDir               string   `yaml:"log_dir,omitempty" toml:"log_dir,omitempty"`
	// GracePeriod bounds how long a stop waits before killing the process.
	GracePeriod  time.Duration `yaml:"grace_period" toml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
}

type InputSyncConfig struct {
	Enabled      bool `yaml:"enabled" toml:"enabled"`
	SyncTouch    bool `yaml:"sync_touch" toml:"sync_touch"`
	SyncKeyboard bool `yaml:"sync_keyboard" toml:"sync_keyboard"`
	SyncScroll   bool `yaml:"sync_scroll" toml:"sync_scroll"`
	DelayMS      int  `yaml:"delay_ms" toml:"delay_ms"`
}

type FleetConfig struct {
	StatePath   string `yaml:"state_path" toml:"state_path"`
	AVDHome     string `yaml:"avd_home,omitempty" toml:"avd_home,omitempty"`
	JournalPath string `yaml:"journal_path" toml:"journal_path"`
	BasePort    int    `yaml:"base_port" toml:"base_port"`
	MaxPort     int    `yaml:"max_port" toml:"max_port"`
}

type APIConfig struct {
	Listen     string        `yaml:"listen" toml:"listen"`
	SecretFile string        `yaml:"secret_file" toml:"secret_file"`
	TokenTTL   time.Duration `yaml:"token_ttl" toml:"token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Config is the complete fleet configuration.
type Config struct {
	AndroidSDK SDKConfig       `yaml:"android_sdk" toml:"android_sdk"`
	Emulator   EmulatorConfig  `yaml:"emulator" toml:"emulator"`
	InputSync  InputSyncConfig `yaml:"input_sync" toml:"input_sync"`
	Fleet      FleetConfig     `yaml:"fleet" toml:"fleet"`
	API        APIConfig       `yaml:"api" toml:"api"`
	Log        LogConfig       `yaml:"log" toml:"log"`
}

// HomeDir returns the per-user data directory.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".androidmulti"
	}
	return filepath.Join(home, ".androidmulti")
}

// DefaultPath returns the configuration file used when none is given.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(HomeDir(), "config.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	home := HomeDir()
	return Config{
		Emulator: EmulatorConfig{
			HardwareAcceleration: AccelAuto,
			DefaultRAM:           2048,
			LogDir:               filepath.Join(home, "emulator_logs"),
			GracePeriod:          10 * time.Second,
			PollInterval:         2 * time.Second,
		},
		InputSync: InputSyncConfig{
			SyncTouch:    true,
			SyncKeyboard: true,
			SyncScroll:   true,
		},
		Fleet: FleetConfig{
			StatePath:   filepath.Join(home, "instances.json"),
			JournalPath: filepath.Join(home, "journal.db"),
			BasePort:    5554,
			MaxPort:     5682,
		},
		API: APIConfig{
			Listen:     "127.0.0.1:8454",
			SecretFile: filepath.Join(home, "api_secret.key"),
			TokenTTL:   24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// readFile returns the defaults overlaid with path, without environment
// overrides.
func readFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	default:
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Update applies fn to the settings stored in path and writes them back.
// Environment overrides in effect for this process are not persisted.
func Update(path string, fn func(*Config)) error {
	cfg, err := readFile(path)
	if err != nil {
		return err
	}
	fn(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return Save(path, cfg)
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config parse failed (%s): unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		return fmt.Errorf("config parse failed (%s): unsupported format %q", path, filepath.Ext(path))
	}
	return nil
}

// Save writes cfg to path in the format implied by its extension. The file is
// replaced atomically.
func Save(path string, cfg Config) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	default:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		enc.Close()
	}
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if c.AndroidSDK.Root == "" {
		if root := getenv(EnvSDKRoot); root != "" {
			c.AndroidSDK.Root = root
		} else if root := getenv(EnvAndroidHome); root != "" {
			c.AndroidSDK.Root = root
		}
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvStatePath)); v != "" {
		c.Fleet.StatePath = v
	}
	if v := strings.TrimSpace(getenv(EnvAVDHome)); v != "" {
		c.Fleet.AVDHome = v
	}
	if v := strings.TrimSpace(getenv(EnvAPIListen)); v != "" {
		c.API.Listen = v
	}
}

// Validate reports every problem found in the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Emulator.DefaultRAM < 512 {
		errs = append(errs, fmt.Errorf("emulator.default_ram must be at least 512, got %d", c.Emulator.DefaultRAM))
	}
	if c.Emulator.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("emulator.grace_period must not be negative"))
	}
	if c.Emulator.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("emulator.poll_interval must not be negative"))
	}
	if c.InputSync.DelayMS < 0 {
		errs = append(errs, fmt.Errorf("input_sync.delay_ms must not be negative"))
	}
	if strings.TrimSpace(c.Fleet.StatePath) == "" {
		errs = append(errs, fmt.Errorf("fleet.state_path is required"))
	}
	if c.Fleet.BasePort%2 != 0 || c.Fleet.MaxPort%2 != 0 {
		errs = append(errs, fmt.Errorf("fleet.base_port and fleet.max_port must be even"))
	}
	if c.Fleet.BasePort <= 0 || c.Fleet.MaxPort < c.Fleet.BasePort {
		errs = append(errs, fmt.Errorf("fleet port range %d-%d is invalid", c.Fleet.BasePort, c.Fleet.MaxPort))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ExplicitTools returns the configured tool paths keyed by tool name.
func (c Config) ExplicitTools() map[string]string {
	tools := make(map[string]string)
	for name, p := range map[string]string{
		"emulator":   c.AndroidSDK.Emulator,
		"adb":        c.AndroidSDK.ADB,
		"avdmanager": c.AndroidSDK.AVDManager,
	} {
		if p != "" {
			tools[name] = p
		}
	}
	return tools
}

// SyncDelay returns the pause between synchronized deliveries.
func (c Config) SyncDelay() time.Duration {
	return time.Duration(c.InputSync.DelayMS) * time.Millisecond
}
