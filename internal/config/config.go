package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/SnapCam/internal/display"
	"github.com/bryanchriswhite/SnapCam/internal/logger"
)

// Config is the SnapCam configuration file.
type Config struct {
	Device      DeviceConfig  `json:"device" yaml:"device" mapstructure:"device"`
	Display     DisplayConfig `json:"display" yaml:"display" mapstructure:"display"`
	Keys        KeysConfig    `json:"keys" yaml:"keys" mapstructure:"keys"`
	OutputDir   string        `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`
	JPEGQuality int           `json:"jpeg_quality" yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
	Retry       RetryConfig   `json:"retry" yaml:"retry" mapstructure:"retry"`
	GPIO        GPIOConfig    `json:"gpio" yaml:"gpio" mapstructure:"gpio"`
	ServerAddr  string        `json:"server_addr" yaml:"server_addr" mapstructure:"server_addr"`
	ServerPort  int           `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel    string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty   bool          `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
}

// DeviceConfig selects and sizes the camera.
type DeviceConfig struct {
	Backend  string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Selector string `json:"selector" yaml:"selector" mapstructure:"selector"`
	Width    int    `json:"width" yaml:"width" mapstructure:"width"`
	Height   int    `json:"height" yaml:"height" mapstructure:"height"`
}

// DisplayConfig configures the preview surface.
type DisplayConfig struct {
	Backend            string        `json:"backend" yaml:"backend" mapstructure:"backend"`
	MaxWidth           int           `json:"max_width" yaml:"max_width" mapstructure:"max_width"`
	PollTimeout        time.Duration `json:"poll_timeout" yaml:"poll_timeout" mapstructure:"poll_timeout"`
	Title              string        `json:"title" yaml:"title" mapstructure:"title"`
	Overlay            bool          `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
	InhibitScreensaver bool          `json:"inhibit_screensaver" yaml:"inhibit_screensaver" mapstructure:"inhibit_screensaver"`
}

// KeysConfig names the save and quit keys.
type KeysConfig struct {
	Save string `json:"save" yaml:"save" mapstructure:"save"`
	Quit string `json:"quit" yaml:"quit" mapstructure:"quit"`
}

// RetryConfig bounds how long a failing camera is retried.
type RetryConfig struct {
	MaxReadFailures int           `json:"max_read_failures" yaml:"max_read_failures" mapstructure:"max_read_failures"`
	Delay           time.Duration `json:"delay" yaml:"delay" mapstructure:"delay"`
}

// GPIOConfig maps push buttons to keys on a Raspberry Pi. Pins use BCM
// numbering; zero disables a button.
type GPIOConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	SavePin  int           `json:"save_pin" yaml:"save_pin" mapstructure:"save_pin"`
	QuitPin  int           `json:"quit_pin" yaml:"quit_pin" mapstructure:"quit_pin"`
	Debounce time.Duration `json:"debounce" yaml:"debounce" mapstructure:"debounce"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"device.backend":              "v4l2",
		"device.selector":             "0",
		"device.width":                640,
		"device.height":               480,
		"display.backend":             "x11",
		"display.max_width":           1024,
		"display.poll_timeout":        time.Millisecond,
		"display.title":               "SnapCam",
		"display.overlay":             false,
		"display.inhibit_screensaver": true,
		"keys.save":                   "space",
		"keys.quit":                   "q",
		"output_dir":                  "frames",
		"jpeg_quality":                95,
		"retry.max_read_failures":     50,
		"retry.delay":                 100 * time.Millisecond,
		"gpio.enabled":                false,
		"gpio.save_pin":               17,
		"gpio.quit_pin":               27,
		"gpio.debounce":               50 * time.Millisecond,
		"server_addr":                 "127.0.0.1",
		"server_port":                 8080,
		"log_level":                   "info",
		"log_pretty":                  true,
	}
}

var (
	validLogLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "off": true}
	validDisplays  = map[string]bool{"x11": true, "mjpeg": true, "none": true}
)

// Validate checks values that the rest of the program relies on.
func (c *Config) Validate() error {
	if c.Device.Backend == "" {
		return fmt.Errorf("device.backend is required")
	}
	if c.Device.Width < 0 || c.Device.Height < 0 {
		return fmt.Errorf("device size must not be negative, got %dx%d", c.Device.Width, c.Device.Height)
	}
	if !validDisplays[strings.ToLower(c.Display.Backend)] {
		return fmt.Errorf("display.backend must be one of x11, mjpeg, none; got %q", c.Display.Backend)
	}
	if c.Display.PollTimeout < 0 {
		return fmt.Errorf("display.poll_timeout must not be negative")
	}
	save, err := display.ParseKey(c.Keys.Save)
	if err != nil {
		return fmt.Errorf("keys.save: %w", err)
	}
	quit, err := display.ParseKey(c.Keys.Quit)
	if err != nil {
		return fmt.Errorf("keys.quit: %w", err)
	}
	if save == quit {
		return fmt.Errorf("keys.save and keys.quit must differ")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.Retry.MaxReadFailures < 0 {
		return fmt.Errorf("retry.max_read_failures must not be negative")
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay must not be negative")
	}
	if c.GPIO.Enabled && c.GPIO.SavePin == c.GPIO.QuitPin && c.GPIO.SavePin != 0 {
		return fmt.Errorf("gpio.save_pin and gpio.quit_pin must differ")
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port must be between 0 and 65535, got %d", c.ServerPort)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level %q (use: trace, debug, info, warn, error, off)", c.LogLevel)
	}
	return nil
}

// Manager loads, overrides and saves the configuration file. Values come
// from, in increasing priority: defaults, the file, SNAPCAM_* environment
// variables and overrides (usually command line flags).
type Manager struct {
	configPath string
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultConfigPath returns $HOME/.config/snapcam/config.yaml.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "snapcam", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with the defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("SNAPCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	m := &Manager{configPath: path, v: v}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	logger.WithComponent("config").Debug().
		Str("path", path).
		Msg("Config loaded")
	return m, nil
}

// Get returns the effective configuration.
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// GetViper exposes the underlying viper instance.
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// GetConfigPath returns the path to the config file.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// Keys lists every known configuration key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(Defaults()))
	for k := range Defaults() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Override sets key for this process only; Save still writes it.
func (m *Manager) Override(key string, value interface{}) {
	m.mu.Lock()
	m.v.Set(key, value)
	m.mu.Unlock()
}

// Set parses value according to the type of key's default, validates the
// result and saves the file. An invalid value leaves the config unchanged.
func (m *Manager) Set(key, value string) error {
	key = strings.ToLower(key)
	def, ok := Defaults()[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	parsed, err := parseValue(def, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	m.mu.Lock()
	old := m.v.Get(key)
	m.v.Set(key, parsed)
	m.mu.Unlock()

	cfg, err := m.Get()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		m.Override(key, old)
		return err
	}
	return m.Save()
}

func parseValue(def interface{}, value string) (interface{}, error) {
	switch def.(type) {
	case int:
		return strconv.Atoi(value)
	case bool:
		return strconv.ParseBool(value)
	case time.Duration:
		return time.ParseDuration(value)
	default:
		return value, nil
	}
}

// Save writes the effective configuration to the config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	settings := m.v.AllSettings()
	m.mu.RUnlock()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(readable(settings))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// readable rewrites durations as strings such as "100ms" so the file stays
// editable by hand.
func readable(settings map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for k, val := range settings {
		switch t := val.(type) {
		case map[string]interface{}:
			out[k] = readable(t)
		case time.Duration:
			out[k] = t.String()
		default:
			out[k] = val
		}
	}
	return out
}
