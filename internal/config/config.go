package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/audiolibrelab/micstream/internal/audio"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment overrides, e.g.
	// MICSTREAM_CAPTURE_SAMPLE_RATE.
	EnvPrefix = "MICSTREAM"

	inherited       = "inherited"
	profileSpecific = "profile-specific"
	builtIn         = "default"
)

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Capture      *CaptureConfig            `mapstructure:"capture,omitempty" yaml:"capture,omitempty"`
	Output       *OutputConfig             `mapstructure:"output,omitempty" yaml:"output,omitempty"`
	Server       *ServerConfig             `mapstructure:"server,omitempty" yaml:"server,omitempty"`
	Log          *LogConfig                `mapstructure:"log,omitempty" yaml:"log,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`

	// Profile is the name of the resolved profile, empty for root-only files.
	Profile string `mapstructure:"-" yaml:"profile,omitempty"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
}

type InheritanceInfo struct {
	Capture struct {
		SampleRate      string // "inherited", "profile-specific" or "default"
		Channels        string
		BitsPerSample   string
		BufferSize      string
		AudioSource     string
		Backend         string
		ResubmitRetries string
	}
	Output struct {
		Directory string
	}
}

type CaptureConfig struct {
	SampleRate    int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels      int    `mapstructure:"channels" yaml:"channels"`
	BitsPerSample int    `mapstructure:"bits_per_sample" yaml:"bits_per_sample"`
	BufferSize    int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	AudioSource   string `mapstructure:"audio_source" yaml:"audio_source"`
	Backend       string `mapstructure:"backend" yaml:"backend"` // "malgo", "tone", "auto"

	// Nil means not set; zero disables retries.
	ResubmitRetries *int `mapstructure:"resubmit_retries,omitempty" yaml:"resubmit_retries,omitempty"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

const defaultResubmitRetries = 2

var defaultConfig = Config{
	Capture: CaptureConfig{
		SampleRate:    audio.DefaultSampleRate,
		Channels:      audio.DefaultChannels,
		BitsPerSample: audio.DefaultBitsPerSample,
		BufferSize:    audio.DefaultBufferSize,
		AudioSource:   audio.DefaultSource,
		Backend:       "auto",
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "micstream"),
	},
	Server: ServerConfig{
		Port: "8080",
	},
	Log: LogConfig{
		Level: "info",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	c := defaultConfig
	retries := defaultResubmitRetries
	c.Capture.ResubmitRetries = &retries
	c.Inheritance = defaultInheritance()
	return &c
}

// Load resolves configFile using its active_config.
func Load(configFile string) (*Config, error) {
	return LoadWithProfile(configFile, "")
}

// LoadWithProfile reads configFile and resolves profile on top of the root
// sections, which themselves fall back to the built-in defaults. An empty
// profile selects active_config; an empty configFile yields the defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		if profile != "" {
			return nil, fmt.Errorf("profile '%s' requested but no config file specified", profile)
		}
		return Default(), nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	base := applyRoot(Default(), rootConfig)

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}

	var selected *ConfigProfile
	if configName != "" {
		var exists bool
		selected, exists = rootConfig.Configs[configName]
		if !exists {
			return nil, fmt.Errorf("configuration profile '%s' not found", configName)
		}
	}

	result := mergeConfigs(base, selected)
	result.Profile = configName
	result.Output.Directory = expandPath(result.Output.Directory)
	result.Log.File = expandPath(result.Log.File)

	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return result, nil
}

// envKeys are the root keys that MICSTREAM_* variables may set even when
// the file omits them.
var envKeys = []string{
	"active_config",
	"capture.sample_rate",
	"capture.channels",
	"capture.bits_per_sample",
	"capture.buffer_size",
	"capture.audio_source",
	"capture.backend",
	"capture.resubmit_retries",
	"output.directory",
	"server.port",
	"log.level",
	"log.file",
}

// ValidateConfigurationFormat reads the configuration file, applies
// environment overrides and returns the parsed root.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding environment for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for name, p := range rootConfig.Configs {
		if p == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
	}

	return &rootConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ListProfiles returns the profile names defined in configFile, sorted, and
// the active one.
func ListProfiles(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, rootConfig.ActiveConfig, nil
}

// Format returns the capture format described by the configuration.
func (c *Config) Format() audio.Format {
	return audio.Format{
		SampleRate:    c.Capture.SampleRate,
		Channels:      c.Capture.Channels,
		BitsPerSample: c.Capture.BitsPerSample,
		BufferSize:    c.Capture.BufferSize,
		Source:        c.Capture.AudioSource,
	}
}

// Retries returns the configured resubmit retry count.
func (c *Config) Retries() int {
	if c.Capture.ResubmitRetries == nil {
		return defaultResubmitRetries
	}
	return *c.Capture.ResubmitRetries
}

// Validate checks every resolved value.
func (c *Config) Validate() error {
	if err := c.Format().Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	if _, err := audio.DetermineBackend(c.Capture.Backend); err != nil {
		return fmt.Errorf("capture.backend: %w", err)
	}

	if c.Capture.ResubmitRetries != nil && *c.Capture.ResubmitRetries < 0 {
		return fmt.Errorf("capture.resubmit_retries must be >= 0, got: %d", *c.Capture.ResubmitRetries)
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	if !isNumeric(c.Server.Port) {
		return fmt.Errorf("server.port must be numeric, got: %q", c.Server.Port)
	}
	if port, _ := strconv.Atoi(c.Server.Port); port < 1 || port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %s", c.Server.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got: %s", c.Log.Level)
	}

	return nil
}

func defaultInheritance() *InheritanceInfo {
	info := &InheritanceInfo{}
	info.Capture.SampleRate = builtIn
	info.Capture.Channels = builtIn
	info.Capture.BitsPerSample = builtIn
	info.Capture.BufferSize = builtIn
	info.Capture.AudioSource = builtIn
	info.Capture.Backend = builtIn
	info.Capture.ResubmitRetries = builtIn
	info.Output.Directory = builtIn
	return info
}

// applyRoot overlays the root-level sections of the file on cfg. Values set
// there count as inherited by every profile.
func applyRoot(cfg *Config, root *RootConfig) *Config {
	if root.Capture != nil {
		overlayCapture(&cfg.Capture, root.Capture, cfg.Inheritance, inherited)
	}
	if root.Output != nil && root.Output.Directory != "" {
		cfg.Output.Directory = root.Output.Directory
		cfg.Inheritance.Output.Directory = inherited
	}
	if root.Server != nil && root.Server.Port != "" {
		cfg.Server.Port = root.Server.Port
	}
	if root.Log != nil {
		if root.Log.Level != "" {
			cfg.Log.Level = strings.ToLower(root.Log.Level)
		}
		if root.Log.File != "" {
			cfg.Log.File = root.Log.File
		}
	}
	return cfg
}

// mergeConfigs overlays the fields a profile sets on base. Unset fields keep
// the base value and its inheritance mark.
func mergeConfigs(base *Config, profile *ConfigProfile) *Config {
	result := *base
	info := *base.Inheritance
	result.Inheritance = &info

	if profile == nil {
		return &result
	}

	overlayCapture(&result.Capture, &profile.Capture, result.Inheritance, profileSpecific)

	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
		result.Inheritance.Output.Directory = profileSpecific
	}

	return &result
}

func overlayCapture(dst, src *CaptureConfig, info *InheritanceInfo, mark string) {
	if src.SampleRate != 0 {
		dst.SampleRate = src.SampleRate
		info.Capture.SampleRate = mark
	}
	if src.Channels != 0 {
		dst.Channels = src.Channels
		info.Capture.Channels = mark
	}
	if src.BitsPerSample != 0 {
		dst.BitsPerSample = src.BitsPerSample
		info.Capture.BitsPerSample = mark
	}
	if src.BufferSize != 0 {
		dst.BufferSize = src.BufferSize
		info.Capture.BufferSize = mark
	}
	if src.AudioSource != "" {
		dst.AudioSource = src.AudioSource
		info.Capture.AudioSource = mark
	}
	if src.Backend != "" {
		dst.Backend = src.Backend
		info.Capture.Backend = mark
	}
	if src.ResubmitRetries != nil {
		retries := *src.ResubmitRetries
		dst.ResubmitRetries = &retries
		info.Capture.ResubmitRetries = mark
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
