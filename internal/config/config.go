// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"fftserver/pkg/bitint"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// FFTSERVER_CACHE_LIMBO_SIZE=5 sets cache.limbo_size.
const EnvPrefix = "FFTSERVER_"

// ConfigPathEnvVar can point at a config file when no path is given.
const ConfigPathEnvVar = EnvPrefix + "CONFIG"

// DefaultConfigPaths lists the files searched, in order, when no path is given.
var DefaultConfigPaths = []string{
	"fftserver.yaml",
	"config.yaml",
}

// Config represents the main application configuration structure.
type Config struct {
	Log    LogConfig    `koanf:"log" yaml:"log"`
	Cache  CacheConfig  `koanf:"cache" yaml:"cache"`
	FFT    FFTConfig    `koanf:"fft" yaml:"fft"`
	Server ServerConfig `koanf:"server" yaml:"server"`
	Audio  AudioConfig  `koanf:"audio" yaml:"audio"`
}

// LogConfig selects logger verbosity and encoding.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error fatal"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=json console"`
}

// CacheConfig holds the storage settings shared by every data server.
type CacheConfig struct {
	ScratchDir      string `koanf:"scratch_dir" yaml:"scratch_dir"`                                      // Parent of the per-process cache directory ("" = os.TempDir()).
	BlockWidthPower uint   `koanf:"block_width_power" yaml:"block_width_power" validate:"min=4,max=20"` // Columns per cache block = 1 << power.
	LimboSize       int    `koanf:"limbo_size" yaml:"limbo_size" validate:"min=0"`                      // Released servers retained before destruction.
	Criteria        string `koanf:"criteria" yaml:"criteria" validate:"oneof=none minimise-memory minimise-disk conserve-space"`
	MemoryBudget    uint64 `koanf:"memory_budget" yaml:"memory_budget"` // Bytes; 0 probes the system.
	DiskBudget      uint64 `koanf:"disk_budget" yaml:"disk_budget"`     // Bytes; 0 probes the scratch filesystem.
	AutoClose       bool   `koanf:"auto_close" yaml:"auto_close"`       // Close writer descriptors once a block is full.
}

// FFTConfig holds the default transform parameters used by the CLI.
type FFTConfig struct {
	Kernel     string `koanf:"kernel" yaml:"kernel" validate:"oneof=gonum godsp"`
	Window     string `koanf:"window" yaml:"window" validate:"required"`
	WindowSize int    `koanf:"window_size" yaml:"window_size" validate:"min=2"`
	Increment  int    `koanf:"increment" yaml:"increment" validate:"min=1"`
	FFTSize    int    `koanf:"fft_size" yaml:"fft_size" validate:"min=2"`
	Polar      bool   `koanf:"polar" yaml:"polar"`
	Channel    int    `koanf:"channel" yaml:"channel" validate:"min=-1"`
}

// ServerConfig holds settings for the serve command.
type ServerConfig struct {
	HTTPAddr       string        `koanf:"http_addr" yaml:"http_addr" validate:"required"`
	StreamInterval time.Duration `koanf:"stream_interval" yaml:"stream_interval" validate:"gt=0"`
	UDPEnabled     bool          `koanf:"udp_enabled" yaml:"udp_enabled"`
	UDPTarget      string        `koanf:"udp_target" yaml:"udp_target"`
	UDPInterval    time.Duration `koanf:"udp_interval" yaml:"udp_interval"`
}

// AudioConfig holds settings for live capture sources.
type AudioConfig struct {
	InputDevice     int     `koanf:"input_device" yaml:"input_device" validate:"min=-1"` // -1 for default.
	SampleRate      float64 `koanf:"sample_rate" yaml:"sample_rate" validate:"min=8000,max=192000"`
	Channels        int     `koanf:"channels" yaml:"channels" validate:"min=1,max=8"`
	CaptureSeconds  int     `koanf:"capture_seconds" yaml:"capture_seconds" validate:"min=1"`
	FramesPerBuffer int     `koanf:"frames_per_buffer" yaml:"frames_per_buffer" validate:"min=16,max=8192"`
	LowLatency      bool    `koanf:"low_latency" yaml:"low_latency"`
	GateThreshold   float64 `koanf:"gate_threshold" yaml:"gate_threshold" validate:"min=0,max=1"` // 0 disables the noise gate.
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Cache: CacheConfig{
			ScratchDir:      "",
			BlockWidthPower: 10,
			LimboSize:       3,
			Criteria:        "none",
			MemoryBudget:    0,
			DiskBudget:      0,
			AutoClose:       true,
		},
		FFT: FFTConfig{
			Kernel:     "gonum",
			Window:     "hann",
			WindowSize: 1024,
			Increment:  512,
			FFTSize:    1024,
			Polar:      true,
			Channel:    -1,
		},
		Server: ServerConfig{
			HTTPAddr:       "127.0.0.1:8080",
			StreamInterval: 33 * time.Millisecond, // ~30Hz
			UDPEnabled:     false,
			UDPTarget:      "127.0.0.1:9090",
			UDPInterval:    16 * time.Millisecond,
		},
		Audio: AudioConfig{
			InputDevice:     -1,
			SampleRate:      44100,
			Channels:        1,
			CaptureSeconds:  60,
			FramesPerBuffer: 512,
			LowLatency:      false,
			GateThreshold:   0,
		},
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// FFTSERVER_* environment variables, in increasing order of precedence.
// If path is empty the ConfigPathEnvVar and DefaultConfigPaths are searched;
// an explicit path that does not exist is an error.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps FFTSERVER_CACHE_LIMBO_SIZE to cache.limbo_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + key
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, candidate := range DefaultConfigPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field FFT rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	if !bitint.IsPowerOfTwo(c.FFT.FFTSize) {
		errs = append(errs, fmt.Errorf("fft.fft_size must be a power of 2, got %d", c.FFT.FFTSize))
	}
	if c.FFT.WindowSize > c.FFT.FFTSize {
		errs = append(errs, fmt.Errorf("fft.window_size %d exceeds fft.fft_size %d", c.FFT.WindowSize, c.FFT.FFTSize))
	}
	if c.Server.UDPEnabled && c.Server.UDPInterval <= 0 {
		errs = append(errs, errors.New("server.udp_interval must be positive when UDP is enabled"))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yamlv3.Marshal(c)
}
