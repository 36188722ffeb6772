package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/queue"
)

// EnvPrefix prefixes environment overrides, e.g. PLANTREC_AUDIO_SAMPLE_RATE.
const EnvPrefix = "PLANTREC"

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	LogFile  string        `mapstructure:"log_file"` // empty: platform default
	Audio    AudioConfig   `mapstructure:"audio"`
	Storage  StorageConfig `mapstructure:"storage"`
	Queue    QueueConfig   `mapstructure:"queue"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

type AudioConfig struct {
	Backend     string        `mapstructure:"backend"`
	DeviceIndex int           `mapstructure:"device_index"` // -1: first matching device
	SampleRate  int           `mapstructure:"sample_rate"`
	RatePolicy  string        `mapstructure:"rate_policy"` // "exact" or "threshold"
	Channels    int           `mapstructure:"channels"`
	BlockFrames int           `mapstructure:"block_frames"`
	Latency     time.Duration `mapstructure:"latency"`
}

type StorageConfig struct {
	CacheDir      string `mapstructure:"cache_dir"`
	RecordingsDir string `mapstructure:"recordings_dir"`
}

type QueueConfig struct {
	Capacity     int           `mapstructure:"capacity"` // 0: unbounded
	Policy       string        `mapstructure:"policy"`   // "unbounded", "block" or "drop-oldest"
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty: disabled
}

// Default returns the built-in settings: 384 kHz mono in 10 ms blocks.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			Backend:     "portaudio",
			DeviceIndex: -1,
			SampleRate:  384000,
			RatePolicy:  string(audio.RateExact),
			Channels:    1,
			BlockFrames: 3840,
			Latency:     100 * time.Millisecond,
		},
		Storage: StorageConfig{
			CacheDir:      ".cache",
			RecordingsDir: "recordings",
		},
		Queue: QueueConfig{
			Capacity:     0,
			Policy:       string(queue.PolicyUnbounded),
			PollInterval: 250 * time.Millisecond,
		},
	}
}

// New returns a viper instance carrying the defaults and environment
// bindings. Callers may bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setAll(Default(), v.SetDefault)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile, or config.yaml from the platform config directory or
// the working directory when cfgFile is empty. A missing default file is
// not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Audio.Backend != "portaudio" {
		errs = append(errs, fmt.Errorf("audio.backend %q is not supported", c.Audio.Backend))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.Channels <= 0 || c.Audio.Channels > 0xffff {
		errs = append(errs, fmt.Errorf("audio.channels out of range: %d", c.Audio.Channels))
	}
	if c.Audio.BlockFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_frames must be positive, got %d", c.Audio.BlockFrames))
	}
	if c.Audio.Latency < 0 {
		errs = append(errs, fmt.Errorf("audio.latency must not be negative"))
	}
	if _, err := audio.ParseRatePolicy(c.Audio.RatePolicy); err != nil {
		errs = append(errs, fmt.Errorf("audio.rate_policy: %w", err))
	}
	if c.Storage.CacheDir == "" || c.Storage.RecordingsDir == "" {
		errs = append(errs, errors.New("storage.cache_dir and storage.recordings_dir are required"))
	}
	if c.Queue.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must not be negative, got %d", c.Queue.Capacity))
	}
	if _, err := queue.ParsePolicy(c.Queue.Policy); err != nil {
		errs = append(errs, fmt.Errorf("queue.policy: %w", err))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}

	return errors.Join(errs...)
}

// Filter is the device selection derived from the audio settings.
func (c *Config) Filter() audio.Filter {
	policy, _ := audio.ParseRatePolicy(c.Audio.RatePolicy)
	return audio.Filter{
		Index:      c.Audio.DeviceIndex,
		SampleRate: float64(c.Audio.SampleRate),
		Policy:     policy,
		Channels:   c.Audio.Channels,
	}
}

// StreamParams is the capture stream shape derived from the audio settings.
func (c *Config) StreamParams() audio.StreamParams {
	return audio.StreamParams{
		SampleRate:  c.Audio.SampleRate,
		Channels:    c.Audio.Channels,
		BlockFrames: c.Audio.BlockFrames,
		Latency:     c.Audio.Latency,
	}
}

// QueuePolicy is the parsed queue policy.
func (c *Config) QueuePolicy() queue.Policy {
	p, _ := queue.ParsePolicy(c.Queue.Policy)
	return p
}

// Save writes the config as YAML to path, or to the platform config file
// when path is empty, and returns the path written.
func (c *Config) Save(path string) (string, error) {
	if path == "" {
		path = ConfigPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
	}

	v := viper.New()
	setAll(c, v.Set)
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

func setAll(c *Config, set func(key string, value any)) {
	set("log_level", c.LogLevel)
	set("log_file", c.LogFile)
	set("audio.backend", c.Audio.Backend)
	set("audio.device_index", c.Audio.DeviceIndex)
	set("audio.sample_rate", c.Audio.SampleRate)
	set("audio.rate_policy", c.Audio.RatePolicy)
	set("audio.channels", c.Audio.Channels)
	set("audio.block_frames", c.Audio.BlockFrames)
	set("audio.latency", c.Audio.Latency.String())
	set("storage.cache_dir", c.Storage.CacheDir)
	set("storage.recordings_dir", c.Storage.RecordingsDir)
	set("queue.capacity", c.Queue.Capacity)
	set("queue.policy", c.Queue.Policy)
	set("queue.poll_interval", c.Queue.PollInterval.String())
	set("metrics.listen", c.Metrics.Listen)
}

// ConfigPath returns the platform-specific config file path
func ConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "plant-recorder")
}
