package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration.
type Config struct {
	StorageRoot string         `toml:"storage_root"`
	Serial      SerialConfig   `toml:"serial"`
	Calibration Calibration    `toml:"calibration"`
	Pipeline    PipelineConfig `toml:"pipeline"`
	Workflow    WorkflowConfig `toml:"workflow"`
	Monitor     MonitorConfig  `toml:"monitor"`
	Devices     []DeviceConfig `toml:"devices"`
}

type SerialConfig struct {
	Baud           int      `toml:"baud"`
	ChunkSize      int      `toml:"chunk_size"`
	PollIntervalMS int      `toml:"poll_interval_ms"`
	PortGlobs      []string `toml:"port_globs"`
}

type Calibration struct {
	TransimpedanceOhms float64 `toml:"transimpedance_ohms"`
	BiasCurrentOffsetA float64 `toml:"bias_current_offset_a"`
}

// PipelineConfig is the tunable subset; the watcher reloads it live.
type PipelineConfig struct {
	FlushPackets    int `toml:"flush_packets"`
	FlushIntervalMS int `toml:"flush_interval_ms"`
	StepTimeoutS    int `toml:"step_timeout_s"`
	EnvelopeQueue   int `toml:"envelope_queue"`
	TaskQueue       int `toml:"task_queue"`
	UIQueue         int `toml:"ui_queue"`
	SaveWorkers     int `toml:"save_workers"`
}

type WorkflowConfig struct {
	MaxLoopIterations int `toml:"max_loop_iterations"`
}

type MonitorConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type DeviceConfig struct {
	ID   string `toml:"id"`
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

// Load reads, defaults and validates a daemon config.
func Load(path string) (Config, error) {
	var cfg Config
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration with no devices.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.StorageRoot == "" {
		c.StorageRoot = "data"
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Serial.ChunkSize == 0 {
		c.Serial.ChunkSize = 512
	}
	if c.Serial.PollIntervalMS == 0 {
		c.Serial.PollIntervalMS = 20
	}
	if len(c.Serial.PortGlobs) == 0 {
		c.Serial.PortGlobs = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	}
	if c.Calibration.TransimpedanceOhms == 0 {
		c.Calibration.TransimpedanceOhms = 5100
	}
	if c.Pipeline.FlushPackets == 0 {
		c.Pipeline.FlushPackets = 200
	}
	if c.Pipeline.FlushIntervalMS == 0 {
		c.Pipeline.FlushIntervalMS = 1000
	}
	if c.Pipeline.StepTimeoutS == 0 {
		c.Pipeline.StepTimeoutS = 300
	}
	if c.Pipeline.EnvelopeQueue == 0 {
		c.Pipeline.EnvelopeQueue = 256
	}
	if c.Pipeline.TaskQueue == 0 {
		c.Pipeline.TaskQueue = 128
	}
	if c.Pipeline.UIQueue == 0 {
		c.Pipeline.UIQueue = 256
	}
	if c.Pipeline.SaveWorkers == 0 {
		c.Pipeline.SaveWorkers = 2
	}
	if c.Workflow.MaxLoopIterations == 0 {
		c.Workflow.MaxLoopIterations = 1000
	}
	if c.Monitor.Addr == "" {
		c.Monitor.Addr = ":9000"
	}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.StorageRoot) == "" {
		return fmt.Errorf("config missing storage_root")
	}
	if cfg.Serial.ChunkSize <= 0 {
		return fmt.Errorf("serial chunk_size must be positive")
	}
	if cfg.Serial.PollIntervalMS <= 0 {
		return fmt.Errorf("serial poll_interval_ms must be positive")
	}
	if cfg.Calibration.TransimpedanceOhms <= 0 {
		return fmt.Errorf("calibration transimpedance_ohms must be positive")
	}
	if cfg.Pipeline.FlushPackets <= 0 || cfg.Pipeline.FlushIntervalMS <= 0 {
		return fmt.Errorf("pipeline flush settings must be positive")
	}
	if cfg.Pipeline.SaveWorkers <= 0 {
		return fmt.Errorf("pipeline save_workers must be positive")
	}
	if cfg.Workflow.MaxLoopIterations <= 0 {
		return fmt.Errorf("workflow max_loop_iterations must be positive")
	}
	if strings.TrimSpace(cfg.Monitor.Addr) == "" {
		return fmt.Errorf("monitor config missing addr")
	}
	seen := map[string]bool{}
	for i, dev := range cfg.Devices {
		if err := validateDevice(dev); err != nil {
			return fmt.Errorf("device[%d] invalid: %w", i, err)
		}
		if seen[dev.ID] {
			return fmt.Errorf("device[%d] duplicate id %q", i, dev.ID)
		}
		seen[dev.ID] = true
	}
	return nil
}

func validateDevice(dev DeviceConfig) error {
	if strings.TrimSpace(dev.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if dev.Baud < 0 {
		return fmt.Errorf("baud must not be negative")
	}
	return nil
}

// FlushInterval returns the pipeline flush interval as a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Pipeline.FlushIntervalMS) * time.Millisecond
}

// PollInterval returns the serial poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Serial.PollIntervalMS) * time.Millisecond
}

// StepTimeout returns the per-scan receive window as a duration.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.Pipeline.StepTimeoutS) * time.Second
}
