// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/telemetryd/config.yaml"

// Config is the single hierarchical document loaded once at startup.
// Every top-level section below is optional in the file; a missing
// section takes the documented defaults from DefaultConfig.
type Config struct {
	Sampler    SamplerConfig    `yaml:"sampler" koanf:"sampler"`
	Detector   DetectorConfig   `yaml:"detector" koanf:"detector"`
	Capture    CaptureConfig    `yaml:"capture" koanf:"capture"`
	Store      StoreConfig      `yaml:"store" koanf:"store"`
	Uplink     UplinkConfig     `yaml:"uplink" koanf:"uplink"`
	Supervisor SupervisorConfig `yaml:"supervisor" koanf:"supervisor"`
	Audio      AudioConfig      `yaml:"audio" koanf:"audio"`
	Sensors    SensorsConfig    `yaml:"sensors" koanf:"sensors"`
	LowRate    LowRateConfig    `yaml:"low_rate" koanf:"low_rate"`
}

// SamplerConfig controls the high-rate IMU sampling loop and its I2C
// bus recovery ladder.
type SamplerConfig struct {
	PeriodMS                    int       `yaml:"period_ms" koanf:"period_ms"`
	I2CAddress                  uint8     `yaml:"i2c_address" koanf:"i2c_address"`
	AccelRangeG                 float64   `yaml:"accel_range_g" koanf:"accel_range_g"`
	GyroRangeDPS                float64   `yaml:"gyro_range_dps" koanf:"gyro_range_dps"`
	ConsecutiveFailureThreshold int       `yaml:"consecutive_failure_threshold" koanf:"consecutive_failure_threshold"`
	MaxResets                   int       `yaml:"max_resets" koanf:"max_resets"`
	BackoffScheduleS            []float64 `yaml:"backoff_schedule_s" koanf:"backoff_schedule_s"`
}

// DetectorConfig controls per-kind event hold/suppress timing. The
// trigger thresholds themselves (the signal extraction and the g-force
// level that moves a kind from IDLE to CANDIDATE) come from
// detector.DefaultThresholds, which an administrator cannot usefully
// override as a single scalar since each kind inspects a different
// signal (longitudinal accel, lateral accel, vector magnitude); this
// section only overrides the per-kind timing knobs layered on top.
type DetectorConfig struct {
	Kinds      map[string]KindTimingConfig `yaml:"kinds" koanf:"kinds"`
	MinHoldMS  int                         `yaml:"min_hold_ms" koanf:"min_hold_ms"`
	SuppressMS int                         `yaml:"suppress_ms" koanf:"suppress_ms"`
}

// KindTimingConfig overrides one kind's hold/suppress timing. A zero
// field means "use the section-level default".
type KindTimingConfig struct {
	MinHoldMS  int `yaml:"min_hold_ms" koanf:"min_hold_ms"`
	SuppressMS int `yaml:"suppress_ms" koanf:"suppress_ms"`
}

// CaptureConfig controls the segmented video ring buffer and event
// save windows.
type CaptureConfig struct {
	SegmentSeconds  int     `yaml:"segment_seconds" koanf:"segment_seconds"`
	SegmentCount    int     `yaml:"segment_count" koanf:"segment_count"`
	PreEventS       int     `yaml:"pre_event_s" koanf:"pre_event_s"`
	PostEventS      int     `yaml:"post_event_s" koanf:"post_event_s"`
	OverlayEnabled  bool    `yaml:"overlay_enabled" koanf:"overlay_enabled"`
	BufferDir       string  `yaml:"buffer_dir" koanf:"buffer_dir"`
	OutputDir       string  `yaml:"output_dir" koanf:"output_dir"`
	MinSegmentBytes int64   `yaml:"min_segment_bytes" koanf:"min_segment_bytes"`
	StallFactor     float64 `yaml:"stall_factor" koanf:"stall_factor"`
}

// StoreConfig controls the durable SQLite-backed reading/event store.
type StoreConfig struct {
	Path                string `yaml:"path" koanf:"path"`
	WALAutocheckpoint   int    `yaml:"wal_autocheckpoint" koanf:"wal_autocheckpoint"`
	JournalMode         string `yaml:"journal_mode" koanf:"journal_mode"`
	Synchronous         string `yaml:"synchronous" koanf:"synchronous"`
	CheckpointIntervalS int    `yaml:"checkpoint_interval_s" koanf:"checkpoint_interval_s"`
}

// UplinkConfig controls the cursor-based batch sync to the remote
// sink and the one-way file sync.
type UplinkConfig struct {
	RemoteWriteURL        string `yaml:"remote_write_url" koanf:"remote_write_url"`
	FileSinkHost          string `yaml:"file_sink_host" koanf:"file_sink_host"`
	BatchSize             int    `yaml:"batch_size" koanf:"batch_size"`
	PollIntervalS         int    `yaml:"poll_interval_s" koanf:"poll_interval_s"`
	ConnectivityProbeHost string `yaml:"connectivity_probe_host" koanf:"connectivity_probe_host"`
	ProbePort             int    `yaml:"probe_port" koanf:"probe_port"`
	MaxTooOldRetries      int    `yaml:"max_too_old_retries" koanf:"max_too_old_retries"`
}

// SupervisorConfig controls the health-scan and thermal loop.
type SupervisorConfig struct {
	HealthPeriodS    int     `yaml:"health_period_s" koanf:"health_period_s"`
	ThermalWarnC     float64 `yaml:"thermal_warn_c" koanf:"thermal_warn_c"`
	ThermalThrottleC float64 `yaml:"thermal_throttle_c" koanf:"thermal_throttle_c"`
}

// AudioConfig controls the driver-feedback announcer.
type AudioConfig struct {
	Enabled    bool   `yaml:"enabled" koanf:"enabled"`
	ModelPath  string `yaml:"model_path" koanf:"model_path"`
	DeviceHint string `yaml:"device_hint" koanf:"device_hint"`
}

// SensorsConfig holds a per-class enable flag, e.g. {"accel": true,
// "gyro": true, "gps": false}.
type SensorsConfig struct {
	Enabled map[string]bool `yaml:"enabled" koanf:"enabled"`
}

// LowRateConfig controls the slow-cadence sensor classes (environment,
// power, position) polled independently of the high-rate IMU sampler
// and inserted straight to durable storage.
type LowRateConfig struct {
	EnvironmentPeriodS int    `yaml:"environment_period_s" koanf:"environment_period_s"`
	PowerPeriodS       int    `yaml:"power_period_s" koanf:"power_period_s"`
	PositionPeriodS    int    `yaml:"position_period_s" koanf:"position_period_s"`
	PowerSupplyName    string `yaml:"power_supply_name" koanf:"power_supply_name"`
	GPSDevicePath      string `yaml:"gps_device_path" koanf:"gps_device_path"`
	GPSUSBPortPath     string `yaml:"gps_usb_port_path" koanf:"gps_usb_port_path"`
	GPSBaudRate        int    `yaml:"gps_baud_rate" koanf:"gps_baud_rate"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file, atomically.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: write to a temp file in the same directory, sync to
	// disk, then rename to the target path. os.Rename is atomic on most
	// filesystems, so a crash mid-write leaves either the old file or
	// the new file, never a partially-written file.
	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config files may contain sensitive settings (remote URLs, hosts)
	// and should not be world-readable.
	// #nosec G302 - Config file restricted to owner+group
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks the configuration for invalid values. Unknown keys
// are rejected earlier, at unmarshal time, by the strict decoding in
// both LoadConfig and the koanf loader; Validate only covers
// value-range checks a decoder cannot express.
func (c *Config) Validate() error {
	if err := c.Sampler.Validate(); err != nil {
		return fmt.Errorf("sampler: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Uplink.Validate(); err != nil {
		return fmt.Errorf("uplink: %w", err)
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if err := c.LowRate.Validate(); err != nil {
		return fmt.Errorf("low_rate: %w", err)
	}
	return nil
}

func (s *SamplerConfig) Validate() error {
	if s.PeriodMS <= 0 {
		return fmt.Errorf("period_ms must be positive")
	}
	if s.ConsecutiveFailureThreshold <= 0 {
		return fmt.Errorf("consecutive_failure_threshold must be positive")
	}
	if s.MaxResets <= 0 {
		return fmt.Errorf("max_resets must be positive")
	}
	return nil
}

func (d *DetectorConfig) Validate() error {
	if d.MinHoldMS < 0 {
		return fmt.Errorf("min_hold_ms must not be negative")
	}
	if d.SuppressMS < 0 {
		return fmt.Errorf("suppress_ms must not be negative")
	}
	for kind, t := range d.Kinds {
		if t.MinHoldMS < 0 {
			return fmt.Errorf("kind %q: min_hold_ms must not be negative", kind)
		}
		if t.SuppressMS < 0 {
			return fmt.Errorf("kind %q: suppress_ms must not be negative", kind)
		}
	}
	return nil
}

func (c *CaptureConfig) Validate() error {
	if c.SegmentSeconds <= 0 {
		return fmt.Errorf("segment_seconds must be positive")
	}
	if c.SegmentCount <= 0 {
		return fmt.Errorf("segment_count must be positive")
	}
	if c.BufferDir == "" {
		return fmt.Errorf("buffer_dir must not be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if c.StallFactor <= 0 {
		return fmt.Errorf("stall_factor must be positive")
	}
	return nil
}

func (s *StoreConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path must not be empty")
	}
	switch s.JournalMode {
	case "WAL", "":
		// WAL is mandatory in practice; empty means "use default".
	default:
		return fmt.Errorf("journal_mode must be WAL (got %q)", s.JournalMode)
	}
	switch s.Synchronous {
	case "FULL", "":
	default:
		return fmt.Errorf("synchronous must be FULL (got %q)", s.Synchronous)
	}
	return nil
}

func (u *UplinkConfig) Validate() error {
	if u.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if u.PollIntervalS <= 0 {
		return fmt.Errorf("poll_interval_s must be positive")
	}
	if u.MaxTooOldRetries <= 0 {
		return fmt.Errorf("max_too_old_retries must be positive")
	}
	return nil
}

func (s *SupervisorConfig) Validate() error {
	if s.HealthPeriodS <= 0 {
		return fmt.Errorf("health_period_s must be positive")
	}
	if s.ThermalThrottleC <= s.ThermalWarnC {
		return fmt.Errorf("thermal_throttle_c must exceed thermal_warn_c")
	}
	return nil
}

func (l *LowRateConfig) Validate() error {
	if l.EnvironmentPeriodS <= 0 {
		return fmt.Errorf("environment_period_s must be positive")
	}
	if l.PowerPeriodS <= 0 {
		return fmt.Errorf("power_period_s must be positive")
	}
	if l.PositionPeriodS <= 0 {
		return fmt.Errorf("position_period_s must be positive")
	}
	return nil
}

// DefaultConfig returns a configuration with the documented defaults
// for every section. A loaded file only needs to override the values
// it cares about; everything else keeps these.
func DefaultConfig() *Config {
	return &Config{
		Sampler: SamplerConfig{
			PeriodMS:                    10,
			I2CAddress:                  0x68,
			AccelRangeG:                 4,
			GyroRangeDPS:                500,
			ConsecutiveFailureThreshold: 5,
			MaxResets:                   3,
			BackoffScheduleS:            []float64{0, 2, 5},
		},
		Detector: DetectorConfig{
			Kinds:      map[string]KindTimingConfig{},
			MinHoldMS:  150,
			SuppressMS: 2000,
		},
		Capture: CaptureConfig{
			SegmentSeconds:  10,
			SegmentCount:    360,
			PreEventS:       15,
			PostEventS:      15,
			OverlayEnabled:  false,
			BufferDir:       "/var/lib/telemetryd/buffer",
			OutputDir:       "/var/lib/telemetryd/events",
			MinSegmentBytes: 1024,
			StallFactor:     3,
		},
		Store: StoreConfig{
			Path:                "/var/lib/telemetryd/telemetry.db",
			WALAutocheckpoint:   1000,
			JournalMode:         "WAL",
			Synchronous:         "FULL",
			CheckpointIntervalS: 60,
		},
		Uplink: UplinkConfig{
			RemoteWriteURL:        "",
			FileSinkHost:          "",
			BatchSize:             500,
			PollIntervalS:         30,
			ConnectivityProbeHost: "",
			ProbePort:             443,
			MaxTooOldRetries:      20,
		},
		Supervisor: SupervisorConfig{
			HealthPeriodS:    30,
			ThermalWarnC:     70,
			ThermalThrottleC: 80,
		},
		Audio: AudioConfig{
			Enabled:    true,
			ModelPath:  "",
			DeviceHint: "",
		},
		Sensors: SensorsConfig{
			Enabled: map[string]bool{
				"accel":       true,
				"gyro":        true,
				"gps":         true,
				"environment": true,
				"power":       true,
			},
		},
		LowRate: LowRateConfig{
			EnvironmentPeriodS: 30,
			PowerPeriodS:       60,
			PositionPeriodS:    2,
			PowerSupplyName:    "BAT0",
			GPSDevicePath:      "/dev/ttyUSB0",
			GPSBaudRate:        9600,
		},
	}
}
