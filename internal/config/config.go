// Package config handles loading, defaulting, and validation of the satpi
// TOML configuration file. Every section maps to a typed struct so the rest
// of the codebase gets strong typing without manual key lookups.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Data         DataConfig         `toml:"data"         json:"data"`
	Logging      LoggingConfig      `toml:"logging"      json:"logging"`
	Server       ServerConfig       `toml:"server"       json:"server"`
	Station      StationConfig      `toml:"station"      json:"station"`
	Receiver     ReceiverConfig     `toml:"receiver"     json:"receiver"`
	Satellites   []SatelliteConfig  `toml:"satellites"   json:"satellites"`
	Predict      PredictConfig      `toml:"predict"      json:"predict"`
	Scheduler    SchedulerConfig    `toml:"scheduler"    json:"scheduler"`
	Pipeline     PipelineConfig     `toml:"pipeline"     json:"pipeline"`
	Storage      StorageConfig      `toml:"storage"      json:"storage"`
	Connectivity ConnectivityConfig `toml:"connectivity" json:"connectivity"`
	Uploader     UploaderConfig     `toml:"uploader"     json:"uploader"`
}

// DataConfig locates everything satpi writes to disk. GraceSeconds is the
// single age rule shared by the processing scan and the storage reclaimer:
// neither touches a file modified more recently than this.
type DataConfig struct {
	Root         string `toml:"root"          json:"root"`
	RawDir       string `toml:"raw_dir"       json:"raw_dir"`
	ProductsDir  string `toml:"products_dir"  json:"products_dir"`
	StateDir     string `toml:"state_dir"     json:"state_dir"`
	GraceSeconds int    `toml:"grace_seconds" json:"grace_seconds"`
}

type LoggingConfig struct {
	Level  string `toml:"level"  json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file"   json:"file"`
}

type ServerConfig struct {
	Bind string `toml:"bind" json:"bind"`
}

type StationConfig struct {
	Latitude     float64 `toml:"latitude"      json:"latitude"`
	Longitude    float64 `toml:"longitude"     json:"longitude"`
	Altitude     float64 `toml:"altitude"      json:"altitude"`
	MinElevation float64 `toml:"min_elevation" json:"min_elevation"`
	UseGPSD      bool    `toml:"use_gpsd"      json:"use_gpsd"`
	GPSDHost     string  `toml:"gpsd_host"     json:"gpsd_host"`
}

// ReceiverConfig describes the single RF front-end and how to drive it.
type ReceiverConfig struct {
	Simulate            bool     `toml:"simulate"              json:"simulate"`
	CaptureCommand      string   `toml:"capture_command"       json:"capture_command"`
	ProbeCommand        []string `toml:"probe_command"         json:"probe_command"`
	DeviceIndex         int      `toml:"device_index"          json:"device_index"`
	PPMCorrection       int      `toml:"ppm_correction"        json:"ppm_correction"`
	MinCaptureBytes     int64    `toml:"min_capture_bytes"     json:"min_capture_bytes"`
	TimeoutSlackSeconds int      `toml:"timeout_slack_seconds" json:"timeout_slack_seconds"`
	Hotplug             bool     `toml:"hotplug"               json:"hotplug"`
	USBVendorID         string   `toml:"usb_vendor_id"         json:"usb_vendor_id"`
	USBProductID        string   `toml:"usb_product_id"        json:"usb_product_id"`
}

// SatelliteConfig is one row of the per-satellite capture table. Frequencies
// and gains are deliberately configuration, not code.
type SatelliteConfig struct {
	ID              string  `toml:"id"               json:"id"`
	Kind            string  `toml:"kind"             json:"kind"`
	FrequencyHz     int64   `toml:"frequency_hz"     json:"frequency_hz"`
	SampleRate      int     `toml:"sample_rate"      json:"sample_rate"`
	Gain            float64 `toml:"gain"             json:"gain"`
	DurationSeconds int     `toml:"duration_seconds" json:"duration_seconds"`
	PeriodMinutes   int     `toml:"period_minutes"   json:"period_minutes"`
	OffsetMinutes   int     `toml:"offset_minutes"   json:"offset_minutes"`
	NoradID         int     `toml:"norad_id"         json:"norad_id"`
	Pipeline        string  `toml:"pipeline"         json:"pipeline"`
	Format          string  `toml:"format"           json:"format"`
	Disabled        bool    `toml:"disabled"         json:"disabled"`
}

type PredictConfig struct {
	TLEURL          string `toml:"tle_url"           json:"tle_url"`
	TLERefreshHours int    `toml:"tle_refresh_hours" json:"tle_refresh_hours"`
	LookaheadHours  int    `toml:"lookahead_hours"   json:"lookahead_hours"`
}

type SchedulerConfig struct {
	TickSeconds    int `toml:"tick_seconds"    json:"tick_seconds"`
	HorizonMinutes int `toml:"horizon_minutes" json:"horizon_minutes"`
	HistorySize    int `toml:"history_size"    json:"history_size"`
}

type PipelineConfig struct {
	DemodCommand        string   `toml:"demod_command"         json:"demod_command"`
	FallbackPipeline    string   `toml:"fallback_pipeline"     json:"fallback_pipeline"`
	DemodTimeoutSeconds int      `toml:"demod_timeout_seconds" json:"demod_timeout_seconds"`
	ScanIntervalSeconds int      `toml:"scan_interval_seconds" json:"scan_interval_seconds"`
	MaxImageDim         int      `toml:"max_image_dim"         json:"max_image_dim"`
	SampleBytes         int      `toml:"sample_bytes"          json:"sample_bytes"`
	PlotCommand         []string `toml:"plot_command"          json:"plot_command"`
	PlotTimeoutSeconds  int      `toml:"plot_timeout_seconds"  json:"plot_timeout_seconds"`
}

type StorageConfig struct {
	Budget          string `toml:"budget"           json:"budget"`
	IntervalSeconds int    `toml:"interval_seconds" json:"interval_seconds"`
	ProtectPending  bool   `toml:"protect_pending"  json:"protect_pending"`
}

type ConnectivityConfig struct {
	Targets             []string `toml:"targets"               json:"targets"`
	PingCount           int      `toml:"ping_count"            json:"ping_count"`
	PingTimeoutSeconds  int      `toml:"ping_timeout_seconds"  json:"ping_timeout_seconds"`
	IntervalSeconds     int      `toml:"interval_seconds"      json:"interval_seconds"`
	LatencyThresholdMS  float64  `toml:"latency_threshold_ms"  json:"latency_threshold_ms"`
	LowQualityThreshold int      `toml:"low_quality_threshold" json:"low_quality_threshold"`
	RecoveryCommand     []string `toml:"recovery_command"      json:"recovery_command"`
}

type UploaderConfig struct {
	Enabled           bool   `toml:"enabled"             json:"enabled"`
	Endpoint          string `toml:"endpoint"            json:"endpoint"`
	DeviceID          string `toml:"device_id"           json:"device_id"`
	Attempts          int    `toml:"attempts"            json:"attempts"`
	RetryDelaySeconds int    `toml:"retry_delay_seconds" json:"retry_delay_seconds"`
	IntervalSeconds   int    `toml:"interval_seconds"    json:"interval_seconds"`
	TimeoutSeconds    int    `toml:"timeout_seconds"     json:"timeout_seconds"`
	MaxFileSize       string `toml:"max_file_size"       json:"max_file_size"`
}

// Default returns a Config populated with sane defaults. Values here are
// used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Data: DataConfig{
			Root:         "/var/lib/satpi",
			RawDir:       "/var/lib/satpi/raw",
			ProductsDir:  "/var/lib/satpi/products",
			StateDir:     "/var/lib/satpi/state",
			GraceSeconds: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Bind: "0.0.0.0:8080",
		},
		Station: StationConfig{
			MinElevation: 20,
			UseGPSD:      false,
			GPSDHost:     "localhost:2947",
		},
		Receiver: ReceiverConfig{
			CaptureCommand:      "rtl_sdr",
			ProbeCommand:        []string{"rtl_test", "-t"},
			MinCaptureBytes:     1 << 20,
			TimeoutSlackSeconds: 5,
			USBVendorID:         "0bda",
			USBProductID:        "2838",
		},
		Predict: PredictConfig{
			TLEURL:          "https://celestrak.org/NORAD/elements/gp.php?GROUP=weather&FORMAT=tle",
			TLERefreshHours: 24,
			LookaheadHours:  24,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:    5,
			HorizonMinutes: 60,
			HistorySize:    50,
		},
		Pipeline: PipelineConfig{
			DemodCommand:        "satdump",
			FallbackPipeline:    "generic_analog_demod",
			DemodTimeoutSeconds: 900,
			ScanIntervalSeconds: 60,
			MaxImageDim:         2048,
			SampleBytes:         1 << 20,
			PlotTimeoutSeconds:  120,
		},
		Storage: StorageConfig{
			Budget:          "20GB",
			IntervalSeconds: 300,
			ProtectPending:  true,
		},
		Connectivity: ConnectivityConfig{
			Targets:             []string{"1.1.1.1", "8.8.8.8"},
			PingCount:           5,
			PingTimeoutSeconds:  2,
			IntervalSeconds:     60,
			LatencyThresholdMS:  500,
			LowQualityThreshold: 40,
		},
		Uploader: UploaderConfig{
			Enabled:           false,
			Attempts:          3,
			RetryDelaySeconds: 60,
			IntervalSeconds:   60,
			TimeoutSeconds:    300,
			MaxFileSize:       "50MB",
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults, and
// validates the result. An error is returned if the file can't be read,
// parsed, or if any constraint is violated.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Grace is the minimum age a raw file must reach before the pipeline or the
// reclaimer may touch it.
func (d DataConfig) Grace() time.Duration {
	return time.Duration(d.GraceSeconds) * time.Second
}

// BudgetBytes parses the human-readable storage budget ("20GB", "512MiB").
func (s StorageConfig) BudgetBytes() (int64, error) {
	n, err := humanize.ParseBytes(s.Budget)
	if err != nil {
		return 0, fmt.Errorf("storage.budget: %w", err)
	}
	return int64(n), nil
}

// MaxFileBytes parses the uploader's per-file size ceiling. Zero means no limit.
func (u UploaderConfig) MaxFileBytes() (int64, error) {
	if u.MaxFileSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(u.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("uploader.max_file_size: %w", err)
	}
	return int64(n), nil
}

// EnsureDirectories creates every data directory the daemon writes into.
func (c Config) EnsureDirectories() error {
	for _, dir := range []string{c.Data.Root, c.Data.RawDir, c.Data.ProductsDir, c.Data.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.Data.Root == "" {
		return errors.New("data.root must not be empty")
	}
	if cfg.Data.RawDir == "" || cfg.Data.ProductsDir == "" || cfg.Data.StateDir == "" {
		return errors.New("data.raw_dir, data.products_dir and data.state_dir must not be empty")
	}
	if cfg.Data.GraceSeconds < 0 {
		return errors.New("data.grace_seconds must be >= 0")
	}
	if cfg.Station.MinElevation < 0 || cfg.Station.MinElevation > 90 {
		return errors.New("station.min_elevation must be between 0 and 90")
	}
	if cfg.Receiver.CaptureCommand == "" && !cfg.Receiver.Simulate {
		return errors.New("receiver.capture_command must not be empty")
	}
	if cfg.Receiver.MinCaptureBytes < 0 {
		return errors.New("receiver.min_capture_bytes must be >= 0")
	}
	if cfg.Predict.TLERefreshHours < 1 {
		return errors.New("predict.tle_refresh_hours must be >= 1")
	}
	if cfg.Predict.LookaheadHours < 1 {
		return errors.New("predict.lookahead_hours must be >= 1")
	}
	if cfg.Scheduler.TickSeconds < 1 {
		return errors.New("scheduler.tick_seconds must be >= 1")
	}
	if cfg.Scheduler.HorizonMinutes < 1 {
		return errors.New("scheduler.horizon_minutes must be >= 1")
	}
	if cfg.Pipeline.DemodCommand == "" {
		return errors.New("pipeline.demod_command must not be empty")
	}
	if cfg.Pipeline.ScanIntervalSeconds < 1 {
		return errors.New("pipeline.scan_interval_seconds must be >= 1")
	}
	if cfg.Pipeline.MaxImageDim < 1 {
		return errors.New("pipeline.max_image_dim must be >= 1")
	}
	if cfg.Pipeline.SampleBytes < 1 {
		return errors.New("pipeline.sample_bytes must be >= 1")
	}
	if _, err := cfg.Storage.BudgetBytes(); err != nil {
		return err
	}
	if cfg.Storage.IntervalSeconds < 1 {
		return errors.New("storage.interval_seconds must be >= 1")
	}
	if len(cfg.Connectivity.Targets) == 0 {
		return errors.New("connectivity.targets must list at least one endpoint")
	}
	if cfg.Connectivity.IntervalSeconds < 1 {
		return errors.New("connectivity.interval_seconds must be >= 1")
	}
	if cfg.Connectivity.LowQualityThreshold < 0 || cfg.Connectivity.LowQualityThreshold > 100 {
		return errors.New("connectivity.low_quality_threshold must be between 0 and 100")
	}
	if cfg.Uploader.Enabled && cfg.Uploader.Endpoint == "" {
		return errors.New("uploader.endpoint must be set when the uploader is enabled")
	}
	if cfg.Uploader.Attempts < 1 {
		return errors.New("uploader.attempts must be >= 1")
	}
	if _, err := cfg.Uploader.MaxFileBytes(); err != nil {
		return err
	}
	for i, sat := range cfg.Satellites {
		if err := validateSatellite(sat); err != nil {
			return fmt.Errorf("satellites[%d]: %w", i, err)
		}
	}
	return nil
}

func validateSatellite(s SatelliteConfig) error {
	if s.ID == "" {
		return errors.New("id must not be empty")
	}
	if s.FrequencyHz <= 0 {
		return fmt.Errorf("%s: frequency_hz must be > 0", s.ID)
	}
	if s.SampleRate <= 0 {
		return fmt.Errorf("%s: sample_rate must be > 0", s.ID)
	}
	if s.DurationSeconds <= 0 {
		return fmt.Errorf("%s: duration_seconds must be > 0", s.ID)
	}
	switch s.Kind {
	case "geo", "GEO":
		if s.PeriodMinutes <= 0 {
			return fmt.Errorf("%s: geo satellites need period_minutes > 0", s.ID)
		}
		if s.DurationSeconds > s.PeriodMinutes*60 {
			return fmt.Errorf("%s: duration_seconds exceeds the capture period", s.ID)
		}
	case "leo", "LEO":
		if s.NoradID <= 0 {
			return fmt.Errorf("%s: leo satellites need norad_id", s.ID)
		}
	default:
		return fmt.Errorf("%s: kind must be geo or leo, got %q", s.ID, s.Kind)
	}
	return nil
}
