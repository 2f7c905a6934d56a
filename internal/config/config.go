// Package config loads and validates the TOML configuration for the
// donuts-bridge daemon and its admin tools.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// PIDAxis holds the gains for one PID controller axis.
type PIDAxis struct {
	P float64 `toml:"p"`
	I float64 `toml:"i"`
	D float64 `toml:"d"`
}

// PIDCoeffs holds the gains and setpoints for both axes.
type PIDCoeffs struct {
	X    PIDAxis `toml:"x"`
	Y    PIDAxis `toml:"y"`
	SetX float64 `toml:"set_x"`
	SetY float64 `toml:"set_y"`
}

// DatabaseConfig describes the MySQL reference/log store.
type DatabaseConfig struct {
	Host     string `toml:"host"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	MetricsEnabled  bool   `toml:"metrics_enabled"`
	TracingEnabled  bool   `toml:"tracing_enabled"`
	Exporter        string `toml:"exporter"` // none, stdout, otlp-grpc, otlp-http
	OTLPEndpoint    string `toml:"otlp_endpoint"`
	OTLPInsecure    bool   `toml:"otlp_insecure"`
	HostSampleEvery int    `toml:"host_sample_interval_sec"`
}

// Config is the full donuts-bridge configuration.
//
// The flat keys mirror the guider's historical config layout so existing
// observatory config files keep working.
type Config struct {
	SocketIP       string `toml:"socket_ip"`
	SocketPort     int    `toml:"socket_port"`
	Host           string `toml:"host"`
	ImageExtension string `toml:"image_extension"`
	MountType      string `toml:"mount_type"` // GEM or FORK; fork assumed when absent

	// FITS header keywords naming the observing key fields.
	FilterKeyword  string `toml:"filter_keyword"`
	FieldKeyword   string `toml:"field_keyword"`
	RAKeyword      string `toml:"ra_keyword"`
	DecKeyword     string `toml:"dec_keyword"`
	XBinKeyword    string `toml:"xbin_keyword"`
	YBinKeyword    string `toml:"ybin_keyword"`
	XSizeKeyword   string `toml:"xsize_keyword"`
	YSizeKeyword   string `toml:"ysize_keyword"`
	XOriginKeyword string `toml:"xorigin_keyword"`
	YOriginKeyword string `toml:"yorigin_keyword"`

	// RAAxis names the image axis that maps to right ascension ("x" or "y").
	RAAxis string `toml:"ra_axis"`

	// Path roots as seen from this process (container view).
	DataRoot        string `toml:"data_root"`
	ReferenceRoot   string `toml:"reference_root"`
	CalibrationRoot string `toml:"calibration_root"`
	LoggingRoot     string `toml:"logging_root"`

	// The same roots as seen from the host running the telescope software.
	DataRootHost        string `toml:"data_root_host"`
	ReferenceRootHost   string `toml:"reference_root_host"`
	CalibrationRootHost string `toml:"calibration_root_host"`

	CalibrationStepSizeMs  int `toml:"calibration_step_size_ms"`
	CalibrationNIterations int `toml:"calibration_n_iterations"`
	CalibrationExptime     int `toml:"calibration_exptime"`
	CalibrationFilterIndex int `toml:"calibration_filter_index"`
	CalibrationBinning     int `toml:"calibration_binning"`

	// Optional fixed pointing for calibration runs ("HH MM SS.ss" /
	// "DD MM SS.ss"); empty means calibrate at the current pointing.
	CalibrationPointingRA  string `toml:"calibration_pointing_ra"`
	CalibrationPointingDec string `toml:"calibration_pointing_dec"`

	PIDCoeffs PIDCoeffs `toml:"pid_coeffs"`

	GuideBufferLength  int     `toml:"guide_buffer_length"`
	GuideBufferSigma   float64 `toml:"guide_buffer_sigma"`
	MaxErrorPixels     float64 `toml:"max_error_pixels"`
	NImagesToStabilise int     `toml:"n_images_to_stabilise"`

	// Fork mount calibration tables.
	PixelsToTime    map[string]float64 `toml:"pixels_to_time"`
	GuideDirections map[string]int     `toml:"guide_directions"`

	// GEM mount calibration tables, swapped on pier flip.
	PixelsToTimeEast    map[string]float64 `toml:"pixels_to_time_east"`
	PixelsToTimeWest    map[string]float64 `toml:"pixels_to_time_west"`
	GuideDirectionsEast map[string]int     `toml:"guide_directions_east"`
	GuideDirectionsWest map[string]int     `toml:"guide_directions_west"`

	// Optional full-frame boolean mask, relative to CalibrationRoot.
	FullFrameBooleanMaskFile string `toml:"full_frame_boolean_mask_file"`

	DonutsSubtractBkg bool `toml:"donuts_subtract_bkg"`

	LoggingLevel    string `toml:"logging_level"`    // debug or info
	LoggingLocation string `toml:"logging_location"` // stdout or file

	Database  DatabaseConfig  `toml:"database"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// Load reads a TOML config file, applies environment overrides and defaults,
// and validates the mount calibration keys.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Database.Host = getEnv("DONUTS_DB_HOST", c.Database.Host)
	c.Database.User = getEnv("DONUTS_DB_USER", c.Database.User)
	c.Database.Password = getEnv("DONUTS_DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DONUTS_DB_NAME", c.Database.Database)
	c.SocketIP = getEnv("DONUTS_SOCKET_IP", c.SocketIP)
	if v := getEnvInt("DONUTS_SOCKET_PORT", 0); v > 0 {
		c.SocketPort = v
	}
	c.Telemetry.OTLPEndpoint = getEnv("DONUTS_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
}

func (c *Config) applyDefaults() {
	if c.ImageExtension == "" {
		c.ImageExtension = DefaultImageExtension
	}
	if c.GuideBufferLength == 0 {
		c.GuideBufferLength = DefaultBufferLength
	}
	if c.GuideBufferSigma == 0 {
		c.GuideBufferSigma = DefaultBufferSigma
	}
	if c.MaxErrorPixels == 0 {
		c.MaxErrorPixels = DefaultMaxErrorPixels
	}
	if c.NImagesToStabilise == 0 {
		c.NImagesToStabilise = DefaultStabiliseImages
	}
	if c.RAAxis == "" {
		c.RAAxis = "x"
	}
	if c.LoggingLevel == "" {
		c.LoggingLevel = "info"
	}
	if c.LoggingLocation == "" {
		c.LoggingLocation = "stdout"
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.HostSampleEvery == 0 {
		c.Telemetry.HostSampleEvery = 30
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Database == "" {
		c.Database.Database = "donuts"
	}
}

// IsGEM reports whether the configured mount type is a German equatorial.
func (c *Config) IsGEM() bool {
	return c.MountType == "GEM"
}

// Validate checks the calibration tables match the declared mount type and
// that the required endpoint fields are present.
func (c *Config) Validate() error {
	if c.SocketIP == "" || c.SocketPort == 0 {
		return fmt.Errorf("config: socket_ip and socket_port are required")
	}
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.RAAxis != "x" && c.RAAxis != "y" {
		return fmt.Errorf("config: ra_axis must be \"x\" or \"y\", got %q", c.RAAxis)
	}
	switch c.MountType {
	case "GEM":
		if len(c.PixelsToTimeEast) == 0 || len(c.PixelsToTimeWest) == 0 ||
			len(c.GuideDirectionsEast) == 0 || len(c.GuideDirectionsWest) == 0 {
			return fmt.Errorf("config: GEM mount needs pixels_to_time_east/_west and guide_directions_east/_west")
		}
	case "FORK", "":
		if len(c.PixelsToTime) == 0 || len(c.GuideDirections) == 0 {
			return fmt.Errorf("config: fork mount needs pixels_to_time and guide_directions")
		}
	default:
		return fmt.Errorf("config: mount_type must be FORK or GEM, got %q", c.MountType)
	}
	return nil
}

// MaskPath returns the absolute mask path, or "" when masking is disabled.
func (c *Config) MaskPath() string {
	if c.FullFrameBooleanMaskFile == "" {
		return ""
	}
	return c.CalibrationRoot + "/" + c.FullFrameBooleanMaskFile
}

// DSN builds the MySQL data source name for the reference/log store.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", c.User, c.Password, c.Host, c.Database)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
