package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/moldmap/internal/planner"
	"github.com/banshee-data/moldmap/internal/units"
)

// DefaultConfigPath is the path to the canonical run defaults file.
// This is the single source of truth for all default run values.
const DefaultConfigPath = "config/run.defaults.json"

// RunConfig represents the root configuration for a mapping run. The
// schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime inspection.
type RunConfig struct {
	// Planner params
	PlannerMode *string  `json:"planner_mode,omitempty"`
	SpacingMM   *float64 `json:"spacing_mm,omitempty"`
	Units       *string  `json:"units,omitempty"`
	FeedrateMMS *float64 `json:"feedrate_mms,omitempty"`

	// Session params
	ValidationTimeout   *string  `json:"validation_timeout,omitempty"` // duration string like "5s"
	PositionToleranceMM *float64 `json:"position_tolerance_mm,omitempty"`
	ProgressSlack       *int     `json:"progress_slack,omitempty"`

	// Transport params
	SerialPort *string `json:"serial_port,omitempty"` // empty means simulator
	BaudRate   *int    `json:"baud_rate,omitempty"`

	// Simulator params
	SimRateHz        *float64 `json:"sim_rate_hz,omitempty"`
	SimProgressEvery *int     `json:"sim_progress_every,omitempty"`
	SimBoundsMM      *float64 `json:"sim_bounds_mm,omitempty"` // half-extent of the cube
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRunConfig returns a RunConfig with all fields set to nil.
// Use LoadRunConfig to load actual values from a file.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// LoadRunConfig loads a RunConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadRunConfig(path string) (*RunConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical run defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RunConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadRunConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if c.PlannerMode != nil {
		switch planner.Mode(*c.PlannerMode) {
		case planner.ModeGreedy, planner.ModeEdgeSample:
		default:
			return fmt.Errorf("planner_mode must be %q or %q, got %q",
				planner.ModeGreedy, planner.ModeEdgeSample, *c.PlannerMode)
		}
	}

	if c.SpacingMM != nil && *c.SpacingMM <= 0 {
		return fmt.Errorf("spacing_mm must be positive, got %f", *c.SpacingMM)
	}

	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("units must be one of %s, got %q", units.GetValidUnitsString(), *c.Units)
	}

	if c.FeedrateMMS != nil && *c.FeedrateMMS <= 0 {
		return fmt.Errorf("feedrate_mms must be positive, got %f", *c.FeedrateMMS)
	}

	// Validate ValidationTimeout can be parsed if set
	if c.ValidationTimeout != nil && *c.ValidationTimeout != "" {
		if _, err := time.ParseDuration(*c.ValidationTimeout); err != nil {
			return fmt.Errorf("invalid validation_timeout '%s': %w", *c.ValidationTimeout, err)
		}
	}

	if c.PositionToleranceMM != nil && *c.PositionToleranceMM < 0 {
		return fmt.Errorf("position_tolerance_mm must be non-negative, got %f", *c.PositionToleranceMM)
	}

	if c.ProgressSlack != nil && *c.ProgressSlack < 0 {
		return fmt.Errorf("progress_slack must be non-negative, got %d", *c.ProgressSlack)
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}

	if c.SimRateHz != nil && *c.SimRateHz <= 0 {
		return fmt.Errorf("sim_rate_hz must be positive, got %f", *c.SimRateHz)
	}

	if c.SimBoundsMM != nil && *c.SimBoundsMM <= 0 {
		return fmt.Errorf("sim_bounds_mm must be positive, got %f", *c.SimBoundsMM)
	}

	return nil
}

// GetPlannerMode returns the planner_mode value or the default.
func (c *RunConfig) GetPlannerMode() planner.Mode {
	if c.PlannerMode == nil {
		return planner.ModeGreedy // default
	}
	return planner.Mode(*c.PlannerMode)
}

// GetSpacing returns the spacing_mm value or the default.
func (c *RunConfig) GetSpacing() float64 {
	if c.SpacingMM == nil {
		return 10.0 // default
	}
	return *c.SpacingMM
}

// GetUnits returns the units value or the default.
func (c *RunConfig) GetUnits() string {
	if c.Units == nil {
		return units.MM // default
	}
	return *c.Units
}

// GetFeedrate returns the feedrate_mms value or the default.
func (c *RunConfig) GetFeedrate() float64 {
	if c.FeedrateMMS == nil {
		return 50.0 // default
	}
	return *c.FeedrateMMS
}

// GetValidationTimeout parses and returns the ValidationTimeout as a time.Duration.
func (c *RunConfig) GetValidationTimeout() time.Duration {
	if c.ValidationTimeout == nil || *c.ValidationTimeout == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.ValidationTimeout)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetPositionTolerance returns the position_tolerance_mm value or the default.
func (c *RunConfig) GetPositionTolerance() float64 {
	if c.PositionToleranceMM == nil {
		return 1.0 // default
	}
	return *c.PositionToleranceMM
}

// GetProgressSlack returns the progress_slack value or the default.
func (c *RunConfig) GetProgressSlack() int {
	if c.ProgressSlack == nil {
		return 5 // default
	}
	return *c.ProgressSlack
}

// GetSerialPort returns the serial_port value or the default.
func (c *RunConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "" // default: no port, use the simulator
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *RunConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200 // default
	}
	return *c.BaudRate
}

// GetSimRate returns the sim_rate_hz value or the default.
func (c *RunConfig) GetSimRate() float64 {
	if c.SimRateHz == nil {
		return 20.0 // default
	}
	return *c.SimRateHz
}

// GetSimProgressEvery returns the sim_progress_every value or the default.
func (c *RunConfig) GetSimProgressEvery() int {
	if c.SimProgressEvery == nil {
		return 10 // default
	}
	return *c.SimProgressEvery
}

// GetSimBounds returns the sim_bounds_mm value or the default.
func (c *RunConfig) GetSimBounds() float64 {
	if c.SimBoundsMM == nil {
		return 100.0 // default
	}
	return *c.SimBoundsMM
}
