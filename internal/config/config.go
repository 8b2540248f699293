// Package config holds the runtime configuration of the positioning stage:
// axis limits and speeds, control mode, hardware selection and tracking
// formulas. Values are stored in raw device units.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/banshee-data/positioning.control/internal/units"
)

// DefaultSeedPath is the TOML file read on first boot when the database
// holds no configuration yet.
const DefaultSeedPath = "config.toml"

// Control modes.
const (
	ModeTracking = "Tracking"
	ModeManual   = "Manual"
)

// Config is the persisted configuration. JSON and TOML keys match the form
// field names accepted by ParseForm.
type Config struct {
	CycleTimeMS     int    `json:"cycle_time_ms" toml:"cycle_time_ms"`
	SerialDevice    string `json:"serial_device" toml:"serial_device"`
	ADCSerialDevice string `json:"adc_serial_device" toml:"adc_serial_device"`
	OPCUABridgeURL  string `json:"opcua_bridge_url" toml:"opcua_bridge_url"`
	ControlMode     string `json:"control_mode" toml:"control_mode"`

	LimitMinCoax int `json:"limit_min_coax" toml:"limit_min_coax"`
	LimitMaxCoax int `json:"limit_max_coax" toml:"limit_max_coax"`
	MaxSpeedCoax int `json:"maxspeed_coax" toml:"maxspeed_coax"`
	AccelCoax    int `json:"accel_coax" toml:"accel_coax"`
	OffsetCoax   int `json:"offset_coax" toml:"offset_coax"`

	LimitMinCross int `json:"limit_min_cross" toml:"limit_min_cross"`
	LimitMaxCross int `json:"limit_max_cross" toml:"limit_max_cross"`
	MaxSpeedCross int `json:"maxspeed_cross" toml:"maxspeed_cross"`
	AccelCross    int `json:"accel_cross" toml:"accel_cross"`

	MockZaber bool `json:"mock_zaber" toml:"mock_zaber"`
	MockADC   bool `json:"mock_adc" toml:"mock_adc"`

	FormulaCoax  string  `json:"formula_coax" toml:"formula_coax"`
	FormulaCross string  `json:"formula_cross" toml:"formula_cross"`
	ADCOffset1   float64 `json:"adc_offset1" toml:"adc_offset1"`
	ADCOffset2   float64 `json:"adc_offset2" toml:"adc_offset2"`

	WebPort int `json:"web_port" toml:"web_port"`
}

// Defaults returns the configuration used when nothing has been stored.
func Defaults() Config {
	return Config{
		CycleTimeMS:     500,
		SerialDevice:    "/dev/ttyACM0",
		ADCSerialDevice: "/dev/ttyUSB0",
		ControlMode:     ModeTracking,
		LimitMinCoax:    0,
		LimitMaxCoax:    units.MaxPos,
		MaxSpeedCoax:    units.MaxSpeed,
		AccelCoax:       50,
		LimitMinCross:   0,
		LimitMaxCross:   units.MaxPos,
		MaxSpeedCross:   units.MaxSpeed,
		AccelCross:      50,
		FormulaCoax:     "64 - (64 - 17) / (2 - 0.12) * (v1 - 0.12)",
		FormulaCross:    "0",
		WebPort:         8085,
	}
}

// CycleTime is the control loop period.
func (c Config) CycleTime() time.Duration {
	return time.Duration(c.CycleTimeMS) * time.Millisecond
}

// ADCOffset returns the calibration offset of channel 1 or 2.
func (c Config) ADCOffset(index int) float64 {
	if index == 2 {
		return c.ADCOffset2
	}
	return c.ADCOffset1
}

const maxSeedSize = 1 << 20

// LoadTOML reads a seed file. Keys missing from the file keep their
// defaults; unknown keys and invalid values are errors. found is false
// when the file does not exist.
func LoadTOML(path string) (cfg Config, found bool, err error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".toml" {
		return Config{}, false, fmt.Errorf("config file must have .toml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), false, nil
	}
	if err != nil {
		return Config{}, false, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxSeedSize {
		return Config{}, true, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxSeedSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, true, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg = Defaults()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, true, fmt.Errorf("failed to parse %s: %w", cleanPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, true, fmt.Errorf("invalid configuration in %s: %w", cleanPath, err)
	}
	return cfg, true, nil
}

// EncodeTOML renders the configuration in seed file form.
func (c Config) EncodeTOML() ([]byte, error) {
	return toml.Marshal(c)
}
