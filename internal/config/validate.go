package config

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/banshee-data/positioning.control/internal/security"
	"github.com/banshee-data/positioning.control/internal/units"
)

// ValidationError names the single field that failed and why. Its text is
// "field:reason", the form the console splits on.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ":" + e.Reason
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// maxAccel is the largest accel the controllers accept.
const maxAccel = 32767

// field binds a form key to its parser and range check. Fields are
// validated in table order; the first failure wins.
type field struct {
	name  string
	set   func(c *Config, v string) error
	check func(c Config) error
}

var fields = []field{
	{"cycle_time_ms", setInt(func(c *Config) *int { return &c.CycleTimeMS }), intRange("cycle_time_ms", func(c Config) int { return c.CycleTimeMS }, 10, 60000)},
	{"serial_device", setString(func(c *Config) *string { return &c.SerialDevice }), devicePath("serial_device", func(c Config) string { return c.SerialDevice })},
	{"adc_serial_device", setString(func(c *Config) *string { return &c.ADCSerialDevice }), devicePath("adc_serial_device", func(c Config) string { return c.ADCSerialDevice })},
	{"opcua_bridge_url", setString(func(c *Config) *string { return &c.OPCUABridgeURL }), checkURL},
	{"control_mode", setString(func(c *Config) *string { return &c.ControlMode }), checkMode},
	{"limit_min_coax", setInt(func(c *Config) *int { return &c.LimitMinCoax }), position("limit_min_coax", func(c Config) int { return c.LimitMinCoax })},
	{"limit_max_coax", setInt(func(c *Config) *int { return &c.LimitMaxCoax }), position("limit_max_coax", func(c Config) int { return c.LimitMaxCoax })},
	{"maxspeed_coax", setSpeed(func(c *Config) *int { return &c.MaxSpeedCoax }), intRange("maxspeed_coax", func(c Config) int { return c.MaxSpeedCoax }, 1, units.MaxSpeed)},
	{"accel_coax", setAccel(func(c *Config) *int { return &c.AccelCoax }), intRange("accel_coax", func(c Config) int { return c.AccelCoax }, 1, maxAccel)},
	{"offset_coax", setInt(func(c *Config) *int { return &c.OffsetCoax }), intRange("offset_coax", func(c Config) int { return c.OffsetCoax }, -units.MaxPos, units.MaxPos)},
	{"limit_min_cross", setInt(func(c *Config) *int { return &c.LimitMinCross }), position("limit_min_cross", func(c Config) int { return c.LimitMinCross })},
	{"limit_max_cross", setInt(func(c *Config) *int { return &c.LimitMaxCross }), position("limit_max_cross", func(c Config) int { return c.LimitMaxCross })},
	{"maxspeed_cross", setSpeed(func(c *Config) *int { return &c.MaxSpeedCross }), intRange("maxspeed_cross", func(c Config) int { return c.MaxSpeedCross }, 1, units.MaxSpeed)},
	{"accel_cross", setAccel(func(c *Config) *int { return &c.AccelCross }), intRange("accel_cross", func(c Config) int { return c.AccelCross }, 1, maxAccel)},
	{"mock_zaber", setBool(func(c *Config) *bool { return &c.MockZaber }), nil},
	{"mock_adc", setBool(func(c *Config) *bool { return &c.MockADC }), nil},
	{"formula_coax", setString(func(c *Config) *string { return &c.FormulaCoax }), formula("formula_coax", func(c Config) string { return c.FormulaCoax })},
	{"formula_cross", setString(func(c *Config) *string { return &c.FormulaCross }), formula("formula_cross", func(c Config) string { return c.FormulaCross })},
	{"adc_offset1", setFloat(func(c *Config) *float64 { return &c.ADCOffset1 }), voltage("adc_offset1", func(c Config) float64 { return c.ADCOffset1 })},
	{"adc_offset2", setFloat(func(c *Config) *float64 { return &c.ADCOffset2 }), voltage("adc_offset2", func(c Config) float64 { return c.ADCOffset2 })},
	{"web_port", setInt(func(c *Config) *int { return &c.WebPort }), intRange("web_port", func(c Config) int { return c.WebPort }, 1, 65535)},
}

var fieldIndex = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.name] = f
	}
	return m
}()

// FieldNames lists every accepted field in validation order.
func FieldNames() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// ParseForm merges the submitted form values over base and validates the
// result. Absent fields keep their base value. On failure the returned
// error is a *ValidationError and base is returned unchanged.
func ParseForm(values url.Values, base Config) (Config, error) {
	var unknown []string
	for k := range values {
		if _, ok := fieldIndex[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return base, invalid(unknown[0], "unknown field")
	}

	merged := base
	for _, f := range fields {
		if _, ok := values[f.name]; !ok {
			continue
		}
		if err := f.set(&merged, strings.TrimSpace(values.Get(f.name))); err != nil {
			return base, &ValidationError{Field: f.name, Reason: err.Error()}
		}
		if f.check != nil {
			if err := f.check(merged); err != nil {
				return base, err
			}
		}
	}
	if err := crossChecks(merged); err != nil {
		return base, err
	}
	return merged, nil
}

// Validate checks every field of c in table order, then the cross-field
// constraints.
func (c Config) Validate() error {
	for _, f := range fields {
		if f.check == nil {
			continue
		}
		if err := f.check(c); err != nil {
			return err
		}
	}
	return crossChecks(c)
}

// Values renders c as form values, the inverse of ParseForm.
func (c Config) Values() url.Values {
	v := url.Values{}
	v.Set("cycle_time_ms", strconv.Itoa(c.CycleTimeMS))
	v.Set("serial_device", c.SerialDevice)
	v.Set("adc_serial_device", c.ADCSerialDevice)
	v.Set("opcua_bridge_url", c.OPCUABridgeURL)
	v.Set("control_mode", c.ControlMode)
	v.Set("limit_min_coax", strconv.Itoa(c.LimitMinCoax))
	v.Set("limit_max_coax", strconv.Itoa(c.LimitMaxCoax))
	v.Set("maxspeed_coax", strconv.Itoa(c.MaxSpeedCoax))
	v.Set("accel_coax", strconv.Itoa(c.AccelCoax))
	v.Set("offset_coax", strconv.Itoa(c.OffsetCoax))
	v.Set("limit_min_cross", strconv.Itoa(c.LimitMinCross))
	v.Set("limit_max_cross", strconv.Itoa(c.LimitMaxCross))
	v.Set("maxspeed_cross", strconv.Itoa(c.MaxSpeedCross))
	v.Set("accel_cross", strconv.Itoa(c.AccelCross))
	v.Set("mock_zaber", strconv.FormatBool(c.MockZaber))
	v.Set("mock_adc", strconv.FormatBool(c.MockADC))
	v.Set("formula_coax", c.FormulaCoax)
	v.Set("formula_cross", c.FormulaCross)
	v.Set("adc_offset1", strconv.FormatFloat(c.ADCOffset1, 'g', -1, 64))
	v.Set("adc_offset2", strconv.FormatFloat(c.ADCOffset2, 'g', -1, 64))
	v.Set("web_port", strconv.Itoa(c.WebPort))
	return v
}

func crossChecks(c Config) error {
	if c.LimitMinCoax >= c.LimitMaxCoax {
		return invalid("limit_min_coax", "must be less than limit_max_coax (%d)", c.LimitMaxCoax)
	}
	if c.LimitMinCross >= c.LimitMaxCross {
		return invalid("limit_min_cross", "must be less than limit_max_cross (%d)", c.LimitMaxCross)
	}
	return nil
}

func setInt(ptr func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("must be an integer")
		}
		*ptr(c) = n
		return nil
	}
}

// setSpeed accepts a native maxspeed or a value in mm/s, e.g. "20mm/s".
func setSpeed(ptr func(*Config) *int) func(*Config, string) error {
	native := setInt(ptr)
	return func(c *Config, v string) error {
		num, ok := strings.CutSuffix(v, "mm/s")
		if !ok {
			return native(c, v)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("must be an integer or a speed in mm/s")
		}
		*ptr(c) = units.MMSToVelocity(f)
		return nil
	}
}

// setAccel accepts a native accel or a value in mm/s², e.g. "150mm/s2".
func setAccel(ptr func(*Config) *int) func(*Config, string) error {
	native := setInt(ptr)
	return func(c *Config, v string) error {
		num, ok := strings.CutSuffix(v, "mm/s2")
		if !ok {
			num, ok = strings.CutSuffix(v, "mm/s²")
		}
		if !ok {
			return native(c, v)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("must be an integer or an acceleration in mm/s²")
		}
		*ptr(c) = units.MMS2ToAccel(f)
		return nil
	}
}

func setFloat(ptr func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("must be a number")
		}
		*ptr(c) = f
		return nil
	}
}

func setBool(ptr func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		switch strings.ToLower(v) {
		case "on", "true", "1", "yes":
			*ptr(c) = true
		case "", "off", "false", "0", "no":
			*ptr(c) = false
		default:
			return fmt.Errorf("must be true or false")
		}
		return nil
	}
}

func setString(ptr func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*ptr(c) = v
		return nil
	}
}

func intRange(name string, get func(Config) int, lo, hi int) func(Config) error {
	return func(c Config) error {
		if n := get(c); n < lo || n > hi {
			return invalid(name, "must be between %d and %d", lo, hi)
		}
		return nil
	}
}

func position(name string, get func(Config) int) func(Config) error {
	return func(c Config) error {
		if !units.InRange(get(c)) {
			return invalid(name, "must be between 0 and %d", units.MaxPos)
		}
		return nil
	}
}

func voltage(name string, get func(Config) float64) func(Config) error {
	return func(c Config) error {
		if v := get(c); math.Abs(v) > 5 {
			return invalid(name, "must be between -5 and 5 volts")
		}
		return nil
	}
}

func checkMode(c Config) error {
	switch c.ControlMode {
	case ModeTracking, ModeManual:
		return nil
	}
	return invalid("control_mode", "must be %s or %s", ModeTracking, ModeManual)
}

func devicePath(name string, get func(Config) string) func(Config) error {
	return func(c Config) error {
		if err := security.ValidateDevicePath(get(c)); err != nil {
			return invalid(name, "must be a device under %s", security.DeviceDir)
		}
		return nil
	}
}

func checkURL(c Config) error {
	if c.OPCUABridgeURL == "" {
		return nil
	}
	u, err := url.Parse(c.OPCUABridgeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("opcua_bridge_url", "must be an http or https URL")
	}
	return nil
}

func formula(name string, get func(Config) string) func(Config) error {
	return func(c Config) error {
		src := get(c)
		if strings.TrimSpace(src) == "" {
			return invalid(name, "must not be empty")
		}
		if err := CheckFormula(src); err != nil {
			return invalid(name, "%v", firstLine(err.Error()))
		}
		return nil
	}
}

// FormulaEnv is the variable set available to tracking formulas: the two
// offset-corrected channel voltages.
func FormulaEnv(v1, v2 float64) map[string]any {
	return map[string]any{"v1": v1, "v2": v2}
}

// CheckFormula compiles src against FormulaEnv and requires a numeric
// result.
func CheckFormula(src string) error {
	prog, err := expr.Compile(src, expr.Env(FormulaEnv(0, 0)))
	if err != nil {
		return err
	}
	out, err := expr.Run(prog, FormulaEnv(0, 0))
	if err != nil {
		return err
	}
	switch out.(type) {
	case int, float64:
		return nil
	}
	return fmt.Errorf("result is %T, not a number", out)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
