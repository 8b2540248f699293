package control

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/banshee-data/positioning.control/internal/config"
	"github.com/banshee-data/positioning.control/internal/units"
)

// Formula maps the two corrected ADC voltages to an axis position in
// millimetres.
type Formula struct {
	src  string
	prog *vm.Program
}

// CompileFormula compiles src with v1 and v2 in scope.
func CompileFormula(src string) (*Formula, error) {
	prog, err := expr.Compile(src, expr.Env(config.FormulaEnv(0, 0)), expr.AsFloat64())
	if err != nil {
		return nil, fmt.Errorf("compile formula %q: %w", src, err)
	}
	return &Formula{src: src, prog: prog}, nil
}

func (f *Formula) String() string { return f.src }

// Millimetres evaluates the formula.
func (f *Formula) Millimetres(v1, v2 float64) (float64, error) {
	out, err := expr.Run(f.prog, config.FormulaEnv(v1, v2))
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", f.src, err)
	}
	mm, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("evaluate %q: result is %T", f.src, out)
	}
	if math.IsNaN(mm) || math.IsInf(mm, 0) {
		return 0, fmt.Errorf("evaluate %q: result is %v", f.src, mm)
	}
	return mm, nil
}

// Steps evaluates the formula and converts the result to device steps.
// Clamping to the axis limits is left to the axis.
func (f *Formula) Steps(v1, v2 float64) (int, error) {
	mm, err := f.Millimetres(v1, v2)
	if err != nil {
		return 0, err
	}
	mm = math.Max(-units.MaxPosMM, math.Min(mm, 2*units.MaxPosMM))
	return units.MMToSteps(mm), nil
}
