package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/positioning.control/internal/config"
	"github.com/banshee-data/positioning.control/internal/units"
)

func TestDefaultCoaxFormula(t *testing.T) {
	f, err := CompileFormula(config.Defaults().FormulaCoax)
	require.NoError(t, err)

	mm, err := f.Millimetres(0.12, 0)
	require.NoError(t, err)
	assert.InDelta(t, 64.0, mm, 1e-9)

	mm, err = f.Millimetres(2, 0)
	require.NoError(t, err)
	assert.InDelta(t, 17.0, mm, 1e-9)

	steps, err := f.Steps(2, 0)
	require.NoError(t, err)
	assert.Equal(t, units.MMToSteps(17), steps)
}

func TestFormulaIntegerResult(t *testing.T) {
	f, err := CompileFormula("0")
	require.NoError(t, err)
	steps, err := f.Steps(1.5, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 0, steps)
	assert.Equal(t, "0", f.String())
}

func TestFormulaUsesBothChannels(t *testing.T) {
	f, err := CompileFormula("10 * v1 + v2")
	require.NoError(t, err)
	mm, err := f.Millimetres(2, 3)
	require.NoError(t, err)
	assert.InDelta(t, 23.0, mm, 1e-9)
}

func TestFormulaErrors(t *testing.T) {
	_, err := CompileFormula("v3 + 1")
	assert.Error(t, err)

	_, err = CompileFormula(`"text"`)
	assert.Error(t, err)

	f, err := CompileFormula("1 / (v1 - v2)")
	require.NoError(t, err)
	_, err = f.Millimetres(1, 1)
	assert.Error(t, err, "division by zero is not a position")
}

func TestFormulaStepsSaturate(t *testing.T) {
	f, err := CompileFormula("1000000000000")
	require.NoError(t, err)
	steps, err := f.Steps(0, 0)
	require.NoError(t, err)
	assert.Greater(t, steps, units.MaxPos)
	assert.Less(t, steps, 3*units.MaxPos)
}
