package parser

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taylor-ode/pkg/expr"
)

func TestParsePendulum(t *testing.T) {
	sys, err := Parse(`
# simple pendulum
th' = v
v'  = -sin(th)
`)
	require.NoError(t, err)
	require.Len(t, sys, 2)

	assert.True(t, sys[0].Lhs.Equal(expr.Var("th")))
	assert.True(t, sys[0].Rhs.Equal(expr.Var("v")))
	assert.True(t, sys[1].Rhs.Equal(expr.Neg(expr.Sin(expr.Var("th")))))
}

func TestParsePrecedence(t *testing.T) {
	sys, err := Parse("x' = 1 + 2*x - 6/3")
	require.NoError(t, err)

	v, err := expr.Eval(sys[0].Rhs, expr.Bindings{Vars: map[string]float64{"x": 5}})
	require.NoError(t, err)
	assert.InDelta(t, 9, v, 1e-15)
}

func TestParseFunctionsAndParams(t *testing.T) {
	sys, err := Parse("x' = exp(-x*x) + erf(x) + par[1] * t + sqrt(x) + pow(x, 3)")
	require.NoError(t, err)

	x := 0.7
	v, err := expr.Eval(sys[0].Rhs, expr.Bindings{
		Vars:   map[string]float64{"x": x},
		Params: []float64{0, 2},
		Time:   1.5,
	})
	require.NoError(t, err)
	want := math.Exp(-x*x) + math.Erf(x) + 2*1.5 + math.Sqrt(x) + math.Pow(x, 3)
	assert.InDelta(t, want, v, 1e-14)
}

func TestParsePowerOperator(t *testing.T) {
	sys, err := Parse("x' = x^3 * 2")
	require.NoError(t, err)
	v, err := expr.Eval(sys[0].Rhs, expr.Bindings{Vars: map[string]float64{"x": 2}})
	require.NoError(t, err)
	assert.InDelta(t, 16, v, 1e-15)
}

func TestParseScientificNotation(t *testing.T) {
	sys, err := Parse("x' = 1.5e-3 * x")
	require.NoError(t, err)
	v, err := expr.Eval(sys[0].Rhs, expr.Bindings{Vars: map[string]float64{"x": 2}})
	require.NoError(t, err)
	assert.InDelta(t, 3e-3, v, 1e-18)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"",
		"x = v",           // missing prime
		"x' v",            // missing equals
		"x' = ",           // empty rhs
		"x' = foo(x)",     // unknown function
		"x' = sin(x",      // unbalanced parens
		"x' = par[x]",     // bad parameter index
		"x' = 1 + + * 2",  // operator soup
		"1x' = 2",         // bad identifier
		"x' = sin(x, y)",  // wrong arity
		"x' = x $ y",      // stray character
		"x' = pow(x)",     // pow arity
		"x' = 3 4",        // trailing input
	}
	for _, src := range cases {
		_, err := Parse(src)
		assert.Error(t, err, "input %q", src)
	}
}
