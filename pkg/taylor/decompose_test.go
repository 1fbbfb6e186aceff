package taylor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taylor-ode/pkg/expr"
)

func TestDecomposeErrors(t *testing.T) {
	_, err := Decompose(nil)
	assert.ErrorIs(t, err, ErrEmptySystem)

	// Two variables, one equation.
	_, err = Decompose([]expr.Expr{expr.Add(expr.Var("x"), expr.Var("y"))})
	assert.ErrorIs(t, err, ErrAritySystemMismatch)
}

func TestDecomposePairsErrors(t *testing.T) {
	x, y := expr.Var("x"), expr.Var("y")

	_, err := DecomposePairs(nil)
	assert.ErrorIs(t, err, ErrEmptySystem)

	_, err = DecomposePairs([]Equation{{Lhs: expr.Num(1), Rhs: x}})
	assert.ErrorIs(t, err, ErrNonVariableLhs)

	_, err = DecomposePairs([]Equation{
		{Lhs: x, Rhs: x},
		{Lhs: x, Rhs: x},
	})
	assert.ErrorIs(t, err, ErrDuplicateLhs)

	_, err = DecomposePairs([]Equation{{Lhs: x, Rhs: y}})
	assert.ErrorIs(t, err, ErrUnknownRhsVariable)
}

func TestDecomposeLinear(t *testing.T) {
	// x' = x decomposes to [x, u_0] with no intermediates.
	dc, err := Decompose([]expr.Expr{expr.Var("x")})
	require.NoError(t, err)
	assert.Equal(t, 2, dc.Len())
	assert.Equal(t, 1, dc.NEq)
	assert.Equal(t, []string{"x"}, dc.Vars)
	require.NoError(t, Verify(dc, []expr.Expr{expr.Var("x")}))
}

func TestDecomposeHarmonic(t *testing.T) {
	x, y := expr.Var("x"), expr.Var("y")
	sys := []expr.Expr{y, expr.Neg(x)}

	dc, err := Decompose(sys)
	require.NoError(t, err)
	assert.Equal(t, 2, dc.NEq)
	// x, y, -1*u_0, u_1, u_2.
	assert.Equal(t, 5, dc.Len())
	require.NoError(t, Verify(dc, sys))
}

func TestDecomposeOrderIsAlphabetical(t *testing.T) {
	b, a := expr.Var("b"), expr.Var("a")
	dc, err := Decompose([]expr.Expr{b, a})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, dc.Vars)
}

func TestDecomposePairsKeepsLhsOrder(t *testing.T) {
	b, a := expr.Var("b"), expr.Var("a")
	dc, err := DecomposePairs([]Equation{
		{Lhs: b, Rhs: a},
		{Lhs: a, Rhs: b},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, dc.Vars)
}

func TestForwardReferencesInvariant(t *testing.T) {
	x, y := expr.Var("x"), expr.Var("y")
	sys := []expr.Expr{
		expr.Mul(expr.Sin(expr.Add(x, y)), expr.Exp(x)),
		expr.Div(expr.Cos(x), expr.Add(expr.Mul(y, y), expr.Num(1))),
	}
	dc, err := Decompose(sys)
	require.NoError(t, err)

	for i := dc.NEq; i < dc.Len(); i++ {
		for _, name := range expr.GetVariables(dc.Defs[i]) {
			k, ok := expr.UNameToIndex(name)
			require.True(t, ok, "entry %d references %q", i, name)
			assert.Less(t, k, i)
		}
	}
	require.NoError(t, Verify(dc, sys))
}

func TestCSEIdempotent(t *testing.T) {
	x, y := expr.Var("x"), expr.Var("y")
	s := expr.Add(x, y)
	sys := []expr.Expr{
		expr.Add(expr.Sin(s), expr.Sin(s)),
		expr.Mul(s, s),
	}
	dc, err := Decompose(sys)
	require.NoError(t, err)

	again := cse(dc.Defs, dc.NEq)
	require.Equal(t, dc.Len(), len(again))
	for i := range again {
		assert.True(t, again[i].Equal(dc.Defs[i]), "entry %d changed: %s vs %s", i, again[i], dc.Defs[i])
	}
}

func TestCSEDropsDuplicates(t *testing.T) {
	// exp(-(x+y)^2) + erf(x+y): a single x+y must survive, and the erf
	// must reuse the exponential chain of the first term.
	x, y := expr.Var("x"), expr.Var("y")
	s := expr.Add(x, y)
	sys := []Equation{
		{Lhs: x, Rhs: expr.Add(expr.Exp(expr.Neg(expr.Mul(s, s))), expr.Erf(s))},
		{Lhs: y, Rhs: x},
	}
	dc, err := DecomposePairs(sys)
	require.NoError(t, err)
	require.NoError(t, Verify(dc, []expr.Expr{sys[0].Rhs, sys[1].Rhs}))

	xy := expr.Add(expr.Var("u_0"), expr.Var("u_1"))
	sums := 0
	exps := 0
	for i := dc.NEq; i < dc.Len()-dc.NEq; i++ {
		if dc.Defs[i].Equal(xy) {
			sums++
		}
		if f, ok := dc.Defs[i].(*expr.Func); ok && f.Name == "exp" {
			exps++
		}
	}
	assert.Equal(t, 1, sums, "x+y must appear exactly once:\n%s", dc)
	assert.Equal(t, 1, exps, "the exponential must be shared:\n%s", dc)
}

func TestHiddenDependencyPlacement(t *testing.T) {
	x, y := expr.Var("x"), expr.Var("y")
	sys := []expr.Expr{
		expr.Add(expr.Sin(expr.Add(x, y)), expr.Cos(expr.Mul(x, y))),
		expr.Sin(expr.Mul(x, y)),
	}
	dc, err := Decompose(sys)
	require.NoError(t, err)

	for i := dc.NEq; i < dc.Len()-dc.NEq; i++ {
		f, ok := dc.Defs[i].(*expr.Func)
		if !ok {
			continue
		}
		switch f.Name {
		case "sin":
			require.Less(t, i+1, dc.Len()-dc.NEq, "sin at %d has no successor", i)
			g, ok := dc.Defs[i+1].(*expr.Func)
			require.True(t, ok, "entry %d after sin is %s", i+1, dc.Defs[i+1])
			assert.Equal(t, "cos", g.Name)
			assert.True(t, f.Args[0].Equal(g.Args[0]))
		case "cos":
			g, ok := dc.Defs[i-1].(*expr.Func)
			require.True(t, ok, "entry %d before cos is %s", i-1, dc.Defs[i-1])
			assert.Equal(t, "sin", g.Name)
			assert.True(t, f.Args[0].Equal(g.Args[0]))
		}
	}
}

func TestIndexOf(t *testing.T) {
	x, y := expr.Var("x"), expr.Var("y")
	sys := []expr.Expr{expr.Sin(expr.Add(x, y)), x}
	dc, err := Decompose(sys)
	require.NoError(t, err)

	i, ok := dc.IndexOf(expr.Add(expr.Var("u_0"), expr.Var("u_1")))
	require.True(t, ok)
	assert.Equal(t, 2, i)

	_, ok = dc.IndexOf(expr.Var("nope"))
	assert.False(t, ok)
}
