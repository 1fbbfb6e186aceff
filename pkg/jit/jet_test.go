package jit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taylor-ode/pkg/expr"
	"taylor-ode/pkg/taylor"
)

func compileJet(t *testing.T, sys []expr.Expr, order, batch, opt int) (*Compiled, *taylor.Decomposition) {
	t.Helper()
	dc, err := taylor.Decompose(sys)
	require.NoError(t, err)
	m := NewModule(batch)
	require.NoError(t, EmitJet(m, "jet", dc, order))
	require.NoError(t, m.Compile(opt))
	jet, err := m.Lookup("jet")
	require.NoError(t, err)
	return jet, dc
}

func TestJetExponential(t *testing.T) {
	// x' = x with x(0)=1: the normalised coefficients are exactly 1/o!.
	const order = 8
	jet, dc := compileJet(t, []expr.Expr{expr.Var("x")}, order, 1, 1)

	buf := make([]float64, (order+1)*dc.Len())
	buf[0] = 1
	jet.Run(Frame{Jet: buf, Time: []float64{0}})

	fact := 1.0
	for o := 1; o <= order; o++ {
		fact *= float64(o)
		assert.InEpsilon(t, 1/fact, buf[o*dc.Len()], 1e-14, "order %d", o)
	}
}

func TestJetHarmonic(t *testing.T) {
	// x' = y, y' = -x with x(0)=0, y(0)=1: x(t)=sin t, y(t)=cos t, so the
	// coefficients are the series of sine and cosine.
	const order = 7
	x, y := expr.Var("x"), expr.Var("y")
	jet, dc := compileJet(t, []expr.Expr{y, expr.Neg(x)}, order, 1, 1)

	stride := dc.Len()
	buf := make([]float64, (order+1)*stride)
	buf[0], buf[1] = 0, 1
	jet.Run(Frame{Jet: buf, Time: []float64{0}})

	fact := 1.0
	for o := 1; o <= order; o++ {
		fact *= float64(o)
		wantX := [4]float64{0, 1, 0, -1}[o%4] / fact
		wantY := [4]float64{1, 0, -1, 0}[o%4] / fact
		assert.InDelta(t, wantX, buf[o*stride+0], 1e-15, "x order %d", o)
		assert.InDelta(t, wantY, buf[o*stride+1], 1e-15, "y order %d", o)
	}
}

func TestJetSinCos(t *testing.T) {
	// x' = sin(x): compare the first coefficients against hand-derived
	// series values at x0.
	const order = 3
	x0 := 0.8
	jet, dc := compileJet(t, []expr.Expr{expr.Sin(expr.Var("x"))}, order, 1, 1)

	stride := dc.Len()
	buf := make([]float64, (order+1)*stride)
	buf[0] = x0
	jet.Run(Frame{Jet: buf, Time: []float64{0}})

	s, c := math.Sin(x0), math.Cos(x0)
	x1 := s         // c_x,1 = sin(x0)
	x2 := c * s / 2 // c_x,2 = cos(x0) c_x,1 / 2

	assert.InDelta(t, x1, buf[1*stride], 1e-15)
	assert.InDelta(t, x2, buf[2*stride], 1e-15)

	// The sine and cosine u variables carry each other's series.
	sinIdx, ok := dc.IndexOf(expr.Sin(expr.Var("u_0")))
	require.True(t, ok)
	cosIdx, ok := dc.IndexOf(expr.Cos(expr.Var("u_0")))
	require.True(t, ok)
	assert.Equal(t, sinIdx+1, cosIdx)
	assert.InDelta(t, s, buf[sinIdx], 1e-15)
	assert.InDelta(t, c, buf[cosIdx], 1e-15)
	// First-order coefficients: d(sin x)/dt = cos(x) x' = c*s.
	assert.InDelta(t, c*s, buf[1*stride+sinIdx], 1e-15)
	assert.InDelta(t, -s*s, buf[1*stride+cosIdx], 1e-15)
}

func TestJetTimeAndParams(t *testing.T) {
	// x' = par[0] * t: c_x,1 = p*t0, c_x,2 = p/2.
	const order = 3
	// The right-hand side names no variable, so the state variable comes
	// from an explicit pair rather than from deduction.
	dc, err := taylor.DecomposePairs([]taylor.Equation{
		{Lhs: expr.Var("x"), Rhs: expr.Mul(expr.Par(0), expr.Time())},
	})
	require.NoError(t, err)
	m := NewModule(1)
	require.NoError(t, EmitJet(m, "jet", dc, order))
	require.NoError(t, m.Compile(1))
	jet, err := m.Lookup("jet")
	require.NoError(t, err)

	stride := dc.Len()
	buf := make([]float64, (order+1)*stride)
	buf[0] = 5
	t0, p := 2.0, 3.0
	jet.Run(Frame{Jet: buf, Params: []float64{p}, Time: []float64{t0}})

	assert.InDelta(t, p*t0, buf[1*stride], 1e-15)
	assert.InDelta(t, p/2, buf[2*stride], 1e-15)
	assert.InDelta(t, 0, buf[3*stride], 1e-15)
}

func TestJetErf(t *testing.T) {
	// x' = erf(x): c_x,1 = erf(x0) and c_x,2 = erf'(x0) erf(x0) / 2.
	const order = 2
	x0 := 0.6
	jet, dc := compileJet(t, []expr.Expr{expr.Erf(expr.Var("x"))}, order, 1, 1)

	stride := dc.Len()
	buf := make([]float64, (order+1)*stride)
	buf[0] = x0
	jet.Run(Frame{Jet: buf, Time: []float64{0}})

	e := math.Erf(x0)
	de := 2 / math.Sqrt(math.Pi) * math.Exp(-x0*x0)
	assert.InDelta(t, e, buf[1*stride], 1e-15)
	assert.InDelta(t, de*e/2, buf[2*stride], 1e-14)
}

func TestJetPowLog(t *testing.T) {
	// x' = x^1.5, y' = log(y).
	const order = 2
	x, y := expr.Var("x"), expr.Var("y")
	jet, dc := compileJet(t, []expr.Expr{expr.Pow(x, expr.Num(1.5)), expr.Log(y)}, order, 1, 1)

	stride := dc.Len()
	buf := make([]float64, (order+1)*stride)
	x0, y0 := 2.0, 3.0
	buf[0], buf[1] = x0, y0
	jet.Run(Frame{Jet: buf, Time: []float64{0}})

	// First derivatives.
	dx := math.Pow(x0, 1.5)
	dy := math.Log(y0)
	assert.InDelta(t, dx, buf[1*stride+0], 1e-14)
	assert.InDelta(t, dy, buf[1*stride+1], 1e-15)
	// Second derivatives: x'' = 1.5 x^0.5 x', y'' = y'/y.
	assert.InDelta(t, 1.5*math.Sqrt(x0)*dx/2, buf[2*stride+0], 1e-14)
	assert.InDelta(t, dy/y0/2, buf[2*stride+1], 1e-15)
}

func TestEstrinMatchesDirectEvaluation(t *testing.T) {
	for _, order := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		dc, err := taylor.Decompose([]expr.Expr{expr.Var("x")})
		require.NoError(t, err)

		m := NewModule(1)
		require.NoError(t, EmitUpdate(m, "upd", dc, order))
		require.NoError(t, m.Compile(1))
		upd, err := m.Lookup("upd")
		require.NoError(t, err)

		stride := dc.Len()
		buf := make([]float64, (order+1)*stride)
		coeffs := make([]float64, order+1)
		for o := 0; o <= order; o++ {
			coeffs[o] = math.Sin(float64(o)*1.7) + 0.3 // deterministic nonzero values
			buf[o*stride] = coeffs[o]
		}

		h := 0.37
		out := make([]float64, 1)
		upd.Run(Frame{Out: out, Jet: buf, H: []float64{h}})

		want := 0.0
		for o := order; o >= 0; o-- {
			want = want*h + coeffs[o]
		}
		assert.InEpsilon(t, want, out[0], 1e-14, "order %d", order)
	}
}

func TestBatchMatchesScalar(t *testing.T) {
	const order = 6
	x, y := expr.Var("x"), expr.Var("y")
	sys := []expr.Expr{y, expr.Neg(expr.Sin(x))}

	scalar, dc := compileJet(t, sys, order, 1, 1)
	stride := dc.Len()

	for _, batch := range []int{2, 4, 8, 23} {
		bjet, _ := compileJet(t, sys, order, batch, 1)

		bbuf := make([]float64, (order+1)*stride*batch)
		for l := 0; l < batch; l++ {
			bbuf[0*batch+l] = 0.1 * float64(l+1)
			bbuf[1*batch+l] = 0.05 * float64(l)
		}
		bjet.Run(Frame{Jet: bbuf, Time: make([]float64, batch)})

		for l := 0; l < batch; l++ {
			sbuf := make([]float64, (order+1)*stride)
			sbuf[0] = 0.1 * float64(l+1)
			sbuf[1] = 0.05 * float64(l)
			scalar.Run(Frame{Jet: sbuf, Time: []float64{0}})

			for o := 0; o <= order; o++ {
				for i := 0; i < stride; i++ {
					assert.Equal(t, sbuf[o*stride+i], bbuf[(o*stride+i)*batch+l],
						"batch %d lane %d order %d u_%d", batch, l, o, i)
				}
			}
		}
	}
}

func TestOptLevelsAgree(t *testing.T) {
	const order = 5
	x, y := expr.Var("x"), expr.Var("y")
	sys := []expr.Expr{expr.Mul(y, expr.Exp(x)), expr.Sub(expr.Num(1), expr.Mul(x, x))}

	var results [][]float64
	for _, opt := range []int{0, 1, 2} {
		jet, dc := compileJet(t, sys, order, 1, opt)
		buf := make([]float64, (order+1)*dc.Len())
		buf[0], buf[1] = 0.4, -0.7
		jet.Run(Frame{Jet: buf, Time: []float64{0}})
		results = append(results, buf)
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestIRDump(t *testing.T) {
	m := NewModule(1)
	d, err := taylor.Decompose([]expr.Expr{expr.Sin(expr.Var("x"))})
	require.NoError(t, err)
	require.NoError(t, EmitJet(m, "jet_r", d, 2))
	require.NoError(t, EmitUpdate(m, "upd_r", d, 2))
	ir := m.IR()
	assert.Contains(t, ir, "@jet_r")
	assert.Contains(t, ir, "@upd_r")
	assert.Contains(t, ir, "call @sin")
	assert.Contains(t, ir, "store jet[")
	assert.Contains(t, ir, "store out[")
}

func TestModuleErrors(t *testing.T) {
	m := NewModule(1)
	_, err := m.NewFunction("f")
	require.NoError(t, err)
	_, err = m.NewFunction("f")
	assert.Error(t, err)

	_, err = m.Lookup("f")
	assert.Error(t, err, "lookup before compile must fail")

	require.NoError(t, m.Compile(0))
	assert.Error(t, m.Compile(0), "double compile must fail")

	_, err = m.Lookup("missing")
	assert.Error(t, err)

	dc, err := taylor.Decompose([]expr.Expr{expr.Var("x")})
	require.NoError(t, err)
	assert.Error(t, EmitJet(m, "late", dc, 2), "emission after compile must fail")
}

func TestUpdateAtZeroKeepsState(t *testing.T) {
	// p(0) must reproduce the order-0 coefficient even when higher
	// coefficients are garbage, as long as they are finite.
	dc, err := taylor.Decompose([]expr.Expr{expr.Var("x")})
	require.NoError(t, err)
	m := NewModule(1)
	require.NoError(t, EmitUpdate(m, "upd", dc, 4))
	require.NoError(t, m.Compile(1))
	upd, err := m.Lookup("upd")
	require.NoError(t, err)

	stride := dc.Len()
	buf := make([]float64, 5*stride)
	buf[0] = 42
	for o := 1; o <= 4; o++ {
		buf[o*stride] = 1e30
	}
	out := make([]float64, 1)
	upd.Run(Frame{Out: out, Jet: buf, H: []float64{0}})
	assert.Equal(t, 42.0, out[0])
}
