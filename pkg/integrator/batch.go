package integrator

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"taylor-ode/pkg/expr"
	"taylor-ode/pkg/jit"
	"taylor-ode/pkg/taylor"
)

// Batch integrates the same system over several independent lanes with a
// single jet function of SIMD width B. All lanes share one Taylor order
// per step (the maximum any lane requires); lanes needing less do
// redundant work. State is laid out variable-major: entry
// (variable i, lane l) lives at i*B+l, matching the jet buffer layout.
type Batch struct {
	sys    []expr.Expr
	dc     *taylor.Decomposition
	params []float64
	batch  int

	states []float64 // n*B
	times  []float64 // B

	rtol, atol       float64
	orderR, orderA   int
	rhofacR, rhofacA float64
	invOrder         []float64

	code *compiled

	jet  []float64 // (maxOrder+1)*L*B
	hs   []float64 // B
	outR []float64 // n*B update scratch
	outA []float64
}

// NewBatch builds a batch integrator. The states slice holds batchSize
// lanes of the same system, variable-major: states[i*batchSize+l] is
// variable i on lane l. Every lane starts at cfg.Time.
func NewBatch(sys []expr.Expr, states []float64, batchSize int, cfg Config) (*Batch, error) {
	cfg.fill()

	if batchSize < 1 {
		return nil, fmt.Errorf("batch size %d: %w", batchSize, ErrInvalidArgument)
	}
	dc, err := taylor.Decompose(sys)
	if err != nil {
		return nil, fmt.Errorf("decomposing system: %w", err)
	}
	if len(states) != dc.NEq*batchSize {
		return nil, fmt.Errorf("states vector of size %d for %d equations over %d lanes: %w",
			len(states), dc.NEq, batchSize, ErrInvalidArgument)
	}
	if !allFinite(states) {
		return nil, fmt.Errorf("non-finite value in the initial states: %w", ErrInvalidArgument)
	}
	if !isFinite(cfg.Time) {
		return nil, fmt.Errorf("non-finite initial time %g: %w", cfg.Time, ErrInvalidArgument)
	}
	if !isFinite(cfg.RTol) || cfg.RTol <= 0 {
		return nil, fmt.Errorf("relative tolerance %g must be finite and positive: %w", cfg.RTol, ErrInvalidArgument)
	}
	if !isFinite(cfg.ATol) || cfg.ATol <= 0 {
		return nil, fmt.Errorf("absolute tolerance %g must be finite and positive: %w", cfg.ATol, ErrInvalidArgument)
	}

	tb := &Batch{
		sys:    sys,
		dc:     dc,
		params: append([]float64(nil), cfg.Params...),
		batch:  batchSize,
		states: append([]float64(nil), states...),
		times:  make([]float64, batchSize),
		rtol:   cfg.RTol,
		atol:   cfg.ATol,
	}
	for l := range tb.times {
		tb.times[l] = cfg.Time
	}

	if tb.orderR, err = taylorOrder(tb.rtol); err != nil {
		return nil, err
	}
	if tb.orderA, err = taylorOrder(tb.atol); err != nil {
		return nil, err
	}
	tb.rhofacR = rhoFactor(tb.orderR)
	tb.rhofacA = rhoFactor(tb.orderA)

	if tb.code, err = compileModule(dc, tb.orderR, tb.orderA, cfg.OptLevel, batchSize); err != nil {
		return nil, err
	}

	maxOrder := max(tb.orderR, tb.orderA)
	tb.invOrder = make([]float64, maxOrder+1)
	for o := 1; o <= maxOrder; o++ {
		tb.invOrder[o] = 1 / float64(o)
	}
	tb.jet = make([]float64, (maxOrder+1)*dc.Len()*batchSize)
	tb.hs = make([]float64, batchSize)
	tb.outR = make([]float64, dc.NEq*batchSize)
	tb.outA = make([]float64, dc.NEq*batchSize)

	// Initial jet check across all lanes.
	jetMax := tb.code.jetR
	if tb.orderA > tb.orderR {
		jetMax = tb.code.jetA
	}
	copy(tb.jet, tb.states)
	jetMax.Run(jit.Frame{Jet: tb.jet, Params: tb.params, Time: tb.times})
	if !allFinite(tb.jet) {
		return nil, fmt.Errorf("initial states at t=%g: %w", cfg.Time, ErrNonFiniteDerivative)
	}

	log.WithFields(log.Fields{
		"equations": dc.NEq,
		"uvars":     dc.NumUVars(),
		"lanes":     batchSize,
		"order_r":   tb.orderR,
		"order_a":   tb.orderA,
	}).Debug("batch taylor integrator compiled")

	return tb, nil
}

// BatchSize returns the number of lanes.
func (tb *Batch) BatchSize() int { return tb.batch }

// States returns a copy of all lane states, variable-major.
func (tb *Batch) States() []float64 {
	return append([]float64(nil), tb.states...)
}

// LaneState returns a copy of one lane's state vector.
func (tb *Batch) LaneState(l int) []float64 {
	out := make([]float64, tb.dc.NEq)
	for i := range out {
		out[i] = tb.states[i*tb.batch+l]
	}
	return out
}

// Times returns a copy of the per-lane times.
func (tb *Batch) Times() []float64 {
	return append([]float64(nil), tb.times...)
}

// Decomposition returns the Taylor decomposition of the system.
func (tb *Batch) Decomposition() *taylor.Decomposition { return tb.dc }

// IR returns the emitted code of the module, for inspection.
func (tb *Batch) IR() string { return tb.code.ir }

// Step performs one forward timestep on every lane with no size limit.
func (tb *Batch) Step() []StepResult {
	maxDts := make([]float64, tb.batch)
	for l := range maxDts {
		maxDts[l] = math.Inf(1)
	}
	res, _ := tb.StepLimited(maxDts)
	return res
}

// StepBackward performs one backward timestep on every lane.
func (tb *Batch) StepBackward() []StepResult {
	maxDts := make([]float64, tb.batch)
	for l := range maxDts {
		maxDts[l] = math.Inf(-1)
	}
	res, _ := tb.StepLimited(maxDts)
	return res
}

// StepLimited performs one timestep per lane, each limited in magnitude by
// its own maxDts entry (negative for backward propagation). All lanes
// share the jet evaluation; failed lanes get h = 0 and keep their state
// and time.
func (tb *Batch) StepLimited(maxDts []float64) ([]StepResult, error) {
	b := tb.batch
	n := tb.dc.NEq
	stride := tb.dc.Len()

	if len(maxDts) != b {
		return nil, fmt.Errorf("%d step limits for %d lanes: %w", len(maxDts), b, ErrInvalidArgument)
	}
	for _, dt := range maxDts {
		if math.IsNaN(dt) {
			return nil, fmt.Errorf("NaN max_dt passed to step: %w", ErrInvalidArgument)
		}
	}

	res := make([]StepResult, b)
	useAbs := make([]bool, b)
	maxAbs := make([]float64, b)

	// Per-lane mode and order; the jet runs once at the maximum.
	common := 0
	for l := 0; l < b; l++ {
		finite := true
		m := 0.0
		for i := 0; i < n; i++ {
			x := tb.states[i*b+l]
			if !isFinite(x) {
				finite = false
				break
			}
			m = math.Max(m, math.Abs(x))
		}
		if !finite {
			res[l] = StepResult{Outcome: NonFiniteState}
			continue
		}
		maxAbs[l] = m
		useAbs[l] = tb.rtol*m <= tb.atol
		order := tb.orderR
		if useAbs[l] {
			order = tb.orderA
		}
		res[l] = StepResult{Outcome: Success, Order: order}
		common = max(common, order)
	}
	if common == 0 {
		// Every lane failed before the jet evaluation.
		return res, nil
	}

	jet := tb.code.jetR
	if common == tb.orderA {
		jet = tb.code.jetA
	}

	copy(tb.jet[:n*b], tb.states)
	jet.Run(jit.Frame{Jet: tb.jet, Params: tb.params, Time: tb.times})

	// Per-lane convergence radius and timestep.
	for l := 0; l < b; l++ {
		if res[l].Outcome != Success {
			tb.hs[l] = 0
			continue
		}
		order := res[l].Order

		finite := true
		for o := 1; o <= order && finite; o++ {
			for i := 0; i < stride-n; i++ {
				if !isFinite(tb.jet[(o*stride+i)*b+l]) {
					finite = false
					break
				}
			}
		}
		if !finite {
			res[l] = StepResult{Outcome: NonFiniteDerivative}
			tb.hs[l] = 0
			continue
		}

		var dO, dOm1 float64
		for i := 0; i < n; i++ {
			dOm1 = math.Max(dOm1, math.Abs(tb.jet[((order-1)*stride+i)*b+l]))
			dO = math.Max(dO, math.Abs(tb.jet[(order*stride+i)*b+l]))
		}
		num := maxAbs[l]
		rhofac := tb.rhofacR
		if useAbs[l] {
			num = 1
			rhofac = tb.rhofacA
		}
		rhoOm1 := math.Pow(num/dOm1, tb.invOrder[order-1])
		rhoO := math.Pow(num/dO, tb.invOrder[order])
		if math.IsNaN(rhoOm1) || math.IsNaN(rhoO) {
			res[l] = StepResult{Outcome: RhoNaN, Order: 0}
			tb.hs[l] = 0
			continue
		}

		h := math.Min(rhoO, rhoOm1) * rhofac
		if h > math.Abs(maxDts[l]) {
			h = math.Abs(maxDts[l])
			res[l].Outcome = TimeLimit
		}
		if maxDts[l] < 0 {
			h = -h
		}
		res[l].H = h
		tb.hs[l] = h
	}

	// Evaluate both update polynomials and select per lane. Failed lanes
	// are skipped below, so they keep their state and time.
	tb.code.updR.Run(jit.Frame{Out: tb.outR, Jet: tb.jet, H: tb.hs})
	useA := tb.orderA != tb.orderR
	if useA {
		tb.code.updA.Run(jit.Frame{Out: tb.outA, Jet: tb.jet, H: tb.hs})
	}

	for l := 0; l < b; l++ {
		if res[l].Outcome != Success && res[l].Outcome != TimeLimit {
			continue
		}
		out := tb.outR
		if useA && useAbs[l] {
			out = tb.outA
		}
		for i := 0; i < n; i++ {
			tb.states[i*b+l] = out[i*b+l]
		}
		tb.times[l] += tb.hs[l]
	}

	return res, nil
}
