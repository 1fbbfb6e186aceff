package integrator

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"taylor-ode/internal/consts"
	"taylor-ode/pkg/expr"
	"taylor-ode/pkg/jit"
	"taylor-ode/pkg/taylor"
)

// Config carries the optional knobs of an integrator.
type Config struct {
	Time     float64
	RTol     float64
	ATol     float64
	Params   []float64
	OptLevel int
}

func (c *Config) fill() {
	if c.RTol == 0 {
		c.RTol = consts.DefaultRTol
	}
	if c.ATol == 0 {
		c.ATol = consts.DefaultATol
	}
}

// Adaptive is a JIT-compiled adaptive Taylor integrator over one system of
// ODEs. It owns the compiled code module, the jet buffer and the state;
// two instances never share compiled code.
type Adaptive struct {
	sys    []expr.Expr // original right-hand sides, kept for Copy
	pairs  []taylor.Equation
	dc     *taylor.Decomposition
	params []float64

	state []float64
	time  float64

	rtol, atol       float64
	orderR, orderA   int
	rhofacR, rhofacA float64
	invOrder         []float64

	mod        *jit.Module
	jetR, jetA *jit.Compiled
	updR, updA *jit.Compiled
	ir         string
	optLevel   int

	jet []float64
	tmv [1]float64
	hv  [1]float64
}

// New builds an integrator from right-hand sides with deduced state
// variables (alphabetical order).
func New(sys []expr.Expr, state []float64, cfg Config) (*Adaptive, error) {
	dc, err := taylor.Decompose(sys)
	if err != nil {
		return nil, fmt.Errorf("decomposing system: %w", err)
	}
	ta, err := build(dc, sys, nil, state, cfg)
	return ta, err
}

// NewPairs builds an integrator from explicit (lhs, rhs) equation pairs.
func NewPairs(sys []taylor.Equation, state []float64, cfg Config) (*Adaptive, error) {
	dc, err := taylor.DecomposePairs(sys)
	if err != nil {
		return nil, fmt.Errorf("decomposing system: %w", err)
	}
	rhs := make([]expr.Expr, len(sys))
	for i, eq := range sys {
		rhs[i] = eq.Rhs
	}
	ta, err := build(dc, rhs, sys, state, cfg)
	return ta, err
}

// taylorOrder applies the order heuristic for one tolerance.
func taylorOrder(tol float64) (int, error) {
	f := math.Ceil(-math.Log(tol)/2 + 1)
	if !isFinite(f) {
		return 0, fmt.Errorf("Taylor order for tolerance %g is not finite: %w", tol, ErrInvalidArgument)
	}
	if f < consts.MinTaylorOrder {
		f = consts.MinTaylorOrder
	}
	return int(f), nil
}

func rhoFactor(order int) float64 {
	return 1 / (math.E * math.E) * math.Exp(consts.RhoSafetyExp/float64(order-1))
}

func isFinite(x float64) bool {
	return !math.IsInf(x, 0) && !math.IsNaN(x)
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if !isFinite(x) {
			return false
		}
	}
	return true
}

func build(dc *taylor.Decomposition, sys []expr.Expr, pairs []taylor.Equation, state []float64, cfg Config) (*Adaptive, error) {
	cfg.fill()

	if !allFinite(state) {
		return nil, fmt.Errorf("non-finite value in the initial state: %w", ErrInvalidArgument)
	}
	if len(state) != dc.NEq {
		return nil, fmt.Errorf("state vector of size %d for %d equations: %w",
			len(state), dc.NEq, ErrInvalidArgument)
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

	ta := &Adaptive{
		sys:      sys,
		pairs:    pairs,
		dc:       dc,
		params:   append([]float64(nil), cfg.Params...),
		state:    append([]float64(nil), state...),
		time:     cfg.Time,
		rtol:     cfg.RTol,
		atol:     cfg.ATol,
		optLevel: cfg.OptLevel,
	}

	var err error
	if ta.orderR, err = taylorOrder(ta.rtol); err != nil {
		return nil, err
	}
	if ta.orderA, err = taylorOrder(ta.atol); err != nil {
		return nil, err
	}
	ta.rhofacR = rhoFactor(ta.orderR)
	ta.rhofacA = rhoFactor(ta.orderA)

	if err := ta.compile(1); err != nil {
		return nil, err
	}

	maxOrder := ta.orderR
	if ta.orderA > maxOrder {
		maxOrder = ta.orderA
	}
	ta.invOrder = make([]float64, maxOrder+1)
	for o := 1; o <= maxOrder; o++ {
		ta.invOrder[o] = 1 / float64(o)
	}
	ta.jet = make([]float64, (maxOrder+1)*dc.Len())

	// Evaluate the jet once for the initial state; a non-finite
	// coefficient here means the system blows up at t0.
	jetMax := ta.jetR
	if ta.orderA > ta.orderR {
		jetMax = ta.jetA
	}
	copy(ta.jet, ta.state)
	ta.tmv[0] = ta.time
	jetMax.Run(jit.Frame{Jet: ta.jet, Params: ta.params, Time: ta.tmv[:]})
	if !allFinite(ta.jet) {
		return nil, fmt.Errorf("initial state at t=%g: %w", ta.time, ErrNonFiniteDerivative)
	}

	log.WithFields(log.Fields{
		"equations": dc.NEq,
		"uvars":     dc.NumUVars(),
		"order_r":   ta.orderR,
		"order_a":   ta.orderA,
	}).Debug("taylor integrator compiled")

	return ta, nil
}

// compiled bundles one module with its resolved function pairs. When the
// two orders coincide a single jet/update pair serves both tolerances.
type compiled struct {
	mod        *jit.Module
	jetR, jetA *jit.Compiled
	updR, updA *jit.Compiled
	ir         string
}

func compileModule(dc *taylor.Decomposition, orderR, orderA, optLevel, batch int) (*compiled, error) {
	mod := jit.NewModule(batch)
	if err := jit.EmitJet(mod, "jet_r", dc, orderR); err != nil {
		return nil, err
	}
	if err := jit.EmitUpdate(mod, "upd_r", dc, orderR); err != nil {
		return nil, err
	}
	if orderA != orderR {
		if err := jit.EmitJet(mod, "jet_a", dc, orderA); err != nil {
			return nil, err
		}
		if err := jit.EmitUpdate(mod, "upd_a", dc, orderA); err != nil {
			return nil, err
		}
	}
	if err := mod.Compile(optLevel); err != nil {
		return nil, err
	}

	c := &compiled{mod: mod}
	var err error
	if c.jetR, err = mod.Lookup("jet_r"); err != nil {
		return nil, err
	}
	if c.updR, err = mod.Lookup("upd_r"); err != nil {
		return nil, err
	}
	c.jetA, c.updA = c.jetR, c.updR
	if orderA != orderR {
		if c.jetA, err = mod.Lookup("jet_a"); err != nil {
			return nil, err
		}
		if c.updA, err = mod.Lookup("upd_a"); err != nil {
			return nil, err
		}
	}
	c.ir = mod.IR()
	return c, nil
}

func (ta *Adaptive) compile(batch int) error {
	c, err := compileModule(ta.dc, ta.orderR, ta.orderA, ta.optLevel, batch)
	if err != nil {
		return err
	}
	ta.mod = c.mod
	ta.jetR, ta.jetA = c.jetR, c.jetA
	ta.updR, ta.updA = c.updR, c.updA
	ta.ir = c.ir
	return nil
}

// stepImpl performs one timestep limited in magnitude by maxDt; the sign
// of maxDt sets the direction, and an infinite maxDt means no limit.
func (ta *Adaptive) stepImpl(maxDt float64) StepResult {
	n := ta.dc.NEq
	stride := ta.dc.Len()

	if !allFinite(ta.state) {
		return StepResult{Outcome: NonFiniteState}
	}
	maxAbsState := floats.Norm(ta.state, math.Inf(1))

	useAbs := ta.rtol*maxAbsState <= ta.atol
	order, rhofac := ta.orderR, ta.rhofacR
	jet, upd := ta.jetR, ta.updR
	if useAbs {
		order, rhofac = ta.orderA, ta.rhofacA
		jet, upd = ta.jetA, ta.updA
	}

	copy(ta.jet[:n], ta.state)
	ta.tmv[0] = ta.time
	jet.Run(jit.Frame{Jet: ta.jet, Params: ta.params, Time: ta.tmv[:]})

	if !allFinite(ta.jet[stride : (order+1)*stride]) {
		return StepResult{Outcome: NonFiniteDerivative}
	}

	// Estimate the radius of convergence at orders order-1 and order from
	// the inf-norms of the state variable coefficients.
	var maxAbsDiffO, maxAbsDiffOm1 float64
	for i := 0; i < n; i++ {
		maxAbsDiffOm1 = math.Max(maxAbsDiffOm1, math.Abs(ta.jet[(order-1)*stride+i]))
		maxAbsDiffO = math.Max(maxAbsDiffO, math.Abs(ta.jet[order*stride+i]))
	}

	num := maxAbsState
	if useAbs {
		num = 1
	}
	rhoOm1 := math.Pow(num/maxAbsDiffOm1, ta.invOrder[order-1])
	rhoO := math.Pow(num/maxAbsDiffO, ta.invOrder[order])
	if math.IsNaN(rhoOm1) || math.IsNaN(rhoO) {
		return StepResult{Outcome: RhoNaN}
	}

	oc := Success
	h := math.Min(rhoO, rhoOm1) * rhofac
	if h > math.Abs(maxDt) {
		h = math.Abs(maxDt)
		oc = TimeLimit
	}
	if maxDt < 0 {
		h = -h
	}

	ta.hv[0] = h
	upd.Run(jit.Frame{Out: ta.state, Jet: ta.jet, H: ta.hv[:]})
	ta.time += h

	return StepResult{Outcome: oc, H: h, Order: order}
}

// Step performs a single forward timestep with no limit on its size.
func (ta *Adaptive) Step() StepResult {
	return ta.stepImpl(math.Inf(1))
}

// StepBackward performs a single backward timestep with no size limit.
func (ta *Adaptive) StepBackward() StepResult {
	return ta.stepImpl(math.Inf(-1))
}

// StepLimited performs a single timestep whose magnitude never exceeds
// |maxDt|, propagating backward when maxDt is negative.
func (ta *Adaptive) StepLimited(maxDt float64) (StepResult, error) {
	if math.IsNaN(maxDt) {
		return StepResult{}, fmt.Errorf("NaN max_dt passed to step: %w", ErrInvalidArgument)
	}
	return ta.stepImpl(maxDt), nil
}

// PropagateFor advances the integrator by dt. A maxSteps of zero means no
// step limit.
func (ta *Adaptive) PropagateFor(dt float64, maxSteps int) (PropResult, error) {
	return ta.PropagateUntil(ta.time+dt, maxSteps)
}

// PropagateUntil advances the integrator to the target time exactly. The
// final step is clamped so the reached time equals the target.
func (ta *Adaptive) PropagateUntil(t float64, maxSteps int) (PropResult, error) {
	if !isFinite(t) {
		return PropResult{}, fmt.Errorf("non-finite target time %g: %w", t, ErrInvalidArgument)
	}

	res := PropResult{MinH: math.Inf(1), MinOrder: math.MaxInt}

	if t == ta.time {
		res.Outcome = TimeLimit
		return res, nil
	}
	if !isFinite(t - ta.time) {
		return PropResult{}, fmt.Errorf("propagating from %g to %g: %w", ta.time, t, ErrOverflow)
	}

	for {
		sr := ta.stepImpl(t - ta.time)
		if sr.Outcome.Fatal() {
			res.Outcome = sr.Outcome
			return res, nil
		}

		res.Steps++
		res.MinOrder = min(res.MinOrder, sr.Order)
		res.MaxOrder = max(res.MaxOrder, sr.Order)

		if sr.Outcome == TimeLimit || t == ta.time {
			// The clamp fired or the step landed exactly: pin the time to
			// the target rather than trusting t + sum(h) to round-trip.
			ta.time = t
			res.Outcome = TimeLimit
			return res, nil
		}

		res.MinH = math.Min(res.MinH, math.Abs(sr.H))
		res.MaxH = math.Max(res.MaxH, math.Abs(sr.H))

		if maxSteps != 0 && res.Steps == maxSteps {
			res.Outcome = StepLimit
			return res, nil
		}
	}
}

// State returns a copy of the current state vector.
func (ta *Adaptive) State() []float64 {
	return append([]float64(nil), ta.state...)
}

// Time returns the current integration time.
func (ta *Adaptive) Time() float64 { return ta.time }

// IR returns the emitted code of the module, for inspection.
func (ta *Adaptive) IR() string { return ta.ir }

// Decomposition returns the Taylor decomposition of the system.
func (ta *Adaptive) Decomposition() *taylor.Decomposition { return ta.dc }

// Orders returns the relative- and absolute-tolerance Taylor orders.
func (ta *Adaptive) Orders() (orderR, orderA int) { return ta.orderR, ta.orderA }

// SetTime replaces the current time.
func (ta *Adaptive) SetTime(t float64) error {
	if !isFinite(t) {
		return fmt.Errorf("non-finite time %g: %w", t, ErrInvalidArgument)
	}
	ta.time = t
	return nil
}

// SetState replaces the current state vector.
func (ta *Adaptive) SetState(state []float64) error {
	if len(state) != len(ta.state) {
		return fmt.Errorf("state vector of size %d, want %d: %w", len(state), len(ta.state), ErrInvalidArgument)
	}
	if !allFinite(state) {
		return fmt.Errorf("non-finite value in state vector: %w", ErrInvalidArgument)
	}
	copy(ta.state, state)
	return nil
}

// Copy deep-copies the integrator: the source system is cloned and
// recompiled, so no compiled code is shared with the receiver.
func (ta *Adaptive) Copy() (*Adaptive, error) {
	cfg := Config{
		Time:     ta.time,
		RTol:     ta.rtol,
		ATol:     ta.atol,
		Params:   ta.params,
		OptLevel: ta.optLevel,
	}
	if ta.pairs != nil {
		pairs := make([]taylor.Equation, len(ta.pairs))
		for i, eq := range ta.pairs {
			pairs[i] = taylor.Equation{Lhs: expr.Clone(eq.Lhs), Rhs: expr.Clone(eq.Rhs)}
		}
		return NewPairs(pairs, ta.state, cfg)
	}
	sys := make([]expr.Expr, len(ta.sys))
	for i, e := range ta.sys {
		sys[i] = expr.Clone(e)
	}
	return New(sys, ta.state, cfg)
}
