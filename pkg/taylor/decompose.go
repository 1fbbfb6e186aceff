package taylor

import (
	"errors"
	"fmt"
	"sort"

	"taylor-ode/pkg/expr"
)

var (
	ErrEmptySystem         = errors.New("cannot decompose a system of zero equations")
	ErrAritySystemMismatch = errors.New("deduced variable count differs from the number of equations")
	ErrNonVariableLhs      = errors.New("left-hand side is not a variable")
	ErrDuplicateLhs        = errors.New("duplicate left-hand side variable")
	ErrUnknownRhsVariable  = errors.New("right-hand side variable missing from the left-hand sides")
)

// Equation is one lhs' = rhs pair of an explicit system.
type Equation struct {
	Lhs expr.Expr
	Rhs expr.Expr
}

// Decomposition is the ordered list of elementary u-variable definitions
// produced by lowering a system of n equations. The first n entries are the
// state variable leaves, the middle entries are elementary intermediates,
// and the last n entries are the right-hand sides as u-variable references
// or numbers.
type Decomposition struct {
	Defs []expr.Expr
	NEq  int
	Vars []string // state variable names, in u-index order
}

// Len is the total number of entries, state leaves and terminals included.
func (d *Decomposition) Len() int { return len(d.Defs) }

// NumUVars is the number of entries carrying Taylor coefficients.
func (d *Decomposition) NumUVars() int { return len(d.Defs) - d.NEq }

func (d *Decomposition) String() string {
	s := ""
	for i, def := range d.Defs {
		s += fmt.Sprintf("%s = %s\n", expr.UName(i), def)
	}
	return s
}

// IndexOf finds the index of a structurally equal definition in the
// intermediate section. Used to resolve hidden dependencies (the cosine
// registered by a sine, the exponential registered by an erf).
func (d *Decomposition) IndexOf(e expr.Expr) (int, bool) {
	for i := d.NEq; i < len(d.Defs)-d.NEq; i++ {
		if d.Defs[i].Equal(e) {
			return i, true
		}
	}
	return 0, false
}

// Decompose lowers a system given as right-hand sides only. The state
// variables are deduced from the expressions and ordered alphabetically.
func Decompose(rhs []expr.Expr) (*Decomposition, error) {
	if len(rhs) == 0 {
		return nil, ErrEmptySystem
	}

	varSet := map[string]struct{}{}
	var vars []string
	for _, e := range rhs {
		for _, name := range expr.GetVariables(e) {
			if _, seen := varSet[name]; !seen {
				varSet[name] = struct{}{}
				vars = append(vars, name)
			}
		}
	}
	sort.Strings(vars)

	if len(vars) != len(rhs) {
		return nil, fmt.Errorf("%d variables for %d equations: %w",
			len(vars), len(rhs), ErrAritySystemMismatch)
	}

	return decompose(vars, rhs)
}

// DecomposePairs lowers a system given as explicit (lhs, rhs) pairs. The
// state variables follow the order of the left-hand sides.
func DecomposePairs(sys []Equation) (*Decomposition, error) {
	if len(sys) == 0 {
		return nil, ErrEmptySystem
	}

	lhsSet := map[string]struct{}{}
	var lhsVars []string
	rhsSet := map[string]struct{}{}

	for _, eq := range sys {
		v, ok := eq.Lhs.(*expr.Variable)
		if !ok {
			return nil, fmt.Errorf("lhs %q: %w", eq.Lhs, ErrNonVariableLhs)
		}
		if _, dup := lhsSet[v.Name]; dup {
			return nil, fmt.Errorf("variable %q: %w", v.Name, ErrDuplicateLhs)
		}
		lhsSet[v.Name] = struct{}{}
		lhsVars = append(lhsVars, v.Name)

		for _, name := range expr.GetVariables(eq.Rhs) {
			rhsSet[name] = struct{}{}
		}
	}

	for name := range rhsSet {
		if _, ok := lhsSet[name]; !ok {
			return nil, fmt.Errorf("variable %q: %w", name, ErrUnknownRhsVariable)
		}
	}

	rhs := make([]expr.Expr, len(sys))
	for i, eq := range sys {
		rhs[i] = eq.Rhs
	}
	return decompose(lhsVars, rhs)
}

func decompose(vars []string, rhs []expr.Expr) (*Decomposition, error) {
	nEq := len(rhs)

	repl := make(map[string]string, nEq)
	for i, name := range vars {
		repl[name] = expr.UName(i)
	}

	// Seed the definitions with the state variable leaves, then lower each
	// renamed right-hand side in order.
	defs := make([]expr.Expr, 0, 2*nEq)
	for _, name := range vars {
		defs = append(defs, expr.Var(name))
	}

	tails := make([]expr.Expr, nEq)
	for i, e := range rhs {
		renamed := expr.RenameVariables(e, repl)
		if k := expr.DecomposeInPlace(renamed, &defs); k != 0 {
			tails[i] = expr.Var(expr.UName(k))
		} else {
			tails[i] = renamed
		}
	}
	defs = append(defs, tails...)

	defs = cse(defs, nEq)

	dc := &Decomposition{Defs: defs, NEq: nEq, Vars: vars}
	if err := dc.checkForwardRefs(); err != nil {
		return nil, err
	}
	return dc, nil
}

// checkForwardRefs enforces the no-forward-reference invariant.
func (d *Decomposition) checkForwardRefs() error {
	n := d.NEq
	for i := n; i < len(d.Defs); i++ {
		for _, name := range expr.GetVariables(d.Defs[i]) {
			k, ok := expr.UNameToIndex(name)
			if !ok {
				return fmt.Errorf("entry %d references non-u variable %q", i, name)
			}
			if k >= i {
				return fmt.Errorf("entry %d references %s forward", i, name)
			}
		}
	}
	return nil
}
