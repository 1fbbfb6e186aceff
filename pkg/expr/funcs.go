package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Hook signatures carried by a Func node. Equality and hashing ignore the
// hooks and compare the display name and arguments only.
type (
	DiffFunc      func(args []Expr, name string) Expr
	EvalFunc      func(args []float64) float64
	DerivEvalFunc func(args []float64, i int) float64
	DecomposeFunc func(f *Func, defs *[]Expr) int
)

// Func is an elementary function call. The hooks are installed by the
// constructor of each registered function (Sin, Cos, Exp, ...).
type Func struct {
	Name string
	Args []Expr

	DiffHook      DiffFunc
	EvalHook      EvalFunc
	DerivEvalHook DerivEvalFunc
	DecomposeHook DecomposeFunc
}

func (f *Func) Equal(other Expr) bool {
	o, ok := other.(*Func)
	if !ok || f.Name != o.Name || len(f.Args) != len(o.Args) {
		return false
	}
	for i := range f.Args {
		if !f.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

func (f *Func) Hash() uint64 {
	parts := make([]uint64, 0, len(f.Args)+1)
	parts = append(parts, hashString(0x06, f.Name))
	for _, a := range f.Args {
		parts = append(parts, a.Hash())
	}
	return hashBytes(parts...)
}

func (f *Func) String() string {
	args := make([]string, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", f.Name, strings.Join(args, ", "))
}

func (f *Func) clone() Expr {
	args := make([]Expr, len(f.Args))
	for i, a := range f.Args {
		args[i] = a.clone()
	}
	return f.withArgs(args)
}

func (f *Func) withArgs(args []Expr) *Func {
	return &Func{
		Name:          f.Name,
		Args:          args,
		DiffHook:      f.DiffHook,
		EvalHook:      f.EvalHook,
		DerivEvalHook: f.DerivEvalHook,
		DecomposeHook: f.DecomposeHook,
	}
}

// UName returns the canonical name of the i-th u variable.
func UName(i int) string { return "u_" + strconv.Itoa(i) }

// UNameToIndex parses a u variable name back to its index. The second
// return value is false for names not of the u_i form.
func UNameToIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "u_") {
		return 0, false
	}
	i, err := strconv.Atoi(name[2:])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// DecomposeInPlace lowers e into the running list of elementary u-variable
// definitions. The return value is the index in defs holding the decomposed
// version of e; zero means e needed no decomposition (numbers, bare
// variables, parameters and the time placeholder stand for themselves).
func DecomposeInPlace(e Expr, defs *[]Expr) int {
	switch v := e.(type) {
	case *BinOp:
		lhs, rhs := v.Lhs, v.Rhs
		if k := DecomposeInPlace(lhs, defs); k != 0 {
			lhs = Var(UName(k))
		}
		if k := DecomposeInPlace(rhs, defs); k != 0 {
			rhs = Var(UName(k))
		}
		*defs = append(*defs, &BinOp{Kind: v.Kind, Lhs: lhs, Rhs: rhs})
		return len(*defs) - 1
	case *Func:
		return v.DecomposeHook(v, defs)
	default:
		return 0
	}
}

// defaultDecompose lowers the arguments and appends the function itself.
func defaultDecompose(f *Func, defs *[]Expr) int {
	args := make([]Expr, len(f.Args))
	for i, a := range f.Args {
		if k := DecomposeInPlace(a, defs); k != 0 {
			args[i] = Var(UName(k))
		} else {
			args[i] = a
		}
	}
	*defs = append(*defs, f.withArgs(args))
	return len(*defs) - 1
}

func arity1(name string, args []Expr) {
	if len(args) != 1 {
		panic(fmt.Sprintf("expr: %s expects 1 argument, got %d", name, len(args)))
	}
}

// Sin builds the sine of e. Its decomposition also registers the cosine of
// the same argument, which the Taylor recurrence needs.
func Sin(e Expr) Expr {
	f := &Func{Name: "sin", Args: []Expr{e}}
	f.DiffHook = func(args []Expr, s string) Expr {
		arity1("sin", args)
		return Mul(Cos(args[0]), Diff(args[0], s))
	}
	f.EvalHook = func(args []float64) float64 { return math.Sin(args[0]) }
	f.DerivEvalHook = func(args []float64, i int) float64 { return math.Cos(args[0]) }
	f.DecomposeHook = func(f *Func, defs *[]Expr) int {
		arity1("sin", f.Args)
		arg := f.Args[0]
		if k := DecomposeInPlace(arg, defs); k != 0 {
			arg = Var(UName(k))
		}
		*defs = append(*defs, f.withArgs([]Expr{arg}))
		ret := len(*defs) - 1
		// The cosine of the same argument goes right after the sine.
		*defs = append(*defs, Cos(arg))
		return ret
	}
	return f
}

// Cos builds the cosine of e, registering the sine of the same argument
// right before it in the decomposition.
func Cos(e Expr) Expr {
	f := &Func{Name: "cos", Args: []Expr{e}}
	f.DiffHook = func(args []Expr, s string) Expr {
		arity1("cos", args)
		return Mul(Neg(Sin(args[0])), Diff(args[0], s))
	}
	f.EvalHook = func(args []float64) float64 { return math.Cos(args[0]) }
	f.DerivEvalHook = func(args []float64, i int) float64 { return -math.Sin(args[0]) }
	f.DecomposeHook = func(f *Func, defs *[]Expr) int {
		arity1("cos", f.Args)
		arg := f.Args[0]
		if k := DecomposeInPlace(arg, defs); k != 0 {
			arg = Var(UName(k))
		}
		*defs = append(*defs, Sin(arg))
		*defs = append(*defs, f.withArgs([]Expr{arg}))
		return len(*defs) - 1
	}
	return f
}

// Exp builds the exponential of e.
func Exp(e Expr) Expr {
	f := &Func{Name: "exp", Args: []Expr{e}}
	f.DiffHook = func(args []Expr, s string) Expr {
		arity1("exp", args)
		return Mul(Exp(args[0]), Diff(args[0], s))
	}
	f.EvalHook = func(args []float64) float64 { return math.Exp(args[0]) }
	f.DerivEvalHook = func(args []float64, i int) float64 { return math.Exp(args[0]) }
	f.DecomposeHook = defaultDecompose
	return f
}

// Log builds the natural logarithm of e.
func Log(e Expr) Expr {
	f := &Func{Name: "log", Args: []Expr{e}}
	f.DiffHook = func(args []Expr, s string) Expr {
		arity1("log", args)
		return Mul(Div(Num(1), args[0]), Diff(args[0], s))
	}
	f.EvalHook = func(args []float64) float64 { return math.Log(args[0]) }
	f.DerivEvalHook = func(args []float64, i int) float64 { return 1 / args[0] }
	f.DecomposeHook = defaultDecompose
	return f
}

// Pow builds e1 raised to e2. The Taylor recurrence requires the exponent
// to be a numeric constant; the symbolic layer is fully general.
func Pow(e1, e2 Expr) Expr {
	f := &Func{Name: "pow", Args: []Expr{e1, e2}}
	f.DiffHook = func(args []Expr, s string) Expr {
		if len(args) != 2 {
			panic(fmt.Sprintf("expr: pow expects 2 arguments, got %d", len(args)))
		}
		return Add(
			Mul(Mul(args[1], Pow(args[0], Sub(args[1], Num(1)))), Diff(args[0], s)),
			Mul(Mul(Pow(args[0], args[1]), Log(args[0])), Diff(args[1], s)),
		)
	}
	f.EvalHook = func(args []float64) float64 { return math.Pow(args[0], args[1]) }
	f.DerivEvalHook = func(args []float64, i int) float64 {
		if i == 0 {
			return args[1] * math.Pow(args[0], args[1]-1)
		}
		return math.Log(args[0]) * math.Pow(args[0], args[1])
	}
	f.DecomposeHook = func(f *Func, defs *[]Expr) int {
		// Keep a constant exponent inline so the recurrence can read it.
		args := make([]Expr, 2)
		for i, a := range f.Args {
			if _, isConst := a.(*Number); isConst {
				args[i] = a
				continue
			}
			if k := DecomposeInPlace(a, defs); k != 0 {
				args[i] = Var(UName(k))
			} else {
				args[i] = a
			}
		}
		*defs = append(*defs, f.withArgs(args))
		return len(*defs) - 1
	}
	return f
}

// Sqrt is pow(e, 1/2).
func Sqrt(e Expr) Expr { return Pow(e, Num(0.5)) }

// Erf builds the error function of e. Its decomposition registers the
// auxiliary exp(-e^2) needed by the recurrence, derived from
// erf'(x) = 2/sqrt(pi) * exp(-x^2).
func Erf(e Expr) Expr {
	f := &Func{Name: "erf", Args: []Expr{e}}
	f.DiffHook = func(args []Expr, s string) Expr {
		arity1("erf", args)
		scale := Num(2 / math.Sqrt(math.Pi))
		return Mul(Mul(scale, Exp(Neg(Mul(args[0], args[0])))), Diff(args[0], s))
	}
	f.EvalHook = func(args []float64) float64 { return math.Erf(args[0]) }
	f.DerivEvalHook = func(args []float64, i int) float64 {
		return 2 / math.Sqrt(math.Pi) * math.Exp(-args[0]*args[0])
	}
	f.DecomposeHook = func(f *Func, defs *[]Expr) int {
		arity1("erf", f.Args)
		arg := f.Args[0]
		if k := DecomposeInPlace(arg, defs); k != 0 {
			arg = Var(UName(k))
		}
		// Register exp(-arg^2) ahead of the erf itself.
		*defs = append(*defs, &BinOp{Kind: OpMul, Lhs: arg, Rhs: arg})
		sq := len(*defs) - 1
		*defs = append(*defs, &BinOp{Kind: OpMul, Lhs: Num(-1), Rhs: Var(UName(sq))})
		neg := len(*defs) - 1
		*defs = append(*defs, Exp(Var(UName(neg))))
		*defs = append(*defs, f.withArgs([]Expr{arg}))
		return len(*defs) - 1
	}
	return f
}
