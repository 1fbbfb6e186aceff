package jit

import (
	"fmt"
	"math"

	"taylor-ode/pkg/expr"
	"taylor-ode/pkg/taylor"
)

// jetEmitter emits the jet-of-derivatives function for one decomposition
// at a fixed Taylor order.
type jetEmitter struct {
	b      Builder
	dc     *taylor.Decomposition
	stride int         // jet buffer entries per order
	hidden map[int]int // u-index -> index of its auxiliary quantity
}

// EmitJet adds to the module a function filling the jet buffer with the
// normalised Taylor coefficients of every u variable up to the given
// order. The caller pre-populates the order-0 slots of the state
// variables; the emitted code computes everything else.
func EmitJet(m *Module, name string, dc *taylor.Decomposition, order int) error {
	if order < 1 {
		return fmt.Errorf("emitting %q: order %d below 1", name, order)
	}
	b, err := m.NewFunction(name)
	if err != nil {
		return err
	}

	e := &jetEmitter{b: b, dc: dc, stride: dc.Len(), hidden: map[int]int{}}
	if err := e.resolveHidden(); err != nil {
		return fmt.Errorf("emitting %q: %v", name, err)
	}

	n := dc.NEq
	last := dc.Len() - n

	// Order 0 of the intermediates, straight evaluation of each definition.
	for i := n; i < last; i++ {
		e.store(i, e.init0(dc.Defs[i]))
	}

	for o := 1; o <= order; o++ {
		// The state variables first: their order-o coefficient comes from
		// the corresponding terminal entry at order o-1, divided by o.
		for i := 0; i < n; i++ {
			term := dc.Defs[last+i]
			switch v := term.(type) {
			case *expr.Number:
				if o == 1 {
					e.storeAt(o, i, e.b.Const(v.Value))
				} else {
					e.storeAt(o, i, noValue)
				}
			case *expr.Variable:
				k := e.uIndex(v)
				d := e.b.LoadJet((o-1)*e.stride + k)
				e.storeAt(o, i, e.b.Mul(d, e.b.Const(1/float64(o))))
			default:
				return fmt.Errorf("emitting %q: terminal entry %d is %s", name, last+i, term)
			}
		}

		// Then the intermediates, in index order.
		for i := n; i < last; i++ {
			v, err := e.recurrence(dc.Defs[i], i, o)
			if err != nil {
				return fmt.Errorf("emitting %q: %v", name, err)
			}
			e.storeAt(o, i, v)
		}
	}

	return nil
}

// resolveHidden locates the auxiliary u variable each transcendental
// recurrence reads: the cosine registered alongside a sine (and the other
// way around), and the exp(-x^2) chain registered by an erf. The lookup is
// structural, so it stays correct when CSE has merged the auxiliary with a
// user-written expression.
func (e *jetEmitter) resolveHidden() error {
	dc := e.dc
	for i := dc.NEq; i < dc.Len()-dc.NEq; i++ {
		f, ok := dc.Defs[i].(*expr.Func)
		if !ok {
			continue
		}
		arg := f.Args[0]
		switch f.Name {
		case "sin":
			g, ok := dc.IndexOf(expr.Cos(arg))
			if !ok {
				return fmt.Errorf("no cosine registered for %s at u_%d", f, i)
			}
			e.hidden[i] = g
		case "cos":
			g, ok := dc.IndexOf(expr.Sin(arg))
			if !ok {
				return fmt.Errorf("no sine registered for %s at u_%d", f, i)
			}
			e.hidden[i] = g
		case "erf":
			sq, ok := dc.IndexOf(&expr.BinOp{Kind: expr.OpMul, Lhs: arg, Rhs: arg})
			if !ok {
				return fmt.Errorf("no square registered for %s at u_%d", f, i)
			}
			neg, ok := dc.IndexOf(&expr.BinOp{Kind: expr.OpMul, Lhs: expr.Num(-1), Rhs: expr.Var(expr.UName(sq))})
			if !ok {
				return fmt.Errorf("no negated square registered for %s at u_%d", f, i)
			}
			g, ok := dc.IndexOf(expr.Exp(expr.Var(expr.UName(neg))))
			if !ok {
				return fmt.Errorf("no exponential registered for %s at u_%d", f, i)
			}
			e.hidden[i] = g
		}
	}
	return nil
}

func (e *jetEmitter) uIndex(v *expr.Variable) int {
	k, ok := expr.UNameToIndex(v.Name)
	if !ok {
		panic(fmt.Sprintf("jit: non-u variable %q inside a decomposition", v.Name))
	}
	return k
}

// coef returns the order-o normalised coefficient of an elementary operand,
// or noValue when it is identically zero.
func (e *jetEmitter) coef(op expr.Expr, o int) Value {
	switch v := op.(type) {
	case *expr.Number:
		if o == 0 {
			return e.b.Const(v.Value)
		}
		return noValue
	case *expr.Param:
		if o == 0 {
			return e.b.LoadParam(v.Index)
		}
		return noValue
	case *expr.TimeNode:
		switch o {
		case 0:
			return e.b.LoadTime()
		case 1:
			return e.b.Const(1)
		default:
			return noValue
		}
	case *expr.Variable:
		return e.b.LoadJet(o*e.stride + e.uIndex(v))
	default:
		panic(fmt.Sprintf("jit: compound operand %s inside an elementary definition", op))
	}
}

func (e *jetEmitter) add2(a, b Value) Value {
	if a == noValue {
		return b
	}
	if b == noValue {
		return a
	}
	return e.b.Add(a, b)
}

func (e *jetEmitter) sub2(a, b Value) Value {
	if b == noValue {
		return a
	}
	if a == noValue {
		return e.b.Neg(b)
	}
	return e.b.Sub(a, b)
}

func (e *jetEmitter) mul2(a, b Value) Value {
	if a == noValue || b == noValue {
		return noValue
	}
	return e.b.Mul(a, b)
}

func (e *jetEmitter) orZero(v Value) Value {
	if v == noValue {
		return e.b.Const(0)
	}
	return v
}

func (e *jetEmitter) store(i int, v Value)      { e.b.StoreJet(i, e.orZero(v)) }
func (e *jetEmitter) storeAt(o, i int, v Value) { e.b.StoreJet(o*e.stride+i, e.orZero(v)) }
func (e *jetEmitter) self(i, o int) Value       { return e.b.LoadJet(o*e.stride + i) }

// init0 evaluates an elementary definition at order zero.
func (e *jetEmitter) init0(def expr.Expr) Value {
	switch v := def.(type) {
	case *expr.BinOp:
		lhs, rhs := e.coef(v.Lhs, 0), e.coef(v.Rhs, 0)
		switch v.Kind {
		case expr.OpAdd:
			return e.add2(lhs, rhs)
		case expr.OpSub:
			return e.sub2(lhs, rhs)
		case expr.OpMul:
			return e.mul2(lhs, rhs)
		default:
			return e.b.Div(e.orZero(lhs), e.orZero(rhs))
		}
	case *expr.Func:
		args := make([]Value, len(v.Args))
		for i, a := range v.Args {
			args[i] = e.orZero(e.coef(a, 0))
		}
		return e.b.Call(v.Name, args...)
	default:
		return e.coef(def, 0)
	}
}

// recurrence emits the order-o coefficient of the definition at index i,
// assuming all coefficients of order < o and all earlier indices at order o
// have been stored already.
func (e *jetEmitter) recurrence(def expr.Expr, i, o int) (Value, error) {
	switch v := def.(type) {
	case *expr.BinOp:
		switch v.Kind {
		case expr.OpAdd:
			return e.add2(e.coef(v.Lhs, o), e.coef(v.Rhs, o)), nil
		case expr.OpSub:
			return e.sub2(e.coef(v.Lhs, o), e.coef(v.Rhs, o)), nil
		case expr.OpMul:
			// Cauchy product.
			var acc Value = noValue
			for k := 0; k <= o; k++ {
				acc = e.add2(acc, e.mul2(e.coef(v.Lhs, k), e.coef(v.Rhs, o-k)))
			}
			return acc, nil
		default:
			// c_i,o = (a_o - sum_{k=1..o} b_k c_i,o-k) / b_0
			var acc Value = noValue
			for k := 1; k <= o; k++ {
				acc = e.add2(acc, e.mul2(e.coef(v.Rhs, k), e.self(i, o-k)))
			}
			num := e.sub2(e.coef(v.Lhs, o), acc)
			return e.b.Div(e.orZero(num), e.orZero(e.coef(v.Rhs, 0))), nil
		}
	case *expr.Func:
		return e.funcRecurrence(v, i, o)
	default:
		return noValue, fmt.Errorf("entry u_%d is %s, not an elementary definition", i, def)
	}
}

func (e *jetEmitter) funcRecurrence(f *expr.Func, i, o int) (Value, error) {
	arg := f.Args[0]
	inv := 1 / float64(o)

	switch f.Name {
	case "sin":
		g := e.hidden[i]
		var acc Value = noValue
		for k := 1; k <= o; k++ {
			ak := e.coef(arg, k)
			if ak == noValue {
				continue
			}
			term := e.b.Mul(e.b.Const(float64(k)), e.b.Mul(e.self(g, o-k), ak))
			acc = e.add2(acc, term)
		}
		return e.mul2(acc, e.b.Const(inv)), nil

	case "cos":
		g := e.hidden[i]
		var acc Value = noValue
		for k := 1; k <= o; k++ {
			ak := e.coef(arg, k)
			if ak == noValue {
				continue
			}
			term := e.b.Mul(e.b.Const(float64(k)), e.b.Mul(e.self(g, o-k), ak))
			acc = e.add2(acc, term)
		}
		if acc == noValue {
			return noValue, nil
		}
		return e.b.Neg(e.b.Mul(acc, e.b.Const(inv))), nil

	case "exp":
		var acc Value = noValue
		for k := 1; k <= o; k++ {
			ak := e.coef(arg, k)
			if ak == noValue {
				continue
			}
			term := e.b.Mul(e.b.Const(float64(k)), e.b.Mul(ak, e.self(i, o-k)))
			acc = e.add2(acc, term)
		}
		return e.mul2(acc, e.b.Const(inv)), nil

	case "log":
		// c_i,o = (a_o - (1/o) sum_{k=1..o-1} k c_i,k a_o-k) / a_0
		var acc Value = noValue
		for k := 1; k <= o-1; k++ {
			aok := e.coef(arg, o-k)
			if aok == noValue {
				continue
			}
			term := e.b.Mul(e.b.Const(float64(k)), e.b.Mul(e.self(i, k), aok))
			acc = e.add2(acc, term)
		}
		var scaled Value = noValue
		if acc != noValue {
			scaled = e.b.Mul(acc, e.b.Const(inv))
		}
		num := e.sub2(e.coef(arg, o), scaled)
		return e.b.Div(e.orZero(num), e.orZero(e.coef(arg, 0))), nil

	case "pow":
		alpha, ok := f.Args[1].(*expr.Number)
		if !ok {
			return noValue, fmt.Errorf("u_%d: pow exponent %s is not a numeric constant", i, f.Args[1])
		}
		// c_i,o = (1/(o a_0)) sum_{k=0..o-1} (alpha (o-k) - k) a_o-k c_i,k
		var acc Value = noValue
		for k := 0; k <= o-1; k++ {
			w := alpha.Value*float64(o-k) - float64(k)
			if w == 0 {
				continue
			}
			aok := e.coef(arg, o-k)
			if aok == noValue {
				continue
			}
			term := e.b.Mul(e.b.Const(w), e.b.Mul(aok, e.self(i, k)))
			acc = e.add2(acc, term)
		}
		den := e.b.Mul(e.b.Const(float64(o)), e.orZero(e.coef(arg, 0)))
		return e.b.Div(e.orZero(acc), den), nil

	case "erf":
		// erf'(x) = 2/sqrt(pi) exp(-x^2), so the coefficient is a Cauchy
		// product with the registered auxiliary exponential.
		g := e.hidden[i]
		var acc Value = noValue
		for k := 1; k <= o; k++ {
			ak := e.coef(arg, k)
			if ak == noValue {
				continue
			}
			term := e.b.Mul(e.b.Const(float64(k)), e.b.Mul(ak, e.self(g, o-k)))
			acc = e.add2(acc, term)
		}
		return e.mul2(acc, e.b.Const(2/math.Sqrt(math.Pi)/float64(o))), nil

	default:
		return noValue, fmt.Errorf("u_%d: no Taylor recurrence registered for %q", i, f.Name)
	}
}
