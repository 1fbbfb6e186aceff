package expr

import (
	"errors"
	"fmt"
)

var (
	ErrUnboundVariable = errors.New("unbound variable")
	ErrParamOutOfRange = errors.New("parameter index out of range")
)

// Bindings carries the inputs of an interpreted evaluation.
type Bindings struct {
	Vars   map[string]float64
	Params []float64
	Time   float64
}

// Eval evaluates e over the given bindings.
func Eval(e Expr, b Bindings) (float64, error) {
	switch v := e.(type) {
	case *Number:
		return v.Value, nil
	case *Variable:
		x, ok := b.Vars[v.Name]
		if !ok {
			return 0, fmt.Errorf("evaluating %q: %w", v.Name, ErrUnboundVariable)
		}
		return x, nil
	case *Param:
		if v.Index >= len(b.Params) {
			return 0, fmt.Errorf("evaluating par[%d] with %d parameters: %w",
				v.Index, len(b.Params), ErrParamOutOfRange)
		}
		return b.Params[v.Index], nil
	case *TimeNode:
		return b.Time, nil
	case *BinOp:
		lhs, err := Eval(v.Lhs, b)
		if err != nil {
			return 0, err
		}
		rhs, err := Eval(v.Rhs, b)
		if err != nil {
			return 0, err
		}
		switch v.Kind {
		case OpAdd:
			return lhs + rhs, nil
		case OpSub:
			return lhs - rhs, nil
		case OpMul:
			return lhs * rhs, nil
		default:
			return lhs / rhs, nil
		}
	case *Func:
		args := make([]float64, len(v.Args))
		for i, a := range v.Args {
			x, err := Eval(a, b)
			if err != nil {
				return 0, err
			}
			args[i] = x
		}
		return v.EvalHook(args), nil
	default:
		return 0, fmt.Errorf("unknown expression node %T", e)
	}
}
