package expr

// Diff returns the symbolic partial derivative of e with respect to the
// variable called name.
func Diff(e Expr, name string) Expr {
	switch v := e.(type) {
	case *Variable:
		if v.Name == name {
			return Num(1)
		}
		return Num(0)
	case *BinOp:
		switch v.Kind {
		case OpAdd:
			return Add(Diff(v.Lhs, name), Diff(v.Rhs, name))
		case OpSub:
			return Sub(Diff(v.Lhs, name), Diff(v.Rhs, name))
		case OpMul:
			return Add(Mul(Diff(v.Lhs, name), v.Rhs), Mul(v.Lhs, Diff(v.Rhs, name)))
		default:
			return Div(
				Sub(Mul(Diff(v.Lhs, name), v.Rhs), Mul(v.Lhs, Diff(v.Rhs, name))),
				Mul(v.Rhs, v.Rhs),
			)
		}
	case *Func:
		return v.DiffHook(v.Args, name)
	default:
		// Numbers, parameters and the time placeholder.
		return Num(0)
	}
}
