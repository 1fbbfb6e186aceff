package jit

import (
	"fmt"

	"taylor-ode/pkg/taylor"
)

// EmitUpdate adds to the module a function evaluating, for every state
// variable, the Taylor polynomial p(h) = sum_o c_o h^o over the jet buffer
// via Estrin's scheme and writing the result to the output state. The
// repeated squaring of h keeps the critical path logarithmic in the order.
func EmitUpdate(m *Module, name string, dc *taylor.Decomposition, order int) error {
	if order < 1 {
		return fmt.Errorf("emitting %q: order %d below 1", name, order)
	}
	b, err := m.NewFunction(name)
	if err != nil {
		return err
	}

	stride := dc.Len()

	// h, h^2, h^4, ... shared by all state variables.
	hs := []Value{b.LoadH()}
	for 1<<len(hs) <= order {
		hs = append(hs, b.Mul(hs[len(hs)-1], hs[len(hs)-1]))
	}

	for i := 0; i < dc.NEq; i++ {
		vals := make([]Value, order+1)
		for o := 0; o <= order; o++ {
			vals[o] = b.LoadJet(o*stride + i)
		}
		for depth := 0; len(vals) > 1; depth++ {
			var next []Value
			for j := 0; j+1 < len(vals); j += 2 {
				next = append(next, b.Add(vals[j], b.Mul(vals[j+1], hs[depth])))
			}
			if len(vals)%2 == 1 {
				next = append(next, vals[len(vals)-1])
			}
			vals = next
		}
		b.StoreOut(i, vals[0])
	}

	return nil
}
