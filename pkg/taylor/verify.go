package taylor

import (
	"fmt"

	"taylor-ode/pkg/expr"
)

// Verify checks a decomposition against the original right-hand sides:
// the section layout, the no-forward-reference invariant, and the exact
// reconstruction of the system by recursive substitution.
func Verify(d *Decomposition, orig []expr.Expr) error {
	n := d.NEq
	if len(orig) != n {
		return fmt.Errorf("verifying decomposition: %d original equations for %d state variables", len(orig), n)
	}
	if len(d.Defs) < 2*n {
		return fmt.Errorf("verifying decomposition: only %d entries for %d equations", len(d.Defs), n)
	}

	for i := 0; i < n; i++ {
		if _, ok := d.Defs[i].(*expr.Variable); !ok {
			return fmt.Errorf("entry %d is %s, want a state variable leaf", i, d.Defs[i])
		}
	}

	if err := d.checkForwardRefs(); err != nil {
		return err
	}

	for i := len(d.Defs) - n; i < len(d.Defs); i++ {
		switch d.Defs[i].(type) {
		case *expr.Variable, *expr.Number:
		default:
			return fmt.Errorf("terminal entry %d is %s, want a u reference or a number", i, d.Defs[i])
		}
	}

	// Expand every u variable down to the state variable leaves and
	// compare the reconstructed right-hand sides with the originals.
	subsMap := map[string]expr.Expr{}
	for i := 0; i < len(d.Defs)-n; i++ {
		subsMap[expr.UName(i)] = expr.Subs(d.Defs[i], subsMap)
	}
	for i := len(d.Defs) - n; i < len(d.Defs); i++ {
		rec := expr.Subs(d.Defs[i], subsMap)
		want := orig[i-(len(d.Defs)-n)]
		if !rec.Equal(want) {
			return fmt.Errorf("equation %d reconstructs to %s, want %s", i-(len(d.Defs)-n), rec, want)
		}
	}

	return nil
}
