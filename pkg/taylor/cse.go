package taylor

import (
	"taylor-ode/pkg/expr"
)

// exprIndex maps expressions to indices by structural hash, with a
// collision list checked by structural equality.
type exprIndex struct {
	buckets map[uint64][]indexEntry
}

type indexEntry struct {
	ex  expr.Expr
	idx int
}

func newExprIndex() *exprIndex {
	return &exprIndex{buckets: map[uint64][]indexEntry{}}
}

func (m *exprIndex) lookup(e expr.Expr) (int, bool) {
	for _, ent := range m.buckets[e.Hash()] {
		if ent.ex.Equal(e) {
			return ent.idx, true
		}
	}
	return 0, false
}

func (m *exprIndex) insert(e expr.Expr, idx int) {
	h := e.Hash()
	m.buckets[h] = append(m.buckets[h], indexEntry{ex: e, idx: idx})
}

// cse removes duplicate elementary definitions from the intermediate
// section of a decomposition. On first occurrence the earliest index wins;
// later duplicates are dropped and their u-variables remapped.
func cse(defs []expr.Expr, nEq int) []expr.Expr {
	out := make([]expr.Expr, 0, len(defs))
	exMap := newExprIndex()
	rename := map[string]string{}

	// State variable leaves pass through untouched.
	for i := 0; i < nEq; i++ {
		out = append(out, defs[i])
	}

	for i := nEq; i < len(defs)-nEq; i++ {
		ex := expr.RenameVariables(defs[i], rename)

		if j, ok := exMap.lookup(ex); ok {
			rename[expr.UName(i)] = expr.UName(j)
			continue
		}
		out = append(out, ex)
		exMap.insert(ex, len(out)-1)
		rename[expr.UName(i)] = expr.UName(len(out) - 1)
	}

	// The terminal entries only need their references remapped.
	for i := len(defs) - nEq; i < len(defs); i++ {
		out = append(out, expr.RenameVariables(defs[i], rename))
	}

	return out
}
