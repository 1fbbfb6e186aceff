package expr

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
)

// Expr is a node of an immutable expression DAG. Subtrees may be shared
// by identity, but equality and hashing are structural.
type Expr interface {
	Equal(other Expr) bool
	Hash() uint64
	String() string
	clone() Expr
}

type BinOpKind int

const (
	OpAdd BinOpKind = iota
	OpSub
	OpMul
	OpDiv
)

func (k BinOpKind) String() string {
	switch k {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	default:
		return "/"
	}
}

type Number struct {
	Value float64
}

type Variable struct {
	Name string
}

type Param struct {
	Index int
}

type TimeNode struct{}

type BinOp struct {
	Kind BinOpKind
	Lhs  Expr
	Rhs  Expr
}

// Num, Var, Par and Time are the exported leaf builders.

func Num(x float64) Expr { return &Number{Value: x} }

func Var(name string) Expr { return &Variable{Name: name} }

func Par(i int) Expr {
	if i < 0 {
		panic(fmt.Sprintf("expr: negative parameter index %d", i))
	}
	return &Param{Index: i}
}

func Time() Expr { return &TimeNode{} }

// Vars builds several variables at once.
func Vars(names ...string) []Expr {
	out := make([]Expr, len(names))
	for i, n := range names {
		out[i] = Var(n)
	}
	return out
}

func isNum(e Expr, v float64) bool {
	n, ok := e.(*Number)
	return ok && n.Value == v
}

// Add applies the construction-time simplifications before building the node.
func Add(a, b Expr) Expr {
	if isNum(a, 0) {
		return b
	}
	if isNum(b, 0) {
		return a
	}
	return &BinOp{Kind: OpAdd, Lhs: a, Rhs: b}
}

func Sub(a, b Expr) Expr {
	if isNum(a, 0) {
		return Neg(b)
	}
	if isNum(b, 0) {
		return a
	}
	return &BinOp{Kind: OpSub, Lhs: a, Rhs: b}
}

func Mul(a, b Expr) Expr {
	if isNum(a, 0) || isNum(b, 0) {
		return Num(0)
	}
	if isNum(a, 1) {
		return b
	}
	if isNum(b, 1) {
		return a
	}
	return &BinOp{Kind: OpMul, Lhs: a, Rhs: b}
}

func Div(a, b Expr) Expr {
	if isNum(a, 0) {
		return Num(0)
	}
	return &BinOp{Kind: OpDiv, Lhs: a, Rhs: b}
}

// Pos is unary plus, the identity.
func Pos(e Expr) Expr { return e }

// Neg negates a number directly and wraps everything else in -1 * e.
func Neg(e Expr) Expr {
	if n, ok := e.(*Number); ok {
		return Num(-n.Value)
	}
	return &BinOp{Kind: OpMul, Lhs: Num(-1), Rhs: e}
}

func (n *Number) Equal(other Expr) bool {
	o, ok := other.(*Number)
	return ok && n.Value == o.Value
}

func (v *Variable) Equal(other Expr) bool {
	o, ok := other.(*Variable)
	return ok && v.Name == o.Name
}

func (p *Param) Equal(other Expr) bool {
	o, ok := other.(*Param)
	return ok && p.Index == o.Index
}

func (t *TimeNode) Equal(other Expr) bool {
	_, ok := other.(*TimeNode)
	return ok
}

func (b *BinOp) Equal(other Expr) bool {
	o, ok := other.(*BinOp)
	return ok && b.Kind == o.Kind && b.Lhs.Equal(o.Lhs) && b.Rhs.Equal(o.Rhs)
}

func hashBytes(parts ...uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, p := range parts {
		for i := 0; i < 8; i++ {
			buf[i] = byte(p >> (8 * i))
		}
		h.Write(buf[:])
	}
	return h.Sum64()
}

func hashString(tag uint64, s string) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(tag >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(s))
	return h.Sum64()
}

func (n *Number) Hash() uint64   { return hashBytes(0x01, math.Float64bits(n.Value)) }
func (v *Variable) Hash() uint64 { return hashString(0x02, v.Name) }
func (p *Param) Hash() uint64    { return hashBytes(0x03, uint64(p.Index)) }
func (t *TimeNode) Hash() uint64 { return hashBytes(0x04) }
func (b *BinOp) Hash() uint64 {
	return hashBytes(0x05, uint64(b.Kind), b.Lhs.Hash(), b.Rhs.Hash())
}

func (n *Number) String() string   { return fmt.Sprintf("%g", n.Value) }
func (v *Variable) String() string { return v.Name }
func (p *Param) String() string    { return fmt.Sprintf("par[%d]", p.Index) }
func (t *TimeNode) String() string { return "t" }
func (b *BinOp) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Lhs, b.Kind, b.Rhs)
}

func (n *Number) clone() Expr   { return &Number{Value: n.Value} }
func (v *Variable) clone() Expr { return &Variable{Name: v.Name} }
func (p *Param) clone() Expr    { return &Param{Index: p.Index} }
func (t *TimeNode) clone() Expr { return &TimeNode{} }
func (b *BinOp) clone() Expr {
	return &BinOp{Kind: b.Kind, Lhs: b.Lhs.clone(), Rhs: b.Rhs.clone()}
}

// Clone returns a deep structural copy of e.
func Clone(e Expr) Expr { return e.clone() }

// GetVariables returns the sorted, duplicate-free variable names in e.
func GetVariables(e Expr) []string {
	set := map[string]struct{}{}
	collectVariables(e, set)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectVariables(e Expr, set map[string]struct{}) {
	switch v := e.(type) {
	case *Variable:
		set[v.Name] = struct{}{}
	case *BinOp:
		collectVariables(v.Lhs, set)
		collectVariables(v.Rhs, set)
	case *Func:
		for _, a := range v.Args {
			collectVariables(a, set)
		}
	}
}

// RenameVariables rewrites every variable occurrence through the map,
// returning the rewritten expression. Names absent from the map are kept.
func RenameVariables(e Expr, m map[string]string) Expr {
	switch v := e.(type) {
	case *Variable:
		if newName, ok := m[v.Name]; ok {
			return Var(newName)
		}
		return v
	case *BinOp:
		return &BinOp{Kind: v.Kind, Lhs: RenameVariables(v.Lhs, m), Rhs: RenameVariables(v.Rhs, m)}
	case *Func:
		args := make([]Expr, len(v.Args))
		for i, a := range v.Args {
			args[i] = RenameVariables(a, m)
		}
		return v.withArgs(args)
	default:
		return e
	}
}

// Subs replaces every variable occurrence by the mapped expression.
func Subs(e Expr, m map[string]Expr) Expr {
	switch v := e.(type) {
	case *Variable:
		if repl, ok := m[v.Name]; ok {
			return repl
		}
		return v
	case *BinOp:
		return &BinOp{Kind: v.Kind, Lhs: Subs(v.Lhs, m), Rhs: Subs(v.Rhs, m)}
	case *Func:
		args := make([]Expr, len(v.Args))
		for i, a := range v.Args {
			args[i] = Subs(a, m)
		}
		return v.withArgs(args)
	default:
		return e
	}
}

// FormatSystem renders a system of equations for diagnostics.
func FormatSystem(rhs []Expr) string {
	var sb strings.Builder
	for i, e := range rhs {
		fmt.Fprintf(&sb, "u_%d' = %s\n", i, e)
	}
	return sb.String()
}
