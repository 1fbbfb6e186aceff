package jit

import (
	"fmt"
	"strings"
)

// Value is an SSA-style handle to the result of an emitted instruction.
type Value int32

const noValue Value = -1

// Builder is the abstract code-emission interface consumed by the jet and
// update generators. The bytecode backend below implements it; any other
// backend producing the same semantics can be substituted.
type Builder interface {
	Const(x float64) Value
	LoadJet(idx int) Value
	LoadParam(idx int) Value
	LoadTime() Value
	LoadH() Value
	StoreJet(idx int, v Value)
	StoreOut(idx int, v Value)
	Add(a, b Value) Value
	Sub(a, b Value) Value
	Mul(a, b Value) Value
	Div(a, b Value) Value
	Neg(a Value) Value
	Call(name string, args ...Value) Value
}

type opcode uint8

const (
	opConst opcode = iota
	opLoadJet
	opLoadParam
	opLoadTime
	opLoadH
	opAdd
	opSub
	opMul
	opDiv
	opNeg
	opCall1
	opCall2
	opStoreJet
	opStoreOut
)

// Intrinsic identifiers for opCall1/opCall2.
const (
	fnSin = iota
	fnCos
	fnExp
	fnLog
	fnPow
	fnErf
)

var intrinsicNames = map[string]int{
	"sin": fnSin,
	"cos": fnCos,
	"exp": fnExp,
	"log": fnLog,
	"pow": fnPow,
	"erf": fnErf,
}

var intrinsicLabels = [...]string{"sin", "cos", "exp", "log", "pow", "erf"}

type instr struct {
	op  opcode
	a   int32 // operand register, or memory index for loads/stores
	b   int32 // second operand register, or source register for stores
	imm float64
	fn  int32
}

// function is one straight-line routine under construction or compiled.
type function struct {
	name  string
	code  []instr
	nregs int
}

// Module owns the emitted functions and, after Compile, the executable
// form of each. A module is bound to a fixed batch width.
type Module struct {
	batch    int
	funcs    []*function
	byName   map[string]*function
	compiled bool
}

// NewModule creates an empty module of the given batch width. Width 1 is
// the scalar case.
func NewModule(batchSize int) *Module {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Module{
		batch:  batchSize,
		byName: make(map[string]*function),
	}
}

// BatchSize reports the lane width the module was built for.
func (m *Module) BatchSize() int { return m.batch }

// NewFunction starts a new function and returns its builder. Emission must
// happen before Compile.
func (m *Module) NewFunction(name string) (Builder, error) {
	if m.compiled {
		return nil, fmt.Errorf("module already compiled, cannot add function %q", name)
	}
	if _, dup := m.byName[name]; dup {
		return nil, fmt.Errorf("duplicate function name %q", name)
	}
	f := &function{name: name}
	m.funcs = append(m.funcs, f)
	m.byName[name] = f
	return &funcBuilder{fn: f}, nil
}

type funcBuilder struct {
	fn *function
}

func (b *funcBuilder) push(in instr) Value {
	b.fn.code = append(b.fn.code, in)
	v := Value(b.fn.nregs)
	b.fn.nregs++
	return v
}

func (b *funcBuilder) pushStore(in instr) {
	// Stores produce no value but still occupy a register slot so that
	// instruction index and register index stay aligned.
	b.fn.code = append(b.fn.code, in)
	b.fn.nregs++
}

func (b *funcBuilder) Const(x float64) Value { return b.push(instr{op: opConst, imm: x}) }
func (b *funcBuilder) LoadJet(i int) Value   { return b.push(instr{op: opLoadJet, a: int32(i)}) }
func (b *funcBuilder) LoadParam(i int) Value { return b.push(instr{op: opLoadParam, a: int32(i)}) }
func (b *funcBuilder) LoadTime() Value       { return b.push(instr{op: opLoadTime}) }
func (b *funcBuilder) LoadH() Value          { return b.push(instr{op: opLoadH}) }
func (b *funcBuilder) Add(x, y Value) Value  { return b.push(instr{op: opAdd, a: int32(x), b: int32(y)}) }
func (b *funcBuilder) Sub(x, y Value) Value  { return b.push(instr{op: opSub, a: int32(x), b: int32(y)}) }
func (b *funcBuilder) Mul(x, y Value) Value  { return b.push(instr{op: opMul, a: int32(x), b: int32(y)}) }
func (b *funcBuilder) Div(x, y Value) Value  { return b.push(instr{op: opDiv, a: int32(x), b: int32(y)}) }
func (b *funcBuilder) Neg(x Value) Value     { return b.push(instr{op: opNeg, a: int32(x)}) }
func (b *funcBuilder) StoreJet(i int, v Value) { b.pushStore(instr{op: opStoreJet, a: int32(i), b: int32(v)}) }
func (b *funcBuilder) StoreOut(i int, v Value) { b.pushStore(instr{op: opStoreOut, a: int32(i), b: int32(v)}) }

func (b *funcBuilder) Call(name string, args ...Value) Value {
	id, ok := intrinsicNames[name]
	if !ok {
		panic(fmt.Sprintf("jit: unknown intrinsic %q", name))
	}
	switch len(args) {
	case 1:
		return b.push(instr{op: opCall1, a: int32(args[0]), fn: int32(id)})
	case 2:
		return b.push(instr{op: opCall2, a: int32(args[0]), b: int32(args[1]), fn: int32(id)})
	default:
		panic(fmt.Sprintf("jit: intrinsic %q called with %d arguments", name, len(args)))
	}
}

// IR renders the whole module as text, one function per block.
func (m *Module) IR() string {
	var sb strings.Builder
	for _, f := range m.funcs {
		fmt.Fprintf(&sb, "define void @%s(jet, par, tm, out, h) width %d {\n", f.name, m.batch)
		for i, in := range f.code {
			switch in.op {
			case opConst:
				fmt.Fprintf(&sb, "  %%%d = const %.17g\n", i, in.imm)
			case opLoadJet:
				fmt.Fprintf(&sb, "  %%%d = load jet[%d]\n", i, in.a)
			case opLoadParam:
				fmt.Fprintf(&sb, "  %%%d = load par[%d]\n", i, in.a)
			case opLoadTime:
				fmt.Fprintf(&sb, "  %%%d = load tm\n", i)
			case opLoadH:
				fmt.Fprintf(&sb, "  %%%d = load h\n", i)
			case opAdd:
				fmt.Fprintf(&sb, "  %%%d = fadd %%%d, %%%d\n", i, in.a, in.b)
			case opSub:
				fmt.Fprintf(&sb, "  %%%d = fsub %%%d, %%%d\n", i, in.a, in.b)
			case opMul:
				fmt.Fprintf(&sb, "  %%%d = fmul %%%d, %%%d\n", i, in.a, in.b)
			case opDiv:
				fmt.Fprintf(&sb, "  %%%d = fdiv %%%d, %%%d\n", i, in.a, in.b)
			case opNeg:
				fmt.Fprintf(&sb, "  %%%d = fneg %%%d\n", i, in.a)
			case opCall1:
				fmt.Fprintf(&sb, "  %%%d = call @%s(%%%d)\n", i, intrinsicLabels[in.fn], in.a)
			case opCall2:
				fmt.Fprintf(&sb, "  %%%d = call @%s(%%%d, %%%d)\n", i, intrinsicLabels[in.fn], in.a, in.b)
			case opStoreJet:
				fmt.Fprintf(&sb, "  store jet[%d], %%%d\n", in.a, in.b)
			case opStoreOut:
				fmt.Fprintf(&sb, "  store out[%d], %%%d\n", in.a, in.b)
			}
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}
