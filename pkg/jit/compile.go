package jit

import (
	"fmt"
	"math"
)

// Frame carries the memory a compiled function may touch. Jet and Out use
// the (flat index)*batch + lane layout; Time and H hold one entry per lane;
// Params is shared across lanes.
type Frame struct {
	Jet    []float64
	Out    []float64
	Params []float64
	Time   []float64
	H      []float64
}

// Compiled is an executable function resolved from a compiled module.
type Compiled struct {
	fn      *function
	batch   int
	scratch []float64
}

// Compile finalizes every function in the module. Optimisation level 0
// keeps the emitted code as is; level 1 adds constant folding; level 2 and
// above add value numbering and dead code elimination.
func (m *Module) Compile(optLevel int) error {
	if m.compiled {
		return fmt.Errorf("module compiled twice")
	}
	for _, f := range m.funcs {
		if optLevel >= 1 {
			foldConstants(f)
		}
		if optLevel >= 2 {
			numberValues(f)
			eliminateDead(f)
		}
	}
	m.compiled = true
	return nil
}

// Lookup resolves a compiled function by name. Valid only after Compile.
func (m *Module) Lookup(name string) (*Compiled, error) {
	if !m.compiled {
		return nil, fmt.Errorf("module not compiled, cannot look up %q", name)
	}
	f, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("no function %q in module", name)
	}
	return &Compiled{
		fn:      f,
		batch:   m.batch,
		scratch: make([]float64, f.nregs*m.batch),
	}, nil
}

func call1(fn int32, x float64) float64 {
	switch fn {
	case fnSin:
		return math.Sin(x)
	case fnCos:
		return math.Cos(x)
	case fnExp:
		return math.Exp(x)
	case fnLog:
		return math.Log(x)
	default:
		return math.Erf(x)
	}
}

// Run executes the function over all lanes of the frame.
func (c *Compiled) Run(fr Frame) {
	b := c.batch
	regs := c.scratch
	for i, in := range c.fn.code {
		r := i * b
		switch in.op {
		case opConst:
			for l := 0; l < b; l++ {
				regs[r+l] = in.imm
			}
		case opLoadJet:
			copy(regs[r:r+b], fr.Jet[int(in.a)*b:int(in.a)*b+b])
		case opLoadParam:
			v := fr.Params[in.a]
			for l := 0; l < b; l++ {
				regs[r+l] = v
			}
		case opLoadTime:
			copy(regs[r:r+b], fr.Time)
		case opLoadH:
			copy(regs[r:r+b], fr.H)
		case opAdd:
			x, y := int(in.a)*b, int(in.b)*b
			for l := 0; l < b; l++ {
				regs[r+l] = regs[x+l] + regs[y+l]
			}
		case opSub:
			x, y := int(in.a)*b, int(in.b)*b
			for l := 0; l < b; l++ {
				regs[r+l] = regs[x+l] - regs[y+l]
			}
		case opMul:
			x, y := int(in.a)*b, int(in.b)*b
			for l := 0; l < b; l++ {
				regs[r+l] = regs[x+l] * regs[y+l]
			}
		case opDiv:
			x, y := int(in.a)*b, int(in.b)*b
			for l := 0; l < b; l++ {
				regs[r+l] = regs[x+l] / regs[y+l]
			}
		case opNeg:
			x := int(in.a) * b
			for l := 0; l < b; l++ {
				regs[r+l] = -regs[x+l]
			}
		case opCall1:
			x := int(in.a) * b
			for l := 0; l < b; l++ {
				regs[r+l] = call1(in.fn, regs[x+l])
			}
		case opCall2:
			x, y := int(in.a)*b, int(in.b)*b
			for l := 0; l < b; l++ {
				regs[r+l] = math.Pow(regs[x+l], regs[y+l])
			}
		case opStoreJet:
			src := int(in.b) * b
			copy(fr.Jet[int(in.a)*b:int(in.a)*b+b], regs[src:src+b])
		case opStoreOut:
			src := int(in.b) * b
			copy(fr.Out[int(in.a)*b:int(in.a)*b+b], regs[src:src+b])
		}
	}
}

// foldConstants evaluates instructions whose operands are all constants.
func foldConstants(f *function) {
	isConst := make([]bool, len(f.code))
	val := make([]float64, len(f.code))
	for i := range f.code {
		in := &f.code[i]
		switch in.op {
		case opConst:
			isConst[i], val[i] = true, in.imm
		case opAdd, opSub, opMul, opDiv:
			if isConst[in.a] && isConst[in.b] {
				var x float64
				switch in.op {
				case opAdd:
					x = val[in.a] + val[in.b]
				case opSub:
					x = val[in.a] - val[in.b]
				case opMul:
					x = val[in.a] * val[in.b]
				default:
					x = val[in.a] / val[in.b]
				}
				*in = instr{op: opConst, imm: x}
				isConst[i], val[i] = true, x
			}
		case opNeg:
			if isConst[in.a] {
				x := -val[in.a]
				*in = instr{op: opConst, imm: x}
				isConst[i], val[i] = true, x
			}
		case opCall1:
			if isConst[in.a] {
				x := call1(in.fn, val[in.a])
				*in = instr{op: opConst, imm: x}
				isConst[i], val[i] = true, x
			}
		case opCall2:
			if isConst[in.a] && isConst[in.b] {
				x := math.Pow(val[in.a], val[in.b])
				*in = instr{op: opConst, imm: x}
				isConst[i], val[i] = true, x
			}
		}
	}
}

type vnKey struct {
	op  opcode
	a   int32
	b   int32
	imm float64
	fn  int32
}

// numberValues redirects uses of syntactically identical pure instructions
// to their first occurrence.
func numberValues(f *function) {
	seen := map[vnKey]int32{}
	remap := make([]int32, len(f.code))
	for i := range f.code {
		in := &f.code[i]
		remap[i] = int32(i)
		switch in.op {
		case opStoreJet, opStoreOut:
			in.b = remap[in.b]
			continue
		case opAdd, opSub, opMul, opDiv, opNeg, opCall1, opCall2:
			in.a = remap[in.a]
			if in.op != opNeg && in.op != opCall1 {
				in.b = remap[in.b]
			}
		}
		k := vnKey{op: in.op, a: in.a, b: in.b, imm: in.imm, fn: in.fn}
		if j, ok := seen[k]; ok {
			remap[i] = j
		} else {
			seen[k] = int32(i)
		}
	}
}

// eliminateDead drops instructions whose results never reach a store.
func eliminateDead(f *function) {
	live := make([]bool, len(f.code))
	for i := len(f.code) - 1; i >= 0; i-- {
		in := f.code[i]
		switch in.op {
		case opStoreJet, opStoreOut:
			live[i] = true
			live[in.b] = true
		default:
			if !live[i] {
				continue
			}
			switch in.op {
			case opAdd, opSub, opMul, opDiv:
				live[in.a], live[in.b] = true, true
			case opNeg, opCall1:
				live[in.a] = true
			case opCall2:
				live[in.a], live[in.b] = true, true
			}
		}
	}

	newIdx := make([]int32, len(f.code))
	out := f.code[:0]
	for i, in := range f.code {
		if !live[i] {
			continue
		}
		switch in.op {
		case opStoreJet, opStoreOut:
			in.b = newIdx[in.b]
		case opAdd, opSub, opMul, opDiv, opCall2:
			in.a, in.b = newIdx[in.a], newIdx[in.b]
		case opNeg, opCall1:
			in.a = newIdx[in.a]
		}
		newIdx[i] = int32(len(out))
		out = append(out, in)
	}
	f.code = out
	f.nregs = len(out)
}
