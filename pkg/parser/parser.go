package parser

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"taylor-ode/pkg/expr"
	"taylor-ode/pkg/taylor"
)

// Parse reads a textual ODE system, one equation per line in the form
//
//	x' = -sin(x) + par[0] * t
//
// Blank lines and lines starting with # or * are skipped. The right-hand
// sides may use numbers, state variables, par[i], the time variable t, the
// operators + - * / ^ with the usual precedence, and the registered
// functions sin, cos, exp, log, sqrt, pow and erf.
func Parse(input string) ([]taylor.Equation, error) {
	var sys []taylor.Equation

	scanner := bufio.NewScanner(strings.NewReader(input))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "*") {
			continue
		}

		lhs, rhs, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '=' in %q", lineNo, line)
		}
		name := strings.TrimSpace(lhs)
		if !strings.HasSuffix(name, "'") {
			return nil, fmt.Errorf("line %d: left-hand side %q is not of the v' form", lineNo, name)
		}
		name = strings.TrimSpace(strings.TrimSuffix(name, "'"))
		if name == "" || !isIdent(name) {
			return nil, fmt.Errorf("line %d: invalid variable name %q", lineNo, name)
		}

		e, err := parseExpr(rhs)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineNo, err)
		}
		sys = append(sys, taylor.Equation{Lhs: expr.Var(name), Rhs: e})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading system: %v", err)
	}
	if len(sys) == 0 {
		return nil, fmt.Errorf("no equations found")
	}
	return sys, nil
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

type tokenKind int

const (
	tokNum tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type lexer struct {
	toks []token
	pos  int
}

func lex(s string) (*lexer, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			// Exponent part.
			if j < len(s) && (s[j] == 'e' || s[j] == 'E') {
				k := j + 1
				if k < len(s) && (s[k] == '+' || s[k] == '-') {
					k++
				}
				for k < len(s) && s[k] >= '0' && s[k] <= '9' {
					k++
				}
				j = k
			}
			x, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", s[i:j])
			}
			toks = append(toks, token{kind: tokNum, num: x})
			i = j
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
			j := i
			for j < len(s) && (s[j] >= 'a' && s[j] <= 'z' || s[j] >= 'A' && s[j] <= 'Z' ||
				s[j] >= '0' && s[j] <= '9' || s[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		case c == '+' || c == '-' || c == '*' || c == '/' || c == '^':
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return &lexer{toks: toks}, nil
}

func (l *lexer) peek() token { return l.toks[l.pos] }
func (l *lexer) next() token { t := l.toks[l.pos]; l.pos++; return t }

func (l *lexer) expect(kind tokenKind, what string) error {
	if l.peek().kind != kind {
		return fmt.Errorf("expected %s", what)
	}
	l.next()
	return nil
}

func parseExpr(s string) (expr.Expr, error) {
	l, err := lex(s)
	if err != nil {
		return nil, err
	}
	e, err := parseSum(l)
	if err != nil {
		return nil, err
	}
	if l.peek().kind != tokEOF {
		return nil, fmt.Errorf("trailing input after expression")
	}
	return e, nil
}

func parseSum(l *lexer) (expr.Expr, error) {
	e, err := parseProduct(l)
	if err != nil {
		return nil, err
	}
	for l.peek().kind == tokOp && (l.peek().text == "+" || l.peek().text == "-") {
		op := l.next().text
		rhs, err := parseProduct(l)
		if err != nil {
			return nil, err
		}
		if op == "+" {
			e = expr.Add(e, rhs)
		} else {
			e = expr.Sub(e, rhs)
		}
	}
	return e, nil
}

func parseProduct(l *lexer) (expr.Expr, error) {
	e, err := parseUnary(l)
	if err != nil {
		return nil, err
	}
	for l.peek().kind == tokOp && (l.peek().text == "*" || l.peek().text == "/") {
		op := l.next().text
		rhs, err := parseUnary(l)
		if err != nil {
			return nil, err
		}
		if op == "*" {
			e = expr.Mul(e, rhs)
		} else {
			e = expr.Div(e, rhs)
		}
	}
	return e, nil
}

func parseUnary(l *lexer) (expr.Expr, error) {
	if l.peek().kind == tokOp {
		switch l.peek().text {
		case "-":
			l.next()
			e, err := parseUnary(l)
			if err != nil {
				return nil, err
			}
			return expr.Neg(e), nil
		case "+":
			l.next()
			return parseUnary(l)
		}
	}
	return parsePower(l)
}

func parsePower(l *lexer) (expr.Expr, error) {
	e, err := parseAtom(l)
	if err != nil {
		return nil, err
	}
	if l.peek().kind == tokOp && l.peek().text == "^" {
		l.next()
		// Right associative.
		rhs, err := parseUnary(l)
		if err != nil {
			return nil, err
		}
		return expr.Pow(e, rhs), nil
	}
	return e, nil
}

var funcBuilders = map[string]func(args []expr.Expr) (expr.Expr, error){
	"sin":  unaryBuilder("sin", expr.Sin),
	"cos":  unaryBuilder("cos", expr.Cos),
	"exp":  unaryBuilder("exp", expr.Exp),
	"log":  unaryBuilder("log", expr.Log),
	"sqrt": unaryBuilder("sqrt", expr.Sqrt),
	"erf":  unaryBuilder("erf", expr.Erf),
	"pow": func(args []expr.Expr) (expr.Expr, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pow takes 2 arguments, got %d", len(args))
		}
		return expr.Pow(args[0], args[1]), nil
	},
}

func unaryBuilder(name string, build func(expr.Expr) expr.Expr) func([]expr.Expr) (expr.Expr, error) {
	return func(args []expr.Expr) (expr.Expr, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(args))
		}
		return build(args[0]), nil
	}
}

func parseAtom(l *lexer) (expr.Expr, error) {
	tok := l.next()
	switch tok.kind {
	case tokNum:
		return expr.Num(tok.num), nil
	case tokLParen:
		e, err := parseSum(l)
		if err != nil {
			return nil, err
		}
		if err := l.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	case tokIdent:
		switch {
		case tok.text == "t":
			return expr.Time(), nil
		case tok.text == "par":
			if err := l.expect(tokLBracket, "'[' after par"); err != nil {
				return nil, err
			}
			idx := l.next()
			if idx.kind != tokNum || idx.num != float64(int(idx.num)) || idx.num < 0 {
				return nil, fmt.Errorf("bad parameter index")
			}
			if err := l.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			return expr.Par(int(idx.num)), nil
		case l.peek().kind == tokLParen:
			build, ok := funcBuilders[tok.text]
			if !ok {
				return nil, fmt.Errorf("unknown function %q", tok.text)
			}
			l.next()
			var args []expr.Expr
			for {
				a, err := parseSum(l)
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if l.peek().kind != tokComma {
					break
				}
				l.next()
			}
			if err := l.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return build(args)
		default:
			return expr.Var(tok.text), nil
		}
	default:
		return nil, fmt.Errorf("unexpected token in expression")
	}
}
