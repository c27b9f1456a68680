package lazyarr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The expression grammar is closed: arithmetic and comparison operators
// with standard precedence, a fixed set of named elementwise functions,
// and reductions in either function form `sum(a)` or method form
// `a.sum()` / `a.sum(axis)`.
//
//	expr    := cmp
//	cmp     := addsub (("<"|"<="|">"|">="|"=="|"!=") addsub)*
//	addsub  := muldiv (("+"|"-") muldiv)*
//	muldiv  := unary (("*"|"/"|"%") unary)*
//	unary   := "-" unary | power
//	power   := postfix ("**" unary)?
//	postfix := primary ("." ident "(" [int] ")")*
//	primary := NUMBER | IDENT | IDENT "(" expr ("," expr)* ")" | "(" expr ")"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLparen
	tokRparen
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9':
			l.lexNumber()
		case unicode.IsLetter(rune(c)) || c == '_':
			l.lexIdent()
		case c == '(':
			l.emit(tokLparen, "(")
		case c == ')':
			l.emit(tokRparen, ")")
		case c == ',':
			l.emit(tokComma, ",")
		case c == '.':
			l.emit(tokDot, ".")
		case strings.ContainsRune("+-*/%<>=!", rune(c)):
			l.lexOp()
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, l.pos)
		}
	}
	l.toks = append(l.toks, token{kind: tokEOF, pos: l.pos})
	return l.toks, nil
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.toks = append(l.toks, token{kind: kind, text: text, pos: l.pos})
	l.pos += len(text)
}

func (l *lexer) lexNumber() {
	start := l.pos
	seenDot, seenExp := false, false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c >= '0' && c <= '9' {
			l.pos++
			continue
		}
		if c == '.' && !seenDot && !seenExp {
			// a dot followed by a letter starts a method call, not a decimal
			if l.pos+1 < len(l.src) && unicode.IsLetter(rune(l.src[l.pos+1])) {
				break
			}
			seenDot = true
			l.pos++
			continue
		}
		if (c == 'e' || c == 'E') && !seenExp && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			if next >= '0' && next <= '9' || next == '+' || next == '-' {
				seenExp = true
				l.pos += 2
				continue
			}
		}
		break
	}
	l.toks = append(l.toks, token{kind: tokNumber, text: l.src[start:l.pos], pos: start})
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' {
			l.pos++
			continue
		}
		break
	}
	l.toks = append(l.toks, token{kind: tokIdent, text: l.src[start:l.pos], pos: start})
}

func (l *lexer) lexOp() {
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "**", "<=", ">=", "==", "!=":
		l.emit(tokOp, two)
		return
	}
	l.emit(tokOp, l.src[l.pos:l.pos+1])
}

type parser struct {
	toks []token
	pos  int
}

// parseExpr parses an expression string into a tree. Unknown function
// names parse successfully; they surface as errors when shape or dtype is
// resolved.
func parseExpr(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseCmp() (Node, error) {
	left, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		switch t.text {
		case "<", "<=", ">", ">=", "==", "!=":
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseAddSub() (Node, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseMulDiv() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind == tokOp && t.text == "-" {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := child.(*Literal); ok {
			return &Literal{Value: -lit.Value, Float: lit.Float}, nil
		}
		return &UnaryExpr{Op: "-", Child: child}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Node, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp && t.text == "**" {
		// exponentiation is right-associative and binds above unary minus
		// on its right side
		p.next()
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: "**", Left: base, Right: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokDot {
		p.next()
		name, err := p.expect(tokIdent, "method name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokLparen, `"("`); err != nil {
			return nil, err
		}

		axis := AxisAll
		var extra []Node
		if p.peek().kind != tokRparen {
			arg, err := p.parseCmp()
			if err != nil {
				return nil, err
			}
			if _, isReduction := reductions[name.text]; isReduction {
				lit, ok := arg.(*Literal)
				if !ok || lit.Value != float64(int(lit.Value)) {
					return nil, fmt.Errorf("%s axis at position %d must be an integer literal", name.text, name.pos)
				}
				axis = int(lit.Value)
			} else {
				extra = append(extra, arg)
			}
			for p.peek().kind == tokComma {
				p.next()
				arg, err := p.parseCmp()
				if err != nil {
					return nil, err
				}
				extra = append(extra, arg)
			}
		}
		if _, err := p.expect(tokRparen, `")"`); err != nil {
			return nil, err
		}

		if _, isReduction := reductions[name.text]; isReduction {
			n = &ReduceExpr{Op: name.text, Child: n, Axis: axis}
		} else {
			n = &CallExpr{Name: name.text, Args: append([]Node{n}, extra...)}
		}
	}
	return n, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return &Literal{Value: v, Float: strings.ContainsAny(t.text, ".eE")}, nil

	case tokIdent:
		if p.peek().kind != tokLparen {
			return &OperandRef{Name: t.text}, nil
		}
		p.next()
		var args []Node
		if p.peek().kind != tokRparen {
			for {
				arg, err := p.parseCmp()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if _, err := p.expect(tokRparen, `")"`); err != nil {
			return nil, err
		}

		if _, isReduction := reductions[t.text]; isReduction {
			switch len(args) {
			case 1:
				return &ReduceExpr{Op: t.text, Child: args[0], Axis: AxisAll}, nil
			case 2:
				lit, ok := args[1].(*Literal)
				if !ok || lit.Value != float64(int(lit.Value)) {
					return nil, fmt.Errorf("%s axis must be an integer literal", t.text)
				}
				return &ReduceExpr{Op: t.text, Child: args[0], Axis: int(lit.Value)}, nil
			default:
				return nil, fmt.Errorf("%s takes 1 or 2 arguments, got %d", t.text, len(args))
			}
		}
		return &CallExpr{Name: t.text, Args: args}, nil

	case tokLparen:
		n, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRparen, `")"`); err != nil {
			return nil, err
		}
		return n, nil

	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}
