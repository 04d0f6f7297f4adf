package extauth

import (
	"fmt"
	"strings"
)

// BoolExpr is a parsed boolean expression over named config outcomes.
// Supported operators are ! (not), && (and) and || (or), with the usual
// precedence and parentheses. The word forms not/and/or are also accepted.
type BoolExpr struct {
	root  exprNode
	names map[string]bool
}

// ParseBoolExpr parses src. Config names may contain letters, digits and
// the characters _ . - which is why this is a hand-rolled parser rather
// than a general expression engine.
func ParseBoolExpr(src string) (*BoolExpr, error) {
	toks, err := lexBoolExpr(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("boolean expression: unexpected token %q", p.toks[p.pos].text)
	}
	names := map[string]bool{}
	collectNames(root, names)
	return &BoolExpr{root: root, names: names}, nil
}

// Names returns every config name the expression references.
func (e *BoolExpr) Names() []string {
	out := make([]string, 0, len(e.names))
	for n := range e.names {
		out = append(out, n)
	}
	return out
}

// Eval evaluates the expression over the given outcomes. Every referenced
// name must be present; ParseBoolExpr callers validate this at load time.
func (e *BoolExpr) Eval(outcomes map[string]bool) bool {
	return e.root.eval(outcomes)
}

type exprNode interface {
	eval(map[string]bool) bool
}

type nameNode string

func (n nameNode) eval(m map[string]bool) bool { return m[string(n)] }

type notNode struct{ inner exprNode }

func (n notNode) eval(m map[string]bool) bool { return !n.inner.eval(m) }

type binNode struct {
	and         bool
	left, right exprNode
}

func (n binNode) eval(m map[string]bool) bool {
	if n.and {
		return n.left.eval(m) && n.right.eval(m)
	}
	return n.left.eval(m) || n.right.eval(m)
}

func collectNames(n exprNode, into map[string]bool) {
	switch v := n.(type) {
	case nameNode:
		into[string(v)] = true
	case notNode:
		collectNames(v.inner, into)
	case binNode:
		collectNames(v.left, into)
		collectNames(v.right, into)
	}
}

type tokenKind int

const (
	tokName tokenKind = iota
	tokNot
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func isNameChar(c byte) bool {
	return c == '_' || c == '.' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func lexBoolExpr(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '!':
			toks = append(toks, token{tokNot, "!"})
			i++
		case c == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, fmt.Errorf("boolean expression: single & at offset %d", i)
			}
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case c == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, fmt.Errorf("boolean expression: single | at offset %d", i)
			}
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case isNameChar(c):
			j := i
			for j < len(src) && isNameChar(src[j]) {
				j++
			}
			word := src[i:j]
			switch strings.ToLower(word) {
			case "not":
				toks = append(toks, token{tokNot, word})
			case "and":
				toks = append(toks, token{tokAnd, word})
			case "or":
				toks = append(toks, token{tokOr, word})
			default:
				toks = append(toks, token{tokName, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("boolean expression: invalid character %q at offset %d", c, i)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("boolean expression: empty")
	}
	return toks, nil
}

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binNode{and: false, left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binNode{and: true, left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (exprNode, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("boolean expression: unexpected end of input")
	}
	switch t.kind {
	case tokNot:
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		t, ok := p.peek()
		if !ok || t.kind != tokRParen {
			return nil, fmt.Errorf("boolean expression: missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokName:
		p.pos++
		return nameNode(t.text), nil
	default:
		return nil, fmt.Errorf("boolean expression: unexpected token %q", t.text)
	}
}
