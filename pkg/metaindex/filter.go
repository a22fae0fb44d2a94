package metaindex

import (
	"strconv"
	"strings"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/vectorstore"
)

// Op is a comparison operator in the filter grammar.
type Op int

const (
	OpEQ Op = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	OpContains
	OpPrefix
)

// Expr is a node in a parsed filter expression tree: either a logical
// combinator (And/Or/Not) with Children, or a leaf comparison with
// Field/Op/Literal.
type Expr struct {
	kind     exprKind
	children []*Expr
	field    string
	op       Op
	literal  string
}

type exprKind int

const (
	kindAnd exprKind = iota
	kindOr
	kindNot
	kindCompare
)

// Leaf reports whether e is a single equality comparison (field == literal)
// with no logical combinators, and if so returns its field and literal.
// QueryEngine uses this to decide whether a filter is cheap enough to
// estimate selectivity from MetadataIndex.Count before choosing a pre-filter
// or post-filter execution path.
func (e *Expr) Leaf() (field, literal string, ok bool) {
	if e.kind != kindCompare || e.op != OpEQ {
		return "", "", false
	}
	return e.field, e.literal, true
}

// Parse compiles a filter expression string into an Expr tree per the
// grammar:
//
//	expr  := and ( "OR" and )*
//	and   := not ( "AND" not )*
//	not   := "NOT"? primary
//	primary := "(" expr ")" | ident OP literal
//	OP    := == | != | < | <= | > | >= | CONTAINS | PREFIX
//	literal := number | string | ident
func Parse(src string) (*Expr, error) {
	p := &parser{toks: tokenize(src)}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errs.Newf(errs.KindInvalidArgument, "metaindex.Parse", "unexpected token %q", p.toks[p.pos])
	}
	return e, nil
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (*Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*Expr{left}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Expr{kind: kindOr, children: children}, nil
}

func (p *parser) parseAnd() (*Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []*Expr{left}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &Expr{kind: kindAnd, children: children}, nil
}

func (p *parser) parseNot() (*Expr, error) {
	if strings.EqualFold(p.peek(), "NOT") {
		p.next()
		child, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &Expr{kind: kindNot, children: []*Expr{child}}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Expr, error) {
	if p.peek() == "(" {
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, errs.New(errs.KindInvalidArgument, "metaindex.Parse", "missing closing paren")
		}
		p.next()
		return e, nil
	}

	field := p.next()
	if field == "" {
		return nil, errs.New(errs.KindInvalidArgument, "metaindex.Parse", "expected field name")
	}
	opTok := p.next()
	op, ok := parseOp(opTok)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidArgument, "metaindex.Parse", "unknown operator %q", opTok)
	}
	literal := p.next()
	if literal == "" {
		return nil, errs.New(errs.KindInvalidArgument, "metaindex.Parse", "expected literal")
	}
	literal = strings.Trim(literal, `"'`)
	return &Expr{kind: kindCompare, field: field, op: op, literal: literal}, nil
}

func parseOp(tok string) (Op, bool) {
	switch tok {
	case "==":
		return OpEQ, true
	case "!=":
		return OpNE, true
	case "<":
		return OpLT, true
	case "<=":
		return OpLE, true
	case ">":
		return OpGT, true
	case ">=":
		return OpGE, true
	}
	switch strings.ToUpper(tok) {
	case "CONTAINS":
		return OpContains, true
	case "PREFIX":
		return OpPrefix, true
	}
	return 0, false
}

// tokenize splits src into whitespace-separated tokens, treating parens and
// the two-character operators as their own tokens, and quoted strings
// (single or double) as one token including their delimiters.
func tokenize(src string) []string {
	var toks []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '"' || c == '\'':
			j := i + 1
			for j < len(src) && src[j] != c {
				j++
			}
			end := j
			if j < len(src) {
				end = j + 1
			}
			toks = append(toks, src[i:end])
			i = end
		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, src[i:i+2])
				i += 2
			} else {
				toks = append(toks, string(c))
				i++
			}
		default:
			j := i
			for j < len(src) && src[j] != ' ' && src[j] != '\t' && src[j] != '\n' &&
				src[j] != '(' && src[j] != ')' {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		}
	}
	return toks
}

// Eval evaluates the expression against a vector's metadata and reports
// whether it matched. An absent field is treated as a non-match rather than
// an error (non-parsable strings fail the predicate); only a truly
// malformed predicate returns a non-nil error.
func (e *Expr) Eval(meta vectorstore.Metadata) (bool, error) {
	switch e.kind {
	case kindAnd:
		for _, c := range e.children {
			v, err := c.Eval(meta)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil
	case kindOr:
		for _, c := range e.children {
			v, err := c.Eval(meta)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	case kindNot:
		v, err := e.children[0].Eval(meta)
		if err != nil {
			return false, err
		}
		return !v, nil
	default:
		return e.evalCompare(meta)
	}
}

func (e *Expr) evalCompare(meta vectorstore.Metadata) (bool, error) {
	actual, ok := meta.Get(e.field)
	if !ok {
		return false, nil
	}

	switch e.op {
	case OpEQ:
		return actual == e.literal, nil
	case OpNE:
		return actual != e.literal, nil
	case OpContains:
		return strings.Contains(actual, e.literal), nil
	case OpPrefix:
		return strings.HasPrefix(actual, e.literal), nil
	case OpLT, OpLE, OpGT, OpGE:
		af, aerr := strconv.ParseFloat(actual, 64)
		lf, lerr := strconv.ParseFloat(e.literal, 64)
		if aerr != nil || lerr != nil {
			return false, nil
		}
		switch e.op {
		case OpLT:
			return af < lf, nil
		case OpLE:
			return af <= lf, nil
		case OpGT:
			return af > lf, nil
		default:
			return af >= lf, nil
		}
	}
	return false, errs.Newf(errs.KindInternal, "metaindex.Eval", "unhandled operator %d", e.op)
}
