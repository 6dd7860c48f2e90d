package relward

import (
	"strconv"
	"strings"

	"github.com/oarkflow/date"
)

// CompileRule compiles rule text against the registry with the named
// entity as the implicit subject. The result is fully bound: every
// identifier is resolved to a declaration and every comparison is type
// checked, so evaluation can only fail on data, never on the rule itself.
//
// The grammar, loosest first: || over && over ! over comparisons.
// Comparisons are non-associative. A quantification relation?[predicate]
// holds when some member of a to-many relation satisfies the predicate.
// Negation applies to the comparison or parenthesized group that follows
// it.
func CompileRule(reg *Registry, entity, src string) (Expr, error) {
	def, ok := reg.Entity(entity)
	if !ok {
		return nil, schemaErrf("", "unknown entity %q", entity)
	}
	return compileRule(reg, def, src)
}

func compileRule(reg *Registry, def *EntityDefinition, src string) (Expr, error) {
	p := &parser{lex: newLexer(src), reg: reg, def: def}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		if _, chained := cmpOpOf(p.tok.kind); chained {
			return nil, parseErrf(p.tok.pos, "comparisons cannot be chained")
		}
		return nil, parseErrf(p.tok.pos, "unexpected %s", describeToken(p.tok))
	}
	return e, nil
}

type parser struct {
	lex *lexer
	tok token
	reg *Registry
	def *EntityDefinition // implicit subject, swapped inside quantifiers
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.tok.kind == tokBang {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, parseErrf(p.tok.pos, "expected ), got %s", describeToken(p.tok))
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return e, nil
	}
	term, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if term.path != nil && p.tok.kind == tokQuestion {
		q, err := p.parseQuantifier(term)
		if err != nil {
			return nil, err
		}
		if _, cmp := cmpOpOf(p.tok.kind); cmp {
			return nil, parseErrf(p.tok.pos, "a quantifier result cannot be compared")
		}
		return q, nil
	}
	if op, ok := cmpOpOf(p.tok.kind); ok {
		opPos := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if _, chained := cmpOpOf(p.tok.kind); chained {
			return nil, parseErrf(p.tok.pos, "comparisons cannot be chained")
		}
		return p.bindComparison(op, opPos, term, right)
	}
	return p.bindBare(term)
}

// rawTerm is an operand before binding: a literal or an identifier path.
type rawTerm struct {
	pos  int
	lit  *Literal
	path []string
}

func (p *parser) parseTerm() (*rawTerm, error) {
	t := p.tok
	switch t.kind {
	case tokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &rawTerm{pos: t.pos, lit: &Literal{value: t.text, text: strconv.Quote(t.text)}}, nil
	case tokNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if strings.ContainsRune(t.text, '.') {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, parseErrf(t.pos, "bad number %q", t.text)
			}
			return &rawTerm{pos: t.pos, lit: &Literal{value: f, text: t.text}}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, parseErrf(t.pos, "bad number %q", t.text)
		}
		return &rawTerm{pos: t.pos, lit: &Literal{value: n, text: t.text}}, nil
	case tokIdent:
		switch t.text {
		case "true", "false":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &rawTerm{pos: t.pos, lit: &Literal{value: t.text == "true", text: t.text}}, nil
		case "null":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &rawTerm{pos: t.pos, lit: &Literal{value: nil, text: "null"}}, nil
		}
		path := []string{t.text}
		if err := p.advance(); err != nil {
			return nil, err
		}
		for p.tok.kind == tokDot {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, parseErrf(p.tok.pos, "expected a name after ., got %s", describeToken(p.tok))
			}
			path = append(path, p.tok.text)
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return &rawTerm{pos: t.pos, path: path}, nil
	}
	return nil, parseErrf(t.pos, "expected a value, got %s", describeToken(t))
}

func (p *parser) parseQuantifier(term *rawTerm) (Expr, error) {
	if err := p.advance(); err != nil { // consume ?
		return nil, err
	}
	if p.tok.kind != tokLBracket {
		return nil, parseErrf(p.tok.pos, "expected [ after ?, got %s", describeToken(p.tok))
	}
	hops, rel, err := p.bindManyPath(term.pos, term.path)
	if err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil { // consume [
		return nil, err
	}
	saved := p.def
	p.def = p.reg.entities[rel.Target]
	pred, err := p.parseOr()
	p.def = saved
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokRBracket {
		return nil, parseErrf(p.tok.pos, "expected ] to close the quantifier, got %s", describeToken(p.tok))
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &ExistsExpr{Predicate: pred, path: term.path, hops: hops, rel: rel}, nil
}

func (p *parser) bindManyPath(pos int, path []string) ([]*RelationDefinition, *RelationDefinition, error) {
	if path[0] == "actor" {
		return nil, nil, parseErrf(pos, "cannot quantify from actor")
	}
	cur := p.def
	var hops []*RelationDefinition
	for i, seg := range path {
		rel, ok := cur.Relation(seg)
		if !ok {
			if _, isField := cur.Field(seg); isField {
				return nil, nil, parseErrf(pos, "%s is a field of %s, not a relation", seg, cur.Name)
			}
			return nil, nil, parseErrf(pos, "unknown relation %s on %s", seg, cur.Name)
		}
		if i == len(path)-1 {
			if rel.Cardinality != Many {
				return nil, nil, parseErrf(pos, "relation %s on %s is to-one; ?[...] needs a to-many relation", seg, cur.Name)
			}
			return hops, rel, nil
		}
		if rel.Cardinality != One {
			return nil, nil, parseErrf(pos, "cannot traverse to-many relation %s; quantify it with ?[...]", seg)
		}
		hops = append(hops, rel)
		cur = p.reg.entities[rel.Target]
	}
	return nil, nil, parseErrf(pos, "empty relation path")
}

func (p *parser) bindBare(term *rawTerm) (Expr, error) {
	if term.lit != nil {
		if b, ok := term.lit.value.(bool); ok {
			return &BoolLiteral{Value: b}, nil
		}
		return nil, parseErrf(term.pos, "%s is not a boolean expression", term.lit.text)
	}
	op, desc, err := p.bindOperand(term)
	if err != nil {
		return nil, err
	}
	if desc.kind != tBool {
		return nil, parseErrf(term.pos, "%s is not boolean; compare it explicitly", strings.Join(term.path, "."))
	}
	return &CompareExpr{Op: CmpEq, Left: op, Right: &Literal{value: true, text: "true"}, bare: true}, nil
}

func (p *parser) bindComparison(op CmpOp, opPos int, l, r *rawTerm) (Expr, error) {
	lop, lt, lerr := p.bindOperand(l)
	rop, rt, rerr := p.bindOperand(r)

	// A bare identifier next to an enum field names one of its members.
	if lerr != nil && rerr == nil && rt.kind == tEnum && singleIdent(l) {
		lop, lt, lerr = p.rescueEnumMember(l, rt.enum)
	}
	if rerr != nil && lerr == nil && lt.kind == tEnum && singleIdent(r) {
		rop, rt, rerr = p.rescueEnumMember(r, lt.enum)
	}
	if lerr != nil {
		return nil, lerr
	}
	if rerr != nil {
		return nil, rerr
	}

	// Quoted member names are validated against the enum as well.
	if err := checkEnumLiteral(lt, rop, rt, r.pos); err != nil {
		return nil, err
	}
	if err := checkEnumLiteral(rt, lop, lt, l.pos); err != nil {
		return nil, err
	}

	// String literals next to a time field are fixed at compile time.
	if lt.kind == tTime && rt.kind == tString && rt.lit {
		fixed, err := coerceTimeLiteral(rop.(*Literal), r.pos)
		if err != nil {
			return nil, err
		}
		rop, rt = fixed, typeDesc{kind: tTime, lit: true}
	}
	if rt.kind == tTime && lt.kind == tString && lt.lit {
		fixed, err := coerceTimeLiteral(lop.(*Literal), l.pos)
		if err != nil {
			return nil, err
		}
		lop, lt = fixed, typeDesc{kind: tTime, lit: true}
	}

	if err := checkComparable(op, opPos, lt, rt); err != nil {
		return nil, err
	}
	return &CompareExpr{Op: op, Left: lop, Right: rop}, nil
}

func singleIdent(t *rawTerm) bool {
	return t.lit == nil && len(t.path) == 1 && t.path[0] != "actor"
}

func (p *parser) rescueEnumMember(t *rawTerm, enum *FieldDefinition) (Operand, typeDesc, error) {
	name := t.path[0]
	if !enum.isMember(name) {
		return nil, typeDesc{}, parseErrf(t.pos, "%s is neither a field of %s nor a member of enum %s", name, p.def.Name, enum.Name)
	}
	return &Literal{value: name, text: name}, typeDesc{kind: tString, lit: true}, nil
}

func checkEnumLiteral(fieldSide typeDesc, lit Operand, litSide typeDesc, pos int) error {
	if fieldSide.kind != tEnum || litSide.kind != tString || !litSide.lit {
		return nil
	}
	v := lit.(*Literal).value.(string)
	if !fieldSide.enum.isMember(v) {
		return parseErrf(pos, "%q is not a member of enum %s", v, fieldSide.enum.Name)
	}
	return nil
}

func coerceTimeLiteral(lit *Literal, pos int) (*Literal, error) {
	ts, err := date.Parse(lit.value.(string))
	if err != nil {
		return nil, parseErrf(pos, "cannot parse %s as a time", lit.text)
	}
	return &Literal{value: ts, text: lit.text}, nil
}

type typeKind int

const (
	tString typeKind = iota
	tInt
	tFloat
	tBool
	tTime
	tEnum
	tRef
	tNull
)

func (k typeKind) String() string {
	switch k {
	case tString:
		return "string"
	case tInt:
		return "int"
	case tFloat:
		return "float"
	case tBool:
		return "bool"
	case tTime:
		return "time"
	case tEnum:
		return "enum"
	case tRef:
		return "identity"
	case tNull:
		return "null"
	}
	return "unknown"
}

type typeDesc struct {
	kind   typeKind
	lit    bool
	enum   *FieldDefinition
	target string
}

func (p *parser) bindOperand(t *rawTerm) (Operand, typeDesc, error) {
	if t.lit != nil {
		switch t.lit.value.(type) {
		case string:
			return t.lit, typeDesc{kind: tString, lit: true}, nil
		case int64:
			return t.lit, typeDesc{kind: tInt, lit: true}, nil
		case float64:
			return t.lit, typeDesc{kind: tFloat, lit: true}, nil
		case bool:
			return t.lit, typeDesc{kind: tBool, lit: true}, nil
		}
		return t.lit, typeDesc{kind: tNull, lit: true}, nil
	}
	if t.path[0] == "actor" {
		return p.bindActor(t)
	}
	return p.bindFieldPath(t)
}

func (p *parser) bindActor(t *rawTerm) (Operand, typeDesc, error) {
	if p.reg.principal == "" {
		return nil, typeDesc{}, parseErrf(t.pos, "schema declares no principal entity; actor is unavailable")
	}
	if len(t.path) == 1 {
		return &ActorRef{}, typeDesc{kind: tRef, target: p.reg.principal}, nil
	}
	if len(t.path) > 2 {
		return nil, typeDesc{}, parseErrf(t.pos, "cannot traverse %s; actor exposes a single attribute level", strings.Join(t.path, "."))
	}
	principal := p.reg.entities[p.reg.principal]
	f, ok := principal.Field(t.path[1])
	if !ok {
		return nil, typeDesc{}, parseErrf(t.pos, "principal %s has no field %s", principal.Name, t.path[1])
	}
	return &ActorRef{attr: t.path[1]}, descForField(f), nil
}

func (p *parser) bindFieldPath(t *rawTerm) (Operand, typeDesc, error) {
	cur := p.def
	var hops []*RelationDefinition
	for i, seg := range t.path {
		last := i == len(t.path)-1
		if f, ok := cur.Field(seg); ok {
			if !last {
				return nil, typeDesc{}, parseErrf(t.pos, "cannot traverse into field %s of %s", seg, cur.Name)
			}
			return &FieldPath{path: t.path, hops: hops, field: f}, descForField(f), nil
		}
		rel, ok := cur.Relation(seg)
		if !ok {
			return nil, typeDesc{}, parseErrf(t.pos, "unknown field or relation %s on %s", seg, cur.Name)
		}
		if last {
			if rel.Cardinality == Many {
				return nil, typeDesc{}, parseErrf(t.pos, "to-many relation %s cannot be compared; quantify it with ?[...]", seg)
			}
			return &FieldPath{path: t.path, hops: hops, rel: rel}, typeDesc{kind: tRef, target: rel.Target}, nil
		}
		if rel.Cardinality != One {
			return nil, typeDesc{}, parseErrf(t.pos, "cannot traverse to-many relation %s; quantify it with ?[...]", seg)
		}
		hops = append(hops, rel)
		cur = p.reg.entities[rel.Target]
	}
	return nil, typeDesc{}, parseErrf(t.pos, "empty path")
}

func descForField(f *FieldDefinition) typeDesc {
	switch f.Type {
	case TypeInt:
		return typeDesc{kind: tInt}
	case TypeFloat:
		return typeDesc{kind: tFloat}
	case TypeBool:
		return typeDesc{kind: tBool}
	case TypeTime:
		return typeDesc{kind: tTime}
	case TypeEnum:
		return typeDesc{kind: tEnum, enum: f}
	}
	return typeDesc{kind: tString}
}

func checkComparable(op CmpOp, pos int, l, r typeDesc) error {
	ordering := op != CmpEq && op != CmpNe
	if l.kind == tNull || r.kind == tNull {
		if ordering {
			return parseErrf(pos, "null supports only == and !=")
		}
		return nil
	}
	if l.kind == tRef || r.kind == tRef {
		if l.kind != r.kind {
			return parseErrf(pos, "cannot compare %s to %s", l.kind, r.kind)
		}
		if ordering {
			return parseErrf(pos, "identities support only == and !=")
		}
		if l.target != r.target {
			return parseErrf(pos, "cannot compare %s identity to %s identity", l.target, r.target)
		}
		return nil
	}
	numeric := func(k typeKind) bool { return k == tInt || k == tFloat }
	if numeric(l.kind) && numeric(r.kind) {
		return nil
	}
	if l.kind == tTime && r.kind == tTime {
		return nil
	}
	strish := func(k typeKind) bool { return k == tString || k == tEnum }
	if strish(l.kind) && strish(r.kind) {
		if ordering {
			return parseErrf(pos, "strings support only == and !=")
		}
		return nil
	}
	if l.kind == tBool && r.kind == tBool {
		if ordering {
			return parseErrf(pos, "booleans support only == and !=")
		}
		return nil
	}
	return parseErrf(pos, "cannot compare %s to %s", l.kind, r.kind)
}

func cmpOpOf(k tokenKind) (CmpOp, bool) {
	switch k {
	case tokEq:
		return CmpEq, true
	case tokNe:
		return CmpNe, true
	case tokGt:
		return CmpGt, true
	case tokGte:
		return CmpGte, true
	case tokLt:
		return CmpLt, true
	case tokLte:
		return CmpLte, true
	}
	return "", false
}

func describeToken(t token) string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return strconv.Quote(t.text)
}
