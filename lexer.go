package relward

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokBang
	tokAnd
	tokOr
	tokEq
	tokNe
	tokGt
	tokGte
	tokLt
	tokLte
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokQuestion
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  int // byte offset into the rule source
}

type lexer struct {
	src string
	off int
}

func newLexer(src string) *lexer { return &lexer{src: src} }

func (l *lexer) next() (token, error) {
	for l.off < len(l.src) {
		c := l.src[l.off]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			l.off++
			continue
		}
		break
	}
	start := l.off
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	c := l.src[l.off]
	switch {
	case c == '(':
		l.off++
		return token{tokLParen, "(", start}, nil
	case c == ')':
		l.off++
		return token{tokRParen, ")", start}, nil
	case c == '[':
		l.off++
		return token{tokLBracket, "[", start}, nil
	case c == ']':
		l.off++
		return token{tokRBracket, "]", start}, nil
	case c == '?':
		l.off++
		return token{tokQuestion, "?", start}, nil
	case c == '.':
		l.off++
		return token{tokDot, ".", start}, nil
	case c == '&':
		if !l.have(start+1, '&') {
			return token{}, parseErrf(start, "expected && after &")
		}
		l.off += 2
		return token{tokAnd, "&&", start}, nil
	case c == '|':
		if !l.have(start+1, '|') {
			return token{}, parseErrf(start, "expected || after |")
		}
		l.off += 2
		return token{tokOr, "||", start}, nil
	case c == '=':
		if !l.have(start+1, '=') {
			return token{}, parseErrf(start, "expected == after =")
		}
		l.off += 2
		return token{tokEq, "==", start}, nil
	case c == '!':
		if l.have(start+1, '=') {
			l.off += 2
			return token{tokNe, "!=", start}, nil
		}
		l.off++
		return token{tokBang, "!", start}, nil
	case c == '>':
		if l.have(start+1, '=') {
			l.off += 2
			return token{tokGte, ">=", start}, nil
		}
		l.off++
		return token{tokGt, ">", start}, nil
	case c == '<':
		if l.have(start+1, '=') {
			l.off += 2
			return token{tokLte, "<=", start}, nil
		}
		l.off++
		return token{tokLt, "<", start}, nil
	case c == '"' || c == '\'':
		return l.lexString()
	case c == '-' || (c >= '0' && c <= '9'):
		return l.lexNumber()
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.off:])
	if isIdentStart(r) {
		return l.lexIdent()
	}
	return token{}, parseErrf(start, "unexpected character %q", r)
}

func (l *lexer) have(off int, c byte) bool {
	return off < len(l.src) && l.src[off] == c
}

func (l *lexer) lexString() (token, error) {
	start := l.off
	quote := l.src[l.off]
	l.off++
	var b strings.Builder
	for l.off < len(l.src) {
		c := l.src[l.off]
		switch c {
		case quote:
			l.off++
			return token{tokString, b.String(), start}, nil
		case '\\':
			l.off++
			if l.off >= len(l.src) {
				return token{}, parseErrf(start, "unterminated string")
			}
			switch esc := l.src[l.off]; esc {
			case '\\', '"', '\'':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				return token{}, parseErrf(l.off-1, "unknown escape \\%c", esc)
			}
			l.off++
		default:
			b.WriteByte(c)
			l.off++
		}
	}
	return token{}, parseErrf(start, "unterminated string")
}

func (l *lexer) lexNumber() (token, error) {
	start := l.off
	if l.src[l.off] == '-' {
		l.off++
		if l.off >= len(l.src) || l.src[l.off] < '0' || l.src[l.off] > '9' {
			return token{}, parseErrf(start, "expected digit after -")
		}
	}
	for l.off < len(l.src) && l.src[l.off] >= '0' && l.src[l.off] <= '9' {
		l.off++
	}
	if l.off < len(l.src) && l.src[l.off] == '.' {
		l.off++
		if l.off >= len(l.src) || l.src[l.off] < '0' || l.src[l.off] > '9' {
			return token{}, parseErrf(l.off-1, "expected digit after decimal point")
		}
		for l.off < len(l.src) && l.src[l.off] >= '0' && l.src[l.off] <= '9' {
			l.off++
		}
	}
	return token{tokNumber, l.src[start:l.off], start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.off
	for l.off < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.off:])
		if !isIdentPart(r) {
			break
		}
		l.off += size
	}
	return token{tokIdent, l.src[start:l.off], start}, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
