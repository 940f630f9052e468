package lql

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenTimespan
	tokenPipe
	tokenComma
	tokenLParen
	tokenRParen
	tokenOp // == != < <= > >= =
	tokenBangIn
)

type token struct {
	typ  tokenType
	text string
	line int
	col  int
}

func (t token) String() string {
	switch t.typ {
	case tokenEOF:
		return "end of query"
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// lexer produces the token stream. Timespan literals (1h, 7d, 30m, 10s) are
// lexed as their own token type so the parser never confuses them with
// numbers.
type lexer struct {
	input string
	pos   int
	line  int
	col   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, line: 1, col: 1}
}

func (l *lexer) errorf(line, col int, format string, args ...interface{}) ParseError {
	return ParseError{
		Kind:    SyntaxError,
		Line:    line,
		Col:     col,
		Message: fmt.Sprintf(format, args...),
	}
}

func (l *lexer) lex() ([]token, *ParseError) {
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.typ == tokenEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) peekByte() byte {
	if l.pos >= len(l.input) {
		return 0
	}
	return l.input[l.pos]
}

func (l *lexer) advance() byte {
	ch := l.input[l.pos]
	l.pos++
	if ch == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return ch
}

func (l *lexer) next() (token, *ParseError) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.peekByte())) {
		l.advance()
	}
	line, col := l.line, l.col
	if l.pos >= len(l.input) {
		return token{typ: tokenEOF, line: line, col: col}, nil
	}

	ch := l.peekByte()
	switch {
	case ch == '|':
		l.advance()
		return token{typ: tokenPipe, text: "|", line: line, col: col}, nil
	case ch == ',':
		l.advance()
		return token{typ: tokenComma, text: ",", line: line, col: col}, nil
	case ch == '(':
		l.advance()
		return token{typ: tokenLParen, text: "(", line: line, col: col}, nil
	case ch == ')':
		l.advance()
		return token{typ: tokenRParen, text: ")", line: line, col: col}, nil
	case ch == '"':
		return l.lexString(line, col)
	case ch == '!':
		l.advance()
		if l.peekByte() == '=' {
			l.advance()
			return token{typ: tokenOp, text: "!=", line: line, col: col}, nil
		}
		// !in
		start := l.pos
		for l.pos < len(l.input) && isIdentByte(l.peekByte()) {
			l.advance()
		}
		if l.input[start:l.pos] == "in" {
			return token{typ: tokenBangIn, text: "!in", line: line, col: col}, nil
		}
		err := l.errorf(line, col, "unexpected character %q", ch)
		return token{}, &err
	case ch == '=' || ch == '<' || ch == '>':
		l.advance()
		text := string(ch)
		if l.peekByte() == '=' {
			l.advance()
			text += "="
		}
		return token{typ: tokenOp, text: text, line: line, col: col}, nil
	case ch >= '0' && ch <= '9':
		return l.lexNumber(line, col)
	case isIdentStart(ch):
		start := l.pos
		for l.pos < len(l.input) && isIdentByte(l.peekByte()) {
			l.advance()
		}
		return token{typ: tokenIdent, text: l.input[start:l.pos], line: line, col: col}, nil
	default:
		err := l.errorf(line, col, "unexpected character %q", ch)
		return token{}, &err
	}
}

func (l *lexer) lexString(line, col int) (token, *ParseError) {
	l.advance() // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.input) {
			err := l.errorf(line, col, "unterminated string literal")
			return token{}, &err
		}
		ch := l.advance()
		if ch == '"' {
			return token{typ: tokenString, text: sb.String(), line: line, col: col}, nil
		}
		if ch == '\\' && l.pos < len(l.input) {
			esc := l.advance()
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '"':
				sb.WriteByte(esc)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(esc)
			}
			continue
		}
		sb.WriteByte(ch)
	}
}

func (l *lexer) lexNumber(line, col int) (token, *ParseError) {
	start := l.pos
	for l.pos < len(l.input) && (isDigit(l.peekByte()) || l.peekByte() == '.') {
		l.advance()
	}
	num := l.input[start:l.pos]

	// A unit suffix makes it a timespan: 90s, 30m, 12h, 7d.
	if l.pos < len(l.input) && isSpanUnit(l.peekByte()) && !strings.Contains(num, ".") {
		unit := l.advance()
		// The unit must not continue into an identifier (e.g. "4h5" or "1hx").
		if l.pos < len(l.input) && isIdentByte(l.peekByte()) {
			err := l.errorf(line, col, "malformed timespan literal %q", num+string(unit))
			return token{}, &err
		}
		return token{typ: tokenTimespan, text: num + string(unit), line: line, col: col}, nil
	}

	return token{typ: tokenNumber, text: num, line: line, col: col}, nil
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch == '$' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentByte(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '.'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isSpanUnit(ch byte) bool {
	return ch == 's' || ch == 'm' || ch == 'h' || ch == 'd'
}
