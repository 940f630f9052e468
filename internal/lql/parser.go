package lql

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// aggregation functions accepted by summarize.
var aggFuncs = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true, "dcount": true,
}

var joinKinds = map[string]JoinKind{
	"inner": JoinInner,
	"left":  JoinLeft,
	"right": JoinRight,
	"full":  JoinFull,
}

// Parse tokenizes and parses an LQL pipeline. On failure it returns no AST
// and at least one error.
func Parse(input string) (*Query, []ParseError) {
	if strings.TrimSpace(input) == "" {
		return nil, []ParseError{{Kind: SyntaxError, Line: 1, Col: 1, Message: "empty query"}}
	}

	tokens, lexErr := newLexer(input).lex()
	if lexErr != nil {
		return nil, []ParseError{*lexErr}
	}

	p := &parser{tokens: tokens}
	q := p.parseQuery()
	if len(p.errors) > 0 {
		return nil, p.errors
	}
	if !p.at(tokenEOF) {
		p.fail("unexpected %s after query", p.cur())
		return nil, p.errors
	}
	return q, nil
}

type parser struct {
	tokens []token
	pos    int
	errors []ParseError
}

func (p *parser) cur() token  { return p.tokens[p.pos] }
func (p *parser) at(t tokenType) bool { return p.cur().typ == t }

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.typ != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) fail(format string, args ...interface{}) {
	tok := p.cur()
	p.errors = append(p.errors, ParseError{
		Kind:    SyntaxError,
		Line:    tok.line,
		Col:     tok.col,
		Message: fmt.Sprintf(format, args...),
	})
}

// atKeyword matches an identifier token case-insensitively.
func (p *parser) atKeyword(kw string) bool {
	return p.at(tokenIdent) && strings.EqualFold(p.cur().text, kw)
}

func (p *parser) expectKeyword(kw string) bool {
	if p.atKeyword(kw) {
		p.advance()
		return true
	}
	p.fail("expected %q, found %s", kw, p.cur())
	return false
}

func (p *parser) expectIdent(what string) (string, bool) {
	if p.at(tokenIdent) {
		return p.advance().text, true
	}
	p.fail("expected %s, found %s", what, p.cur())
	return "", false
}

func (p *parser) expect(t tokenType, what string) bool {
	if p.at(t) {
		p.advance()
		return true
	}
	p.fail("expected %s, found %s", what, p.cur())
	return false
}

func (p *parser) parseQuery() *Query {
	table, ok := p.expectIdent("table name")
	if !ok {
		return nil
	}
	q := &Query{Table: table}

	for p.at(tokenPipe) {
		p.advance()
		stage := p.parseStage()
		if stage == nil {
			return nil
		}
		q.Stages = append(q.Stages, stage)
	}
	return q
}

func (p *parser) parseStage() Stage {
	name, ok := p.expectIdent("stage keyword")
	if !ok {
		return nil
	}

	switch strings.ToLower(name) {
	case "where":
		return p.parseWhere()
	case "project":
		return p.parseProject()
	case "summarize":
		return p.parseSummarize()
	case "sort":
		return p.parseSort()
	case "top":
		return p.parseTop()
	case "join":
		return p.parseJoin()
	default:
		p.pos-- // report at the stage keyword
		p.fail("unknown stage %q", name)
		return nil
	}
}

func (p *parser) parseWhere() Stage {
	cond := p.parseOr()
	if cond == nil {
		return nil
	}
	return Where{Cond: cond}
}

func (p *parser) parseProject() Stage {
	var cols []ProjectCol
	for {
		name, ok := p.expectIdent("column name")
		if !ok {
			return nil
		}
		col := ProjectCol{Name: name}
		if p.atKeyword("as") {
			p.advance()
			alias, ok := p.expectIdent("alias")
			if !ok {
				return nil
			}
			col.Alias = alias
		}
		cols = append(cols, col)
		if !p.at(tokenComma) {
			break
		}
		p.advance()
	}
	return Project{Cols: cols}
}

func (p *parser) parseSummarize() Stage {
	var aggs []Agg
	for {
		agg, ok := p.parseAgg()
		if !ok {
			return nil
		}
		aggs = append(aggs, agg)
		if !p.at(tokenComma) {
			break
		}
		p.advance()
	}

	var by []string
	if p.atKeyword("by") {
		p.advance()
		for {
			col, ok := p.expectIdent("group-by column")
			if !ok {
				return nil
			}
			by = append(by, col)
			if !p.at(tokenComma) {
				break
			}
			p.advance()
		}
	}
	return Summarize{Aggs: aggs, By: by}
}

func (p *parser) parseAgg() (Agg, bool) {
	fn, ok := p.expectIdent("aggregation function")
	if !ok {
		return Agg{}, false
	}
	fn = strings.ToLower(fn)
	if !aggFuncs[fn] {
		p.pos--
		p.fail("unknown aggregation function %q", fn)
		return Agg{}, false
	}
	if !p.expect(tokenLParen, "'('") {
		return Agg{}, false
	}
	agg := Agg{Func: fn}
	if !p.at(tokenRParen) {
		arg, ok := p.expectIdent("aggregation argument")
		if !ok {
			return Agg{}, false
		}
		agg.Arg = arg
	}
	if !p.expect(tokenRParen, "')'") {
		return Agg{}, false
	}
	if p.atKeyword("as") {
		p.advance()
		alias, ok := p.expectIdent("alias")
		if !ok {
			return Agg{}, false
		}
		agg.Alias = alias
	}
	return agg, true
}

func (p *parser) parseSort() Stage {
	if !p.expectKeyword("by") {
		return nil
	}
	keys, ok := p.parseSortKeys()
	if !ok {
		return nil
	}
	return Sort{Keys: keys}
}

func (p *parser) parseTop() Stage {
	if !p.at(tokenNumber) {
		p.fail("expected row count after top, found %s", p.cur())
		return nil
	}
	nTok := p.advance()
	n, err := strconv.Atoi(nTok.text)
	if err != nil || n <= 0 {
		p.errors = append(p.errors, ParseError{
			Kind: SyntaxError, Line: nTok.line, Col: nTok.col,
			Message: fmt.Sprintf("top count must be a positive integer, got %q", nTok.text),
		})
		return nil
	}
	if !p.expectKeyword("by") {
		return nil
	}
	keys, ok := p.parseSortKeys()
	if !ok {
		return nil
	}
	return Top{N: n, Keys: keys}
}

func (p *parser) parseSortKeys() ([]SortKey, bool) {
	var keys []SortKey
	for {
		col, ok := p.expectIdent("sort column")
		if !ok {
			return nil, false
		}
		key := SortKey{Col: col}
		if p.atKeyword("asc") {
			p.advance()
		} else if p.atKeyword("desc") {
			p.advance()
			key.Desc = true
		}
		keys = append(keys, key)
		if !p.at(tokenComma) {
			break
		}
		p.advance()
	}
	return keys, true
}

func (p *parser) parseJoin() Stage {
	kind := JoinInner
	if p.atKeyword("kind") {
		p.advance()
		if !p.at(tokenOp) || p.cur().text != "=" {
			p.fail("expected '=' after kind, found %s", p.cur())
			return nil
		}
		p.advance()
		name, ok := p.expectIdent("join kind")
		if !ok {
			return nil
		}
		k, valid := joinKinds[strings.ToLower(name)]
		if !valid {
			p.pos--
			p.fail("unknown join kind %q", name)
			return nil
		}
		kind = k
	}

	if !p.expect(tokenLParen, "'('") {
		return nil
	}
	right := p.parseQuery()
	if right == nil {
		return nil
	}
	if !p.expect(tokenRParen, "')'") {
		return nil
	}
	if !p.expectKeyword("on") {
		return nil
	}
	on := p.parseOr()
	if on == nil {
		return nil
	}
	return Join{Kind: kind, Right: right, On: on}
}

func (p *parser) parseOr() Expr {
	lhs := p.parseAnd()
	if lhs == nil {
		return nil
	}
	for p.atKeyword("or") {
		p.advance()
		rhs := p.parseAnd()
		if rhs == nil {
			return nil
		}
		lhs = Binary{Op: OpOr, LHS: lhs, RHS: rhs}
	}
	return lhs
}

func (p *parser) parseAnd() Expr {
	lhs := p.parseNot()
	if lhs == nil {
		return nil
	}
	for p.atKeyword("and") {
		p.advance()
		rhs := p.parseNot()
		if rhs == nil {
			return nil
		}
		lhs = Binary{Op: OpAnd, LHS: lhs, RHS: rhs}
	}
	return lhs
}

func (p *parser) parseNot() Expr {
	if p.atKeyword("not") {
		p.advance()
		x := p.parseNot()
		if x == nil {
			return nil
		}
		return Unary{Op: OpNot, X: x}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() Expr {
	if p.at(tokenLParen) {
		p.advance()
		inner := p.parseOr()
		if inner == nil {
			return nil
		}
		if !p.expect(tokenRParen, "')'") {
			return nil
		}
		return inner
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() Expr {
	colName, ok := p.expectIdent("column name")
	if !ok {
		return nil
	}
	col := Column{Name: colName}

	switch {
	case p.at(tokenOp):
		opTok := p.advance()
		op, valid := sugarOp(opTok.text)
		if !valid {
			p.errors = append(p.errors, ParseError{
				Kind: SyntaxError, Line: opTok.line, Col: opTok.col,
				Message: fmt.Sprintf("unsupported operator %q", opTok.text),
			})
			return nil
		}
		rhs := p.parseValue()
		if rhs == nil {
			return nil
		}
		return Binary{Op: op, LHS: col, RHS: rhs}

	case p.atKeyword("contains"), p.atKeyword("startswith"), p.atKeyword("endswith"):
		op := strings.ToLower(p.advance().text)
		rhs := p.parseValue()
		if rhs == nil {
			return nil
		}
		return Binary{Op: op, LHS: col, RHS: rhs}

	case p.atKeyword("matches"):
		p.advance()
		if !p.expectKeyword("regex") {
			return nil
		}
		if !p.at(tokenString) {
			p.fail("expected regex string, found %s", p.cur())
			return nil
		}
		pattern := p.advance().text
		return Binary{Op: OpMatches, LHS: col, RHS: Literal{Kind: LitString, Str: pattern}}

	case p.atKeyword("in"):
		p.advance()
		list := p.parseList()
		if list == nil {
			return nil
		}
		return Binary{Op: OpIn, LHS: col, RHS: *list}

	case p.at(tokenBangIn):
		p.advance()
		list := p.parseList()
		if list == nil {
			return nil
		}
		return Binary{Op: OpNotIn, LHS: col, RHS: *list}

	default:
		p.fail("expected comparison operator after %q, found %s", colName, p.cur())
		return nil
	}
}

func sugarOp(text string) (string, bool) {
	switch text {
	case "==":
		return OpEq, true
	case "!=":
		return OpNeq, true
	case "<":
		return OpLt, true
	case "<=":
		return OpLte, true
	case ">":
		return OpGt, true
	case ">=":
		return OpGte, true
	default:
		return "", false
	}
}

func (p *parser) parseList() *List {
	if !p.expect(tokenLParen, "'('") {
		return nil
	}
	var items []Expr
	for {
		v := p.parseValue()
		if v == nil {
			return nil
		}
		items = append(items, v)
		if !p.at(tokenComma) {
			break
		}
		p.advance()
	}
	if !p.expect(tokenRParen, "')'") {
		return nil
	}
	return &List{Items: items}
}

func (p *parser) parseValue() Expr {
	switch {
	case p.at(tokenString):
		return Literal{Kind: LitString, Str: p.advance().text}

	case p.at(tokenNumber):
		tok := p.advance()
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			p.errors = append(p.errors, ParseError{
				Kind: SyntaxError, Line: tok.line, Col: tok.col,
				Message: fmt.Sprintf("malformed number %q", tok.text),
			})
			return nil
		}
		return Literal{Kind: LitNumber, Num: n}

	case p.at(tokenTimespan):
		tok := p.advance()
		span, err := parseTimespan(tok.text)
		if err != nil {
			p.errors = append(p.errors, ParseError{
				Kind: SyntaxError, Line: tok.line, Col: tok.col,
				Message: err.Error(),
			})
			return nil
		}
		return Literal{Kind: LitTimespan, Span: span}

	case p.atKeyword("datetime"):
		p.advance()
		if !p.expect(tokenLParen, "'('") {
			return nil
		}
		if !p.at(tokenString) {
			p.fail("expected datetime string, found %s", p.cur())
			return nil
		}
		tok := p.advance()
		ts, err := parseDatetime(tok.text)
		if err != nil {
			p.errors = append(p.errors, ParseError{
				Kind: SyntaxError, Line: tok.line, Col: tok.col,
				Message: fmt.Sprintf("malformed datetime %q", tok.text),
			})
			return nil
		}
		if !p.expect(tokenRParen, "')'") {
			return nil
		}
		return Literal{Kind: LitDatetime, Time: ts}

	case p.at(tokenIdent):
		// Bare identifier on the right side is a column reference.
		return Column{Name: p.advance().text}

	default:
		p.fail("expected value, found %s", p.cur())
		return nil
	}
}

func parseTimespan(text string) (time.Duration, error) {
	unit := text[len(text)-1]
	n, err := strconv.ParseInt(text[:len(text)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed timespan %q", text)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown timespan unit in %q", text)
	}
}

func parseDatetime(text string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", text)
}
