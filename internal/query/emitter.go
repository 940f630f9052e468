// Package query implements the query engine: planning and SQL emission for
// parsed LQL pipelines, complexity analysis, per-user rate limiting, admission
// control with resource leases, execution against the relational store, and a
// TTL result cache.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/securewatch/correlation-core/internal/lql"
)

// QuoteIdent double-quotes an identifier, doubling any embedded quote.
// Dotted names quote each part separately.
func QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// QuoteString single-quotes a string literal, doubling any embedded quote.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// expression precedence for parenthesization: or < and < not < comparison.
const (
	precOr = iota + 1
	precAnd
	precNot
	precCmp
)

// EmitExpr renders a condition expression as a SQL predicate.
func EmitExpr(e lql.Expr) string {
	return emitExpr(e, 0)
}

func emitExpr(e lql.Expr, parentPrec int) string {
	switch x := e.(type) {
	case lql.Column:
		return QuoteIdent(x.Name)
	case lql.Literal:
		return emitLiteral(x)
	case lql.Unary:
		body := "NOT " + emitExpr(x.X, precNot)
		if precNot < parentPrec {
			return "(" + body + ")"
		}
		return body
	case lql.List:
		items := make([]string, len(x.Items))
		for i, item := range x.Items {
			items[i] = emitExpr(item, 0)
		}
		return "(" + strings.Join(items, ", ") + ")"
	case lql.Binary:
		return emitBinary(x, parentPrec)
	default:
		return ""
	}
}

func emitBinary(b lql.Binary, parentPrec int) string {
	var prec int
	var body string

	switch b.Op {
	case lql.OpAnd:
		prec = precAnd
		body = emitExpr(b.LHS, prec) + " AND " + emitExpr(b.RHS, prec)
	case lql.OpOr:
		prec = precOr
		body = emitExpr(b.LHS, prec) + " OR " + emitExpr(b.RHS, prec)
	case lql.OpContains:
		prec = precCmp
		body = emitExpr(b.LHS, precCmp) + " ILIKE '%' || " + emitExpr(b.RHS, 0) + " || '%'"
	case lql.OpStartsWith:
		prec = precCmp
		body = emitExpr(b.LHS, precCmp) + " ILIKE " + emitExpr(b.RHS, 0) + " || '%'"
	case lql.OpEndsWith:
		prec = precCmp
		body = emitExpr(b.LHS, precCmp) + " ILIKE '%' || " + emitExpr(b.RHS, 0)
	case lql.OpMatches:
		prec = precCmp
		body = emitExpr(b.LHS, precCmp) + " ~ " + emitExpr(b.RHS, 0)
	case lql.OpIn:
		prec = precCmp
		body = emitExpr(b.LHS, precCmp) + " IN " + emitExpr(b.RHS, 0)
	case lql.OpNotIn:
		prec = precCmp
		body = emitExpr(b.LHS, precCmp) + " NOT IN " + emitExpr(b.RHS, 0)
	default:
		prec = precCmp
		body = emitExpr(b.LHS, precCmp) + " " + sqlCmpOp(b.Op) + " " + emitExpr(b.RHS, 0)
	}

	if prec < parentPrec {
		return "(" + body + ")"
	}
	return body
}

func sqlCmpOp(op string) string {
	switch op {
	case lql.OpEq:
		return "="
	case lql.OpNeq:
		return "<>"
	case lql.OpLt:
		return "<"
	case lql.OpLte:
		return "<="
	case lql.OpGt:
		return ">"
	case lql.OpGte:
		return ">="
	default:
		return op
	}
}

func emitLiteral(lit lql.Literal) string {
	switch lit.Kind {
	case lql.LitString:
		return QuoteString(lit.Str)
	case lql.LitNumber:
		return strconv.FormatFloat(lit.Num, 'f', -1, 64)
	case lql.LitDatetime:
		return QuoteString(lit.Time.UTC().Format(time.RFC3339Nano)) + "::timestamptz"
	case lql.LitTimespan:
		return fmt.Sprintf("INTERVAL '%d seconds'", int64(lit.Span/time.Second))
	default:
		return "NULL"
	}
}

// emitAgg renders one aggregation call with its output alias.
func emitAgg(agg lql.Agg) string {
	var call string
	switch {
	case agg.Func == "count" && (agg.Arg == "" || agg.Arg == "*"):
		call = "COUNT(*)"
	case agg.Func == "dcount":
		call = "COUNT(DISTINCT " + QuoteIdent(agg.Arg) + ")"
	default:
		call = strings.ToUpper(agg.Func) + "(" + QuoteIdent(agg.Arg) + ")"
	}
	return call + " AS " + QuoteIdent(lql.AggOutputName(agg))
}
