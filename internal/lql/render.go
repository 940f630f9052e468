package lql

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Render produces the canonical text for a query such that
// Parse(Render(q)) yields an equal AST.
func Render(q *Query) string {
	if q == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(q.Table)
	for _, s := range q.Stages {
		sb.WriteString(" | ")
		renderStage(&sb, s)
	}
	return sb.String()
}

func renderStage(sb *strings.Builder, s Stage) {
	switch st := s.(type) {
	case Where:
		sb.WriteString("where ")
		sb.WriteString(RenderExpr(st.Cond))
	case Project:
		sb.WriteString("project ")
		for i, col := range st.Cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(col.Name)
			if col.Alias != "" {
				sb.WriteString(" as ")
				sb.WriteString(col.Alias)
			}
		}
	case Summarize:
		sb.WriteString("summarize ")
		for i, agg := range st.Aggs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(agg.Func)
			sb.WriteString("(")
			sb.WriteString(agg.Arg)
			sb.WriteString(")")
			if agg.Alias != "" {
				sb.WriteString(" as ")
				sb.WriteString(agg.Alias)
			}
		}
		if len(st.By) > 0 {
			sb.WriteString(" by ")
			sb.WriteString(strings.Join(st.By, ", "))
		}
	case Sort:
		sb.WriteString("sort by ")
		renderSortKeys(sb, st.Keys)
	case Top:
		fmt.Fprintf(sb, "top %d by ", st.N)
		renderSortKeys(sb, st.Keys)
	case Join:
		fmt.Fprintf(sb, "join kind=%s (%s) on %s", st.Kind, Render(st.Right), RenderExpr(st.On))
	}
}

func renderSortKeys(sb *strings.Builder, keys []SortKey) {
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(key.Col)
		if key.Desc {
			sb.WriteString(" desc")
		} else {
			sb.WriteString(" asc")
		}
	}
}

// RenderExpr produces the canonical text of a condition expression.
// Parenthesization is explicit wherever precedence could be ambiguous.
func RenderExpr(e Expr) string {
	return renderExpr(e, 0)
}

// precedence levels: or=1, and=2, comparisons=3
func exprPrec(e Expr) int {
	b, ok := e.(Binary)
	if !ok {
		return 3
	}
	switch b.Op {
	case OpOr:
		return 1
	case OpAnd:
		return 2
	default:
		return 3
	}
}

func renderExpr(e Expr, parentPrec int) string {
	switch x := e.(type) {
	case Column:
		return x.Name
	case Literal:
		return renderLiteral(x)
	case Unary:
		return "not " + renderExpr(x.X, 3)
	case List:
		items := make([]string, len(x.Items))
		for i, item := range x.Items {
			items[i] = renderExpr(item, 0)
		}
		return "(" + strings.Join(items, ", ") + ")"
	case Binary:
		prec := exprPrec(x)
		var body string
		switch x.Op {
		case OpAnd, OpOr:
			body = renderExpr(x.LHS, prec) + " " + x.Op + " " + renderExpr(x.RHS, prec)
		case OpIn:
			body = renderExpr(x.LHS, 3) + " in " + renderExpr(x.RHS, 0)
		case OpNotIn:
			body = renderExpr(x.LHS, 3) + " !in " + renderExpr(x.RHS, 0)
		case OpMatches:
			body = renderExpr(x.LHS, 3) + " matches regex " + renderExpr(x.RHS, 0)
		default:
			body = renderExpr(x.LHS, 3) + " " + surfaceOp(x.Op) + " " + renderExpr(x.RHS, 0)
		}
		if prec < parentPrec {
			return "(" + body + ")"
		}
		return body
	default:
		return ""
	}
}

func surfaceOp(op string) string {
	switch op {
	case OpEq:
		return "=="
	case OpNeq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	default:
		return op
	}
}

func renderLiteral(lit Literal) string {
	switch lit.Kind {
	case LitString:
		return strconv.Quote(lit.Str)
	case LitNumber:
		return strconv.FormatFloat(lit.Num, 'f', -1, 64)
	case LitDatetime:
		return fmt.Sprintf("datetime(%q)", lit.Time.UTC().Format(time.RFC3339Nano))
	case LitTimespan:
		return renderTimespan(lit.Span)
	default:
		return ""
	}
}

// renderTimespan emits the largest unit that divides the span exactly.
func renderTimespan(d time.Duration) string {
	day := 24 * time.Hour
	switch {
	case d >= day && d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}
