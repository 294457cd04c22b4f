package rewrite

import (
	"strings"

	"github.com/semantable/semantable/ast"
	"github.com/semantable/semantable/model"
	"github.com/semantable/semantable/modelerr"
	"github.com/semantable/semantable/parser"
	"github.com/semantable/semantable/token"
)

// qualifiedColumn builds a two-part column reference alias.field.
func qualifiedColumn(alias, field string) *ast.ColName {
	return &ast.ColName{Parts: []string{alias, field}}
}

// parseExprFragment parses sql as a standalone expression by wrapping it in
// "SELECT {sql}" and unwrapping the sole projection item.
func parseExprFragment(sql string) (ast.Expr, error) {
	stmt, err := parser.Get("SELECT " + sql).Parse()
	if err != nil {
		return nil, modelerr.NewSqlParse(err.Error())
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || len(sel.Columns) == 0 {
		return nil, modelerr.NewSqlParse("empty expression: " + sql)
	}
	switch item := sel.Columns[0].(type) {
	case *ast.AliasedExpr:
		return item.Expr, nil
	case ast.Expr:
		return item, nil
	default:
		return nil, modelerr.NewSqlParse("unexpected expression shape: " + sql)
	}
}

// parseWhereFragment parses cond as a standalone boolean expression by
// wrapping it in "SELECT 1 WHERE {cond}" and returning the resulting Where.
func parseWhereFragment(cond string) (ast.Expr, error) {
	stmt, err := parser.Get("SELECT 1 WHERE " + cond).Parse()
	if err != nil {
		return nil, modelerr.NewSqlParse(err.Error())
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Where == nil {
		return nil, modelerr.NewSqlParse("empty condition: " + cond)
	}
	return sel.Where, nil
}

func countStar() ast.Expr {
	return &ast.FuncExpr{Name: "COUNT", Args: []ast.Expr{&ast.StarExpr{}}}
}

func aggCall(name, alias, field string, distinct bool) ast.Expr {
	return &ast.FuncExpr{Name: name, Distinct: distinct, Args: []ast.Expr{qualifiedColumn(alias, field)}}
}

// isBareIdentifier reports whether s, trimmed, is a single identifier with no
// qualifier, whitespace, or operator characters — i.e. it names a sibling
// metric or dimension on the same model rather than an arbitrary fragment.
func isBareIdentifier(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	for i, c := range trimmed {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// materializeMetric returns the AST expression a metric reference expands
// into inside the projection/WHERE of a rewritten query. owner is the model
// the metric belongs to; alias is that model's alias in the rewritten query.
func materializeMetric(m *model.Metric, owner *model.Model, alias string) (ast.Expr, error) {
	switch m.Kind {
	case model.Simple:
		if m.Agg == model.Expression {
			return parseExprFragment(m.SQL)
		}
		if m.Agg == model.Count && (m.SQL == "" || m.SQL == "*") {
			return countStar(), nil
		}
		if m.Agg == model.CountDistinct {
			return aggCall("COUNT", alias, m.SQL, true), nil
		}
		// TODO: m.Filters is not yet applied here (e.g. FILTER (WHERE ...)).
		return aggCall(m.Agg.String(), alias, m.SQL, false), nil

	case model.Derived:
		return parseExprFragment(m.SQL)

	case model.Ratio:
		num, err := materializeOperand(m.Numerator, owner, alias)
		if err != nil {
			return nil, err
		}
		denom, err := materializeOperand(m.Denominator, owner, alias)
		if err != nil {
			return nil, err
		}
		return &ast.BinaryExpr{
			Op:   token.SLASH,
			Left: &ast.ParenExpr{Expr: num},
			Right: &ast.FuncExpr{
				Name: "NULLIF",
				Args: []ast.Expr{denom, &ast.Literal{Type: ast.LiteralInt, Value: "0"}},
			},
		}, nil

	case model.Cumulative:
		// treated as a single metric reference onto the same model; window
		// semantics are left to a downstream consumer.
		return materializeOperand(m.SQL, owner, alias)

	case model.TimeComparison:
		return materializeOperand(m.BaseMetric, owner, alias)
	}

	return nil, modelerr.NewValidation("unknown metric kind for " + m.Name)
}

// materializeOperand resolves a ratio/cumulative/time_comparison operand: a
// bare identifier is looked up as a sibling metric or dimension on owner and
// recursively materialized; anything else is parsed as a raw SQL fragment.
func materializeOperand(operand string, owner *model.Model, alias string) (ast.Expr, error) {
	if isBareIdentifier(operand) {
		if sibling, ok := owner.Metric(operand); ok {
			return materializeMetric(sibling, owner, alias)
		}
		if dim, ok := owner.Dimension(operand); ok {
			return qualifiedColumn(alias, dim.Expr()), nil
		}
	}
	return parseExprFragment(operand)
}
