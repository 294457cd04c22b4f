// Package rewrite implements the query rewriter: it parses plain SQL,
// resolves model/dimension/metric/segment references against a
// SemanticGraph, synthesizes the joins and GROUP BY those references imply,
// and regenerates SQL text.
package rewrite

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/semantable/semantable/ast"
	"github.com/semantable/semantable/format"
	"github.com/semantable/semantable/graph"
	"github.com/semantable/semantable/model"
	"github.com/semantable/semantable/modelerr"
	"github.com/semantable/semantable/parser"
	"github.com/semantable/semantable/token"
	"github.com/semantable/semantable/visitor"
)

// QueryRewriter resolves semantic references in plain SQL against a bound
// SemanticGraph.
type QueryRewriter struct {
	graph *graph.SemanticGraph
}

// New creates a QueryRewriter bound to g.
func New(g *graph.SemanticGraph) *QueryRewriter {
	return &QueryRewriter{graph: g}
}

// Rewrite parses sql, rewrites every SELECT it contains (including nested
// subqueries) against the bound graph, and returns the regenerated SQL.
// Statements other than SELECT pass through unmodified. Failures abort the
// whole rewrite; there is no partial output.
func (r *QueryRewriter) Rewrite(sql string) (string, error) {
	stmt, err := parser.Get(sql).Parse()
	if err != nil {
		return "", modelerr.NewSqlParse(err.Error())
	}

	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return format.String(stmt), nil
	}

	rewritten, err := r.rewriteSelect(sel)
	if err != nil {
		return "", err
	}
	return format.String(rewritten), nil
}

// modelRef pairs a model name with its alias in a particular FROM clause.
type modelRef struct {
	ModelName string
	Alias     string
}

// resolved is what a FROM-clause qualifier (alias or bare model name)
// resolves to.
type resolved struct {
	Model *model.Model
	Alias string
}

func (r *QueryRewriter) rewriteSelect(sel *ast.SelectStmt) (*ast.SelectStmt, error) {
	if err := r.rewriteNestedSelects(sel); err != nil {
		return nil, err
	}

	fromRefs := r.findModelReferences(sel.From)
	if len(fromRefs) == 0 {
		return sel, nil
	}

	usedAliases := make(map[string]bool, len(fromRefs))
	inFrom := make(map[string]bool, len(fromRefs))
	for _, ref := range fromRefs {
		usedAliases[ref.Alias] = true
		usedAliases[ref.ModelName] = true
		inFrom[ref.ModelName] = true
	}

	referenced := make(map[string]bool)
	for _, col := range sel.Columns {
		if ae, ok := col.(*ast.AliasedExpr); ok {
			r.collectModelRefs(ae.Expr, referenced)
		}
	}
	if sel.Where != nil {
		r.collectModelRefs(sel.Where, referenced)
	}

	baseModel := fromRefs[0].ModelName

	var toJoin []string
	for name := range referenced {
		if !inFrom[name] {
			toJoin = append(toJoin, name)
		}
	}
	sort.Strings(toJoin)

	allRefs := make([]modelRef, len(fromRefs), len(fromRefs)+len(toJoin))
	copy(allRefs, fromRefs)
	for _, name := range toJoin {
		alias := generateAlias(name, usedAliases)
		usedAliases[alias] = true
		allRefs = append(allRefs, modelRef{ModelName: name, Alias: alias})
	}

	resolvers, err := r.buildResolvers(allRefs)
	if err != nil {
		return nil, errors.Wrap(err, "resolving FROM references")
	}

	newColumns, err := r.rewriteProjection(sel.Columns, resolvers)
	if err != nil {
		return nil, errors.Wrap(err, "rewriting projection")
	}

	joins, err := r.synthesizeJoins(baseModel, toJoin, allRefs)
	if err != nil {
		return nil, errors.Wrap(err, "synthesizing joins")
	}
	newFrom := applyJoins(r.rewriteFromTableNames(sel.From), joins)

	var newWhere ast.Expr
	if sel.Where != nil {
		newWhere, err = r.rewriteWhereExpr(sel.Where, resolvers)
		if err != nil {
			return nil, errors.Wrap(err, "rewriting WHERE clause")
		}
	}

	newGroupBy := sel.GroupBy
	if hasAggregation(newColumns) && hasNonAggregation(newColumns) {
		newGroupBy = positionalGroupBy(newColumns)
	}

	sel.Columns = newColumns
	sel.From = newFrom
	sel.Where = newWhere
	sel.GroupBy = newGroupBy
	return sel, nil
}

// rewriteNestedSelects rewrites every SELECT nested inside sel (subqueries in
// FROM, WHERE, or a CTE) in place, leaving sel itself untouched — its own
// rewrite happens afterward in rewriteSelect.
func (r *QueryRewriter) rewriteNestedSelects(sel *ast.SelectStmt) error {
	var firstErr error
	visitor.Rewrite(sel, func(n ast.Node) ast.Node {
		inner, ok := n.(*ast.SelectStmt)
		if !ok || inner == sel || firstErr != nil {
			return n
		}
		rewritten, err := r.rewriteSelect(inner)
		if err != nil {
			firstErr = err
			return n
		}
		return rewritten
	})
	return firstErr
}

// findModelReferences scans the FROM clause for bare table references
// matching a graph model, returning (model name, alias) pairs in clause
// order. A model with no explicit alias uses its own name as the alias.
func (r *QueryRewriter) findModelReferences(from ast.TableExpr) []modelRef {
	var refs []modelRef
	var walk func(te ast.TableExpr)
	walk = func(te ast.TableExpr) {
		switch t := te.(type) {
		case nil:
		case *ast.TableName:
			if _, ok := r.graph.GetModel(t.Name()); ok {
				refs = append(refs, modelRef{ModelName: t.Name(), Alias: t.Name()})
			}
		case *ast.AliasedTableExpr:
			if tn, ok := t.Expr.(*ast.TableName); ok {
				if _, ok := r.graph.GetModel(tn.Name()); ok {
					alias := t.Alias
					if alias == "" {
						alias = tn.Name()
					}
					refs = append(refs, modelRef{ModelName: tn.Name(), Alias: alias})
					return
				}
			}
			walk(t.Expr)
		case *ast.JoinExpr:
			walk(t.Left)
			walk(t.Right)
		case *ast.ParenTableExpr:
			walk(t.Expr)
		}
	}
	walk(from)
	return refs
}

// collectModelRefs walks e collecting every qualified column whose qualifier
// is itself a graph model name (not an alias — aliased FROM models are
// already known and don't need auto-joining).
func (r *QueryRewriter) collectModelRefs(e ast.Expr, out map[string]bool) {
	visitor.WalkFunc(e, func(n ast.Node) bool {
		col, ok := n.(*ast.ColName)
		if !ok {
			return true
		}
		if q := col.Table(); q != "" {
			if _, ok := r.graph.GetModel(q); ok {
				out[q] = true
			}
		}
		return true
	})
}

func (r *QueryRewriter) buildResolvers(refs []modelRef) (map[string]resolved, error) {
	out := make(map[string]resolved, len(refs)*2)
	for _, ref := range refs {
		m, ok := r.graph.GetModel(ref.ModelName)
		if !ok {
			return nil, modelerr.NewModelNotFound(ref.ModelName)
		}
		res := resolved{Model: m, Alias: ref.Alias}
		out[ref.Alias] = res
		out[ref.ModelName] = res
	}
	return out, nil
}

// rewriteProjection rewrites every SELECT item: '*' passes through, every
// other item is an AliasedExpr (the parser always wraps select items this
// way) whose inner expression is substituted.
func (r *QueryRewriter) rewriteProjection(cols []ast.SelectExpr, resolvers map[string]resolved) ([]ast.SelectExpr, error) {
	out := make([]ast.SelectExpr, len(cols))
	for i, item := range cols {
		ae, ok := item.(*ast.AliasedExpr)
		if !ok {
			out[i] = item
			continue
		}
		rewritten, implicitAlias, err := r.rewriteProjectionExpr(ae.Expr, resolvers)
		if err != nil {
			return nil, err
		}
		alias := ae.Alias
		if alias == "" {
			alias = implicitAlias
		}
		out[i] = &ast.AliasedExpr{Expr: rewritten, Alias: alias}
	}
	return out, nil
}

// rewriteProjectionExpr rewrites one projection expression. When expr is
// itself a bare qualified column resolving to a metric or dimension, its
// field name becomes the implicit alias (used when the input item had none).
func (r *QueryRewriter) rewriteProjectionExpr(expr ast.Expr, resolvers map[string]resolved) (ast.Expr, string, error) {
	if col, ok := expr.(*ast.ColName); ok {
		replaced, matched, err := r.substituteColumn(col, resolvers, false)
		if err != nil {
			return nil, "", err
		}
		if matched {
			return replaced, col.Name(), nil
		}
		return col, "", nil
	}

	var firstErr error
	result := visitor.RewriteExpr(expr, func(e ast.Expr) ast.Expr {
		col, ok := e.(*ast.ColName)
		if !ok || firstErr != nil {
			return e
		}
		replaced, _, err := r.substituteColumn(col, resolvers, false)
		if err != nil {
			firstErr = err
			return e
		}
		return replaced
	})
	if firstErr != nil {
		return nil, "", firstErr
	}
	return result, "", nil
}

// rewriteWhereExpr rewrites every qualified column in a WHERE tree: segment
// and dimension references are substituted, metric references are left as-is
// (materializing an aggregation in WHERE is invalid SQL; see spec step 7).
func (r *QueryRewriter) rewriteWhereExpr(expr ast.Expr, resolvers map[string]resolved) (ast.Expr, error) {
	var firstErr error
	result := visitor.RewriteExpr(expr, func(e ast.Expr) ast.Expr {
		col, ok := e.(*ast.ColName)
		if !ok || firstErr != nil {
			return e
		}
		replaced, _, err := r.substituteColumn(col, resolvers, true)
		if err != nil {
			firstErr = err
			return e
		}
		return replaced
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// substituteColumn resolves a single qualified column against resolvers. In
// WHERE (inWhere == true) metric references are left untouched. matched
// reports whether col named a semantic reference at all.
func (r *QueryRewriter) substituteColumn(col *ast.ColName, resolvers map[string]resolved, inWhere bool) (ast.Expr, bool, error) {
	qualifier := col.Table()
	if qualifier == "" {
		return col, false, nil
	}
	res, ok := resolvers[qualifier]
	if !ok {
		return col, false, nil
	}
	field := col.Name()

	if !inWhere {
		if metric, ok := res.Model.Metric(field); ok {
			expr, err := materializeMetric(metric, res.Model, res.Alias)
			return expr, true, err
		}
	}

	base, granularity := splitGranularity(field)
	if dim, ok := res.Model.Dimension(base); ok {
		return dimensionExpr(dim, res.Alias, granularity), true, nil
	}

	if seg, ok := res.Model.Segment(field); ok {
		expr, err := materializeSegment(seg, res.Alias)
		return expr, true, err
	}

	return col, false, nil
}

// splitGranularity splits "field" or "field__granularity" the way
// graph.ParseReference splits the field half of a "model.field" reference.
func splitGranularity(field string) (base, granularity string) {
	if i := strings.Index(field, "__"); i >= 0 {
		return field[:i], field[i+2:]
	}
	return field, ""
}

// dimensionExpr builds alias.sql, wrapped in DATE_TRUNC when a granularity
// applies (from the reference itself, or the dimension's own default).
func dimensionExpr(dim *model.Dimension, alias, refGranularity string) ast.Expr {
	col := qualifiedColumn(alias, dim.Expr())
	granularity := refGranularity
	if granularity == "" {
		granularity = dim.Granularity
	}
	if granularity == "" {
		return col
	}
	return &ast.FuncExpr{
		Name: "DATE_TRUNC",
		Args: []ast.Expr{&ast.Literal{Type: ast.LiteralString, Value: granularity}, col},
	}
}

// materializeSegment substitutes a segment's "{alias}"-templated predicate
// and parses it as a standalone WHERE fragment.
func materializeSegment(seg *model.Segment, alias string) (ast.Expr, error) {
	cond := strings.ReplaceAll(seg.SQL, "{alias}", alias)
	return parseWhereFragment(cond)
}

type joinSpec struct {
	TargetSource string
	FromAlias    string
	FromKey      string
	ToAlias      string
	ToKey        string
}

// synthesizeJoins computes, for every auto-join target in toJoin, the
// shortest relationship path from baseModel and turns each hop into a join
// spec. Hops shared by more than one target's path are deduplicated.
func (r *QueryRewriter) synthesizeJoins(baseModel string, toJoin []string, allRefs []modelRef) ([]joinSpec, error) {
	aliasFor := func(modelName string) string {
		for _, ref := range allRefs {
			if ref.ModelName == modelName {
				return ref.Alias
			}
		}
		return modelName
	}

	seen := make(map[string]bool)
	var joins []joinSpec
	for _, target := range toJoin {
		path, err := r.graph.FindJoinPath(baseModel, target)
		if err != nil {
			return nil, errors.Wrapf(err, "joining %s to %s", baseModel, target)
		}
		for _, step := range path {
			fromAlias := aliasFor(step.FromModel)
			toAlias := aliasFor(step.ToModel)
			key := fromAlias + "->" + toAlias
			if seen[key] {
				continue
			}
			seen[key] = true

			toModel, ok := r.graph.GetModel(step.ToModel)
			if !ok {
				return nil, modelerr.NewModelNotFound(step.ToModel)
			}
			joins = append(joins, joinSpec{
				TargetSource: toModel.Source(),
				FromAlias:    fromAlias,
				FromKey:      step.FromKey,
				ToAlias:      toAlias,
				ToKey:        step.ToKey,
			})
		}
	}
	return joins, nil
}

// applyJoins wraps base in one LEFT JOIN per spec, in order.
func applyJoins(base ast.TableExpr, joins []joinSpec) ast.TableExpr {
	result := base
	for _, j := range joins {
		right := &ast.AliasedTableExpr{Expr: tableExprFromSource(j.TargetSource), Alias: j.ToAlias}
		on := &ast.BinaryExpr{
			Op:   token.EQ,
			Left: qualifiedColumn(j.FromAlias, j.FromKey),
			Right: qualifiedColumn(j.ToAlias, j.ToKey),
		}
		result = &ast.JoinExpr{Type: ast.JoinLeft, Left: result, Right: right, On: on}
	}
	return result
}

// tableExprFromSource builds a FROM-clause table expression for a model's
// physical source: a dotted identifier for a table, or a parsed subquery for
// a parenthesized "sql" source.
func tableExprFromSource(source string) ast.TableExpr {
	if strings.HasPrefix(source, "(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(source, "("), ")")
		if stmt, err := parser.Get(inner).Parse(); err == nil {
			if sel, ok := stmt.(*ast.SelectStmt); ok {
				return &ast.Subquery{Select: sel}
			}
		}
		return &ast.TableName{Parts: []string{source}}
	}
	return &ast.TableName{Parts: strings.Split(source, ".")}
}

// rewriteFromTableNames replaces every model table reference in the FROM
// tree with its physical source, preserving (or synthesizing, for a bare
// unaliased model) the alias.
func (r *QueryRewriter) rewriteFromTableNames(from ast.TableExpr) ast.TableExpr {
	switch t := from.(type) {
	case nil:
		return from
	case *ast.TableName:
		if m, ok := r.graph.GetModel(t.Name()); ok {
			return &ast.AliasedTableExpr{Expr: tableExprFromSource(m.Source()), Alias: t.Name()}
		}
		return t
	case *ast.AliasedTableExpr:
		if tn, ok := t.Expr.(*ast.TableName); ok {
			if m, ok := r.graph.GetModel(tn.Name()); ok {
				t.Expr = tableExprFromSource(m.Source())
				return t
			}
			return t
		}
		t.Expr = r.rewriteFromTableNames(t.Expr)
		return t
	case *ast.JoinExpr:
		t.Left = r.rewriteFromTableNames(t.Left)
		t.Right = r.rewriteFromTableNames(t.Right)
		return t
	case *ast.ParenTableExpr:
		t.Expr = r.rewriteFromTableNames(t.Expr)
		return t
	default:
		return from
	}
}

var aggregateFunctionNames = map[string]bool{
	"SUM": true, "COUNT": true, "AVG": true, "MIN": true, "MAX": true, "MEDIAN": true,
	"COUNT_DISTINCT": true,
	"STDDEV": true, "STDDEV_POP": true, "STDDEV_SAMP": true,
	"VARIANCE": true, "VAR_POP": true, "VAR_SAMP": true,
	"CORR": true, "COVAR_POP": true, "COVAR_SAMP": true,
	"REGR_SLOPE": true, "REGR_INTERCEPT": true, "REGR_COUNT": true, "REGR_R2": true,
	"REGR_AVGX": true, "REGR_AVGY": true, "REGR_SXX": true, "REGR_SYY": true, "REGR_SXY": true,
	"PERCENTILE_CONT": true, "PERCENTILE_DISC": true, "MODE": true,
	"BOOL_AND": true, "BOOL_OR": true, "EVERY": true,
	"BIT_AND": true, "BIT_OR": true, "BIT_XOR": true,
	"ARRAY_AGG": true, "STRING_AGG": true, "GROUP_CONCAT": true, "LISTAGG": true,
	"COLLECT_LIST": true, "COLLECT_SET": true,
	"APPROX_COUNT_DISTINCT": true, "APPROX_PERCENTILE": true, "HLL_COUNT_DISTINCT": true,
	"APPROX_TOP_COUNT": true,
	"ANY_VALUE": true, "FIRST_VALUE": true, "LAST_VALUE": true,
	"NTH_VALUE": true, "XMLAGG": true, "JSON_ARRAYAGG": true, "JSON_OBJECTAGG": true,
}

// isAggregateExpr reports whether e contains a call to a recognized
// aggregate function anywhere in its tree. A FIRST_VALUE/LAST_VALUE used as
// a window function (with an OVER clause) still counts — the spec treats the
// named function as aggregate for GROUP-BY synthesis regardless.
func isAggregateExpr(e ast.Expr) bool {
	found := false
	visitor.WalkFunc(e, func(n ast.Node) bool {
		if f, ok := n.(*ast.FuncExpr); ok && aggregateFunctionNames[strings.ToUpper(f.Name)] {
			found = true
		}
		return true
	})
	return found
}

func isAggregationItem(item ast.SelectExpr) bool {
	ae, ok := item.(*ast.AliasedExpr)
	if !ok {
		return false
	}
	return isAggregateExpr(ae.Expr)
}

func hasAggregation(cols []ast.SelectExpr) bool {
	for _, c := range cols {
		if isAggregationItem(c) {
			return true
		}
	}
	return false
}

func hasNonAggregation(cols []ast.SelectExpr) bool {
	for _, c := range cols {
		if !isAggregationItem(c) {
			return true
		}
	}
	return false
}

// positionalGroupBy emits one 1-based positional reference per non-aggregate
// projection item, in left-to-right order.
func positionalGroupBy(cols []ast.SelectExpr) []ast.Expr {
	var out []ast.Expr
	for i, c := range cols {
		if !isAggregationItem(c) {
			out = append(out, &ast.Literal{Type: ast.LiteralInt, Value: strconv.Itoa(i + 1)})
		}
	}
	return out
}
