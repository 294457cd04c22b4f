// Package dependency extracts metric-to-metric dependencies from metric
// definitions and detects circular dependencies among them.
package dependency

import (
	"strings"

	dgraph "github.com/dominikbraun/graph"
	"github.com/pkg/errors"

	"github.com/semantable/semantable/ast"
	"github.com/semantable/semantable/graph"
	"github.com/semantable/semantable/model"
	"github.com/semantable/semantable/modelerr"
	"github.com/semantable/semantable/parser"
	"github.com/semantable/semantable/visitor"
)

var sqlOperators = []byte{'+', '-', '*', '/', '(', ')', ',', '>', '<', '='}

var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "NULL": true, "NULLIF": true, "CASE": true, "WHEN": true,
	"THEN": true, "ELSE": true, "END": true, "AS": true, "SUM": true,
	"COUNT": true, "AVG": true, "MIN": true, "MAX": true, "DISTINCT": true,
}

// ExtractDependencies returns the direct dependencies of metric as a set of
// reference names. When g is non-nil, bare identifiers found in a derived
// metric's SQL are resolved against it: the first model (in Models()
// order) declaring a metric with that name yields a qualified
// "model.metric" reference; otherwise the bare name passes through
// unchanged.
func ExtractDependencies(metric *model.Metric, g *graph.SemanticGraph) (map[string]bool, error) {
	deps := make(map[string]bool)

	switch metric.Kind {
	case model.Ratio:
		if metric.Numerator != "" {
			deps[metric.Numerator] = true
		}
		if metric.Denominator != "" {
			deps[metric.Denominator] = true
		}

	case model.Cumulative:
		if metric.SQL != "" {
			deps[metric.SQL] = true
		}

	case model.TimeComparison:
		if metric.BaseMetric != "" {
			deps[metric.BaseMetric] = true
		}

	case model.Derived:
		if metric.SQL == "" {
			break
		}
		if isSimpleReference(metric.SQL) {
			deps[metric.SQL] = true
			break
		}
		refs, err := extractColumnReferences(metric.SQL)
		if err != nil {
			return nil, errors.Wrapf(err, "extracting dependencies of metric %s", metric.Name)
		}
		for ref := range refs {
			if g != nil {
				deps[resolveReference(ref, g)] = true
			} else {
				deps[ref] = true
			}
		}

	case model.Simple:
		// simple aggregations have no metric dependencies
	}

	return deps, nil
}

// isSimpleReference reports whether sql is a bare "model.metric" reference:
// it contains a '.', no whitespace, and none of the SQL operator
// characters.
func isSimpleReference(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	if !strings.Contains(trimmed, ".") || strings.ContainsAny(trimmed, " \t\n") {
		return false
	}
	for _, op := range sqlOperators {
		if strings.IndexByte(trimmed, op) >= 0 {
			return false
		}
	}
	return true
}

// extractColumnReferences parses sql (wrapped as "SELECT {sql}") and walks
// the resulting tree collecting every column/identifier reference. If
// parsing fails, it falls back to a lexical scan.
func extractColumnReferences(sql string) (map[string]bool, error) {
	wrapped := "SELECT " + sql
	stmt, err := parser.Get(wrapped).Parse()
	if err != nil {
		return extractSimpleReferences(sql), nil
	}

	refs := make(map[string]bool)
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return extractSimpleReferences(sql), nil
	}
	for _, item := range sel.Columns {
		visitor.WalkFunc(item, func(n ast.Node) bool {
			if col, ok := n.(*ast.ColName); ok {
				if col.Table() != "" {
					refs[col.Table()+"."+col.Name()] = true
				} else {
					refs[col.Name()] = true
				}
			}
			return true
		})
	}
	return refs, nil
}

// extractSimpleReferences is the lexical fallback used when parsing a
// derived metric's SQL fragment fails: it emits maximal runs of
// [A-Za-z0-9_.], skipping keywords, numeric literals, and quoted strings.
func extractSimpleReferences(sql string) map[string]bool {
	refs := make(map[string]bool)
	var current strings.Builder
	inString := false
	prev := byte(' ')

	flush := func() {
		s := current.String()
		if s != "" && !isKeyword(s) && !isNumber(s) {
			refs[s] = true
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' && prev != '\\' {
			inString = !inString
		}
		if !inString {
			if isIdentChar(c) {
				current.WriteByte(c)
			} else {
				flush()
			}
		}
		prev = c
	}
	flush()

	return refs
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.'
}

func isKeyword(s string) bool {
	return keywords[strings.ToUpper(s)]
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	seenDot := false
	for i, c := range s {
		if c == '.' {
			if seenDot {
				return false
			}
			seenDot = true
			continue
		}
		if c < '0' || c > '9' {
			if i == 0 && (c == '-' || c == '+') {
				continue
			}
			return false
		}
	}
	return true
}

// resolveReference qualifies a bare identifier by scanning g.Models() (in
// deterministic name order) for the first model declaring a metric with
// that name. Already-qualified references and unresolved bare names pass
// through unchanged.
func resolveReference(ref string, g *graph.SemanticGraph) string {
	if strings.Contains(ref, ".") {
		return ref
	}
	for _, m := range g.Models() {
		if _, ok := m.Metric(ref); ok {
			return m.Name + "." + ref
		}
	}
	return ref
}

// CheckCircularDependencies builds a dependency multigraph over the given
// metrics (name -> *model.Metric) by calling ExtractDependencies with g,
// then DFS's it with a recursion stack. It fails with a Validation error
// naming one metric on the cycle; isolated chains terminating at unknown
// names are not cycles.
func CheckCircularDependencies(metrics map[string]*model.Metric, g *graph.SemanticGraph) error {
	dg := dgraph.New(func(s string) string { return s }, dgraph.Directed())

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}

	for _, name := range names {
		_ = dg.AddVertex(name)
	}
	for _, name := range names {
		deps, err := ExtractDependencies(metrics[name], g)
		if err != nil {
			return errors.Wrapf(err, "checking circular dependencies for metric %s", name)
		}
		for dep := range deps {
			if _, ok := metrics[dep]; !ok {
				continue // unknown/unresolved name: not part of the cycle graph
			}
			_ = dg.AddEdge(name, dep)
		}
	}

	adjacency, err := dg.AdjacencyMap()
	if err != nil {
		return errors.Wrap(err, "building metric dependency adjacency map")
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var cycleAt string // a metric on the detected cycle

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for dep := range adjacency[node] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				cycleAt = dep
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for _, name := range names {
		if !visited[name] && hasCycle(name) {
			return modelerr.NewValidation("circular dependency detected involving metric '" + cycleAt + "'")
		}
	}

	return nil
}
