package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semantable/semantable/graph"
	"github.com/semantable/semantable/model"
)

func TestRatioDependencies(t *testing.T) {
	m := &model.Metric{Name: "profit_margin", Kind: model.Ratio, Numerator: "profit", Denominator: "revenue"}
	deps, err := ExtractDependencies(m, nil)
	require.NoError(t, err)
	assert.True(t, deps["profit"])
	assert.True(t, deps["revenue"])
}

func TestDerivedSimpleReference(t *testing.T) {
	m := &model.Metric{Name: "total_revenue", Kind: model.Derived, SQL: "orders.revenue"}
	deps, err := ExtractDependencies(m, nil)
	require.NoError(t, err)
	assert.True(t, deps["orders.revenue"])
}

func TestDerivedExpression(t *testing.T) {
	m := &model.Metric{Name: "avg_order_value", Kind: model.Derived, SQL: "revenue / order_count"}
	deps, err := ExtractDependencies(m, nil)
	require.NoError(t, err)
	assert.True(t, deps["revenue"])
	assert.True(t, deps["order_count"])
}

func TestSimpleAggregationHasNoDeps(t *testing.T) {
	m := &model.Metric{Name: "revenue", Kind: model.Simple, Agg: model.Sum, SQL: "amount"}
	deps, err := ExtractDependencies(m, nil)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestExtractColumnReferences(t *testing.T) {
	refs, err := extractColumnReferences("(revenue - cost) / revenue")
	require.NoError(t, err)
	assert.True(t, refs["revenue"])
	assert.True(t, refs["cost"])
}

func TestCumulativeAndTimeComparisonDeps(t *testing.T) {
	cum := &model.Metric{Name: "running_total", Kind: model.Cumulative, SQL: "revenue"}
	deps, err := ExtractDependencies(cum, nil)
	require.NoError(t, err)
	assert.True(t, deps["revenue"])

	tc := &model.Metric{Name: "revenue_yoy", Kind: model.TimeComparison, BaseMetric: "revenue"}
	deps, err = ExtractDependencies(tc, nil)
	require.NoError(t, err)
	assert.True(t, deps["revenue"])
}

func buildGraph(t *testing.T) *graph.SemanticGraph {
	t.Helper()
	g := graph.New()
	require.NoError(t, g.AddModel(&model.Model{
		Name:  "orders",
		Table: "public.orders",
		Metrics: []model.Metric{
			{Name: "revenue", Kind: model.Simple, Agg: model.Sum, SQL: "amount"},
			{Name: "order_count", Kind: model.Simple, Agg: model.Count},
		},
	}))
	return g
}

func TestResolveReferenceWithGraph(t *testing.T) {
	g := buildGraph(t)
	m := &model.Metric{Name: "avg_order_value", Kind: model.Derived, SQL: "revenue / order_count"}
	deps, err := ExtractDependencies(m, g)
	require.NoError(t, err)
	assert.True(t, deps["orders.revenue"])
	assert.True(t, deps["orders.order_count"])
}

func TestCheckCircularDependenciesNoCycle(t *testing.T) {
	g := buildGraph(t)
	metrics := map[string]*model.Metric{
		"revenue":      {Name: "revenue", Kind: model.Simple, Agg: model.Sum, SQL: "amount"},
		"order_count":  {Name: "order_count", Kind: model.Simple, Agg: model.Count},
		"avg_order":    {Name: "avg_order", Kind: model.Derived, SQL: "revenue / order_count"},
	}
	err := CheckCircularDependencies(metrics, g)
	assert.NoError(t, err)
}

func TestCheckCircularDependenciesDetectsCycle(t *testing.T) {
	g := graph.New()
	metrics := map[string]*model.Metric{
		"a": {Name: "a", Kind: model.Derived, SQL: "b"},
		"b": {Name: "b", Kind: model.Derived, SQL: "c"},
		"c": {Name: "c", Kind: model.Derived, SQL: "a"},
	}
	err := CheckCircularDependencies(metrics, g)
	require.Error(t, err)
}

func TestCheckCircularDependenciesIgnoresUnknownChains(t *testing.T) {
	g := graph.New()
	metrics := map[string]*model.Metric{
		"a": {Name: "a", Kind: model.Derived, SQL: "unknown_thing"},
	}
	err := CheckCircularDependencies(metrics, g)
	assert.NoError(t, err)
}
