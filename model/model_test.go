package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersModel() *Model {
	return &Model{
		Name:       "orders",
		PrimaryKey: "id",
		Table:      "public.orders",
		Dimensions: []Dimension{
			{Name: "status", Kind: Categorical},
			{Name: "created_at", Kind: Time, Granularity: "day"},
		},
		Metrics: []Metric{
			{Name: "revenue", Kind: Simple, Agg: Sum, SQL: "amount"},
			{Name: "count", Kind: Simple, Agg: Count},
		},
		Relationships: []Relationship{
			{Name: "customers", Kind: ManyToOne},
		},
		Segments: []Segment{
			{Name: "active", SQL: "{alias}.status = 'active'"},
		},
	}
}

func TestDimensionLookup(t *testing.T) {
	m := ordersModel()
	d, ok := m.Dimension("status")
	require.True(t, ok)
	assert.Equal(t, Categorical, d.Kind)
	assert.Equal(t, "status", d.Expr())

	_, ok = m.Dimension("nope")
	assert.False(t, ok)
}

func TestMetricLookup(t *testing.T) {
	m := ordersModel()
	rev, ok := m.Metric("revenue")
	require.True(t, ok)
	assert.Equal(t, Sum, rev.Agg)
	assert.Equal(t, "amount", rev.SQL)
}

func TestSegmentLookup(t *testing.T) {
	m := ordersModel()
	s, ok := m.Segment("active")
	require.True(t, ok)
	assert.Contains(t, s.SQL, "{alias}")
}

func TestHasField(t *testing.T) {
	m := ordersModel()
	assert.True(t, m.HasField("status"))
	assert.True(t, m.HasField("revenue"))
	assert.True(t, m.HasField("active"))
	assert.False(t, m.HasField("nonexistent"))
}

func TestRelationshipDefaults(t *testing.T) {
	r := &Relationship{Name: "customers", Kind: ManyToOne}
	assert.Equal(t, "customers_id", r.FKOrDefault())
	assert.Equal(t, "id", r.PKOrDefault())

	r2 := &Relationship{Name: "customers", Kind: ManyToOne, ForeignKey: "cust_id", PrimaryKey: "cust_pk"}
	assert.Equal(t, "cust_id", r2.FKOrDefault())
	assert.Equal(t, "cust_pk", r2.PKOrDefault())
}

func TestRelationshipInvert(t *testing.T) {
	assert.Equal(t, OneToMany, ManyToOne.Invert())
	assert.Equal(t, ManyToOne, OneToMany.Invert())
	assert.Equal(t, OneToOne, OneToOne.Invert())
	assert.Equal(t, ManyToMany, ManyToMany.Invert())
}

func TestModelSource(t *testing.T) {
	m := ordersModel()
	assert.Equal(t, "public.orders", m.Source())

	sub := &Model{Name: "recent_orders", SQL: "SELECT * FROM orders WHERE created_at > now() - interval '7 days'"}
	assert.Equal(t, "(SELECT * FROM orders WHERE created_at > now() - interval '7 days')", sub.Source())
}
