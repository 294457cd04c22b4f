// Package model defines the semantic-layer data model: models, dimensions,
// metrics, relationships, and segments. Every kind field is a closed Go
// enumeration (an int type with iota constants and a String method) rather
// than an interface hierarchy, so dispatch happens on the kind, not on a
// method table.
package model

// DimensionKind enumerates the kinds a Dimension can take.
type DimensionKind int

const (
	Categorical DimensionKind = iota
	Time
	Boolean
	Numeric
)

func (k DimensionKind) String() string {
	switch k {
	case Categorical:
		return "categorical"
	case Time:
		return "time"
	case Boolean:
		return "boolean"
	case Numeric:
		return "numeric"
	default:
		return "unknown"
	}
}

// Dimension is a grouping attribute on a Model.
type Dimension struct {
	Name        string
	Kind        DimensionKind
	SQL         string // expression; defaults to Name when empty
	Granularity string // only meaningful when Kind == Time
	Label       string
	Description string
}

// Expr returns the dimension's backing SQL expression, defaulting to its
// name when none was given.
func (d *Dimension) Expr() string {
	if d.SQL == "" {
		return d.Name
	}
	return d.SQL
}

// Aggregation enumerates the aggregation functions a simple Metric can use.
type Aggregation int

const (
	Sum Aggregation = iota
	Count
	CountDistinct
	Avg
	Min
	Max
	Median
	Expression
)

func (a Aggregation) String() string {
	switch a {
	case Sum:
		return "SUM"
	case Count:
		return "COUNT"
	case CountDistinct:
		return "COUNT"
	case Avg:
		return "AVG"
	case Min:
		return "MIN"
	case Max:
		return "MAX"
	case Median:
		return "MEDIAN"
	case Expression:
		return ""
	default:
		return "unknown"
	}
}

// MetricKind enumerates the kinds a Metric can take.
type MetricKind int

const (
	Simple MetricKind = iota
	Derived
	Ratio
	Cumulative
	TimeComparison
)

func (k MetricKind) String() string {
	switch k {
	case Simple:
		return "simple"
	case Derived:
		return "derived"
	case Ratio:
		return "ratio"
	case Cumulative:
		return "cumulative"
	case TimeComparison:
		return "time_comparison"
	default:
		return "unknown"
	}
}

// Metric is a measure on a Model. Which fields are meaningful depends on
// Kind: Agg/SQL for Simple, SQL for Derived, Numerator/Denominator for
// Ratio, SQL for Cumulative, BaseMetric for TimeComparison.
type Metric struct {
	Name        string
	Kind        MetricKind
	Agg         Aggregation
	SQL         string
	Numerator   string
	Denominator string
	BaseMetric  string
	// Filters holds reusable segment names or raw predicates applied when
	// the metric is aggregated. Recorded but not yet injected into emitted
	// aggregation SQL — see rewrite/metric.go.
	Filters     []string
	Label       string
	Description string
}

// RelationshipKind enumerates the directed edge kinds between models.
type RelationshipKind int

const (
	ManyToOne RelationshipKind = iota
	OneToOne
	OneToMany
	ManyToMany
)

func (k RelationshipKind) String() string {
	switch k {
	case ManyToOne:
		return "many_to_one"
	case OneToOne:
		return "one_to_one"
	case OneToMany:
		return "one_to_many"
	case ManyToMany:
		return "many_to_many"
	default:
		return "unknown"
	}
}

// Invert returns the relationship kind seen from the other end of the edge:
// many-to-one and one-to-many invert into each other; one-to-one and
// many-to-many are symmetric.
func (k RelationshipKind) Invert() RelationshipKind {
	switch k {
	case ManyToOne:
		return OneToMany
	case OneToMany:
		return ManyToOne
	default:
		return k
	}
}

// Relationship is a directed edge from its owning Model to a target Model.
type Relationship struct {
	Name string // target model name
	Kind RelationshipKind
	// ForeignKey defaults to "{target}_id" on the source model when empty.
	ForeignKey string
	// PrimaryKey defaults to "id" on the target model when empty.
	PrimaryKey string
}

// FKOrDefault returns ForeignKey, defaulting to "{target}_id".
func (r *Relationship) FKOrDefault() string {
	if r.ForeignKey != "" {
		return r.ForeignKey
	}
	return r.Name + "_id"
}

// PKOrDefault returns PrimaryKey, defaulting to "id".
func (r *Relationship) PKOrDefault() string {
	if r.PrimaryKey != "" {
		return r.PrimaryKey
	}
	return "id"
}

// Segment is a named, reusable WHERE-predicate template parameterized by
// the model alias via an "{alias}" placeholder, e.g. "{alias}.status =
// 'active'".
type Segment struct {
	Name string
	SQL  string
}

// Model is a named logical entity bound to a physical table or a subquery.
type Model struct {
	Name       string
	PrimaryKey string
	// Exactly one of Table or SQL must be set.
	Table string
	SQL   string

	Dimensions    []Dimension
	Metrics       []Metric
	Relationships []Relationship
	Segments      []Segment

	Label       string
	Description string
}

// Dimension looks up a dimension by name.
func (m *Model) Dimension(name string) (*Dimension, bool) {
	for i := range m.Dimensions {
		if m.Dimensions[i].Name == name {
			return &m.Dimensions[i], true
		}
	}
	return nil, false
}

// Metric looks up a metric by name.
func (m *Model) Metric(name string) (*Metric, bool) {
	for i := range m.Metrics {
		if m.Metrics[i].Name == name {
			return &m.Metrics[i], true
		}
	}
	return nil, false
}

// Segment looks up a segment by name.
func (m *Model) Segment(name string) (*Segment, bool) {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i], true
		}
	}
	return nil, false
}

// HasField reports whether name is a dimension, metric, or segment of m.
func (m *Model) HasField(name string) bool {
	if _, ok := m.Dimension(name); ok {
		return true
	}
	if _, ok := m.Metric(name); ok {
		return true
	}
	if _, ok := m.Segment(name); ok {
		return true
	}
	return false
}

// Source returns the model's physical source: the table name, or the
// parenthesized subquery when Table is empty.
func (m *Model) Source() string {
	if m.Table != "" {
		return m.Table
	}
	return "(" + m.SQL + ")"
}
