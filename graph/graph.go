// Package graph implements the semantic graph: the in-memory registry of
// models, their relationship adjacency, reference parsing, and shortest
// join-path search.
package graph

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/semantable/semantable/model"
	"github.com/semantable/semantable/modelerr"
)

// AdjacencyEdge is one directed step in the join adjacency index: from the
// model owning this edge to Target, through the given key pair.
type AdjacencyEdge struct {
	Target  string
	FromKey string
	ToKey   string
	Kind    model.RelationshipKind
}

// JoinStep is one leg of a join path returned by FindJoinPath.
type JoinStep struct {
	FromModel string
	ToModel   string
	FromKey   string
	ToKey     string
	Kind      model.RelationshipKind
}

var log = logrus.New()

// SemanticGraph is the in-memory registry of models and their relationship
// adjacency. The adjacency index is derived from the models and rebuilt on
// every AddModel call; it is never read concurrently with a write (see
// SPEC_FULL concurrency notes — callers serialize writes themselves).
type SemanticGraph struct {
	models    map[string]*model.Model
	order     []string // model insertion order, preserved across re-add
	adjacency map[string][]AdjacencyEdge
}

// New creates an empty SemanticGraph.
func New() *SemanticGraph {
	return &SemanticGraph{
		models:    make(map[string]*model.Model),
		adjacency: make(map[string][]AdjacencyEdge),
	}
}

// AddModel inserts or overwrites a model by name. It fails with a
// Validation error when the model declares neither Table nor SQL. On
// success, the adjacency index is rebuilt from scratch.
func (g *SemanticGraph) AddModel(m *model.Model) error {
	if m.Table == "" && m.SQL == "" {
		return modelerr.NewValidation("model " + m.Name + " must declare either table or sql")
	}
	if _, exists := g.models[m.Name]; !exists {
		g.order = append(g.order, m.Name)
	}
	g.models[m.Name] = m
	g.rebuildAdjacency()
	return nil
}

// LoadModels bulk-loads models, logging a warning for each failure and
// continuing rather than aborting the whole load (SPEC_FULL §9: warnings
// are emitted to stderr but never abort).
func (g *SemanticGraph) LoadModels(models []*model.Model) {
	for _, m := range models {
		if err := g.AddModel(m); err != nil {
			log.WithField("model", m.Name).WithError(err).Warn("skipping invalid model")
		}
	}
}

// GetModel looks up a model by name.
func (g *SemanticGraph) GetModel(name string) (*model.Model, bool) {
	m, ok := g.models[name]
	return m, ok
}

// Models returns every model in the graph, sorted by name. Sorting (rather
// than map iteration order) keeps derived-metric bare-identifier
// resolution deterministic across calls — see dependency.resolveReference.
func (g *SemanticGraph) Models() []*model.Model {
	out := make([]*model.Model, 0, len(g.models))
	for _, name := range g.sortedNames() {
		out = append(out, g.models[name])
	}
	return out
}

func (g *SemanticGraph) sortedNames() []string {
	names := make([]string, 0, len(g.models))
	for name := range g.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rebuildAdjacency recomputes the forward+reverse adjacency index from
// scratch, in model insertion order and, within each model, relationship
// declaration order — this order is what FindJoinPath's BFS tie-break
// relies on to be reproducible across calls.
func (g *SemanticGraph) rebuildAdjacency() {
	g.adjacency = make(map[string][]AdjacencyEdge)
	for _, name := range g.order {
		m, ok := g.models[name]
		if !ok {
			continue
		}
		for _, rel := range m.Relationships {
			g.adjacency[m.Name] = append(g.adjacency[m.Name], AdjacencyEdge{
				Target:  rel.Name,
				FromKey: rel.FKOrDefault(),
				ToKey:   rel.PKOrDefault(),
				Kind:    rel.Kind,
			})
			g.adjacency[rel.Name] = append(g.adjacency[rel.Name], AdjacencyEdge{
				Target:  m.Name,
				FromKey: rel.PKOrDefault(),
				ToKey:   rel.FKOrDefault(),
				Kind:    rel.Kind.Invert(),
			})
		}
	}
}

// ParseReference splits a "model.field" or "model.field__granularity"
// reference into its parts. It fails with InvalidReference when s does not
// contain exactly one '.', or ModelNotFound when the model part is unknown
// to the graph.
func (g *SemanticGraph) ParseReference(s string) (modelName, field, granularity string, err error) {
	if strings.Count(s, ".") != 1 {
		return "", "", "", modelerr.NewInvalidReference(s)
	}
	parts := strings.SplitN(s, ".", 2)
	modelName, fieldPart := parts[0], parts[1]
	if _, ok := g.GetModel(modelName); !ok {
		return "", "", "", modelerr.NewModelNotFound(modelName)
	}
	if i := strings.Index(fieldPart, "__"); i >= 0 {
		return modelName, fieldPart[:i], fieldPart[i+2:], nil
	}
	return modelName, fieldPart, "", nil
}

// FindJoinPath returns the shortest sequence of relationship edges from
// from to to. An empty, non-nil slice is returned when from == to. The
// search is an unweighted BFS with a visited set keyed by model name;
// ties are broken by the insertion order of each model's adjacency
// entries, so repeated calls on an unchanged graph return identical paths.
func (g *SemanticGraph) FindJoinPath(from, to string) ([]JoinStep, error) {
	if _, ok := g.GetModel(from); !ok {
		return nil, modelerr.NewModelNotFound(from)
	}
	if _, ok := g.GetModel(to); !ok {
		return nil, modelerr.NewModelNotFound(to)
	}
	if from == to {
		return []JoinStep{}, nil
	}

	type queued struct {
		model string
		path  []JoinStep
	}

	visited := map[string]bool{from: true}
	queue := []queued{{model: from, path: nil}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, edge := range g.adjacency[cur.model] {
			if visited[edge.Target] {
				continue
			}
			step := JoinStep{
				FromModel: cur.model,
				ToModel:   edge.Target,
				FromKey:   edge.FromKey,
				ToKey:     edge.ToKey,
				Kind:      edge.Kind,
			}
			nextPath := make([]JoinStep, len(cur.path), len(cur.path)+1)
			copy(nextPath, cur.path)
			nextPath = append(nextPath, step)

			if edge.Target == to {
				return nextPath, nil
			}
			visited[edge.Target] = true
			queue = append(queue, queued{model: edge.Target, path: nextPath})
		}
	}

	return nil, modelerr.NewNoJoinPath(from, to)
}
