// Package query builds aggregation pipelines that collapse N+1 query
// patterns into a single server-side round trip, and derives the stable
// cache keys under which their results are stored.
package query

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Stage is one named aggregation stage, e.g. {"$match": {...}}.
type Stage struct {
	Name string
	Body any
}

// PipelineSpec is an ordered, immutable list of aggregation stages.
// Build one with a query builder, execute it exactly once per query;
// accessors return copies so a built pipeline cannot be mutated.
type PipelineSpec struct {
	collection string
	stages     []Stage
}

// NewPipelineSpec creates a spec from the given stages.
func NewPipelineSpec(stages ...Stage) PipelineSpec {
	return PipelineSpec{stages: append([]Stage(nil), stages...)}
}

// ForCollection returns a copy of the spec bound to the collection the
// pipeline runs against.
func (p PipelineSpec) ForCollection(name string) PipelineSpec {
	p.collection = name
	return p
}

// Collection returns the collection the pipeline is bound to, or "" when
// the spec was never bound.
func (p PipelineSpec) Collection() string {
	return p.collection
}

// Stages returns a copy of the ordered stage list.
func (p PipelineSpec) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Len returns the number of stages.
func (p PipelineSpec) Len() int {
	return len(p.stages)
}

// Empty reports whether the spec holds no stages.
func (p PipelineSpec) Empty() bool {
	return len(p.stages) == 0
}

// Render converts the spec to the driver's native pipeline syntax. The
// conversion is lossless: stage order and bodies pass through unchanged.
func (p PipelineSpec) Render() []bson.M {
	rendered := make([]bson.M, 0, len(p.stages))
	for _, s := range p.stages {
		rendered = append(rendered, bson.M{s.Name: s.Body})
	}
	return rendered
}

// StageNames returns the ordered stage names, e.g.
// "$match,$lookup,$project". Useful in logs and assertions.
func (p PipelineSpec) StageNames() string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name)
	}
	return strings.Join(names, ",")
}
