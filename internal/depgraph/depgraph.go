// Package depgraph normalizes task dependencies and rejects cycles.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// ErrCycle is returned when the dependency graph is not acyclic.
var ErrCycle = errors.New("dependency_cycle_detected")

// MissingError lists dependency ids that do not exist.
type MissingError struct {
	IDs []string
}

func (e *MissingError) Error() string {
	return "missing_dependencies:" + strings.Join(e.IDs, ",")
}

// Normalize trims ids, drops empties and self references, and removes
// duplicates while keeping first-seen order.
func Normalize(deps []string, selfID string) []string {
	out := make([]string, 0, len(deps))
	seen := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d == "" || (selfID != "" && d == selfID) {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Effective returns the dependencies used for cycle checks: the normalized
// depends_on list plus the parent task, if any.
func Effective(id, parentID string, deps []string) []string {
	out := Normalize(deps, id)
	if parentID == "" || parentID == id {
		return out
	}
	for _, d := range out {
		if d == parentID {
			return out
		}
	}
	return append(out, parentID)
}

// Validate checks that every entry of deps exists in graph and that adding
// the node id with deps keeps graph acyclic. graph maps task id to its
// effective dependencies and is not modified.
func Validate(id string, deps []string, graph map[string][]string) error {
	var missing []string
	for _, d := range deps {
		if _, ok := graph[d]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return &MissingError{IDs: missing}
	}

	merged := make(map[string][]string, len(graph)+1)
	for k, v := range graph {
		merged[k] = v
	}
	merged[id] = Normalize(deps, id)
	return CheckAcyclic(merged)
}

// CheckAcyclic runs a topological sort over graph. Edges pointing at ids
// outside graph are ignored.
func CheckAcyclic(graph map[string][]string) error {
	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var edges []toposort.Edge
	for _, id := range ids {
		linked := false
		for _, dep := range graph[id] {
			if _, ok := graph[dep]; !ok {
				continue
			}
			edges = append(edges, toposort.Edge{dep, id})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", ErrCycle, err)
	}
	return nil
}
