package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dwellfi/provision-brain/internal/domain"
)

// Node is the minimal shape the graph needs. Both live phase definitions and
// job snapshots reduce to it.
type Node struct {
	ID        string
	DependsOn []string
}

func NodesOf(phases []PhaseDef) []Node {
	out := make([]Node, 0, len(phases))
	for _, p := range phases {
		out = append(out, Node{ID: p.ID, DependsOn: p.DependsOn})
	}
	return out
}

func NodesOfSnapshots(phases []domain.PhaseSnapshot) []Node {
	out := make([]Node, 0, len(phases))
	for _, p := range phases {
		out = append(out, Node{ID: p.ID, DependsOn: p.DependsOn})
	}
	return out
}

// Graph answers readiness and level questions over a phase DAG. Construct
// with NewGraph and call Validate before trusting the other methods.
type Graph struct {
	nodes []Node
	byID  map[string]Node
}

func NewGraph(nodes []Node) *Graph {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return &Graph{nodes: nodes, byID: byID}
}

// Validate reports every structural defect: blank or duplicate ids,
// unresolved dependencies, cycles.
func (g *Graph) Validate() []error {
	var errs []error
	seen := map[string]bool{}
	for _, n := range g.nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("phase with empty id"))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("duplicate phase id %q", id))
		}
		seen[id] = true
	}
	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("phase %q depends on unknown phase %q", n.ID, dep))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	if _, err := g.topoOrder(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// topoOrder is a Kahn sort, stable by input order.
func (g *Graph) topoOrder() ([]string, error) {
	deg := map[string]int{}
	out := map[string][]string{}
	for _, n := range g.nodes {
		deg[n.ID] = 0
	}
	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			deg[n.ID]++
			out[dep] = append(out[dep], n.ID)
		}
	}
	order := make([]string, 0, len(g.nodes))
	added := map[string]bool{}
	for {
		progressed := false
		for _, n := range g.nodes {
			if added[n.ID] || deg[n.ID] != 0 {
				continue
			}
			added[n.ID] = true
			order = append(order, n.ID)
			for _, next := range out[n.ID] {
				deg[next]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("cycle detected in phase graph")
	}
	return order, nil
}

// Levels groups phases into topological levels: everything at level k
// depends only on levels < k. Within a level, ids are sorted for
// reproducible scheduling.
func (g *Graph) Levels() [][]string {
	level := map[string]int{}
	order, err := g.topoOrder()
	if err != nil {
		return nil
	}
	maxLevel := 0
	for _, id := range order {
		l := 0
		for _, dep := range g.byID[id].DependsOn {
			if dl, ok := level[dep]; ok && dl+1 > l {
				l = dl + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		levels[level[id]] = append(levels[level[id]], id)
	}
	for _, ids := range levels {
		sort.Strings(ids)
	}
	return levels
}

// Ready returns the phases whose dependencies are all satisfied and which
// are not themselves satisfied yet, sorted by id.
func (g *Graph) Ready(satisfied map[string]bool) []string {
	var ready []string
	for _, n := range g.nodes {
		if satisfied[n.ID] {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if !satisfied[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)
	return ready
}

// Edges flattens the DAG for the graph visualization endpoint.
func (g *Graph) Edges() [][2]string {
	var edges [][2]string
	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			edges = append(edges, [2]string{dep, n.ID})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}
