package plan

import (
	"slices"

	"github.com/metalagman/planrun/internal/model"
)

// TopoOrder returns task names in dependency order. Ties keep plan order, so
// the result is deterministic. It fails on cycles and unknown dependencies.
func TopoOrder(p *model.Plan) ([]string, error) {
	index := make(map[string]int, len(p.Tasks))
	for i, t := range p.Tasks {
		index[t.Name] = i
	}
	indegree := make([]int, len(p.Tasks))
	dependents := make([][]int, len(p.Tasks))
	for i, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, invalid("task %q depends on unknown task %q", t.Name, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// ready is kept sorted by plan position.
	var ready []int
	for i := range p.Tasks {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]string, 0, len(p.Tasks))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, p.Tasks[i].Name)
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				pos, _ := slices.BinarySearch(ready, d)
				ready = slices.Insert(ready, pos, d)
			}
		}
	}
	if len(order) != len(p.Tasks) {
		return nil, invalid("dependency graph has a cycle")
	}
	return order, nil
}
