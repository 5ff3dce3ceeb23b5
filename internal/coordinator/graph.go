package coordinator

import "sort"

// graph is the dependency structure of a plan, kept apart from execution.
type graph struct {
	ids        []string
	deps       map[string][]string
	dependents map[string][]string
}

func newGraph(subtasks []Subtask) *graph {
	g := &graph{
		deps:       make(map[string][]string, len(subtasks)),
		dependents: make(map[string][]string, len(subtasks)),
	}
	for _, st := range subtasks {
		g.ids = append(g.ids, st.ID)
		seen := make(map[string]bool, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[st.ID] = append(g.deps[st.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], st.ID)
		}
	}
	sort.Strings(g.ids)
	for _, list := range g.deps {
		sort.Strings(list)
	}
	for _, list := range g.dependents {
		sort.Strings(list)
	}
	return g
}

// levels peels the graph into waves with Kahn's algorithm. Every subtask
// lands in the level after its deepest dependency.
func (g *graph) levels() ([][]string, error) {
	inDeg := make(map[string]int, len(g.ids))
	var queue []string
	for _, id := range g.ids {
		inDeg[id] = len(g.deps[id])
		if inDeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	var levels [][]string
	processed := 0
	for len(queue) > 0 {
		sort.Strings(queue)
		levels = append(levels, queue)
		processed += len(queue)

		var next []string
		for _, id := range queue {
			for _, blocked := range g.dependents[id] {
				inDeg[blocked]--
				if inDeg[blocked] == 0 {
					next = append(next, blocked)
				}
			}
		}
		queue = next
	}

	if processed != len(g.ids) {
		return nil, &CycleError{Cycle: g.findCycle()}
	}
	return levels, nil
}

// findCycle returns one dependency loop as a path that starts and ends
// with the same id, or nil if the graph is acyclic.
func (g *graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}
