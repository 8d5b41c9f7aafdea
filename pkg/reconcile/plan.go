package reconcile

import (
	"sort"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/model"
)

// plan validates ds and orders its units so that every unit comes after the
// units it requires. Units that become ready together are taken by Order, then
// by their position in the DesiredState.
func plan(ds *model.DesiredState) ([]model.UnitSpec, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(ds.Units))
	for i, u := range ds.Units {
		index[u.Name] = i
	}
	pending := make([]int, len(ds.Units))
	dependents := make([][]int, len(ds.Units))
	for i, u := range ds.Units {
		pending[i] = len(u.Requires)
		for _, dep := range u.Requires {
			dependents[index[dep]] = append(dependents[index[dep]], i)
		}
	}

	less := func(a, b int) bool {
		if ds.Units[a].Order != ds.Units[b].Order {
			return ds.Units[a].Order < ds.Units[b].Order
		}
		return a < b
	}

	var ready []int
	for i := range ds.Units {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]model.UnitSpec, 0, len(ds.Units))
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool { return less(ready[x], ready[y]) })
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, ds.Units[next])
		for _, d := range dependents[next] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(ordered) != len(ds.Units) {
		return nil, &model.ConfigError{
			Version: ds.Version,
			Units:   findCycle(ds, pending, index),
			Reason:  "dependency cycle",
		}
	}
	return ordered, nil
}

// findCycle walks requirements among the units left unordered until a unit
// repeats, returning the units on the cycle with the first repeated at both
// ends.
func findCycle(ds *model.DesiredState, pending []int, index map[string]int) []string {
	start := -1
	for i := range ds.Units {
		if pending[i] > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	seen := make(map[int]int)
	var path []int
	for cur := start; ; {
		if at, ok := seen[cur]; ok {
			cycle := make([]string, 0, len(path)-at+1)
			for _, i := range path[at:] {
				cycle = append(cycle, ds.Units[i].Name)
			}
			return append(cycle, ds.Units[cur].Name)
		}
		seen[cur] = len(path)
		path = append(path, cur)
		for _, dep := range ds.Units[cur].Requires {
			if d := index[dep]; pending[d] > 0 {
				cur = d
				break
			}
		}
	}
}
