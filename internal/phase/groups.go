package phase

import (
	"fmt"
	"sort"
)

// GroupSet maps named feature groups to genome index subsets. It is built
// once at startup so stages reference groups by name only.
type GroupSet struct {
	dimension int
	groups    map[string][]int
}

func NewGroupSet(dimension int, groups map[string][]int) (*GroupSet, error) {
	if dimension < 1 {
		return nil, fmt.Errorf("dimension must be >= 1, got %d", dimension)
	}
	out := make(map[string][]int, len(groups))
	for name, indices := range groups {
		if name == "" {
			return nil, fmt.Errorf("group name is required")
		}
		if len(indices) == 0 {
			return nil, fmt.Errorf("group %s has no indices", name)
		}
		copied := append([]int(nil), indices...)
		sort.Ints(copied)
		for _, idx := range copied {
			if idx < 0 || idx >= dimension {
				return nil, fmt.Errorf("group %s index out of range: %d", name, idx)
			}
		}
		out[name] = copied
	}
	return &GroupSet{dimension: dimension, groups: out}, nil
}

func (g *GroupSet) Dimension() int { return g.dimension }

func (g *GroupSet) Has(name string) bool {
	_, ok := g.groups[name]
	return ok
}

func (g *GroupSet) Names() []string {
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mask resolves a union of group names to an active-dimension mask. An empty
// name list activates every dimension.
func (g *GroupSet) Mask(names []string) ([]bool, error) {
	mask := make([]bool, g.dimension)
	if len(names) == 0 {
		for i := range mask {
			mask[i] = true
		}
		return mask, nil
	}
	for _, name := range names {
		indices, ok := g.groups[name]
		if !ok {
			return nil, fmt.Errorf("unknown feature group: %s", name)
		}
		for _, idx := range indices {
			mask[idx] = true
		}
	}
	return mask, nil
}
