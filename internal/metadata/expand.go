/*******************************************************************************
*
* Copyright 2024 The Weft Authors
*
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You should have received a copy of the License along with this
* program. If not, you may obtain a copy of the License at
*
*     http://www.apache.org/licenses/LICENSE-2.0
*
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
*
*******************************************************************************/

package metadata

import (
	"fmt"
	"sort"
)

// activation records how a group became active: its shortest provenance
// depth from a seed, and the set of immediate parents through which it was
// reached. The seed pseudo-parent is the empty string.
type activation struct {
	depth   int
	parents map[string]bool
}

// expansion is the result of expanding the group graph for one client.
type expansion struct {
	groups     []string
	categories map[string]string
	bundles    []string
	// warnings carries category-conflict diagnostics; expansion itself never
	// fails on those.
	warnings []string
}

// expand runs the worklist expansion over the group graph:
// seeds → unconditional includes → conditionals (to fixpoint) → negations
// (with provenance-based cascade) → category enforcement → bundle ordering.
func (g *groupGraph) expand(hostname string, seeds, negations []string) *expansion {
	active := make(map[string]*activation)
	negated := make(map[string]bool)
	for _, n := range negations {
		negated[n] = true
	}

	var queue []string
	add := func(name string, depth int, parent string) {
		if name == "" {
			return
		}
		if a, ok := active[name]; ok {
			// repeated inclusion is a no-op apart from provenance bookkeeping
			a.parents[parent] = true
			if depth < a.depth {
				a.depth = depth
			}
			return
		}
		active[name] = &activation{depth: depth, parents: map[string]bool{parent: true}}
		queue = append(queue, name)
	}
	drain := func() {
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			def := g.defs[name]
			if def == nil {
				continue
			}
			depth := active[name].depth
			for _, edge := range def.includes {
				if edge.negate {
					negated[edge.name] = true
				} else {
					add(edge.name, depth+1, name)
				}
			}
		}
	}

	for _, seed := range seeds {
		add(seed, 0, "")
	}
	drain()

	// conditionals may activate groups that satisfy further conditionals,
	// so this pass runs to fixpoint; each conditional fires at most once
	applied := make(map[int]bool)
	for {
		fired := false
		for i, cond := range g.conditionals {
			if applied[i] || !cond.holds(hostname, active) {
				continue
			}
			applied[i] = true
			fired = true
			depth := 0
			if a, ok := active[cond.parent]; ok {
				depth = a.depth + 1
			}
			for _, edge := range cond.groups {
				if edge.negate {
					negated[edge.name] = true
				} else {
					add(edge.name, depth, cond.parent)
				}
			}
			drain()
		}
		if !fired {
			break
		}
	}

	g.applyNegations(active, negated)

	result := &expansion{categories: make(map[string]string)}
	g.enforceCategories(active, result)

	for name := range active {
		result.groups = append(result.groups, name)
	}
	sort.Strings(result.groups)

	result.bundles = g.collectBundles(hostname, active)
	return result
}

func (c conditional) holds(hostname string, active map[string]*activation) bool {
	for _, gd := range c.guards {
		var hit bool
		switch gd.tag {
		case "Group":
			hit = active[gd.name] != nil
		case "Client":
			hit = hostname == gd.name
		}
		if hit == gd.negate {
			return false
		}
	}
	return true
}

// applyNegations removes every negated group, then cascades: a group that
// was reached exclusively through removed groups is removed as well. Groups
// reached through a surviving chain (or seeded directly) remain.
func (g *groupGraph) applyNegations(active map[string]*activation, negated map[string]bool) {
	for name := range negated {
		delete(active, name)
	}
	for {
		changed := false
		for name, a := range active {
			alive := false
			for parent := range a.parents {
				if parent == "" || active[parent] != nil {
					alive = true
					break
				}
			}
			if !alive {
				delete(active, name)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// enforceCategories resolves category conflicts deterministically: per
// category, the member reached via the shortest provenance chain wins, ties
// broken by lexicographic group name. Losers are removed with a warning.
func (g *groupGraph) enforceCategories(active map[string]*activation, result *expansion) {
	members := make(map[string][]string)
	for name := range active {
		if def := g.defs[name]; def != nil && def.category != "" {
			members[def.category] = append(members[def.category], name)
		}
	}
	for category, names := range members {
		sort.Slice(names, func(i, j int) bool {
			di, dj := active[names[i]].depth, active[names[j]].depth
			if di != dj {
				return di < dj
			}
			return names[i] < names[j]
		})
		result.categories[category] = names[0]
		for _, loser := range names[1:] {
			delete(active, loser)
			result.warnings = append(result.warnings, fmt.Sprintf(
				"dropping group %s: category %s is already filled by %s", loser, category, names[0]))
		}
	}
}

// collectBundles gathers the bundles of all finally active groups and of all
// conditionals that hold against the final group set, ordered by group
// inclusion depth and then by bundle name.
func (g *groupGraph) collectBundles(hostname string, active map[string]*activation) []string {
	type bundleRef struct {
		name  string
		depth int
	}
	var refs []bundleRef
	for name, a := range active {
		if def := g.defs[name]; def != nil {
			for _, b := range def.bundles {
				refs = append(refs, bundleRef{name: b, depth: a.depth})
			}
		}
	}
	for _, cond := range g.conditionals {
		if len(cond.bundles) == 0 || !cond.holds(hostname, active) {
			continue
		}
		depth := 0
		if a, ok := active[cond.parent]; ok {
			depth = a.depth + 1
		}
		for _, b := range cond.bundles {
			refs = append(refs, bundleRef{name: b, depth: depth})
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].depth != refs[j].depth {
			return refs[i].depth < refs[j].depth
		}
		return refs[i].name < refs[j].name
	})
	var bundles []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		if !seen[ref.name] {
			seen[ref.name] = true
			bundles = append(bundles, ref.name)
		}
	}
	return bundles
}
