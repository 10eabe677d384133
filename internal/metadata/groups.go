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

	"github.com/weft-project/weft/internal/repo"
)

// groupDef is the declaration of one group in groups.xml.
type groupDef struct {
	name      string
	profile   bool
	public    bool
	isDefault bool
	category  string
	bundles   []string
	includes  []includeEdge
}

// includeEdge is an unconditional <Group name="..."/> child of a group
// declaration. With negate="true" it removes the target instead.
type includeEdge struct {
	name   string
	negate bool
}

// guard is one condition on a conditional body: the named group must be
// active (or the client must have the given name), XOR negate.
type guard struct {
	tag    string // "Group" or "Client"
	name   string
	negate bool
}

// conditional is a <Group> or <Client> element with children. Its body
// applies only when all guards hold. Nested conditionals are flattened at
// parse time into guard chains.
type conditional struct {
	guards  []guard
	groups  []includeEdge
	bundles []string
	// parent is the group whose activation provides provenance for groups
	// added by this conditional (innermost positive Group guard, or "" when
	// guarded only by client identity).
	parent string
}

// groupGraph is the parsed form of Metadata/groups.xml.
type groupGraph struct {
	defs           map[string]*groupDef
	conditionals   []conditional
	defaultProfile string
	// declaredClients collects clients that groups.xml implies into
	// existence (file-based mode only, see DESIGN.md).
	declaredClients []string
}

func parseGroups(doc *repo.Element) (*groupGraph, error) {
	if doc.Tag != "Groups" {
		return nil, fmt.Errorf("expected <Groups> document, got <%s>", doc.Tag)
	}
	g := &groupGraph{defs: make(map[string]*groupDef)}
	for _, child := range doc.Children {
		switch child.Tag {
		case "Group":
			err := g.parseGroupDecl(child)
			if err != nil {
				return nil, err
			}
		case "Client":
			name := child.Get("name")
			if name == "" {
				return nil, fmt.Errorf("<Client> element without name attribute")
			}
			g.declaredClients = append(g.declaredClients, name)
			if len(child.Children) > 0 {
				g.parseConditionalBody(child, []guard{{tag: "Client", name: name, negate: child.BoolAttr("negate")}}, "")
			}
		default:
			return nil, fmt.Errorf("unexpected <%s> element in groups document", child.Tag)
		}
	}
	return g, nil
}

func (g *groupGraph) parseGroupDecl(el *repo.Element) error {
	name := el.Get("name")
	if name == "" {
		return fmt.Errorf("<Group> element without name attribute")
	}
	def := g.defs[name]
	if def == nil {
		def = &groupDef{name: name}
		g.defs[name] = def
	}
	// flags are sticky across repeated declarations of the same group
	def.profile = def.profile || el.BoolAttr("profile")
	def.public = def.public || el.BoolAttr("public")
	def.isDefault = def.isDefault || el.BoolAttr("default")
	if c := el.Get("category"); c != "" {
		def.category = c
	}
	if def.isDefault && !def.profile {
		return fmt.Errorf("group %s is marked default but is not a profile group", name)
	}
	if def.isDefault {
		if g.defaultProfile != "" && g.defaultProfile != name {
			return fmt.Errorf("multiple default groups: %s and %s", g.defaultProfile, name)
		}
		g.defaultProfile = name
	}

	for _, child := range el.Children {
		switch child.Tag {
		case "Bundle":
			def.bundles = append(def.bundles, child.Get("name"))
		case "Group":
			if len(child.Children) == 0 {
				def.includes = append(def.includes, includeEdge{
					name:   child.Get("name"),
					negate: child.BoolAttr("negate"),
				})
			} else {
				g.parseConditionalBody(child, []guard{
					{tag: "Group", name: name},
					{tag: "Group", name: child.Get("name"), negate: child.BoolAttr("negate")},
				}, conditionalParent(name, child))
			}
		case "Client":
			g.parseConditionalBody(child, []guard{
				{tag: "Group", name: name},
				{tag: "Client", name: child.Get("name"), negate: child.BoolAttr("negate")},
			}, name)
		default:
			return fmt.Errorf("unexpected <%s> element in group %s", child.Tag, name)
		}
	}
	return nil
}

// conditionalParent picks the provenance parent for groups activated by a
// conditional <Group> element: the condition's own group if it is a positive
// condition, else the enclosing group.
func conditionalParent(enclosing string, el *repo.Element) string {
	if el.BoolAttr("negate") {
		return enclosing
	}
	return el.Get("name")
}

// parseConditionalBody flattens a conditional element into guard-chain
// conditionals appended to the graph.
func (g *groupGraph) parseConditionalBody(el *repo.Element, guards []guard, parent string) {
	cond := conditional{guards: guards, parent: parent}
	for _, child := range el.Children {
		switch child.Tag {
		case "Bundle":
			cond.bundles = append(cond.bundles, child.Get("name"))
		case "Group":
			if len(child.Children) == 0 {
				cond.groups = append(cond.groups, includeEdge{
					name:   child.Get("name"),
					negate: child.BoolAttr("negate"),
				})
			} else {
				nested := append(append([]guard{}, guards...), guard{
					tag: "Group", name: child.Get("name"), negate: child.BoolAttr("negate"),
				})
				g.parseConditionalBody(child, nested, conditionalParent(parent, child))
			}
		case "Client":
			nested := append(append([]guard{}, guards...), guard{
				tag: "Client", name: child.Get("name"), negate: child.BoolAttr("negate"),
			})
			g.parseConditionalBody(child, nested, parent)
		}
	}
	if len(cond.groups) > 0 || len(cond.bundles) > 0 {
		g.conditionals = append(g.conditionals, cond)
	}
}
