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

// Package binder turns abstract structure entries into fully specified
// literal entries by matching them against generator rules.
package binder

import (
	"strconv"
	"strings"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/regexpext"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

func init() {
	core.PluginRegistry.Add(func() core.Plugin { return &rulesPlugin{} })
}

// rulesPlugin is the standard generator: it serves literal entry attributes
// from the Rules/ directory of the repository.
type rulesPlugin struct {
	loader   *repo.Loader
	useRegex bool
}

// rule is one entry element from a rules file, together with the priority of
// its file and the Group/Client scope chain it is nested under.
type rule struct {
	source   string
	priority int
	scope    []core.ScopeSelector
	element  *repo.Element
}

// PluginTypeID implements the core.Plugin interface.
func (p *rulesPlugin) PluginTypeID() string { return "Rules" }

// Init implements the core.Plugin interface.
func (p *rulesPlugin) Init(loader *repo.Loader, cfg core.Configuration) error {
	p.loader = loader
	p.useRegex = cfg.Rules.Regex
	return nil
}

// FindCandidates implements the core.Generator interface.
func (p *rulesPlugin) FindCandidates(kind, name string) []core.Candidate {
	var result []core.Candidate
	for _, r := range p.loadRules() {
		if r.element.Tag != kind {
			continue
		}
		ruleName := r.element.Get("name")
		exact := ruleName == name
		if !exact {
			if !p.useRegex {
				continue
			}
			if !regexpext.BoundedRegexp(ruleName).MatchString(name) {
				continue
			}
		}
		element := r.element
		result = append(result, core.Candidate{
			Plugin:   "Rules",
			Source:   r.source,
			Priority: r.priority,
			Exact:    exact,
			Scope:    r.scope,
			Bind: func(abstract *repo.Element, md *core.ClientMetadata) (*repo.Element, error) {
				return applyRule(abstract, element), nil
			},
		})
	}
	return result
}

// applyRule merges the rule element into a copy of the abstract entry. Rule
// attributes overwrite abstract ones (except the name key), and the rule's
// children and text are carried over verbatim.
func applyRule(abstract, rule *repo.Element) *repo.Element {
	literal := abstract.Copy()
	for _, attr := range rule.Attrs {
		if attr.Name == "name" {
			continue
		}
		literal.Set(attr.Name, attr.Value)
	}
	if rule.Text != "" {
		literal.Text = rule.Text
	}
	for _, child := range rule.Children {
		literal.Append(child.Copy())
	}
	return literal
}

// loadRules walks all files in Rules/. Parse failures are logged and the
// affected file is skipped, so one broken file does not take down binding
// for unrelated entries.
func (p *rulesPlugin) loadRules() []rule {
	files, err := p.loader.ListFiles("Rules")
	if err != nil {
		logg.Error("cannot list Rules directory: %s", err.Error())
		return nil
	}

	var result []rule
	for _, file := range files {
		if !strings.HasSuffix(file, ".xml") {
			continue
		}
		doc, err := p.loader.Document("Rules/" + file)
		if err != nil {
			logg.Error("skipping rules file %s: %s", file, err.Error())
			continue
		}
		if doc.Tag != "Rules" {
			logg.Error("skipping rules file %s: root is <%s>, expected <Rules>", file, doc.Tag)
			continue
		}
		priority, err := strconv.Atoi(doc.GetDefault("priority", "0"))
		if err != nil {
			logg.Error("skipping rules file %s: malformed priority attribute", file)
			continue
		}
		collectRules(&result, doc.Children, rule{source: "Rules/" + file, priority: priority})
	}
	return result
}

func collectRules(result *[]rule, children []*repo.Element, proto rule) {
	for _, child := range children {
		if child.Tag == "Group" || child.Tag == "Client" {
			scoped := proto
			scoped.scope = append(append([]core.ScopeSelector(nil), proto.scope...), core.ScopeSelector{
				Tag:    child.Tag,
				Name:   child.Get("name"),
				Negate: child.BoolAttr("negate"),
			})
			collectRules(result, child.Children, scoped)
			continue
		}
		entry := proto
		entry.element = child
		*result = append(*result, entry)
	}
}
