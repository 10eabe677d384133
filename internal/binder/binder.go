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

package binder

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

var bindErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "weft_bind_errors_total",
	Help: "Number of abstract entries that could not be bound to a literal entry.",
})

func init() {
	prometheus.MustRegister(bindErrorCounter)
}

// Binder drives the binding stage: each abstract entry of each structure is
// matched against the candidates of all generators and replaced by the
// winning candidate's literal entry.
type Binder struct {
	caps core.Capabilities

	// one diagnostic per conflicting entry key, not one per request
	conflictMu     sync.Mutex
	knownConflicts map[string]bool
}

// New creates a Binder over the given plugin capabilities.
func New(caps core.Capabilities) *Binder {
	return &Binder{caps: caps, knownConflicts: make(map[string]bool)}
}

// BindStructure binds all entries of one structure and returns the bound
// copy. Entries that cannot be bound are replaced in-place by <error>
// elements; the returned error is only non-nil on cancellation. After all
// entries are bound, the goal validators run over the result in order.
func (b *Binder) BindStructure(ctx context.Context, structure *repo.Element, md *core.ClientMetadata) (*repo.Element, error) {
	bound := &repo.Element{Tag: structure.Tag, Text: structure.Text}
	if len(structure.Attrs) > 0 {
		bound.Attrs = make([]repo.Attr, len(structure.Attrs))
		copy(bound.Attrs, structure.Attrs)
	}

	for _, entry := range structure.Children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bound.Append(b.bindEntry(entry, md))
	}

	for _, validator := range b.caps.Validators {
		err := validator.ValidateGoals(md, bound)
		if err != nil {
			logg.Error("goal validation for %s: %s", md.Hostname, err.Error())
		}
	}
	return bound, nil
}

func (b *Binder) bindEntry(entry *repo.Element, md *core.ClientMetadata) *repo.Element {
	// error placeholders from the structure stage pass through unchanged
	if entry.Tag == "error" {
		return entry.Copy()
	}

	// a Bound prefix means the structure already carries the literal entry
	if after, ok := strings.CutPrefix(entry.Tag, "Bound"); ok && after != "" {
		literal := entry.Copy()
		literal.Tag = after
		return literal
	}

	kind := entry.Tag
	name := entry.Get("name")
	winner, err := b.selectCandidate(kind, name, md)
	if err != nil {
		return bindFailure(entry, err.Error())
	}

	literal, err := winner.Bind(entry, md)
	if err != nil {
		berr := core.BindError{Kind: kind, Name: name, Message: err.Error()}
		logg.Error("binding for %s: %s", md.Hostname, berr.Error())
		return bindFailure(entry, berr.Message)
	}
	return literal
}

// bindFailure replaces an unbindable entry with an <error> element that
// retains enough of the original to be diagnosable on the client side.
func bindFailure(entry *repo.Element, failure string) *repo.Element {
	bindErrorCounter.Inc()
	return repo.NewElement("error",
		"kind", entry.Tag,
		"name", entry.Get("name"),
		"failure", failure,
	)
}

// selectCandidate collects candidates from all generators and narrows them
// down to a single winner:
//
//  1. candidates whose scope does not match the client are discarded
//  2. within each plugin, an exact name match shadows regex matches
//  3. the highest priority wins
//  4. a group-scoped candidate beats an unscoped one
//  5. a candidate whose group scope contains every other's wins
//  6. otherwise the lexicographically greatest sorted group scope wins
//  7. among identical scopes, the latest registration wins (with a
//     diagnostic, logged once per entry key)
func (b *Binder) selectCandidate(kind, name string, md *core.ClientMetadata) (core.Candidate, error) {
	var candidates []core.Candidate
	for _, gen := range b.caps.Generators {
		candidates = append(candidates, filterScope(gen.FindCandidates(kind, name), md)...)
	}
	if len(candidates) == 0 {
		return core.Candidate{}, core.BindError{Kind: kind, Name: name, Message: "no matching rule"}
	}

	candidates = filterExactPerPlugin(candidates)
	candidates = filterMaxPriority(candidates)
	candidates = filterScoped(candidates)
	candidates = filterGroupScope(candidates)

	if len(candidates) > 1 {
		b.reportConflict(kind, name, candidates)
	}
	return candidates[len(candidates)-1], nil
}

func filterScope(candidates []core.Candidate, md *core.ClientMetadata) []core.Candidate {
	var result []core.Candidate
outer:
	for _, c := range candidates {
		for _, sel := range c.Scope {
			if !sel.Matches(md) {
				continue outer
			}
		}
		result = append(result, c)
	}
	return result
}

func filterExactPerPlugin(candidates []core.Candidate) []core.Candidate {
	hasExact := make(map[string]bool)
	for _, c := range candidates {
		if c.Exact {
			hasExact[c.Plugin] = true
		}
	}
	result := candidates[:0]
	for _, c := range candidates {
		if c.Exact || !hasExact[c.Plugin] {
			result = append(result, c)
		}
	}
	return result
}

func filterMaxPriority(candidates []core.Candidate) []core.Candidate {
	best := candidates[0].Priority
	for _, c := range candidates[1:] {
		if c.Priority > best {
			best = c.Priority
		}
	}
	result := candidates[:0]
	for _, c := range candidates {
		if c.Priority == best {
			result = append(result, c)
		}
	}
	return result
}

func filterScoped(candidates []core.Candidate) []core.Candidate {
	anyScoped := false
	for _, c := range candidates {
		if len(core.GroupScope(c.Scope)) > 0 {
			anyScoped = true
			break
		}
	}
	if !anyScoped {
		return candidates
	}
	result := candidates[:0]
	for _, c := range candidates {
		if len(core.GroupScope(c.Scope)) > 0 {
			result = append(result, c)
		}
	}
	return result
}

// filterGroupScope applies the specificity comparison on group scopes: a
// candidate whose scope contains all others wins outright; incomparable
// scopes fall back to a deterministic lexicographic comparison.
func filterGroupScope(candidates []core.Candidate) []core.Candidate {
	if len(candidates) < 2 {
		return candidates
	}

	scopes := make([][]string, len(candidates))
	for i, c := range candidates {
		scopes[i] = core.GroupScope(c.Scope)
	}

	for i := range candidates {
		supersetOfAll := true
		for j := range candidates {
			if i != j && !containsAll(scopes[i], scopes[j]) {
				supersetOfAll = false
				break
			}
		}
		if supersetOfAll && !hasEqualScope(scopes, i) {
			return candidates[i : i+1]
		}
	}

	bestKey := ""
	for _, scope := range scopes {
		key := strings.Join(scope, "\x00")
		if key > bestKey {
			bestKey = key
		}
	}
	result := candidates[:0]
	for i, c := range candidates {
		if strings.Join(scopes[i], "\x00") == bestKey {
			result = append(result, c)
		}
	}
	return result
}

func containsAll(haystack, needles []string) bool {
	for _, n := range needles {
		idx := sort.SearchStrings(haystack, n)
		if idx == len(haystack) || haystack[idx] != n {
			return false
		}
	}
	return true
}

func hasEqualScope(scopes [][]string, i int) bool {
	key := strings.Join(scopes[i], "\x00")
	for j, scope := range scopes {
		if i != j && strings.Join(scope, "\x00") == key {
			return true
		}
	}
	return false
}

func (b *Binder) reportConflict(kind, name string, candidates []core.Candidate) {
	key := kind + "\x00" + name
	b.conflictMu.Lock()
	defer b.conflictMu.Unlock()
	if b.knownConflicts[key] {
		return
	}
	b.knownConflicts[key] = true

	sources := make([]string, len(candidates))
	for i, c := range candidates {
		sources[i] = c.Source
	}
	logg.Other("WARNING", "multiple equally specific rules for %s:%s (%s), using the last one",
		kind, name, strings.Join(sources, ", "))
}
