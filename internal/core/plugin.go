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

package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/sapcc/go-bits/pluggable"

	"github.com/weft-project/weft/internal/repo"
)

// Plugin is implemented by all repository plugins. Besides construction, a
// plugin can provide any of the capability interfaces below; the registry
// sorts instances into typed capability slots, so there is never a runtime
// attribute lookup on plugin values.
type Plugin interface {
	pluggable.Plugin
	// Init is called once before any capability method. The plugin reads its
	// repository subtree through the given loader.
	Init(loader *repo.Loader, cfg Configuration) error
}

// PluginRegistry is a pluggable.Registry for Plugin implementations.
var PluginRegistry pluggable.Registry[Plugin]

// Generator is the capability to bind abstract entries to literal ones.
type Generator interface {
	// FindCandidates returns every rule of this generator whose name key
	// matches the given abstract entry. The binder applies scope matching and
	// tie-breaking across all generators.
	FindCandidates(kind, name string) []Candidate
}

// Candidate is one rule that may bind an abstract entry.
type Candidate struct {
	// Plugin and Source identify the generator and the rule file for
	// diagnostics and registration-order tie-breaking.
	Plugin string
	Source string
	// Priority of the rule set; higher wins.
	Priority int
	// Exact is false for regex name matches. Within one plugin, an exact
	// match always beats a regex match regardless of priority.
	Exact bool
	// Scope restricts the candidate to clients matching all selectors.
	Scope []ScopeSelector
	// Bind produces the literal entry. It must not mutate the abstract entry.
	Bind func(abstract *repo.Element, md *ClientMetadata) (*repo.Element, error)
}

// ScopeSelector is a single <Group> or <Client> restriction on a candidate.
type ScopeSelector struct {
	Tag    string // "Group" or "Client"
	Name   string
	Negate bool
}

// Matches evaluates the selector against the given metadata.
func (s ScopeSelector) Matches(md *ClientMetadata) bool {
	var hit bool
	switch s.Tag {
	case "Group":
		hit = md.HasGroup(s.Name)
	case "Client":
		hit = md.Hostname == s.Name
	default:
		return false
	}
	return hit != s.Negate
}

// GroupScope returns the sorted names of the positive group selectors, which
// drive the most-specific-wins comparison in the binder.
func GroupScope(scope []ScopeSelector) []string {
	var names []string
	for _, s := range scope {
		if s.Tag == "Group" && !s.Negate {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}

// StructureSource is the capability to contribute abstract structures
// (bundles and synthetic host structures) to a client's configuration.
type StructureSource interface {
	BuildStructures(ctx context.Context, md *ClientMetadata) ([]*repo.Element, error)
}

// Probe is one script to be executed on a client.
type Probe struct {
	Name        string
	Source      string
	Interpreter string
	Script      string
}

// ProbeProducer is the capability to issue probes and ingest their results.
type ProbeProducer interface {
	GetProbes(md *ClientMetadata) ([]Probe, error)
	// ReceiveData ingests one <probe-data> response element for the client.
	ReceiveData(client string, response *repo.Element) error
}

// Connector is the capability to augment client metadata with additional
// groups and with an opaque per-client data blob (keyed by plugin name in
// ClientMetadata.Connectors).
type Connector interface {
	AdditionalGroups(client string) []string
	AdditionalData(client string) any
}

// GoalValidator is the capability to inspect and amend a fully bound bundle
// (e.g. to add transitive package dependencies). Validators run in
// registration order after all entries of the bundle are bound.
type GoalValidator interface {
	ValidateGoals(md *ClientMetadata, bundle *repo.Element) error
}

// DecisionRef names one literal entry in a decision list.
type DecisionRef struct {
	Kind string
	Name string
}

// DecisionSource is the capability to contribute whitelist/blacklist entries.
type DecisionSource interface {
	GetDecisions(md *ClientMetadata, mode string) ([]DecisionRef, error)
}

// StatisticsSink consumes client statistics uploads.
type StatisticsSink interface {
	Process(client string, stats *repo.Element) error
}

// NamedConnector pairs a Connector with the plugin name that keys its data
// blob in ClientMetadata.Connectors.
type NamedConnector struct {
	Name string
	Connector
}

// Capabilities holds the typed capability slots of all active plugins, in
// plugin registration order.
type Capabilities struct {
	Generators     []Generator
	GeneratorNames []string
	Structures     []StructureSource
	Probes         []ProbeProducer
	// ProbeNames holds the plugin name for each entry of Probes. Probe
	// responses carry their producer's name in the source attribute, which
	// routes them back to the issuing plugin.
	ProbeNames []string
	Connectors []NamedConnector
	Validators []GoalValidator
	Decisions  []DecisionSource
}

// InstantiatePlugins builds all plugins named in the configuration and sorts
// them into capability slots. Configuration order is registration order.
func InstantiatePlugins(cfg Configuration, loader *repo.Loader) (Capabilities, error) {
	var caps Capabilities
	for _, pluginType := range cfg.Repository.Plugins {
		plugin := PluginRegistry.Instantiate(pluginType)
		if plugin == nil {
			return Capabilities{}, fmt.Errorf("no such plugin: %s", pluginType)
		}
		err := plugin.Init(loader, cfg)
		if err != nil {
			return Capabilities{}, fmt.Errorf("cannot initialize plugin %s: %w", pluginType, err)
		}
		if c, ok := plugin.(Generator); ok {
			caps.Generators = append(caps.Generators, c)
			caps.GeneratorNames = append(caps.GeneratorNames, pluginType)
		}
		if c, ok := plugin.(StructureSource); ok {
			caps.Structures = append(caps.Structures, c)
		}
		if c, ok := plugin.(ProbeProducer); ok {
			caps.Probes = append(caps.Probes, c)
			caps.ProbeNames = append(caps.ProbeNames, pluginType)
		}
		if c, ok := plugin.(Connector); ok {
			caps.Connectors = append(caps.Connectors, NamedConnector{Name: pluginType, Connector: c})
		}
		if c, ok := plugin.(GoalValidator); ok {
			caps.Validators = append(caps.Validators, c)
		}
		if c, ok := plugin.(DecisionSource); ok {
			caps.Decisions = append(caps.Decisions, c)
		}
	}
	return caps, nil
}
