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

// Package decisions serves per-client whitelist and blacklist entries for
// the decision filter stage.
package decisions

import (
	"errors"
	"os"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
	"github.com/weft-project/weft/internal/structures"
)

func init() {
	core.PluginRegistry.Add(func() core.Plugin { return &decisionsPlugin{} })
}

type decisionsPlugin struct {
	loader *repo.Loader
}

// PluginTypeID implements the core.Plugin interface.
func (p *decisionsPlugin) PluginTypeID() string { return "Decisions" }

// Init implements the core.Plugin interface.
func (p *decisionsPlugin) Init(loader *repo.Loader, cfg core.Configuration) error {
	p.loader = loader
	return nil
}

// GetDecisions implements the core.DecisionSource interface. The mode is
// "whitelist" or "blacklist" and selects the decision file; a missing file
// contributes no entries. Group/Client conditionals in the file are
// evaluated against the metadata before entries are collected.
func (p *decisionsPlugin) GetDecisions(md *core.ClientMetadata, mode string) ([]core.DecisionRef, error) {
	doc, err := p.loader.Document("Decisions/" + mode + ".xml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, core.PluginExecutionError{Plugin: "Decisions", Message: err.Error()}
	}

	matched := structures.MatchElement(doc, md)
	var result []core.DecisionRef
	for _, child := range matched.Children {
		if child.Tag != "Decision" {
			continue
		}
		result = append(result, core.DecisionRef{
			Kind: child.Get("type"),
			Name: child.Get("name"),
		})
	}
	return result, nil
}
