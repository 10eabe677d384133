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

package api

import (
	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

// applyDecisionFilter restricts the bound configuration to the decision
// list. In whitelist mode only listed entries are retained; in blacklist
// mode listed entries are removed. The filter operates in place on the
// bound tree and is idempotent: filtering an already filtered configuration
// is a no-op.
func applyDecisionFilter(config *repo.Element, mode string, refs []core.DecisionRef) {
	for _, structure := range config.Children {
		var kept []*repo.Element
		for _, entry := range structure.Children {
			listed := isListed(entry, refs)
			keep := listed
			if mode == "blacklist" {
				keep = !listed
			}
			// error placeholders survive both modes for diagnosability
			if entry.Tag == "error" {
				keep = true
			}
			if keep {
				kept = append(kept, entry)
			}
		}
		structure.Children = kept
	}
}

func isListed(entry *repo.Element, refs []core.DecisionRef) bool {
	for _, ref := range refs {
		kindOK := ref.Kind == "*" || ref.Kind == entry.Tag
		nameOK := ref.Name == "*" || ref.Name == entry.Get("name")
		if kindOK && nameOK {
			return true
		}
	}
	return false
}
