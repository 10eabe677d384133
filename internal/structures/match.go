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

package structures

import (
	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

// MatchElement evaluates the host/group conditionals of a structure file
// against the given metadata: <Group name="..."> and <Client name="...">
// elements (with optional negate="true") are replaced by their children when
// the condition holds and dropped entirely when it does not. All other
// elements are copied, with their children matched recursively.
//
// The input is never mutated; the result is a fresh tree.
func MatchElement(el *repo.Element, md *core.ClientMetadata) *repo.Element {
	result := &repo.Element{Tag: el.Tag, Text: el.Text}
	if len(el.Attrs) > 0 {
		result.Attrs = make([]repo.Attr, len(el.Attrs))
		copy(result.Attrs, el.Attrs)
	}
	result.Children = matchChildren(el.Children, md)
	return result
}

func matchChildren(children []*repo.Element, md *core.ClientMetadata) []*repo.Element {
	var result []*repo.Element
	for _, child := range children {
		if child.Tag == "Group" || child.Tag == "Client" {
			if conditionHolds(child, md) {
				result = append(result, matchChildren(child.Children, md)...)
			}
			continue
		}
		result = append(result, MatchElement(child, md))
	}
	return result
}

func conditionHolds(el *repo.Element, md *core.ClientMetadata) bool {
	var hit bool
	switch el.Tag {
	case "Group":
		hit = md.HasGroup(el.Get("name"))
	case "Client":
		hit = md.Hostname == el.Get("name")
	}
	return hit != el.BoolAttr("negate")
}
