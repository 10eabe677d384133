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
	"sort"

	"github.com/mohae/deepcopy"
)

// ClientMetadata is the fully resolved description of a single client. It is
// produced by the metadata resolver and is immutable afterwards: all
// downstream components (assembler, binder, decision filter) hold shared
// read-only references to one snapshot. A new snapshot is produced when the
// repository or the client's probe data changes.
type ClientMetadata struct {
	Hostname string
	Profile  string
	UUID     string
	Password string
	Secure   bool
	Floating bool

	Aliases   []string
	Addresses []string

	groups map[string]bool
	// Categories maps each category to the single group that fills it.
	Categories map[string]string
	// Bundles is the ordered list of bundle names declared by the active
	// groups (inclusion depth first, then bundle name).
	Bundles []string
	// Connectors holds per-plugin opaque data (e.g. parsed probe output),
	// keyed by the contributing plugin's name.
	Connectors map[string]any
}

// NewClientMetadata assembles a frozen metadata snapshot. The connector blobs
// are deep-copied so that later mutations by the contributing plugin cannot
// reach into the snapshot.
func NewClientMetadata(hostname, profile string, groups []string, categories map[string]string, bundles []string, connectors map[string]any) *ClientMetadata {
	md := &ClientMetadata{
		Hostname:   hostname,
		Profile:    profile,
		groups:     make(map[string]bool, len(groups)),
		Categories: categories,
		Bundles:    bundles,
		Connectors: make(map[string]any, len(connectors)),
	}
	for _, g := range groups {
		md.groups[g] = true
	}
	for name, blob := range connectors {
		md.Connectors[name] = deepcopy.Copy(blob)
	}
	return md
}

// HasGroup reports whether the given group is active for this client.
func (md *ClientMetadata) HasGroup(name string) bool {
	return md.groups[name]
}

// Groups returns the active group names in sorted order.
func (md *ClientMetadata) Groups() []string {
	result := make([]string, 0, len(md.groups))
	for g := range md.groups {
		result = append(result, g)
	}
	sort.Strings(result)
	return result
}

// GroupCount returns the number of active groups.
func (md *ClientMetadata) GroupCount() int {
	return len(md.groups)
}
