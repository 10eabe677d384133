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

import "fmt"

// The synthesis pipeline classifies failures into a closed taxonomy. Errors
// cross component boundaries only as these structured values; the RPC layer
// maps them onto fault codes without leaking stack traces to the wire.

// ConsistencyError is reported when a client identity cannot be resolved or
// the metadata graph contradicts itself. It is fatal for the session.
type ConsistencyError struct {
	Message string
}

func (e ConsistencyError) Error() string { return "metadata inconsistency: " + e.Message }

// AuthError is reported when a resolved client fails authentication.
type AuthError struct {
	Client  string
	Message string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Client, e.Message)
}

// RuntimeError is reported for transient metadata failures (e.g. a DNS
// timeout). The client may retry the session.
type RuntimeError struct {
	Message string
}

func (e RuntimeError) Error() string { return "transient metadata failure: " + e.Message }

// ProbeOrderError is reported when a client requests its configuration while
// probes issued to it in the current session are still unanswered.
type ProbeOrderError struct {
	Client  string
	Pending []string
}

func (e ProbeOrderError) Error() string {
	return fmt.Sprintf("client %s has %d unanswered probes", e.Client, len(e.Pending))
}

// StructureError is reported when an abstract structure cannot be built,
// e.g. because a declared bundle does not exist. It is contained at the
// structure level: the affected bundle carries an <error> child, the rest of
// the configuration is still served.
type StructureError struct {
	Bundle  string
	Message string
}

func (e StructureError) Error() string {
	return fmt.Sprintf("cannot build structure %s: %s", e.Bundle, e.Message)
}

// BindError is reported when a single abstract entry cannot be bound. It is
// contained in-place as an <error> entry; the build continues.
type BindError struct {
	Kind    string
	Name    string
	Message string
}

func (e BindError) Error() string {
	return fmt.Sprintf("cannot bind %s:%s: %s", e.Kind, e.Name, e.Message)
}

// PluginExecutionError is reported for failures inside a plugin boundary.
// Callers convert it to a BindError or StructureError depending on the site.
type PluginExecutionError struct {
	Plugin  string
	Message string
}

func (e PluginExecutionError) Error() string {
	return fmt.Sprintf("plugin %s failed: %s", e.Plugin, e.Message)
}
