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
	"sort"
	"sync"
)

// sessionTracker enforces the probe ordering protocol per client: once
// probes have been issued in a session, the configuration is only served
// after all of them have been answered. State is keyed by resolved client
// name, so a reconnecting client resumes its session.
type sessionTracker struct {
	mu       sync.Mutex
	pending  map[string]map[string]bool
	versions map[string]string
}

func newSessionTracker() sessionTracker {
	return sessionTracker{
		pending:  make(map[string]map[string]bool),
		versions: make(map[string]string),
	}
}

// probesSent records the probe names issued to the client, replacing any
// state from a previous session.
func (t *sessionTracker) probesSent(client string, names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := make(map[string]bool, len(names))
	for _, name := range names {
		pending[name] = true
	}
	t.pending[client] = pending
}

// probeAnswered marks one probe as answered. Unsolicited answers are
// accepted silently; the ingestion path validates them separately.
func (t *sessionTracker) probeAnswered(client, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending[client], name)
}

// pendingProbes returns the sorted names of unanswered probes.
func (t *sessionTracker) pendingProbes(client string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for name := range t.pending[client] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// configServed resets the probe state, ending the session.
func (t *sessionTracker) configServed(client string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, client)
}

func (t *sessionTracker) declareVersion(client, version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.versions[client] = version
}

func (t *sessionTracker) versionOf(client string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[client]
}
