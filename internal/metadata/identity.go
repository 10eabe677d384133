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
	"context"
	"strings"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/core"
)

// resolveIdentity maps an identity triple to a client record, first match
// wins:
//
//  1. certificate CN matching a client name or UUID
//  2. claimed name matching a client name or UUID
//  3. reverse DNS of the peer address matching a name or alias
//  4. peer address matching a known client address
//  5. dynamic registration against the default profile
//
// The returned bool reports whether the match came from a verified
// certificate, which substitutes for password authentication.
func (r *Resolver) resolveIdentity(ctx context.Context, ident core.Identity) (*Client, bool, error) {
	clients, err := r.store.All()
	if err != nil {
		return nil, false, core.RuntimeError{Message: err.Error()}
	}

	if ident.CertCN != "" {
		for i := range clients {
			if clients[i].Name == ident.CertCN || (clients[i].UUID != "" && clients[i].UUID == ident.CertCN) {
				return &clients[i], true, nil
			}
		}
	}

	if ident.ClaimedName != "" {
		for i := range clients {
			if clients[i].Name == ident.ClaimedName || (clients[i].UUID != "" && clients[i].UUID == ident.ClaimedName) {
				return &clients[i], false, nil
			}
		}
	}

	canonical := r.canonicalName(ctx, ident.PeerAddress)
	if canonical != "" {
		for i := range clients {
			if clients[i].Name == canonical {
				return &clients[i], false, nil
			}
		}
		for i := range clients {
			for _, alias := range clients[i].Aliases {
				if alias == canonical {
					return &clients[i], false, nil
				}
			}
		}
	}

	if ident.PeerAddress != "" {
		for i := range clients {
			for _, addr := range clients[i].Addresses {
				if addr == ident.PeerAddress {
					return &clients[i], false, nil
				}
			}
		}
	}

	// in file-based mode, <Client> elements in groups.xml imply existence
	if !r.cfg.Metadata.UseDatabase {
		if graph, err := r.groupGraph(); err == nil {
			for _, name := range graph.declaredClients {
				if name == ident.ClaimedName || name == canonical {
					return &Client{Name: name}, false, nil
				}
			}
		}
	}

	if r.cfg.Metadata.DynamicRegistration {
		return r.registerClient(ident, canonical)
	}
	return nil, false, core.ConsistencyError{
		Message: "cannot resolve client identity for " + describeIdentity(ident),
	}
}

func (r *Resolver) canonicalName(ctx context.Context, addr string) string {
	if addr == "" {
		return ""
	}
	names, err := r.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		logg.Debug("reverse DNS for %s yielded nothing, continuing unresolved", addr)
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(names[0], "."))
}

// registerClient creates a new client bound to the default profile group.
// Dynamically registered clients are floating: their address set is unknown.
func (r *Resolver) registerClient(ident core.Identity, canonical string) (*Client, bool, error) {
	graph, err := r.groupGraph()
	if err != nil {
		return nil, false, err
	}
	if graph.defaultProfile == "" {
		return nil, false, core.ConsistencyError{
			Message: "cannot register " + describeIdentity(ident) + ": no default profile group exists",
		}
	}
	name := ident.ClaimedName
	if name == "" {
		name = canonical
	}
	if name == "" {
		return nil, false, core.ConsistencyError{
			Message: "cannot register a client without a name for " + describeIdentity(ident),
		}
	}

	client := Client{
		Name:     name,
		Profile:  graph.defaultProfile,
		UUID:     uuid.Must(uuid.NewV4()).String(),
		Floating: true,
	}
	err = r.store.Create(client)
	if err != nil {
		return nil, false, core.RuntimeError{Message: err.Error()}
	}
	logg.Info("registered new client %s with default profile %s", name, graph.defaultProfile)
	return &client, false, nil
}

func describeIdentity(ident core.Identity) string {
	switch {
	case ident.ClaimedName != "":
		return ident.ClaimedName + " (" + ident.PeerAddress + ")"
	case ident.PeerAddress != "":
		return ident.PeerAddress
	default:
		return "anonymous peer"
	}
}

// authenticate enforces the password and address binding rules:
// a verified certificate match authenticates by itself; a secure client only
// accepts its own password; otherwise the global or per-client password is
// accepted; and a non-floating client must call from a known address.
func (r *Resolver) authenticate(client *Client, ident core.Identity, viaCert bool) error {
	if viaCert {
		return nil
	}

	passwordOK := client.Password != "" && ident.Password == client.Password
	if !passwordOK && !client.Secure {
		passwordOK = r.cfg.Server.Password != "" && ident.Password == r.cfg.Server.Password
	}
	if !passwordOK {
		return core.AuthError{Client: client.Name, Message: "invalid password"}
	}

	if !client.Floating && len(client.Addresses) > 0 {
		for _, addr := range client.Addresses {
			if addr == ident.PeerAddress {
				return nil
			}
		}
		return core.AuthError{
			Client:  client.Name,
			Message: "address " + ident.PeerAddress + " is not registered for this non-floating client",
		}
	}
	return nil
}

// memoCache holds the per-client metadata snapshots. Entries are only valid
// for the repository generation they were computed under.
type memoCache struct {
	mu      sync.Mutex
	entries map[string]memoEntry
}

type memoEntry struct {
	md  *core.ClientMetadata
	gen uint64
}

func newMemoCache() memoCache {
	return memoCache{entries: make(map[string]memoEntry)}
}

func (c *memoCache) get(client string, gen uint64) (*core.ClientMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[client]
	if !ok || entry.gen != gen {
		return nil, false
	}
	return entry.md, true
}

func (c *memoCache) put(client string, gen uint64, md *core.ClientMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[client] = memoEntry{md: md, gen: gen}
}

func (c *memoCache) drop(client string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, client)
}

func (c *memoCache) dropAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoEntry)
}
