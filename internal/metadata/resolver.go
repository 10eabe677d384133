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
	"errors"
	"net"
	"os"
	"time"

	"github.com/sapcc/go-bits/errext"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

const groupsPath = "Metadata/groups.xml"

// Resolver produces frozen ClientMetadata snapshots from a client identity,
// the group graph and connector-supplied data. Snapshots are memoized per
// client until the repository or the client's probe data changes.
type Resolver struct {
	cfg        core.Configuration
	loader     *repo.Loader
	store      ClientStore
	connectors []core.NamedConnector

	// LookupAddr is the reverse-DNS hook; a slot for test doubles.
	LookupAddr func(ctx context.Context, addr string) ([]string, error)

	memo memoCache
}

// NewResolver builds a Resolver on top of the given client store.
func NewResolver(cfg core.Configuration, loader *repo.Loader, store ClientStore) *Resolver {
	return &Resolver{
		cfg:        cfg,
		loader:     loader,
		store:      store,
		LookupAddr: lookupAddrWithTimeout,
		memo:       newMemoCache(),
	}
}

// reverse DNS is the only network I/O in the hot path; it runs under a short
// timeout and falls back to "unresolved" on expiry
func lookupAddrWithTimeout(ctx context.Context, addr string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return net.DefaultResolver.LookupAddr(ctx, addr)
}

// SetConnectors wires the Connector capability slots. This happens after
// construction because plugins are instantiated later during startup.
func (r *Resolver) SetConnectors(connectors []core.NamedConnector) {
	r.connectors = connectors
}

// Resolve authenticates the given identity and returns the client's frozen
// metadata snapshot.
func (r *Resolver) Resolve(ctx context.Context, ident core.Identity) (*core.ClientMetadata, error) {
	client, viaCert, err := r.resolveIdentity(ctx, ident)
	if err != nil {
		return nil, err
	}
	err = r.authenticate(client, ident, viaCert)
	if err != nil {
		return nil, err
	}
	return r.Build(client)
}

// Build computes (or returns the memoized) metadata snapshot for a client.
func (r *Resolver) Build(client *Client) (*core.ClientMetadata, error) {
	gen := r.loader.Generation()
	if md, ok := r.memo.get(client.Name, gen); ok {
		return md, nil
	}
	md, err := r.build(client)
	if err != nil {
		return nil, err
	}
	r.memo.put(client.Name, gen, md)
	return md, nil
}

// Invalidate drops the memoized snapshot for one client, e.g. after probe
// data for it arrived.
func (r *Resolver) Invalidate(clientName string) {
	r.memo.drop(clientName)
}

// InvalidateAll drops all memoized snapshots, e.g. after a repository change.
func (r *Resolver) InvalidateAll() {
	r.memo.dropAll()
}

func (r *Resolver) groupGraph() (*groupGraph, error) {
	doc, err := r.loader.Document(groupsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &groupGraph{defs: map[string]*groupDef{}}, nil
		}
		return nil, core.RuntimeError{Message: err.Error()}
	}
	graph, err := parseGroups(doc)
	if err != nil {
		return nil, core.ConsistencyError{Message: err.Error()}
	}
	return graph, nil
}

func (r *Resolver) build(client *Client) (*core.ClientMetadata, error) {
	graph, err := r.groupGraph()
	if err != nil {
		return nil, err
	}

	profile := client.Profile
	if profile == "" {
		profile = graph.defaultProfile
	}
	if profile == "" {
		return nil, core.ConsistencyError{
			Message: "client " + client.Name + " has no profile and no default profile group exists",
		}
	}

	seeds := []string{profile}
	seeds = append(seeds, client.Groups...)
	connectorData := make(map[string]any)
	for _, connector := range r.connectors {
		seeds = append(seeds, connector.AdditionalGroups(client.Name)...)
		if blob := connector.AdditionalData(client.Name); blob != nil {
			connectorData[connector.Name] = blob
		}
	}

	exp := graph.expand(client.Name, seeds, client.NegatedGroups)
	for _, warning := range exp.warnings {
		logg.Info("metadata for %s: %s", client.Name, warning)
	}

	md := core.NewClientMetadata(client.Name, profile, exp.groups, exp.categories, exp.bundles, connectorData)
	md.UUID = client.UUID
	md.Password = client.Password
	md.Secure = client.Secure
	md.Floating = client.Floating
	md.Aliases = append([]string(nil), client.Aliases...)
	md.Addresses = append([]string(nil), client.Addresses...)
	return md, nil
}

// Check validates the metadata portion of the repository: the group graph
// must parse and the client store must be readable. It backs the check-repo
// task.
func (r *Resolver) Check() (errs errext.ErrorSet) {
	graph, err := r.groupGraph()
	errs.Add(err)
	if err == nil && graph.defaultProfile == "" {
		logg.Info("no default profile group is declared; unknown clients cannot be registered")
	}
	_, err = r.store.All()
	errs.Add(err)
	return
}

// AssertProfile sets the client's profile group. The target must be a
// declared public profile group.
func (r *Resolver) AssertProfile(ctx context.Context, ident core.Identity, profile string) error {
	client, viaCert, err := r.resolveIdentity(ctx, ident)
	if err != nil {
		return err
	}
	err = r.authenticate(client, ident, viaCert)
	if err != nil {
		return err
	}

	graph, err := r.groupGraph()
	if err != nil {
		return err
	}
	def := graph.defs[profile]
	if def == nil {
		return core.ConsistencyError{Message: "no such group: " + profile}
	}
	if !def.public {
		return core.ConsistencyError{Message: "group " + profile + " is not public"}
	}
	err = r.store.SetProfile(client.Name, profile)
	if err != nil {
		return core.RuntimeError{Message: err.Error()}
	}
	r.Invalidate(client.Name)
	return nil
}
