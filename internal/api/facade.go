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

// Package api exposes the configuration synthesis pipeline over the XML-RPC
// wire protocol that clients speak.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/binder"
	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/metadata"
	"github.com/weft-project/weft/internal/repo"
	"github.com/weft-project/weft/internal/stats"
)

type v1Provider struct {
	cfg      core.Configuration
	resolver *metadata.Resolver
	caps     core.Capabilities
	binder   *binder.Binder
	queue    *stats.Queue
	sessions sessionTracker
	// bounds concurrent RPC handling (server.max_inflight)
	inflight chan struct{}
}

// NewV1API creates an httpapi.API serving the RPC endpoint.
func NewV1API(cfg core.Configuration, resolver *metadata.Resolver, caps core.Capabilities, queue *stats.Queue) httpapi.API {
	return &v1Provider{
		cfg:      cfg,
		resolver: resolver,
		caps:     caps,
		binder:   binder.New(caps),
		queue:    queue,
		sessions: newSessionTracker(),
		inflight: make(chan struct{}, cfg.Server.MaxInflight),
	}
}

// AddTo implements the httpapi.API interface.
func (p *v1Provider) AddTo(r *mux.Router) {
	r.Methods("POST").Path("/RPC2").HandlerFunc(p.handleRPC)
}

func (p *v1Provider) handleRPC(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/RPC2")

	p.inflight <- struct{}{}
	defer func() { <-p.inflight }()

	call, err := parseMethodCall(r.Body)
	if err != nil {
		writeFault(w, faultRuntime, err.Error())
		return
	}
	ident := identityFrom(r)

	switch call.Name {
	case "GetProbes":
		p.getProbes(r.Context(), w, ident)
	case "RecvProbeData":
		p.recvProbeData(r.Context(), w, ident, call.Params)
	case "GetConfig":
		p.getConfig(r.Context(), w, ident)
	case "AssertProfile":
		p.assertProfile(r.Context(), w, ident, call.Params)
	case "RecvStats":
		p.recvStats(r.Context(), w, ident, call.Params)
	case "GetDecisionList":
		p.getDecisionList(r.Context(), w, ident, call.Params)
	case "DeclareVersion":
		p.declareVersion(r.Context(), w, ident, call.Params)
	default:
		writeFault(w, faultUnknownMethod, "unknown method: "+call.Name)
	}
}

// identityFrom assembles the identity triple of the request: the HTTP basic
// auth credentials, the peer address, and the CommonName of the verified
// client certificate if TLS client auth is in use.
func identityFrom(r *http.Request) core.Identity {
	var ident core.Identity
	ident.ClaimedName, ident.Password, _ = r.BasicAuth()
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		ident.PeerAddress = host
	} else {
		ident.PeerAddress = r.RemoteAddr
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		ident.CertCN = r.TLS.PeerCertificates[0].Subject.CommonName
	}
	return ident
}

func (p *v1Provider) getProbes(ctx context.Context, w http.ResponseWriter, ident core.Identity) {
	md, err := p.resolver.Resolve(ctx, ident)
	if err != nil {
		writeError(w, err)
		return
	}

	doc := repo.NewElement("probes")
	var names []string
	for _, producer := range p.caps.Probes {
		probes, err := producer.GetProbes(md)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, probe := range probes {
			el := repo.NewElement("probe",
				"name", probe.Name,
				"source", probe.Source,
				"interpreter", probe.Interpreter,
			)
			el.Text = probe.Script
			doc.Append(el)
			names = append(names, probe.Name)
		}
	}

	p.sessions.probesSent(md.Hostname, names)
	writeMethodResponse(w, doc.String())
}

func (p *v1Provider) recvProbeData(ctx context.Context, w http.ResponseWriter, ident core.Identity, params []string) {
	if len(params) < 1 {
		writeFault(w, faultRuntime, "RecvProbeData requires one parameter")
		return
	}
	md, err := p.resolver.Resolve(ctx, ident)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := repo.ParseString(params[0])
	if err != nil {
		writeFault(w, faultRuntime, "malformed probe data: "+err.Error())
		return
	}

	responses := []*repo.Element{doc}
	if doc.Tag != "probe-data" {
		responses = doc.FindChildren("probe-data")
	}
	err = ingestProbeData(p.caps, md.Hostname, responses)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, response := range responses {
		p.sessions.probeAnswered(md.Hostname, response.Get("name"))
	}

	// probe data feeds back into group membership, so the memoized snapshot
	// is stale now
	p.resolver.Invalidate(md.Hostname)
	writeMethodResponse(w, "true")
}

// ingestProbeData routes each probe response to the producer that issued the
// probe, identified by the response's source attribute. Responses without a
// source attribute go to every producer.
func ingestProbeData(caps core.Capabilities, client string, responses []*repo.Element) error {
	for _, response := range responses {
		source := response.Get("source")
		for idx, producer := range caps.Probes {
			if source != "" && caps.ProbeNames[idx] != source {
				continue
			}
			err := producer.ReceiveData(client, response)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *v1Provider) getConfig(ctx context.Context, w http.ResponseWriter, ident core.Identity) {
	md, err := p.resolver.Resolve(ctx, ident)
	if err != nil {
		writeError(w, err)
		return
	}
	if pending := p.sessions.pendingProbes(md.Hostname); len(pending) > 0 {
		writeError(w, core.ProbeOrderError{Client: md.Hostname, Pending: pending})
		return
	}

	config, err := p.buildConfiguration(ctx, md)
	if err != nil {
		writeError(w, err)
		return
	}
	p.sessions.configServed(md.Hostname)
	writeMethodResponse(w, config.Indent())
}

func (p *v1Provider) buildConfiguration(ctx context.Context, md *core.ClientMetadata) (*repo.Element, error) {
	return BuildConfiguration(ctx, p.cfg, p.binder, p.caps, md)
}

// BuildConfiguration runs the synthesis pipeline for one client: structure
// assembly, entry binding, and the decision filter. It is shared between the
// RPC endpoint and the test-bind task.
func BuildConfiguration(ctx context.Context, cfg core.Configuration, b *binder.Binder, caps core.Capabilities, md *core.ClientMetadata) (*repo.Element, error) {
	config := repo.NewElement("Configuration", "version", "2.0")

	for _, source := range caps.Structures {
		structures, err := source.BuildStructures(ctx, md)
		if err != nil {
			return nil, err
		}
		for _, structure := range structures {
			bound, err := b.BindStructure(ctx, structure, md)
			if err != nil {
				return nil, err
			}
			config.Append(bound)
		}
	}

	mode := cfg.Server.Decision
	if mode != "off" && mode != "" {
		refs, err := decisionsFor(caps, md, mode)
		if err != nil {
			return nil, err
		}
		applyDecisionFilter(config, mode, refs)
	}
	return config, nil
}

func (p *v1Provider) decisionsFor(md *core.ClientMetadata, mode string) ([]core.DecisionRef, error) {
	return decisionsFor(p.caps, md, mode)
}

func decisionsFor(caps core.Capabilities, md *core.ClientMetadata, mode string) ([]core.DecisionRef, error) {
	var refs []core.DecisionRef
	for _, source := range caps.Decisions {
		sourceRefs, err := source.GetDecisions(md, mode)
		if err != nil {
			return nil, err
		}
		refs = append(refs, sourceRefs...)
	}
	return refs, nil
}

func (p *v1Provider) assertProfile(ctx context.Context, w http.ResponseWriter, ident core.Identity, params []string) {
	if len(params) < 1 {
		writeFault(w, faultRuntime, "AssertProfile requires one parameter")
		return
	}
	err := p.resolver.AssertProfile(ctx, ident, params[0])
	if err != nil {
		writeError(w, err)
		return
	}
	writeMethodResponse(w, "true")
}

func (p *v1Provider) recvStats(ctx context.Context, w http.ResponseWriter, ident core.Identity, params []string) {
	if len(params) < 1 {
		writeFault(w, faultRuntime, "RecvStats requires one parameter")
		return
	}
	md, err := p.resolver.Resolve(ctx, ident)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := repo.ParseString(params[0])
	if err != nil {
		writeFault(w, faultRuntime, "malformed statistics: "+err.Error())
		return
	}
	if version := p.sessions.versionOf(md.Hostname); version != "" && !doc.Has("version") {
		doc.Set("version", version)
	}
	p.queue.Enqueue(md.Hostname, doc)
	writeMethodResponse(w, "true")
}

func (p *v1Provider) getDecisionList(ctx context.Context, w http.ResponseWriter, ident core.Identity, params []string) {
	if len(params) < 1 {
		writeFault(w, faultRuntime, "GetDecisionList requires one parameter")
		return
	}
	mode := params[0]
	if mode != "whitelist" && mode != "blacklist" {
		writeFault(w, faultRuntime, fmt.Sprintf("invalid decision mode: %q", mode))
		return
	}
	md, err := p.resolver.Resolve(ctx, ident)
	if err != nil {
		writeError(w, err)
		return
	}
	refs, err := p.decisionsFor(md, mode)
	if err != nil {
		writeError(w, err)
		return
	}

	doc := repo.NewElement("decisions")
	for _, ref := range refs {
		doc.Append(repo.NewElement("decision", "type", ref.Kind, "name", ref.Name))
	}
	writeMethodResponse(w, doc.String())
}

func (p *v1Provider) declareVersion(ctx context.Context, w http.ResponseWriter, ident core.Identity, params []string) {
	if len(params) < 1 {
		writeFault(w, faultRuntime, "DeclareVersion requires one parameter")
		return
	}
	md, err := p.resolver.Resolve(ctx, ident)
	if err != nil {
		writeError(w, err)
		return
	}
	p.sessions.declareVersion(md.Hostname, params[0])
	logg.Debug("client %s declared version %s", md.Hostname, params[0])
	writeMethodResponse(w, "true")
}
