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

// Package structures implements the structure assembler: it turns the bundle
// names of a metadata snapshot into an ordered list of abstract structures.
package structures

import (
	"context"
	"errors"
	"os"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

func init() {
	core.PluginRegistry.Add(func() core.Plugin { return &bundlerPlugin{} })
}

type bundlerPlugin struct {
	loader *repo.Loader
}

// PluginTypeID implements the core.Plugin interface.
func (p *bundlerPlugin) PluginTypeID() string { return "Bundler" }

// Init implements the core.Plugin interface.
func (p *bundlerPlugin) Init(loader *repo.Loader, cfg core.Configuration) error {
	p.loader = loader
	return nil
}

// templateContext is what a templated bundle renders against. Templates run
// at assembly time against the frozen metadata snapshot, never earlier.
type templateContext struct {
	Metadata *core.ClientMetadata
}

// BuildStructures implements the core.StructureSource interface. The result
// contains one <Bundle> element per declared bundle, in the order given by
// the metadata. A bundle that cannot be built yields a <Bundle> carrying an
// <error> child instead of failing the whole assembly.
func (p *bundlerPlugin) BuildStructures(ctx context.Context, md *core.ClientMetadata) ([]*repo.Element, error) {
	var result []*repo.Element
	for _, name := range md.Bundles {
		// cancellation is only checked between bundles; a partial result is
		// never returned
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bundle, err := p.buildBundle(name, md)
		if err != nil {
			var serr core.StructureError
			if !errors.As(err, &serr) {
				serr = core.StructureError{Bundle: name, Message: err.Error()}
			}
			logg.Error("structure assembly for %s: %s", md.Hostname, serr.Error())
			bundle = repo.NewElement("Bundle", "name", name)
			errEl := repo.NewElement("error", "kind", errorKindFor(serr))
			errEl.Text = serr.Message
			bundle.Append(errEl)
		}
		result = append(result, bundle)
	}
	return result, nil
}

func errorKindFor(serr core.StructureError) string {
	if serr.Message == "bundle not found" {
		return "missing"
	}
	return "internal"
}

func (p *bundlerPlugin) buildBundle(name string, md *core.ClientMetadata) (*repo.Element, error) {
	doc, err := p.loader.Document("Bundler/" + name + ".xml")
	if err == nil {
		return p.finishBundle(name, doc, md)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, core.StructureError{Bundle: name, Message: err.Error()}
	}

	raw, terr := p.loader.ReadFile("Bundler/" + name + ".tmpl")
	if terr != nil {
		if errors.Is(terr, os.ErrNotExist) {
			return nil, core.StructureError{Bundle: name, Message: "bundle not found"}
		}
		return nil, core.StructureError{Bundle: name, Message: terr.Error()}
	}
	doc, terr = p.renderTemplate(name, raw, md)
	if terr != nil {
		return nil, core.StructureError{Bundle: name, Message: terr.Error()}
	}
	return p.finishBundle(name, doc, md)
}

func (p *bundlerPlugin) renderTemplate(name, raw string, md *core.ClientMetadata) (*repo.Element, error) {
	tpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Parse(raw)
	if err != nil {
		return nil, err
	}
	var buf strings.Builder
	err = tpl.Execute(&buf, templateContext{Metadata: md})
	if err != nil {
		return nil, err
	}
	return repo.ParseString(buf.String())
}

func (p *bundlerPlugin) finishBundle(name string, doc *repo.Element, md *core.ClientMetadata) (*repo.Element, error) {
	if doc.Tag != "Bundle" {
		return nil, core.StructureError{Bundle: name, Message: "bundle document root is <" + doc.Tag + ">, expected <Bundle>"}
	}
	bundle := MatchElement(doc, md)
	bundle.Set("name", name)
	return bundle, nil
}
