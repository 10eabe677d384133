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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

func newTestBundler(t *testing.T, files map[string]string) *bundlerPlugin {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		fullPath := filepath.Join(root, path)
		err := os.MkdirAll(filepath.Dir(fullPath), 0777)
		if err != nil {
			t.Fatal(err)
		}
		err = os.WriteFile(fullPath, []byte(content), 0666)
		if err != nil {
			t.Fatal(err)
		}
	}
	p := &bundlerPlugin{}
	err := p.Init(repo.NewLoader(root), core.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func metadataWithBundles(hostname string, groups, bundles []string) *core.ClientMetadata {
	return core.NewClientMetadata(hostname, "basic", groups, nil, bundles, nil)
}

func TestBuildStructuresAppliesConditionals(t *testing.T) {
	p := newTestBundler(t, map[string]string{
		"Bundler/web.xml": `
			<Bundle>
				<Package name="nginx"/>
				<Group name="debian">
					<Package name="nginx-common"/>
				</Group>
				<Group name="debian" negate="true">
					<Package name="nginx-extras"/>
				</Group>
				<Client name="canary.example.com">
					<Package name="nginx-beta"/>
				</Client>
			</Bundle>
		`,
	})

	structures, err := p.BuildStructures(context.Background(),
		metadataWithBundles("web1.example.com", []string{"debian"}, []string{"web"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(structures) != 1 {
		t.Fatalf("expected one structure, got %d", len(structures))
	}
	bundle := structures[0]
	if bundle.Get("name") != "web" {
		t.Errorf("bundle is not named: %s", bundle.String())
	}

	var names []string
	for _, entry := range bundle.Children {
		names = append(names, entry.Get("name"))
	}
	if strings.Join(names, ",") != "nginx,nginx-common" {
		t.Errorf("unexpected entries: %v", names)
	}
}

func TestBuildStructuresMissingBundle(t *testing.T) {
	p := newTestBundler(t, nil)

	structures, err := p.BuildStructures(context.Background(),
		metadataWithBundles("host", nil, []string{"ghost"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(structures) != 1 {
		t.Fatalf("expected one structure, got %d", len(structures))
	}
	bundle := structures[0]
	if bundle.Get("name") != "ghost" {
		t.Errorf("error bundle is not named: %s", bundle.String())
	}
	errs := bundle.FindChildren("error")
	if len(errs) != 1 || errs[0].Get("kind") != "missing" {
		t.Errorf("expected a missing-bundle error entry, got %s", bundle.String())
	}
}

func TestBuildStructuresTemplatedBundle(t *testing.T) {
	p := newTestBundler(t, map[string]string{
		"Bundler/motd.tmpl": `<Bundle>
	<Path name="/etc/motd.d/{{ .Metadata.Hostname }}"/>
	{{- if .Metadata.HasGroup "debian" }}
	<Package name="{{ "update-motd" | upper | lower }}"/>
	{{- end }}
</Bundle>`,
	})

	structures, err := p.BuildStructures(context.Background(),
		metadataWithBundles("web1.example.com", []string{"debian"}, []string{"motd"}))
	if err != nil {
		t.Fatal(err)
	}
	bundle := structures[0]
	paths := bundle.FindChildren("Path")
	if len(paths) != 1 || paths[0].Get("name") != "/etc/motd.d/web1.example.com" {
		t.Errorf("template did not render metadata: %s", bundle.String())
	}
	pkgs := bundle.FindChildren("Package")
	if len(pkgs) != 1 || pkgs[0].Get("name") != "update-motd" {
		t.Errorf("template functions did not apply: %s", bundle.String())
	}
}

func TestBuildStructuresBadRootTag(t *testing.T) {
	p := newTestBundler(t, map[string]string{
		"Bundler/broken.xml": `<Rules priority="10"/>`,
	})

	structures, err := p.BuildStructures(context.Background(),
		metadataWithBundles("host", nil, []string{"broken"}))
	if err != nil {
		t.Fatal(err)
	}
	errs := structures[0].FindChildren("error")
	if len(errs) != 1 || errs[0].Get("kind") != "internal" {
		t.Errorf("expected an internal error entry, got %s", structures[0].String())
	}
}

func TestBuildStructuresHonorsCancellation(t *testing.T) {
	p := newTestBundler(t, map[string]string{
		"Bundler/a.xml": `<Bundle><Package name="a"/></Bundle>`,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.BuildStructures(ctx, metadataWithBundles("host", nil, []string{"a"}))
	if err == nil {
		t.Error("expected a cancellation error")
	}
}

func TestMatchElementDoesNotMutateInput(t *testing.T) {
	input, err := repo.ParseString(`
		<Bundle name="x">
			<Group name="g"><Package name="inner"/></Group>
		</Bundle>
	`)
	if err != nil {
		t.Fatal(err)
	}
	before := input.String()

	md := metadataWithBundles("host", []string{"g"}, nil)
	result := MatchElement(input, md)

	if input.String() != before {
		t.Error("MatchElement mutated its input")
	}
	if len(result.FindChildren("Package")) != 1 {
		t.Errorf("conditional children were not spliced: %s", result.String())
	}
	if len(result.FindChildren("Group")) != 0 {
		t.Errorf("conditional wrapper was not removed: %s", result.String())
	}
}
