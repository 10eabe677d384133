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
	"strings"
	"testing"

	"github.com/weft-project/weft/internal/repo"
)

func parseGraph(t *testing.T, groupsXML string) *groupGraph {
	t.Helper()
	doc, err := repo.ParseString(groupsXML)
	if err != nil {
		t.Fatal(err)
	}
	graph, err := parseGroups(doc)
	if err != nil {
		t.Fatal(err)
	}
	return graph
}

func expectGroups(t *testing.T, exp *expansion, names ...string) {
	t.Helper()
	want := strings.Join(names, ",")
	got := strings.Join(exp.groups, ",")
	if got != want {
		t.Errorf("expected groups [%s], got [%s]", want, got)
	}
}

func TestExpandFollowsIncludeChains(t *testing.T) {
	graph := parseGraph(t, `
		<Groups>
			<Group name="webserver" profile="true">
				<Group name="apache"/>
			</Group>
			<Group name="apache">
				<Group name="ssl"/>
			</Group>
			<Group name="ssl"/>
		</Groups>
	`)

	exp := graph.expand("web1.example.com", []string{"webserver"}, nil)
	expectGroups(t, exp, "apache", "ssl", "webserver")
}

func TestExpandConditionalGroups(t *testing.T) {
	graph := parseGraph(t, `
		<Groups>
			<Group name="base" profile="true"/>
			<Group name="base">
				<Group name="debian">
					<Group name="apt"/>
				</Group>
			</Group>
			<Group name="apt"/>
			<Group name="debian"/>
		</Groups>
	`)

	// without the debian seed, the conditional body must not apply
	exp := graph.expand("host", []string{"base"}, nil)
	expectGroups(t, exp, "base")

	exp = graph.expand("host", []string{"base", "debian"}, nil)
	expectGroups(t, exp, "apt", "base", "debian")
}

func TestExpandClientConditional(t *testing.T) {
	graph := parseGraph(t, `
		<Groups>
			<Group name="base" profile="true">
				<Client name="snowflake.example.com">
					<Group name="special"/>
				</Client>
			</Group>
			<Group name="special"/>
		</Groups>
	`)

	exp := graph.expand("other.example.com", []string{"base"}, nil)
	expectGroups(t, exp, "base")

	exp = graph.expand("snowflake.example.com", []string{"base"}, nil)
	expectGroups(t, exp, "base", "special")
}

func TestNegationCascadesOverExclusiveChain(t *testing.T) {
	// desktop pulls in x11 which pulls in fonts; negating x11 must also
	// remove fonts because it was reached only through x11
	graph := parseGraph(t, `
		<Groups>
			<Group name="desktop" profile="true">
				<Group name="x11"/>
			</Group>
			<Group name="x11">
				<Group name="fonts"/>
			</Group>
			<Group name="fonts"/>
		</Groups>
	`)

	exp := graph.expand("host", []string{"desktop"}, []string{"x11"})
	expectGroups(t, exp, "desktop")
}

func TestNegationKeepsMultiplyReachedGroups(t *testing.T) {
	// fonts is reachable both through x11 and through print; negating x11
	// must keep fonts alive through the surviving chain
	graph := parseGraph(t, `
		<Groups>
			<Group name="desktop" profile="true">
				<Group name="x11"/>
				<Group name="print"/>
			</Group>
			<Group name="x11">
				<Group name="fonts"/>
			</Group>
			<Group name="print">
				<Group name="fonts"/>
			</Group>
			<Group name="fonts"/>
		</Groups>
	`)

	exp := graph.expand("host", []string{"desktop"}, []string{"x11"})
	expectGroups(t, exp, "desktop", "fonts", "print")
}

func TestCategoryExclusion(t *testing.T) {
	// both apache and nginx fill the webserver category; apache is seeded
	// directly (depth 0) and must win over nginx (reached at depth 1)
	graph := parseGraph(t, `
		<Groups>
			<Group name="apache" category="webserver"/>
			<Group name="nginx" category="webserver"/>
			<Group name="web" profile="true">
				<Group name="nginx"/>
			</Group>
		</Groups>
	`)

	exp := graph.expand("host", []string{"web", "apache"}, nil)
	expectGroups(t, exp, "apache", "web")
	if exp.categories["webserver"] != "apache" {
		t.Errorf("expected apache to fill the webserver category, got %q", exp.categories["webserver"])
	}
	if len(exp.warnings) != 1 || !strings.Contains(exp.warnings[0], "nginx") {
		t.Errorf("expected one warning about nginx, got %v", exp.warnings)
	}
}

func TestCategoryTieBreaksLexicographically(t *testing.T) {
	graph := parseGraph(t, `
		<Groups>
			<Group name="zsh" category="shell"/>
			<Group name="bash" category="shell"/>
		</Groups>
	`)

	exp := graph.expand("host", []string{"zsh", "bash"}, nil)
	expectGroups(t, exp, "bash")
	if exp.categories["shell"] != "bash" {
		t.Errorf("expected bash to win the tie, got %q", exp.categories["shell"])
	}
}

func TestBundleOrderingByDepthThenName(t *testing.T) {
	graph := parseGraph(t, `
		<Groups>
			<Group name="base" profile="true">
				<Bundle name="zz-base"/>
				<Bundle name="aa-base"/>
				<Group name="child"/>
			</Group>
			<Group name="child">
				<Bundle name="mm-child"/>
			</Group>
		</Groups>
	`)

	exp := graph.expand("host", []string{"base"}, nil)
	got := strings.Join(exp.bundles, ",")
	if got != "aa-base,zz-base,mm-child" {
		t.Errorf("unexpected bundle order: %s", got)
	}
}

func TestParseRejectsConflictingDefaults(t *testing.T) {
	doc, err := repo.ParseString(`
		<Groups>
			<Group name="a" profile="true" default="true"/>
			<Group name="b" profile="true" default="true"/>
		</Groups>
	`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = parseGroups(doc)
	if err == nil || !strings.Contains(err.Error(), "multiple default groups") {
		t.Errorf("expected a multiple-defaults error, got %v", err)
	}
}

func TestParseRejectsNonProfileDefault(t *testing.T) {
	doc, err := repo.ParseString(`<Groups><Group name="a" default="true"/></Groups>`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = parseGroups(doc)
	if err == nil {
		t.Error("expected an error for a default group that is not a profile")
	}
}
