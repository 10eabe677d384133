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

package repo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRepoFiles(t *testing.T, files map[string]string) string {
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
	return root
}

func TestIncludeExpansion(t *testing.T) {
	root := writeRepoFiles(t, map[string]string{
		"Metadata/groups.xml": `
			<Groups>
				<Group name="base"/>
				<include href="extra.xml"/>
			</Groups>
		`,
		"Metadata/extra.xml": `
			<Groups>
				<Group name="extra1"/>
				<Group name="extra2"/>
			</Groups>
		`,
	})
	loader := NewLoader(root)

	doc, err := loader.Document("Metadata/groups.xml")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, child := range doc.Children {
		names = append(names, child.Get("name"))
	}
	if strings.Join(names, ",") != "base,extra1,extra2" {
		t.Errorf("unexpected groups after include expansion: %v", names)
	}
}

func TestIncludeFallback(t *testing.T) {
	root := writeRepoFiles(t, map[string]string{
		"Metadata/groups.xml": `
			<Groups>
				<include href="local.xml">
					<fallback>
						<Group name="default-only"/>
					</fallback>
				</include>
			</Groups>
		`,
	})
	loader := NewLoader(root)

	doc, err := loader.Document("Metadata/groups.xml")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Children) != 1 || doc.Children[0].Get("name") != "default-only" {
		t.Errorf("expected fallback content, got %s", doc.String())
	}
}

func TestIncludeMissingWithoutFallbackFails(t *testing.T) {
	root := writeRepoFiles(t, map[string]string{
		"Metadata/groups.xml": `<Groups><include href="gone.xml"/></Groups>`,
	})
	loader := NewLoader(root)

	_, err := loader.Document("Metadata/groups.xml")
	if err == nil {
		t.Fatal("expected an error for a missing include target")
	}
	if !strings.Contains(err.Error(), "gone.xml") {
		t.Errorf("error does not name the missing target: %s", err.Error())
	}
}

func TestIncludeCycleFails(t *testing.T) {
	root := writeRepoFiles(t, map[string]string{
		"Metadata/a.xml": `<Groups><include href="b.xml"/></Groups>`,
		"Metadata/b.xml": `<Groups><include href="a.xml"/></Groups>`,
	})
	loader := NewLoader(root)

	_, err := loader.Document("Metadata/a.xml")
	if err == nil {
		t.Fatal("expected an error for an include cycle")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error does not mention the cycle: %s", err.Error())
	}
}

func TestDegradedRetention(t *testing.T) {
	root := writeRepoFiles(t, map[string]string{
		"Metadata/groups.xml": `<Groups><Group name="good"/></Groups>`,
	})
	loader := NewLoader(root)

	doc, err := loader.Document("Metadata/groups.xml")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Children[0].Get("name") != "good" {
		t.Fatalf("unexpected initial parse: %s", doc.String())
	}
	gen := loader.Generation()

	// break the file on disk, then invalidate like the file monitor would
	err = os.WriteFile(filepath.Join(root, "Metadata/groups.xml"), []byte("<Groups><broken"), 0666)
	if err != nil {
		t.Fatal(err)
	}
	loader.Invalidate("Metadata/groups.xml")

	if loader.Generation() == gen {
		t.Error("Invalidate did not bump the generation")
	}
	doc, err = loader.Document("Metadata/groups.xml")
	if err != nil {
		t.Fatalf("expected the previous good version to be served, got error: %s", err.Error())
	}
	if doc.Children[0].Get("name") != "good" {
		t.Errorf("previous good version was lost: %s", doc.String())
	}
	degraded := loader.DegradedFiles()
	if len(degraded) != 1 || degraded[0] != "Metadata/groups.xml" {
		t.Errorf("expected one degraded file, got %v", degraded)
	}

	// fix the file again; the degraded marker must clear
	err = os.WriteFile(filepath.Join(root, "Metadata/groups.xml"), []byte(`<Groups><Group name="fixed"/></Groups>`), 0666)
	if err != nil {
		t.Fatal(err)
	}
	loader.Invalidate("Metadata/groups.xml")
	doc, err = loader.Document("Metadata/groups.xml")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Children[0].Get("name") != "fixed" {
		t.Errorf("fixed version is not served: %s", doc.String())
	}
	if len(loader.DegradedFiles()) != 0 {
		t.Errorf("degraded marker did not clear: %v", loader.DegradedFiles())
	}
}

func TestInvalidateAffectsIncludingDocuments(t *testing.T) {
	root := writeRepoFiles(t, map[string]string{
		"Metadata/groups.xml": `<Groups><include href="extra.xml"/></Groups>`,
		"Metadata/extra.xml":  `<Groups><Group name="before"/></Groups>`,
	})
	loader := NewLoader(root)

	doc, err := loader.Document("Metadata/groups.xml")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Children[0].Get("name") != "before" {
		t.Fatalf("unexpected initial parse: %s", doc.String())
	}

	err = os.WriteFile(filepath.Join(root, "Metadata/extra.xml"), []byte(`<Groups><Group name="after"/></Groups>`), 0666)
	if err != nil {
		t.Fatal(err)
	}
	loader.Invalidate("Metadata/extra.xml")

	doc, err = loader.Document("Metadata/groups.xml")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Children[0].Get("name") != "after" {
		t.Errorf("including document was not reparsed: %s", doc.String())
	}
}

func TestListFilesOnMissingDir(t *testing.T) {
	loader := NewLoader(t.TempDir())
	names, err := loader.ListFiles("Probes")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}
