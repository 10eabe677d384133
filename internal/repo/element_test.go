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
	"testing"
)

func TestParsePreservesChildOrder(t *testing.T) {
	doc, err := ParseString(`
		<Bundle name="web">
			<Package name="nginx"/>
			<Service name="nginx"/>
			<Package name="certbot"/>
		</Bundle>
	`)
	if err != nil {
		t.Fatal(err)
	}

	var tags []string
	for _, child := range doc.Children {
		tags = append(tags, child.Tag+":"+child.Get("name"))
	}
	expected := []string{"Package:nginx", "Service:nginx", "Package:certbot"}
	if len(tags) != len(expected) {
		t.Fatalf("expected %d children, got %v", len(expected), tags)
	}
	for i, want := range expected {
		if tags[i] != want {
			t.Errorf("child %d: expected %s, got %s", i, want, tags[i])
		}
	}
}

func TestSerializationIsStable(t *testing.T) {
	e := NewElement("Path", "name", "/etc/motd", "owner", "root", "mode", "0644")
	e.Text = "hello <world> & others"

	serialized := e.String()
	expected := `<Path name="/etc/motd" owner="root" mode="0644">hello &lt;world&gt; &amp; others</Path>`
	if serialized != expected {
		t.Errorf("expected %q, got %q", expected, serialized)
	}

	reparsed, err := ParseString(serialized)
	if err != nil {
		t.Fatal(err)
	}
	if reparsed.String() != serialized {
		t.Errorf("reserialization changed output: %q", reparsed.String())
	}
}

func TestParseRejectsMultipleRoots(t *testing.T) {
	_, err := ParseString(`<a/><b/>`)
	if err == nil {
		t.Error("expected an error for a document with two roots")
	}
}

func TestCopyIsDeep(t *testing.T) {
	original, err := ParseString(`<Bundle name="x"><Package name="p" version="1"/></Bundle>`)
	if err != nil {
		t.Fatal(err)
	}
	clone := original.Copy()
	clone.Children[0].Set("version", "2")
	clone.Set("name", "y")

	if original.Children[0].Get("version") != "1" {
		t.Error("mutating the copy changed a child of the original")
	}
	if original.Get("name") != "x" {
		t.Error("mutating the copy changed an attribute of the original")
	}
}

func TestBoolAttr(t *testing.T) {
	e := NewElement("Group", "negate", "True", "other", "yes")
	if !e.BoolAttr("negate") {
		t.Error(`negate="True" should count as true`)
	}
	if e.BoolAttr("other") {
		t.Error(`other="yes" should count as false`)
	}
	if e.BoolAttr("missing") {
		t.Error("unset attribute should count as false")
	}
}
