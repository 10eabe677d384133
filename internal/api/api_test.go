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

package api_test

import (
	"bytes"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/weft-project/weft/internal/repo"
	"github.com/weft-project/weft/internal/test"
)

// rpcClient drives the XML-RPC endpoint the way a managed host would, with
// HTTP basic auth carrying the claimed name and password.
type rpcClient struct {
	t        *testing.T
	handler  http.Handler
	name     string
	password string
}

func newRPCClient(t *testing.T, s test.Setup, name string) rpcClient {
	t.Helper()
	return rpcClient{t: t, handler: s.Handler, name: name, password: "secret"}
}

type rpcResult struct {
	Value       string
	FaultCode   int
	FaultString string
	IsFault     bool
}

type wireResult struct {
	XMLName xml.Name      `xml:"methodResponse"`
	Param   *string       `xml:"params>param>value>string"`
	Fault   []faultMember `xml:"fault>value>struct>member"`
}

type faultMember struct {
	Name   string `xml:"name"`
	Int    int    `xml:"value>int"`
	String string `xml:"value>string"`
}

func (c rpcClient) call(method string, params ...string) rpcResult {
	c.t.Helper()

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?><methodCall><methodName>`)
	buf.WriteString(method)
	buf.WriteString(`</methodName><params>`)
	for _, param := range params {
		buf.WriteString(`<param><value><string>`)
		xml.EscapeText(&buf, []byte(param)) //nolint:errcheck
		buf.WriteString(`</string></value></param>`)
	}
	buf.WriteString(`</params></methodCall>`)
	return c.post(buf.String())
}

func (c rpcClient) post(body string) rpcResult {
	c.t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/RPC2", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/xml")
	req.SetBasicAuth(c.name, c.password)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		c.t.Fatalf("unexpected HTTP status %d: %s", rec.Code, rec.Body.String())
	}

	var wire wireResult
	err := xml.Unmarshal(rec.Body.Bytes(), &wire)
	if err != nil {
		c.t.Fatalf("cannot parse response %q: %s", rec.Body.String(), err.Error())
	}
	var result rpcResult
	if wire.Param != nil {
		result.Value = *wire.Param
		return result
	}
	result.IsFault = true
	for _, member := range wire.Fault {
		switch member.Name {
		case "faultCode":
			result.FaultCode = member.Int
		case "faultString":
			result.FaultString = member.String
		}
	}
	return result
}

func (c rpcClient) mustSucceed(method string, params ...string) string {
	c.t.Helper()
	result := c.call(method, params...)
	if result.IsFault {
		c.t.Fatalf("%s failed with fault %d: %s", method, result.FaultCode, result.FaultString)
	}
	return result.Value
}

func (c rpcClient) mustFault(code int, method string, params ...string) rpcResult {
	c.t.Helper()
	result := c.call(method, params...)
	if !result.IsFault {
		c.t.Fatalf("expected %s to fault, got %q", method, result.Value)
	}
	if result.FaultCode != code {
		c.t.Fatalf("expected fault code %d from %s, got %d: %s", code, method, result.FaultCode, result.FaultString)
	}
	return result
}

func parseValue(t *testing.T, value string) *repo.Element {
	t.Helper()
	doc, err := repo.ParseString(value)
	if err != nil {
		t.Fatalf("cannot parse response payload %q: %s", value, err.Error())
	}
	return doc
}

var baseRepoFiles = map[string]string{
	"Metadata/groups.xml": `
		<Groups>
			<Group name="basic" profile="true" public="true" default="true">
				<Bundle name="motd"/>
			</Group>
			<Group name="web" profile="true" public="true">
				<Group name="apache"/>
				<Bundle name="web"/>
			</Group>
			<Group name="apache"/>
			<Group name="internal" profile="true"/>
		</Groups>
	`,
	"Metadata/clients.xml": `
		<Clients>
			<Client name="web1.example.com" profile="web"/>
		</Clients>
	`,
	"Bundler/web.xml": `
		<Bundle>
			<Package name="nginx"/>
			<Service name="nginx"/>
			<Group name="probed">
				<Package name="extra-tools"/>
			</Group>
		</Bundle>
	`,
	"Bundler/motd.xml": `
		<Bundle>
			<Path name="/etc/motd"/>
		</Bundle>
	`,
	"Rules/base.xml": `
		<Rules priority="10">
			<Package name="nginx" version="1.24" type="deb"/>
			<Package name="extra-tools" version="2.0" type="deb"/>
			<Service name="nginx" type="systemd" status="on"/>
			<Path name="/etc/motd" type="file" owner="root" mode="0644"/>
		</Rules>
	`,
}

func bundleNamed(t *testing.T, config *repo.Element, name string) *repo.Element {
	t.Helper()
	for _, bundle := range config.FindChildren("Bundle") {
		if bundle.Get("name") == name {
			return bundle
		}
	}
	t.Fatalf("no bundle %q in %s", name, config.String())
	return nil
}

func entryNamed(bundle *repo.Element, tag, name string) *repo.Element {
	for _, entry := range bundle.FindChildren(tag) {
		if entry.Get("name") == name {
			return entry
		}
	}
	return nil
}

func TestGetConfigSynthesis(t *testing.T) {
	s := test.NewSetup(t, test.WithRepoFiles(baseRepoFiles), test.WithAPIHandler())
	client := newRPCClient(t, s, "web1.example.com")

	config := parseValue(t, client.mustSucceed("GetConfig"))
	if config.Tag != "Configuration" || config.Get("version") != "2.0" {
		t.Fatalf("unexpected document root: %s", config.String())
	}

	web := bundleNamed(t, config, "web")
	pkg := entryNamed(web, "Package", "nginx")
	if pkg == nil || pkg.Get("version") != "1.24" || pkg.Get("type") != "deb" {
		t.Errorf("nginx package was not bound: %s", web.String())
	}
	svc := entryNamed(web, "Service", "nginx")
	if svc == nil || svc.Get("status") != "on" {
		t.Errorf("nginx service was not bound: %s", web.String())
	}

	// the probed conditional must not fire without probe data
	if entryNamed(web, "Package", "extra-tools") != nil {
		t.Errorf("conditional entry leaked into the config: %s", web.String())
	}
	// the motd bundle belongs to the basic profile, not to web
	for _, bundle := range config.FindChildren("Bundle") {
		if bundle.Get("name") == "motd" {
			t.Errorf("unexpected bundle from another profile: %s", config.String())
		}
	}
}

func TestProbeLifecycle(t *testing.T) {
	files := map[string]string{
		"Probes/osinfo": "#!/bin/bash\nuname -a\n",
	}
	s := test.NewSetup(t,
		test.WithRepoFiles(baseRepoFiles),
		test.WithRepoFiles(files),
		test.WithAPIHandler(),
	)
	client := newRPCClient(t, s, "web1.example.com")

	probes := parseValue(t, client.mustSucceed("GetProbes"))
	if probes.Tag != "probes" || len(probes.FindChildren("probe")) != 1 {
		t.Fatalf("unexpected probe list: %s", probes.String())
	}
	probe := probes.FindChildren("probe")[0]
	if probe.Get("name") != "osinfo" {
		t.Errorf("unexpected probe name: %s", probe.String())
	}
	if probe.Get("interpreter") != "/bin/bash" {
		t.Errorf("interpreter was not taken from the shebang: %s", probe.String())
	}

	// the configuration is withheld while issued probes are unanswered
	result := client.mustFault(3, "GetConfig")
	if !strings.Contains(result.FaultString, "unanswered probes") {
		t.Errorf("unexpected fault message: %s", result.FaultString)
	}

	client.mustSucceed("RecvProbeData", `<probe-data name="osinfo">group:probed
Linux web1 6.1.0</probe-data>`)

	// probe-declared groups feed back into structure assembly
	config := parseValue(t, client.mustSucceed("GetConfig"))
	web := bundleNamed(t, config, "web")
	pkg := entryNamed(web, "Package", "extra-tools")
	if pkg == nil || pkg.Get("version") != "2.0" {
		t.Errorf("probe group did not activate the conditional: %s", web.String())
	}
}

func TestAuthFault(t *testing.T) {
	s := test.NewSetup(t, test.WithRepoFiles(baseRepoFiles), test.WithAPIHandler())
	client := newRPCClient(t, s, "web1.example.com")
	client.password = "wrong"

	result := client.mustFault(1, "GetConfig")
	if !strings.Contains(result.FaultString, "authentication failed") {
		t.Errorf("unexpected fault message: %s", result.FaultString)
	}
}

func TestUnknownClientFault(t *testing.T) {
	s := test.NewSetup(t, test.WithRepoFiles(baseRepoFiles), test.WithAPIHandler())
	client := newRPCClient(t, s, "stranger.example.com")
	client.mustFault(2, "GetConfig")
}

func TestUnknownMethodFault(t *testing.T) {
	s := test.NewSetup(t, test.WithRepoFiles(baseRepoFiles), test.WithAPIHandler())
	client := newRPCClient(t, s, "web1.example.com")

	result := client.mustFault(7, "NoSuchMethod")
	if !strings.Contains(result.FaultString, "NoSuchMethod") {
		t.Errorf("unexpected fault message: %s", result.FaultString)
	}
}

func TestMalformedCallFault(t *testing.T) {
	s := test.NewSetup(t, test.WithRepoFiles(baseRepoFiles), test.WithAPIHandler())
	client := newRPCClient(t, s, "web1.example.com")

	result := client.post("this is not XML")
	if !result.IsFault || result.FaultCode != 3 {
		t.Errorf("expected fault code 3 for a malformed call, got %+v", result)
	}
}

func TestDecisionBlacklist(t *testing.T) {
	files := map[string]string{
		"Decisions/blacklist.xml": `
			<Decisions>
				<Decision type="Service" name="nginx"/>
			</Decisions>
		`,
	}
	s := test.NewSetup(t,
		test.WithRepoFiles(baseRepoFiles),
		test.WithRepoFiles(files),
		test.WithConfig(`
			repository:
				path: %REPO_PATH%
				filemonitor: pseudo
			server:
				password: secret
				decision: blacklist
		`),
		test.WithAPIHandler(),
	)
	client := newRPCClient(t, s, "web1.example.com")

	first := client.mustSucceed("GetConfig")
	config := parseValue(t, first)
	web := bundleNamed(t, config, "web")
	if entryNamed(web, "Service", "nginx") != nil {
		t.Errorf("blacklisted entry was served: %s", web.String())
	}
	if entryNamed(web, "Package", "nginx") == nil {
		t.Errorf("unlisted entry was filtered: %s", web.String())
	}

	// the filter must not accumulate state across requests
	second := client.mustSucceed("GetConfig")
	if first != second {
		t.Error("repeated GetConfig calls produced different output")
	}
}

func TestGetDecisionList(t *testing.T) {
	files := map[string]string{
		"Decisions/blacklist.xml": `
			<Decisions>
				<Decision type="Service" name="nginx"/>
				<Decision type="Path" name="*"/>
			</Decisions>
		`,
	}
	s := test.NewSetup(t,
		test.WithRepoFiles(baseRepoFiles),
		test.WithRepoFiles(files),
		test.WithAPIHandler(),
	)
	client := newRPCClient(t, s, "web1.example.com")

	doc := parseValue(t, client.mustSucceed("GetDecisionList", "blacklist"))
	decisions := doc.FindChildren("decision")
	if len(decisions) != 2 {
		t.Fatalf("unexpected decision list: %s", doc.String())
	}
	if decisions[0].Get("type") != "Service" || decisions[0].Get("name") != "nginx" {
		t.Errorf("unexpected first decision: %s", decisions[0].String())
	}

	// a mode without a decision file yields an empty list, not an error
	doc = parseValue(t, client.mustSucceed("GetDecisionList", "whitelist"))
	if len(doc.FindChildren("decision")) != 0 {
		t.Errorf("unexpected decisions for the whitelist mode: %s", doc.String())
	}

	client.mustFault(3, "GetDecisionList", "sometimes")
}

func TestRecvStatsIntake(t *testing.T) {
	s := test.NewSetup(t, test.WithRepoFiles(baseRepoFiles), test.WithAPIHandler())
	client := newRPCClient(t, s, "web1.example.com")

	client.mustSucceed("DeclareVersion", "6.1.0")
	client.mustSucceed("RecvStats", `<Statistics state="clean" good="10" bad="0"/>`)

	// stopping the queue drains the worker, making the upload observable
	s.Queue.Stop()
	uploads := s.Sink.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("expected one recorded upload, got %d", len(uploads))
	}
	if uploads[0].Client != "web1.example.com" {
		t.Errorf("unexpected client name: %s", uploads[0].Client)
	}
	if uploads[0].Stats.Get("state") != "clean" {
		t.Errorf("unexpected stats payload: %s", uploads[0].Stats.String())
	}
	// the declared version is stamped onto uploads that lack one
	if uploads[0].Stats.Get("version") != "6.1.0" {
		t.Errorf("declared version was not applied: %s", uploads[0].Stats.String())
	}
}

func TestHealthCheck(t *testing.T) {
	s := test.NewSetup(t, test.WithRepoFiles(baseRepoFiles), test.WithAPIHandler())
	assert.HTTPRequest{
		Method:       http.MethodGet,
		Path:         "/healthcheck",
		ExpectStatus: http.StatusOK,
		ExpectBody:   assert.StringData("ok\n"),
	}.Check(t, s.Handler)
}

func TestAssertProfileOverRPC(t *testing.T) {
	files := map[string]string{
		"Metadata/clients.xml": `
			<Clients>
				<Client name="web1.example.com" profile="basic"/>
			</Clients>
		`,
	}
	s := test.NewSetup(t,
		test.WithRepoFiles(baseRepoFiles),
		test.WithRepoFiles(files),
		test.WithAPIHandler(),
	)
	client := newRPCClient(t, s, "web1.example.com")

	config := parseValue(t, client.mustSucceed("GetConfig"))
	if len(config.FindChildren("Bundle")) != 1 || config.Children[0].Get("name") != "motd" {
		t.Fatalf("expected only the motd bundle before the switch: %s", config.String())
	}

	client.mustSucceed("AssertProfile", "web")
	config = parseValue(t, client.mustSucceed("GetConfig"))
	if bundleNamed(t, config, "web") == nil {
		t.Errorf("profile switch did not take effect: %s", config.String())
	}

	// non-public groups cannot be asserted as profiles
	client.mustFault(2, "AssertProfile", "internal")
	client.mustFault(2, "AssertProfile", "nonexistent")
}
