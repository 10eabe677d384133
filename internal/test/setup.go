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

// Package test provides the shared harness for component tests: a scratch
// repository built from inline fixtures, a configuration, and optionally the
// full HTTP handler.
package test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/mock"
	"github.com/sapcc/go-bits/osext"

	"github.com/weft-project/weft/internal/api"
	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/metadata"
	"github.com/weft-project/weft/internal/repo"
	"github.com/weft-project/weft/internal/stats"

	_ "github.com/weft-project/weft/internal/binder"
	_ "github.com/weft-project/weft/internal/decisions"
	_ "github.com/weft-project/weft/internal/probes"
	_ "github.com/weft-project/weft/internal/structures"
)

type setupParams struct {
	RepoFiles   map[string]string
	ConfigYAML  string
	DNS         map[string]string
	WithHandler bool
}

// SetupOption is an option that can be given to NewSetup().
type SetupOption func(*setupParams)

// WithRepoFiles is a SetupOption that populates the scratch repository with
// the given files (paths relative to the repository root).
func WithRepoFiles(files map[string]string) SetupOption {
	return func(params *setupParams) {
		if params.RepoFiles == nil {
			params.RepoFiles = make(map[string]string)
		}
		for path, content := range files {
			params.RepoFiles[path] = content
		}
	}
}

// WithConfig is a SetupOption that overrides the default configuration. The
// YAML may use tabs for indentation and must contain the %REPO_PATH%
// placeholder for the repository path.
func WithConfig(yamlStr string) SetupOption {
	return func(params *setupParams) {
		params.ConfigYAML = normalizeInlineYAML(yamlStr)
	}
}

// WithDNS is a SetupOption that provides reverse DNS entries (address to
// hostname) for the resolver. Without it, all lookups fail like they would
// on an isolated network.
func WithDNS(entries map[string]string) SetupOption {
	return func(params *setupParams) {
		params.DNS = entries
	}
}

// WithAPIHandler is a SetupOption that builds the full HTTP handler.
func WithAPIHandler() SetupOption {
	return func(params *setupParams) {
		params.WithHandler = true
	}
}

func normalizeInlineYAML(yamlStr string) string {
	// inline YAML in test code is tab-indented like the surrounding Go
	return strings.ReplaceAll(yamlStr, "\t", "  ")
}

const defaultConfigYAML = `
repository:
	path: %REPO_PATH%
	filemonitor: pseudo
server:
	password: secret
`

// Setup contains all the pieces that are needed for most tests.
type Setup struct {
	Ctx      context.Context //nolint:containedctx // only used in tests
	Config   core.Configuration
	Loader   *repo.Loader
	Store    metadata.ClientStore
	Resolver *metadata.Resolver
	Caps     core.Capabilities
	Clock    *mock.Clock
	// fields that are only set if their respective SetupOptions are given
	Handler http.Handler
	Queue   *stats.Queue
	Sink    *RecordingSink
}

// NewSetup prepares most or all pieces of the server for a test.
func NewSetup(t *testing.T, opts ...SetupOption) Setup {
	t.Helper()
	logg.ShowDebug = osext.GetenvBool("WEFT_DEBUG")
	var params setupParams
	for _, option := range opts {
		option(&params)
	}

	repoPath := t.TempDir()
	for path, content := range params.RepoFiles {
		fullPath := filepath.Join(repoPath, path)
		err := os.MkdirAll(filepath.Dir(fullPath), 0777)
		if err != nil {
			t.Fatal(err)
		}
		err = os.WriteFile(fullPath, []byte(content), 0666)
		if err != nil {
			t.Fatal(err)
		}
	}

	configYAML := params.ConfigYAML
	if configYAML == "" {
		configYAML = normalizeInlineYAML(defaultConfigYAML)
	}
	configYAML = strings.ReplaceAll(configYAML, "%REPO_PATH%", repoPath)
	configPath := filepath.Join(t.TempDir(), "weft.yaml")
	err := os.WriteFile(configPath, []byte(configYAML), 0666)
	if err != nil {
		t.Fatal(err)
	}
	cfg, errs := core.NewConfiguration(configPath)
	if !errs.IsEmpty() {
		for _, err := range errs {
			t.Error(err)
		}
		t.FailNow()
	}

	var s Setup
	s.Ctx = context.Background()
	s.Config = cfg
	s.Loader = repo.NewLoader(cfg.Repository.Path)
	s.Store = metadata.NewFileClientStore(s.Loader)
	s.Clock = mock.NewClock()

	s.Caps, err = core.InstantiatePlugins(cfg, s.Loader)
	if err != nil {
		t.Fatal(err)
	}

	s.Resolver = metadata.NewResolver(cfg, s.Loader, s.Store)
	s.Resolver.SetConnectors(s.Caps.Connectors)
	dns := params.DNS
	s.Resolver.LookupAddr = func(ctx context.Context, addr string) ([]string, error) {
		if name, ok := dns[addr]; ok {
			return []string{name}, nil
		}
		return nil, errors.New("no such host")
	}

	if params.WithHandler {
		s.Sink = &RecordingSink{}
		s.Queue = stats.NewQueue(cfg.Stats.QueueSize, s.Sink)
		s.Queue.Start()
		t.Cleanup(s.Queue.Stop)
		s.Handler = httpapi.Compose(
			api.NewV1API(cfg, s.Resolver, s.Caps, s.Queue),
			httpapi.HealthCheckAPI{SkipRequestLog: true},
			httpapi.WithoutLogging(),
		)
	}
	return s
}

// RecordedUpload is one statistics upload captured by RecordingSink.
type RecordedUpload struct {
	Client string
	Stats  *repo.Element
}

// RecordingSink captures statistics uploads for inspection by tests.
type RecordingSink struct {
	mu      sync.Mutex
	uploads []RecordedUpload
}

// Process implements the core.StatisticsSink interface.
func (s *RecordingSink) Process(client string, stats *repo.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, RecordedUpload{Client: client, Stats: stats})
	return nil
}

// Uploads returns the captured uploads.
func (s *RecordingSink) Uploads() []RecordedUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedUpload(nil), s.uploads...)
}
