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

// Package probes implements the probe engine: scripts that clients execute
// and whose output feeds back into their group membership and connector
// data.
package probes

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

func init() {
	core.PluginRegistry.Add(func() core.Plugin { return &probesPlugin{} })
	prometheus.MustRegister(ingestCounter)
}

var ingestCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "weft_probe_ingestions_total",
	Help: "Number of probe responses ingested from clients.",
})

// probe script file names may carry a host- or group-specific suffix
var probeFileRx = regexp.MustCompile(`^([^.]+)(?:\.(?:H_(\S+)|G(\d+)_(\S+)))?$`)

type probesPlugin struct {
	loader *repo.Loader

	mu       sync.Mutex
	received map[string]*clientProbeData
}

type clientProbeData struct {
	groups []string
	output map[string]string
}

// PluginTypeID implements the core.Plugin interface.
func (p *probesPlugin) PluginTypeID() string { return "Probes" }

// Init implements the core.Plugin interface.
func (p *probesPlugin) Init(loader *repo.Loader, cfg core.Configuration) error {
	p.loader = loader
	p.received = make(map[string]*clientProbeData)
	return nil
}

// GetProbes implements the core.ProbeProducer interface. For each probe name
// only the most specific script matching the client is returned: a host
// match beats a group match, and among group matches the highest priority
// wins.
func (p *probesPlugin) GetProbes(md *core.ClientMetadata) ([]core.Probe, error) {
	files, err := p.loader.ListFiles("Probes")
	if err != nil {
		return nil, core.PluginExecutionError{Plugin: "Probes", Message: err.Error()}
	}

	type match struct {
		file string
		rank int // 2 = host, 1 = group, 0 = unspecific
		prio int
	}
	best := make(map[string]match)
	var names []string
	for _, file := range files {
		parts := probeFileRx.FindStringSubmatch(file)
		if parts == nil {
			logg.Debug("ignoring unparseable probe filename %s", file)
			continue
		}
		name := parts[1]
		m := match{file: file}
		switch {
		case parts[2] != "":
			if parts[2] != md.Hostname {
				continue
			}
			m.rank = 2
		case parts[4] != "":
			if !md.HasGroup(parts[4]) {
				continue
			}
			m.rank = 1
			m.prio, _ = strconv.Atoi(parts[3])
		}
		prev, exists := best[name]
		if !exists {
			names = append(names, name)
		}
		if !exists || m.rank > prev.rank || (m.rank == prev.rank && m.prio > prev.prio) {
			best[name] = m
		}
	}

	var result []core.Probe
	for _, name := range names {
		script, err := p.loader.ReadFile("Probes/" + best[name].file)
		if err != nil {
			return nil, core.PluginExecutionError{Plugin: "Probes", Message: err.Error()}
		}
		result = append(result, core.Probe{
			Name:        name,
			Source:      "Probes",
			Interpreter: interpreterFor(script),
			Script:      script,
		})
	}
	return result, nil
}

func interpreterFor(script string) string {
	if strings.HasPrefix(script, "#!") {
		line, _, _ := strings.Cut(script, "\n")
		return strings.TrimSpace(strings.TrimPrefix(line, "#!"))
	}
	return "/bin/sh"
}

// ReceiveData implements the core.ProbeProducer interface. Output lines of
// the form "group:NAME" assign the client to additional groups; everything
// else is retained as the client's connector blob for this probe.
func (p *probesPlugin) ReceiveData(client string, response *repo.Element) error {
	name := response.Get("name")
	if name == "" {
		return core.PluginExecutionError{Plugin: "Probes", Message: "probe response without name attribute"}
	}

	var groups []string
	var output []string
	for _, line := range strings.Split(response.Text, "\n") {
		if group, ok := strings.CutPrefix(strings.TrimSpace(line), "group:"); ok {
			groups = append(groups, strings.TrimSpace(group))
		} else {
			output = append(output, line)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.received[client]
	if data == nil {
		data = &clientProbeData{output: make(map[string]string)}
		p.received[client] = data
	}
	data.groups = mergeGroups(data.groups, name, groups)
	data.output[name] = strings.TrimSpace(strings.Join(output, "\n"))
	ingestCounter.Inc()
	logg.Debug("probe %s for client %s supplied %d group(s)", name, client, len(groups))
	return nil
}

// mergeGroups replaces the groups previously supplied by the same probe
// while keeping contributions from other probes, so that a re-run probe
// cannot leave stale memberships behind.
func mergeGroups(existing []string, probe string, groups []string) []string {
	merged := make([]string, 0, len(existing)+len(groups))
	seen := make(map[string]bool)
	for _, g := range groups {
		tagged := probeGroupTag(probe, g)
		if !seen[tagged] {
			seen[tagged] = true
			merged = append(merged, tagged)
		}
	}
	for _, tagged := range existing {
		if !strings.HasPrefix(tagged, probe+"\x00") && !seen[tagged] {
			seen[tagged] = true
			merged = append(merged, tagged)
		}
	}
	return merged
}

func probeGroupTag(probe, group string) string {
	return probe + "\x00" + group
}

// AdditionalGroups implements the core.Connector interface.
func (p *probesPlugin) AdditionalGroups(client string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.received[client]
	if data == nil {
		return nil
	}
	var groups []string
	seen := make(map[string]bool)
	for _, tagged := range data.groups {
		_, group, _ := strings.Cut(tagged, "\x00")
		if !seen[group] {
			seen[group] = true
			groups = append(groups, group)
		}
	}
	return groups
}

// AdditionalData implements the core.Connector interface.
func (p *probesPlugin) AdditionalData(client string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.received[client]
	if data == nil || len(data.output) == 0 {
		return nil
	}
	output := make(map[string]string, len(data.output))
	for name, text := range data.output {
		output[name] = text
	}
	return output
}

// String implements the fmt.Stringer interface.
func (p *probesPlugin) String() string {
	return fmt.Sprintf("Probes plugin with data for %d client(s)", len(p.received))
}
