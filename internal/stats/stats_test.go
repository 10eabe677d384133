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

package stats

import (
	"sync"
	"testing"

	"github.com/weft-project/weft/internal/repo"
)

type recordingSink struct {
	mu      sync.Mutex
	clients []string
}

func (s *recordingSink) Process(client string, stats *repo.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, client)
	return nil
}

func (s *recordingSink) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clients...)
}

func TestQueueDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(16, sink)
	q.Start()

	stats := repo.NewElement("Statistics", "state", "clean")
	q.Enqueue("host1", stats)
	q.Enqueue("host2", stats)
	q.Enqueue("host3", stats)
	q.Stop()

	seen := sink.seen()
	if len(seen) != 3 || seen[0] != "host1" || seen[2] != "host3" {
		t.Errorf("unexpected delivery order: %v", seen)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	sink := &recordingSink{}
	// no Start: the worker never drains, so the queue fills up immediately
	q := NewQueue(2, sink)

	stats := repo.NewElement("Statistics")
	q.Enqueue("host1", stats)
	q.Enqueue("host2", stats)
	q.Enqueue("host3", stats)

	q.Start()
	q.Stop()

	seen := sink.seen()
	if len(seen) != 2 {
		t.Fatalf("expected two retained uploads, got %v", seen)
	}
	if seen[0] != "host2" || seen[1] != "host3" {
		t.Errorf("expected the oldest upload to be dropped, got %v", seen)
	}
}

func TestQueueStopIsIdempotent(t *testing.T) {
	q := NewQueue(4, &recordingSink{})
	q.Start()
	q.Stop()
	q.Stop()
}

func TestSummarizeFromAttributes(t *testing.T) {
	stats, err := repo.ParseString(`
		<Statistics state="dirty" version="6.1.0" good="10" bad="2" modified="1" extra="3"/>
	`)
	if err != nil {
		t.Fatal(err)
	}
	summary := Summarize(stats)
	want := Summary{State: "dirty", ClientVersion: "6.1.0", Good: 10, Bad: 2, Modified: 1, Extra: 3}
	if summary != want {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestSummarizeFromContainers(t *testing.T) {
	stats, err := repo.ParseString(`
		<Statistics state="clean">
			<Good>
				<Package name="vim"/>
				<Service name="sshd"/>
			</Good>
			<Bad>
				<Path name="/etc/motd"/>
			</Bad>
		</Statistics>
	`)
	if err != nil {
		t.Fatal(err)
	}
	summary := Summarize(stats)
	if summary.Good != 2 || summary.Bad != 1 || summary.Modified != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.State != "clean" {
		t.Errorf("unexpected state: %s", summary.State)
	}
}

func TestSummarizeDefaults(t *testing.T) {
	summary := Summarize(repo.NewElement("Statistics"))
	if summary.State != "unknown" {
		t.Errorf("expected the unknown state, got %q", summary.State)
	}
	if summary.Good != 0 || summary.Bad != 0 {
		t.Errorf("unexpected counts: %+v", summary)
	}
}
