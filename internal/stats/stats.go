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

// Package stats accepts statistics uploads from clients and forwards them to
// the configured sinks without blocking the RPC path.
package stats

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/repo"
)

var droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "weft_statistics_dropped_total",
	Help: "Number of statistics uploads dropped because the intake queue was full.",
})

func init() {
	prometheus.MustRegister(droppedCounter)
}

type upload struct {
	client string
	stats  *repo.Element
}

// Queue is the bounded statistics intake. Enqueue never blocks: when the
// queue is full, the oldest pending upload is dropped in favor of the new
// one, so a slow sink degrades statistics freshness but never request
// latency.
type Queue struct {
	ch       chan upload
	sinks    []core.StatisticsSink
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewQueue creates a Queue of the given capacity over the given sinks.
func NewQueue(size int, sinks ...core.StatisticsSink) *Queue {
	return &Queue{ch: make(chan upload, size), sinks: sinks}
}

// Start launches the worker goroutine. Stop must be called to drain it.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Stop drains the queue and waits for the worker to exit. It is idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.ch)
		q.wg.Wait()
	})
}

// Enqueue accepts one statistics upload for asynchronous processing.
func (q *Queue) Enqueue(client string, stats *repo.Element) {
	u := upload{client: client, stats: stats}
	for {
		select {
		case q.ch <- u:
			return
		default:
		}
		select {
		case <-q.ch:
			droppedCounter.Inc()
		default:
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for u := range q.ch {
		for _, sink := range q.sinks {
			err := sink.Process(u.client, u.stats)
			if err != nil {
				logg.Error("statistics for client %s: %s", u.client, err.Error())
			}
		}
	}
}

// Summary is the parsed form of one statistics upload.
type Summary struct {
	State         string
	ClientVersion string
	Good          int
	Bad           int
	Modified      int
	Extra         int
}

// Summarize extracts the interaction summary from a <Statistics> element.
// Counts are taken from attributes when present, otherwise by counting the
// entries below the corresponding container element.
func Summarize(stats *repo.Element) Summary {
	return Summary{
		State:         stats.GetDefault("state", "unknown"),
		ClientVersion: stats.Get("version"),
		Good:          countFor(stats, "good", "Good"),
		Bad:           countFor(stats, "bad", "Bad"),
		Modified:      countFor(stats, "modified", "Modified"),
		Extra:         countFor(stats, "extra", "Extra"),
	}
}

func countFor(stats *repo.Element, attr, containerTag string) int {
	if value := stats.Get(attr); value != "" {
		count, err := strconv.Atoi(value)
		if err == nil {
			return count
		}
	}
	count := 0
	for _, container := range stats.FindChildren(containerTag) {
		count += len(container.Children)
	}
	return count
}
