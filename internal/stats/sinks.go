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
	"time"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/logg"

	"github.com/weft-project/weft/internal/core"
	"github.com/weft-project/weft/internal/db"
	"github.com/weft-project/weft/internal/repo"
)

// LogSink writes a one-line interaction summary to the log.
type LogSink struct{}

// Process implements the core.StatisticsSink interface.
func (LogSink) Process(client string, stats *repo.Element) error {
	s := Summarize(stats)
	logg.Info("client %s reported state %s: %d good, %d bad, %d modified, %d extra",
		client, s.State, s.Good, s.Bad, s.Modified, s.Extra)
	return nil
}

// DBSink records one interaction row per statistics upload.
type DBSink struct {
	DB *gorp.DbMap
	// TimeNow is a hook for tests; it defaults to time.Now.
	TimeNow func() time.Time
}

// Process implements the core.StatisticsSink interface.
func (s DBSink) Process(client string, stats *repo.Element) error {
	timeNow := s.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}
	summary := Summarize(stats)
	return s.DB.Insert(&db.Interaction{
		ClientName:    client,
		Timestamp:     timeNow(),
		State:         summary.State,
		GoodEntries:   summary.Good,
		BadEntries:    summary.Bad,
		ModifiedCount: summary.Modified,
		ExtraEntries:  summary.Extra,
		ClientVersion: summary.ClientVersion,
	})
}

// interface checks
var (
	_ core.StatisticsSink = LogSink{}
	_ core.StatisticsSink = DBSink{}
)
