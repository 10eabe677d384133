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

package db

import "time"

// Client contains a record from the `clients` table. The columns mirror the
// attributes of a <Client> element in clients.xml, so that a repository can
// be moved between file-based and database-backed mode.
type Client struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Profile  string `db:"profile"`
	UUID     string `db:"uuid"`
	Password string `db:"password"`
	Secure   bool   `db:"secure"`
	Floating bool   `db:"floating"`
}

// Interaction contains a record from the `interactions` table: one row per
// statistics upload of one client run.
type Interaction struct {
	ID            int64     `db:"id"`
	ClientName    string    `db:"client_name"`
	Timestamp     time.Time `db:"timestamp"`
	State         string    `db:"state"`
	GoodEntries   int       `db:"good_entries"`
	BadEntries    int       `db:"bad_entries"`
	ModifiedCount int       `db:"modified_entries"`
	ExtraEntries  int       `db:"extra_entries"`
	ClientVersion string    `db:"client_version"`
}
