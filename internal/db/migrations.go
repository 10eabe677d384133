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

var sqlMigrations = map[string]string{
	"001_initial.down.sql": `
		DROP TABLE interactions;
		DROP TABLE clients;
	`,
	"001_initial.up.sql": `
		CREATE TABLE clients (
			id        BIGSERIAL  NOT NULL PRIMARY KEY,
			name      TEXT       NOT NULL UNIQUE,
			profile   TEXT       NOT NULL DEFAULT '',
			uuid      TEXT       NOT NULL DEFAULT '',
			password  TEXT       NOT NULL DEFAULT '',
			secure    BOOLEAN    NOT NULL DEFAULT FALSE,
			floating  BOOLEAN    NOT NULL DEFAULT FALSE
		);

		CREATE TABLE interactions (
			id                BIGSERIAL    NOT NULL PRIMARY KEY,
			client_name       TEXT         NOT NULL,
			timestamp         TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			state             TEXT         NOT NULL DEFAULT '',
			good_entries      INT          NOT NULL DEFAULT 0,
			bad_entries       INT          NOT NULL DEFAULT 0,
			modified_entries  INT          NOT NULL DEFAULT 0,
			extra_entries     INT          NOT NULL DEFAULT 0,
			client_version    TEXT         NOT NULL DEFAULT ''
		);
		CREATE INDEX interactions_client_name_idx ON interactions (client_name);
	`,
}
