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

package metadata

import (
	"database/sql"
	"errors"
	"fmt"

	gorp "github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/weft-project/weft/internal/db"
)

// NewDatabaseClientStore builds the Postgres-backed client store, selected by
// the metadata.use_database option. Aliases, addresses and per-client group
// overrides are not stored in the database; in this mode they come from
// groups.xml conditionals only.
func NewDatabaseClientStore(dbm *gorp.DbMap) ClientStore {
	return &databaseClientStore{dbm: dbm}
}

type databaseClientStore struct {
	dbm *gorp.DbMap
}

func (s *databaseClientStore) All() ([]Client, error) {
	var rows []db.Client
	_, err := s.dbm.Select(&rows, `SELECT * FROM clients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	clients := make([]Client, len(rows))
	for i, row := range rows {
		clients[i] = clientFromRow(row)
	}
	return clients, nil
}

func (s *databaseClientStore) Get(name string) (*Client, error) {
	var row db.Client
	err := s.dbm.SelectOne(&row, `SELECT * FROM clients WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := clientFromRow(row)
	return &c, nil
}

func clientFromRow(row db.Client) Client {
	return Client{
		Name:     row.Name,
		Profile:  row.Profile,
		UUID:     row.UUID,
		Password: row.Password,
		Secure:   row.Secure,
		Floating: row.Floating,
	}
}

func (s *databaseClientStore) Create(c Client) error {
	return s.dbm.Insert(&db.Client{
		Name:     c.Name,
		Profile:  c.Profile,
		UUID:     c.UUID,
		Password: c.Password,
		Secure:   c.Secure,
		Floating: c.Floating,
	})
}

var setProfileQuery = sqlext.SimplifyWhitespace(`
	UPDATE clients SET profile = $1 WHERE name = $2
`)

func (s *databaseClientStore) SetProfile(name, profile string) error {
	result, err := s.dbm.Exec(setProfileQuery, profile, name)
	if err != nil {
		return err
	}
	rowCount, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowCount == 0 {
		return fmt.Errorf("no such client: %s", name)
	}
	return nil
}
