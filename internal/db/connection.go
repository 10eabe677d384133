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

import (
	"database/sql"
	"net/url"
	"os"

	"github.com/dlmiddlecote/sqlstats"
	gorp "github.com/go-gorp/gorp/v3"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/osext"
)

// Configuration returns the easypg.Configuration object that func Init() needs to initialize the DB connection.
func Configuration() easypg.Configuration {
	return easypg.Configuration{
		Migrations: sqlMigrations,
	}
}

// Init initializes the connection to the database.
func Init() (*gorp.DbMap, error) {
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("WEFT_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("WEFT_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("WEFT_DB_USERNAME", "postgres"),
		Password:          os.Getenv("WEFT_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("WEFT_DB_CONNECTION_OPTIONS"),
		DatabaseName:      osext.GetenvOrDefault("WEFT_DB_NAME", "weft"),
	})
	if err != nil {
		return nil, err
	}
	return InitFromURL(dbURL)
}

// InitFromURL is like Init, but takes an explicit URL. It is used by Init and
// by the test setup.
func InitFromURL(dbURL *url.URL) (*gorp.DbMap, error) {
	cfg := Configuration()
	cfg.PostgresURL = dbURL
	dbConn, err := easypg.Connect(cfg)
	if err != nil {
		return nil, err
	}
	prometheus.MustRegister(sqlstats.NewStatsCollector("weft", dbConn))
	return initORM(dbConn), nil
}

func initORM(dbConn *sql.DB) *gorp.DbMap {
	// ensure that this process does not starve other processes for DB connections
	dbConn.SetMaxOpenConns(16)

	dbMap := &gorp.DbMap{Db: dbConn, Dialect: gorp.PostgresDialect{}}
	dbMap.AddTableWithName(Client{}, "clients").SetKeys(true, "id")
	dbMap.AddTableWithName(Interaction{}, "interactions").SetKeys(true, "id")
	return dbMap
}
