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

package core

import (
	"fmt"
	"os"

	"github.com/sapcc/go-bits/errext"
	yaml "gopkg.in/yaml.v2"
)

// Configuration contains all configuration values for one server process. It
// is instantiated from YAML at startup and then threaded read-only into each
// component at construction; there is no process-wide mutable setup state.
type Configuration struct {
	Repository RepositoryConfiguration `yaml:"repository"`
	Metadata   MetadataConfiguration   `yaml:"metadata"`
	Rules      RulesConfiguration      `yaml:"rules"`
	Server     ServerConfiguration     `yaml:"server"`
	Stats      StatsConfiguration      `yaml:"stats"`
}

// RepositoryConfiguration appears in type Configuration.
type RepositoryConfiguration struct {
	Path string `yaml:"path"`
	// Plugins lists the plugin type IDs to activate, in registration order.
	Plugins []string `yaml:"plugins"`
	// FileMonitor selects the watch backend ("fsnotify" or "pseudo").
	FileMonitor string `yaml:"filemonitor"`
}

// MetadataConfiguration appears in type Configuration.
type MetadataConfiguration struct {
	// UseDatabase stores clients in Postgres instead of clients.xml.
	UseDatabase bool `yaml:"use_database"`
	// DynamicRegistration creates unknown clients on first contact, bound to
	// the default profile group.
	DynamicRegistration bool `yaml:"dynamic_registration"`
}

// RulesConfiguration appears in type Configuration.
type RulesConfiguration struct {
	// Regex allows rule entry names to be regular expressions (anchored at
	// both ends) instead of literals.
	Regex bool `yaml:"regex"`
}

// ServerConfiguration appears in type Configuration.
type ServerConfiguration struct {
	Listen   string `yaml:"listen"`
	Password string `yaml:"password"`
	// Decision enables the decision filter stage ("off", "whitelist", or
	// "blacklist").
	Decision    string `yaml:"decision"`
	MaxInflight int    `yaml:"max_inflight"`

	CertFile string `yaml:"cert"`
	KeyFile  string `yaml:"key"`
	CAFile   string `yaml:"ca"`
}

// StatsConfiguration appears in type Configuration.
type StatsConfiguration struct {
	QueueSize int `yaml:"queue_size"`
}

// NewConfiguration reads and validates the given configuration file.
func NewConfiguration(path string) (cfg Configuration, errs errext.ErrorSet) {
	buf, err := os.ReadFile(path)
	if err != nil {
		errs.Add(err)
		return
	}
	err = yaml.UnmarshalStrict(buf, &cfg)
	if err != nil {
		errs.Addf("parse configuration: %s", err.Error())
		return
	}
	errs.Append(cfg.validate())
	cfg.applyDefaults()
	return
}

func (cfg *Configuration) applyDefaults() {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":6789"
	}
	if cfg.Server.Decision == "" {
		cfg.Server.Decision = "off"
	}
	if cfg.Server.MaxInflight <= 0 {
		cfg.Server.MaxInflight = 16
	}
	if cfg.Stats.QueueSize <= 0 {
		cfg.Stats.QueueSize = 1024
	}
	if len(cfg.Repository.Plugins) == 0 {
		cfg.Repository.Plugins = []string{"Bundler", "Rules", "Probes", "Decisions"}
	}
}

func (cfg Configuration) validate() (errs errext.ErrorSet) {
	if cfg.Repository.Path == "" {
		errs.Addf("missing configuration value: repository.path")
	}
	switch cfg.Server.Decision {
	case "", "off", "whitelist", "blacklist":
	default:
		errs.Addf("invalid configuration value: server.decision = %q", cfg.Server.Decision)
	}
	switch cfg.Repository.FileMonitor {
	case "", "fsnotify", "pseudo":
	default:
		errs.Addf("invalid configuration value: repository.filemonitor = %q", cfg.Repository.FileMonitor)
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		errs.Addf("configuration values server.cert and server.key must be given together")
	}
	return
}

// String implements the fmt.Stringer interface for error messages.
func (cfg Configuration) String() string {
	return fmt.Sprintf("repository at %s with plugins %v", cfg.Repository.Path, cfg.Repository.Plugins)
}
