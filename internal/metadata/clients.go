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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/weft-project/weft/internal/repo"
)

const clientsPath = "Metadata/clients.xml"

// Client is one declared or dynamically registered client.
type Client struct {
	Name     string
	Profile  string
	UUID     string
	Password string
	Secure   bool
	Floating bool

	Aliases   []string
	Addresses []string
	// Groups and NegatedGroups come from <Group> children of the <Client>
	// element and act as per-client overrides on the group expansion.
	Groups        []string
	NegatedGroups []string
}

// ClientStore provides access to the set of known clients. The file-backed
// implementation reads Metadata/clients.xml; the database-backed one lives in
// database.go and is selected by metadata.use_database.
type ClientStore interface {
	All() ([]Client, error)
	// Get returns nil if no client with that name exists.
	Get(name string) (*Client, error)
	Create(c Client) error
	SetProfile(name, profile string) error
}

// NewFileClientStore builds the clients.xml-backed store.
func NewFileClientStore(loader *repo.Loader) ClientStore {
	return &fileClientStore{loader: loader}
}

type fileClientStore struct {
	loader *repo.Loader
	// writes rewrite the whole document, so they are serialized
	mu sync.Mutex
}

func (s *fileClientStore) All() ([]Client, error) {
	doc, err := s.loader.Document(clientsPath)
	if err != nil {
		// a repository without clients.xml runs in purely dynamic mode
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if doc.Tag != "Clients" {
		return nil, fmt.Errorf("expected <Clients> document, got <%s>", doc.Tag)
	}
	var clients []Client
	for _, el := range doc.FindChildren("Client") {
		clients = append(clients, clientFromElement(el))
	}
	return clients, nil
}

func clientFromElement(el *repo.Element) Client {
	c := Client{
		Name:     el.Get("name"),
		Profile:  el.Get("profile"),
		UUID:     el.Get("uuid"),
		Password: el.Get("password"),
		Secure:   el.BoolAttr("secure"),
		Floating: el.BoolAttr("floating"),
	}
	if addr := el.Get("address"); addr != "" {
		c.Addresses = append(c.Addresses, addr)
	}
	for _, child := range el.Children {
		switch child.Tag {
		case "Alias":
			if name := child.Get("name"); name != "" {
				c.Aliases = append(c.Aliases, name)
			}
			if addr := child.Get("address"); addr != "" {
				c.Addresses = append(c.Addresses, addr)
			}
		case "Address":
			if addr := child.Get("address"); addr != "" {
				c.Addresses = append(c.Addresses, addr)
			}
		case "Group":
			if child.BoolAttr("negate") {
				c.NegatedGroups = append(c.NegatedGroups, child.Get("name"))
			} else {
				c.Groups = append(c.Groups, child.Get("name"))
			}
		}
	}
	return c
}

func (s *fileClientStore) Get(name string) (*Client, error) {
	clients, err := s.All()
	if err != nil {
		return nil, err
	}
	for i := range clients {
		if clients[i].Name == name {
			return &clients[i], nil
		}
	}
	return nil, nil
}

func (s *fileClientStore) Create(c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewrite(func(doc *repo.Element) error {
		for _, el := range doc.FindChildren("Client") {
			if el.Get("name") == c.Name {
				return fmt.Errorf("client %s already exists", c.Name)
			}
		}
		el := repo.NewElement("Client", "name", c.Name, "profile", c.Profile)
		if c.UUID != "" {
			el.Set("uuid", c.UUID)
		}
		if c.Floating {
			el.Set("floating", "true")
		}
		doc.Append(el)
		return nil
	})
}

func (s *fileClientStore) SetProfile(name, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewrite(func(doc *repo.Element) error {
		for _, el := range doc.FindChildren("Client") {
			if el.Get("name") == name {
				el.Set("profile", profile)
				return nil
			}
		}
		return fmt.Errorf("no such client: %s", name)
	})
}

// rewrite applies a mutation to the clients document and writes it back
// atomically (write to tempfile, then rename).
func (s *fileClientStore) rewrite(mutate func(*repo.Element) error) error {
	doc, err := s.loader.Document(clientsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		doc = repo.NewElement("Clients", "version", "3.0")
	} else {
		doc = doc.Copy()
	}
	err = mutate(doc)
	if err != nil {
		return err
	}

	path := filepath.Join(s.loader.Root(), clientsPath)
	err = os.MkdirAll(filepath.Dir(path), 0777)
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	err = os.WriteFile(tmpPath, []byte(doc.Indent()), 0666)
	if err != nil {
		return err
	}
	err = os.Rename(tmpPath, path)
	if err != nil {
		return err
	}
	s.loader.Invalidate(clientsPath)
	return nil
}
