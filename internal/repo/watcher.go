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

package repo

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sapcc/go-bits/logg"
)

// Monitor watches the repository directory and invalidates cached documents
// when files change. The "pseudo" implementation does nothing and exists for
// tests and for operation without inotify support.
type Monitor interface {
	Start() error
	Stop()
}

// NewMonitor builds the monitor backend selected in the configuration.
// The onChange callback runs after cache invalidation, outside any lock.
func NewMonitor(backend string, loader *Loader, onChange func()) Monitor {
	switch backend {
	case "", "fsnotify":
		return &fsnotifyMonitor{
			loader:   loader,
			onChange: onChange,
			debounce: 250 * time.Millisecond,
			pending:  make(map[string]*time.Timer),
			stopCh:   make(chan struct{}),
		}
	default:
		return pseudoMonitor{}
	}
}

type pseudoMonitor struct{}

func (pseudoMonitor) Start() error { return nil }
func (pseudoMonitor) Stop()        {}

// fsnotifyMonitor watches the repository tree recursively. Editors produce
// bursts of events per save, so events are debounced per path before the
// document cache is invalidated.
type fsnotifyMonitor struct {
	loader   *Loader
	onChange func()
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
	stopCh  chan struct{}
}

func (m *fsnotifyMonitor) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	err = filepath.Walk(m.loader.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}

	go m.run()
	return nil
}

func (m *fsnotifyMonitor) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
}

func (m *fsnotifyMonitor) run() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logg.Error("repository watcher: %s", err.Error())
		}
	}
}

func (m *fsnotifyMonitor) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := m.watcher.Add(event.Name); err != nil {
				logg.Error("cannot watch new directory %s: %s", event.Name, err.Error())
			}
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	relPath, err := filepath.Rel(m.loader.Root(), event.Name)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, exists := m.pending[relPath]; exists {
		timer.Stop()
	}
	m.pending[relPath] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.pending, relPath)
		m.mu.Unlock()

		logg.Debug("repository file %s changed, invalidating", relPath)
		m.loader.Invalidate(relPath)
		if m.onChange != nil {
			m.onChange()
		}
	})
}
