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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"
)

var degradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "weft_repo_degraded_files",
	Help: "Number of repository files currently served from a previous good version because their latest parse failed.",
})

func init() {
	prometheus.MustRegister(degradedGauge)
}

// LoadError is reported when a repository document cannot be parsed and no
// previous good version of it is available.
type LoadError struct {
	Path string
	Err  error
}

// Error implements the builtin error interface.
func (e LoadError) Error() string {
	return fmt.Sprintf("cannot load repository file %s: %s", e.Path, e.Err.Error())
}

// Unwrap supports errors.Is/As.
func (e LoadError) Unwrap() error {
	return e.Err
}

// Loader reads and caches the XML documents of a repository directory.
//
// Documents are parsed lazily on first access and retained in an immutable
// cache map that is swapped atomically on every update, so readers are never
// blocked by writers. When a reparse fails, the previous good version is
// retained and the document is marked degraded; the server keeps serving.
type Loader struct {
	root    string
	writeMu sync.Mutex
	cache   atomic.Pointer[docCache]
	// generation counts cache invalidations; consumers use it to notice that
	// their memoized derived state may be stale.
	generation atomic.Uint64
}

type docCache map[string]*docEntry

type docEntry struct {
	doc      *Element // last known-good parse, nil if there never was one
	err      error    // non-nil if the most recent parse failed
	includes []string // repo-relative paths spliced into this document
}

// NewLoader creates a Loader for the given repository directory.
func NewLoader(root string) *Loader {
	l := &Loader{root: filepath.Clean(root)}
	empty := docCache{}
	l.cache.Store(&empty)
	return l
}

// Root returns the repository directory.
func (l *Loader) Root() string {
	return l.root
}

// Generation returns a counter that increases whenever cached documents are
// invalidated.
func (l *Loader) Generation() uint64 {
	return l.generation.Load()
}

// Document returns the parsed document at the given repo-relative path, with
// all <include href="..."/> elements expanded. If the current file contents
// do not parse but an earlier version did, the earlier version is returned.
func (l *Loader) Document(relPath string) (*Element, error) {
	relPath = filepath.Clean(relPath)
	if entry, ok := (*l.cache.Load())[relPath]; ok {
		return entry.result(relPath)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	// re-check under the lock; another goroutine may have parsed it meanwhile
	old := *l.cache.Load()
	if entry, ok := old[relPath]; ok {
		return entry.result(relPath)
	}

	entry := l.parse(relPath, nil)
	next := make(docCache, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[relPath] = entry
	l.cache.Store(&next)
	return entry.result(relPath)
}

func (e *docEntry) result(relPath string) (*Element, error) {
	if e.doc == nil {
		return nil, LoadError{Path: relPath, Err: e.err}
	}
	return e.doc, nil
}

func (l *Loader) parse(relPath string, prev *docEntry) *docEntry {
	seen := map[string]bool{relPath: true}
	doc, includes, err := l.parseFile(relPath, seen)
	if err != nil {
		if prev != nil && prev.doc != nil {
			logg.Error("parse of %s failed, serving previous good version: %s", relPath, err.Error())
			return &docEntry{doc: prev.doc, err: err, includes: prev.includes}
		}
		return &docEntry{err: err}
	}
	return &docEntry{doc: doc, includes: includes}
}

func (l *Loader) parseFile(relPath string, seen map[string]bool) (*Element, []string, error) {
	buf, err := os.ReadFile(filepath.Join(l.root, relPath))
	if err != nil {
		return nil, nil, err
	}
	doc, err := ParseString(string(buf))
	if err != nil {
		return nil, nil, err
	}
	includes, err := l.expandIncludes(doc, filepath.Dir(relPath), seen)
	if err != nil {
		return nil, nil, err
	}
	return doc, includes, nil
}

// expandIncludes replaces every <include href="..."/> child (recursively) by
// the root children of the referenced document. A missing file is an error
// unless the include carries a <fallback> child, in which case the fallback's
// children are spliced in instead. Cycles are an error.
func (l *Loader) expandIncludes(e *Element, baseDir string, seen map[string]bool) ([]string, error) {
	var includes []string
	var expanded []*Element
	for _, child := range e.Children {
		if child.Tag != "include" {
			childIncludes, err := l.expandIncludes(child, baseDir, seen)
			if err != nil {
				return nil, err
			}
			includes = append(includes, childIncludes...)
			expanded = append(expanded, child)
			continue
		}

		href := child.Get("href")
		if href == "" {
			return nil, fmt.Errorf("include element without href attribute")
		}
		target := href
		if !filepath.IsAbs(href) {
			target = filepath.Join(baseDir, href)
		}
		target = filepath.Clean(target)
		if seen[target] {
			return nil, fmt.Errorf("inclusion cycle through %s", target)
		}

		if _, err := os.Stat(filepath.Join(l.root, target)); os.IsNotExist(err) {
			if fallbacks := child.FindChildren("fallback"); len(fallbacks) > 0 {
				logg.Debug("include target %s does not exist, using fallback", target)
				for _, fb := range fallbacks {
					expanded = append(expanded, fb.Children...)
				}
				continue
			}
			return nil, fmt.Errorf("include target %s does not exist", target)
		}

		seen[target] = true
		doc, nested, err := l.parseFile(target, seen)
		delete(seen, target)
		if err != nil {
			return nil, fmt.Errorf("while including %s: %w", target, err)
		}
		includes = append(includes, target)
		includes = append(includes, nested...)
		expanded = append(expanded, doc.Children...)
	}
	e.Children = expanded
	return includes, nil
}

// ListFiles returns the sorted file names (not paths) inside the given
// repo-relative directory. A missing directory yields an empty list, since a
// repository does not need to provide every plugin's subtree.
func (l *Loader) ListFiles(relDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, relDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the raw contents of a repository file, without caching.
// It is used for non-XML payloads such as probe scripts.
func (l *Loader) ReadFile(relPath string) (string, error) {
	buf, err := os.ReadFile(filepath.Join(l.root, filepath.Clean(relPath)))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Invalidate drops cached documents affected by a change to the given
// repo-relative path. Documents that had spliced the changed file in via an
// include are dropped as well. Changed files are reparsed on next access,
// retaining the previous good version if the reparse fails.
func (l *Loader) Invalidate(relPath string) {
	relPath = filepath.Clean(relPath)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	old := *l.cache.Load()
	next := make(docCache, len(old))
	for path, entry := range old {
		if path == relPath || entry.dependsOn(relPath) {
			// eager reparse keeps the last-good retention intact
			next[path] = l.parse(path, entry)
		} else {
			next[path] = entry
		}
	}
	l.cache.Store(&next)
	l.generation.Add(1)
	degradedGauge.Set(float64(len(l.DegradedFiles())))
}

// InvalidateAll drops the entire document cache.
func (l *Loader) InvalidateAll() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	empty := docCache{}
	l.cache.Store(&empty)
	l.generation.Add(1)
	degradedGauge.Set(0)
}

func (e *docEntry) dependsOn(relPath string) bool {
	for _, inc := range e.includes {
		if inc == relPath {
			return true
		}
	}
	return false
}

// DegradedFiles returns the paths of cached documents whose most recent parse
// failed and that are being served from a previous good version.
func (l *Loader) DegradedFiles() []string {
	var result []string
	for path, entry := range *l.cache.Load() {
		if entry.err != nil && entry.doc != nil {
			result = append(result, path)
		}
	}
	sort.Strings(result)
	return result
}
