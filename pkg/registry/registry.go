// Package registry loads the WatchedContext registry (contexts.yaml): which
// contexts exist, which directories each one owns, and which message types
// each context may hand off to the others.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"loom/pkg/protocol"
)

// DefaultIgnore lists directory names never watched.
var DefaultIgnore = []string{".git", "node_modules", "__pycache__", protocol.LoomDir}

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Context is one WatchedContext. Paths are absolute and cleaned.
type Context struct {
	ID          string
	Name        string
	Prefix      string
	Coordinator bool
	Paths       []string
}

// DisplayName returns Name, falling back to ID.
func (c Context) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Registry is immutable once loaded.
type Registry struct {
	Path     string
	Root     string
	Contexts []Context
	Ignore   []string

	rules map[string]map[string][]string
	byID  map[string]int
}

type fileFormat struct {
	Root         string                         `yaml:"root"`
	Contexts     []contextEntry                 `yaml:"contexts"`
	HandoffRules map[string]map[string][]string `yaml:"handoff_rules"`
	Ignore       []string                       `yaml:"ignore"`
}

type contextEntry struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Prefix      string   `yaml:"prefix"`
	Coordinator bool     `yaml:"coordinator"`
	Paths       []string `yaml:"paths"`
}

// Load reads and validates the registry at path. Any problem is a
// *protocol.ConfigError.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // registry path is user-provided by design
	if err != nil {
		return nil, &protocol.ConfigError{Path: path, Reason: "read registry", Err: err}
	}
	return Parse(data, path)
}

// Parse decodes registry YAML. path anchors relative watched paths and is
// used in error messages.
func Parse(data []byte, path string) (*Registry, error) {
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, &protocol.ConfigError{Path: path, Reason: "parse registry", Err: err}
	}

	r := &Registry{
		Path:  path,
		Root:  resolveRoot(path, f.Root),
		rules: f.HandoffRules,
		byID:  make(map[string]int, len(f.Contexts)),
	}
	if len(f.Contexts) == 0 {
		return nil, &protocol.ConfigError{Path: path, Field: "contexts", Reason: "at least one context is required"}
	}

	for i, e := range f.Contexts {
		field := fmt.Sprintf("contexts[%d]", i)
		id := strings.TrimSpace(e.ID)
		switch {
		case id == "":
			return nil, &protocol.ConfigError{Path: path, Field: field + ".id", Reason: "id is required"}
		case id == protocol.Broadcast:
			return nil, &protocol.ConfigError{Path: path, Field: field + ".id", Reason: fmt.Sprintf("%q is reserved", protocol.Broadcast)}
		case !idPattern.MatchString(id):
			return nil, &protocol.ConfigError{Path: path, Field: field + ".id", Reason: fmt.Sprintf("id %q must match %s", id, idPattern)}
		}
		if _, dup := r.byID[id]; dup {
			return nil, &protocol.ConfigError{Path: path, Field: field + ".id", Reason: fmt.Sprintf("duplicate id %q", id)}
		}

		prefix := strings.TrimSpace(e.Prefix)
		if prefix == "" {
			prefix = strings.ToUpper(id[:1])
		}

		paths := make([]string, 0, len(e.Paths))
		for j, p := range e.Paths {
			if strings.TrimSpace(p) == "" {
				return nil, &protocol.ConfigError{Path: path, Field: fmt.Sprintf("%s.paths[%d]", field, j), Reason: "empty path"}
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(r.Root, p)
			}
			paths = append(paths, filepath.Clean(p))
		}

		r.byID[id] = len(r.Contexts)
		r.Contexts = append(r.Contexts, Context{
			ID:          id,
			Name:        e.Name,
			Prefix:      prefix,
			Coordinator: e.Coordinator,
			Paths:       paths,
		})
	}

	for from, targets := range f.HandoffRules {
		if _, ok := r.byID[from]; !ok {
			return nil, &protocol.ConfigError{Path: path, Field: "handoff_rules." + from, Reason: fmt.Sprintf("unknown sender %q", from)}
		}
		for to, types := range targets {
			if _, ok := r.byID[to]; !ok && to != protocol.Broadcast {
				return nil, &protocol.ConfigError{Path: path, Field: "handoff_rules." + from + "." + to, Reason: fmt.Sprintf("unknown recipient %q", to)}
			}
			for _, typ := range types {
				if strings.TrimSpace(typ) == "" {
					return nil, &protocol.ConfigError{Path: path, Field: "handoff_rules." + from + "." + to, Reason: "empty message type"}
				}
			}
		}
	}

	r.Ignore = f.Ignore
	if r.Ignore == nil {
		r.Ignore = append([]string(nil), DefaultIgnore...)
	}
	return r, nil
}

// resolveRoot anchors relative watched paths. An explicit root is relative to
// the registry file's directory. Without one, a registry inside a .loom
// directory is rooted at that directory's parent, otherwise at its own
// directory.
func resolveRoot(path, root string) string {
	dir := filepath.Dir(path)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if root != "" {
		if filepath.IsAbs(root) {
			return filepath.Clean(root)
		}
		return filepath.Join(dir, root)
	}
	if filepath.Base(dir) == protocol.LoomDir {
		return filepath.Dir(dir)
	}
	return dir
}

// IDs returns context ids in registry order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.Contexts))
	for i, c := range r.Contexts {
		ids[i] = c.ID
	}
	return ids
}

// Context returns the context with id.
func (r *Registry) Context(id string) (Context, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Context{}, false
	}
	return r.Contexts[i], true
}

// Lookup is Context with an error suggesting the closest known id.
func (r *Registry) Lookup(id string) (Context, error) {
	if c, ok := r.Context(id); ok {
		return c, nil
	}
	return Context{}, &protocol.UnknownContextError{ID: id, Suggestion: Suggest(id, r.IDs())}
}

// ValidRecipient accepts a known context id or the broadcast address.
func (r *Registry) ValidRecipient(to string) error {
	if to == protocol.Broadcast {
		return nil
	}
	_, err := r.Lookup(to)
	return err
}

// CheckHandoff enforces handoff_rules for a send. Coordinators may send
// anything; anything may be sent to a coordinator; senders without rules and
// broadcasts are unrestricted.
func (r *Registry) CheckHandoff(from, to, msgType string) error {
	sender, err := r.Lookup(from)
	if err != nil {
		return err
	}
	if err := r.ValidRecipient(to); err != nil {
		return err
	}
	if sender.Coordinator || to == protocol.Broadcast {
		return nil
	}
	if recipient, _ := r.Context(to); recipient.Coordinator {
		return nil
	}
	targets, ok := r.rules[from]
	if !ok {
		return nil
	}
	allowed := targets[to]
	for _, t := range allowed {
		if t == msgType {
			return nil
		}
	}
	return &protocol.HandoffRejectedError{From: from, To: to, Type: msgType, Allowed: append([]string(nil), allowed...)}
}

// ContextForPath attributes an absolute path to the context owning the
// longest watched prefix. Ties go to the context listed first. Paths with an
// ignored directory name below their watched root belong to nobody.
func (r *Registry) ContextForPath(path string) (string, bool) {
	path = filepath.Clean(path)
	best, bestRoot, bestLen := "", "", -1
	for _, c := range r.Contexts {
		for _, root := range c.Paths {
			if !within(path, root) {
				continue
			}
			if len(root) > bestLen {
				best, bestRoot, bestLen = c.ID, root, len(root)
			}
		}
	}
	if bestLen < 0 || r.ignoredBelow(bestRoot, path) {
		return "", false
	}
	return best, true
}

func (r *Registry) ignoredBelow(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, ig := range r.Ignore {
			if part == ig {
				return true
			}
		}
	}
	return false
}

// Rules returns a sorted, human-readable view of handoff rules for display.
func (r *Registry) Rules() []string {
	var out []string
	for from, targets := range r.rules {
		for to, types := range targets {
			out = append(out, fmt.Sprintf("%s -> %s: %s", from, to, strings.Join(types, ", ")))
		}
	}
	sort.Strings(out)
	return out
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
