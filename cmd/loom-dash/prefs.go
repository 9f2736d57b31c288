package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"loom/pkg/fsutil"
)

// Prefs are the dashboard choices remembered between runs.
type Prefs struct {
	Mode  string `toml:"mode"`
	Theme string `toml:"theme"`
}

// loadPrefs reads dashboard.toml. A missing file yields zero Prefs and no
// error; a corrupt one yields zero Prefs and the parse error.
func loadPrefs(path string) (Prefs, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is resolved by the application
	if err != nil {
		if fsutil.IsNotExist(err) {
			return Prefs{}, nil
		}
		return Prefs{}, fmt.Errorf("read prefs: %w", err)
	}
	var p Prefs
	if err := toml.Unmarshal(data, &p); err != nil {
		return Prefs{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return normalizePrefs(p), nil
}

// savePrefs replaces dashboard.toml atomically.
func savePrefs(path string, p Prefs) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(normalizePrefs(p)); err != nil {
		return fmt.Errorf("encode prefs: %w", err)
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o600)
}

func normalizePrefs(p Prefs) Prefs {
	out := Prefs{}
	if m, err := parseMode(p.Mode); err == nil {
		out.Mode = m.String()
	}
	if _, ok := flavors[strings.ToLower(strings.TrimSpace(p.Theme))]; ok {
		out.Theme = strings.ToLower(strings.TrimSpace(p.Theme))
	}
	return out
}
