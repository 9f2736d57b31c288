package main

import (
	"os"
	"strings"
	"testing"
)

func TestREADMEDocumentsCommands(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}

	readmeText := string(content)

	for _, section := range []string{"## Commands", "## Dashboard", "## Files", "## Configuration"} {
		if !strings.Contains(readmeText, section) {
			t.Errorf("README.md missing %s section", section)
		}
	}

	requiredCommands := []string{
		"loom daemon start",
		"loom daemon stop",
		"loom daemon status",
		"loom status",
		"loom messages send",
		"loom messages list",
		"loom session increment",
		"loom session get",
		"loom monitor",
		"loom checkpoint",
		"loom logs",
	}
	for _, c := range requiredCommands {
		if !strings.Contains(readmeText, c) {
			t.Errorf("README.md missing command %q", c)
		}
	}

	for _, env := range []string{"LOOM_HOME", "LOOM_STATUS_PATH", "LOOM_DB_PATH", "LOOM_CONFIG"} {
		if !strings.Contains(readmeText, env) {
			t.Errorf("README.md missing env var %s", env)
		}
	}
}
