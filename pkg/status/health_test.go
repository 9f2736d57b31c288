package status_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"loom/pkg/status"
)

func TestParseHealth(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		score    float64
		critical int
		warnings int
		wantErr  bool
	}{
		{"nested issues", `{"health_score":7.5,"issues":{"critical":2,"warnings":5}}`, 7.5, 2, 5, false},
		{"flat counts", `{"health_score":9,"critical_count":0,"warning_count":1}`, 9, 0, 1, false},
		{"score only", `{"health_score":4.2}`, 4.2, 0, 0, false},
		{"missing score", `{"issues":{"critical":1}}`, 0, 0, 0, true},
		{"not json", `score: 7`, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := status.ParseHealth([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if h.HealthScore != tt.score || h.CriticalCount != tt.critical || h.WarningCount != tt.warnings {
				t.Errorf("ParseHealth = %+v", h)
			}
		})
	}
}

func TestFileHealthSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "health.json")
	src := &status.FileHealthSource{Path: path}

	if _, err := src.Health(context.Background()); err == nil {
		t.Fatal("missing report should error")
	}
	if err := os.WriteFile(path, []byte(`{"health_score":6.0,"issues":{"critical":1,"warnings":0}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	h, err := src.Health(context.Background())
	if err != nil || h.HealthScore != 6 || h.CriticalCount != 1 {
		t.Errorf("Health = %+v, %v", h, err)
	}
}

type fakeRunner struct {
	out  []byte
	err  error
	name string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.name, f.args = name, args
	return f.out, f.err
}

func TestCommandHealthSource(t *testing.T) {
	r := &fakeRunner{out: []byte(`{"health_score":8.1,"critical_count":0,"warning_count":2}`)}
	src := &status.CommandHealthSource{Runner: r, Command: []string{"audit", "--json"}}

	h, err := src.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.HealthScore != 8.1 || h.WarningCount != 2 {
		t.Errorf("Health = %+v", h)
	}
	if r.name != "audit" || len(r.args) != 1 || r.args[0] != "--json" {
		t.Errorf("ran %s %v", r.name, r.args)
	}

	r.err = errors.New("exit status 1")
	if _, err := src.Health(context.Background()); err == nil {
		t.Error("runner failure should propagate")
	}

	empty := &status.CommandHealthSource{Runner: r}
	if _, err := empty.Health(context.Background()); err == nil {
		t.Error("empty command should error")
	}
}
