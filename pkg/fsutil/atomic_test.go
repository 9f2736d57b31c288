package fsutil_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"loom/pkg/fsutil"
)

func TestWriteFileAtomic_CreatesParentAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "status.json")

	if err := fsutil.WriteFileAtomic(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := fsutil.WriteFileAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("content = %q, want %q", got, "two")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestWriteFileAtomic_ConcurrentReadersNeverSeeTornContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	a := bytes.Repeat([]byte("a"), 64*1024)
	b := bytes.Repeat([]byte("b"), 64*1024)
	if err := fsutil.WriteFileAtomic(path, a, 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if !bytes.Equal(data, a) && !bytes.Equal(data, b) {
				select {
				case errs <- "reader observed torn content":
				default:
				}
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		payload := a
		if i%2 == 0 {
			payload = b
		}
		if err := fsutil.WriteFileAtomic(path, payload, 0o600); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
}

func TestReadJSON_MissingFile(t *testing.T) {
	var v map[string]any
	err := fsutil.ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if !fsutil.IsNotExist(err) {
		t.Fatalf("ReadJSON on missing file: err = %v, want not-exist", err)
	}
}

func TestWriteJSONAtomic_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pin.json")
	in := map[string]string{"context_id": "dev"}
	if err := fsutil.WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	var out map[string]string
	if err := fsutil.ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if out["context_id"] != "dev" {
		t.Errorf("context_id = %q, want dev", out["context_id"])
	}
}
