package notify

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/your-org/owwatchd/internal/classify"
	"github.com/your-org/owwatchd/internal/model"
)

func TestFileWriterAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	first := testAlert()
	second := testAlert()
	second.Path = "/tmp/evil.d"
	second.Kind = model.KindDirectory
	for _, a := range []classify.Alert{first, second} {
		if err := w.Write(a); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []classify.Alert
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var a classify.Alert
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", len(got)+1, err)
		}
		got = append(got, a)
	}
	if len(got) != 2 {
		t.Fatalf("read %d alerts, want 2", len(got))
	}
	if got[0].Path != first.Path || got[0].Kind != first.Kind {
		t.Fatalf("first alert round-tripped as %+v", got[0])
	}
	if got[1].Path != second.Path || got[1].Kind != model.KindDirectory {
		t.Fatalf("second alert round-tripped as %+v", got[1])
	}
}

func TestFileWriterRejectsWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(testAlert()); err == nil {
		t.Fatal("Write succeeded on a closed writer")
	}
	// Close is idempotent.
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
