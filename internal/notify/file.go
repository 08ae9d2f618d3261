package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/your-org/owwatchd/internal/classify"
)

// FileWriter appends alerts to a local file, one JSON object per line.
// Syslog delivery may drop alerts; this file keeps the local record. 0600
// because alerted paths can reveal what other users are doing in shared
// directories.
type FileWriter struct {
	mu      sync.Mutex
	f       *os.File
	encoder *json.Encoder
}

func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open alerts file: %w", err)
	}
	return &FileWriter{
		f:       f,
		encoder: json.NewEncoder(f),
	}, nil
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *FileWriter) Write(a classify.Alert) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return fmt.Errorf("alerts file writer closed")
	}
	if err := w.encoder.Encode(a); err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return nil
}
