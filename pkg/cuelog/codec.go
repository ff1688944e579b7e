package cuelog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrCorrupt is returned when a record other than the last cannot be decoded.
var ErrCorrupt = errors.New("cue log corrupt")

// FileName is the cue log's name inside a session directory.
const FileName = "cue.log"

// Writer appends records to a cue log file. Each Append is synced before it
// returns so a crash loses at most the record being written.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open cue log: %w", err)
	}
	return &Writer{f: f}, nil
}

func (w *Writer) Append(r Record) error {
	if !r.valid() {
		return fmt.Errorf("invalid %q record", r.Kind)
	}

	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode cue record: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return os.ErrClosed
	}
	if _, err := w.f.Write(b); err != nil {
		return fmt.Errorf("failed to append cue record: %w", err)
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Read decodes every record from r. A final record that is missing its
// newline or cannot be decoded is treated as truncated and dropped.
func Read(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("failed to read cue log: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	// The element after the last newline is either empty or a partial record.
	lines = lines[:len(lines)-1]

	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || !rec.valid() {
			if i == len(lines)-1 {
				break
			}
			return records, fmt.Errorf("%w: line %d", ErrCorrupt, i+1)
		}
		records = append(records, rec)
	}

	return records, nil
}

func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f)
}
