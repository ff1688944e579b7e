package recorder

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/zachfi/streamcue/pkg/segment"
)

type fakeSplitter struct {
	mu   sync.Mutex
	dirs []string
}

func (f *fakeSplitter) Run(_ context.Context, dir string) (segment.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, dir)
	return segment.Report{Dir: dir}, nil
}

func (f *fakeSplitter) split() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dirs...)
}

func testRecorder(t *testing.T, cfg Config, splitter Splitter, status StatusSource, open StreamOpener) *Recorder {
	t.Helper()

	r := newRecorder(cfg, splitter, discardLogger())
	r.status = status
	r.open = open
	return r
}

func TestRecorderRestartsAfterFault(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	cfg.CueOnly = false
	cfg.ReconnectBackoff = time.Millisecond
	cfg.ReconnectBackoffMax = 2 * time.Millisecond

	var mu sync.Mutex
	opened := 0
	open := func(context.Context) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		opened++
		return &chunkStream{data: []byte("audio"), chunk: 8, err: errors.New("connection reset")}, nil
	}

	splitter := &fakeSplitter{}
	r := testRecorder(t, cfg, splitter, &fakeStatus{title: "A"}, open)

	ctx := context.Background()
	if err := services.StartAndAwaitRunning(ctx, r); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "split sessions", func() bool { return len(splitter.split()) >= 2 })
	if err := services.StopAndAwaitTerminated(ctx, r); err != nil {
		t.Fatal(err)
	}

	dirs := splitter.split()
	seen := map[string]bool{}
	for _, d := range dirs {
		if seen[d] {
			t.Fatalf("session dir %s split twice", d)
		}
		seen[d] = true
	}
	mu.Lock()
	defer mu.Unlock()
	if opened < len(dirs) {
		t.Fatalf("expected a new connection per session, got %d for %d sessions", opened, len(dirs))
	}
}

func TestRecorderSplitsOnStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())
	cfg.CueOnly = false

	status := &fakeStatus{title: "A"}
	splitter := &fakeSplitter{}
	r := testRecorder(t, cfg, splitter, status, func(context.Context) (io.ReadCloser, error) {
		return &endlessStream{}, nil
	})

	ctx := context.Background()
	if err := services.StartAndAwaitRunning(ctx, r); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "recording", func() bool { return status.count() >= 2 })
	if err := services.StopAndAwaitTerminated(ctx, r); err != nil {
		t.Fatal(err)
	}

	// Stopping waits for queued sessions to be split.
	if dirs := splitter.split(); len(dirs) != 1 {
		t.Fatalf("expected the cancelled session to be split, got %v", dirs)
	}
}

func TestRecorderCueOnlySkipsSplitting(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t.TempDir())

	status := &fakeStatus{title: "A"}
	splitter := &fakeSplitter{}
	r := testRecorder(t, cfg, splitter, status, noStream)

	ctx := context.Background()
	if err := services.StartAndAwaitRunning(ctx, r); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "recording", func() bool { return status.count() >= 2 })
	if err := services.StopAndAwaitTerminated(ctx, r); err != nil {
		t.Fatal(err)
	}

	if dirs := splitter.split(); len(dirs) != 0 {
		t.Fatalf("cue-only sessions have no audio to split, got %v", dirs)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil, discardLogger()); err == nil {
		t.Fatalf("expected an error without a stream URL")
	}

	r, err := New(Config{StreamURL: "http://example.org:8000/live", ChunkSize: 1, TickInterval: time.Second}, nil, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if r.dj != nil {
		t.Fatalf("DJ tracking must be off without a DJ page")
	}
	if r.cfg.statusURL() != "http://example.org:8000/status-json.xsl" {
		t.Fatalf("unexpected status URL %s", r.cfg.statusURL())
	}
}
