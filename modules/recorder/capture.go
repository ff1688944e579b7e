package recorder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zachfi/streamcue/pkg/mp3"
	"github.com/zachfi/streamcue/pkg/segment"
)

// maxSyncLookahead bounds how much of a session's first bytes are searched
// for an MP3 frame before writing them as they are.
const maxSyncLookahead = 8192

// ErrStreamEnded is reported when the server closes the stream.
var ErrStreamEnded = errors.New("stream ended")

type CaptureConfig struct {
	ChunkSize          int
	MaxSegmentDuration time.Duration
	FrameSync          bool
	StopGrace          time.Duration
}

// CaptureWriter copies a live stream into rotating raw segment files. It runs
// on its own goroutine from StartCapture until the stream fails or Stop is
// called.
type CaptureWriter struct {
	cfg    CaptureConfig
	dir    string
	stream io.ReadCloser
	logger *slog.Logger
	now    func() time.Time

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	err       error // written before done is closed

	segments atomic.Int64
	bytes    atomic.Int64
}

type CaptureOption func(*CaptureWriter)

func WithCaptureClock(now func() time.Time) CaptureOption {
	return func(w *CaptureWriter) { w.now = now }
}

func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(w *CaptureWriter) { w.logger = l }
}

// StartCapture begins writing stream into dir. The writer owns stream and
// closes it on exit.
func StartCapture(stream io.ReadCloser, dir string, cfg CaptureConfig, opts ...CaptureOption) *CaptureWriter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxSegmentDuration <= 0 {
		cfg.MaxSegmentDuration = defaultMaxSegmentDuration
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}

	w := &CaptureWriter{
		cfg:    cfg,
		dir:    dir,
		stream: stream,
		logger: slog.Default(),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	go w.run()

	return w
}

func (w *CaptureWriter) run() {
	defer close(w.done)
	defer w.closeStream()

	err := w.copy()
	if err != nil && w.stopRequested() {
		// Reads fail once Stop closes a blocked stream.
		err = nil
	}
	w.err = err

	w.logger.Debug("capture finished",
		"segments", w.segments.Load(),
		"size", humanize.Bytes(uint64(w.bytes.Load())),
		"err", err,
	)
}

func (w *CaptureWriter) copy() error {
	index := 0
	f, err := w.create(index)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	lastRotation := w.now()

	var (
		buf     = make([]byte, w.cfg.ChunkSize)
		pending []byte
		synced  = !w.cfg.FrameSync
	)

	write := func(data []byte) error {
		if now := w.now(); now.Sub(lastRotation) > w.cfg.MaxSegmentDuration {
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close segment %d: %w", index, err)
			}
			index++
			if f, err = w.create(index); err != nil {
				return err
			}
			lastRotation = now
			rotationsTotal.Inc()
		}

		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("failed to write segment %d: %w", index, err)
		}
		w.bytes.Add(int64(len(data)))
		capturedBytesTotal.Add(float64(len(data)))
		return nil
	}

	// The stream may end before a sync word shows up; keep what was read.
	flush := func() error {
		if synced || len(pending) == 0 {
			return nil
		}
		synced = true
		return write(pending)
	}

	for {
		n, readErr := w.stream.Read(buf)
		if n > 0 {
			data := buf[:n]

			if !synced {
				pending = append(pending, data...)
				data = nil
				if pos := mp3.FindSync(pending); pos >= 0 {
					data = pending[pos:]
					synced = true
				} else if len(pending) > maxSyncLookahead {
					w.logger.Warn("no MP3 frame sync found in first 8KB, writing anyway")
					data = pending
					synced = true
				}
			}

			if len(data) > 0 {
				if err := write(data); err != nil {
					return err
				}
			}
		}

		if readErr != nil {
			if err := flush(); err != nil {
				return err
			}
			if readErr == io.EOF {
				return ErrStreamEnded
			}
			return fmt.Errorf("stream read failed: %w", readErr)
		}

		if w.stopRequested() {
			return flush()
		}
	}
}

func (w *CaptureWriter) create(index int) (*os.File, error) {
	f, err := os.OpenFile(segment.RawPath(w.dir, index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %d: %w", index, err)
	}
	w.segments.Store(int64(index + 1))
	return f, nil
}

func (w *CaptureWriter) stopRequested() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *CaptureWriter) closeStream() {
	w.closeOnce.Do(func() {
		_ = w.stream.Close()
	})
}

// Stop asks the writer to finish after its current chunk and waits for it to
// exit. A writer blocked on the network is unblocked by closing the stream
// after the stop grace period.
func (w *CaptureWriter) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })

	select {
	case <-w.done:
	case <-time.After(w.cfg.StopGrace):
		w.logger.Debug("capture blocked on read, closing stream")
		w.closeStream()
		<-w.done
	}

	return w.err
}

// Done is closed when the writer exits for any reason.
func (w *CaptureWriter) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the writer is still running.
func (w *CaptureWriter) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Err is the fault that ended the writer, nil while it runs or after a
// requested stop.
func (w *CaptureWriter) Err() error {
	if w.Alive() {
		return nil
	}
	return w.err
}

// Segments is the number of raw segment files written.
func (w *CaptureWriter) Segments() int {
	return int(w.segments.Load())
}

// Bytes is the number of audio bytes written.
func (w *CaptureWriter) Bytes() int64 {
	return w.bytes.Load()
}
