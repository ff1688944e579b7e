package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zachfi/streamcue/pkg/cuelog"
	"github.com/zachfi/streamcue/pkg/djsource"
	"github.com/zachfi/streamcue/pkg/fsutil"
	"github.com/zachfi/streamcue/pkg/segment"
	"github.com/zachfi/streamcue/pkg/shoutcast"
)

type State int

const (
	AwaitingDj State = iota
	Recording
	Ended
)

func (s State) String() string {
	switch s {
	case AwaitingDj:
		return "awaiting_dj"
	case Recording:
		return "recording"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Result is what one tick of a recording session decided.
type Result int

const (
	Continue Result = iota
	NewDj
	Excluded
	StreamFault
	Cancelled
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case NewDj:
		return "new_dj"
	case Excluded:
		return "excluded"
	case StreamFault:
		return "stream_fault"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome describes how a session ended. Dir is empty when the session ended
// before anything was recorded.
type Outcome struct {
	Reason Result
	Dir    string
	Err    error
}

// StatusSource reports the stream's current state.
type StatusSource interface {
	Poll(ctx context.Context) (shoutcast.Snapshot, error)
}

// DJSource identifies who is on air.
type DJSource interface {
	Name(ctx context.Context) (string, error)
	Art(ctx context.Context) (djsource.Art, error)
}

// StreamOpener connects to the audio stream.
type StreamOpener func(ctx context.Context) (io.ReadCloser, error)

// Session records one stretch of the stream, from a DJ taking over (or the
// start of recording) until the DJ changes, the stream fails or the context
// is cancelled.
type Session struct {
	cfg    Config
	logger *slog.Logger
	status StatusSource
	dj     DJSource
	open   StreamOpener
	now    func() time.Time

	state  State
	djName string
	dir    string
	cue    *cuelog.Writer
	writer *CaptureWriter

	latest   atomic.Pointer[shoutcast.Snapshot]
	watchErr chan error

	title      string
	titleStart time.Time
	bitrate    int
	ext        string
	boundaries int
	fault      error
}

type SessionOption func(*Session)

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// NewSession prepares a session. dj is nil when DJ tracking is off.
func NewSession(cfg Config, logger *slog.Logger, status StatusSource, dj DJSource, open StreamOpener, opts ...SessionOption) *Session {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.DJ.CheckInterval <= 0 {
		cfg.DJ.CheckInterval = 5 * time.Second
	}

	s := &Session{
		cfg:      cfg,
		logger:   logger,
		status:   status,
		dj:       dj,
		open:     open,
		now:      time.Now,
		watchErr: make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}

	return s
}

func (s *Session) State() State {
	return s.state
}

// Run drives the session to its end. It must be called once.
func (s *Session) Run(ctx context.Context) Outcome {
	s.state = AwaitingDj
	if s.dj != nil {
		if res := s.awaitDj(ctx); res != Continue {
			s.state = Ended
			return Outcome{Reason: res}
		}
	}

	if err := s.begin(ctx); err != nil {
		s.state = Ended
		s.abandon()
		if ctx.Err() != nil {
			return Outcome{Reason: Cancelled}
		}
		return Outcome{Reason: StreamFault, Err: err}
	}
	s.state = Recording

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watch(watchCtx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		res := Continue
		select {
		case <-ctx.Done():
			res = Cancelled
		case <-ticker.C:
			res = s.tick(ctx)
		}
		if res != Continue {
			return s.end(res)
		}
	}
}

func (s *Session) awaitDj(ctx context.Context) Result {
	ticker := time.NewTicker(s.cfg.DJ.CheckInterval)
	defer ticker.Stop()

	for {
		name, err := s.dj.Name(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Cancelled
			}
			s.logger.Warn("failed to check DJ", "err", err)
		case name == "":
			s.logger.Debug("no DJ on air")
		case s.cfg.DJ.Excluded(name):
			s.logger.Info("excluded DJ on air, waiting", "dj", name)
		default:
			s.djName = name
			return Continue
		}

		select {
		case <-ctx.Done():
			return Cancelled
		case <-ticker.C:
		}
	}
}

// begin creates the session directory and starts capturing.
func (s *Session) begin(ctx context.Context) error {
	snap, err := s.status.Poll(ctx)
	if err != nil {
		return fmt.Errorf("initial status poll: %w", err)
	}
	s.observe(snap)

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recording dir: %w", err)
	}
	dir, err := s.makeDir()
	if err != nil {
		return err
	}
	s.dir = dir

	if s.cue, err = cuelog.Create(filepath.Join(dir, cuelog.FileName)); err != nil {
		return err
	}

	if s.dj != nil {
		if err := s.cue.Append(cuelog.NewDjChange(s.djName, s.saveArt(ctx))); err != nil {
			return err
		}
		s.logger.Info("DJ has taken over the stream", "dj", s.djName)
	}

	if !s.cfg.CueOnly {
		stream, err := s.open(ctx)
		if err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}
		s.writer = StartCapture(stream, dir, CaptureConfig{
			ChunkSize:          s.cfg.ChunkSize,
			MaxSegmentDuration: s.cfg.MaxSegmentDuration,
			FrameSync:          s.cfg.FrameSync,
			StopGrace:          s.cfg.StopGrace,
		}, WithCaptureClock(s.now), WithCaptureLogger(s.logger))
	}

	s.logger.Info("recording", "dir", dir, "title", snap.Title, "bitrate", snap.Bitrate, "listeners", snap.Listeners)
	s.startTitle(snap, s.now())

	return nil
}

// abandon removes a session that failed before recording anything.
func (s *Session) abandon() {
	if s.cue != nil {
		_ = s.cue.Close()
	}
	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			s.logger.Warn("failed to remove abandoned session", "dir", s.dir, "err", err)
		}
		s.dir = ""
	}
}

// watch keeps the latest snapshot fresh until ctx ends or polling fails.
func (s *Session) watch(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := s.status.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.watchErr <- err
			}
			return
		}
		s.observe(snap)
	}
}

func (s *Session) observe(snap shoutcast.Snapshot) {
	s.latest.Store(&snap)
	listenersGauge.Set(float64(snap.Listeners))
	bitrateGauge.Set(float64(snap.Bitrate))
}

// tick checks for the end of the session and for a new title.
func (s *Session) tick(ctx context.Context) Result {
	if ctx.Err() != nil {
		return Cancelled
	}

	select {
	case err := <-s.watchErr:
		s.fault = err
		return StreamFault
	default:
	}

	if s.writer != nil && !s.writer.Alive() {
		s.fault = s.writer.Err()
		if s.fault == nil {
			s.fault = ErrStreamEnded
		}
		return StreamFault
	}

	snap := s.latest.Load()
	if snap == nil || snap.Title == s.title {
		return Continue
	}

	// The next title starts exactly where the last one ended.
	now := s.now()
	if err := s.boundary(true, now); err != nil {
		s.fault = err
		return StreamFault
	}
	s.startTitle(*snap, now)

	if s.dj == nil {
		return Continue
	}

	name, err := s.dj.Name(ctx)
	switch {
	case err != nil:
		s.logger.Warn("failed to check DJ", "err", err)
		return Continue
	case name == "" || name == s.djName:
		return Continue
	case s.cfg.DJ.Excluded(name):
		s.logger.Info("excluded DJ detected", "dj", name)
		return Excluded
	default:
		s.logger.Info("new DJ detected", "dj", name, "previous", s.djName)
		return NewDj
	}
}

// boundary closes the current title. Only a title change closes a title
// completely, and never the first of a session since its start was missed.
func (s *Session) boundary(changed bool, now time.Time) error {
	b := cuelog.SongBoundary{
		Title:     s.title,
		Duration:  now.Sub(s.titleStart).Seconds(),
		DJ:        s.djName,
		Complete:  changed && s.boundaries > 0,
		Bitrate:   s.bitrate,
		Extension: s.ext,
		At:        now,
	}
	s.boundaries++

	if err := s.cue.Append(cuelog.NewSongBoundary(b)); err != nil {
		return fmt.Errorf("failed to write song boundary: %w", err)
	}
	titleChangesTotal.Inc()

	s.logger.Info("song finished",
		"index", s.boundaries,
		"title", b.Title,
		"duration", time.Duration(b.Duration*float64(time.Second)).Round(time.Millisecond),
		"complete", b.Complete,
	)
	return nil
}

func (s *Session) startTitle(snap shoutcast.Snapshot, now time.Time) {
	s.title = snap.Title
	s.titleStart = now
	s.bitrate = snap.Bitrate
	s.ext = snap.Extension()

	s.logger.Info("now playing", "index", s.boundaries+1, "title", snap.Title, "placeholder", snap.Placeholder)
}

func (s *Session) end(res Result) Outcome {
	s.state = Ended
	out := Outcome{Reason: res, Dir: s.dir}

	switch res {
	case Cancelled, StreamFault:
		// The song in progress is cut short; keep its audio attributable.
		if err := s.boundary(false, s.now()); err != nil {
			s.logger.Error("failed to finalize song", "err", err)
		}
	}
	if res == StreamFault {
		out.Err = s.fault
	}

	if s.writer != nil {
		if err := s.writer.Stop(); err != nil && res != StreamFault {
			s.logger.Warn("capture stopped with error", "err", err)
		}
		s.logger.Info("capture stopped",
			"segments", s.writer.Segments(),
			"size", humanize.Bytes(uint64(s.writer.Bytes())),
		)
	}
	if err := s.cue.Close(); err != nil {
		s.logger.Error("failed to close cue log", "err", err)
	}

	return out
}

// saveArt stores the DJ's picture next to the recording and returns its
// extension, or empty when there is none.
func (s *Session) saveArt(ctx context.Context) string {
	art, err := s.dj.Art(ctx)
	if err != nil {
		if errors.Is(err, djsource.ErrNoImage) {
			s.logger.Debug("DJ has no art", "dj", s.djName)
		} else {
			s.logger.Warn("failed to fetch DJ art", "dj", s.djName, "err", err)
		}
		return ""
	}

	f, err := os.CreateTemp(s.dir, ".art-*")
	if err != nil {
		s.logger.Warn("failed to save DJ art", "err", err)
		return ""
	}
	_, err = f.Write(art.Data)
	if err == nil {
		err = f.Chmod(0o644)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = fsutil.CommitTemp(ctx, f.Name(), segment.ArtPath(s.dir, s.djName, art.Extension), s.cfg.PollTimeout)
	} else {
		_ = os.Remove(f.Name())
	}
	if err != nil {
		s.logger.Warn("failed to save DJ art", "err", err)
		return ""
	}

	return art.Extension
}

// makeDir creates the session directory. A session restarted within the same
// second takes the next free second.
func (s *Session) makeDir() (string, error) {
	start := s.now()
	for i := 0; i < 60; i++ {
		dir := filepath.Join(s.cfg.Dir, sessionDirName(start.Add(time.Duration(i)*time.Second), s.djName))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create session dir: %w", err)
		}
	}
	return "", fmt.Errorf("no free session dir in %s", s.cfg.Dir)
}

// sessionDirName is "{unix}" or "{unix} {dj}".
func sessionDirName(now time.Time, dj string) string {
	name := strconv.FormatInt(now.Unix(), 10)
	if dj = segment.CleanTitle(dj, 0); dj != "" {
		name += " " + dj
	}
	return name
}
