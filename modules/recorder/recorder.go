package recorder

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zachfi/streamcue/pkg/djsource"
	"github.com/zachfi/streamcue/pkg/segment"
	"github.com/zachfi/streamcue/pkg/shoutcast"
)

var module = "recorder"

// Splitter turns a finished session into songs.
type Splitter interface {
	Run(ctx context.Context, dir string) (segment.Report, error)
}

// Recorder runs recording sessions back to back and hands each finished
// session to a pool of splitters, so splitting never holds up the capture.
type Recorder struct {
	services.Service

	cfg      *Config
	logger   *slog.Logger
	status   StatusSource
	dj       DJSource
	open     StreamOpener
	splitter Splitter

	stream atomic.Pointer[shoutcast.Stream]

	queue   chan string
	workers *errgroup.Group
}

// New creates a Recorder for the configured stream. A nil splitter leaves
// sessions unsplit.
func New(cfg Config, splitter Splitter, logger *slog.Logger) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid recorder config")
	}

	r := newRecorder(cfg, splitter, logger)

	var fallbacks []shoutcast.TitleFallback
	if cfg.DJ.Enabled() {
		src := djsource.New(cfg.DJ, nil)
		r.dj = src
		fallbacks = append(fallbacks, src.NowPlaying)
	}
	fallbacks = append(fallbacks, r.icyTitle)

	r.status = shoutcast.NewStatusPoller(cfg.statusURL(), shoutcast.PollerConfig{
		RetryInterval: cfg.PollRetryInterval,
		Timeout:       cfg.PollTimeout,
	}, r.logger,
		shoutcast.WithTitleFallbacks(fallbacks...),
		shoutcast.WithFailureCounter(statusFailuresTotal),
	)
	r.open = r.openStream

	return r, nil
}

func newRecorder(cfg Config, splitter Splitter, logger *slog.Logger) *Recorder {
	if cfg.SegmentWorkers <= 0 {
		cfg.SegmentWorkers = defaultSegmentWorkers
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	r := &Recorder{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		splitter: splitter,
	}
	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r
}

func (r *Recorder) starting(_ context.Context) error {
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create recording dir")
	}

	r.queue = make(chan string, r.cfg.QueueSize)
	r.workers = &errgroup.Group{}
	for i := 0; i < r.cfg.SegmentWorkers; i++ {
		r.workers.Go(r.splitWorker)
	}

	return nil
}

func (r *Recorder) running(ctx context.Context) error {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: r.cfg.ReconnectBackoff,
		MaxBackoff: r.cfg.ReconnectBackoffMax,
	})

	for {
		session := NewSession(*r.cfg, r.logger, r.status, r.dj, r.open)
		out := session.Run(ctx)
		sessionsTotal.WithLabelValues(out.Reason.String()).Inc()
		r.enqueue(out.Dir)

		switch out.Reason {
		case Cancelled:
			r.logger.Info("recording cancelled", "dir", out.Dir)
			return nil
		case StreamFault:
			r.logger.Warn("stream fault, restarting session", "err", out.Err, "retries", b.NumRetries())
			b.Wait()
			if ctx.Err() != nil {
				return nil
			}
		default:
			r.logger.Info("session ended, starting next", "reason", out.Reason.String(), "dir", out.Dir)
			b.Reset()
		}
	}
}

func (r *Recorder) stopping(_ error) error {
	r.logger.Info("stopping")

	if r.queue == nil {
		return nil
	}
	// Sessions already queued are still split.
	close(r.queue)
	return r.workers.Wait()
}

// enqueue hands a finished session to the split workers. It blocks while the
// queue is full.
func (r *Recorder) enqueue(dir string) {
	if dir == "" || r.cfg.CueOnly || r.splitter == nil {
		return
	}
	queueDepth.Inc()
	r.queue <- dir
}

func (r *Recorder) splitWorker() error {
	for dir := range r.queue {
		queueDepth.Dec()

		report, err := r.splitter.Run(context.Background(), dir)
		if err != nil {
			r.logger.Error("failed to split session", "dir", dir, "err", err)
			continue
		}
		r.logger.Info("session split", "dir", dir, "songs", report.Songs, "exported", report.Exported)
	}
	return nil
}

func (r *Recorder) openStream(ctx context.Context) (io.ReadCloser, error) {
	// The capture writer decides when the connection ends, not the session
	// context.
	s, err := shoutcast.Open(context.WithoutCancel(ctx), r.cfg.StreamURL)
	if err != nil {
		return nil, err
	}

	s.MetadataCallbackFunc = func(m *shoutcast.Metadata) {
		r.logger.Debug("now listening to", "title", m.StreamTitle)
	}
	r.stream.Store(s)

	r.logger.Info("stream opened", "name", s.Name, "content_type", s.ContentType, "bitrate", s.Bitrate)
	return s, nil
}

// icyTitle is the last in-band title seen on the capture stream.
func (r *Recorder) icyTitle(context.Context) string {
	if s := r.stream.Load(); s != nil {
		return s.Title()
	}
	return ""
}
