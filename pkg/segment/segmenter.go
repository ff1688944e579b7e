// Package segment turns a finished capture session into one audio file per
// song, using the session's cue log to find where each song starts and
// trailing silence to tighten where it ends.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zachfi/zkit/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/streamcue/pkg/catalog"
	"github.com/zachfi/streamcue/pkg/cuelog"
	"github.com/zachfi/streamcue/pkg/fsutil"
	"github.com/zachfi/streamcue/pkg/mp3"
	"github.com/zachfi/streamcue/pkg/tags"
)

// ErrExportFailed is returned when at least one song could not be exported.
// The raw segments are kept so the session can be split again.
var ErrExportFailed = errors.New("export failed")

var (
	exportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcue",
		Subsystem: "segmenter",
		Name:      "exports_total",
		Help:      "Songs exported, by result.",
	}, []string{"result"})
	correctionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamcue",
		Subsystem: "segmenter",
		Name:      "corrections_total",
		Help:      "Song ends moved back to a trailing silence.",
	})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streamcue",
		Subsystem: "segmenter",
		Name:      "run_duration_seconds",
		Help:      "Time taken to split one session.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Catalog records finished exports.
type Catalog interface {
	Put(ctx context.Context, e catalog.Entry) error
}

type Segmenter struct {
	cfg     Config
	logger  *slog.Logger
	tagger  tags.Writer
	decoder mp3.Decoder
	catalog Catalog
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Segmenter)

// WithDecoder replaces the decoder used for silence detection.
func WithDecoder(d mp3.Decoder) Option {
	return func(s *Segmenter) { s.decoder = d }
}

func WithCatalog(c Catalog) Option {
	return func(s *Segmenter) { s.catalog = c }
}

// New returns a Segmenter. A nil tagger exports audio without tags.
func New(cfg Config, logger *slog.Logger, tagger tags.Writer, opts ...Option) *Segmenter {
	cfg = cfg.withDefaults()

	s := &Segmenter{
		cfg:    cfg,
		logger: logger.With("module", "segmenter"),
		tagger: tagger,
		tracer: otel.Tracer("streamcue/segment"),
		now:    time.Now,
	}

	switch cfg.Decoder {
	case DecoderFFmpeg:
		s.decoder = mp3.FFmpegDecoder{Command: cfg.FFmpegPath}
	default:
		s.decoder = mp3.NativeDecoder{}
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Report summarizes one Run.
type Report struct {
	Dir        string
	Songs      int
	Exported   int
	Failed     int
	Corrected  int
	RawRemoved bool
}

// run holds the state of splitting one session. Nothing in it is shared
// between sessions.
type run struct {
	dir      string
	session  string
	cursor   *cursor
	leftover mp3.Clip
	cover    *tags.Cover
	date     string
	report   Report
}

// Run splits the session in dir. Songs are processed in cue order; a song
// that fails to export is logged and skipped.
func (s *Segmenter) Run(ctx context.Context, dir string) (report Report, err error) {
	ctx, span := s.tracer.Start(ctx, "Segmenter.Run", trace.WithAttributes(
		attribute.String("dir", dir),
	))
	defer func() {
		_ = tracing.ErrHandler(span, err, "segmentation failed", s.logger)
	}()

	timer := prometheus.NewTimer(runDuration)
	defer timer.ObserveDuration()

	r := &run{
		dir:     dir,
		session: filepath.Base(dir),
		report:  Report{Dir: dir},
	}

	records, err := cuelog.ReadFile(filepath.Join(dir, cuelog.FileName))
	if err != nil {
		return r.report, err
	}
	summary := cuelog.Summarize(records)
	r.report.Songs = len(summary.Songs)
	if len(summary.Songs) == 0 {
		s.logger.Info("no songs in session", "dir", dir)
		return r.report, nil
	}

	r.cursor = newCursor(dir, summary.Songs[0].Bitrate)
	r.cover = s.loadCover(dir, summary.DJ)
	r.date = sessionDate(r.session, summary.Songs[0].At)

	for i, b := range summary.Songs {
		if err := ctx.Err(); err != nil {
			return r.report, err
		}

		if b.DJ == "" {
			b.DJ = summary.DJ.Name
		}
		song := NewSong(i+1, b)
		if i == 0 {
			song.Duration += s.cfg.StreamDelay.Seconds()
		}
		final := i == len(summary.Songs)-1

		ext := b.Extension
		if ext == "" {
			ext = "mp3"
		}

		for _, part := range song.Parts(s.cfg.MaxSongDuration.Seconds()) {
			part.place(dir, ext, s.cfg.MaxTitleLength)
			if err := s.process(ctx, r, part, ext, final); err != nil {
				return r.report, err
			}
		}
	}

	if r.report.Failed > 0 {
		return r.report, fmt.Errorf("%w: %d of %d songs in %s", ErrExportFailed, r.report.Failed, r.report.Exported+r.report.Failed, dir)
	}

	if !s.cfg.KeepRaw {
		if err := removeRaw(dir); err != nil {
			return r.report, err
		}
		r.report.RawRemoved = true
	}

	s.logger.Info("session split",
		"dir", dir,
		"songs", r.report.Songs,
		"exported", r.report.Exported,
		"corrected", r.report.Corrected,
	)

	return r.report, nil
}

// process reads one song part from the capture and exports it. Only reading
// the capture can fail the run.
func (s *Segmenter) process(ctx context.Context, r *run, song Song, ext string, final bool) error {
	var (
		clip mp3.Clip
		err  error
	)
	// The last song takes everything captured after its boundary too.
	if final && song.lastPart {
		clip, err = r.cursor.Rest()
	} else {
		clip, err = r.cursor.Read(song.Duration)
	}
	if err != nil {
		return err
	}

	if song.Part == 0 && !r.leftover.Empty() {
		clip = mp3.Concat(r.leftover, clip)
	}
	if song.Part == 0 {
		r.leftover = mp3.Clip{}
	}

	if song.lastPart && song.Complete && !final {
		if head, tail, ok := s.correct(ctx, clip, song); ok {
			clip = head
			r.leftover = tail
			r.report.Corrected++
			correctionsTotal.Inc()
		}
	}

	if err := s.export(ctx, r, song, ext, clip); err != nil {
		r.report.Failed++
		exportsTotal.WithLabelValues("failed").Inc()
		return nil
	}

	r.report.Exported++
	exportsTotal.WithLabelValues("ok").Inc()
	return nil
}

// correct looks for silence in the tail of clip and cuts at the start of the
// last run found. ok is false when the clip should be exported whole.
func (s *Segmenter) correct(ctx context.Context, clip mp3.Clip, song Song) (mp3.Clip, mp3.Clip, bool) {
	if clip.Empty() {
		return clip, mp3.Clip{}, false
	}

	window, offset := clip.Tail(s.cfg.SilenceWindow.Seconds())
	pcm, err := s.decoder.Decode(ctx, window.Bytes())
	if err != nil {
		s.logger.Warn("failed to decode song end, exporting uncorrected", "track", song.Track(), "err", err)
		return clip, mp3.Clip{}, false
	}

	runs := DetectSilence(pcm, s.cfg.SilenceThreshold, s.cfg.MinSilence)
	if len(runs) == 0 {
		return clip, mp3.Clip{}, false
	}

	last := runs[len(runs)-1]
	head, tail := clip.SplitAt(clip.Floor(offset + last.Start))
	if head.Empty() {
		return clip, mp3.Clip{}, false
	}

	s.logger.Debug("moved song end to silence",
		"track", song.Track(),
		"trimmed", fmt.Sprintf("%.2fs", tail.Duration()),
	)
	return head, tail, true
}

func (s *Segmenter) export(ctx context.Context, r *run, song Song, ext string, clip mp3.Clip) (err error) {
	ctx, span := s.tracer.Start(ctx, "Segmenter.export", trace.WithAttributes(
		attribute.String("track", song.Track()),
		attribute.String("title", song.RawTitle),
	))
	defer func() {
		_ = tracing.ErrHandler(span, err, "failed to export song", s.logger)
	}()

	audio := clip.Bytes()
	if err := s.write(ctx, r, song, ext, audio); err != nil {
		return err
	}

	s.logger.Info("exported song",
		"track", song.Track(),
		"title", song.RawTitle,
		"duration", fmt.Sprintf("%.1fs", clip.Duration()),
		"size", humanize.Bytes(uint64(len(audio))),
	)

	if s.catalog == nil {
		return nil
	}
	return s.catalog.Put(ctx, catalog.Entry{
		Session:  r.session,
		Track:    song.Track(),
		Part:     song.Part,
		Title:    song.Title,
		Artist:   song.Artist,
		DJ:       song.DJ,
		Duration: clip.Duration(),
		Complete: song.Complete,
		Path:     song.Destination,
		Hash:     catalog.Hash(audio),
		Exported: s.now(),
	})
}

// write stages the song in a temp file, tags it and moves it into place.
func (s *Segmenter) write(ctx context.Context, r *run, song Song, ext string, audio []byte) error {
	f, err := os.CreateTemp(r.dir, ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()

	_, err = f.Write(audio)
	if err == nil {
		err = f.Chmod(0o644)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", song.Destination, err)
	}

	if s.tagger != nil && ext == "mp3" {
		if err := s.tagger.Write(tmp, r.tags(song, s.cfg.Comment), r.cover); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to tag %s: %w", song.Destination, err)
		}
	}

	return fsutil.CommitTemp(ctx, tmp, song.Destination, s.cfg.RenameTimeout)
}

func (r *run) tags(song Song, comment string) tags.Tags {
	return tags.Tags{
		Artist:      song.Artist,
		Title:       song.Title,
		Album:       r.session,
		AlbumArtist: song.DJ,
		Track:       song.Track(),
		Date:        r.date,
		Comment:     comment,
	}
}

func (s *Segmenter) loadCover(dir string, dj cuelog.DjChange) *tags.Cover {
	if dj.Name == "" || dj.ArtExtension == "" {
		return nil
	}

	data, err := os.ReadFile(ArtPath(dir, dj.Name, dj.ArtExtension))
	if err != nil {
		s.logger.Warn("failed to read DJ art", "dj", dj.Name, "err", err)
		return nil
	}

	return &tags.Cover{MIME: mimetype.Detect(data).String(), Data: data}
}

// ArtPath is where a session keeps the art of its DJ.
func ArtPath(dir, dj, ext string) string {
	return filepath.Join(dir, CleanTitle(dj, 0)+"."+ext)
}

// sessionDate is taken from the session directory's leading timestamp so
// repeated splits tag identically.
func sessionDate(session string, fallback time.Time) string {
	stamp, _, _ := strings.Cut(session, " ")
	if unix, err := strconv.ParseInt(stamp, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC().Format("2006-01-02")
	}
	if fallback.IsZero() {
		return ""
	}
	return fallback.UTC().Format("2006-01-02")
}

func removeRaw(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isRaw(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
