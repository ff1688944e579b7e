package segment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bogem/id3v2"

	"github.com/zachfi/streamcue/pkg/catalog"
	"github.com/zachfi/streamcue/pkg/cuelog"
	"github.com/zachfi/streamcue/pkg/mp3"
	"github.com/zachfi/streamcue/pkg/tags"
)

const (
	frameSize = 417
	frameDur  = 1152.0 / 44100.0
)

// frames builds n MPEG1 layer III frames at 128kbit/s. A fill of zero marks
// the frames as silent for fakeDecoder.
func frames(n int, fill byte) []byte {
	out := make([]byte, 0, n*frameSize)
	for i := 0; i < n; i++ {
		f := make([]byte, frameSize)
		f[0], f[1], f[2], f[3] = 0xFF, 0xFB, 0x90, 0x64
		for j := 4; j < frameSize; j++ {
			f[j] = fill
		}
		out = append(out, f...)
	}
	return out
}

func join(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// fakeDecoder turns each synthetic frame into 1152 stereo samples, silent
// when the frame payload is zero.
type fakeDecoder struct {
	err error
}

func (d fakeDecoder) Decode(_ context.Context, data []byte) (mp3.PCM, error) {
	if d.err != nil {
		return mp3.PCM{}, d.err
	}
	var samples []int16
	for off := 0; off+frameSize <= len(data); off += frameSize {
		v := int16(8000)
		if data[off+4] == 0 {
			v = 0
		}
		for i := 0; i < 1152*2; i++ {
			samples = append(samples, v)
		}
	}
	return mp3.PCM{Samples: samples, SampleRate: 44100, Channels: 2}, nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	entries []catalog.Entry
}

func (c *fakeCatalog) Put(_ context.Context, e catalog.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func song(title string, nFrames float64, complete bool) cuelog.Record {
	return cuelog.NewSongBoundary(cuelog.SongBoundary{
		Title:     title,
		Duration:  nFrames * frameDur,
		Complete:  complete,
		Bitrate:   128,
		Extension: "mp3",
	})
}

func writeSession(t *testing.T, name string, segments [][]byte, records ...cuelog.Record) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, s := range segments {
		if err := os.WriteFile(RawPath(dir, i), s, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w, err := cuelog.Create(filepath.Join(dir, cuelog.FileName))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if err := w.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	return dir
}

func readExport(t *testing.T, dir, name string) []byte {
	t.Helper()

	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("missing export: %v", err)
	}
	return b
}

func newSegmenter(cfg Config, tagger tags.Writer, opts ...Option) *Segmenter {
	return New(cfg, discardLogger(), tagger, append([]Option{WithDecoder(fakeDecoder{})}, opts...)...)
}

func TestRunStitchesAcrossSegments(t *testing.T) {
	t.Parallel()

	seg0 := frames(100, 1)
	seg1 := frames(100, 2)
	dir := writeSession(t, "1700000000", [][]byte{seg0, seg1},
		song("A - One", 150, false),
		song("B - Two", 20, false),
	)

	report, err := newSegmenter(Config{}, nil).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Exported != 2 || report.Failed != 0 || !report.RawRemoved {
		t.Fatalf("unexpected report %+v", report)
	}

	if got := readExport(t, dir, "1. A - One.mp3"); !bytes.Equal(got, join(seg0, seg1[:50*frameSize])) {
		t.Fatalf("stitched song is %d bytes, want %d", len(got), 150*frameSize)
	}
	// The last song takes the rest of the capture, not just its duration.
	if got := readExport(t, dir, "2. B - Two.mp3"); !bytes.Equal(got, seg1[50*frameSize:]) {
		t.Fatalf("final song is %d bytes, want %d", len(got), 50*frameSize)
	}

	if len(RawSegments(dir)) != 0 {
		t.Fatalf("raw segments must be removed after a clean split")
	}
}

func TestRunCorrectsToSilence(t *testing.T) {
	t.Parallel()

	first := frames(100, 1)
	body := frames(200, 2)
	silence := frames(20, 0)
	after := frames(30, 3)
	last := frames(100, 4)

	dir := writeSession(t, "1700000000", [][]byte{join(first, body, silence, after, last)},
		song("First", 100, false),
		song("Second", 250, true),
		song("Third", 100, false),
	)

	report, err := newSegmenter(Config{}, nil).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Corrected != 1 {
		t.Fatalf("expected one correction, got %+v", report)
	}

	if got := readExport(t, dir, "1. First.mp3"); !bytes.Equal(got, first) {
		t.Fatalf("an incomplete song is never corrected")
	}
	if got := readExport(t, dir, "2. Second.mp3"); !bytes.Equal(got, body) {
		t.Fatalf("corrected song is %d bytes, want %d up to the silence", len(got), len(body))
	}
	// The cut tail leads the next song.
	if got := readExport(t, dir, "3. Third.mp3"); !bytes.Equal(got, join(silence, after, last)) {
		t.Fatalf("next song is %d bytes, want leftover plus its own audio", len(got))
	}
}

func TestRunDecodeFailureExportsUncorrected(t *testing.T) {
	t.Parallel()

	first := frames(100, 1)
	second := join(frames(200, 2), frames(20, 0), frames(30, 3))
	last := frames(100, 4)

	dir := writeSession(t, "1700000000", [][]byte{join(first, second, last)},
		song("First", 100, false),
		song("Second", 250, true),
		song("Third", 100, false),
	)

	s := New(Config{}, discardLogger(), nil, WithDecoder(fakeDecoder{err: errors.New("bad audio")}))
	report, err := s.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Corrected != 0 || report.Exported != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := readExport(t, dir, "2. Second.mp3"); !bytes.Equal(got, second) {
		t.Fatalf("undivided span expected")
	}
	if got := readExport(t, dir, "3. Third.mp3"); !bytes.Equal(got, last) {
		t.Fatalf("no leftover expected")
	}
}

func TestRunSplitsLongSongs(t *testing.T) {
	t.Parallel()

	audio := frames(300, 1)
	dir := writeSession(t, "1700000000", [][]byte{audio},
		cuelog.NewSongBoundary(cuelog.SongBoundary{Title: "Long", Duration: 5, Bitrate: 128, Extension: "mp3"}),
		song("Tail", 1, false),
	)

	report, err := newSegmenter(Config{MaxSongDuration: 2 * time.Second}, nil).Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Exported != 4 {
		t.Fatalf("expected 3 parts and a final song, got %+v", report)
	}

	p0 := readExport(t, dir, "1. Long.mp3")
	p1 := readExport(t, dir, "1.1. Long.mp3")
	p2 := readExport(t, dir, "1.2. Long.mp3")
	final := readExport(t, dir, "2. Tail.mp3")

	// 2s starts at the 77th frame.
	if len(p0) != 77*frameSize || len(p1) == 0 || len(p2) == 0 {
		t.Fatalf("unexpected part sizes %d %d %d", len(p0), len(p1), len(p2))
	}
	if !bytes.Equal(join(p0, p1, p2, final), audio) {
		t.Fatalf("parts must cover the capture exactly")
	}
}

func TestRunZeroDurationSongs(t *testing.T) {
	t.Parallel()

	audio := frames(50, 1)
	dir := writeSession(t, "1700000000", [][]byte{audio},
		song("Zero", 0, false),
		song("Negative", -3, true),
		song("Rest", 10, false),
	)

	if _, err := newSegmenter(Config{}, nil).Run(context.Background(), dir); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := readExport(t, dir, "1. Zero.mp3"); len(got) != 0 {
		t.Fatalf("expected empty export, got %d bytes", len(got))
	}
	if got := readExport(t, dir, "2. Negative.mp3"); len(got) != 0 {
		t.Fatalf("expected empty export, got %d bytes", len(got))
	}
	if got := readExport(t, dir, "3. Rest.mp3"); !bytes.Equal(got, audio) {
		t.Fatalf("final song must take all audio")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	seg0 := join(frames(120, 1), frames(20, 0), frames(60, 2))
	seg1 := frames(100, 3)

	dir := writeSession(t, "1700000000 DJ Foo", [][]byte{seg0, seg1},
		cuelog.NewDjChange("DJ Foo", "png"),
		song("DJ Foo - Track One", 100, false),
		song("DJ Foo - Track Two", 150, true),
		song("Guest - Track Three", 30, false),
	)
	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	if err := os.WriteFile(ArtPath(dir, "DJ Foo", "png"), png, 0o644); err != nil {
		t.Fatal(err)
	}

	cat := &fakeCatalog{}
	s := newSegmenter(Config{KeepRaw: true}, tags.ID3{}, WithCatalog(cat))

	names := []string{
		"1. DJ Foo - Track One.mp3",
		"2. DJ Foo - Track Two.mp3",
		"3. Guest - Track Three.mp3",
	}

	if _, err := s.Run(context.Background(), dir); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstRun := map[string][]byte{}
	for _, n := range names {
		firstRun[n] = readExport(t, dir, n)
	}

	// Tagged exports, cover art included, come out the same every run.
	const runs = 10
	for i := 1; i < runs; i++ {
		report, err := s.Run(context.Background(), dir)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if report.RawRemoved || len(RawSegments(dir)) != 2 {
			t.Fatalf("raw segments must be kept")
		}
		for _, n := range names {
			if !bytes.Equal(firstRun[n], readExport(t, dir, n)) {
				t.Fatalf("%s differs between run 0 and run %d", n, i)
			}
		}
	}

	// Track Two straddles both segments and is cut at its silence.
	got := firstRun[names[1]]
	if !bytes.HasPrefix(got, []byte("ID3")) || !bytes.HasSuffix(got, seg0[100*frameSize:120*frameSize]) {
		t.Fatalf("unexpected second export of %d bytes", len(got))
	}
	if !bytes.Contains(got, png) {
		t.Fatalf("expected the DJ art in the tag")
	}

	if len(cat.entries) != 3*runs {
		t.Fatalf("expected %d catalog puts, got %d", 3*runs, len(cat.entries))
	}
	for i := 3; i < len(cat.entries); i++ {
		if cat.entries[i].Hash != cat.entries[i%3].Hash {
			t.Fatalf("entry %d hash changed between runs", i)
		}
	}
	if e := cat.entries[1]; e.Session != "1700000000 DJ Foo" || e.Track != "2" || e.Artist != "DJ Foo" || e.Title != "Track Two" || !e.Complete {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestRunTagsExports(t *testing.T) {
	t.Parallel()

	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	audio := frames(100, 1)
	dir := writeSession(t, "1700000000 DJ Foo", [][]byte{audio},
		cuelog.NewDjChange("DJ Foo", "png"),
		song("Guest - Track Three", 30, false),
		song("Untitled 1700000030", 30, false),
	)
	if err := os.WriteFile(ArtPath(dir, "DJ Foo", "png"), png, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := newSegmenter(Config{}, tags.ID3{}).Run(context.Background(), dir); err != nil {
		t.Fatalf("run: %v", err)
	}

	tag, err := id3v2.Open(filepath.Join(dir, "1. Guest - Track Three.mp3"), id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("open tag: %v", err)
	}
	defer tag.Close()

	if tag.Artist() != "Guest" || tag.Title() != "Track Three" || tag.Album() != "1700000000 DJ Foo" {
		t.Fatalf("unexpected tags %q %q %q", tag.Artist(), tag.Title(), tag.Album())
	}
	if got := tag.GetTextFrame(tag.CommonID("Band/Orchestra/Accompaniment")).Text; got != "DJ Foo" {
		t.Fatalf("unexpected album artist %q", got)
	}
	if pics := tag.GetFrames(tag.CommonID("Attached picture")); len(pics) != 1 {
		t.Fatalf("expected DJ art as cover, got %d pictures", len(pics))
	}

	// A title without an artist falls back to the DJ.
	untitled, err := id3v2.Open(filepath.Join(dir, "2. Untitled 1700000030.mp3"), id3v2.Options{Parse: true})
	if err != nil {
		t.Fatalf("open tag: %v", err)
	}
	defer untitled.Close()
	if untitled.Artist() != "DJ Foo" {
		t.Fatalf("expected DJ as artist, got %q", untitled.Artist())
	}
}

func TestRunKeepsRawWhenExportFails(t *testing.T) {
	t.Parallel()

	audio := frames(100, 1)
	dir := writeSession(t, "1700000000", [][]byte{audio},
		song("Blocked", 40, false),
		song("Fine", 60, false),
	)

	// A non-empty directory where the export belongs cannot be replaced.
	blocked := filepath.Join(dir, "1. Blocked.mp3")
	if err := os.MkdirAll(filepath.Join(blocked, "x"), 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := newSegmenter(Config{RenameTimeout: 20 * time.Millisecond}, nil).Run(context.Background(), dir)
	if !errors.Is(err, ErrExportFailed) {
		t.Fatalf("expected export failure, got %v", err)
	}
	if report.Failed != 1 || report.Exported != 1 || report.RawRemoved {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := readExport(t, dir, "2. Fine.mp3"); !bytes.Equal(got, audio[40*frameSize:]) {
		t.Fatalf("later songs must still export")
	}
	if len(RawSegments(dir)) != 1 {
		t.Fatalf("raw segments must be kept after a failure")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".export-") {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
}

func TestRunWithoutSongs(t *testing.T) {
	t.Parallel()

	dir := writeSession(t, "1700000000 DJ Foo", nil, cuelog.NewDjChange("DJ Foo", ""))
	report, err := newSegmenter(Config{}, nil).Run(context.Background(), dir)
	if err != nil || report.Songs != 0 {
		t.Fatalf("unexpected %+v %v", report, err)
	}

	if _, err := newSegmenter(Config{}, nil).Run(context.Background(), t.TempDir()); err == nil {
		t.Fatalf("expected error without a cue log")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{Decoder: DecoderFFmpeg}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cfg.Decoder = "sox"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown decoder error")
	}
}
