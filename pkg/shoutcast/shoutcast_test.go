package shoutcast

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const twoSources = `{"icestats":{"admin":"x","source":[
	{"bitrate":192,"listenurl":"http://example.org/main.mp3"},
	{"server_name":"Radio","server_type":"audio/mpeg","listener_peak":"40","server_description":"desc","listeners":12,"title":"DJ Foo - Track One"}
]}}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus([]byte(twoSources))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Snapshot{
		Title:             "DJ Foo - Track One",
		Bitrate:           192,
		ServerName:        "Radio",
		ServerType:        "audio/mpeg",
		ServerDescription: "desc",
		Listeners:         12,
		ListenerPeak:      40,
	}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}
	if s.Extension() != "mp3" {
		t.Fatalf("expected mp3, got %s", s.Extension())
	}
}

func TestParseStatusSingleSource(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus([]byte(`{"icestats":{"source":{"bitrate":"128","server_type":"audio/aacp","title":"x"}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Bitrate != 128 || s.Title != "x" || s.Extension() != "aac" {
		t.Fatalf("unexpected snapshot %+v", s)
	}

	if _, err := ParseStatus([]byte(`{"icestats":{}}`)); err == nil {
		t.Fatalf("expected error for missing sources")
	}
	if _, err := ParseStatus([]byte(`<html>`)); err == nil {
		t.Fatalf("expected error for non json")
	}
}

func TestStatusURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://stream.example.org:8000/main.mp3": "http://stream.example.org:8000/status-json.xsl",
		"http://stream.example.org/a/b/live":      "http://stream.example.org/a/b/status-json.xsl",
	}
	for in, want := range cases {
		if got := StatusURL(in); got != want {
			t.Errorf("StatusURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewMetadata(t *testing.T) {
	t.Parallel()

	block := []byte("StreamTitle='It's Artist - Title';StreamUrl='http://x';\x00\x00\x00")
	m := NewMetadata(block)
	if m.StreamTitle != "It's Artist - Title" || m.StreamURL != "http://x" {
		t.Fatalf("unexpected metadata %+v", m)
	}
	if !m.Equals(NewMetadata(block)) {
		t.Fatalf("identical blocks must be equal")
	}
	if m.Equals(nil) {
		t.Fatalf("nil must not be equal")
	}
}

func icyBody(audio []byte, metaint int, title string) []byte {
	meta := []byte("StreamTitle='" + title + "';")
	for len(meta)%16 != 0 {
		meta = append(meta, 0)
	}

	var out bytes.Buffer
	for len(audio) > 0 {
		n := metaint
		if n > len(audio) {
			n = len(audio)
		}
		out.Write(audio[:n])
		audio = audio[n:]
		if n == metaint {
			out.WriteByte(byte(len(meta) / 16))
			out.Write(meta)
		}
	}
	return out.Bytes()
}

func TestStreamStripsMetadata(t *testing.T) {
	t.Parallel()

	audio := make([]byte, 5000)
	for i := range audio {
		audio[i] = byte(i % 251)
	}

	h := http.Header{}
	h.Set("icy-metaint", "1000")
	h.Set("icy-br", "128")
	h.Set("icy-name", "Radio")
	body := io.NopCloser(bytes.NewReader(icyBody(audio, 1000, "A - B")))

	s, err := newStream(h, body)
	if err != nil {
		t.Fatalf("newStream: %v", err)
	}
	var seen []string
	s.MetadataCallbackFunc = func(m *Metadata) { seen = append(seen, m.StreamTitle) }

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Fatalf("stripped stream differs from audio (%d vs %d bytes)", len(got), len(audio))
	}
	if len(seen) != 1 || s.Title() != "A - B" {
		t.Fatalf("expected one title change, got %v / %q", seen, s.Title())
	}
	if s.Bitrate != 128 || s.Name != "Radio" {
		t.Fatalf("unexpected headers %+v", s)
	}
}

func TestStreamWithoutMetaint(t *testing.T) {
	t.Parallel()

	s, err := newStream(http.Header{}, io.NopCloser(strings.NewReader("raw audio")))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(s)
	if string(got) != "raw audio" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestParsePlaylists(t *testing.T) {
	t.Parallel()

	u, err := parsePLS("[playlist]\nNumberOfEntries=1\nFile1=http://a.example/live\nTitle1=x\n")
	if err != nil || u != "http://a.example/live" {
		t.Fatalf("pls: %q %v", u, err)
	}
	u, err = parseM3U("#EXTM3U\n#EXTINF:-1,x\nhttp://b.example/live\n")
	if err != nil || u != "http://b.example/live" {
		t.Fatalf("m3u: %q %v", u, err)
	}
	if _, err := parseM3U("#EXTM3U\n"); err == nil {
		t.Fatalf("expected error for empty m3u")
	}
}

func TestPollRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "dj change", http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, twoSources)
	}))
	defer srv.Close()

	p := NewStatusPoller(srv.URL, PollerConfig{RetryInterval: time.Millisecond, Timeout: time.Second}, discardLogger())
	s, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if s.Title != "DJ Foo - Track One" || calls.Load() != 3 {
		t.Fatalf("unexpected %+v after %d calls", s, calls.Load())
	}
}

func TestPollTimesOut(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewStatusPoller(srv.URL, PollerConfig{RetryInterval: time.Millisecond, Timeout: 20 * time.Millisecond}, discardLogger())
	_, err := p.Poll(context.Background())
	if !errors.Is(err, ErrStatusTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestPollHonoursCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := NewStatusPoller(srv.URL, PollerConfig{RetryInterval: time.Millisecond}, discardLogger())
	if _, err := p.Poll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTitleFallbacksAndPlaceholder(t *testing.T) {
	t.Parallel()

	var fallback atomic.Value
	fallback.Store("")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"icestats":{"source":[{"bitrate":128},{"title":""}]}}`)
	}))
	defer srv.Close()

	now := time.Unix(1700000000, 0)
	p := NewStatusPoller(srv.URL, PollerConfig{}, discardLogger(),
		WithClock(func() time.Time { return now }),
		WithTitleFallbacks(func(context.Context) string { return fallback.Load().(string) }),
	)

	s, err := p.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Title != "Untitled 1700000000" || !s.Placeholder {
		t.Fatalf("expected placeholder, got %+v", s)
	}

	// The placeholder holds for the whole gap.
	now = now.Add(3 * time.Second)
	s, _ = p.Poll(context.Background())
	if s.Title != "Untitled 1700000000" {
		t.Fatalf("placeholder must be stable, got %q", s.Title)
	}

	fallback.Store("Now Playing")
	s, _ = p.Poll(context.Background())
	if s.Title != "Now Playing" || s.Placeholder {
		t.Fatalf("expected fallback title, got %+v", s)
	}

	fallback.Store("")
	s, _ = p.Poll(context.Background())
	if s.Title != "Untitled 1700000003" {
		t.Fatalf("a new gap gets a new placeholder, got %q", s.Title)
	}
}
