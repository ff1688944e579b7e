package shoutcast

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const userAgent = "iTunes/12.9.2 (Macintosh; OS X 10.14.3) AppleWebKit/606.4.5"

// MetadataCallbackFunc is the type of the function called when the stream metadata changes
type MetadataCallbackFunc func(m *Metadata)

// Stream represents an open shoutcast stream.
type Stream struct {
	// The name of the server
	Name string

	// What category the server falls under
	Genre string

	// The description of the stream
	Description string

	// Homepage of the server
	URL string

	// Bitrate of the server
	Bitrate int

	// Content type of the audio, eg: audio/mpeg
	ContentType string

	// Optional function to be executed when stream metadata changes. It runs
	// on the reading goroutine.
	MetadataCallbackFunc MetadataCallbackFunc

	// Amount of bytes to read before expecting a metadata block, zero when
	// the server sends no in-band metadata
	metaint int

	// Stream metadata
	metadata *Metadata
	title    atomic.Value

	// The number of bytes read since last metadata block
	pos int

	// The underlying data stream
	rc io.ReadCloser
}

// Open establishes a connection to a remote server.
// It automatically handles playlist files (.pls, .m3u) and resolves them to stream URLs.
func Open(ctx context.Context, url string) (*Stream, error) {
	resolvedURL, err := resolvePlaylistURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve playlist URL: %w", err)
	}
	url = resolvedURL

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("accept", "*/*")
	req.Header.Add("user-agent", userAgent)
	req.Header.Add("icy-metadata", "1")

	// Timeout for establishing the connection.
	// We don't want for the stream to timeout while we're reading it, but
	// we do want a timeout for establishing the connection to the server.
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	// No timeout on the client - we want to stream indefinitely
	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status opening stream: %s", resp.Status)
	}

	return newStream(resp.Header, resp.Body)
}

func newStream(h http.Header, body io.ReadCloser) (*Stream, error) {
	var (
		bitrate int
		metaint int
		err     error
	)

	if rawBitrate := h.Get("icy-br"); rawBitrate != "" {
		bitrate, err = strconv.Atoi(rawBitrate)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("cannot parse bitrate: %w", err)
		}
	}

	if rawMetaint := h.Get("icy-metaint"); rawMetaint != "" {
		metaint, err = strconv.Atoi(rawMetaint)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("cannot parse metaint: %w", err)
		}
	}

	return &Stream{
		Name:        h.Get("icy-name"),
		Genre:       h.Get("icy-genre"),
		Description: h.Get("icy-description"),
		URL:         h.Get("icy-url"),
		Bitrate:     bitrate,
		ContentType: h.Get("Content-Type"),
		metaint:     metaint,
		rc:          body,
	}, nil
}

// Read implements io.Reader, returning only audio bytes. Metadata blocks are
// consumed between audio reads, so a single Read never spans one.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.metaint <= 0 {
		return s.rc.Read(buf)
	}

	if s.pos >= s.metaint {
		if err := s.readMetadata(); err != nil {
			return 0, err
		}
		s.pos = 0
	}

	n := len(buf)
	if remain := s.metaint - s.pos; n > remain {
		n = remain
	}

	n, err := s.rc.Read(buf[:n])
	s.pos += n
	return n, err
}

func (s *Stream) readMetadata() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(s.rc, lenByte[:]); err != nil {
		return err
	}

	size := int(lenByte[0]) * 16
	if size == 0 {
		return nil
	}

	block := make([]byte, size)
	if _, err := io.ReadFull(s.rc, block); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if m := NewMetadata(block); !m.Equals(s.metadata) {
		s.metadata = m
		s.title.Store(m.StreamTitle)
		if s.MetadataCallbackFunc != nil {
			s.MetadataCallbackFunc(m)
		}
	}

	return nil
}

// Title returns the last in-band StreamTitle seen, or empty. It is safe to
// call from any goroutine.
func (s *Stream) Title() string {
	t, _ := s.title.Load().(string)
	return t
}

// Close closes the stream
func (s *Stream) Close() error {
	return s.rc.Close()
}
