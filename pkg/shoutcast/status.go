package shoutcast

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusDocument is the name of Icecast's JSON status page.
const StatusDocument = "status-json.xsl"

// Snapshot is the server state reported by one successful status poll. It is
// replaced wholesale on every poll and never mutated.
type Snapshot struct {
	Title             string
	Bitrate           int
	ServerName        string
	ServerType        string
	ServerDescription string
	Listeners         int
	ListenerPeak      int

	// Placeholder is set when Title was synthesized because neither the
	// server nor any fallback reported one.
	Placeholder bool
}

var serverTypes = map[string]string{
	"audio/mpeg":      "mp3",
	"audio/mp3":       "mp3",
	"audio/aac":       "aac",
	"audio/aacp":      "aac",
	"audio/ogg":       "ogg",
	"application/ogg": "ogg",
	"audio/flac":      "flac",
}

// Extension maps the server's content type to a file extension. Unknown
// types fall back to the subtype, eg: audio/x-foo gives x-foo.
func (s Snapshot) Extension() string {
	return ExtensionFor(s.ServerType)
}

func ExtensionFor(contentType string) string {
	ct := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if ext, ok := serverTypes[ct]; ok {
		return ext
	}
	if i := strings.LastIndex(ct, "/"); i >= 0 && i < len(ct)-1 {
		return ct[i+1:]
	}
	return "mp3"
}

// StatusURL derives the status document location from a stream URL by
// replacing its final path segment.
func StatusURL(streamURL string) string {
	i := strings.LastIndex(streamURL, "/")
	if i < 0 {
		return StatusDocument
	}
	return streamURL[:i+1] + StatusDocument
}

// flexInt accepts both 128 and "128"; Icecast versions differ.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = flexInt(n)
	return nil
}

type statusSource struct {
	Bitrate           flexInt `json:"bitrate"`
	ServerName        string  `json:"server_name"`
	ServerType        string  `json:"server_type"`
	ServerDescription string  `json:"server_description"`
	Listeners         flexInt `json:"listeners"`
	ListenerPeak      flexInt `json:"listener_peak"`
	Title             string  `json:"title"`
}

type statusDocument struct {
	IceStats struct {
		Source jsoniter.RawMessage `json:"source"`
	} `json:"icestats"`
}

// ParseStatus decodes an Icecast status document. Source index 0 carries the
// bitrate and index 1 the metadata; a single source carries both.
func ParseStatus(data []byte) (Snapshot, error) {
	var doc statusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode status: %w", err)
	}

	raw := bytes.TrimSpace(doc.IceStats.Source)
	if len(raw) == 0 || string(raw) == "null" {
		return Snapshot{}, fmt.Errorf("status has no sources")
	}

	var sources []statusSource
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &sources); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode sources: %w", err)
		}
	} else {
		var one statusSource
		if err := json.Unmarshal(raw, &one); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode source: %w", err)
		}
		sources = []statusSource{one}
	}

	if len(sources) == 0 {
		return Snapshot{}, fmt.Errorf("status has no sources")
	}

	rate := sources[0]
	meta := sources[0]
	if len(sources) > 1 {
		meta = sources[1]
	}

	return Snapshot{
		Title:             meta.Title,
		Bitrate:           int(rate.Bitrate),
		ServerName:        meta.ServerName,
		ServerType:        meta.ServerType,
		ServerDescription: meta.ServerDescription,
		Listeners:         int(meta.Listeners),
		ListenerPeak:      int(meta.ListenerPeak),
	}, nil
}
