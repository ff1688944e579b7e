package shoutcast

import (
	"bytes"
	"strings"
)

// Metadata is one in-band ICY metadata block.
type Metadata struct {
	StreamTitle string
	StreamURL   string
}

// NewMetadata parses a block such as
// "StreamTitle='Artist - Title';" padded with NUL bytes.
func NewMetadata(b []byte) *Metadata {
	s := string(bytes.TrimRight(b, "\x00"))
	m := &Metadata{}

	for len(s) > 0 {
		eq := strings.Index(s, "='")
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+2:]

		// Values may themselves contain quotes; the value ends at "';".
		end := strings.Index(s, "';")
		var val string
		if end < 0 {
			val = strings.TrimSuffix(s, "'")
			s = ""
		} else {
			val = s[:end]
			s = s[end+2:]
		}

		switch key {
		case "StreamTitle":
			m.StreamTitle = val
		case "StreamUrl":
			m.StreamURL = val
		}
	}

	return m
}

// Equals compares two metadata blocks; a nil block equals nothing.
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return false
	}
	return m.StreamTitle == other.StreamTitle && m.StreamURL == other.StreamURL
}
