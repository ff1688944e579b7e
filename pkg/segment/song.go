package segment

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/zachfi/streamcue/pkg/cuelog"
)

// artistSeparator splits "Artist - Title".
const artistSeparator = " - "

// Song is one exported file. A boundary longer than the maximum song
// duration becomes several Songs sharing an Index.
type Song struct {
	Index       int
	Part        int
	RawTitle    string
	Artist      string
	Title       string
	DJ          string
	Duration    float64
	Complete    bool
	Destination string

	// lastPart is set on the final part of a boundary.
	lastPart bool
}

// NewSong derives artist and title from a boundary's raw title.
func NewSong(index int, b cuelog.SongBoundary) Song {
	s := Song{
		Index:    index,
		RawTitle: b.Title,
		DJ:       b.DJ,
		Duration: b.Duration,
		Complete: b.Complete,
		lastPart: true,
	}
	s.Artist, s.Title = SplitTitle(b.Title, b.DJ)
	return s
}

// SplitTitle splits "Artist - Title". Anything else is all title, with the DJ
// standing in as artist.
func SplitTitle(raw, dj string) (artist, title string) {
	parts := strings.Split(raw, artistSeparator)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return dj, raw
}

// Track is the song's number within the session, with the part appended for
// continuation parts.
func (s Song) Track() string {
	if s.Part == 0 {
		return fmt.Sprintf("%d", s.Index)
	}
	return fmt.Sprintf("%d.%d", s.Index, s.Part)
}

// Parts cuts the song into pieces no longer than max seconds. Every piece but
// the last is exactly max long.
func (s Song) Parts(max float64) []Song {
	if max <= 0 || s.Duration <= max {
		return []Song{s}
	}

	n := int(math.Ceil(s.Duration/max - timeEpsilon))
	parts := make([]Song, 0, n)
	remaining := s.Duration
	for p := 0; remaining > max+timeEpsilon; p++ {
		part := s
		part.Part = p
		part.Duration = max
		part.lastPart = false
		parts = append(parts, part)
		remaining -= max
	}

	last := s
	last.Part = len(parts)
	last.Duration = remaining
	last.lastPart = true
	return append(parts, last)
}

// FileName builds "N. Title.ext" or "N.P. Title.ext".
func (s Song) FileName(ext string, maxTitle int) string {
	title := CleanTitle(s.RawTitle, maxTitle)
	if title == "" {
		title = "Untitled"
	}
	return fmt.Sprintf("%s. %s.%s", s.Track(), title, ext)
}

func (s *Song) place(dir, ext string, maxTitle int) {
	s.Destination = filepath.Join(dir, s.FileName(ext, maxTitle))
}

// CleanTitle keeps letters, digits and " ._-", truncated to max runes.
func CleanTitle(raw string, max int) string {
	var b strings.Builder
	n := 0
	for _, r := range raw {
		if max > 0 && n >= max {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" ._-", r) {
			b.WriteRune(r)
			n++
		}
	}
	return strings.TrimRight(b.String(), " ")
}
