// Package cuelog is the append-only log of DJ takeovers and song boundaries
// recorded during one capture session.
//
// Each record is one line of JSON. A process killed mid-append leaves at most
// one partial final line, which readers drop.
package cuelog

import (
	"time"
)

// Kind tags the payload carried by a Record.
type Kind string

const (
	KindDJ   Kind = "dj"
	KindSong Kind = "song"
)

// DjChange marks a DJ taking over the stream.
type DjChange struct {
	Name         string `json:"name"`
	ArtExtension string `json:"art_ext,omitempty"`
}

// SongBoundary closes one title. Duration is the wall-clock time between the
// title first being seen and the next title (or the end of the session).
type SongBoundary struct {
	Title     string    `json:"title"`
	Duration  float64   `json:"duration"`
	DJ        string    `json:"dj,omitempty"`
	Complete  bool      `json:"complete"`
	Bitrate   int       `json:"bitrate,omitempty"`
	Extension string    `json:"ext,omitempty"`
	At        time.Time `json:"at"`
}

// Record is one entry of the cue log. Exactly one of DJ or Song is set,
// matching Kind.
type Record struct {
	Kind Kind          `json:"kind"`
	DJ   *DjChange     `json:"dj,omitempty"`
	Song *SongBoundary `json:"song,omitempty"`
}

func NewDjChange(name, artExt string) Record {
	return Record{Kind: KindDJ, DJ: &DjChange{Name: name, ArtExtension: artExt}}
}

func NewSongBoundary(s SongBoundary) Record {
	return Record{Kind: KindSong, Song: &s}
}

func (r Record) valid() bool {
	switch r.Kind {
	case KindDJ:
		return r.DJ != nil && r.Song == nil
	case KindSong:
		return r.Song != nil && r.DJ == nil
	default:
		return false
	}
}

// Summary folds a session's records into what segmentation needs.
type Summary struct {
	// DJ is the last DJ change seen, zero when DJ tracking was off.
	DJ    DjChange
	Songs []SongBoundary
}

func Summarize(records []Record) Summary {
	var s Summary
	for _, r := range records {
		switch r.Kind {
		case KindDJ:
			s.DJ = *r.DJ
		case KindSong:
			s.Songs = append(s.Songs, *r.Song)
		}
	}
	return s
}
