// Package tags writes ID3v2 metadata and cover art into exported songs.
package tags

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/bogem/id3v2"
)

// Tags is the metadata written into each exported song.
type Tags struct {
	Artist      string
	Title       string
	Album       string
	AlbumArtist string
	Track       string
	Date        string
	Comment     string
}

// Cover is embedded as the front cover picture.
type Cover struct {
	MIME string
	Data []byte
}

// Writer mutates the metadata of an audio file in place.
type Writer interface {
	Write(path string, t Tags, cover *Cover) error
}

// ID3 writes ID3v2.4 tags with UTF-8 text frames. Frames are written sorted
// by ID so the same tags always give the same bytes.
type ID3 struct{}

func (ID3) Write(path string, t Tags, cover *Cover) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	tag, err := Encode(t, cover)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, append(tag, stripTag(data)...), 0o644); err != nil {
		return fmt.Errorf("failed to save tag: %w", err)
	}
	return nil
}

type frame struct {
	id     string
	framer io.WriterTo
}

// Encode renders a complete ID3v2.4 tag.
func Encode(t Tags, cover *Cover) ([]byte, error) {
	var frames []frame
	text := func(id, value string) {
		if value != "" {
			frames = append(frames, frame{id, id3v2.TextFrame{Encoding: id3v2.EncodingUTF8, Text: value}})
		}
	}
	text("TPE1", t.Artist)
	text("TIT2", t.Title)
	text("TALB", t.Album)
	text("TPE2", t.AlbumArtist)
	text("TRCK", t.Track)
	text("TDRC", t.Date)

	if t.Comment != "" {
		frames = append(frames, frame{"COMM", id3v2.CommentFrame{
			Encoding: id3v2.EncodingUTF8,
			Language: "eng",
			Text:     t.Comment,
		}})
	}
	if cover != nil && len(cover.Data) > 0 {
		frames = append(frames, frame{"APIC", id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    cover.MIME,
			PictureType: id3v2.PTFrontCover,
			Description: "Cover",
			Picture:     cover.Data,
		}})
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].id < frames[j].id })

	var body, buf bytes.Buffer
	for _, f := range frames {
		buf.Reset()
		if _, err := f.framer.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("failed to encode %s frame: %w", f.id, err)
		}
		body.WriteString(f.id)
		body.Write(synchsafe(buf.Len()))
		body.Write([]byte{0, 0}) // flags
		body.Write(buf.Bytes())
	}

	out := make([]byte, 0, 10+body.Len())
	out = append(out, 'I', 'D', '3', 4, 0, 0)
	out = append(out, synchsafe(body.Len())...)
	return append(out, body.Bytes()...), nil
}

func synchsafe(n int) []byte {
	return []byte{byte(n>>21) & 0x7f, byte(n>>14) & 0x7f, byte(n>>7) & 0x7f, byte(n) & 0x7f}
}

// stripTag drops a leading ID3v2 tag so rewriting never stacks tags.
func stripTag(data []byte) []byte {
	if len(data) < 10 || string(data[:3]) != "ID3" {
		return data
	}
	size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
	n := 10 + size
	if data[5]&0x10 != 0 {
		n += 10 // footer
	}
	if n > len(data) {
		return data
	}
	return data[n:]
}
