package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zachfi/streamcue/pkg/mp3"
)

// RawPrefix names raw capture files: segment_0, segment_1, ...
const RawPrefix = "segment_"

const timeEpsilon = 1e-6

func RawPath(dir string, index int) string {
	return filepath.Join(dir, RawPrefix+strconv.Itoa(index))
}

// RawSegments lists the raw capture files in dir in index order, stopping at
// the first gap.
func RawSegments(dir string) []string {
	var paths []string
	for i := 0; ; i++ {
		p := RawPath(dir, i)
		if _, err := os.Stat(p); err != nil {
			return paths
		}
		paths = append(paths, p)
	}
}

// cursor walks the raw segments of one session. Reads continue into the next
// segment when they run past the end of the current one.
type cursor struct {
	dir  string
	kbps int

	index  int
	clip   mp3.Clip
	offset float64
	loaded bool
}

func newCursor(dir string, kbps int) *cursor {
	return &cursor{dir: dir, kbps: kbps}
}

func (c *cursor) load(index int) (bool, error) {
	data, err := os.ReadFile(RawPath(c.dir, index))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read raw segment %d: %w", index, err)
	}

	c.clip, _ = mp3.Load(data, c.kbps)
	c.index = index
	c.offset = 0
	c.loaded = true
	return true, nil
}

func (c *cursor) ensure() error {
	if c.loaded {
		return nil
	}
	ok, err := c.load(0)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no raw segments in %s", c.dir)
	}
	return nil
}

// Read returns the next d seconds of audio. A zero or negative d returns an
// empty clip without moving the cursor.
func (c *cursor) Read(d float64) (mp3.Clip, error) {
	if err := c.ensure(); err != nil {
		return mp3.Clip{}, err
	}
	if d <= 0 {
		return mp3.Clip{}, nil
	}

	var parts []mp3.Clip
	remaining := d
	for {
		avail := c.clip.Duration() - c.offset
		if remaining > avail+timeEpsilon {
			next, err := c.hasNext()
			if err != nil {
				return mp3.Clip{}, err
			}
			if next {
				parts = append(parts, c.clip.Slice(c.offset, c.clip.Duration()+1))
				if avail > 0 {
					remaining -= avail
				}
				if _, err := c.load(c.index + 1); err != nil {
					return mp3.Clip{}, err
				}
				continue
			}
		}

		end := c.offset + remaining
		parts = append(parts, c.clip.Slice(c.offset, end))
		c.offset = end
		return mp3.Concat(parts...), nil
	}
}

// Rest returns everything from the cursor to the end of the last segment.
func (c *cursor) Rest() (mp3.Clip, error) {
	if err := c.ensure(); err != nil {
		return mp3.Clip{}, err
	}

	var parts []mp3.Clip
	for {
		parts = append(parts, c.clip.Slice(c.offset, c.clip.Duration()+1))
		c.offset = c.clip.Duration() + 1

		next, err := c.hasNext()
		if err != nil {
			return mp3.Clip{}, err
		}
		if !next {
			return mp3.Concat(parts...), nil
		}
		if _, err := c.load(c.index + 1); err != nil {
			return mp3.Clip{}, err
		}
	}
}

func (c *cursor) hasNext() (bool, error) {
	_, err := os.Stat(RawPath(c.dir, c.index+1))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func isRaw(name string) bool {
	if !strings.HasPrefix(name, RawPrefix) {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(name, RawPrefix))
	return err == nil
}
