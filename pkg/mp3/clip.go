package mp3

import (
	"sort"
)

// timeEpsilon absorbs float drift when summing frame durations.
const timeEpsilon = 1e-9

// Frame locates one unit of audio inside a Clip's data. Frames partition the
// data completely: bytes between two sync words belong to the earlier frame.
type Frame struct {
	Offset   int
	Size     int
	Duration float64
}

// Clip is a span of encoded audio that can be cut on frame boundaries without
// re-encoding. Cutting and joining clips never alters the bytes of a frame.
type Clip struct {
	data   []byte
	frames []Frame
	starts []float64
}

// Parse splits raw MPEG audio into frames. ok is false when no run of valid
// frames could be found, in which case the caller should fall back to a
// constant bitrate model.
func Parse(data []byte) (Clip, bool) {
	var frames []Frame

	i := 0
	for i < len(data)-3 {
		h, valid := ParseHeader(data[i:])
		if !valid {
			i++
			continue
		}
		size := h.Size()
		if size <= 4 {
			i++
			continue
		}
		next := i + size
		if next < len(data)-3 {
			if _, ok := ParseHeader(data[next:]); !ok {
				// Sync false positive inside payload; skip it unless we are
				// already inside a run of frames.
				if len(frames) == 0 {
					i++
					continue
				}
			}
		}
		if next > len(data) {
			next = len(data)
		}
		frames = append(frames, Frame{Offset: i, Size: next - i, Duration: h.Duration()})
		i = next
	}

	if len(frames) == 0 {
		return Clip{}, false
	}

	// Leading junk joins the first frame, trailing bytes and gaps join the
	// frame before them.
	if frames[0].Offset > 0 {
		frames[0].Size += frames[0].Offset
		frames[0].Offset = 0
	}
	for j := 0; j < len(frames)-1; j++ {
		frames[j].Size = frames[j+1].Offset - frames[j].Offset
	}
	last := &frames[len(frames)-1]
	last.Size = len(data) - last.Offset

	return newClip(data, frames), true
}

// FromBytes models data as constant bitrate audio, cut into pseudo-frames of
// roughly 10ms. It is used for captures that are not MPEG audio.
func FromBytes(data []byte, bytesPerSecond float64) Clip {
	if bytesPerSecond <= 0 {
		bytesPerSecond = 128 * 1000 / 8
	}
	chunk := int(bytesPerSecond / 100)
	if chunk < 1 {
		chunk = 1
	}

	frames := make([]Frame, 0, len(data)/chunk+1)
	for off := 0; off < len(data); off += chunk {
		size := chunk
		if off+size > len(data) {
			size = len(data) - off
		}
		frames = append(frames, Frame{Offset: off, Size: size, Duration: float64(size) / bytesPerSecond})
	}

	return newClip(data, frames)
}

// Load parses data as MPEG audio and falls back to a constant bitrate model
// at kbps when no frames are found.
func Load(data []byte, kbps int) (Clip, bool) {
	if c, ok := Parse(data); ok {
		return c, true
	}
	return FromBytes(data, float64(kbps)*1000/8), false
}

func newClip(data []byte, frames []Frame) Clip {
	starts := make([]float64, len(frames)+1)
	for i, f := range frames {
		starts[i+1] = starts[i] + f.Duration
	}
	return Clip{data: data, frames: frames, starts: starts}
}

// Duration is the playing time of the clip in seconds.
func (c Clip) Duration() float64 {
	if len(c.starts) == 0 {
		return 0
	}
	return c.starts[len(c.starts)-1]
}

// Frames returns the number of frames in the clip.
func (c Clip) Frames() int {
	return len(c.frames)
}

// Bytes returns the encoded audio. The returned slice must not be modified.
func (c Clip) Bytes() []byte {
	if len(c.frames) == 0 {
		return nil
	}
	first := c.frames[0]
	last := c.frames[len(c.frames)-1]
	return c.data[first.Offset : last.Offset+last.Size]
}

// Empty reports whether the clip holds no frames.
func (c Clip) Empty() bool {
	return len(c.frames) == 0
}

// frameAt returns the index of the first frame starting at or after t.
func (c Clip) frameAt(t float64) int {
	if t <= timeEpsilon {
		return 0
	}
	n := len(c.frames)
	return sort.Search(n, func(i int) bool {
		return c.starts[i] >= t-timeEpsilon
	})
}

// Floor returns the start time of the frame playing at t.
func (c Clip) Floor(t float64) float64 {
	n := len(c.frames)
	if n == 0 {
		return 0
	}
	i := c.frameAt(t)
	if i < n && c.starts[i] <= t+timeEpsilon {
		return c.starts[i]
	}
	if i > 0 {
		return c.starts[i-1]
	}
	return 0
}

// Slice returns the frames starting within [from, to). Adjacent slices with a
// shared bound never overlap and never leave a gap.
func (c Clip) Slice(from, to float64) Clip {
	lo := c.frameAt(from)
	hi := c.frameAt(to)
	if hi < lo {
		hi = lo
	}
	return c.sub(lo, hi)
}

// SplitAt cuts the clip at the first frame boundary at or after t.
func (c Clip) SplitAt(t float64) (Clip, Clip) {
	i := c.frameAt(t)
	return c.sub(0, i), c.sub(i, len(c.frames))
}

// Tail returns the last d seconds of the clip, rounded out to a frame
// boundary, and the clip-relative time at which it starts.
func (c Clip) Tail(d float64) (Clip, float64) {
	if c.Empty() {
		return Clip{}, 0
	}
	from := c.Duration() - d
	if from < 0 {
		from = 0
	}
	i := c.frameAt(from)
	return c.sub(i, len(c.frames)), c.starts[i]
}

func (c Clip) sub(lo, hi int) Clip {
	if lo >= hi {
		return Clip{}
	}
	base := c.frames[lo].Offset
	end := c.frames[hi-1].Offset + c.frames[hi-1].Size

	frames := make([]Frame, hi-lo)
	for i, f := range c.frames[lo:hi] {
		f.Offset -= base
		frames[i] = f
	}
	return newClip(c.data[base:end], frames)
}

// Concat joins clips in order into a new clip backed by fresh memory.
func Concat(clips ...Clip) Clip {
	total := 0
	count := 0
	for _, c := range clips {
		total += len(c.Bytes())
		count += len(c.frames)
	}
	if count == 0 {
		return Clip{}
	}

	data := make([]byte, 0, total)
	frames := make([]Frame, 0, count)
	for _, c := range clips {
		if c.Empty() {
			continue
		}
		base := len(data) - c.frames[0].Offset
		data = append(data, c.Bytes()...)
		for _, f := range c.frames {
			f.Offset += base
			frames = append(frames, f)
		}
	}

	return newClip(data, frames)
}
