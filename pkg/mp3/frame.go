package mp3

// Header is a decoded MPEG audio frame header.
type Header struct {
	Version    int // 1, 2, or 25 for MPEG 2.5
	Layer      int // 1, 2, or 3
	Bitrate    int // kbit/s
	SampleRate int // Hz
	Padding    bool
}

var (
	bitratesV1 = [3][16]int{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, -1},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, -1},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, -1},
	}
	bitratesV2 = [3][16]int{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, -1},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, -1},
	}
	sampleRates = map[int][3]int{
		1:  {44100, 48000, 32000},
		2:  {22050, 24000, 16000},
		25: {11025, 12000, 8000},
	}
)

// FindSync finds the position of the first MP3 frame sync word: 0xFF followed
// by a byte whose top three bits are set. Returns -1 if not found.
func FindSync(data []byte) int {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}

// ParseHeader decodes the four header bytes at the start of b. Free-format
// and reserved values are rejected.
func ParseHeader(b []byte) (Header, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return Header{}, false
	}

	var h Header
	switch (b[1] >> 3) & 0x03 {
	case 0:
		h.Version = 25
	case 2:
		h.Version = 2
	case 3:
		h.Version = 1
	default:
		return Header{}, false
	}

	switch (b[1] >> 1) & 0x03 {
	case 1:
		h.Layer = 3
	case 2:
		h.Layer = 2
	case 3:
		h.Layer = 1
	default:
		return Header{}, false
	}

	brIdx := int(b[2] >> 4)
	srIdx := int((b[2] >> 2) & 0x03)
	if brIdx == 0 || brIdx == 15 || srIdx == 3 {
		return Header{}, false
	}

	if h.Version == 1 {
		h.Bitrate = bitratesV1[h.Layer-1][brIdx]
	} else {
		h.Bitrate = bitratesV2[h.Layer-1][brIdx]
	}
	h.SampleRate = sampleRates[h.Version][srIdx]
	h.Padding = (b[2]>>1)&0x01 == 1

	return h, true
}

// Samples is the number of PCM samples per channel carried by one frame.
func (h Header) Samples() int {
	switch {
	case h.Layer == 1:
		return 384
	case h.Layer == 3 && h.Version != 1:
		return 576
	default:
		return 1152
	}
}

// Size is the total frame length in bytes, header included.
func (h Header) Size() int {
	pad := 0
	if h.Padding {
		pad = 1
	}
	if h.Layer == 1 {
		return (12*h.Bitrate*1000/h.SampleRate + pad) * 4
	}
	return h.Samples()/8*h.Bitrate*1000/h.SampleRate + pad
}

// Duration of the frame in seconds.
func (h Header) Duration() float64 {
	return float64(h.Samples()) / float64(h.SampleRate)
}
