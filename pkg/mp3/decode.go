package mp3

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

// PCM is interleaved signed 16-bit audio.
type PCM struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration of the decoded audio in seconds.
func (p PCM) Duration() float64 {
	if p.SampleRate == 0 || p.Channels == 0 {
		return 0
	}
	return float64(len(p.Samples)/p.Channels) / float64(p.SampleRate)
}

// Decoder turns encoded audio into PCM for analysis.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (PCM, error)
}

// NativeDecoder decodes MPEG layer III in-process.
type NativeDecoder struct{}

func (NativeDecoder) Decode(_ context.Context, data []byte) (PCM, error) {
	d, err := gomp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("failed to open mp3 decoder: %w", err)
	}

	raw, err := io.ReadAll(d)
	if err != nil && len(raw) == 0 {
		return PCM{}, fmt.Errorf("failed to decode mp3: %w", err)
	}

	// go-mp3 always produces 16-bit little endian stereo.
	return PCM{
		Samples:    bytesToSamples(raw),
		SampleRate: d.SampleRate(),
		Channels:   2,
	}, nil
}

// FFmpegDecoder shells out to ffmpeg, which handles any codec it knows.
type FFmpegDecoder struct {
	Command    string
	SampleRate int
}

func (f FFmpegDecoder) Decode(ctx context.Context, data []byte) (PCM, error) {
	command := f.Command
	if command == "" {
		command = "ffmpeg"
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = 44100
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-ac", "2",
		"-ar", strconv.Itoa(rate),
		"-f", "s16le",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return PCM{}, fmt.Errorf("ffmpeg decode failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	return PCM{
		Samples:    bytesToSamples(stdout.Bytes()),
		SampleRate: rate,
		Channels:   2,
	}, nil
}

func bytesToSamples(raw []byte) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples
}
