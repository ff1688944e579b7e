package segment

import (
	"math"
	"time"

	"github.com/zachfi/streamcue/pkg/mp3"
)

// analysisStep is the resolution of silence detection.
const analysisStep = 10 * time.Millisecond

// Silence is a run of audio below the threshold, in seconds from the start
// of the analysed PCM.
type Silence struct {
	Start float64
	End   float64
}

// DetectSilence finds runs of at least minRun where the RMS level of every
// analysis step stays below threshold dBFS.
func DetectSilence(p mp3.PCM, threshold float64, minRun time.Duration) []Silence {
	if p.SampleRate <= 0 || p.Channels <= 0 || len(p.Samples) == 0 {
		return nil
	}

	frames := len(p.Samples) / p.Channels
	step := int(float64(p.SampleRate) * analysisStep.Seconds())
	if step < 1 {
		step = 1
	}

	var (
		runs  []Silence
		start = -1
		rate  = float64(p.SampleRate)
	)
	closeRun := func(endFrame int) {
		if start < 0 {
			return
		}
		if float64(endFrame-start)/rate >= minRun.Seconds()-timeEpsilon {
			runs = append(runs, Silence{Start: float64(start) / rate, End: float64(endFrame) / rate})
		}
		start = -1
	}

	for f := 0; f < frames; f += step {
		end := f + step
		if end > frames {
			end = frames
		}
		if level(p.Samples[f*p.Channels:end*p.Channels]) < threshold {
			if start < 0 {
				start = f
			}
			continue
		}
		closeRun(f)
	}
	closeRun(frames)

	return runs
}

// level is the RMS of samples in dBFS. Digital silence is -Inf.
func level(samples []int16) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}
