package segment

import (
	"flag"
	"fmt"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

const (
	defaultMaxSongDuration  = 15 * time.Minute
	defaultSilenceWindow    = 10 * time.Second
	defaultSilenceThreshold = -80.0
	defaultMinSilence       = 100 * time.Millisecond
	defaultMaxTitleLength   = 200
	defaultRenameTimeout    = 30 * time.Second

	DecoderNative = "native"
	DecoderFFmpeg = "ffmpeg"
)

type Config struct {
	MaxSongDuration  time.Duration `yaml:"max-song-duration,omitempty"`
	SilenceWindow    time.Duration `yaml:"silence-window,omitempty"`
	SilenceThreshold float64       `yaml:"silence-threshold,omitempty"` // dBFS
	MinSilence       time.Duration `yaml:"min-silence,omitempty"`
	Decoder          string        `yaml:"decoder,omitempty"`
	FFmpegPath       string        `yaml:"ffmpeg-path,omitempty"`
	KeepRaw          bool          `yaml:"keep-raw,omitempty"`
	MaxTitleLength   int           `yaml:"max-title-length,omitempty"`
	StreamDelay      time.Duration `yaml:"stream-delay,omitempty"`
	RenameTimeout    time.Duration `yaml:"rename-timeout,omitempty"`
	Comment          string        `yaml:"comment,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.MaxSongDuration, util.PrefixConfig(prefix, "max-song-duration"), defaultMaxSongDuration, "Songs longer than this are exported in parts.")
	f.DurationVar(&cfg.SilenceWindow, util.PrefixConfig(prefix, "silence-window"), defaultSilenceWindow, "Trailing audio searched for silence when correcting a song's end.")
	f.Float64Var(&cfg.SilenceThreshold, util.PrefixConfig(prefix, "silence-threshold"), defaultSilenceThreshold, "Level in dBFS below which audio counts as silence.")
	f.DurationVar(&cfg.MinSilence, util.PrefixConfig(prefix, "min-silence"), defaultMinSilence, "Shortest run of silence that marks a song end.")
	f.StringVar(&cfg.Decoder, util.PrefixConfig(prefix, "decoder"), DecoderNative, "Decoder used for silence detection: native or ffmpeg.")
	f.StringVar(&cfg.FFmpegPath, util.PrefixConfig(prefix, "ffmpeg-path"), "ffmpeg", "ffmpeg binary used by the ffmpeg decoder.")
	f.BoolVar(&cfg.KeepRaw, util.PrefixConfig(prefix, "keep-raw"), false, "Keep raw capture segments after a successful split.")
	f.IntVar(&cfg.MaxTitleLength, util.PrefixConfig(prefix, "max-title-length"), defaultMaxTitleLength, "Longest title used in an exported file name.")
	f.DurationVar(&cfg.StreamDelay, util.PrefixConfig(prefix, "stream-delay"), 0, "Added to the first song of a session to account for stream buffering.")
	f.DurationVar(&cfg.RenameTimeout, util.PrefixConfig(prefix, "rename-timeout"), defaultRenameTimeout, "How long to retry moving an export into place. Zero retries until shutdown.")
	f.StringVar(&cfg.Comment, util.PrefixConfig(prefix, "comment"), "Recorded with streamcue", "Comment tag written into exports.")
}

func (cfg *Config) Validate() error {
	switch cfg.Decoder {
	case "", DecoderNative, DecoderFFmpeg:
	default:
		return fmt.Errorf("unknown decoder %q", cfg.Decoder)
	}
	if cfg.MaxSongDuration < 0 || cfg.SilenceWindow < 0 || cfg.MinSilence < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// withDefaults fills zero values so a partially built Config still works.
func (cfg Config) withDefaults() Config {
	if cfg.MaxSongDuration == 0 {
		cfg.MaxSongDuration = defaultMaxSongDuration
	}
	if cfg.SilenceWindow == 0 {
		cfg.SilenceWindow = defaultSilenceWindow
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.MinSilence == 0 {
		cfg.MinSilence = defaultMinSilence
	}
	if cfg.MaxTitleLength == 0 {
		cfg.MaxTitleLength = defaultMaxTitleLength
	}
	return cfg
}
