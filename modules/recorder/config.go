package recorder

import (
	"errors"
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/streamcue/pkg/djsource"
	"github.com/zachfi/streamcue/pkg/shoutcast"
)

const (
	defaultChunkSize           = 1024
	defaultMaxSegmentDuration  = 15 * time.Minute
	defaultTickInterval        = 500 * time.Millisecond
	defaultPollRetryInterval   = 500 * time.Millisecond
	defaultReconnectBackoff    = 5 * time.Second
	defaultReconnectBackoffMax = 60 * time.Second
	defaultStopGrace           = 2 * time.Second
	defaultSegmentWorkers      = 1
	defaultQueueSize           = 16
)

type Config struct {
	StreamURL string `yaml:"stream-url,omitempty"`
	StatusURL string `yaml:"status-url,omitempty"` // derived from stream-url when empty
	Dir       string `yaml:"dir,omitempty"`

	ChunkSize          int           `yaml:"chunk-size,omitempty"`
	MaxSegmentDuration time.Duration `yaml:"max-segment-duration,omitempty"`
	FrameSync          bool          `yaml:"frame-sync,omitempty"`
	StopGrace          time.Duration `yaml:"stop-grace,omitempty"`

	TickInterval      time.Duration `yaml:"tick-interval,omitempty"`
	PollRetryInterval time.Duration `yaml:"poll-retry-interval,omitempty"`
	PollTimeout       time.Duration `yaml:"poll-timeout,omitempty"`

	ReconnectBackoff    time.Duration `yaml:"reconnect-backoff,omitempty"`     // initial delay before reconnecting after a stream fault
	ReconnectBackoffMax time.Duration `yaml:"reconnect-backoff-max,omitempty"` // cap on reconnect delay (exponential backoff)

	CueOnly        bool `yaml:"cue-only,omitempty"`
	SegmentWorkers int  `yaml:"segment-workers,omitempty"`
	QueueSize      int  `yaml:"queue-size,omitempty"`

	DJ djsource.Config `yaml:"dj,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.StreamURL, util.PrefixConfig(prefix, "stream-url"), "", "The URL from which to stream. Playlists are resolved.")
	f.StringVar(&cfg.StatusURL, util.PrefixConfig(prefix, "status-url"), "", "Icecast status-json.xsl URL. Derived from the stream URL when empty.")
	f.StringVar(&cfg.Dir, util.PrefixConfig(prefix, "dir"), ".", "The directory sessions are saved under")

	f.IntVar(&cfg.ChunkSize, util.PrefixConfig(prefix, "chunk-size"), defaultChunkSize, "Bytes read from the stream per write.")
	f.DurationVar(&cfg.MaxSegmentDuration, util.PrefixConfig(prefix, "max-segment-duration"), defaultMaxSegmentDuration, "Capture time after which a new raw segment file is started.")
	f.BoolVar(&cfg.FrameSync, util.PrefixConfig(prefix, "frame-sync"), true, "Skip to the first MP3 frame before writing a session's capture.")
	f.DurationVar(&cfg.StopGrace, util.PrefixConfig(prefix, "stop-grace"), defaultStopGrace, "How long a stopping capture may stay blocked on the network before the stream is closed.")

	f.DurationVar(&cfg.TickInterval, util.PrefixConfig(prefix, "tick-interval"), defaultTickInterval, "How often the session checks for a title change.")
	f.DurationVar(&cfg.PollRetryInterval, util.PrefixConfig(prefix, "poll-retry-interval"), defaultPollRetryInterval, "Wait between failed status polls.")
	f.DurationVar(&cfg.PollTimeout, util.PrefixConfig(prefix, "poll-timeout"), 0, "Give up on the status endpoint after failing for this long. Zero retries forever.")

	f.DurationVar(&cfg.ReconnectBackoff, util.PrefixConfig(prefix, "reconnect-backoff"), defaultReconnectBackoff,
		"Initial delay before reconnecting after a stream fault. Exponential backoff is used up to reconnect-backoff-max.")
	f.DurationVar(&cfg.ReconnectBackoffMax, util.PrefixConfig(prefix, "reconnect-backoff-max"), defaultReconnectBackoffMax,
		"Maximum delay between reconnection attempts.")

	f.BoolVar(&cfg.CueOnly, util.PrefixConfig(prefix, "cue-only"), false, "Only write the cue log, do not capture audio.")
	f.IntVar(&cfg.SegmentWorkers, util.PrefixConfig(prefix, "segment-workers"), defaultSegmentWorkers, "Sessions split concurrently.")
	f.IntVar(&cfg.QueueSize, util.PrefixConfig(prefix, "queue-size"), defaultQueueSize, "Finished sessions waiting to be split before capture blocks.")

	cfg.DJ.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "dj"), f)
}

func (cfg *Config) Validate() error {
	if cfg.StreamURL == "" {
		return errors.New("stream-url is required")
	}
	if cfg.ChunkSize <= 0 {
		return errors.New("chunk-size must be positive")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tick-interval must be positive")
	}
	return nil
}

// statusURL is the configured status URL or the one next to the stream.
func (cfg *Config) statusURL() string {
	if cfg.StatusURL != "" {
		return cfg.StatusURL
	}
	return shoutcast.StatusURL(cfg.StreamURL)
}
