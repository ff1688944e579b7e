package djsource

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/zachfi/zkit/pkg/util"
)

const defaultCheckInterval = 5 * time.Second

type Config struct {
	URL                string                 `yaml:"url,omitempty"`
	NameSelector       string                 `yaml:"name-selector,omitempty"`
	ImageSelector      string                 `yaml:"image-selector,omitempty"`
	ImageAttribute     string                 `yaml:"image-attribute,omitempty"`
	NowPlayingSelector string                 `yaml:"now-playing-selector,omitempty"`
	CheckInterval      time.Duration          `yaml:"check-interval,omitempty"`
	Exclude            flagext.StringSliceCSV `yaml:"exclude,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "", "Page that shows the current DJ. DJ tracking is off when empty.")
	f.StringVar(&cfg.NameSelector, util.PrefixConfig(prefix, "name-selector"), "", "CSS selector whose text is the DJ name.")
	f.StringVar(&cfg.ImageSelector, util.PrefixConfig(prefix, "image-selector"), "", "CSS selector of the DJ image element.")
	f.StringVar(&cfg.ImageAttribute, util.PrefixConfig(prefix, "image-attribute"), "src", "Attribute of the image element holding the image URL.")
	f.StringVar(&cfg.NowPlayingSelector, util.PrefixConfig(prefix, "now-playing-selector"), "", "CSS selector whose text is used as the title when the status has none.")
	f.DurationVar(&cfg.CheckInterval, util.PrefixConfig(prefix, "check-interval"), defaultCheckInterval, "How often to look for a DJ while waiting for one.")
	f.Var(&cfg.Exclude, util.PrefixConfig(prefix, "exclude"), "Comma separated DJ names that are not recorded.")
}

// Enabled reports whether a DJ page and name selector are configured.
func (cfg *Config) Enabled() bool {
	return cfg.URL != "" && cfg.NameSelector != ""
}

// Excluded reports whether name is on the exclusion list.
func (cfg *Config) Excluded(name string) bool {
	for _, e := range cfg.Exclude {
		if e == name {
			return true
		}
	}
	return false
}
