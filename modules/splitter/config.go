package splitter

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/zachfi/zkit/pkg/util"
)

type Config struct {
	// SessionDirs are session directories, or directories holding them.
	SessionDirs flagext.StringSliceCSV `yaml:"session-dirs,omitempty"`
	Workers     int                    `yaml:"workers,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.SessionDirs, util.PrefixConfig(prefix, "session-dirs"), "Comma separated session directories to split, or directories containing them.")
	f.IntVar(&cfg.Workers, util.PrefixConfig(prefix, "workers"), 1, "Sessions split concurrently.")
}
