package app

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/streamcue/modules/recorder"
	"github.com/zachfi/streamcue/modules/splitter"
	"github.com/zachfi/streamcue/pkg/catalog"
	"github.com/zachfi/streamcue/pkg/segment"
)

type Config struct {
	Target   string          `yaml:"target"`
	LogLevel string          `yaml:"log-level,omitempty"`
	Tracing  tracing.Config  `yaml:"tracing,omitempty"`
	Server   server.Config   `yaml:"server,omitempty"`
	Segment  segment.Config  `yaml:"segment,omitempty"`
	Catalog  catalog.Config  `yaml:"catalog,omitempty"`
	Recorder recorder.Config `yaml:"recorder,omitempty"`
	Splitter splitter.Config `yaml:"splitter,omitempty"`
}

// LoadConfig receives a file path for a configuration to load.
func LoadConfig(file string) (Config, error) {
	filename, _ := filepath.Abs(file)

	config := Config{}
	err := loadYamlFile(filename, &config)
	if err != nil {
		return config, errors.Wrap(err, "failed to load yaml file")
	}

	return config, nil
}

// loadYamlFile unmarshals a YAML file into the received interface{} or returns an error.
func loadYamlFile(filename string, d interface{}) error {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(yamlFile, d)
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", All, "Module to run: all, recorder or splitter.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn or error.")

	flagext.DefaultValues(&c.Server)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3030, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9090, "gRPC server listen port.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Segment.RegisterFlagsAndApplyDefaults("segment", f)
	c.Catalog.RegisterFlagsAndApplyDefaults("catalog", f)
	c.Recorder.RegisterFlagsAndApplyDefaults("recorder", f)
	c.Splitter.RegisterFlagsAndApplyDefaults("splitter", f)
}
