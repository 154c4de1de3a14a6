package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/pengusystems/rhodes/engine"
	"github.com/pengusystems/rhodes/glv"
	"github.com/pengusystems/rhodes/logger"
	"github.com/pengusystems/rhodes/telemetry"
)

// Config is the server configuration file
type Config struct {
	// Addr is the HTTP listen address
	Addr string `yaml:"addr" koanf:"addr"`

	// Digitizer is the host:port of the digitizer stream bridge
	Digitizer string `yaml:"digitizer" koanf:"digitizer"`

	// Simulate replaces the hardware with a synthetic digitizer and a mock modulator
	Simulate bool `yaml:"simulate" koanf:"simulate"`

	// DumpRoot is where pattern and solution dumps are written
	DumpRoot string `yaml:"dumpRoot" koanf:"dumpRoot"`

	Engine engine.Config        `yaml:"engine" koanf:"engine"`
	GLV    glv.Config           `yaml:"glv" koanf:"glv"`
	Log    logger.Config        `yaml:"log" koanf:"log"`
	MQTT   telemetry.MQTTConfig `yaml:"mqtt" koanf:"mqtt"`
}

// defaultConfig is written by mkconf and underlies every loaded file
func defaultConfig() Config {
	return Config{
		Addr:      ":8000",
		Digitizer: "localhost:5025",
		DumpRoot:  "dumps",
		Engine:    engine.DefaultConfig(),
		GLV:       glv.DefaultConfig(),
		Log:       logger.DefaultConfig(),
		MQTT:      telemetry.MQTTConfig{Topic: "iris", ClientID: "irissrv"},
	}
}

// loadConfig layers the file at path over the defaults.  A missing file is not an error.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return c, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return c, fmt.Errorf("error loading config: %w", err)
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// writeConfig encodes c as YAML
func writeConfig(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

func mkconf(path string) error {
	c, err := loadConfig(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeConfig(f, c)
}
