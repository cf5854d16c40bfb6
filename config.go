// Package torrentcore is the top-level entry point: Config loads the
// engine-wide settings a session.Config is built from, the way the
// teacher's root package loaded its own flat Config from YAML.
package torrentcore

import (
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v1"
)

// Config is the on-disk settings file for an embedding application. It
// carries only what can't be guessed from session.DefaultConfig. This
// package does not build a session.Config from it; LoadConfig fills keys the
// file leaves out from DefaultConfig.
type Config struct {
	Port       uint16
	DataDir    string `yaml:"data_dir"`
	Database   string `yaml:"database"`
	LogLevel   string `yaml:"log_level"`
	Blocklist  string `yaml:"blocklist"`
	DHTEnabled bool   `yaml:"dht_enabled"`
	// StreamAddr is the listen address for the stream.Server an embedder may
	// start alongside a Session (spec §4.11); ":0" picks an OS-assigned port.
	StreamAddr string `yaml:"stream_addr"`
}

// DefaultConfig mirrors the teacher's single DefaultConfig value, extended
// with the fields this engine's session layer also needs from a config
// file rather than being hardcoded.
var DefaultConfig = Config{
	Port:       6881,
	LogLevel:   "info",
	DHTEnabled: true,
	StreamAddr: ":0",
}

// LoadConfig reads filename as YAML, starting from DefaultConfig so a
// missing or partial file still yields usable settings. A missing file is
// not an error, matching the teacher's LoadConfig behavior.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
