package agw

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration shared by the command line tools.
// Flags override anything read from file.
type Config struct {
	// Addr is the AGW host, "host:port".
	Addr string `yaml:"addr"`

	// Port is the host radio port index.
	Port uint8 `yaml:"port"`

	// PID is the AX.25 protocol id; 0xF0 means no layer 3.
	PID uint8 `yaml:"pid"`

	// MyCall is the local callsign, e.g. "M0THC-1".
	MyCall string `yaml:"mycall"`
}

// DefaultConfig returns the stock settings: local Direwolf, port 0,
// PID 0xF0.
func DefaultConfig() Config {
	return Config{
		Addr: DefaultAddr,
		PID:  0xF0,
	}
}

// LoadConfig reads a YAML config file on top of the defaults. A missing
// file is not an error: you get the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg = DefaultConfig()

	var raw, readErr = os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return cfg, nil
		}

		return cfg, readErr
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
