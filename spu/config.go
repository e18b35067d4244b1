package spu

import "fmt"
import "os"

import "github.com/pelletier/go-toml/v2"

// Config_t sizes the runtime at boot.
type Config_t struct {
	Cpus        int    `toml:"cpus"`
	Mempages    int    `toml:"mem_pages"`
	Scratchsize int    `toml:"scratch_size"`
	Consolesize int    `toml:"console_size"`
	Loglevel    string `toml:"log_level"`
}

// Mkconfig returns the default configuration.
func Mkconfig() Config_t {
	return Config_t{
		Cpus:        4,
		Mempages:    4096,
		Scratchsize: 64 << 10,
		Consolesize: 64 << 10,
		Loglevel:    "warn",
	}
}

// Loadconfig reads a TOML config file over the defaults.
func Loadconfig(path string) (Config_t, error) {
	cfg := Mkconfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Cpus <= 0 || cfg.Mempages <= 0 {
		return cfg, fmt.Errorf("config: cpus and mem_pages must be positive")
	}
	return cfg, nil
}
