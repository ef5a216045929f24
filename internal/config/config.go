// Package config loads the server's configuration: built-in defaults,
// overridden by a key=value config file, overridden again by CLI flags.
//
// The on-disk grammar is a literal part of the external interface (ip=,
// port=, max_clients=, max_rooms=, # and ; comments, trimmed lines) and
// is therefore hand-rolled against original_source/server_src/config.c
// rather than delegated to a structured-config library such as the
// teacher's own github.com/BurntSushi/toml — TOML is a different grammar
// than the one the wire contract names.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the server's runtime parameters.
type Config struct {
	IP         string
	Port       int
	MaxClients int
	MaxRooms   int
}

// Default returns the documented defaults: 0.0.0.0:7777, 128 clients, 32
// rooms.
func Default() Config {
	return Config{
		IP:         "0.0.0.0",
		Port:       7777,
		MaxClients: 128,
		MaxRooms:   32,
	}
}

// hard ceilings a validated config is clamped to, regardless of what the
// file or flags request.
const (
	MaxClientsCeiling = 128
	MaxRoomsCeiling   = 64
)

func trim(s string) string {
	return strings.TrimSpace(s)
}

// Load reads path and applies any of ip/port/max_clients/max_rooms it
// finds on top of base. Lines are trimmed; a '#' or ';' starts a
// comment that runs to the end of the line (after trimming, so leading
// whitespace before the comment marker is tolerated); blank lines are
// skipped. An unrecognized key is ignored, matching the original's
// set_kv, which silently drops anything it doesn't know.
func Load(path string, base Config) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, err
	}
	defer f.Close()

	cfg := base
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := stripComment(scanner.Text())
		line = trim(line)
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := trim(line[:eq])
		val := trim(line[eq+1:])
		if err := setKV(&cfg, key, val); err != nil {
			return base, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return base, fmt.Errorf("reading %s: %w", path, err)
	}
	return cfg, nil
}

func stripComment(line string) string {
	for _, marker := range []byte{'#', ';'} {
		if i := strings.IndexByte(line, marker); i >= 0 {
			line = line[:i]
		}
	}
	return line
}

func setKV(cfg *Config, key, val string) error {
	switch key {
	case "ip":
		cfg.IP = val
	case "port":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("bad port %q: %w", val, err)
		}
		cfg.Port = n
	case "max_clients":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("bad max_clients %q: %w", val, err)
		}
		cfg.MaxClients = n
	case "max_rooms":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("bad max_rooms %q: %w", val, err)
		}
		cfg.MaxRooms = n
	}
	return nil
}

// Validate checks port range and clamps max_clients/max_rooms to their
// hard ceilings, matching main()'s validation of the CLI-overridden
// config before the listener is started.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", c.Port)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("max_clients must be >= 1")
	}
	if c.MaxRooms < 1 {
		return fmt.Errorf("max_rooms must be >= 1")
	}
	if c.MaxClients > MaxClientsCeiling {
		c.MaxClients = MaxClientsCeiling
	}
	if c.MaxRooms > MaxRoomsCeiling {
		c.MaxRooms = MaxRoomsCeiling
	}
	return nil
}
