package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.kvram/config.toml"

type Config struct {
	Node       NodeConfig       `toml:"node"`
	Logging    LoggingConfig    `toml:"logging"`
	Store      StoreConfig      `toml:"store"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
}

type NodeConfig struct {
	DataDir string `toml:"data_dir"`
	Account string `toml:"account"` // owner used by the interactive shell
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StoreConfig controls the key-value databases and their limits.
type StoreConfig struct {
	Databases     []string `toml:"databases"`
	EntryOverhead int64    `toml:"entry_overhead"`
	MaxKeySize    int      `toml:"max_key_size"`
	MaxValueSize  int      `toml:"max_value_size"`
	MaxIterators  int      `toml:"max_iterators"`
}

type CheckpointConfig struct {
	Enabled bool   `toml:"enabled"`
	File    string `toml:"file"` // relative paths resolve against node.data_dir
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "~/.kvram",
			Account: "kvtest",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Databases:     []string{"eosio.kvram"},
			EntryOverhead: 112,
			MaxKeySize:    1024,
			MaxValueSize:  256 * 1024,
			MaxIterators:  1024,
		},
		Checkpoint: CheckpointConfig{
			File: "kvram.db",
		},
	}
}

// Load reads a TOML config file over the defaults.
// If path is empty, DefaultPath is used when it exists.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome(DefaultPath)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Write encodes cfg as TOML and replaces path atomically.
func Write(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate reports every invalid field, each prefixed with its TOML path.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Store.Databases) == 0 {
		errs = append(errs, errors.New("store.databases: at least one database id is required"))
	}
	seen := make(map[string]bool, len(c.Store.Databases))
	for _, id := range c.Store.Databases {
		switch {
		case strings.TrimSpace(id) == "":
			errs = append(errs, errors.New("store.databases: empty database id"))
		case seen[id]:
			errs = append(errs, fmt.Errorf("store.databases: duplicate database id %q", id))
		}
		seen[id] = true
	}
	if c.Store.EntryOverhead < 0 {
		errs = append(errs, fmt.Errorf("store.entry_overhead: must not be negative, got %d", c.Store.EntryOverhead))
	}
	if c.Store.MaxKeySize <= 0 {
		errs = append(errs, fmt.Errorf("store.max_key_size: must be positive, got %d", c.Store.MaxKeySize))
	}
	if c.Store.MaxValueSize < 0 {
		errs = append(errs, fmt.Errorf("store.max_value_size: must not be negative, got %d", c.Store.MaxValueSize))
	}
	if c.Store.MaxIterators <= 0 {
		errs = append(errs, fmt.Errorf("store.max_iterators: must be positive, got %d", c.Store.MaxIterators))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.File == "" {
		errs = append(errs, errors.New("checkpoint.file: required when checkpoint.enabled is set"))
	}
	return errors.Join(errs...)
}

// CheckpointPath resolves the checkpoint file against the data directory.
func (c *Config) CheckpointPath() string {
	p := expandHome(c.Checkpoint.File)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(expandHome(c.Node.DataDir), p)
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
