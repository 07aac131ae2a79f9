package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultBufferSize is the timeline window capacity used when the config
// does not set one.
const DefaultBufferSize = 50

// Config represents the global ~/.nachat/config.toml.
type Config struct {
	// Homeserver is the base URL of the Matrix homeserver, e.g.
	// "https://matrix.example.org".
	Homeserver string `toml:"homeserver"`
	// UserID is the full Matrix user id, e.g. "@alice:example.org".
	UserID string `toml:"user_id"`
	// AccessToken authenticates client-server API requests.
	AccessToken string `toml:"access_token"`
	// BufferSize bounds the per-room timeline window kept in memory.
	BufferSize int `toml:"buffer_size"`
	// StateDir overrides the default ~/.nachat state directory.
	StateDir string `toml:"state_dir"`
	Debug    bool   `toml:"debug"`
}

// Load reads config from the given path and applies defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &cfg, nil
}

// Validate checks the fields a session cannot run without.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("config: homeserver is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
