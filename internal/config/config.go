// Package config handles tickapp configuration loading from the process
// environment. Spec §6 fixes environment variables as the only
// configuration surface — there is no config file to search for or watch.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all tickapp configuration, loaded once at process init and
// never mutated afterward. Pass it as an explicit dependency bundle into
// constructors; never stash it in a package-level var.
type Config struct {
	Signal   SignalConfig
	Database DatabaseConfig
	LLM      LLMConfig
	LogLevel string
}

// SignalConfig configures the sidecar adapter (C1).
type SignalConfig struct {
	PhoneNumber    string // SIGNAL_PHONE_NUMBER
	SidecarPath    string // SIGNAL_CLI_PATH, default "signal-cli"
	AttachmentDir  string // SIGNAL_ATTACHMENT_DIR, default "~/.local/share/signal-cli/attachments"
	DefaultGroupID string // SIGNAL_GROUP_ID, fallback notification target
	TestMode       bool   // SIGNAL_TEST_MODE
}

// DatabaseConfig configures the persistence layer (C2).
type DatabaseConfig struct {
	Path string // DATABASE_PATH, default "./data/tickapp.db"
}

// LLMConfig configures the vision extraction client (C3).
type LLMConfig struct {
	APIKey string // ANTHROPIC_API_KEY
	Model  string // ANTHROPIC_MODEL, default "claude-sonnet-4-20250514"
}

// Load populates a Config from the process environment, applies defaults
// for unset fields, and validates the result. After Load returns
// successfully, all fields are usable without additional nil/empty checks.
func Load() (*Config, error) {
	cfg := &Config{
		Signal: SignalConfig{
			PhoneNumber:    os.Getenv("SIGNAL_PHONE_NUMBER"),
			SidecarPath:    os.Getenv("SIGNAL_CLI_PATH"),
			AttachmentDir:  os.Getenv("SIGNAL_ATTACHMENT_DIR"),
			DefaultGroupID: os.Getenv("SIGNAL_GROUP_ID"),
			TestMode:       parseBool(os.Getenv("SIGNAL_TEST_MODE")),
		},
		Database: DatabaseConfig{
			Path: os.Getenv("DATABASE_PATH"),
		},
		LLM: LLMConfig{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  os.Getenv("ANTHROPIC_MODEL"),
		},
		LogLevel: os.Getenv("LOG_LEVEL"),
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// applyDefaults fills in zero-value fields with sensible defaults. Called
// automatically by Load. After this, callers can read any field without
// checking for empty strings.
func (c *Config) applyDefaults() {
	if c.Signal.SidecarPath == "" {
		c.Signal.SidecarPath = "signal-cli"
	}
	if c.Signal.AttachmentDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Signal.AttachmentDir = home + "/.local/share/signal-cli/attachments"
		} else {
			c.Signal.AttachmentDir = "./attachments"
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/tickapp.db"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Signal.PhoneNumber == "" {
		return fmt.Errorf("SIGNAL_PHONE_NUMBER is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}
