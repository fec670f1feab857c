package config

import (
	"os"
	"testing"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		os.Setenv(k, v)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoad_RequiresPhoneNumber(t *testing.T) {
	setEnv(t, map[string]string{
		"SIGNAL_PHONE_NUMBER": "",
		"ANTHROPIC_API_KEY":   "sk-ant-test",
	})
	os.Unsetenv("SIGNAL_PHONE_NUMBER")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when SIGNAL_PHONE_NUMBER is unset")
	}
}

func TestLoad_RequiresAPIKey(t *testing.T) {
	setEnv(t, map[string]string{
		"SIGNAL_PHONE_NUMBER": "+41797654321",
	})
	os.Unsetenv("ANTHROPIC_API_KEY")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ANTHROPIC_API_KEY is unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, map[string]string{
		"SIGNAL_PHONE_NUMBER": "+41797654321",
		"ANTHROPIC_API_KEY":   "sk-ant-test",
	})
	os.Unsetenv("SIGNAL_CLI_PATH")
	os.Unsetenv("DATABASE_PATH")
	os.Unsetenv("ANTHROPIC_MODEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Signal.SidecarPath != "signal-cli" {
		t.Errorf("SidecarPath = %q, want %q", cfg.Signal.SidecarPath, "signal-cli")
	}
	if cfg.Database.Path != "./data/tickapp.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./data/tickapp.db")
	}
	if cfg.LLM.Model != "claude-sonnet-4-20250514" {
		t.Errorf("LLM.Model = %q, want default", cfg.LLM.Model)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	setEnv(t, map[string]string{
		"SIGNAL_PHONE_NUMBER": "+41797654321",
		"ANTHROPIC_API_KEY":   "sk-ant-test",
		"SIGNAL_CLI_PATH":     "/usr/local/bin/signal-cli",
		"DATABASE_PATH":       "/data/custom.db",
		"ANTHROPIC_MODEL":     "claude-opus-4",
		"SIGNAL_TEST_MODE":    "true",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Signal.SidecarPath != "/usr/local/bin/signal-cli" {
		t.Errorf("SidecarPath = %q, want override", cfg.Signal.SidecarPath)
	}
	if cfg.Database.Path != "/data/custom.db" {
		t.Errorf("Database.Path = %q, want override", cfg.Database.Path)
	}
	if cfg.LLM.Model != "claude-opus-4" {
		t.Errorf("LLM.Model = %q, want override", cfg.LLM.Model)
	}
	if !cfg.Signal.TestMode {
		t.Error("expected TestMode true")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	setEnv(t, map[string]string{
		"SIGNAL_PHONE_NUMBER": "+41797654321",
		"ANTHROPIC_API_KEY":   "sk-ant-test",
		"LOG_LEVEL":           "nonsense",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
