package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  name: llama3.1:8b
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Model.Name != "llama3.1:8b" {
		t.Errorf("model = %q", cfg.Model.Name)
	}
	if cfg.Listen.Port != 8488 {
		t.Errorf("port = %d, want default 8488", cfg.Listen.Port)
	}
	if cfg.Window.MaxTokens != 8000 {
		t.Errorf("max tokens = %d, want default 8000", cfg.Window.MaxTokens)
	}
	if cfg.Window.TriggerRatio != 0.7 {
		t.Errorf("trigger ratio = %g, want default 0.7", cfg.Window.TriggerRatio)
	}
	if cfg.Orchestrator.MaxIterations != 12 {
		t.Errorf("max iterations = %d, want default 12", cfg.Orchestrator.MaxIterations)
	}
	if cfg.ModelTimeout() != 120*time.Second {
		t.Errorf("model timeout = %s, want 120s", cfg.ModelTimeout())
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9000
model:
  base_url: http://models.internal:11434
  name: qwen2.5:32b
  timeout_sec: 60
embeddings:
  enabled: true
  model: nomic-embed-text
window:
  max_tokens: 16000
  trigger_ratio: 0.8
  keep_recent: 20
  summarize: true
orchestrator:
  max_iterations: 6
  max_violations: 2
tools:
  timeout_sec: 10
  serial: true
data_dir: /var/lib/keel
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9000 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if cfg.Window.KeepRecent != 20 || !cfg.Window.Summarize {
		t.Errorf("window = %+v", cfg.Window)
	}
	if cfg.Orchestrator.MaxViolations != 2 {
		t.Errorf("max violations = %d", cfg.Orchestrator.MaxViolations)
	}
	if !cfg.Tools.Serial {
		t.Error("serial should be set")
	}
	// Embeddings base URL inherits the model endpoint when unset.
	if cfg.Embeddings.BaseURL != "http://models.internal:11434" {
		t.Errorf("embeddings base url = %q", cfg.Embeddings.BaseURL)
	}
}

func TestValidate_TriggerRatioBounds(t *testing.T) {
	path := writeConfig(t, `
window:
  trigger_ratio: 1.5
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for trigger_ratio >= 1")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "model: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestFindConfig_ExplicitMustExist(t *testing.T) {
	if _, err := FindConfig("/nonexistent/keel.yaml"); err == nil {
		t.Error("expected error for missing explicit path")
	}

	path := writeConfig(t, "")
	found, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"debug", slog.LevelDebug, true},
		{"trace", LevelTrace, true},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParseLogLevel(%q) should fail", tc.in)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
