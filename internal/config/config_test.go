package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Plugin.Agent != "jesta" {
		t.Errorf("agent = %q", cfg.Plugin.Agent)
	}
	if cfg.Server.Transport != "stdio" {
		t.Errorf("transport = %q", cfg.Server.Transport)
	}
	if cfg.Temporal.TaskQueue != "jesta" {
		t.Errorf("task queue = %q", cfg.Temporal.TaskQueue)
	}
	if warnings := cfg.Validate(); len(warnings) != 0 {
		t.Errorf("defaults should have no warnings, got %v", warnings)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jesta.yaml")
	content := "server:\n  transport: http\n  addr: \":9000\"\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JESTA_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Transport != "http" || cfg.Server.Addr != ":9000" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected environment to override file, got level %q", cfg.Log.Level)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jesta.yaml")
	if err := os.WriteFile(path, []byte("server: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string // substring of the expected warning, "" for none
	}{
		{"empty", Config{}, ""},
		{"unknown transport", Config{Server: ServerConfig{Transport: "grpc"}}, "transport"},
		{"http without addr", Config{Server: ServerConfig{Transport: "http"}}, "addr"},
		{"bad level", Config{Log: LogConfig{Level: "loud"}}, "log level"},
		{"bad format", Config{Log: LogConfig{Format: "xml"}}, "log format"},
		{"sample rate", Config{Tracing: TracingConfig{SampleRate: 2}}, "sample_rate"},
		{"graph without user", Config{Graph: GraphConfig{URI: "neo4j://localhost"}}, "username"},
		{"negative sessions", Config{Plugin: PluginConfig{MaxSessions: -1}}, "max_sessions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings := tt.cfg.Validate()
			if tt.want == "" {
				if len(warnings) != 0 {
					t.Fatalf("expected no warnings, got %v", warnings)
				}
				return
			}
			found := false
			for _, w := range warnings {
				if strings.Contains(w, tt.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected warning about %s, got %v", tt.want, warnings)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("expected json output, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{"": slog.LevelInfo, "debug": slog.LevelDebug, "ERROR": slog.LevelError} {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", name, got, err)
		}
	}
}
