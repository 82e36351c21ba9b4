package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newConfigFile writes the defaults plus a second agent to a temp file.
func newConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := defaults()
	cfg.LLM.APIKey = "sk-test-1234"
	cfg.Agents = append(cfg.Agents, Agent{ID: "critic", Name: "Critic", SystemPrompt: "Be terse."})
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Durability != "best_effort" || cfg.Storage.Driver != "sqlite" || cfg.PreloadRecent != 10 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "assistant" {
		t.Errorf("expected the default agent, got %+v", cfg.Agents)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults not written: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	in := defaults()
	in.Durability = "write_ahead"
	in.Storage.Driver = "file"
	in.Storage.Path = "/srv/chats"
	in.HTTP.Enabled = true
	in.HTTP.AllowedOrigins = []string{"http://localhost:5173"}
	in.Agents = []Agent{{ID: "a1", Name: "Helper", Model: "gpt-4o", SystemPrompt: "be brief"}}
	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Durability != "write_ahead" || out.StoragePath() != "/srv/chats" || !out.HTTP.Enabled {
		t.Errorf("storage settings lost: %+v", out)
	}
	if len(out.HTTP.AllowedOrigins) != 1 {
		t.Errorf("allowed origins lost: %v", out.HTTP.AllowedOrigins)
	}
	if len(out.Agents) != 1 || out.Agents[0] != in.Agents[0] {
		t.Errorf("agents lost: %+v", out.Agents)
	}
}

func TestStoragePathDefaults(t *testing.T) {
	cfg := defaults()
	cfg.DataDir = "/data"
	if got := cfg.StoragePath(); got != filepath.Join("/data", "chat.db") {
		t.Errorf("sqlite path: got %q", got)
	}
	cfg.Storage.Driver = "file"
	if got := cfg.StoragePath(); got != filepath.Join("/data", "chats") {
		t.Errorf("file path: got %q", got)
	}
}

func TestListValues(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-secret-9876"

	plain, err := ListValues(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if plain["llm.api_key"] != "sk-secret-9876" {
		t.Errorf("unmasked list should show the key, got %v", plain["llm.api_key"])
	}
	if plain["agents.0.name"] != "Assistant" || plain["storage.driver"] != "sqlite" {
		t.Errorf("unexpected values %v", plain)
	}

	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if masked["llm.api_key"] != "***9876" {
		t.Errorf("expected masked key, got %v", masked["llm.api_key"])
	}
}

func TestGetValue(t *testing.T) {
	path := newConfigFile(t)

	tests := []struct {
		key  string
		want any
	}{
		{"durability", "best_effort"},
		{"storage.driver", "sqlite"},
		{"preload_recent", 10.0},
		{"agents.1.system_prompt", "Be terse."},
	}
	for _, tt := range tests {
		got, err := GetValue(path, tt.key)
		if err != nil {
			t.Errorf("%s: %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.key, tt.want, got)
		}
	}

	if _, err := GetValue(path, "storage.nope"); err == nil || !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestSetValue(t *testing.T) {
	path := newConfigFile(t)

	sets := map[string]string{
		"durability":             "write_ahead",
		"storage.driver":         "file",
		"max_concurrent":         "8",
		"http.enabled":           "true",
		"http.allowed_origins":   `["http://localhost:3000"]`,
		"agents.1.system_prompt": "Be kind.",
		"agents.0.model":         "gpt-4o",
	}
	for k, v := range sets {
		if err := SetValue(path, k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Durability != "write_ahead" || cfg.Storage.Driver != "file" || cfg.MaxConcurrent != 8 || !cfg.HTTP.Enabled {
		t.Errorf("scalar sets lost: %+v", cfg)
	}
	if len(cfg.HTTP.AllowedOrigins) != 1 || cfg.HTTP.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("list set lost: %v", cfg.HTTP.AllowedOrigins)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1].SystemPrompt != "Be kind." || cfg.Agents[0].Model != "gpt-4o" {
		t.Errorf("agent field sets lost: %+v", cfg.Agents)
	}
	if cfg.Agents[1].Name != "Critic" {
		t.Errorf("untouched agent fields changed: %+v", cfg.Agents[1])
	}
}

func TestSetValueAppendsAgent(t *testing.T) {
	path := newConfigFile(t)
	if err := SetValue(path, "agents.2.id", "coder"); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Agents) != 3 || cfg.Agents[2].ID != "coder" {
		t.Errorf("expected a third agent, got %+v", cfg.Agents)
	}
}

func TestSetValueRejectsUnreadableResult(t *testing.T) {
	path := newConfigFile(t)
	before, _ := os.ReadFile(path)

	// Index 5 leaves a gap, so agents would no longer be a list.
	if err := SetValue(path, "agents.5.id", "ghost"); err == nil {
		t.Fatal("expected error for non-contiguous agent index")
	}
	if err := SetValue(path, "max_concurrent", "lots"); err == nil {
		t.Fatal("expected error for a string in a numeric field")
	}

	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("rejected sets must leave the file untouched")
	}
}

func TestSetValueMissingFile(t *testing.T) {
	if err := SetValue(filepath.Join(t.TempDir(), "none.json"), "durability", "write_ahead"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := newConfigFile(t)
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("AGENTCHAT_DATA_DIR", "/tmp/env-data")
	t.Setenv("AGENTCHAT_STORAGE", "file")
	t.Setenv("AGENTCHAT_MAX_CONCURRENT", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-from-env" || cfg.MaxConcurrent != 5 {
		t.Errorf("env overrides lost: %q %d", cfg.LLM.APIKey, cfg.MaxConcurrent)
	}
	if got := cfg.StoragePath(); got != filepath.Join("/tmp/env-data", "chats") {
		t.Errorf("unexpected storage path %q", got)
	}

	// Env overrides are not written back.
	v, err := GetValue(path, "llm.api_key")
	if err != nil {
		t.Fatal(err)
	}
	if v != "sk-test-1234" {
		t.Errorf("expected file api key kept, got %v", v)
	}
}

func TestLoadDotEnvNextToConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// Registered first so the cleanup restores the unset state after Load
	// has set the variable from the file.
	t.Setenv("OPENAI_BASE_URL", "")
	os.Unsetenv("OPENAI_BASE_URL")

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("OPENAI_BASE_URL=http://localhost:11434/v1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("expected base url from .env, got %q", cfg.LLM.BaseURL)
	}
}
