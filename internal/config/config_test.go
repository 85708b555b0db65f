package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := loadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if cfg.HandshakeTimeout("builder") != DefaultBuilderHandshakeTimeout {
		t.Errorf("builder timeout = %v, want default", cfg.HandshakeTimeout("builder"))
	}
	if cfg.HandshakeTimeout("reviewer") != DefaultReviewerHandshakeTimeout {
		t.Errorf("reviewer timeout = %v, want default", cfg.HandshakeTimeout("reviewer"))
	}
}

func TestLoadFileParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
hook_listen_addr: "127.0.0.1:19999"
kinds:
  builder:
    shell_glyphs: ["$"]
    ready_marker: "Welcome"
    binary: "mybuilder"
    handshake_timeout: 5s
scenarios:
  - key: fix_confirmation
    trigger: "[fix_confirmation]"
    buttons:
      - label: "Auto Fix"
        action: auto_fix
        target: droid_worker
        requires_selection: true
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadFile(path)
	if err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if cfg.HookListenAddr != "127.0.0.1:19999" {
		t.Errorf("HookListenAddr = %q", cfg.HookListenAddr)
	}
	if got := cfg.HandshakeTimeout("builder"); got != 5*time.Second {
		t.Errorf("builder timeout = %v, want 5s", got)
	}
	s, ok := cfg.ScenarioFor("[fix_confirmation]\n- [ ] P0 thing")
	if !ok {
		t.Fatal("expected scenario match")
	}
	if s.Key != "fix_confirmation" || len(s.Buttons) != 1 {
		t.Errorf("scenario = %+v", s)
	}
}

func TestScenarioForNoMatch(t *testing.T) {
	cfg := defaultConfig()
	if _, ok := cfg.ScenarioFor("just a normal reply"); ok {
		t.Error("expected no scenario match")
	}
}

func TestManagerHotReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`hook_listen_addr: "127.0.0.1:11111"`), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if got := m.Get().HookListenAddr; got != "127.0.0.1:11111" {
		t.Fatalf("initial HookListenAddr = %q", got)
	}

	if err := os.WriteFile(path, []byte(`hook_listen_addr: "127.0.0.1:22222"`), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get().HookListenAddr == "127.0.0.1:22222" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("config did not hot-reload within deadline, got %q", m.Get().HookListenAddr)
}
