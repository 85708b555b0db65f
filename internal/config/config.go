// Package config loads and hot-reloads the coordinator's YAML configuration:
// per-kind shell/agent ready patterns, launch command templates, handshake
// timeouts, and the confirmation-card scenario catalog.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentdesk/deskcoord/internal/logx"
)

// DefaultHandshakeTimeout values per kind, used when a Kind config omits its
// own handshake_timeout. Builder CLIs greet quickly; Reviewer CLIs can take a
// while to warm up a model before replying to the synthetic ping.
const (
	DefaultBuilderHandshakeTimeout  = 15 * time.Second
	DefaultReviewerHandshakeTimeout = 120 * time.Second
)

// KindConfig describes how to launch and recognize readiness for one agent kind.
type KindConfig struct {
	// ShellGlyphs is the set of literal shell prompt terminators, e.g. "$", "%", ">", "❯".
	ShellGlyphs []string `yaml:"shell_glyphs"`
	// ReadyMarker is the literal substring (greeting banner or prompt glyph)
	// that indicates the CLI itself is ready for input.
	ReadyMarker string `yaml:"ready_marker"`
	// Binary is the command to run, e.g. "builder" or "reviewer".
	Binary string `yaml:"binary"`
	// ResumeArgs/NewArgs/PingArgs are appended to Binary depending on mode;
	// {resume_id} is substituted if present.
	NewArgs    []string `yaml:"new_args,omitempty"`
	ResumeArgs []string `yaml:"resume_args,omitempty"`
	PingArgs   []string `yaml:"ping_args,omitempty"`
	// HandshakeTimeout overrides the kind default when nonzero.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	// DangerouslySkipPermissions is parsed from the config; the launch
	// command built by internal/session does not read it.
	DangerouslySkipPermissions bool `yaml:"dangerously_skip_permissions,omitempty"`
}

// ScenarioButton is one action offered on a confirmation card.
type ScenarioButton struct {
	Label             string `yaml:"label"`
	Action            string `yaml:"action"` // cancel | submit | droid_fix | auto_fix | free-form
	Style             string `yaml:"style,omitempty"`
	MessageTemplate   string `yaml:"message_template,omitempty"`
	Target            string `yaml:"target,omitempty"` // current | droid_worker
	RequiresSelection bool   `yaml:"requires_selection,omitempty"`
}

// Scenario maps a literal trigger prefix in a completion message to a
// confirmation card definition.
type Scenario struct {
	Key     string           `yaml:"key"`
	Trigger string           `yaml:"trigger"`
	Buttons []ScenarioButton `yaml:"buttons"`
}

// Config is the full parsed document.
type Config struct {
	HookListenAddr string                `yaml:"hook_listen_addr,omitempty"`
	Kinds          map[string]KindConfig `yaml:"kinds"`
	Scenarios      []Scenario            `yaml:"scenarios"`
	ProjectInitCmd string                `yaml:"project_init_cmd,omitempty"`
}

// HandshakeTimeout returns the configured timeout for kind, falling back to
// the built-in default for "builder"/"reviewer".
func (c *Config) HandshakeTimeout(kind string) time.Duration {
	if kc, ok := c.Kinds[kind]; ok && kc.HandshakeTimeout > 0 {
		return kc.HandshakeTimeout
	}
	if kind == "reviewer" {
		return DefaultReviewerHandshakeTimeout
	}
	return DefaultBuilderHandshakeTimeout
}

// ScenarioFor returns the first scenario whose trigger is a prefix of text.
func (c *Config) ScenarioFor(text string) (Scenario, bool) {
	for _, s := range c.Scenarios {
		if len(text) >= len(s.Trigger) && text[:len(s.Trigger)] == s.Trigger {
			return s, true
		}
	}
	return Scenario{}, false
}

func defaultConfig() *Config {
	return &Config{
		HookListenAddr: "127.0.0.1:18888",
		Kinds: map[string]KindConfig{
			"builder": {
				ShellGlyphs: []string{"$", "%", ">", "❯"},
				ReadyMarker: "Ready",
				Binary:      "builder",
				ResumeArgs:  []string{"resume", "{resume_id}"},
			},
			"reviewer": {
				ShellGlyphs:      []string{"$", "%", ">", "❯"},
				ReadyMarker:      "Ready",
				Binary:           "reviewer",
				PingArgs:         []string{"ping"},
				ResumeArgs:       []string{"resume", "{resume_id}", "ping"},
				HandshakeTimeout: DefaultReviewerHandshakeTimeout,
			},
		},
	}
}

// Manager loads a YAML config file and hot-reloads it on change, matching
// the teacher's wing.yaml load pattern but with fsnotify-driven reload
// instead of load-on-demand.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewManager loads path (or falls back to defaults if absent) and starts
// watching it for changes.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)

	if path == "" {
		return m, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: start watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		// The file may not exist yet; that's fine, defaults remain active.
		logx.Warn("config: watch failed, using in-memory config", "path", path, "err", err)
	}
	m.watcher = w
	go m.watchLoop()
	return m, nil
}

func loadFile(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	loaded := defaultConfig()
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return loaded, nil
}

// Get returns the currently active config. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

const reloadDebounce = 500 * time.Millisecond

func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if m.timer != nil {
				m.timer.Stop()
			}
			m.timer = time.AfterFunc(reloadDebounce, m.reload)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logx.Warn("config: watcher error", "err", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := loadFile(m.path)
	if err != nil {
		logx.Warn("config: reload failed, keeping previous config", "path", m.path, "err", err)
		return
	}
	m.current.Store(cfg)
	logx.Info("config: reloaded", "path", m.path)
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}
