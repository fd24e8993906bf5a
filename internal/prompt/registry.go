package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tradeagent/internal/logger"
)

// DefaultSystem is used when no template file is configured.
const DefaultSystem = `You are a disciplined crypto futures trading agent.
Respond ONLY with one JSON object matching the provided schema. No markdown, no extra text.
Choose exactly one asset from the tradable set and one action: BUY, SELL or HOLD.
For HOLD, size must be 0. Size is the fraction of allowed capital in (0, 1].
Always send leverage; use 1 unless the setup is exceptional.
To close an open position set reduce_only to true and pick the side opposite to it; otherwise reduce_only is false.
Confidence is your probability estimate in [0, 1]. Keep the rationale under 300 characters.`

// DefaultUser renders portfolio, market and news context.
const DefaultUser = `Tradable assets: {{ join .Assets ", " }}
Time (UTC): {{ .Time }}

<portfolio>
{{ .Portfolio }}</portfolio>

<indicators>
{{ .Market }}</indicators>

<news>
{{ .News }}</news>
`

// FileConfig maps the template file.
type FileConfig struct {
	Version int    `yaml:"version"`
	System  string `yaml:"system"`
	User    string `yaml:"user"`
}

// Template is a parsed system/user template pair.
type Template struct {
	Version  int
	LoadedAt time.Time
	System   *template.Template
	User     *template.Template
}

// Registry holds the current template and reloads it when the file changes.
type Registry struct {
	path string

	mu      sync.RWMutex
	current Template
}

// NewRegistry loads path and watches it. An empty path serves the built-in
// defaults.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: strings.TrimSpace(path)}
	if r.path == "" {
		tpl, err := parseTemplate(FileConfig{Version: 1, System: DefaultSystem, User: DefaultUser})
		if err != nil {
			return nil, err
		}
		r.current = tpl
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read prompt template failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("prompt template reload failed, keeping v%d: %v", r.Current().Version, err)
		}
	})
	v.WatchConfig()
	return r, nil
}

// Current returns the active template.
func (r *Registry) Current() Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Registry) reload() error {
	cfg, err := readTemplateFile(r.path)
	if err != nil {
		return err
	}
	tpl, err := parseTemplate(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = tpl
	r.mu.Unlock()
	logger.Infof("Prompt template v%d loaded from %s", tpl.Version, filepath.Base(r.path))
	return nil
}

func readTemplateFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read prompt template failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse prompt template failed: %w", err)
	}
	return cfg, nil
}

var funcs = template.FuncMap{"join": strings.Join}

func parseTemplate(cfg FileConfig) (Template, error) {
	if strings.TrimSpace(cfg.System) == "" {
		cfg.System = DefaultSystem
	}
	if strings.TrimSpace(cfg.User) == "" {
		return Template{}, errors.New("prompt template: user template is empty")
	}
	if cfg.Version <= 0 {
		cfg.Version = 1
	}
	sys, err := template.New("system").Funcs(funcs).Option("missingkey=error").Parse(cfg.System)
	if err != nil {
		return Template{}, fmt.Errorf("prompt template system: %w", err)
	}
	user, err := template.New("user").Funcs(funcs).Option("missingkey=error").Parse(cfg.User)
	if err != nil {
		return Template{}, fmt.Errorf("prompt template user: %w", err)
	}
	return Template{Version: cfg.Version, LoadedAt: time.Now(), System: sys, User: user}, nil
}
