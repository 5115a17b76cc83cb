package config

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Defaults is the UI-facing catalog served at GET /api/config/defaults
// (spec §6). It is seeded from built-in values, then overlaid by an
// optional YAML file at CONFIG_DEFAULTS_PATH, mirroring the teacher's
// config-watcher idiom of a static file merged over env-derived state.
type Defaults struct {
	Model                      string              `json:"model" yaml:"model"`
	Temperature                *float64            `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxSteps                   int                 `json:"max_steps" yaml:"max_steps"`
	SupportedModels            []string            `json:"supportedModels" yaml:"supported_models"`
	RefreshSeconds             int                 `json:"refreshSeconds" yaml:"refresh_seconds"`
	OpenAIBaseURL              string              `json:"openaiBaseUrl,omitempty" yaml:"openai_base_url,omitempty"`
	LeaveBrowserOpen           bool                `json:"leaveBrowserOpen" yaml:"leave_browser_open"`
	ReasoningEffortOptions     []string            `json:"reasoningEffortOptions" yaml:"reasoning_effort_options"`
	ReasoningEffortOptionsByModel map[string][]string `json:"reasoningEffortOptionsByModel" yaml:"reasoning_effort_options_by_model"`
	SchedulingEnabled          bool                `json:"schedulingEnabled" yaml:"scheduling_enabled"`
	ScheduleCheckSeconds       int                 `json:"scheduleCheckSeconds" yaml:"-"`
	NodeID                     string              `json:"nodeId,omitempty" yaml:"-"`
	NodeName                   string              `json:"nodeName,omitempty" yaml:"-"`
}

// BuiltinDefaults returns the hardcoded baseline before any YAML overlay.
func BuiltinDefaults() Defaults {
	return Defaults{
		Model:                  "gpt-5",
		MaxSteps:               50,
		SupportedModels:        []string{"gpt-5", "gpt-5-mini", "claude-sonnet-4-5-20250929", "gemini-2.5-pro"},
		RefreshSeconds:         3,
		LeaveBrowserOpen:       false,
		ReasoningEffortOptions: []string{"low", "medium", "high"},
		ReasoningEffortOptionsByModel: map[string][]string{
			"gpt-5": {"low", "medium", "high"},
		},
		SchedulingEnabled:    true,
		ScheduleCheckSeconds: 5,
	}
}

// DefaultsStore holds the live Defaults value plus a path to an optional
// overlay YAML file, reloadable the way internal/keystore's TrustStore
// reloads HEAD_PUBLIC_KEYS — on fsnotify write/create/rename.
type DefaultsStore struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	cur  Defaults
}

// NewDefaultsStore loads path (if non-empty) over BuiltinDefaults and
// returns a store ready for Get/Watch.
func NewDefaultsStore(path string, logger *slog.Logger) (*DefaultsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ds := &DefaultsStore{path: path, logger: logger, cur: BuiltinDefaults()}
	if path != "" {
		if err := ds.reload(); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// Get returns the current merged Defaults value.
func (ds *DefaultsStore) Get() Defaults {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.cur
}

func (ds *DefaultsStore) reload() error {
	data, err := os.ReadFile(ds.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	next := BuiltinDefaults()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return err
	}
	ds.mu.Lock()
	next.ScheduleCheckSeconds = ds.cur.ScheduleCheckSeconds
	next.NodeID = ds.cur.NodeID
	next.NodeName = ds.cur.NodeName
	ds.cur = next
	ds.mu.Unlock()
	return nil
}

// WithNodeIdentity sets the single-node convenience fields surfaced at
// GET /api/config/defaults when a head collocates with exactly one node.
func (ds *DefaultsStore) WithNodeIdentity(id, name string) {
	ds.mu.Lock()
	ds.cur.NodeID = id
	ds.cur.NodeName = name
	ds.mu.Unlock()
}

// Watch watches path for changes and reloads on write/create/rename.
func (ds *DefaultsStore) Watch(ctx context.Context) error {
	if ds.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(ds.path); err != nil {
		fsw.Close()
		ds.logger.Warn("config: could not watch defaults path", "path", ds.path, "error", err)
		return nil
	}
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := ds.reload(); err != nil {
					ds.logger.Error("config: reload defaults failed", "error", err)
				} else {
					ds.logger.Info("config: reloaded defaults", "path", ds.path)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				ds.logger.Error("config: defaults watcher error", "error", err)
			}
		}
	}()
	return nil
}
