// Package launcher starts, monitors, restarts, and stops agent workers as
// OS processes or in-process goroutines, enforcing resource limits before
// anything is launched.
package launcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/iaminawe/taskhive/pkg/models"
)

// Template is a named preset bundling a capability set, resource limits,
// and a default launch mode.
type Template struct {
	// Name identifies the template.
	Name string `yaml:"name"`
	// Capabilities is the capability set agents from this template serve.
	Capabilities []string `yaml:"capabilities"`
	// ResourceLimits bounds agents from this template.
	ResourceLimits models.ResourceLimits `yaml:"resource_limits"`
	// LaunchMode is the default launch mode.
	LaunchMode models.LaunchMode `yaml:"launch_mode"`
	// HeartbeatInterval is how often launched agents report liveness.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// MaxTasks bounds concurrent task executions per agent.
	MaxTasks int `yaml:"max_tasks"`
}

// BuiltinTemplates returns the default template set covering the business
// task families.
func BuiltinTemplates() []Template {
	return []Template{
		{
			Name:              "csv-processor",
			Capabilities:      []string{"csv_processing", "data_transformation"},
			ResourceLimits:    models.ResourceLimits{MemoryMB: 512, CPUPercent: 50},
			LaunchMode:        models.LaunchModeInProcess,
			HeartbeatInterval: Duration(15 * time.Second),
			MaxTasks:          2,
		},
		{
			Name:              "media-uploader",
			Capabilities:      []string{"image_upload", "media_processing"},
			ResourceLimits:    models.ResourceLimits{MemoryMB: 1024, CPUPercent: 50},
			LaunchMode:        models.LaunchModeProcess,
			HeartbeatInterval: Duration(15 * time.Second),
			MaxTasks:          1,
		},
		{
			Name:              "transfer-agent",
			Capabilities:      []string{"ftp_download", "file_transfer"},
			ResourceLimits:    models.ResourceLimits{MemoryMB: 256, CPUPercent: 25},
			LaunchMode:        models.LaunchModeProcess,
			HeartbeatInterval: Duration(15 * time.Second),
			MaxTasks:          1,
		},
		{
			Name:              "monitor",
			Capabilities:      []string{"monitoring", "reporting"},
			ResourceLimits:    models.ResourceLimits{MemoryMB: 128, CPUPercent: 10},
			LaunchMode:        models.LaunchModeInProcess,
			HeartbeatInterval: Duration(10 * time.Second),
			MaxTasks:          4,
		},
	}
}

// TemplateRegistry holds agent templates by name. File-loaded templates can
// be hot-reloaded via a directory watcher.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]Template
	path      string
	dir       string
	watcher   *fsnotify.Watcher
}

// NewTemplateRegistry creates a registry seeded with the builtin templates.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]Template)}
	for _, t := range BuiltinTemplates() {
		r.templates[t.Name] = t
	}
	return r
}

// Get returns the template with the given name.
func (r *TemplateRegistry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Register adds or replaces a template.
func (r *TemplateRegistry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
}

// Names returns the registered template names.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	return names
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadFile merges templates from a YAML file into the registry. File-defined
// templates override builtins of the same name.
func (r *TemplateRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range file.Templates {
		if t.Name == "" {
			return fmt.Errorf("template in %s has no name", path)
		}
		r.templates[t.Name] = t
	}
	r.path = path
	return nil
}

// LoadDir merges templates from every .yaml/.yml file in a directory, in
// lexical order so later files win on name collisions.
func (r *TemplateRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.dir = dir
	r.mu.Unlock()
	return nil
}

func isTemplateFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads template files whenever they change. After LoadDir any
// yaml file in the directory triggers a reload of that file; after a bare
// LoadFile only the loaded file does. Call Close to stop.
func (r *TemplateRegistry) Watch() error {
	r.mu.RLock()
	path := r.path
	dir := r.dir
	r.mu.RUnlock()
	if path == "" && dir == "" {
		return fmt.Errorf("no template file loaded")
	}
	if dir == "" {
		// Watch the directory: editors replace files rather than write in
		// place.
		dir = filepath.Dir(path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch template dir: %w", err)
	}
	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !r.watchesFile(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(event.Name); err != nil {
					log.Printf("[launcher] reload templates: %v", err)
				} else {
					log.Printf("[launcher] reloaded templates from %s", event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[launcher] template watcher: %v", err)
			}
		}
	}()
	return nil
}

// watchesFile reports whether a changed path should trigger a reload.
func (r *TemplateRegistry) watchesFile(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.dir != "" {
		return isTemplateFile(name)
	}
	return name == r.path
}

// Close stops the file watcher if one is running.
func (r *TemplateRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		err := r.watcher.Close()
		r.watcher = nil
		return err
	}
	return nil
}

// AgentConfig is the concrete configuration LaunchAgent consumes.
type AgentConfig struct {
	// ID is the unique agent identity.
	ID string `yaml:"id"`
	// Name is the display name.
	Name string `yaml:"name"`
	// Capabilities is the agent's capability set; must be non-empty.
	Capabilities []string `yaml:"capabilities"`
	// ResourceLimits bounds the agent.
	ResourceLimits models.ResourceLimits `yaml:"resource_limits"`
	// LaunchMode selects how the agent is started.
	LaunchMode models.LaunchMode `yaml:"launch_mode"`
	// HeartbeatInterval is how often the agent reports liveness.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// MaxTasks bounds concurrent task executions.
	MaxTasks int `yaml:"max_tasks"`
}

// CreateAgentFromTemplate produces an AgentConfig from a named template,
// applying overrides field-by-field: nested maps merge, scalars replace.
func (r *TemplateRegistry) CreateAgentFromTemplate(name string, overrides map[string]any) (AgentConfig, error) {
	tmpl, ok := r.Get(name)
	if !ok {
		return AgentConfig{}, fmt.Errorf("unknown template %q", name)
	}

	// Round-trip through a generic map so overrides merge uniformly.
	base := map[string]any{
		"name":         tmpl.Name,
		"capabilities": tmpl.Capabilities,
		"resource_limits": map[string]any{
			"memory_mb":   tmpl.ResourceLimits.MemoryMB,
			"cpu_percent": tmpl.ResourceLimits.CPUPercent,
		},
		"launch_mode":        string(tmpl.LaunchMode),
		"heartbeat_interval": tmpl.HeartbeatInterval.String(),
		"max_tasks":          tmpl.MaxTasks,
	}
	merged := MergeConfig(base, overrides)

	data, err := yaml.Marshal(merged)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("decode merged config: %w", err)
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = tmpl.HeartbeatInterval
	}
	return cfg, nil
}

// MergeConfig merges override into base: nested maps merge recursively,
// everything else replaces. Neither input is mutated.
func MergeConfig(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		overrideMap, overrideIsMap := v.(map[string]any)
		baseMap, baseIsMap := out[k].(map[string]any)
		if overrideIsMap && baseIsMap {
			out[k] = MergeConfig(baseMap, overrideMap)
			continue
		}
		out[k] = v
	}
	return out
}
