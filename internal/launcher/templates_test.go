package launcher

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/iaminawe/taskhive/pkg/models"
)

func TestBuiltinTemplatesRegistered(t *testing.T) {
	r := NewTemplateRegistry()

	for _, name := range []string{"csv-processor", "media-uploader", "transfer-agent", "monitor"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("expected builtin template %q", name)
		}
	}
}

func TestCreateAgentFromTemplate(t *testing.T) {
	r := NewTemplateRegistry()

	cfg, err := r.CreateAgentFromTemplate("csv-processor", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "csv-processor" {
		t.Errorf("expected template name, got %q", cfg.Name)
	}
	if cfg.ResourceLimits.MemoryMB != 512 {
		t.Errorf("expected 512 MB, got %d", cfg.ResourceLimits.MemoryMB)
	}
	if cfg.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("expected 15s heartbeat, got %s", cfg.HeartbeatInterval)
	}
}

func TestCreateAgentFromTemplateOverrides(t *testing.T) {
	r := NewTemplateRegistry()

	cfg, err := r.CreateAgentFromTemplate("csv-processor", map[string]any{
		"name": "bulk-csv",
		"resource_limits": map[string]any{
			"memory_mb": 2048,
			// cpu_percent intentionally omitted: nested maps merge.
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "bulk-csv" {
		t.Errorf("scalar override should replace, got %q", cfg.Name)
	}
	if cfg.ResourceLimits.MemoryMB != 2048 {
		t.Errorf("nested override should apply, got %d", cfg.ResourceLimits.MemoryMB)
	}
	if cfg.ResourceLimits.CPUPercent != 50 {
		t.Errorf("unset nested field should keep template value, got %g", cfg.ResourceLimits.CPUPercent)
	}
	if len(cfg.Capabilities) != 2 {
		t.Errorf("capabilities should carry over, got %v", cfg.Capabilities)
	}
}

func TestCreateAgentFromUnknownTemplate(t *testing.T) {
	r := NewTemplateRegistry()
	if _, err := r.CreateAgentFromTemplate("nope", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestMergeConfig(t *testing.T) {
	base := map[string]any{
		"a": 1,
		"nested": map[string]any{
			"x": "keep",
			"y": "replace",
		},
	}
	override := map[string]any{
		"a": 2,
		"nested": map[string]any{
			"y": "replaced",
			"z": "new",
		},
	}

	out := MergeConfig(base, override)
	if out["a"] != 2 {
		t.Errorf("scalar should replace, got %v", out["a"])
	}
	nested := out["nested"].(map[string]any)
	if nested["x"] != "keep" || nested["y"] != "replaced" || nested["z"] != "new" {
		t.Errorf("nested maps should merge, got %v", nested)
	}

	// Inputs untouched.
	if base["a"] != 1 || base["nested"].(map[string]any)["y"] != "replace" {
		t.Error("base must not be mutated")
	}
}

func TestLoadTemplateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	content := `
templates:
  - name: custom-agent
    capabilities: [custom_cap]
    resource_limits:
      memory_mb: 1024
      cpu_percent: 75
    launch_mode: in_process
    heartbeat_interval: 30s
    max_tasks: 2
  - name: csv-processor
    capabilities: [csv_processing]
    resource_limits:
      memory_mb: 4096
      cpu_percent: 80
    launch_mode: process
    heartbeat_interval: 20s
    max_tasks: 1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewTemplateRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("load templates: %v", err)
	}

	custom, ok := r.Get("custom-agent")
	if !ok {
		t.Fatal("expected custom-agent template")
	}
	if custom.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %s", custom.HeartbeatInterval)
	}
	if custom.LaunchMode != models.LaunchModeInProcess {
		t.Errorf("expected in_process mode, got %s", custom.LaunchMode)
	}

	// File templates override builtins of the same name.
	csv, _ := r.Get("csv-processor")
	if csv.ResourceLimits.MemoryMB != 4096 {
		t.Errorf("expected file override of builtin, got %d MB", csv.ResourceLimits.MemoryMB)
	}
}

func TestTemplateWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	write := func(memoryMB int) {
		t.Helper()
		content := `
templates:
  - name: hot-agent
    capabilities: [hot]
    resource_limits:
      memory_mb: ` + strconv.Itoa(memoryMB) + `
      cpu_percent: 50
    launch_mode: in_process
    heartbeat_interval: 15s
    max_tasks: 1
`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write(256)

	r := NewTemplateRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if err := r.Watch(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	write(512)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tmpl, ok := r.Get("hot-agent"); ok && tmpl.ResourceLimits.MemoryMB == 512 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("template was not reloaded after file change")
}

func TestLoadTemplateDir(t *testing.T) {
	dir := t.TempDir()
	first := `
templates:
  - name: shared
    capabilities: [cap_a]
    resource_limits: {memory_mb: 128, cpu_percent: 10}
    launch_mode: in_process
    heartbeat_interval: 10s
    max_tasks: 1
`
	second := `
templates:
  - name: shared
    capabilities: [cap_b]
    resource_limits: {memory_mb: 256, cpu_percent: 20}
    launch_mode: in_process
    heartbeat_interval: 10s
    max_tasks: 1
  - name: extra
    capabilities: [cap_c]
    resource_limits: {memory_mb: 64, cpu_percent: 5}
    launch_mode: in_process
    heartbeat_interval: 10s
    max_tasks: 1
`
	if err := os.WriteFile(filepath.Join(dir, "01-base.yaml"), []byte(first), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "02-extra.yml"), []byte(second), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewTemplateRegistry()
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("load dir: %v", err)
	}

	if _, ok := r.Get("extra"); !ok {
		t.Error("expected template from second file")
	}
	// Lexically later files win on collisions.
	shared, _ := r.Get("shared")
	if shared.ResourceLimits.MemoryMB != 256 {
		t.Errorf("expected later file to win, got %d MB", shared.ResourceLimits.MemoryMB)
	}
}
