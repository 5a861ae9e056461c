package launcher

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// SwarmAgentSpec describes one agent in a swarm, either by template name
// with overrides or as an explicit config.
type SwarmAgentSpec struct {
	// Template names a registered template; empty means Config is used.
	Template string `yaml:"template,omitempty"`
	// Overrides are merged over the template field-by-field.
	Overrides map[string]any `yaml:"overrides,omitempty"`
	// Config is an explicit agent config, used when Template is empty.
	Config *AgentConfig `yaml:"config,omitempty"`
}

// SwarmConfig describes a set of agents launched together to cover a
// session's required capabilities.
type SwarmConfig struct {
	// Agents lists the agents to launch.
	Agents []SwarmAgentSpec `yaml:"agents"`
	// AutoScale launches one extra agent per required capability not
	// covered by currently registered agents.
	AutoScale bool `yaml:"auto_scale"`
	// RequiredCapabilities is the capability set auto-scaling covers.
	RequiredCapabilities []string `yaml:"required_capabilities,omitempty"`
	// CapabilityTemplates maps a capability to the template used to cover
	// it during auto-scaling. Missing entries fall back to the builtin
	// capability table.
	CapabilityTemplates map[string]string `yaml:"capability_templates,omitempty"`
}

// defaultCapabilityTemplates maps capabilities to the builtin template that
// covers them.
var defaultCapabilityTemplates = map[string]string{
	"csv_processing":      "csv-processor",
	"data_transformation": "csv-processor",
	"image_upload":        "media-uploader",
	"media_processing":    "media-uploader",
	"ftp_download":        "transfer-agent",
	"file_transfer":       "transfer-agent",
	"monitoring":          "monitor",
	"reporting":           "monitor",
}

// LaunchSwarm launches every configured agent and, when auto-scaling is on,
// one additional agent per uncovered required capability. Returns the IDs of
// the agents actually launched; individual launch failures are logged and
// skipped rather than aborting the swarm.
func (l *Launcher) LaunchSwarm(ctx context.Context, sessionID string, cfg SwarmConfig) ([]string, error) {
	var launched []string

	for i, spec := range cfg.Agents {
		agentCfg, err := l.resolveSpec(spec)
		if err != nil {
			return launched, fmt.Errorf("swarm agent %d: %w", i, err)
		}
		if err := l.LaunchAgent(ctx, sessionID, agentCfg); err != nil {
			log.Printf("[launcher] swarm agent %s: %v", agentCfg.ID, err)
			continue
		}
		launched = append(launched, agentCfg.ID)
	}

	if cfg.AutoScale {
		ids, err := l.autoScale(ctx, sessionID, cfg)
		launched = append(launched, ids...)
		if err != nil {
			return launched, err
		}
	}
	return launched, nil
}

// resolveSpec turns a swarm agent spec into a concrete AgentConfig.
func (l *Launcher) resolveSpec(spec SwarmAgentSpec) (AgentConfig, error) {
	var cfg AgentConfig
	if spec.Template != "" {
		var err error
		cfg, err = l.templates.CreateAgentFromTemplate(spec.Template, spec.Overrides)
		if err != nil {
			return AgentConfig{}, err
		}
	} else if spec.Config != nil {
		cfg = *spec.Config
	} else {
		return AgentConfig{}, &ValidationError{Field: "agents", Reason: "spec has neither template nor config"}
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Name + "-" + uuid.New().String()[:8]
	}
	return cfg, nil
}

// autoScale launches one agent per required capability not covered by the
// session's currently registered agents.
func (l *Launcher) autoScale(ctx context.Context, sessionID string, cfg SwarmConfig) ([]string, error) {
	registered, err := l.coord.ListAgents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list registered agents: %w", err)
	}
	covered := make(map[string]bool)
	for _, agent := range registered {
		for _, cap := range agent.Capabilities {
			covered[cap] = true
		}
	}

	var launched []string
	for _, cap := range cfg.RequiredCapabilities {
		if covered[cap] {
			continue
		}
		tmplName, ok := cfg.CapabilityTemplates[cap]
		if !ok {
			tmplName, ok = defaultCapabilityTemplates[cap]
		}
		if !ok {
			log.Printf("[launcher] no template covers capability %q, skipping", cap)
			continue
		}
		agentCfg, err := l.templates.CreateAgentFromTemplate(tmplName, nil)
		if err != nil {
			return launched, fmt.Errorf("auto-scale capability %q: %w", cap, err)
		}
		agentCfg.ID = fmt.Sprintf("%s-%s-%s", tmplName, cap, uuid.New().String()[:8])
		if err := l.LaunchAgent(ctx, sessionID, agentCfg); err != nil {
			log.Printf("[launcher] auto-scale agent for %q: %v", cap, err)
			continue
		}
		// The new agent covers everything its template lists.
		for _, c := range agentCfg.Capabilities {
			covered[c] = true
		}
		launched = append(launched, agentCfg.ID)
	}
	return launched, nil
}
