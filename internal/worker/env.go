package worker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names forming the process-mode launch contract.
// The launcher sets these on the spawned agent process; FromEnv reads them.
const (
	EnvAgentID           = "TASKHIVE_AGENT_ID"
	EnvAgentName         = "TASKHIVE_AGENT_NAME"
	EnvSessionID         = "TASKHIVE_SESSION_ID"
	EnvCapabilities      = "TASKHIVE_CAPABILITIES"
	EnvHeartbeatInterval = "TASKHIVE_HEARTBEAT_INTERVAL"
	EnvMaxTasks          = "TASKHIVE_MAX_TASKS"
	EnvStoreAddr         = "TASKHIVE_STORE_ADDR"
)

// EnvConfig is the agent configuration carried across the process boundary.
type EnvConfig struct {
	// AgentID is the unique agent identity.
	AgentID string
	// AgentName is the display name.
	AgentName string
	// SessionID is the session the agent serves.
	SessionID string
	// Capabilities is the agent's capability set.
	Capabilities []string
	// HeartbeatInterval is how often the agent reports liveness.
	HeartbeatInterval time.Duration
	// MaxTasks bounds concurrent task executions.
	MaxTasks int
	// StoreAddr is the backing-store connection string. Empty selects the
	// in-process store, which only works for in-process agents.
	StoreAddr string
}

// Environ renders the config as "KEY=value" pairs for exec.Cmd.Env.
func (c EnvConfig) Environ() []string {
	return []string{
		EnvAgentID + "=" + c.AgentID,
		EnvAgentName + "=" + c.AgentName,
		EnvSessionID + "=" + c.SessionID,
		EnvCapabilities + "=" + strings.Join(c.Capabilities, ","),
		EnvHeartbeatInterval + "=" + c.HeartbeatInterval.String(),
		EnvMaxTasks + "=" + strconv.Itoa(c.MaxTasks),
		EnvStoreAddr + "=" + c.StoreAddr,
	}
}

// ConfigFromEnv reads the launch contract from the process environment.
func ConfigFromEnv() (EnvConfig, error) {
	cfg := EnvConfig{
		AgentID:           os.Getenv(EnvAgentID),
		AgentName:         os.Getenv(EnvAgentName),
		SessionID:         os.Getenv(EnvSessionID),
		StoreAddr:         os.Getenv(EnvStoreAddr),
		HeartbeatInterval: 15 * time.Second,
		MaxTasks:          1,
	}
	if cfg.AgentID == "" {
		return cfg, fmt.Errorf("%s is required", EnvAgentID)
	}
	if cfg.SessionID == "" {
		return cfg, fmt.Errorf("%s is required", EnvSessionID)
	}
	if caps := os.Getenv(EnvCapabilities); caps != "" {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Capabilities = append(cfg.Capabilities, c)
			}
		}
	}
	if len(cfg.Capabilities) == 0 {
		return cfg, fmt.Errorf("%s must list at least one capability", EnvCapabilities)
	}
	if v := os.Getenv(EnvHeartbeatInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", EnvHeartbeatInterval, err)
		}
		cfg.HeartbeatInterval = d
	}
	if v := os.Getenv(EnvMaxTasks); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", EnvMaxTasks, err)
		}
		if n < 1 {
			return cfg, fmt.Errorf("%s must be at least 1", EnvMaxTasks)
		}
		cfg.MaxTasks = n
	}
	return cfg, nil
}
