package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusQueued, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("unknown").Valid() {
		t.Error("expected unknown status to be invalid")
	}
	if TaskStatus("").Valid() {
		t.Error("expected empty status to be invalid")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	open := []TaskStatus{TaskStatusQueued, TaskStatusAssigned, TaskStatusInProgress}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestSessionStatusValid(t *testing.T) {
	valid := []SessionStatus{
		SessionStatusInitializing, SessionStatusActive, SessionStatusCompleting,
		SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if SessionStatus("done").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestAgentStatusValid(t *testing.T) {
	valid := []AgentStatus{AgentStatusIdle, AgentStatusBusy, AgentStatusOffline, AgentStatusError}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if AgentStatus("running").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestAgentCanExecute(t *testing.T) {
	agent := &Agent{
		ID:           "agent-1",
		Capabilities: []string{"csv_processing", "reporting"},
	}

	if !agent.CanExecute([]string{"csv_processing"}) {
		t.Error("expected agent to match csv_processing")
	}
	if !agent.CanExecute([]string{"image_upload", "reporting"}) {
		t.Error("expected agent to match when any required capability overlaps")
	}
	if agent.CanExecute([]string{"image_upload"}) {
		t.Error("expected agent not to match image_upload")
	}
	if !agent.CanExecute(nil) {
		t.Error("expected empty requirement to match any agent")
	}
}

func TestSessionOrderedTasks(t *testing.T) {
	s := &Session{
		TaskOrder: []string{"t0", "t1", "t2"},
		Tasks: map[string]*Task{
			"t0": {ID: "t0"},
			"t1": {ID: "t1"},
			"t2": {ID: "t2"},
		},
	}

	tasks := s.OrderedTasks()
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, id := range []string{"t0", "t1", "t2"} {
		if tasks[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, tasks[i].ID)
		}
	}
}

func TestLaunchModeValid(t *testing.T) {
	for _, m := range []LaunchMode{LaunchModeProcess, LaunchModeInProcess, LaunchModeContainer, LaunchModeRemote} {
		if !m.Valid() {
			t.Errorf("expected %q to be valid", m)
		}
	}
	if LaunchMode("vm").Valid() {
		t.Error("expected unknown mode to be invalid")
	}
}
