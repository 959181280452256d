package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/loom/internal/tools"
)

// SpawnTool lets the model spawn a child run. It is registered under the
// "scheduling" group, which the subagent deny-list strips, so children
// cannot spawn children.
type SpawnTool struct {
	manager *Manager
}

// NewSpawnTool creates the spawn tool.
func NewSpawnTool(manager *Manager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

func (t *SpawnTool) Name() string { return "spawn_subagent" }

func (t *SpawnTool) Description() string {
	return "Spawn a subagent to work on a specific task in the background. Returns the subagent id for tracking."
}

func (t *SpawnTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the subagent to complete",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "A short name for the subagent (e.g. 'researcher')",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Maximum run time in seconds (optional)",
			},
			"cleanup": map[string]any{
				"type":        "string",
				"enum":        []string{"delete", "keep"},
				"description": "Whether to keep the child session after it reports back (default delete)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Task           string `json:"task"`
		Label          string `json:"label"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Cleanup        string `json:"cleanup"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if params.Task == "" {
		return "", fmt.Errorf("task is required")
	}

	spawn := SpawnParams{
		Task:            params.Task,
		Label:           params.Label,
		ParentSessionID: tools.SessionFromContext(ctx),
		Cleanup:         CleanupPolicy(params.Cleanup),
	}
	if params.TimeoutSeconds > 0 {
		spawn.Timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	h, err := t.manager.Spawn(ctx, spawn)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Subagent spawned with id %s. It reports back here when done.", h.ID), nil
}

// StatusTool reports the state of spawned children.
type StatusTool struct {
	manager *Manager
}

// NewStatusTool creates the status tool.
func NewStatusTool(manager *Manager) *StatusTool {
	return &StatusTool{manager: manager}
}

func (t *StatusTool) Name() string { return "subagent_status" }

func (t *StatusTool) Description() string {
	return "Check the status of a subagent, or list all subagents."
}

func (t *StatusTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Subagent id to check (omit to list all)",
			},
		},
	}
}

func (t *StatusTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if params.ID != "" {
		h, err := t.manager.Get(params.ID)
		if err != nil {
			return "", err
		}
		out := fmt.Sprintf("Subagent %s\nStatus: %s\nTask: %s\n", h.ID, h.Status, h.Task)
		if h.Result != "" {
			out += fmt.Sprintf("Result: %s\n", h.Result)
		}
		if h.Error != "" {
			out += fmt.Sprintf("Error: %s\n", h.Error)
		}
		return out, nil
	}

	handles := t.manager.List()
	if len(handles) == 0 {
		return "No subagents found.", nil
	}
	out := fmt.Sprintf("Active subagents: %d/%d\n\n", t.manager.ActiveCount(), t.manager.maxActive)
	for _, h := range handles {
		out += fmt.Sprintf("- %s [%s]: %s\n", h.ID, h.Status, truncate(h.Task, 60))
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
