// Package events provides event types and utilities for the Drape event system.
package events

// Event types for workspace lifecycle
const (
	WorkspaceCreated  = "workspace.created"
	WorkspaceReady    = "workspace.ready"
	WorkspaceReleased = "workspace.released"
	WorkspaceReaped   = "workspace.reaped"
	WorkspaceAdopted  = "workspace.adopted"
)

// Event types for project files
const (
	FileChanged = "file.changed"
)

// Event types for agent runs
const (
	AgentRunStarted   = "agent.run.started"
	AgentRunCompleted = "agent.run.completed"
	AgentRunFailed    = "agent.run.failed"
)

// Event types for usage accounting
const (
	UsageRecorded = "usage.recorded"
)
