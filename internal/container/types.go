// Package container talks to the Docker hosts that run workspace containers.
package container

import (
	"errors"
	"time"
)

// State is the coarse lifecycle state of a workspace container.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Labels applied to every workspace container. Adoption and host selection
// filter on them, so they are part of the operational contract.
const (
	LabelManaged = "drape.managed"
	LabelRole    = "drape.role"
	LabelProject = "drape.project"
	LabelServer  = "drape.server"

	RoleWorkspace = "workspace"
)

// Paths inside the workspace container.
const (
	ProjectMountPath   = "/home/coder/project"
	PnpmStoreMountPath = "/home/coder/volumes/pnpm-store"
	CacheMountPath     = "/data/cache"
)

// ErrNotFound is returned when no host knows the container id.
var ErrNotFound = errors.New("container not found")

// Record is the driver's view of a workspace container. The runtime is the
// source of truth; records are derived from inspect/list calls, never stored.
type Record struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	ServerID    string    `json:"serverId"`
	State       State     `json:"state"`
	AgentURL    string    `json:"agentUrl,omitempty"`
	PreviewPort int       `json:"previewPort,omitempty"`
	Image       string    `json:"image"`
	CreatedAt   time.Time `json:"createdAt"`
}

func stateFromDocker(status string) State {
	switch status {
	case "created":
		return StateCreating
	case "running":
		return StateRunning
	case "removing", "restarting":
		return StateStopping
	case "exited", "paused":
		return StateStopped
	default:
		return StateError
	}
}
