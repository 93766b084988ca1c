package session

import (
	"strings"
	"time"

	"github.com/drape/drape/internal/project"
)

// LegacyUserID tags sessions restored from registry files written before
// user scoping existed. Those entries were keyed by project id alone.
const LegacyUserID = "legacy"

// Session binds a (userID, projectID) pair to a workspace container.
type Session struct {
	UserID      string        `json:"userId"`
	ProjectID   string        `json:"projectId"`
	ContainerID string        `json:"containerId,omitempty"`
	AgentURL    string        `json:"agentUrl,omitempty"`
	PreviewPort int           `json:"previewPort,omitempty"`
	ServerID    string        `json:"serverId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastUsed    time.Time     `json:"lastUsed"`
	PreparedAt  *time.Time    `json:"preparedAt,omitempty"`
	ProjectInfo *project.Info `json:"projectInfo,omitempty"`
}

// Key returns the registry key for a (userID, projectID) pair.
func Key(userID, projectID string) string {
	return userID + ":" + projectID
}

// splitKey reverses Key. Keys without a separator are legacy project-only
// entries and report ok=false.
func splitKey(key string) (userID, projectID string, ok bool) {
	return strings.Cut(key, ":")
}

// clone returns a copy detached from registry-internal state so callers can
// mutate the result freely.
func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.PreparedAt != nil {
		t := *s.PreparedAt
		out.PreparedAt = &t
	}
	if s.ProjectInfo != nil {
		info := *s.ProjectInfo
		out.ProjectInfo = &info
	}
	return &out
}
