// Package agent implements the streaming reasoning loop that alternates
// model calls with tool dispatch until completion, plus the monthly budget
// gate in front of it.
package agent

// EventType tags the closed set of events a run emits.
type EventType string

const (
	EventStart          EventType = "start"
	EventIterationStart EventType = "iteration_start"
	EventThinkingStart  EventType = "thinking_start"
	EventThinking       EventType = "thinking"
	EventThinkingEnd    EventType = "thinking_end"
	EventTextDelta      EventType = "text_delta"
	EventToolStart      EventType = "tool_start"
	EventToolUse        EventType = "tool_use"
	EventToolComplete   EventType = "tool_complete"
	EventToolError      EventType = "tool_error"
	EventTodoUpdate     EventType = "todo_update"
	EventAskUser        EventType = "ask_user_question"
	EventComplete       EventType = "complete"
	EventBudgetExceeded EventType = "budget_exceeded"
	EventError          EventType = "error"
	EventFatalError     EventType = "fatal_error"
)

// Event is one element of a run's event stream. Data carries the
// variant-specific payload serialized onto the wire as-is.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event.
func NewEvent(eventType EventType, data map[string]any) Event {
	return Event{Type: eventType, Data: data}
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventBudgetExceeded, EventError, EventFatalError, EventAskUser:
		return true
	default:
		return false
	}
}
