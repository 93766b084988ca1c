// Package tools implements the closed tool registry the agent loop dispatches
// model tool calls against. Tool names are part of the wire contract with the
// model; results are an Outcome sum so pause and completion travel as values
// rather than sentinel errors.
package tools

import "fmt"

// OutcomeKind tags the Outcome variants.
type OutcomeKind string

const (
	// OutcomeOK carries the tool's textual result back to the model.
	OutcomeOK OutcomeKind = "ok"
	// OutcomeError carries a failure message the model can recover from.
	OutcomeError OutcomeKind = "error"
	// OutcomePause asks the client to answer questions before resuming.
	OutcomePause OutcomeKind = "pause"
	// OutcomeComplete signals the run finished successfully.
	OutcomeComplete OutcomeKind = "complete"
)

// Question is one clarification request raised by ask_user_question.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// Outcome is the result of one tool execution.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	Content   string      `json:"content,omitempty"`
	Questions []Question  `json:"questions,omitempty"`
	Result    string      `json:"result,omitempty"`
}

// Ok builds a success outcome.
func Ok(content string) Outcome {
	return Outcome{Kind: OutcomeOK, Content: content}
}

// Okf builds a success outcome with a formatted message.
func Okf(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeOK, Content: fmt.Sprintf(format, args...)}
}

// Errorf builds an error outcome. It surfaces to the model as a tool error,
// not as a transport failure.
func Errorf(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeError, Content: fmt.Sprintf(format, args...)}
}

// Pause builds the ask-user sentinel outcome.
func Pause(questions []Question) Outcome {
	return Outcome{Kind: OutcomePause, Questions: questions}
}

// Complete builds the completion sentinel outcome.
func Complete(result string) Outcome {
	return Outcome{Kind: OutcomeComplete, Result: result}
}

// IsError reports whether the outcome is a failure.
func (o Outcome) IsError() bool { return o.Kind == OutcomeError }
