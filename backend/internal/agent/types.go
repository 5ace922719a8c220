package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the upstream agent's run status attached to every event.
type Status string

// Event statuses.
const (
	StatusRunning Status = "running"
	StatusIdle    Status = "idle"
	StatusHistory Status = "history"
)

func (s Status) valid() bool {
	switch s {
	case StatusRunning, StatusIdle, StatusHistory:
		return true
	default:
		return false
	}
}

// Kind identifies the variant of an event message.
type Kind string

// Message kinds emitted by the agent.
const (
	KindStageResult       Kind = "StageResult"
	KindRefinementRequest Kind = "RefinementRequest"
	KindRuntimeError      Kind = "RuntimeError"
	KindReviewResult      Kind = "ReviewResult"
	KindKeepAlive         Kind = "KeepAlive"
)

// Diff sentinels emitted by the agent in place of a real patch.
const (
	// NoChangesDiff means the agent produced nothing to apply. It is
	// normalised to a nil diff by ParseEvent.
	NoChangesDiff = "# Note: This is a valid empty diff (means no changes from template)"
	// DiffErrorPrefix starts a diff the agent failed to generate.
	DiffErrorPrefix = "# ERROR"
)

// Role tags a conversation fragment.
type Role string

// Fragment roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Fragment is a single role-tagged piece of conversation carried by an event
// or sent upstream as transcript.
type Fragment struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Payload holds the fields shared by every message kind.
type Payload struct {
	MessageKind   Kind            `json:"kind"`
	Messages      json.RawMessage `json:"messages,omitempty"`
	UnifiedDiff   *string         `json:"unified_diff,omitempty"`
	AppName       string          `json:"app_name,omitempty"`
	CommitMessage string          `json:"commit_message,omitempty"`
	AgentState    json.RawMessage `json:"agent_state,omitempty"`
}

// Diff returns the unified diff, or "" when the event carries none.
func (p *Payload) Diff() string {
	if p.UnifiedDiff == nil {
		return ""
	}
	return *p.UnifiedDiff
}

// DiffFailed reports whether the agent signalled a diff generation failure.
func (p *Payload) DiffFailed() bool {
	return p.UnifiedDiff != nil && strings.HasPrefix(*p.UnifiedDiff, DiffErrorPrefix)
}

// Fragments decodes the role-tagged message list. The agent sends it either
// as a JSON array or as a JSON string containing the array.
func (p *Payload) Fragments() ([]Fragment, error) {
	raw := p.Messages
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode messages string: %w", err)
		}
		if s == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}
	var out []Fragment
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out, nil
}

func (p *Payload) payload() *Payload { return p }

// Message is the sum type of all event message kinds. Use a type switch on
// the concrete pointer types to discriminate.
type Message interface {
	// Kind returns the message kind.
	Kind() Kind
	payload() *Payload
}

// StageResult reports the outcome of an agent stage; it usually carries a
// diff.
type StageResult struct{ Payload }

// Kind implements Message.
func (*StageResult) Kind() Kind { return KindStageResult }

// RefinementRequest means the agent waits for more user input mid-turn.
type RefinementRequest struct{ Payload }

// Kind implements Message.
func (*RefinementRequest) Kind() Kind { return KindRefinementRequest }

// RuntimeError reports an agent-side failure.
type RuntimeError struct{ Payload }

// Kind implements Message.
func (*RuntimeError) Kind() Kind { return KindRuntimeError }

// ReviewResult carries the agent's review of generated code.
type ReviewResult struct{ Payload }

// Kind implements Message.
func (*ReviewResult) Kind() Kind { return KindReviewResult }

// KeepAlive is a heartbeat with no content.
type KeepAlive struct{ Payload }

// Kind implements Message.
func (*KeepAlive) Kind() Kind { return KindKeepAlive }

// PayloadOf returns the shared fields of m.
func PayloadOf(m Message) *Payload { return m.payload() }

// Event is one validated upstream event.
type Event struct {
	Status  Status
	TraceID string
	Message Message
}

// Terminal reports whether no further events are expected for the current
// request: the agent is idle and not waiting for a refinement answer.
func (e *Event) Terminal() bool {
	return e.Status == StatusIdle && e.Message.Kind() != KindRefinementRequest
}

// Request is the body of the streaming POST to the agent.
type Request struct {
	AllMessages   []Fragment      `json:"allMessages"`
	ApplicationID string          `json:"applicationId"`
	TraceID       string          `json:"traceId"`
	AgentState    json.RawMessage `json:"agentState,omitempty"`
	AllFiles      []File          `json:"allFiles"`
	Settings      map[string]any  `json:"settings,omitempty"`
}

// File is a path and its contents as sent to the agent.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Parse errors.
var (
	// ErrIncomplete marks a payload that was cut short in transit.
	ErrIncomplete = errors.New("incomplete event payload")
	// ErrUnknownKind marks a message kind this server does not know.
	ErrUnknownKind = errors.New("unknown message kind")
)

// IsIncomplete reports whether err was caused by a truncated payload. Such
// events are skipped rather than aborting the stream.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}
