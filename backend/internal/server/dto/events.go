// Frames sent on the POST /api/v1/message event stream.
package dto

import "encoding/json"

// Frame names. Every stream ends with exactly one FrameError or FrameDone.
const (
	FrameMessage = "message" // ClientEvent
	FrameDebug   = "debug"   // DebugFrame, privileged callers only
	FrameError   = "error"   // ErrorFrame
	FrameDone    = "done"    // DoneFrame
)

// KindPlatformMessage is the message kind of notifications generated by the
// server rather than relayed from the agent.
const KindPlatformMessage = "PlatformMessage"

// Platform notification types.
const (
	PlatformRepoCreated          = "repo_created"
	PlatformCommitCreated        = "commit_created"
	PlatformDeploymentInProgress = "deployment_in_progress"
)

// ClientEvent is an agent event as relayed to the client. It never carries
// the unified diff nor the agent state.
type ClientEvent struct {
	Status  string        `json:"status"`
	TraceID string        `json:"traceId"`
	Message ClientMessage `json:"message"`
}

// ClientMessage is the body of a ClientEvent.
type ClientMessage struct {
	Kind          string          `json:"kind"`
	Messages      json.RawMessage `json:"messages,omitempty"`
	AppName       string          `json:"app_name,omitempty"`
	CommitMessage string          `json:"commit_message,omitempty"`
	Platform      *PlatformEvent  `json:"platform,omitempty"` // Kind PlatformMessage only.
}

// PlatformEvent describes a side effect that completed.
type PlatformEvent struct {
	Type          string `json:"type"`
	ApplicationID string `json:"applicationId"`
	RepositoryURL string `json:"repositoryUrl,omitempty"`
	CommitSHA     string `json:"commitSha,omitempty"`
	DeploymentID  string `json:"deploymentId,omitempty"` // Poll GET /api/v1/deployments/{id}.
	URL           string `json:"url,omitempty"`
}

// DebugFrame carries the raw upstream payload.
type DebugFrame struct {
	Raw json.RawMessage `json:"raw"`
}

// ErrorFrame terminates a stream that failed.
type ErrorFrame struct {
	Error         string `json:"error"`
	TraceID       string `json:"traceId"`
	ApplicationID string `json:"applicationId,omitempty"`
}

// DoneFrame terminates a stream that completed.
type DoneFrame struct {
	TraceID       string `json:"traceId"`
	ApplicationID string `json:"applicationId"`
}
