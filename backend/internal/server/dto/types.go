// Exported request and response types for the appforge API.
package dto

import (
	"encoding/json"
	"strings"
	"time"
)

// maxMessageLen bounds a single user message.
const maxMessageLen = 64 << 10

// EmptyReq is used for endpoints that take no request body.
type EmptyReq struct{}

// Validate implements Validatable.
func (*EmptyReq) Validate() error { return nil }

// MessageReq is the request body for POST /api/v1/message.
type MessageReq struct {
	Message       string         `json:"message"`
	ApplicationID string         `json:"applicationId,omitempty"` // Empty starts a new application.
	TraceID       string         `json:"traceId,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
}

// Validate implements Validatable.
func (r *MessageReq) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return BadRequest("message is required")
	}
	if len(r.Message) > maxMessageLen {
		return BadRequest("message too long").WithDetail("max", maxMessageLen)
	}
	return nil
}

// AppReq addresses one application.
type AppReq struct {
	ID string `path:"id"`
}

// Validate implements Validatable.
func (r *AppReq) Validate() error {
	if r.ID == "" {
		return BadRequest("application id is required")
	}
	return nil
}

// DeploymentReq addresses one deployment.
type DeploymentReq struct {
	ID string `path:"id"`
}

// Validate implements Validatable.
func (r *DeploymentReq) Validate() error {
	if r.ID == "" {
		return BadRequest("deployment id is required")
	}
	return nil
}

// App is the JSON representation of a materialized application.
type App struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	TraceID       string          `json:"traceId"`
	RepositoryURL string          `json:"repositoryUrl"`
	AgentState    json.RawMessage `json:"agentState,omitempty"`
	DeployStatus  string          `json:"deployStatus,omitempty"`
	DeploymentID  string          `json:"deploymentId,omitempty"`
	AppURL        string          `json:"appUrl,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// HistoryEntry is one prompt history row.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

// Deployment is the response for GET /api/v1/deployments/{id}.
type Deployment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// Trace summarizes one recorded request against an application.
type Trace struct {
	TraceID   string    `json:"traceId"`
	Message   string    `json:"message"`
	StartedAt time.Time `json:"startedAt"`
	State     string    `json:"state"` // "running", "done" or "failed"
	Error     string    `json:"error,omitempty"`
	Events    int       `json:"events"`
	Skipped   int       `json:"skipped,omitempty"`
	Duration  float64   `json:"duration,omitempty"` // seconds
}
