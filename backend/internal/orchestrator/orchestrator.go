// Package orchestrator runs one user request end to end: it streams events
// from the generation agent, relays them to the client in order and performs
// the side effects each event implies (repository, commits, deployment,
// persistence) on a single ordered lane.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maruel/ksid"

	"github.com/appforge/appforge/backend/internal/agent"
	"github.com/appforge/appforge/backend/internal/conversation"
	"github.com/appforge/appforge/backend/internal/db"
	"github.com/appforge/appforge/backend/internal/deploy"
	"github.com/appforge/appforge/backend/internal/worktree"
)

// Errors returned by Prepare.
var (
	ErrUnknownApp   = errors.New("unknown application")
	ErrForbidden    = errors.New("application belongs to another user")
	ErrEmptyMessage = errors.New("empty message")
)

// EventStream yields raw upstream event payloads.
type EventStream interface {
	Next() ([]byte, error)
	Close() error
}

// Upstream opens the agent stream for one request.
type Upstream interface {
	Stream(ctx context.Context, req *agent.Request) (EventStream, error)
}

// SourceControl hosts application repositories.
type SourceControl interface {
	CheckIfExists(ctx context.Context, name string) (bool, error)
	CreateRepository(ctx context.Context, name string) (string, error)
	CreateCommit(ctx context.Context, name string, files []worktree.File, message string) (string, error)
	CloneRepository(ctx context.Context, name string) ([]worktree.File, error)
}

// Deployer starts deployments.
type Deployer interface {
	Deploy(ctx context.Context, req *deploy.Request) (*deploy.Deployment, error)
}

// AppStore is the durable row store.
type AppStore interface {
	GetApp(ctx context.Context, id string) (*db.App, error)
	CreateApp(ctx context.Context, a *db.App) error
	UpdateAgentState(ctx context.Context, id string, state json.RawMessage) error
	UpdateDeployment(ctx context.Context, id, deploymentID, status, appURL string) error
	AppendPrompts(ctx context.Context, appID string, prompts []db.Prompt) error
	PromptHistory(ctx context.Context, appID string) ([]db.Prompt, error)
}

// Frame is one server-sent event for the client. Name is one of the
// dto.Frame* constants.
type Frame struct {
	Name string
	Data any
}

// Sink delivers frames to the client. Send must be safe for concurrent use;
// it returns an error once the client is gone.
type Sink interface {
	Send(Frame) error
}

// AgentUpstream adapts an agent.Client to Upstream.
type AgentUpstream struct {
	Client *agent.Client
}

// Stream implements Upstream.
func (u *AgentUpstream) Stream(ctx context.Context, req *agent.Request) (EventStream, error) {
	s, err := u.Client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Options configures an Orchestrator.
type Options struct {
	Upstream Upstream
	Git      SourceControl
	Deployer Deployer // nil disables deployments
	Apps     AppStore
	Store    *conversation.Store
	Logger   *slog.Logger
	// DrainTimeout bounds the wait for pending side effects at the end of a
	// request. Zero waits forever.
	DrainTimeout time.Duration
	// AgentTimeout bounds the upstream stream. Zero means no limit.
	AgentTimeout time.Duration
	// TraceDir receives a JSONL trace of the upstream events of every
	// request. Empty disables tracing.
	TraceDir string
}

// Orchestrator processes user requests. It is safe for concurrent use; each
// request gets its own Session and task queue.
type Orchestrator struct {
	ctx  context.Context // outlives requests; parent of side effects
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	owners map[string]string // owner of in-memory applications not yet materialized
}

// New returns an orchestrator. ctx is the server lifetime context.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Upstream == nil || opts.Git == nil || opts.Apps == nil || opts.Store == nil {
		return nil, errors.New("orchestrator: Upstream, Git, Apps and Store are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{ctx: ctx, opts: opts, log: opts.Logger, owners: map[string]string{}}, nil
}

// Request is one user message.
type Request struct {
	AppID    string // Empty starts a new application.
	TraceID  string // Empty generates one.
	Message  string
	OwnerID  string
	Settings map[string]any
	Debug    bool // Send raw upstream payloads as debug frames.
}

// Prepare resolves the application of req and checks ownership. Errors
// returned here happen before any frame is sent.
func (o *Orchestrator) Prepare(ctx context.Context, req *Request) (*Session, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	s := &Session{o: o, req: *req, appID: req.AppID}
	if s.appID == "" {
		s.appID = ksid.NewID().String()
		o.setOwner(s.appID, req.OwnerID)
	} else {
		app, err := o.opts.Apps.GetApp(ctx, req.AppID)
		switch {
		case err == nil:
			if app.OwnerID != req.OwnerID {
				return nil, ErrForbidden
			}
			s.repoName = app.RepoName
			s.repoURL = app.RepositoryURL
			s.materialized.Store(true)
		case errors.Is(err, db.ErrNotFound):
			owner, ok := o.owner(req.AppID)
			if !ok || !o.opts.Store.Has(req.AppID) {
				return nil, ErrUnknownApp
			}
			if owner != req.OwnerID {
				return nil, ErrForbidden
			}
		default:
			return nil, fmt.Errorf("load application: %w", err)
		}
	}
	s.traceID = req.TraceID
	if s.traceID == "" {
		s.traceID = defaultTraceID(s.appID)
	}
	s.log = o.log.With("app", s.appID, "trace", s.traceID)
	return s, nil
}

func (o *Orchestrator) setOwner(appID, owner string) {
	o.mu.Lock()
	o.owners[appID] = owner
	o.mu.Unlock()
}

func (o *Orchestrator) owner(appID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	owner, ok := o.owners[appID]
	return owner, ok
}

func (o *Orchestrator) forgetOwner(appID string) {
	o.mu.Lock()
	delete(o.owners, appID)
	o.mu.Unlock()
}

func toMessages(prompts []db.Prompt) []conversation.Message {
	out := make([]conversation.Message, len(prompts))
	for i, p := range prompts {
		out[i] = conversation.Message{Role: agent.Role(p.Role), Content: p.Content, Kind: agent.Kind(p.Kind), CreatedAt: p.CreatedAt}
	}
	return out
}

func defaultTraceID(appID string) string {
	return "app-" + appID + ".req-" + ksid.NewID().String()
}
