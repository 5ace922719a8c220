package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/appforge/appforge/backend/internal/agent"
	"github.com/appforge/appforge/backend/internal/conversation"
	"github.com/appforge/appforge/backend/internal/server/dto"
	"github.com/appforge/appforge/backend/internal/taskqueue"
	"github.com/appforge/appforge/backend/internal/tracelog"
	"github.com/appforge/appforge/backend/internal/worktree"
)

// Session is one prepared request.
type Session struct {
	o       *Orchestrator
	req     Request
	appID   string
	traceID string
	log     *slog.Logger
	sink    Sink
	queue   *taskqueue.Queue
	trace   *tracelog.Writer // nil when tracing is disabled

	materialized atomic.Bool

	// Owned by the task queue once Run starts.
	tree     *worktree.Tree
	repoName string
	repoURL  string
	state    json.RawMessage // latest agent state in event order

	// Repository created by a materialization attempt that failed later on.
	orphanName string
	orphanURL  string
}

// AppID returns the resolved application id.
func (s *Session) AppID() string { return s.appID }

// TraceID returns the trace id of the request.
func (s *Session) TraceID() string { return s.traceID }

// Run streams the request to completion. It always finishes by sending
// exactly one error or done frame to sink, after pending side effects settled
// or the drain timeout elapsed. The returned error is for logging.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	s.sink = sink
	s.queue = taskqueue.New(s.o.ctx, s.log)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.o.opts.AgentTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.o.opts.AgentTimeout)
		defer cancelTimeout()
	}

	if dir := s.o.opts.TraceDir; dir != "" {
		tw, err := tracelog.Create(dir, s.appID, s.traceID, s.req.Message)
		if err != nil {
			s.log.Warn("opening trace", "err", err)
		} else {
			s.trace = tw
		}
	}

	store := s.o.opts.Store
	store.Acquire(s.appID)
	err := s.restore(ctx)
	if err == nil {
		s.state = store.AgentState(s.appID)
		store.AddUserMessage(s.appID, s.req.Message)
		if s.materialized.Load() {
			s.queue.Enqueue("persist user message", s.flushHistory)
		}
		err = s.stream(ctx, cancel)
	}

	if s.queue.WaitForDrain(s.o.opts.DrainTimeout) {
		s.log.Warn("side effects still pending at end of request", "pending", s.queue.Len())
	}
	if err != nil {
		s.log.Warn("request failed", "err", err)
		_ = s.sink.Send(Frame{Name: dto.FrameError, Data: dto.ErrorFrame{Error: userMessage(err), TraceID: s.traceID, ApplicationID: s.appID}})
	} else {
		_ = s.sink.Send(Frame{Name: dto.FrameDone, Data: dto.DoneFrame{TraceID: s.traceID, ApplicationID: s.appID}})
	}
	if s.trace != nil {
		if cerr := s.trace.Close(err); cerr != nil {
			s.log.Warn("closing trace", "err", cerr)
		}
	}
	store.Release(s.appID, s.materialized.Load())
	return err
}

// restore loads the durable history of a materialized application into the
// store. A conversation already in memory belongs to a request still in
// flight and is newer than storage, so it is kept.
func (s *Session) restore(ctx context.Context) error {
	if !s.materialized.Load() {
		return nil
	}
	app, err := s.o.opts.Apps.GetApp(ctx, s.appID)
	if err != nil {
		return &sessionError{msg: "could not load the application", err: err}
	}
	prompts, err := s.o.opts.Apps.PromptHistory(ctx, s.appID)
	if err != nil {
		return &sessionError{msg: "could not load the application history", err: err}
	}
	s.o.opts.Store.Restore(s.appID, toMessages(prompts), app.AgentState)
	return nil
}

// stream opens the upstream connection and pumps it until a terminal event,
// the end of the stream, cancellation or a fatal error.
func (s *Session) stream(ctx context.Context, cancel context.CancelFunc) error {
	tree, err := s.loadTree(ctx)
	if err != nil {
		return err
	}
	s.tree = tree
	files, err := tree.Files()
	if err != nil {
		return fmt.Errorf("read working tree: %w", err)
	}
	store := s.o.opts.Store
	req := &agent.Request{
		AllMessages:   fragments(store.GetHistory(s.appID)),
		ApplicationID: s.appID,
		TraceID:       s.traceID,
		AgentState:    store.AgentState(s.appID),
		AllFiles:      agentFiles(files),
		Settings:      s.req.Settings,
	}
	up, err := s.o.opts.Upstream.Stream(ctx, req)
	if err != nil {
		return &sessionError{msg: "the generation service is unavailable", err: err}
	}
	defer func() { _ = up.Close() }()

	seq := 0
	for {
		data, err := up.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return &sessionError{msg: "the generation took too long", err: err}
				}
				return fmt.Errorf("request cancelled: %w", context.Cause(ctx))
			}
			return &sessionError{msg: "lost connection to the generation service", err: err}
		}
		if s.trace != nil {
			s.trace.Record(data)
		}
		ev, err := agent.ParseEvent(data)
		if err != nil {
			if agent.IsIncomplete(err) {
				s.log.Warn("skipping incomplete event", "err", err, "size", len(data))
				continue
			}
			return &sessionError{msg: "received an invalid event from the generation service", err: err}
		}
		if ev.Message.Kind() == agent.KindKeepAlive {
			s.log.Debug("keepalive")
			continue
		}
		if p := agent.PayloadOf(ev.Message); p.DiffFailed() {
			return &sessionError{msg: "the agent failed to generate code: " + firstLine(p.Diff()), err: errors.New("diff error sentinel")}
		}
		store.AddFromEvent(s.appID, ev)
		if err := s.sink.Send(Frame{Name: dto.FrameMessage, Data: minimize(ev)}); err != nil {
			cancel()
			return fmt.Errorf("client gone: %w", err)
		}
		if s.req.Debug {
			_ = s.sink.Send(Frame{Name: dto.FrameDebug, Data: dto.DebugFrame{Raw: json.RawMessage(data)}})
		}
		seq++
		s.queue.Enqueue(fmt.Sprintf("%s #%d", ev.Message.Kind(), seq), func(ctx context.Context) error {
			return s.handleEvent(ctx, ev)
		})
		if ev.Terminal() {
			s.log.Debug("terminal event", "status", ev.Status, "kind", ev.Message.Kind())
			cancel()
			return nil
		}
	}
}

// loadTree builds the working tree: the repository tip for a materialized
// application, the starter template otherwise.
func (s *Session) loadTree(ctx context.Context) (*worktree.Tree, error) {
	if !s.materialized.Load() {
		return worktree.FromTemplate()
	}
	files, err := s.o.opts.Git.CloneRepository(ctx, s.repoName)
	if err != nil {
		return nil, &sessionError{msg: "could not load the application source", err: err}
	}
	return worktree.FromFiles(files)
}

// minimize returns ev as relayed to the client: without diff nor agent state.
func minimize(ev *agent.Event) dto.ClientEvent {
	p := agent.PayloadOf(ev.Message)
	return dto.ClientEvent{
		Status:  string(ev.Status),
		TraceID: ev.TraceID,
		Message: dto.ClientMessage{
			Kind:          string(ev.Message.Kind()),
			Messages:      p.Messages,
			AppName:       p.AppName,
			CommitMessage: p.CommitMessage,
		},
	}
}

func fragments(msgs []conversation.Message) []agent.Fragment {
	out := make([]agent.Fragment, len(msgs))
	for i, m := range msgs {
		out[i] = agent.Fragment{Role: m.Role, Content: m.Content}
	}
	return out
}

func agentFiles(files []worktree.File) []agent.File {
	out := make([]agent.File, len(files))
	for i, f := range files {
		out[i] = agent.File{Path: f.Path, Content: f.Content}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, agent.DiffErrorPrefix))
	s = strings.TrimLeft(s, ": ")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// sessionError is a failure with a message fit for the user.
type sessionError struct {
	msg string
	err error
}

func (e *sessionError) Error() string { return e.msg + ": " + e.err.Error() }

func (e *sessionError) Unwrap() error { return e.err }

func userMessage(err error) string {
	var se *sessionError
	if errors.As(err, &se) {
		return se.msg
	}
	return "request failed"
}
