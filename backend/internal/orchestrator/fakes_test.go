package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/appforge/appforge/backend/internal/agent"
	"github.com/appforge/appforge/backend/internal/conversation"
	"github.com/appforge/appforge/backend/internal/db"
	"github.com/appforge/appforge/backend/internal/deploy"
	"github.com/appforge/appforge/backend/internal/gitutil"
	"github.com/appforge/appforge/backend/internal/server/dto"
	"github.com/appforge/appforge/backend/internal/worktree"
)

var (
	_ Upstream      = (*fakeUpstream)(nil)
	_ SourceControl = (*fakeGit)(nil)
	_ Deployer      = (*fakeDeployer)(nil)
	_ AppStore      = (*db.DB)(nil)
	_ Sink          = (*recordingSink)(nil)
	_ SourceControl = (*gitutil.Host)(nil)
	_ Deployer      = (*deploy.Client)(nil)
)

// fakeUpstream replays payloads. With hang set, the stream blocks after the
// last payload until the request context is cancelled.
type fakeUpstream struct {
	payloads []string
	hang     bool
	err      error

	mu       sync.Mutex
	requests []*agent.Request
	read     int
}

func (u *fakeUpstream) Stream(ctx context.Context, req *agent.Request) (EventStream, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()
	return &fakeStream{u: u, ctx: ctx}, nil
}

func (u *fakeUpstream) reads() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.read
}

type fakeStream struct {
	u   *fakeUpstream
	ctx context.Context
	i   int
}

func (s *fakeStream) Next() ([]byte, error) {
	if s.i < len(s.u.payloads) {
		p := s.u.payloads[s.i]
		s.i++
		s.u.mu.Lock()
		s.u.read++
		s.u.mu.Unlock()
		return []byte(p), nil
	}
	if s.u.hang {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { return nil }

type commitCall struct {
	repo    string
	message string
	files   []worktree.File
}

type fakeGit struct {
	mu         sync.Mutex
	repos      map[string][]worktree.File
	created    []string
	commits    []commitCall
	ctxErrs    []error
	release    chan struct{} // non-nil: CreateRepository waits for it
	failNext   error         // returned once by CreateRepository
	failCommit error         // returned once by CreateCommit
}

func newFakeGit() *fakeGit {
	return &fakeGit{repos: map[string][]worktree.File{}}
}

func (g *fakeGit) CheckIfExists(_ context.Context, name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.repos[name]
	return ok, nil
}

func (g *fakeGit) CreateRepository(ctx context.Context, name string) (string, error) {
	if g.release != nil {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	if err := g.failNext; err != nil {
		g.failNext = nil
		return "", err
	}
	if _, ok := g.repos[name]; ok {
		return "", gitutil.ErrRepoExists
	}
	g.repos[name] = nil
	g.created = append(g.created, name)
	return "https://git.example.com/" + name + ".git", nil
}

func (g *fakeGit) CreateCommit(ctx context.Context, name string, files []worktree.File, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	if err := g.failCommit; err != nil {
		g.failCommit = nil
		return "", err
	}
	if _, ok := g.repos[name]; !ok {
		return "", errors.New("no such repository")
	}
	g.repos[name] = slices.Clone(files)
	g.commits = append(g.commits, commitCall{repo: name, message: message, files: slices.Clone(files)})
	return "sha" + string(rune('0'+len(g.commits))), nil
}

func (g *fakeGit) CloneRepository(_ context.Context, name string) ([]worktree.File, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	files, ok := g.repos[name]
	if !ok {
		return nil, errors.New("no such repository")
	}
	return slices.Clone(files), nil
}

func (g *fakeGit) snapshot() (created []string, commits []commitCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.created), slices.Clone(g.commits)
}

type fakeDeployer struct {
	mu    sync.Mutex
	calls []*deploy.Request
	err   error
}

func (d *fakeDeployer) Deploy(_ context.Context, req *deploy.Request) (*deploy.Deployment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	if d.err != nil {
		return nil, d.err
	}
	return &deploy.Deployment{ID: "dep-" + req.Name, URL: "https://" + req.Name + ".example.app", Status: "building"}, nil
}

func (d *fakeDeployer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	onSend func(Frame)
	closed bool
}

func (s *recordingSink) Send(f Frame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("client gone")
	}
	s.frames = append(s.frames, f)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return nil
}

func (s *recordingSink) all() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// relayed returns the agent events relayed to the client, excluding
// platform notifications.
func (s *recordingSink) relayed() []dto.ClientEvent {
	var out []dto.ClientEvent
	for _, f := range s.all() {
		if ev, ok := f.Data.(dto.ClientEvent); ok && f.Name == dto.FrameMessage && ev.Message.Kind != dto.KindPlatformMessage {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) platform() []string {
	var out []string
	for _, f := range s.all() {
		if ev, ok := f.Data.(dto.ClientEvent); ok && ev.Message.Platform != nil {
			out = append(out, ev.Message.Platform.Type)
		}
	}
	return out
}

func (s *recordingSink) last() Frame {
	all := s.all()
	if len(all) == 0 {
		return Frame{}
	}
	return all[len(all)-1]
}

type testEnv struct {
	o        *Orchestrator
	upstream *fakeUpstream
	git      *fakeGit
	deployer *fakeDeployer
	db       *db.DB
	store    *conversation.Store
}

func newEnv(t *testing.T, payloads ...string) *testEnv {
	t.Helper()
	d, err := db.Open(t.Context(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &testEnv{
		upstream: &fakeUpstream{payloads: payloads},
		git:      newFakeGit(),
		deployer: &fakeDeployer{},
		db:       d,
		store:    conversation.NewStore(logger),
	}
	e.o, err = New(t.Context(), Options{
		Upstream:     e.upstream,
		Git:          e.git,
		Deployer:     e.deployer,
		Apps:         d,
		Store:        e.store,
		Logger:       logger,
		DrainTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *testEnv) run(t *testing.T, ctx context.Context, req *Request, sink *recordingSink) error {
	t.Helper()
	s, err := e.o.Prepare(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	return s.Run(ctx, sink)
}

// event builds an upstream payload.
func event(status agent.Status, kind agent.Kind, opts ...func(map[string]any)) string {
	msg := map[string]any{"kind": string(kind)}
	for _, o := range opts {
		o(msg)
	}
	b, err := json.Marshal(map[string]any{"status": status, "traceId": "upstream-trace", "message": msg})
	if err != nil {
		panic(err)
	}
	return string(b)
}

func withDiff(d string) func(map[string]any) {
	return func(m map[string]any) { m["unified_diff"] = d }
}

func withText(s string) func(map[string]any) {
	return func(m map[string]any) {
		m["messages"] = []agent.Fragment{{Role: agent.RoleAssistant, Content: s}}
	}
}

func withAppName(s string) func(map[string]any) {
	return func(m map[string]any) { m["app_name"] = s }
}

func withState(s string) func(map[string]any) {
	return func(m map[string]any) { m["agent_state"] = json.RawMessage(s) }
}

func withCommit(s string) func(map[string]any) {
	return func(m map[string]any) { m["commit_message"] = s }
}

const (
	diffCreate = "diff --git a/src/todo.js b/src/todo.js\n" +
		"new file mode 100644\n" +
		"--- /dev/null\n" +
		"+++ b/src/todo.js\n" +
		"@@ -0,0 +1 @@\n" +
		"+export const todos = [];\n"
	diffModify = "diff --git a/src/todo.js b/src/todo.js\n" +
		"--- a/src/todo.js\n" +
		"+++ b/src/todo.js\n" +
		"@@ -1 +1,2 @@\n" +
		" export const todos = [];\n" +
		"+export const done = [];\n"
)

// seedApp stores a materialized application "app1" owned by alice, with two
// turns of history and agent state {"step":1}.
func (e *testEnv) seedApp(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	if err := e.db.CreateApp(ctx, &db.App{
		ID: "app1", Name: "todo", OwnerID: "alice", RepoName: "todo",
		RepositoryURL: "https://git.example.com/todo.git", AgentState: json.RawMessage(`{"step":1}`),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.db.AppendPrompts(ctx, "app1", []db.Prompt{
		{Role: "user", Content: "make a todo app", Kind: "UserMessage"},
		{Role: "assistant", Content: "done", Kind: "StageResult"},
	}); err != nil {
		t.Fatal(err)
	}
	e.git.mu.Lock()
	e.git.repos["todo"] = []worktree.File{{Path: "src/todo.js", Content: "export const todos = [];\n"}}
	e.git.mu.Unlock()
}

func transcript(req *agent.Request) []string {
	out := make([]string, len(req.AllMessages))
	for i, m := range req.AllMessages {
		out[i] = m.Content
	}
	return out
}

func fileContent(files []worktree.File, path string) (string, bool) {
	for _, f := range files {
		if f.Path == path {
			return f.Content, true
		}
	}
	return "", false
}
