// Package server provides the HTTP server: the streaming message endpoint
// and the read-only application endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/appforge/appforge/backend/internal/config"
	"github.com/appforge/appforge/backend/internal/db"
	"github.com/appforge/appforge/backend/internal/deploy"
	"github.com/appforge/appforge/backend/internal/orchestrator"
	"github.com/appforge/appforge/backend/internal/server/dto"
	"github.com/appforge/appforge/backend/internal/tracelog"
)

// Apps is the read side of the row store.
type Apps interface {
	GetApp(ctx context.Context, id string) (*db.App, error)
	ListApps(ctx context.Context, ownerID string) ([]db.App, error)
	PromptHistory(ctx context.Context, appID string) ([]db.Prompt, error)
}

// Deployments reports deployment status.
type Deployments interface {
	Status(ctx context.Context, id string) (*deploy.Deployment, error)
}

// Options configures a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Apps         Apps
	Deployments  Deployments // nil when deployments are disabled
	Config       *config.Config
}

// Server is the HTTP server for the appforge API.
type Server struct {
	orch        *orchestrator.Orchestrator
	apps        Apps
	deployments Deployments
	cfg         *config.Config
}

// New creates a new Server.
func New(opts *Options) (*Server, error) {
	if opts.Orchestrator == nil || opts.Apps == nil || opts.Config == nil {
		return nil, errors.New("server: Orchestrator, Apps and Config are required")
	}
	return &Server{
		orch:        opts.Orchestrator,
		apps:        opts.Apps,
		deployments: opts.Deployments,
		cfg:         opts.Config,
	}, nil
}

// Handler returns the API with its middleware chain:
// logging → decompress → compress → identity → mux.
// Logging sees compressed bytes (accurate wire-size reporting).
func (s *Server) Handler() (http.Handler, error) {
	handlers := map[string]http.HandlerFunc{
		"sendMessage":   s.handleMessage,
		"listApps":      handle(s.listApps),
		"getApp":        handle(s.getApp),
		"appHistory":    handle(s.appHistory),
		"appTraces":     handle(s.appTraces),
		"getDeployment": handle(s.getDeployment),
	}
	mux := http.NewServeMux()
	for _, rt := range dto.Routes {
		h, ok := handlers[rt.Name]
		if !ok {
			return nil, fmt.Errorf("no handler for route %s", rt.Name)
		}
		mux.HandleFunc(rt.Method+" "+rt.Path, h)
	}

	var inner http.Handler = mux
	inner = s.identify(inner)
	inner = compressMiddleware(inner)
	inner = decompressMiddleware(inner)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		inner.ServeHTTP(rw, r)
		slog.InfoContext(r.Context(), "http",
			"m", r.Method,
			"p", r.URL.Path,
			"s", rw.status,
			"d", roundDuration(time.Since(start)),
			"b", rw.size,
		)
	}), nil
}

// ListenAndServe starts the HTTP server. It returns after a graceful
// shutdown once ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		// Use Background because the parent ctx is already cancelled.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx) //nolint:contextcheck // parent ctx is already cancelled at shutdown time
		shutdownCancel()
	}()
	slog.Info("listening", "addr", addr)
	err = srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return err
}

type userKey struct{}

// identify stores the caller identity, set by the authenticating proxy in
// the configured header, in the request context.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(s.cfg.Server.UserHeader)
		if user == "" {
			writeError(w, dto.Unauthorized("missing caller identity"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// handleMessage streams one user request as server-sent events. Errors
// detected before the stream starts are plain HTTP errors; afterwards they
// are error frames.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req dto.MessageReq
	if !readAndDecodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, dto.InternalError("streaming not supported"))
		return
	}
	user := userFrom(r.Context())
	sess, err := s.orch.Prepare(r.Context(), &orchestrator.Request{
		AppID:    req.ApplicationID,
		TraceID:  req.TraceID,
		Message:  req.Message,
		OwnerID:  user,
		Settings: req.Settings,
		Debug:    s.cfg.IsDebugUser(user),
	})
	if err != nil {
		writeError(w, prepareError(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Application-ID", sess.AppID())
	w.Header().Set("X-Trace-ID", sess.TraceID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	defer sink.close()
	if err := sess.Run(r.Context(), sink); err != nil {
		slog.DebugContext(r.Context(), "message stream ended", "app", sess.AppID(), "trace", sess.TraceID(), "err", err)
	}
}

func prepareError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownApp):
		return dto.NotFound("application")
	case errors.Is(err, orchestrator.ErrForbidden):
		return dto.Forbidden("application belongs to another user")
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return dto.BadRequest("message is required")
	default:
		slog.Error("preparing request", "err", err)
		return dto.InternalError("failed to load application")
	}
}

var errStreamClosed = errors.New("stream closed")

// sseSink writes frames as server-sent events. It is shared by the pipeline
// and the side-effect lane.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	id      int
	err     error
}

func (s *sseSink) Send(f orchestrator.Frame) error {
	data, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", f.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\nid: %d\n\n", f.Name, data, s.id); err != nil { //nolint:gosec // SSE stream, data is json.Marshal output
		s.err = err
		return err
	}
	s.id++
	s.flusher.Flush()
	return nil
}

// close makes further sends fail. The ResponseWriter is invalid once the
// handler returns, while late side effects may still notify.
func (s *sseSink) close() {
	s.mu.Lock()
	if s.err == nil {
		s.err = errStreamClosed
	}
	s.mu.Unlock()
}

func (s *Server) listApps(ctx context.Context, _ *dto.EmptyReq) (*[]dto.App, error) {
	apps, err := s.apps.ListApps(ctx, userFrom(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]dto.App, len(apps))
	for i := range apps {
		out[i] = toDTOApp(&apps[i])
	}
	return &out, nil
}

func (s *Server) getApp(ctx context.Context, req *dto.AppReq) (*dto.App, error) {
	app, err := s.ownedApp(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := toDTOApp(app)
	return &out, nil
}

func (s *Server) appHistory(ctx context.Context, req *dto.AppReq) (*[]dto.HistoryEntry, error) {
	app, err := s.ownedApp(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	prompts, err := s.apps.PromptHistory(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.HistoryEntry, len(prompts))
	for i, p := range prompts {
		out[i] = dto.HistoryEntry{Role: p.Role, Content: p.Content, Kind: p.Kind, CreatedAt: p.CreatedAt}
	}
	return &out, nil
}

func (s *Server) appTraces(ctx context.Context, req *dto.AppReq) (*[]dto.Trace, error) {
	app, err := s.ownedApp(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := []dto.Trace{}
	dir := s.cfg.Orchestrator.TraceDir
	if dir == "" {
		return &out, nil
	}
	traces, err := tracelog.LoadApp(dir, app.ID)
	if err != nil {
		return nil, err
	}
	for _, tr := range traces {
		t := dto.Trace{
			TraceID:   tr.TraceID,
			Message:   tr.Message,
			StartedAt: tr.StartedAt,
			State:     "running",
			Events:    len(tr.Events),
			Skipped:   tr.Skipped,
		}
		if r := tr.Result; r != nil {
			t.State = r.State
			t.Error = r.Error
			t.Duration = r.Duration
		}
		out = append(out, t)
	}
	return &out, nil
}

func (s *Server) getDeployment(ctx context.Context, req *dto.DeploymentReq) (*dto.Deployment, error) {
	if s.deployments == nil {
		return nil, dto.NotFound("deployment")
	}
	d, err := s.deployments.Status(ctx, req.ID)
	if errors.Is(err, deploy.ErrNotFound) {
		return nil, dto.NotFound("deployment")
	}
	if err != nil {
		slog.Warn("deployment status", "deployment", req.ID, "err", err)
		return nil, dto.BadGateway("deployment service unavailable")
	}
	return &dto.Deployment{ID: d.ID, Status: d.Status, URL: d.URL}, nil
}

// ownedApp returns application id if it belongs to the caller.
func (s *Server) ownedApp(ctx context.Context, id string) (*db.App, error) {
	app, err := s.apps.GetApp(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, dto.NotFound("application")
	}
	if err != nil {
		return nil, err
	}
	if app.OwnerID != userFrom(ctx) {
		return nil, dto.Forbidden("application belongs to another user")
	}
	return app, nil
}

func toDTOApp(a *db.App) dto.App {
	return dto.App{
		ID:            a.ID,
		Name:          a.Name,
		TraceID:       a.TraceID,
		RepositoryURL: a.RepositoryURL,
		AgentState:    a.AgentState,
		DeployStatus:  a.DeployStatus,
		DeploymentID:  a.DeploymentID,
		AppURL:        a.AppURL,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush implements http.Flusher so SSE handlers can flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter so http.NewResponseController
// can discover interfaces like http.Flusher.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// roundDuration rounds d to 3 significant digits with minimum 1us precision.
func roundDuration(d time.Duration) time.Duration {
	for t := 100 * time.Second; t >= 100*time.Microsecond; t /= 10 {
		if d >= t {
			return d.Round(t / 100)
		}
	}
	return d.Round(time.Microsecond)
}
