package orchestrator

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/appforge/appforge/backend/internal/agent"
	"github.com/appforge/appforge/backend/internal/conversation"
	"github.com/appforge/appforge/backend/internal/db"
	"github.com/appforge/appforge/backend/internal/deploy"
	"github.com/appforge/appforge/backend/internal/gitutil"
	"github.com/appforge/appforge/backend/internal/server/dto"
	"github.com/appforge/appforge/backend/internal/worktree"
)

// Commit messages used when the agent does not provide one.
const (
	DefaultCommitMessage = "Update from agent"
	InitialCommitMessage = "Initial commit"
)

// maxRepoAttempts bounds the suffixes tried when a repository name is taken.
const maxRepoAttempts = 20

// handleEvent performs the side effects of one event. It runs on the task
// queue, so calls for one session never overlap and follow event order.
//
// Failures are returned to the queue, which logs them. Nothing is retried.
func (s *Session) handleEvent(ctx context.Context, ev *agent.Event) error {
	if s.materialized.Load() {
		if err := s.flushHistory(ctx); err != nil {
			s.log.Warn("persisting history", "err", err)
		}
	}
	p := agent.PayloadOf(ev.Message)
	if hasState(p.AgentState) {
		s.state = p.AgentState
		if s.materialized.Load() {
			if err := s.o.opts.Apps.UpdateAgentState(ctx, s.appID, s.state); err != nil {
				s.log.Warn("persisting agent state", "err", err)
			}
		}
	}
	if p.Diff() == "" {
		return nil
	}
	if err := s.tree.Apply(p.Diff()); err != nil {
		return fmt.Errorf("apply diff: %w", err)
	}
	files, err := s.tree.Files()
	if err != nil {
		return fmt.Errorf("read working tree: %w", err)
	}
	switch {
	case s.materialized.Load():
		if err := s.commit(ctx, ev, files); err != nil {
			return err
		}
	case ev.Message.Kind() != agent.KindRefinementRequest:
		if err := s.materialize(ctx, ev, files); err != nil {
			return err
		}
	default:
		return nil
	}
	return s.deploy(ctx, ev, files)
}

func (s *Session) commit(ctx context.Context, ev *agent.Event, files []worktree.File) error {
	p := agent.PayloadOf(ev.Message)
	sha, err := s.o.opts.Git.CreateCommit(ctx, s.repoName, files, cmp.Or(p.CommitMessage, DefaultCommitMessage))
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Info("commit created", "repo", s.repoName, "sha", sha)
	s.notify(ev, &dto.PlatformEvent{Type: dto.PlatformCommitCreated, RepositoryURL: s.repoURL, CommitSHA: sha},
		"Committed changes to "+s.repoURL)
	return nil
}

// materialize turns the in-memory application into a durable one: new
// repository, first commit and application row.
func (s *Session) materialize(ctx context.Context, ev *agent.Event, files []worktree.File) error {
	p := agent.PayloadOf(ev.Message)
	name, url := s.orphanName, s.orphanURL
	if name == "" {
		var err error
		if name, url, err = s.createRepository(ctx, p.AppName); err != nil {
			return err
		}
	}
	sha, err := s.o.opts.Git.CreateCommit(ctx, name, files, cmp.Or(p.CommitMessage, InitialCommitMessage))
	if err != nil {
		s.orphanName, s.orphanURL = name, url
		return fmt.Errorf("initial commit to %s: %w", name, err)
	}
	app := &db.App{
		ID:            s.appID,
		Name:          cmp.Or(p.AppName, name),
		OwnerID:       s.req.OwnerID,
		TraceID:       s.traceID,
		AgentState:    s.state,
		RepoName:      name,
		RepositoryURL: url,
	}
	if err := s.o.opts.Apps.CreateApp(ctx, app); err != nil {
		s.orphanName, s.orphanURL = name, url
		return fmt.Errorf("create application: %w", err)
	}
	s.orphanName, s.orphanURL = "", ""
	s.repoName = name
	s.repoURL = url
	s.materialized.Store(true)
	s.o.forgetOwner(s.appID)
	if err := s.flushHistory(ctx); err != nil {
		s.log.Warn("persisting history", "err", err)
	}
	s.log.Info("repository created", "repo", name, "url", url, "sha", sha)
	s.notify(ev, &dto.PlatformEvent{Type: dto.PlatformRepoCreated, RepositoryURL: url, CommitSHA: sha},
		"Created repository "+url)
	return nil
}

// createRepository creates a repository named after hint, adding -2, -3...
// while the name is taken.
func (s *Session) createRepository(ctx context.Context, hint string) (string, string, error) {
	base := Slugify(hint)
	if base == "" {
		base = Slugify("app-" + s.appID)
	}
	git := s.o.opts.Git
	for i := 1; i <= maxRepoAttempts; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		exists, err := git.CheckIfExists(ctx, name)
		if err != nil {
			return "", "", fmt.Errorf("check repository %s: %w", name, err)
		}
		if exists {
			continue
		}
		url, err := git.CreateRepository(ctx, name)
		if errors.Is(err, gitutil.ErrRepoExists) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("create repository %s: %w", name, err)
		}
		return name, url, nil
	}
	return "", "", fmt.Errorf("no free repository name for %q after %d attempts", base, maxRepoAttempts)
}

// deploy is the trailing best-effort step of a task.
func (s *Session) deploy(ctx context.Context, ev *agent.Event, files []worktree.File) error {
	if s.o.opts.Deployer == nil {
		return nil
	}
	d, err := s.o.opts.Deployer.Deploy(ctx, &deploy.Request{AppID: s.appID, Name: s.repoName, Files: files})
	if err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	if err := s.o.opts.Apps.UpdateDeployment(ctx, s.appID, d.ID, d.Status, d.URL); err != nil {
		s.log.Warn("persisting deployment", "err", err)
	}
	s.log.Info("deployment started", "deployment", d.ID, "url", d.URL)
	s.notify(ev, &dto.PlatformEvent{Type: dto.PlatformDeploymentInProgress, DeploymentID: d.ID, URL: d.URL},
		"Deploying to "+d.URL)
	return nil
}

// notify sends a platform notification after the event that caused it.
func (s *Session) notify(ev *agent.Event, pe *dto.PlatformEvent, text string) {
	pe.ApplicationID = s.appID
	msgs, _ := json.Marshal([]agent.Fragment{{Role: agent.RoleAssistant, Content: text}})
	f := Frame{Name: dto.FrameMessage, Data: dto.ClientEvent{
		Status:  string(ev.Status),
		TraceID: s.traceID,
		Message: dto.ClientMessage{Kind: dto.KindPlatformMessage, Messages: msgs, Platform: pe},
	}}
	if err := s.sink.Send(f); err != nil {
		s.log.Debug("notification not delivered", "type", pe.Type, "err", err)
	}
}

// flushHistory writes the turns not yet persisted to the prompt history.
func (s *Session) flushHistory(ctx context.Context) error {
	meta, _ := json.Marshal(map[string]string{"traceId": s.traceID})
	return s.o.opts.Store.FlushUnpersisted(s.appID, func(msgs []conversation.Message) error {
		prompts := make([]db.Prompt, len(msgs))
		for i, m := range msgs {
			prompts[i] = db.Prompt{Role: string(m.Role), Content: m.Content, Kind: string(m.Kind), Metadata: meta, CreatedAt: m.CreatedAt}
		}
		return s.o.opts.Apps.AppendPrompts(ctx, s.appID, prompts)
	})
}

func hasState(raw json.RawMessage) bool {
	return len(raw) != 0 && string(raw) != "null"
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify returns s lowercased with runs of other characters replaced by a
// dash, at most 40 characters long.
func Slugify(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	return s
}
