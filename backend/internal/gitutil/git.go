// Package gitutil hosts application repositories as bare git repositories on
// local disk and runs the git operations the orchestrator needs on them.
package gitutil

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/appforge/appforge/backend/internal/worktree"
)

// Branch is the branch every hosted repository publishes.
const Branch = "main"

// ErrRepoExists is returned by CreateRepository when the name is taken.
var ErrRepoExists = errors.New("repository already exists")

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,99}$`)

// Host serves bare repositories rooted at Root.
type Host struct {
	Root string // Repositories live at Root/<name>.git.
	// BaseURL is the public clone URL prefix. Empty means file:// URLs.
	BaseURL     string
	AuthorName  string
	AuthorEmail string
}

func (h *Host) dir(name string) (string, error) {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid repository name %q", name)
	}
	return filepath.Join(h.Root, name+".git"), nil
}

// RepoURL returns the clone URL of the repository name.
func (h *Host) RepoURL(name string) string {
	if h.BaseURL != "" {
		return strings.TrimSuffix(h.BaseURL, "/") + "/" + name + ".git"
	}
	return "file://" + filepath.ToSlash(filepath.Join(h.Root, name+".git"))
}

// CheckIfExists reports whether the repository name exists.
func (h *Host) CheckIfExists(_ context.Context, name string) (bool, error) {
	dir, err := h.dir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateRepository initializes an empty bare repository and returns its
// URL. It returns ErrRepoExists if name is already taken.
func (h *Host) CreateRepository(ctx context.Context, name string) (string, error) {
	dir, err := h.dir(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(h.Root, 0o750); err != nil {
		return "", err
	}
	// Mkdir is the atomic claim on the name.
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s: %w", name, ErrRepoExists)
		}
		return "", err
	}
	if err := run(ctx, "", "init", "--quiet", "--bare", "--initial-branch="+Branch, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return h.RepoURL(name), nil
}

// CreateCommit replaces the content of the repository with files, commits it
// with message and pushes it. Files absent from the list are deleted. It
// returns the new commit hash.
func (h *Host) CreateCommit(ctx context.Context, name string, files []worktree.File, message string) (string, error) {
	dir, err := h.dir(name)
	if err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp("", "appforge-commit-")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	work := filepath.Join(tmp, "work")
	if err := run(ctx, "", "-c", "init.defaultBranch="+Branch, "clone", "--quiet", dir, work); err != nil {
		return "", err
	}
	if err := clearWorkTree(work); err != nil {
		return "", err
	}
	for _, f := range files {
		if err := writeFile(work, f); err != nil {
			return "", err
		}
	}
	if err := run(ctx, work, "add", "--all"); err != nil {
		return "", err
	}
	if err := run(ctx, work,
		"-c", "user.name="+cmp.Or(h.AuthorName, "appforge"), "-c", "user.email="+cmp.Or(h.AuthorEmail, "appforge@localhost"), "-c", "commit.gpgsign=false",
		"commit", "--quiet", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	if err := run(ctx, work, "push", "--quiet", "origin", "HEAD:refs/heads/"+Branch); err != nil {
		return "", err
	}
	return output(ctx, work, "rev-parse", "HEAD")
}

// CloneRepository returns the files at the tip of the repository.
func (h *Host) CloneRepository(ctx context.Context, name string) ([]worktree.File, error) {
	dir, err := h.dir(name)
	if err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp("", "appforge-clone-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(tmp) }()
	work := filepath.Join(tmp, "work")
	if err := run(ctx, "", "clone", "--quiet", "--depth=1", "--branch="+Branch, "file://"+filepath.ToSlash(dir), work); err != nil {
		return nil, err
	}
	var files []worktree.File
	err = filepath.WalkDir(work, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		b, err := os.ReadFile(p) //nolint:gosec // p is inside our temp dir.
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(work, p)
		if err != nil {
			return err
		}
		files = append(files, worktree.File{Path: filepath.ToSlash(rel), Content: string(b)})
		return nil
	})
	return files, err
}

// clearWorkTree removes everything in dir but .git.
func clearWorkTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(root string, f worktree.File) error {
	rel := filepath.FromSlash(f.Path)
	if !filepath.IsLocal(rel) || strings.HasPrefix(filepath.ToSlash(rel), ".git/") {
		return fmt.Errorf("refusing to write %q", f.Path)
	}
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(f.Content), 0o600)
}

func run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", subcommand(args), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", subcommand(args), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// subcommand returns the git verb in args, skipping "-c key=value" pairs.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}
