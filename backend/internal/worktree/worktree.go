// Package worktree holds the in-memory working tree a request builds on:
// either the starter template or the files of an existing repository, with
// the agent's unified diffs applied on top.
package worktree

import (
	"bytes"
	"cmp"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/spf13/afero"
)

//go:embed all:template
var templateFS embed.FS

// File is a path relative to the tree root and its contents.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Tree is an in-memory working tree. It is not safe for concurrent use.
type Tree struct {
	fs afero.Fs
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{fs: afero.NewMemMapFs()}
}

// FromTemplate returns a tree holding the starter application.
func FromTemplate() (*Tree, error) {
	t := New()
	err := fs.WalkDir(templateFS, "template", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := templateFS.ReadFile(p)
		if err != nil {
			return err
		}
		return t.Write(strings.TrimPrefix(p, "template/"), b)
	})
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	return t, nil
}

// FromFiles returns a tree holding files.
func FromFiles(files []File) (*Tree, error) {
	t := New()
	for _, f := range files {
		if err := t.Write(f.Path, []byte(f.Content)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Write creates or replaces the file at p.
func (t *Tree) Write(p string, b []byte) error {
	name, err := clean(p)
	if err != nil {
		return err
	}
	if err := t.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(t.fs, name, b, 0o644)
}

// Read returns the contents of the file at p.
func (t *Tree) Read(p string) ([]byte, error) {
	name, err := clean(p)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(t.fs, name)
}

// Files returns every file in the tree sorted by path.
func (t *Tree) Files() ([]File, error) {
	var out []File
	err := afero.Walk(t.fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		b, err := afero.ReadFile(t.fs, p)
		if err != nil {
			return err
		}
		out = append(out, File{Path: strings.TrimPrefix(p, "/"), Content: string(b)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b File) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// Apply applies a unified diff. Files are created, modified, renamed or
// deleted as the diff says. The tree may be partially modified on error.
func (t *Tree) Apply(diff string) error {
	files, _, err := gitdiff.Parse(strings.NewReader(diff))
	if err != nil {
		return fmt.Errorf("parse diff: %w", err)
	}
	if len(files) == 0 {
		return errors.New("diff contains no file changes")
	}
	for _, f := range files {
		oldName, newName := t.names(f)
		if err := t.applyFile(f, oldName, newName); err != nil {
			return fmt.Errorf("apply %s: %w", cmp.Or(newName, oldName), err)
		}
	}
	return nil
}

func (t *Tree) applyFile(f *gitdiff.File, oldName, newName string) error {
	if f.IsDelete {
		name, err := clean(oldName)
		if err != nil {
			return err
		}
		return t.fs.Remove(name)
	}
	var src []byte
	if !f.IsNew {
		var err error
		if src, err = t.Read(oldName); err != nil {
			return err
		}
	}
	var dst bytes.Buffer
	if err := gitdiff.Apply(&dst, bytes.NewReader(src), f); err != nil {
		return err
	}
	if !f.IsNew && oldName != newName {
		name, err := clean(oldName)
		if err != nil {
			return err
		}
		if err := t.fs.Remove(name); err != nil {
			return err
		}
	}
	return t.Write(newName, dst.Bytes())
}

// names returns the file's old and new paths. The conventional a/ and b/
// prefixes of traditional diffs are dropped unless the tree really has such
// a top-level directory.
func (t *Tree) names(f *gitdiff.File) (string, string) {
	oldName, newName := t.trim(f.OldName, "a/"), t.trim(f.NewName, "b/")
	switch {
	case f.IsNew:
		oldName = ""
	case f.IsDelete:
		newName = oldName
	}
	return oldName, newName
}

func (t *Tree) trim(name, prefix string) string {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return name
	}
	if exists, _ := afero.DirExists(t.fs, "/"+strings.TrimSuffix(prefix, "/")); exists {
		return name
	}
	return rest
}

// clean maps a relative path into the tree, rejecting paths that escape it.
func clean(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	name := path.Clean("/" + p)
	if name == "/" || strings.HasPrefix(p, "/") || slices.Contains(strings.Split(p, "/"), "..") {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return name, nil
}
