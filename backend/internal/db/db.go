// Package db persists applications and their prompt history in SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Registers the "sqlite" driver.
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// App is a materialized application.
type App struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	OwnerID       string          `json:"ownerId"`
	TraceID       string          `json:"traceId"`
	AgentState    json.RawMessage `json:"agentState,omitempty"`
	RepoName      string          `json:"repoName"`
	RepositoryURL string          `json:"repositoryUrl"`
	DeployStatus  string          `json:"deployStatus,omitempty"`
	DeploymentID  string          `json:"deploymentId,omitempty"`
	AppURL        string          `json:"appUrl,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Prompt is one row of an application's prompt history.
type Prompt struct {
	ID        string          `json:"id"`
	AppID     string          `json:"appId"`
	Seq       int64           `json:"seq"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Kind      string          `json:"kind"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DB is the row store.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS apps (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	agent_state TEXT,
	repo_name TEXT NOT NULL UNIQUE,
	repository_url TEXT NOT NULL DEFAULT '',
	deploy_status TEXT NOT NULL DEFAULT '',
	deployment_id TEXT NOT NULL DEFAULT '',
	app_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS apps_owner ON apps(owner_id, created_at);

CREATE TABLE IF NOT EXISTS prompt_history (
	id TEXT PRIMARY KEY,
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE(app_id, seq)
);
`

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*DB, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	// Take the write lock at BEGIN so read-then-insert transactions wait on
	// the busy timeout instead of failing on upgrade.
	q.Set("_txlock", "immediate")
	sqldb, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d := &DB{db: sqldb}
	if err := d.Migrate(ctx); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return d, nil
}

// Migrate creates missing tables and indexes. It is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// CreateApp inserts a. Zero timestamps are set to now.
func (d *DB) CreateApp(ctx context.Context, a *App) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO apps (id, name, owner_id, trace_id, agent_state, repo_name, repository_url,
			deploy_status, deployment_id, app_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.OwnerID, a.TraceID, nullJSON(a.AgentState), a.RepoName, a.RepositoryURL,
		a.DeployStatus, a.DeploymentID, a.AppURL, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("creating app: %w", err)
	}
	return nil
}

const appColumns = `id, name, owner_id, trace_id, agent_state, repo_name, repository_url,
	deploy_status, deployment_id, app_url, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanApp(s scanner) (*App, error) {
	var a App
	var state sql.NullString
	var created, updated int64
	if err := s.Scan(&a.ID, &a.Name, &a.OwnerID, &a.TraceID, &state, &a.RepoName, &a.RepositoryURL,
		&a.DeployStatus, &a.DeploymentID, &a.AppURL, &created, &updated); err != nil {
		return nil, err
	}
	if state.Valid {
		a.AgentState = json.RawMessage(state.String)
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return &a, nil
}

// GetApp returns the application id or ErrNotFound.
func (d *DB) GetApp(ctx context.Context, id string) (*App, error) {
	a, err := scanApp(d.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting app: %w", err)
	}
	return a, nil
}

// ListApps returns the applications of ownerID, newest first. An empty
// ownerID lists every application.
func (d *DB) ListApps(ctx context.Context, ownerID string) ([]App, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+appColumns+` FROM apps
		WHERE ? = '' OR owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning app: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgentState records the latest agent state of application id.
func (d *DB) UpdateAgentState(ctx context.Context, id string, state json.RawMessage) error {
	return d.update(ctx, `UPDATE apps SET agent_state = ?, updated_at = ? WHERE id = ?`,
		nullJSON(state), time.Now().UTC().UnixMilli(), id)
}

// UpdateDeployment records the latest deployment of application id.
func (d *DB) UpdateDeployment(ctx context.Context, id, deploymentID, status, appURL string) error {
	return d.update(ctx, `UPDATE apps SET deployment_id = ?, deploy_status = ?, app_url = ?, updated_at = ? WHERE id = ?`,
		deploymentID, status, appURL, time.Now().UTC().UnixMilli(), id)
}

func (d *DB) update(ctx context.Context, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating app: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendPrompts appends prompts to the history of appID in one transaction.
// IDs, sequence numbers and zero timestamps are assigned here.
func (d *DB) AppendPrompts(ctx context.Context, appID string, prompts []Prompt) error {
	if len(prompts) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM prompt_history WHERE app_id = ?`, appID).Scan(&last); err != nil {
		return fmt.Errorf("reading last sequence: %w", err)
	}
	now := time.Now().UTC()
	for i := range prompts {
		p := &prompts[i]
		last++
		p.ID = uuid.NewString()
		p.AppID = appID
		p.Seq = last
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_history (id, app_id, seq, role, content, kind, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.AppID, p.Seq, p.Role, p.Content, p.Kind, nullJSON(p.Metadata), p.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("inserting prompt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing prompts: %w", err)
	}
	return nil
}

// PromptHistory returns the history of appID in insertion order.
func (d *DB) PromptHistory(ctx context.Context, appID string) ([]Prompt, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, app_id, seq, role, content, kind, metadata, created_at
		FROM prompt_history WHERE app_id = ? ORDER BY seq`, appID)
	if err != nil {
		return nil, fmt.Errorf("reading prompt history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Prompt
	for rows.Next() {
		var p Prompt
		var meta sql.NullString
		var created int64
		if err := rows.Scan(&p.ID, &p.AppID, &p.Seq, &p.Role, &p.Content, &p.Kind, &meta, &created); err != nil {
			return nil, fmt.Errorf("scanning prompt: %w", err)
		}
		if meta.Valid {
			p.Metadata = json.RawMessage(meta.String)
		}
		p.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
