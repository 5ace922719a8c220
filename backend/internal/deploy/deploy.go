// Package deploy uploads working tree snapshots to the deployment service and
// queries the state of deployments.
package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/appforge/appforge/backend/internal/worktree"
)

// ErrNotFound is returned by Status for an unknown deployment.
var ErrNotFound = errors.New("deployment not found")

// Request describes one deployment.
type Request struct {
	AppID string
	Name  string
	Files []worktree.File
}

// Deployment is the service's view of a deployment.
type Deployment struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// Client talks to the deployment service.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client // Defaults to a client with a 2 minute timeout.
}

var defaultHTTPClient = &http.Client{Timeout: 2 * time.Minute}

// Deploy uploads the snapshot in req and returns the created deployment.
func (c *Client) Deploy(ctx context.Context, req *Request) (*Deployment, error) {
	body, err := Archive(req.Files)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/v1/deployments"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/x-tar")
	hreq.Header.Set("Content-Encoding", "zstd")
	hreq.Header.Set("X-App-ID", req.AppID)
	hreq.Header.Set("X-App-Name", req.Name)
	d, err := c.do(hreq)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", req.Name, err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("deploy %s: response has no deployment id", req.Name)
	}
	return d, nil
}

// Status returns the current state of deployment id.
func (c *Client) Status(ctx context.Context, id string) (*Deployment, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/v1/deployments/"+url.PathEscape(id)), http.NoBody)
	if err != nil {
		return nil, err
	}
	return c.do(hreq)
}

func (c *Client) url(p string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + p
}

func (c *Client) do(req *http.Request) (*Deployment, error) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
	hc := c.HTTPClient
	if hc == nil {
		hc = defaultHTTPClient
	}
	resp, err := hc.Do(req) //nolint:gosec // URL comes from configuration.
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var d Deployment
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &d, nil
}

// Archive returns files as a zstd compressed tar stream.
func Archive(files []worktree.File) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Path, Mode: 0o644, Size: int64(len(f.Content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(tw, f.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
