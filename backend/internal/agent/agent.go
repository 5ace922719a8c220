// Package agent talks to the upstream generation agent: it opens the
// streaming request, splits the server-sent event stream into payloads and
// decodes each payload into a typed Event.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxEventSize bounds a single SSE line. Diffs for a whole application can
// be large.
const maxEventSize = 16 << 20

// ParseEvent decodes and validates a single event payload.
//
// Truncated JSON yields an error for which IsIncomplete returns true. Any
// other failure, including an unknown message kind, is a schema error.
func ParseEvent(data []byte) (*Event, error) {
	var wire struct {
		Status  Status          `json:"status"`
		TraceID string          `json:"traceId"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, decodeError(err)
	}
	if !wire.Status.valid() {
		return nil, fmt.Errorf("invalid status %q", wire.Status)
	}
	if len(wire.Message) == 0 || string(wire.Message) == "null" {
		return nil, errors.New("missing message")
	}
	var envelope struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(wire.Message, &envelope); err != nil {
		return nil, decodeError(err)
	}
	var m Message
	switch envelope.Kind {
	case KindStageResult:
		m = &StageResult{}
	case KindRefinementRequest:
		m = &RefinementRequest{}
	case KindRuntimeError:
		m = &RuntimeError{}
	case KindReviewResult:
		m = &ReviewResult{}
	case KindKeepAlive:
		m = &KeepAlive{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, envelope.Kind)
	}
	if wire.TraceID == "" && envelope.Kind != KindKeepAlive {
		return nil, errors.New("missing traceId")
	}
	if err := json.Unmarshal(wire.Message, m); err != nil {
		return nil, decodeError(err)
	}
	if p := m.payload(); p.UnifiedDiff != nil && *p.UnifiedDiff == NoChangesDiff {
		p.UnifiedDiff = nil
	}
	return &Event{Status: wire.Status, TraceID: wire.TraceID, Message: m}, nil
}

func decodeError(err error) error {
	var se *json.SyntaxError
	if errors.Is(err, io.ErrUnexpectedEOF) || (errors.As(err, &se) && strings.Contains(se.Error(), "unexpected end of JSON input")) {
		return fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	return fmt.Errorf("decode event: %w", err)
}

// StatusError is returned by Client.Stream when the agent answers with a
// non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Code, e.Body)
}

// Client opens streaming requests against the agent host.
type Client struct {
	BaseURL string
	APIKey  string
	// HTTPClient defaults to http.DefaultClient. It must not set a Timeout:
	// streams stay open for the whole generation.
	HTTPClient *http.Client
}

// Stream sends req and returns the event stream. Cancelling ctx aborts the
// upstream connection.
func (c *Client) Stream(ctx context.Context, req *Request) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.BaseURL, "/")+"/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	if c.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hreq) //nolint:gosec // URL comes from configuration.
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return NewStream(resp.Body), nil
}

// Stream splits a text/event-stream body into event payloads.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewStream wraps r. Close closes r.
func NewStream(r io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)
	return &Stream{body: r, scanner: scanner}
}

// Next returns the data of the next event. Multiple data lines are joined
// with a newline; comments and other fields are ignored. It returns io.EOF
// once the body is exhausted.
func (s *Stream) Next() ([]byte, error) {
	var data []byte
	has := false
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			if has {
				return data, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if has {
			data = append(data, '\n')
		}
		data = append(data, value...)
		has = true
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if has {
		return data, nil
	}
	return nil, io.EOF
}

// Close releases the underlying body.
func (s *Stream) Close() error {
	return s.body.Close()
}
