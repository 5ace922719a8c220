// Package tracelog records the raw upstream events of each request in a JSONL
// file and reads them back for debugging.
//
// A file starts with a Meta line, continues with one upstream payload per
// line and ends with a Result line once the request finished. Files live in
// <dir>/<appID>/<ksid>.jsonl so that a directory listing is chronological.
package tracelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/maruel/ksid"

	"github.com/appforge/appforge/backend/internal/agent"
)

// Line types.
const (
	TypeMeta    = "appforge_meta"
	TypeResult  = "appforge_result"
	TypeInvalid = "appforge_invalid"
)

// States recorded in the trailer.
const (
	StateDone   = "done"
	StateFailed = "failed"
)

var errNotTraceFile = errors.New("not a trace file")

// Meta is the header line.
type Meta struct {
	Type      string    `json:"type"`
	Version   int       `json:"version"`
	AppID     string    `json:"appId"`
	TraceID   string    `json:"traceId"`
	Message   string    `json:"message"`
	StartedAt time.Time `json:"startedAt"`
}

// Result is the trailer line.
type Result struct {
	Type     string  `json:"type"`
	State    string  `json:"state"`
	Error    string  `json:"error,omitempty"`
	Events   int     `json:"events"`
	Duration float64 `json:"duration"` // seconds
}

type invalidLine struct {
	Type string `json:"type"`
	Raw  string `json:"raw"`
}

// Writer appends to one trace file. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	start  time.Time
	events int
}

// Create opens a new trace file for appID in dir and writes the header.
func Create(dir, appID, traceID, message string) (*Writer, error) {
	appDir := filepath.Join(dir, safe(appID))
	if err := os.MkdirAll(appDir, 0o750); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	name := ksid.NewID().String() + ".jsonl"
	f, err := os.OpenFile(filepath.Join(appDir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) //nolint:gosec // name is derived from ksid and a sanitized id.
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	w := &Writer{f: f, start: time.Now().UTC()}
	meta := Meta{Type: TypeMeta, Version: 1, AppID: appID, TraceID: traceID, Message: message, StartedAt: w.start}
	if err := w.writeJSON(meta); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Record appends one upstream payload. Payloads that are not valid JSON are
// kept as a string.
func (w *Writer) Record(payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	w.events++
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		b, _ := json.Marshal(invalidLine{Type: TypeInvalid, Raw: string(payload)})
		buf.Reset()
		buf.Write(b)
	}
	buf.WriteByte('\n')
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		slog.Warn("writing trace", "file", w.f.Name(), "err", err)
	}
}

// Close writes the trailer for the outcome err and closes the file.
func (w *Writer) Close(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	r := Result{Type: TypeResult, State: StateDone, Events: w.events, Duration: time.Since(w.start).Seconds()}
	if err != nil {
		r.State = StateFailed
		r.Error = err.Error()
	}
	werr := w.writeJSONLocked(r)
	cerr := w.f.Close()
	w.f = nil
	return errors.Join(werr, cerr)
}

func (w *Writer) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeJSONLocked(v)
}

func (w *Writer) writeJSONLocked(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.f.Write(append(b, '\n'))
	return err
}

// Trace is a trace file read back.
type Trace struct {
	Meta
	Events  []*agent.Event
	Skipped int     // lines that did not parse as events
	Result  *Result // nil if the request never finished
}

// Load parses a single trace file.
func Load(path string) (_ *Trace, retErr error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err2 := f.Close(); retErr == nil {
			retErr = err2
		}
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	if !scanner.Scan() {
		return nil, errNotTraceFile
	}
	var envelope struct {
		Type string `json:"type"`
	}
	tr := &Trace{}
	if err := json.Unmarshal(scanner.Bytes(), &tr.Meta); err != nil || tr.Type != TypeMeta {
		return nil, errNotTraceFile
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		envelope.Type = ""
		if err := json.Unmarshal(line, &envelope); err != nil {
			tr.Skipped++
			continue
		}
		switch envelope.Type {
		case TypeResult:
			var r Result
			if err := json.Unmarshal(line, &r); err == nil {
				tr.Result = &r
			}
			continue
		case TypeInvalid:
			tr.Skipped++
			continue
		}
		ev, err := agent.ParseEvent(line)
		if err != nil {
			tr.Skipped++
			continue
		}
		tr.Events = append(tr.Events, ev)
	}
	return tr, scanner.Err()
}

// LoadApp returns the traces of appID in dir, oldest first. A missing
// directory yields no traces.
func LoadApp(dir, appID string) ([]*Trace, error) {
	appDir := filepath.Join(dir, safe(appID))
	entries, err := os.ReadDir(appDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	var out []*Trace
	for _, n := range names {
		tr, err := Load(filepath.Join(appDir, n))
		if err != nil {
			if !errors.Is(err, errNotTraceFile) {
				slog.Warn("skipping trace file", "file", n, "err", err)
			}
			continue
		}
		out = append(out, tr)
	}
	// ids created within the same tick may not sort in creation order.
	slices.SortStableFunc(out, func(a, b *Trace) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out, nil
}

// safe maps s to a single path element.
func safe(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, s)
}
