package tracelog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/appforge/appforge/backend/internal/agent"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "app1", "trace-1", "build a todo app")
	if err != nil {
		t.Fatal(err)
	}
	w.Record([]byte("{\n  \"status\": \"running\", \"traceId\": \"t\", \"message\": {\"kind\": \"StageResult\"}\n}"))
	w.Record([]byte(`{"status":"running","message":{"kind":"KeepAlive"}}`))
	w.Record([]byte(`{"status":"idle","traceId":"t","message":{"kind":"Stage`))
	w.Record([]byte(`{"status":"idle","traceId":"t","message":{"kind":"StageResult"}}`))
	if err := w.Close(errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	w.Record([]byte(`{}`)) // ignored once closed
	if err := w.Close(nil); err != nil {
		t.Fatal(err)
	}

	traces, err := LoadApp(dir, "app1")
	if err != nil {
		t.Fatal(err)
	}
	if len(traces) != 1 {
		t.Fatalf("got %d traces", len(traces))
	}
	tr := traces[0]
	if tr.AppID != "app1" || tr.TraceID != "trace-1" || tr.Message != "build a todo app" || tr.StartedAt.IsZero() {
		t.Errorf("meta = %+v", tr.Meta)
	}
	if len(tr.Events) != 3 || tr.Skipped != 1 {
		t.Errorf("events = %d, skipped = %d", len(tr.Events), tr.Skipped)
	}
	if tr.Events[1].Message.Kind() != agent.KindKeepAlive || !tr.Events[2].Terminal() {
		t.Errorf("events = %+v", tr.Events)
	}
	if tr.Result == nil || tr.Result.State != StateFailed || tr.Result.Error != "boom" || tr.Result.Events != 4 {
		t.Errorf("result = %+v", tr.Result)
	}
}

func TestLoadApp(t *testing.T) {
	t.Run("MissingDir", func(t *testing.T) {
		traces, err := LoadApp(filepath.Join(t.TempDir(), "nope"), "app1")
		if err != nil || traces != nil {
			t.Errorf("got %v, %v", traces, err)
		}
	})
	t.Run("Order", func(t *testing.T) {
		dir := t.TempDir()
		for _, tid := range []string{"first", "second"} {
			w, err := Create(dir, "app1", tid, "m")
			if err != nil {
				t.Fatal(err)
			}
			if err := w.Close(nil); err != nil {
				t.Fatal(err)
			}
		}
		w, err := Create(dir, "other", "x", "m")
		if err != nil {
			t.Fatal(err)
		}
		_ = w.Close(nil)

		traces, err := LoadApp(dir, "app1")
		if err != nil {
			t.Fatal(err)
		}
		if len(traces) != 2 || traces[0].TraceID != "first" || traces[1].TraceID != "second" {
			t.Fatalf("traces = %+v", traces)
		}
		if traces[0].Result == nil || traces[0].Result.State != StateDone {
			t.Errorf("result = %+v", traces[0].Result)
		}
	})
	t.Run("Unfinished", func(t *testing.T) {
		dir := t.TempDir()
		w, err := Create(dir, "app1", "t", "m")
		if err != nil {
			t.Fatal(err)
		}
		w.Record([]byte(`{"status":"running","traceId":"t","message":{"kind":"ReviewResult"}}`))
		w.mu.Lock()
		_ = w.f.Sync()
		w.mu.Unlock()
		traces, err := LoadApp(dir, "app1")
		if err != nil {
			t.Fatal(err)
		}
		if len(traces) != 1 || traces[0].Result != nil || len(traces[0].Events) != 1 {
			t.Errorf("traces = %+v", traces)
		}
		_ = w.Close(nil)
	})
	t.Run("ForeignFile", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(dir, "app1"), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "app1", "x.jsonl"), []byte(`{"type":"other"}`+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		traces, err := LoadApp(dir, "app1")
		if err != nil || len(traces) != 0 {
			t.Errorf("got %v, %v", traces, err)
		}
	})
}

func TestSafe(t *testing.T) {
	for in, want := range map[string]string{"app-1_x": "app-1_x", "../etc": "___etc", "": "_", "a/b": "a_b"} {
		if got := safe(in); got != want {
			t.Errorf("safe(%q) = %q, want %q", in, got, want)
		}
	}
}
