package conversation

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/appforge/appforge/backend/internal/agent"
)

func newStore() *Store {
	return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func event(kind agent.Kind, messages, state string) *agent.Event {
	p := agent.Payload{MessageKind: kind}
	if messages != "" {
		p.Messages = json.RawMessage(messages)
	}
	if state != "" {
		p.AgentState = json.RawMessage(state)
	}
	var m agent.Message
	switch kind {
	case agent.KindRefinementRequest:
		m = &agent.RefinementRequest{Payload: p}
	default:
		m = &agent.StageResult{Payload: p}
	}
	return &agent.Event{Status: agent.StatusRunning, TraceID: "t", Message: m}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestStore(t *testing.T) {
	t.Run("Absent", func(t *testing.T) {
		s := newStore()
		if s.Has("a") {
			t.Error("Has() = true")
		}
		h := s.GetHistory("a")
		if h == nil || len(h) != 0 {
			t.Errorf("GetHistory() = %#v", h)
		}
		if st := s.AgentState("a"); st != nil {
			t.Errorf("AgentState() = %s", st)
		}
	})
	t.Run("UserThenAgent", func(t *testing.T) {
		s := newStore()
		s.Restore("a", []Message{{Role: agent.RoleUser, Content: "h1"}, {Role: agent.RoleAssistant, Content: "h2"}}, nil)
		s.AddUserMessage("a", "m")
		n := s.AddFromEvent("a", event(agent.KindStageResult, `[{"role":"user","content":"m"},{"role":"assistant","content":"r1"},{"role":"assistant","content":"r2"}]`, ""))
		if n != 2 {
			t.Errorf("appended %d, want 2", n)
		}
		got := contents(s.GetHistory("a"))
		want := []string{"user:h1", "assistant:h2", "user:m", "assistant:r1", "assistant:r2"}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
			}
		}
		h := s.GetHistory("a")
		if h[2].Kind != KindUserMessage || h[3].Kind != agent.KindStageResult {
			t.Errorf("kinds = %q, %q", h[2].Kind, h[3].Kind)
		}
	})
	t.Run("EventCreatesConversation", func(t *testing.T) {
		s := newStore()
		s.AddFromEvent("a", event(agent.KindStageResult, "", ""))
		if !s.Has("a") {
			t.Error("Has() = false")
		}
	})
	t.Run("MalformedFragments", func(t *testing.T) {
		s := newStore()
		n := s.AddFromEvent("a", event(agent.KindStageResult, `{"nope":1}`, `{"s":1}`))
		if n != 0 {
			t.Errorf("appended %d", n)
		}
		if st := s.AgentState("a"); string(st) != `{"s":1}` {
			t.Errorf("AgentState() = %s", st)
		}
	})
	t.Run("AgentStateMerge", func(t *testing.T) {
		s := newStore()
		s.Restore("a", nil, json.RawMessage(`{"v":0}`))
		s.AddFromEvent("a", event(agent.KindStageResult, "", `{"v":1}`))
		if st := s.AgentState("a"); string(st) != `{"v":1}` {
			t.Errorf("AgentState() = %s, want v1", st)
		}
		s.AddFromEvent("a", event(agent.KindStageResult, "", ""))
		if st := s.AgentState("a"); string(st) != `{"v":1}` {
			t.Errorf("AgentState() = %s, want v1 retained", st)
		}
		s.AddFromEvent("a", event(agent.KindStageResult, "", "null"))
		if st := s.AgentState("a"); string(st) != `{"v":1}` {
			t.Errorf("AgentState() = %s, want v1 retained on null", st)
		}
	})
	t.Run("RestoreKeepsNewer", func(t *testing.T) {
		s := newStore()
		s.AddUserMessage("a", "live")
		s.Restore("a", []Message{{Role: agent.RoleUser, Content: "old"}}, json.RawMessage(`{"x":1}`))
		got := contents(s.GetHistory("a"))
		if len(got) != 1 || got[0] != "user:live" {
			t.Errorf("got %v", got)
		}
		if st := s.AgentState("a"); string(st) != `{"x":1}` {
			t.Errorf("AgentState() = %s", st)
		}
	})
	t.Run("Remove", func(t *testing.T) {
		s := newStore()
		s.AddUserMessage("a", "x")
		s.Remove("a")
		if s.Has("a") || len(s.GetHistory("a")) != 0 {
			t.Error("conversation still present")
		}
	})
	t.Run("HistoryIsCopy", func(t *testing.T) {
		s := newStore()
		s.AddUserMessage("a", "x")
		h := s.GetHistory("a")
		h[0].Content = "mutated"
		if s.GetHistory("a")[0].Content != "x" {
			t.Error("GetHistory returned shared slice")
		}
	})
}

func TestAcquireRelease(t *testing.T) {
	t.Run("LastReleaseDrops", func(t *testing.T) {
		s := newStore()
		s.Acquire("a")
		s.Acquire("a")
		s.AddUserMessage("a", "first")
		if s.Release("a", true) {
			t.Fatal("dropped while another request is in flight")
		}
		if !s.Has("a") {
			t.Fatal("conversation removed early")
		}
		s.AddUserMessage("a", "second")
		if got := contents(s.GetHistory("a")); len(got) != 2 {
			t.Errorf("history = %v", got)
		}
		if !s.Release("a", true) {
			t.Fatal("last release did not drop")
		}
		if s.Has("a") {
			t.Error("conversation kept")
		}
	})
	t.Run("KeepWithoutDrop", func(t *testing.T) {
		s := newStore()
		s.Acquire("a")
		s.AddUserMessage("a", "hi")
		if s.Release("a", false) {
			t.Fatal("dropped")
		}
		if !s.Has("a") {
			t.Error("conversation removed")
		}
	})
	t.Run("RestoreDuringOverlap", func(t *testing.T) {
		s := newStore()
		s.Acquire("a")
		s.Restore("a", []Message{{Role: agent.RoleUser, Content: "old"}}, nil)
		s.AddUserMessage("a", "first")
		s.Acquire("a")
		s.Restore("a", []Message{{Role: agent.RoleUser, Content: "old"}}, nil)
		s.AddUserMessage("a", "second")
		s.Release("a", true)
		want := []string{"user:old", "user:first", "user:second"}
		got := contents(s.GetHistory("a"))
		if len(got) != len(want) {
			t.Fatalf("history = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("history[%d] = %q, want %q", i, got[i], want[i])
			}
		}
		s.Release("a", true)
	})
}

func TestFlushUnpersisted(t *testing.T) {
	t.Run("Watermark", func(t *testing.T) {
		s := newStore()
		s.Restore("a", []Message{{Role: agent.RoleUser, Content: "old"}}, nil)
		s.AddUserMessage("a", "new")
		var written []string
		flush := func(msgs []Message) error {
			written = append(written, contents(msgs)...)
			return nil
		}
		if err := s.FlushUnpersisted("a", flush); err != nil {
			t.Fatal(err)
		}
		if err := s.FlushUnpersisted("a", flush); err != nil {
			t.Fatal(err)
		}
		if len(written) != 1 || written[0] != "user:new" {
			t.Errorf("written %v", written)
		}
	})
	t.Run("FailureRetries", func(t *testing.T) {
		s := newStore()
		s.AddUserMessage("a", "m")
		errBoom := errors.New("boom")
		if err := s.FlushUnpersisted("a", func([]Message) error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("err = %v", err)
		}
		calls := 0
		if err := s.FlushUnpersisted("a", func(msgs []Message) error {
			calls += len(msgs)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		if calls != 1 {
			t.Errorf("flushed %d messages after failure, want 1", calls)
		}
	})
	t.Run("Absent", func(t *testing.T) {
		s := newStore()
		if err := s.FlushUnpersisted("a", func([]Message) error {
			t.Error("called for absent conversation")
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	})
	t.Run("Concurrent", func(t *testing.T) {
		s := newStore()
		for range 10 {
			s.AddUserMessage("a", "m")
		}
		var mu sync.Mutex
		total := 0
		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				_ = s.FlushUnpersisted("a", func(msgs []Message) error {
					mu.Lock()
					total += len(msgs)
					mu.Unlock()
					return nil
				})
			})
		}
		wg.Wait()
		if total != 10 {
			t.Errorf("flushed %d messages, want 10", total)
		}
	})
}
