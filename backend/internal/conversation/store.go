// Package conversation keeps the in-memory transcript and agent state of each
// application between and during requests.
package conversation

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/appforge/appforge/backend/internal/agent"
)

// KindUserMessage tags turns typed by the user.
const KindUserMessage agent.Kind = "UserMessage"

// Message is one turn of a conversation.
type Message struct {
	Role      agent.Role `json:"role"`
	Content   string     `json:"content"`
	Kind      agent.Kind `json:"kind"`
	CreatedAt time.Time  `json:"createdAt"`
}

type conversation struct {
	msgs      []Message
	state     json.RawMessage
	persisted int // msgs[:persisted] are known to be in durable storage

	flushMu sync.Mutex // serializes FlushUnpersisted
}

// Store holds conversations keyed by application id. It is safe for
// concurrent use.
type Store struct {
	log *slog.Logger

	mu     sync.Mutex
	convs  map[string]*conversation
	active map[string]int // requests in flight per application
}

// NewStore returns an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{log: logger, convs: map[string]*conversation{}, active: map[string]int{}}
}

func (s *Store) getLocked(appID string) *conversation {
	c := s.convs[appID]
	if c == nil {
		c = &conversation{}
		s.convs[appID] = c
	}
	return c
}

// AddUserMessage appends a user turn, creating the conversation if needed.
func (s *Store) AddUserMessage(appID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(appID)
	c.msgs = append(c.msgs, Message{Role: agent.RoleUser, Content: content, Kind: KindUserMessage, CreatedAt: time.Now().UTC()})
}

// AddFromEvent appends the agent fragments carried by ev and records its
// agent state. User fragments echoed back by the agent are skipped. A
// malformed fragment list is logged and treated as empty. It returns the
// number of appended turns.
func (s *Store) AddFromEvent(appID string, ev *agent.Event) int {
	p := agent.PayloadOf(ev.Message)
	frags, err := p.Fragments()
	if err != nil {
		s.log.Warn("dropping malformed event messages", "app", appID, "kind", ev.Message.Kind(), "err", err)
		frags = nil
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(appID)
	n := 0
	for _, f := range frags {
		if f.Role == agent.RoleUser {
			continue
		}
		c.msgs = append(c.msgs, Message{Role: agent.RoleAssistant, Content: f.Content, Kind: ev.Message.Kind(), CreatedAt: now})
		n++
	}
	if hasState(p.AgentState) {
		c.state = bytes.Clone(p.AgentState)
	}
	return n
}

// GetHistory returns a copy of the transcript. It is never nil.
func (s *Store) GetHistory(appID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convs[appID]
	if c == nil {
		return []Message{}
	}
	return append([]Message{}, c.msgs...)
}

// AgentState returns the last known agent state, or nil.
func (s *Store) AgentState(appID string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[appID]; c != nil {
		return bytes.Clone(c.state)
	}
	return nil
}

// Has reports whether appID has an in-memory conversation.
func (s *Store) Has(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[appID]
	return ok
}

// Remove drops the in-memory conversation.
func (s *Store) Remove(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, appID)
}

// Acquire marks a request in flight for appID. Every Acquire must be paired
// with a Release.
func (s *Store) Acquire(appID string) {
	s.mu.Lock()
	s.active[appID]++
	s.mu.Unlock()
}

// Release ends a request started with Acquire. With drop set, the
// conversation is removed once no other request for appID is in flight. It
// reports whether the conversation was removed.
func (s *Store) Release(appID string, drop bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.active[appID] - 1
	if n > 0 {
		s.active[appID] = n
		return false
	}
	delete(s.active, appID)
	if !drop {
		return false
	}
	delete(s.convs, appID)
	return true
}

// Restore seeds a conversation from durable storage. Messages passed in are
// considered persisted. An existing in-memory conversation is newer than
// storage and is kept as is; only a missing agent state is filled in.
func (s *Store) Restore(appID string, persisted []Message, state json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.convs[appID]; c != nil {
		if c.state == nil && hasState(state) {
			c.state = bytes.Clone(state)
		}
		return
	}
	c := &conversation{msgs: append([]Message(nil), persisted...), persisted: len(persisted)}
	if hasState(state) {
		c.state = bytes.Clone(state)
	}
	s.convs[appID] = c
}

// FlushUnpersisted passes the turns not yet handed to durable storage to fn,
// in order. They are marked persisted only if fn succeeds. Concurrent calls
// for the same application are serialized so each turn is written once.
func (s *Store) FlushUnpersisted(appID string, fn func([]Message) error) error {
	s.mu.Lock()
	c := s.convs[appID]
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	s.mu.Lock()
	pending := append([]Message(nil), c.msgs[c.persisted:]...)
	s.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	if err := fn(pending); err != nil {
		return err
	}
	s.mu.Lock()
	c.persisted += len(pending)
	s.mu.Unlock()
	return nil
}

func hasState(raw json.RawMessage) bool {
	return len(raw) != 0 && string(raw) != "null"
}
