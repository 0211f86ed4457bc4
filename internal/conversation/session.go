package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/atendezap/atendezap/internal/flow"
)

const historyCap = 20

// HistoryEntry is one exchanged message.
type HistoryEntry struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the durable conversation context for one (tenant, phone). Vars
// is the variable scope the state machine reads and writes; everything the
// flow stores (slots, top3, validation results) lands there and survives
// across messages for the session TTL.
type Session struct {
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Phone     string         `json:"phone"`
	State     string         `json:"state"`
	Vars      map[string]any `json:"vars"`
	History   []HistoryEntry `json:"history,omitempty"`
	UserName  string         `json:"user_name,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSession starts a fresh context in the initial state.
func NewSession(tenant, phone string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Phone:     phone,
		Vars:      make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Lookup implements flow.Scope over the session vars.
func (s *Session) Lookup(path string) (any, bool) {
	return flow.MapScope(s.Vars).Lookup(path)
}

// Assign implements flow.Scope over the session vars.
func (s *Session) Assign(path string, value any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	flow.MapScope(s.Vars).Assign(path, value)
}

// Unset removes a top-level var or a nested path's leaf.
func (s *Session) Unset(path string) {
	s.Assign(path, nil)
}

// AppendHistory records an exchange, keeping only the most recent entries.
func (s *Session) AppendHistory(role, text string) {
	if text == "" {
		return
	}
	s.History = append(s.History, HistoryEntry{Role: role, Text: text, At: time.Now().UTC()})
	if len(s.History) > historyCap {
		s.History = s.History[len(s.History)-historyCap:]
	}
}

// Valid reports whether a deserialized session is usable. Blobs that decode
// but miss identity fields count as corrupt and are replaced with a fresh
// session rather than patched.
func (s *Session) Valid() bool {
	return s != nil && s.Tenant != "" && s.Phone != "" && s.ID != ""
}
