package meridian

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes surfaced by the SDK itself (as opposed to server-side codes).
const (
	CodeAuth           = "auth-error"
	CodeValidation     = "validation-error"
	CodeSend           = "send-error"
	CodeRetry          = "retry-error"
	CodeLoadMore       = "load-more-error"
	CodeInitialization = "initialization-error"
	CodeRealtime       = "realtime-error"
	CodeExecution      = "execution-error"
)

func apiErr(code, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// ============================================================================
// Message Types
// ============================================================================

// Message type constants.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeSystem = "system"
)

// optimisticPrefix tags locally generated message ids so they are
// distinguishable from server-assigned ids.
const optimisticPrefix = "local-"

// Message is a single chat message. Content fields are immutable once
// created; delivery metadata (ReadBy, EditedAt, DeletedAt) may grow.
type Message struct {
	ID        string               `json:"id"`
	ClientID  string               `json:"clientId,omitempty"`
	ChatID    string               `json:"chatId"`
	SenderID  string               `json:"senderId"`
	Text      string               `json:"text"`
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	ReadBy    map[string]time.Time `json:"readBy,omitempty"`
	EditedAt  *time.Time           `json:"editedAt,omitempty"`
	DeletedAt *time.Time           `json:"deletedAt,omitempty"`
}

// IsOptimistic reports whether the message carries a locally generated id
// that has not yet been confirmed by the server.
func (m *Message) IsOptimistic() bool {
	return IsOptimisticID(m.ID)
}

// ReadByUser reports whether userID has marked the message as read.
func (m *Message) ReadByUser(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// IsOptimisticID reports whether id belongs to the local id space.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, optimisticPrefix)
}

// ============================================================================
// Presence Types
// ============================================================================

// UserPresence is one participant's online/offline state.
type UserPresence struct {
	UserID      string     `json:"userId"`
	IsOnline    bool       `json:"isOnline"`
	DisplayName string     `json:"displayName,omitempty"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// ChatPresence aggregates participant presence for one chat.
type ChatPresence struct {
	ChatID       string         `json:"chatId"`
	Participants []UserPresence `json:"participants"`
	OnlineCount  int            `json:"onlineCount"`
	TotalCount   int            `json:"totalCount"`
}

// recount refreshes the derived counters from the participant list.
func (p *ChatPresence) recount() {
	online := 0
	for _, u := range p.Participants {
		if u.IsOnline {
			online++
		}
	}
	p.OnlineCount = online
	p.TotalCount = len(p.Participants)
}

// ============================================================================
// Analysis Types
// ============================================================================

// Suggestion is one AI-generated reply suggestion for a message.
type Suggestion struct {
	ID         string  `json:"id,omitempty"`
	Text       string  `json:"text"`
	Kind       string  `json:"kind,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ============================================================================
// Generic API Result
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
