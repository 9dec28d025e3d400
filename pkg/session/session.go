// Package session is the durable, indexed conversation repository. Every
// session owns one directory holding a session.json and one file per
// message; the on-disk state is authoritative and the in-memory chat index
// is advisory.
package session

import (
	"strings"
	"time"
)

const (
	sessionFile = "session.json"
	messagesDir = "messages"
	expiredDir  = "expired"
	archiveDate = "2006-01-02"
)

// Session is the conversation state for one chat.
type Session struct {
	ID                    string    `json:"session_id"`
	ChatID                string    `json:"chat_id"`
	MessageIDs            []string  `json:"message_ids"`
	MessageCounter        int       `json:"message_counter"`
	CreatedAt             time.Time `json:"created_at"`
	LastActive            time.Time `json:"last_active"`
	TotalTokens           int       `json:"total_tokens"`
	TransferredToLongTerm bool      `json:"transferred_to_longterm"`
	// StoragePath is the session directory relative to the store root.
	// "<id>" while active, "expired/<date>/<id>" once archived.
	StoragePath string `json:"storage_path"`
}

// Archived reports whether the session lives under the archive root.
func (s *Session) Archived() bool {
	return strings.HasPrefix(s.StoragePath, expiredDir+"/")
}

// Message is a single immutable conversation turn.
type Message struct {
	ID         string    `json:"message_id"`
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"` // "user" | "assistant"
	Content    string    `json:"content"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	CreatedAt  time.Time `json:"created_at"`
	Sequence   int       `json:"sequence"`
	Tokens     int       `json:"tokens"`
	Attachment string    `json:"attachment,omitempty"`
}

// Turn is one (role, content) pair of the conversation history.
type Turn struct {
	Role    string
	Content string
}
