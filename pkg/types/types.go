package types

import "time"

// Role is a caller's access level, derived from configured phone lists.
type Role string

const (
	RoleGodfather Role = "GODFATHER"
	RoleAdmin     Role = "ADMIN"
	RoleClient    Role = "CLIENT"
	RoleBlocked   Role = "BLOCKED"
)

// Scope is a per-memory-record access tag. Assigned at creation, never mutated.
type Scope string

const (
	ScopePublic  Scope = "PUBLIC"
	ScopePrivate Scope = "PRIVATE"
	ScopeSystem  Scope = "SYSTEM"
)

// MessageKind classifies an inbound notification's payload type.
type MessageKind string

const (
	KindText     MessageKind = "textMessage"
	KindExtended MessageKind = "extendedTextMessage"
	KindImage    MessageKind = "imageMessage"
	KindDocument MessageKind = "documentMessage"
	KindUnknown  MessageKind = "unknown"
)

// Supported reports whether the pipeline can answer a message of this kind.
func (k MessageKind) Supported() bool {
	return k == KindText || k == KindExtended
}

// IncomingMessage is a normalised inbound notification from the transport.
type IncomingMessage struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chat_id"`
	Sender     string      `json:"sender"` // phone of the sender
	SenderName string      `json:"sender_name,omitempty"`
	Text       string      `json:"text"`
	Kind       MessageKind `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
	IsGroup    bool        `json:"is_group"`
}
