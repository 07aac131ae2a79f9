package event

import (
	"bytes"
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// Room state and message event types handled by the engine.
const (
	Message        = "m.room.message"
	Aliases        = "m.room.aliases"
	CanonicalAlias = "m.room.canonical_alias"
	Name           = "m.room.name"
	Topic          = "m.room.topic"
	Avatar         = "m.room.avatar"
	Create         = "m.room.create"
	Member         = "m.room.member"
)

// Ephemeral event types delivered alongside a sync delta.
const (
	Receipt = "m.receipt"
	Typing  = "m.typing"
)

// Event is a single Matrix event envelope as delivered by the homeserver.
// Content is kept raw; consumers probe the fields they understand.
type Event struct {
	Type           string          `json:"type"`
	Sender         id.UserID       `json:"sender,omitempty"`
	ID             id.EventID      `json:"event_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	Unsigned       *Unsigned       `json:"unsigned,omitempty"`
}

// Unsigned carries server-added metadata.
type Unsigned struct {
	PrevContent json.RawMessage `json:"prev_content,omitempty"`
	Age         int64           `json:"age,omitempty"`
}

// GetStateKey returns the state key, or "" for non-state events.
func (e *Event) GetStateKey() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// PrevContent returns unsigned.prev_content, or nil when absent.
func (e *Event) PrevContent() json.RawMessage {
	if e.Unsigned == nil {
		return nil
	}
	return e.Unsigned.PrevContent
}

// IsEmptyContent reports whether raw content is absent or an empty object.
// Empty member content arises when replaying backwards past the earliest
// known state.
func IsEmptyContent(content json.RawMessage) bool {
	if len(content) == 0 {
		return true
	}
	trimmed := bytes.TrimSpace(content)
	return bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("null"))
}

// JoinedRoom is the server's incremental update for one joined room.
type JoinedRoom struct {
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
	Timeline            Timeline            `json:"timeline"`
	Ephemeral           EventList           `json:"ephemeral"`
	State               EventList           `json:"state"`
}

// UnreadNotifications carries the server-computed unread counters.
type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// Timeline is the ordered chunk of timeline events in a sync delta.
// Limited means the server elided events since the previous delta and the
// local timeline window is no longer contiguous.
type Timeline struct {
	Limited   bool    `json:"limited"`
	PrevBatch string  `json:"prev_batch"`
	Events    []Event `json:"events"`
}

// EventList wraps the state and ephemeral sections of a sync delta.
type EventList struct {
	Events []Event `json:"events"`
}
