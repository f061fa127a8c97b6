////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"strconv"
	"time"
)

// UserID identifies a platform user.
type UserID string

// ConversationID identifies a direct or group conversation.
type ConversationID string

// MessageID is the server-assigned identity of a message. It is empty while a
// message exists only as a local draft that has not been confirmed.
type MessageID string

// SentStatus represents the current status of a message in the store.
type SentStatus uint8

const (
	// Sending is the status of an optimistic message that has been inserted
	// locally but not yet confirmed by the server.
	Sending SentStatus = iota

	// Sent is the status of a message confirmed by the server or received via
	// push. Confirmed and pushed messages are always Sent.
	Sent

	// Failed is the status of a message whose send was rejected by the
	// server or the transport. Failed messages may be retried.
	Failed
)

// String returns a human-readable version of [SentStatus], used for debugging
// and logging. This function adheres to the [fmt.Stringer] interface.
func (ss SentStatus) String() string {
	switch ss {
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	default:
		return "Invalid SentStatus: " + strconv.Itoa(int(ss))
	}
}

// ConversationType distinguishes direct threads from group threads.
type ConversationType uint8

const (
	// Direct is a two-member conversation.
	Direct ConversationType = iota

	// Group is a conversation with an arbitrary member set.
	Group
)

// String returns a human-readable version of [ConversationType]. This function
// adheres to the [fmt.Stringer] interface.
func (ct ConversationType) String() string {
	switch ct {
	case Direct:
		return "direct"
	case Group:
		return "group"
	default:
		return "Invalid ConversationType: " + strconv.Itoa(int(ct))
	}
}

// Attachment describes a single file attached to a message. Attachments are
// uploaded elsewhere; only the resulting reference travels with the message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Reaction is a single (reactor, emoji) pair on a message. The pair is unique
// per message; duplicate applications of the same pair are idempotent.
type Reaction struct {
	ReactorID UserID `json:"reactorID"`
	Emoji     string `json:"emoji"`
}

// Message contains a conversation message and all of its information.
//
// A message holds at most one in-memory record per ClientID and at most one
// per server ID. Status only moves forward (Sending to Sent or Failed); a
// record that reached Sent is never regressed by a later duplicate event.
type Message struct {
	// ID is the server-assigned identity. Empty until the send is confirmed.
	ID MessageID `json:"id"`

	// ClientID is the client-generated idempotency key for the send attempt.
	// It is stable across retries of the same logical send and empty on
	// messages authored by other users (unless the push echoes it back).
	ClientID string `json:"clientID"`

	ConversationID ConversationID `json:"conversationID"`
	SenderID       UserID         `json:"senderID"`

	// Content may be empty when the message is attachment-only.
	Content string `json:"content"`

	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	// ParentID references a quoted message. Lookup-only; it may dangle if the
	// parent has left the loaded window.
	ParentID MessageID `json:"parentID,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	Status SentStatus `json:"status"`

	Reactions []Reaction `json:"reactions,omitempty"`

	// FailReason describes why the send failed. Only set when Status is
	// Failed.
	FailReason string `json:"failReason,omitempty"`
}

// Deleted reports whether the message has been soft-deleted. Deleted messages
// stay in the store but are excluded from visible windows and unread counts.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// HasReaction reports whether the given (reactor, emoji) pair is present on
// the message.
func (m *Message) HasReaction(reactor UserID, emoji string) bool {
	for i := range m.Reactions {
		if m.Reactions[i].ReactorID == reactor && m.Reactions[i].Emoji == emoji {
			return true
		}
	}
	return false
}

// ReactionCount returns the number of reactors that applied the given emoji.
func (m *Message) ReactionCount(emoji string) int {
	n := 0
	for i := range m.Reactions {
		if m.Reactions[i].Emoji == emoji {
			n++
		}
	}
	return n
}

// Conversation is a direct or group messaging thread. LastActivityAt is the
// recency hint from hydration; live ordering is maintained separately by the
// orderer.
type Conversation struct {
	ID             ConversationID   `json:"id"`
	Type           ConversationType `json:"type"`
	MemberIDs      []UserID         `json:"memberIDs"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// TypingSignal is an ephemeral record of a remote peer typing in a
// conversation. It is never persisted; a signal is garbage-collected by an
// explicit stop or by expiry.
type TypingSignal struct {
	ConversationID ConversationID `json:"conversationID"`
	UserID         UserID         `json:"userID"`
	ExpiresAt      time.Time      `json:"expiresAt"`
}

// ReactionEventKind denotes the direction of a pushed reaction event.
type ReactionEventKind uint8

const (
	// ReactionAdded indicates the reactor applied the emoji.
	ReactionAdded ReactionEventKind = iota

	// ReactionRemoved indicates the reactor withdrew the emoji.
	ReactionRemoved
)

// String returns a human-readable version of [ReactionEventKind]. This
// function adheres to the [fmt.Stringer] interface.
func (k ReactionEventKind) String() string {
	switch k {
	case ReactionAdded:
		return "added"
	case ReactionRemoved:
		return "removed"
	default:
		return "Invalid ReactionEventKind: " + strconv.Itoa(int(k))
	}
}

// ReactionEvent is a pushed change to a message's reaction set. The event's
// own transport identity is irrelevant; merges are keyed on the
// (message, reactor, emoji) composite.
type ReactionEvent struct {
	MessageID MessageID `json:"messageID"`
	ReactorID UserID    `json:"reactorID"`
	Emoji     string    `json:"emoji"`
}
