////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
)

// SendMeta carries the optional parts of a send. ClientID is mandatory for the
// engine (it is the idempotency key the server deduplicates on); ParentID and
// Attachments are optional.
type SendMeta struct {
	ClientID    string       `json:"clientID"`
	ParentID    MessageID    `json:"parentID,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ConversationService is the remote conversation API the engine issues writes
// and fetches against. It is implemented elsewhere (see the rest package);
// only the contract matters here.
type ConversationService interface {
	// SendMessage submits a message to the conversation. The server treats
	// meta.ClientID as an idempotency key, so the call is safely retryable
	// with the same client ID without server-side duplication. The returned
	// message is the confirmed server record.
	SendMessage(ctx context.Context, conversationID ConversationID,
		content string, meta SendMeta) (Message, error)

	// ToggleReaction flips membership of the caller's (emoji) reaction on the
	// message. It reports whether the reaction is present after the call.
	ToggleReaction(ctx context.Context, messageID MessageID, emoji string) (
		added bool, err error)

	// FetchConversations returns the conversations the viewer is a member of.
	FetchConversations(ctx context.Context, viewer UserID) (
		[]Conversation, error)

	// FetchMessages returns the most recent window of messages for the
	// conversation. The engine treats the result as a full replacement of the
	// loaded window, not a delta.
	FetchMessages(ctx context.Context, conversationID ConversationID,
		limit int) ([]Message, error)

	// MarkRead persists the viewer's read cursor for the conversation. The
	// engine advances its local cursor before this call returns; failures are
	// logged and otherwise ignored.
	MarkRead(ctx context.Context, conversationID ConversationID) error
}

// EventReceiver is the surface the subscription transport delivers push
// callbacks into. Delivery is at least once; all receivers are idempotent.
// Ordering across conversations is not guaranteed, but events for the same
// message are assumed monotonic by timestamp.
type EventReceiver interface {
	// ReceiveMessage is called whenever a message is created or updated by
	// another participant, or echoed back for this user's own session. It may
	// be called multiple times with the same message ID.
	ReceiveMessage(m Message)

	// ReceiveReaction is called whenever a reaction is added to or removed
	// from a message the viewer can see. It may be called multiple times with
	// the same event.
	ReceiveReaction(kind ReactionEventKind, ev ReactionEvent)

	// ReceiveTyping is called whenever a peer starts or stops typing in a
	// conversation. The transport may reflect the local user's own beacon
	// back; receivers filter it.
	ReceiveTyping(conversationID ConversationID, userID UserID, typing bool)
}

// TypingBroadcaster sends the local user's typing state to peers. Implemented
// by the subscription transport; a nil broadcaster disables outbound beacons.
type TypingBroadcaster interface {
	// BroadcastTyping announces that the local user started (true) or stopped
	// (false) typing in the conversation.
	BroadcastTyping(conversationID ConversationID, typing bool) error
}

// StoreEventKind describes what a store update notification refers to.
type StoreEventKind uint8

const (
	// MessageInserted fires when a new record enters the store, optimistic or
	// pushed.
	MessageInserted StoreEventKind = iota

	// MessageUpdated fires when an existing record is merged, confirmed,
	// failed, edited, deleted, or has its reaction set changed.
	MessageUpdated
)

// String returns a human-readable version of [StoreEventKind]. This function
// adheres to the [fmt.Stringer] interface.
func (k StoreEventKind) String() string {
	switch k {
	case MessageInserted:
		return "inserted"
	case MessageUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// StoreEvent is delivered to store listeners after every committed mutation,
// whether it originated locally or via push. Dependent views and trackers
// react to both paths uniformly through this single channel.
type StoreEvent struct {
	Kind           StoreEventKind
	ConversationID ConversationID
	MessageID      MessageID
	ClientID       string
	Status         SentStatus
}

// UpdateListener receives store events. Listeners are invoked synchronously
// after the mutation is committed, on the mutating goroutine.
type UpdateListener func(e StoreEvent)
