////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// MessageStore is the in-memory record of messages per conversation,
// authoritative for the client. Optimistic records and server-confirmed
// records converge here; both the send path and the push path mutate state
// only through the merge functions below, which encode the idempotency and
// monotonicity invariants (at most one record per client ID, at most one per
// server ID, status never moves backward).
type MessageStore struct {
	// All records keyed by an internal uuid. The uuid exists because a record
	// may be known only by its client ID (optimistic) or only by its server
	// ID (pushed) at different points of its life.
	records map[uint64]*Message

	byConversation map[ConversationID]map[uint64]struct{}
	byID           map[MessageID]uint64
	byClientID     map[string]uint64

	listeners      map[uint64]UpdateListener
	nextListenerID uint64
	nextUUID       uint64

	mux sync.RWMutex
}

// NewMessageStore creates an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		records:        make(map[uint64]*Message),
		byConversation: make(map[ConversationID]map[uint64]struct{}),
		byID:           make(map[MessageID]uint64),
		byClientID:     make(map[string]uint64),
		listeners:      make(map[uint64]UpdateListener),
	}
}

// AddListener registers a listener for store events and returns an ID that can
// be passed to RemoveListener. Listeners fire synchronously after each
// committed mutation, regardless of whether the mutation originated locally or
// via push.
func (ms *MessageStore) AddListener(l UpdateListener) uint64 {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	id := ms.nextListenerID
	ms.nextListenerID++
	ms.listeners[id] = l
	return id
}

// RemoveListener unregisters the listener with the given ID.
func (ms *MessageStore) RemoveListener(id uint64) {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	delete(ms.listeners, id)
}

// notify delivers events to all listeners. Must be called without the mutex
// held so that listeners may read back from the store.
func (ms *MessageStore) notify(events ...StoreEvent) {
	ms.mux.RLock()
	ls := make([]UpdateListener, 0, len(ms.listeners))
	for _, l := range ms.listeners {
		ls = append(ls, l)
	}
	ms.mux.RUnlock()

	for _, l := range ls {
		for _, e := range events {
			l(e)
		}
	}
}

// InsertPending inserts a locally-authored optimistic record. The message must
// carry a client ID and is forced to Sending. Duplicate client IDs are
// rejected so that a retry storm cannot create a second visible draft.
func (ms *MessageStore) InsertPending(m Message) error {
	if m.ClientID == "" {
		return errors.New("pending message requires a client ID")
	}

	ms.mux.Lock()
	if _, exists := ms.byClientID[m.ClientID]; exists {
		ms.mux.Unlock()
		return errors.Errorf(
			"pending message with client ID %s already tracked", m.ClientID)
	}
	m.Status = Sending
	ms.insertUnsafe(&m)
	ms.mux.Unlock()

	ms.notify(StoreEvent{Kind: MessageInserted,
		ConversationID: m.ConversationID, ClientID: m.ClientID,
		Status: Sending})
	return nil
}

// ConfirmSend resolves an optimistic send with the confirmed server record,
// matched by client ID. The record adopts the server identity and timestamp
// and becomes Sent. If the push echo for the same server ID arrived first, the
// record is already Sent and this is a no-op merge, never a second insert.
func (ms *MessageStore) ConfirmSend(clientID string, confirmed Message) error {
	ms.mux.Lock()

	uuid, exists := ms.byClientID[clientID]
	if !exists {
		// The window was replaced between issue and confirm; fall back to a
		// plain remote merge so the confirmation is not lost.
		ms.mux.Unlock()
		jww.WARN.Printf("[CHAT] Confirm for unknown client ID %s; merging as "+
			"remote record %s", clientID, confirmed.ID)
		ms.MergeRemote(confirmed)
		return nil
	}

	rec := ms.records[uuid]

	// If the push echo landed first without the client ID attached, it
	// inserted a standalone record under the server ID. Fold that record into
	// the optimistic one before adopting the ID, so the server ID stays
	// unique.
	if dupUUID, dup := ms.byID[confirmed.ID]; dup && dupUUID != uuid {
		dupRec := ms.records[dupUUID]
		mergeMutable(rec, dupRec)
		for _, r := range dupRec.Reactions {
			if !rec.HasReaction(r.ReactorID, r.Emoji) {
				rec.Reactions = append(rec.Reactions, r)
			}
		}
		ms.removeUnsafe(dupUUID)
	}

	ms.adoptIDUnsafe(rec, uuid, confirmed.ID)
	mergeMutable(rec, &confirmed)
	if !confirmed.CreatedAt.IsZero() {
		rec.CreatedAt = confirmed.CreatedAt
	}
	rec.Status = Sent
	rec.FailReason = ""
	e := StoreEvent{Kind: MessageUpdated, ConversationID: rec.ConversationID,
		MessageID: rec.ID, ClientID: clientID, Status: Sent}
	ms.mux.Unlock()

	ms.notify(e)
	return nil
}

// FailSend transitions the optimistic record with the given client ID from
// Sending to Failed, recording the reason. If the record was confirmed in the
// interim (the push echo won the race), the failure is stale and discarded.
func (ms *MessageStore) FailSend(clientID, reason string) error {
	ms.mux.Lock()

	uuid, exists := ms.byClientID[clientID]
	if !exists {
		ms.mux.Unlock()
		return errors.WithMessage(NoPendingSendErr, clientID)
	}

	rec := ms.records[uuid]
	if rec.Status == Sent {
		ms.mux.Unlock()
		jww.INFO.Printf("[CHAT] Dropping stale failure for client ID %s; "+
			"message %s already sent", clientID, rec.ID)
		return nil
	}

	rec.Status = Failed
	rec.FailReason = reason
	e := StoreEvent{Kind: MessageUpdated, ConversationID: rec.ConversationID,
		MessageID: rec.ID, ClientID: clientID, Status: Failed}
	ms.mux.Unlock()

	ms.notify(e)
	return nil
}

// MarkSending moves a Failed record back to Sending for a retry. This is the
// only permitted backward-looking transition and requires the record to be
// currently Failed.
func (ms *MessageStore) MarkSending(clientID string) error {
	ms.mux.Lock()

	uuid, exists := ms.byClientID[clientID]
	if !exists {
		ms.mux.Unlock()
		return errors.WithMessage(NoPendingSendErr, clientID)
	}

	rec := ms.records[uuid]
	if rec.Status != Failed {
		ms.mux.Unlock()
		return errors.WithMessagef(NotFailedErr,
			"client ID %s has status %s", clientID, rec.Status)
	}

	rec.Status = Sending
	rec.FailReason = ""
	e := StoreEvent{Kind: MessageUpdated, ConversationID: rec.ConversationID,
		MessageID: rec.ID, ClientID: clientID, Status: Sending}
	ms.mux.Unlock()

	ms.notify(e)
	return nil
}

// MergeRemote applies a pushed or fetched server record. Lookup is by server
// ID first and by the echoed client ID second, so a push echo of the viewer's
// own just-sent message lands on the optimistic record instead of creating a
// duplicate. Matched records merge mutable fields and are forced to Sent;
// re-applying the same event is a no-op. Unmatched records insert as Sent.
//
// It reports whether a new record was inserted, so callers can distinguish
// first delivery from an at-least-once duplicate.
func (ms *MessageStore) MergeRemote(m Message) (inserted bool) {
	if m.ID == "" {
		jww.WARN.Printf("[CHAT] Dropping remote message without a server ID "+
			"in conversation %s", m.ConversationID)
		return false
	}

	ms.mux.Lock()

	uuid, exists := ms.byID[m.ID]
	if !exists && m.ClientID != "" {
		uuid, exists = ms.byClientID[m.ClientID]
	}

	var e StoreEvent
	if exists {
		rec := ms.records[uuid]
		ms.adoptIDUnsafe(rec, uuid, m.ID)
		mergeMutable(rec, &m)
		if !m.CreatedAt.IsZero() {
			rec.CreatedAt = m.CreatedAt
		}
		// Any matched event is treated as confirmation, never regression.
		rec.Status = Sent
		rec.FailReason = ""
		e = StoreEvent{Kind: MessageUpdated,
			ConversationID: rec.ConversationID, MessageID: rec.ID,
			ClientID: rec.ClientID, Status: Sent}
	} else {
		m.Status = Sent
		m.FailReason = ""
		ms.insertUnsafe(&m)
		inserted = true
		e = StoreEvent{Kind: MessageInserted, ConversationID: m.ConversationID,
			MessageID: m.ID, ClientID: m.ClientID, Status: Sent}
	}
	ms.mux.Unlock()

	ms.notify(e)
	return inserted
}

// ApplyReaction inserts or deletes the (reactor, emoji) pair on the target
// message, keyed by the composite and not by any transient event identity.
// Both directions are idempotent; it reports whether the set changed. Events
// for messages outside the loaded window return MessageNotFoundErr and are
// dropped by callers rather than buffered.
func (ms *MessageStore) ApplyReaction(kind ReactionEventKind,
	messageID MessageID, reactor UserID, emoji string) (bool, error) {
	ms.mux.Lock()

	uuid, exists := ms.byID[messageID]
	if !exists {
		ms.mux.Unlock()
		return false, errors.WithMessage(MessageNotFoundErr, string(messageID))
	}

	rec := ms.records[uuid]
	changed := false
	switch kind {
	case ReactionAdded:
		if !rec.HasReaction(reactor, emoji) {
			rec.Reactions = append(rec.Reactions,
				Reaction{ReactorID: reactor, Emoji: emoji})
			changed = true
		}
	case ReactionRemoved:
		for i := range rec.Reactions {
			if rec.Reactions[i].ReactorID == reactor &&
				rec.Reactions[i].Emoji == emoji {
				rec.Reactions = append(
					rec.Reactions[:i], rec.Reactions[i+1:]...)
				changed = true
				break
			}
		}
	}
	e := StoreEvent{Kind: MessageUpdated, ConversationID: rec.ConversationID,
		MessageID: rec.ID, ClientID: rec.ClientID, Status: rec.Status}
	ms.mux.Unlock()

	if changed {
		ms.notify(e)
	}
	return changed, nil
}

// ReplaceWindow replaces the loaded window of a conversation with a fetched
// result. Confirmed records for the conversation are dropped and re-merged
// from the fetch; optimistic Sending and Failed records survive so an
// in-flight or retryable send is not lost to a refresh.
func (ms *MessageStore) ReplaceWindow(
	conversationID ConversationID, msgs []Message) {
	ms.mux.Lock()
	for uuid := range ms.byConversation[conversationID] {
		if ms.records[uuid].Status == Sent {
			ms.removeUnsafe(uuid)
		}
	}
	ms.mux.Unlock()

	for i := range msgs {
		msgs[i].ConversationID = conversationID
		ms.MergeRemote(msgs[i])
	}
}

// Get returns a copy of the message with the given server ID.
func (ms *MessageStore) Get(messageID MessageID) (Message, error) {
	ms.mux.RLock()
	defer ms.mux.RUnlock()
	uuid, exists := ms.byID[messageID]
	if !exists {
		return Message{}, errors.WithMessage(
			MessageNotFoundErr, string(messageID))
	}
	return copyMessage(ms.records[uuid]), nil
}

// GetByClientID returns a copy of the message with the given client ID.
func (ms *MessageStore) GetByClientID(clientID string) (Message, error) {
	ms.mux.RLock()
	defer ms.mux.RUnlock()
	uuid, exists := ms.byClientID[clientID]
	if !exists {
		return Message{}, errors.WithMessage(MessageNotFoundErr, clientID)
	}
	return copyMessage(ms.records[uuid]), nil
}

// Messages returns the visible messages of a conversation in chronological
// order, soft-deleted records excluded. Ties are broken by server ID and then
// client ID so the order is total and stable.
func (ms *MessageStore) Messages(
	conversationID ConversationID) []Message {
	ms.mux.RLock()
	out := make([]Message, 0, len(ms.byConversation[conversationID]))
	for uuid := range ms.byConversation[conversationID] {
		rec := ms.records[uuid]
		if rec.Deleted() {
			continue
		}
		out = append(out, copyMessage(rec))
	}
	ms.mux.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// CountSending returns the number of messages currently Sending authored by
// the given sender, across all conversations.
func (ms *MessageStore) CountSending(sender UserID) int {
	ms.mux.RLock()
	defer ms.mux.RUnlock()
	n := 0
	for _, rec := range ms.records {
		if rec.SenderID == sender && rec.Status == Sending {
			n++
		}
	}
	return n
}

// insertUnsafe adds the record to all indexes. Must be called with the mutex
// held.
func (ms *MessageStore) insertUnsafe(m *Message) {
	uuid := ms.nextUUID
	ms.nextUUID++
	ms.records[uuid] = m

	conv, exists := ms.byConversation[m.ConversationID]
	if !exists {
		conv = make(map[uint64]struct{})
		ms.byConversation[m.ConversationID] = conv
	}
	conv[uuid] = struct{}{}

	if m.ID != "" {
		ms.byID[m.ID] = uuid
	}
	if m.ClientID != "" {
		ms.byClientID[m.ClientID] = uuid
	}
}

// removeUnsafe drops the record from all indexes. Must be called with the
// mutex held.
func (ms *MessageStore) removeUnsafe(uuid uint64) {
	rec, exists := ms.records[uuid]
	if !exists {
		return
	}
	delete(ms.records, uuid)
	delete(ms.byConversation[rec.ConversationID], uuid)
	if rec.ID != "" {
		delete(ms.byID, rec.ID)
	}
	if rec.ClientID != "" {
		delete(ms.byClientID, rec.ClientID)
	}
}

// adoptIDUnsafe assigns a server ID to a record that may not have one yet and
// indexes it. Must be called with the mutex held.
func (ms *MessageStore) adoptIDUnsafe(rec *Message, uuid uint64,
	id MessageID) {
	if id == "" || rec.ID == id {
		return
	}
	if rec.ID != "" {
		delete(ms.byID, rec.ID)
	}
	rec.ID = id
	ms.byID[id] = uuid
}

// mergeMutable merges the mutable fields of the incoming record onto the
// existing one: content, edit and delete markers, and attachments. Reactions
// travel on their own events and are deliberately left untouched so an
// interleaved reaction merge is not clobbered.
func mergeMutable(existing, incoming *Message) {
	existing.Content = incoming.Content
	if incoming.EditedAt != nil {
		existing.EditedAt = incoming.EditedAt
	}
	if incoming.DeletedAt != nil {
		existing.DeletedAt = incoming.DeletedAt
	}
	if incoming.Attachments != nil {
		existing.Attachments = append(
			[]Attachment(nil), incoming.Attachments...)
	}
	if incoming.SenderID != "" {
		existing.SenderID = incoming.SenderID
	}
	if incoming.ParentID != "" {
		existing.ParentID = incoming.ParentID
	}
}

// copyMessage returns a deep copy so callers never alias store internals.
func copyMessage(m *Message) Message {
	out := *m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return out
}
