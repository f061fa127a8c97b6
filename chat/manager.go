////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package chat implements the realtime conversation synchronization engine:
// it keeps the client's view of conversations, messages, reactions, unread
// counts, and typing state consistent across locally-initiated optimistic
// actions, their asynchronous confirmation or failure, and out-of-band push
// events from other participants.
package chat

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// fetchLimit is the window size requested per conversation on hydration.
const fetchLimit = 50

// Manager is the session object for the engine. It is constructed once per
// session, passed by reference to whatever consumes it, and torn down with
// Close. All state lives behind it; there is no ambient global.
type Manager struct {
	me  UserID
	svc ConversationService

	store   *MessageStore
	unread  *UnreadTracker
	orderer *ConversationOrderer
	sends   *sendTracker
	toggles *reactionToggler
	typing  *TypingCoordinator
	events  *events

	// active is the currently open conversation; explicit records whether the
	// user chose it (as opposed to auto-selection).
	active   ConversationID
	explicit bool

	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	mux sync.Mutex
}

// NewManager creates the engine for the given viewer on top of the external
// conversation service. The broadcaster carries outbound typing beacons and
// may be nil.
func NewManager(me UserID, svc ConversationService,
	broadcaster TypingBroadcaster) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		me:      me,
		svc:     svc,
		store:   NewMessageStore(),
		unread:  NewUnreadTracker(me),
		orderer: NewConversationOrderer(),
		typing:  NewTypingCoordinator(me, broadcaster),
		ctx:     ctx,
		cancel:  cancel,
	}

	m.sends = newSendTracker(m.store, svc, me, m.onSendConfirmed, m.alive)
	m.toggles = newReactionToggler(m.store, svc, me, m.alive)
	m.events = &events{
		store:    m.store,
		unread:   m.unread,
		orderer:  m.orderer,
		me:       me,
		isActive: m.isActive,
		markRead: m.markRead,
	}

	return m
}

// Hydrate loads the conversation list and a window of messages per
// conversation, then recomputes unread counts and auto-selects the most
// recent conversation if none is selected. Fetch failures are fail-soft: the
// engine falls back to an empty or previously-known result, because a partial
// render beats a broken view.
func (m *Manager) Hydrate(ctx context.Context) {
	convs, err := m.svc.FetchConversations(ctx, m.me)
	if err != nil {
		jww.WARN.Printf("[CHAT] Hydration: could not fetch conversations "+
			"for %s: %+v", m.me, err)
		convs = nil
	}
	m.orderer.SetConversations(convs)

	for _, c := range convs {
		msgs, err := m.svc.FetchMessages(ctx, c.ID, fetchLimit)
		if err != nil {
			jww.WARN.Printf("[CHAT] Hydration: could not fetch messages for "+
				"%s: %+v", c.ID, err)
			continue
		}
		m.store.ReplaceWindow(c.ID, msgs)
		m.unread.Recompute(c.ID, m.store.Messages(c.ID))
	}

	m.autoSelect()
}

// Send submits a new message to the conversation and returns the client ID of
// the optimistic record. Sending a message implies the user stopped typing.
func (m *Manager) Send(conversationID ConversationID, content string,
	attachments []Attachment, parentID MessageID) (string, error) {
	if !m.alive() {
		return "", ManagerClosedErr
	}
	clientID, err := m.sends.Send(
		m.ctx, conversationID, content, attachments, parentID)
	if err != nil {
		return "", err
	}
	m.typing.StopTyping(conversationID)
	return clientID, nil
}

// RetrySend re-issues a failed send under its original client ID.
func (m *Manager) RetrySend(clientID string) error {
	if !m.alive() {
		return ManagerClosedErr
	}
	return m.sends.Retry(m.ctx, clientID)
}

// ToggleReaction optimistically flips the viewer's emoji reaction on the
// message.
func (m *Manager) ToggleReaction(messageID MessageID, emoji string) error {
	if !m.alive() {
		return ManagerClosedErr
	}
	return m.toggles.Toggle(m.ctx, messageID, emoji)
}

// SelectConversation opens a conversation: it becomes active and is marked
// read immediately.
func (m *Manager) SelectConversation(conversationID ConversationID) {
	m.mux.Lock()
	m.active = conversationID
	m.explicit = true
	m.mux.Unlock()

	m.markRead(conversationID)
}

// ActiveConversation returns the currently open conversation, if any.
func (m *Manager) ActiveConversation() (ConversationID, bool) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.active, m.active != ""
}

// Conversations returns the visible conversations ordered by descending
// recency.
func (m *Manager) Conversations() []Conversation {
	return m.orderer.Ordered()
}

// Messages returns the visible messages of the conversation in chronological
// order.
func (m *Manager) Messages(conversationID ConversationID) []Message {
	return m.store.Messages(conversationID)
}

// Message returns the message with the given server ID.
func (m *Manager) Message(messageID MessageID) (Message, error) {
	return m.store.Get(messageID)
}

// Parent resolves the quoted parent of a message. The reference is
// lookup-only and may dangle when the parent has left the loaded window, in
// which case ok is false and no error is raised.
func (m *Manager) Parent(messageID MessageID) (parent Message, ok bool) {
	msg, err := m.store.Get(messageID)
	if err != nil || msg.ParentID == "" {
		return Message{}, false
	}
	parent, err = m.store.Get(msg.ParentID)
	if err != nil {
		return Message{}, false
	}
	return parent, true
}

// UnreadCount returns the unread count for the conversation.
func (m *Manager) UnreadCount(conversationID ConversationID) int {
	return m.unread.Count(conversationID)
}

// StartTyping reports a local keystroke in the conversation.
func (m *Manager) StartTyping(conversationID ConversationID) {
	if !m.alive() {
		return
	}
	m.typing.StartTyping(conversationID)
}

// StopTyping reports that the local input was cleared.
func (m *Manager) StopTyping(conversationID ConversationID) {
	m.typing.StopTyping(conversationID)
}

// TypingUsers returns the peers currently typing in the conversation.
func (m *Manager) TypingUsers(conversationID ConversationID) []UserID {
	return m.typing.TypingUsers(conversationID)
}

// AddListener attaches a store listener; any UI layer or test receives merge
// notifications through it, independent of a rendering framework.
func (m *Manager) AddListener(l UpdateListener) uint64 {
	return m.store.AddListener(l)
}

// RemoveListener detaches a store listener.
func (m *Manager) RemoveListener(id uint64) {
	m.store.RemoveListener(id)
}

// ReceiveMessage implements [EventReceiver]. It is invoked by the
// subscription transport for every pushed message event.
func (m *Manager) ReceiveMessage(msg Message) {
	if !m.alive() {
		return
	}
	m.events.receiveMessage(msg)
	m.autoSelect()
}

// ReceiveReaction implements [EventReceiver].
func (m *Manager) ReceiveReaction(kind ReactionEventKind, ev ReactionEvent) {
	if !m.alive() {
		return
	}
	m.events.receiveReaction(kind, ev)
}

// ReceiveTyping implements [EventReceiver].
func (m *Manager) ReceiveTyping(conversationID ConversationID, userID UserID,
	typing bool) {
	if !m.alive() {
		return
	}
	m.typing.ReceiveTyping(conversationID, userID, typing)
}

// Close tears the session down. Results of asynchronous calls that resolve
// after Close are discarded rather than applied. Close is idempotent.
func (m *Manager) Close() {
	m.mux.Lock()
	if m.closed {
		m.mux.Unlock()
		return
	}
	m.closed = true
	m.mux.Unlock()

	m.cancel()
	m.typing.Close()
	jww.INFO.Printf("[CHAT] Manager for %s closed", m.me)
}

// alive reports whether the session is still up. Consulted before every
// asynchronous continuation applies its result.
func (m *Manager) alive() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return !m.closed
}

func (m *Manager) isActive(conversationID ConversationID) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.active == conversationID
}

// markRead resets the local count and cursor immediately and persists the
// cursor remotely in the background. The remote call is fail-soft.
func (m *Manager) markRead(conversationID ConversationID) {
	m.unread.MarkRead(conversationID)

	go func() {
		if err := m.svc.MarkRead(m.ctx, conversationID); err != nil &&
			m.alive() {
			jww.WARN.Printf("[CHAT] Could not persist read cursor for %s: %+v",
				conversationID, err)
		}
	}()
}

// onSendConfirmed advances the read cursor when the viewer's own send in the
// open conversation is confirmed, so their cursor covers their own message.
func (m *Manager) onSendConfirmed(conversationID ConversationID,
	ts time.Time) {
	if m.isActive(conversationID) {
		m.unread.AdvanceCursor(conversationID, ts)
	}
}

// autoSelect designates the top of the recency order as active when nothing
// is selected yet. The choice reads the order at the moment of the decision,
// never a snapshot from before the latest live update.
func (m *Manager) autoSelect() {
	m.mux.Lock()
	if m.active != "" {
		m.mux.Unlock()
		return
	}
	top, ok := m.orderer.MostRecent()
	if !ok {
		m.mux.Unlock()
		return
	}
	m.active = top
	m.mux.Unlock()

	jww.INFO.Printf("[CHAT] Auto-selected most recent conversation %s", top)
	m.markRead(top)
}
