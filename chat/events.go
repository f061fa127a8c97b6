////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	jww "github.com/spf13/jwalterweatherman"
)

// events reconciles externally-pushed create and update events onto the
// shared stores. Delivery from the transport is at least once, so every path
// through here is idempotent; a duplicate event leaves state unchanged.
type events struct {
	store   *MessageStore
	unread  *UnreadTracker
	orderer *ConversationOrderer

	me UserID

	// isActive reports whether the conversation is currently open.
	isActive func(ConversationID) bool

	// markRead is invoked for events landing in the open conversation, before
	// the event is considered handled.
	markRead func(ConversationID)
}

// receiveMessage merges one pushed message event. Lookup is by server ID (and
// echoed client ID), which is what prevents the push echo of the viewer's own
// just-sent message from creating a duplicate. The conversation order and the
// unread count are updated synchronously before this returns.
func (e *events) receiveMessage(m Message) {
	if m.ConversationID == "" || m.ID == "" {
		jww.WARN.Printf("[CHAT] Dropping malformed message event "+
			"{id:%s conversation:%s}", m.ID, m.ConversationID)
		return
	}

	inserted := e.store.MergeRemote(m)

	e.orderer.Observe(m.ConversationID, m.CreatedAt)

	if m.SenderID == e.me || m.Deleted() {
		return
	}

	if e.isActive(m.ConversationID) {
		// The viewer is looking at this conversation; the cursor advances
		// immediately so a read right after never sees a stale count.
		e.markRead(m.ConversationID)
	} else if inserted {
		// Cheap incremental bump. Duplicates and updates of known messages
		// never reach this branch, so at-least-once delivery cannot inflate
		// the count.
		e.unread.Increment(m.ConversationID)
	}
}

// receiveReaction merges one pushed reaction event, keyed by the
// (message, reactor, emoji) composite. An event for a message outside the
// loaded window is dropped, trading perfect consistency for bounded memory;
// state converges on the next full fetch.
func (e *events) receiveReaction(kind ReactionEventKind, ev ReactionEvent) {
	if err := ValidateReaction(ev.Emoji); err != nil {
		jww.WARN.Printf("[CHAT] Dropping reaction event with malformed "+
			"emoji %q on %s: %+v", ev.Emoji, ev.MessageID, err)
		return
	}

	if _, err := e.store.ApplyReaction(
		kind, ev.MessageID, ev.ReactorID, ev.Emoji); err != nil {
		jww.INFO.Printf("[CHAT] Dropping %s reaction %s from %s: target "+
			"message %s not loaded", kind, ev.Emoji, ev.ReactorID,
			ev.MessageID)
	}
}
