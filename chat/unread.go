////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sync"
	"time"
)

// UnreadTracker derives per-conversation unread counts from a read cursor
// and incoming events. The cursor moves on every view or confirm event and is
// never touched by reaction or typing events. Counts are maintained
// incrementally; a full recompute happens only on hydration.
type UnreadTracker struct {
	counts  map[ConversationID]int
	cursors map[ConversationID]time.Time

	viewer UserID
	now    func() time.Time

	mux sync.Mutex
}

// NewUnreadTracker creates an UnreadTracker for the given viewer.
func NewUnreadTracker(viewer UserID) *UnreadTracker {
	return &UnreadTracker{
		counts:  make(map[ConversationID]int),
		cursors: make(map[ConversationID]time.Time),
		viewer:  viewer,
		now:     time.Now,
	}
}

// Count returns the unread count for the conversation. Always >= 0.
func (ut *UnreadTracker) Count(conversationID ConversationID) int {
	ut.mux.Lock()
	defer ut.mux.Unlock()
	return ut.counts[conversationID]
}

// MarkRead moves the read cursor to now and resets the live count to zero
// immediately, independent of any server acknowledgement latency.
func (ut *UnreadTracker) MarkRead(conversationID ConversationID) {
	ut.mux.Lock()
	defer ut.mux.Unlock()
	ut.cursors[conversationID] = ut.now()
	ut.counts[conversationID] = 0
}

// Increment bumps the cached count by one. Used when a push event lands in a
// conversation that is not open, where the cheap incremental update replaces
// a full recompute.
func (ut *UnreadTracker) Increment(conversationID ConversationID) {
	ut.mux.Lock()
	defer ut.mux.Unlock()
	ut.counts[conversationID]++
}

// AdvanceCursor moves the read cursor forward to ts if ts is later than the
// current cursor. The count is left alone. Used when the viewer's own send is
// confirmed in the open conversation.
func (ut *UnreadTracker) AdvanceCursor(
	conversationID ConversationID, ts time.Time) {
	ut.mux.Lock()
	defer ut.mux.Unlock()
	if ts.After(ut.cursors[conversationID]) {
		ut.cursors[conversationID] = ts
	}
}

// Cursor returns the read cursor for the conversation. The zero time means
// the conversation has never been opened, so every message is unread.
func (ut *UnreadTracker) Cursor(conversationID ConversationID) time.Time {
	ut.mux.Lock()
	defer ut.mux.Unlock()
	return ut.cursors[conversationID]
}

// Recompute rebuilds the count from a hydrated window: messages authored by
// someone other than the viewer, created after the cursor, and not deleted.
func (ut *UnreadTracker) Recompute(
	conversationID ConversationID, msgs []Message) {
	ut.mux.Lock()
	defer ut.mux.Unlock()

	cursor := ut.cursors[conversationID]
	n := 0
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == ut.viewer || m.Deleted() {
			continue
		}
		if m.CreatedAt.After(cursor) {
			n++
		}
	}
	ut.counts[conversationID] = n
}
