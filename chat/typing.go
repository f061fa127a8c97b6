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
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

const (
	// typingInactivity is how long after the last keystroke the local typing
	// state automatically returns to idle.
	typingInactivity = 2 * time.Second

	// typingSignalLifetime is how long a remote typing signal stays live
	// without a refresh before it is considered stale.
	typingSignalLifetime = 5 * time.Second

	// typingRefresh is how often a still-typing user re-broadcasts, so peers
	// refresh the signal well before it expires on their side.
	typingRefresh = typingSignalLifetime / 2
)

// TypingCoordinator debounces the local "I am typing" broadcast and
// aggregates remote typing signals. Per peer it is a two-state machine, idle
// and typing, with a single timer-driven typing-to-idle transition. The clock
// and timer are injectable so the machine is testable without wall-clock
// waits.
type TypingCoordinator struct {
	broadcaster TypingBroadcaster
	me          UserID

	// localTyping tracks conversations where the local user is currently
	// announced as typing; timers holds the armed inactivity timer per
	// conversation; lastBeacon is when the last start beacon went out.
	localTyping map[ConversationID]bool
	timers      map[ConversationID]*time.Timer
	lastBeacon  map[ConversationID]time.Time

	// remote holds, per conversation, the expiry instant of each peer's last
	// signal.
	remote map[ConversationID]map[UserID]time.Time

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	mux sync.Mutex
}

// NewTypingCoordinator creates a TypingCoordinator for the given local user.
// A nil broadcaster disables outbound beacons but remote aggregation still
// works.
func NewTypingCoordinator(me UserID,
	broadcaster TypingBroadcaster) *TypingCoordinator {
	return &TypingCoordinator{
		broadcaster: broadcaster,
		me:          me,
		localTyping: make(map[ConversationID]bool),
		timers:      make(map[ConversationID]*time.Timer),
		lastBeacon:  make(map[ConversationID]time.Time),
		remote:      make(map[ConversationID]map[UserID]time.Time),
		now:         time.Now,
		afterFunc:   time.AfterFunc,
	}
}

// StartTyping is called on every local keystroke. The first call broadcasts
// immediately and arms the inactivity timer; each subsequent call re-arms the
// timer. A user who keeps typing re-broadcasts every typingRefresh so the
// signal is refreshed on peers before it expires there.
func (tc *TypingCoordinator) StartTyping(conversationID ConversationID) {
	tc.mux.Lock()

	now := tc.now()
	beacon := !tc.localTyping[conversationID] ||
		now.Sub(tc.lastBeacon[conversationID]) >= typingRefresh
	tc.localTyping[conversationID] = true
	if beacon {
		tc.lastBeacon[conversationID] = now
	}

	if t, exists := tc.timers[conversationID]; exists {
		t.Stop()
	}
	tc.timers[conversationID] = tc.afterFunc(typingInactivity, func() {
		tc.StopTyping(conversationID)
	})
	tc.mux.Unlock()

	if beacon {
		tc.broadcast(conversationID, true)
	}
}

// StopTyping returns the local state to idle and broadcasts the stop. It is
// called explicitly when a message is sent or the input is cleared, and
// automatically when the inactivity timer elapses. Calling it while already
// idle is a no-op.
func (tc *TypingCoordinator) StopTyping(conversationID ConversationID) {
	tc.mux.Lock()
	if !tc.localTyping[conversationID] {
		tc.mux.Unlock()
		return
	}
	tc.localTyping[conversationID] = false
	delete(tc.lastBeacon, conversationID)

	if t, exists := tc.timers[conversationID]; exists {
		t.Stop()
		delete(tc.timers, conversationID)
	}
	tc.mux.Unlock()

	tc.broadcast(conversationID, false)
}

// ReceiveTyping stores or clears a remote peer's typing signal. The local
// user's own echo, if the transport reflects it back, is filtered here.
func (tc *TypingCoordinator) ReceiveTyping(conversationID ConversationID,
	userID UserID, typing bool) {
	if userID == tc.me {
		return
	}

	tc.mux.Lock()
	defer tc.mux.Unlock()

	peers, exists := tc.remote[conversationID]
	if !exists {
		if !typing {
			return
		}
		peers = make(map[UserID]time.Time)
		tc.remote[conversationID] = peers
	}

	if typing {
		peers[userID] = tc.now().Add(typingSignalLifetime)
	} else {
		delete(peers, userID)
	}
}

// TypingUsers returns the peers whose typing signals have not yet expired for
// the conversation, sorted for a stable render order. Expired signals are
// garbage-collected on the way through.
func (tc *TypingCoordinator) TypingUsers(
	conversationID ConversationID) []UserID {
	tc.mux.Lock()
	defer tc.mux.Unlock()

	now := tc.now()
	peers := tc.remote[conversationID]
	out := make([]UserID, 0, len(peers))
	for id, expiresAt := range peers {
		if expiresAt.After(now) {
			out = append(out, id)
		} else {
			delete(peers, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops all armed timers. Outbound stop beacons are not sent; the
// signals expire on the remote side.
func (tc *TypingCoordinator) Close() {
	tc.mux.Lock()
	defer tc.mux.Unlock()
	for id, t := range tc.timers {
		t.Stop()
		delete(tc.timers, id)
	}
	tc.localTyping = make(map[ConversationID]bool)
	tc.lastBeacon = make(map[ConversationID]time.Time)
}

func (tc *TypingCoordinator) broadcast(conversationID ConversationID,
	typing bool) {
	if tc.broadcaster == nil {
		return
	}
	if err := tc.broadcaster.BroadcastTyping(conversationID, typing); err != nil {
		jww.WARN.Printf("[CHAT] Failed to broadcast typing=%t for %s: %+v",
			typing, conversationID, err)
	}
}
