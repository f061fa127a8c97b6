////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package presence tracks which peers are online. The tracker is a pure read
// model: it is fed snapshots and deltas by the presence transport and is
// never mutated by chat events.
package presence

import (
	"sort"
	"sync"

	"github.com/echoverse/echoverse-client/chat"
)

// Tracker holds the set of currently-online user IDs.
type Tracker struct {
	online map[chat.UserID]struct{}
	mux    sync.RWMutex
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{online: make(map[chat.UserID]struct{})}
}

// SetOnline replaces the online set with a full snapshot.
func (t *Tracker) SetOnline(ids []chat.UserID) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.online = make(map[chat.UserID]struct{}, len(ids))
	for _, id := range ids {
		t.online[id] = struct{}{}
	}
}

// UpsertOnline applies a single stream delta.
func (t *Tracker) UpsertOnline(id chat.UserID, online bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if online {
		t.online[id] = struct{}{}
	} else {
		delete(t.online, id)
	}
}

// IsOnline reports whether the given user is online.
func (t *Tracker) IsOnline(id chat.UserID) bool {
	t.mux.RLock()
	defer t.mux.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Online returns the online user IDs in a stable order.
func (t *Tracker) Online() []chat.UserID {
	t.mux.RLock()
	out := make([]chat.UserID, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mux.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
