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
)

// ConversationOrderer maintains a total order over visible conversations by
// descending recency. The recency key of a conversation is the latest
// createdAt observed on any live message event; until a live event is seen,
// the lastActivityAt from hydration stands in. The live value wins once
// present because it is strictly more current than the hydration snapshot.
type ConversationOrderer struct {
	conversations map[ConversationID]Conversation
	hydrated      map[ConversationID]time.Time
	live          map[ConversationID]time.Time

	mux sync.RWMutex
}

// NewConversationOrderer creates an empty ConversationOrderer.
func NewConversationOrderer() *ConversationOrderer {
	return &ConversationOrderer{
		conversations: make(map[ConversationID]Conversation),
		hydrated:      make(map[ConversationID]time.Time),
		live:          make(map[ConversationID]time.Time),
	}
}

// SetConversations replaces the hydrated conversation set. Live observations
// survive the replacement; a hydration snapshot never moves a conversation
// below an event observed after the snapshot was taken. Member lists are
// deduplicated, order irrelevant.
func (co *ConversationOrderer) SetConversations(convs []Conversation) {
	co.mux.Lock()
	defer co.mux.Unlock()

	co.conversations = make(map[ConversationID]Conversation, len(convs))
	co.hydrated = make(map[ConversationID]time.Time, len(convs))
	for _, c := range convs {
		c.MemberIDs = dedupeMembers(c.MemberIDs)
		co.conversations[c.ID] = c
		co.hydrated[c.ID] = c.LastActivityAt
	}
}

// Observe records a live message timestamp for the conversation. Later
// observations win; an out-of-order replay of an older event cannot move the
// conversation backward.
func (co *ConversationOrderer) Observe(
	conversationID ConversationID, createdAt time.Time) {
	co.mux.Lock()
	defer co.mux.Unlock()
	if createdAt.After(co.live[conversationID]) {
		co.live[conversationID] = createdAt
	}
}

// Get returns the conversation with the given ID.
func (co *ConversationOrderer) Get(id ConversationID) (Conversation, bool) {
	co.mux.RLock()
	defer co.mux.RUnlock()
	c, ok := co.conversations[id]
	return c, ok
}

// Ordered returns the visible conversations sorted by descending recency.
// Ties are broken by conversation ID so equal keys cannot jitter between
// reads.
func (co *ConversationOrderer) Ordered() []Conversation {
	co.mux.RLock()
	out := make([]Conversation, 0, len(co.conversations))
	keys := make(map[ConversationID]time.Time, len(co.conversations))
	for id, c := range co.conversations {
		out = append(out, c)
		keys[id] = co.recencyKeyUnsafe(id)
	}
	co.mux.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := keys[out[i].ID], keys[out[j].ID]
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MostRecent returns the conversation at the top of the current order,
// computed from the recency keys at the moment of the call.
func (co *ConversationOrderer) MostRecent() (ConversationID, bool) {
	ordered := co.Ordered()
	if len(ordered) == 0 {
		return "", false
	}
	return ordered[0].ID, true
}

// recencyKeyUnsafe returns the effective recency key. Must be called with at
// least the read lock held.
func (co *ConversationOrderer) recencyKeyUnsafe(
	id ConversationID) time.Time {
	if live, ok := co.live[id]; ok {
		return live
	}
	return co.hydrated[id]
}

// dedupeMembers removes duplicate member IDs, preserving first appearance.
func dedupeMembers(ids []UserID) []UserID {
	seen := make(map[UserID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
