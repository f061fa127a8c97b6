////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// reactionKey serializes toggles per (message, emoji) for the local viewer.
type reactionKey struct {
	messageID MessageID
	emoji     string
}

// reactionToggler optimistically flips the viewer's emoji reaction on a
// message and rolls the flip back if the server rejects it. A second toggle
// on the same (message, emoji) while the first is in flight is rejected at
// the boundary rather than queued, so out-of-order completions cannot make
// the reaction flicker.
type reactionToggler struct {
	inFlight map[reactionKey]struct{}

	store *MessageStore
	svc   ConversationService
	me    UserID

	alive func() bool

	mux sync.Mutex
}

func newReactionToggler(store *MessageStore, svc ConversationService,
	me UserID, alive func() bool) *reactionToggler {
	return &reactionToggler{
		inFlight: make(map[reactionKey]struct{}),
		store:    store,
		svc:      svc,
		me:       me,
		alive:    alive,
	}
}

// Toggle reads the viewer's current membership in the message's reaction set,
// optimistically flips it, and issues the external toggle. On failure exactly
// the optimistic mutation is reverted, not a blind re-fetch, so a reconciler
// update that arrived in the interim is not clobbered. The failure itself is
// silent beyond the log; a reaction is a low-stakes, instantly-retriable
// action.
func (rt *reactionToggler) Toggle(ctx context.Context, messageID MessageID,
	emoji string) error {
	if err := ValidateReaction(emoji); err != nil {
		return err
	}

	key := reactionKey{messageID, emoji}

	rt.mux.Lock()
	if _, busy := rt.inFlight[key]; busy {
		rt.mux.Unlock()
		jww.INFO.Printf("[CHAT] Ignoring toggle of %s on %s: already in "+
			"flight", emoji, messageID)
		return ToggleInFlightErr
	}

	msg, err := rt.store.Get(messageID)
	if err != nil {
		rt.mux.Unlock()
		return err
	}

	kind := ReactionAdded
	if msg.HasReaction(rt.me, emoji) {
		kind = ReactionRemoved
	}

	if _, err = rt.store.ApplyReaction(kind, messageID, rt.me, emoji); err != nil {
		rt.mux.Unlock()
		return err
	}

	rt.inFlight[key] = struct{}{}
	rt.mux.Unlock()

	go rt.issue(ctx, key, kind)
	return nil
}

// issue performs the external toggle and reverts the optimistic flip on
// failure.
func (rt *reactionToggler) issue(ctx context.Context, key reactionKey,
	applied ReactionEventKind) {
	added, err := rt.svc.ToggleReaction(ctx, key.messageID, key.emoji)

	rt.mux.Lock()
	delete(rt.inFlight, key)
	rt.mux.Unlock()

	if !rt.alive() {
		jww.INFO.Printf("[CHAT] Discarding toggle resolution for %s on %s "+
			"after teardown", key.emoji, key.messageID)
		return
	}

	if err != nil {
		jww.WARN.Printf("[CHAT] Toggle of %s on %s failed, reverting: %+v",
			key.emoji, key.messageID, err)
		revert := ReactionRemoved
		if applied == ReactionRemoved {
			revert = ReactionAdded
		}
		if _, rerr := rt.store.ApplyReaction(
			revert, key.messageID, rt.me, key.emoji); rerr != nil {
			jww.ERROR.Printf("[CHAT] Could not revert toggle of %s on %s: %+v",
				key.emoji, key.messageID, rerr)
		}
		return
	}

	if (added && applied != ReactionAdded) ||
		(!added && applied != ReactionRemoved) {
		// The server landed on the opposite side of our optimistic flip,
		// usually because another session toggled concurrently. The push
		// stream carries the authoritative event; log and leave it to the
		// reconciler.
		jww.WARN.Printf("[CHAT] Toggle of %s on %s resolved %s but %s was "+
			"applied locally", key.emoji, key.messageID,
			boolKind(added), applied)
	}
}

func boolKind(added bool) ReactionEventKind {
	if added {
		return ReactionAdded
	}
	return ReactionRemoved
}
