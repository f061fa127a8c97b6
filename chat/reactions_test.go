////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// toggleSync wraps a mock toggle that signals completion, so tests can wait
// for the in-flight window to close deterministically.
func toggleSync(result func() (bool, error)) (*mockService, chan struct{}) {
	done := make(chan struct{}, 8)
	svc := &mockService{
		toggleFn: func(MessageID, string) (bool, error) {
			added, err := result()
			done <- struct{}{}
			return added, err
		},
	}
	return svc, done
}

func await(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for toggle to resolve")
	}
	// The toggler clears the in-flight key after the service returns; yield
	// so that bookkeeping lands before the test proceeds.
	time.Sleep(10 * time.Millisecond)
}

// Tests toggle symmetry: two successful toggles return the reaction set and
// the aggregate count to their original state.
func TestReactionToggler_Symmetry(t *testing.T) {
	store := NewMessageStore()
	store.MergeRemote(remoteMessage("m1", "convA", "alice", "hi", time.Now()))

	flip := true
	svc, done := toggleSync(func() (bool, error) {
		flip = !flip
		return !flip, nil
	})
	rt := newReactionToggler(store, svc, "me", alwaysAlive)

	before, _ := store.Get("m1")
	origCount := before.ReactionCount("🎉")

	if err := rt.Toggle(context.Background(), "m1", "🎉"); err != nil {
		t.Fatalf("First toggle: %+v", err)
	}
	await(t, done)

	mid, _ := store.Get("m1")
	if !mid.HasReaction("me", "🎉") {
		t.Fatalf("Optimistic add did not apply")
	}

	if err := rt.Toggle(context.Background(), "m1", "🎉"); err != nil {
		t.Fatalf("Second toggle: %+v", err)
	}
	await(t, done)

	after, _ := store.Get("m1")
	if after.HasReaction("me", "🎉") {
		t.Errorf("Membership did not return to original state")
	}
	if after.ReactionCount("🎉") != origCount {
		t.Errorf("Count = %d, want %d", after.ReactionCount("🎉"), origCount)
	}
}

// Tests that a failed toggle reverts exactly the optimistic mutation, leaving
// an interleaved reconciler update intact.
func TestReactionToggler_RevertOnFailure(t *testing.T) {
	store := NewMessageStore()
	store.MergeRemote(remoteMessage("m1", "convA", "alice", "hi", time.Now()))

	block := make(chan struct{})
	svc, done := toggleSync(func() (bool, error) {
		<-block
		return false, errors.New("service unavailable")
	})
	rt := newReactionToggler(store, svc, "me", alwaysAlive)

	if err := rt.Toggle(context.Background(), "m1", "🎉"); err != nil {
		t.Fatalf("Toggle: %+v", err)
	}

	// A reconciler update for a different reactor lands while the toggle is
	// in flight.
	if _, err := store.ApplyReaction(
		ReactionAdded, "m1", "bob", "🎉"); err != nil {
		t.Fatalf("ApplyReaction: %+v", err)
	}

	close(block)
	await(t, done)

	got, _ := store.Get("m1")
	if got.HasReaction("me", "🎉") {
		t.Errorf("Failed toggle was not reverted")
	}
	if !got.HasReaction("bob", "🎉") {
		t.Errorf("Revert clobbered the interleaved reconciler update")
	}
}

// Tests that a second toggle on the same (message, emoji) while the first is
// in flight is rejected rather than queued, and that a toggle on a different
// emoji is unaffected.
func TestReactionToggler_SerializedPerKey(t *testing.T) {
	store := NewMessageStore()
	store.MergeRemote(remoteMessage("m1", "convA", "alice", "hi", time.Now()))

	block := make(chan struct{})
	svc, done := toggleSync(func() (bool, error) {
		<-block
		return true, nil
	})
	rt := newReactionToggler(store, svc, "me", alwaysAlive)

	if err := rt.Toggle(context.Background(), "m1", "🎉"); err != nil {
		t.Fatalf("First toggle: %+v", err)
	}
	if err := rt.Toggle(context.Background(), "m1", "🎉"); err != ToggleInFlightErr {
		t.Errorf("Concurrent toggle should be rejected, got %+v", err)
	}
	if err := rt.Toggle(context.Background(), "m1", "🦄"); err != nil {
		t.Errorf("Toggle on a different emoji should pass: %+v", err)
	}

	close(block)
	await(t, done)
	await(t, done)

	// The key is free again after resolution.
	if err := rt.Toggle(context.Background(), "m1", "🎉"); err != nil {
		t.Errorf("Toggle after resolution should pass: %+v", err)
	}
	await(t, done)
}

// Tests local validation: a reaction must be a single emoji, and the target
// must be loaded.
func TestReactionToggler_Validation(t *testing.T) {
	store := NewMessageStore()
	svc := &mockService{}
	rt := newReactionToggler(store, svc, "me", alwaysAlive)

	if err := rt.Toggle(
		context.Background(), "m1", "definitely text"); err != InvalidReaction {
		t.Errorf("Expected InvalidReaction, got %+v", err)
	}
	if err := rt.Toggle(context.Background(), "m1", "🎉🎉"); err != InvalidReaction {
		t.Errorf("Two emojis should be invalid, got %+v", err)
	}
	if err := rt.Toggle(context.Background(), "missing", "🎉"); err == nil {
		t.Errorf("Toggle on an unloaded message should fail")
	}
}
