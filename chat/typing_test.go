////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"testing"
	"time"
)

// recordingBroadcaster captures outbound typing beacons.
type recordingBroadcaster struct {
	beacons []bool
}

func (rb *recordingBroadcaster) BroadcastTyping(_ ConversationID,
	typing bool) error {
	rb.beacons = append(rb.beacons, typing)
	return nil
}

// fakeTimers replaces the coordinator's timer seam. Armed callbacks fire only
// when the test says so, making the debounce deterministic without wall-clock
// waits.
type fakeTimers struct {
	armed []func()
}

func (ft *fakeTimers) afterFunc(_ time.Duration, f func()) *time.Timer {
	ft.armed = append(ft.armed, f)
	// The returned timer is already expired; the coordinator only ever calls
	// Stop on it, which is a no-op at that point.
	return time.NewTimer(0)
}

func (ft *fakeTimers) fireLast() {
	if len(ft.armed) > 0 {
		ft.armed[len(ft.armed)-1]()
	}
}

func newTestTyping(me UserID) (*TypingCoordinator, *recordingBroadcaster,
	*fakeTimers, *time.Time) {
	rb := &recordingBroadcaster{}
	ft := &fakeTimers{}
	now := time.Now()
	tc := NewTypingCoordinator(me, rb)
	tc.afterFunc = ft.afterFunc
	tc.now = func() time.Time { return now }
	return tc, rb, ft, &now
}

// Tests the local debounce: the first keystroke broadcasts once, continued
// keystrokes only re-arm the timer, and the elapsed timer broadcasts the
// stop.
func TestTypingCoordinator_LocalDebounce(t *testing.T) {
	tc, rb, ft, _ := newTestTyping("me")

	tc.StartTyping("convA")
	tc.StartTyping("convA")
	tc.StartTyping("convA")

	if len(rb.beacons) != 1 || rb.beacons[0] != true {
		t.Fatalf("Expected a single start beacon, got %v", rb.beacons)
	}
	if len(ft.armed) != 3 {
		t.Errorf("Each keystroke should re-arm the timer, armed %d times",
			len(ft.armed))
	}

	// Inactivity elapses.
	ft.fireLast()
	if len(rb.beacons) != 2 || rb.beacons[1] != false {
		t.Fatalf("Expected a stop beacon after inactivity, got %v", rb.beacons)
	}

	// The machine is idle; firing a stale timer again must not re-broadcast.
	ft.fireLast()
	if len(rb.beacons) != 2 {
		t.Errorf("Idle transition broadcast again: %v", rb.beacons)
	}
}

// Tests that a user who keeps typing re-broadcasts periodically, so peers
// refresh the signal before it expires on their side.
func TestTypingCoordinator_LocalRefresh(t *testing.T) {
	tc, rb, _, now := newTestTyping("me")

	tc.StartTyping("convA")
	*now = now.Add(time.Second)
	tc.StartTyping("convA")
	if len(rb.beacons) != 1 {
		t.Fatalf("Keystroke within the refresh window broadcast: %v",
			rb.beacons)
	}

	*now = now.Add(typingRefresh)
	tc.StartTyping("convA")
	if len(rb.beacons) != 2 || rb.beacons[1] != true {
		t.Fatalf("Expected a refresh beacon, got %v", rb.beacons)
	}

	// The refresh interval keeps the signal alive on the remote side.
	if typingRefresh >= typingSignalLifetime {
		t.Fatalf("Refresh interval %s does not precede expiry %s",
			typingRefresh, typingSignalLifetime)
	}

	// After an explicit stop the next keystroke broadcasts immediately.
	tc.StopTyping("convA")
	tc.StartTyping("convA")
	want := []bool{true, true, false, true}
	if len(rb.beacons) != len(want) {
		t.Fatalf("Beacons = %v, want %v", rb.beacons, want)
	}
}

// Tests the explicit stop path used when a message is sent or the input is
// cleared.
func TestTypingCoordinator_ExplicitStop(t *testing.T) {
	tc, rb, _, _ := newTestTyping("me")

	tc.StopTyping("convA") // idle; no beacon
	if len(rb.beacons) != 0 {
		t.Fatalf("Stop while idle broadcast: %v", rb.beacons)
	}

	tc.StartTyping("convA")
	tc.StopTyping("convA")
	tc.StopTyping("convA") // second stop is a no-op

	want := []bool{true, false}
	if len(rb.beacons) != len(want) {
		t.Fatalf("Beacons = %v, want %v", rb.beacons, want)
	}
	for i := range want {
		if rb.beacons[i] != want[i] {
			t.Fatalf("Beacons = %v, want %v", rb.beacons, want)
		}
	}
}

// Tests remote aggregation: unexpired signals are returned, expiry and
// explicit stops clear them, and the local echo is filtered.
func TestTypingCoordinator_RemoteAggregation(t *testing.T) {
	tc, _, _, now := newTestTyping("me")

	tc.ReceiveTyping("convA", "alice", true)
	tc.ReceiveTyping("convA", "bob", true)
	tc.ReceiveTyping("convA", "me", true) // reflected echo
	tc.ReceiveTyping("convB", "carol", true)

	got := tc.TypingUsers("convA")
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("TypingUsers(convA) = %v", got)
	}

	// Explicit stop.
	tc.ReceiveTyping("convA", "bob", false)
	if got = tc.TypingUsers("convA"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("After stop: %v", got)
	}

	// Expiry without refresh.
	*now = now.Add(typingSignalLifetime + time.Second)
	if got = tc.TypingUsers("convA"); len(got) != 0 {
		t.Errorf("Expired signal survived: %v", got)
	}

	// Independent conversations are unaffected until their own expiry.
	if got = tc.TypingUsers("convB"); len(got) != 0 {
		t.Errorf("convB should have expired too: %v", got)
	}
}

// Tests that a refresh extends a signal past its original expiry.
func TestTypingCoordinator_RemoteRefresh(t *testing.T) {
	tc, _, _, now := newTestTyping("me")

	tc.ReceiveTyping("convA", "alice", true)
	*now = now.Add(typingSignalLifetime - time.Second)
	tc.ReceiveTyping("convA", "alice", true)
	*now = now.Add(2 * time.Second)

	if got := tc.TypingUsers("convA"); len(got) != 1 {
		t.Errorf("Refreshed signal expired early: %v", got)
	}
}

// Tests that a stop for an unknown conversation or peer is a no-op.
func TestTypingCoordinator_StopUnknown(t *testing.T) {
	tc, _, _, _ := newTestTyping("me")
	tc.ReceiveTyping("convA", "alice", false)
	if got := tc.TypingUsers("convA"); len(got) != 0 {
		t.Errorf("Unexpected typers: %v", got)
	}
}

// Tests Close stops local state so a later timer callback cannot broadcast.
func TestTypingCoordinator_Close(t *testing.T) {
	tc, rb, ft, _ := newTestTyping("me")

	tc.StartTyping("convA")
	tc.Close()

	ft.fireLast()
	if len(rb.beacons) != 1 {
		t.Errorf("Timer after Close broadcast a beacon: %v", rb.beacons)
	}
}
