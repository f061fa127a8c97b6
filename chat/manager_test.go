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
	"github.com/stretchr/testify/require"
)

// Tests hydration: conversations and windows load, unread counts recompute,
// and the most recent conversation is auto-selected from current keys.
func TestManager_Hydrate(t *testing.T) {
	base := time.Now()
	svc := &mockService{
		fetchConvFn: func(viewer UserID) ([]Conversation, error) {
			require.Equal(t, UserID("me"), viewer)
			return []Conversation{
				{ID: "convA", Type: Direct,
					LastActivityAt: base.Add(-time.Hour)},
				{ID: "convB", Type: Group, LastActivityAt: base},
			}, nil
		},
		fetchMsgFn: func(conversationID ConversationID, limit int) (
			[]Message, error) {
			require.Equal(t, fetchLimit, limit)
			if conversationID == "convA" {
				return []Message{
					remoteMessage("a1", "convA", "alice", "old",
						base.Add(-time.Hour)),
				}, nil
			}
			return []Message{
				remoteMessage("b1", "convB", "bob", "newer", base),
			}, nil
		},
	}

	m := NewManager("me", svc, nil)
	defer m.Close()
	m.Hydrate(context.Background())

	convs := m.Conversations()
	require.Len(t, convs, 2)
	require.Equal(t, ConversationID("convB"), convs[0].ID)

	// convB was auto-selected and therefore marked read; convA was never
	// opened, so its single foreign message is unread.
	active, ok := m.ActiveConversation()
	require.True(t, ok)
	require.Equal(t, ConversationID("convB"), active)
	require.Equal(t, 0, m.UnreadCount("convB"))
	require.Equal(t, 1, m.UnreadCount("convA"))
}

// Tests that hydration failures are fail-soft: the engine degrades to an
// empty state instead of raising.
func TestManager_HydrateFailSoft(t *testing.T) {
	svc := &mockService{
		fetchConvFn: func(UserID) ([]Conversation, error) {
			return nil, errors.New("service down")
		},
	}

	m := NewManager("me", svc, nil)
	defer m.Close()
	m.Hydrate(context.Background())

	if convs := m.Conversations(); len(convs) != 0 {
		t.Errorf("Expected empty conversation list, got %v", convs)
	}
	if _, ok := m.ActiveConversation(); ok {
		t.Errorf("Nothing should be selected on an empty list")
	}
}

// Tests that a partial hydration (one window fetch failing) keeps the rest.
func TestManager_HydratePartial(t *testing.T) {
	base := time.Now()
	svc := &mockService{
		fetchConvFn: func(UserID) ([]Conversation, error) {
			return []Conversation{
				{ID: "convA", LastActivityAt: base},
				{ID: "convBroken", LastActivityAt: base.Add(-time.Minute)},
			}, nil
		},
		fetchMsgFn: func(conversationID ConversationID, _ int) (
			[]Message, error) {
			if conversationID == "convBroken" {
				return nil, errors.New("window fetch failed")
			}
			return []Message{
				remoteMessage("a1", "convA", "alice", "hi", base)}, nil
		},
	}

	m := NewManager("me", svc, nil)
	defer m.Close()
	m.Hydrate(context.Background())

	require.Len(t, m.Conversations(), 2)
	require.Len(t, m.Messages("convA"), 1)
	require.Empty(t, m.Messages("convBroken"))
}

// Tests that auto-selection reads the recency order at the moment of the
// decision: a live event arriving before the decision changes its outcome.
func TestManager_AutoSelectCurrent(t *testing.T) {
	base := time.Now()
	svc := &mockService{
		fetchConvFn: func(UserID) ([]Conversation, error) {
			return []Conversation{
				{ID: "convA", LastActivityAt: base.Add(-time.Hour)},
				{ID: "convB", LastActivityAt: base},
			}, nil
		},
	}

	m := NewManager("me", svc, nil)
	defer m.Close()
	m.orderer.SetConversations([]Conversation{
		{ID: "convA", LastActivityAt: base.Add(-time.Hour)},
		{ID: "convB", LastActivityAt: base},
	})

	// A live push for convA lands before anything is selected.
	m.ReceiveMessage(remoteMessage(
		"m1", "convA", "alice", "bump", base.Add(time.Minute)))

	active, ok := m.ActiveConversation()
	require.True(t, ok)
	require.Equal(t, ConversationID("convA"), active)
}

// Tests that opening a conversation resets its unread count immediately.
func TestManager_SelectMarksRead(t *testing.T) {
	svc := &mockService{}
	m := NewManager("me", svc, nil)
	defer m.Close()

	m.ReceiveMessage(remoteMessage("m1", "convY", "alice", "one", time.Now()))
	m.SelectConversation("convZ")
	m.ReceiveMessage(remoteMessage(
		"m2", "convY", "alice", "two", time.Now()))

	require.Equal(t, 2, m.UnreadCount("convY"))

	m.SelectConversation("convY")
	require.Equal(t, 0, m.UnreadCount("convY"))
}

// Tests that the confirmed timestamp of an own send in the open conversation
// advances the read cursor, so the own message is never counted unread.
func TestManager_OwnSendAdvancesCursor(t *testing.T) {
	confirmAt := time.Now().Add(time.Minute)
	svc := &mockService{
		sendFn: func(conversationID ConversationID, content string,
			meta SendMeta) (Message, error) {
			return Message{ID: "m1", ClientID: meta.ClientID,
				ConversationID: conversationID, SenderID: "me",
				Content: content, CreatedAt: confirmAt, Status: Sent}, nil
		},
	}

	m := NewManager("me", svc, nil)
	defer m.Close()
	m.SelectConversation("convA")

	clientID, err := m.Send("convA", "hello", nil, "")
	require.NoError(t, err)

	ch := watchStatus(t, m.store, clientID)
	awaitStatus(t, ch, Sent)

	// The cursor hook runs after the store notifies, so poll briefly.
	require.Eventually(t, func() bool {
		return m.unread.Cursor("convA").Equal(confirmAt)
	}, 2*time.Second, 10*time.Millisecond)
}

// Tests teardown: a send resolution arriving after Close is discarded, and
// new operations are rejected.
func TestManager_CloseDiscardsLateResults(t *testing.T) {
	release := make(chan struct{})
	resolved := make(chan struct{})
	svc := &mockService{
		sendFn: func(conversationID ConversationID, content string,
			meta SendMeta) (Message, error) {
			<-release
			defer close(resolved)
			return Message{ID: "m1", ClientID: meta.ClientID,
				ConversationID: conversationID, CreatedAt: time.Now(),
				Status: Sent}, nil
		},
	}

	m := NewManager("me", svc, nil)
	clientID, err := m.Send("convA", "hello", nil, "")
	require.NoError(t, err)

	m.Close()
	close(release)
	<-resolved
	time.Sleep(50 * time.Millisecond)

	got, err := m.store.GetByClientID(clientID)
	require.NoError(t, err)
	require.Equal(t, Sending, got.Status,
		"late confirmation applied to a torn-down session")

	// Post-close operations are rejected or ignored.
	_, err = m.Send("convA", "more", nil, "")
	require.Equal(t, ManagerClosedErr, err)
	require.Equal(t, ManagerClosedErr, m.ToggleReaction("m1", "🎉"))

	before := m.UnreadCount("convB")
	m.ReceiveMessage(remoteMessage("x1", "convB", "alice", "hi", time.Now()))
	require.Equal(t, before, m.UnreadCount("convB"))

	// Close is idempotent.
	m.Close()
}

// Tests parent resolution, including the dangling case.
func TestManager_Parent(t *testing.T) {
	svc := &mockService{}
	m := NewManager("me", svc, nil)
	defer m.Close()

	at := time.Now()
	m.ReceiveMessage(remoteMessage("p1", "convA", "alice", "root", at))
	child := remoteMessage("c1", "convA", "bob", "reply", at.Add(time.Second))
	child.ParentID = "p1"
	m.ReceiveMessage(child)

	parent, ok := m.Parent("c1")
	require.True(t, ok)
	require.Equal(t, MessageID("p1"), parent.ID)

	// Dangling reference: parent outside the loaded window.
	orphan := remoteMessage("c2", "convA", "bob", "??", at.Add(2*time.Second))
	orphan.ParentID = "gone"
	m.ReceiveMessage(orphan)
	_, ok = m.Parent("c2")
	require.False(t, ok)

	// No parent at all.
	_, ok = m.Parent("p1")
	require.False(t, ok)
}

// Tests that typing echoes of the local user are filtered at the manager
// boundary.
func TestManager_TypingEchoFiltered(t *testing.T) {
	m := NewManager("me", &mockService{}, nil)
	defer m.Close()

	m.ReceiveTyping("convA", "me", true)
	m.ReceiveTyping("convA", "alice", true)

	got := m.TypingUsers("convA")
	require.Equal(t, []UserID{"alice"}, got)
}

// Tests that sending a message stops the local typing broadcast.
func TestManager_SendStopsTyping(t *testing.T) {
	rb := &recordingBroadcaster{}
	m := NewManager("me", &mockService{}, rb)
	defer m.Close()

	m.StartTyping("convA")
	_, err := m.Send("convA", "done typing", nil, "")
	require.NoError(t, err)

	require.Equal(t, []bool{true, false}, rb.beacons)
}
