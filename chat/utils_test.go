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
)

// mockService is a ConversationService whose behavior is overridden per test
// via function fields. Unset fields succeed with zero values.
type mockService struct {
	sendFn func(conversationID ConversationID, content string,
		meta SendMeta) (Message, error)
	toggleFn    func(messageID MessageID, emoji string) (bool, error)
	fetchConvFn func(viewer UserID) ([]Conversation, error)
	fetchMsgFn  func(conversationID ConversationID, limit int) (
		[]Message, error)
	markReadFn func(conversationID ConversationID) error
}

func (ms *mockService) SendMessage(_ context.Context,
	conversationID ConversationID, content string, meta SendMeta) (
	Message, error) {
	if ms.sendFn != nil {
		return ms.sendFn(conversationID, content, meta)
	}
	return Message{
		ID:             MessageID("srv-" + meta.ClientID),
		ClientID:       meta.ClientID,
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      time.Now(),
		Status:         Sent,
	}, nil
}

func (ms *mockService) ToggleReaction(_ context.Context, messageID MessageID,
	emoji string) (bool, error) {
	if ms.toggleFn != nil {
		return ms.toggleFn(messageID, emoji)
	}
	return true, nil
}

func (ms *mockService) FetchConversations(_ context.Context, viewer UserID) (
	[]Conversation, error) {
	if ms.fetchConvFn != nil {
		return ms.fetchConvFn(viewer)
	}
	return nil, nil
}

func (ms *mockService) FetchMessages(_ context.Context,
	conversationID ConversationID, limit int) ([]Message, error) {
	if ms.fetchMsgFn != nil {
		return ms.fetchMsgFn(conversationID, limit)
	}
	return nil, nil
}

func (ms *mockService) MarkRead(_ context.Context,
	conversationID ConversationID) error {
	if ms.markReadFn != nil {
		return ms.markReadFn(conversationID)
	}
	return nil
}

// watchStatus registers a store listener and returns a channel that receives
// every event for the given client ID. Used to wait deterministically for
// asynchronous send resolutions.
func watchStatus(t *testing.T, store *MessageStore,
	clientID string) <-chan StoreEvent {
	t.Helper()
	ch := make(chan StoreEvent, 16)
	id := store.AddListener(func(e StoreEvent) {
		if e.ClientID == clientID {
			ch <- e
		}
	})
	t.Cleanup(func() { store.RemoveListener(id) })
	return ch
}

// awaitStatus blocks until the channel delivers an event with the wanted
// status or the timeout elapses.
func awaitStatus(t *testing.T, ch <-chan StoreEvent, want SentStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Status == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for status %s", want)
		}
	}
}

// alwaysAlive is the liveness check used by tests that never tear down.
func alwaysAlive() bool { return true }

// remoteMessage builds a minimal pushed server record.
func remoteMessage(id MessageID, conv ConversationID, sender UserID,
	content string, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
		Status:         Sent,
	}
}
