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
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
)

// maxPendingSends caps how many of the viewer's messages may be Sending at
// once. A send attempted past the cap is discarded so retries and sends
// cannot fan out unbounded before the UI signals backpressure.
const maxPendingSends = 3

// pendingSend holds everything needed to re-issue the same logical send on a
// retry. The client ID never changes across retries, so a second failure
// cannot produce a duplicate visible draft.
type pendingSend struct {
	conversationID ConversationID
	content        string
	meta           SendMeta
}

// confirmFunc is called after a send is confirmed, with the conversation and
// the confirmed timestamp. The manager uses it to advance the read cursor of
// the active conversation.
type confirmFunc func(conversationID ConversationID, ts time.Time)

// sendTracker creates optimistic sends, resolves them to success or failure,
// and supports retry. It tracks outbound messages and, when the confirmation
// arrives, diverts it as a status update on the previously inserted record
// rather than a new one.
type sendTracker struct {
	byClientID map[string]*pendingSend

	// sending counts accepted sends whose resolution has not come back yet.
	// The cap is enforced against this counter, under the tracker's mutex, so
	// concurrent sends and retries cannot slip past it together.
	sending int

	store *MessageStore
	svc   ConversationService
	me    UserID

	onConfirm confirmFunc

	// alive is consulted before an asynchronous continuation applies its
	// result, so resolutions arriving after teardown are discarded.
	alive func() bool

	now func() time.Time

	mux sync.Mutex
}

func newSendTracker(store *MessageStore, svc ConversationService, me UserID,
	onConfirm confirmFunc, alive func() bool) *sendTracker {
	return &sendTracker{
		byClientID: make(map[string]*pendingSend),
		store:      store,
		svc:        svc,
		me:         me,
		onConfirm:  onConfirm,
		alive:      alive,
		now:        time.Now,
	}
}

// Send validates and accepts a new logical send. On acceptance it synthesizes
// a fresh client ID, inserts a Sending record into the store, and issues the
// external send asynchronously. The returned client ID identifies the send
// for retry.
func (st *sendTracker) Send(ctx context.Context,
	conversationID ConversationID, content string, attachments []Attachment,
	parentID MessageID) (string, error) {
	if content == "" && len(attachments) == 0 {
		return "", EmptyMessageErr
	}

	st.mux.Lock()
	if st.sending >= maxPendingSends {
		st.mux.Unlock()
		jww.INFO.Printf("[CHAT] Rejecting send to %s: %d sends already "+
			"pending", conversationID, maxPendingSends)
		return "", TooManyPendingErr
	}

	clientID := uuid.NewString()
	p := &pendingSend{
		conversationID: conversationID,
		content:        content,
		meta: SendMeta{
			ClientID:    clientID,
			ParentID:    parentID,
			Attachments: attachments,
		},
	}
	st.byClientID[clientID] = p
	st.sending++
	st.mux.Unlock()

	// The insert notifies store listeners synchronously, so it must happen
	// outside the tracker's mutex; a listener is free to re-enter Send.
	err := st.store.InsertPending(Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       st.me,
		Content:        content,
		CreatedAt:      st.now(),
		ParentID:       parentID,
		Attachments:    attachments,
	})
	if err != nil {
		st.mux.Lock()
		delete(st.byClientID, clientID)
		st.sending--
		st.mux.Unlock()
		return "", err
	}

	jww.INFO.Printf("[CHAT] Sending message %s to %s", clientID,
		conversationID)
	go st.issue(ctx, clientID, p)

	return clientID, nil
}

// Retry re-issues a failed send with the identical client ID. Only a record
// currently Failed may be retried; the record returns to Sending. Retries
// count against the same pending cap as fresh sends.
func (st *sendTracker) Retry(ctx context.Context, clientID string) error {
	st.mux.Lock()
	p, exists := st.byClientID[clientID]
	if !exists {
		st.mux.Unlock()
		return NoPendingSendErr
	}

	if st.sending >= maxPendingSends {
		st.mux.Unlock()
		jww.INFO.Printf("[CHAT] Rejecting retry of %s: %d sends already "+
			"pending", clientID, maxPendingSends)
		return TooManyPendingErr
	}
	st.sending++
	st.mux.Unlock()

	if err := st.store.MarkSending(clientID); err != nil {
		st.mux.Lock()
		st.sending--
		st.mux.Unlock()
		return err
	}

	jww.INFO.Printf("[CHAT] Retrying message %s to %s", clientID,
		p.conversationID)
	go st.issue(ctx, clientID, p)
	return nil
}

// issue performs the external send and resolves the optimistic record. Runs
// off the caller's goroutine; the result re-enters through the store's merge
// functions.
func (st *sendTracker) issue(ctx context.Context, clientID string,
	p *pendingSend) {
	confirmed, err := st.svc.SendMessage(ctx, p.conversationID, p.content,
		p.meta)

	// The pending slot frees as soon as the external call returns, before the
	// store reflects the outcome, so an observer of the status update never
	// sees the cap still occupied by a resolved send.
	st.mux.Lock()
	st.sending--
	st.mux.Unlock()

	if !st.alive() {
		jww.INFO.Printf("[CHAT] Discarding send resolution for %s after "+
			"teardown", clientID)
		return
	}

	if err != nil {
		jww.WARN.Printf("[CHAT] Send %s to %s failed: %+v", clientID,
			p.conversationID, err)
		if ferr := st.store.FailSend(clientID, err.Error()); ferr != nil {
			jww.ERROR.Printf("[CHAT] Could not mark send %s failed: %+v",
				clientID, ferr)
		}
		return
	}

	if cerr := st.store.ConfirmSend(clientID, confirmed); cerr != nil {
		jww.ERROR.Printf("[CHAT] Could not confirm send %s: %+v", clientID,
			cerr)
		return
	}

	st.mux.Lock()
	delete(st.byClientID, clientID)
	st.mux.Unlock()

	if st.onConfirm != nil {
		st.onConfirm(p.conversationID, confirmed.CreatedAt)
	}
}
