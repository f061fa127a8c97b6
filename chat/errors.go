////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import "github.com/pkg/errors"

var (
	// EmptyMessageErr is returned when attempting to send a message with no
	// content and no attachments. The send is rejected locally and never
	// reaches the network.
	EmptyMessageErr = errors.New(
		"the message cannot be sent because it has no content or attachments")

	// TooManyPendingErr is returned when the sender already has the maximum
	// number of messages in flight. The send is discarded so that retries and
	// sends cannot fan out unbounded before the UI applies backpressure.
	TooManyPendingErr = errors.New(
		"the message cannot be sent while too many sends are pending")

	// NoPendingSendErr is returned by a retry when no send with the given
	// client ID is tracked.
	NoPendingSendErr = errors.New("no send is tracked for the client ID")

	// NotFailedErr is returned by a retry on a send that is not currently
	// failed. Only failed sends may be retried.
	NotFailedErr = errors.New("only a failed send can be retried")

	// MessageNotFoundErr is returned when the store holds no record for the
	// given message ID.
	MessageNotFoundErr = errors.New("the message cannot be found")

	// ToggleInFlightErr is returned when a reaction toggle is already in
	// flight for the same (message, emoji) pair. The second toggle is
	// rejected rather than queued.
	ToggleInFlightErr = errors.New(
		"a toggle for this reaction is already in flight")

	// ManagerClosedErr is returned when an operation is invoked on a manager
	// after Close.
	ManagerClosedErr = errors.New("the chat manager has been closed")
)
