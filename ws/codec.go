////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package ws

import (
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/echoverse/echoverse-client/chat"
	"github.com/echoverse/echoverse-client/presence"
)

// Event kinds carried in the envelope. Unknown kinds are logged and dropped.
const (
	kindMessage          = "message"
	kindMessageUpdate    = "message_update"
	kindReactionAdd      = "reaction_add"
	kindReactionRemove   = "reaction_remove"
	kindTyping           = "typing"
	kindPresence         = "presence"
	kindPresenceSnapshot = "presence_snapshot"
)

// envelope is the frame every push event travels in: a kind tag and an opaque
// payload decoded per kind.
type envelope struct {
	Kind    string             `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type attachment struct {
	URL      string `msgpack:"url"`
	Name     string `msgpack:"name"`
	Size     int64  `msgpack:"size"`
	MimeType string `msgpack:"mimeType"`
}

// messageEvent is the wire form of a created or updated message.
type messageEvent struct {
	ID             string       `msgpack:"id"`
	ClientID       string       `msgpack:"clientID"`
	ConversationID string       `msgpack:"conversationID"`
	SenderID       string       `msgpack:"senderID"`
	Content        string       `msgpack:"content"`
	CreatedAt      time.Time    `msgpack:"createdAt"`
	EditedAt       *time.Time   `msgpack:"editedAt"`
	DeletedAt      *time.Time   `msgpack:"deletedAt"`
	ParentID       string       `msgpack:"parentID"`
	Attachments    []attachment `msgpack:"attachments"`
}

// model converts the wire form into the engine's message record.
func (ev *messageEvent) model() chat.Message {
	m := chat.Message{
		ID:             chat.MessageID(ev.ID),
		ClientID:       ev.ClientID,
		ConversationID: chat.ConversationID(ev.ConversationID),
		SenderID:       chat.UserID(ev.SenderID),
		Content:        ev.Content,
		CreatedAt:      ev.CreatedAt,
		EditedAt:       ev.EditedAt,
		DeletedAt:      ev.DeletedAt,
		ParentID:       chat.MessageID(ev.ParentID),
	}
	for _, a := range ev.Attachments {
		m.Attachments = append(m.Attachments, chat.Attachment{
			URL: a.URL, Name: a.Name, Size: a.Size, MimeType: a.MimeType})
	}
	return m
}

type reactionEvent struct {
	MessageID string `msgpack:"messageID"`
	ReactorID string `msgpack:"reactorID"`
	Emoji     string `msgpack:"emoji"`
}

type typingEvent struct {
	ConversationID string `msgpack:"conversationID"`
	UserID         string `msgpack:"userID"`
	Typing         bool   `msgpack:"typing"`
}

type presenceEvent struct {
	UserID string `msgpack:"userID"`
	Online bool   `msgpack:"online"`
}

type presenceSnapshot struct {
	UserIDs []string `msgpack:"userIDs"`
}

// dispatch decodes one envelope and delivers it to the receiver or the
// presence tracker. Malformed payloads are dropped with a log line; the
// engine's idempotent merges make redelivery after a reconnect safe.
func dispatch(env envelope, recv chat.EventReceiver,
	pres *presence.Tracker) error {
	switch env.Kind {
	case kindMessage, kindMessageUpdate:
		var ev messageEvent
		if err := msgpack.Unmarshal(env.Payload, &ev); err != nil {
			return errors.WithMessage(err, "message event")
		}
		recv.ReceiveMessage(ev.model())

	case kindReactionAdd, kindReactionRemove:
		var ev reactionEvent
		if err := msgpack.Unmarshal(env.Payload, &ev); err != nil {
			return errors.WithMessage(err, "reaction event")
		}
		kind := chat.ReactionAdded
		if env.Kind == kindReactionRemove {
			kind = chat.ReactionRemoved
		}
		recv.ReceiveReaction(kind, chat.ReactionEvent{
			MessageID: chat.MessageID(ev.MessageID),
			ReactorID: chat.UserID(ev.ReactorID),
			Emoji:     ev.Emoji,
		})

	case kindTyping:
		var ev typingEvent
		if err := msgpack.Unmarshal(env.Payload, &ev); err != nil {
			return errors.WithMessage(err, "typing event")
		}
		recv.ReceiveTyping(chat.ConversationID(ev.ConversationID),
			chat.UserID(ev.UserID), ev.Typing)

	case kindPresence:
		var ev presenceEvent
		if err := msgpack.Unmarshal(env.Payload, &ev); err != nil {
			return errors.WithMessage(err, "presence event")
		}
		if pres != nil {
			pres.UpsertOnline(chat.UserID(ev.UserID), ev.Online)
		}

	case kindPresenceSnapshot:
		var ev presenceSnapshot
		if err := msgpack.Unmarshal(env.Payload, &ev); err != nil {
			return errors.WithMessage(err, "presence snapshot")
		}
		if pres != nil {
			ids := make([]chat.UserID, len(ev.UserIDs))
			for i, id := range ev.UserIDs {
				ids[i] = chat.UserID(id)
			}
			pres.SetOnline(ids)
		}

	default:
		jww.WARN.Printf("[WS] Dropping event with unknown kind %q", env.Kind)
	}
	return nil
}
