////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package rest implements the conversation service contract over the
// platform's JSON HTTP API. The client maps transport and server failures to
// plain errors; fail-soft handling happens in the engine, at the call sites.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/echoverse/echoverse-client/chat"
)

const requestTimeout = 30 * time.Second

// Client talks to the conversation service. It implements
// [chat.ConversationService].
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a Client for the API at base, authenticating with the
// given bearer token.
func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: requestTimeout},
	}
}

type sendMessageRequest struct {
	Content     string            `json:"content"`
	ClientID    string            `json:"clientID"`
	ParentID    string            `json:"parentID,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
}

type toggleReactionResponse struct {
	Added bool `json:"added"`
}

// SendMessage submits the message; the server deduplicates on the client ID,
// so retrying with the same meta is safe.
func (c *Client) SendMessage(ctx context.Context,
	conversationID chat.ConversationID, content string, meta chat.SendMeta) (
	chat.Message, error) {
	req := sendMessageRequest{
		Content:     content,
		ClientID:    meta.ClientID,
		ParentID:    string(meta.ParentID),
		Attachments: meta.Attachments,
	}

	var msg chat.Message
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%s/messages",
			url.PathEscape(string(conversationID))), req, &msg)
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// ToggleReaction flips the caller's reaction and reports the resulting
// membership.
func (c *Client) ToggleReaction(ctx context.Context,
	messageID chat.MessageID, emoji string) (bool, error) {
	var resp toggleReactionResponse
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/messages/%s/reactions/%s",
			url.PathEscape(string(messageID)), url.PathEscape(emoji)),
		nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Added, nil
}

// FetchConversations returns the viewer's conversation list.
func (c *Client) FetchConversations(ctx context.Context, viewer chat.UserID) (
	[]chat.Conversation, error) {
	var convs []chat.Conversation
	err := c.do(ctx, http.MethodGet,
		"/conversations?viewer="+url.QueryEscape(string(viewer)), nil, &convs)
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// FetchMessages returns the most recent window of messages for the
// conversation.
func (c *Client) FetchMessages(ctx context.Context,
	conversationID chat.ConversationID, limit int) ([]chat.Message, error) {
	var msgs []chat.Message
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/conversations/%s/messages?limit=%s",
			url.PathEscape(string(conversationID)),
			strconv.Itoa(limit)), nil, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead persists the viewer's read cursor for the conversation.
func (c *Client) MarkRead(ctx context.Context,
	conversationID chat.ConversationID) error {
	return c.do(ctx, http.MethodPut,
		fmt.Sprintf("/conversations/%s/read",
			url.PathEscape(string(conversationID))), nil, nil)
}

// do issues one JSON request. Any non-2xx status is an error carrying the
// status and the response body.
func (c *Client) do(ctx context.Context, method, path string,
	body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WithMessage(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.WithMessage(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithMessagef(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		jww.DEBUG.Printf("[REST] %s %s returned %d: %s", method, path,
			resp.StatusCode, data)
		return errors.Errorf("%s %s: status %d: %s", method, path,
			resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WithMessagef(err, "decode %s %s response", method, path)
	}
	return nil
}
