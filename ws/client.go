////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package ws is the subscription transport: it holds the websocket to the
// push gateway, decodes pushed events into the chat engine, and carries the
// local user's typing beacons outward. The engine's merges are idempotent, so
// the client reconnects freely and lets redelivered events wash through.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/ratelimit"

	"github.com/echoverse/echoverse-client/chat"
	"github.com/echoverse/echoverse-client/presence"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second

	outboundChanSize = 64

	// outboundPerSecond caps the outbound frame rate so a fast typist cannot
	// flood the gateway with beacons.
	outboundPerSecond = 10
)

// Client maintains the push subscription. It implements
// [chat.TypingBroadcaster] on the outbound side and feeds a
// [chat.EventReceiver] on the inbound side.
type Client struct {
	url  string
	recv chat.EventReceiver
	pres *presence.Tracker

	dialer  *websocket.Dialer
	limiter ratelimit.Limiter

	outbound chan envelope
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a Client that will deliver events to recv and presence
// updates to pres (which may be nil). Run must be called to connect.
func NewClient(url string, recv chat.EventReceiver,
	pres *presence.Tracker) *Client {
	return &Client{
		url:      url,
		recv:     recv,
		pres:     pres,
		dialer:   websocket.DefaultDialer,
		limiter:  ratelimit.New(outboundPerSecond),
		outbound: make(chan envelope, outboundChanSize),
		done:     make(chan struct{}),
	}
}

// Run connects and serves the subscription until the context is cancelled or
// Close is called. Connection loss is retried with exponential backoff; the
// backoff resets after every successful connect.
func (c *Client) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			jww.WARN.Printf("[WS] Dial %s failed, retrying in %s: %+v",
				c.url, wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		jww.INFO.Printf("[WS] Connected to %s", c.url)
		bo.Reset()
		c.serve(ctx, conn)
	}
}

// BroadcastTyping implements [chat.TypingBroadcaster]. Beacons are
// fire-and-forget: when the outbound queue is full or the client is closed,
// the beacon is dropped, never queued behind a dead connection.
func (c *Client) BroadcastTyping(conversationID chat.ConversationID,
	typing bool) error {
	payload, err := msgpack.Marshal(typingEvent{
		ConversationID: string(conversationID),
		Typing:         typing,
	})
	if err != nil {
		return errors.WithMessage(err, "typing beacon")
	}

	select {
	case <-c.done:
		return errors.New("subscription client is closed")
	case c.outbound <- envelope{Kind: kindTyping, Payload: payload}:
		return nil
	default:
		jww.INFO.Printf("[WS] Outbound queue full; dropping typing beacon "+
			"for %s", conversationID)
		return nil
	}
}

// Close tears the client down and waits for its goroutines to exit.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// serve runs one connection: a writer goroutine for outbound frames and
// pings, and a read loop decoding pushed envelopes. Returns when the
// connection drops or the client stops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	// The read loop blocks in ReadMessage, so closing down cannot wait for it
	// to poll a channel. Closing the connection from the side is what makes
	// the blocked read return immediately.
	readerDone := make(chan struct{})
	defer close(readerDone)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-readerDone:
		}
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	writerDone := make(chan struct{})
	stopWriter := make(chan struct{})
	go c.writeLoop(conn, stopWriter, writerDone)
	defer func() {
		close(stopWriter)
		<-writerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			jww.WARN.Printf("[WS] Read failed, reconnecting: %+v", err)
			return
		}

		var env envelope
		if err = msgpack.Unmarshal(data, &env); err != nil {
			jww.ERROR.Printf("[WS] Dropping undecodable frame: %+v", err)
			continue
		}

		if err = dispatch(env, c.recv, c.pres); err != nil {
			jww.ERROR.Printf("[WS] Dropping malformed %q event: %+v",
				env.Kind, err)
		}
	}
}

// writeLoop sends outbound envelopes and keepalive pings. Every write takes a
// token from the rate limiter first.
func (c *Client) writeLoop(conn *websocket.Conn, stop <-chan struct{},
	done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case env := <-c.outbound:
			c.limiter.Take()
			data, err := msgpack.Marshal(&env)
			if err != nil {
				jww.ERROR.Printf("[WS] Could not encode %q frame: %+v",
					env.Kind, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err = conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				jww.WARN.Printf("[WS] Write failed: %+v", err)
				return
			}
		case <-ticker.C:
			c.limiter.Take()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				jww.WARN.Printf("[WS] Ping failed: %+v", err)
				return
			}
		}
	}
}
