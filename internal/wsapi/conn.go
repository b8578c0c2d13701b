// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package wsapi serves the namespace inventory over HTTP: a one-shot JSON
// snapshot and a streaming websocket that pushes a fresh snapshot every time
// the tracker's state broadcast fires.
package wsapi

import (
	"fmt"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// closingDeadline bounds how long a graceful close handshake may take.
const closingDeadline = 10 * time.Second

// connState tracks where in the close handshake a connection is.
type connState int

const (
	connOpen connState = iota
	connClosing
	connClosed
)

// conn wraps a server-side websocket connection with a human-readable id for
// log correlation, and the small open/closing/closed state machine needed to
// carry out a graceful close when the subscriber's snapshot feed ends.
type conn struct {
	*websocket.Conn
	id    string
	state connState
	mu    sync.Mutex
	log   *logrus.Entry
}

func newConn(ws *websocket.Conn, log *logrus.Entry) *conn {
	id := petname.Generate(2, "-")
	return &conn{
		Conn: ws,
		id:   id,
		log:  log.WithField("conn", id),
	}
}

// watch drains (and discards) client messages until the socket closes, so
// that control frames (in particular the client's close handshake ack) are
// processed by the gorilla websocket library's read loop. It returns once
// the connection is gone.
func (c *conn) watch() {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			c.mu.Lock()
			c.state = connClosed
			c.mu.Unlock()
			return
		}
	}
}

// gracefulClose sends a close control frame and then closes the underlying
// connection; it does not wait for the peer's acknowledgement.
func (c *conn) gracefulClose(code int, reason string) {
	c.mu.Lock()
	if c.state != connOpen {
		c.mu.Unlock()
		return
	}
	c.state = connClosing
	c.mu.Unlock()

	_ = c.SetWriteDeadline(time.Now().Add(closingDeadline))
	if err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		c.log.WithError(err).Debug("sending close control message failed")
	}
	_ = c.Close()
}

func (c *conn) writeJSON(v interface{}) error {
	_ = c.SetWriteDeadline(time.Now().Add(closingDeadline))
	if err := c.WriteJSON(v); err != nil {
		return fmt.Errorf("wsapi: writing snapshot to %s: %w", c.id, err)
	}
	return nil
}
