// Copyright (C) 2025 The rosbridge Authors. All Rights Reserved.

package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// closeGrace is how long Close waits for the close handshake to flush.
const closeGrace = time.Second

// Dial connects to the rosbridge websocket endpoint at url (a ws:// or
// wss:// address) and returns a channel carrying one protocol frame per
// websocket text message.
func Dial(ctx context.Context, url string) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWS(conn), nil
}

// NewWS wraps an established websocket connection in a channel. The caller
// must not use conn directly afterward.
func NewWS(conn *websocket.Conn) *WS { return &WS{conn: conn} }

// A WS is a channel over a websocket connection. Each frame travels as one
// text message.
type WS struct {
	conn *websocket.Conn

	once sync.Once
	cerr error
}

// Send implements a method of the [rosbridge.Channel] interface.
func (w *WS) Send(frame []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

// Recv implements a method of the [rosbridge.Channel] interface. A normal
// close from the remote end is reported as net.ErrClosed so the connection
// treats it as a clean shutdown.
func (w *WS) Recv() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		}
		// Control frames are handled by the library; skip anything else.
	}
}

// Close implements a method of the [rosbridge.Channel] interface. It attempts
// a clean websocket close handshake before tearing down the connection.
func (w *WS) Close() error {
	w.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		w.cerr = w.conn.Close()
	})
	return w.cerr
}
