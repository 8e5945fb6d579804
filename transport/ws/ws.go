// Package ws implements a transport.Transport over a single gorilla
// websocket.Conn, adapted from the read-loop/write-mutex shape of the
// teacher's homeassistant WSClient: one goroutine owns reads, writes go
// through a mutex-guarded WriteJSON, and a read error is treated as fatal
// rather than retried here (reconnection, if wanted, is the caller's
// concern — this package only carries frames over whatever Conn it's
// given).
package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"goa.design/eventa/transport"
)

// Conn is the minimal surface this package needs from *websocket.Conn, kept
// narrow so tests can fake it without dialing a real socket.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Adapter carries transport.Frame values over a Conn. SessionID identifies
// this adapter's end of the connection, mirroring the per-connection
// session ids the teacher's gateway code assigns.
type Adapter struct {
	SessionID string

	conn    Conn
	writeMu sync.Mutex

	inbound chan transport.Frame
	fatal   chan error

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps conn in an Adapter and starts its read loop. The read loop runs
// until ReadJSON fails or Close is called; a read failure other than a
// normal or going-away close is reported once on Fatal, and after any read
// failure the Adapter stops delivering further inbound frames.
func New(conn Conn) *Adapter {
	a := &Adapter{
		SessionID: uuid.NewString(),
		conn:      conn,
		inbound:   make(chan transport.Frame, 64),
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
	}
	go a.readLoop()
	return a
}

func (a *Adapter) readLoop() {
	defer close(a.inbound)
	for {
		var frame transport.Frame
		if err := a.conn.ReadJSON(&frame); err != nil {
			select {
			case <-a.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					a.fatal <- err
				}
			}
			return
		}
		select {
		case a.inbound <- frame:
		case <-a.done:
			return
		}
	}
}

// Publish writes frame to the connection. Concurrent Publish calls are
// serialized, since gorilla's Conn forbids concurrent writers.
func (a *Adapter) Publish(_ context.Context, frame transport.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(frame)
}

func (a *Adapter) Inbound() <-chan transport.Frame { return a.inbound }

func (a *Adapter) Fatal() <-chan error { return a.fatal }

// Close stops the read loop and closes the underlying connection. Safe to
// call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		err = a.conn.Close()
	})
	return err
}
