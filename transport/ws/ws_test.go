package ws_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/eventa/transport"
	"goa.design/eventa/transport/ws"
)

// fakeConn is an in-memory ws.Conn: writes are recorded, and reads are
// replayed from a queue a test fills in before constructing the Adapter.
type fakeConn struct {
	mu      sync.Mutex
	reads   []any
	readErr error
	readPos int
	readyCh chan struct{}

	writes []transport.Frame
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readyCh: make(chan struct{}, 64)}
}

func (c *fakeConn) pushFrame(f transport.Frame) {
	c.mu.Lock()
	c.reads = append(c.reads, f)
	c.mu.Unlock()
	c.readyCh <- struct{}{}
}

func (c *fakeConn) failNextRead(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.readyCh <- struct{}{}
}

func (c *fakeConn) ReadJSON(v any) error {
	<-c.readyCh
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readPos >= len(c.reads) {
		if c.readErr != nil {
			return c.readErr
		}
		return errors.New("fakeConn: no more reads queued")
	}
	frame := c.reads[c.readPos]
	c.readPos++
	*(v.(*transport.Frame)) = frame
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v.(transport.Frame))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestAdapterDeliversInboundFrames(t *testing.T) {
	conn := newFakeConn()
	frame := transport.Frame{ID: "1", Descriptor: "greet", Body: []byte(`{}`)}
	conn.pushFrame(frame)

	a := ws.New(conn)
	defer a.Close()

	select {
	case got := <-a.Inbound():
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("adapter never delivered the queued frame")
	}
}

func TestAdapterPublishWritesThroughMutex(t *testing.T) {
	conn := newFakeConn()
	a := ws.New(conn)
	defer a.Close()

	frame := transport.Frame{ID: "out", Descriptor: "x"}
	require.NoError(t, a.Publish(context.Background(), frame))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 1)
	assert.Equal(t, frame, conn.writes[0])
}

func TestAdapterReadErrorReportsFatal(t *testing.T) {
	conn := newFakeConn()
	conn.failNextRead(errors.New("connection reset"))

	a := ws.New(conn)
	defer a.Close()

	select {
	case err := <-a.Fatal():
		assert.EqualError(t, err, "connection reset")
	case <-time.After(time.Second):
		t.Fatal("adapter never reported the read failure as fatal")
	}
}

func TestAdapterNormalClosureIsNotFatal(t *testing.T) {
	conn := newFakeConn()
	conn.failNextRead(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	a := ws.New(conn)
	defer a.Close()

	select {
	case err := <-a.Fatal():
		t.Fatalf("a normal closure must not be reported as fatal, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdapterCloseClosesUnderlyingConn(t *testing.T) {
	conn := newFakeConn()
	a := ws.New(conn)

	require.NoError(t, a.Close())
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}
