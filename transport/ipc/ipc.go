// Package ipc implements the parent/child process adapter named in
// spec.md §4.8 step 4: newline-delimited JSON frames over a pair of
// io.Reader/io.WriteCloser, adapted from the teacher's mcp.StdioTransport
// (which frames JSON-RPC the same way over a subprocess's stdin/stdout, one
// line per message). Unlike the teacher's request/response Send, this
// adapter is asynchronous end to end: a background read loop feeds Inbound
// continuously, matching the rest of this package's Transport contract.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"goa.design/eventa/transport"
)

// Adapter carries transport.Frame values as newline-delimited JSON over a
// writer/reader pair. Writes are serialized with a mutex since the
// underlying pipe is inherently sequential; a single background goroutine
// owns reads.
type Adapter struct {
	w       io.Writer
	writeMu sync.Mutex

	inbound chan transport.Frame
	fatal   chan error
	done    chan struct{}

	closer    io.Closer
	closeOnce sync.Once
}

// New wraps w/r as an Adapter and starts its read loop. closer, if non-nil,
// is closed by Close — typically the same process or pipe that owns w and
// r.
func New(w io.Writer, r io.Reader, closer io.Closer) *Adapter {
	a := &Adapter{
		w:       w,
		inbound: make(chan transport.Frame, 64),
		fatal:   make(chan error, 1),
		done:    make(chan struct{}),
		closer:  closer,
	}
	go a.readLoop(r)
	return a
}

// NewCommand starts cmd and wraps its Stdin/Stdout pipes as an Adapter. The
// Adapter's Close closes the subprocess's stdin; it does not kill the
// process or wait for it to exit.
func NewCommand(cmd *exec.Cmd) (*Adapter, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	return New(stdin, stdout, stdin), nil
}

func (a *Adapter) readLoop(r io.Reader) {
	defer close(a.inbound)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		var frame transport.Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		select {
		case a.inbound <- frame:
		case <-a.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-a.done:
		default:
			a.fatal <- err
		}
	}
}

// Publish writes frame as one newline-terminated JSON line.
func (a *Adapter) Publish(_ context.Context, frame transport.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = a.w.Write(data)
	return err
}

func (a *Adapter) Inbound() <-chan transport.Frame { return a.inbound }

func (a *Adapter) Fatal() <-chan error { return a.fatal }

// Close stops the read loop and closes the Closer passed to New, if any.
// Safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		if a.closer != nil {
			err = a.closer.Close()
		}
	})
	return err
}
