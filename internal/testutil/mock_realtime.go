package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/developingchet/cascade-guard/internal/realtime"
)

// FakeConn is an in-memory realtime.Conn. Push delivers frames to the
// client; Drop simulates the server closing the connection.
type FakeConn struct {
	inbound chan realtime.Envelope
	dropped chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []realtime.Envelope
}

// NewFakeConn returns an open connection.
func NewFakeConn() *FakeConn {
	return &FakeConn{inbound: make(chan realtime.Envelope, 64), dropped: make(chan struct{})}
}

// Push queues an inbound frame of type typ carrying payload.
func (f *FakeConn) Push(typ string, payload any) error {
	env, err := realtime.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	select {
	case f.inbound <- env:
		return nil
	case <-f.dropped:
		return io.ErrClosedPipe
	}
}

// Drop closes the connection from the server side.
func (f *FakeConn) Drop() { f.Close() }

// Written returns every frame the client wrote, in order.
func (f *FakeConn) Written() []realtime.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Envelope(nil), f.writes...)
}

// WrittenTypes returns the type of every written frame.
func (f *FakeConn) WrittenTypes() []string {
	var out []string
	for _, env := range f.Written() {
		out = append(out, env.Type)
	}
	return out
}

func (f *FakeConn) Read(ctx context.Context) (realtime.Envelope, error) {
	select {
	case env := <-f.inbound:
		return env, nil
	case <-f.dropped:
		return realtime.Envelope{}, io.EOF
	case <-ctx.Done():
		return realtime.Envelope{}, ctx.Err()
	}
}

func (f *FakeConn) Write(_ context.Context, env realtime.Envelope) error {
	select {
	case <-f.dropped:
		return io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, env)
	return nil
}

func (f *FakeConn) Close() error {
	f.once.Do(func() { close(f.dropped) })
	return nil
}

// FakeDialer hands out FakeConns and can be told to fail.
type FakeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials int
	conns []*FakeConn
}

// SetFail makes subsequent dials fail (true) or succeed (false).
func (d *FakeDialer) SetFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

// Dials returns the number of dial attempts.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent connection, or nil before the first dial.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *FakeDialer) Dial(context.Context) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := NewFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}
