package channel

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is an in-memory Client.
type fakeClient struct {
	cfg ClientConfig

	dialErr   error
	sendErr   error
	sendDelay time.Duration
	release   chan struct{} // if set, Connect blocks until closed

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	mu        sync.Mutex
	sent      [][]byte
	connected bool
	closed    bool
}

func newFakeClient(cfg ClientConfig) *fakeClient {
	return &fakeClient{
		cfg:      cfg,
		messages: make(chan TimestampedMessage, 16),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.dialErr != nil {
		return c.dialErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrAlreadyClosed
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.done)
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	if c.sendDelay > 0 {
		time.Sleep(c.sendDelay)
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                { return c.errors }
func (c *fakeClient) Done() <-chan struct{}               { return c.done }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// receive simulates an inbound frame.
func (c *fakeClient) receive(data string) {
	c.messages <- TimestampedMessage{Data: []byte(data), ReceivedAt: time.Now()}
}

// drop simulates an unexpected close from the server side.
func (c *fakeClient) drop(err error) {
	c.errors <- err
}

func (c *fakeClient) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, b := range c.sent {
		out[i] = string(b)
	}
	return out
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer records every client the manager creates.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient

	dialErr error
	block   bool

	// Clients dialled while broken is set start with a queued read error
	// and an auth write that fails after sendDelay.
	broken    error
	sendDelay time.Duration
}

func (d *fakeDialer) dial(cfg ClientConfig, _ *slog.Logger) Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeClient(cfg)
	c.dialErr = d.dialErr
	if d.block {
		c.release = make(chan struct{})
	}
	if d.broken != nil {
		c.errors <- d.broken
		c.sendErr = d.broken
		c.sendDelay = d.sendDelay
	}
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func (d *fakeDialer) setDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *fakeDialer) setBroken(err error, sendDelay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broken = err
	d.sendDelay = sendDelay
}

// fakeClock captures scheduled callbacks and fires them on demand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.delay
	}
	return out
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs timer i even if it was stopped, like a callback racing Stop.
func (c *fakeClock) fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()

	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()
	t.fn()
}

func (c *fakeClock) stopped(i int) bool {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
