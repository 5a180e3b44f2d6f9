package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// tokenBox is a CredentialSource whose token can be rotated mid-test.
type tokenBox struct {
	mu    sync.Mutex
	token string
}

func (b *tokenBox) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *tokenBox) set(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

type harness struct {
	m     *Manager
	dial  *fakeDialer
	clock *fakeClock
	creds *tokenBox
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()

	h := &harness{
		dial:  &fakeDialer{},
		clock: &fakeClock{},
		creds: &tokenBox{token: token},
	}

	cfg := DefaultConfig()
	cfg.Origin = "https://agro.example.com"

	m, err := NewManager(cfg, h.creds,
		WithDialer(h.dial.dial),
		WithClock(h.clock),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})

	h.m = m
	return h
}

// latest returns the most recently dialled client.
func (h *harness) latest() *fakeClient {
	return h.dial.client(h.dial.count() - 1)
}

// ready connects and completes the auth handshake.
func (h *harness) ready(t *testing.T) *fakeClient {
	t.Helper()
	before := h.dial.count()
	h.m.Connect()
	waitFor(t, "new dial", func() bool { return h.dial.count() > before })
	c := h.latest()
	waitFor(t, "authenticating", func() bool { return h.m.State() == StateAuthenticating })
	c.receive(`{"type":"auth","status":"success"}`)
	waitFor(t, "ready", h.m.IsConnected)
	return c
}

func TestManager_ConnectWithoutCredential(t *testing.T) {
	h := newHarness(t, "")

	h.m.Connect()

	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
	if h.dial.count() != 0 {
		t.Errorf("dialled %d clients, want 0", h.dial.count())
	}
	if h.clock.count() != 0 {
		t.Errorf("scheduled %d timers, want 0", h.clock.count())
	}
}

func TestManager_ConnectSendsAuthFrame(t *testing.T) {
	h := newHarness(t, "tok123")

	h.m.Connect()
	waitFor(t, "authenticating", func() bool { return h.m.State() == StateAuthenticating })

	c := h.latest()
	if c.cfg.URL != "wss://agro.example.com/ws" {
		t.Errorf("URL = %q, want %q", c.cfg.URL, "wss://agro.example.com/ws")
	}

	frames := c.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if frames[0] != `{"type":"auth","token":"tok123"}` {
		t.Errorf("auth frame = %s", frames[0])
	}
	if h.m.IsConnected() {
		t.Error("IsConnected should be false before auth result")
	}
}

func TestManager_EndToEnd(t *testing.T) {
	h := newHarness(t, "tok123")

	c := h.ready(t)

	if got := c.sentFrames(); len(got) != 1 || got[0] != `{"type":"auth","token":"tok123"}` {
		t.Fatalf("sent frames = %v", got)
	}

	c.receive(`{"type":"new_alert","alert":{"title":"X"}}`)
	waitFor(t, "alert", func() bool {
		last := h.m.LastMessage()
		return last != nil && last.Kind == KindNewAlert
	})

	var alert struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(h.m.LastMessage().Payload, &alert); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if alert.Title != "X" {
		t.Errorf("alert title = %q, want %q", alert.Title, "X")
	}

	c.drop(errors.New("connection reset"))
	waitFor(t, "reconnect scheduled", func() bool { return h.clock.count() == 1 })

	if h.m.IsConnected() {
		t.Error("IsConnected should be false after close")
	}
	if got := h.clock.delays()[0]; got != 2*time.Second {
		t.Errorf("reconnect delay = %v, want 2s", got)
	}
	if got := h.m.Attempt(); got != 1 {
		t.Errorf("Attempt = %d, want 1", got)
	}
}

func TestManager_BackoffGrowth(t *testing.T) {
	h := newHarness(t, "tok123")
	h.dial.setDialErr(errors.New("connection refused"))

	h.m.Connect()
	waitFor(t, "first timer", func() bool { return h.clock.count() == 1 })

	for i := 0; i < 4; i++ {
		h.clock.fire(i)
		want := i + 2
		waitFor(t, "next timer", func() bool { return h.clock.count() == want })
	}

	// The fifth reconnect fails too and must not schedule a sixth.
	h.clock.fire(4)
	waitFor(t, "exhausted", func() bool { return h.m.RetryStatus() == RetryExhausted })

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	got := h.clock.delays()
	if len(got) != len(want) {
		t.Fatalf("scheduled %d reconnects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i+1, got[i], want[i])
		}
	}

	if h.dial.count() != 6 {
		t.Errorf("dialled %d clients, want 6", h.dial.count())
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("State = %v, want %v", h.m.State(), StateDisconnected)
	}
	if h.m.Attempt() != 5 {
		t.Errorf("Attempt = %d, want 5", h.m.Attempt())
	}
}

func TestManager_AuthWriteFailureCountsOnce(t *testing.T) {
	h := newHarness(t, "tok123")
	// The read side fails while the auth write is still in progress.
	h.dial.setBroken(errors.New("connection reset"), 20*time.Millisecond)

	h.m.Connect()
	waitFor(t, "reconnect scheduled", func() bool { return h.clock.count() >= 1 })

	// Let the read error from the same connection reach the loop.
	time.Sleep(50 * time.Millisecond)

	if got := h.m.Attempt(); got != 1 {
		t.Errorf("Attempt = %d, want 1", got)
	}
	delays := h.clock.delays()
	if len(delays) != 1 || delays[0] != 2*time.Second {
		t.Errorf("delays = %v, want [2s]", delays)
	}
	if h.clock.stopped(0) {
		t.Error("first reconnect timer was replaced")
	}
	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
}

func TestManager_SendFailureThenReadErrorCountsOnce(t *testing.T) {
	h := newHarness(t, "tok123")
	c := h.ready(t)

	c.sendErr = errors.New("broken pipe")
	h.m.Send(map[string]string{"type": "ping"})
	if got := h.m.State(); got != StateReady {
		t.Errorf("State after failed send = %v, want %v", got, StateReady)
	}

	c.drop(errors.New("connection reset"))
	waitFor(t, "reconnect scheduled", func() bool { return h.clock.count() == 1 })
	time.Sleep(20 * time.Millisecond)

	if got := h.m.Attempt(); got != 1 {
		t.Errorf("Attempt = %d, want 1", got)
	}
	if got := h.clock.count(); got != 1 {
		t.Errorf("scheduled %d reconnects, want 1", got)
	}
}

func TestManager_AttemptResetsOnReady(t *testing.T) {
	h := newHarness(t, "tok123")
	h.dial.setDialErr(errors.New("connection refused"))

	h.m.Connect()
	waitFor(t, "first timer", func() bool { return h.clock.count() == 1 })
	h.clock.fire(0)
	waitFor(t, "second timer", func() bool { return h.clock.count() == 2 })

	if got := h.m.Attempt(); got != 2 {
		t.Fatalf("Attempt = %d, want 2", got)
	}

	h.dial.setDialErr(nil)
	h.clock.fire(1)
	waitFor(t, "authenticating", func() bool { return h.m.State() == StateAuthenticating })
	c := h.latest()
	c.receive(`{"type":"auth","status":"success"}`)
	waitFor(t, "ready", h.m.IsConnected)

	if got := h.m.Attempt(); got != 0 {
		t.Errorf("Attempt after ready = %d, want 0", got)
	}

	c.drop(errors.New("going away"))
	waitFor(t, "third timer", func() bool { return h.clock.count() == 3 })

	if got := h.clock.delays()[2]; got != 2*time.Second {
		t.Errorf("delay after reset = %v, want 2s", got)
	}
	if got := h.m.Attempt(); got != 1 {
		t.Errorf("Attempt = %d, want 1", got)
	}
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	h := newHarness(t, "tok123")
	h.dial.block = true

	h.m.Connect()
	h.m.Connect()

	if h.dial.count() != 1 {
		t.Fatalf("dialled %d clients, want 1", h.dial.count())
	}
	if h.m.State() != StateConnecting {
		t.Errorf("State = %v, want %v", h.m.State(), StateConnecting)
	}

	close(h.latest().release)
	waitFor(t, "authenticating", func() bool { return h.m.State() == StateAuthenticating })

	h.m.Connect()
	if h.dial.count() != 1 {
		t.Errorf("dialled %d clients after open, want 1", h.dial.count())
	}
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	h := newHarness(t, "tok123")
	c := h.ready(t)

	c.drop(errors.New("connection reset"))
	waitFor(t, "reconnect scheduled", func() bool { return h.clock.count() == 1 })

	h.m.Disconnect()

	if !h.clock.stopped(0) {
		t.Error("pending reconnect timer was not stopped")
	}

	// A callback that already started before Stop must still be ignored.
	h.clock.fire(0)
	h.m.Connect() // flush: processed after the stale retry event
	h.m.Disconnect()

	if got := h.dial.count(); got != 2 {
		// one for ready(), one for the explicit Connect above
		t.Errorf("dialled %d clients, want 2", got)
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("State = %v, want %v", h.m.State(), StateDisconnected)
	}
	if h.m.RetryStatus() != RetryClosed {
		t.Errorf("RetryStatus = %v, want %v", h.m.RetryStatus(), RetryClosed)
	}
	if h.m.Attempt() != DefaultConfig().MaxAttempts {
		t.Errorf("Attempt = %d, want %d", h.m.Attempt(), DefaultConfig().MaxAttempts)
	}
}

func TestManager_DisconnectClosesWithoutReconnect(t *testing.T) {
	h := newHarness(t, "tok123")
	c := h.ready(t)

	h.m.Disconnect()

	if !c.isClosed() {
		t.Error("client was not closed")
	}
	if h.m.IsConnected() {
		t.Error("IsConnected should be false after Disconnect")
	}

	// A late close event from the torn-down connection is ignored.
	c.errors <- errors.New("closed")
	h.m.Disconnect()

	if h.clock.count() != 0 {
		t.Errorf("scheduled %d timers, want 0", h.clock.count())
	}
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, "tok123")

	h.m.Disconnect()
	h.m.Disconnect()

	if h.m.State() != StateDisconnected {
		t.Errorf("State = %v, want %v", h.m.State(), StateDisconnected)
	}
	if h.m.RetryStatus() != RetryClosed {
		t.Errorf("RetryStatus = %v, want %v", h.m.RetryStatus(), RetryClosed)
	}
}

func TestManager_DisconnectWhileConnecting(t *testing.T) {
	h := newHarness(t, "tok123")
	h.dial.block = true

	h.m.Connect()
	c := h.latest()

	h.m.Disconnect()

	if !c.isClosed() {
		t.Error("in-flight client was not closed")
	}
	close(c.release)

	// Let the dial goroutine finish; nothing may be sent on the dead client.
	time.Sleep(20 * time.Millisecond)
	h.m.Disconnect()

	if len(c.sentFrames()) != 0 {
		t.Errorf("sent %d frames on a cancelled connection", len(c.sentFrames()))
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("State = %v, want %v", h.m.State(), StateDisconnected)
	}
}

func TestManager_SendGating(t *testing.T) {
	h := newHarness(t, "tok123")

	// Disconnected: nothing to send on, must not panic.
	h.m.Send(map[string]string{"type": "ping"})

	h.m.Connect()
	waitFor(t, "authenticating", func() bool { return h.m.State() == StateAuthenticating })
	c := h.latest()

	h.m.Send(map[string]string{"type": "ping"})
	if got := len(c.sentFrames()); got != 1 {
		t.Fatalf("sent %d frames before ready, want 1 (auth only)", got)
	}

	c.receive(`{"type":"auth","status":"success"}`)
	waitFor(t, "ready", h.m.IsConnected)

	h.m.Send(struct {
		Type    string `json:"type"`
		FieldID string `json:"fieldId"`
	}{"subscribe_field", "f-1"})

	frames := c.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	if frames[1] != `{"type":"subscribe_field","fieldId":"f-1"}` {
		t.Errorf("frame = %s", frames[1])
	}

	// Unencodable values are dropped.
	h.m.Send(make(chan int))
	if got := len(c.sentFrames()); got != 2 {
		t.Errorf("sent %d frames, want 2", got)
	}
}

func TestManager_MalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t, "tok123")
	c := h.ready(t)

	msgs, unsubscribe := h.m.Subscribe()
	defer unsubscribe()

	before := h.m.LastMessage()
	if before == nil || before.Kind != KindAuthResult {
		t.Fatalf("LastMessage = %+v, want auth result", before)
	}

	c.receive(`not json`)
	c.receive(`{"status":"success"}`)
	c.receive(`{"type":"bogus"}`)
	c.receive(`{"type":"monitoring_data","data":{"sensorType":"ph","value":6.5}}`)

	select {
	case msg := <-msgs:
		if msg.Kind != KindMonitoringData {
			t.Errorf("first delivered Kind = %v, want %v", msg.Kind, KindMonitoringData)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for monitoring data")
	}

	if h.m.State() != StateReady {
		t.Errorf("State = %v, want %v", h.m.State(), StateReady)
	}
	if h.m.Attempt() != 0 {
		t.Errorf("Attempt = %d, want 0", h.m.Attempt())
	}
	if h.clock.count() != 0 {
		t.Errorf("scheduled %d timers, want 0", h.clock.count())
	}
}

func TestManager_MalformedFrameKeepsLastMessage(t *testing.T) {
	h := newHarness(t, "tok123")
	c := h.ready(t)

	c.receive(`{"type":"new_alert","alert":{"title":"frost"}}`)
	waitFor(t, "alert", func() bool {
		last := h.m.LastMessage()
		return last != nil && last.Kind == KindNewAlert
	})

	c.receive(`{{{`)
	// Send is processed after the frame event has been handled.
	time.Sleep(20 * time.Millisecond)
	h.m.Send(map[string]string{"type": "noop"})

	last := h.m.LastMessage()
	if last == nil || last.Kind != KindNewAlert {
		t.Errorf("LastMessage = %+v, want new_alert", last)
	}
}

func TestManager_AuthRejectionKeepsChannelOpen(t *testing.T) {
	h := newHarness(t, "expired")

	h.m.Connect()
	waitFor(t, "authenticating", func() bool { return h.m.State() == StateAuthenticating })
	c := h.latest()

	c.receive(`{"type":"auth","status":"failure","message":"invalid token"}`)
	waitFor(t, "auth result", func() bool { return h.m.LastMessage() != nil })

	last := h.m.LastMessage()
	if last.Kind != KindAuthResult || last.Status != AuthStatusFailure {
		t.Errorf("LastMessage = %+v", last)
	}
	if last.Message != "invalid token" {
		t.Errorf("Message = %q, want %q", last.Message, "invalid token")
	}
	if h.m.IsConnected() {
		t.Error("IsConnected should be false after rejection")
	}
	if c.isClosed() {
		t.Error("client should stay open after rejection")
	}
	if h.clock.count() != 0 {
		t.Errorf("scheduled %d timers, want 0", h.clock.count())
	}
}

func TestManager_TokenReadOnEveryConnect(t *testing.T) {
	h := newHarness(t, "first")
	h.ready(t)

	h.m.Disconnect()
	h.creds.set("rotated")

	h.m.Connect()
	waitFor(t, "authenticating", func() bool { return h.m.State() == StateAuthenticating })

	frames := h.latest().sentFrames()
	if len(frames) != 1 || frames[0] != `{"type":"auth","token":"rotated"}` {
		t.Errorf("auth frame = %v", frames)
	}
	if h.m.RetryStatus() != RetryActive {
		t.Errorf("RetryStatus = %v, want %v", h.m.RetryStatus(), RetryActive)
	}
}

func TestManager_ListenersReceiveInOrder(t *testing.T) {
	h := newHarness(t, "tok123")
	c := h.ready(t)

	msgs, unsubscribe := h.m.Subscribe()

	c.receive(`{"type":"monitoring_data","data":{"seq":1}}`)
	c.receive(`{"type":"new_alert","alert":{"title":"a"}}`)
	c.receive(`{"type":"monitoring_data","data":{"seq":2}}`)

	want := []Kind{KindMonitoringData, KindNewAlert, KindMonitoringData}
	for i, k := range want {
		select {
		case msg := <-msgs:
			if msg.Kind != k {
				t.Errorf("message %d Kind = %v, want %v", i, msg.Kind, k)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-msgs; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestManager_StopClosesListeners(t *testing.T) {
	h := newHarness(t, "tok123")
	c := h.ready(t)
	msgs, _ := h.m.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if !c.isClosed() {
		t.Error("client was not closed on Stop")
	}
	if _, ok := <-msgs; ok {
		t.Error("listener channel should be closed")
	}

	// Calls after Stop return immediately.
	h.m.Connect()
	h.m.Send(map[string]string{"type": "x"})
	h.m.Disconnect()
}

func TestNewManager_Validation(t *testing.T) {
	creds := CredentialFunc(func() string { return "t" })

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing origin", func(c *Config) { c.Origin = "" }},
		{"bad scheme", func(c *Config) { c.Origin = "ftp://agro.example.com" }},
		{"negative attempts", func(c *Config) { c.MaxAttempts = -1 }},
		{"zero base delay", func(c *Config) { c.BaseDelay = 0 }},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Origin = "https://agro.example.com"
			tt.mutate(&cfg)
			if _, err := NewManager(cfg, creds); err == nil {
				t.Error("expected error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Origin = "http://localhost:5000"
	if _, err := NewManager(cfg, nil); err == nil {
		t.Error("expected error for nil credential source")
	}

	m, err := NewManager(cfg, creds)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if m.URL() != "ws://localhost:5000/ws" {
		t.Errorf("URL = %q, want %q", m.URL(), "ws://localhost:5000/ws")
	}
}
