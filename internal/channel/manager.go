package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Manager owns one authenticated connection and its reconnect policy.
type Manager struct {
	cfg    Config
	url    string
	creds  CredentialSource
	dial   DialFunc
	clock  Clock
	logger *slog.Logger

	events chan event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// Owned by the event loop.
	state      State
	attempt    int
	retry      RetryStatus
	gen        uint64
	client     Client
	connID     string
	token      string
	dialCancel context.CancelFunc
	timer      Timer
	timerSeq   uint64

	// Published for readers.
	mu        sync.RWMutex
	snap      Snapshot
	last      *InboundMessage
	listeners map[int]chan InboundMessage
	nextID    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithDialer replaces the WebSocket client factory.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// WithClock replaces the clock used for reconnect timers.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evSend
	evOpened
	evDialFailed
	evFrame
	evClosed
	evRetry
)

type event struct {
	kind   eventKind
	gen    uint64
	client Client
	msg    TimestampedMessage
	value  any
	err    error
	ack    chan struct{}
}

// NewManager creates a Manager. Call Start before using it.
func NewManager(cfg Config, creds CredentialSource, opts ...Option) (*Manager, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be >= 0, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseDelay <= 0 || cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("invalid backoff: base %v, max %v", cfg.BaseDelay, cfg.MaxDelay)
	}
	if creds == nil {
		return nil, fmt.Errorf("credential source is required")
	}

	endpoint, err := EndpointURL(cfg.Origin, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("derive endpoint: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		url:       endpoint,
		creds:     creds,
		dial:      NewClient,
		clock:     realClock{},
		logger:    slog.Default(),
		events:    make(chan event),
		done:      make(chan struct{}),
		listeners: make(map[int]chan InboundMessage),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("endpoint", endpoint)

	return m, nil
}

// URL returns the derived endpoint.
func (m *Manager) URL() string {
	return m.url
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(ctx)

		m.wg.Add(1)
		go m.loop()

		m.logger.Info("channel manager started",
			"max_attempts", m.cfg.MaxAttempts,
			"base_delay", m.cfg.BaseDelay,
			"max_delay", m.cfg.MaxDelay,
		)
	})
	return nil
}

// Stop disconnects and shuts the event loop down.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.Disconnect()
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			m.logger.Info("channel manager stopped")
		case <-ctx.Done():
			m.logger.Warn("shutdown timeout, forcing close")
			err = ctx.Err()
		}
	})
	return err
}

// Connect requests a connection. It returns once the request has been
// processed, without waiting for the dial. It is a no-op when a connection
// is already in progress or up, and when there is no credential.
func (m *Manager) Connect() {
	m.call(event{kind: evConnect})
}

// Disconnect tears the connection down and suppresses reconnection until
// the next Connect.
func (m *Manager) Disconnect() {
	m.call(event{kind: evDisconnect})
}

// Send writes v as JSON if the connection is ready; otherwise it is dropped.
func (m *Manager) Send(v any) {
	m.call(event{kind: evSend, value: v})
}

// IsConnected reports whether the connection is authenticated and ready.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State == StateReady
}

// LastMessage returns the most recent valid inbound message, or nil.
func (m *Manager) LastMessage() *InboundMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	msg := *m.last
	return &msg
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

// Attempt returns the consecutive reconnect count.
func (m *Manager) Attempt() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Attempt
}

// RetryStatus returns whether reconnects are active, exhausted or disabled.
func (m *Manager) RetryStatus() RetryStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.RetryStatus
}

// Snapshot returns all observables at once.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe registers a listener for inbound messages, delivered in arrival
// order. A listener that falls behind loses messages. The returned function
// unregisters and closes the channel.
func (m *Manager) Subscribe() (<-chan InboundMessage, func()) {
	size := m.cfg.ListenerBuffer
	if size < 1 {
		size = 1
	}
	ch := make(chan InboundMessage, size)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.listeners[id]; ok {
				delete(m.listeners, id)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// call posts a control event and waits until the loop has handled it.
func (m *Manager) call(ev event) {
	ev.ack = make(chan struct{})
	if !m.post(ev) {
		return
	}
	select {
	case <-ev.ack:
	case <-m.done:
	}
}

// post hands an event to the loop. It returns false once the loop is gone.
func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// loop processes events one at a time.
func (m *Manager) loop() {
	defer m.wg.Done()
	defer m.closeListeners()
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			m.disconnect()
			m.publish()
			return
		case ev := <-m.events:
			m.handle(ev)
			m.publish()
			if ev.ack != nil {
				close(ev.ack)
			}
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev.kind {
	case evConnect:
		m.connect()
	case evDisconnect:
		m.disconnect()
	case evSend:
		m.send(ev.value)
	case evOpened:
		m.handleOpened(ev)
	case evDialFailed:
		if ev.gen != m.gen {
			return
		}
		m.logger.Warn("connection failed", "conn_id", m.connID, "error", ev.err)
		m.handleClosed()
	case evFrame:
		if ev.gen != m.gen {
			return
		}
		m.handleFrame(ev.msg)
	case evClosed:
		if ev.gen != m.gen {
			return
		}
		m.logger.Warn("connection closed", "conn_id", m.connID, "state", m.state, "error", ev.err)
		m.handleClosed()
	case evRetry:
		if ev.gen != m.timerSeq || m.timer == nil {
			return
		}
		m.timer = nil
		m.logger.Info("attempting reconnection",
			"attempt", m.attempt,
			"max_attempts", m.cfg.MaxAttempts,
		)
		m.connect()
	}
}

// connect starts a dial unless one is in progress or no credential exists.
func (m *Manager) connect() {
	switch m.state {
	case StateConnecting, StateOpen, StateAuthenticating, StateReady:
		m.logger.Debug("connect ignored", "state", m.state)
		return
	}

	token := m.creds.Token()
	if token == "" {
		m.logger.Debug("connect skipped, no credential")
		return
	}

	m.stopTimer()
	m.gen++
	m.token = token
	m.connID = uuid.NewString()
	m.state = StateConnecting
	if m.retry != RetryActive {
		m.retry = RetryActive
	}

	client := m.dial(ClientConfig{
		URL:          m.url,
		Origin:       m.cfg.Origin,
		PingInterval: m.cfg.PingInterval,
		PingTimeout:  m.cfg.PingTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger.With("conn_id", m.connID))
	m.client = client

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.cfg.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}
	m.dialCancel = cancel

	m.logger.Debug("connecting", "conn_id", m.connID, "attempt", m.attempt)

	m.wg.Add(1)
	go m.runDial(ctx, cancel, m.gen, client)
}

// runDial performs the handshake off the loop and reports the outcome.
func (m *Manager) runDial(ctx context.Context, cancel context.CancelFunc, gen uint64, client Client) {
	defer m.wg.Done()
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		m.post(event{kind: evDialFailed, gen: gen, client: client, err: err})
		return
	}
	if !m.post(event{kind: evOpened, gen: gen, client: client}) {
		client.Close()
	}
}

func (m *Manager) handleOpened(ev event) {
	if ev.gen != m.gen || m.state != StateConnecting {
		// Superseded by a disconnect or a newer dial.
		ev.client.Close()
		return
	}
	m.dialCancel = nil
	m.state = StateOpen

	m.logger.Info("websocket connected", "conn_id", m.connID)

	m.wg.Add(1)
	go m.pump(m.gen, ev.client)

	if err := ev.client.Send(encodeAuth(m.token)); err != nil {
		m.logger.Warn("failed to send auth frame", "conn_id", m.connID, "error", err)
		m.handleClosed()
		return
	}
	m.state = StateAuthenticating
}

// pump forwards one client's frames and terminal error to the loop.
func (m *Manager) pump(gen uint64, client Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case <-client.Done():
			return
		case msg := <-client.Messages():
			if !m.post(event{kind: evFrame, gen: gen, msg: msg}) {
				return
			}
		case err := <-client.Errors():
			// Deliver what was read before the failure.
			for {
				select {
				case msg := <-client.Messages():
					if !m.post(event{kind: evFrame, gen: gen, msg: msg}) {
						return
					}
					continue
				default:
				}
				break
			}
			m.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
	}
}

func (m *Manager) handleFrame(raw TimestampedMessage) {
	msg, err := decodeFrame(raw.Data, raw.ReceivedAt)
	if err != nil {
		m.logger.Warn("dropping inbound frame",
			"conn_id", m.connID,
			"error", err,
			"size", len(raw.Data),
		)
		return
	}

	if msg.Kind == KindAuthResult {
		if msg.AuthSucceeded() {
			if m.state == StateOpen || m.state == StateAuthenticating {
				m.state = StateReady
				m.attempt = 0
				m.retry = RetryActive
				m.logger.Info("websocket authenticated", "conn_id", m.connID)
			}
		} else {
			m.logger.Warn("websocket authentication rejected",
				"conn_id", m.connID,
				"status", msg.Status,
				"message", msg.Message,
			)
		}
	}

	m.deliver(msg)
}

// handleClosed records an unexpected close and schedules a reconnect.
func (m *Manager) handleClosed() {
	m.releaseClient()
	// One close per connection: later frames and errors from it are stale.
	m.gen++
	m.state = StateDisconnected

	if m.retry == RetryClosed {
		return
	}

	if m.attempt >= m.cfg.MaxAttempts {
		m.retry = RetryExhausted
		m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempt)
		return
	}

	m.attempt++
	delay := ReconnectDelay(m.attempt, m.cfg.BaseDelay, m.cfg.MaxDelay)

	m.stopTimer()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() {
		m.post(event{kind: evRetry, gen: seq})
	})

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempt,
		"max_attempts", m.cfg.MaxAttempts,
		"delay", delay,
	)
}

// disconnect is the single cancellation point.
func (m *Manager) disconnect() {
	m.stopTimer()

	if m.client != nil {
		m.state = StateClosing
		m.publish()
		m.releaseClient()
		m.logger.Info("websocket disconnected", "conn_id", m.connID)
	}

	// Invalidate events still in flight from the old connection.
	m.gen++
	m.state = StateDisconnected
	m.attempt = m.cfg.MaxAttempts
	m.retry = RetryClosed
}

func (m *Manager) send(v any) {
	if m.state != StateReady {
		m.logger.Debug("send dropped, not ready", "state", m.state)
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("send dropped, encode failed", "error", err)
		return
	}

	if err := m.client.Send(data); err != nil {
		// The read side reports the broken connection.
		m.logger.Warn("send failed", "conn_id", m.connID, "error", err)
	}
}

func (m *Manager) releaseClient() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// deliver stores msg as the latest message and fans it out.
func (m *Manager) deliver(msg InboundMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := msg
	m.last = &stored

	for id, ch := range m.listeners {
		select {
		case ch <- msg:
		default:
			m.logger.Warn("listener buffer full, dropping message",
				"listener", id,
				"kind", msg.Kind,
			)
		}
	}
}

// publish copies loop-owned state for readers.
func (m *Manager) publish() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap = Snapshot{
		State:       m.state,
		Attempt:     m.attempt,
		RetryStatus: m.retry,
		ConnID:      m.connID,
	}
	if m.last != nil {
		m.snap.LastKind = m.last.Kind
	}
}

func (m *Manager) closeListeners() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, ch := range m.listeners {
		close(ch)
		delete(m.listeners, id)
	}
}
