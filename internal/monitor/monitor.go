package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agriscience/fieldwatch/internal/api"
	"github.com/agriscience/fieldwatch/internal/cache"
	"github.com/agriscience/fieldwatch/internal/channel"
	"github.com/agriscience/fieldwatch/internal/model"
)

// Default notification text.
const (
	NewAlertTitle        = "New alert!"
	DefaultAlertSubtitle = "New monitoring alert"
	ResolvedTitle        = "Alert resolved"
	ResolvedDescription  = "The alert was marked as resolved"
)

// Query key prefixes touched by realtime events.
var (
	DataKey   = cache.Key{api.PathData}
	AlertsKey = cache.Key{api.PathAlerts}
)

// Source delivers channel messages.
type Source interface {
	Subscribe() (<-chan channel.InboundMessage, func())
}

// Invalidator marks cached queries stale.
type Invalidator interface {
	Invalidate(prefix cache.Key) int
}

// AlertActions updates alerts on the backend.
type AlertActions interface {
	MarkAlertRead(ctx context.Context, alertID string) error
	ResolveAlert(ctx context.Context, alertID string) error
}

// Journal records realtime payloads.
type Journal interface {
	InsertAlert(alert model.Alert, payload json.RawMessage, receivedAt time.Time)
	InsertReading(fieldID string, payload json.RawMessage, receivedAt time.Time)
}

// Stats contains runtime statistics.
type Stats struct {
	Received       int64
	MonitoringData int64
	NewAlerts      int64
	AuthAccepted   int64
	AuthRejected   int64
	Notifications  int64
	BadPayloads    int64
}

// Monitor consumes channel messages and keeps the query cache current.
type Monitor struct {
	source  Source
	queries Invalidator
	alerts  AlertActions
	logger  *slog.Logger

	notifier       Notifier
	journal        Journal
	onAuthRejected func(reason string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received, data, newAlerts, authOK, authRejected, notifications, badPayloads atomic.Int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithNotifier sets where alert notifications go.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) {
		m.notifier = n
	}
}

// WithJournal records alerts and readings.
func WithJournal(j Journal) Option {
	return func(m *Monitor) {
		m.journal = j
	}
}

// OnAuthRejected runs fn when the server rejects the channel token.
func OnAuthRejected(fn func(reason string)) Option {
	return func(m *Monitor) {
		m.onAuthRejected = fn
	}
}

// New creates a Monitor.
func New(source Source, queries Invalidator, alerts AlertActions, opts ...Option) *Monitor {
	m := &Monitor{
		source:  source,
		queries: queries,
		alerts:  alerts,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = LogNotifier{Logger: m.logger}
	}
	return m
}

// Start subscribes to the source and begins handling messages.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	msgs, unsubscribe := m.source.Subscribe()

	m.wg.Add(1)
	go m.consumeLoop(msgs, unsubscribe)

	m.logger.Info("monitor started")
	return nil
}

// Stop ends message handling.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("monitor stop timed out")
		return ctx.Err()
	}
}

// Stats returns current counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Received:       m.received.Load(),
		MonitoringData: m.data.Load(),
		NewAlerts:      m.newAlerts.Load(),
		AuthAccepted:   m.authOK.Load(),
		AuthRejected:   m.authRejected.Load(),
		Notifications:  m.notifications.Load(),
		BadPayloads:    m.badPayloads.Load(),
	}
}

// MarkAlertRead marks an alert read and refreshes alert queries.
func (m *Monitor) MarkAlertRead(ctx context.Context, alertID string) error {
	if err := m.alerts.MarkAlertRead(ctx, alertID); err != nil {
		return err
	}
	m.queries.Invalidate(AlertsKey)
	return nil
}

// ResolveAlert resolves an alert, refreshes alert queries and notifies.
func (m *Monitor) ResolveAlert(ctx context.Context, alertID string) error {
	if err := m.alerts.ResolveAlert(ctx, alertID); err != nil {
		return err
	}
	m.queries.Invalidate(AlertsKey)
	m.notify(Notification{Title: ResolvedTitle, Description: ResolvedDescription})
	return nil
}

func (m *Monitor) consumeLoop(msgs <-chan channel.InboundMessage, unsubscribe func()) {
	defer m.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			m.Handle(msg)
		}
	}
}

// Handle reacts to a single message.
func (m *Monitor) Handle(msg channel.InboundMessage) {
	m.received.Add(1)

	switch msg.Kind {
	case channel.KindMonitoringData:
		m.handleMonitoringData(msg)
	case channel.KindNewAlert:
		m.handleNewAlert(msg)
	case channel.KindAuthResult:
		m.handleAuthResult(msg)
	default:
		m.logger.Debug("ignoring message", "kind", msg.Kind)
	}
}

func (m *Monitor) handleMonitoringData(msg channel.InboundMessage) {
	m.data.Add(1)
	m.queries.Invalidate(DataKey)

	if m.journal == nil {
		return
	}
	var ref struct {
		FieldID string `json:"fieldId"`
	}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &ref); err != nil {
			m.badPayloads.Add(1)
			m.logger.Debug("monitoring payload is not an object", "error", err)
		}
	}
	m.journal.InsertReading(ref.FieldID, msg.Payload, msg.ReceivedAt)
}

func (m *Monitor) handleNewAlert(msg channel.InboundMessage) {
	m.newAlerts.Add(1)
	m.queries.Invalidate(AlertsKey)

	var alert model.Alert
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &alert); err != nil {
			m.badPayloads.Add(1)
			m.logger.Warn("alert payload could not be parsed", "error", err)
			alert = model.Alert{}
		}
	}

	description := alert.Title
	if description == "" {
		description = DefaultAlertSubtitle
	}
	m.notify(Notification{Title: NewAlertTitle, Description: description, Urgent: true})

	if m.journal != nil {
		m.journal.InsertAlert(alert, msg.Payload, msg.ReceivedAt)
	}
}

func (m *Monitor) handleAuthResult(msg channel.InboundMessage) {
	if msg.AuthSucceeded() {
		m.authOK.Add(1)
		m.logger.Debug("channel authenticated")
		return
	}

	m.authRejected.Add(1)
	m.logger.Warn("channel authentication rejected",
		"status", msg.Status,
		"message", msg.Message,
	)
	if m.onAuthRejected != nil {
		m.onAuthRejected(msg.Message)
	}
}

func (m *Monitor) notify(n Notification) {
	m.notifications.Add(1)
	m.notifier.Notify(n)
}
