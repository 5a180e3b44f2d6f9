package database

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agriscience/fieldwatch/internal/model"
)

// Schema creates the journal tables.
const Schema = `
CREATE TABLE IF NOT EXISTS alert_journal (
	id          UUID PRIMARY KEY,
	alert_id    TEXT,
	field_id    TEXT,
	severity    TEXT,
	title       TEXT NOT NULL,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS reading_journal (
	id          UUID PRIMARY KEY,
	field_id    TEXT,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alert_journal_received_at ON alert_journal (received_at);
CREATE INDEX IF NOT EXISTS reading_journal_field ON reading_journal (field_id, received_at);
`

// alertNamespace derives stable row IDs from backend alert IDs so a replayed
// alert conflicts instead of duplicating.
var alertNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8e-9a57-2f4d2b8c9e11")

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// JournalConfig holds batching settings.
type JournalConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// DefaultJournalConfig returns sensible defaults.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// JournalStats tracks journal activity.
type JournalStats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Pending   int
}

type alertRow struct {
	ID         uuid.UUID
	AlertID    string
	FieldID    string
	Severity   string
	Title      string
	Payload    []byte
	ReceivedAt time.Time
}

type readingRow struct {
	ID         uuid.UUID
	FieldID    string
	Payload    []byte
	ReceivedAt time.Time
}

// Journal appends realtime alerts and readings to Postgres in batches.
type Journal struct {
	cfg    JournalConfig
	db     DB
	logger *slog.Logger

	mu       sync.Mutex
	alerts   []alertRow
	readings []readingRow
	stats    JournalStats

	flushMu sync.Mutex // one flush at a time
	full    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJournal creates a Journal writing to db.
func NewJournal(cfg JournalConfig, db DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Journal{
		cfg:    cfg,
		db:     db,
		logger: logger,
		full:   make(chan struct{}, 1),
	}
}

// EnsureSchema creates the journal tables if they do not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	_, err := j.db.Exec(ctx, Schema)
	return err
}

// Start begins the periodic flush loop.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("alert journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop ends the flush loop and writes whatever is pending.
func (j *Journal) Stop(ctx context.Context) error {
	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("alert journal stop timed out")
	}

	j.Flush()
	j.logger.Info("alert journal stopped")
	return nil
}

// InsertAlert queues an alert for the next flush.
func (j *Journal) InsertAlert(alert model.Alert, payload json.RawMessage, receivedAt time.Time) {
	id := uuid.New()
	if alert.ID != "" {
		id = uuid.NewSHA1(alertNamespace, []byte(alert.ID))
	}

	j.enqueue(func() {
		j.alerts = append(j.alerts, alertRow{
			ID:         id,
			AlertID:    alert.ID,
			FieldID:    alert.FieldID,
			Severity:   string(alert.Severity),
			Title:      alert.Title,
			Payload:    normalizePayload(payload),
			ReceivedAt: receivedAt,
		})
	})
}

// InsertReading queues a monitoring payload for the next flush.
func (j *Journal) InsertReading(fieldID string, payload json.RawMessage, receivedAt time.Time) {
	j.enqueue(func() {
		j.readings = append(j.readings, readingRow{
			ID:         uuid.New(),
			FieldID:    fieldID,
			Payload:    normalizePayload(payload),
			ReceivedAt: receivedAt,
		})
	})
}

// Stats returns current metrics.
func (j *Journal) Stats() JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.stats
	s.Pending = len(j.alerts) + len(j.readings)
	return s
}

func (j *Journal) enqueue(add func()) {
	j.mu.Lock()
	add()
	full := len(j.alerts)+len(j.readings) >= j.cfg.BatchSize
	j.mu.Unlock()

	if full {
		// Wake the flush loop; callers never wait on the database.
		select {
		case j.full <- struct{}{}:
		default:
		}
	}
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.Flush()
		case <-j.full:
			j.Flush()
		}
	}
}

// Flush writes pending rows. Failed rows are dropped and counted.
func (j *Journal) Flush() {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	alerts, readings := j.alerts, j.readings
	j.alerts, j.readings = nil, nil
	j.mu.Unlock()

	total := len(alerts) + len(readings)
	if total == 0 {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.WriteTimeout)
	defer cancel()

	conflicts, err := j.batchInsert(ctx, alerts, readings)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.stats.Errors++
		j.logger.Error("journal insert failed", "error", err, "count", total)
		return
	}
	j.stats.Inserts += int64(total - conflicts)
	j.stats.Conflicts += int64(conflicts)
	j.stats.Flushes++

	j.logger.Debug("flushed journal",
		"alerts", len(alerts),
		"readings", len(readings),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert writes rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (j *Journal) batchInsert(ctx context.Context, alerts []alertRow, readings []readingRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range alerts {
		batch.Queue(`
			INSERT INTO alert_journal (id, alert_id, field_id, severity, title, payload, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, nullable(r.AlertID), nullable(r.FieldID), nullable(r.Severity), r.Title, r.Payload, r.ReceivedAt)
	}
	for _, r := range readings {
		batch.Queue(`
			INSERT INTO reading_journal (id, field_id, payload, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, nullable(r.FieldID), r.Payload, r.ReceivedAt)
	}

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizePayload(p json.RawMessage) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return []byte(p)
}
