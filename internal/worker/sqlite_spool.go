package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/vnmchuo/tenant-gateway/internal/apperr"
	"github.com/vnmchuo/tenant-gateway/internal/ledger"
)

const (
	replayBatch     = 100
	maxReplayDelay  = time.Hour
	maxSpoolAttempt = 50
)

// Spool is a SQLite-backed Queue. Records survive process restarts.
type Spool struct {
	db       *sql.DB
	sink     Sink
	interval time.Duration
	depth    prometheus.Gauge
	logger   *zap.Logger
	now      func() time.Time
}

var _ Queue = (*Spool)(nil)

// NewSpool opens or creates the spool at path. depth may be nil.
func NewSpool(path string, sink Sink, interval time.Duration, depth prometheus.Gauge, logger *zap.Logger) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS spool (
		request_id       TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		payload          TEXT NOT NULL,
		status           TEXT NOT NULL,
		attempts         INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		next_attempt_at  INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize spool schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_spool_due ON spool(status, next_attempt_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize spool schema: %w", err)
	}

	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Spool{db: db, sink: sink, interval: interval, depth: depth, logger: logger, now: time.Now}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

// Enqueue stores the record for later replay. Spooling the same request id
// again keeps the first copy.
func (s *Spool) Enqueue(ctx context.Context, rec *ledger.Record, cause error) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode spooled record: %w", err)
	}
	now := s.now().UnixNano()
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO spool (request_id, tenant_id, payload, status, attempts, last_error, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, rec.RequestID, rec.TenantID, string(payload), string(JobStatusPending), lastError, now, now)
	if err != nil {
		return fmt.Errorf("failed to spool record: %w", err)
	}
	s.reportDepth(ctx)
	return nil
}

// Process replays due records every interval until ctx is done.
func (s *Spool) Process(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("spool replay failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain replays every due record once and returns how many were written.
func (s *Spool) Drain(ctx context.Context) (int, error) {
	jobs, err := s.due(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		err := s.sink.Replay(ctx, job.Record)
		switch {
		case err == nil:
			if _, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE request_id = ?`, job.RequestID); err != nil {
				return written, fmt.Errorf("failed to remove replayed record: %w", err)
			}
			written++
		case permanent(err) || job.Attempts+1 >= maxSpoolAttempt:
			s.logger.Error("spooled usage record cannot be written; parking it",
				zap.String("request_id", job.RequestID), zap.String("tenant_id", job.TenantID), zap.Error(err))
			if err := s.mark(ctx, job, JobStatusFailed, err); err != nil {
				return written, err
			}
		default:
			if err := s.mark(ctx, job, JobStatusPending, err); err != nil {
				return written, err
			}
		}
	}
	s.reportDepth(ctx)
	return written, nil
}

// Depth counts records still waiting for replay.
func (s *Spool) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM spool WHERE status = ?`, string(JobStatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count spool: %w", err)
	}
	return n, nil
}

// Job returns a spooled record by request id.
func (s *Spool) Job(ctx context.Context, requestID string) (*SpoolJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, tenant_id, payload, status, attempts, last_error, created_at, next_attempt_at
		FROM spool WHERE request_id = ?
	`, requestID)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*SpoolJob, error) {
	var (
		job              SpoolJob
		payload, status  string
		created, nextDue int64
	)
	if err := row.Scan(&job.RequestID, &job.TenantID, &payload, &status, &job.Attempts, &job.LastError, &created, &nextDue); err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.NextAttemptAt = time.Unix(0, nextDue).UTC()
	job.Record = &ledger.Record{}
	if err := json.Unmarshal([]byte(payload), job.Record); err != nil {
		return nil, fmt.Errorf("failed to decode spooled record %s: %w", job.RequestID, err)
	}
	return &job, nil
}

func (s *Spool) due(ctx context.Context) ([]*SpoolJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, tenant_id, payload, status, attempts, last_error, created_at, next_attempt_at
		FROM spool
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at
		LIMIT ?
	`, string(JobStatusPending), s.now().UnixNano(), replayBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to query spool: %w", err)
	}
	defer rows.Close()

	var jobs []*SpoolJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating spool: %w", err)
	}
	return jobs, nil
}

func (s *Spool) mark(ctx context.Context, job *SpoolJob, status JobStatus, cause error) error {
	attempts := job.Attempts + 1
	next := s.now().Add(replayDelay(s.interval, attempts)).UnixNano()
	_, err := s.db.ExecContext(ctx, `
		UPDATE spool SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE request_id = ?
	`, string(status), attempts, cause.Error(), next, job.RequestID)
	if err != nil {
		return fmt.Errorf("failed to update spooled record: %w", err)
	}
	return nil
}

func (s *Spool) reportDepth(ctx context.Context) {
	if s.depth == nil {
		return
	}
	n, err := s.Depth(ctx)
	if err != nil {
		s.logger.Warn("failed to read spool depth", zap.Error(err))
		return
	}
	s.depth.Set(float64(n))
}

// replayDelay doubles per attempt up to maxReplayDelay.
func replayDelay(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts && d < maxReplayDelay; i++ {
		d *= 2
	}
	if d > maxReplayDelay {
		d = maxReplayDelay
	}
	return d
}

// permanent errors will not succeed on replay: the record is malformed or
// its tenant is gone.
func permanent(err error) bool {
	return apperr.Is(err, apperr.KindInvalidRequest) || apperr.Is(err, apperr.KindNotFound)
}
