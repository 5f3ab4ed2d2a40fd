// Package worker holds usage records whose ledger write failed and replays
// them in the background until they land.
package worker

import (
	"context"
	"time"

	"github.com/vnmchuo/tenant-gateway/internal/ledger"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusFailed  JobStatus = "failed"
)

// SpoolJob is one usage record waiting to be written.
type SpoolJob struct {
	RequestID     string
	TenantID      string
	Record        *ledger.Record
	Status        JobStatus
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	NextAttemptAt time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, rec *ledger.Record, cause error) error
	Process(ctx context.Context) error // starts the replay loop
}

// Sink writes a spooled record. It must be idempotent per request id.
type Sink interface {
	Replay(ctx context.Context, rec *ledger.Record) error
}
