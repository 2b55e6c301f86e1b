package domain

import (
	"fmt"
	"time"
)

// SyncOperation is the DNS mutation a task asks for.
type SyncOperation string

const (
	OpCreate SyncOperation = "create"
	OpUpdate SyncOperation = "update"
	OpDelete SyncOperation = "delete"
)

// SyncTask is a unit of reconciliation work for one host.
//
// Tasks are stored on the Host row so the queue can be re-derived after a restart.
// A newer task for the same host supersedes an older one; Generation tells
// the worker whether the task it executed is still the current one.
type SyncTask struct {
	Hostname      string        `json:"hostname"`
	Operation     SyncOperation `json:"operation"`
	AttemptCount  int           `json:"attempt_count"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	LastError     string        `json:"last_error,omitempty"`
	Generation    int64         `json:"generation"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewSyncTask builds a task due immediately.
func NewSyncTask(hostname string, op SyncOperation, generation int64, now time.Time) *SyncTask {
	return &SyncTask{
		Hostname:      hostname,
		Operation:     op,
		NextAttemptAt: now,
		Generation:    generation,
		CreatedAt:     now,
	}
}

func (t *SyncTask) String() string {
	return fmt.Sprintf("%s/%s#%d(attempt=%d)", t.Hostname, t.Operation, t.Generation, t.AttemptCount)
}

// ResultKind is the outcome category of one sync attempt.
type ResultKind int

const (
	ResultSynced ResultKind = iota
	ResultRetry
	ResultFailed
	ResultDeleted
)

// SyncResult is what the worker reports back to the registry after an attempt.
type SyncResult struct {
	Kind       ResultKind
	At         time.Time
	RecordType string    // confirmed record type, set on ResultSynced
	NextAt     time.Time // set on ResultRetry
	Err        error
}
