package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the state of an offline queue entry
type QueueStatus string

// Offline queue entry states
const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusSyncing    QueueStatus = "syncing"
	QueueStatusSynced     QueueStatus = "synced"
	QueueStatusSyncFailed QueueStatus = "sync_failed"
)

// QueueMeta is the bookkeeping stored next to a buffered payload
type QueueMeta struct {
	QueuedAt    time.Time   `json:"queued_at"`
	UserID      string      `json:"user_id"`
	Attempts    int         `json:"attempts"`
	Status      QueueStatus `json:"status"`
	TemporaryID string      `json:"temporary_id"`
	LastError   string      `json:"last_error,omitempty"`
	LastTriedAt *time.Time  `json:"last_tried_at,omitempty"`
}

// OfflineQueueEntry is a capture buffered while its user was offline
type OfflineQueueEntry struct {
	Payload CapturePayload `json:"payload"`
	Meta    QueueMeta      `json:"_meta"`
}

// SyncOutcome is the result of one sync of a delivery
type SyncOutcome string

// Sync outcomes
const (
	SyncOutcomeSuccess       SyncOutcome = "success"
	SyncOutcomeAlreadySynced SyncOutcome = "already_synced"
	SyncOutcomeFailure       SyncOutcome = "failure"
	SyncOutcomeEscalated     SyncOutcome = "escalated"
)

// SyncAttempt is an in-memory monitoring record of one sync run
type SyncAttempt struct {
	DeliveryID uuid.UUID     `json:"delivery_id"`
	Outcome    SyncOutcome   `json:"outcome"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retry_count"`
	Source     string        `json:"source"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}
