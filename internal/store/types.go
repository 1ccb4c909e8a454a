package store

import (
	"time"

	"scanner-relay/internal/model"
)

// RegisterResult reports the outcome of RegisterDevice.
type RegisterResult struct {
	Device    model.Device
	Created   bool
	MessageID int64 // zero when no message was enqueued
}

// ScanResult reports the outcome of RecordScan.
type ScanResult struct {
	Device           model.Device
	PreviousQuantity int64
	NewQuantity      int64
	MessageID        int64
}

// MessageBuilder produces the QuantityUpdate message for a scan once the store knows
// the quantities.
type MessageBuilder func(previous, next int64) (*model.OutboundMessage, error)

// BackoffFunc returns how long a message that failed retries times must wait.
type BackoffFunc func(retries int) time.Duration

// ClaimRequest selects due messages and leases them to Owner.
type ClaimRequest struct {
	Owner string
	Limit int
	Lease time.Duration
	Now   time.Time
	// IgnoreBackoff treats every queued message as due, used on reconnect and flush.
	IgnoreBackoff bool
	Backoff       BackoffFunc
	// ExcludeDevices are skipped entirely.
	ExcludeDevices map[string]bool
}

func (r ClaimRequest) due(m *model.OutboundMessage) bool {
	if r.IgnoreBackoff || m.RetryCount == 0 || m.LastAttemptAt == nil || r.Backoff == nil {
		return true
	}
	return !m.LastAttemptAt.Add(r.Backoff(m.RetryCount)).After(r.Now)
}

// QueueStats summarises the outbound queue.
type QueueStats struct {
	Pending         int64      `json:"pending"`
	Failed          int64      `json:"failed"`
	OldestCreatedAt *time.Time `json:"oldestCreatedAt,omitempty"`
	MaxRetryCount   int        `json:"maxRetryCount"`
}
