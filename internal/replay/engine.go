// Package replay drains the durable outbound queue to the hub.
package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scanner-relay/internal/dispatch"
	"scanner-relay/internal/model"
	"scanner-relay/internal/store"
)

// Sender delivers one message. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, msg *model.OutboundMessage) dispatch.Result
}

// Options tunes the engine.
type Options struct {
	Interval        time.Duration
	BatchSize       int
	Lease           time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	DispatchTimeout time.Duration
	StuckThreshold  int
}

// Report summarises a flush.
type Report struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Total += o.Total
	r.Sent += o.Sent
	r.Failed += o.Failed
}

// Stats describes the engine and its queue.
type Stats struct {
	Running       bool          `json:"running"`
	Interval      time.Duration `json:"interval"`
	Pending       int64         `json:"pending"`
	Failed        int64         `json:"failed"`
	OldestAge     time.Duration `json:"oldestAge"`
	MaxRetryCount int           `json:"maxRetryCount"`
	LastCycleAt   *time.Time    `json:"lastCycleAt,omitempty"`
	TotalSent     int64         `json:"totalSent"`
	TotalFailed   int64         `json:"totalFailed"`
}

// Engine retries queued messages on a fixed interval and immediately when woken.
// Messages are claimed through store leases, so the loop, FlushAll and Deliver can run
// concurrently, in this or another process, without sending a message twice.
type Engine struct {
	store  store.Store
	sender Sender
	online func() bool
	opts   Options
	owner  string
	log    *zap.Logger
	now    func() time.Time

	wake    chan struct{}
	running atomic.Bool
	last    atomic.Pointer[time.Time]
	sent    atomic.Int64
	failed  atomic.Int64

	// OnStuck is called once when a message's retry count reaches StuckThreshold.
	OnStuck func(msg model.OutboundMessage)
	// OnDelivered is called after a message is removed from the queue.
	OnDelivered func(msg model.OutboundMessage)
	// OnFatal is called when the store cannot be read or written.
	OnFatal func(err error)
}

func New(st store.Store, sender Sender, online func() bool, opts Options, log *zap.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = opts.Interval
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 10 * time.Second
	}
	// A send must finish while its lease is still held.
	if opts.DispatchTimeout > opts.Lease/2 {
		opts.DispatchTimeout = opts.Lease / 2
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Engine{
		store:  st,
		sender: sender,
		online: online,
		opts:   opts,
		owner:  "replay-" + uuid.NewString(),
		log:    log,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Backoff is the wait after the retries-th failed attempt: base doubled per retry,
// capped at the configured maximum.
func (e *Engine) Backoff(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	d := e.opts.BaseBackoff
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= e.opts.MaxBackoff || d <= 0 {
			return e.opts.MaxBackoff
		}
	}
	if d > e.opts.MaxBackoff {
		return e.opts.MaxBackoff
	}
	return d
}

// Wake requests an immediate drain that ignores backoff. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Interval cycles are skipped while the connectivity
// monitor reports offline; a Wake always drains.
func (e *Engine) Run(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)
	e.log.Info("replay engine started", zap.Duration("interval", e.opts.Interval), zap.Int("batch_size", e.opts.BatchSize))

	timer := time.NewTimer(e.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("replay engine shutting down")
			return
		case <-e.wake:
			e.drain(ctx, true)
		case <-timer.C:
			if e.online() {
				e.drain(ctx, false)
			} else {
				e.log.Debug("offline, skipping replay cycle")
			}
			timer.Reset(e.opts.Interval)
		}
	}
}

// FlushAll drains the queue now, ignoring backoff, and reports what happened.
func (e *Engine) FlushAll(ctx context.Context) (Report, error) {
	return e.drain(ctx, true)
}

// drain runs cycles until the queue has no more claimable work. A device that failed
// once is excluded for the rest of the drain, so every cycle either removes a message
// or excludes a device.
func (e *Engine) drain(ctx context.Context, force bool) (Report, error) {
	var total Report
	skip := make(map[string]bool)
	for {
		rep, claimed, err := e.cycle(ctx, force, skip)
		total.add(rep)
		if err != nil {
			return total, err
		}
		if claimed < e.opts.BatchSize || ctx.Err() != nil {
			return total, nil
		}
	}
}

// cycle claims one batch and processes it in FIFO order. After a failure the rest of
// that device's messages are released unattempted so they cannot overtake it.
func (e *Engine) cycle(ctx context.Context, force bool, skip map[string]bool) (Report, int, error) {
	now := e.now()
	e.last.Store(&now)

	claimed, err := e.store.ClaimDueMessages(ctx, store.ClaimRequest{
		Owner:          e.owner,
		Limit:          e.opts.BatchSize,
		Lease:          e.opts.Lease,
		Now:            now,
		IgnoreBackoff:  force,
		Backoff:        e.Backoff,
		ExcludeDevices: skip,
	})
	if err != nil {
		return Report{}, 0, e.storageFailure("claim messages", err)
	}
	if len(claimed) == 0 {
		return Report{}, 0, nil
	}
	e.log.Debug("replay cycle", zap.Int("claimed", len(claimed)), zap.Bool("forced", force))

	var (
		rep       Report
		unreached []int64
		cycleErr  error
	)
	for i := range claimed {
		msg := &claimed[i]
		if ctx.Err() != nil || cycleErr != nil || skip[msg.DeviceID] {
			unreached = append(unreached, msg.MessageID)
			continue
		}

		rep.Total++
		ok, err := e.process(ctx, msg)
		if err != nil {
			cycleErr = err
			continue
		}
		if ok {
			rep.Sent++
		} else {
			rep.Failed++
			skip[msg.DeviceID] = true
		}
	}

	if len(unreached) > 0 {
		if err := e.store.ReleaseMessages(context.WithoutCancel(ctx), e.owner, unreached); err != nil && cycleErr == nil {
			cycleErr = e.storageFailure("release messages", err)
		}
	}
	return rep, len(claimed), cycleErr
}

// Deliver attempts one message right away if it is at the head of its device's queue
// and nobody else holds it. It reports false when the message stays queued.
func (e *Engine) Deliver(ctx context.Context, messageID int64) (bool, error) {
	msg, err := e.store.ClaimMessage(ctx, messageID, e.owner, e.opts.Lease)
	if err != nil {
		return false, e.storageFailure("claim message", err)
	}
	if msg == nil {
		return false, nil
	}
	return e.process(ctx, msg)
}

// process sends a claimed message and records the outcome. The send and the
// bookkeeping run to completion even if ctx is cancelled meanwhile, so a message the
// hub accepted is always removed.
func (e *Engine) process(ctx context.Context, msg *model.OutboundMessage) (bool, error) {
	bg := context.WithoutCancel(ctx)
	log := e.log.With(
		zap.Int64("message_id", msg.MessageID),
		zap.String("device_id", msg.DeviceID),
		zap.String("message_type", string(msg.MessageType)),
	)

	sendCtx, cancel := context.WithTimeout(bg, e.opts.DispatchTimeout)
	res := e.sender.Send(sendCtx, msg)
	cancel()

	if res.Success {
		if err := e.store.MarkSent(bg, msg.MessageID); err != nil {
			return false, e.storageFailure("mark sent", err)
		}
		e.sent.Add(1)
		if msg.MessageType == model.MessageTypeDeviceRegistration {
			if _, err := e.store.SetDeviceStatus(bg, msg.DeviceID,
				[]model.DeviceStatus{model.DeviceStatusPending}, model.DeviceStatusActive); err != nil {
				return true, e.storageFailure("activate device", err)
			}
		}
		log.Info("message delivered", zap.Int("retry_count", msg.RetryCount))
		if e.OnDelivered != nil {
			e.OnDelivered(*msg)
		}
		return true, nil
	}

	if err := e.store.MarkFailed(bg, msg.MessageID, string(res.Kind)+": "+res.Detail); err != nil {
		return false, e.storageFailure("mark failed", err)
	}
	e.failed.Add(1)

	retries := msg.RetryCount + 1
	log.Warn("delivery failed, message stays queued",
		zap.String("kind", string(res.Kind)),
		zap.String("detail", res.Detail),
		zap.Int("retry_count", retries),
		zap.Duration("next_backoff", e.Backoff(retries)),
	)
	if e.opts.StuckThreshold > 0 && retries == e.opts.StuckThreshold && e.OnStuck != nil {
		stuck := *msg
		stuck.RetryCount = retries
		e.OnStuck(stuck)
	}
	return false, nil
}

func (e *Engine) storageFailure(op string, err error) error {
	if errors.Is(err, model.ErrStorageCorruption) {
		e.log.Error("durable store failure", zap.String("op", op), zap.Error(err))
		if e.OnFatal != nil {
			e.OnFatal(err)
		}
	}
	return err
}

// Stats reports queue depth and engine counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	qs, err := e.store.QueueStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Running:       e.running.Load(),
		Interval:      e.opts.Interval,
		Pending:       qs.Pending,
		Failed:        qs.Failed,
		MaxRetryCount: qs.MaxRetryCount,
		LastCycleAt:   e.last.Load(),
		TotalSent:     e.sent.Load(),
		TotalFailed:   e.failed.Load(),
	}
	if qs.OldestCreatedAt != nil {
		s.OldestAge = e.now().Sub(*qs.OldestCreatedAt)
	}
	return s, nil
}
