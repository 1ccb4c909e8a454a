// Package alert pushes operator alerts to subscribed browsers.
package alert

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"scanner-relay/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool fans alerts out to push subscriptions on a fixed number of workers.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
}

// NewWorkerPool creates a new worker pool. Push delivery is skipped when webpushOptions
// carries no VAPID private key; alerts are still logged.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, log *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size*8),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("alert worker started", zap.Int("worker", id))
	for {
		select {
		case a := <-wp.jobs:
			wp.sendAlert(ctx, a)
		case <-ctx.Done():
			wp.log.Debug("alert worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues an alert. It never blocks: when the queue is full the alert is only
// logged. Callers include the replay loop and the connectivity sampler.
func (wp *WorkerPool) Dispatch(a Alert) bool {
	wp.log.Warn("operator alert", zap.String("kind", string(a.Kind)), zap.String("body", a.Body),
		zap.String("device_id", a.DeviceID))
	if !wp.enabled() {
		return false
	}
	select {
	case wp.jobs <- a:
		return true
	default:
		wp.log.Warn("alert queue full, dropping push", zap.String("kind", string(a.Kind)))
		return false
	}
}

func (wp *WorkerPool) enabled() bool {
	return wp.webpush != nil && wp.webpush.VAPIDPrivateKey != "" && wp.db != nil
}

func (wp *WorkerPool) sendAlert(ctx context.Context, a Alert) {
	var subscriptions []model.PushSubscription
	if err := wp.db.WithContext(ctx).Find(&subscriptions).Error; err != nil {
		wp.log.Error("failed to load push subscriptions", zap.Error(err))
		return
	}

	payload, err := json.Marshal(a)
	if err != nil {
		wp.log.Error("failed to encode alert", zap.Error(err))
		return
	}

	sent := 0
	for _, sub := range subscriptions {
		if !sub.Wants(string(a.Kind)) {
			continue
		}
		wp.sendNotification(ctx, sub, payload)
		sent++
	}
	wp.log.Debug("alert pushed", zap.String("kind", string(a.Kind)), zap.Int("subscriptions", sent))
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Warn("push failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		wp.log.Info("push subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
