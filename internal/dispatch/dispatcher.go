// Package dispatch delivers queued messages to the hub and the REST backend. It performs
// network I/O only; persisting the outcome is the caller's job.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"scanner-relay/internal/model"
)

// ErrorKind classifies a failed delivery.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindProvisioning ErrorKind = "provisioning"
	KindDelivery     ErrorKind = "delivery"
	KindInvalid      ErrorKind = "invalid_message"
)

// Result is the typed outcome of Send. Send never returns an error.
type Result struct {
	Success bool
	Kind    ErrorKind
	Detail  string
}

// Err converts a failed result into an error wrapping the matching sentinel.
func (r Result) Err() error {
	switch {
	case r.Success:
		return nil
	case r.Kind == KindProvisioning:
		return fmt.Errorf("%w: %s", model.ErrProvisioning, r.Detail)
	default:
		return fmt.Errorf("%w: %s", model.ErrDelivery, r.Detail)
	}
}

func failed(kind ErrorKind, format string, args ...any) Result {
	return Result{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Dispatcher sends one message at a time. The only state it keeps between calls is the
// credential cache.
type Dispatcher struct {
	creds   CredentialProvider
	hub     Publisher
	backend Notifier
	cache   *cache.Cache
	ttl     time.Duration
	log     *zap.Logger
}

// New creates a Dispatcher. backend may be nil when no REST backend is configured.
func New(creds CredentialProvider, hub Publisher, backend Notifier, credentialTTL time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		creds:   creds,
		hub:     hub,
		backend: backend,
		cache:   cache.New(credentialTTL, 2*credentialTTL),
		ttl:     credentialTTL,
		log:     log,
	}
}

// Send provisions a credential if needed and publishes msg to the hub. The REST backend
// is notified only after the hub accepted the message, and its failure does not change
// the result.
func (d *Dispatcher) Send(ctx context.Context, msg *model.OutboundMessage) Result {
	log := d.log.With(
		zap.Int64("message_id", msg.MessageID),
		zap.String("device_id", msg.DeviceID),
		zap.String("message_type", string(msg.MessageType)),
	)

	hm, payload, err := NewHubMessage(msg)
	if err != nil {
		return failed(KindInvalid, "%v", err)
	}
	body, err := hm.Encode()
	if err != nil {
		return failed(KindInvalid, "encode hub message: %v", err)
	}

	cred, err := d.credential(ctx, msg.DeviceID)
	if err != nil {
		log.Warn("credential provisioning failed", zap.Error(err))
		return failed(KindProvisioning, "%v", err)
	}

	if err := d.hub.Publish(ctx, cred, msg.CorrelationID, body); err != nil {
		// The credential may have been revoked; fetch a fresh one next time.
		d.Invalidate(msg.DeviceID)
		log.Warn("hub publish failed", zap.Error(err))
		return failed(KindDelivery, "%v", err)
	}

	if d.backend != nil {
		if err := d.backend.Notify(ctx, msg, payload); err != nil {
			log.Warn("backend notification failed", zap.Error(err))
		}
	}

	log.Debug("message delivered")
	return Result{Success: true}
}

// Invalidate drops the cached credential and any hub session for a device.
func (d *Dispatcher) Invalidate(deviceID string) {
	d.cache.Delete(deviceID)
	d.hub.Forget(deviceID)
}

// Close releases hub connections.
func (d *Dispatcher) Close() {
	d.hub.Close()
}

func (d *Dispatcher) credential(ctx context.Context, deviceID string) (Credential, error) {
	if c, ok := d.cache.Get(deviceID); ok {
		return c.(Credential), nil
	}
	cred, err := d.creds.Credential(ctx, deviceID)
	if err != nil {
		return Credential{}, err
	}
	if cred.Key == "" {
		return Credential{}, fmt.Errorf("empty credential for device %s", deviceID)
	}
	d.cache.Set(deviceID, cred, d.ttl)
	return cred, nil
}
