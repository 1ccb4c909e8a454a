// Package registration classifies incoming barcodes as device registrations or quantity
// scans and records them durably before any delivery is attempted.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scanner-relay/internal/model"
	"scanner-relay/internal/parse"
	"scanner-relay/internal/store"
)

// Deliverer attempts immediate delivery of a queued message. *replay.Engine implements it.
type Deliverer interface {
	Deliver(ctx context.Context, messageID int64) (bool, error)
}

// Options configures the machine.
type Options struct {
	Rules        parse.Rules
	Method       string
	AllowRefresh bool
}

// Input is one event from a scanner.
type Input struct {
	Barcode  string
	DeviceID string
	// Refresh asks for a registration heartbeat when the device is already registered.
	Refresh bool
}

type OutcomeKind string

const (
	Registered        OutcomeKind = "registered"
	AlreadyRegistered OutcomeKind = "already_registered"
	Refreshed         OutcomeKind = "refreshed"
	Scanned           OutcomeKind = "scanned"
)

// Outcome reports what the machine did. Delivered is false when the message was queued
// for replay.
type Outcome struct {
	Kind             OutcomeKind  `json:"result"`
	Device           model.Device `json:"device"`
	MessageID        int64        `json:"messageId,omitempty"`
	Delivered        bool         `json:"delivered"`
	PreviousQuantity *int64       `json:"previousQuantity,omitempty"`
	NewQuantity      *int64       `json:"newQuantity,omitempty"`
}

type Machine struct {
	store     store.Store
	deliverer Deliverer
	opts      Options
	log       *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewMachine(st store.Store, deliverer Deliverer, opts Options, log *zap.Logger) *Machine {
	if opts.Method == "" {
		opts.Method = "barcode_scan"
	}
	return &Machine{
		store:     st,
		deliverer: deliverer,
		opts:      opts,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Handle routes one scanner event:
//   - no device id: the barcode is a registration token
//   - device id and its own registration barcode: idempotent re-registration
//   - device id and another barcode: a quantity scan, which requires the device to exist
//   - unknown device id with a registration barcode: registration under that id
func (m *Machine) Handle(ctx context.Context, in Input) (Outcome, error) {
	barcode, err := m.opts.Rules.Barcode(in.Barcode)
	if err != nil {
		return Outcome{}, err
	}

	deviceID := strings.TrimSpace(in.DeviceID)
	if deviceID == "" {
		return m.Register(ctx, barcode, in.Refresh)
	}

	dev, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case dev != nil && dev.RegistrationBarcode == barcode:
		return m.alreadyRegistered(ctx, *dev, in.Refresh)
	case dev != nil:
		return m.Scan(ctx, deviceID, barcode)
	case m.opts.Rules.IsRegistration(barcode):
		return m.registerAs(ctx, deviceID, barcode, in.Refresh)
	default:
		return Outcome{}, fmt.Errorf("%w: device %q; scan its registration barcode first", model.ErrNotRegistered, deviceID)
	}
}

// Register treats barcode as a registration token. The device id comes from an
// existing device with that barcode or is derived from the barcode. This path never
// changes a quantity.
func (m *Machine) Register(ctx context.Context, barcode string, refresh bool) (Outcome, error) {
	barcode, err := m.opts.Rules.Barcode(barcode)
	if err != nil {
		return Outcome{}, err
	}

	existing, err := m.store.FindDeviceByBarcode(ctx, barcode)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		return m.alreadyRegistered(ctx, *existing, refresh)
	}

	deviceID, err := m.opts.Rules.DeviceID(barcode)
	if err != nil {
		return Outcome{}, err
	}
	return m.registerAs(ctx, deviceID, barcode, refresh)
}

// RegisterAs registers barcode under an explicit device id, prefix or not. An empty id
// falls back to Register.
func (m *Machine) RegisterAs(ctx context.Context, deviceID, barcode string, refresh bool) (Outcome, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return m.Register(ctx, barcode, refresh)
	}
	barcode, err := m.opts.Rules.Barcode(barcode)
	if err != nil {
		return Outcome{}, err
	}
	return m.registerAs(ctx, deviceID, barcode, refresh)
}

func (m *Machine) registerAs(ctx context.Context, deviceID, barcode string, refresh bool) (Outcome, error) {
	now := m.now().UTC()
	msg, err := m.registrationMessage(deviceID, barcode, now)
	if err != nil {
		return Outcome{}, err
	}

	res, err := m.store.RegisterDevice(ctx, model.Device{
		DeviceID:            deviceID,
		RegistrationBarcode: barcode,
		RegisteredAt:        now,
		Status:              model.DeviceStatusPending,
	}, msg)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Created {
		return m.alreadyRegistered(ctx, res.Device, refresh)
	}

	m.log.Info("device registered", zap.String("device_id", deviceID), zap.Int64("message_id", res.MessageID))
	out := Outcome{Kind: Registered, Device: res.Device, MessageID: res.MessageID}
	return m.deliver(ctx, out)
}

// alreadyRegistered is a successful no-op unless a refresh was requested and allowed.
func (m *Machine) alreadyRegistered(ctx context.Context, dev model.Device, refresh bool) (Outcome, error) {
	out := Outcome{Kind: AlreadyRegistered, Device: dev}
	if !refresh {
		return out, nil
	}
	if !m.opts.AllowRefresh {
		m.log.Debug("registration refresh disabled", zap.String("device_id", dev.DeviceID))
		return out, nil
	}

	msg, err := m.registrationMessage(dev.DeviceID, dev.RegistrationBarcode, m.now().UTC())
	if err != nil {
		return Outcome{}, err
	}
	msg.PayloadJSON, err = withRefreshMarker(msg)
	if err != nil {
		return Outcome{}, err
	}

	// An undelivered registration for this device absorbs the refresh.
	id, created, err := m.store.EnqueueMessage(ctx, msg)
	if err != nil {
		return Outcome{}, err
	}
	m.log.Info("registration refresh queued", zap.String("device_id", dev.DeviceID),
		zap.Int64("message_id", id), zap.Bool("collapsed", !created))

	out.Kind = Refreshed
	out.MessageID = id
	return m.deliver(ctx, out)
}

// Scan records one quantity event for a registered device.
func (m *Machine) Scan(ctx context.Context, deviceID, barcode string) (Outcome, error) {
	barcode, err := m.opts.Rules.Barcode(barcode)
	if err != nil {
		return Outcome{}, err
	}
	at := m.now().UTC()

	res, err := m.store.RecordScan(ctx, deviceID, func(prev, next int64) (*model.OutboundMessage, error) {
		return model.NewOutboundMessage(deviceID, model.MessageTypeQuantityUpdate, model.Payload{
			Barcode:          barcode,
			PreviousQuantity: model.Int64(prev),
			NewQuantity:      model.Int64(next),
		}, at, m.newID())
	})
	if err != nil {
		if errors.Is(err, model.ErrNotRegistered) {
			return Outcome{}, fmt.Errorf("%w; scan its registration barcode first", err)
		}
		return Outcome{}, err
	}

	m.log.Info("scan recorded",
		zap.String("device_id", deviceID),
		zap.Int64("previous_quantity", res.PreviousQuantity),
		zap.Int64("new_quantity", res.NewQuantity),
		zap.Int64("message_id", res.MessageID),
	)
	out := Outcome{
		Kind:             Scanned,
		Device:           res.Device,
		MessageID:        res.MessageID,
		PreviousQuantity: model.Int64(res.PreviousQuantity),
		NewQuantity:      model.Int64(res.NewQuantity),
	}
	return m.deliver(ctx, out)
}

// deliver tries to send the message now. It runs after the store transaction has
// committed; failure leaves the message queued for the replay engine.
func (m *Machine) deliver(ctx context.Context, out Outcome) (Outcome, error) {
	if m.deliverer == nil || out.MessageID == 0 {
		return out, nil
	}
	ok, err := m.deliverer.Deliver(ctx, out.MessageID)
	if err != nil {
		if errors.Is(err, model.ErrStorageCorruption) {
			return out, err
		}
		m.log.Warn("immediate delivery failed, message queued", zap.Int64("message_id", out.MessageID), zap.Error(err))
		return out, nil
	}
	out.Delivered = ok
	if ok && out.Device.Status == model.DeviceStatusPending &&
		(out.Kind == Registered || out.Kind == Refreshed) {
		out.Device.Status = model.DeviceStatusActive
	}
	return out, nil
}

func (m *Machine) registrationMessage(deviceID, barcode string, at time.Time) (*model.OutboundMessage, error) {
	return model.NewOutboundMessage(deviceID, model.MessageTypeDeviceRegistration, model.Payload{
		Barcode:            barcode,
		RegistrationMethod: m.opts.Method,
	}, at, m.newID())
}

func withRefreshMarker(msg *model.OutboundMessage) (string, error) {
	p, err := msg.Payload()
	if err != nil {
		return "", err
	}
	p.Metadata = map[string]string{"refresh": "true"}
	updated, err := model.NewOutboundMessage(msg.DeviceID, msg.MessageType, p, msg.CreatedAt, msg.CorrelationID)
	if err != nil {
		return "", err
	}
	return updated.PayloadJSON, nil
}
