package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"scanner-relay/internal/model"
)

// Store is the single persistence boundary for devices and the outbound queue.
type Store interface {
	GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
	FindDeviceByBarcode(ctx context.Context, barcode string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	UpsertDevice(ctx context.Context, device model.Device) (bool, error)
	IncrementQuantity(ctx context.Context, deviceID string, delta int64) (int64, error)
	SetDeviceStatus(ctx context.Context, deviceID string, from []model.DeviceStatus, to model.DeviceStatus) (bool, error)
	RegisterDevice(ctx context.Context, device model.Device, msg *model.OutboundMessage) (RegisterResult, error)
	RecordScan(ctx context.Context, deviceID string, build MessageBuilder) (ScanResult, error)

	EnqueueMessage(ctx context.Context, msg *model.OutboundMessage) (int64, bool, error)
	ListPendingMessages(ctx context.Context, limit int) ([]model.OutboundMessage, error)
	CountPendingMessages(ctx context.Context, deviceID string) (int64, error)
	QueueStats(ctx context.Context) (QueueStats, error)
	ClaimDueMessages(ctx context.Context, req ClaimRequest) ([]model.OutboundMessage, error)
	ClaimMessage(ctx context.Context, messageID int64, owner string, lease time.Duration) (*model.OutboundMessage, error)
	ReleaseMessages(ctx context.Context, owner string, messageIDs []int64) error
	MarkSent(ctx context.Context, messageID int64) error
	MarkFailed(ctx context.Context, messageID int64, reason string) error

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM. Every read-modify-write runs
// under mu inside a database transaction; plain reads go straight to the pool.
type gormStore struct {
	db  *gorm.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, now: time.Now}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// write serialises a transactional read-modify-write.
func (s *gormStore) write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(fn)
	return storageErr(op, err)
}

// storageErr maps driver failures onto ErrStorageCorruption. Domain errors and context
// cancellation pass through untouched.
func storageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, model.ErrNotRegistered),
		errors.Is(err, model.ErrDeviceDisabled),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrRegisteredAtImmutable),
		errors.Is(err, model.ErrStorageCorruption):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", model.ErrStorageCorruption, op, err)
	}
}

// --- Devices ---

func (s *gormStore) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	dev, err := findDevice(s.db.WithContext(ctx), "device_id = ?", deviceID)
	return dev, storageErr("get device", err)
}

func (s *gormStore) FindDeviceByBarcode(ctx context.Context, barcode string) (*model.Device, error) {
	dev, err := findDevice(s.db.WithContext(ctx), "registration_barcode = ?", barcode)
	return dev, storageErr("find device by barcode", err)
}

func (s *gormStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	err := s.db.WithContext(ctx).Order("registered_at ASC").Find(&devices).Error
	return devices, storageErr("list devices", err)
}

// UpsertDevice creates the device or leaves an existing record untouched. An attempt
// to move registered_at of an existing record is rejected.
func (s *gormStore) UpsertDevice(ctx context.Context, device model.Device) (bool, error) {
	var created bool
	err := s.write(ctx, "upsert device", func(tx *gorm.DB) error {
		var err error
		_, created, err = createDeviceIfAbsent(tx, device, s.now())
		return err
	})
	return created, err
}

func (s *gormStore) IncrementQuantity(ctx context.Context, deviceID string, delta int64) (int64, error) {
	if delta < 1 {
		return 0, model.ErrInvalidQuantity
	}
	var next int64
	err := s.write(ctx, "increment quantity", func(tx *gorm.DB) error {
		dev, err := findDevice(tx, "device_id = ?", deviceID)
		if err != nil {
			return err
		}
		if dev == nil {
			return fmt.Errorf("%w: %s", model.ErrNotRegistered, deviceID)
		}
		next, err = bumpQuantity(tx, dev, delta, s.now())
		return err
	})
	return next, err
}

// SetDeviceStatus moves the device to status to when its current status is one of from
// (any status when from is empty). It reports whether a row changed.
func (s *gormStore) SetDeviceStatus(ctx context.Context, deviceID string, from []model.DeviceStatus, to model.DeviceStatus) (bool, error) {
	var changed bool
	err := s.write(ctx, "set device status", func(tx *gorm.DB) error {
		q := tx.Model(&model.Device{}).Where("device_id = ?", deviceID)
		if len(from) > 0 {
			q = q.Where("status IN ?", from)
		}
		res := q.Updates(map[string]any{"status": to, "updated_at": s.now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0
		return nil
	})
	return changed, err
}

// RegisterDevice creates the device and enqueues its registration message atomically.
// For an existing device nothing is written and Created is false.
func (s *gormStore) RegisterDevice(ctx context.Context, device model.Device, msg *model.OutboundMessage) (RegisterResult, error) {
	var result RegisterResult
	err := s.write(ctx, "register device", func(tx *gorm.DB) error {
		dev, created, err := createDeviceIfAbsent(tx, device, s.now())
		if err != nil && !errors.Is(err, model.ErrRegisteredAtImmutable) {
			return err
		}
		result.Device = *dev
		result.Created = created
		if !created || msg == nil {
			return nil
		}
		id, _, err := enqueue(tx, msg)
		result.MessageID = id
		return err
	})
	return result, err
}

// RecordScan increments the quantity by one and enqueues the QuantityUpdate built from
// the old and new values in the same transaction.
func (s *gormStore) RecordScan(ctx context.Context, deviceID string, build MessageBuilder) (ScanResult, error) {
	var result ScanResult
	err := s.write(ctx, "record scan", func(tx *gorm.DB) error {
		dev, err := findDevice(tx, "device_id = ?", deviceID)
		if err != nil {
			return err
		}
		if dev == nil {
			return fmt.Errorf("%w: %s", model.ErrNotRegistered, deviceID)
		}
		if !dev.Status.AcceptsScans() {
			return fmt.Errorf("%w: %s", model.ErrDeviceDisabled, deviceID)
		}

		previous := dev.Quantity
		next, err := bumpQuantity(tx, dev, 1, s.now())
		if err != nil {
			return err
		}

		msg, err := build(previous, next)
		if err != nil {
			return err
		}
		id, _, err := enqueue(tx, msg)
		if err != nil {
			return err
		}

		dev.Quantity = next
		result = ScanResult{Device: *dev, PreviousQuantity: previous, NewQuantity: next, MessageID: id}
		return nil
	})
	return result, err
}

// --- Outbound queue ---

// EnqueueMessage stores msg unless an equivalent message is still queued, in which case
// the existing id is returned and created is false.
func (s *gormStore) EnqueueMessage(ctx context.Context, msg *model.OutboundMessage) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.write(ctx, "enqueue message", func(tx *gorm.DB) error {
		var err error
		id, created, err = enqueue(tx, msg)
		return err
	})
	return id, created, err
}

// ListPendingMessages returns queued messages oldest first.
func (s *gormStore) ListPendingMessages(ctx context.Context, limit int) ([]model.OutboundMessage, error) {
	var messages []model.OutboundMessage
	q := s.db.WithContext(ctx).Order("created_at ASC, message_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&messages).Error
	return messages, storageErr("list pending messages", err)
}

// CountPendingMessages counts queued messages, for one device or all when deviceID is empty.
func (s *gormStore) CountPendingMessages(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&model.OutboundMessage{})
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	err := q.Count(&n).Error
	return n, storageErr("count pending messages", err)
}

func (s *gormStore) QueueStats(ctx context.Context) (QueueStats, error) {
	var row struct {
		Pending    int64
		Failed     int64
		MaxRetries int
	}
	err := s.db.WithContext(ctx).Model(&model.OutboundMessage{}).
		Select("COUNT(*) AS pending, "+
			"COALESCE(SUM(CASE WHEN delivery_state = ? THEN 1 ELSE 0 END), 0) AS failed, "+
			"COALESCE(MAX(retry_count), 0) AS max_retries", model.DeliveryFailed).
		Scan(&row).Error
	if err != nil {
		return QueueStats{}, storageErr("queue stats", err)
	}

	stats := QueueStats{Pending: row.Pending, Failed: row.Failed, MaxRetryCount: row.MaxRetries}
	if row.Pending > 0 {
		var oldest model.OutboundMessage
		err := s.db.WithContext(ctx).Order("created_at ASC, message_id ASC").Limit(1).Find(&oldest).Error
		if err != nil {
			return QueueStats{}, storageErr("queue stats", err)
		}
		if oldest.MessageID != 0 {
			stats.OldestCreatedAt = &oldest.CreatedAt
		}
	}
	return stats, nil
}

// ClaimDueMessages leases up to req.Limit messages in FIFO order. A device whose head
// message is leased elsewhere or still backing off is skipped entirely, so a later
// message never overtakes an earlier one for the same device.
func (s *gormStore) ClaimDueMessages(ctx context.Context, req ClaimRequest) ([]model.OutboundMessage, error) {
	if req.Now.IsZero() {
		req.Now = s.now()
	}
	until := req.Now.Add(req.Lease)

	var claimed []model.OutboundMessage
	err := s.write(ctx, "claim due messages", func(tx *gorm.DB) error {
		var queued []model.OutboundMessage
		if err := tx.Order("created_at ASC, message_id ASC").Find(&queued).Error; err != nil {
			return err
		}

		blocked := make(map[string]bool)
		for i := range queued {
			if req.Limit > 0 && len(claimed) >= req.Limit {
				break
			}
			m := &queued[i]
			if blocked[m.DeviceID] || req.ExcludeDevices[m.DeviceID] {
				continue
			}
			if m.Leased(req.Now) || !req.due(m) {
				blocked[m.DeviceID] = true
				continue
			}
			ok, err := lease(tx, m.MessageID, req.Owner, req.Now, until)
			if err != nil {
				return err
			}
			if !ok {
				blocked[m.DeviceID] = true
				continue
			}
			m.LeaseOwner = req.Owner
			m.LeaseExpiresAt = &until
			claimed = append(claimed, *m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimMessage leases a single message if it is the oldest queued message of its device
// and nobody else holds it. It returns nil when the message cannot be claimed now.
func (s *gormStore) ClaimMessage(ctx context.Context, messageID int64, owner string, leaseFor time.Duration) (*model.OutboundMessage, error) {
	now := s.now()
	until := now.Add(leaseFor)

	var claimed *model.OutboundMessage
	err := s.write(ctx, "claim message", func(tx *gorm.DB) error {
		var msgs []model.OutboundMessage
		if err := tx.Where("message_id = ?", messageID).Limit(1).Find(&msgs).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		m := msgs[0]
		if m.Leased(now) {
			return nil
		}

		var older int64
		if err := tx.Model(&model.OutboundMessage{}).
			Where("device_id = ? AND (created_at < ? OR (created_at = ? AND message_id < ?))",
				m.DeviceID, m.CreatedAt, m.CreatedAt, m.MessageID).
			Count(&older).Error; err != nil {
			return err
		}
		if older > 0 {
			return nil
		}

		ok, err := lease(tx, m.MessageID, owner, now, until)
		if err != nil || !ok {
			return err
		}
		m.LeaseOwner = owner
		m.LeaseExpiresAt = &until
		claimed = &m
		return nil
	})
	return claimed, err
}

// ReleaseMessages drops leases held by owner without counting an attempt.
func (s *gormStore) ReleaseMessages(ctx context.Context, owner string, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.write(ctx, "release messages", func(tx *gorm.DB) error {
		return tx.Model(&model.OutboundMessage{}).
			Where("message_id IN ? AND lease_owner = ?", messageIDs, owner).
			Updates(map[string]any{"lease_owner": "", "lease_expires_at": nil}).Error
	})
}

// MarkSent removes a delivered message. Removing an absent message is a no-op.
func (s *gormStore) MarkSent(ctx context.Context, messageID int64) error {
	return s.write(ctx, "mark sent", func(tx *gorm.DB) error {
		return tx.Where("message_id = ?", messageID).Delete(&model.OutboundMessage{}).Error
	})
}

// MarkFailed records a failed attempt and releases the lease; the message stays queued.
func (s *gormStore) MarkFailed(ctx context.Context, messageID int64, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	now := s.now().UTC()
	return s.write(ctx, "mark failed", func(tx *gorm.DB) error {
		return tx.Model(&model.OutboundMessage{}).
			Where("message_id = ?", messageID).
			Updates(map[string]any{
				"delivery_state":   model.DeliveryFailed,
				"retry_count":      gorm.Expr("retry_count + 1"),
				"last_attempt_at":  now,
				"last_error":       reason,
				"lease_owner":      "",
				"lease_expires_at": nil,
			}).Error
	})
}

// --- Helpers shared by the transactional operations ---

func findDevice(tx *gorm.DB, query string, arg any) (*model.Device, error) {
	var devices []model.Device
	if err := tx.Where(query, arg).Limit(1).Find(&devices).Error; err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, nil
	}
	return &devices[0], nil
}

func createDeviceIfAbsent(tx *gorm.DB, device model.Device, now time.Time) (*model.Device, bool, error) {
	existing, err := findDevice(tx, "device_id = ?", device.DeviceID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if !device.RegisteredAt.IsZero() && !device.RegisteredAt.Equal(existing.RegisteredAt) {
			return existing, false, fmt.Errorf("%w: device %s", model.ErrRegisteredAtImmutable, device.DeviceID)
		}
		return existing, false, nil
	}

	if device.RegisteredAt.IsZero() {
		device.RegisteredAt = now
	}
	device.RegisteredAt = device.RegisteredAt.UTC()
	if device.Status == "" {
		device.Status = model.DeviceStatusPending
	}
	if device.Quantity < 0 {
		device.Quantity = 0
	}
	if err := tx.Create(&device).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create device %s: %w", device.DeviceID, err)
	}
	return &device, true, nil
}

func bumpQuantity(tx *gorm.DB, dev *model.Device, delta int64, now time.Time) (int64, error) {
	next := dev.Quantity + delta
	err := tx.Model(&model.Device{}).
		Where("device_id = ?", dev.DeviceID).
		Updates(map[string]any{"quantity": next, "updated_at": now.UTC()}).Error
	if err != nil {
		return 0, fmt.Errorf("failed to update quantity for device %s: %w", dev.DeviceID, err)
	}
	return next, nil
}

func enqueue(tx *gorm.DB, msg *model.OutboundMessage) (int64, bool, error) {
	var existing []model.OutboundMessage
	if err := tx.Where("dedup_key = ?", msg.DedupKey).Limit(1).Find(&existing).Error; err != nil {
		return 0, false, err
	}
	if len(existing) > 0 {
		return existing[0].MessageID, false, nil
	}

	if msg.DeliveryState == "" {
		msg.DeliveryState = model.DeliveryPending
	}
	if err := tx.Create(msg).Error; err != nil {
		return 0, false, fmt.Errorf("failed to enqueue %s for device %s: %w", msg.MessageType, msg.DeviceID, err)
	}
	return msg.MessageID, true, nil
}

func lease(tx *gorm.DB, messageID int64, owner string, now, until time.Time) (bool, error) {
	res := tx.Model(&model.OutboundMessage{}).
		Where("message_id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)", messageID, now.UTC()).
		Updates(map[string]any{"lease_owner": owner, "lease_expires_at": until.UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
