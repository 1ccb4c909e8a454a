package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of outbound message. The values are the hub wire names.
type MessageType string

const (
	MessageTypeDeviceRegistration MessageType = "device_registration"
	MessageTypeQuantityUpdate     MessageType = "quantity_update"
)

// DeliveryState is persisted only while a message is still queued.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliveryFailed  DeliveryState = "failed"
)

// Payload is the structured body of an outbound message.
type Payload struct {
	Barcode            string            `json:"barcode"`
	RegistrationMethod string            `json:"registrationMethod,omitempty"`
	PreviousQuantity   *int64            `json:"previousQuantity,omitempty"`
	NewQuantity        *int64            `json:"newQuantity,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a unit of work queued for delivery to the hub.
type OutboundMessage struct {
	MessageID      int64         `gorm:"column:message_id;primaryKey;autoIncrement" json:"messageId"`
	CorrelationID  string        `gorm:"size:36;not null;uniqueIndex" json:"correlationId"`
	DeviceID       string        `gorm:"size:128;not null;index" json:"deviceId"`
	MessageType    MessageType   `gorm:"size:32;not null" json:"messageType"`
	PayloadJSON    string        `gorm:"column:payload_json;type:text;not null" json:"payload"`
	DedupKey       string        `gorm:"size:64;not null;uniqueIndex" json:"-"`
	DeliveryState  DeliveryState `gorm:"size:16;not null" json:"deliveryState"`
	CreatedAt      time.Time     `gorm:"not null;index" json:"createdAt"`
	RetryCount     int           `gorm:"not null;default:0" json:"retryCount"`
	LastAttemptAt  *time.Time    `json:"lastAttemptAt,omitempty"`
	LastError      string        `gorm:"size:512" json:"lastError,omitempty"`
	LeaseOwner     string        `gorm:"size:64" json:"-"`
	LeaseExpiresAt *time.Time    `json:"-"`
}

func (OutboundMessage) TableName() string {
	return "outbound_messages"
}

// Leased reports whether another claimant currently holds the message.
func (m *OutboundMessage) Leased(now time.Time) bool {
	return m.LeaseExpiresAt != nil && m.LeaseExpiresAt.After(now)
}

// Payload decodes the stored payload.
func (m *OutboundMessage) Payload() (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(m.PayloadJSON), &p); err != nil {
		return Payload{}, fmt.Errorf("message %d: decode payload: %w", m.MessageID, err)
	}
	return p, nil
}

// NewOutboundMessage builds a pending message and its idempotency key.
func NewOutboundMessage(deviceID string, t MessageType, p Payload, createdAt time.Time, correlationID string) (*OutboundMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &OutboundMessage{
		CorrelationID: correlationID,
		DeviceID:      deviceID,
		MessageType:   t,
		PayloadJSON:   string(body),
		DedupKey:      DedupKey(deviceID, t, p),
		DeliveryState: DeliveryPending,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// DedupKey identifies a logical event. Registrations collapse on device and barcode so
// a pending registration absorbs any refresh requested before it is delivered.
func DedupKey(deviceID string, t MessageType, p Payload) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", deviceID, t, p.Barcode)
	if t == MessageTypeQuantityUpdate {
		fmt.Fprintf(h, "\x00%d\x00%d", deref(p.PreviousQuantity), deref(p.NewQuantity))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func deref(v *int64) int64 {
	if v == nil {
		return -1
	}
	return *v
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}
