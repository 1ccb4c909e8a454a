package model

import "time"

// DeviceStatus is the lifecycle state of a scanner station.
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusDisabled DeviceStatus = "disabled"
)

// AcceptsScans reports whether quantity events may be recorded for the device.
func (s DeviceStatus) AcceptsScans() bool {
	return s == DeviceStatusPending || s == DeviceStatusActive
}

// Device is the identity and running state of one scanner station.
type Device struct {
	DeviceID            string       `gorm:"primaryKey;size:128" json:"deviceId"`
	RegistrationBarcode string       `gorm:"size:256;not null;index" json:"registrationBarcode"`
	Quantity            int64        `gorm:"not null" json:"quantity"`
	RegisteredAt        time.Time    `gorm:"not null" json:"registeredAt"`
	Status              DeviceStatus `gorm:"size:16;not null" json:"status"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

func (Device) TableName() string {
	return "devices"
}
