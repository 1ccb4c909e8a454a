package model

import (
	"strings"
	"time"
)

// PushSubscription holds an operator browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	Kinds     string    `gorm:"size:256"` // comma separated alert kinds, empty means all
	CreatedAt time.Time `gorm:"not null"`
}

// Wants reports whether the subscription asked for alerts of the given kind.
func (s *PushSubscription) Wants(kind string) bool {
	if s.Kinds == "" {
		return true
	}
	for _, k := range strings.Split(s.Kinds, ",") {
		if strings.TrimSpace(k) == kind {
			return true
		}
	}
	return false
}
