package model

import "errors"

var (
	ErrNotRegistered         = errors.New("device is not registered")
	ErrDeviceDisabled        = errors.New("device is disabled")
	ErrInvalidBarcode        = errors.New("invalid barcode")
	ErrInvalidQuantity       = errors.New("quantity delta must be positive")
	ErrRegisteredAtImmutable = errors.New("registered_at cannot change once set")
	ErrStorageCorruption     = errors.New("durable store is unreadable or unwritable")
	ErrProvisioning          = errors.New("could not obtain hub credential")
	ErrDelivery              = errors.New("hub delivery failed")
)
