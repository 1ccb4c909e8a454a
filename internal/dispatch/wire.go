package dispatch

import (
	"encoding/json"
	"fmt"

	"scanner-relay/internal/model"
)

// TimestampLayout is the ISO-8601 UTC layout used on the hub and backend wires.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// HubMessage is the JSON document published to the hub for one outbound message.
type HubMessage struct {
	DeviceID           string `json:"deviceId"`
	MessageType        string `json:"messageType"`
	Timestamp          string `json:"timestamp"`
	RegistrationMethod string `json:"registrationMethod,omitempty"`
	ScannedBarcode     string `json:"scannedBarcode,omitempty"`
	PreviousQuantity   *int64 `json:"previousQuantity,omitempty"`
	NewQuantity        *int64 `json:"newQuantity,omitempty"`
}

// NewHubMessage maps a queued message onto the hub wire format. The timestamp is the
// enqueue time so a replayed message carries when the event happened.
func NewHubMessage(msg *model.OutboundMessage) (HubMessage, model.Payload, error) {
	p, err := msg.Payload()
	if err != nil {
		return HubMessage{}, model.Payload{}, err
	}

	hm := HubMessage{
		DeviceID:    msg.DeviceID,
		MessageType: string(msg.MessageType),
		Timestamp:   msg.CreatedAt.UTC().Format(TimestampLayout),
	}
	switch msg.MessageType {
	case model.MessageTypeDeviceRegistration:
		hm.RegistrationMethod = p.RegistrationMethod
	case model.MessageTypeQuantityUpdate:
		if p.PreviousQuantity == nil || p.NewQuantity == nil {
			return HubMessage{}, p, fmt.Errorf("message %d: quantity update without quantities", msg.MessageID)
		}
		hm.ScannedBarcode = p.Barcode
		hm.PreviousQuantity = p.PreviousQuantity
		hm.NewQuantity = p.NewQuantity
	default:
		return HubMessage{}, p, fmt.Errorf("message %d: unknown message type %q", msg.MessageID, msg.MessageType)
	}
	return hm, p, nil
}

// Encode returns the JSON body.
func (h HubMessage) Encode() ([]byte, error) {
	return json.Marshal(h)
}
