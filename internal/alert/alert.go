package alert

import (
	"fmt"
	"time"

	"scanner-relay/internal/model"
)

// Kind names an alert category. Subscriptions filter on it.
type Kind string

const (
	ConnectivityLost     Kind = "connectivity_lost"
	ConnectivityRestored Kind = "connectivity_restored"
	MessageStuck         Kind = "message_stuck"
	StorageFailure       Kind = "storage_failure"
)

// Alert is the JSON body pushed to operator browsers.
type Alert struct {
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	DeviceID  string    `json:"deviceId,omitempty"`
	MessageID int64     `json:"messageId,omitempty"`
	At        time.Time `json:"at"`
}

func Connectivity(online bool, at time.Time) Alert {
	if online {
		return Alert{Kind: ConnectivityRestored, Title: "Relay online", Body: "Hub reachable again; replaying queued events.", At: at}
	}
	return Alert{Kind: ConnectivityLost, Title: "Relay offline", Body: "Hub unreachable; scans are being queued locally.", At: at}
}

func Stuck(msg model.OutboundMessage, at time.Time) Alert {
	return Alert{
		Kind:      MessageStuck,
		Title:     "Message stuck",
		Body:      fmt.Sprintf("%s for %s failed %d times: %s", msg.MessageType, msg.DeviceID, msg.RetryCount, msg.LastError),
		DeviceID:  msg.DeviceID,
		MessageID: msg.MessageID,
		At:        at,
	}
}

func Storage(err error, at time.Time) Alert {
	return Alert{Kind: StorageFailure, Title: "Relay store failure", Body: err.Error(), At: at}
}

// Known reports whether k names an alert kind.
func Known(k string) bool {
	switch Kind(k) {
	case ConnectivityLost, ConnectivityRestored, MessageStuck, StorageFailure:
		return true
	}
	return false
}
