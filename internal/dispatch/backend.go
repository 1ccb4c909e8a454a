package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"scanner-relay/internal/model"
)

// Notifier forwards events to the vendor REST backend. It is best-effort: failures are
// reported to the caller for logging only.
type Notifier interface {
	Notify(ctx context.Context, msg *model.OutboundMessage, p model.Payload) error
}

// BackendConfig configures BackendNotifier.
type BackendConfig struct {
	BaseURL          string
	RegistrationPath string
	QuantityPath     string
	NotifyQuantity   bool
	Headers          map[string]string
	RateLimitPerSec  float64
	Timeout          time.Duration
}

type registrationNotice struct {
	DeviceID  string `json:"deviceId"`
	Timestamp string `json:"timestamp"`
}

type quantityNotice struct {
	DeviceID       string `json:"deviceId"`
	ScannedBarcode string `json:"scannedBarcode"`
	Quantity       int64  `json:"quantity"`
}

// BackendNotifier posts registration and quantity notices to the REST backend.
type BackendNotifier struct {
	cfg     BackendConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewBackendNotifier(cfg BackendConfig, client *http.Client) *BackendNotifier {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Limit(cfg.RateLimitPerSec)
	if cfg.RateLimitPerSec <= 0 {
		limit = rate.Inf
	}
	return &BackendNotifier{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (n *BackendNotifier) Notify(ctx context.Context, msg *model.OutboundMessage, p model.Payload) error {
	var (
		path string
		body any
	)
	switch msg.MessageType {
	case model.MessageTypeDeviceRegistration:
		path = n.cfg.RegistrationPath
		body = registrationNotice{DeviceID: msg.DeviceID, Timestamp: msg.CreatedAt.UTC().Format(TimestampLayout)}
	case model.MessageTypeQuantityUpdate:
		if !n.cfg.NotifyQuantity || p.NewQuantity == nil {
			return nil
		}
		path = n.cfg.QuantityPath
		body = quantityNotice{DeviceID: msg.DeviceID, ScannedBarcode: p.Barcode, Quantity: *p.NewQuantity}
	default:
		return nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("backend rate limiter: %w", err)
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	url := strings.TrimRight(n.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.CorrelationID)
	for key, value := range n.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-2xx status code: %d", resp.StatusCode)
	}
	return nil
}
