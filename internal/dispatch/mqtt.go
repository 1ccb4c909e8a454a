package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher delivers an encoded hub message on behalf of a device.
type Publisher interface {
	Publish(ctx context.Context, cred Credential, correlationID string, body []byte) error
	// Forget drops any connection state held for the device, e.g. after its credential
	// was rotated.
	Forget(deviceID string)
	Close()
}

// MQTTConfig configures MQTTPublisher.
type MQTTConfig struct {
	BrokerURL      string // defaults to ssl://{host}:8883
	TopicTemplate  string
	QoS            byte
	APIVersion     string
	TokenTTL       time.Duration
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// MQTTPublisher keeps one MQTT session per device, authenticated with a SAS token minted
// from the device credential.
type MQTTPublisher struct {
	cfg       MQTTConfig
	log       *zap.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]mqtt.Client
}

func NewMQTTPublisher(cfg MQTTConfig, log *zap.Logger) *MQTTPublisher {
	if cfg.TopicTemplate == "" {
		cfg.TopicTemplate = "devices/{device_id}/messages/events/"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &MQTTPublisher{
		cfg:       cfg,
		log:       log,
		newClient: mqtt.NewClient,
		now:       time.Now,
		clients:   make(map[string]mqtt.Client),
	}
}

func (p *MQTTPublisher) Publish(ctx context.Context, cred Credential, _ string, body []byte) error {
	client, err := p.client(ctx, cred)
	if err != nil {
		return err
	}

	topic := strings.ReplaceAll(p.cfg.TopicTemplate, "{device_id}", cred.DeviceID)
	token := client.Publish(topic, p.cfg.QoS, false, body)
	if err := waitToken(ctx, token, p.cfg.ConnectTimeout); err != nil {
		p.Forget(cred.DeviceID)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// client returns a connected session for the device. Connecting happens outside the
// map lock; if two callers race, the loser disconnects its session.
func (p *MQTTPublisher) client(ctx context.Context, cred Credential) (mqtt.Client, error) {
	p.mu.Lock()
	c, ok := p.clients[cred.DeviceID]
	p.mu.Unlock()
	if ok && c.IsConnectionOpen() {
		return c, nil
	}

	opts, err := p.options(cred)
	if err != nil {
		return nil, err
	}
	c = p.newClient(opts)
	if err := waitToken(ctx, c.Connect(), p.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[cred.DeviceID]; ok && existing.IsConnectionOpen() {
		c.Disconnect(0)
		return existing, nil
	} else if ok {
		existing.Disconnect(0)
	}
	p.clients[cred.DeviceID] = c
	return c, nil
}

func (p *MQTTPublisher) options(cred Credential) (*mqtt.ClientOptions, error) {
	broker := p.cfg.BrokerURL
	if broker == "" {
		broker = "ssl://" + cred.HostName + ":8883"
	}
	password, err := SASToken(cred.HostName+"/devices/"+cred.DeviceID, cred.Key, "", p.now().Add(p.cfg.TokenTTL))
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cred.DeviceID)
	opts.SetUsername(cred.HostName + "/" + cred.DeviceID + "/?api-version=" + p.cfg.APIVersion)
	opts.SetPassword(password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(p.cfg.KeepAlive)
	opts.SetConnectTimeout(p.cfg.ConnectTimeout)
	// Reconnects are driven by the replay engine with a fresh token.
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warn("mqtt connection lost", zap.String("device_id", cred.DeviceID), zap.Error(err))
	})
	return opts, nil
}

func (p *MQTTPublisher) Forget(deviceID string) {
	p.mu.Lock()
	c, ok := p.clients[deviceID]
	delete(p.clients, deviceID)
	p.mu.Unlock()
	if ok {
		c.Disconnect(250)
	}
}

func (p *MQTTPublisher) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]mqtt.Client)
	p.mu.Unlock()

	for id, c := range clients {
		c.Disconnect(250)
		p.log.Debug("mqtt session closed", zap.String("device_id", id))
	}
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
}
