package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credential lets one device authenticate to the hub.
type Credential struct {
	DeviceID string
	HostName string
	Key      string // base64 symmetric key
}

// CredentialProvider obtains, creating if needed, the hub credential for a device.
type CredentialProvider interface {
	Credential(ctx context.Context, deviceID string) (Credential, error)
}

// DerivedProvider computes per-device keys from a group enrollment key, so no network
// call is needed to provision a device.
type DerivedProvider struct {
	HostName string
	GroupKey string
}

func (p *DerivedProvider) Credential(_ context.Context, deviceID string) (Credential, error) {
	groupKey, err := base64.StdEncoding.DecodeString(p.GroupKey)
	if err != nil {
		return Credential{}, fmt.Errorf("decode group key: %w", err)
	}
	mac := hmac.New(sha256.New, groupKey)
	mac.Write([]byte(deviceID))
	return Credential{
		DeviceID: deviceID,
		HostName: p.HostName,
		Key:      base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}, nil
}

// registryDevice is the subset of the hub registry's device identity document we use.
type registryDevice struct {
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status,omitempty"`
	Authentication struct {
		Type         string `json:"type"`
		SymmetricKey struct {
			PrimaryKey   string `json:"primaryKey"`
			SecondaryKey string `json:"secondaryKey"`
		} `json:"symmetricKey"`
	} `json:"authentication"`
}

// RegistryProvider gets or creates device identities in the hub registry using the
// owner connection string.
type RegistryProvider struct {
	owner       ConnectionString
	registryURL string
	apiVersion  string
	tokenTTL    time.Duration
	client      *http.Client
	now         func() time.Time
	newKey      func() (string, error)
}

// NewRegistryProvider builds a provider. registryURL defaults to https://{host}/devices.
func NewRegistryProvider(owner ConnectionString, registryURL, apiVersion string, tokenTTL time.Duration, client *http.Client) *RegistryProvider {
	if registryURL == "" {
		registryURL = "https://" + owner.HostName + "/devices"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RegistryProvider{
		owner:       owner,
		registryURL: strings.TrimRight(registryURL, "/"),
		apiVersion:  apiVersion,
		tokenTTL:    tokenTTL,
		client:      client,
		now:         time.Now,
		newKey:      randomKey,
	}
}

func (p *RegistryProvider) Credential(ctx context.Context, deviceID string) (Credential, error) {
	dev, found, err := p.get(ctx, deviceID)
	if err != nil {
		return Credential{}, err
	}
	if !found || dev.Authentication.SymmetricKey.PrimaryKey == "" {
		dev, err = p.create(ctx, deviceID)
		if err != nil {
			return Credential{}, err
		}
	}
	return Credential{
		DeviceID: deviceID,
		HostName: p.owner.HostName,
		Key:      dev.Authentication.SymmetricKey.PrimaryKey,
	}, nil
}

func (p *RegistryProvider) get(ctx context.Context, deviceID string) (*registryDevice, bool, error) {
	resp, err := p.do(ctx, http.MethodGet, deviceID, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("registry lookup for %s: status %d", deviceID, resp.StatusCode)
	}

	var dev registryDevice
	if err := json.NewDecoder(resp.Body).Decode(&dev); err != nil {
		return nil, false, fmt.Errorf("failed to decode registry device: %w", err)
	}
	return &dev, true, nil
}

func (p *RegistryProvider) create(ctx context.Context, deviceID string) (*registryDevice, error) {
	primary, err := p.newKey()
	if err != nil {
		return nil, err
	}
	secondary, err := p.newKey()
	if err != nil {
		return nil, err
	}

	dev := registryDevice{DeviceID: deviceID, Status: "enabled"}
	dev.Authentication.Type = "sas"
	dev.Authentication.SymmetricKey.PrimaryKey = primary
	dev.Authentication.SymmetricKey.SecondaryKey = secondary

	body, err := json.Marshal(dev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registry device: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPut, deviceID, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("registry create for %s: status %d: %s", deviceID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var created registryDevice
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.Authentication.SymmetricKey.PrimaryKey == "" {
		// Some registries answer 201 with an empty body.
		return &dev, nil
	}
	return &created, nil
}

func (p *RegistryProvider) do(ctx context.Context, method, deviceID string, body []byte) (*http.Response, error) {
	token, err := SASToken(p.owner.HostName+"/devices", p.owner.SharedAccessKey, p.owner.SharedAccessKeyName, p.now().Add(p.tokenTTL))
	if err != nil {
		return nil, err
	}

	u := p.registryURL + "/" + url.PathEscape(deviceID) + "?api-version=" + url.QueryEscape(p.apiVersion)
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	return resp, nil
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
