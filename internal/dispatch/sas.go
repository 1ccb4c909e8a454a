package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConnectionString is a parsed "HostName=..;SharedAccessKeyName=..;SharedAccessKey=.." string.
type ConnectionString struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
	DeviceID            string
}

// ParseConnectionString parses a hub owner or device connection string.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("malformed connection string segment %q", part)
		}
		switch k {
		case "HostName":
			cs.HostName = v
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = v
		case "SharedAccessKey":
			cs.SharedAccessKey = v
		case "DeviceId":
			cs.DeviceID = v
		}
	}
	if cs.HostName == "" || cs.SharedAccessKey == "" {
		return ConnectionString{}, fmt.Errorf("connection string needs HostName and SharedAccessKey")
	}
	return cs, nil
}

// SASToken signs resourceURI with the base64 key until expiry. keyName is omitted for
// device-scoped tokens.
func SASToken(resourceURI, key, keyName string, expiry time.Time) (string, error) {
	rawKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode shared access key: %w", err)
	}

	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, rawKey)
	mac.Write([]byte(sr + "\n" + se))
	sig := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	token := "SharedAccessSignature sr=" + sr + "&sig=" + sig + "&se=" + se
	if keyName != "" {
		token += "&skn=" + keyName
	}
	return token, nil
}
