package parse

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"scanner-relay/internal/model"
)

var deviceIDRe = regexp.MustCompile(`[^A-Za-z0-9._:-]+`)

// Rules bounds what the relay accepts as a barcode.
type Rules struct {
	RegistrationPrefix string
	MinLen             int
	MaxLen             int
}

// Barcode trims scanner noise (surrounding whitespace, trailing CR/LF from HID readers)
// and rejects values that cannot be a barcode.
func (r Rules) Barcode(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", model.ErrInvalidBarcode)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: %q is not valid UTF-8", model.ErrInvalidBarcode, s)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: %q contains control characters", model.ErrInvalidBarcode, s)
	}

	n := utf8.RuneCountInString(s)
	if r.MinLen > 0 && n < r.MinLen {
		return "", fmt.Errorf("%w: %q is shorter than %d characters", model.ErrInvalidBarcode, s, r.MinLen)
	}
	if r.MaxLen > 0 && n > r.MaxLen {
		return "", fmt.Errorf("%w: %d characters exceeds the limit of %d", model.ErrInvalidBarcode, n, r.MaxLen)
	}
	return s, nil
}

// IsRegistration reports whether the barcode is a registration token.
func (r Rules) IsRegistration(barcode string) bool {
	if r.RegistrationPrefix == "" {
		return false
	}
	return len(barcode) > len(r.RegistrationPrefix) &&
		strings.EqualFold(barcode[:len(r.RegistrationPrefix)], r.RegistrationPrefix)
}

// DeviceID derives a device id from a registration barcode: the prefix is stripped
// and characters outside [A-Za-z0-9._:-] collapse to a single '-'.
func (r Rules) DeviceID(barcode string) (string, error) {
	id := barcode
	if r.IsRegistration(barcode) {
		id = barcode[len(r.RegistrationPrefix):]
	}
	id = strings.Trim(deviceIDRe.ReplaceAllString(id, "-"), "-")
	if id == "" {
		return "", fmt.Errorf("%w: no device id can be derived from %q", model.ErrInvalidBarcode, barcode)
	}
	return id, nil
}
