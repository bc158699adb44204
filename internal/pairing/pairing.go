// Package pairing encodes the out-of-band hint a browsing device uses to
// pick the right peer. A code is "cnote:" followed by the URL-safe base64
// of the hint's JSON. It carries no secret.
package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"cnote.dev/go/cnote/internal/ledger"
)

// Scheme prefixes every pairing code
const Scheme = "cnote:"

// ErrInvalidCode is returned for input that is not a pairing code
var ErrInvalidCode = errors.New("invalid pairing code")

// Encode renders hint as a pairing code
func Encode(hint ledger.PairingHint) (string, error) {
	data, err := json.Marshal(hint)
	if err != nil {
		return "", fmt.Errorf("marshal hint: %w", err)
	}
	return Scheme + base64.RawURLEncoding.EncodeToString(data), nil
}

// Parse decodes a pairing code. Surrounding whitespace and line breaks
// introduced by copy and paste are ignored.
func Parse(input string) (*ledger.PairingHint, error) {
	code := strings.Join(strings.Fields(input), "")
	if !strings.HasPrefix(code, Scheme) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidCode, Scheme)
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(code[len(Scheme):], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	var hint ledger.PairingHint
	if err := json.Unmarshal(data, &hint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	if hint.DeviceID == uuid.Nil {
		return nil, fmt.Errorf("%w: no device id", ErrInvalidCode)
	}
	return &hint, nil
}

// QR renders code as a QR code made of terminal block characters
func QR(code string) (string, error) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

// WritePNG writes code as a size x size PNG image
func WritePNG(code, path string, size int) error {
	if err := qrcode.WriteFile(code, qrcode.Medium, size, path); err != nil {
		return fmt.Errorf("write qr code: %w", err)
	}
	return nil
}
