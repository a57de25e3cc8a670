// Package qrsign mints and verifies the HMAC-signed JSON carried by receipt
// and exit QR codes.
package qrsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	FieldSignature = "signature"
	FieldExpiry    = "expiry"
	FieldType      = "type"

	TypeInitial = "initial"
	TypeExit    = "exit"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("qr code expired")
)

type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("qrsign: signing secret is required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the canonical JSON of fields with a "signature" member added.
// The signature is base64url (padded) HMAC-SHA256 over the canonical JSON of
// fields alone.
func (s *Signer) Sign(fields map[string]any) (string, error) {
	if _, ok := fields[FieldSignature]; ok {
		return "", fmt.Errorf("qrsign: payload must not contain %q", FieldSignature)
	}
	canonical, err := Canonical(fields)
	if err != nil {
		return "", err
	}

	signed := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		signed[k] = v
	}
	signed[FieldSignature] = s.signature(canonical)

	out, err := Canonical(signed)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify checks the signature of qr and, when the payload carries an expiry,
// that now is not past it. The returned payload excludes the signature.
func (s *Signer) Verify(qr string, now time.Time) (map[string]any, error) {
	payload, err := decode(qr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	provided, ok := payload[FieldSignature].(string)
	if !ok || provided == "" {
		return nil, fmt.Errorf("%w: signature missing", ErrInvalidSignature)
	}
	delete(payload, FieldSignature)

	canonical, err := Canonical(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	expected := s.signature(canonical)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return nil, ErrInvalidSignature
	}

	if raw, present := payload[FieldExpiry]; present {
		expiry, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed expiry", ErrInvalidSignature)
		}
		if now.After(expiry) {
			return nil, fmt.Errorf("%w: expired at %s", ErrExpired, expiry.Format(time.RFC3339))
		}
	}
	return payload, nil
}

func (s *Signer) signature(canonical []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

func decode(qr string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(qr))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("payload is not an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after payload")
	}
	return payload, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(raw any) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, errors.New("timestamp is not a string")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// FormatTime renders t the way timestamps appear inside QR payloads.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
