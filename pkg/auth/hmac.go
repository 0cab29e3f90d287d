package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalPayload re-encodes a JSON body with sorted object keys and no
// insignificant whitespace. Numbers are kept exactly as sent.
func CanonicalPayload(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeSignature returns hex(HMAC-SHA256(secret, timestamp.nonce.payload))
func ComputeSignature(secret, timestamp, nonce string, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares provided against the expected signature in
// constant time. A "sha256=" prefix is accepted.
func VerifySignature(secret, timestamp, nonce string, canonical []byte, provided string) bool {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(ComputeSignature(secret, timestamp, nonce, canonical))
	return hmac.Equal(got, want)
}
