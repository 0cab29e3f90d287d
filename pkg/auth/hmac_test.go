package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestCanonicalPayload(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		want        string
		wantErr     bool
		errContains string
	}{
		{
			name:    "keys sorted and whitespace removed",
			payload: "{ \"modality\": \"CT\",\n  \"instanceId\": \"abc\" }",
			want:    `{"instanceId":"abc","modality":"CT"}`,
		},
		{
			name:    "nested objects sorted",
			payload: `{"b":{"z":1,"a":2},"a":[{"y":true,"x":null}]}`,
			want:    `{"a":[{"x":null,"y":true}],"b":{"a":2,"z":1}}`,
		},
		{
			name:    "numbers preserved verbatim",
			payload: `{"big":12345678901234567890,"f":1.50}`,
			want:    `{"big":12345678901234567890,"f":1.50}`,
		},
		{
			name:    "html characters not escaped",
			payload: `{"note":"<a&b>"}`,
			want:    `{"note":"<a&b>"}`,
		},
		{
			name:        "invalid json",
			payload:     `{"a":`,
			wantErr:     true,
			errContains: "invalid JSON payload",
		},
		{
			name:        "trailing data",
			payload:     `{"a":1}{"b":2}`,
			wantErr:     true,
			errContains: "trailing data",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalPayload([]byte(tt.payload))

			if (err != nil) != tt.wantErr {
				t.Fatalf("CanonicalPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !contains(err.Error(), tt.errContains) {
					t.Errorf("CanonicalPayload() error = %v, want error containing %v", err, tt.errContains)
				}
				return
			}
			if string(got) != tt.want {
				t.Errorf("CanonicalPayload() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeSignature(t *testing.T) {
	secret := "test-secret-key"
	canonical := []byte(`{"test":"data"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("1700000000.nonce-1." + string(canonical)))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := ComputeSignature(secret, "1700000000", "nonce-1", canonical); got != want {
		t.Errorf("ComputeSignature() = %s, want %s", got, want)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "test-secret-key"
	canonical := []byte(`{"test":"data"}`)
	valid := ComputeSignature(secret, "1700000000", "n1", canonical)

	tests := []struct {
		name      string
		secret    string
		timestamp string
		nonce     string
		payload   []byte
		signature string
		want      bool
	}{
		{"valid", secret, "1700000000", "n1", canonical, valid, true},
		{"valid with prefix", secret, "1700000000", "n1", canonical, "sha256=" + valid, true},
		{"wrong secret", "other", "1700000000", "n1", canonical, valid, false},
		{"timestamp changed", secret, "1700000001", "n1", canonical, valid, false},
		{"nonce changed", secret, "1700000000", "n2", canonical, valid, false},
		{"payload changed", secret, "1700000000", "n1", []byte(`{"test":"other"}`), valid, false},
		{"not hex", secret, "1700000000", "n1", canonical, "zz" + valid[2:], false},
		{"truncated", secret, "1700000000", "n1", canonical, valid[:32], false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifySignature(tt.secret, tt.timestamp, tt.nonce, tt.payload, tt.signature)
			if got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > len(substr) && containsSubstring(s, substr))
}

func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
