package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// BearerToken extracts the token from an Authorization: Bearer header
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	// Format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("invalid authorization scheme: %s", parts[0])
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// VerifyBearerToken checks a static bearer token, e.g. the downstream API key
func VerifyBearerToken(r *http.Request, expectedToken string) error {
	token, err := BearerToken(r)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}
