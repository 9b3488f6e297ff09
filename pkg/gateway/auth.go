package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxAuthAttempts = 3
	authTimeout     = 10 * time.Second
)

// ErrAuthFailed is returned when a handshake ends without a valid signature.
var ErrAuthFailed = errors.New("authentication failed")

// AuthHandler manages challenge-response authentication
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler. An empty secret
// disables the handshake.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether clients must authenticate.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the HMAC-SHA256 signature of challenge under secret.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// checkSecret compares a secret presented in a header.
func (a *AuthHandler) checkSecret(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// Authenticate runs the handshake on a freshly upgraded connection before
// any other message is exchanged. The client gets three attempts.
func (a *AuthHandler) Authenticate(conn *websocket.Conn) error {
	if !a.Enabled() {
		return nil
	}

	challenge, err := a.GenerateChallenge()
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	if err := conn.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge}); err != nil {
		return fmt.Errorf("failed to send challenge: %w", err)
	}

	for attempts := 1; ; attempts++ {
		var resp AuthResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("failed to read auth response: %w", err)
		}

		result := a.check(challenge, resp, attempts)
		if err := conn.WriteJSON(result); err != nil {
			return fmt.Errorf("failed to send auth result: %w", err)
		}
		if result.Success {
			return nil
		}
		if attempts >= maxAuthAttempts {
			return fmt.Errorf("%w: %s", ErrAuthFailed, result.Message)
		}
	}
}

func (a *AuthHandler) check(challenge string, resp AuthResponse, attempts int) AuthResult {
	switch {
	case resp.Method != "auth.response":
		return AuthResult{Event: "auth.failure", Message: "Authentication required"}
	case a.VerifySignature(challenge, resp.Signature):
		return AuthResult{Event: "auth.success", Success: true}
	case attempts >= maxAuthAttempts:
		return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
	default:
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}
}

// authenticateClient answers a server's challenge with secret.
func authenticateClient(conn *websocket.Conn, secret string) error {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var challenge AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}
	if challenge.Event != "auth.challenge" {
		return fmt.Errorf("%w: unexpected %q", ErrAuthFailed, challenge.Event)
	}

	resp := AuthResponse{Method: "auth.response", Signature: Sign(secret, challenge.Challenge)}
	if err := conn.WriteJSON(resp); err != nil {
		return fmt.Errorf("failed to send auth response: %w", err)
	}

	var result AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, result.Message)
	}
	return nil
}
