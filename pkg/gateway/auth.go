package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/harun/aosgate/internal/tracing"
	"github.com/harun/aosgate/pkg/authz"
)

const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication. With an empty
// shared secret every signature is accepted and only the declared identity
// is checked.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under secret.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	if a.sharedSecret == "" {
		return true
	}
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifySecret checks the header secret of a single-shot HTTP request.
func (a *AuthHandler) VerifySecret(secret string) bool {
	if a.sharedSecret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(client *Client, resp AuthResponse) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}
	if client.AuthAttempts >= maxAuthAttempts {
		return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
	}

	if !a.VerifySignature(client.Challenge, resp.Signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	userID := strings.TrimSpace(resp.UserID)
	if userID == "" {
		client.AuthAttempts++
		return AuthResult{Event: "auth.failure", Message: "userId is required"}
	}

	client.authenticate(&authz.ToolContext{UserID: userID, Roles: cleanRoles(resp.Roles)})
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: "auth.success", Success: true}
}

// identityFromHeaders builds the caller of a single-shot HTTP request.
func identityFromHeaders(userID, roles, correlationID string) (*authz.ToolContext, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("missing %s header", headerUserID)
	}
	if correlationID == "" {
		correlationID = tracing.NewCorrelationID()
	}
	return &authz.ToolContext{
		UserID:        userID,
		CorrelationID: correlationID,
		Roles:         cleanRoles(strings.Split(roles, ",")),
	}, nil
}

func cleanRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		if role = strings.TrimSpace(role); role != "" {
			out = append(out, role)
		}
	}
	return out
}
