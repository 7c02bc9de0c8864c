package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	tokenAudience = "devicesync"
	// anyDevice in the device_id claim grants access to every device.
	anyDevice = "*"
)

// Scope names checked by the server.
const (
	ScopeCommandsRead   = "commands:read"
	ScopeCommandsWrite  = "commands:write"
	ScopeStateRead      = "state:read"
	ScopeStateWrite     = "state:write"
	ScopeScheduledRead  = "scheduled:read"
	ScopeScheduledWrite = "scheduled:write"
	ScopeMirrorRead     = "mirror:read"
	ScopeMirrorWrite    = "mirror:write"
	ScopeAdminRead      = "admin:read"
)

// DeviceScopes are what a device agent needs to run the engine.
var DeviceScopes = []string{
	ScopeCommandsRead,
	ScopeStateWrite,
	ScopeScheduledRead,
	ScopeScheduledWrite,
	ScopeMirrorRead,
	ScopeMirrorWrite,
}

// ControllerScopes are what a desktop controller needs.
var ControllerScopes = []string{
	ScopeCommandsWrite,
	ScopeStateRead,
	ScopeScheduledRead,
	ScopeScheduledWrite,
	ScopeMirrorRead,
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	DeviceID   string
	ClientName string
	Scopes     map[string]struct{}
	Exp        int64
}

// wireClaims is the JSON payload of a token. Scopes may be a list or a
// space separated string.
type wireClaims struct {
	DeviceID   string      `json:"device_id"`
	ClientName string      `json:"client_name"`
	Scopes     scopeSet    `json:"scopes"`
	Exp        json.Number `json:"exp"`
	Aud        string      `json:"aud"`
}

type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	set := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope = strings.TrimSpace(scope); scope != "" {
				set[scope] = struct{}{}
			}
		}
		*s = set
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a list or a string")
	}
	for _, scope := range strings.Fields(joined) {
		set[scope] = struct{}{}
	}
	*s = set
	return nil
}

// authorizeBearer verifies the token and checks it covers deviceID and
// requiredScope. Empty values skip the corresponding check.
func authorizeBearer(authHeader, jwtSecret, deviceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, authErr := verifyToken(authHeader, jwtSecret, now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if deviceID != "" && !claims.covers(deviceID) {
		return tokenClaims{}, forbidden("device mismatch")
	}
	if requiredScope != "" && !hasAnyScope(claims.Scopes, requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func (c tokenClaims) covers(deviceID string) bool {
	return c.DeviceID == anyDevice || c.DeviceID == deviceID
}

func verifyToken(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	segments := strings.Split(strings.TrimSpace(raw), ".")
	if len(segments) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(segments[0], &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	if !hmac.Equal(signature, signHS256(jwtSecret, segments[0]+"."+segments[1])) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var wire wireClaims
	if err := decodeSegment(segments[1], &wire); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	switch {
	case wire.DeviceID == "":
		return tokenClaims{}, unauthorized("missing device_id claim")
	case wire.ClientName == "":
		return tokenClaims{}, unauthorized("missing client_name claim")
	case wire.Aud != tokenAudience:
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	exp, err := expiry(wire.Exp)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if len(wire.Scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{
		DeviceID:   wire.DeviceID,
		ClientName: wire.ClientName,
		Scopes:     wire.Scopes,
		Exp:        exp,
	}, nil
}

func decodeSegment(segment string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// expiry accepts integral and fractional unix seconds.
func expiry(n json.Number) (int64, error) {
	if n == "" {
		return 0, errors.New("exp is required")
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// IssueToken mints an HS256 token accepted by the server. Binaries use it to
// hand out device and controller credentials.
func IssueToken(secret, deviceID, clientName string, scopes []string, exp time.Time) (string, error) {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(clientName) == "" || len(scopes) == 0 {
		return "", errors.New("device id, client name and scopes are required")
	}
	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"device_id":   deviceID,
		"client_name": clientName,
		"scopes":      scopes,
		"exp":         exp.Unix(),
		"aud":         tokenAudience,
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signHS256(secret, signingInput)), nil
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func hasAnyScope(scopes map[string]struct{}, required ...string) bool {
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}
