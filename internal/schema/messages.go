// Package schema defines the client/server message shapes exchanged over the
// gateway's WebSocket protocol and the normalization and validation rules
// applied to them.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrEmptyFrame is returned when an inbound frame carries no bytes at all.
var ErrEmptyFrame = errors.New("schema: empty frame")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the minimal shape every inbound frame must satisfy: the
// discriminating "type" field. Variant fields are decoded separately by the
// Decode* functions.
type Envelope struct {
	Type string `json:"type"`
}

// AuthPayload is the "auth" client→server variant (spec §4.1).
type AuthPayload struct {
	Type        string   `json:"type"`
	UUID        string   `json:"uuid"`
	Name        string   `json:"name" validate:"required,max=32"`
	AccountType string   `json:"accountType"`
	Roles       []string `json:"roles,omitempty" validate:"omitempty,max=8"`
}

// PingPayload is the "ping" client→server variant; it carries no fields.
type PingPayload struct {
	Type string `json:"type"`
}

// RolesUpdatePayload is the "roles.update" client→server variant.
type RolesUpdatePayload struct {
	Type  string   `json:"type"`
	Roles []string `json:"roles" validate:"required,min=1,max=8"`
}

// WarpStatusPayload is the optional "warp.status" telemetry variant.
type WarpStatusPayload struct {
	Type             string `json:"type"`
	Enabled          *bool  `json:"enabled,omitempty"`
	Status           string `json:"status,omitempty" validate:"omitempty,max=32"`
	WarpMode         string `json:"warpMode,omitempty" validate:"omitempty,max=32"`
	Resolver         string `json:"resolver,omitempty" validate:"omitempty,max=256"`
	WarpLatency      *int64 `json:"warpLatency,omitempty" validate:"omitempty,min=0"`
	SessionStartedAt *int64 `json:"sessionStartedAt,omitempty" validate:"omitempty,min=0"`
	LookupMs         *int64 `json:"lookupMs,omitempty" validate:"omitempty,min=0"`
	Timestamp        *int64 `json:"timestamp,omitempty" validate:"omitempty,min=0"`
	CacheHit         *bool  `json:"cacheHit,omitempty"`
	Error            string `json:"error,omitempty" validate:"omitempty,max=256"`
}

// Server→client frames.

// AuthOk acknowledges a successful auth handshake.
type AuthOk struct {
	Type  string   `json:"type"`
	UUID  string   `json:"uuid"`
	Roles []string `json:"roles"`
}

// UserJoin announces a newly authenticated peer to every open socket.
type UserJoin struct {
	Type        string `json:"type"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	AccountType string `json:"accountType"`
}

// UserLeave announces that a peer has disconnected or been evicted.
type UserLeave struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

// UserRoles announces a peer's updated role set.
type UserRoles struct {
	Type  string   `json:"type"`
	UUID  string   `json:"uuid"`
	Roles []string `json:"roles"`
}

// Pong answers a "ping" frame.
type Pong struct {
	Type string `json:"type"`
}

// ServerKeepalive is the heartbeat loop's liveness probe frame.
type ServerKeepalive struct {
	Type string `json:"type"`
}

// ServerVerify is the verification loop's reconciliation probe frame.
type ServerVerify struct {
	Type     string `json:"type"`
	UUID     string `json:"uuid"`
	LastSeen int64  `json:"lastSeen"`
}

// ErrorFrame is sent once per protocol-level failure; the socket stays open.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

const (
	TypeAuth        = "auth"
	TypePing        = "ping"
	TypeRolesUpdate = "roles.update"
	TypeWarpStatus  = "warp.status"

	TypeAuthOk          = "auth.ok"
	TypeUserJoin        = "user.join"
	TypeUserLeave       = "user.leave"
	TypeUserRoles       = "user.roles"
	TypePong            = "pong"
	TypeServerKeepalive = "server.keepalive"
	TypeServerVerify    = "server.verify"
	TypeError           = "error"

	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
)

// NewErrorFrame builds the single error frame sent in response to a malformed
// or schema-invalid inbound message.
func NewErrorFrame(code, message string, details any) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message, Details: details}
}

// DecodeEnvelope extracts the discriminating "type" field from a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodeAuth parses and validates an "auth" frame.
func DecodeAuth(raw []byte) (*AuthPayload, error) {
	var payload AuthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// DecodeRolesUpdate parses and validates a "roles.update" frame.
func DecodeRolesUpdate(raw []byte) (*RolesUpdatePayload, error) {
	var payload RolesUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// DecodeWarpStatus parses and validates a "warp.status" frame. All fields are
// optional, so validation only enforces length/range bounds on what is present.
func DecodeWarpStatus(raw []byte) (*WarpStatusPayload, error) {
	var payload WarpStatusPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Issues converts a validator error into the "validator's issue list" shape
// referenced by the error-handling design (spec §4.4/§7): one entry per
// failed field with its tag and the offending value.
func Issues(err error) any {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		issues := make([]map[string]string, 0, len(verrs))
		for _, fe := range verrs {
			issues = append(issues, map[string]string{
				"field": fe.Field(),
				"tag":   fe.Tag(),
				"value": fmt.Sprintf("%v", fe.Value()),
			})
		}
		return issues
	}
	return err.Error()
}
