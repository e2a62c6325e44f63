// Package domain holds the value types shared across the auth state
// components.
package domain

import "time"

// UserClaims is the identity snapshot embedded in access tokens. The
// authoritative user record lives outside this subsystem; claims are
// fetched fresh on every token rotation.
type UserClaims struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Role        string `json:"role,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// DeviceInfo is the weak device fingerprint captured at refresh-token
// issuance and compared on refresh.
type DeviceInfo struct {
	DeviceID  string `json:"device_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// RefreshTokenRecord is the stored state behind an opaque refresh token.
type RefreshTokenRecord struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
