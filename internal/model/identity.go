package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Principal is an identity verified server-side. It is only ever produced by
// the identity verifier and lives for a single authorization request.
type Principal struct {
	ID string
}

// Profile is the subset of the backend user profile the realtime layer needs.
type Profile struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email,omitempty"`
	IsLocked             bool       `json:"is_locked"`
	LockReason           string     `json:"lock_reason,omitempty"`
	LockedUntil          *time.Time `json:"locked_until,omitempty"`
	UnlockRequestPending bool       `json:"unlock_request_pending"`
}

// UnmarshalJSON accepts the id as either a JSON string or number.
func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	aux := struct {
		ID json.RawMessage `json:"id"`
		*plain
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.ID = ""
	if len(aux.ID) == 0 || string(aux.ID) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.ID, &s); err == nil {
		p.ID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(aux.ID, &n); err != nil {
		return fmt.Errorf("invalid profile id: %w", err)
	}
	p.ID = n.String()
	return nil
}

// TokenDetails is the capability token handed to the transport client. The
// client treats it as opaque and presents Token when connecting.
type TokenDetails struct {
	Token      string              `json:"token"`
	KeyName    string              `json:"keyName"`
	ClientID   string              `json:"clientId"`
	Capability map[string][]string `json:"capability"`
	Issued     int64               `json:"issued"`
	Expires    int64               `json:"expires"`
}

// ExpiresAt returns the expiry as a time value.
func (t *TokenDetails) ExpiresAt() time.Time {
	return time.UnixMilli(t.Expires)
}

// UserChannel returns the private channel name of a principal.
func UserChannel(id string) string {
	return "user:" + id
}
