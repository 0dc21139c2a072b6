package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AccountTypePaid is the account-type classifier reported by the auth
// service for paid-tier accounts. Anything else is treated as free tier.
const AccountTypePaid = "paid"

// Credential is the parsed form of an account's stored credential blob:
// a flat string-to-string mapping of cookie-like state.
type Credential map[string]string

// ParseCredential parses a serialized credential blob. An empty blob or
// anything that is not a JSON object mapping is rejected.
func ParseCredential(blob string) (Credential, error) {
	if blob == "" {
		return nil, fmt.Errorf("credential blob is empty")
	}
	var cred Credential
	if err := json.Unmarshal([]byte(blob), &cred); err != nil {
		return nil, err
	}
	if len(cred) == 0 {
		return nil, fmt.Errorf("credential blob is an empty mapping")
	}
	return cred, nil
}

// Serialize returns the canonical serialized form of the credential.
func (c Credential) Serialize() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Account represents one stored credential record for an external-service
// identity. Records are created and soft-deleted by operator tooling; the
// daemon only refreshes, enables/disables, and resets usage.
type Account struct {
	ID                  string     `json:"id"`
	Enable              bool       `json:"enable"`
	SilentCredential    string     `json:"silent_credential"`
	AccessToken         string     `json:"access_token"`
	SessionToken        string     `json:"session_token"`
	AuthInfo            string     `json:"auth_info"`
	AccountType         string     `json:"account_type"`
	CredentialExpiresAt time.Time  `json:"credential_expires_at"`
	SessionExpiresAt    *time.Time `json:"session_expires_at,omitempty"`
	UsageCount          int64      `json:"usage_count"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

// Validate checks if the account is valid.
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("account ID is required")
	}
	if a.SilentCredential != "" {
		if _, err := ParseCredential(a.SilentCredential); err != nil {
			return fmt.Errorf("silent credential is not a JSON object: %w", err)
		}
	}
	if a.UsageCount < 0 {
		return fmt.Errorf("usage count cannot be negative")
	}
	return nil
}

// IsDeleted returns true if the account has been soft-deleted.
func (a *Account) IsDeleted() bool {
	return a.DeletedAt != nil
}

// IsPaid returns true if the account belongs to the paid tier.
func (a *Account) IsPaid() bool {
	return a.AccountType == AccountTypePaid
}

// NeedsSessionToken reports whether the lazy session-token derivation is
// still pending: an access token exists but no session token has been
// obtained yet. Once a session token is stored this stays false and the
// sign-in call is never repeated.
func (a *Account) NeedsSessionToken() bool {
	return a.AccessToken != "" && a.SessionToken == ""
}

// Snapshot is the cache-facing view of an account. It is what downstream
// consumers read from the mirror, so it carries everything they need to
// use the account without touching the store.
type Snapshot struct {
	ID                  string     `json:"id"`
	Enable              bool       `json:"enable"`
	AccessToken         string     `json:"access_token"`
	SessionToken        string     `json:"session_token"`
	AccountType         string     `json:"account_type"`
	CredentialExpiresAt time.Time  `json:"credential_expires_at"`
	SessionExpiresAt    *time.Time `json:"session_expires_at,omitempty"`
	UsageCount          int64      `json:"usage_count"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Snapshot builds the cache snapshot for the account's current state.
func (a *Account) Snapshot() *Snapshot {
	return &Snapshot{
		ID:                  a.ID,
		Enable:              a.Enable,
		AccessToken:         a.AccessToken,
		SessionToken:        a.SessionToken,
		AccountType:         a.AccountType,
		CredentialExpiresAt: a.CredentialExpiresAt,
		SessionExpiresAt:    a.SessionExpiresAt,
		UsageCount:          a.UsageCount,
		UpdatedAt:           a.UpdatedAt,
	}
}

// Serialize encodes the snapshot as JSON for the cache mirror.
func (s *Snapshot) Serialize() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// AccountSlice is a slice of accounts with helper methods.
type AccountSlice []*Account

// FindByID returns an account by ID.
func (as AccountSlice) FindByID(id string) (*Account, bool) {
	for _, a := range as {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// FilterEnabled returns only enabled accounts.
func (as AccountSlice) FilterEnabled() AccountSlice {
	var result AccountSlice
	for _, a := range as {
		if a.Enable {
			result = append(result, a)
		}
	}
	return result
}
