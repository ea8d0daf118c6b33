// Package account owns durable accounts and the sessions that prove them.
package account

import (
	"time"
)

// Role names an assignable privilege tier.
type Role string

const (
	RoleSuperuser Role = "superuser"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleStreamer  Role = "streamer"
	RoleUser      Role = "user"
)

// roleLevels orders roles for the privilege-escalation rule. Higher wins.
var roleLevels = map[Role]int{
	RoleSuperuser: 5,
	RoleAdmin:     4,
	RoleModerator: 3,
	RoleStreamer:  2,
	RoleUser:      1,
}

// Level returns the role's rank, 0 for unknown roles.
func (r Role) Level() int {
	return roleLevels[r]
}

// ValidRole reports whether r is one of the assignable roles.
func ValidRole(r Role) bool {
	_, ok := roleLevels[r]
	return ok
}

// Status is the account lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Account is the durable identity record. PasswordVerifier is the opaque KDF
// output and never leaves the store except through snapshots.
type Account struct {
	AccountID        string            `json:"account_id"`
	Username         string            `json:"username"`
	PasswordVerifier string            `json:"password_verifier"`
	DisplayName      string            `json:"display_name"`
	Roles            []Role            `json:"roles"`
	Status           Status            `json:"status"`
	DisabledReason   string            `json:"disabled_reason,omitempty"`
	Email            string            `json:"email,omitempty"`
	Bio              string            `json:"bio,omitempty"`
	AvatarURL        string            `json:"avatar_url,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// HasRole reports whether the account holds the given role.
func (a *Account) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HighestRoleLevel returns the rank of the account's strongest role.
func (a *Account) HighestRoleLevel() int {
	highest := 0
	for _, r := range a.Roles {
		if lvl := r.Level(); lvl > highest {
			highest = lvl
		}
	}
	return highest
}

// RoleNames returns the roles as plain strings for wire payloads.
func (a *Account) RoleNames() []string {
	names := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		names[i] = string(r)
	}
	return names
}

// Public is the sanitized account view sent to clients. No verifier.
type Public struct {
	AccountID      string         `json:"accountId"`
	Username       string         `json:"username"`
	DisplayName    string         `json:"displayName"`
	Roles          []string       `json:"roles"`
	Status         Status         `json:"status"`
	DisabledReason string         `json:"disabledReason,omitempty"`
	Email          string         `json:"email,omitempty"`
	Bio            string         `json:"bio,omitempty"`
	AvatarURL      string         `json:"avatarUrl,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Public returns the sanitized view of the account.
func (a *Account) Public() Public {
	return Public{
		AccountID:      a.AccountID,
		Username:       a.Username,
		DisplayName:    a.DisplayName,
		Roles:          a.RoleNames(),
		Status:         a.Status,
		DisabledReason: a.DisabledReason,
		Email:          a.Email,
		Bio:            a.Bio,
		AvatarURL:      a.AvatarURL,
		Metadata:       a.Metadata,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

// clone returns a deep-enough copy so callers never share slices or maps with
// the store's copy.
func (a *Account) clone() *Account {
	cp := *a
	cp.Roles = append([]Role(nil), a.Roles...)
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Session is the bearer proof of an account identity. Tokens outlive
// connections; a connection resumes by presenting the token.
type Session struct {
	Token      string    `json:"token"`
	AccountID  string    `json:"account_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Session) clone() *Session {
	cp := *s
	return &cp
}
