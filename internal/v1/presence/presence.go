// Package presence maps live connections to materialized users and carries
// the moderation state that hangs off them: bans, voice timeouts, and the
// role→capability table.
package presence

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
)

var ErrNotFound = errors.New("connection not registered")

// User is the per-connection materialized view of an account plus live
// state. Account fields are refreshed by SyncAccount when the account
// mutates.
type User struct {
	ConnID            string    `json:"id"`
	AccountID         string    `json:"accountId"`
	Username          string    `json:"-"`
	DisplayName       string    `json:"name"`
	Roles             []string  `json:"roles"`
	IsSuperuser       bool      `json:"isSuperuser,omitempty"`
	CurrentChannel    string    `json:"currentChannel,omitempty"`
	VoiceChannel      string    `json:"voiceChannel,omitempty"`
	VoiceTimeoutUntil time.Time `json:"-"`
	RemoteIP          string    `json:"-"`
	ConnectedAt       time.Time `json:"-"`
}

func (u *User) clone() *User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	return &cp
}

// HighestRoleLevel returns the rank of the user's strongest role.
func (u *User) HighestRoleLevel() int {
	highest := 0
	for _, r := range u.Roles {
		if lvl := account.Role(r).Level(); lvl > highest {
			highest = lvl
		}
	}
	return highest
}

// Ban is a moderation record. A zero ExpiresAt means permanent.
type Ban struct {
	AccountID string    `json:"account_id"`
	Reason    string    `json:"reason"`
	BannedBy  string    `json:"banned_by"`
	BannedAt  time.Time `json:"banned_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (b *Ban) expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !b.ExpiresAt.After(now)
}

// Registry is the conn→user mapping plus the ban store.
type Registry struct {
	mu        sync.RWMutex
	users     map[string]*User           // conn_id → user
	byAccount map[string]set.Set[string] // account_id → conn_ids
	bans      map[string]*Ban            // account_id → ban
}

func NewRegistry() *Registry {
	return &Registry{
		users:     make(map[string]*User),
		byAccount: make(map[string]set.Set[string]),
		bans:      make(map[string]*Ban),
	}
}

// Create materializes a user for an authenticated connection.
func (r *Registry) Create(connID, remoteIP string, acct *account.Account) *User {
	u := &User{
		ConnID:      connID,
		AccountID:   acct.AccountID,
		Username:    acct.Username,
		DisplayName: acct.DisplayName,
		Roles:       acct.RoleNames(),
		IsSuperuser: acct.HasRole(account.RoleSuperuser),
		RemoteIP:    remoteIP,
		ConnectedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.users[connID] = u
	conns, ok := r.byAccount[acct.AccountID]
	if !ok {
		conns = set.New[string]()
		r.byAccount[acct.AccountID] = conns
	}
	conns.Insert(connID)
	result := u.clone()
	r.mu.Unlock()
	return result
}

// Remove drops the connection's user. No-op when unknown.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connID]
	if !ok {
		return
	}
	delete(r.users, connID)
	if conns, ok := r.byAccount[u.AccountID]; ok {
		conns.Delete(connID)
		if conns.Len() == 0 {
			delete(r.byAccount, u.AccountID)
		}
	}
}

// ByConn returns a copy of the connection's user.
func (r *Registry) ByConn(connID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[connID]
	if !ok {
		return nil, ErrNotFound
	}
	return u.clone(), nil
}

// ByAccount returns the conn ids of every live connection of the account.
func (r *Registry) ByAccount(accountID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns, ok := r.byAccount[accountID]
	if !ok {
		return nil
	}
	return conns.SortedList()
}

// All returns copies of every materialized user sorted by connect time.
func (r *Registry) All() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.clone())
	}
	return out
}

// Count returns the number of materialized users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// SetCurrentChannel records the text/stream/screenshare room the connection
// occupies.
func (r *Registry) SetCurrentChannel(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[connID]
	if !ok {
		return ErrNotFound
	}
	u.CurrentChannel = channelID
	return nil
}

// SetVoiceChannel records the connection's voice room ("" to clear).
func (r *Registry) SetVoiceChannel(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[connID]
	if !ok {
		return ErrNotFound
	}
	u.VoiceChannel = channelID
	return nil
}

// SetVoiceTimeout blocks the connection from joining voice until deadline.
func (r *Registry) SetVoiceTimeout(connID string, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[connID]
	if !ok {
		return ErrNotFound
	}
	u.VoiceTimeoutUntil = deadline
	return nil
}

// VoiceTimeoutRemaining returns how long the connection is still barred from
// voice; zero when unrestricted.
func (r *Registry) VoiceTimeoutRemaining(connID string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[connID]
	if !ok {
		return 0
	}
	if remaining := time.Until(u.VoiceTimeoutUntil); remaining > 0 {
		return remaining
	}
	return 0
}

// SyncAccount re-materializes account-derived fields on every connection of
// the account, after role/profile/status mutations. Returns the affected
// conn ids.
func (r *Registry) SyncAccount(acct *account.Account) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byAccount[acct.AccountID]
	if !ok {
		return nil
	}
	ids := conns.SortedList()
	for _, connID := range ids {
		u := r.users[connID]
		u.Username = acct.Username
		u.DisplayName = acct.DisplayName
		u.Roles = acct.RoleNames()
		u.IsSuperuser = acct.HasRole(account.RoleSuperuser)
	}
	return ids
}

// Ban records a moderation ban; zero duration means permanent. Replaces any
// existing ban for the account.
func (r *Registry) Ban(accountID, reason, bannedBy string, duration time.Duration) *Ban {
	b := &Ban{
		AccountID: accountID,
		Reason:    reason,
		BannedBy:  bannedBy,
		BannedAt:  time.Now().UTC(),
	}
	if duration > 0 {
		b.ExpiresAt = b.BannedAt.Add(duration)
	}

	r.mu.Lock()
	r.bans[accountID] = b
	cp := *b
	r.mu.Unlock()
	return &cp
}

// Unban lifts a ban. Returns whether one existed.
func (r *Registry) Unban(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bans[accountID]
	delete(r.bans, accountID)
	return ok
}

// IsBanned reports the active ban for the account, expiring lazily.
func (r *Registry) IsBanned(accountID string) (*Ban, bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bans[accountID]
	if !ok {
		return nil, false
	}
	if b.expired(now) {
		delete(r.bans, accountID)
		return nil, false
	}
	cp := *b
	return &cp, true
}

// SweepExpiredBans drops bans past their deadline. Run on the maintenance
// ticker.
func (r *Registry) SweepExpiredBans(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for id, b := range r.bans {
		if b.expired(now) {
			delete(r.bans, id)
			swept++
		}
	}
	return swept
}
