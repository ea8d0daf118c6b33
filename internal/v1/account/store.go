package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/caldera-live/caldera/backend/go/internal/v1/bus"
	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
)

// Typed failures. The session coordinator maps these onto wire error codes.
var (
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrNotFound           = errors.New("account not found")
	ErrLastAdmin          = errors.New("cannot remove the last active admin")
	ErrValidation         = errors.New("validation failed")
)

// placeholderVerifier keeps authenticate timing flat when the username does
// not exist (bcrypt of an unguessable constant).
const placeholderVerifier = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Profile carries the optional registration/update fields.
type Profile struct {
	DisplayName string         `json:"displayName" validate:"omitempty,max=50"`
	Email       string         `json:"email" validate:"omitempty,email,max=254"`
	Bio         string         `json:"bio" validate:"omitempty,max=500"`
	AvatarURL   string         `json:"avatarUrl" validate:"omitempty,url,max=500"`
	Metadata    map[string]any `json:"metadata" validate:"omitempty,max=32"`
}

// Updates carries partial account mutations; nil fields are untouched.
type Updates struct {
	DisplayName *string
	Email       *string
	Bio         *string
	AvatarURL   *string
	Metadata    map[string]any
}

// Options configures a Store.
type Options struct {
	DataDir          string
	SessionTTL       time.Duration
	BcryptCost       int
	KDFWorkers       int
	SnapshotDebounce time.Duration
	Mirror           *bus.Service
}

// Store is the account registry. Internally synchronized; KDF work runs
// outside the lock on a bounded pool.
type Store struct {
	mu         sync.RWMutex
	accounts   map[string]*Account
	byUsername map[string]string         // username → account_id
	sessions   map[string]*Session       // token → session
	byAccount  map[string]set.Set[string] // account_id → tokens

	ttl      time.Duration
	kdf      *kdfPool
	snap     *snapshotter
	validate *validator.Validate
}

// NewStore builds the store and rehydrates from the snapshot files, falling
// back to the Redis mirror when the files are missing. A store that loads
// nothing starts empty and will promote the first registrant to admin again.
func NewStore(opts Options) (*Store, error) {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 720 * time.Hour
	}

	s := &Store{
		accounts:   make(map[string]*Account),
		byUsername: make(map[string]string),
		sessions:   make(map[string]*Session),
		byAccount:  make(map[string]set.Set[string]),
		ttl:        opts.SessionTTL,
		kdf:        newKDFPool(opts.KDFWorkers, opts.BcryptCost),
		validate:   validator.New(),
	}
	s.snap = newSnapshotter(opts.DataDir, opts.SnapshotDebounce, opts.Mirror, s.collectForSnapshot)

	if err := s.rehydrate(opts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rehydrate(opts Options) error {
	accounts, err := loadAccountsSnapshot(opts.DataDir)
	if err != nil {
		return fmt.Errorf("loading accounts snapshot: %w", err)
	}
	if accounts == nil && opts.Mirror != nil {
		accounts = loadAccountsFromMirror(opts.Mirror)
	}
	for _, a := range accounts {
		s.accounts[a.AccountID] = a
		s.byUsername[a.Username] = a.AccountID
	}

	sessions, err := loadSessionsSnapshot(opts.DataDir)
	if err != nil {
		return fmt.Errorf("loading sessions snapshot: %w", err)
	}
	if sessions == nil && opts.Mirror != nil {
		sessions = loadSessionsFromMirror(opts.Mirror)
	}
	now := time.Now()
	pruned := 0
	for _, sess := range sessions {
		if !sess.ExpiresAt.After(now) {
			pruned++
			continue
		}
		if _, ok := s.accounts[sess.AccountID]; !ok {
			pruned++
			continue
		}
		s.sessions[sess.Token] = sess
		s.indexSession(sess)
	}

	logging.Info(context.Background(), "Account store rehydrated",
		zap.Int("accounts", len(s.accounts)),
		zap.Int("sessions", len(s.sessions)),
		zap.Int("pruned_sessions", pruned))
	return nil
}

func loadAccountsFromMirror(mirror *bus.Service) []*Account {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := mirror.LoadAccounts(ctx)
	if err != nil {
		logging.Warn(ctx, "Mirror account load failed, starting empty", zap.Error(err))
		return nil
	}
	var accounts []*Account
	for _, raw := range records {
		var a Account
		if err := json.Unmarshal(raw, &a); err != nil {
			logging.Warn(ctx, "Skipping undecodable mirrored account", zap.Error(err))
			continue
		}
		accounts = append(accounts, &a)
	}
	if len(accounts) > 0 {
		logging.Info(ctx, "Rehydrated accounts from Redis mirror", zap.Int("count", len(accounts)))
	}
	return accounts
}

func loadSessionsFromMirror(mirror *bus.Service) []*Session {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := mirror.LoadSessions(ctx)
	if err != nil {
		logging.Warn(ctx, "Mirror session load failed", zap.Error(err))
		return nil
	}
	var sessions []*Session
	for _, raw := range records {
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions
}

func (s *Store) indexSession(sess *Session) {
	tokens, ok := s.byAccount[sess.AccountID]
	if !ok {
		tokens = set.New[string]()
		s.byAccount[sess.AccountID] = tokens
	}
	tokens.Insert(sess.Token)
}

func (s *Store) collectForSnapshot() ([]*Account, []*Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a.clone())
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].CreatedAt.Before(accounts[j].CreatedAt) })

	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess.clone())
	}
	return accounts, sessions
}

// Register creates a new account. The very first account is granted admin;
// everyone after gets user.
func (s *Store) Register(ctx context.Context, username, password string, profile Profile) (*Account, error) {
	if err := ident.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if err := ident.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if err := s.validate.Struct(profile); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	displayName := ident.SanitizeText(profile.DisplayName)
	if displayName == "" {
		// Default to the mailbox part of the username
		displayName = strings.SplitN(username, "@", 2)[0]
	}
	if err := ident.ValidateDisplayName(displayName); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	// Cheap pre-check before paying for the KDF
	s.mu.RLock()
	_, taken := s.byUsername[username]
	s.mu.RUnlock()
	if taken {
		return nil, ErrUsernameTaken
	}

	verifier, err := s.kdf.Hash(ctx, password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &Account{
		AccountID:        ident.NewID("acct"),
		Username:         username,
		PasswordVerifier: verifier,
		DisplayName:      displayName,
		Status:           StatusActive,
		Email:            profile.Email,
		Bio:              profile.Bio,
		AvatarURL:        profile.AvatarURL,
		Metadata:         profile.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.mu.Lock()
	if _, taken := s.byUsername[username]; taken {
		s.mu.Unlock()
		return nil, ErrUsernameTaken
	}
	if len(s.accounts) == 0 {
		a.Roles = []Role{RoleAdmin}
	} else {
		a.Roles = []Role{RoleUser}
	}
	s.accounts[a.AccountID] = a
	s.byUsername[username] = a.AccountID
	result := a.clone()
	s.mu.Unlock()

	s.snap.markDirty()
	logging.Info(ctx, "Account registered",
		zap.String("account_id", a.AccountID),
		zap.String("username", logging.RedactEmail(username)),
		zap.Strings("roles", result.RoleNames()))
	return result, nil
}

// Authenticate verifies credentials. Absent accounts and wrong passwords
// produce the same failure; disabled accounts are reported only after the
// password checks out.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	var verifier string
	var acct *Account
	if ok {
		acct = s.accounts[id]
		verifier = acct.PasswordVerifier
	}
	s.mu.RUnlock()

	if !ok {
		// Burn the same KDF cost as a real verification
		_, _ = s.kdf.Verify(ctx, placeholderVerifier, password)
		return nil, ErrInvalidCredentials
	}

	match, err := s.kdf.Verify(ctx, verifier, password)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, ErrInvalidCredentials
	}
	if acct.Status != StatusActive {
		return nil, ErrAccountDisabled
	}

	s.mu.RLock()
	result := s.accounts[id].clone()
	s.mu.RUnlock()
	return result, nil
}

// CreateSession mints an opaque token bound to the account. Multiple
// concurrent sessions per account are allowed.
func (s *Store) CreateSession(accountID string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		Token:      ident.NewSessionToken(),
		AccountID:  accountID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	if _, ok := s.accounts[accountID]; !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.sessions[sess.Token] = sess
	s.indexSession(sess)
	result := sess.clone()
	s.mu.Unlock()

	s.snap.markDirty()
	return result, nil
}

// TouchSession refreshes last_seen and extends expiry. Returns nil for
// unknown or expired tokens; expired tokens are revoked on the spot.
func (s *Store) TouchSession(token string) *Session {
	now := time.Now().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if !sess.ExpiresAt.After(now) {
		s.dropSessionLocked(token)
		s.mu.Unlock()
		s.snap.markDirty()
		return nil
	}
	sess.LastSeenAt = now
	if exp := now.Add(s.ttl); exp.After(sess.ExpiresAt) {
		sess.ExpiresAt = exp
	}
	result := sess.clone()
	s.mu.Unlock()

	s.snap.markDirty()
	return result
}

// RevokeSession destroys one session. Unknown tokens are a no-op.
func (s *Store) RevokeSession(token string) {
	s.mu.Lock()
	_, ok := s.sessions[token]
	if ok {
		s.dropSessionLocked(token)
	}
	s.mu.Unlock()
	if ok {
		s.snap.markDirty()
	}
}

// RevokeAllForAccount destroys every session of the account except keepToken
// (pass "" to revoke all). Returns the number revoked.
func (s *Store) RevokeAllForAccount(accountID, keepToken string) int {
	s.mu.Lock()
	revoked := 0
	if tokens, ok := s.byAccount[accountID]; ok {
		for _, token := range tokens.UnsortedList() {
			if token == keepToken {
				continue
			}
			s.dropSessionLocked(token)
			revoked++
		}
	}
	s.mu.Unlock()

	if revoked > 0 {
		s.snap.markDirty()
	}
	return revoked
}

// dropSessionLocked removes a session and its index entry. Caller holds mu.
func (s *Store) dropSessionLocked(token string) {
	sess, ok := s.sessions[token]
	if !ok {
		return
	}
	delete(s.sessions, token)
	if tokens, ok := s.byAccount[sess.AccountID]; ok {
		tokens.Delete(token)
		if tokens.Len() == 0 {
			delete(s.byAccount, sess.AccountID)
		}
	}
}

// SweepExpiredSessions drops every session past its expiry. Called from the
// orchestrator's maintenance ticker.
func (s *Store) SweepExpiredSessions() int {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for token, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			expired = append(expired, token)
		}
	}
	for _, token := range expired {
		s.dropSessionLocked(token)
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.snap.markDirty()
	}
	return len(expired)
}

// ChangePassword verifies the current password, installs a new verifier, and
// revokes every other session of the account.
func (s *Store) ChangePassword(ctx context.Context, accountID, current, newPassword, keepToken string) error {
	if err := ident.ValidatePassword(newPassword); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}

	s.mu.RLock()
	acct, ok := s.accounts[accountID]
	var verifier string
	if ok {
		verifier = acct.PasswordVerifier
	}
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	match, err := s.kdf.Verify(ctx, verifier, current)
	if err != nil {
		return err
	}
	if !match {
		return ErrInvalidCredentials
	}

	newVerifier, err := s.kdf.Hash(ctx, newPassword)
	if err != nil {
		return err
	}

	s.mu.Lock()
	acct, ok = s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	acct.PasswordVerifier = newVerifier
	acct.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.RevokeAllForAccount(accountID, keepToken)
	s.snap.markDirty()
	return nil
}

// Update applies partial profile mutations.
func (s *Store) Update(accountID string, updates Updates) (*Account, error) {
	profile := Profile{}
	if updates.Email != nil {
		profile.Email = *updates.Email
	}
	if updates.Bio != nil {
		profile.Bio = *updates.Bio
	}
	if updates.AvatarURL != nil {
		profile.AvatarURL = *updates.AvatarURL
	}
	if err := s.validate.Struct(profile); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	var displayName string
	if updates.DisplayName != nil {
		displayName = ident.SanitizeText(*updates.DisplayName)
		if err := ident.ValidateDisplayName(displayName); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err)
		}
	}

	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if updates.DisplayName != nil {
		acct.DisplayName = displayName
	}
	if updates.Email != nil {
		acct.Email = *updates.Email
	}
	if updates.Bio != nil {
		acct.Bio = *updates.Bio
	}
	if updates.AvatarURL != nil {
		acct.AvatarURL = *updates.AvatarURL
	}
	if updates.Metadata != nil {
		acct.Metadata = updates.Metadata
	}
	acct.UpdatedAt = time.Now().UTC()
	result := acct.clone()
	s.mu.Unlock()

	s.snap.markDirty()
	return result, nil
}

// AssignRoles replaces the account's role set. Rejects empty sets, unknown
// roles, and removal of the last active admin. Active sessions keep working
// with the new roles.
func (s *Store) AssignRoles(accountID string, roles []Role) (*Account, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: roles cannot be empty", ErrValidation)
	}
	deduped := set.New[Role]()
	for _, r := range roles {
		r = Role(strings.ToLower(string(r)))
		if !ValidRole(r) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, r)
		}
		deduped.Insert(r)
	}

	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if acct.HasRole(RoleAdmin) && !deduped.Has(RoleAdmin) && s.isLastActiveAdminLocked(accountID) {
		s.mu.Unlock()
		return nil, ErrLastAdmin
	}
	acct.Roles = deduped.SortedList()
	acct.UpdatedAt = time.Now().UTC()
	result := acct.clone()
	s.mu.Unlock()

	s.snap.markDirty()
	return result, nil
}

// Disable marks the account disabled and revokes its sessions. Disabling the
// last active admin is forbidden.
func (s *Store) Disable(accountID, reason string) (*Account, error) {
	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if acct.Status == StatusActive && acct.HasRole(RoleAdmin) && s.isLastActiveAdminLocked(accountID) {
		s.mu.Unlock()
		return nil, ErrLastAdmin
	}
	acct.Status = StatusDisabled
	acct.DisabledReason = reason
	acct.UpdatedAt = time.Now().UTC()
	result := acct.clone()
	s.mu.Unlock()

	s.RevokeAllForAccount(accountID, "")
	s.snap.markDirty()
	return result, nil
}

// Enable reactivates a disabled account.
func (s *Store) Enable(accountID string) (*Account, error) {
	s.mu.Lock()
	acct, ok := s.accounts[accountID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	acct.Status = StatusActive
	acct.DisabledReason = ""
	acct.UpdatedAt = time.Now().UTC()
	result := acct.clone()
	s.mu.Unlock()

	s.snap.markDirty()
	return result, nil
}

// isLastActiveAdminLocked reports whether no OTHER active account holds
// admin. Caller holds mu.
func (s *Store) isLastActiveAdminLocked(accountID string) bool {
	for id, a := range s.accounts {
		if id == accountID {
			continue
		}
		if a.Status == StatusActive && a.HasRole(RoleAdmin) {
			return false
		}
	}
	return true
}

// ByID returns a copy of the account.
func (s *Store) ByID(accountID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return acct.clone(), nil
}

// ByUsername returns a copy of the account indexed by the lowercase username.
func (s *Store) ByUsername(username string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	return s.accounts[id].clone(), nil
}

// SessionByToken returns a copy of the session without touching it.
func (s *Store) SessionByToken(token string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

// List returns all accounts ordered by creation time.
func (s *Store) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a.clone())
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].CreatedAt.Before(accounts[j].CreatedAt) })
	return accounts
}

// Count returns the number of accounts.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// SessionCount returns the number of live sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Flush forces a synchronous snapshot write. Used at shutdown.
func (s *Store) Flush() error {
	return s.snap.Flush()
}

// Close stops the snapshot timer and writes a final snapshot.
func (s *Store) Close() error {
	s.snap.Stop()
	return s.snap.Flush()
}
