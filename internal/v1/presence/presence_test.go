package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
)

func testAccount(id string, roles ...account.Role) *account.Account {
	return &account.Account{
		AccountID:   id,
		Username:    id + "@example.com",
		DisplayName: id,
		Roles:       roles,
		Status:      account.StatusActive,
	}
}

func TestCreateRemoveLookup(t *testing.T) {
	r := NewRegistry()
	acct := testAccount("alice", account.RoleAdmin)

	u := r.Create("conn_1", "10.0.0.1", acct)
	assert.Equal(t, "conn_1", u.ConnID)
	assert.Equal(t, []string{"admin"}, u.Roles)
	assert.False(t, u.IsSuperuser)

	got, err := r.ByConn("conn_1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.AccountID)

	r.Create("conn_2", "10.0.0.2", acct)
	assert.Equal(t, []string{"conn_1", "conn_2"}, r.ByAccount("alice"))
	assert.Equal(t, 2, r.Count())

	r.Remove("conn_1")
	assert.Equal(t, []string{"conn_2"}, r.ByAccount("alice"))
	_, err = r.ByConn("conn_1")
	assert.ErrorIs(t, err, ErrNotFound)

	r.Remove("conn_2")
	assert.Nil(t, r.ByAccount("alice"))
	r.Remove("conn_ghost") // no-op
}

func TestChannelSlots(t *testing.T) {
	r := NewRegistry()
	r.Create("conn_1", "10.0.0.1", testAccount("alice", account.RoleUser))

	require.NoError(t, r.SetCurrentChannel("conn_1", "ch_text"))
	require.NoError(t, r.SetVoiceChannel("conn_1", "ch_voice"))

	u, err := r.ByConn("conn_1")
	require.NoError(t, err)
	assert.Equal(t, "ch_text", u.CurrentChannel)
	assert.Equal(t, "ch_voice", u.VoiceChannel)

	require.NoError(t, r.SetVoiceChannel("conn_1", ""))
	u, err = r.ByConn("conn_1")
	require.NoError(t, err)
	assert.Empty(t, u.VoiceChannel)

	assert.ErrorIs(t, r.SetCurrentChannel("conn_ghost", "ch"), ErrNotFound)
}

func TestVoiceTimeout(t *testing.T) {
	r := NewRegistry()
	r.Create("conn_1", "10.0.0.1", testAccount("alice", account.RoleUser))

	assert.Zero(t, r.VoiceTimeoutRemaining("conn_1"))

	require.NoError(t, r.SetVoiceTimeout("conn_1", time.Now().Add(time.Minute)))
	remaining := r.VoiceTimeoutRemaining("conn_1")
	assert.Greater(t, remaining, 50*time.Second)

	require.NoError(t, r.SetVoiceTimeout("conn_1", time.Now().Add(-time.Second)))
	assert.Zero(t, r.VoiceTimeoutRemaining("conn_1"))

	assert.Zero(t, r.VoiceTimeoutRemaining("conn_ghost"))
}

func TestSyncAccount(t *testing.T) {
	r := NewRegistry()
	acct := testAccount("alice", account.RoleUser)
	r.Create("conn_1", "10.0.0.1", acct)
	r.Create("conn_2", "10.0.0.2", acct)

	acct.DisplayName = "Alice Prime"
	acct.Roles = []account.Role{account.RoleModerator}

	synced := r.SyncAccount(acct)
	assert.Equal(t, []string{"conn_1", "conn_2"}, synced)

	for _, connID := range synced {
		u, err := r.ByConn(connID)
		require.NoError(t, err)
		assert.Equal(t, "Alice Prime", u.DisplayName)
		assert.Equal(t, []string{"moderator"}, u.Roles)
	}

	assert.Nil(t, r.SyncAccount(testAccount("nobody", account.RoleUser)))
}

func TestBans(t *testing.T) {
	r := NewRegistry()

	b := r.Ban("alice", "spam", "mod", 0)
	assert.True(t, b.ExpiresAt.IsZero(), "zero duration = permanent")

	got, banned := r.IsBanned("alice")
	require.True(t, banned)
	assert.Equal(t, "spam", got.Reason)
	assert.Equal(t, "mod", got.BannedBy)

	assert.True(t, r.Unban("alice"))
	_, banned = r.IsBanned("alice")
	assert.False(t, banned)
	assert.False(t, r.Unban("alice"))
}

func TestBans_ExpiryAndSweep(t *testing.T) {
	r := NewRegistry()

	r.Ban("temp", "cooldown", "mod", time.Millisecond)
	r.Ban("perm", "spam", "mod", 0)
	time.Sleep(5 * time.Millisecond)

	// lazy expiry on check
	_, banned := r.IsBanned("temp")
	assert.False(t, banned)

	r.Ban("temp2", "cooldown", "mod", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, r.SweepExpiredBans(time.Now()))

	_, banned = r.IsBanned("perm")
	assert.True(t, banned)
}

func TestHasPermission(t *testing.T) {
	r := NewRegistry()
	r.Create("conn_admin", "ip", testAccount("a", account.RoleAdmin))
	r.Create("conn_mod", "ip", testAccount("m", account.RoleModerator))
	r.Create("conn_streamer", "ip", testAccount("s", account.RoleStreamer))
	r.Create("conn_user", "ip", testAccount("u", account.RoleUser))
	r.Create("conn_super", "ip", testAccount("z", account.RoleSuperuser))

	assert.True(t, r.HasPermission("conn_admin", CanCreateChannels))
	assert.True(t, r.HasPermission("conn_admin", CanDisableAccounts))

	assert.True(t, r.HasPermission("conn_mod", CanModerate))
	assert.True(t, r.HasPermission("conn_mod", CanBanUsers))
	assert.False(t, r.HasPermission("conn_mod", CanCreateChannels))
	assert.False(t, r.HasPermission("conn_mod", CanAssignRoles))

	assert.True(t, r.HasPermission("conn_streamer", CanStreamAnywhere))
	assert.False(t, r.HasPermission("conn_streamer", CanModerate))

	assert.False(t, r.HasPermission("conn_user", CanModerate))

	// superuser short-circuits everything
	assert.True(t, r.HasPermission("conn_super", CanDisableAccounts))

	assert.False(t, r.HasPermission("conn_ghost", CanModerate))
}

func TestAllowsRoleMutation(t *testing.T) {
	admin := &User{Roles: []string{"admin"}}
	mod := &User{Roles: []string{"moderator"}}
	super := &User{Roles: []string{"superuser"}, IsSuperuser: true}

	adminAcct := testAccount("a", account.RoleAdmin)
	userAcct := testAccount("u", account.RoleUser)

	// admin may manage a user and hand out up to admin
	assert.True(t, AllowsRoleMutation(admin, userAcct, []account.Role{account.RoleModerator}))
	assert.True(t, AllowsRoleMutation(admin, userAcct, []account.Role{account.RoleAdmin}))

	// but never assign above their own level
	assert.False(t, AllowsRoleMutation(admin, userAcct, []account.Role{account.RoleSuperuser}))

	// moderators cannot touch admins
	assert.False(t, AllowsRoleMutation(mod, adminAcct, []account.Role{account.RoleUser}))

	// superuser bypasses entirely
	assert.True(t, AllowsRoleMutation(super, adminAcct, []account.Role{account.RoleSuperuser}))
}

func TestAllowsBan(t *testing.T) {
	admin := &User{ConnID: "a", Roles: []string{"admin"}}
	mod := &User{ConnID: "m", Roles: []string{"moderator"}}
	mod2 := &User{ConnID: "m2", Roles: []string{"moderator"}}
	user := &User{ConnID: "u", Roles: []string{"user"}}
	super := &User{ConnID: "z", Roles: []string{"superuser"}, IsSuperuser: true}

	assert.True(t, AllowsBan(mod, user))
	assert.True(t, AllowsBan(admin, mod))
	assert.False(t, AllowsBan(mod, mod2), "moderators need admin+ to ban")
	assert.False(t, AllowsBan(admin, admin), "admins are untouchable")
	assert.False(t, AllowsBan(super, super))
	assert.True(t, AllowsBan(super, mod))
}

func TestAllowsModeration(t *testing.T) {
	admin := &User{ConnID: "a", Roles: []string{"admin"}}
	mod := &User{ConnID: "m", Roles: []string{"moderator"}}
	mod2 := &User{ConnID: "m2", Roles: []string{"moderator"}}
	user := &User{ConnID: "u", Roles: []string{"user"}}
	super := &User{ConnID: "z", Roles: []string{"superuser"}, IsSuperuser: true}

	assert.True(t, AllowsModeration(mod, user))
	assert.False(t, AllowsModeration(mod, mod2), "equal role cannot be targeted")
	assert.False(t, AllowsModeration(mod, admin))
	assert.False(t, AllowsModeration(mod, mod), "no self-targeting")
	assert.True(t, AllowsModeration(super, admin))
	assert.False(t, AllowsModeration(admin, super))
}
