package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Defaults(t *testing.T) {
	p := Normalize(PermissionsInput{})

	assert.Equal(t, []string{Wildcard}, p[ActionView].Roles)
	assert.Equal(t, []string{Wildcard}, p[ActionChat].Roles)
	assert.Equal(t, []string{Wildcard}, p[ActionVoice].Roles)
	assert.Equal(t, []string{Wildcard}, p[ActionStream].Roles)
	assert.Equal(t, []string{"admin"}, p[ActionManage].Roles)
}

func TestNormalize_LowercasesAndDedupes(t *testing.T) {
	p := Normalize(PermissionsInput{
		Chat: &RuleInput{Roles: []string{"Admin", "MODERATOR", "admin", "  user "}},
	})
	assert.Equal(t, []string{"admin", "moderator", "user"}, p[ActionChat].Roles)
}

func TestNormalize_WildcardCollapse(t *testing.T) {
	p := Normalize(PermissionsInput{
		Chat:  &RuleInput{Roles: []string{"admin", "*", "user"}},
		Voice: &RuleInput{Roles: []string{"@all", "moderator"}},
	})
	assert.Equal(t, []string{Wildcard}, p[ActionChat].Roles)
	assert.Equal(t, []string{Wildcard}, p[ActionVoice].Roles)
}

func TestNormalize_AllowedStreamersFold(t *testing.T) {
	p := Normalize(PermissionsInput{
		Stream:           &RuleInput{Roles: []string{"streamer"}, Accounts: []string{"acct_b"}},
		AllowedStreamers: []string{"acct_a", "acct_b"},
	})
	assert.Equal(t, []string{"acct_a", "acct_b"}, p[ActionStream].Accounts)
	assert.Equal(t, []string{"streamer"}, p[ActionStream].Roles)
}

func TestNormalize_LegacyStreamShorthand(t *testing.T) {
	// {"admin","streamer"} with no allow-list meant "anyone may stream"
	p := Normalize(PermissionsInput{
		Stream: &RuleInput{Roles: []string{"Streamer", "admin"}},
	})
	assert.Equal(t, []string{Wildcard}, p[ActionStream].Roles)

	// an account allow-list signals deliberate restriction, so no collapse
	p = Normalize(PermissionsInput{
		Stream: &RuleInput{Roles: []string{"admin", "streamer"}, Accounts: []string{"acct_a"}},
	})
	assert.Equal(t, []string{"admin", "streamer"}, p[ActionStream].Roles)
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []PermissionsInput{
		{},
		{Chat: &RuleInput{Roles: []string{"Admin", "*", "admin"}}},
		{Stream: &RuleInput{Roles: []string{"admin", "streamer"}}},
		{
			Stream:           &RuleInput{Roles: []string{"streamer"}},
			AllowedStreamers: []string{"acct_z", "acct_a"},
		},
		{Manage: &RuleInput{Roles: []string{"MODERATOR", "admin"}, Accounts: []string{"acct_1"}}},
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once.Input())
		assert.Equal(t, once, twice)
	}
}

func TestCanAccess_Precedence(t *testing.T) {
	r := NewRegistry(Options{})
	c, err := r.Create("locked", KindText, "", PermissionsInput{
		Chat: &RuleInput{Roles: []string{"moderator"}, Accounts: []string{"acct_vip"}},
	})
	require.NoError(t, err)

	check := func(accountID string, roles []string) bool {
		ok, err := r.CanAccess(c.ChannelID, accountID, roles, ActionChat)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check("acct_x", []string{"superuser"}), "superuser short-circuits")
	assert.True(t, check("acct_x", []string{"moderator"}), "role match")
	assert.True(t, check("acct_vip", []string{"user"}), "account allow-list")
	assert.False(t, check("acct_x", []string{"user"}))
	assert.False(t, check("", []string{"user"}))

	// wildcard action
	ok, err := r.CanAccess(c.ChannelID, "acct_x", []string{"user"}, ActionView)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = r.CanAccess("ch_missing", "acct_x", []string{"user"}, ActionChat)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCanAccess_Monotonic(t *testing.T) {
	r := NewRegistry(Options{})
	c, err := r.Create("mods", KindText, "", PermissionsInput{
		Chat: &RuleInput{Roles: []string{"moderator"}},
	})
	require.NoError(t, err)

	base := []string{"moderator"}
	ok, err := r.CanAccess(c.ChannelID, "acct_x", base, ActionChat)
	require.NoError(t, err)
	require.True(t, ok)

	// adding roles never revokes a granted decision
	super := append([]string{"user", "admin"}, base...)
	ok, err = r.CanAccess(c.ChannelID, "acct_x", super, ActionChat)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdatePermissions_Normalizes(t *testing.T) {
	r := NewRegistry(Options{})
	c, err := r.Create("room", KindText, "", PermissionsInput{})
	require.NoError(t, err)

	p, err := r.UpdatePermissions(c.ChannelID, PermissionsInput{
		Chat: &RuleInput{Roles: []string{"ADMIN", "@all"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{Wildcard}, p[ActionChat].Roles)

	got, err := r.GetPermissions(c.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = r.UpdatePermissions("ch_missing", PermissionsInput{})
	assert.ErrorIs(t, err, ErrNotFound)
}
