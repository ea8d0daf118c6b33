package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/chatlog"
	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
)

// recordingSub captures every frame enqueued for one connection.
type recordingSub struct {
	id     string
	frames [][]byte
}

func (s *recordingSub) ConnID() string { return s.id }
func (s *recordingSub) Enqueue(data []byte) bool {
	s.frames = append(s.frames, data)
	return true
}

// events returns the captured event names in order.
func (s *recordingSub) events() []string {
	var names []string
	for _, frame := range s.frames {
		var e struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(frame, &e)
		names = append(names, e.Event)
	}
	return names
}

// lastPayload decodes the payload of the newest frame with the given name.
func (s *recordingSub) lastPayload(t *testing.T, event string, into any) {
	t.Helper()
	for i := len(s.frames) - 1; i >= 0; i-- {
		var e struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(s.frames[i], &e))
		if e.Event == event {
			require.NoError(t, json.Unmarshal(e.Payload, into))
			return
		}
	}
	t.Fatalf("no %q event captured for %s (got %v)", event, s.id, s.events())
}

func (s *recordingSub) has(event string) bool {
	for _, name := range s.events() {
		if name == event {
			return true
		}
	}
	return false
}

type testEnv struct {
	t        *testing.T
	accounts *account.Store
	channels *channel.Registry
	chat     *chatlog.Log
	users    *presence.Registry
	fab      *fabric.Fabric
	closed   []string
	nextConn int
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	accounts, err := account.NewStore(account.Options{
		DataDir:    t.TempDir(),
		SessionTTL: time.Hour,
		BcryptCost: 4,
		KDFWorkers: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = accounts.Close() })

	env := &testEnv{
		t:        t,
		accounts: accounts,
		channels: channel.NewRegistry(channel.Options{}),
		chat:     chatlog.NewLog(200),
		users:    presence.NewRegistry(),
	}
	env.fab = fabric.New(func(connID, reason string) { env.closed = append(env.closed, connID) })

	// defaults every boot seeds
	_, err = env.channels.Create("general", channel.KindText, "", channel.PermissionsInput{})
	require.NoError(t, err)
	_, err = env.channels.Create("lounge", channel.KindVoice, "", channel.PermissionsInput{})
	require.NoError(t, err)
	_, err = env.channels.Create("broadcast", channel.KindStream, "", channel.PermissionsInput{})
	require.NoError(t, err)
	_, err = env.channels.Create("screens", channel.KindScreenshare, "", channel.PermissionsInput{})
	require.NoError(t, err)
	return env
}

func (e *testEnv) deps() Deps {
	return Deps{
		Accounts:         e.accounts,
		Channels:         e.channels,
		Chat:             e.chat,
		Presence:         e.users,
		Fabric:           e.fab,
		MaxMessageLength: 2000,
		CloseConn:        func(connID, reason string) { e.closed = append(e.closed, connID) },
	}
}

// connect registers a fresh connection with the fabric and returns its
// coordinator plus the recording subscriber.
func (e *testEnv) connect() (*Coordinator, *recordingSub) {
	e.nextConn++
	connID := fmt.Sprintf("conn_%d", e.nextConn)
	sub := &recordingSub{id: connID}
	e.fab.Register(sub)
	return NewCoordinator(e.deps(), connID, "10.0.0.1"), sub
}

func (e *testEnv) cmd(co *Coordinator, event string, payload any) {
	e.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(e.t, err)
		raw = data
	}
	co.HandleCommand(context.Background(), Command{Event: event, Payload: raw})
}

// register authenticates a connection via auth:register.
func (e *testEnv) register(co *Coordinator, username string) {
	e.t.Helper()
	e.cmd(co, CmdAuthRegister, map[string]string{
		"username": username,
		"password": "correct horse battery",
	})
}

func (e *testEnv) channelID(name string) string {
	e.t.Helper()
	c, err := e.channels.ByName(name)
	require.NoError(e.t, err)
	return c.ChannelID
}

func errCode(t *testing.T, sub *recordingSub, event string) string {
	t.Helper()
	var p struct {
		Code string `json:"code"`
	}
	sub.lastPayload(t, event, &p)
	return p.Code
}

func TestRegister_FirstAccountIsAdminWithSeededChannels(t *testing.T) {
	env := newEnv(t)
	co, sub := env.connect()

	env.register(co, "alice@x.io")

	var payload struct {
		Account struct {
			Roles []string `json:"roles"`
		} `json:"account"`
		Channels     []map[string]any  `json:"channels"`
		Session      map[string]string `json:"session"`
		IsNewAccount bool              `json:"isNewAccount"`
	}
	sub.lastPayload(t, EvtAuthSuccess, &payload)

	assert.Equal(t, []string{"admin"}, payload.Account.Roles)
	assert.True(t, payload.IsNewAccount)
	assert.Contains(t, payload.Session["token"], "tok_")
	assert.Len(t, payload.Channels, 4, "seeded defaults are in the snapshot")
}

func TestAuth_Preconditions(t *testing.T) {
	env := newEnv(t)
	co, sub := env.connect()

	// everything but auth requires identity
	env.cmd(co, CmdChat, map[string]string{"text": "hi"})
	assert.Equal(t, CodeAuthRequired, errCode(t, sub, EvtError))

	env.register(co, "alice@x.io")

	// re-auth on a bound connection is rejected
	env.cmd(co, CmdAuthLogin, map[string]string{"username": "alice@x.io", "password": "correct horse battery"})
	assert.Equal(t, CodeAlreadyAuthenticated, errCode(t, sub, EvtAuthError))
}

func TestLogin_WrongPassword(t *testing.T) {
	env := newEnv(t)
	co, sub := env.connect()
	env.register(co, "alice@x.io")
	env.cmd(co, CmdAuthLogout, nil)

	env.cmd(co, CmdAuthLogin, map[string]string{"username": "alice@x.io", "password": "wrong password!"})
	assert.Equal(t, CodeInvalidCredentials, errCode(t, sub, EvtAuthError))
}

func TestSessionResume(t *testing.T) {
	env := newEnv(t)
	co, sub := env.connect()
	env.register(co, "alice@x.io")

	var payload struct {
		Session map[string]string `json:"session"`
	}
	sub.lastPayload(t, EvtAuthSuccess, &payload)
	token := payload.Session["token"]
	env.cmd(co, CmdAuthLogout, nil)

	// logout revoked the token
	co2, sub2 := env.connect()
	env.cmd(co2, CmdAuthSession, map[string]string{"token": token})
	assert.Equal(t, CodeSessionExpired, errCode(t, sub2, EvtAuthError))

	// a live token resumes on a fresh connection
	env.cmd(co2, CmdAuthLogin, map[string]string{"username": "alice@x.io", "password": "correct horse battery"})
	sub2.lastPayload(t, EvtAuthSuccess, &payload)

	co3, sub3 := env.connect()
	env.cmd(co3, CmdAuthSession, map[string]string{"token": payload.Session["token"]})
	assert.True(t, sub3.has(EvtAuthSuccess))
}

func TestChannelJoinAndChat(t *testing.T) {
	env := newEnv(t)
	a, subA := env.connect()
	b, subB := env.connect()
	env.register(a, "alice@x.io")
	env.register(b, "bob@x.io")

	general := env.channelID("general")
	env.cmd(a, CmdChannelJoin, map[string]string{"channelId": general})
	env.cmd(b, CmdChannelJoin, map[string]string{"channelId": general})

	var joined map[string]string
	subA.lastPayload(t, EvtChannelJoined, &joined)
	assert.Equal(t, "general", joined["channelName"])
	assert.True(t, subA.has(EvtChatHistory))

	env.cmd(a, CmdChat, map[string]string{"text": "  hello <b>there</b>  "})

	var msgA, msgB chatlog.Message
	subA.lastPayload(t, EvtChat, &msgA)
	subB.lastPayload(t, EvtChat, &msgB)
	assert.Equal(t, "hello there", msgA.Text, "sanitized before fan-out")
	assert.Equal(t, msgA.MessageID, msgB.MessageID)
	assert.Equal(t, "alice", msgA.FromName)
}

func TestChat_RequiresChannel(t *testing.T) {
	env := newEnv(t)
	co, sub := env.connect()
	env.register(co, "alice@x.io")

	env.cmd(co, CmdChat, map[string]string{"text": "hi"})
	assert.Equal(t, CodeValidation, errCode(t, sub, EvtError))
}

func TestChannelJoin_CapacityFailureKeepsCurrentRoom(t *testing.T) {
	env := newEnv(t)
	env.channels = channel.NewRegistry(channel.Options{MaxChannelMembers: 1})
	_, err := env.channels.Create("general", channel.KindText, "", channel.PermissionsInput{})
	require.NoError(t, err)
	_, err = env.channels.Create("tiny", channel.KindText, "", channel.PermissionsInput{})
	require.NoError(t, err)

	a, _ := env.connect()
	env.register(a, "alice@x.io")
	env.cmd(a, CmdChannelJoin, map[string]string{"channelId": env.channelID("tiny")})

	b, subB := env.connect()
	env.register(b, "bob@x.io")
	env.cmd(b, CmdChannelJoin, map[string]string{"channelId": env.channelID("general")})

	env.cmd(b, CmdChannelJoin, map[string]string{"channelId": env.channelID("tiny")})
	assert.Equal(t, CodeCapacity, errCode(t, subB, EvtError))
	assert.True(t, env.channels.HasMember(env.channelID("general"), subB.id),
		"a failed join must not evict the held room")
	assert.False(t, env.channels.HasMember(env.channelID("tiny"), subB.id))
}

func TestChatDelete_RequiresCapabilityAndBroadcasts(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	user, subUser := env.connect()
	env.register(admin, "admin@x.io") // first account: admin
	env.register(user, "bob@x.io")

	general := env.channelID("general")
	env.cmd(admin, CmdChannelJoin, map[string]string{"channelId": general})
	env.cmd(user, CmdChannelJoin, map[string]string{"channelId": general})
	env.cmd(user, CmdChat, map[string]string{"text": "regrettable"})

	var msg chatlog.Message
	subUser.lastPayload(t, EvtChat, &msg)

	// plain users cannot delete
	env.cmd(user, CmdChatDelete, map[string]string{"messageId": msg.MessageID, "channelId": general})
	assert.Equal(t, CodePermissionDenied, errCode(t, subUser, EvtError))

	env.cmd(admin, CmdChatDelete, map[string]string{"messageId": msg.MessageID, "channelId": general})

	var deleted map[string]string
	subUser.lastPayload(t, EvtChatMsgDeleted, &deleted)
	assert.Equal(t, msg.MessageID, deleted["messageId"])
	assert.Equal(t, "admin", deleted["deletedBy"])
}

func TestVoiceJoinLeaveOrdering(t *testing.T) {
	env := newEnv(t)
	a, subA := env.connect()
	b, subB := env.connect()
	c, subC := env.connect()
	env.register(a, "a@x.io")
	env.register(b, "b@x.io")
	env.register(c, "c@x.io")

	lounge := env.channelID("lounge")
	join := map[string]string{"channelId": lounge}

	env.cmd(a, CmdVoiceJoin, join)
	var joinedA struct {
		Peers     []map[string]any `json:"peers"`
		SessionID string           `json:"sessionId"`
	}
	subA.lastPayload(t, EvtVoiceJoined, &joinedA)
	assert.Empty(t, joinedA.Peers)
	assert.Contains(t, joinedA.SessionID, "vs_")

	env.cmd(b, CmdVoiceJoin, join)
	var joinedB struct {
		Peers     []map[string]any `json:"peers"`
		SessionID string           `json:"sessionId"`
	}
	subB.lastPayload(t, EvtVoiceJoined, &joinedB)
	require.Len(t, joinedB.Peers, 1)
	assert.Equal(t, "conn_1", joinedB.Peers[0]["id"])
	assert.Equal(t, joinedA.SessionID, joinedB.SessionID)

	// A saw B's peer-join
	var peerJoin map[string]any
	subA.lastPayload(t, EvtVoicePeerJoin, &peerJoin)
	assert.Equal(t, "conn_2", peerJoin["id"])

	env.cmd(c, CmdVoiceJoin, join)
	var joinedC struct {
		Peers []map[string]any `json:"peers"`
	}
	subC.lastPayload(t, EvtVoiceJoined, &joinedC)
	assert.Len(t, joinedC.Peers, 2)

	// B leaves: A and C both observe peer-leave
	env.cmd(b, CmdVoiceLeave, nil)
	var leave map[string]string
	subA.lastPayload(t, EvtVoicePeerLeave, &leave)
	assert.Equal(t, "conn_2", leave["id"])
	subC.lastPayload(t, EvtVoicePeerLeave, &leave)
	assert.Equal(t, "conn_2", leave["id"])

	// last leave closes the session
	env.cmd(a, CmdVoiceLeave, nil)
	env.cmd(c, CmdVoiceLeave, nil)
	ch, err := env.channels.ByID(lounge)
	require.NoError(t, err)
	assert.Empty(t, ch.VoiceSessionID)
	assert.Empty(t, ch.VoiceParticipants)
}

func TestVoiceSignal_CrossChannelDropped(t *testing.T) {
	env := newEnv(t)
	_, err := env.channels.Create("lounge2", channel.KindVoice, "", channel.PermissionsInput{})
	require.NoError(t, err)

	a, subA := env.connect()
	b, subB := env.connect()
	env.register(a, "a@x.io")
	env.register(b, "b@x.io")

	env.cmd(a, CmdVoiceJoin, map[string]string{"channelId": env.channelID("lounge")})
	env.cmd(b, CmdVoiceJoin, map[string]string{"channelId": env.channelID("lounge2")})

	beforeB := len(subB.frames)
	beforeAErrs := len(subA.frames)
	env.cmd(a, CmdVoiceSignal, map[string]any{"to": "conn_2", "data": map[string]string{"sdp": "x"}})

	// no signal delivered, no error surfaced
	assert.Len(t, subB.frames, beforeB)
	assert.Len(t, subA.frames, beforeAErrs)
}

func TestVoiceSignal_SameChannelRelayed(t *testing.T) {
	env := newEnv(t)
	a, _ := env.connect()
	b, subB := env.connect()
	env.register(a, "a@x.io")
	env.register(b, "b@x.io")

	lounge := env.channelID("lounge")
	env.cmd(a, CmdVoiceJoin, map[string]string{"channelId": lounge})
	env.cmd(b, CmdVoiceJoin, map[string]string{"channelId": lounge})

	env.cmd(a, CmdVoiceSignal, map[string]any{"to": "conn_2", "data": map[string]string{"sdp": "offer"}})

	var signal struct {
		From string          `json:"from"`
		Data json.RawMessage `json:"data"`
	}
	subB.lastPayload(t, EvtVoiceSignal, &signal)
	assert.Equal(t, "conn_1", signal.From)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(signal.Data))
}

func TestVoiceState_Broadcast(t *testing.T) {
	env := newEnv(t)
	a, _ := env.connect()
	b, subB := env.connect()
	env.register(a, "a@x.io")
	env.register(b, "b@x.io")

	lounge := env.channelID("lounge")
	env.cmd(a, CmdVoiceJoin, map[string]string{"channelId": lounge})
	env.cmd(b, CmdVoiceJoin, map[string]string{"channelId": lounge})

	env.cmd(a, CmdVoiceState, map[string]bool{"deafened": true})

	var state map[string]any
	subB.lastPayload(t, EvtVoiceState, &state)
	assert.Equal(t, "conn_1", state["id"])
	assert.Equal(t, true, state["deafened"])
	assert.Equal(t, true, state["muted"], "deafen implies muted")
}

func TestVoiceKickAndTimeout(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	user, subUser := env.connect()
	env.register(admin, "admin@x.io")
	env.register(user, "user@x.io")

	lounge := env.channelID("lounge")
	env.cmd(admin, CmdVoiceJoin, map[string]string{"channelId": lounge})
	env.cmd(user, CmdVoiceJoin, map[string]string{"channelId": lounge})

	env.cmd(admin, CmdVoiceTimeout, map[string]any{"targetConnId": "conn_2", "duration": 1, "reason": "mic spam"})

	var timeout struct {
		By       string `json:"by"`
		Duration int64  `json:"duration"`
	}
	subUser.lastPayload(t, EvtVoiceTimeout, &timeout)
	assert.Equal(t, "admin", timeout.By)
	assert.Equal(t, int64(60), timeout.Duration, "clamped up to one minute")

	// the timed-out user cannot rejoin
	env.cmd(user, CmdVoiceJoin, map[string]string{"channelId": lounge})
	assert.Equal(t, CodePermissionDenied, errCode(t, subUser, EvtError))
}

func TestVoiceKick_CannotTargetEqualRole(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	env.register(admin, "admin@x.io")

	m1, subM1 := env.connect()
	m2, _ := env.connect()
	env.register(m1, "m1@x.io")
	env.register(m2, "m2@x.io")

	// promote both to moderator
	for _, username := range []string{"m1@x.io", "m2@x.io"} {
		acct, err := env.accounts.ByUsername(username)
		require.NoError(t, err)
		env.cmd(admin, CmdAdminAccountsUpdateRoles, map[string]any{
			"accountId": acct.AccountID, "roles": []string{"moderator"},
		})
	}

	lounge := env.channelID("lounge")
	env.cmd(m1, CmdVoiceJoin, map[string]string{"channelId": lounge})
	env.cmd(m2, CmdVoiceJoin, map[string]string{"channelId": lounge})

	env.cmd(m1, CmdVoiceKick, map[string]string{"targetConnId": m2.ConnID()})
	assert.Equal(t, CodePrivilegeEscalation, errCode(t, subM1, EvtError))
}

func TestUserBan_DisconnectsAllAndBlocksLogin(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	env.register(admin, "admin@x.io")

	// target with two live connections
	u1, subU1 := env.connect()
	env.register(u1, "spammer@x.io")
	acct, err := env.accounts.ByUsername("spammer@x.io")
	require.NoError(t, err)
	sess, err := env.accounts.CreateSession(acct.AccountID)
	require.NoError(t, err)
	u2, subU2 := env.connect()
	env.cmd(u2, CmdAuthSession, map[string]string{"token": sess.Token})

	env.cmd(admin, CmdUserBan, map[string]string{"targetConnId": u1.ConnID(), "reason": "spam"})

	for _, sub := range []*recordingSub{subU1, subU2} {
		var banned map[string]string
		sub.lastPayload(t, EvtUserBanned, &banned)
		assert.Equal(t, "admin", banned["by"])
		assert.Equal(t, "spam", banned["reason"])
	}
	assert.ElementsMatch(t, []string{u1.ConnID(), u2.ConnID()}, env.closed)

	// subsequent login reports the account unusable
	fresh, subFresh := env.connect()
	env.cmd(fresh, CmdAuthLogin, map[string]string{"username": "spammer@x.io", "password": "correct horse battery"})
	assert.Equal(t, CodeAccountDisabled, errCode(t, subFresh, EvtAuthError))
}

func TestUserBan_CannotTargetAdmin(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	env.register(admin, "admin@x.io")

	mod, subMod := env.connect()
	env.register(mod, "mod@x.io")
	acct, err := env.accounts.ByUsername("mod@x.io")
	require.NoError(t, err)
	env.cmd(admin, CmdAdminAccountsUpdateRoles, map[string]any{
		"accountId": acct.AccountID, "roles": []string{"moderator"},
	})

	env.cmd(mod, CmdUserBan, map[string]string{"targetConnId": admin.ConnID()})
	assert.Equal(t, CodePrivilegeEscalation, errCode(t, subMod, EvtError))
}

func TestAdminUpdateRoles_LastAdminProtected(t *testing.T) {
	env := newEnv(t)
	admin, subAdmin := env.connect()
	env.register(admin, "admin@x.io")
	acct, err := env.accounts.ByUsername("admin@x.io")
	require.NoError(t, err)

	env.cmd(admin, CmdAdminAccountsUpdateRoles, map[string]any{
		"accountId": acct.AccountID, "roles": []string{"user"},
	})
	assert.Equal(t, CodeLastAdminProtected, errCode(t, subAdmin, EvtAdminError))

	// registry state unchanged
	unchanged, err := env.accounts.ByID(acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, []account.Role{account.RoleAdmin}, unchanged.Roles)
}

func TestAdminUpdateRoles_SyncsLiveConnections(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	user, subUser := env.connect()
	env.register(admin, "admin@x.io")
	env.register(user, "user@x.io")

	acct, err := env.accounts.ByUsername("user@x.io")
	require.NoError(t, err)
	env.cmd(admin, CmdAdminAccountsUpdateRoles, map[string]any{
		"accountId": acct.AccountID, "roles": []string{"moderator"},
	})

	var roles struct {
		Roles []string `json:"roles"`
	}
	subUser.lastPayload(t, EvtAccountRoles, &roles)
	assert.Equal(t, []string{"moderator"}, roles.Roles)

	u, err := env.users.ByConn(user.ConnID())
	require.NoError(t, err)
	assert.Equal(t, []string{"moderator"}, u.Roles)
}

func TestAdminDisable_ClosesConnections(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	user, _ := env.connect()
	env.register(admin, "admin@x.io")
	env.register(user, "user@x.io")

	acct, err := env.accounts.ByUsername("user@x.io")
	require.NoError(t, err)
	env.cmd(admin, CmdAdminAccountsDisable, map[string]string{"accountId": acct.AccountID, "reason": "tos"})

	assert.Contains(t, env.closed, user.ConnID())
	disabled, err := env.accounts.ByID(acct.AccountID)
	require.NoError(t, err)
	assert.Equal(t, account.StatusDisabled, disabled.Status)
}

func TestChannelCreateDelete(t *testing.T) {
	env := newEnv(t)
	admin, subAdmin := env.connect()
	user, subUser := env.connect()
	env.register(admin, "admin@x.io")
	env.register(user, "user@x.io")

	env.cmd(user, CmdChannelsCreate, map[string]string{"name": "mychannel", "type": "text"})
	assert.Equal(t, CodePermissionDenied, errCode(t, subUser, EvtError))

	env.cmd(admin, CmdChannelsCreate, map[string]string{"name": "announcements", "type": "text"})
	created, err := env.channels.ByName("announcements")
	require.NoError(t, err)
	assert.True(t, subAdmin.has(EvtChannelsUpdate))

	// members are ejected with channel:deleted
	env.cmd(user, CmdChannelJoin, map[string]string{"channelId": created.ChannelID})
	env.cmd(admin, CmdChannelsDelete, map[string]string{"channelId": created.ChannelID})

	var deleted map[string]string
	subUser.lastPayload(t, EvtChannelDeleted, &deleted)
	assert.Equal(t, created.ChannelID, deleted["channelId"])
	_, err = env.channels.ByName("announcements")
	assert.ErrorIs(t, err, channel.ErrNotFound)
}

func TestChannelCreate_BareStringPayload(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	env.register(admin, "admin@x.io")

	env.cmd(admin, CmdChannelsCreate, "offtopic")

	c, err := env.channels.ByName("offtopic")
	require.NoError(t, err)
	assert.Equal(t, channel.KindText, c.Kind)
}

func TestScreenshareFlow(t *testing.T) {
	env := newEnv(t)
	host, subHost := env.connect()
	viewer, subViewer := env.connect()
	env.register(host, "host@x.io")
	env.register(viewer, "viewer@x.io")

	screens := env.channelID("screens")
	env.cmd(host, CmdChannelJoin, map[string]string{"channelId": screens})
	env.cmd(viewer, CmdChannelJoin, map[string]string{"channelId": screens})

	env.cmd(host, CmdShareStart, map[string]string{"channelId": screens})

	var session channel.ShareView
	subViewer.lastPayload(t, EvtShareSession, &session)
	assert.True(t, session.Active)
	assert.Equal(t, host.ConnID(), session.HostConnID)

	env.cmd(viewer, CmdShareViewerJoin, map[string]string{"channelId": screens})

	var pending map[string]string
	subHost.lastPayload(t, EvtShareViewerPending, &pending)
	assert.Equal(t, viewer.ConnID(), pending["viewerId"])

	subViewer.lastPayload(t, EvtShareSession, &session)
	assert.Equal(t, 1, session.ViewerCount)

	// signaling relays within the room
	env.cmd(host, CmdShareSignal, map[string]any{"to": viewer.ConnID(), "data": map[string]string{"sdp": "offer"}, "channelId": screens})
	var signal struct {
		From string `json:"from"`
	}
	subViewer.lastPayload(t, EvtShareSignal, &signal)
	assert.Equal(t, host.ConnID(), signal.From)

	env.cmd(host, CmdShareStop, map[string]string{"channelId": screens})
	subViewer.lastPayload(t, EvtShareSession, &session)
	assert.False(t, session.Active)
}

func TestDisconnect_CleansUpEverything(t *testing.T) {
	env := newEnv(t)
	a, _ := env.connect()
	b, subB := env.connect()
	env.register(a, "a@x.io")
	env.register(b, "b@x.io")

	lounge := env.channelID("lounge")
	general := env.channelID("general")
	env.cmd(a, CmdChannelJoin, map[string]string{"channelId": general})
	env.cmd(a, CmdVoiceJoin, map[string]string{"channelId": lounge})
	env.cmd(b, CmdVoiceJoin, map[string]string{"channelId": lounge})

	a.Disconnect(context.Background())

	// peers observe the departure
	var leave map[string]string
	subB.lastPayload(t, EvtVoicePeerLeave, &leave)
	assert.Equal(t, a.ConnID(), leave["id"])

	ch, err := env.channels.ByID(lounge)
	require.NoError(t, err)
	assert.NotContains(t, ch.VoiceParticipants, a.ConnID())
	assert.False(t, env.channels.HasMember(general, a.ConnID()))
	_, err = env.users.ByConn(a.ConnID())
	assert.ErrorIs(t, err, presence.ErrNotFound)
}

func TestStreamKeyRequest(t *testing.T) {
	env := newEnv(t)
	admin, subAdmin := env.connect()
	user, subUser := env.connect()
	env.register(admin, "admin@x.io")
	env.register(user, "user@x.io")

	env.cmd(user, CmdStreamKeyRequest, map[string]string{"channelName": "broadcast"})
	assert.Equal(t, CodePermissionDenied, errCode(t, subUser, EvtStreamKeyError))

	env.cmd(admin, CmdStreamKeyRequest, map[string]string{"channelName": "broadcast"})

	var key map[string]string
	subAdmin.lastPayload(t, EvtStreamKeyResponse, &key)
	assert.Equal(t, "broadcast", key["channelName"])
	assert.Contains(t, key["streamKey"], "broadcast+sk_")

	env.cmd(admin, CmdStreamKeyRequest, map[string]string{"channelName": "general"})
	assert.Equal(t, CodeValidation, errCode(t, subAdmin, EvtStreamKeyError))
}

func TestAccountUpdate_PasswordChangeKeepsCurrentSession(t *testing.T) {
	env := newEnv(t)
	co, sub := env.connect()
	env.register(co, "alice@x.io")

	env.cmd(co, CmdAccountUpdate, map[string]string{
		"currentPassword": "correct horse battery",
		"newPassword":     "an even better one",
	})
	assert.True(t, sub.has(EvtAccountSaved))

	// the presenting session still works
	env.cmd(co, CmdAccountGet, nil)
	assert.True(t, sub.has(EvtAccountData))

	// and the new password is live
	acct, err := env.accounts.Authenticate(context.Background(), "alice@x.io", "an even better one")
	require.NoError(t, err)
	assert.Equal(t, "alice", acct.DisplayName)
}

func TestPermissionDeniedChannel(t *testing.T) {
	env := newEnv(t)
	admin, _ := env.connect()
	user, subUser := env.connect()
	env.register(admin, "admin@x.io")
	env.register(user, "user@x.io")

	c, err := env.channels.Create("staff", channel.KindText, "", channel.PermissionsInput{
		View: &channel.RuleInput{Roles: []string{"admin"}},
	})
	require.NoError(t, err)

	env.cmd(user, CmdChannelJoin, map[string]string{"channelId": c.ChannelID})
	assert.Equal(t, CodePermissionDenied, errCode(t, subUser, EvtError))
}
