package session

import (
	"encoding/json"

	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
)

// Inbound command names.
const (
	CmdAuthRegister = "auth:register"
	CmdAuthLogin    = "auth:login"
	CmdAuthSession  = "auth:session"
	CmdAuthLogout   = "auth:logout"

	CmdAccountUpdate = "account:update"
	CmdAccountGet    = "account:get"

	CmdAdminAccountsList        = "admin:accounts:list"
	CmdAdminAccountsUpdateRoles = "admin:accounts:updateRoles"
	CmdAdminAccountsDisable     = "admin:accounts:disable"
	CmdAdminAccountsEnable      = "admin:accounts:enable"
	CmdAdminGetPermissions      = "admin:channels:getPermissions"
	CmdAdminUpdatePermissions   = "admin:channels:updatePermissions"

	CmdChannelsCreate = "channels:create"
	CmdChannelsDelete = "channels:delete"
	CmdChannelsList   = "channels:list"
	CmdChannelJoin    = "channel:join"

	CmdVoiceJoin    = "voice:join"
	CmdVoiceLeave   = "voice:leave"
	CmdVoiceState   = "voice:state"
	CmdVoiceSignal  = "voice:signal"
	CmdVoiceKick    = "voice:kick"
	CmdVoiceTimeout = "voice:timeout"
	CmdUserBan      = "user:ban"

	CmdShareStart       = "screenshare:start"
	CmdShareStop        = "screenshare:stop"
	CmdShareViewerJoin  = "screenshare:viewer:join"
	CmdShareViewerLeave = "screenshare:viewer:leave"
	CmdShareSignal      = "screenshare:signal"

	CmdChat       = "chat"
	CmdChatDelete = "chat:delete"

	CmdStreamKeyRequest = "stream:key:request"
)

// Outbound event names.
const (
	EvtAuthSuccess  = "auth:success"
	EvtAuthError    = "auth:error"
	EvtLoggedOut    = "auth:loggedOut"
	EvtAccountData  = "account:data"
	EvtAccountSaved = "account:updated"
	EvtAccountRoles = "account:rolesUpdated"
	EvtAccountError = "account:error"

	EvtChannelsUpdate = "channels:update"
	EvtChannelJoined  = "channel:joined"
	EvtChannelDeleted = "channel:deleted"
	EvtPresence       = "presence"

	EvtChat           = "chat"
	EvtChatHistory    = "chat:history"
	EvtChatMsgDeleted = "chat:messageDeleted"

	EvtVoiceJoined    = "voice:joined"
	EvtVoicePeerJoin  = "voice:peer-join"
	EvtVoicePeerLeave = "voice:peer-leave"
	EvtVoiceSignal    = "voice:signal"
	EvtVoiceState     = "voice:state"
	EvtVoiceKicked    = "voice:kicked"
	EvtVoiceTimeout   = "voice:timeout"
	EvtUserBanned     = "user:banned"

	EvtShareSession       = "screenshare:session"
	EvtShareViewerPending = "screenshare:viewer:pending"
	EvtShareSignal        = "screenshare:signal"

	EvtStreamKeyResponse = "stream:key:response"
	EvtStreamKeyError    = "stream:key:error"

	EvtAdminAccounts = "admin:accounts"
	EvtAdminPerms    = "admin:channelPermissions"
	EvtAdminError    = "admin:error"

	EvtError    = "error"
	EvtShutdown = "shutdown"
)

// Command is the inbound wire envelope.
type Command struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// errorEventFor picks the error surface matching the failed command, so
// clients can route failures to the right UI.
func errorEventFor(cmd string) string {
	switch cmd {
	case CmdAuthRegister, CmdAuthLogin, CmdAuthSession, CmdAuthLogout:
		return EvtAuthError
	case CmdAccountUpdate, CmdAccountGet:
		return EvtAccountError
	case CmdAdminAccountsList, CmdAdminAccountsUpdateRoles, CmdAdminAccountsDisable,
		CmdAdminAccountsEnable, CmdAdminGetPermissions, CmdAdminUpdatePermissions:
		return EvtAdminError
	case CmdStreamKeyRequest:
		return EvtStreamKeyError
	}
	return EvtError
}

type credentialsPayload struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Profile  *profilePayload `json:"profile,omitempty"`
}

type profilePayload struct {
	DisplayName string         `json:"displayName,omitempty"`
	Email       string         `json:"email,omitempty"`
	Bio         string         `json:"bio,omitempty"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type sessionPayload struct {
	Token string `json:"token"`
}

type accountUpdatePayload struct {
	DisplayName     *string        `json:"displayName,omitempty"`
	Email           *string        `json:"email,omitempty"`
	Bio             *string        `json:"bio,omitempty"`
	AvatarURL       *string        `json:"avatarUrl,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	NewPassword     string         `json:"newPassword,omitempty"`
	CurrentPassword string         `json:"currentPassword,omitempty"`
}

type channelIDPayload struct {
	ChannelID string `json:"channelId"`
}

type channelCreatePayload struct {
	Name        string                    `json:"name"`
	Type        string                    `json:"type"`
	GroupID     string                    `json:"groupId,omitempty"`
	Permissions *channel.PermissionsInput `json:"permissions,omitempty"`
}

type permissionsUpdatePayload struct {
	ChannelID   string                   `json:"channelId"`
	Permissions channel.PermissionsInput `json:"permissions"`
}

type voiceStatePayload struct {
	Muted    *bool `json:"muted,omitempty"`
	Deafened *bool `json:"deafened,omitempty"`
}

type signalPayload struct {
	To        string          `json:"to"`
	Data      json.RawMessage `json:"data"`
	ChannelID string          `json:"channelId,omitempty"`
}

type chatPayload struct {
	Text string `json:"text"`
}

type chatDeletePayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

type targetPayload struct {
	TargetConnID string `json:"targetConnId"`
	Reason       string `json:"reason,omitempty"`
	Duration     int64  `json:"duration,omitempty"` // seconds
}

type rolesPayload struct {
	AccountID string   `json:"accountId"`
	Roles     []string `json:"roles"`
}

type accountAdminPayload struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason,omitempty"`
}

type streamKeyPayload struct {
	ChannelID   string `json:"channelId,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
}
