// Package session binds one client connection to the registries: it decodes
// commands, enforces state and permission preconditions, mutates the
// registries, and schedules outbound events through the fabric. All commands
// of one connection run on its single read goroutine, so coordinator state
// needs no locking of its own.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/chatlog"
	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
)

const (
	voiceTimeoutMin = time.Minute
	voiceTimeoutMax = 7 * 24 * time.Hour
)

// RateLimiter gates the unauthenticated commands. A nil limiter allows
// everything.
type RateLimiter interface {
	AllowRegister(ctx context.Context, key string) bool
	AllowLogin(ctx context.Context, key string) bool
}

// Deps is everything a coordinator operates against.
type Deps struct {
	Accounts *account.Store
	Channels *channel.Registry
	Chat     *chatlog.Log
	Presence *presence.Registry
	Fabric   *fabric.Fabric
	Limits   RateLimiter

	MaxMessageLength int

	// CloseConn force-closes another connection; the transport hub owns it.
	CloseConn func(connID, reason string)
}

// Coordinator is the per-connection protocol state machine.
type Coordinator struct {
	deps     Deps
	connID   string
	remoteIP string

	accountID    string
	sessionToken string
	textChannel  string // current text/stream/screenshare room
	voiceChannel string
}

// NewCoordinator builds the state machine for one accepted connection.
func NewCoordinator(deps Deps, connID, remoteIP string) *Coordinator {
	if deps.MaxMessageLength <= 0 {
		deps.MaxMessageLength = 2000
	}
	if deps.CloseConn == nil {
		deps.CloseConn = func(string, string) {}
	}
	return &Coordinator{deps: deps, connID: connID, remoteIP: remoteIP}
}

// ConnID returns the connection handle this coordinator serves.
func (co *Coordinator) ConnID() string { return co.connID }

func (co *Coordinator) authenticated() bool { return co.accountID != "" }

// roomText and roomVoice key the fabric rooms; a channel's text room and
// voice room are distinct subscriber sets.
func roomText(channelID string) string  { return "ch:" + channelID }
func roomVoice(channelID string) string { return "voice:" + channelID }

// HandleCommand routes one inbound command. It never returns an error to the
// transport; failures surface as events to this connection only.
func (co *Coordinator) HandleCommand(ctx context.Context, cmd Command) {
	ctx = logging.WithConnID(ctx, co.connID)
	if co.accountID != "" {
		ctx = logging.WithAccountID(ctx, co.accountID)
	}

	timer := time.Now()
	status := "ok"
	if err := co.dispatch(ctx, cmd); err != nil {
		status = "error"
		ce := mapError(err)
		if ce.Code == CodeInternalError {
			logging.Error(ctx, "Command failed unexpectedly",
				zap.String("event", cmd.Event), zap.Error(err))
		} else {
			logging.Info(ctx, "Command rejected",
				zap.String("event", cmd.Event),
				zap.String("code", ce.Code),
				zap.String("reason", ce.Message))
		}
		co.emitSelf(errorEventFor(cmd.Event), map[string]string{
			"message": ce.Message,
			"code":    ce.Code,
		})
	}
	metrics.CommandEvents.WithLabelValues(cmd.Event, status).Inc()
	metrics.CommandProcessingDuration.WithLabelValues(cmd.Event).Observe(time.Since(timer).Seconds())
}

func (co *Coordinator) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Event {
	case CmdAuthRegister:
		return co.handleRegister(ctx, cmd.Payload)
	case CmdAuthLogin:
		return co.handleLogin(ctx, cmd.Payload)
	case CmdAuthSession:
		return co.handleSessionResume(ctx, cmd.Payload)
	}

	if !co.authenticated() {
		return coded(CodeAuthRequired, "authenticate first")
	}
	if co.deps.Accounts.TouchSession(co.sessionToken) == nil {
		co.clearIdentity()
		return coded(CodeSessionExpired, "session expired")
	}

	switch cmd.Event {
	case CmdAuthLogout:
		return co.handleLogout(ctx)
	case CmdAccountGet:
		return co.handleAccountGet()
	case CmdAccountUpdate:
		return co.handleAccountUpdate(ctx, cmd.Payload)
	case CmdChannelsList:
		co.emitSelf(EvtChannelsUpdate, co.channelsPayload())
		return nil
	case CmdChannelsCreate:
		return co.handleChannelCreate(ctx, cmd.Payload)
	case CmdChannelsDelete:
		return co.handleChannelDelete(ctx, cmd.Payload)
	case CmdChannelJoin:
		return co.handleChannelJoin(ctx, cmd.Payload)
	case CmdChat:
		return co.handleChat(ctx, cmd.Payload)
	case CmdChatDelete:
		return co.handleChatDelete(ctx, cmd.Payload)
	case CmdVoiceJoin:
		return co.handleVoiceJoin(ctx, cmd.Payload)
	case CmdVoiceLeave:
		return co.handleVoiceLeave(ctx)
	case CmdVoiceState:
		return co.handleVoiceState(cmd.Payload)
	case CmdVoiceSignal:
		return co.handleVoiceSignal(ctx, cmd.Payload)
	case CmdVoiceKick:
		return co.handleVoiceKick(ctx, cmd.Payload)
	case CmdVoiceTimeout:
		return co.handleVoiceTimeout(ctx, cmd.Payload)
	case CmdUserBan:
		return co.handleUserBan(ctx, cmd.Payload)
	case CmdShareStart:
		return co.handleShareStart(cmd.Payload)
	case CmdShareStop:
		return co.handleShareStop(cmd.Payload)
	case CmdShareViewerJoin:
		return co.handleShareViewerJoin(cmd.Payload)
	case CmdShareViewerLeave:
		return co.handleShareViewerLeave(cmd.Payload)
	case CmdShareSignal:
		return co.handleShareSignal(ctx, cmd.Payload)
	case CmdStreamKeyRequest:
		return co.handleStreamKeyRequest(cmd.Payload)
	case CmdAdminAccountsList:
		return co.handleAdminAccountsList()
	case CmdAdminAccountsUpdateRoles:
		return co.handleAdminUpdateRoles(ctx, cmd.Payload)
	case CmdAdminAccountsDisable:
		return co.handleAdminDisable(ctx, cmd.Payload)
	case CmdAdminAccountsEnable:
		return co.handleAdminEnable(ctx, cmd.Payload)
	case CmdAdminGetPermissions:
		return co.handleAdminGetPermissions(cmd.Payload)
	case CmdAdminUpdatePermissions:
		return co.handleAdminUpdatePermissions(ctx, cmd.Payload)
	}
	return coded(CodeValidation, fmt.Sprintf("unknown command %q", cmd.Event))
}

// --- auth ---

func (co *Coordinator) handleRegister(ctx context.Context, payload json.RawMessage) error {
	if co.authenticated() {
		return coded(CodeAlreadyAuthenticated, "already authenticated")
	}
	if co.deps.Limits != nil && !co.deps.Limits.AllowRegister(ctx, co.remoteIP) {
		metrics.RateLimitExceeded.WithLabelValues("register").Inc()
		return coded(CodeRateLimited, "too many registration attempts")
	}

	var p credentialsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coded(CodeValidation, "malformed payload")
	}

	profile := account.Profile{}
	if p.Profile != nil {
		profile = account.Profile{
			DisplayName: p.Profile.DisplayName,
			Email:       p.Profile.Email,
			Bio:         p.Profile.Bio,
			AvatarURL:   p.Profile.AvatarURL,
			Metadata:    p.Profile.Metadata,
		}
	}

	acct, err := co.deps.Accounts.Register(ctx, strings.ToLower(strings.TrimSpace(p.Username)), p.Password, profile)
	if err != nil {
		return err
	}
	return co.establishIdentity(ctx, acct, "", true)
}

func (co *Coordinator) handleLogin(ctx context.Context, payload json.RawMessage) error {
	if co.authenticated() {
		return coded(CodeAlreadyAuthenticated, "already authenticated")
	}
	if co.deps.Limits != nil && !co.deps.Limits.AllowLogin(ctx, co.remoteIP) {
		metrics.RateLimitExceeded.WithLabelValues("login").Inc()
		return coded(CodeRateLimited, "too many login attempts")
	}

	var p credentialsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coded(CodeValidation, "malformed payload")
	}

	acct, err := co.deps.Accounts.Authenticate(ctx, strings.ToLower(strings.TrimSpace(p.Username)), p.Password)
	if err != nil {
		return err
	}
	if _, banned := co.deps.Presence.IsBanned(acct.AccountID); banned {
		return coded(CodeAccountDisabled, "account is banned")
	}
	return co.establishIdentity(ctx, acct, "", false)
}

func (co *Coordinator) handleSessionResume(ctx context.Context, payload json.RawMessage) error {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Token == "" {
		return coded(CodeValidation, "malformed payload")
	}

	sess := co.deps.Accounts.TouchSession(p.Token)
	if sess == nil {
		return coded(CodeSessionExpired, "session expired or unknown")
	}

	if co.authenticated() {
		// Resuming the identity this connection already holds is idempotent;
		// presenting a different account's token is a protocol error.
		if sess.AccountID == co.accountID {
			acct, err := co.deps.Accounts.ByID(co.accountID)
			if err != nil {
				return err
			}
			co.emitSelf(EvtAuthSuccess, co.authSuccessPayload(acct, false))
			return nil
		}
		return coded(CodeAlreadyAuthenticated, "connection is bound to another account")
	}

	acct, err := co.deps.Accounts.ByID(sess.AccountID)
	if err != nil {
		return err
	}
	if acct.Status != account.StatusActive {
		co.deps.Accounts.RevokeSession(p.Token)
		return coded(CodeAccountDisabled, "account is disabled")
	}
	if _, banned := co.deps.Presence.IsBanned(acct.AccountID); banned {
		return coded(CodeAccountDisabled, "account is banned")
	}
	return co.establishIdentity(ctx, acct, p.Token, false)
}

// establishIdentity binds the connection to an account: mints or adopts a
// session, materializes presence, and replies auth:success.
func (co *Coordinator) establishIdentity(ctx context.Context, acct *account.Account, token string, isNew bool) error {
	if token == "" {
		sess, err := co.deps.Accounts.CreateSession(acct.AccountID)
		if err != nil {
			return err
		}
		token = sess.Token
	}
	co.accountID = acct.AccountID
	co.sessionToken = token

	co.deps.Presence.Create(co.connID, co.remoteIP, acct)
	logging.Info(logging.WithAccountID(ctx, acct.AccountID), "Connection authenticated",
		zap.String("username", logging.RedactEmail(acct.Username)),
		zap.Bool("new_account", isNew))

	co.emitSelf(EvtAuthSuccess, co.authSuccessPayload(acct, isNew))
	co.broadcastPresence()
	return nil
}

func (co *Coordinator) authSuccessPayload(acct *account.Account, isNew bool) map[string]any {
	user, _ := co.deps.Presence.ByConn(co.connID)
	channels, groups := co.channelViews()
	return map[string]any{
		"user":         user,
		"account":      acct.Public(),
		"session":      map[string]string{"token": co.sessionToken},
		"channels":     channels,
		"groups":       groups,
		"isNewAccount": isNew,
	}
}

func (co *Coordinator) handleLogout(ctx context.Context) error {
	co.leaveVoiceIfAny(ctx)
	co.leaveTextIfAny()
	co.deps.Accounts.RevokeSession(co.sessionToken)
	co.deps.Presence.Remove(co.connID)
	co.clearIdentity()

	co.emitSelf(EvtLoggedOut, nil)
	co.broadcastPresence()
	return nil
}

func (co *Coordinator) clearIdentity() {
	co.accountID = ""
	co.sessionToken = ""
	co.textChannel = ""
	co.voiceChannel = ""
}

// --- account ---

func (co *Coordinator) handleAccountGet() error {
	acct, err := co.deps.Accounts.ByID(co.accountID)
	if err != nil {
		return err
	}
	co.emitSelf(EvtAccountData, map[string]any{"account": acct.Public()})
	return nil
}

func (co *Coordinator) handleAccountUpdate(ctx context.Context, payload json.RawMessage) error {
	var p accountUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coded(CodeValidation, "malformed payload")
	}

	if p.NewPassword != "" {
		if p.CurrentPassword == "" {
			return coded(CodeValidation, "currentPassword is required to change the password")
		}
		if err := co.deps.Accounts.ChangePassword(ctx, co.accountID, p.CurrentPassword, p.NewPassword, co.sessionToken); err != nil {
			return err
		}
	}

	acct, err := co.deps.Accounts.Update(co.accountID, account.Updates{
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Bio:         p.Bio,
		AvatarURL:   p.AvatarURL,
		Metadata:    p.Metadata,
	})
	if err != nil {
		return err
	}

	co.deps.Presence.SyncAccount(acct)
	co.emitSelf(EvtAccountSaved, map[string]any{"account": acct.Public()})
	co.broadcastPresence()
	return nil
}

// --- snapshots ---

// channelViews builds the channels:update payload: sanitized channel
// descriptors (never the stream-key token) plus the group list.
func (co *Coordinator) channelViews() ([]map[string]any, []*channel.Group) {
	list := co.deps.Channels.List()
	views := make([]map[string]any, 0, len(list))
	for _, c := range list {
		views = append(views, channelView(c))
	}
	return views, co.deps.Channels.Groups()
}

func channelView(c *channel.Channel) map[string]any {
	view := map[string]any{
		"id":          c.ChannelID,
		"name":        c.Name,
		"type":        string(c.Kind),
		"permissions": c.Perms,
		"memberCount": c.Members.Len(),
	}
	if c.GroupID != "" {
		view["groupId"] = c.GroupID
	}
	switch c.Kind {
	case channel.KindVoice:
		participants := make([]*channel.VoiceParticipant, 0, len(c.VoiceParticipants))
		for _, p := range c.VoiceParticipants {
			participants = append(participants, p)
		}
		view["voiceParticipants"] = participants
	case channel.KindStream:
		view["isLive"] = c.IsLive()
		if c.Stream != nil {
			view["startedAt"] = c.Stream.StartedAt
		}
	case channel.KindScreenshare:
		view["shareActive"] = c.Share != nil
	}
	return view
}

func (co *Coordinator) channelsPayload() map[string]any {
	channels, groups := co.channelViews()
	return map[string]any{"channels": channels, "groups": groups}
}

// broadcastChannels pushes the channel snapshot to every connection.
func (co *Coordinator) broadcastChannels() {
	BroadcastChannels(co.deps.Fabric, co.deps.Channels)
}

// BroadcastChannels pushes the channel snapshot to every connection. Shared
// with the HTTP stream handlers, which flip live state outside any
// coordinator.
func BroadcastChannels(f *fabric.Fabric, reg *channel.Registry) {
	list := reg.List()
	views := make([]map[string]any, 0, len(list))
	for _, c := range list {
		views = append(views, channelView(c))
	}
	f.EmitAll(fabric.Event{Name: EvtChannelsUpdate, Payload: map[string]any{
		"channels": views,
		"groups":   reg.Groups(),
	}})
}

// broadcastPresence pushes the user list to every connection.
func (co *Coordinator) broadcastPresence() {
	co.deps.Fabric.EmitAll(fabric.Event{Name: EvtPresence, Payload: co.deps.Presence.All()})
}

func (co *Coordinator) emitSelf(event string, payload any) {
	co.deps.Fabric.EmitConn(co.connID, fabric.Event{Name: event, Payload: payload})
}

// requireUser loads the caller's materialized user.
func (co *Coordinator) requireUser() (*presence.User, error) {
	return co.deps.Presence.ByConn(co.connID)
}

// requirePermission gates a privileged command on the capability table.
func (co *Coordinator) requirePermission(cap presence.Capability) error {
	if !co.deps.Presence.HasPermission(co.connID, cap) {
		return coded(CodePermissionDenied, "insufficient privileges")
	}
	return nil
}

// validateText applies the chat message rules: sanitize, then bound.
func (co *Coordinator) validateText(text string) (string, error) {
	clean := ident.SanitizeText(text)
	if clean == "" {
		return "", coded(CodeValidation, "message is empty")
	}
	if len(clean) > co.deps.MaxMessageLength {
		return "", coded(CodeCapacity, "message too long")
	}
	return clean, nil
}

// Disconnect tears the connection out of every registry. Called by the
// transport when the socket closes; also used for forced closures.
func (co *Coordinator) Disconnect(ctx context.Context) {
	ctx = logging.WithConnID(ctx, co.connID)

	co.leaveVoiceIfAny(ctx)
	co.leaveTextIfAny()

	for _, channelID := range co.deps.Channels.ClearShareByHost(co.connID) {
		if view, err := co.deps.Channels.ShareSession(channelID); err == nil {
			co.deps.Fabric.EmitRoom(roomText(channelID), fabric.Event{Name: EvtShareSession, Payload: view})
		}
	}

	co.deps.Presence.Remove(co.connID)
	co.deps.Fabric.Unregister(co.connID)

	if co.authenticated() {
		co.broadcastPresence()
		co.broadcastChannels()
	}
	co.clearIdentity()
}
