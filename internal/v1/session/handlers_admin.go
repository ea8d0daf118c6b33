package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
)

func (co *Coordinator) handleAdminAccountsList() error {
	if err := co.requirePermission(presence.CanManageUsers); err != nil {
		return err
	}

	accounts := co.deps.Accounts.List()
	views := make([]account.Public, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, a.Public())
	}
	co.emitSelf(EvtAdminAccounts, map[string]any{"accounts": views})
	return nil
}

func (co *Coordinator) handleAdminUpdateRoles(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanAssignRoles); err != nil {
		return err
	}

	var p rolesPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.AccountID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	caller, err := co.requireUser()
	if err != nil {
		return err
	}
	target, err := co.deps.Accounts.ByID(p.AccountID)
	if err != nil {
		return err
	}

	roles := make([]account.Role, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = account.Role(r)
	}
	if !presence.AllowsRoleMutation(caller, target, roles) {
		return coded(CodePrivilegeEscalation, "cannot assign roles above your own")
	}

	updated, err := co.deps.Accounts.AssignRoles(p.AccountID, roles)
	if err != nil {
		return err
	}

	logging.Info(ctx, "Roles updated",
		zap.String("target_account_id", p.AccountID),
		zap.Strings("roles", updated.RoleNames()))

	// Live connections of the target pick up the new roles immediately.
	rolesEvent := fabric.Event{Name: EvtAccountRoles, Payload: map[string]any{"roles": updated.RoleNames()}}
	for _, connID := range co.deps.Presence.SyncAccount(updated) {
		co.deps.Fabric.EmitConn(connID, rolesEvent)
	}
	co.emitSelf(EvtAdminAccounts, map[string]any{"accounts": []account.Public{updated.Public()}})
	co.broadcastPresence()
	return nil
}

func (co *Coordinator) handleAdminDisable(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanDisableAccounts); err != nil {
		return err
	}

	var p accountAdminPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.AccountID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	caller, err := co.requireUser()
	if err != nil {
		return err
	}
	target, err := co.deps.Accounts.ByID(p.AccountID)
	if err != nil {
		return err
	}
	if !presence.AllowsRoleMutation(caller, target, nil) {
		return coded(CodePrivilegeEscalation, "cannot disable this account")
	}

	disabled, err := co.deps.Accounts.Disable(p.AccountID, p.Reason)
	if err != nil {
		return err
	}

	logging.Warn(ctx, "Account disabled",
		zap.String("target_account_id", p.AccountID),
		zap.String("reason", p.Reason))

	// The orchestrator contract: disabling revokes sessions AND drops the
	// account's live connections.
	for _, connID := range co.deps.Presence.ByAccount(p.AccountID) {
		co.deps.CloseConn(connID, "account disabled")
	}
	co.emitSelf(EvtAdminAccounts, map[string]any{"accounts": []account.Public{disabled.Public()}})
	return nil
}

func (co *Coordinator) handleAdminEnable(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanDisableAccounts); err != nil {
		return err
	}

	var p accountAdminPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.AccountID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	enabled, err := co.deps.Accounts.Enable(p.AccountID)
	if err != nil {
		return err
	}

	logging.Info(ctx, "Account enabled", zap.String("target_account_id", p.AccountID))
	co.emitSelf(EvtAdminAccounts, map[string]any{"accounts": []account.Public{enabled.Public()}})
	return nil
}

func (co *Coordinator) handleAdminGetPermissions(payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanManageChannelPermissions); err != nil {
		return err
	}

	var p channelIDPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	perms, err := co.deps.Channels.GetPermissions(p.ChannelID)
	if err != nil {
		return err
	}
	co.emitSelf(EvtAdminPerms, map[string]any{
		"channelId":   p.ChannelID,
		"permissions": perms,
	})
	return nil
}

func (co *Coordinator) handleAdminUpdatePermissions(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanManageChannelPermissions); err != nil {
		return err
	}

	var p permissionsUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	perms, err := co.deps.Channels.UpdatePermissions(p.ChannelID, p.Permissions)
	if err != nil {
		return err
	}

	logging.Info(logging.WithChannelID(ctx, p.ChannelID), "Channel permissions updated")
	co.emitSelf(EvtAdminPerms, map[string]any{
		"channelId":   p.ChannelID,
		"permissions": perms,
	})
	co.broadcastChannels()
	return nil
}

// handleStreamKeyRequest hands out the composed RTMP publish key for a
// stream channel.
func (co *Coordinator) handleStreamKeyRequest(payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanViewAllKeys); err != nil {
		return err
	}

	var p streamKeyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coded(CodeValidation, "malformed payload")
	}

	var (
		c   *channel.Channel
		err error
	)
	switch {
	case p.ChannelID != "":
		c, err = co.deps.Channels.ByID(p.ChannelID)
	case p.ChannelName != "":
		c, err = co.deps.Channels.ByName(p.ChannelName)
	default:
		return coded(CodeValidation, "channelId or channelName is required")
	}
	if err != nil {
		return err
	}
	if c.StreamKeyToken == "" {
		return coded(CodeValidation, "not a stream channel")
	}

	co.emitSelf(EvtStreamKeyResponse, map[string]string{
		"channelId":   c.ChannelID,
		"channelName": c.Name,
		"streamKey":   ident.FormatStreamKey(c.Name, c.StreamKeyToken),
	})
	return nil
}
