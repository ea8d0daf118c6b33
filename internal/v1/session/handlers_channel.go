package session

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
)

func (co *Coordinator) handleChannelCreate(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanCreateChannels); err != nil {
		return err
	}

	// Older clients send the bare channel name instead of an object.
	var p channelCreatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		var name string
		if err := json.Unmarshal(payload, &name); err != nil {
			return coded(CodeValidation, "malformed payload")
		}
		p = channelCreatePayload{Name: name, Type: string(channel.KindText)}
	}
	if p.Type == "" {
		p.Type = string(channel.KindText)
	}

	perms := channel.PermissionsInput{}
	if p.Permissions != nil {
		perms = *p.Permissions
	}

	c, err := co.deps.Channels.Create(strings.TrimSpace(p.Name), channel.Kind(p.Type), p.GroupID, perms)
	if err != nil {
		return err
	}

	logging.Info(logging.WithChannelID(ctx, c.ChannelID), "Channel created",
		zap.String("name", c.Name), zap.String("type", string(c.Kind)))
	co.broadcastChannels()
	return nil
}

func (co *Coordinator) handleChannelDelete(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanDeleteChannels); err != nil {
		return err
	}

	var p channelIDPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	c, members, err := co.deps.Channels.Delete(p.ChannelID)
	if err != nil {
		return err
	}
	co.deps.Chat.DropChannel(p.ChannelID)

	// Eject members with an observable event before tearing the room down.
	deleted := fabric.Event{Name: EvtChannelDeleted, Payload: map[string]string{"channelId": p.ChannelID}}
	for _, connID := range members {
		co.deps.Fabric.EmitConn(connID, deleted)
		co.deps.Fabric.LeaveRoom(roomText(p.ChannelID), connID)
		_ = co.deps.Presence.SetCurrentChannel(connID, "")
	}

	logging.Info(logging.WithChannelID(ctx, p.ChannelID), "Channel deleted",
		zap.String("name", c.Name), zap.Int("ejected_members", len(members)))
	co.broadcastChannels()
	co.broadcastPresence()
	return nil
}

func (co *Coordinator) handleChannelJoin(ctx context.Context, payload json.RawMessage) error {
	var p channelIDPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	c, err := co.deps.Channels.ByID(p.ChannelID)
	if err != nil {
		return err
	}
	if c.Kind == channel.KindVoice {
		return coded(CodeValidation, "use voice:join for voice channels")
	}

	user, err := co.requireUser()
	if err != nil {
		return err
	}
	allowed, err := co.deps.Channels.CanAccess(c.ChannelID, user.AccountID, user.Roles, channel.ActionView)
	if err != nil {
		return err
	}
	if !allowed {
		return coded(CodePermissionDenied, "no access to this channel")
	}

	if co.textChannel == c.ChannelID {
		// Re-join of the held room just replays the snapshot.
		co.emitJoined(c)
		return nil
	}

	// Join the new room before leaving the old one: a capacity failure must
	// not evict the connection from the room it already holds. The transient
	// double membership lasts only within this handler.
	if err := co.deps.Channels.AddMember(c.ChannelID, co.connID); err != nil {
		return err
	}
	co.leaveTextIfAny()

	co.deps.Fabric.JoinRoom(roomText(c.ChannelID), co.connID)
	co.textChannel = c.ChannelID
	_ = co.deps.Presence.SetCurrentChannel(co.connID, c.ChannelID)

	logging.Info(logging.WithChannelID(ctx, c.ChannelID), "Joined channel", zap.String("name", c.Name))
	co.emitJoined(c)
	co.broadcastPresence()
	return nil
}

// emitJoined replays the room snapshot to the joining connection: the joined
// event, chat history, and (for screenshare rooms) the session descriptor.
func (co *Coordinator) emitJoined(c *channel.Channel) {
	co.emitSelf(EvtChannelJoined, map[string]string{
		"channelId":   c.ChannelID,
		"channelName": c.Name,
		"channelType": string(c.Kind),
	})
	co.emitSelf(EvtChatHistory, co.deps.Chat.History(c.ChannelID, 0))
	if c.Kind == channel.KindScreenshare {
		if view, err := co.deps.Channels.ShareSession(c.ChannelID); err == nil {
			co.emitSelf(EvtShareSession, view)
		}
	}
}

// leaveTextIfAny exits the current text/stream/screenshare room.
func (co *Coordinator) leaveTextIfAny() {
	if co.textChannel == "" {
		return
	}
	co.deps.Channels.RemoveMember(co.textChannel, co.connID)
	co.deps.Fabric.LeaveRoom(roomText(co.textChannel), co.connID)
	_ = co.deps.Presence.SetCurrentChannel(co.connID, "")
	co.textChannel = ""
}

// --- chat ---

func (co *Coordinator) handleChat(ctx context.Context, payload json.RawMessage) error {
	if co.textChannel == "" {
		return coded(CodeValidation, "join a channel first")
	}

	var p chatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coded(CodeValidation, "malformed payload")
	}
	text, err := co.validateText(p.Text)
	if err != nil {
		return err
	}

	user, err := co.requireUser()
	if err != nil {
		return err
	}
	allowed, err := co.deps.Channels.CanAccess(co.textChannel, user.AccountID, user.Roles, channel.ActionChat)
	if err != nil {
		return err
	}
	if !allowed {
		return coded(CodePermissionDenied, "chat is not permitted here")
	}

	msg := co.deps.Chat.Append(co.textChannel, co.connID, user.DisplayName, text, user.Roles, user.IsSuperuser)
	co.deps.Fabric.EmitRoom(roomText(co.textChannel), fabric.Event{Name: EvtChat, Payload: msg})
	return nil
}

func (co *Coordinator) handleChatDelete(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanDeleteAnyMessage); err != nil {
		return err
	}

	var p chatDeletePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.MessageID == "" || p.ChannelID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	user, err := co.requireUser()
	if err != nil {
		return err
	}
	if _, err := co.deps.Chat.Delete(p.ChannelID, p.MessageID, user.DisplayName); err != nil {
		return err
	}

	logging.Info(logging.WithChannelID(ctx, p.ChannelID), "Chat message deleted",
		zap.String("message_id", p.MessageID))
	co.deps.Fabric.EmitRoom(roomText(p.ChannelID), fabric.Event{Name: EvtChatMsgDeleted, Payload: map[string]string{
		"messageId": p.MessageID,
		"channelId": p.ChannelID,
		"deletedBy": user.DisplayName,
	}})
	return nil
}
