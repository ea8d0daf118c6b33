package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
)

func (co *Coordinator) handleVoiceJoin(ctx context.Context, payload json.RawMessage) error {
	var p channelIDPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	if remaining := co.deps.Presence.VoiceTimeoutRemaining(co.connID); remaining > 0 {
		return coded(CodePermissionDenied,
			fmt.Sprintf("voice timeout active for another %s", remaining.Round(time.Second)))
	}

	user, err := co.requireUser()
	if err != nil {
		return err
	}
	allowed, err := co.deps.Channels.CanAccess(p.ChannelID, user.AccountID, user.Roles, channel.ActionVoice)
	if err != nil {
		return err
	}
	if !allowed {
		return coded(CodePermissionDenied, "no voice access to this channel")
	}

	if co.voiceChannel == p.ChannelID {
		return co.replyVoiceJoined(p.ChannelID)
	}
	co.leaveVoiceIfAny(ctx)

	join, err := co.deps.Channels.AddVoice(p.ChannelID, co.connID, user.DisplayName)
	if err != nil {
		return err
	}
	if !co.deps.Fabric.JoinRoom(roomVoice(p.ChannelID), co.connID) {
		// Subscription failed, roll the participant back out.
		_, _ = co.deps.Channels.RemoveVoice(p.ChannelID, co.connID)
		return coded(CodeInternalError, "connection is not subscribed")
	}

	co.voiceChannel = p.ChannelID
	_ = co.deps.Presence.SetVoiceChannel(co.connID, p.ChannelID)
	metrics.VoiceParticipants.WithLabelValues(p.ChannelID).Inc()

	// Prior peers learn about us before our own snapshot reply goes out.
	co.deps.Fabric.EmitRoomExcept(roomVoice(p.ChannelID), co.connID, fabric.Event{
		Name: EvtVoicePeerJoin,
		Payload: map[string]any{
			"id":       co.connID,
			"name":     join.Participant.DisplayName,
			"muted":    join.Participant.Muted,
			"deafened": join.Participant.Deafened,
		},
	})

	if err := co.replyVoiceJoined(p.ChannelID); err != nil {
		return err
	}
	logging.Info(logging.WithChannelID(ctx, p.ChannelID), "Joined voice",
		zap.String("session_id", join.SessionID), zap.Bool("opened_session", join.SessionStarted))
	co.broadcastPresence()
	co.broadcastChannels()
	return nil
}

// replyVoiceJoined sends the joiner its room snapshot: peers excluding self,
// plus the session identity.
func (co *Coordinator) replyVoiceJoined(channelID string) error {
	c, err := co.deps.Channels.ByID(channelID)
	if err != nil {
		return err
	}
	participants, err := co.deps.Channels.VoiceParticipants(channelID)
	if err != nil {
		return err
	}
	peers := make([]channel.VoiceParticipant, 0, len(participants))
	for _, p := range participants {
		if p.ConnID != co.connID {
			peers = append(peers, p)
		}
	}

	co.emitSelf(EvtVoiceJoined, map[string]any{
		"channelId": channelID,
		"peers":     peers,
		"sessionId": c.VoiceSessionID,
		"startedAt": c.VoiceStartedAt,
	})
	return nil
}

func (co *Coordinator) handleVoiceLeave(ctx context.Context) error {
	if co.voiceChannel == "" {
		return coded(CodeValidation, "not in a voice channel")
	}
	co.leaveVoiceIfAny(ctx)
	co.broadcastPresence()
	co.broadcastChannels()
	return nil
}

// leaveVoiceIfAny removes the connection from its voice channel, telling the
// remaining peers first.
func (co *Coordinator) leaveVoiceIfAny(ctx context.Context) {
	if co.voiceChannel == "" {
		return
	}
	channelID := co.voiceChannel
	co.voiceChannel = ""

	emptied, err := co.deps.Channels.RemoveVoice(channelID, co.connID)
	if err == nil {
		metrics.VoiceParticipants.WithLabelValues(channelID).Dec()
	}
	co.deps.Fabric.LeaveRoom(roomVoice(channelID), co.connID)
	co.deps.Fabric.EmitRoom(roomVoice(channelID), fabric.Event{
		Name:    EvtVoicePeerLeave,
		Payload: map[string]string{"id": co.connID},
	})
	_ = co.deps.Presence.SetVoiceChannel(co.connID, "")

	if emptied {
		logging.Info(logging.WithChannelID(ctx, channelID), "Voice session closed")
	}
}

func (co *Coordinator) handleVoiceState(payload json.RawMessage) error {
	if co.voiceChannel == "" {
		return coded(CodeValidation, "not in a voice channel")
	}

	var p voiceStatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coded(CodeValidation, "malformed payload")
	}

	participant, err := co.deps.Channels.UpdateVoiceState(co.voiceChannel, co.connID, p.Muted, p.Deafened)
	if err != nil {
		return err
	}

	co.deps.Fabric.EmitRoom(roomVoice(co.voiceChannel), fabric.Event{
		Name: EvtVoiceState,
		Payload: map[string]any{
			"id":       co.connID,
			"muted":    participant.Muted,
			"deafened": participant.Deafened,
		},
	})
	return nil
}

// handleVoiceSignal relays an opaque negotiation blob to one peer. The blob
// is never inspected; cross-channel targets are dropped silently (the caller
// gets no error) but logged.
func (co *Coordinator) handleVoiceSignal(ctx context.Context, payload json.RawMessage) error {
	if co.voiceChannel == "" {
		return coded(CodeValidation, "not in a voice channel")
	}

	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.To == "" {
		return coded(CodeValidation, "malformed payload")
	}

	target, err := co.deps.Presence.ByConn(p.To)
	if err != nil || target.VoiceChannel != co.voiceChannel {
		logging.Warn(logging.WithChannelID(ctx, co.voiceChannel), "Dropping cross-channel voice signal",
			zap.String("target_conn_id", p.To))
		return nil
	}

	co.deps.Fabric.EmitConn(p.To, fabric.Event{
		Name: EvtVoiceSignal,
		Payload: map[string]any{
			"from": co.connID,
			"data": p.Data,
		},
	})
	return nil
}

// moderationTarget resolves and authorizes a kick/timeout target: caller must
// moderate, share the target's voice channel, and outrank the target.
func (co *Coordinator) moderationTarget(targetConnID string) (*presence.User, error) {
	if err := co.requirePermission(presence.CanModerate); err != nil {
		return nil, err
	}
	caller, err := co.requireUser()
	if err != nil {
		return nil, err
	}
	target, err := co.deps.Presence.ByConn(targetConnID)
	if err != nil {
		return nil, coded(CodeNotFound, "target connection not found")
	}
	if target.VoiceChannel == "" || target.VoiceChannel != caller.VoiceChannel {
		return nil, coded(CodeValidation, "target is not in your voice channel")
	}
	if !presence.AllowsModeration(caller, target) {
		return nil, coded(CodePrivilegeEscalation, "cannot moderate this user")
	}
	return target, nil
}

// ejectFromVoice removes a target from its voice channel on the moderator's
// behalf, notifying the target and the remaining peers.
func (co *Coordinator) ejectFromVoice(ctx context.Context, target *presence.User, event string, payload any) {
	channelID := target.VoiceChannel
	_, _ = co.deps.Channels.RemoveVoice(channelID, target.ConnID)
	metrics.VoiceParticipants.WithLabelValues(channelID).Dec()
	co.deps.Fabric.LeaveRoom(roomVoice(channelID), target.ConnID)
	_ = co.deps.Presence.SetVoiceChannel(target.ConnID, "")

	co.deps.Fabric.EmitConn(target.ConnID, fabric.Event{Name: event, Payload: payload})
	co.deps.Fabric.EmitRoom(roomVoice(channelID), fabric.Event{
		Name:    EvtVoicePeerLeave,
		Payload: map[string]string{"id": target.ConnID},
	})

	co.broadcastPresence()
	co.broadcastChannels()
}

func (co *Coordinator) handleVoiceKick(ctx context.Context, payload json.RawMessage) error {
	var p targetPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetConnID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	target, err := co.moderationTarget(p.TargetConnID)
	if err != nil {
		return err
	}
	caller, err := co.requireUser()
	if err != nil {
		return err
	}

	logging.Info(logging.WithChannelID(ctx, target.VoiceChannel), "Voice kick",
		zap.String("target_conn_id", target.ConnID))
	co.ejectFromVoice(ctx, target, EvtVoiceKicked, map[string]string{
		"by":     caller.DisplayName,
		"reason": p.Reason,
	})
	return nil
}

func (co *Coordinator) handleVoiceTimeout(ctx context.Context, payload json.RawMessage) error {
	var p targetPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetConnID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	target, err := co.moderationTarget(p.TargetConnID)
	if err != nil {
		return err
	}
	caller, err := co.requireUser()
	if err != nil {
		return err
	}

	duration := time.Duration(p.Duration) * time.Second
	if duration < voiceTimeoutMin {
		duration = voiceTimeoutMin
	}
	if duration > voiceTimeoutMax {
		duration = voiceTimeoutMax
	}
	_ = co.deps.Presence.SetVoiceTimeout(target.ConnID, time.Now().Add(duration))

	logging.Info(logging.WithChannelID(ctx, target.VoiceChannel), "Voice timeout",
		zap.String("target_conn_id", target.ConnID),
		zap.Duration("duration", duration))
	co.ejectFromVoice(ctx, target, EvtVoiceTimeout, map[string]any{
		"by":       caller.DisplayName,
		"duration": int64(duration.Seconds()),
		"reason":   p.Reason,
	})
	return nil
}

func (co *Coordinator) handleUserBan(ctx context.Context, payload json.RawMessage) error {
	if err := co.requirePermission(presence.CanBanUsers); err != nil {
		return err
	}

	var p targetPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetConnID == "" {
		return coded(CodeValidation, "malformed payload")
	}

	caller, err := co.requireUser()
	if err != nil {
		return err
	}
	target, err := co.deps.Presence.ByConn(p.TargetConnID)
	if err != nil {
		return coded(CodeNotFound, "target connection not found")
	}
	if target.AccountID == caller.AccountID {
		return coded(CodeValidation, "cannot ban yourself")
	}
	if !presence.AllowsBan(caller, target) {
		return coded(CodePrivilegeEscalation, "cannot ban this user")
	}

	duration := time.Duration(p.Duration) * time.Second
	ban := co.deps.Presence.Ban(target.AccountID, p.Reason, caller.DisplayName, duration)
	logging.Warn(ctx, "Account banned",
		zap.String("target_account_id", target.AccountID),
		zap.String("reason", ban.Reason),
		zap.Duration("duration", duration))

	// Every connection of the banned account is told, then force-closed.
	banned := fabric.Event{Name: EvtUserBanned, Payload: map[string]string{
		"by":     caller.DisplayName,
		"reason": p.Reason,
	}}
	for _, connID := range co.deps.Presence.ByAccount(target.AccountID) {
		co.deps.Fabric.EmitConn(connID, banned)
		co.deps.CloseConn(connID, "banned")
	}
	co.deps.Accounts.RevokeAllForAccount(target.AccountID, "")
	return nil
}
