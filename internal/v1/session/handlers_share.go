package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
)

// shareChannel validates the screenshare target: the caller must currently
// occupy the channel's room.
func (co *Coordinator) shareChannel(payload json.RawMessage) (string, error) {
	var p channelIDPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ChannelID == "" {
		return "", coded(CodeValidation, "malformed payload")
	}
	if co.textChannel != p.ChannelID {
		return "", coded(CodeValidation, "join the channel first")
	}
	return p.ChannelID, nil
}

func (co *Coordinator) handleShareStart(payload json.RawMessage) error {
	channelID, err := co.shareChannel(payload)
	if err != nil {
		return err
	}
	user, err := co.requireUser()
	if err != nil {
		return err
	}

	view, err := co.deps.Channels.StartScreenshare(channelID, co.connID, user.DisplayName)
	if err != nil {
		return err
	}
	co.deps.Fabric.EmitRoom(roomText(channelID), fabric.Event{Name: EvtShareSession, Payload: view})
	return nil
}

func (co *Coordinator) handleShareStop(payload json.RawMessage) error {
	channelID, err := co.shareChannel(payload)
	if err != nil {
		return err
	}

	view, stopped, err := co.deps.Channels.StopScreenshare(channelID, co.connID)
	if err != nil {
		return err
	}
	if !stopped {
		return coded(CodePermissionDenied, "only the host can stop the session")
	}
	co.deps.Fabric.EmitRoom(roomText(channelID), fabric.Event{Name: EvtShareSession, Payload: view})
	return nil
}

func (co *Coordinator) handleShareViewerJoin(payload json.RawMessage) error {
	channelID, err := co.shareChannel(payload)
	if err != nil {
		return err
	}
	user, err := co.requireUser()
	if err != nil {
		return err
	}

	view, err := co.deps.Channels.ShareViewerJoin(channelID, co.connID)
	if err != nil {
		return err
	}

	// The host gets a pending-viewer notice so it can open the peer leg.
	co.deps.Fabric.EmitConn(view.HostConnID, fabric.Event{
		Name: EvtShareViewerPending,
		Payload: map[string]string{
			"channelId":  channelID,
			"viewerId":   co.connID,
			"viewerName": user.DisplayName,
		},
	})
	co.deps.Fabric.EmitRoom(roomText(channelID), fabric.Event{Name: EvtShareSession, Payload: view})
	return nil
}

func (co *Coordinator) handleShareViewerLeave(payload json.RawMessage) error {
	channelID, err := co.shareChannel(payload)
	if err != nil {
		return err
	}

	view, err := co.deps.Channels.ShareViewerLeave(channelID, co.connID)
	if err != nil {
		return err
	}
	co.deps.Fabric.EmitRoom(roomText(channelID), fabric.Event{Name: EvtShareSession, Payload: view})
	return nil
}

// handleShareSignal relays an opaque blob between the host and a viewer of
// the same screenshare room. Targets outside the room are dropped silently,
// mirroring the voice relay.
func (co *Coordinator) handleShareSignal(ctx context.Context, payload json.RawMessage) error {
	var p signalPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.To == "" {
		return coded(CodeValidation, "malformed payload")
	}

	channelID := p.ChannelID
	if channelID == "" {
		channelID = co.textChannel
	}
	if channelID == "" || co.textChannel != channelID {
		return coded(CodeValidation, "join the channel first")
	}

	if !co.deps.Fabric.InRoom(roomText(channelID), p.To) {
		logging.Warn(logging.WithChannelID(ctx, channelID), "Dropping cross-channel screenshare signal",
			zap.String("target_conn_id", p.To))
		return nil
	}

	co.deps.Fabric.EmitConn(p.To, fabric.Event{
		Name: EvtShareSignal,
		Payload: map[string]any{
			"from":      co.connID,
			"data":      p.Data,
			"channelId": channelID,
		},
	})
	return nil
}
