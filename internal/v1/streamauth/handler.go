// Package streamauth exposes the HTTP hooks the external RTMP server calls to
// authorize publishes, report disconnects, and poll live status. The endpoints
// are deployment-isolated to the RTMP server; they never face browsers.
package streamauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
	"github.com/caldera-live/caldera/backend/go/internal/v1/session"
)

// Error codes returned to the RTMP server.
const (
	CodeRateLimited        = "STREAM_AUTH_RATE_LIMITED"
	CodeKeyInvalid         = "STREAM_KEY_INVALID"
	CodeAlreadyLive        = "STREAM_ALREADY_LIVE"
	CodeInvalidCredentials = "STREAM_AUTH_INVALID_CREDENTIALS"
	CodeForbidden          = "STREAM_AUTH_FORBIDDEN"
	CodeInvalid            = "STREAM_AUTH_INVALID"
	CodeError              = "STREAM_AUTH_ERROR"
)

// RateLimiter gates publish authorization attempts. nil allows everything.
type RateLimiter interface {
	AllowStreamAuth(ctx context.Context, key string) bool
}

// Handler serves the RTMP control endpoints.
type Handler struct {
	accounts *account.Store
	channels *channel.Registry
	fab      *fabric.Fabric
	limits   RateLimiter
}

func NewHandler(accounts *account.Store, channels *channel.Registry, fab *fabric.Fabric, limits RateLimiter) *Handler {
	return &Handler{accounts: accounts, channels: channels, fab: fab, limits: limits}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/api/stream/auth", h.Authorize)
	r.POST("/api/stream/end", h.End)
	r.GET("/api/stream/:name/status", h.Status)
}

func (h *Handler) deny(c *gin.Context, status int, code, message string) {
	metrics.StreamAuthDecisions.WithLabelValues(code).Inc()
	c.JSON(status, gin.H{"allowed": false, "code": code, "error": message})
}

// Authorize decides one publish attempt. Stream-key requests bypass account
// auth; credential requests authenticate and check the channel's stream
// permission.
func (h *Handler) Authorize(c *gin.Context) {
	ctx := c.Request.Context()

	req, err := parsePublishRequest(c)
	if err != nil {
		h.deny(c, http.StatusBadRequest, CodeInvalid, err.Error())
		return
	}
	if req.RemoteIP == "" {
		req.RemoteIP = c.ClientIP()
	}
	ctx = logging.WithChannelID(ctx, req.Channel)

	if h.limits != nil && !h.limits.AllowStreamAuth(ctx, req.rateKey()) {
		h.deny(c, http.StatusTooManyRequests, CodeRateLimited, "too many authorization attempts")
		return
	}
	if req.Channel == "" {
		h.deny(c, http.StatusBadRequest, CodeInvalid, "channel is required")
		return
	}

	if req.StreamKey != "" {
		h.authorizeByKey(c, ctx, req)
		return
	}
	h.authorizeByCredentials(c, ctx, req)
}

func (h *Handler) authorizeByKey(c *gin.Context, ctx context.Context, req *publishRequest) {
	target, err := h.channels.ByStreamKeyToken(req.StreamKey)
	if err != nil {
		logging.Warn(ctx, "Publish rejected: unknown stream key", zap.String("remote_ip", req.RemoteIP))
		h.deny(c, http.StatusForbidden, CodeKeyInvalid, "invalid stream key")
		return
	}

	h.startStream(c, ctx, target, channel.StreamPrincipal{
		ClientID: req.ClientID,
		SourceIP: req.RemoteIP,
	})
}

func (h *Handler) authorizeByCredentials(c *gin.Context, ctx context.Context, req *publishRequest) {
	if req.Username == "" || req.Password == "" {
		h.deny(c, http.StatusBadRequest, CodeInvalid, "credentials or stream key required")
		return
	}

	acct, err := h.accounts.Authenticate(ctx, strings.ToLower(req.Username), req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) || errors.Is(err, account.ErrAccountDisabled) {
			logging.Warn(ctx, "Publish rejected: bad credentials",
				zap.String("username", logging.RedactEmail(req.Username)),
				zap.String("remote_ip", req.RemoteIP))
			h.deny(c, http.StatusForbidden, CodeInvalidCredentials, "invalid credentials")
			return
		}
		logging.Error(ctx, "Publish authorization failed", zap.Error(err))
		h.deny(c, http.StatusInternalServerError, CodeError, "authorization failed")
		return
	}

	target, err := h.channels.ByName(req.Channel)
	if err != nil {
		h.deny(c, http.StatusForbidden, CodeForbidden, "no stream access to this channel")
		return
	}
	allowed, err := h.channels.CanAccess(target.ChannelID, acct.AccountID, acct.RoleNames(), channel.ActionStream)
	if err != nil || !allowed {
		logging.Warn(ctx, "Publish rejected: forbidden",
			zap.String("account_id", acct.AccountID))
		h.deny(c, http.StatusForbidden, CodeForbidden, "no stream access to this channel")
		return
	}

	h.startStream(c, ctx, target, channel.StreamPrincipal{
		AccountID: acct.AccountID,
		ClientID:  req.ClientID,
		SourceIP:  req.RemoteIP,
	})
}

func (h *Handler) startStream(c *gin.Context, ctx context.Context, target *channel.Channel, principal channel.StreamPrincipal) {
	active, err := h.channels.StartStream(target.ChannelID, principal)
	switch {
	case errors.Is(err, channel.ErrStreamAlreadyLive):
		h.deny(c, http.StatusConflict, CodeAlreadyLive, "channel is already live")
		return
	case err != nil:
		logging.Error(ctx, "Publish authorization failed", zap.Error(err))
		h.deny(c, http.StatusInternalServerError, CodeError, "authorization failed")
		return
	}

	logging.Info(ctx, "Publish authorized",
		zap.String("publish_session", active.SessionID),
		zap.String("remote_ip", principal.SourceIP))
	metrics.StreamAuthDecisions.WithLabelValues("allowed").Inc()
	metrics.LiveStreams.Set(float64(h.channels.LiveStreamCount()))
	session.BroadcastChannels(h.fab, h.channels)

	c.JSON(http.StatusOK, gin.H{
		"allowed":    true,
		"channel_id": target.ChannelID,
		"channel":    target.Name,
		"started_at": active.StartedAt.Format(time.RFC3339),
	})
}

// End releases a publish session. The RTMP server is authoritative on
// disconnects, so missing or stale references release anyway.
func (h *Handler) End(c *gin.Context) {
	ctx := c.Request.Context()

	req, err := parsePublishRequest(c)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"released": false, "reason": err.Error()})
		return
	}

	var target *channel.Channel
	if req.StreamKey != "" {
		target, err = h.channels.ByStreamKeyToken(req.StreamKey)
	}
	if target == nil && req.Channel != "" {
		target, err = h.channels.ByName(req.Channel)
	}
	if target == nil || err != nil {
		c.JSON(http.StatusOK, gin.H{"released": false, "reason": "unknown channel"})
		return
	}

	released, err := h.channels.EndStream(target.ChannelID, channel.StreamEndMatch{
		ClientID: req.ClientID,
	})
	if err != nil || !released {
		c.JSON(http.StatusOK, gin.H{"released": false, "reason": "not live"})
		return
	}

	logging.Info(logging.WithChannelID(ctx, target.ChannelID), "Publish released",
		zap.String("channel", target.Name))
	metrics.LiveStreams.Set(float64(h.channels.LiveStreamCount()))
	session.BroadcastChannels(h.fab, h.channels)
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// Status reports one channel's live state; pollable by players.
func (h *Handler) Status(c *gin.Context) {
	target, err := h.channels.ByName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channelName": target.Name,
		"isLive":      target.IsLive(),
		"viewerCount": target.Members.Len(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}
