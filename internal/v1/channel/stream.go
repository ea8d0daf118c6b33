package channel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
)

// StreamPrincipal identifies who is publishing. AccountID is empty when the
// publisher authenticated with a stream-key token.
type StreamPrincipal struct {
	AccountID string
	ClientID  string
	SourceIP  string
}

// samePublisher decides start_stream idempotency: an account owner restarting
// their own stream, or the exact same keyless client, re-enters the live
// session instead of conflicting.
func samePublisher(active *ActiveStream, p StreamPrincipal) bool {
	if p.AccountID != "" {
		return p.AccountID == active.AccountID
	}
	return active.AccountID == "" && p.ClientID != "" && p.ClientID == active.ClientID
}

// StartStream flips the channel live. A second publisher gets
// ErrStreamAlreadyLive; the same publisher re-entering is idempotent and
// returns the existing session.
func (r *Registry) StartStream(channelID string, p StreamPrincipal) (*ActiveStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Kind != KindStream {
		return nil, fmt.Errorf("%w: not a stream channel", ErrValidation)
	}

	if c.Stream != nil {
		if samePublisher(c.Stream, p) {
			cp := *c.Stream
			return &cp, nil
		}
		return nil, ErrStreamAlreadyLive
	}

	c.Stream = &ActiveStream{
		SessionID: ident.NewID("pub"),
		AccountID: p.AccountID,
		ClientID:  p.ClientID,
		StartedAt: time.Now().UTC(),
		SourceIP:  p.SourceIP,
	}
	cp := *c.Stream
	return &cp, nil
}

// StreamEndMatch carries whatever identifiers the RTMP server still has when
// it reports a disconnect. Any empty field matches.
type StreamEndMatch struct {
	SessionID string
	ClientID  string
	AccountID string
}

// EndStream clears the publish session. The external RTMP server is
// authoritative on disconnection, so a mismatched reference is logged but the
// stream is still released. Returns false when the channel was not live.
func (r *Registry) EndStream(channelID string, match StreamEndMatch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Stream == nil {
		return false, nil
	}

	mismatch := (match.SessionID != "" && match.SessionID != c.Stream.SessionID) ||
		(match.ClientID != "" && match.ClientID != c.Stream.ClientID) ||
		(match.AccountID != "" && match.AccountID != c.Stream.AccountID)
	if mismatch {
		logging.Warn(context.Background(), "Stream end reference mismatch, releasing anyway",
			zap.String("channel_id", channelID),
			zap.String("active_session", c.Stream.SessionID),
			zap.String("claimed_session", match.SessionID),
			zap.String("claimed_client", match.ClientID))
	}

	c.Stream = nil
	return true, nil
}

// LiveStreamCount returns the number of channels currently publishing.
func (r *Registry) LiveStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.channels {
		if c.Stream != nil {
			n++
		}
	}
	return n
}

// RegenerateStreamKey mints a fresh token for the channel and invalidates the
// old one.
func (r *Registry) RegenerateStreamKey(channelID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return "", ErrNotFound
	}
	if c.Kind != KindStream {
		return "", fmt.Errorf("%w: not a stream channel", ErrValidation)
	}

	delete(r.byStreamKey, c.StreamKeyToken)
	c.StreamKeyToken = ident.NewStreamKeyToken()
	r.byStreamKey[c.StreamKeyToken] = c.ChannelID
	return c.StreamKeyToken, nil
}
