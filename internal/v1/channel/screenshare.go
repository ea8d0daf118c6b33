package channel

import (
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/set"
)

var ErrShareActive = errors.New("screenshare already active")

// ShareView is the wire descriptor of a screenshare session.
type ShareView struct {
	ChannelID   string `json:"channelId"`
	Active      bool   `json:"active"`
	HostConnID  string `json:"hostId,omitempty"`
	HostName    string `json:"hostName,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	ViewerCount int    `json:"viewerCount"`
}

func shareView(channelID string, s *Screenshare) ShareView {
	if s == nil {
		return ShareView{ChannelID: channelID}
	}
	return ShareView{
		ChannelID:   channelID,
		Active:      true,
		HostConnID:  s.HostConnID,
		HostName:    s.HostName,
		StartedAt:   s.StartedAt.UTC().Format(time.RFC3339),
		ViewerCount: s.Viewers.Len(),
	}
}

// StartScreenshare records the host; one session per channel.
func (r *Registry) StartScreenshare(channelID, hostConnID, hostName string) (ShareView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ShareView{}, ErrNotFound
	}
	if c.Kind != KindScreenshare {
		return ShareView{}, fmt.Errorf("%w: not a screenshare channel", ErrValidation)
	}
	if c.Share != nil && c.Share.HostConnID != hostConnID {
		return ShareView{}, ErrShareActive
	}
	if c.Share == nil {
		c.Share = &Screenshare{
			HostConnID: hostConnID,
			HostName:   hostName,
			StartedAt:  time.Now().UTC(),
			Viewers:    set.New[string](),
		}
	}
	return shareView(channelID, c.Share), nil
}

// StopScreenshare clears the session when stopped by its host. Returns false
// when there was nothing to stop or the caller is not the host.
func (r *Registry) StopScreenshare(channelID, hostConnID string) (ShareView, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ShareView{}, false, ErrNotFound
	}
	if c.Share == nil || c.Share.HostConnID != hostConnID {
		return shareView(channelID, c.Share), false, nil
	}
	c.Share = nil
	return shareView(channelID, nil), true, nil
}

// ShareViewerJoin adds a viewer to the active session.
func (r *Registry) ShareViewerJoin(channelID, connID string) (ShareView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ShareView{}, ErrNotFound
	}
	if c.Share == nil {
		return ShareView{}, fmt.Errorf("%w: no active session", ErrNotFound)
	}
	c.Share.Viewers.Insert(connID)
	return shareView(channelID, c.Share), nil
}

// ShareViewerLeave drops a viewer. No-op without an active session.
func (r *Registry) ShareViewerLeave(channelID, connID string) (ShareView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ShareView{}, ErrNotFound
	}
	if c.Share != nil {
		c.Share.Viewers.Delete(connID)
	}
	return shareView(channelID, c.Share), nil
}

// ShareSession returns the current session descriptor.
func (r *Registry) ShareSession(channelID string) (ShareView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ShareView{}, ErrNotFound
	}
	return shareView(channelID, c.Share), nil
}

// ClearShareByHost force-ends any session hosted by the connection, and drops
// the connection from every viewer set. Used on disconnect. Returns the ids
// of channels whose session descriptor changed.
func (r *Registry) ClearShareByHost(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for id, c := range r.channels {
		if c.Share == nil {
			continue
		}
		if c.Share.HostConnID == connID {
			c.Share = nil
			changed = append(changed, id)
			continue
		}
		if c.Share.Viewers.Has(connID) {
			c.Share.Viewers.Delete(connID)
			changed = append(changed, id)
		}
	}
	return changed
}
