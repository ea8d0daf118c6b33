package channel

import (
	"fmt"
	"sort"
	"time"

	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
)

// VoiceJoin is what AddVoice reports back: the normalized participant plus
// the session identity the channel is running under.
type VoiceJoin struct {
	Participant    VoiceParticipant
	SessionID      string
	StartedAt      time.Time
	SessionStarted bool // true when this join opened the session
}

// AddVoice inserts or updates a participant. The first participant opens a
// fresh voice session.
func (r *Registry) AddVoice(channelID, connID, displayName string) (*VoiceJoin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Kind != KindVoice {
		return nil, fmt.Errorf("%w: not a voice channel", ErrValidation)
	}
	if _, present := c.VoiceParticipants[connID]; !present && len(c.VoiceParticipants) >= r.maxMembers {
		return nil, fmt.Errorf("%w: voice channel full", ErrCapacity)
	}

	opened := false
	if len(c.VoiceParticipants) == 0 {
		c.VoiceSessionID = ident.NewID("vs")
		c.VoiceStartedAt = time.Now().UTC()
		opened = true
	}

	p, present := c.VoiceParticipants[connID]
	if !present {
		p = &VoiceParticipant{
			ConnID:   connID,
			JoinedAt: time.Now().UTC(),
		}
		c.VoiceParticipants[connID] = p
	}
	p.DisplayName = displayName

	return &VoiceJoin{
		Participant:    *p,
		SessionID:      c.VoiceSessionID,
		StartedAt:      c.VoiceStartedAt,
		SessionStarted: opened,
	}, nil
}

// RemoveVoice deletes a participant; the last removal closes the session.
// Returns whether the session emptied. Unknown participants are a no-op.
func (r *Registry) RemoveVoice(channelID, connID string) (emptied bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return false, ErrNotFound
	}
	if _, present := c.VoiceParticipants[connID]; !present {
		return false, nil
	}

	delete(c.VoiceParticipants, connID)
	if len(c.VoiceParticipants) == 0 {
		c.VoiceSessionID = ""
		c.VoiceStartedAt = time.Time{}
		return true, nil
	}
	return false, nil
}

// UpdateVoiceState merges mute/deafen flags. Deafened implies muted.
func (r *Registry) UpdateVoiceState(channelID, connID string, muted, deafened *bool) (*VoiceParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	p, present := c.VoiceParticipants[connID]
	if !present {
		return nil, fmt.Errorf("%w: participant", ErrNotFound)
	}

	if muted != nil {
		p.Muted = *muted
	}
	if deafened != nil {
		p.Deafened = *deafened
	}
	if p.Deafened {
		p.Muted = true
	}
	cp := *p
	return &cp, nil
}

// VoiceParticipants returns the current occupants sorted by join time.
func (r *Registry) VoiceParticipants(channelID string) ([]VoiceParticipant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]VoiceParticipant, 0, len(c.VoiceParticipants))
	for _, p := range c.VoiceParticipants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// InVoice reports whether the connection occupies the channel.
func (r *Registry) InVoice(channelID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	if !ok {
		return false
	}
	_, present := c.VoiceParticipants[connID]
	return present
}
