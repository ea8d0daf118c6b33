// Package channel owns channels, groups, permissions, and the voice, stream,
// and screenshare state machines. Everything is guarded by one registry lock;
// callers never hold it while emitting events.
package channel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
)

var (
	ErrNotFound          = errors.New("channel not found")
	ErrNameTaken         = errors.New("channel name already in use")
	ErrValidation        = errors.New("validation failed")
	ErrCapacity          = errors.New("capacity exceeded")
	ErrStreamAlreadyLive = errors.New("stream already live")
	ErrStreamNotLive     = errors.New("stream not live")
)

// Kind is the channel flavor.
type Kind string

const (
	KindText        Kind = "text"
	KindVoice       Kind = "voice"
	KindStream      Kind = "stream"
	KindScreenshare Kind = "screenshare"
)

// ValidKind reports whether k names a channel kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindText, KindVoice, KindStream, KindScreenshare:
		return true
	}
	return false
}

// VoiceParticipant is one occupant of a voice channel.
type VoiceParticipant struct {
	ConnID      string    `json:"id"`
	DisplayName string    `json:"name"`
	Muted       bool      `json:"muted"`
	Deafened    bool      `json:"deafened"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// ActiveStream describes the current RTMP publish session of a stream
// channel. AccountID is empty for stream-key publishers.
type ActiveStream struct {
	SessionID string    `json:"sessionId"`
	AccountID string    `json:"accountId,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	SourceIP  string    `json:"sourceIp,omitempty"`
}

// Screenshare describes the current screenshare session of a channel.
type Screenshare struct {
	HostConnID string
	HostName   string
	StartedAt  time.Time
	Viewers    set.Set[string]
}

// Channel is the registry's internal record. Fields are only touched under
// the registry lock.
type Channel struct {
	ChannelID string
	Name      string
	Kind      Kind
	GroupID   string
	Perms     Permissions
	Members   set.Set[string]

	// voice slot
	VoiceParticipants map[string]*VoiceParticipant
	VoiceSessionID    string
	VoiceStartedAt    time.Time

	// stream slot
	StreamKeyToken string
	Stream         *ActiveStream

	// screenshare slot
	Share *Screenshare

	CreatedAt time.Time
}

// IsLive reports whether a publish session is active.
func (c *Channel) IsLive() bool { return c.Stream != nil }

// Group is a purely organizational bucket of channels.
type Group struct {
	GroupID   string `json:"id"`
	Name      string `json:"name"`
	Kind      Kind   `json:"type"`
	Collapsed bool   `json:"collapsed"`
}

// Options caps the registry.
type Options struct {
	MaxChannels       int
	MaxChannelMembers int
}

// Registry owns all channels and groups.
type Registry struct {
	mu         sync.RWMutex
	channels    map[string]*Channel // channel_id → channel
	byName      map[string]string   // name → channel_id
	byStreamKey map[string]string   // stream_key_token → channel_id
	groups      map[string]*Group
	groupOrder  []string

	maxChannels int
	maxMembers  int
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxChannels < 1 {
		opts.MaxChannels = 200
	}
	if opts.MaxChannelMembers < 1 {
		opts.MaxChannelMembers = 500
	}
	return &Registry{
		channels:    make(map[string]*Channel),
		byName:      make(map[string]string),
		byStreamKey: make(map[string]string),
		groups:      make(map[string]*Group),
		maxChannels: opts.MaxChannels,
		maxMembers:  opts.MaxChannelMembers,
	}
}

// Create registers a new channel. Stream channels are minted an immutable
// stream-key token at creation.
func (r *Registry) Create(name string, kind Kind, groupID string, perms PermissionsInput) (*Channel, error) {
	if err := ident.ValidateChannelName(name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if !ValidKind(kind) {
		return nil, fmt.Errorf("%w: unknown channel type %q", ErrValidation, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		return nil, ErrNameTaken
	}
	if len(r.channels) >= r.maxChannels {
		return nil, fmt.Errorf("%w: channel limit reached", ErrCapacity)
	}
	if groupID != "" {
		if _, ok := r.groups[groupID]; !ok {
			return nil, fmt.Errorf("%w: group", ErrNotFound)
		}
	}

	c := &Channel{
		ChannelID: ident.NewID("ch"),
		Name:      name,
		Kind:      kind,
		GroupID:   groupID,
		Perms:     Normalize(perms),
		Members:   set.New[string](),
		CreatedAt: time.Now().UTC(),
	}
	if kind == KindVoice {
		c.VoiceParticipants = make(map[string]*VoiceParticipant)
	}
	if kind == KindStream {
		c.StreamKeyToken = ident.NewStreamKeyToken()
		r.byStreamKey[c.StreamKeyToken] = c.ChannelID
	}

	r.channels[c.ChannelID] = c
	r.byName[name] = c.ChannelID
	return r.viewLocked(c), nil
}

// Delete removes a channel and returns the conn ids that were members, so the
// caller can eject them with an observable event.
func (r *Registry) Delete(channelID string) (*Channel, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	members := c.Members.SortedList()
	delete(r.channels, channelID)
	delete(r.byName, c.Name)
	if c.StreamKeyToken != "" {
		delete(r.byStreamKey, c.StreamKeyToken)
	}
	return r.viewLocked(c), members, nil
}

// ByID returns a copy of the channel.
func (r *Registry) ByID(channelID string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.viewLocked(c), nil
}

// ByName returns a copy of the channel with that exact name.
func (r *Registry) ByName(name string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return r.viewLocked(r.channels[id]), nil
}

// ByStreamKeyToken resolves the channel owning a stream-key token.
func (r *Registry) ByStreamKeyToken(token string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byStreamKey[token]
	if !ok {
		return nil, ErrNotFound
	}
	return r.viewLocked(r.channels[id]), nil
}

// List returns copies of all channels ordered by creation time.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, r.viewLocked(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// AddMember subscribes a connection to the channel's membership set.
func (r *Registry) AddMember(channelID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[channelID]
	if !ok {
		return ErrNotFound
	}
	if !c.Members.Has(connID) && c.Members.Len() >= r.maxMembers {
		return fmt.Errorf("%w: channel full", ErrCapacity)
	}
	c.Members.Insert(connID)
	return nil
}

// RemoveMember drops a connection from the membership set. Unknown channels
// or non-members are a no-op.
func (r *Registry) RemoveMember(channelID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.channels[channelID]; ok {
		c.Members.Delete(connID)
	}
}

// HasMember reports channel membership.
func (r *Registry) HasMember(channelID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	return ok && c.Members.Has(connID)
}

// EnsureGroup creates the group if no group of that name exists, and returns
// it either way. Used by boot seeding.
func (r *Registry) EnsureGroup(name string, kind Kind, collapsed bool) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.groups {
		if g.Name == name {
			cp := *g
			return &cp
		}
	}
	g := &Group{
		GroupID:   ident.NewID("grp"),
		Name:      name,
		Kind:      kind,
		Collapsed: collapsed,
	}
	r.groups[g.GroupID] = g
	r.groupOrder = append(r.groupOrder, g.GroupID)
	cp := *g
	return &cp
}

// Groups returns all groups in creation order.
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Group, 0, len(r.groupOrder))
	for _, id := range r.groupOrder {
		cp := *r.groups[id]
		out = append(out, &cp)
	}
	return out
}

// GetPermissions returns the channel's canonical permission matrix.
func (r *Registry) GetPermissions(channelID string) (Permissions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Perms.clone(), nil
}

// UpdatePermissions replaces the channel's permission matrix with the
// normalized form of the input.
func (r *Registry) UpdatePermissions(channelID string, perms PermissionsInput) (Permissions, error) {
	normalized := Normalize(perms)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	c.Perms = normalized
	return c.Perms.clone(), nil
}

// CanAccess decides whether a principal may perform the action on the
// channel. Precedence: superuser, wildcard, role match, account allow-list.
func (r *Registry) CanAccess(channelID, accountID string, roles []string, action Action) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.channels[channelID]
	if !ok {
		return false, ErrNotFound
	}
	return c.Perms.allows(accountID, roles, action), nil
}

// viewLocked deep-copies a channel so callers never share registry state.
// Caller holds at least the read lock.
func (r *Registry) viewLocked(c *Channel) *Channel {
	cp := *c
	cp.Perms = c.Perms.clone()
	cp.Members = set.New(c.Members.UnsortedList()...)
	if c.VoiceParticipants != nil {
		cp.VoiceParticipants = make(map[string]*VoiceParticipant, len(c.VoiceParticipants))
		for id, p := range c.VoiceParticipants {
			pc := *p
			cp.VoiceParticipants[id] = &pc
		}
	}
	if c.Stream != nil {
		sc := *c.Stream
		cp.Stream = &sc
	}
	if c.Share != nil {
		shc := *c.Share
		shc.Viewers = set.New(c.Share.Viewers.UnsortedList()...)
		cp.Share = &shc
	}
	return &cp
}
