// Package chatlog keeps a bounded per-channel ring of chat records. History
// is in-memory only; overflow drops the oldest record outright, soft-deleted
// records keep their slot until eviction.
package chatlog

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/caldera-live/caldera/backend/go/internal/v1/ident"
)

var ErrNotFound = errors.New("message not found")

// Message is one chat record. Deleted records keep their id and metadata but
// present empty text to clients.
type Message struct {
	MessageID   string    `json:"id"`
	ChannelID   string    `json:"channelId"`
	FromConnID  string    `json:"fromConnId"`
	FromName    string    `json:"from"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Roles       []string  `json:"roles,omitempty"`
	IsSuperuser bool      `json:"isSuperuser,omitempty"`
	Edited      bool      `json:"edited,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	DeletedBy   string    `json:"deletedBy,omitempty"`
	DeletedAt   time.Time `json:"deletedAt,omitempty"`
}

// Log holds one ring per channel. Internally synchronized.
type Log struct {
	mu       sync.RWMutex
	capacity int
	channels map[string][]*Message // ordered oldest-first
}

// NewLog builds a log whose per-channel rings hold at most capacity records.
func NewLog(capacity int) *Log {
	if capacity < 1 {
		capacity = 200
	}
	return &Log{
		capacity: capacity,
		channels: make(map[string][]*Message),
	}
}

// Append records a message and returns a copy of the stored record. When the
// ring is full the oldest record is dropped; ids of retained records never
// change.
func (l *Log) Append(channelID, fromConnID, fromName, text string, roles []string, isSuperuser bool) *Message {
	msg := &Message{
		MessageID:   ident.NewID("msg"),
		ChannelID:   channelID,
		FromConnID:  fromConnID,
		FromName:    fromName,
		Text:        text,
		Timestamp:   time.Now().UTC(),
		Roles:       append([]string(nil), roles...),
		IsSuperuser: isSuperuser,
	}

	l.mu.Lock()
	ring := append(l.channels[channelID], msg)
	if len(ring) > l.capacity {
		ring = ring[len(ring)-l.capacity:]
	}
	l.channels[channelID] = ring
	l.mu.Unlock()

	cp := *msg
	return &cp
}

// History returns up to limit records, oldest first (newest last). limit <= 0
// means the whole ring. Soft-deleted records are included with empty text so
// clients can render tombstones.
func (l *Log) History(channelID string, limit int) []*Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ring := l.channels[channelID]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}

	out := make([]*Message, len(ring))
	for i, msg := range ring {
		out[i] = redactIfDeleted(msg)
	}
	return out
}

// Delete soft-deletes a record: the slot survives with empty user-visible
// text until ring eviction.
func (l *Log) Delete(channelID, messageID, deletedBy string) (*Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, msg := range l.channels[channelID] {
		if msg.MessageID != messageID {
			continue
		}
		if !msg.Deleted {
			msg.Deleted = true
			msg.DeletedBy = deletedBy
			msg.DeletedAt = time.Now().UTC()
		}
		return redactIfDeleted(msg), nil
	}
	return nil, ErrNotFound
}

// Search returns live (non-deleted) records whose text contains query,
// case-insensitive, oldest first, capped at limit (<=0 means uncapped).
func (l *Log) Search(channelID, query string, limit int) []*Message {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Message
	for _, msg := range l.channels[channelID] {
		if msg.Deleted {
			continue
		}
		if !strings.Contains(strings.ToLower(msg.Text), needle) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Recent returns the newest n live records, oldest first.
func (l *Log) Recent(channelID string, n int) []*Message {
	if n <= 0 {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	ring := l.channels[channelID]
	var out []*Message
	for i := len(ring) - 1; i >= 0 && len(out) < n; i-- {
		if ring[i].Deleted {
			continue
		}
		cp := *ring[i]
		out = append(out, &cp)
	}
	// walked newest-first, flip back
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// DropChannel discards a channel's ring, e.g. when the channel is deleted.
func (l *Log) DropChannel(channelID string) {
	l.mu.Lock()
	delete(l.channels, channelID)
	l.mu.Unlock()
}

// Count returns the number of records currently held for the channel.
func (l *Log) Count(channelID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.channels[channelID])
}

// TotalCount returns the number of records held across all channels.
func (l *Log) TotalCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, ring := range l.channels {
		total += len(ring)
	}
	return total
}

func redactIfDeleted(msg *Message) *Message {
	cp := *msg
	if cp.Deleted {
		cp.Text = ""
	}
	return &cp
}
