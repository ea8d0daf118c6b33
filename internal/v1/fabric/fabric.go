// Package fabric is the broadcast layer: room-indexed fan-out over bounded
// per-connection outbound queues. Registries never emit directly; they hand
// events to the fabric, which marshals once and enqueues per subscriber.
package fabric

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
)

// Event is the outbound wire envelope.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Subscriber is one connection's outbound queue. Enqueue must not block; it
// returns false when the queue is full, which the fabric treats as a slow
// subscriber and escalates to a drop.
type Subscriber interface {
	ConnID() string
	Enqueue(data []byte) bool
}

// DropFunc is invoked (outside all fabric locks) when a subscriber's queue
// overflows. The owner is expected to close the connection.
type DropFunc func(connID string, reason string)

// Fabric tracks subscribers and room membership.
type Fabric struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	rooms       map[string]set.Set[string] // room → conn_ids
	onDrop      DropFunc

	// emitMu serializes the enqueue loops: concurrent broadcasts must not
	// interleave, or subscribers of the same room would observe them in
	// different orders.
	emitMu sync.Mutex
}

func New(onDrop DropFunc) *Fabric {
	if onDrop == nil {
		onDrop = func(string, string) {}
	}
	return &Fabric{
		subscribers: make(map[string]Subscriber),
		rooms:       make(map[string]set.Set[string]),
		onDrop:      onDrop,
	}
}

// Register adds a connection's outbound queue.
func (f *Fabric) Register(sub Subscriber) {
	f.mu.Lock()
	f.subscribers[sub.ConnID()] = sub
	f.mu.Unlock()
}

// Unregister removes the connection and its room memberships.
func (f *Fabric) Unregister(connID string) {
	f.mu.Lock()
	delete(f.subscribers, connID)
	for room, members := range f.rooms {
		members.Delete(connID)
		if members.Len() == 0 {
			delete(f.rooms, room)
		}
	}
	f.mu.Unlock()
}

// JoinRoom subscribes the connection to a room. Returns false when the
// connection is not registered.
func (f *Fabric) JoinRoom(room, connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subscribers[connID]; !ok {
		return false
	}
	members, ok := f.rooms[room]
	if !ok {
		members = set.New[string]()
		f.rooms[room] = members
	}
	members.Insert(connID)
	return true
}

// LeaveRoom unsubscribes the connection from a room.
func (f *Fabric) LeaveRoom(room, connID string) {
	f.mu.Lock()
	if members, ok := f.rooms[room]; ok {
		members.Delete(connID)
		if members.Len() == 0 {
			delete(f.rooms, room)
		}
	}
	f.mu.Unlock()
}

// RoomMembers returns the conn ids subscribed to a room.
func (f *Fabric) RoomMembers(room string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	members, ok := f.rooms[room]
	if !ok {
		return nil
	}
	return members.SortedList()
}

// InRoom reports room membership for one connection.
func (f *Fabric) InRoom(room, connID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	members, ok := f.rooms[room]
	return ok && members.Has(connID)
}

// SubscriberCount returns the number of registered connections.
func (f *Fabric) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// EmitConn delivers an event to a single connection.
func (f *Fabric) EmitConn(connID string, event Event) {
	data, err := marshal(event)
	if err != nil {
		return
	}

	f.mu.RLock()
	sub, ok := f.subscribers[connID]
	f.mu.RUnlock()
	if !ok {
		return
	}
	f.broadcast([]Subscriber{sub}, event.Name, data)
}

// EmitRoom delivers an event to every subscriber of a room.
func (f *Fabric) EmitRoom(room string, event Event) {
	f.emitRoomExcept(room, "", event)
}

// EmitRoomExcept delivers to a room minus one connection, typically the
// originator of the event.
func (f *Fabric) EmitRoomExcept(room, exceptConnID string, event Event) {
	f.emitRoomExcept(room, exceptConnID, event)
}

func (f *Fabric) emitRoomExcept(room, exceptConnID string, event Event) {
	data, err := marshal(event)
	if err != nil {
		return
	}

	f.mu.RLock()
	members, ok := f.rooms[room]
	var targets []Subscriber
	if ok {
		targets = make([]Subscriber, 0, members.Len())
		for _, connID := range members.UnsortedList() {
			if connID == exceptConnID {
				continue
			}
			if sub, present := f.subscribers[connID]; present {
				targets = append(targets, sub)
			}
		}
	}
	f.mu.RUnlock()

	f.broadcast(targets, event.Name, data)
}

// EmitAll delivers an event to every registered connection. Used for
// presence and channel-list snapshots.
func (f *Fabric) EmitAll(event Event) {
	data, err := marshal(event)
	if err != nil {
		return
	}

	f.mu.RLock()
	targets := make([]Subscriber, 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		targets = append(targets, sub)
	}
	f.mu.RUnlock()

	f.broadcast(targets, event.Name, data)
}

// broadcast enqueues one marshalled frame to every target. The whole loop
// runs under emitMu; Enqueue never blocks, so holding the lock across the
// loop is cheap. Full queues escalate to drops after the lock is released.
func (f *Fabric) broadcast(targets []Subscriber, eventName string, data []byte) {
	var slow []Subscriber
	f.emitMu.Lock()
	for _, sub := range targets {
		if !sub.Enqueue(data) {
			slow = append(slow, sub)
		}
	}
	f.emitMu.Unlock()

	for _, sub := range slow {
		metrics.SlowSubscriberDrops.Inc()
		logging.Warn(context.Background(), "Dropping slow subscriber",
			zap.String("conn_id", sub.ConnID()),
			zap.String("event", eventName))
		f.onDrop(sub.ConnID(), "slow subscriber")
	}
}

func marshal(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound event",
			zap.String("event", event.Name), zap.Error(err))
		return nil, err
	}
	return data, nil
}
