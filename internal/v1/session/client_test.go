package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockWSConnection plays back scripted frames and records what gets written.
type mockWSConnection struct {
	mu            sync.Mutex
	readMessages  [][]byte
	readIndex     int
	writeMessages [][]byte
	closed        bool
	readBlock     chan struct{} // when set, ReadMessage blocks here after the script runs out
}

func (m *mockWSConnection) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	if m.readIndex < len(m.readMessages) {
		msg := m.readMessages[m.readIndex]
		m.readIndex++
		m.mu.Unlock()
		return websocket.TextMessage, msg, nil
	}
	block := m.readBlock
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return 0, nil, errors.New("connection closed")
}

func (m *mockWSConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection closed")
	}
	m.writeMessages = append(m.writeMessages, data)
	return nil
}

func (m *mockWSConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.readBlock != nil {
		select {
		case <-m.readBlock:
		default:
			close(m.readBlock)
		}
	}
	return nil
}

func (m *mockWSConnection) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockWSConnection) writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writeMessages...)
}

func (m *mockWSConnection) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestClient(t *testing.T, conn *mockWSConnection) (*Client, *testEnv) {
	t.Helper()
	env := newEnv(t)
	co, _ := env.connect()
	return NewClient(conn, co, 16), env
}

func TestClientEnqueue(t *testing.T) {
	client := NewClient(&mockWSConnection{}, nil, 2)

	assert.True(t, client.Enqueue([]byte("one")))
	assert.True(t, client.Enqueue([]byte("two")))
	// queue is full; Enqueue must not block
	assert.False(t, client.Enqueue([]byte("three")))
}

func TestClientEnqueue_AfterClose(t *testing.T) {
	client := NewClient(&mockWSConnection{}, nil, 16)
	client.closeSend()
	assert.False(t, client.Enqueue([]byte("late")))
}

func TestClientCloseSend_Idempotent(t *testing.T) {
	client := NewClient(&mockWSConnection{}, nil, 16)
	for i := 0; i < 5; i++ {
		client.closeSend()
	}
	_, ok := <-client.send
	assert.False(t, ok)
}

func TestClientRun_ProcessesFrames(t *testing.T) {
	register, err := json.Marshal(Command{
		Event:   CmdAuthRegister,
		Payload: json.RawMessage(`{"username":"alice@x.io","password":"correct horse battery"}`),
	})
	require.NoError(t, err)

	conn := &mockWSConnection{
		readMessages: [][]byte{
			register,
			[]byte("{not json"),    // discarded
			[]byte(`{"event":""}`), // discarded
		},
		readBlock: make(chan struct{}),
	}
	client, env := newTestClient(t, conn)

	// The client must be the fabric subscriber so replies reach the socket.
	env.fab.Unregister(client.ConnID())
	env.fab.Register(client)

	done := make(chan struct{})
	go func() {
		client.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		for _, frame := range conn.writes() {
			var e struct {
				Event string `json:"event"`
			}
			_ = json.Unmarshal(frame, &e)
			if e.Event == EvtAuthSuccess {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "auth:success should be written to the socket")

	_ = conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump did not unwind")
	}

	// the account registered despite the trailing garbage frames
	_, err = env.accounts.ByUsername("alice@x.io")
	assert.NoError(t, err)
}

func TestClientRun_DisconnectCleansUp(t *testing.T) {
	conn := &mockWSConnection{}
	client, env := newTestClient(t, conn)
	env.fab.Unregister(client.ConnID())
	env.fab.Register(client)

	client.Run(context.Background())

	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, env.fab.SubscriberCount(), "disconnect unregisters from the fabric")
}

func TestClientForceClose_UnblocksReadPump(t *testing.T) {
	conn := &mockWSConnection{readBlock: make(chan struct{})}
	client, env := newTestClient(t, conn)
	env.fab.Unregister(client.ConnID())
	env.fab.Register(client)

	done := make(chan struct{})
	go func() {
		client.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	client.ForceClose("test")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump did not unwind after ForceClose")
	}
}

func TestClientWritePump_DrainsQueue(t *testing.T) {
	conn := &mockWSConnection{}
	client := NewClient(conn, nil, 16)

	go client.writePump()
	require.True(t, client.Enqueue([]byte("hello")))
	require.True(t, client.Enqueue([]byte("world")))
	client.closeSend()

	assert.Eventually(t, func() bool {
		return len(conn.writes()) >= 2
	}, time.Second, 10*time.Millisecond)
	writes := conn.writes()
	assert.Equal(t, []byte("hello"), writes[0])
	assert.Equal(t, []byte("world"), writes[1])
}
