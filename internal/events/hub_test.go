package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/r2d2ctl/internal/robot"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestHub_StateObserver(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h)

	h.StateObserver()(robot.StateChange{
		From:   robot.StateConnecting,
		To:     robot.StateConnected,
		Device: robot.Device{Name: "Pico_Agent", Address: "AA:BB:CC:DD:EE:FF"},
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type      string       `json:"type"`
		Payload   StatePayload `json:"payload"`
		Timestamp int64        `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "session/state", got.Type)
	assert.Equal(t, robot.StateConnecting, got.Payload.From)
	assert.Equal(t, robot.StateConnected, got.Payload.To)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got.Payload.Address)
	assert.NotZero(t, got.Timestamp)
}

func TestHub_ClientLeaves(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 10*time.Millisecond)

	// Broadcasting with no clients is a no-op.
	h.Broadcast(Event{Type: "session/state"})
}

func TestHub_ConcurrentBroadcast(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h)
	observe := h.StateObserver()

	const perWriter = 200
	received := make(chan int, 1)
	go func() {
		n := 0
		for n < 2*perWriter {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			n++
		}
		received <- n
	}()

	var wg sync.WaitGroup
	for _, to := range []robot.State{robot.StateConnected, robot.StateDisconnected} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				observe(robot.StateChange{From: robot.StateConnecting, To: to})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2*perWriter, <-received)
	assert.Equal(t, 1, h.Clients())
}
