package room

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerjs-broker/broker/internals/config"
	"github.com/peerjs-broker/broker/internals/protocol"
	"github.com/peerjs-broker/broker/internals/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() config.RoomConfig {
	return config.RoomConfig{
		MaxPeers:         4,
		HeartbeatTimeout: 5 * time.Second,
		RateLimitMax:     100,
		RateLimitWindow:  time.Second,
		QueueTTL:         5 * time.Second,
		MaxQueuedPerPeer: 50,
		MaxFrameBytes:    1 << 20,
	}
}

// newPeerConn opens a real WebSocket connection and returns the
// server-side Handle (ready for Register) and the client-side conn used
// to observe what the actor sends.
func newPeerConn(t *testing.T, cfg config.RoomConfig) (*transport.Handle, *websocket.Conn) {
	t.Helper()
	handleCh := make(chan *transport.Handle, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h := transport.NewHandle(conn, cfg.MaxFrameBytes, zap.NewNop())
		handleCh <- h
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	h := <-handleCh
	go h.WritePump()
	return h, client
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func newTestActor(t *testing.T, cfg config.RoomConfig) *Actor {
	a := New("test-token", cfg, zap.NewNop())
	a.Start()
	t.Cleanup(a.Stop)
	return a
}

func TestActor_RegisterSendsOpen(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	h, client := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", h))

	msg := readJSON(t, client)
	require.Equal(t, protocol.TypeOpen, msg["type"])
	require.Equal(t, "alice", msg["peerId"])
}

func TestActor_DuplicatePeerIDRejected(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	h1, _ := newPeerConn(t, cfg)
	h2, _ := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", h1))
	require.ErrorIs(t, a.Register("alice", h2), ErrDuplicatePeerID)
}

func TestActor_ReserveRespectsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeers = 1
	a := newTestActor(t, cfg)
	h, _ := newPeerConn(t, cfg)

	require.True(t, a.Reserve())
	require.NoError(t, a.Register("alice", h))
	require.False(t, a.Reserve(), "room at capacity must reject further reservations")
}

func TestActor_CancelReserveFreesSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeers = 1
	a := newTestActor(t, cfg)

	require.True(t, a.Reserve())
	a.CancelReserve()
	require.True(t, a.Reserve(), "cancelled reservation must free the slot back up")
}

func TestActor_RelaysOfferToRegisteredDest(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	bobH, bobConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	require.NoError(t, a.Register("bob", bobH))
	readJSON(t, aliceConn) // OPEN
	readJSON(t, bobConn)   // OPEN

	offer := `{"type":"OFFER","src":"alice","dst":"bob","payload":{"type":"offer","sdp":"v=0"}}`
	a.Dispatch(aliceH.ID, []byte(offer))

	msg := readJSON(t, bobConn)
	require.Equal(t, protocol.TypeOffer, msg["type"])
	require.Equal(t, "alice", msg["src"])
	require.Nil(t, msg["dst"], "relayed frame must not carry dst")
}

func TestActor_QueuesForUnregisteredDestThenDelivers(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	readJSON(t, aliceConn) // OPEN

	offer := `{"type":"OFFER","src":"alice","dst":"bob","payload":{"type":"offer","sdp":"v=0"}}`
	a.Dispatch(aliceH.ID, []byte(offer))

	bobH, bobConn := newPeerConn(t, cfg)
	require.NoError(t, a.Register("bob", bobH))

	open := readJSON(t, bobConn)
	require.Equal(t, protocol.TypeOpen, open["type"], "OPEN must always arrive before queued deliveries")

	queued := readJSON(t, bobConn)
	require.Equal(t, protocol.TypeOffer, queued["type"])
	require.Equal(t, "alice", queued["src"])
}

func TestActor_UnknownDestWithoutQueueCapacityErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueuedPerPeer = 0
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	readJSON(t, aliceConn) // OPEN

	offer := `{"type":"OFFER","src":"alice","dst":"ghost","payload":{"type":"offer","sdp":"v=0"}}`
	a.Dispatch(aliceH.ID, []byte(offer))

	errMsg := readJSON(t, aliceConn)
	require.Equal(t, protocol.TypeError, errMsg["type"])
	payload := errMsg["payload"].(map[string]any)
	require.Equal(t, string(protocol.ErrUnknownPeer), payload["type"])
}

func TestActor_RateLimitExceededRepliesWithError(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 1
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	bobH, bobConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	require.NoError(t, a.Register("bob", bobH))
	readJSON(t, aliceConn)
	readJSON(t, bobConn)

	offer := `{"type":"OFFER","src":"alice","dst":"bob","payload":{"type":"offer","sdp":"v=0"}}`
	a.Dispatch(aliceH.ID, []byte(offer))
	readJSON(t, bobConn) // first relay succeeds

	a.Dispatch(aliceH.ID, []byte(offer))
	errMsg := readJSON(t, aliceConn)
	require.Equal(t, protocol.TypeError, errMsg["type"])
	payload := errMsg["payload"].(map[string]any)
	require.Equal(t, string(protocol.ErrRateLimitExceeded), payload["type"])
}

func TestActor_SrcSpoofRejected(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	bobH, bobConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	require.NoError(t, a.Register("bob", bobH))
	readJSON(t, aliceConn)
	readJSON(t, bobConn)

	spoofed := `{"type":"OFFER","src":"bob","dst":"alice","payload":{"type":"offer","sdp":"v=0"}}`
	a.Dispatch(aliceH.ID, []byte(spoofed))

	errMsg := readJSON(t, aliceConn)
	require.Equal(t, protocol.TypeError, errMsg["type"])
	payload := errMsg["payload"].(map[string]any)
	require.Equal(t, string(protocol.ErrInvalidMessage), payload["type"])
}

func TestActor_InvalidJSONGetsError(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	require.NoError(t, a.Register("alice", aliceH))
	readJSON(t, aliceConn)

	a.Dispatch(aliceH.ID, []byte("not json"))

	errMsg := readJSON(t, aliceConn)
	require.Equal(t, protocol.TypeError, errMsg["type"])
}

func TestActor_OversizedFrameRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameBytes = 16
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	require.NoError(t, a.Register("alice", aliceH))
	readJSON(t, aliceConn)

	a.Dispatch(aliceH.ID, []byte(`{"type":"HEARTBEAT","padding":"far too long for this limit"}`))

	errMsg := readJSON(t, aliceConn)
	require.Equal(t, protocol.TypeError, errMsg["type"])
	payload := errMsg["payload"].(map[string]any)
	require.Equal(t, string(protocol.ErrInvalidMessage), payload["type"])
}

func TestActor_LeaveBroadcastsAndRemovesSender(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	bobH, bobConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	require.NoError(t, a.Register("bob", bobH))
	readJSON(t, aliceConn)
	readJSON(t, bobConn)

	a.Dispatch(aliceH.ID, []byte(`{"type":"LEAVE","src":"alice"}`))

	msg := readJSON(t, bobConn)
	require.Equal(t, protocol.TypeLeave, msg["type"])
	require.Equal(t, "alice", msg["peerId"])

	require.Eventually(t, func() bool {
		return a.Stats().PeerCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestActor_DisconnectFansOutLeave(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	bobH, bobConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	require.NoError(t, a.Register("bob", bobH))
	readJSON(t, aliceConn)
	readJSON(t, bobConn)

	a.Disconnect(aliceH.ID)

	msg := readJSON(t, bobConn)
	require.Equal(t, protocol.TypeLeave, msg["type"])
	require.Equal(t, "alice", msg["peerId"])
}

func TestActor_HeartbeatTimeoutExpiresPeer(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	a := newTestActor(t, cfg)
	aliceH, aliceConn := newPeerConn(t, cfg)
	bobH, bobConn := newPeerConn(t, cfg)

	require.NoError(t, a.Register("alice", aliceH))
	require.NoError(t, a.Register("bob", bobH))
	readJSON(t, aliceConn)
	readJSON(t, bobConn)

	time.Sleep(40 * time.Millisecond)
	// Any inbound frame triggers the sweep; bob's own heartbeat is enough.
	a.Dispatch(bobH.ID, []byte(`{"type":"HEARTBEAT"}`))

	msg := readJSON(t, bobConn)
	require.Equal(t, protocol.TypeExpire, msg["type"])
	require.Equal(t, "alice", msg["peerId"])
}

func TestActor_Stats(t *testing.T) {
	cfg := testConfig()
	a := newTestActor(t, cfg)
	require.Equal(t, 0, a.Stats().PeerCount)

	h, _ := newPeerConn(t, cfg)
	require.NoError(t, a.Register("alice", h))
	require.Equal(t, 1, a.Stats().PeerCount)
}
