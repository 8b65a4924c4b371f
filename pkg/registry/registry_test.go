package registry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/events"
	"github.com/iris-network/iris/pkg/protocol"
	"github.com/iris-network/iris/pkg/types"
)

type sinkCall struct {
	kind   string
	nodeID string
}

type recordingSink struct {
	calls chan sinkCall
}

func newRecordingSink() *recordingSink {
	return &recordingSink{calls: make(chan sinkCall, 32)}
}

func (s *recordingSink) HandleStream(nodeID string, _ protocol.TaskStream) {
	s.calls <- sinkCall{"stream", nodeID}
}
func (s *recordingSink) HandleResult(nodeID string, _ protocol.TaskResult) {
	s.calls <- sinkCall{"result", nodeID}
}
func (s *recordingSink) HandleError(nodeID string, _ protocol.TaskError) {
	s.calls <- sinkCall{"error", nodeID}
}
func (s *recordingSink) HandleNodeLost(nodeID string) {
	s.calls <- sinkCall{"lost", nodeID}
}

func (s *recordingSink) wait(t *testing.T, kind string) sinkCall {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-s.calls:
			if c.kind == kind {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for sink call %q", kind)
		}
	}
}

type harness struct {
	registry *Registry
	sink     *recordingSink
	server   *httptest.Server
	url      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sink := newRecordingSink()
	reg := New(Options{
		Heartbeat: config.HeartbeatConfig{IntervalSeconds: 15},
		SendGrace: 500 * time.Millisecond,
		Auth: AuthenticatorFunc(func(key string) (string, error) {
			if strings.HasPrefix(key, "iris_") {
				return "acct:" + key, nil
			}
			return "", errors.New("bad key")
		}),
		Broker: broker,
	})
	reg.SetSink(sink)
	t.Cleanup(reg.Stop)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go reg.Serve(conn)
	}))
	t.Cleanup(srv.Close)

	return &harness{
		registry: reg,
		sink:     sink,
		server:   srv,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, mt protocol.MessageType, payload any) {
	t.Helper()
	data, err := protocol.Encode(mt, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func register(t *testing.T, conn *websocket.Conn, nodeID string, caps types.NodeCapabilities) *protocol.RegisterAck {
	t.Helper()
	return registerAs(t, conn, nodeID, "iris_testkey", caps)
}

func registerAs(t *testing.T, conn *websocket.Conn, nodeID, accountKey string, caps types.NodeCapabilities) *protocol.RegisterAck {
	t.Helper()
	sendFrame(t, conn, protocol.MsgNodeRegister, protocol.NodeRegister{
		NodeID:       nodeID,
		AccountKey:   accountKey,
		Capabilities: caps,
	})
	env := readFrame(t, conn)
	require.Equal(t, protocol.MsgRegisterAck, env.Type)
	var ack protocol.RegisterAck
	require.NoError(t, protocol.ParsePayload(env, &ack))
	return &ack
}

func proCaps() types.NodeCapabilities {
	return types.NodeCapabilities{ModelName: "llama-3-70b", ParamsB: 70, Quantization: "Q4", TokensPerSecond: 40}
}

func waitForCount(t *testing.T, reg *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("registry count = %d, want %d", reg.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterHandshake(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)

	ack := register(t, conn, "node-1", proCaps())
	assert.Equal(t, "node-1", ack.NodeID)
	assert.Equal(t, "pro", ack.Tier)
	assert.Equal(t, 15, ack.HeartbeatInterval)

	waitForCount(t, h.registry, 1)
	views := h.registry.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, types.TierPro, views[0].Tier)
	assert.True(t, views[0].Online)
}

func TestRegisterRejectsBadKey(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)

	sendFrame(t, conn, protocol.MsgNodeRegister, protocol.NodeRegister{
		NodeID:       "node-1",
		AccountKey:   "wrong",
		Capabilities: proCaps(),
	})
	env := readFrame(t, conn)
	assert.Equal(t, protocol.MsgRegisterNack, env.Type)

	var nack protocol.RegisterNack
	require.NoError(t, protocol.ParsePayload(env, &nack))
	assert.Equal(t, "auth_failed", nack.Reason)
	assert.Equal(t, 0, h.registry.Count())
}

func TestRegisterRejectsNonRegisterFirstFrame(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)

	sendFrame(t, conn, protocol.MsgNodeHeartbeat, protocol.NodeHeartbeat{NodeID: "node-1"})
	env := readFrame(t, conn)
	assert.Equal(t, protocol.MsgRegisterNack, env.Type)
}

func TestHeartbeatUpdatesStateAndAcks(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)
	register(t, conn, "node-1", proCaps())

	sendFrame(t, conn, protocol.MsgNodeHeartbeat, protocol.NodeHeartbeat{
		NodeID:        "node-1",
		CurrentLoad:   3,
		UptimeSeconds: 7200,
		SentAt:        time.Now().Add(-20 * time.Millisecond),
	})

	env := readFrame(t, conn)
	assert.Equal(t, protocol.MsgHeartbeatAck, env.Type)

	deadline := time.Now().Add(2 * time.Second)
	for {
		views := h.registry.Snapshot()
		if len(views) == 1 && views[0].EffectiveLoad == 3 && views[0].LatencyMs > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat state never applied: %+v", views)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDuplicateRegistrationDisplacesOldConnection(t *testing.T) {
	h := newHarness(t)

	first := dial(t, h.url)
	register(t, first, "node-1", proCaps())
	waitForCount(t, h.registry, 1)

	// Same account, same ID: the reconnect wins.
	second := dial(t, h.url)
	register(t, second, "node-1", proCaps())

	// The displaced connection's in-flight work is reported lost.
	c := h.sink.wait(t, "lost")
	assert.Equal(t, "node-1", c.nodeID)

	// Old socket is closed by the registry.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	waitForCount(t, h.registry, 1)
}

func TestDuplicateIDFromOtherAccountIsNacked(t *testing.T) {
	h := newHarness(t)

	first := dial(t, h.url)
	register(t, first, "node-1", proCaps())
	waitForCount(t, h.registry, 1)

	// A different account cannot take over the ID.
	second := dial(t, h.url)
	sendFrame(t, second, protocol.MsgNodeRegister, protocol.NodeRegister{
		NodeID:       "node-1",
		AccountKey:   "iris_otherkey",
		Capabilities: proCaps(),
	})
	env := readFrame(t, second)
	require.Equal(t, protocol.MsgRegisterNack, env.Type)
	var nack protocol.RegisterNack
	require.NoError(t, protocol.ParsePayload(env, &nack))
	assert.Equal(t, "duplicate_id", nack.Reason)

	// The incumbent is untouched: still registered, still responsive.
	sendFrame(t, first, protocol.MsgNodeHeartbeat, protocol.NodeHeartbeat{NodeID: "node-1"})
	assert.Equal(t, protocol.MsgHeartbeatAck, readFrame(t, first).Type)
	waitForCount(t, h.registry, 1)
	select {
	case c := <-h.sink.calls:
		t.Fatalf("unexpected sink call %+v", c)
	default:
	}
}

func TestTaskFramesReachSink(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)
	register(t, conn, "node-1", proCaps())

	sendFrame(t, conn, protocol.MsgTaskStream, protocol.TaskStream{TaskID: "t1", Seq: 1, Chunk: "hi"})
	sendFrame(t, conn, protocol.MsgTaskResult, protocol.TaskResult{TaskID: "t1", Payload: "done"})
	sendFrame(t, conn, protocol.MsgTaskError, protocol.TaskError{TaskID: "t1", Kind: protocol.ErrKindInternal})

	assert.Equal(t, "node-1", h.sink.wait(t, "stream").nodeID)
	assert.Equal(t, "node-1", h.sink.wait(t, "result").nodeID)
	assert.Equal(t, "node-1", h.sink.wait(t, "error").nodeID)
}

func TestDisconnectReportsNodeLost(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)
	register(t, conn, "node-1", proCaps())
	waitForCount(t, h.registry, 1)

	conn.Close()
	c := h.sink.wait(t, "lost")
	assert.Equal(t, "node-1", c.nodeID)
	waitForCount(t, h.registry, 0)
}

func TestAssignDeliversFrame(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)
	register(t, conn, "node-1", proCaps())
	waitForCount(t, h.registry, 1)

	require.NoError(t, h.registry.Assign("node-1", protocol.TaskAssign{
		TaskID:       "t1",
		SubtaskIndex: 0,
		Attempt:      1,
		Prompt:       "hello",
		Streaming:    true,
	}))

	env := readFrame(t, conn)
	require.Equal(t, protocol.MsgTaskAssign, env.Type)
	var assign protocol.TaskAssign
	require.NoError(t, protocol.ParsePayload(env, &assign))
	assert.Equal(t, "t1", assign.TaskID)
	assert.Equal(t, "hello", assign.Prompt)
}

func TestAssignUnknownNode(t *testing.T) {
	h := newHarness(t)
	err := h.registry.Assign("ghost", protocol.TaskAssign{TaskID: "t1"})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestAddLoadFloorsAtZero(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)
	register(t, conn, "node-1", proCaps())
	waitForCount(t, h.registry, 1)

	h.registry.AddLoad("node-1", 2)
	h.registry.AddLoad("node-1", -5)

	views := h.registry.Snapshot()
	require.Len(t, views, 1)
	assert.Equal(t, 0, views[0].EffectiveLoad)
}

func TestReapRemovesSilentNodes(t *testing.T) {
	h := newHarness(t)
	conn := dial(t, h.url)
	register(t, conn, "node-1", proCaps())
	waitForCount(t, h.registry, 1)

	// Backdate the heartbeat past the timeout and force a sweep.
	h.registry.mu.Lock()
	for _, nc := range h.registry.nodes {
		nc.node.LastHeartbeat = time.Now().Add(-h.registry.heartbeat.Timeout() - time.Second)
	}
	h.registry.mu.Unlock()

	h.registry.reap()
	waitForCount(t, h.registry, 0)
	assert.Equal(t, "node-1", h.sink.wait(t, "lost").nodeID)
}
