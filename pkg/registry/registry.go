package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/events"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
	"github.com/iris-network/iris/pkg/protocol"
	"github.com/iris-network/iris/pkg/storage"
	"github.com/iris-network/iris/pkg/types"
)

const (
	// registerDeadline bounds how long a fresh connection may take to send
	// its NODE_REGISTER frame.
	registerDeadline = 10 * time.Second

	// sendQueueSize is the per-node outbound frame buffer.
	sendQueueSize = 64

	// latencySmoothing is the EMA weight given to a new heartbeat latency
	// observation.
	latencySmoothing = 0.2
)

var (
	// ErrNodeNotFound is returned when a send targets a node that is not
	// connected.
	ErrNodeNotFound = errors.New("registry: node not connected")

	// ErrSendTimeout is returned when a node's send queue stays full past
	// the grace period. The node is disconnected as a side effect.
	ErrSendTimeout = errors.New("registry: send queue full")
)

// Authenticator validates an account key presented at registration and
// resolves it to an account reference. Key issuance lives outside the
// coordinator.
type Authenticator interface {
	Authenticate(accountKey string) (accountRef string, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(accountKey string) (string, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(accountKey string) (string, error) {
	return f(accountKey)
}

// TaskSink receives worker frames and lifecycle signals. The orchestrator
// implements it; the registry stays ignorant of task semantics.
type TaskSink interface {
	HandleStream(nodeID string, frame protocol.TaskStream)
	HandleResult(nodeID string, result protocol.TaskResult)
	HandleError(nodeID string, taskErr protocol.TaskError)
	HandleNodeLost(nodeID string)
}

// nodeConn pairs a node's registry entry with its websocket. The writer
// goroutine is the only code that touches the socket for writes; everything
// else goes through the send channel.
type nodeConn struct {
	node types.Node
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (nc *nodeConn) close() {
	nc.once.Do(func() {
		close(nc.done)
		nc.conn.Close()
	})
}

// Registry tracks connected worker nodes and owns their websocket
// connections. A node-id maps to at most one live connection; registering
// again under the same account displaces the previous one.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*nodeConn

	heartbeat config.HeartbeatConfig
	sendGrace time.Duration
	auth      Authenticator
	sink      TaskSink
	broker    *events.Broker
	store     storage.Store
	scores    func(nodeID string) float64
	logger    zerolog.Logger
	stopCh    chan struct{}
	stopped   sync.Once
}

// Options carries the registry's collaborators.
type Options struct {
	Heartbeat config.HeartbeatConfig
	SendGrace time.Duration
	Auth      Authenticator
	Broker    *events.Broker
	Store     storage.Store
	// Scores mirrors the reputation store into node snapshots.
	Scores func(nodeID string) float64
}

// New creates a registry. The task sink is attached separately because the
// orchestrator is constructed after the registry.
func New(opts Options) *Registry {
	scores := opts.Scores
	if scores == nil {
		scores = func(string) float64 { return 0 }
	}
	return &Registry{
		nodes:     make(map[string]*nodeConn),
		heartbeat: opts.Heartbeat,
		sendGrace: opts.SendGrace,
		auth:      opts.Auth,
		broker:    opts.Broker,
		store:     opts.Store,
		scores:    scores,
		logger:    log.WithComponent("registry"),
		stopCh:    make(chan struct{}),
	}
}

// SetSink attaches the frame consumer. Must be called before Serve.
func (r *Registry) SetSink(sink TaskSink) {
	r.sink = sink
}

// Start launches the heartbeat reaper.
func (r *Registry) Start() {
	go r.reaper()
}

// Stop halts the reaper and closes every connection.
func (r *Registry) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	conns := make([]*nodeConn, 0, len(r.nodes))
	for _, nc := range r.nodes {
		conns = append(conns, nc)
	}
	r.nodes = make(map[string]*nodeConn)
	r.mu.Unlock()

	for _, nc := range conns {
		nc.close()
	}
}

// Serve runs the registration handshake and then the read loop for one
// worker connection. It blocks until the connection dies and handles its
// own cleanup; callers just hand over the upgraded socket.
func (r *Registry) Serve(conn *websocket.Conn) {
	reg, err := r.handshake(conn)
	if err != nil {
		r.logger.Warn().Err(err).Msg("registration rejected")
		conn.Close()
		return
	}

	nc, err := r.admit(conn, reg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("registration rejected")
		conn.Close()
		return
	}
	go r.writePump(nc)
	r.readPump(nc)
}

// handshake reads and validates the NODE_REGISTER frame. A NACK is sent on
// any failure.
func (r *Registry) handshake(conn *websocket.Conn) (*protocol.NodeRegister, error) {
	conn.SetReadDeadline(time.Now().Add(registerDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read register frame: %w", err)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		r.nack(conn, "protocol_error", err.Error())
		return nil, err
	}
	if env.Type != protocol.MsgNodeRegister {
		err := fmt.Errorf("expected %s, got %s", protocol.MsgNodeRegister, env.Type)
		r.nack(conn, "protocol_error", err.Error())
		return nil, err
	}

	var reg protocol.NodeRegister
	if err := protocol.ParsePayload(env, &reg); err != nil {
		r.nack(conn, "protocol_error", err.Error())
		return nil, err
	}

	accountRef, err := r.auth.Authenticate(reg.AccountKey)
	if err != nil {
		r.nack(conn, "auth_failed", "account key rejected")
		return nil, fmt.Errorf("authenticate node %s: %w", reg.NodeID, err)
	}
	reg.AccountKey = accountRef // carry the resolved ref forward
	return &reg, nil
}

func (r *Registry) nack(conn *websocket.Conn, reason, detail string) {
	if data, err := protocol.Encode(protocol.MsgRegisterNack, protocol.RegisterNack{
		Reason: reason,
		Detail: detail,
	}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// admit installs the node and acks the registration. A live connection
// already holding the ID is displaced only when the caller resolved to the
// incumbent's account; any other account gets a duplicate_id NACK.
func (r *Registry) admit(conn *websocket.Conn, reg *protocol.NodeRegister) (*nodeConn, error) {
	now := time.Now()
	tier := types.DeriveTier(reg.Capabilities)

	nc := &nodeConn{
		node: types.Node{
			ID:             reg.NodeID,
			AccountRef:     reg.AccountKey,
			Capabilities:   reg.Capabilities,
			Tier:           tier,
			ArtificialLoad: reg.ArtificialLoad,
			Reputation:     r.scores(reg.NodeID),
			ConnectedAt:    now,
			LastHeartbeat:  now,
		},
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.nodes[reg.NodeID]
	if prev != nil && prev.node.AccountRef != reg.AccountKey {
		r.mu.Unlock()
		r.nack(conn, "duplicate_id", "node id is registered to another account")
		return nil, fmt.Errorf("node %s is registered to another account", reg.NodeID)
	}
	r.nodes[reg.NodeID] = nc
	r.mu.Unlock()

	if prev != nil {
		// Same account reconnected under this ID; the old socket is dead to
		// us. Its in-flight work is handed back through the lost path.
		prev.close()
		metrics.NodesDisplaced.Inc()
		r.broker.Publish(&events.Event{Type: events.EventNodeDisplaced, NodeID: reg.NodeID})
		if r.sink != nil {
			r.sink.HandleNodeLost(reg.NodeID)
		}
	}

	r.persistMeta(nc, now)

	ack, err := protocol.Encode(protocol.MsgRegisterAck, protocol.RegisterAck{
		NodeID:            reg.NodeID,
		Tier:              string(tier),
		HeartbeatInterval: r.heartbeat.IntervalSeconds,
	})
	if err == nil {
		nc.send <- ack
	}

	r.logger.Info().
		Str("node_id", reg.NodeID).
		Str("tier", string(tier)).
		Str("model", reg.Capabilities.ModelName).
		Msg("node registered")
	r.broker.Publish(&events.Event{Type: events.EventNodeJoined, NodeID: reg.NodeID})
	return nc, nil
}

func (r *Registry) persistMeta(nc *nodeConn, now time.Time) {
	if r.store == nil {
		return
	}
	meta, err := r.store.GetNodeMeta(nc.node.ID)
	if err != nil {
		meta = &storage.NodeMeta{NodeID: nc.node.ID, FirstSeen: now}
	}
	meta.AccountRef = nc.node.AccountRef
	meta.ModelName = nc.node.Capabilities.ModelName
	meta.LastSeen = now
	if err := r.store.SaveNodeMeta(meta); err != nil {
		r.logger.Error().Err(err).Str("node_id", nc.node.ID).Msg("failed to persist node meta")
	}
}

// readPump consumes frames until the connection dies.
func (r *Registry) readPump(nc *nodeConn) {
	defer r.disconnect(nc, "connection closed")

	for {
		_, data, err := nc.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			r.logger.Warn().Err(err).Str("node_id", nc.node.ID).Msg("bad frame")
			continue
		}

		switch env.Type {
		case protocol.MsgNodeHeartbeat:
			var hb protocol.NodeHeartbeat
			if err := protocol.ParsePayload(env, &hb); err != nil {
				r.logger.Warn().Err(err).Str("node_id", nc.node.ID).Msg("bad heartbeat")
				continue
			}
			r.applyHeartbeat(nc, hb)

		case protocol.MsgTaskStream:
			var f protocol.TaskStream
			if err := protocol.ParsePayload(env, &f); err == nil && r.sink != nil {
				r.sink.HandleStream(nc.node.ID, f)
			}

		case protocol.MsgTaskResult:
			var res protocol.TaskResult
			if err := protocol.ParsePayload(env, &res); err == nil && r.sink != nil {
				r.sink.HandleResult(nc.node.ID, res)
			}

		case protocol.MsgTaskError:
			var te protocol.TaskError
			if err := protocol.ParsePayload(env, &te); err == nil && r.sink != nil {
				r.sink.HandleError(nc.node.ID, te)
			}

		default:
			// Valid envelope, wrong direction. Workers never send these.
			r.logger.Warn().
				Str("node_id", nc.node.ID).
				Str("type", string(env.Type)).
				Msg("unexpected frame direction")
		}
	}
}

// writePump is the single writer for a connection.
func (r *Registry) writePump(nc *nodeConn) {
	for {
		select {
		case data := <-nc.send:
			nc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := nc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.disconnect(nc, "write failed")
				return
			}
		case <-nc.done:
			return
		}
	}
}

func (r *Registry) applyHeartbeat(nc *nodeConn, hb protocol.NodeHeartbeat) {
	now := time.Now()

	r.mu.Lock()
	nc.node.LastHeartbeat = now
	nc.node.CurrentLoad = hb.CurrentLoad
	nc.node.UptimeSeconds = hb.UptimeSeconds
	if hb.TokensPerSecond > 0 {
		nc.node.Capabilities.TokensPerSecond = hb.TokensPerSecond
	}
	if !hb.SentAt.IsZero() {
		obs := now.Sub(hb.SentAt).Seconds() * 1000
		if obs >= 0 {
			if nc.node.LatencyMs == 0 {
				nc.node.LatencyMs = obs
			} else {
				nc.node.LatencyMs = (1-latencySmoothing)*nc.node.LatencyMs + latencySmoothing*obs
			}
			metrics.HeartbeatLatency.Observe(obs / 1000)
		}
	}
	nc.node.Reputation = r.scores(nc.node.ID)
	r.mu.Unlock()

	if ack, err := protocol.Encode(protocol.MsgHeartbeatAck, protocol.HeartbeatAck{ServerTime: now}); err == nil {
		select {
		case nc.send <- ack:
		default:
			// Ack is advisory; a full queue means bigger problems the
			// reaper will catch.
		}
	}
}

// disconnect removes a node. Idempotent: the first caller wins, later
// callers find the map entry already gone or replaced.
func (r *Registry) disconnect(nc *nodeConn, reason string) {
	r.mu.Lock()
	current, ok := r.nodes[nc.node.ID]
	if ok && current == nc {
		delete(r.nodes, nc.node.ID)
	} else {
		// Displaced: a newer connection owns this ID now.
		ok = false
	}
	r.mu.Unlock()

	nc.close()
	if !ok {
		return
	}

	r.logger.Info().Str("node_id", nc.node.ID).Str("reason", reason).Msg("node disconnected")
	r.persistMeta(nc, time.Now())
	r.broker.Publish(&events.Event{Type: events.EventNodeLost, NodeID: nc.node.ID, Message: reason})
	if r.sink != nil {
		r.sink.HandleNodeLost(nc.node.ID)
	}
}

// reaper drops nodes whose heartbeats stopped: three missed intervals and
// the node is treated as gone.
func (r *Registry) reaper() {
	ticker := time.NewTicker(r.heartbeat.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) reap() {
	cutoff := time.Now().Add(-r.heartbeat.Timeout())

	r.mu.RLock()
	var stale []*nodeConn
	for _, nc := range r.nodes {
		if nc.node.LastHeartbeat.Before(cutoff) {
			stale = append(stale, nc)
		}
	}
	r.mu.RUnlock()

	for _, nc := range stale {
		metrics.NodesReaped.Inc()
		r.disconnect(nc, "heartbeat timeout")
	}
}

// Assign sends a TASK_ASSIGN to a node. A send queue that stays full past
// the grace period counts as a dead node.
func (r *Registry) Assign(nodeID string, assign protocol.TaskAssign) error {
	data, err := protocol.Encode(protocol.MsgTaskAssign, assign)
	if err != nil {
		return err
	}
	return r.sendTo(nodeID, data)
}

// Cancel sends a best-effort TASK_CANCEL to a node. Errors are swallowed;
// the worker may already be gone.
func (r *Registry) Cancel(nodeID, taskID string, subtaskIndex int) {
	data, err := protocol.Encode(protocol.MsgTaskCancel, protocol.TaskCancel{
		TaskID:       taskID,
		SubtaskIndex: subtaskIndex,
	})
	if err != nil {
		return
	}
	_ = r.sendTo(nodeID, data)
}

func (r *Registry) sendTo(nodeID string, data []byte) error {
	r.mu.RLock()
	nc, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}

	timer := time.NewTimer(r.sendGrace)
	defer timer.Stop()

	select {
	case nc.send <- data:
		return nil
	case <-nc.done:
		return ErrNodeNotFound
	case <-timer.C:
		r.disconnect(nc, "send queue stalled")
		return ErrSendTimeout
	}
}

// AddLoad adjusts a node's in-flight counter. Load never goes negative.
func (r *Registry) AddLoad(nodeID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nc, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	nc.node.CurrentLoad += delta
	if nc.node.CurrentLoad < 0 {
		nc.node.CurrentLoad = 0
	}
}

// Snapshot returns an immutable view of all connected nodes, sorted by ID.
func (r *Registry) Snapshot() []types.NodeView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]types.NodeView, 0, len(r.nodes))
	for _, nc := range r.nodes {
		views = append(views, types.NodeView{
			ID:            nc.node.ID,
			Tier:          nc.node.Tier,
			Capabilities:  nc.node.Capabilities,
			EffectiveLoad: nc.node.EffectiveLoad(),
			Reputation:    r.scores(nc.node.ID),
			LatencyMs:     nc.node.LatencyMs,
			Online:        true,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Count returns the number of connected nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
