package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iris-network/iris/pkg/api"
	"github.com/iris-network/iris/pkg/classifier"
	"github.com/iris-network/iris/pkg/config"
	"github.com/iris-network/iris/pkg/direct"
	"github.com/iris-network/iris/pkg/events"
	"github.com/iris-network/iris/pkg/log"
	"github.com/iris-network/iris/pkg/metrics"
	"github.com/iris-network/iris/pkg/orchestrator"
	"github.com/iris-network/iris/pkg/registry"
	"github.com/iris-network/iris/pkg/reputation"
	"github.com/iris-network/iris/pkg/storage"
	"github.com/iris-network/iris/pkg/stream"
	"github.com/iris-network/iris/pkg/types"
)

// leaderboardSize caps the reputation ranking in the network snapshot.
const leaderboardSize = 10

// Coordinator assembles and runs the whole control plane: storage,
// reputation, the node registry, the stream multiplexer, the orchestrator,
// and the HTTP boundary.
type Coordinator struct {
	cfg       config.Config
	store     *storage.BoltStore
	broker    *events.Broker
	rep       *reputation.Engine
	mux       *stream.Mux
	registry  *registry.Registry
	orc       *orchestrator.Orchestrator
	collector *metrics.Collector
	server    *http.Server
	listener  net.Listener
	eventSub  events.Subscriber
	logger    zerolog.Logger
}

// New wires every component. Nothing runs until Start.
func New(cfg config.Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	rep, err := reputation.NewEngine(store, cfg.Reputation)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("restore reputation: %w", err)
	}

	broker := events.NewBroker()
	mux := stream.NewMux(cfg.Stream)
	mux.SetBroker(broker)

	reg := registry.New(registry.Options{
		Heartbeat: cfg.Heartbeat,
		SendGrace: time.Duration(cfg.Tasks.SendGraceSeconds) * time.Second,
		Auth:      registry.AuthenticatorFunc(authenticateAccountKey),
		Broker:    broker,
		Store:     store,
		Scores:    rep.Score,
	})

	orc := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Dispatcher: reg,
		Mux:        mux,
		Classifier: classifier.New(cfg.Classifier),
		Reputation: rep,
		Broker:     broker,
		Store:      store,
		Direct:     direct.New(cfg.Direct),
	})
	reg.SetSink(orc)

	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		rep:      rep,
		mux:      mux,
		registry: reg,
		orc:      orc,
		logger:   log.WithComponent("coordinator"),
	}
	c.collector = metrics.NewCollector(c)

	apiServer := api.NewServer(api.Options{
		Tasks:   orc,
		Network: c,
		Nodes:   reg,
		History: store,
	})
	c.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return c, nil
}

// Start launches every component and begins serving HTTP.
func (c *Coordinator) Start() error {
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("api", false, "starting")

	c.broker.Start()
	c.rep.Start()
	c.mux.Start()
	c.registry.Start()
	c.collector.Start()

	c.eventSub = c.broker.Subscribe()
	go c.watchEvents()

	ln, err := net.Listen("tcp", c.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.Server.Addr, err)
	}
	c.listener = ln
	metrics.UpdateComponent("api", true, "")

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	c.logger.Info().Str("addr", ln.Addr().String()).Msg("coordinator started")
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (c *Coordinator) Addr() string {
	if c.listener == nil {
		return c.cfg.Server.Addr
	}
	return c.listener.Addr().String()
}

// Shutdown stops everything in reverse start order.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	err := c.server.Shutdown(ctx)

	c.broker.Unsubscribe(c.eventSub)
	c.collector.Stop()
	c.registry.Stop()
	c.orc.Stop()
	c.mux.Stop()
	c.rep.Stop()
	c.broker.Stop()

	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.logger.Info().Msg("coordinator stopped")
	return err
}

// watchEvents feeds node lifecycle events into the reputation engine's
// uptime clock.
func (c *Coordinator) watchEvents() {
	for event := range c.eventSub {
		switch event.Type {
		case events.EventNodeJoined:
			c.rep.NodeConnected(event.NodeID)
		case events.EventNodeLost, events.EventNodeDisplaced:
			c.rep.NodeDisconnected(event.NodeID)
		}
	}
}

// NetworkSnapshot implements the monitoring view consumed by the API and
// the metrics collector.
func (c *Coordinator) NetworkSnapshot() types.NetworkSnapshot {
	nodes := c.registry.Snapshot()
	byTier := make(map[types.Tier]int)
	for _, n := range nodes {
		byTier[n.Tier]++
	}

	inFlight, byStatus := c.orc.Stats()

	ranked := append([]types.NodeView(nil), nodes...)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Reputation != ranked[j].Reputation {
			return ranked[i].Reputation > ranked[j].Reputation
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > leaderboardSize {
		ranked = ranked[:leaderboardSize]
	}
	leaderboard := make([]types.LeaderboardEntry, 0, len(ranked))
	for i, n := range ranked {
		leaderboard = append(leaderboard, types.LeaderboardEntry{
			Rank:           i + 1,
			NodeID:         n.ID,
			Reputation:     n.Reputation,
			TasksCompleted: c.rep.TasksCompleted(n.ID),
			ModelName:      n.Capabilities.ModelName,
		})
	}

	return types.NetworkSnapshot{
		NodesOnline:   len(nodes),
		NodesByTier:   byTier,
		TasksInFlight: inFlight,
		TasksByStatus: byStatus,
		Leaderboard:   leaderboard,
	}
}

// Nodes implements the API's network view.
func (c *Coordinator) Nodes() []types.NodeView {
	return c.registry.Snapshot()
}

// authenticateAccountKey validates a worker's account key and derives the
// account reference. Keys are opaque "iris_" tokens.
func authenticateAccountKey(accountKey string) (string, error) {
	const prefix = "iris_"
	if !strings.HasPrefix(accountKey, prefix) || len(accountKey) < len(prefix)+8 {
		return "", errors.New("invalid account key")
	}
	return "acct_" + accountKey[len(prefix):], nil
}
