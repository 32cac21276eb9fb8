package node

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborline/courier/pkg/codec"
	"github.com/harborline/courier/pkg/config"
	"github.com/harborline/courier/pkg/consumer"
	"github.com/harborline/courier/pkg/dispatch"
	"github.com/harborline/courier/pkg/eventstore"
	"github.com/harborline/courier/pkg/ids"
	"github.com/harborline/courier/pkg/lifecycle"
	"github.com/harborline/courier/pkg/log"
	"github.com/harborline/courier/pkg/metrics"
	"github.com/harborline/courier/pkg/partition"
	"github.com/harborline/courier/pkg/perspective"
	"github.com/harborline/courier/pkg/policy"
	"github.com/harborline/courier/pkg/publisher"
	"github.com/harborline/courier/pkg/store"
	"github.com/harborline/courier/pkg/transport"
	"github.com/harborline/courier/pkg/types"
)

// Node wires the runtime together: one process instance of a service,
// with its coordinator cycle loop, workers and HTTP surface.
type Node struct {
	cfg        *config.Config
	instanceID string
	hostName   string
	logger     zerolog.Logger

	store     store.Store
	transport transport.Transport

	codecRegistry *codec.Registry
	codec         *codec.JSONCodec
	dispatcher    *dispatch.Dispatcher
	hooks         *lifecycle.Registry
	invoker       *lifecycle.Invoker
	policies      *policy.Engine
	events        *eventstore.EventStore

	publisher    *publisher.Worker
	consumer     *consumer.Worker
	partitions   *partition.Manager
	perspectives *perspective.Worker
	perspReg     *perspective.Registry
	views        *perspective.ViewStore
	collector    *metrics.Collector

	httpServer *http.Server

	// pending reports survive a failed coordinator cycle
	pendingOutC []types.Completion
	pendingOutF []types.Failure
	pendingInC  []types.Completion
	pendingInF  []types.Failure
	pendingOut  []types.NewOutboxMessage
	pendingIn   []types.NewInboxMessage
}

// New assembles a node over an opened store and transport. The store must
// already be migrated; VerifySettings guards against a partition count
// mismatch.
func New(cfg *config.Config, st *store.SQLStore, tp transport.Transport) (*Node, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.VerifySettings(ctx); err != nil {
		return nil, err
	}

	hostName, _ := os.Hostname()
	instanceID := ids.New().String()

	registry := codec.NewRegistry()
	jsonCodec := codec.NewJSON(registry)
	hooks := lifecycle.NewRegistry()
	invoker := lifecycle.NewInvoker(hooks, 16)
	dispatcher := dispatch.New()

	views, err := perspective.OpenViews(cfg.Perspective.ViewPath)
	if err != nil {
		return nil, err
	}
	perspReg := perspective.NewRegistry()

	n := &Node{
		cfg:           cfg,
		instanceID:    instanceID,
		hostName:      hostName,
		logger:        log.WithComponent("node").With().Str("instance_id", instanceID).Logger(),
		store:         st,
		transport:     tp,
		codecRegistry: registry,
		codec:         jsonCodec,
		dispatcher:    dispatcher,
		hooks:         hooks,
		invoker:       invoker,
		policies:      policy.New(),
		events:        eventstore.New(st),
		publisher:     publisher.New(tp, jsonCodec, invoker),
		consumer:      consumer.New(tp, jsonCodec, dispatcher, invoker),
		perspReg:      perspReg,
		views:         views,
		collector:     metrics.NewCollector(st.DB()),
	}
	n.partitions = partition.NewManager(partition.Config{
		InstanceID:        instanceID,
		PartitionCount:    cfg.Store.PartitionCount,
		RebalanceInterval: cfg.Partition.RebalanceInterval,
		StaleAfter:        cfg.Partition.StaleAfter,
	}, st)
	n.perspectives = perspective.NewWorker(perspective.Config{
		PollInterval: cfg.Perspective.PollInterval,
		BatchSize:    cfg.Perspective.BatchSize,
	}, st, views, perspReg)

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("coordinator", false, "not started")
	return n, nil
}

// InstanceID returns the node's generated instance identity
func (n *Node) InstanceID() string { return n.instanceID }

// Types returns the payload type registry for application registration
func (n *Node) Types() *codec.Registry { return n.codecRegistry }

// Dispatcher returns the receptor registry and send API
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

// Hooks returns the lifecycle hook registry
func (n *Node) Hooks() *lifecycle.Registry { return n.hooks }

// Policies returns the routing policy engine
func (n *Node) Policies() *policy.Engine { return n.policies }

// Events returns the event store API
func (n *Node) Events() *eventstore.EventStore { return n.events }

// Perspectives returns the perspective registry for application registration
func (n *Node) Perspectives() *perspective.Registry { return n.perspReg }

// Listen subscribes the inbox to a transport destination
func (n *Node) Listen(destination, handlerName string) error {
	return n.consumer.Listen(destination, handlerName)
}

// Run starts every worker and blocks until ctx is cancelled, then runs
// the graceful shutdown protocol.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info().
		Str("service", n.cfg.ServiceName).
		Str("listen_addr", n.cfg.Server.ListenAddr).
		Msg("node starting")

	n.startHTTP()
	n.collector.Start()
	n.partitions.Start()
	n.perspectives.Start()

	ticker := time.NewTicker(n.cfg.Coordinator.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.cycle(ctx)
		case <-ctx.Done():
			return n.shutdown()
		}
	}
}

// cycle runs one coordinator round trip: report previous outcomes, claim
// new work, process it.
func (n *Node) cycle(ctx context.Context) {
	n.gatherReports()

	req := n.buildRequest(n.cfg.Coordinator.OutboxBatchSize, n.cfg.Coordinator.InboxBatchSize)

	timer := metrics.NewTimer()
	res, err := n.store.ProcessWorkBatch(ctx, req)
	timer.ObserveDuration(metrics.CoordinatorCycleDuration)
	metrics.CoordinatorCycles.Inc()

	if err != nil {
		if errors.Is(err, types.ErrCoordinatorConflict) {
			// Reports stay pending; the next tick retries the whole batch.
			metrics.CoordinatorConflicts.Inc()
			n.logger.Debug().Err(err).Msg("coordinator conflict, retrying next cycle")
			return
		}
		metrics.UpdateComponent("coordinator", false, err.Error())
		n.logger.Error().Err(err).Msg("coordinator cycle failed")
		return
	}
	n.clearPending()
	metrics.UpdateComponent("coordinator", true, "")

	if len(res.OutboxWork) > 0 {
		metrics.WorkClaimed.WithLabelValues("outbox").Add(float64(len(res.OutboxWork)))
		n.publisher.Process(ctx, res.OutboxWork)
	}
	if len(res.InboxWork) > 0 {
		metrics.WorkClaimed.WithLabelValues("inbox").Add(float64(len(res.InboxWork)))
		n.consumer.Process(ctx, res.InboxWork)
	}
}

// gatherReports moves worker output into the pending buffers
func (n *Node) gatherReports() {
	outC, outF := n.publisher.Reports()
	inC, inF, received := n.consumer.Reports()
	outbound := n.route(n.dispatcher.Drain())

	n.pendingOutC = append(n.pendingOutC, outC...)
	n.pendingOutF = append(n.pendingOutF, outF...)
	n.pendingInC = append(n.pendingInC, inC...)
	n.pendingInF = append(n.pendingInF, inF...)
	n.pendingOut = append(n.pendingOut, outbound...)
	n.pendingIn = append(n.pendingIn, received...)
}

// route applies the first matching routing policy to each outbound
// message. Fields the sender set explicitly win over the policy config.
func (n *Node) route(msgs []types.NewOutboxMessage) []types.NewOutboxMessage {
	if n.policies.Len() == 0 {
		return msgs
	}
	for i, m := range msgs {
		name, cfg, ok := n.policies.Match(policy.Context{
			MessageType: m.Type,
			StreamID:    m.StreamID,
			Scope:       m.Scope,
			Metadata:    m.Metadata,
		})
		if !ok {
			continue
		}
		if m.Destination == "" {
			msgs[i].Destination = cfg.Destination
		}
		if m.StreamID == "" && cfg.PartitionBy != "" {
			msgs[i].StreamID = cfg.PartitionBy
		}
		if cfg.IsEvent {
			msgs[i].IsEvent = true
		}
		n.logger.Debug().
			Str("message_id", m.MessageID).
			Str("policy", name).
			Msg("routing policy applied")
	}
	return msgs
}

func (n *Node) buildRequest(outboxBatch, inboxBatch int) types.WorkBatchRequest {
	return types.WorkBatchRequest{
		InstanceID:  n.instanceID,
		ServiceName: n.cfg.ServiceName,
		HostName:    n.hostName,
		ProcessID:   os.Getpid(),

		OutboxCompletions: n.pendingOutC,
		OutboxFailures:    n.pendingOutF,
		InboxCompletions:  n.pendingInC,
		InboxFailures:     n.pendingInF,
		NewOutboxMessages: n.pendingOut,
		NewInboxMessages:  n.pendingIn,

		LeaseSeconds:    n.cfg.Coordinator.LeaseSeconds,
		OutboxBatchSize: outboxBatch,
		InboxBatchSize:  inboxBatch,
	}
}

func (n *Node) clearPending() {
	n.pendingOutC, n.pendingOutF = nil, nil
	n.pendingInC, n.pendingInF = nil, nil
	n.pendingOut, n.pendingIn = nil, nil
}

// shutdown runs the graceful exit protocol: stop taking work, drain
// in-flight hooks, report final outcomes without claiming, release
// partitions and deregister.
func (n *Node) shutdown() error {
	n.logger.Info().Msg("node shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Coordinator.GracefulTimeout)
	defer cancel()

	n.consumer.Close()
	n.perspectives.Stop(ctx)
	n.collector.Stop()

	if err := n.invoker.Drain(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("async hooks did not drain in time")
	}

	// Final report-only cycle so finished work is not replayed elsewhere.
	n.gatherReports()
	req := n.buildRequest(-1, -1)
	if _, err := n.store.ProcessWorkBatch(ctx, req); err != nil {
		n.logger.Error().Err(err).Msg("final report cycle failed")
	} else {
		n.clearPending()
	}

	if err := n.partitions.Stop(ctx); err != nil {
		n.logger.Error().Err(err).Msg("releasing partitions failed")
	}
	if err := n.store.DeleteInstance(ctx, n.instanceID); err != nil {
		n.logger.Error().Err(err).Msg("deregistering instance failed")
	}

	if n.httpServer != nil {
		_ = n.httpServer.Shutdown(ctx)
	}
	if err := n.views.Close(); err != nil {
		n.logger.Error().Err(err).Msg("closing view store failed")
	}
	n.logger.Info().Msg("node stopped")
	return nil
}

func (n *Node) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	n.httpServer = &http.Server{
		Addr:              n.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := n.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("http server failed")
		}
	}()
}
