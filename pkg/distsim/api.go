// Package distsim is the public Control API collaborator spec §1 calls out
// of scope: it wires one simulation run's masters (type registry, agent
// store, window layer, router, meta-evolution planner, step scheduler,
// control plane) and runs them in-process over internal/fabric's channel
// fabric. Grounded on pkg/protogonos/api.go's Options/Client/New shape,
// generalized from a one-shot evolutionary-training run to a long-lived
// multi-master control loop.
package distsim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"distsim/internal/agentstore"
	"distsim/internal/control"
	"distsim/internal/engine"
	"distsim/internal/fabric"
	"distsim/internal/gid"
	"distsim/internal/metaevo"
	"distsim/internal/model"
	"distsim/internal/modelio"
	"distsim/internal/router"
	"distsim/internal/snapshot"
	"distsim/internal/storage"
	"distsim/internal/types"
	"distsim/internal/window"
)

// Options configures a cluster of in-process masters sharing one simulation
// run. A Registry must be built and populated by the caller (agent/
// interaction types are model-specific; this package has no opinion on
// them) before calling New.
type Options struct {
	TotalMasters    int
	NumShards       int
	TotalAgentTypes int
	Period          int
	SocketPath      string
	StoreKind       string
	DBPath          string
	Heuristic       metaevo.Heuristic
	Log             *logrus.Entry
}

// Master is one rank's wired components, returned so the caller can
// register behaviors (Scheduler.RegisterBehavior) before Cluster.Run.
type Master struct {
	Rank     gid.MasterID
	Registry *types.Registry
	Store    *agentstore.Store
	Owner    *agentstore.OwnerMap
	Window   *window.Layer
	Router   *router.Router
	Planner  *metaevo.Planner

	Scheduler *engine.Scheduler
	Plane     *control.Plane
}

// Cluster is every master of one simulation run.
type Cluster struct {
	Token      string
	SocketPath string
	Masters    []*Master

	totalAgentTypes int
	store           storage.Store
	log             *logrus.Entry
}

// New validates opts, builds the shared registry-backed component set for
// every master rank, and registers run metadata in the configured store.
func New(ctx context.Context, opts Options, registry *types.Registry) (*Cluster, error) {
	if opts.TotalMasters <= 0 {
		return nil, fmt.Errorf("distsim: total masters must be > 0")
	}
	if opts.NumShards <= 0 {
		return nil, fmt.Errorf("distsim: num shards must be > 0")
	}
	if opts.TotalAgentTypes <= 0 {
		return nil, fmt.Errorf("distsim: total agent types must be > 0")
	}
	if opts.Period <= 0 {
		opts.Period = 1
	}
	if opts.SocketPath == "" {
		return nil, fmt.Errorf("distsim: socket path is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	heuristic := opts.Heuristic
	if heuristic == nil {
		heuristic = metaevo.LoadBalancingHeuristic{}
	}

	store, err := storage.NewStore(opts.StoreKind, opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("distsim: open store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("distsim: init store: %w", err)
	}

	token := uuid.NewString()
	fabs := fabric.NewChannelFabricSet(opts.TotalMasters)
	masters := make([]*Master, opts.TotalMasters)
	for i, fab := range fabs {
		rank := gid.MasterID(i)
		masterLog := log.WithField("master_id", i)

		st := agentstore.NewStore(rank, opts.TotalMasters, opts.TotalAgentTypes, opts.NumShards)
		owner := agentstore.NewOwnerMap()
		win := window.NewLayer(fab, registry, owner, opts.TotalAgentTypes)
		rtr := router.New(fab, owner, masterLog)
		planner := metaevo.New(fab, rank, opts.TotalMasters, opts.TotalAgentTypes, registry, st, owner, heuristic, masterLog)
		sched := engine.New(fab, rank, opts.TotalMasters, opts.TotalAgentTypes, registry, st, owner, win, rtr, planner, masterLog)
		exporter := snapshot.New(registry, st, opts.TotalAgentTypes)

		plane := control.New(fab, rank, opts.TotalMasters, sched, planner, win, st, owner, exporter, masterLog)
		plane.SetLoader(modelio.New(registry))

		masters[i] = &Master{
			Rank:      rank,
			Registry:  registry,
			Store:     st,
			Owner:     owner,
			Window:    win,
			Router:    rtr,
			Planner:   planner,
			Scheduler: sched,
			Plane:     plane,
		}
	}

	meta := model.RunMetadata{
		VersionedRecord: model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion},
		RunToken:        token,
		TotalMasters:    opts.TotalMasters,
		SocketPath:      opts.SocketPath,
		StartedAt:       time.Now().UTC().Unix(),
	}
	if err := store.SaveRunMetadata(ctx, meta); err != nil {
		return nil, fmt.Errorf("distsim: save run metadata: %w", err)
	}

	return &Cluster{
		Token:           token,
		SocketPath:      opts.SocketPath,
		Masters:         masters,
		totalAgentTypes: opts.TotalAgentTypes,
		store:           store,
		log:             log,
	}, nil
}

// Root returns the master whose control plane accepts IPC commands.
func (c *Cluster) Root() *Master { return c.Masters[0] }

// Run starts every non-root master's control wait loop and serves the root
// master's control plane over SocketPath. It blocks until the "quit" IPC
// command stops the root's server ("kill" leaves it serving), then persists
// a final checkpoint of the owner map and per-type agent counts keyed by
// the cluster's run token. Nothing in this module reads that checkpoint
// back.
func (c *Cluster) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range c.Masters[1:] {
		m := m
		g.Go(func() error { return m.Plane.ControlWait(gctx) })
	}
	g.Go(func() error { return c.Root().Plane.ListenAndServe(gctx, c.SocketPath) })

	runErr := g.Wait()

	if err := c.saveCheckpoint(ctx); err != nil {
		c.log.WithError(err).Warn("distsim: failed to persist final checkpoint")
	}
	return runErr
}

func (c *Cluster) saveCheckpoint(ctx context.Context) error {
	root := c.Root()
	ids := root.Owner.SortedIDs()
	owners := make([]model.OwnerMapEntry, 0, len(ids))
	counts := make(map[string]int)
	for _, id := range ids {
		owningMaster, ok := root.Owner.Owner(id)
		if !ok {
			continue
		}
		owners = append(owners, model.OwnerMapEntry{GID: int64(id), Master: int(owningMaster)})

		agentType, _ := gid.Decode(id, c.totalAgentTypes)
		if desc, err := root.Registry.AgentType(agentType); err == nil {
			counts[desc.Name]++
		}
	}

	checkpoint := model.CheckpointRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion},
		RunToken:        c.Token,
		Step:            root.Scheduler.Step(),
		Owners:          owners,
		AgentCounts:     counts,
	}
	return c.store.SaveCheckpoint(ctx, checkpoint)
}

// Close releases the cluster's store.
func (c *Cluster) Close() error {
	return storage.CloseIfSupported(c.store)
}
