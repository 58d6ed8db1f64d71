// Package engine implements the Step Scheduler (C5): the barrier-delimited
// phase pipeline IDLE -> PUBLISH -> META_EVO -> EXCHANGE -> DISPATCH ->
// BEHAVIOR -> IDLE (§4.5). Grounded on internal/platform/polis.go's
// RunEvolution orchestration shape (validate -> construct -> run -> persist)
// for the top-level run loop, and on internal/platform/supervisor.go's
// concurrent-task-tracking idea for per-shard worker fan-out, adapted via
// golang.org/x/sync/errgroup rather than copied: the supervisor's
// restart/backoff policy is dropped outright, since spec §4.5 treats a hung
// step as a model bug with no automatic restart.
package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"distsim/internal/agentstore"
	"distsim/internal/fabric"
	"distsim/internal/gid"
	"distsim/internal/metaevo"
	"distsim/internal/router"
	"distsim/internal/types"
	"distsim/internal/window"
)

// Phase names the scheduler's current position in the pipeline, mostly for
// logging and control-plane status reporting.
type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhasePublish  Phase = "PUBLISH"
	PhaseMetaEvo  Phase = "META_EVO"
	PhaseExchange Phase = "EXCHANGE"
	PhaseDispatch Phase = "DISPATCH"
	PhaseBehavior Phase = "BEHAVIOR"
)

// Scheduler drives one master's side of the synchronous step pipeline.
type Scheduler struct {
	fab             fabric.Fabric
	rank            gid.MasterID
	totalMasters    int
	totalAgentTypes int
	registry        *types.Registry
	store           *agentstore.Store
	owner           *agentstore.OwnerMap
	win             *window.Layer
	router          *router.Router
	planner         *metaevo.Planner
	log             *logrus.Entry

	behaviors map[int]BehaviorFunc
	phase     Phase
	step      int
}

func New(
	fab fabric.Fabric,
	rank gid.MasterID,
	totalMasters, totalAgentTypes int,
	registry *types.Registry,
	store *agentstore.Store,
	owner *agentstore.OwnerMap,
	win *window.Layer,
	rtr *router.Router,
	planner *metaevo.Planner,
	log *logrus.Entry,
) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		fab:             fab,
		rank:            rank,
		totalMasters:    totalMasters,
		totalAgentTypes: totalAgentTypes,
		registry:        registry,
		store:           store,
		owner:           owner,
		win:             win,
		router:          rtr,
		planner:         planner,
		log:             log,
		behaviors:       make(map[int]BehaviorFunc),
		phase:           PhaseIdle,
	}
}

// RegisterBehavior binds agentType's periodic routine.
func (s *Scheduler) RegisterBehavior(agentType int, fn BehaviorFunc) {
	s.behaviors[agentType] = fn
}

// Phase reports the scheduler's current pipeline position.
func (s *Scheduler) Phase() Phase { return s.phase }

// Step reports the number of completed steps.
func (s *Scheduler) Step() int { return s.step }

// Run drives the pipeline for up to n steps, or until ctx is cancelled.
// Cancellation is honored only between
// phases: a phase in progress always runs to completion before the
// scheduler checks ctx and exits to IDLE (§4.5 "in-phase cancellation is
// not supported"). Phase-internal fabric operations run against a
// cancellation-stripped context so a kill mid-phase cannot abort a barrier
// or epoch half-way.
func (s *Scheduler) Run(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			s.phase = PhaseIdle
			return err
		}
		if err := s.runStep(ctx); err != nil {
			return err
		}
		s.step++
	}
	return nil
}

func (s *Scheduler) runStep(ctx context.Context) error {
	phaseCtx := context.WithoutCancel(ctx)

	if err := s.publish(phaseCtx); err != nil {
		return fmt.Errorf("engine: publish phase: %w", err)
	}
	if err := s.fab.Barrier(phaseCtx); err != nil {
		return fmt.Errorf("engine: publish barrier: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.phase = PhaseIdle
		return err
	}

	s.phase = PhaseMetaEvo
	changed, err := s.planner.Apply(phaseCtx)
	if err != nil {
		return fmt.Errorf("engine: meta_evo phase: %w", err)
	}
	if changed {
		if err := s.win.Rebuild(phaseCtx); err != nil {
			return fmt.Errorf("engine: meta_evo rebuild: %w", err)
		}
	}
	if err := s.fab.Barrier(phaseCtx); err != nil {
		return fmt.Errorf("engine: meta_evo barrier: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.phase = PhaseIdle
		return err
	}

	s.phase = PhaseExchange
	inbox, err := s.router.Exchange(phaseCtx)
	if err != nil {
		return fmt.Errorf("engine: exchange phase: %w", err)
	}
	if err := s.fab.Barrier(phaseCtx); err != nil {
		return fmt.Errorf("engine: exchange barrier: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.phase = PhaseIdle
		return err
	}

	s.phase = PhaseDispatch
	// Per-type received queues are cleared here, immediately before this
	// step's dispatch fills them, so BEHAVIOR sees exactly this step's
	// deliveries and the next DISPATCH starts from empty queues (§4.4:
	// "queues are cleared at the start of each behavior phase" — clearing
	// one phase earlier is behaviorally identical since nothing else
	// touches the mailbox between DISPATCH and BEHAVIOR).
	for _, a := range s.store.IterateOwned() {
		a.ClearMailbox()
	}
	s.router.Dispatch(s.store, inbox)
	if err := s.fab.Barrier(phaseCtx); err != nil {
		return fmt.Errorf("engine: dispatch barrier: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.phase = PhaseIdle
		return err
	}

	if err := s.behave(phaseCtx); err != nil {
		return fmt.Errorf("engine: behavior phase: %w", err)
	}
	if err := s.fab.Barrier(phaseCtx); err != nil {
		return fmt.Errorf("engine: behavior barrier: %w", err)
	}

	s.phase = PhaseIdle
	return nil
}

func (s *Scheduler) publish(ctx context.Context) (err error) {
	s.phase = PhasePublish
	epoch, err := s.win.OpenCriticalEpoch(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := epoch.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range s.store.Shards() {
		shard := shard
		g.Go(func() error {
			if err := s.win.PublishPublic(shard); err != nil {
				return err
			}
			for _, a := range shard.Iterate() {
				if err := s.win.UpdateCriticalIfChanged(gctx, epoch, a); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) behave(ctx context.Context) (err error) {
	s.phase = PhaseBehavior
	s.win.ClearScratch()
	epoch, err := s.win.OpenPublicEpoch(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := epoch.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	selfRank, _ := s.fab.Self()
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range s.store.Shards() {
		shard := shard
		g.Go(func() error {
			for _, a := range shard.Iterate() {
				fn, ok := s.behaviors[a.Type]
				if !ok {
					continue
				}
				bc := &BehaviorContext{
					ctx:     gctx,
					agent:   a,
					self:    selfRank,
					win:     s.win,
					epoch:   epoch,
					router:  s.router,
					planner: s.planner,
				}
				fn(bc)
			}
			return nil
		})
	}
	return g.Wait()
}
