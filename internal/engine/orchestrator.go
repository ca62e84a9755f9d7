package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/conflict"
	"fieldsync/internal/database"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/monitor"
	"fieldsync/internal/queue"

	"github.com/rs/zerolog"
)

var (
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	ErrOffline         = errors.New("offline")
	ErrAuthPaused      = errors.New("sync paused until re-authentication")
)

// maxReruns bounds back-to-back cycles caused by automatic merges.
const maxReruns = 5

// Phase is the orchestrator state within a cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDraining Phase = "draining"
	PhasePulling  Phase = "pulling"
)

// Remote is the Remote Sync API as seen by the orchestrator.
type Remote interface {
	Create(ctx context.Context, entityType, id string, payload json.RawMessage) (models.Ack, error)
	Update(ctx context.Context, entityType, id string, payload json.RawMessage, baseVersion int64) (models.Ack, error)
	Delete(ctx context.Context, entityType, id string, baseVersion int64) (models.Ack, error)
	Pull(ctx context.Context, entityType, since string) ([]models.RemoteEntity, error)
}

// Connectivity reports and announces online/offline transitions.
type Connectivity interface {
	Online() bool
	Subscribe(cb monitor.Callback) func()
}

type tokenSetter interface {
	SetToken(token string)
}

// Options tunes scheduling and the push phase.
type Options struct {
	EntityTypes    []string
	Interval       time.Duration
	BatchSize      int
	MaxConcurrency int
	RequestTimeout time.Duration
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if len(o.EntityTypes) == 0 {
		o.EntityTypes = []string{models.EntityQuote, models.EntityJob}
	}
	if o.Interval <= 0 {
		o.Interval = models.DefaultSyncInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = models.DefaultBatchSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = models.DefaultMaxConcurrency
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = models.DefaultRequestTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CycleResult counts what one or more coalesced cycles did.
type CycleResult struct {
	Pushed       int `json:"pushed"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Merged       int `json:"merged"`
	Conflicts    int `json:"conflicts"`
	Pulled       int `json:"pulled"`
	Cycles       int `json:"cycles"`
}

func (r *CycleResult) add(o CycleResult) {
	r.Pushed += o.Pushed
	r.Retried += o.Retried
	r.DeadLettered += o.DeadLettered
	r.Merged += o.Merged
	r.Conflicts += o.Conflicts
	r.Pulled += o.Pulled
	r.Cycles += o.Cycles
}

// Orchestrator drives sync cycles: Idle → Draining (push) → Pulling → Idle.
// At most one cycle runs at a time; triggers that arrive meanwhile are coalesced
// into one more cycle after the current one.
type Orchestrator struct {
	db       *database.DB
	queue    *queue.Manager
	resolver *conflict.Resolver
	remote   Remote
	conn     Connectivity
	bus      *events.EventBus
	logger   *zerolog.Logger
	opts     Options

	statusStore StatusStore

	inProgress atomic.Bool
	rerun      atomic.Bool
	authPaused atomic.Bool
	trigger    chan struct{}

	mu          sync.Mutex
	phase       Phase
	lastErr     string
	cancelCycle context.CancelFunc
}

func New(db *database.DB, q *queue.Manager, resolver *conflict.Resolver, remote Remote, conn Connectivity,
	bus *events.EventBus, logger *zerolog.Logger, opts Options,
) *Orchestrator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if resolver == nil {
		resolver = conflict.NewResolver(nil, true, logger)
	}
	return &Orchestrator{
		db:       db,
		queue:    q,
		resolver: resolver,
		remote:   remote,
		conn:     conn,
		bus:      bus,
		logger:   logger,
		opts:     opts.withDefaults(),
		trigger:  make(chan struct{}, 1),
		phase:    PhaseIdle,
	}
}

// Trigger schedules a cycle on the Run loop. Repeated triggers collapse into one.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run recovers interrupted work and schedules cycles until ctx is done: on every
// transition to online, after Trigger, and on the periodic timer while items are due.
func (o *Orchestrator) Run(ctx context.Context) error {
	n, err := o.db.ResetSyncing(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted sync: %w", err)
	}
	if n > 0 {
		o.logger.Info().Int64("entities", n).Msg("returned interrupted entities to pending")
	}

	if o.conn != nil {
		unsubscribe := o.conn.Subscribe(func(s monitor.Status) {
			if s.IsOnline {
				o.Trigger()
				return
			}
			o.abortCycle()
		})
		defer unsubscribe()
	}

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	o.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.trigger:
			o.runScheduled(ctx)
		case <-ticker.C:
			if o.due(ctx) {
				o.runScheduled(ctx)
			}
		}
	}
}

func (o *Orchestrator) runScheduled(ctx context.Context) {
	_, err := o.RunCycle(ctx)
	switch {
	case err == nil, errors.Is(err, ErrOffline), errors.Is(err, ErrAuthPaused), errors.Is(err, ErrCycleInProgress):
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
	default:
		o.logger.Error().Err(err).Msg("sync cycle failed")
	}
}

func (o *Orchestrator) due(ctx context.Context) bool {
	if !o.online() || o.authPaused.Load() {
		return false
	}
	n, err := o.queue.PendingCount(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to read pending count")
		return false
	}
	return n > 0
}

func (o *Orchestrator) online() bool {
	return o.conn == nil || o.conn.Online()
}

func (o *Orchestrator) abortCycle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelCycle != nil {
		o.logger.Info().Msg("went offline, aborting sync cycle")
		o.cancelCycle()
	}
}

// RunCycle runs one cycle now, plus follow-up cycles for triggers that arrived during it.
// It returns ErrCycleInProgress without waiting when another cycle is active.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleResult, error) {
	if !o.inProgress.CompareAndSwap(false, true) {
		o.rerun.Store(true)
		return CycleResult{}, ErrCycleInProgress
	}
	defer func() {
		o.inProgress.Store(false)
		if o.rerun.Load() {
			o.Trigger()
		}
	}()

	var total CycleResult
	for i := 0; i <= maxReruns; i++ {
		o.rerun.Store(false)
		res, err := o.cycle(ctx)
		total.add(res)
		if err != nil {
			return total, err
		}
		if !o.rerun.Load() {
			break
		}
	}
	return total, nil
}

func (o *Orchestrator) cycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if !o.online() {
		return res, ErrOffline
	}
	if o.authPaused.Load() {
		return res, ErrAuthPaused
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelCycle = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelCycle = nil
		o.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	res.Cycles = 1

	o.setPhase(PhaseDraining)
	clean, err := o.push(cycleCtx, &res)
	if err == nil {
		o.setPhase(PhasePulling)
		var pulledClean bool
		pulledClean, err = o.pull(cycleCtx, &res)
		clean = clean && pulledClean
	}
	o.setPhase(PhaseIdle)

	result := "ok"
	switch {
	case err != nil:
		result = "error"
		o.setLastError(err)
	case cycleCtx.Err() != nil:
		result = "aborted"
	case !clean:
		result = "partial"
	default:
		o.setLastError(nil)
		if serr := o.db.SetLastSync(ctx, o.opts.Now()); serr != nil {
			err = serr
		}
	}
	metrics.ObserveCycle(result, time.Since(start))

	o.logger.Info().
		Str("result", result).
		Int("pushed", res.Pushed).
		Int("retried", res.Retried).
		Int("dead_lettered", res.DeadLettered).
		Int("merged", res.Merged).
		Int("conflicts", res.Conflicts).
		Int("pulled", res.Pulled).
		Dur("duration", time.Since(start)).
		Msg("sync cycle finished")

	if perr := o.bus.PublishJSON(events.EventCycleCompleted, res); perr != nil {
		o.logger.Warn().Err(perr).Msg("failed to publish cycle event")
	}
	o.PublishStatus(ctx)

	if err == nil && result == "aborted" {
		err = ErrOffline
	}
	return res, err
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = p
}

func (o *Orchestrator) setLastError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.lastErr = ""
		return
	}
	o.lastErr = err.Error()
}

// Paused reports whether sync waits for re-authentication.
func (o *Orchestrator) Paused() bool {
	return o.authPaused.Load()
}

func (o *Orchestrator) pauseAuth(cause error) {
	if !o.authPaused.CompareAndSwap(false, true) {
		return
	}
	o.logger.Warn().Err(cause).Msg("remote rejected credentials, sync paused")
	o.setLastError(cause)
	if err := o.bus.PublishJSON(events.EventAuthRequired, map[string]string{"reason": cause.Error()}); err != nil {
		o.logger.Warn().Err(err).Msg("failed to publish auth event")
	}
}

// ResumeAuth lifts the auth pause, optionally installing a fresh bearer token, and
// schedules a cycle.
func (o *Orchestrator) ResumeAuth(token string) {
	if token != "" {
		if ts, ok := o.remote.(tokenSetter); ok {
			ts.SetToken(token)
		}
	}
	if o.authPaused.CompareAndSwap(true, false) {
		o.logger.Info().Msg("sync resumed after re-authentication")
		o.setLastError(nil)
	}
	o.Trigger()
}
