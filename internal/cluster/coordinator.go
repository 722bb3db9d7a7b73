package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nickcecere/sefs/internal/config"
	"github.com/nickcecere/sefs/internal/errs"
	"github.com/nickcecere/sefs/internal/metrics"
	"github.com/nickcecere/sefs/internal/organizer"
	"github.com/nickcecere/sefs/internal/store"
)

// ErrCycleRunning is returned by RunCycle when another cycle holds the lock.
// The request is coalesced into one rerun after the running cycle.
var ErrCycleRunning = errors.New("clustering cycle already running")

// Placer names clusters and moves files into their folders.
type Placer interface {
	Organize(ctx context.Context) (*organizer.Report, error)
}

// Retrier re-processes files whose representation failed.
type Retrier interface {
	RetryFailed(ctx context.Context) (int, error)
}

// Coordinator triggers clustering cycles from change notifications.
type Coordinator struct {
	store     store.Store
	clusterer Clusterer
	placer    Placer
	retrier   Retrier
	metrics   *metrics.Metrics
	cycle     config.CycleConfig
	opts      Options

	pending atomic.Int64
	notify  chan struct{}

	cycleMu sync.Mutex
	rerun   atomic.Bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRetrier retries failed files on the retry interval.
func WithRetrier(r Retrier) CoordinatorOption {
	return func(c *Coordinator) {
		c.retrier = r
	}
}

// WithMetrics records cycle results.
func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(st store.Store, cl Clusterer, placer Placer, cfg *config.Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     st,
		clusterer: cl,
		placer:    placer,
		cycle:     cfg.Cycle,
		opts: Options{
			MinClusterSize:   cfg.Clustering.MinClusterSize,
			OverlapThreshold: cfg.Clustering.OverlapThreshold,
		},
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify records one changed file. It never blocks.
func (c *Coordinator) Notify() {
	c.pending.Add(1)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of changes since the last cycle.
func (c *Coordinator) Pending() int {
	return int(c.pending.Load())
}

// Run triggers cycles until ctx is cancelled: when pending changes reach the
// batch size, when the tree has been idle for the idle time with changes
// pending, and on the retry interval. Only fatal errors are returned.
func (c *Coordinator) Run(ctx context.Context) error {
	idle := time.NewTimer(c.cycle.IdleTime)
	idle.Stop()
	defer idle.Stop()

	retryInterval := c.cycle.RetryInterval
	if retryInterval <= 0 {
		retryInterval = config.DefaultRetryInterval
	}
	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.notify:
			if c.Pending() >= c.cycle.BatchSize {
				idle.Stop()
				if err := c.trigger(ctx, "batch"); err != nil {
					return err
				}
				continue
			}
			idle.Reset(c.cycle.IdleTime)

		case <-idle.C:
			if c.Pending() > 0 {
				if err := c.trigger(ctx, "idle"); err != nil {
					return err
				}
			}

		case <-retry.C:
			if err := c.retry(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) trigger(ctx context.Context, reason string) error {
	log.Debug("Triggering cycle", "reason", reason, "pending", c.Pending())
	_, err := c.RunCycle(ctx)
	if err == nil || errors.Is(err, ErrCycleRunning) || errors.Is(err, context.Canceled) {
		return nil
	}
	if errs.IsFatal(err) {
		return err
	}
	log.Warn("Cycle failed, keeping previous assignments", "error", err)
	return nil
}

func (c *Coordinator) retry(ctx context.Context) error {
	recovered := 0
	if c.retrier != nil {
		n, err := c.retrier.RetryFailed(ctx)
		if err != nil && errs.IsFatal(err) {
			return err
		}
		recovered = n
	}

	stats, err := c.store.GetStats()
	if err != nil {
		return errs.Store("get stats", err)
	}
	// Extract and embed errors only need a cycle once RetryFailed recovers them.
	if recovered == 0 && stats.MoveErrors == 0 && stats.ByStatus[store.StatusClustered] == 0 {
		return nil
	}
	return c.trigger(ctx, "retry")
}

// RunCycle runs one exclusive clustering and placement cycle. A call made
// while another cycle runs returns ErrCycleRunning and schedules a rerun.
func (c *Coordinator) RunCycle(ctx context.Context) (*store.CycleRecord, error) {
	if !c.cycleMu.TryLock() {
		c.rerun.Store(true)
		return nil, ErrCycleRunning
	}
	defer c.cycleMu.Unlock()

	for {
		c.rerun.Store(false)
		rec, err := c.runCycle(ctx)
		if err != nil || !c.rerun.Load() || ctx.Err() != nil {
			return rec, err
		}
		log.Debug("Running coalesced cycle")
	}
}

func (c *Coordinator) runCycle(ctx context.Context) (*store.CycleRecord, error) {
	start := time.Now()
	rec := &store.CycleRecord{ID: uuid.NewString(), StartedAt: start.UTC()}
	c.pending.Store(0)

	records, err := c.store.ListClusterable()
	if err != nil {
		return nil, errs.Store("list clusterable files", err)
	}

	points := make([]Point, 0, len(records))
	prev := make(map[string]int64, len(records))
	for _, r := range records {
		points = append(points, Point{Path: r.Path, Vector: r.Embedding})
		if r.ClusterID != nil && *r.ClusterID != store.NoiseClusterID {
			prev[r.Path] = *r.ClusterID
		}
	}
	rec.Files = len(points)

	labels, err := c.clusterer.Cluster(ctx, points)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = fmt.Errorf("%w: %w", errs.ErrClustering, err)
		return c.finish(rec, start, err)
	}

	plan := Reconcile(prev, labels, c.opts)
	applied, err := c.store.ApplyClustering(plan)
	if err != nil {
		return nil, errs.Store("apply clustering", err)
	}
	rec.Clusters = len(plan.Clusters)
	rec.Created = applied.Created
	rec.Dissolved = applied.Dissolved

	report, err := c.placer.Organize(ctx)
	if report != nil {
		rec.Moves = report.Moved
		rec.MoveFailures = report.Failed
	}
	if err != nil {
		if errs.IsFatal(err) {
			return nil, err
		}
		return c.finish(rec, start, err)
	}

	return c.finish(rec, start, nil)
}

func (c *Coordinator) finish(rec *store.CycleRecord, start time.Time, cycleErr error) (*store.CycleRecord, error) {
	rec.FinishedAt = time.Now().UTC()
	if cycleErr != nil {
		rec.Error = cycleErr.Error()
	}

	if err := c.store.RecordCycle(*rec); err != nil {
		return rec, errs.Store("record cycle", err)
	}
	c.metrics.CycleFinished(time.Since(start), rec.Clusters, cycleErr)

	if cycleErr != nil {
		return rec, cycleErr
	}

	log.Info("Cycle complete",
		"files", rec.Files,
		"clusters", rec.Clusters,
		"created", rec.Created,
		"dissolved", rec.Dissolved,
		"moves", rec.Moves,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return rec, nil
}
