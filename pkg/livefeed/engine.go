package livefeed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"github.com/fortiblox/dagfeed/pkg/metrics"
	"github.com/fortiblox/dagfeed/pkg/schedule"
	"go.uber.org/zap"
)

// Engine defaults.
const (
	DefaultInterval          = 2 * time.Second
	DefaultWindow            = 60 * time.Second
	DefaultTileLimit         = 120
	DefaultMassLimit         = int64(1_000_000)
	DefaultMassLimitInterval = 60 * time.Second
)

// Config configures an Engine.
type Config struct {
	// Interval between cycles while someone subscribes to mempool-live.
	Interval time.Duration

	// Window is how long an entry stays after it was last seen.
	Window time.Duration

	TileLimit int

	// FetchTimeout bounds the mempool request.
	FetchTimeout time.Duration

	// MassLimit is the initial block mass limit.
	MassLimit         int64
	MassLimitInterval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// WithDefaults returns a copy of the config with zero values replaced.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.TileLimit <= 0 {
		c.TileLimit = DefaultTileLimit
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = kaspad.DefaultMempoolTimeout
	}
	if c.MassLimit <= 0 {
		c.MassLimit = DefaultMassLimit
	}
	if c.MassLimitInterval <= 0 {
		c.MassLimitInterval = DefaultMassLimitInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Engine aggregates the mempool into a sliding window and publishes a
// snapshot to the mempool-live topic whenever its content changes.
//
// The window and the last digest belong to whichever Run call is active.
// Run must not be called concurrently; the watchdog guarantees at most one
// running task.
type Engine struct {
	cfg    Config
	source kaspad.Requester
	out    broadcast.Broadcaster
	logger *zap.Logger

	trigger   chan struct{}
	massLimit atomic.Int64

	window  *Window
	last    Digest
	hasLast bool
}

// NewEngine creates an engine reading from source and publishing to out.
func NewEngine(source kaspad.Requester, out broadcast.Broadcaster, cfg Config) *Engine {
	cfg = cfg.WithDefaults()
	e := &Engine{
		cfg:     cfg,
		source:  source,
		out:     out,
		logger:  cfg.Logger.With(zap.String("component", "livefeed")),
		trigger: make(chan struct{}, 1),
		window:  NewWindow(cfg.Window),
	}
	e.massLimit.Store(cfg.MassLimit)
	cfg.Metrics.SetBlockMassLimit(cfg.MassLimit)
	return e
}

// Run cycles until ctx is done or a publish fails.
func (e *Engine) Run(ctx context.Context) error {
	job := &schedule.Job{
		Topic:    broadcast.TopicMempoolLive,
		Interval: e.cfg.Interval,
		Interest: e.out,
		Trigger:  e.trigger,
		Run:      e.Cycle,
	}
	return job.Start(ctx)
}

// RequestPublish asks the running task for a forced cycle. It never blocks;
// requests made while one is pending are merged.
func (e *Engine) RequestPublish() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// MassLimit returns the current block mass limit.
func (e *Engine) MassLimit() int64 {
	return e.massLimit.Load()
}

// WindowSize returns the number of entries in the window. Only meaningful
// from the running task or after it stopped.
func (e *Engine) WindowSize() int {
	return e.window.Len()
}

// Cycle refreshes the window and publishes the resulting snapshot if it
// differs from the previous one or forced is set.
func (e *Engine) Cycle(ctx context.Context, forced bool) error {
	now := e.cfg.Now()

	e.window.MarkStale()
	for _, entry := range e.fetch(ctx) {
		e.window.Upsert(entry, now)
	}
	e.window.Evict(now)
	e.cfg.Metrics.FeedCycle(e.window.Len())

	snap := BuildSnapshot(e.window.Entries(), now, e.cfg.TileLimit, e.MassLimit())
	digest, err := SnapshotDigest(snap)
	if err != nil {
		return fmt.Errorf("digest snapshot: %w", err)
	}

	if !forced && e.hasLast && digest == e.last {
		e.cfg.Metrics.Suppressed()
		return nil
	}

	if err := e.out.Publish(ctx, broadcast.TopicMempoolLive, snap); err != nil {
		return fmt.Errorf("publish %s: %w", broadcast.TopicMempoolLive, err)
	}
	e.last = digest
	e.hasLast = true

	e.logger.Debug("published snapshot",
		zap.Int("tx_count", snap.TxCount),
		zap.Int64("total_mass", snap.TotalMass),
		zap.Bool("pending", snap.Pending),
		zap.Bool("forced", forced),
	)
	return nil
}

// fetch returns the current mempool. Failures yield an empty list so the
// cycle still ages the window.
func (e *Engine) fetch(ctx context.Context) []Entry {
	raw, err := kaspad.GetMempoolEntries(ctx, e.source, kaspad.MempoolEntriesParams{}, e.cfg.FetchTimeout)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("mempool fetch failed", zap.Error(err))
		}
		e.cfg.Metrics.FetchFailed()
		return nil
	}
	return Normalize(raw)
}

// RunMassLimitRefresher refreshes the block mass limit every
// MassLimitInterval until ctx is done.
func (e *Engine) RunMassLimitRefresher(ctx context.Context) error {
	job := &schedule.Job{
		Topic:    "block-mass-limit",
		Interval: e.cfg.MassLimitInterval,
		Run: func(ctx context.Context, _ bool) error {
			if err := e.RefreshMassLimit(ctx); err != nil && ctx.Err() == nil {
				e.logger.Debug("block mass limit refresh failed", zap.Error(err))
			}
			return nil
		},
	}
	return job.Start(ctx)
}

// RefreshMassLimit reads blockMassLimit from the node. A failed request or
// a missing or non-positive value keeps the previous limit.
func (e *Engine) RefreshMassLimit(ctx context.Context) error {
	info, err := kaspad.GetBlockDagInfo(ctx, e.source, 0)
	if err != nil {
		return err
	}
	if v := info.BlockMassLimit.Or(0); v > 0 {
		e.massLimit.Store(v)
		e.cfg.Metrics.SetBlockMassLimit(v)
	}
	return nil
}
