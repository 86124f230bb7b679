// Package emitter publishes single-value node readings to their topics on a
// fixed cadence while the topic has subscribers.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"github.com/fortiblox/dagfeed/pkg/metrics"
	"github.com/fortiblox/dagfeed/pkg/schedule"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is the polling cadence of every emitter.
const DefaultInterval = 5 * time.Second

// FetchFunc reads the current value of a topic. publish is false when the
// value should not be sent this tick.
type FetchFunc func(ctx context.Context) (payload any, publish bool, err error)

// Options are shared by all emitters.
type Options struct {
	Interval time.Duration

	// Timeout bounds each node request. Zero uses the pool default.
	Timeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Emitter polls one value and publishes it to one topic.
type Emitter struct {
	topic     string
	waitFirst bool
	fetch     FetchFunc
	out       broadcast.Broadcaster
	opts      Options
	logger    *zap.Logger
}

// New creates an emitter for topic.
func New(topic string, fetch FetchFunc, out broadcast.Broadcaster, opts Options) *Emitter {
	opts = opts.withDefaults()
	return &Emitter{
		topic:  topic,
		fetch:  fetch,
		out:    out,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "emitter"), zap.String("topic", topic)),
	}
}

// Topic returns the topic the emitter publishes to.
func (e *Emitter) Topic() string {
	return e.topic
}

// Tick fetches and publishes once. Fetch failures are logged and skipped;
// only a publish failure is returned.
func (e *Emitter) Tick(ctx context.Context) error {
	payload, publish, err := e.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.opts.Metrics.EmitterError(e.topic)
		e.logger.Warn("fetch failed", zap.Error(err))
		return nil
	}
	if !publish {
		return nil
	}
	if err := e.out.Publish(ctx, e.topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", e.topic, err)
	}
	return nil
}

// Run ticks until ctx is done, skipping ticks while nobody subscribes.
func (e *Emitter) Run(ctx context.Context) error {
	job := &schedule.Job{
		Topic:     e.topic,
		Interval:  e.opts.Interval,
		WaitFirst: e.waitFirst,
		Interest:  e.out,
		Run: func(ctx context.Context, _ bool) error {
			return e.Tick(ctx)
		},
	}
	return job.Start(ctx)
}

// BlockDag forwards the getBlockDagInfo payload unchanged.
func BlockDag(src kaspad.Requester, out broadcast.Broadcaster, opts Options) *Emitter {
	return New(broadcast.TopicBlockDag, func(ctx context.Context) (any, bool, error) {
		info, err := kaspad.GetBlockDagInfo(ctx, src, opts.Timeout)
		if err != nil {
			return nil, false, err
		}
		return json.RawMessage(info.Raw), true, nil
	}, out, opts)
}

// BlueScore publishes the virtual selected parent blue score.
func BlueScore(src kaspad.Requester, out broadcast.Broadcaster, opts Options) *Emitter {
	return New(broadcast.TopicBlueScore, func(ctx context.Context) (any, bool, error) {
		score, err := kaspad.GetVirtualSelectedParentBlueScore(ctx, src, opts.Timeout)
		if err != nil {
			return nil, false, err
		}
		return score, true, nil
	}, out, opts)
}

// Supply is the coinsupply payload, in sompi.
type Supply struct {
	CirculatingSupply int64 `json:"circulatingSupply"`
	MaxSupply         int64 `json:"maxSupply"`
}

// CoinSupply publishes the circulating and maximum supply. Its first tick
// waits one interval.
func CoinSupply(src kaspad.Requester, out broadcast.Broadcaster, opts Options) *Emitter {
	e := New(broadcast.TopicCoinSupply, func(ctx context.Context) (any, bool, error) {
		supply, err := kaspad.GetCoinSupply(ctx, src, opts.Timeout)
		if err != nil {
			return nil, false, err
		}
		if !supply.CirculatingSompi.Valid {
			return nil, false, fmt.Errorf("%w: circulatingSompi", kaspad.ErrMissingField)
		}
		return Supply{
			CirculatingSupply: supply.CirculatingSompi.Value,
			MaxSupply:         supply.MaxSompi.Or(0),
		}, true, nil
	}, out, opts)
	e.waitFirst = true
	return e
}

// Mempool publishes the mempool size when it differs from the last value
// sent. The first reading is always sent.
func Mempool(src kaspad.Requester, out broadcast.Broadcaster, opts Options) *Emitter {
	var (
		last    int64
		hasLast bool
	)
	return New(broadcast.TopicMempool, func(ctx context.Context) (any, bool, error) {
		info, err := kaspad.GetInfo(ctx, src, opts.Timeout)
		if err != nil {
			return nil, false, err
		}
		if !info.MempoolSize.Valid {
			return nil, false, fmt.Errorf("%w: mempoolSize", kaspad.ErrMissingField)
		}
		size := info.MempoolSize.Value
		if hasLast && size == last {
			return nil, false, nil
		}
		last, hasLast = size, true
		return size, true, nil
	}, out, opts)
}

// Standard returns the four single-value emitters.
func Standard(src kaspad.Requester, out broadcast.Broadcaster, opts Options) []*Emitter {
	return []*Emitter{
		BlockDag(src, out, opts),
		BlueScore(src, out, opts),
		CoinSupply(src, out, opts),
		Mempool(src, out, opts),
	}
}

// RunAll runs the emitters until ctx is done or one of them fails.
func RunAll(ctx context.Context, emitters ...*Emitter) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range emitters {
		g.Go(func() error {
			return e.Run(ctx)
		})
	}
	return g.Wait()
}
