package kaspad

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/dagfeed/pkg/metrics"
	"go.uber.org/zap"
)

// Pool defaults.
const (
	// DefaultPoolSize is the maximum number of channels per backend.
	DefaultPoolSize = 2

	// DefaultRequestTimeout bounds one request including channel acquisition.
	DefaultRequestTimeout = 5 * time.Second
)

// Conn is a request/response channel to one backend.
type Conn interface {
	Request(ctx context.Context, command string, params any) (json.RawMessage, error)
	Close() error
}

// Dialer opens a new Conn.
type Dialer func(ctx context.Context) (Conn, error)

// PoolStats is a point-in-time view of a ChannelPool.
type PoolStats struct {
	Created int
	Idle    int
	Max     int
}

// ChannelPool is a bounded pool of channels to a single backend.
//
// At most max channels exist at once. A channel is idle (in the queue), in
// use by exactly one request, or disposed. Any channel that fails during a
// request is disposed and never returned to the queue; disposal frees its
// slot so a replacement can be dialed.
type ChannelPool struct {
	addr string
	max  int
	dial Dialer

	idle  chan Conn
	freed chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	created int

	closed atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewChannelPool creates a pool of up to size channels opened by dial.
func NewChannelPool(addr string, size int, dial Dialer) *ChannelPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &ChannelPool{
		addr:   addr,
		max:    size,
		dial:   dial,
		idle:   make(chan Conn, size),
		freed:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
}

// SetLogger sets the logger used for channel lifecycle events.
func (p *ChannelPool) SetLogger(logger *zap.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetMetrics sets the metrics recorder.
func (p *ChannelPool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// Acquire returns an idle channel, dials a new one if the pool has room, or
// waits for one to be released or disposed.
func (p *ChannelPool) Acquire(ctx context.Context) (Conn, error) {
	for {
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}

		select {
		case c := <-p.idle:
			return c, nil
		default:
		}

		if p.reserve() {
			c, err := p.dial(ctx)
			if err != nil {
				p.unreserve()
				return nil, err
			}
			p.metrics.ChannelCreated(p.addr)
			p.logger.Debug("channel opened", zap.Int("created", p.Stats().Created))
			return c, nil
		}

		select {
		case c := <-p.idle:
			return c, nil
		case <-p.freed:
			// A slot opened up; try to dial again.
		case <-p.done:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a healthy channel to the idle queue.
func (p *ChannelPool) Release(c Conn) {
	if p.closed.Load() {
		p.dispose(c)
		return
	}
	select {
	case p.idle <- c:
	default:
		p.dispose(c)
	}
}

// Request performs one round trip on a pooled channel, bounded by timeout
// (DefaultRequestTimeout if zero). Any failure disposes the channel.
// Backend-reported errors are returned as *RPCError, everything else as
// *CommunicationError.
func (p *ChannelPool) Request(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	c, err := p.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			return nil, err
		}
		err = &CommunicationError{Addr: p.addr, Command: command, Err: err}
		p.metrics.ObserveRequest(command, time.Since(start).Seconds(), err)
		return nil, err
	}

	payload, err := c.Request(ctx, command, params)
	if err != nil {
		p.dispose(c)
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			err = &CommunicationError{Addr: p.addr, Command: command, Err: err}
		}
		p.metrics.ObserveRequest(command, time.Since(start).Seconds(), err)
		return nil, err
	}

	p.Release(c)
	p.metrics.ObserveRequest(command, time.Since(start).Seconds(), nil)
	return payload, nil
}

// Stats returns the current channel counts.
func (p *ChannelPool) Stats() PoolStats {
	p.mu.Lock()
	created := p.created
	p.mu.Unlock()
	return PoolStats{Created: created, Idle: len(p.idle), Max: p.max}
}

// Close marks the pool closed and closes all idle channels. Channels in use
// are closed when they are released.
func (p *ChannelPool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.done)
	for {
		select {
		case c := <-p.idle:
			p.dispose(c)
		default:
			return nil
		}
	}
}

func (p *ChannelPool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.created >= p.max {
		return false
	}
	p.created++
	return true
}

func (p *ChannelPool) unreserve() {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
	p.signalFreed()
}

func (p *ChannelPool) dispose(c Conn) {
	if err := c.Close(); err != nil {
		p.logger.Debug("channel close failed", zap.Error(err))
	}
	p.metrics.ChannelDisposed(p.addr)
	p.unreserve()
}

func (p *ChannelPool) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}
