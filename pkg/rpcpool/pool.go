// Package rpcpool provides a failover router over a fixed list of kaspad
// backends.
//
// The router keeps the backends in configured order and forwards every
// request to the first one whose last probe reported it synced and UTXO
// indexed. When none is ready it re-probes all backends once before giving
// up. A request that fails at the channel level triggers one re-probe and one
// retry; errors reported by the backend itself are returned unchanged.
//
// Usage:
//
//	pool := rpcpool.NewPool([]rpcpool.Backend{clientA, clientB})
//	if _, err := pool.WaitReady(ctx, time.Second); err != nil {
//	    // No backend became ready
//	}
//	pool.Start(ctx)
//
//	info, err := kaspad.GetBlockDagInfo(ctx, pool, kaspad.DefaultRequestTimeout)
package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"github.com/fortiblox/dagfeed/pkg/metrics"
	"go.uber.org/zap"
)

// Pool errors.
var (
	ErrBackendUnavailable = errors.New("no ready kaspad backend available")
	ErrPoolClosed         = errors.New("pool is closed")
	ErrNoBackends         = errors.New("backend list cannot be empty")
)

// Default configuration values.
const (
	DefaultHealthCheckPeriod = 30 * time.Second
	DefaultProbeTimeout      = kaspad.DefaultRequestTimeout
	DefaultWaitInterval      = time.Second
)

// Backend is one kaspad node as seen by the router. *kaspad.Client
// implements it.
type Backend interface {
	Address() string
	Probe(ctx context.Context) error
	IsReady() bool
	Health() kaspad.Health
	Request(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(ctx context.Context, command string, params any, fn func(kaspad.Message)) error
	Close() error
}

var (
	_ Backend          = (*kaspad.Client)(nil)
	_ kaspad.Requester = (*Pool)(nil)
)

// backendState tracks the readiness last reported to the health callback.
type backendState struct {
	Backend
	ready atomic.Bool
}

// Pool routes requests to the first ready backend.
type Pool struct {
	backends []*backendState

	healthCheckPeriod time.Duration
	probeTimeout      time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	// Callbacks
	mu             sync.RWMutex
	onHealthChange func(addr string, ready bool)
}

// NewPool creates a router over backends. Order is priority: earlier
// backends are preferred whenever they are ready. The health check loop is
// not started until Start is called.
func NewPool(backends []Backend) *Pool {
	states := make([]*backendState, len(backends))
	for i, b := range backends {
		states[i] = &backendState{Backend: b}
	}
	return &Pool{
		backends:          states,
		healthCheckPeriod: DefaultHealthCheckPeriod,
		probeTimeout:      DefaultProbeTimeout,
		logger:            zap.NewNop(),
	}
}

// SetHealthCheckPeriod sets the interval between background probes. Zero
// disables the background loop. Must be called before Start().
func (p *Pool) SetHealthCheckPeriod(period time.Duration) {
	p.healthCheckPeriod = period
}

// SetProbeTimeout bounds each readiness probe.
func (p *Pool) SetProbeTimeout(timeout time.Duration) {
	if timeout > 0 {
		p.probeTimeout = timeout
	}
}

// SetLogger sets the logger.
func (p *Pool) SetLogger(logger *zap.Logger) {
	if logger != nil {
		p.logger = logger.With(zap.String("component", "rpcpool"))
	}
}

// SetMetrics sets the metrics recorder.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// SetOnHealthChange sets a callback that is invoked when a backend's
// readiness flips after a probe.
func (p *Pool) SetOnHealthChange(callback func(addr string, ready bool)) {
	p.mu.Lock()
	p.onHealthChange = callback
	p.mu.Unlock()
}

// SelectReady returns the first ready backend in configured order without
// any I/O.
func (p *Pool) SelectReady() (Backend, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	for _, b := range p.backends {
		if b.IsReady() {
			return b.Backend, nil
		}
	}
	return nil, ErrBackendUnavailable
}

// ProbeAll probes every backend concurrently and waits for all probes to
// finish. Probe failures only mark the backend not ready.
func (p *Pool) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range p.backends {
		wg.Add(1)
		go func(b *backendState) {
			defer wg.Done()
			p.probe(ctx, b)
		}(b)
	}
	wg.Wait()

	p.metrics.SetBackendsReady(p.ReadyCount())
}

// probe refreshes one backend and reports readiness changes.
func (p *Pool) probe(ctx context.Context, b *backendState) {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	if err := b.Probe(probeCtx); err != nil {
		p.logger.Debug("probe failed", zap.String("backend", b.Address()), zap.Error(err))
	}

	ready := b.IsReady()
	p.metrics.ProbeResult(b.Address(), ready)

	if was := b.ready.Swap(ready); was != ready {
		p.logger.Info("backend readiness changed",
			zap.String("backend", b.Address()),
			zap.Bool("ready", ready),
		)
		p.mu.RLock()
		callback := p.onHealthChange
		p.mu.RUnlock()
		if callback != nil {
			callback(b.Address(), ready)
		}
	}
}

// EnsureReady returns a ready backend, re-probing all backends once if none
// is currently ready.
func (p *Pool) EnsureReady(ctx context.Context) (Backend, error) {
	b, err := p.SelectReady()
	if err == nil || errors.Is(err, ErrPoolClosed) {
		return b, err
	}

	p.ProbeAll(ctx)

	b, err = p.SelectReady()
	if errors.Is(err, ErrBackendUnavailable) {
		p.metrics.BackendUnavailable()
	}
	return b, err
}

// Request forwards one command to a ready backend. If the backend fails at
// the channel level, all backends are re-probed and the request is retried
// once on the newly selected backend. Backend-reported errors and a closed
// channel pool are returned as is.
func (p *Pool) Request(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	b, err := p.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := b.Request(ctx, command, params, timeout)
	if err == nil || !kaspad.IsRetryable(err) {
		return resp, err
	}

	p.logger.Warn("request failed, re-probing backends",
		zap.String("backend", b.Address()),
		zap.String("command", command),
		zap.Error(err),
	)
	p.metrics.Failover()

	p.ProbeAll(ctx)

	b, err = p.SelectReady()
	if err != nil {
		if errors.Is(err, ErrBackendUnavailable) {
			p.metrics.BackendUnavailable()
		}
		return nil, err
	}
	return b.Request(ctx, command, params, timeout)
}

// Notify subscribes on a ready backend. See kaspad.Client.Notify.
func (p *Pool) Notify(ctx context.Context, command string, params any, fn func(kaspad.Message)) error {
	b, err := p.EnsureReady(ctx)
	if err != nil {
		return err
	}
	return b.Notify(ctx, command, params, fn)
}

// WaitReady probes until a backend is ready or ctx is done. It is used at
// startup, where no ready backend is unrecoverable.
func (p *Pool) WaitReady(ctx context.Context, interval time.Duration) (Backend, error) {
	if len(p.backends) == 0 {
		return nil, ErrNoBackends
	}
	if interval <= 0 {
		interval = DefaultWaitInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		b, err := p.EnsureReady(ctx)
		if err == nil || errors.Is(err, ErrPoolClosed) {
			return b, err
		}

		p.logger.Info("waiting for a ready backend", zap.Int("backends", len(p.backends)))

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrBackendUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ReadyCount returns the number of currently ready backends.
func (p *Pool) ReadyCount() int {
	count := 0
	for _, b := range p.backends {
		if b.IsReady() {
			count++
		}
	}
	return count
}

// TotalCount returns the total number of backends.
func (p *Pool) TotalCount() int {
	return len(p.backends)
}

// Start begins the background health check loop. It is a no-op when the
// health check period is zero.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return // Already started
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	if p.healthCheckPeriod <= 0 {
		return
	}

	p.wg.Add(1)
	go p.healthCheckLoop()
}

// Stop stops the health check loop and closes every backend.
func (p *Pool) Stop() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()

	for _, b := range p.backends {
		if err := b.Close(); err != nil {
			p.logger.Debug("close backend", zap.String("backend", b.Address()), zap.Error(err))
		}
	}
}

// healthCheckLoop periodically probes all backends.
func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(p.ctx)
		}
	}
}

// EndpointStatus returns the status of all backends in configured order.
func (p *Pool) EndpointStatus() []EndpointInfo {
	infos := make([]EndpointInfo, len(p.backends))
	for i, b := range p.backends {
		h := b.Health()
		info := EndpointInfo{
			Address:       b.Address(),
			Ready:         h.Ready(),
			Synced:        h.IsSynced,
			UtxoIndexed:   h.IsUtxoIndexed,
			ServerVersion: h.ServerVersion,
			P2PID:         h.P2PID,
			LastCheck:     h.LastProbe,
		}
		if h.LastError != nil {
			info.LastError = h.LastError.Error()
		}
		infos[i] = info
	}
	return infos
}

// EndpointInfo contains status information about a backend.
type EndpointInfo struct {
	Address       string    `json:"address"`
	Ready         bool      `json:"ready"`
	Synced        bool      `json:"isSynced"`
	UtxoIndexed   bool      `json:"isUtxoIndexed"`
	ServerVersion string    `json:"serverVersion,omitempty"`
	P2PID         string    `json:"p2pId,omitempty"`
	LastCheck     time.Time `json:"lastCheck"`
	LastError     string    `json:"lastError,omitempty"`
}
