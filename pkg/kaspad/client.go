package kaspad

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/fortiblox/dagfeed/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultPort is the kaspad mainnet gRPC port.
const DefaultPort = "16110"

// Subscriber is a channel that can carry a notification subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, command string, params any, fn func(Message)) error
	Close() error
}

// SubscribeDialer opens an unpooled channel for a notification subscription.
type SubscribeDialer func(ctx context.Context) (Subscriber, error)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Address is host or host:port of the kaspad gRPC endpoint.
	Address string

	// PoolSize is the maximum number of pooled channels.
	PoolSize int

	// Dialer opens pooled channels. Defaults to DialChannel.
	Dialer Dialer

	// SubscribeDialer opens notification channels. Defaults to DialChannel.
	SubscribeDialer SubscribeDialer

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// WithDefaults returns a copy of the config with zero values replaced by
// defaults. A missing port is replaced by DefaultPort.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil && c.Address != "" {
		c.Address = net.JoinHostPort(c.Address, DefaultPort)
	}
	addr := c.Address
	if c.Dialer == nil {
		c.Dialer = func(ctx context.Context) (Conn, error) {
			return DialChannel(ctx, addr)
		}
	}
	if c.SubscribeDialer == nil {
		c.SubscribeDialer = func(ctx context.Context) (Subscriber, error) {
			return DialChannel(ctx, addr)
		}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Health is the readiness snapshot of one backend as of its last probe.
type Health struct {
	ServerVersion string
	IsUtxoIndexed bool
	IsSynced      bool
	P2PID         string
	LastProbe     time.Time
	LastError     error
}

// Ready returns true if the backend is UTXO indexed and synced.
func (h Health) Ready() bool {
	return h.IsUtxoIndexed && h.IsSynced
}

// Client is the handle for one kaspad backend: its identity, its latest
// health snapshot and its channel pool.
type Client struct {
	addr      string
	pool      *ChannelPool
	subscribe SubscribeDialer
	logger    *zap.Logger

	mu     sync.RWMutex
	health Health
}

// NewClient creates a client for one backend. No connection is made until
// the first request or probe.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Address == "" {
		return nil, errors.New("kaspad client: empty address")
	}

	logger := cfg.Logger.With(zap.String("component", "kaspad"), zap.String("backend", cfg.Address))

	pool := NewChannelPool(cfg.Address, cfg.PoolSize, cfg.Dialer)
	pool.SetLogger(logger)
	pool.SetMetrics(cfg.Metrics)

	return &Client{
		addr:      cfg.Address,
		pool:      pool,
		subscribe: cfg.SubscribeDialer,
		logger:    logger,
	}, nil
}

// Address returns the host:port identity of the backend.
func (c *Client) Address() string {
	return c.addr
}

// Probe refreshes the health snapshot with getInfoRequest. Fields absent
// from the response count as false. On failure the snapshot is marked not
// ready and the error recorded; the returned error is informational.
func (c *Client) Probe(ctx context.Context) error {
	info, err := GetInfo(ctx, c, DefaultRequestTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.health.LastProbe = time.Now()
	if err != nil {
		c.health.IsUtxoIndexed = false
		c.health.IsSynced = false
		c.health.LastError = err
		c.logger.Debug("probe failed", zap.Error(err))
		return err
	}

	if info.ServerVersion != nil {
		c.health.ServerVersion = *info.ServerVersion
	}
	if info.P2PID != nil {
		c.health.P2PID = *info.P2PID
	}
	c.health.IsUtxoIndexed = info.IsUtxoIndexed != nil && *info.IsUtxoIndexed
	c.health.IsSynced = info.IsSynced != nil && *info.IsSynced
	c.health.LastError = nil
	return nil
}

// IsReady reports readiness from the last probe without any I/O.
func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health.Ready()
}

// Health returns a copy of the current health snapshot.
func (c *Client) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Request performs one command on a pooled channel.
func (c *Client) Request(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.pool.Request(ctx, command, params, timeout)
}

// Notify subscribes on a dedicated channel and streams notifications to fn
// until ctx is done or the stream fails. The channel is always closed.
func (c *Client) Notify(ctx context.Context, command string, params any, fn func(Message)) error {
	sub, err := c.subscribe(ctx)
	if err != nil {
		return &CommunicationError{Addr: c.addr, Command: command, Err: err}
	}
	defer sub.Close()

	c.logger.Debug("notification channel opened", zap.String("command", command))
	if err := sub.Subscribe(ctx, command, params, fn); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return err
		}
		return &CommunicationError{Addr: c.addr, Command: command, Err: err}
	}
	return nil
}

// PoolStats returns the channel pool counts.
func (c *Client) PoolStats() PoolStats {
	return c.pool.Stats()
}

// Close closes the channel pool.
func (c *Client) Close() error {
	return c.pool.Close()
}
