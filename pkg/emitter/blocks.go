package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"go.uber.org/zap"
)

// ErrStreamEnded is returned by BlockStream.Run when the node closes the
// subscription without an error.
var ErrStreamEnded = errors.New("block notification stream ended")

// Notifier opens a notification subscription. It is satisfied by
// rpcpool.Pool and kaspad.Client.
type Notifier interface {
	Notify(ctx context.Context, command string, params any, fn func(kaspad.Message)) error
}

// BlockStream forwards block added notifications to the blocks topic.
//
// Unlike the polling emitters it holds one subscription for its whole life.
// Run returns when the subscription fails and is meant to run under a
// watchdog.Supervisor.
type BlockStream struct {
	src    Notifier
	out    broadcast.Broadcaster
	opts   Options
	logger *zap.Logger
}

// NewBlockStream creates a block stream reading from src.
func NewBlockStream(src Notifier, out broadcast.Broadcaster, opts Options) *BlockStream {
	opts = opts.withDefaults()
	return &BlockStream{
		src:    src,
		out:    out,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "emitter"), zap.String("topic", broadcast.TopicBlocks)),
	}
}

// Topic returns the topic the stream publishes to.
func (s *BlockStream) Topic() string {
	return broadcast.TopicBlocks
}

// Run subscribes and forwards notifications until ctx is done or the
// subscription fails.
func (s *BlockStream) Run(ctx context.Context) error {
	s.logger.Info("subscribing to block notifications")

	err := s.src.Notify(ctx, kaspad.CommandNotifyBlockAdded, nil, func(msg kaspad.Message) {
		s.handle(ctx, msg)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("block notifications: %w", err)
	}
	return ErrStreamEnded
}

func (s *BlockStream) handle(ctx context.Context, msg kaspad.Message) {
	raw, ok := msg[kaspad.NotificationBlockAdded]
	if !ok {
		return
	}
	if !s.out.HasSubscribers(broadcast.TopicBlocks) {
		return
	}

	var n kaspad.BlockAddedNotification
	if err := json.Unmarshal(raw, &n); err != nil || len(n.Block) == 0 || string(n.Block) == "null" {
		s.opts.Metrics.EmitterError(broadcast.TopicBlocks)
		s.logger.Warn("malformed block notification", zap.Error(err))
		return
	}

	if err := s.out.Publish(ctx, broadcast.TopicBlocks, n.Block); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.opts.Metrics.EmitterError(broadcast.TopicBlocks)
		s.logger.Warn("publish failed", zap.Error(err))
	}
}
