package kaspad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Channel defaults.
const (
	// MessageStreamMethod is the full gRPC method of the kaspad message stream.
	MessageStreamMethod = "/protowire.RPC/MessageStream"

	// DefaultDialTimeout bounds connection establishment for one channel.
	DefaultDialTimeout = 5 * time.Second

	// DefaultMaxMessageSize allows large mempool responses.
	DefaultMaxMessageSize = 1024 * 1024 * 1024 // 1GB
)

// messageStreamDesc describes the bidirectional kaspad message stream.
var messageStreamDesc = &grpc.StreamDesc{
	StreamName:    "MessageStream",
	ServerStreams: true,
	ClientStreams: true,
}

// Channel is one gRPC connection to kaspad carrying a single message stream.
//
// Requests on a channel are serialized: one request is outstanding at a
// time. A channel whose receive was abandoned (deadline, cancellation or
// stream error) is broken and refuses further requests; callers dispose it.
type Channel struct {
	addr   string
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	mu     sync.Mutex
	broken atomic.Bool
	closed atomic.Bool
}

type recvResult struct {
	msg Message
	err error
}

// DialChannel connects to addr and opens the message stream.
func DialChannel(ctx context.Context, addr string) (*Channel, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(DefaultMaxMessageSize),
			grpc.MaxCallSendMsgSize(DefaultMaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The stream outlives the dial context; Close cancels it.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, messageStreamDesc, MessageStreamMethod)
	if err != nil {
		streamCancel()
		conn.Close()
		return nil, fmt.Errorf("open message stream on %s: %w", addr, err)
	}

	return &Channel{
		addr:   addr,
		conn:   conn,
		stream: stream,
		cancel: streamCancel,
	}, nil
}

// Addr returns the backend address of the channel.
func (c *Channel) Addr() string {
	return c.addr
}

// Request sends one command and waits for its response envelope. Messages
// with other keys (notifications) are skipped. A response carrying an error
// message is returned as *RPCError along with the payload.
func (c *Channel) Request(ctx context.Context, command string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(command, params); err != nil {
		return nil, err
	}

	want := responseName(command)
	for {
		msg, err := c.recv(ctx)
		if err != nil {
			return nil, err
		}
		payload, ok := msg[want]
		if !ok {
			continue
		}
		if rpcErr := responseError(command, payload); rpcErr != nil {
			return payload, rpcErr
		}
		return payload, nil
	}
}

// Subscribe sends a notification registration and passes every following
// non-response message to fn until ctx is done or the stream fails. The
// registration response is checked for an error and otherwise skipped.
func (c *Channel) Subscribe(ctx context.Context, command string, params any, fn func(Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(command, params); err != nil {
		return err
	}

	ack := responseName(command)
	for {
		msg, err := c.recv(ctx)
		if err != nil {
			return err
		}
		if payload, ok := msg[ack]; ok {
			if rpcErr := responseError(command, payload); rpcErr != nil {
				return rpcErr
			}
			continue
		}
		fn(msg)
	}
}

func (c *Channel) send(command string, params any) error {
	if c.closed.Load() || c.broken.Load() {
		return ErrStreamClosed
	}

	body := json.RawMessage("{}")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s: %w", command, err)
		}
		body = b
	}

	if err := c.stream.SendMsg(Message{command: body}); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("send %s: %w", command, err)
	}
	return nil
}

// recv waits for the next message. The stream has no per-message deadline,
// so the receive runs in its own goroutine and an abandoned receive marks the
// channel broken; the goroutine exits once the channel is closed.
func (c *Channel) recv(ctx context.Context) (Message, error) {
	done := make(chan recvResult, 1)
	go func() {
		var msg Message
		err := c.stream.RecvMsg(&msg)
		done <- recvResult{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.broken.Store(true)
			if errors.Is(r.err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("receive: %w", r.err)
		}
		return r.msg, nil
	case <-ctx.Done():
		c.broken.Store(true)
		return nil, ctx.Err()
	}
}

// Close cancels the stream and closes the connection. It is idempotent.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	return c.conn.Close()
}
