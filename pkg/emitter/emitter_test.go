package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedNode struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
}

func (n *scriptedNode) set(command, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.responses == nil {
		n.responses = make(map[string]string)
	}
	n.responses[command] = body
}

func (n *scriptedNode) Request(ctx context.Context, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	body, ok := n.responses[command]
	if !ok {
		return nil, &kaspad.RPCError{Command: command, Message: "unsupported"}
	}
	return json.RawMessage(body), nil
}

type published struct {
	topic string
	data  string
}

type capture struct {
	mu     sync.Mutex
	all    atomic.Bool
	frames []published
	err    error
}

func (c *capture) HasSubscribers(topic string) bool { return c.all.Load() }

func (c *capture) Publish(ctx context.Context, topic string, payload any) error {
	if c.err != nil {
		return c.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, published{topic: topic, data: string(data)})
	c.mu.Unlock()
	return nil
}

func (c *capture) list() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.frames...)
}

func TestEmitterPayloads(t *testing.T) {
	node := &scriptedNode{}
	node.set(kaspad.CommandGetBlockDagInfo, `{"networkName":"kaspa-mainnet","blockCount":"42","tipHashes":["ab"]}`)
	node.set(kaspad.CommandGetVirtualSelectedParentBlueScore, `{"blueScore":"91234567"}`)
	node.set(kaspad.CommandGetCoinSupply, `{"circulatingSompi":"2500000000000000","maxSompi":"2900000000000000"}`)
	node.set(kaspad.CommandGetInfo, `{"mempoolSize":"17","isSynced":true}`)

	tests := []struct {
		name  string
		build func(kaspad.Requester, broadcast.Broadcaster, Options) *Emitter
		topic string
		want  string
	}{
		{"blockdag", BlockDag, broadcast.TopicBlockDag, `{"networkName":"kaspa-mainnet","blockCount":"42","tipHashes":["ab"]}`},
		{"bluescore", BlueScore, broadcast.TopicBlueScore, `91234567`},
		{"coinsupply", CoinSupply, broadcast.TopicCoinSupply, `{"circulatingSupply":2500000000000000,"maxSupply":2900000000000000}`},
		{"mempool", Mempool, broadcast.TopicMempool, `17`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &capture{}
			e := tt.build(node, out, Options{})
			assert.Equal(t, tt.topic, e.Topic())

			require.NoError(t, e.Tick(context.Background()))

			frames := out.list()
			require.Len(t, frames, 1)
			assert.Equal(t, tt.topic, frames[0].topic)
			assert.JSONEq(t, tt.want, frames[0].data)
		})
	}
}

func TestMempoolEmitsOnlyOnChange(t *testing.T) {
	node := &scriptedNode{}
	node.set(kaspad.CommandGetInfo, `{"mempoolSize":5}`)
	out := &capture{}
	e := Mempool(node, out, Options{})

	require.NoError(t, e.Tick(context.Background()))
	require.NoError(t, e.Tick(context.Background()))
	assert.Len(t, out.list(), 1)

	node.set(kaspad.CommandGetInfo, `{"mempoolSize":6}`)
	require.NoError(t, e.Tick(context.Background()))

	frames := out.list()
	require.Len(t, frames, 2)
	assert.Equal(t, "6", frames[1].data)
}

func TestEmitterFetchErrorsAreSkipped(t *testing.T) {
	tests := []struct {
		name  string
		node  *scriptedNode
		build func(kaspad.Requester, broadcast.Broadcaster, Options) *Emitter
	}{
		{"transport failure", &scriptedNode{err: &kaspad.CommunicationError{Addr: "node:16110", Err: errors.New("eof")}}, BlueScore},
		{"rpc error", &scriptedNode{}, BlockDag},
		{"missing mempool size", func() *scriptedNode {
			n := &scriptedNode{}
			n.set(kaspad.CommandGetInfo, `{"isSynced":true}`)
			return n
		}(), Mempool},
		{"missing supply", func() *scriptedNode {
			n := &scriptedNode{}
			n.set(kaspad.CommandGetCoinSupply, `{}`)
			return n
		}(), CoinSupply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &capture{}
			e := tt.build(tt.node, out, Options{})
			assert.NoError(t, e.Tick(context.Background()))
			assert.Empty(t, out.list())
		})
	}
}

func TestEmitterPublishErrorIsReturned(t *testing.T) {
	node := &scriptedNode{}
	node.set(kaspad.CommandGetVirtualSelectedParentBlueScore, `{"blueScore":1}`)
	out := &capture{err: broadcast.ErrHubClosed}

	err := BlueScore(node, out, Options{}).Tick(context.Background())
	assert.ErrorIs(t, err, broadcast.ErrHubClosed)
}

func TestEmitterRunIsInterestGated(t *testing.T) {
	node := &scriptedNode{}
	node.set(kaspad.CommandGetVirtualSelectedParentBlueScore, `{"blueScore":1}`)
	out := &capture{}
	e := BlueScore(node, out, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, out.list())

	out.all.Store(true)
	require.Eventually(t, func() bool { return len(out.list()) >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunAllStopsOnPublishFailure(t *testing.T) {
	node := &scriptedNode{}
	node.set(kaspad.CommandGetVirtualSelectedParentBlueScore, `{"blueScore":1}`)
	node.set(kaspad.CommandGetInfo, `{"mempoolSize":3}`)
	out := &capture{err: broadcast.ErrHubClosed}
	out.all.Store(true)

	opts := Options{Interval: 5 * time.Millisecond}
	err := RunAll(context.Background(), BlueScore(node, out, opts), Mempool(node, out, opts))
	assert.ErrorIs(t, err, broadcast.ErrHubClosed)
}

func TestStandard(t *testing.T) {
	emitters := Standard(&scriptedNode{}, &capture{}, Options{})
	topics := make([]string, len(emitters))
	for i, e := range emitters {
		topics[i] = e.Topic()
	}
	assert.Equal(t, []string{
		broadcast.TopicBlockDag,
		broadcast.TopicBlueScore,
		broadcast.TopicCoinSupply,
		broadcast.TopicMempool,
	}, topics)
}
