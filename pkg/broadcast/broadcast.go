// Package broadcast delivers topic payloads to websocket subscribers.
//
// Subscribers join rooms named after topics. Producers publish a payload to a
// topic and every session in that room receives it; producers ask
// HasSubscribers before doing expensive work.
package broadcast

import "context"

// Topics served by dagfeed.
const (
	TopicBlockDag    = "blockdag"
	TopicBlueScore   = "bluescore"
	TopicCoinSupply  = "coinsupply"
	TopicMempool     = "mempool"
	TopicMempoolLive = "mempool-live"
	TopicBlocks      = "blocks"
)

// Topics lists every topic in a stable order.
var Topics = []string{
	TopicBlockDag,
	TopicBlueScore,
	TopicCoinSupply,
	TopicMempool,
	TopicMempoolLive,
	TopicBlocks,
}

// Publisher sends a payload to every subscriber of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// InterestChecker reports whether a topic currently has subscribers.
type InterestChecker interface {
	HasSubscribers(topic string) bool
}

// Broadcaster is both a Publisher and an InterestChecker.
type Broadcaster interface {
	Publisher
	InterestChecker
}
