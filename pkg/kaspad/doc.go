// Package kaspad provides a pooled client for the kaspad gRPC message stream.
//
// Every request travels over a channel: one gRPC connection carrying one
// bidirectional /protowire.RPC/MessageStream. Frames are JSON envelopes keyed
// by command name, for example
//
//	{"getInfoRequest":{}}  ->  {"getInfoResponse":{"isSynced":true,...}}
//
// # Architecture
//
// The package consists of three layers:
//
//   - Channel: a single message stream with per-request deadlines
//   - ChannelPool: a bounded set of channels to one backend; a channel that
//     fails is disposed and its slot freed
//   - Client: the backend handle holding the pool and the readiness snapshot
//     refreshed by Probe
//
// Typed helpers such as GetInfo and GetMempoolEntries work against any
// Requester, so they can be used with a single Client or with the failover
// router in package rpcpool.
//
// # Usage
//
//	client, err := kaspad.NewClient(kaspad.ClientConfig{Address: "127.0.0.1:16110"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.Probe(ctx); err == nil && client.IsReady() {
//	    info, err := kaspad.GetBlockDagInfo(ctx, client, kaspad.DefaultRequestTimeout)
//	    ...
//	}
//
// # Errors
//
// Channel-level failures are returned as *CommunicationError and are worth
// retrying on another backend. Errors reported by kaspad inside a response
// are returned as *RPCError and are not.
package kaspad
