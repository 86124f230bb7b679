// Package kaspadtest serves an in-process kaspad message stream for tests.
//
// Frames are encoded with the JSON codec registered by package kaspad, so a
// test using this server must also import kaspad.
package kaspadtest

import (
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// Envelope is one message stream frame keyed by command or notification name.
type Envelope = map[string]json.RawMessage

// Handler answers one received envelope by sending zero or more envelopes
// back. Returning an error ends the stream.
type Handler func(msg Envelope, send func(Envelope) error) error

// Start serves the message stream on a loopback listener and returns its
// address. The server is stopped when the test ends.
func Start(t testing.TB, handle Handler) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "protowire.RPC",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "MessageStream",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				var sendMu sync.Mutex
				send := func(m Envelope) error {
					sendMu.Lock()
					defer sendMu.Unlock()
					return stream.SendMsg(m)
				}
				for {
					var msg Envelope
					if err := stream.RecvMsg(&msg); err != nil {
						return nil
					}
					if err := handle(msg, send); err != nil {
						return err
					}
				}
			},
		}},
	}, struct{}{})

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

// Frame builds an envelope with a single key.
func Frame(key, payload string) Envelope {
	return Envelope{key: json.RawMessage(payload)}
}
