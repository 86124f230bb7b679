package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"github.com/fortiblox/dagfeed/pkg/kaspad/kaspadtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedNotifier delivers a fixed list of frames and then returns err.
type scriptedNotifier struct {
	frames  []kaspad.Message
	err     error
	command string
}

func (n *scriptedNotifier) Notify(ctx context.Context, command string, params any, fn func(kaspad.Message)) error {
	n.command = command
	for _, m := range n.frames {
		fn(m)
	}
	return n.err
}

func blockFrame(payload string) kaspad.Message {
	return kaspad.Message(kaspadtest.Frame(kaspad.NotificationBlockAdded, payload))
}

func TestBlockStreamForwardsBlocks(t *testing.T) {
	frames := []kaspad.Message{
		blockFrame(`{"block":{"header":{"blueScore":"10"}}}`),
		kaspad.Message(kaspadtest.Frame("virtualDaaScoreChangedNotification", `{"virtualDaaScore":"5"}`)),
		blockFrame(`{"block":null}`),
		blockFrame(`not json`),
		blockFrame(`{}`),
		blockFrame(`{"block":{"header":{"blueScore":"11"}}}`),
	}

	tests := []struct {
		name        string
		subscribers bool
		want        []string
	}{
		{"with subscribers", true, []string{`{"header":{"blueScore":"10"}}`, `{"header":{"blueScore":"11"}}`}},
		{"without subscribers", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptedNotifier{frames: frames}
			out := &capture{}
			out.all.Store(tt.subscribers)

			s := NewBlockStream(src, out, Options{})
			assert.Equal(t, broadcast.TopicBlocks, s.Topic())

			err := s.Run(context.Background())
			assert.ErrorIs(t, err, ErrStreamEnded)
			assert.Equal(t, kaspad.CommandNotifyBlockAdded, src.command)

			got := out.list()
			require.Len(t, got, len(tt.want))
			for i, want := range tt.want {
				assert.Equal(t, broadcast.TopicBlocks, got[i].topic)
				assert.JSONEq(t, want, got[i].data)
			}
		})
	}
}

func TestBlockStreamRunErrors(t *testing.T) {
	subErr := &kaspad.RPCError{Command: kaspad.CommandNotifyBlockAdded, Message: "not supported"}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"clean end", nil, ErrStreamEnded},
		{"subscription error", subErr, subErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewBlockStream(&scriptedNotifier{err: tt.err}, &capture{}, Options{})
			assert.ErrorIs(t, s.Run(context.Background()), tt.want)
		})
	}
}

func TestBlockStreamPublishFailureKeepsStreaming(t *testing.T) {
	src := &scriptedNotifier{frames: []kaspad.Message{
		blockFrame(`{"block":{"hash":"a"}}`),
		blockFrame(`{"block":{"hash":"b"}}`),
	}}
	out := &capture{err: errors.New("hub closed")}
	out.all.Store(true)

	err := NewBlockStream(src, out, Options{}).Run(context.Background())
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.Empty(t, out.list())
}

func TestBlockStreamOverMessageStream(t *testing.T) {
	addr := kaspadtest.Start(t, func(msg kaspadtest.Envelope, send func(kaspadtest.Envelope) error) error {
		if _, ok := msg[kaspad.CommandNotifyBlockAdded]; !ok {
			return nil
		}
		if err := send(kaspadtest.Frame("notifyBlockAddedResponse", `{}`)); err != nil {
			return err
		}
		for _, hash := range []string{"aa", "bb"} {
			if err := send(kaspadtest.Frame(kaspad.NotificationBlockAdded, `{"block":{"verboseData":{"hash":"`+hash+`"}}}`)); err != nil {
				return err
			}
		}
		return nil
	})

	client, err := kaspad.NewClient(kaspad.ClientConfig{Address: addr})
	require.NoError(t, err)
	defer client.Close()

	out := &capture{}
	out.all.Store(true)
	s := NewBlockStream(client, out, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.list()) == 2 }, 5*time.Second, 10*time.Millisecond)
	got := out.list()
	assert.JSONEq(t, `{"verboseData":{"hash":"aa"}}`, got[0].data)
	assert.JSONEq(t, `{"verboseData":{"hash":"bb"}}`, got[1].data)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBlockStreamNodeClosesStream(t *testing.T) {
	addr := kaspadtest.Start(t, func(msg kaspadtest.Envelope, send func(kaspadtest.Envelope) error) error {
		if _, ok := msg[kaspad.CommandNotifyBlockAdded]; !ok {
			return nil
		}
		if err := send(kaspadtest.Frame("notifyBlockAddedResponse", `{}`)); err != nil {
			return err
		}
		return errors.New("node shutting down")
	})

	client, err := kaspad.NewClient(kaspad.ClientConfig{Address: addr})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = NewBlockStream(client, &capture{}, Options{}).Run(ctx)
	require.Error(t, err)
	assert.True(t, kaspad.IsCommunicationError(err))
	assert.NotErrorIs(t, err, ErrStreamEnded)
	assert.NoError(t, ctx.Err())
}
