package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cisip-protocol/cisip-go/pkg/interaction/mocks"
	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// replyWith returns a Send implementation that decodes each request and
// feeds the records built by reply back into the client.
func replyWith(t *testing.T, c **Client, reply func(req *wire.Message) []*wire.Message) func([]byte) error {
	return func(data []byte) error {
		req, err := wire.DecodeMessage(data)
		require.NoError(t, err)
		for _, msg := range reply(req) {
			assert.NoError(t, (*c).HandleMessage(msg))
		}
		return nil
	}
}

func TestClientGet(t *testing.T) {
	sender := mocks.NewMockSender(t)
	var client *Client
	client = NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	sender.EXPECT().Send(mock.Anything).RunAndReturn(replyWith(t, &client, func(req *wire.Message) []*wire.Message {
		assert.Equal(t, wire.TypeGet, req.Type)
		assert.Equal(t, "main.power", req.Feature)
		assert.Nil(t, req.Value)
		return []*wire.Message{wire.NewResult(req.MessageID(), req.Feature, "on")}
	})).Once()

	value, err := client.Get(context.Background(), "main.power")
	require.NoError(t, err)
	assert.Equal(t, "on", value)
	assert.Zero(t, client.Table().Len())
}

func TestClientFirstRequestUsesMinID(t *testing.T) {
	sender := mocks.NewMockSender(t)
	var client *Client
	client = NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	var ids []uint32
	sender.EXPECT().Send(mock.Anything).RunAndReturn(replyWith(t, &client, func(req *wire.Message) []*wire.Message {
		ids = append(ids, req.MessageID())
		return []*wire.Message{wire.NewResult(req.MessageID(), req.Feature, "on")}
	})).Times(2)

	_, err := client.Get(context.Background(), "main.power")
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "main.mute")
	require.NoError(t, err)

	assert.Equal(t, []uint32{1, 2}, ids)
}

func TestClientCommandError(t *testing.T) {
	sender := mocks.NewMockSender(t)
	var client *Client
	client = NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	sender.EXPECT().Send(mock.Anything).RunAndReturn(replyWith(t, &client, func(req *wire.Message) []*wire.Message {
		return []*wire.Message{wire.NewError(req.MessageID(), req.Feature, "invalid")}
	})).Once()

	_, err := client.Set(context.Background(), "main.volumestep", "up")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "invalid", cmdErr.Detail)
	assert.Equal(t, "main.volumestep", cmdErr.Feature)
	assert.ErrorIs(t, err, ErrCommand)
	assert.Zero(t, client.Table().Len())
}

func TestClientNotifyBeforeResult(t *testing.T) {
	sender := mocks.NewMockSender(t)
	var client *Client
	client = NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	notified := make(chan any, 1)
	client.Subscribe("main.power", func(_ string, value any) {
		notified <- value
	})

	sender.EXPECT().Send(mock.Anything).RunAndReturn(replyWith(t, &client, func(req *wire.Message) []*wire.Message {
		return []*wire.Message{
			wire.NewNotify("main.power", "on"),
			wire.NewResult(req.MessageID(), req.Feature, "ACK"),
		}
	})).Once()

	require.NoError(t, client.SetAck(context.Background(), "main.power", "on"))

	select {
	case value := <-notified:
		assert.Equal(t, "on", value)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestClientSetAck(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		wantErr bool
	}{
		{name: "ack", answer: wire.ResponseACK},
		{name: "nak", answer: wire.ResponseNAK, wantErr: true},
		{name: "err", answer: wire.ResponseERR, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := mocks.NewMockSender(t)
			var client *Client
			client = NewClient(sender, ClientConfig{})
			defer client.Close(nil)

			sender.EXPECT().Send(mock.Anything).RunAndReturn(replyWith(t, &client, func(req *wire.Message) []*wire.Message {
				return []*wire.Message{wire.NewResult(req.MessageID(), req.Feature, tt.answer)}
			})).Once()

			err := client.SetAck(context.Background(), "main.mute", "on")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var cmdErr *CommandError
			require.ErrorAs(t, err, &cmdErr)
			assert.Equal(t, tt.answer, cmdErr.Detail)
		})
	}
}

func TestClientSetNilValue(t *testing.T) {
	sender := mocks.NewMockSender(t)
	var client *Client
	client = NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	sender.EXPECT().Send(mock.Anything).RunAndReturn(func(data []byte) error {
		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, "null", string(raw["value"]))

		id := uint32(0)
		require.NoError(t, json.Unmarshal(raw["id"], &id))
		return client.HandleMessage(wire.NewResult(id, "main.reset", wire.ResponseACK))
	}).Once()

	answer, err := client.Set(context.Background(), "main.reset", nil)
	require.NoError(t, err)
	assert.Equal(t, wire.ResponseACK, answer)
}

func TestClientTimeout(t *testing.T) {
	sender := mocks.NewMockSender(t)
	client := NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	var sentID uint32
	sender.EXPECT().Send(mock.Anything).RunAndReturn(func(data []byte) error {
		req, err := wire.DecodeMessage(data)
		require.NoError(t, err)
		sentID = req.MessageID()
		return nil
	}).Once()

	start := time.Now()
	_, err := client.Request(context.Background(), wire.TypeGet, "main.power", nil, 50*time.Millisecond)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "main.power", timeoutErr.Feature)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, client.Table().Len())

	late := wire.NewResult(sentID, "main.power", "on")
	assert.ErrorIs(t, client.HandleMessage(late), ErrUnexpectedReply)
}

func TestClientContextCancel(t *testing.T) {
	sender := mocks.NewMockSender(t)
	client := NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	sender.EXPECT().Send(mock.Anything).Return(nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, "main.power")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, client.Table().Len())
}

func TestClientSendFailure(t *testing.T) {
	sender := mocks.NewMockSender(t)
	client := NewClient(sender, ClientConfig{})
	defer client.Close(nil)

	broken := errors.New("broken pipe")
	sender.EXPECT().Send(mock.Anything).Return(broken).Once()

	_, err := client.Get(context.Background(), "main.power")

	var lost *ConnectionLostError
	require.ErrorAs(t, err, &lost)
	assert.ErrorIs(t, err, broken)
	assert.Zero(t, client.Table().Len())
}

func TestClientCloseFailsPending(t *testing.T) {
	sender := mocks.NewMockSender(t)
	client := NewClient(sender, ClientConfig{})

	sender.EXPECT().Send(mock.Anything).Return(nil).Times(3)

	features := []string{"main.power", "main.volume", "zone2.power"}
	errs := make(chan error, len(features))
	var wg sync.WaitGroup
	for _, feature := range features {
		wg.Go(func() {
			_, err := client.Get(context.Background(), feature)
			errs <- err
		})
	}

	require.Eventually(t, func() bool {
		return len(client.Table().Pending()) == len(features)
	}, 2*time.Second, 5*time.Millisecond)

	cause := errors.New("connection reset by peer")
	client.Close(cause)
	client.Close(cause)
	wg.Wait()
	close(errs)

	count := 0
	for err := range errs {
		count++
		var lost *ConnectionLostError
		require.ErrorAs(t, err, &lost)
		assert.ErrorIs(t, err, cause)
	}
	assert.Equal(t, len(features), count)
	assert.Zero(t, client.Table().Len())

	_, err := client.Get(context.Background(), "main.power")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientInvalidRequest(t *testing.T) {
	client := NewClient(mocks.NewMockSender(t), ClientConfig{})
	defer client.Close(nil)

	_, err := client.Request(context.Background(), wire.TypeNotify, "main.power", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = client.Request(context.Background(), wire.TypeGet, "", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestClientLimiter(t *testing.T) {
	limiter := mocks.NewMockLimiter(t)
	client := NewClient(mocks.NewMockSender(t), ClientConfig{Limiter: limiter})
	defer client.Close(nil)

	limiter.EXPECT().Wait(mock.Anything).Return(context.Canceled).Once()

	_, err := client.Get(context.Background(), "main.power")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, client.Table().Len())
}

func TestClientHandleMessageAnomalies(t *testing.T) {
	var events []log.Event
	client := NewClient(mocks.NewMockSender(t), ClientConfig{
		ProtocolLogger: log.LoggerFunc(func(ev log.Event) { events = append(events, ev) }),
		ConnID:         "conn-1",
	})
	defer client.Close(nil)

	tests := []struct {
		name string
		msg  *wire.Message
	}{
		{name: "request from receiver", msg: wire.NewRequest(4, wire.TypeGet, "main.power", nil)},
		{name: "unknown result", msg: wire.NewResult(77, "main.power", "on")},
		{name: "unknown error", msg: wire.NewError(78, "main.power", "invalid")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, client.HandleMessage(tt.msg), ErrUnexpectedReply)
		})
	}

	var anomalies int
	for _, ev := range events {
		assert.Equal(t, "conn-1", ev.ConnectionID)
		if ev.Category == log.CategoryError {
			anomalies++
		}
	}
	assert.Equal(t, len(tests), anomalies)
}

func TestClientProtocolLog(t *testing.T) {
	var (
		mu     sync.Mutex
		events []log.Event
	)
	sender := mocks.NewMockSender(t)
	var client *Client
	client = NewClient(sender, ClientConfig{
		ProtocolLogger: log.LoggerFunc(func(ev log.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}),
	})
	defer client.Close(nil)

	sender.EXPECT().Send(mock.Anything).RunAndReturn(replyWith(t, &client, func(req *wire.Message) []*wire.Message {
		return []*wire.Message{wire.NewResult(req.MessageID(), req.Feature, "-35.5")}
	})).Once()

	_, err := client.Get(context.Background(), "main.volume")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)

	out, in := events[0], events[1]
	assert.Equal(t, log.DirectionOut, out.Direction)
	require.NotNil(t, out.Message)
	assert.Equal(t, "get", out.Message.Type)
	assert.Nil(t, out.Message.Latency)

	assert.Equal(t, log.DirectionIn, in.Direction)
	require.NotNil(t, in.Message)
	assert.Equal(t, "result", in.Message.Type)
	assert.Equal(t, "-35.5", in.Message.Value)
	assert.NotNil(t, in.Message.Latency)
}

func TestClientSharedRegistry(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	defer registry.Close()

	rec := &recorder{}
	registry.Subscribe(AllFeatures, rec.callback("all"))

	first := NewClient(mocks.NewMockSender(t), ClientConfig{Registry: registry})
	require.NoError(t, first.HandleMessage(wire.NewNotify("main.power", "on")))
	first.Close(nil)

	second := NewClient(mocks.NewMockSender(t), ClientConfig{Registry: registry})
	defer second.Close(nil)
	require.NoError(t, second.HandleMessage(wire.NewNotify("main.power", "off")))

	flush(t, registry)
	assert.Equal(t, []string{"all:main.power", "all:main.power"}, rec.snapshot())
}
