package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisip-protocol/cisip-go/pkg/interaction"
	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/transport"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// fakeReceiver is the device end of a net.Pipe. It decodes requests and
// lets the test write raw bytes back.
type fakeReceiver struct {
	conn     net.Conn
	requests chan *wire.Message
}

func newFakeReceiver(conn net.Conn) *fakeReceiver {
	r := &fakeReceiver{conn: conn, requests: make(chan *wire.Message, 16)}
	go r.read()
	return r
}

func (r *fakeReceiver) read() {
	defer close(r.requests)
	dec := transport.NewDecoder()
	buf := make([]byte, 512)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		for msg, err := range dec.All() {
			if err == nil {
				r.requests <- msg
			}
		}
	}
}

func (r *fakeReceiver) next(t *testing.T) *wire.Message {
	t.Helper()
	select {
	case msg, ok := <-r.requests:
		require.True(t, ok, "receiver stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
		return nil
	}
}

func (r *fakeReceiver) write(t *testing.T, chunks ...string) {
	t.Helper()
	for _, chunk := range chunks {
		_, err := r.conn.Write([]byte(chunk))
		require.NoError(t, err)
	}
}

func (r *fakeReceiver) reply(t *testing.T, msg *wire.Message) {
	t.Helper()
	require.NoError(t, r.send(msg))
}

func (r *fakeReceiver) send(msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	_, err = r.conn.Write(data)
	return err
}

// pipeDialer hands out in-memory transports. The first failures dials fail.
type pipeDialer struct {
	receivers chan *fakeReceiver
	failures  atomic.Int32
	dials     atomic.Int32
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{receivers: make(chan *fakeReceiver, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context, addr string) (transport.Transport, error) {
	d.dials.Add(1)
	if d.failures.Add(-1) >= 0 {
		return nil, &transport.ConnectError{Addr: addr, Err: errors.New("connection refused")}
	}
	client, server := net.Pipe()
	d.receivers <- newFakeReceiver(server)
	return transport.NewStreamConn(client, 64), nil
}

func (d *pipeDialer) receiver(t *testing.T) *fakeReceiver {
	t.Helper()
	select {
	case r := <-d.receivers:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func connectPipe(t *testing.T, config Config) (*Connection, *fakeReceiver, *pipeDialer) {
	t.Helper()
	dialer := newPipeDialer()
	config.Dial = dialer.Dial
	conn := New(config)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.Connect(context.Background(), "receiver.local", 0))
	return conn, dialer.receiver(t), dialer
}

type result struct {
	value any
	err   error
}

func goGet(conn *Connection, feature string) <-chan result {
	ch := make(chan result, 1)
	go func() {
		v, err := conn.Get(context.Background(), feature)
		ch <- result{v, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("request did not complete")
		return result{}
	}
}

func TestConnectionGet(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{})
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "receiver.local:33336", conn.RemoteAddr())
	assert.NotEmpty(t, conn.ConnID())

	res := goGet(conn, "main.power")

	req := recv.next(t)
	assert.Equal(t, wire.TypeGet, req.Type)
	assert.Equal(t, "main.power", req.Feature)
	assert.Equal(t, uint32(1), req.MessageID())

	// The record arrives split across two reads.
	recv.write(t, `{"id":1,"type":"res`, `ult","feature":"main.power","value":"on"}`+"\n")

	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, "on", r.value)
}

func TestConnectionNotifyInterleaved(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{})

	values := make(chan any, 4)
	conn.Subscribe("main.volume", func(_ string, value any) { values <- value })

	res := goGet(conn, "main.mute")
	req := recv.next(t)

	recv.write(t,
		`{"type":"notify","feature":"main.volume","value":-30}`+"garbage"+
			`{"id":1,"type":"result","feature":"main.mute","value":"off"}`,
	)

	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, "off", r.value)
	assert.Equal(t, uint32(1), req.MessageID())

	select {
	case v := <-values:
		assert.Equal(t, json.Number("-30"), v)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	assert.Equal(t, StateConnected, conn.State(), "decode faults do not end the session")
}

func TestConnectionCommandError(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Set(context.Background(), "main.volumestep", "up")
		errCh <- err
	}()
	req := recv.next(t)
	assert.Equal(t, wire.TypeSet, req.Type)
	assert.Equal(t, "up", req.Value)

	recv.reply(t, wire.NewError(req.MessageID(), req.Feature, "invalid"))

	select {
	case err := <-errCh:
		var cmdErr *interaction.CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, "invalid", cmdErr.Detail)
	case <-time.After(2 * time.Second):
		t.Fatal("set did not complete")
	}
}

func TestConnectionLost(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{})

	var (
		mu     sync.Mutex
		causes []error
	)
	conn.OnStateChange(func(from, to State, cause error) {
		if to == StateDisconnected {
			mu.Lock()
			causes = append(causes, cause)
			mu.Unlock()
		}
	})

	pending := []<-chan result{goGet(conn, "main.power"), goGet(conn, "zone2.power")}
	recv.next(t)
	recv.next(t)

	require.NoError(t, recv.conn.Close())

	for _, ch := range pending {
		r := await(t, ch)
		var lost *interaction.ConnectionLostError
		require.ErrorAs(t, r.err, &lost)
		assert.ErrorIs(t, r.err, io.EOF)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(causes) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, ListenerStopped, conn.ListenerState())
	mu.Lock()
	assert.ErrorIs(t, causes[0], io.EOF)
	mu.Unlock()

	_, err := conn.Get(context.Background(), "main.power")
	assert.ErrorIs(t, err, ErrNotConnected)
}

// failingSender wraps a transport whose writes start failing on demand.
type failingSender struct {
	transport.Transport
	broken atomic.Bool
}

var errBrokenPipe = errors.New("broken pipe")

func (f *failingSender) Send(data []byte) error {
	if f.broken.Load() {
		return errBrokenPipe
	}
	return f.Transport.Send(data)
}

func TestConnectionSendFailureEndsSession(t *testing.T) {
	var (
		sender    *failingSender
		receivers = make(chan *fakeReceiver, 1)
	)
	conn := New(Config{
		RequestTimeout: time.Minute,
		Dial: func(ctx context.Context, addr string) (transport.Transport, error) {
			client, server := net.Pipe()
			receivers <- newFakeReceiver(server)
			sender = &failingSender{Transport: transport.NewStreamConn(client, 64)}
			return sender, nil
		},
	})
	defer conn.Close()

	causes := make(chan error, 1)
	conn.OnStateChange(func(from, to State, cause error) {
		if to == StateDisconnected {
			causes <- cause
		}
	})

	require.NoError(t, conn.Connect(context.Background(), "receiver.local", 0))
	recv := <-receivers

	pending := goGet(conn, "main.power")
	recv.next(t)

	sender.broken.Store(true)
	failed := await(t, goGet(conn, "zone2.power"))
	var lost *interaction.ConnectionLostError
	require.ErrorAs(t, failed.err, &lost)
	assert.ErrorIs(t, failed.err, errBrokenPipe)

	// The other caller is released by teardown, well before its deadline.
	other := await(t, pending)
	require.ErrorAs(t, other.err, &lost)
	assert.ErrorIs(t, other.err, errBrokenPipe)
	assert.NotErrorIs(t, other.err, interaction.ErrRequestTimeout)

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, errBrokenPipe)
	case <-time.After(2 * time.Second):
		t.Fatal("session not torn down after send failure")
	}
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, ListenerStopped, conn.ListenerState())
}

func TestConnectionDisconnect(t *testing.T) {
	dialer := newPipeDialer()
	conn := New(Config{Dial: dialer.Dial})
	defer conn.Close()

	var (
		mu          sync.Mutex
		transitions []string
	)
	conn.OnStateChange(func(from, to State, cause error) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
		assert.NoError(t, cause)
	})

	require.NoError(t, conn.Connect(context.Background(), "receiver.local", 0))
	recv := dialer.receiver(t)

	res := goGet(conn, "main.power")
	recv.next(t)

	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Disconnect())

	r := await(t, res)
	var lost *interaction.ConnectionLostError
	require.ErrorAs(t, r.err, &lost)
	assert.NoError(t, lost.Cause)

	assert.Equal(t, StateDisconnected, conn.State())
	mu.Lock()
	assert.Equal(t, []string{
		"DISCONNECTED>CONNECTING",
		"CONNECTING>CONNECTED",
		"CONNECTED>DISCONNECTING",
		"DISCONNECTING>DISCONNECTED",
	}, transitions)
	mu.Unlock()
}

func TestConnectionAlreadyConnected(t *testing.T) {
	conn, _, _ := connectPipe(t, Config{})

	err := conn.Connect(context.Background(), "receiver.local", 0)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectionConnectFailure(t *testing.T) {
	dialer := newPipeDialer()
	dialer.failures.Store(1)
	conn := New(Config{Dial: dialer.Dial})
	defer conn.Close()

	err := conn.Connect(context.Background(), "receiver.local", 0)

	var connErr *transport.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, transport.ErrConnect)
	assert.Equal(t, StateDisconnected, conn.State())

	require.NoError(t, conn.Connect(context.Background(), "receiver.local", 0))
	assert.True(t, conn.IsConnected())
}

func TestConnectionClosed(t *testing.T) {
	conn, _, _ := connectPipe(t, Config{})

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Connect(context.Background(), "receiver.local", 0), ErrClosed)
}

func TestConnectionCloseFromNotificationCallback(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{})

	returned := make(chan error, 1)
	conn.Subscribe("main.power", func(string, any) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		flushErr := conn.Flush(ctx)
		_ = conn.Close()
		returned <- flushErr
	})

	recv.reply(t, wire.NewNotify("main.power", "off"))
	select {
	case err := <-returned:
		assert.ErrorIs(t, err, interaction.ErrFlushInCallback)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked inside a notification callback")
	}

	assert.Equal(t, StateDisconnected, conn.State())
	assert.ErrorIs(t, conn.Connect(context.Background(), "receiver.local", 0), ErrClosed)
}

func TestConnectionSubscriptionsSurviveReconnect(t *testing.T) {
	dialer := newPipeDialer()
	conn := New(Config{Dial: dialer.Dial})
	defer conn.Close()

	values := make(chan any, 4)
	conn.Subscribe(interaction.AllFeatures, func(_ string, value any) { values <- value })

	require.NoError(t, conn.Connect(context.Background(), "receiver.local", 0))
	first := dialer.receiver(t)
	res := goGet(conn, "main.power")
	first.reply(t, wire.NewResult(first.next(t).MessageID(), "main.power", "on"))
	require.NoError(t, await(t, res).err)

	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Connect(context.Background(), "receiver.local", 0))
	second := dialer.receiver(t)

	res = goGet(conn, "main.power")
	req := second.next(t)
	assert.Equal(t, uint32(1), req.MessageID(), "id table starts over per session")
	second.reply(t, wire.NewResult(req.MessageID(), "main.power", "on"))
	require.NoError(t, await(t, res).err)

	second.reply(t, wire.NewNotify("main.input", "bd"))
	select {
	case v := <-values:
		assert.Equal(t, "bd", v)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered after reconnect")
	}
}

func TestConnectionSetAckAndPing(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{})

	go func() {
		for req := range recv.requests {
			switch req.Type {
			case wire.TypeSet:
				_ = recv.send(wire.NewResult(req.MessageID(), req.Feature, wire.ResponseACK))
			case wire.TypeGet:
				_ = recv.send(wire.NewResult(req.MessageID(), req.Feature, "on"))
			}
		}
	}()

	require.NoError(t, conn.SetAck(context.Background(), "main.mute", "on"))

	rtt, err := conn.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rtt)

	msg, err := conn.Request(context.Background(), wire.TypeGet, "main.power", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "main.power", msg.Feature)
}

func TestConnectionRequestTimeout(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{RequestTimeout: 40 * time.Millisecond})

	res := goGet(conn, "main.power")
	req := recv.next(t)

	r := await(t, res)
	var timeoutErr *interaction.TimeoutError
	require.ErrorAs(t, r.err, &timeoutErr)

	// A late answer is ignored and the session stays up.
	recv.reply(t, wire.NewResult(req.MessageID(), "main.power", "on"))
	assert.Equal(t, StateConnected, conn.State())
	assert.Zero(t, conn.Stats().Pending)
}

func TestConnectionKeepAliveTimeout(t *testing.T) {
	conn, recv, _ := connectPipe(t, Config{
		KeepAlive: transport.KeepAliveConfig{
			PingInterval: 20 * time.Millisecond,
			PingTimeout:  20 * time.Millisecond,
			MaxMissed:    2,
		},
	})

	causes := make(chan error, 1)
	conn.OnStateChange(func(from, to State, cause error) {
		if to == StateDisconnected {
			causes <- cause
		}
	})

	go func() {
		for range recv.requests {
		}
	}()

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, ErrKeepAliveTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("keep-alive did not drop the session")
	}
}

func TestConnectionDecodeFaultLogged(t *testing.T) {
	var (
		mu     sync.Mutex
		events []log.Event
	)
	conn, recv, _ := connectPipe(t, Config{
		ProtocolLogger: log.LoggerFunc(func(ev log.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}),
	})

	res := goGet(conn, "main.power")
	req := recv.next(t)
	recv.write(t, `{"id":"x","type":7}`+"\n")
	recv.reply(t, wire.NewResult(req.MessageID(), "main.power", "on"))
	require.NoError(t, await(t, res).err)

	mu.Lock()
	defer mu.Unlock()
	var faults int
	for _, ev := range events {
		if ev.Category == log.CategoryError && ev.Error != nil && ev.Error.Context == "decode" {
			faults++
			assert.Equal(t, conn.ConnID(), ev.ConnectionID)
		}
	}
	assert.Equal(t, 1, faults)
}

func TestWith(t *testing.T) {
	dialer := newPipeDialer()

	var inside State
	err := With(context.Background(), Config{Dial: dialer.Dial}, "receiver.local", 0, func(c *Connection) error {
		inside = c.State()
		return errors.New("done")
	})

	assert.EqualError(t, err, "done")
	assert.Equal(t, StateConnected, inside)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManagerReconnect(t *testing.T) {
	dialer := newPipeDialer()
	conn := New(Config{Dial: dialer.Dial})
	defer conn.Close()

	var attempts atomic.Int32
	m := NewManager(conn, "receiver.local", 0, ManagerConfig{
		Backoff: BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Jitter: -1},
		OnReconnecting: func(int, time.Duration) {
			attempts.Add(1)
		},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	first := dialer.receiver(t)
	require.Eventually(t, conn.IsConnected, 2*time.Second, 5*time.Millisecond)

	dialer.failures.Store(2)
	require.NoError(t, first.conn.Close())

	second := dialer.receiver(t)
	require.Eventually(t, conn.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	require.Eventually(t, func() bool { return m.Attempts() == 0 }, 2*time.Second, 5*time.Millisecond)

	res := goGet(conn, "main.power")
	second.reply(t, wire.NewResult(second.next(t).MessageID(), "main.power", "on"))
	require.NoError(t, await(t, res).err)
}

func TestManagerLeavesExplicitDisconnect(t *testing.T) {
	dialer := newPipeDialer()
	conn := New(Config{Dial: dialer.Dial})
	defer conn.Close()

	m := NewManager(conn, "receiver.local", 0, ManagerConfig{
		Backoff: BackoffConfig{Initial: 5 * time.Millisecond},
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	dialer.receiver(t)
	require.Eventually(t, conn.IsConnected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Disconnect())
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManagerGiveUp(t *testing.T) {
	dialer := newPipeDialer()
	dialer.failures.Store(100)
	conn := New(Config{Dial: dialer.Dial})
	defer conn.Close()

	gaveUp := make(chan error, 1)
	m := NewManager(conn, "receiver.local", 0, ManagerConfig{
		Backoff:     BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond},
		MaxAttempts: 2,
		OnGiveUp:    func(err error) { gaveUp <- err },
	})
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	select {
	case err := <-gaveUp:
		assert.ErrorIs(t, err, transport.ErrConnect)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not give up")
	}
	assert.Equal(t, int32(3), dialer.dials.Load())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestManagerClosed(t *testing.T) {
	conn := New(Config{Dial: newPipeDialer().Dial})
	defer conn.Close()

	m := NewManager(conn, "receiver.local", 0, ManagerConfig{})
	m.Close()
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerClosed)
}

func TestBackoff(t *testing.T) {
	t.Run("sequence", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Jitter: -1})

		want := []time.Duration{
			500 * time.Millisecond,
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			30 * time.Second,
			30 * time.Second,
		}
		for i, w := range want {
			assert.Equal(t, w, b.Next(), "attempt %d", i)
		}
		assert.Equal(t, len(want), b.Attempts())
	})

	t.Run("jitter", func(t *testing.T) {
		b := NewBackoff()
		for range 20 {
			b.Reset()
			d := b.Next()
			assert.GreaterOrEqual(t, d, InitialBackoff)
			assert.LessOrEqual(t, d, time.Duration(float64(InitialBackoff)*(1+JitterFactor)))
		}
	})

	t.Run("reset", func(t *testing.T) {
		b := NewBackoff()
		for range 4 {
			b.Next()
		}
		require.Greater(t, b.Current(), InitialBackoff)

		b.Reset()
		assert.Equal(t, InitialBackoff, b.Current())
		assert.Zero(t, b.Attempts())
	})

	t.Run("custom", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Initial:    100 * time.Millisecond,
			Max:        250 * time.Millisecond,
			Multiplier: 3,
			Jitter:     -1,
		})
		assert.Equal(t, 100*time.Millisecond, b.Next())
		assert.Equal(t, 250*time.Millisecond, b.Next())
		assert.Equal(t, 250*time.Millisecond, b.Next())
	})
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state fmtStringer
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateDisconnecting, "DISCONNECTING"},
		{State(99), "UNKNOWN"},
		{ListenerIdle, "IDLE"},
		{ListenerRunning, "RUNNING"},
		{ListenerStopped, "STOPPED"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

type fmtStringer interface{ String() string }
