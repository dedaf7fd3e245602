package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cisip-protocol/cisip-go/pkg/log"
)

func TestStreamConnSendReceive(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamConn(a, 16)
	peer := NewStreamConn(b, 64)
	defer client.Close()
	defer peer.Close()

	want := `{"id":1,"type":"get","feature":"main.power"}` + "\n"
	go func() {
		_ = client.Send([]byte(want))
	}()

	var got []byte
	for len(got) < len(want) {
		chunk, err := peer.Receive()
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		got = append(got, chunk...)
	}
	if string(got) != want {
		t.Errorf("got %q", got)
	}
}

func TestStreamConnReceiveChunksBoundedByBuffer(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamConn(a, 4)
	defer client.Close()
	defer b.Close()

	go func() { _, _ = b.Write([]byte("0123456789")) }()

	chunk, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(chunk) > 4 {
		t.Errorf("chunk length = %d, want <= 4", len(chunk))
	}
}

func TestStreamConnEOF(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamConn(a, 0)
	defer client.Close()

	b.Close()
	if _, err := client.Receive(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestStreamConnCloseUnblocksReceive(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	client := NewStreamConn(a, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Receive()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	if err := client.Send([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after Close: expected ErrConnectionClosed, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestStreamConnWriteFailureClosesStream(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamConn(a, 16)
	b.Close()

	err := client.Send([]byte(`{"id":1,"type":"get","feature":"main.power"}` + "\n"))
	if err == nil {
		t.Fatal("expected write error")
	}
	if errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("first failure should carry the write error, got %v", err)
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("stream not closed after write failure")
	}
	if err := client.Send([]byte("{}\n")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after failure = %v, want ErrConnectionClosed", err)
	}
	if _, err := client.Receive(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Receive after failure = %v, want ErrConnectionClosed", err)
	}
}

func TestStreamConnConcurrentSendsDoNotInterleave(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamConn(a, 0)
	peer := NewStreamConn(b, 4096)
	defer client.Close()
	defer peer.Close()

	const writers = 10
	record := func(i int) []byte {
		return []byte(`{"id":` + string(rune('0'+i)) + `,"type":"get","feature":"main.power"}` + "\n")
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = client.Send(record(i))
		}(i)
	}

	dec := NewDecoder()
	seen := 0
	for seen < writers {
		chunk, err := peer.Receive()
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		dec.Feed(chunk)
		for _, err := range dec.All() {
			if err != nil {
				t.Fatalf("interleaved write produced a decode fault: %v", err)
			}
			seen++
		}
	}
	wg.Wait()
}

func TestStreamConnLogsChunks(t *testing.T) {
	a, b := net.Pipe()
	client := NewStreamConn(a, 0)
	defer client.Close()
	defer b.Close()

	var mu sync.Mutex
	var events []log.Event
	client.SetLogger(log.LoggerFunc(func(e log.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}), "conn-1")

	go func() {
		buf := make([]byte, 16)
		_, _ = b.Read(buf)
		_, _ = b.Write([]byte("pong"))
	}()

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := client.Receive(); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Direction != log.DirectionOut || events[1].Direction != log.DirectionIn {
		t.Errorf("unexpected directions: %s, %s", events[0].Direction, events[1].Direction)
	}
	if events[0].ConnectionID != "conn-1" || events[0].Frame == nil || events[0].Frame.Size != 4 {
		t.Errorf("unexpected out event: %+v", events[0])
	}
}

func TestDialerConnectRefused(t *testing.T) {
	// Grab a free port, then close the listener so nothing accepts on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewDialer(DialerConfig{ConnectTimeout: time.Second}).Dial(context.Background(), addr)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Addr != addr {
		t.Errorf("expected *ConnectError for %s, got %v", addr, err)
	}
}

func TestDialerContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := NewDialer(DialerConfig{}).Dial(ctx, "127.0.0.1:1")
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConnectError, got %v", err)
	}
	if !ce.Timeout() {
		t.Errorf("expected Timeout() for expired context, err = %v", ce.Err)
	}
}

func TestDialerConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			_, _ = c.Write([]byte(`{"type":"notify","feature":"main.power","value":"on"}`))
			c.Close()
		}
	}()

	tr, err := NewDialer(DialerConfig{}).DialTransport(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer tr.Close()

	dec := NewDecoder()
	for {
		chunk, err := tr.Receive()
		if err != nil {
			t.Fatalf("Receive failed before record completed: %v", err)
		}
		dec.Feed(chunk)
		if msg, err := dec.Next(); err == nil {
			if msg.Value != "on" {
				t.Errorf("value = %v", msg.Value)
			}
			return
		}
	}
}
