package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisip-protocol/cisip-go/internal/simulator"
	"github.com/cisip-protocol/cisip-go/pkg/catalog"
	"github.com/cisip-protocol/cisip-go/pkg/connection"
	"github.com/cisip-protocol/cisip-go/pkg/discovery"
	"github.com/cisip-protocol/cisip-go/pkg/interaction"
)

// syncBuffer is a bytes.Buffer safe for callback goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startSim(t *testing.T) (*simulator.Simulator, []string) {
	t.Helper()
	sim := simulator.New(simulator.Config{})
	require.NoError(t, sim.Start(context.Background()))
	t.Cleanup(func() { _ = sim.Stop() })

	host, port := sim.HostPort()
	return sim, []string{"-host", host, "-port", strconv.Itoa(port), "-timeout", "2s"}
}

func TestParseConfigFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: avr.local
port: 4000
timeout: 3s
rate: 5
log_level: debug
`), 0o600))

	cfg, rest, err := parseConfig([]string{"-config", path, "-port", "5000", "get", "main.power"})
	require.NoError(t, err)

	assert.Equal(t, "avr.local", cfg.Host)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.Equal(t, 5.0, cfg.Rate)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"get", "main.power"}, rest)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hots: typo\n"), 0o600))

	_, _, err := parseConfig([]string{"-config", path})
	assert.Error(t, err)
}

func TestConnectionConfig(t *testing.T) {
	cfg := Config{Timeout: time.Second, Rate: 4, KeepAlive: 5 * time.Second}
	cc := cfg.connectionConfig()

	assert.Equal(t, time.Second, cc.RequestTimeout)
	assert.InDelta(t, 4.0, float64(cc.RateLimit), 0)
	assert.Equal(t, 5*time.Second, cc.KeepAlive.PingInterval)

	cc = Config{}.connectionConfig()
	assert.Zero(t, cc.KeepAlive.PingInterval)
}

func TestRunRequiresCommand(t *testing.T) {
	err := run(context.Background(), []string{"-host", "127.0.0.1"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRunGet(t *testing.T) {
	_, flags := startSim(t)
	var out bytes.Buffer

	err := run(context.Background(), append(flags, "get", catalog.MainPower, catalog.SystemModelname), &out)
	require.NoError(t, err)
	assert.Equal(t, "main.power = on\nsystem.modelname = STR-SIM1\n", out.String())
}

func TestRunGetUnknownFeature(t *testing.T) {
	_, flags := startSim(t)
	var out bytes.Buffer

	err := run(context.Background(), append(flags, "get", "main.bogus"), &out)
	require.Error(t, err)
	var cmdErr *interaction.CommandError
	assert.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, out.String(), "main.bogus:")
}

func TestRunSet(t *testing.T) {
	sim, flags := startSim(t)
	var out bytes.Buffer

	err := run(context.Background(), append(flags, "set", catalog.MainInput, "game"), &out)
	require.NoError(t, err)
	assert.Equal(t, "main.input: ACK\n", out.String())

	v, _ := sim.Value(catalog.MainInput)
	assert.Equal(t, "game", v)
}

func TestRunSetValidatesAgainstCatalog(t *testing.T) {
	sim, flags := startSim(t)

	err := run(context.Background(), append(flags, "set", catalog.MainInput, "vinyl"), &bytes.Buffer{})
	assert.ErrorIs(t, err, catalog.ErrInvalidValue)
	assert.Empty(t, sim.Received())

	// -force sends it anyway and the receiver answers NAK.
	err = run(context.Background(), append(flags, "set", "-force", catalog.MainInput, "vinyl"), &bytes.Buffer{})
	var cmdErr *interaction.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Len(t, sim.Received(), 1)
}

func TestRunSetNoAck(t *testing.T) {
	_, flags := startSim(t)
	var out bytes.Buffer

	err := run(context.Background(), append(flags, "set", "-no-ack", catalog.MainVolumestep, "30"), &out)
	require.NoError(t, err)
	assert.Equal(t, "main.volumestep: ACK\n", out.String())
}

func TestRunStatus(t *testing.T) {
	_, flags := startSim(t)
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), append(flags, "status"), &out))
	assert.Contains(t, out.String(), "Connection: CONNECTED")
	assert.Contains(t, out.String(), "system.modelname:  STR-SIM1")
	assert.Contains(t, out.String(), "main.power:        on")
}

func TestRunFeatures(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"features", "zone2."}, &out))
	assert.Contains(t, out.String(), "zone2.power")
	assert.NotContains(t, out.String(), "main.power")

	err := run(context.Background(), []string{"features", "nothing."}, &bytes.Buffer{})
	assert.ErrorIs(t, err, catalog.ErrUnknownFeature)
}

func TestRunWatch(t *testing.T) {
	sim, flags := startSim(t)
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, append(flags, "watch", catalog.MainVolumestep), out) }()

	require.Eventually(t, func() bool { return sim.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	sim.SetValue(catalog.MainMute, "on")
	sim.SetValue(catalog.MainVolumestep, 33)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("main.volumestep = 33"))
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.NotContains(t, out.String(), "main.mute")
	assert.Contains(t, out.String(), "-> CONNECTED")
}

func TestDiscoverAndTarget(t *testing.T) {
	a, err := newApp(Config{LogLevel: "error"}, &bytes.Buffer{})
	require.NoError(t, err)
	defer a.close()

	a.browse = func(ctx context.Context, service, domain string, add, remove func(discovery.ServiceEntry)) error {
		add(discovery.ServiceEntry{
			Instance: "Living Room",
			Host:     "avr.local.",
			Port:     33336,
			Text:     []string{"model=STR-AN1000"},
			Addrs:    []string{"192.168.1.20"},
		})
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	a.out = &out
	require.NoError(t, a.dispatch(ctx, "discover", nil))
	assert.Contains(t, out.String(), "Living Room")
	assert.Contains(t, out.String(), "192.168.1.20:33336")
	assert.Contains(t, out.String(), "STR-AN1000")

	host, port, err := a.target(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", host)
	assert.Equal(t, 33336, port)
}

func TestShellCommands(t *testing.T) {
	sim, _ := startSim(t)
	host, port := sim.HostPort()

	a, err := newApp(Config{Timeout: 2 * time.Second, LogLevel: "error"}, &bytes.Buffer{})
	require.NoError(t, err)
	defer a.close()

	conn := a.newConnection()
	defer conn.Close()
	require.NoError(t, conn.Connect(context.Background(), host, port))

	out := &syncBuffer{}
	sh := newShell(a, conn, out)
	ctx := context.Background()

	assert.True(t, sh.exec(ctx, "get", []string{catalog.MainPower}))
	assert.Contains(t, out.String(), "main.power = on")

	assert.True(t, sh.exec(ctx, "sub", []string{catalog.MainInput}))
	assert.True(t, sh.exec(ctx, "set", []string{catalog.MainInput, "tuner"}))
	assert.Contains(t, out.String(), "main.input: ACK")
	require.NoError(t, conn.Flush(ctx))
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("main.input = tuner"))
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, sh.exec(ctx, "set", []string{catalog.MainInput, "vinyl"}))
	assert.Contains(t, out.String(), "invalid value")

	assert.True(t, sh.exec(ctx, "unsub", []string{catalog.MainInput}))
	assert.True(t, sh.exec(ctx, "unsub", []string{catalog.MainInput}))
	assert.Contains(t, out.String(), "not subscribed to main.input")

	assert.True(t, sh.exec(ctx, "status", nil))
	assert.Contains(t, out.String(), "state:         "+connection.StateConnected.String())

	assert.True(t, sh.exec(ctx, "bogus", nil))
	assert.Contains(t, out.String(), "Unknown command")
	assert.False(t, sh.exec(ctx, "quit", nil))
}
