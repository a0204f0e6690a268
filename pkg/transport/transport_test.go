package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:0",
		PayloadSize:    1024,
		MinPayloadSize: 64,
		PoolSize:       64,
		BufferCount:    256,
		RequestTimeout: 5 * time.Second,
	}
}

func startNode(ctx context.Context, t *testing.T, cfg Config) (*Node, context.CancelFunc) {
	n, err := NewNode(ctx, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("node did not shut down")
		}
	})
	return n, cancel
}

func TestEchoOverLoopback(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)

	server, _ := startNode(ctx, t, testConfig())
	server.SetHandler(func(_ context.Context, req []byte) []byte {
		return append([]byte("re: "), req...)
	})

	client, _ := startNode(ctx, t, testConfig())

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reply, err := client.Call(cctx, server.LocalAddr(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("re: hello"), reply)
}

func TestMultiPacketEchoOverLoopback(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)

	server, _ := startNode(ctx, t, testConfig())
	server.SetHandler(func(_ context.Context, req []byte) []byte {
		return req
	})

	client, _ := startNode(ctx, t, testConfig())

	payload := make([]byte, 3000) // segments into 64 + 1024 + 1024 + 888
	for i := range payload {
		payload[i] = byte(i)
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reply, err := client.Call(cctx, server.LocalAddr(), payload)
	require.NoError(t, err)
	assert.Equal(t, payload, reply)
}

func TestCallTimeout(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)

	// A sink socket that swallows the request without answering.
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sink.Close()
	dst := sink.LocalAddr().(*net.UDPAddr).AddrPort()

	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	client, _ := startNode(ctx, t, cfg)

	cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
	defer ccancel()
	_, err = client.Call(cctx, dst, []byte("anyone?"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	ctx := context.Background()
	cfg, err := ConfigFromEnv(ctx)
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, 1464, cfg.PayloadSize)
	assert.Equal(t, 64, cfg.MinPayloadSize)
	assert.Equal(t, 1024, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.Timestamping)
}
