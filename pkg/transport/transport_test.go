package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	ch chan []byte
}

func (h *captureHandler) HandleDatagram(_ context.Context, payload []byte, _ net.Addr, _ time.Time) {
	h.ch <- payload
}

func TestRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{
		time.Millisecond * 100,
		time.Millisecond * 200,
		time.Millisecond * 400,
		time.Millisecond * 800,
		time.Millisecond * 1600,
		time.Millisecond * 3200,
		time.Second * 5,
		time.Second * 5,
	}
	for i, w := range want {
		assert.Equal(t, w, retryDelay(i+1), "attempt %d", i+1)
	}
}

func TestIgnoreSources(t *testing.T) {
	tr, err := New(Opts{
		Handler:       &captureHandler{},
		IgnoreSources: []string{"192.168.0.0/16", "fd00::/8"},
	})
	require.NoError(t, err)

	assert.True(t, tr.ignored(&net.UDPAddr{IP: net.IPv4(192, 168, 1, 5)}))
	assert.True(t, tr.ignored(&net.UDPAddr{IP: net.ParseIP("fd00::1")}))
	assert.False(t, tr.ignored(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1)}))
	assert.False(t, tr.ignored(&net.TCPAddr{IP: net.IPv4(192, 168, 1, 5)}))
}

func TestInvalidIgnoreSources(t *testing.T) {
	_, err := New(Opts{
		Handler:       &captureHandler{},
		IgnoreSources: []string{"not-a-prefix"},
	})
	require.Error(t, err)
}

func TestOptsValidation(t *testing.T) {
	_, err := New(Opts{})
	require.Error(t, err)

	_, err = New(Opts{Handler: &captureHandler{}, DisableIPv4: true, DisableIPv6: true})
	require.Error(t, err)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	tr, err := New(Opts{Handler: &captureHandler{}})
	require.NoError(t, err)
	tr.Stop()
	tr.Stop()
}

// TestReceiveLoopDelivers runs the receive loop over a plain loopback socket
// and checks that datagrams are copied and dispatched without blocking the
// loop.
func TestReceiveLoopDelivers(t *testing.T) {
	h := &captureHandler{ch: make(chan []byte, 4)}
	tr, err := New(Opts{Handler: h})
	require.NoError(t, err)

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx := context.Background()
	loopDone := make(chan error, 1)
	go func() { loopDone <- tr.receiveLoop(ctx, ctx, conn) }()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-h.ch:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second * 2):
		t.Fatal("datagram was not delivered")
	}

	// Closing the socket is an expected exit, not an error.
	conn.Close()
	select {
	case err := <-loopDone:
		assert.NoError(t, err)
	case <-time.After(time.Second * 2):
		t.Fatal("receive loop did not exit")
	}
}

func TestReceiveLoopIgnoresFilteredSource(t *testing.T) {
	h := &captureHandler{ch: make(chan []byte, 4)}
	tr, err := New(Opts{Handler: h, IgnoreSources: []string{"127.0.0.0/8"}})
	require.NoError(t, err)

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	go tr.receiveLoop(ctx, ctx, conn)

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write([]byte("nope"))
	require.NoError(t, err)

	select {
	case <-h.ch:
		t.Fatal("ignored source was dispatched")
	case <-time.After(time.Millisecond * 300):
	}
}
