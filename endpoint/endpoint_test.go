package endpoint

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bustunnel/bus"
	"bustunnel/config"
	"bustunnel/loopsuppress"
)

type noopRouter struct{}

func (noopRouter) MatchesAny(string) bool { return false }
func (noopRouter) FanOut(string, []byte, *Endpoint) {}

func listenLoopback(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func awaitMessage(t *testing.T, ch chan bus.Message, timeout time.Duration) bus.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(timeout):
		t.Fatal("timed out waiting for bus delivery")
		return bus.Message{}
	}
}

func TestTCPEcho(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()

	serverBus := bus.New()
	clientBus := bus.New()
	logger := zap.NewNop()

	received := make(chan bus.Message, 1)
	_, err := serverBus.Subscribe(".*", func(m bus.Message) { received <- m })
	require.NoError(t, err)

	acceptDone := make(chan *Endpoint, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		ep, err := AcceptServer(conn, noopRouter{}, serverBus, loopsuppress.New(), logger, false)
		require.NoError(t, err)
		acceptDone <- ep
	}()

	link := &config.Link{
		Name:         "client",
		ServerAddr:   "127.0.0.1",
		ServerPort:   port,
		ChannelsSend: ".*",
		ChannelsRecv: "$^", // nothing; this test only checks client -> server
		MaxDelayMs:   5,
	}
	clientEp, err := ConnectClient(link, noopRouter{}, clientBus, loopsuppress.New(), logger, false)
	require.NoError(t, err)
	defer clientEp.Close()

	serverEp := <-acceptDone
	defer serverEp.Close()

	require.NoError(t, clientBus.Publish(bus.Message{Channel: "A", Payload: []byte("hello")}))

	got := awaitMessage(t, received, time.Second)
	assert.Equal(t, "A", got.Channel)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestUDPWithFECRoundTrip(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()

	serverBus := bus.New()
	clientBus := bus.New()
	logger := zap.NewNop()

	received := make(chan bus.Message, 1)
	_, err := serverBus.Subscribe(".*", func(m bus.Message) { received <- m })
	require.NoError(t, err)

	acceptDone := make(chan *Endpoint, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		ep, err := AcceptServer(conn, noopRouter{}, serverBus, loopsuppress.New(), logger, false)
		require.NoError(t, err)
		acceptDone <- ep
	}()

	link := &config.Link{
		Name:         "client",
		ServerAddr:   "127.0.0.1",
		ServerPort:   port,
		ChannelsSend: ".*",
		ChannelsRecv: "$^",
		UDP:          true,
		FECFactor:    2.0,
		MaxDelayMs:   5,
	}
	clientEp, err := ConnectClient(link, noopRouter{}, clientBus, loopsuppress.New(), logger, false)
	require.NoError(t, err)
	defer clientEp.Close()

	serverEp := <-acceptDone
	defer serverEp.Close()

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, clientBus.Publish(bus.Message{Channel: "BIGCHAN", Payload: payload}))

	got := awaitMessage(t, received, 2*time.Second)
	assert.Equal(t, "BIGCHAN", got.Channel)
	assert.Equal(t, payload, got.Payload)
}

func TestTCPAgeDropsStaleMessages(t *testing.T) {
	ln, port := listenLoopback(t)
	defer ln.Close()

	serverBus := bus.New()
	clientBus := bus.New()
	logger := zap.NewNop()

	received := make(chan bus.Message, 4)
	_, err := serverBus.Subscribe(".*", func(m bus.Message) { received <- m })
	require.NoError(t, err)

	acceptDone := make(chan *Endpoint, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		ep, err := AcceptServer(conn, noopRouter{}, serverBus, loopsuppress.New(), logger, false)
		require.NoError(t, err)
		acceptDone <- ep
	}()

	link := &config.Link{
		Name:         "client",
		ServerAddr:   "127.0.0.1",
		ServerPort:   port,
		ChannelsSend: ".*",
		ChannelsRecv: "$^",
		MaxDelayMs:   200, // hold the batch long enough for the message to age out
		TCPMaxAgeMs:  20,
	}
	clientEp, err := ConnectClient(link, noopRouter{}, clientBus, loopsuppress.New(), logger, false)
	require.NoError(t, err)
	defer clientEp.Close()

	serverEp := <-acceptDone
	defer serverEp.Close()

	require.NoError(t, clientBus.Publish(bus.Message{Channel: "STALE", Payload: []byte("x")}))

	select {
	case m := <-received:
		t.Fatalf("expected the aged message to be dropped, got %+v", m)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestConnectClientBadAddress(t *testing.T) {
	link := &config.Link{
		Name:         "client",
		ServerAddr:   "127.0.0.1",
		ServerPort:   1, // nothing listening
		ChannelsSend: ".*",
		ChannelsRecv: ".*",
	}
	_, err := ConnectClient(link, noopRouter{}, bus.New(), loopsuppress.New(), zap.NewNop(), false)
	assert.Error(t, err)
}

func TestAddrPortHelper(t *testing.T) {
	_, portStr, err := net.SplitHostPort("127.0.0.1:4242")
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	assert.Equal(t, 4242, port)
}
