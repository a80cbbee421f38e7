// Package endpoint implements one peer tunnel connection: the handshake
// state machine, the receive decoder, the transmit path (UDP or TCP), the
// loop-suppression hook, and lifecycle. Rather than a single-threaded
// reactor multiplexing every endpoint's sockets on one thread, each
// endpoint gets its own blocking receive goroutine plus one dedicated send
// goroutine — Go's netpoller already multiplexes blocked goroutines across
// an OS thread pool, so a manual epoll-style watch loop buys nothing here.
package endpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"bustunnel/bus"
	"bustunnel/config"
	"bustunnel/fragment"
	"bustunnel/loopsuppress"
	"bustunnel/sendqueue"
	"bustunnel/wire"
)

// Phase is the handshake/streaming state of an Endpoint. It updates as the
// connection progresses so callers (tests, diagnostics) can observe where a
// connection is stuck.
type Phase int

const (
	PhaseServerInit Phase = iota
	PhaseAwaitClientMsg
	PhaseClientInit
	PhaseAwaitServerMsg
	PhaseStreamingTCP
	PhaseStreamingUDP
	PhaseClosed
)

// Router is the subset of the tunnel server (package tunnelserver) an
// endpoint needs. Defined here, rather than depended on from tunnelserver,
// so the two packages don't import each other.
type Router interface {
	// MatchesAny reports whether any live endpoint's forward regex matches
	// channel, used only to decide whether a self-tagged message dropped by
	// the loop suppressor is worth a warning.
	MatchesAny(channel string) bool

	// FanOut relays channel/payload directly to every other live endpoint
	// whose forward regex matches, skipping origin. This is the actual
	// peer-to-peer delivery path for multi-peer hubs: it bypasses the bus
	// and the loop suppressor entirely, since those exist to keep an
	// endpoint's own subscription from re-forwarding its own traffic, not
	// to arbitrate delivery between distinct peers.
	FanOut(channel string, payload []byte, origin *Endpoint)
}

// maxSendBufferSize is the send queue byte cap.
const maxSendBufferSize = 4 * 1024 * 1024

// maxControlFrameSize caps the handshake's length-prefixed frame; a
// remote-supplied length is otherwise trusted outright.
const maxControlFrameSize = 1 << 20

// Endpoint is one peer connection.
type Endpoint struct {
	Name string // "host:port", used in every log line

	bus        bus.Bus
	router     Router
	suppressor *loopsuppress.Suppressor
	logger     *zap.Logger
	verbose    bool

	params wire.TunnelParams

	conn    net.Conn
	udpConn *net.UDPConn

	sendQueue *sendqueue.Queue
	seq       int32
	reasm     *fragment.Reassembler

	subscription   bus.Subscription
	forwardPattern *regexp.Regexp

	phaseMu sync.Mutex
	phase   Phase

	closeOnce sync.Once
	closed    chan struct{}
	sendWG    sync.WaitGroup
	recvWG    sync.WaitGroup

	errMu          sync.Mutex
	lastErrLogTime time.Time
	errorStreakAt  time.Time
}

func (e *Endpoint) setPhase(p Phase) {
	e.phaseMu.Lock()
	e.phase = p
	e.phaseMu.Unlock()
}

// CurrentPhase returns the endpoint's handshake/streaming phase.
func (e *Endpoint) CurrentPhase() Phase {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	return e.phase
}

func newEndpoint(name string, b bus.Bus, r Router, s *loopsuppress.Suppressor, logger *zap.Logger, verbose bool) *Endpoint {
	return &Endpoint{
		Name:       name,
		bus:        b,
		router:     r,
		suppressor: s,
		logger:     logger,
		verbose:    verbose,
		closed:     make(chan struct{}),
	}
}

// AcceptServer builds the server-side endpoint for a freshly accepted TCP
// connection and runs the handshake.
func AcceptServer(conn net.Conn, router Router, b bus.Bus, suppressor *loopsuppress.Suppressor, logger *zap.Logger, verbose bool) (*Endpoint, error) {
	e := newEndpoint(conn.RemoteAddr().String(), b, router, suppressor, logger, verbose)
	e.conn = conn
	e.setPhase(PhaseServerInit)

	e.setPhase(PhaseAwaitClientMsg)
	payload, err := wire.DecodeLengthPrefixed(conn, maxControlFrameSize)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("endpoint %s: handshake read: %w", e.Name, err)
	}
	params, err := wire.DecodeTunnelParams(payload)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("endpoint %s: decode tunnel params: %w", e.Name, err)
	}
	e.params = params

	if params.UDP {
		if err := e.serverSetupUDP(conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	e.sendQueue = sendqueue.New(maxSendBufferSize, isTimesync)
	e.sendQueue.OnDrop = e.logDrop
	e.subscribeForward(params.ChannelRegex)

	e.sendWG.Add(1)
	go e.sendLoop()

	if params.UDP {
		e.setPhase(PhaseStreamingUDP)
		e.reasm = fragment.NewReassembler(params.FECFactor)
		e.recvWG.Add(1)
		go e.udpReceiveLoop()
	} else {
		e.setPhase(PhaseStreamingTCP)
		e.recvWG.Add(1)
		go e.tcpReceiveLoop()
	}

	logger.Info("accepted tunnel connection",
		zap.String("endpoint", e.Name),
		zap.Bool("udp", params.UDP),
		zap.String("forward_regex", params.ChannelRegex))
	return e, nil
}

// serverSetupUDP binds a local UDP socket, replies with its port, connects
// it to the client's announced port, and closes the now-unneeded TCP
// connection.
func (e *Endpoint) serverSetupUDP(conn net.Conn) error {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("endpoint %s: bind udp: %w", e.Name, err)
	}
	localPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	reply := wire.TunnelParams{UDPPort: uint16(localPort)}
	if _, err := conn.Write(wire.EncodeLengthPrefixed(wire.EncodeTunnelParams(reply))); err != nil {
		udpConn.Close()
		return fmt.Errorf("endpoint %s: send udp-port reply: %w", e.Name, err)
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("endpoint %s: parse peer addr: %w", e.Name, err)
	}
	peerAddr := &net.UDPAddr{IP: net.ParseIP(host), Port: int(e.params.UDPPort)}
	if err := udpConn.Close(); err != nil {
		return err
	}
	dialed, err := net.DialUDP("udp", &net.UDPAddr{Port: localPort}, peerAddr)
	if err != nil {
		return fmt.Errorf("endpoint %s: connect udp to peer: %w", e.Name, err)
	}
	e.udpConn = dialed

	conn.Close()
	e.conn = nil
	return nil
}

// ConnectClient dials out to a configured peer and runs the client side of
// the handshake.
func ConnectClient(link *config.Link, router Router, b bus.Bus, suppressor *loopsuppress.Suppressor, logger *zap.Logger, verbose bool) (*Endpoint, error) {
	addr := net.JoinHostPort(link.ServerAddr, strconv.Itoa(link.ServerPort))
	conn, err := dialFast(addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: connect to %s: %w", addr, err)
	}

	e := newEndpoint(conn.RemoteAddr().String(), b, router, suppressor, logger, verbose)
	e.conn = conn
	e.setPhase(PhaseClientInit)

	var localUDPPort uint16
	var localUDPConn *net.UDPConn
	if link.UDP {
		localUDPConn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("endpoint %s: bind udp: %w", e.Name, err)
		}
		localUDPPort = uint16(localUDPConn.LocalAddr().(*net.UDPAddr).Port)
	}

	request := wire.TunnelParams{
		ChannelRegex: link.ChannelsRecv,
		UDP:          link.UDP,
		FECFactor:    link.FECFactor,
		MaxDelayMs:   uint32(link.MaxDelayMs),
		TCPMaxAgeMs:  uint32(link.TCPMaxAgeMs),
		UDPPort:      localUDPPort,
	}
	if _, err := conn.Write(wire.EncodeLengthPrefixed(wire.EncodeTunnelParams(request))); err != nil {
		conn.Close()
		if localUDPConn != nil {
			localUDPConn.Close()
		}
		return nil, fmt.Errorf("endpoint %s: send subscription request: %w", e.Name, err)
	}
	// The local send-side parameters govern this endpoint's own transmit
	// path; what we asked the server to send us (ChannelRegex above) is
	// separate from what we forward to the server (link.ChannelsSend).
	e.params = wire.TunnelParams{
		UDP:         link.UDP,
		FECFactor:   link.FECFactor,
		MaxDelayMs:  uint32(link.MaxDelayMs),
		TCPMaxAgeMs: uint32(link.TCPMaxAgeMs),
	}

	e.sendQueue = sendqueue.New(maxSendBufferSize, isTimesync)
	e.sendQueue.OnDrop = e.logDrop
	e.subscribeForward(link.ChannelsSend)

	if link.UDP {
		e.setPhase(PhaseAwaitServerMsg)
		payload, err := wire.DecodeLengthPrefixed(conn, maxControlFrameSize)
		if err != nil {
			conn.Close()
			localUDPConn.Close()
			return nil, fmt.Errorf("endpoint %s: read udp-port reply: %w", e.Name, err)
		}
		reply, err := wire.DecodeTunnelParams(payload)
		if err != nil {
			conn.Close()
			localUDPConn.Close()
			return nil, fmt.Errorf("endpoint %s: decode udp-port reply: %w", e.Name, err)
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		localUDPConn.Close()
		dialed, err := net.DialUDP("udp", &net.UDPAddr{Port: int(localUDPPort)}, &net.UDPAddr{IP: net.ParseIP(host), Port: int(reply.UDPPort)})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("endpoint %s: connect udp to peer: %w", e.Name, err)
		}
		e.udpConn = dialed
		conn.Close()
		e.conn = nil

		e.setPhase(PhaseStreamingUDP)
		e.reasm = fragment.NewReassembler(link.FECFactor)
		e.recvWG.Add(1)
		go e.udpReceiveLoop()
	} else {
		e.setPhase(PhaseStreamingTCP)
		e.recvWG.Add(1)
		go e.tcpReceiveLoop()
	}

	e.sendWG.Add(1)
	go e.sendLoop()

	logger.Info("connected to tunnel peer",
		zap.String("endpoint", e.Name),
		zap.Bool("udp", link.UDP),
		zap.String("send_regex", link.ChannelsSend),
		zap.String("recv_regex", link.ChannelsRecv))
	return e, nil
}

func (e *Endpoint) subscribeForward(pattern string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		e.logger.Error("invalid forward regex, endpoint will forward nothing",
			zap.String("endpoint", e.Name), zap.Error(err))
		return
	}
	e.forwardPattern = re

	sub, err := e.bus.Subscribe(pattern, e.onBusMessage)
	if err != nil {
		e.logger.Error("invalid forward regex, endpoint will forward nothing",
			zap.String("endpoint", e.Name), zap.Error(err))
		return
	}
	e.subscription = sub
}

// ForwardMatches reports whether this endpoint's negotiated forward regex
// matches channel.
func (e *Endpoint) ForwardMatches(channel string) bool {
	return e.forwardPattern != nil && e.forwardPattern.MatchString(channel)
}

// onBusMessage is the bus callback that feeds the send queue from organic,
// locally-published traffic. A message tagged as originating from this
// same process is always dropped here: peer-to-peer relay of messages
// received off the wire happens through Router.FanOut, not through this
// subscription, so the only thing a self-tagged message arriving here can
// mean is that this endpoint's own forward regex overlaps with traffic it
// (or another endpoint) already delivered — forwarding it again would echo
// it straight back to the peer it just came from. The only open question
// is whether that drop is worth a warning, which happens exactly when some
// live endpoint's forward regex would otherwise have wanted the channel (a
// genuine loop scenario, not just an expected echo of traffic nobody
// downstream cares about).
func (e *Endpoint) onBusMessage(msg bus.Message) {
	if e.suppressor.IsFromSelf(msg) {
		if e.verbose && e.router.MatchesAny(msg.Channel) {
			e.logger.Warn("message from self, possible loop scenario",
				zap.String("endpoint", e.Name), zap.String("channel", msg.Channel))
		}
		return
	}
	e.sendQueue.Enqueue(msg.Channel, msg.Payload, msg.RecvTime)
}

func isTimesync(channel string) bool { return channel == "TIMESYNC" }

func (e *Endpoint) logDrop(dropped int, channel string) {
	e.logger.Warn("send queue overflow, dropped oldest messages",
		zap.String("endpoint", e.Name), zap.Int("dropped", dropped), zap.String("channel", channel))
}

// deliver handles a received (channel, payload) pair in two independent
// steps. First it publishes a tagged copy to the local bus, so any local
// application subscriber sees it and so this endpoint's own subscription
// (onBusMessage) can recognize and drop the echo rather than reflecting it
// straight back to the peer it just arrived from. Second, and separately,
// it asks the router to fan the message out directly to every other live
// endpoint whose forward regex wants it — the actual cross-peer relay for
// a multi-link hub, independent of the bus and the loop suppressor.
func (e *Endpoint) deliver(channel string, payload []byte) {
	tagged := e.suppressor.MarkOutgoing(bus.Message{Channel: channel, Payload: payload, RecvTime: time.Now()})
	e.bus.Publish(tagged)
	e.router.FanOut(channel, payload, e)
}

// Relay enqueues channel/payload directly onto this endpoint's send queue,
// bypassing the local bus and the loop suppressor entirely. Called only by
// Router.FanOut implementations to deliver a message received from one
// peer out to another.
func (e *Endpoint) Relay(channel string, payload []byte, recvTime time.Time) {
	e.sendQueue.Enqueue(channel, payload, recvTime)
}

// Close tears the endpoint down: unsubscribe from the bus, stop the send
// queue, close sockets, then wait for the send and receive goroutines to
// exit. It must not be called synchronously from either of those goroutines.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.subscription != nil {
			e.subscription.Unsubscribe()
		}
		if e.sendQueue != nil {
			e.sendQueue.Stop()
		}
		if e.conn != nil {
			e.conn.Close()
		}
		if e.udpConn != nil {
			e.udpConn.Close()
		}
		e.setPhase(PhaseClosed)
	})
	e.sendWG.Wait()
	e.recvWG.Wait()
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func readFull(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
