// Package tunnelserver implements the tunnel server: the listening socket
// that accepts peer connections, the live set of endpoints, and per-IP
// rate limiting at accept time.
package tunnelserver

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"bustunnel/bus"
	"bustunnel/config"
	"bustunnel/endpoint"
	"bustunnel/loopsuppress"
)

// maxAcceptsPerWindow caps how many connections one remote IP may open
// within the cache's expiration window.
const maxAcceptsPerWindow = 200

// Server owns the listening socket, the live endpoint set, and fan-out
// between endpoints. One Server corresponds to one configured listen port;
// every endpoint this process participates in (accepted or self-initiated)
// is registered here, since fan-out and "does anyone want this channel"
// must consider links regardless of which side dialed.
type Server struct {
	bus        bus.Bus
	suppressor *loopsuppress.Suppressor
	logger     *zap.Logger
	verbose    bool

	listener net.Listener
	ipCache  *gocache.Cache

	mu        sync.RWMutex
	endpoints map[*endpoint.Endpoint]struct{}
}

// New builds a Server sharing the given bus and loop suppressor; bus and
// suppressor are process-wide, so one of each is created in cmd/bustunneld
// and handed to every Server.
func New(b bus.Bus, suppressor *loopsuppress.Suppressor, logger *zap.Logger, verbose bool) *Server {
	return &Server{
		bus:        b,
		suppressor: suppressor,
		logger:     logger,
		verbose:    verbose,
		ipCache:    gocache.New(30*time.Second, 1*time.Minute),
		endpoints:  make(map[*endpoint.Endpoint]struct{}),
	}
}

// Listen binds the given port and accepts connections until the listener
// is closed. It blocks; callers run it in its own goroutine.
func (s *Server) Listen(port int) error {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("tunnel server listening", zap.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			s.logger.Error("accept failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !s.allowIP(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go s.acceptOne(conn)
	}
}

// Port returns the bound listen port, or 0 before Listen has finished
// binding. Useful for tests and for logging when the caller asked for an
// ephemeral port (0).
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener == nil
}

// Close stops accepting new connections and tears down every live
// endpoint.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	eps := make([]*endpoint.Endpoint, 0, len(s.endpoints))
	for e := range s.endpoints {
		eps = append(eps, e)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, e := range eps {
		e.Close()
	}
	return err
}

// allowIP applies a per-IP request-rate ceiling: at most
// maxAcceptsPerWindow accepted connections from one remote IP within the
// cache's expiration window.
func (s *Server) allowIP(remoteAddr string) bool {
	ip := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx >= 0 {
		ip = remoteAddr[:idx]
	}
	if count, found := s.ipCache.Get(ip); found && count.(int) >= maxAcceptsPerWindow {
		s.logger.Warn("rate limit: too many connections", zap.String("ip", ip))
		return false
	} else if found {
		s.ipCache.Increment(ip, 1)
	} else {
		s.ipCache.Set(ip, 1, gocache.DefaultExpiration)
	}
	return true
}

func (s *Server) acceptOne(conn net.Conn) {
	e, err := endpoint.AcceptServer(conn, s, s.bus, s.suppressor, s.logger, s.verbose)
	if err != nil {
		s.logger.Error("tunnel handshake failed", zap.Error(err))
		return
	}
	s.register(e)
}

// ConnectLink dials a configured outbound peer and registers the resulting
// endpoint alongside any accepted ones.
func (s *Server) ConnectLink(link *config.Link) error {
	e, err := endpoint.ConnectClient(link, s, s.bus, s.suppressor, s.logger, s.verbose)
	if err != nil {
		return err
	}
	s.register(e)
	return nil
}

func (s *Server) register(e *endpoint.Endpoint) {
	s.mu.Lock()
	s.endpoints[e] = struct{}{}
	s.mu.Unlock()
}

// Disconnect removes e from the live set and closes it.
func (s *Server) Disconnect(e *endpoint.Endpoint) {
	s.mu.Lock()
	delete(s.endpoints, e)
	s.mu.Unlock()
	e.Close()
}

// MatchesAny reports whether any live endpoint's forward regex matches
// channel. The loop suppressor uses this to decide whether a self-tagged
// message it's dropping is an expected echo (nobody downstream wants it
// anyway) or a genuine loop scenario worth a warning.
func (s *Server) MatchesAny(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for e := range s.endpoints {
		if e.ForwardMatches(channel) {
			return true
		}
	}
	return false
}

// FanOut relays a message received by origin directly to every other live
// endpoint whose forward regex matches channel. This is the hub's actual
// peer-to-peer delivery mechanism: it enqueues straight onto each matching
// endpoint's send queue, bypassing the bus and the loop suppressor, so that
// the process-wide suppressor tag — which exists only to stop an
// endpoint's own subscription from echoing traffic back to the peer it
// came from — never gets in the way of relaying a message to a genuinely
// different peer.
func (s *Server) FanOut(channel string, payload []byte, origin *endpoint.Endpoint) {
	s.mu.RLock()
	targets := make([]*endpoint.Endpoint, 0, len(s.endpoints))
	for e := range s.endpoints {
		if e == origin {
			continue
		}
		if e.ForwardMatches(channel) {
			targets = append(targets, e)
		}
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, e := range targets {
		e.Relay(channel, payload, now)
	}
}
