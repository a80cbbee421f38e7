// Command bustunneld runs one tunnel server/link process: it listens for
// peer connections, optionally dials out to a configured peer, and
// forwards bus messages across whichever links are established.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	localbus "bustunnel/bus"
	"bustunnel/config"
	"bustunnel/internal/logging"
	"bustunnel/loopsuppress"
	"bustunnel/tunnelserver"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a JSON config file (overrides the flags below)")

	port := flag.Int("port", 0, "local listen port (0: use the config file's, or 6141)")
	channelsRecv := flag.String("channels_recv", ".*", "regex of channels the peer should send us")
	channelsSend := flag.String("channels_send", ".*", "regex of channels we forward to the peer")
	udp := flag.Bool("udp", false, "use UDP with fragmentation for the outbound link")
	fec := flag.Float64("fec", 0, "FEC factor: >1 enables block coding, negative duplicates |factor| times")
	dup := flag.Int("dup", 0, "duplicate each datagram N times instead of using FEC (shorthand for a negative fec factor)")
	waitTimeMs := flag.Int("wait-time-ms", 10, "coalescing window, milliseconds")
	tcpMaxAgeMs := flag.Int("tcp-max-age-ms", 0, "drop TCP messages older than this many milliseconds (0: never drop)")
	serverAddr := flag.String("server", "", "peer host:port to dial out to (omit to only accept connections)")
	lcmURL := flag.String("lcm-url", "", "informative only: this process uses an in-process bus, not a real LCM transport")
	verbose := flag.Bool("verbose", false, "log loop-suppression warnings and per-message TCP age drops")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bustunneld: failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	} else {
		var err error
		cfg, err = configFromFlags(*port, *channelsRecv, *channelsSend, *udp, *fec, *dup, *waitTimeMs, *tcpMaxAgeMs, *serverAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bustunneld: %v\n", err)
			return 1
		}
	}

	logger := logging.New(cfg.Log)
	defer logger.Sync()

	if *lcmURL != "" {
		logger.Sugar().Infof("--lcm-url %s ignored: bustunneld forwards its own in-process bus, not an external LCM transport", *lcmURL)
	}

	bus := localbus.New()
	suppressor := loopsuppress.New()
	server := tunnelserver.New(bus, suppressor, logger, *verbose)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.Port)
	}()

	for _, link := range cfg.Links {
		if err := server.ConnectLink(link); err != nil {
			logger.Sugar().Errorf("failed to connect link %s: %v", link.Name, err)
			return 1
		}
	}

	logger.Info("bustunneld running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Sugar().Infof("received %s, shutting down", sig)
		server.Close()
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Sugar().Errorf("listener failed: %v", err)
			return 1
		}
		return 0
	}
}

func configFromFlags(port int, channelsRecv, channelsSend string, udp bool, fec float64, dup, waitTimeMs, tcpMaxAgeMs int, serverAddr string) (*config.Config, error) {
	cfg := &config.Config{Port: config.DefaultPort}
	if port != 0 {
		cfg.Port = port
	}

	if serverAddr == "" {
		return cfg, nil
	}

	host, portStr, err := net.SplitHostPort(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("bad --server address %q: %w", serverAddr, err)
	}
	peerPort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad --server port in %q: %w", serverAddr, err)
	}

	fecFactor := fec
	if dup > 0 {
		fecFactor = -float64(dup)
	}
	link := &config.Link{
		Name:         "cli",
		ServerAddr:   host,
		ServerPort:   peerPort,
		ChannelsSend: channelsSend,
		ChannelsRecv: channelsRecv,
		UDP:          udp,
		FECFactor:    fecFactor,
		MaxDelayMs:   waitTimeMs,
		TCPMaxAgeMs:  tcpMaxAgeMs,
	}
	if err := link.Verify(); err != nil {
		return nil, fmt.Errorf("invalid link: %w", err)
	}
	cfg.Links = []*config.Link{link}
	return cfg, nil
}
