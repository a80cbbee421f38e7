// Package config loads the JSON configuration for a bustunnel process:
// logging settings, the inbound server port, and the set of outbound links
// this process should establish.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"bustunnel/internal/logging"
)

// Link describes one outbound tunnel this process initiates to a peer
// bustunnel server, generalized so a single process can maintain several
// peer links at once rather than one link per invocation.
type Link struct {
	Name string `json:"name"`

	ServerAddr string `json:"server_addr"`
	ServerPort int    `json:"server_port"`

	// ChannelsSend is the regex this process subscribes to locally; matching
	// messages are forwarded to the peer.
	ChannelsSend string `json:"channels_send"`
	// ChannelsRecv is the regex we ask the peer to forward to us.
	ChannelsRecv string `json:"channels_recv"`

	UDP         bool    `json:"udp"`
	FECFactor   float64 `json:"fec_factor"`
	MaxDelayMs  int     `json:"max_delay_ms"`
	TCPMaxAgeMs int     `json:"tcp_max_age_ms"`

	sendRe *regexp.Regexp
}

// SendRegex returns the compiled ChannelsSend pattern, compiled once at
// config-load time rather than on every match.
func (l *Link) SendRegex() *regexp.Regexp { return l.sendRe }

// Config is the top-level shape of a bustunnel JSON config file.
type Config struct {
	Log   logging.Config `json:"log"`
	Port  int            `json:"port"`
	Links []*Link        `json:"links"`

	// IntrospectionIntervalSec is the loop-suppressor refresh interval in
	// seconds. Defaults to 30 when unset. Nothing in this module reads it:
	// the suppressor's tag is minted once and never refreshed.
	IntrospectionIntervalSec int `json:"introspection_interval_sec"`
}

const DefaultPort = 6141

// Load reads and validates a config file at path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.IntrospectionIntervalSec == 0 {
		cfg.IntrospectionIntervalSec = 30
	}
	for i, l := range cfg.Links {
		if err := l.Verify(); err != nil {
			return nil, fmt.Errorf("config: invalid link at pos %d: %w", i, err)
		}
	}
	return &cfg, nil
}

// Verify fills in defaults and compiles the send regex, validating and
// pre-compiling up front rather than on every match.
func (l *Link) Verify() error {
	if l.Name == "" {
		return fmt.Errorf("empty name")
	}
	if l.ServerAddr == "" {
		return fmt.Errorf("empty server_addr")
	}
	if l.ServerPort == 0 {
		l.ServerPort = DefaultPort
	}
	if l.ChannelsSend == "" {
		l.ChannelsSend = ".*"
	}
	if l.ChannelsRecv == "" {
		l.ChannelsRecv = ".*"
	}
	re, err := regexp.Compile(l.ChannelsSend)
	if err != nil {
		return fmt.Errorf("invalid channels_send regex: %w", err)
	}
	l.sendRe = re
	// tcp_max_age_ms == 0 means never drop.
	return nil
}
