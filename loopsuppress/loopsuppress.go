// Package loopsuppress stamps messages a process re-publishes after
// receiving them from a tunnel peer, so the generic bus-subscription
// forwarding path doesn't echo them straight back out.
//
// Some tunnel implementations learn their own outbound network address by
// periodically broadcasting an "introspection" probe on a reserved channel
// and remembering which sender address loops back to itself — useful when
// the bus is multicast/broadcast and a process has no other way to
// recognize its own traffic. This module's Bus (package bus) has no such
// multicast ambiguity: a republish is always attributable to the endpoint
// that performed it. So the Suppressor instead stamps every message it
// republishes with a random per-process tag, minted once at startup with
// github.com/google/uuid. The tag is never refreshed: RefreshInterval and
// Config.IntrospectionIntervalSec exist as settings, but nothing in this
// module rotates the tag on that interval.
package loopsuppress

import (
	"time"

	"github.com/google/uuid"

	"bustunnel/bus"
)

// Suppressor marks messages this process republishes and recognizes them
// later so the generic bus-subscription forwarding path doesn't echo them
// straight back out.
type Suppressor struct {
	tag string
}

// New mints a fresh per-process tag.
func New() *Suppressor {
	return &Suppressor{tag: uuid.NewString()}
}

// MarkOutgoing returns a copy of msg stamped as originating from this
// process's loop suppressor; msg is passed by value, so the caller's copy is
// left unstamped.
func (s *Suppressor) MarkOutgoing(msg bus.Message) bus.Message {
	msg.Origin = s.tag
	return msg
}

// IsFromSelf reports whether msg was stamped by this Suppressor.
func (s *Suppressor) IsFromSelf(msg bus.Message) bool {
	return msg.Origin == s.tag
}

// RefreshInterval is how often a real introspection-probe-based
// implementation would re-announce itself; kept here as a configuration
// knob for forward compatibility even though the UUID tag never expires.
func RefreshInterval(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}
