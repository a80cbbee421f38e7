package endpoint

import (
	"time"

	"go.uber.org/zap"

	"bustunnel/fragment"
	"bustunnel/sendqueue"
	"bustunnel/wire"
)

// sendLoop drains the send queue on its coalescing schedule and writes
// each batch out over whichever transport this endpoint negotiated. It is
// the one dedicated send goroutine per endpoint.
func (e *Endpoint) sendLoop() {
	defer e.sendWG.Done()

	maxDelay := time.Duration(e.params.MaxDelayMs) * time.Millisecond
	for {
		if e.sendQueue.Wait(maxDelay) {
			return
		}
		entries, bytes := e.sendQueue.Drain()
		if len(entries) == 0 {
			continue
		}
		if e.params.UDP {
			e.transmitUDP(entries, bytes)
		} else {
			e.transmitTCP(entries)
		}
	}
}

// transmitUDP coalesces entries into one buffer, drops the oldest entries
// if the result would fragment past the FEC-adjusted cap, then fragments
// and writes the datagrams.
func (e *Endpoint) transmitUDP(entries []sendqueue.Entry, bytes int) {
	maxFrags := fragment.MaxAllowedFragments(e.params.FECFactor)
	for len(entries) > 1 && fragment.NumFragments(bytes) > maxFrags {
		dropped := entries[0]
		entries = entries[1:]
		bytes -= len(dropped.Channel) + len(dropped.Payload) + wire.TunnelLCMHeaderSize
		e.logger.Warn("dropping oldest queued message to stay within fragment cap",
			zap.String("endpoint", e.Name), zap.String("channel", dropped.Channel))
	}

	pairs := make([]wire.ChannelPayload, len(entries))
	for i, ent := range entries {
		pairs[i] = wire.ChannelPayload{Channel: ent.Channel, Payload: ent.Payload}
	}
	buf := wire.EncodeCoalesced(pairs)

	e.seq++
	if e.seq >= fragment.SeqnoWrapVal {
		e.seq = 0
	}

	datagrams, err := fragment.Encode(buf, e.seq, e.params.FECFactor)
	if err != nil {
		e.logThrottled("fragment encode failed", zap.Error(err))
		return
	}
	for _, dg := range datagrams {
		frame := append(wire.EncodeUDPHeader(dg.Header), dg.Payload...)
		if _, err := e.udpConn.Write(frame); err != nil {
			if e.isClosed() {
				return
			}
			e.logThrottled("udp write failed", zap.Error(err))
			return
		}
	}
	e.noteSendSuccess()
}

// transmitTCP writes one length-framed message per entry, dropping
// messages older than TCPMaxAgeMs (0 means never drop).
func (e *Endpoint) transmitTCP(entries []sendqueue.Entry) {
	for _, ent := range entries {
		if e.params.TCPMaxAgeMs > 0 {
			age := time.Since(ent.RecvTime)
			if age > time.Duration(e.params.TCPMaxAgeMs)*time.Millisecond {
				if e.verbose {
					e.logger.Info("dropping aged tcp message",
						zap.String("endpoint", e.Name), zap.String("channel", ent.Channel), zap.Duration("age", age))
				}
				continue
			}
		}
		frame := wire.EncodeTCPFrame(ent.Channel, ent.Payload)
		if _, err := e.conn.Write(frame); err != nil {
			if e.isClosed() {
				return
			}
			e.logger.Error("tcp write failed, disconnecting", zap.String("endpoint", e.Name), zap.Error(err))
			go e.Close()
			return
		}
	}
	e.noteSendSuccess()
}

// logThrottled logs at most once per second, so a lossy UDP link doesn't
// flood the log with repeated non-fatal write errors.
func (e *Endpoint) logThrottled(msg string, fields ...zap.Field) {
	e.errMu.Lock()
	now := time.Now()
	if now.Sub(e.lastErrLogTime) < time.Second {
		if e.errorStreakAt.IsZero() {
			e.errorStreakAt = now
		}
		e.errMu.Unlock()
		return
	}
	e.lastErrLogTime = now
	if e.errorStreakAt.IsZero() {
		e.errorStreakAt = now
	}
	e.errMu.Unlock()
	e.logger.Error(msg, append(fields, zap.String("endpoint", e.Name))...)
}

// noteSendSuccess logs a recovery notice the first time a send succeeds
// after a run of throttled errors.
func (e *Endpoint) noteSendSuccess() {
	e.errMu.Lock()
	start := e.errorStreakAt
	e.errorStreakAt = time.Time{}
	e.errMu.Unlock()
	if !start.IsZero() {
		e.logger.Info("connection recovered after errors",
			zap.String("endpoint", e.Name), zap.Duration("outage", time.Since(start)))
	}
}
