package endpoint

import (
	"io"

	"go.uber.org/zap"

	"bustunnel/wire"
)

const maxUDPDatagramSize = 65535

// udpReceiveLoop reads datagrams, feeds them to the reassembler, and
// delivers every (channel, payload) pair once a message completes. UDP
// read/decode errors are non-fatal: the link is best-effort, so this logs
// and keeps going.
func (e *Endpoint) udpReceiveLoop() {
	defer e.recvWG.Done()
	buf := make([]byte, maxUDPDatagramSize)
	for {
		n, err := e.udpConn.Read(buf)
		if err != nil {
			if e.isClosed() {
				return
			}
			e.logThrottled("udp read failed", zap.Error(err))
			continue
		}
		if n < wire.UDPHeaderSize {
			e.logThrottled("short udp datagram", zap.Int("bytes", n))
			continue
		}
		hdr, err := wire.DecodeUDPHeader(buf[:wire.UDPHeaderSize])
		if err != nil {
			e.logThrottled("bad udp header", zap.Error(err))
			continue
		}
		payload := make([]byte, n-wire.UDPHeaderSize)
		copy(payload, buf[wire.UDPHeaderSize:n])

		done, msgBuf, err := e.reasm.Accept(hdr, payload)
		if err != nil {
			e.logger.Warn("reassembly failed, dropping message",
				zap.String("endpoint", e.Name), zap.Error(err))
			continue
		}
		if !done {
			continue
		}
		pairs, err := wire.DecodeCoalesced(msgBuf)
		if err != nil {
			e.logger.Warn("decode coalesced buffer failed",
				zap.String("endpoint", e.Name), zap.Error(err))
			continue
		}
		for _, p := range pairs {
			e.deliver(p.Channel, p.Payload)
		}
	}
}

// tcpReceiveLoop reads length-framed (channel, payload) messages off the
// TCP connection until it closes or errors, which always tears the
// connection down.
func (e *Endpoint) tcpReceiveLoop() {
	defer e.recvWG.Done()
	for {
		chanLen, err := readU32(e.conn)
		if err != nil {
			e.disconnect(err)
			return
		}
		chanBuf, err := readFull(e.conn, chanLen)
		if err != nil {
			e.disconnect(err)
			return
		}
		dataLen, err := readU32(e.conn)
		if err != nil {
			e.disconnect(err)
			return
		}
		dataBuf, err := readFull(e.conn, dataLen)
		if err != nil {
			e.disconnect(err)
			return
		}
		e.deliver(string(chanBuf), dataBuf)
	}
}

func (e *Endpoint) disconnect(err error) {
	if e.isClosed() || err == io.EOF {
		e.logger.Info("tunnel connection closed", zap.String("endpoint", e.Name))
	} else {
		e.logger.Error("tunnel connection read failed, disconnecting",
			zap.String("endpoint", e.Name), zap.Error(err))
	}
	go e.Close()
}
