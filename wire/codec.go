// Package wire implements the tunnel's framed codec: length-prefixed
// control frames, the negotiated tunnel parameter record, the per-message
// tunnel-LCM header used inside coalesced UDP payloads, the TCP per-message
// frame, and the UDP datagram header. All integer fields are big-endian; the codec does no I/O.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrShortRead is returned by DecodeLengthPrefixed when the connection
// closes mid-frame.
var ErrShortRead = errors.New("wire: short read")

// ErrOversize is returned when a remote-supplied length exceeds the caller's
// configured cap.
var ErrOversize = errors.New("wire: frame exceeds size cap")

// EncodeLengthPrefixed emits a 4-byte big-endian length followed by payload.
func EncodeLengthPrefixed(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// DecodeLengthPrefixed reads one length-prefixed frame from r. maxLen caps
// the accepted length; pass 0 for no cap (callers SHOULD cap — a remote
// peer's claimed length is otherwise trusted outright).
func DecodeLengthPrefixed(r io.Reader, maxLen uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxLen > 0 && n > maxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversize, n, maxLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	return payload, nil
}

// TunnelParams is the negotiated-at-handshake record: channel regex,
// transport mode, FEC factor, coalescing delay, TCP max age, and (once
// assigned) the peer's UDP port.
type TunnelParams struct {
	ChannelRegex string
	UDP          bool
	FECFactor    float64
	MaxDelayMs   uint32
	TCPMaxAgeMs  uint32
	UDPPort      uint16
}

// EncodeTunnelParams serializes p deterministically:
//
//	[regex_len u32][regex bytes][udp u8][fec_factor f64][max_delay_ms u32][tcp_max_age_ms u32][udp_port u16]
func EncodeTunnelParams(p TunnelParams) []byte {
	regex := []byte(p.ChannelRegex)
	out := make([]byte, 4+len(regex)+1+8+4+4+2)
	off := 0
	binary.BigEndian.PutUint32(out[off:], uint32(len(regex)))
	off += 4
	copy(out[off:], regex)
	off += len(regex)
	if p.UDP {
		out[off] = 1
	}
	off++
	binary.BigEndian.PutUint64(out[off:], math.Float64bits(p.FECFactor))
	off += 8
	binary.BigEndian.PutUint32(out[off:], p.MaxDelayMs)
	off += 4
	binary.BigEndian.PutUint32(out[off:], p.TCPMaxAgeMs)
	off += 4
	binary.BigEndian.PutUint16(out[off:], p.UDPPort)
	return out
}

// DecodeTunnelParams is the inverse of EncodeTunnelParams.
func DecodeTunnelParams(b []byte) (TunnelParams, error) {
	if len(b) < 4 {
		return TunnelParams{}, fmt.Errorf("wire: tunnel params too short")
	}
	regexLen := binary.BigEndian.Uint32(b)
	off := 4
	need := off + int(regexLen) + 1 + 8 + 4 + 4 + 2
	if len(b) < need {
		return TunnelParams{}, fmt.Errorf("wire: tunnel params truncated")
	}
	regex := string(b[off : off+int(regexLen)])
	off += int(regexLen)
	udp := b[off] != 0
	off++
	fec := math.Float64frombits(binary.BigEndian.Uint64(b[off:]))
	off += 8
	maxDelay := binary.BigEndian.Uint32(b[off:])
	off += 4
	tcpMaxAge := binary.BigEndian.Uint32(b[off:])
	off += 4
	udpPort := binary.BigEndian.Uint16(b[off:])
	return TunnelParams{
		ChannelRegex: regex,
		UDP:          udp,
		FECFactor:    fec,
		MaxDelayMs:   maxDelay,
		TCPMaxAgeMs:  tcpMaxAge,
		UDPPort:      udpPort,
	}, nil
}

// TunnelLCMHeaderSize is the fixed 8-byte header preceding each message
// inside a coalesced UDP datagram payload.
const TunnelLCMHeaderSize = 8

// EncodeTunnelLCMHeader emits the 8-byte [chan_len u32][data_len u32] header.
func EncodeTunnelLCMHeader(channelLen, dataLen uint32) []byte {
	out := make([]byte, TunnelLCMHeaderSize)
	binary.BigEndian.PutUint32(out[0:], channelLen)
	binary.BigEndian.PutUint32(out[4:], dataLen)
	return out
}

// DecodeTunnelLCMHeader is the inverse of EncodeTunnelLCMHeader.
func DecodeTunnelLCMHeader(b []byte) (channelLen, dataLen uint32, err error) {
	if len(b) < TunnelLCMHeaderSize {
		return 0, 0, fmt.Errorf("wire: tunnel lcm header too short")
	}
	return binary.BigEndian.Uint32(b[0:]), binary.BigEndian.Uint32(b[4:]), nil
}

// ChannelPayload is one (channel, payload) pair extracted from a coalesced
// buffer.
type ChannelPayload struct {
	Channel string
	Payload []byte
}

// EncodeCoalesced concatenates the tunnel-LCM framing of each entry, in
// order, for a single coalesced UDP payload. The TCP path does not use it;
// it writes one EncodeTCPFrame per message.
func EncodeCoalesced(entries []ChannelPayload) []byte {
	total := 0
	for _, e := range entries {
		total += TunnelLCMHeaderSize + len(e.Channel) + len(e.Payload)
	}
	out := make([]byte, 0, total)
	for _, e := range entries {
		out = append(out, EncodeTunnelLCMHeader(uint32(len(e.Channel)), uint32(len(e.Payload)))...)
		out = append(out, e.Channel...)
		out = append(out, e.Payload...)
	}
	return out
}

// DecodeCoalesced splits buf along tunnel-LCM headers, on delivery of a
// reassembled buffer. It fails if the declared lengths don't exactly
// partition buf.
func DecodeCoalesced(buf []byte) ([]ChannelPayload, error) {
	var out []ChannelPayload
	off := 0
	for off < len(buf) {
		chanLen, dataLen, err := DecodeTunnelLCMHeader(buf[off:])
		if err != nil {
			return nil, err
		}
		off += TunnelLCMHeaderSize
		if off+int(chanLen)+int(dataLen) > len(buf) {
			return nil, fmt.Errorf("wire: coalesced buffer truncated")
		}
		channel := string(buf[off : off+int(chanLen)])
		off += int(chanLen)
		payload := buf[off : off+int(dataLen)]
		off += int(dataLen)
		out = append(out, ChannelPayload{Channel: channel, Payload: payload})
	}
	if off != len(buf) {
		return nil, fmt.Errorf("wire: coalesced buffer has trailing bytes")
	}
	return out, nil
}

// EncodeTCPFrame emits one TCP control-stream payload frame:
//
//	[chan_len u32][chan bytes][data_len u32][data bytes]
//
// Note this ordering differs from the tunnel-LCM header (lengths grouped
// together): the TCP frame interleaves the channel name between the two
// lengths.
func EncodeTCPFrame(channel string, data []byte) []byte {
	out := make([]byte, 4+len(channel)+4+len(data))
	off := 0
	binary.BigEndian.PutUint32(out[off:], uint32(len(channel)))
	off += 4
	copy(out[off:], channel)
	off += len(channel)
	binary.BigEndian.PutUint32(out[off:], uint32(len(data)))
	off += 4
	copy(out[off:], data)
	return out
}

// UDPHeaderSize is the fixed size of the UDP datagram header.
const UDPHeaderSize = 16

// UDPHeader is the per-datagram fragmentation header.
type UDPHeader struct {
	Seq       int32
	FragIndex uint32
	FragCount uint32
	TotalSize uint32
}

// EncodeUDPHeader emits [seq i32][frag_i u32][frag_count u32][total_size u32].
func EncodeUDPHeader(h UDPHeader) []byte {
	out := make([]byte, UDPHeaderSize)
	binary.BigEndian.PutUint32(out[0:], uint32(h.Seq))
	binary.BigEndian.PutUint32(out[4:], h.FragIndex)
	binary.BigEndian.PutUint32(out[8:], h.FragCount)
	binary.BigEndian.PutUint32(out[12:], h.TotalSize)
	return out
}

// DecodeUDPHeader is the inverse of EncodeUDPHeader.
func DecodeUDPHeader(b []byte) (UDPHeader, error) {
	if len(b) < UDPHeaderSize {
		return UDPHeader{}, fmt.Errorf("wire: udp header too short")
	}
	return UDPHeader{
		Seq:       int32(binary.BigEndian.Uint32(b[0:])),
		FragIndex: binary.BigEndian.Uint32(b[4:]),
		FragCount: binary.BigEndian.Uint32(b[8:]),
		TotalSize: binary.BigEndian.Uint32(b[12:]),
	}, nil
}
