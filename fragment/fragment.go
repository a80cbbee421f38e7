// Package fragment splits a coalesced byte buffer across UDP datagrams
// (with sequence, fragment index, total count, and payload size), engaging
// the FEC block codec (package fec) when the message is large enough and
// the configured factor calls for it; and reassembles incoming datagrams
// back into complete messages, tolerating reordering within one sequence
// while abandoning any incomplete prior message as soon as a newer
// sequence appears.
package fragment

import (
	"fmt"
	"math"

	"bustunnel/fec"
	"bustunnel/wire"
)

// Both ends of a tunnel must agree on these for interop, so they are
// exported constants rather than configuration.
const (
	MaxPayloadBytesPerFragment = 1400
	MaxNumFragments            = 64
	SeqnoWrapVal               = 1 << 30
	SeqnoWrapGap               = 1 << 24
)

// NumFragments returns ceil(m / MaxPayloadBytesPerFragment).
func NumFragments(m int) int {
	return (m + MaxPayloadBytesPerFragment - 1) / MaxPayloadBytesPerFragment
}

// MaxAllowedFragments returns the fragmentation cap for a given FEC
// factor: MaxNumFragments without FEC, scaled down by the factor when FEC
// is engaged (since each data fragment expands to more wire fragments).
func MaxAllowedFragments(fecFactor float64) int {
	if fecFactor > 1 {
		return int(float64(MaxNumFragments) / fecFactor)
	}
	return MaxNumFragments
}

// Datagram is one outbound UDP datagram: header plus payload slice.
type Datagram struct {
	Header  wire.UDPHeader
	Payload []byte
}

// Encode splits buf into the UDP datagrams to transmit for sequence seq,
// given fecFactor (<=1 disables FEC, >1 enables block coding, negative
// means pure duplication with |factor| copies).
func Encode(buf []byte, seq int32, fecFactor float64) ([]Datagram, error) {
	nfrags := NumFragments(len(buf))
	if nfrags == 0 {
		nfrags = 1
	}

	useFEC := fecFactor > 1 && nfrags >= fec.MinFragmentsForFEC
	if !useFEC {
		repeats := 1
		if math.Abs(fecFactor) > 1 {
			repeats = int(math.Ceil(math.Abs(fecFactor)))
		}
		var out []Datagram
		for r := 0; r < repeats; r++ {
			for i := 0; i < nfrags; i++ {
				start := i * MaxPayloadBytesPerFragment
				end := start + MaxPayloadBytesPerFragment
				if end > len(buf) {
					end = len(buf)
				}
				payload := make([]byte, end-start)
				copy(payload, buf[start:end])
				out = append(out, Datagram{
					Header: wire.UDPHeader{
						Seq:       seq,
						FragIndex: uint32(i),
						FragCount: uint32(nfrags),
						TotalSize: uint32(len(buf)),
					},
					Payload: payload,
				})
			}
		}
		return out, nil
	}

	enc, err := fec.NewEncoder(buf, MaxPayloadBytesPerFragment, fecFactor)
	if err != nil {
		return nil, fmt.Errorf("fragment: fec encode: %w", err)
	}
	total := enc.NumPackets()
	out := make([]Datagram, 0, total)
	for {
		payload := make([]byte, MaxPayloadBytesPerFragment)
		idx, done, err := enc.NextPacket(payload)
		if err != nil {
			return nil, fmt.Errorf("fragment: fec next packet: %w", err)
		}
		out = append(out, Datagram{
			Header: wire.UDPHeader{
				Seq:       seq,
				FragIndex: uint32(idx),
				FragCount: uint32(total),
				TotalSize: uint32(len(buf)),
			},
			Payload: payload,
		})
		if done {
			break
		}
	}
	return out, nil
}

// seqNewer reports whether candidate should be treated as starting a new
// message relative to cur, accounting for 30-bit sequence wraparound with a
// 24-bit gap threshold: a candidate that is numerically less than cur but
// by more than the wrap gap is "new" (it wrapped around); anything else
// smaller is stale.
func seqNewer(candidate, cur int32) bool {
	if candidate > cur {
		return true
	}
	return candidate < cur-SeqnoWrapGap
}

// Reassembler holds the in-progress reassembly state for one endpoint. At
// most one reassembly is in progress at a time; starting a new sequence
// discards any incomplete prior one.
type Reassembler struct {
	fecFactor float64

	started  bool
	curSeq   int32
	nfrags   int
	received int
	bitmap   []bool
	buf      []byte
	complete bool

	dec fec.BlockDecoder
}

// NewReassembler builds a Reassembler that engages FEC decoding per
// fecFactor exactly when the sender would have engaged FEC encoding.
func NewReassembler(fecFactor float64) *Reassembler {
	return &Reassembler{fecFactor: fecFactor}
}

// Accept feeds one received datagram into the reassembler. It returns
// (true, buf, nil) the instant the current message completes; callers
// should then split buf with wire.DecodeCoalesced and deliver each
// (channel, payload) pair.
func (r *Reassembler) Accept(hdr wire.UDPHeader, payload []byte) (done bool, buf []byte, err error) {
	if !r.started || seqNewer(hdr.Seq, r.curSeq) {
		r.beginMessage(hdr)
	}

	if hdr.Seq != r.curSeq || int(hdr.FragCount) != r.nfrags {
		// Stale or mismatched datagram for an abandoned sequence; drop.
		return false, nil, nil
	}
	if r.complete {
		return false, nil, nil
	}
	if hdr.FragIndex >= uint32(r.nfrags) {
		return false, nil, fmt.Errorf("fragment: fragment index %d >= frag count %d", hdr.FragIndex, r.nfrags)
	}

	useFEC := r.fecFactor > 1 && r.nfrags >= fec.MinFragmentsForFEC
	if !useFEC {
		if r.bitmap[hdr.FragIndex] {
			return false, nil, nil // duplicate, idempotent
		}
		start := int(hdr.FragIndex) * MaxPayloadBytesPerFragment
		end := start + len(payload)
		if end > len(r.buf) {
			end = len(r.buf)
		}
		copy(r.buf[start:end], payload)
		r.bitmap[hdr.FragIndex] = true
		r.received++
		if r.received < r.nfrags {
			return false, nil, nil
		}
		r.complete = true
		return true, r.buf, nil
	}

	status, decErr := r.dec.Process(payload, int(hdr.FragIndex))
	switch status {
	case fec.NeedMore:
		return false, nil, nil
	case fec.DoneFail:
		r.complete = true
		return false, nil, fmt.Errorf("fragment: fec reassembly failed: %w", decErr)
	case fec.DoneOK:
		if err := r.dec.Extract(r.buf); err != nil {
			r.complete = true
			return false, nil, fmt.Errorf("fragment: fec extract: %w", err)
		}
		r.complete = true
		return true, r.buf, nil
	}
	return false, nil, nil
}

func (r *Reassembler) beginMessage(hdr wire.UDPHeader) {
	r.started = true
	r.curSeq = hdr.Seq
	r.nfrags = int(hdr.FragCount)
	r.received = 0
	r.complete = false
	r.bitmap = make([]bool, r.nfrags)
	r.buf = make([]byte, hdr.TotalSize)

	if r.fecFactor > 1 && r.nfrags >= fec.MinFragmentsForFEC {
		dec, err := fec.NewDecoder(int(hdr.TotalSize), MaxPayloadBytesPerFragment, r.fecFactor)
		if err != nil {
			// Fall back to the passthrough stub decoder: it completes only
			// once every data fragment has arrived and rejects parity
			// fragment indexes. Nothing is logged for this fallback.
			r.dec = fec.NewStubDecoder(int(hdr.TotalSize), MaxPayloadBytesPerFragment)
			return
		}
		r.dec = dec
	} else {
		r.dec = nil
	}
}
