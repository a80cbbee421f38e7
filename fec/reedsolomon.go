package fec

import (
	"bytes"
	"fmt"
	"math"

	"github.com/klauspost/reedsolomon"
)

// shardLayout derives the reed-solomon shard counts from a buffer length,
// the per-fragment payload cap, and the configured FEC factor, mirroring
// the original's `ldpc_enc_wrapper`/`ldpc_dec_wrapper` sizing: data shards
// cover the message at maxFragmentPayload bytes each, and the factor scales
// up the total fragment count (parity = total - data).
func shardLayout(bufLen, maxFragmentPayload int, fecFactor float64) (dataShards, parityShards, shardSize int) {
	dataShards = (bufLen + maxFragmentPayload - 1) / maxFragmentPayload
	if dataShards < 1 {
		dataShards = 1
	}
	total := int(math.Ceil(float64(dataShards) * fecFactor))
	if total <= dataShards {
		total = dataShards + 1
	}
	return dataShards, total - dataShards, maxFragmentPayload
}

// Encoder is a BlockEncoder backed by github.com/klauspost/reedsolomon.
type Encoder struct {
	codec      reedsolomon.Encoder
	shards     [][]byte
	dataShards int
	total      int
	next       int
}

// NewEncoder builds an Encoder for buf, chunked into fragments of at most
// maxFragmentPayload bytes, plus reed-solomon parity fragments sized by
// fecFactor (see shardLayout).
func NewEncoder(buf []byte, maxFragmentPayload int, fecFactor float64) (*Encoder, error) {
	if maxFragmentPayload <= 0 {
		return nil, fmt.Errorf("fec: maxFragmentPayload must be positive")
	}
	dataShards, parityShards, shardSize := shardLayout(len(buf), maxFragmentPayload, fecFactor)
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new encoder: %w", err)
	}
	shards := make([][]byte, dataShards+parityShards)
	for i := 0; i < dataShards+parityShards; i++ {
		shards[i] = make([]byte, shardSize)
	}
	for i := 0; i < dataShards; i++ {
		start := i * shardSize
		end := start + shardSize
		if start >= len(buf) {
			break
		}
		if end > len(buf) {
			end = len(buf)
		}
		copy(shards[i], buf[start:end])
	}
	if err := codec.Encode(shards); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}
	return &Encoder{codec: codec, shards: shards, dataShards: dataShards, total: dataShards + parityShards}, nil
}

// NumPackets implements BlockEncoder.
func (e *Encoder) NumPackets() int { return e.total }

// NextPacket implements BlockEncoder.
func (e *Encoder) NextPacket(out []byte) (int, bool, error) {
	if e.next >= e.total {
		return 0, true, fmt.Errorf("fec: encoder exhausted")
	}
	i := e.next
	if len(out) < len(e.shards[i]) {
		return 0, false, fmt.Errorf("fec: output buffer too small")
	}
	copy(out, e.shards[i])
	e.next++
	return i, e.next == e.total, nil
}

// Decoder is a BlockDecoder backed by github.com/klauspost/reedsolomon.
type Decoder struct {
	codec       reedsolomon.Encoder
	shards      [][]byte
	present     []bool
	dataShards  int
	shardSize   int
	bufLen      int
	numPresent  int
	reconstruct bool
	reconstructed [][]byte
}

// NewDecoder builds a Decoder expecting fragments produced for a buffer of
// length bufLen, with the same maxFragmentPayload/fecFactor the sender used.
func NewDecoder(bufLen, maxFragmentPayload int, fecFactor float64) (*Decoder, error) {
	if maxFragmentPayload <= 0 {
		return nil, fmt.Errorf("fec: maxFragmentPayload must be positive")
	}
	dataShards, parityShards, shardSize := shardLayout(bufLen, maxFragmentPayload, fecFactor)
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new decoder: %w", err)
	}
	total := dataShards + parityShards
	return &Decoder{
		codec:      codec,
		shards:     make([][]byte, total),
		present:    make([]bool, total),
		dataShards: dataShards,
		shardSize:  shardSize,
		bufLen:     bufLen,
	}, nil
}

// Process implements BlockDecoder.
func (d *Decoder) Process(payload []byte, fragIndex int) (DecodeStatus, error) {
	if d.reconstruct {
		return DoneOK, nil
	}
	if fragIndex < 0 || fragIndex >= len(d.shards) {
		return NeedMore, fmt.Errorf("fec: fragment index %d out of range", fragIndex)
	}
	if d.present[fragIndex] {
		return NeedMore, nil // duplicate, idempotent
	}
	shard := make([]byte, d.shardSize)
	copy(shard, payload)
	d.shards[fragIndex] = shard
	d.present[fragIndex] = true
	d.numPresent++

	if d.numPresent < d.dataShards {
		return NeedMore, nil
	}

	if err := d.codec.Reconstruct(d.shards); err != nil {
		return DoneFail, fmt.Errorf("fec: reconstruct: %w", err)
	}
	d.reconstruct = true
	d.reconstructed = d.shards
	return DoneOK, nil
}

// Extract implements BlockDecoder.
func (d *Decoder) Extract(out []byte) error {
	if !d.reconstruct {
		return fmt.Errorf("fec: decode not complete")
	}
	var buf bytes.Buffer
	if err := d.codec.Join(&buf, d.reconstructed, d.dataShards*d.shardSize); err != nil {
		return fmt.Errorf("fec: join: %w", err)
	}
	joined := buf.Bytes()
	if len(joined) < d.bufLen || len(out) < d.bufLen {
		return fmt.Errorf("fec: output buffer too small")
	}
	copy(out, joined[:d.bufLen])
	return nil
}
