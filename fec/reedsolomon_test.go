package fec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, buf []byte, maxFragmentPayload int, fecFactor float64, dropIndexes map[int]bool) []byte {
	t.Helper()
	enc, err := NewEncoder(buf, maxFragmentPayload, fecFactor)
	require.NoError(t, err)

	dec, err := NewDecoder(len(buf), maxFragmentPayload, fecFactor)
	require.NoError(t, err)

	for i := 0; i < enc.NumPackets(); i++ {
		out := make([]byte, maxFragmentPayload)
		idx, _, err := enc.NextPacket(out)
		require.NoError(t, err)
		if dropIndexes[idx] {
			continue
		}
		status, err := dec.Process(out, idx)
		require.NoError(t, err)
		if status == DoneOK {
			break
		}
	}

	got := make([]byte, len(buf))
	require.NoError(t, dec.Extract(got))
	return got
}

func TestReedSolomonRoundTripNoLoss(t *testing.T) {
	buf := make([]byte, 5000)
	rand.New(rand.NewSource(1)).Read(buf)
	got := roundTrip(t, buf, 1400, 2.0, nil)
	assert.Equal(t, buf, got)
}

func TestReedSolomonRoundTripWithFragmentLoss(t *testing.T) {
	buf := make([]byte, 7000)
	rand.New(rand.NewSource(2)).Read(buf)

	// fecFactor 2.0 over ceil(7000/1400)=5 data shards yields 5 parity
	// shards; dropping two leaves 8 of 10, comfortably above the 5 needed.
	dropped := map[int]bool{1: true, 6: true}
	got := roundTrip(t, buf, 1400, 2.0, dropped)
	assert.Equal(t, buf, got)
}

func TestReedSolomonDuplicateFragmentIdempotent(t *testing.T) {
	buf := make([]byte, 3000)
	rand.New(rand.NewSource(3)).Read(buf)

	enc, err := NewEncoder(buf, 1400, 2.0)
	require.NoError(t, err)
	dec, err := NewDecoder(len(buf), 1400, 2.0)
	require.NoError(t, err)

	out := make([]byte, 1400)
	idx, _, err := enc.NextPacket(out)
	require.NoError(t, err)

	status1, err := dec.Process(out, idx)
	require.NoError(t, err)
	status2, err := dec.Process(out, idx)
	require.NoError(t, err)
	assert.Equal(t, status1, status2)
}

func TestShardLayoutParityAtLeastOne(t *testing.T) {
	dataShards, parityShards, _ := shardLayout(1000, 1400, 1.0)
	assert.Equal(t, 1, dataShards)
	assert.GreaterOrEqual(t, parityShards, 1)
}

func TestStubEncoderDecoderRoundTrip(t *testing.T) {
	buf := []byte("the quick brown fox jumps over the lazy dog")
	enc := NewStubEncoder(buf, 8)
	dec := NewStubDecoder(len(buf), 8)

	for i := 0; i < enc.NumPackets(); i++ {
		out := make([]byte, 8)
		idx, _, err := enc.NextPacket(out)
		require.NoError(t, err)
		_, err = dec.Process(out, idx)
		require.NoError(t, err)
	}

	got := make([]byte, len(buf))
	require.NoError(t, dec.Extract(got))
	assert.Equal(t, buf, got)
}

func TestStubDecoderExtractIncomplete(t *testing.T) {
	dec := NewStubDecoder(16, 8)
	err := dec.Extract(make([]byte, 16))
	assert.Error(t, err)
}
