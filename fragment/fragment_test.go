package fragment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustunnel/wire"
)

func TestNumFragments(t *testing.T) {
	assert.Equal(t, 0, NumFragments(0))
	assert.Equal(t, 1, NumFragments(1))
	assert.Equal(t, 1, NumFragments(MaxPayloadBytesPerFragment))
	assert.Equal(t, 2, NumFragments(MaxPayloadBytesPerFragment+1))
}

func TestMaxAllowedFragments(t *testing.T) {
	assert.Equal(t, MaxNumFragments, MaxAllowedFragments(1))
	assert.Equal(t, MaxNumFragments, MaxAllowedFragments(-3))
	assert.Less(t, MaxAllowedFragments(2), MaxNumFragments)
}

func feedAll(t *testing.T, r *Reassembler, datagrams []Datagram) ([]byte, bool) {
	t.Helper()
	for _, dg := range datagrams {
		done, buf, err := r.Accept(dg.Header, dg.Payload)
		require.NoError(t, err)
		if done {
			return buf, true
		}
	}
	return nil, false
}

func TestFragmentRoundTripNoFEC(t *testing.T) {
	buf := make([]byte, 3000)
	rand.New(rand.NewSource(10)).Read(buf)

	datagrams, err := Encode(buf, 1, 0)
	require.NoError(t, err)

	r := NewReassembler(0)
	got, done := feedAll(t, r, datagrams)
	require.True(t, done)
	assert.Equal(t, buf, got)
}

func TestFragmentRoundTripOutOfOrder(t *testing.T) {
	buf := make([]byte, 4000)
	rand.New(rand.NewSource(11)).Read(buf)

	datagrams, err := Encode(buf, 1, 0)
	require.NoError(t, err)
	// Reverse delivery order.
	for i, j := 0, len(datagrams)-1; i < j; i, j = i+1, j-1 {
		datagrams[i], datagrams[j] = datagrams[j], datagrams[i]
	}

	r := NewReassembler(0)
	got, done := feedAll(t, r, datagrams)
	require.True(t, done)
	assert.Equal(t, buf, got)
}

func TestFragmentRoundTripWithFEC(t *testing.T) {
	buf := make([]byte, 6000)
	rand.New(rand.NewSource(12)).Read(buf)

	datagrams, err := Encode(buf, 1, 2.0)
	require.NoError(t, err)
	require.Greater(t, len(datagrams), NumFragments(len(buf)), "FEC must add parity fragments")

	r := NewReassembler(2.0)
	got, done := feedAll(t, r, datagrams)
	require.True(t, done)
	assert.Equal(t, buf, got)
}

func TestFragmentRoundTripWithFECAndLoss(t *testing.T) {
	buf := make([]byte, 8000)
	rand.New(rand.NewSource(13)).Read(buf)

	datagrams, err := Encode(buf, 1, 2.0)
	require.NoError(t, err)

	// Drop two of the twelve fragments (8000 bytes / 1400 = 6 data shards,
	// fecFactor 2.0 doubles to 12 total): comfortably above the 6 needed.
	r := NewReassembler(2.0)
	var kept []Datagram
	for i, dg := range datagrams {
		if i == 2 || i == 7 {
			continue
		}
		kept = append(kept, dg)
	}
	got, done := feedAll(t, r, kept)
	require.True(t, done, "should reconstruct despite dropped fragments")
	assert.Equal(t, buf, got)
}

func TestFragmentDuplicateIdempotentNoFEC(t *testing.T) {
	buf := make([]byte, MaxPayloadBytesPerFragment+100) // spans two fragments
	rand.New(rand.NewSource(15)).Read(buf)
	datagrams, err := Encode(buf, 1, 0)
	require.NoError(t, err)
	require.Len(t, datagrams, 2)

	r := NewReassembler(0)
	// Feed fragment 0 twice before fragment 1; the duplicate must not
	// disturb the received count.
	done, _, err := r.Accept(datagrams[0].Header, datagrams[0].Payload)
	require.NoError(t, err)
	require.False(t, done)
	done, _, err = r.Accept(datagrams[0].Header, datagrams[0].Payload)
	require.NoError(t, err)
	require.False(t, done)
	done, got, err := r.Accept(datagrams[1].Header, datagrams[1].Payload)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, buf, got)
}

func TestReassemblerAbandonsOnNewerSequence(t *testing.T) {
	buf1 := make([]byte, 3000)
	buf2 := make([]byte, 3000)
	rand.New(rand.NewSource(20)).Read(buf1)
	rand.New(rand.NewSource(21)).Read(buf2)

	d1, err := Encode(buf1, 1, 0)
	require.NoError(t, err)
	d2, err := Encode(buf2, 2, 0)
	require.NoError(t, err)

	r := NewReassembler(0)
	// Feed only the first fragment of message 1, then all of message 2.
	done, _, err := r.Accept(d1[0].Header, d1[0].Payload)
	require.NoError(t, err)
	_ = done
	got, done := feedAll(t, r, d2)
	require.True(t, done)
	assert.Equal(t, buf2, got)
}

func TestSeqNewerWraparound(t *testing.T) {
	assert.True(t, seqNewer(5, SeqnoWrapVal-1))
	assert.False(t, seqNewer(SeqnoWrapVal-2, SeqnoWrapVal-1))
	assert.True(t, seqNewer(100, 50))
	assert.False(t, seqNewer(50, 100))
}

func TestReassemblerDropsStaleFragmentCountMismatch(t *testing.T) {
	r := NewReassembler(0)
	hdr := wire.UDPHeader{Seq: 1, FragIndex: 0, FragCount: 2, TotalSize: 10}
	done, _, err := r.Accept(hdr, make([]byte, 5))
	require.NoError(t, err)
	assert.False(t, done)

	mismatched := wire.UDPHeader{Seq: 1, FragIndex: 1, FragCount: 3, TotalSize: 10}
	done2, _, err := r.Accept(mismatched, make([]byte, 5))
	require.NoError(t, err)
	assert.False(t, done2)
}
