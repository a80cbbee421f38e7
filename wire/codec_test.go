package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	payload := []byte("hello tunnel")
	framed := EncodeLengthPrefixed(payload)

	got, err := DecodeLengthPrefixed(bytes.NewReader(framed), 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeLengthPrefixedShortRead(t *testing.T) {
	_, err := DecodeLengthPrefixed(bytes.NewReader([]byte{0, 0, 0, 5, 'a'}), 0)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestDecodeLengthPrefixedOversize(t *testing.T) {
	framed := EncodeLengthPrefixed(make([]byte, 100))
	_, err := DecodeLengthPrefixed(bytes.NewReader(framed), 10)
	assert.ErrorIs(t, err, ErrOversize)
}

func TestTunnelParamsRoundTrip(t *testing.T) {
	p := TunnelParams{
		ChannelRegex: "^CAMERA.*",
		UDP:          true,
		FECFactor:    1.5,
		MaxDelayMs:   25,
		TCPMaxAgeMs:  1000,
		UDPPort:      54321,
	}
	got, err := DecodeTunnelParams(EncodeTunnelParams(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestTunnelParamsNegativeFECFactor(t *testing.T) {
	p := TunnelParams{ChannelRegex: ".*", FECFactor: -3}
	got, err := DecodeTunnelParams(EncodeTunnelParams(p))
	require.NoError(t, err)
	assert.Equal(t, -3.0, got.FECFactor)
}

func TestCoalescedRoundTrip(t *testing.T) {
	entries := []ChannelPayload{
		{Channel: "A", Payload: []byte("one")},
		{Channel: "BB", Payload: []byte("two-longer")},
		{Channel: "", Payload: nil},
	}
	buf := EncodeCoalesced(entries)
	got, err := DecodeCoalesced(buf)
	require.NoError(t, err)
	require.Len(t, got, len(entries))
	for i := range entries {
		assert.Equal(t, entries[i].Channel, got[i].Channel)
		assert.Equal(t, entries[i].Payload, got[i].Payload)
	}
}

func TestDecodeCoalescedTruncated(t *testing.T) {
	buf := EncodeCoalesced([]ChannelPayload{{Channel: "A", Payload: []byte("longpayload")}})
	_, err := DecodeCoalesced(buf[:len(buf)-2])
	assert.Error(t, err)
}

func TestDecodeCoalescedTrailingBytes(t *testing.T) {
	buf := EncodeCoalesced([]ChannelPayload{{Channel: "A", Payload: []byte("x")}})
	buf = append(buf, 0xFF)
	_, err := DecodeCoalesced(buf)
	assert.Error(t, err)
}

func TestTCPFrameDistinctLayoutFromLCMHeader(t *testing.T) {
	frame := EncodeTCPFrame("CHAN", []byte("payload"))
	// The TCP frame interleaves the channel name between the two lengths;
	// a tunnel-LCM-header decode of the same bytes must not silently
	// succeed with the same channel/data lengths, since the field order
	// differs.
	chanLen, dataLen, err := DecodeTunnelLCMHeader(frame)
	require.NoError(t, err)
	assert.False(t, chanLen == 4 && dataLen == 7, "tcp frame must not parse as a coalesced header with the same lengths")
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	h := UDPHeader{Seq: 12345, FragIndex: 2, FragCount: 9, TotalSize: 4096}
	got, err := DecodeUDPHeader(EncodeUDPHeader(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestUDPHeaderNegativeSeq(t *testing.T) {
	h := UDPHeader{Seq: -1, FragIndex: 0, FragCount: 1, TotalSize: 0}
	got, err := DecodeUDPHeader(EncodeUDPHeader(h))
	require.NoError(t, err)
	assert.Equal(t, int32(-1), got.Seq)
}
