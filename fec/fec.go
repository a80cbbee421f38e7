// Package fec is an abstract forward-error-correction block codec: pack a
// byte buffer into N equal-size fragments of which any sufficient subset
// reconstructs the original. It holds the BlockEncoder/BlockDecoder
// interfaces, a reed-solomon implementation, and a passthrough Stub codec
// (see stub.go). The fragment package constructs the reed-solomon Encoder
// and Decoder directly, so it always imports the reed-solomon library; the
// stub cannot be swapped in for it.
package fec

// MinFragmentsForFEC is the minimum fragment count below which plain
// fragmentation (no FEC) is used regardless of the configured factor.
const MinFragmentsForFEC = 3

// DecodeStatus is the result of feeding one fragment to a BlockDecoder.
type DecodeStatus int

const (
	NeedMore DecodeStatus = iota
	DoneOK
	DoneFail
)

// BlockEncoder packs a buffer into a sequence of equal-size fragments.
type BlockEncoder interface {
	// NumPackets returns the total number of fragments this encoder will
	// emit, including parity.
	NumPackets() int
	// NextPacket writes one fragment's payload into out (which must be at
	// least the encoder's fragment size) and returns its index and whether
	// this was the last packet.
	NextPacket(out []byte) (fragIndex int, done bool, err error)
}

// BlockDecoder reassembles fragments back into the original buffer.
type BlockDecoder interface {
	// Process feeds one received fragment. Once it returns DoneOK, Extract
	// yields the reconstructed buffer.
	Process(payload []byte, fragIndex int) (DecodeStatus, error)
	// Extract copies the reconstructed buffer into out, which must be at
	// least the original buffer length.
	Extract(out []byte) error
}
