package fec

import "fmt"

// StubEncoder and StubDecoder are a plain-passthrough BlockEncoder/
// BlockDecoder pair: each "fragment" is just a slice of the original
// buffer, with no redundancy. Package fragment does not select it in place
// of the reed-solomon codec; it uses StubDecoder only as a fallback when
// NewDecoder fails.
type StubEncoder struct {
	buf       []byte
	chunkSize int
	total     int
	next      int
}

// NewStubEncoder splits buf into ceil(len(buf)/chunkSize) plain fragments.
func NewStubEncoder(buf []byte, chunkSize int) *StubEncoder {
	total := (len(buf) + chunkSize - 1) / chunkSize
	if total < 1 {
		total = 1
	}
	return &StubEncoder{buf: buf, chunkSize: chunkSize, total: total}
}

func (e *StubEncoder) NumPackets() int { return e.total }

func (e *StubEncoder) NextPacket(out []byte) (int, bool, error) {
	if e.next >= e.total {
		return 0, true, fmt.Errorf("fec: stub encoder exhausted")
	}
	i := e.next
	start := i * e.chunkSize
	end := start + e.chunkSize
	if end > len(e.buf) {
		end = len(e.buf)
	}
	n := copy(out, e.buf[start:end])
	_ = n
	e.next++
	return i, e.next == e.total, nil
}

// StubDecoder reassembles StubEncoder fragments; it has no error-correcting
// ability, so while any fragment is missing it keeps returning NeedMore. It
// never returns DoneFail.
type StubDecoder struct {
	bufLen    int
	chunkSize int
	total     int
	received  int
	present   []bool
	buf       []byte
}

// NewStubDecoder mirrors NewStubEncoder's chunking for a buffer of bufLen.
func NewStubDecoder(bufLen, chunkSize int) *StubDecoder {
	total := (bufLen + chunkSize - 1) / chunkSize
	if total < 1 {
		total = 1
	}
	return &StubDecoder{
		bufLen:    bufLen,
		chunkSize: chunkSize,
		total:     total,
		present:   make([]bool, total),
		buf:       make([]byte, bufLen),
	}
}

func (d *StubDecoder) Process(payload []byte, fragIndex int) (DecodeStatus, error) {
	if fragIndex < 0 || fragIndex >= d.total {
		return NeedMore, fmt.Errorf("fec: stub fragment index %d out of range", fragIndex)
	}
	if d.present[fragIndex] {
		return d.status(), nil
	}
	start := fragIndex * d.chunkSize
	end := start + len(payload)
	if end > d.bufLen {
		end = d.bufLen
	}
	copy(d.buf[start:end], payload)
	d.present[fragIndex] = true
	d.received++
	return d.status(), nil
}

func (d *StubDecoder) status() DecodeStatus {
	if d.received == d.total {
		return DoneOK
	}
	return NeedMore
}

func (d *StubDecoder) Extract(out []byte) error {
	if d.received != d.total {
		return fmt.Errorf("fec: stub decode not complete")
	}
	copy(out, d.buf)
	return nil
}
