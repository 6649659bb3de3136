package agw

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed size of the AGW frame header on the wire.
const HeaderLen = 36

// wireHeader is the exact 36-byte wire layout, in field order.
// All multi-byte integers are little-endian.
type wireHeader struct {
	Port         byte
	Reserved1    [3]byte
	DataKind     byte
	Reserved2    byte
	PID          byte
	Reserved3    byte
	CallFrom     [CallLen]byte
	CallTo       [CallLen]byte
	DataLen      uint32
	UserReserved [4]byte
}

// Header is the decoded form of the fixed frame header. Src and Dst are
// empty Calls when the corresponding field is all zeroes on the wire.
type Header struct {
	Port    uint8
	Kind    byte
	PID     uint8
	Src     Call
	Dst     Call
	DataLen uint32
}

// Serialize packs the header into its 36-byte wire form.
func (h Header) Serialize() []byte {
	var w = wireHeader{
		Port:     h.Port,
		DataKind: h.Kind,
		PID:      h.PID,
		CallFrom: h.Src.Bytes(),
		CallTo:   h.Dst.Bytes(),
		DataLen:  h.DataLen,
	}

	var buf bytes.Buffer
	// binary.Write on a fixed-size struct can't fail on a bytes.Buffer.
	binary.Write(&buf, binary.LittleEndian, w) //nolint:errcheck

	return buf.Bytes()
}

// ParseHeader decodes a 36-byte header. The callsign fields must each hold
// a valid callsign or be all zeroes.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrMalformedFrame, len(b), HeaderLen)
	}

	var w wireHeader
	binary.Read(bytes.NewReader(b), binary.LittleEndian, &w) //nolint:errcheck

	var src, srcErr = callFromBytes(w.CallFrom[:])
	if srcErr != nil {
		return Header{}, srcErr
	}

	var dst, dstErr = callFromBytes(w.CallTo[:])
	if dstErr != nil {
		return Header{}, dstErr
	}

	return Header{
		Port:    w.Port,
		Kind:    w.DataKind,
		PID:     w.PID,
		Src:     src,
		Dst:     dst,
		DataLen: w.DataLen,
	}, nil
}
