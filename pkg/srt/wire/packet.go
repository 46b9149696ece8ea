// Package wire implements the SRT packet codec: the fixed 16-byte
// header, data-packet flag layout, control-packet types, the fixed
// handshake payload, its extension blocks (HSREQ/HSRSP/KMREQ/KMRSP/SID),
// and the ACK/LOSSREPORT payload layouts. All multi-byte integers are
// network byte order.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed size of the common 16-byte packet header.
const HeaderSize = 16

var ErrTruncated = errors.New("wire: packet truncated")

// ControlType enumerates the control-packet types carried in the high bits
// of header word 0 when bit 0 is set.
type ControlType uint16

const (
	CtrlHandshake  ControlType = 0x0000
	CtrlKeepalive  ControlType = 0x0001
	CtrlAck        ControlType = 0x0002
	CtrlLossReport ControlType = 0x0003
	CtrlCGWarning  ControlType = 0x0004
	CtrlShutdown   ControlType = 0x0005
	CtrlAckAck     ControlType = 0x0006
	CtrlDropReq    ControlType = 0x0007
	CtrlPeerError  ControlType = 0x0008
	CtrlExt        ControlType = 0x7FFF
)

// ExtSubCommand enumerates the SRT-specific sub-commands carried in word 1
// of an EXT control packet.
type ExtSubCommand uint32

const (
	ExtHSREQ ExtSubCommand = 1
	ExtHSRSP ExtSubCommand = 2
	ExtKMREQ ExtSubCommand = 3
	ExtKMRSP ExtSubCommand = 4
	ExtSID   ExtSubCommand = 5
)

// Boundary enumerates the FF bits of a data packet's message-number word.
type Boundary uint8

const (
	BoundaryMiddle Boundary = 0b00
	BoundaryLast   Boundary = 0b01
	BoundaryFirst  Boundary = 0b10
	BoundarySolo   Boundary = 0b11
)

// KeySpec enumerates the KK bits: which encryption key (if any) was used.
type KeySpec uint8

const (
	KeyClear KeySpec = 0b00
	KeyEven  KeySpec = 0b01
	KeyOdd   KeySpec = 0b10
)

// DataFlags decodes/encodes header word 1 for a data packet:
// [FF:2][O:1][KK:2][R:1][msgno:26].
type DataFlags struct {
	Boundary  Boundary
	InOrder   bool
	KeySpec   KeySpec
	Rexmit    bool
	MsgNumber uint32 // 26 bits
}

// Encode packs the flags and message number into a 32-bit wire word.
func (f DataFlags) Encode() uint32 {
	var w uint32
	w |= uint32(f.Boundary) << 30
	if f.InOrder {
		w |= 1 << 29
	}
	w |= uint32(f.KeySpec) << 27
	if f.Rexmit {
		w |= 1 << 26
	}
	w |= f.MsgNumber & 0x03FFFFFF
	return w
}

// DecodeDataFlags unpacks a 32-bit wire word into DataFlags.
func DecodeDataFlags(w uint32) DataFlags {
	return DataFlags{
		Boundary:  Boundary((w >> 30) & 0x3),
		InOrder:   (w>>29)&0x1 != 0,
		KeySpec:   KeySpec((w >> 27) & 0x3),
		Rexmit:    (w>>26)&0x1 != 0,
		MsgNumber: w & 0x03FFFFFF,
	}
}

// Header is the parsed form of the common 16-byte packet header.
type Header struct {
	IsControl bool
	// Data packet fields.
	SeqNo uint32 // 31 bits, valid when !IsControl
	// Control packet fields.
	CtrlType ControlType
	CtrlExtT uint16 // low 16 bits of word 0 (extended type / reserved); EXT sub-commands travel in Info
	// Shared fields.
	Info      uint32 // word 1: msgno+flags for data, additional-info for control
	Timestamp uint32 // word 2: microseconds since connection start, wraps
	DestSock  uint32 // word 3: destination socket identifier
}

// Packet is a fully decoded SRT packet: header plus payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// Encode serializes a packet into a freshly allocated byte slice.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	var w0 uint32
	if p.Header.IsControl {
		w0 = 1 << 31
		w0 |= uint32(p.Header.CtrlType&0x7FFF) << 16
		w0 |= uint32(p.Header.CtrlExtT)
	} else {
		w0 = p.Header.SeqNo & 0x7FFFFFFF
	}
	binary.BigEndian.PutUint32(buf[0:4], w0)
	binary.BigEndian.PutUint32(buf[4:8], p.Header.Info)
	binary.BigEndian.PutUint32(buf[8:12], p.Header.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], p.Header.DestSock)
	copy(buf[16:], p.Payload)
	return buf
}

// Decode parses a packet from a received UDP datagram. The returned
// Payload aliases buf; callers that retain it across the next receive
// loop iteration must copy it.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, ErrTruncated
	}
	w0 := binary.BigEndian.Uint32(buf[0:4])
	var h Header
	h.IsControl = w0&(1<<31) != 0
	if h.IsControl {
		h.CtrlType = ControlType((w0 >> 16) & 0x7FFF)
		h.CtrlExtT = uint16(w0 & 0xFFFF)
	} else {
		h.SeqNo = w0 & 0x7FFFFFFF
	}
	h.Info = binary.BigEndian.Uint32(buf[4:8])
	h.Timestamp = binary.BigEndian.Uint32(buf[8:12])
	h.DestSock = binary.BigEndian.Uint32(buf[12:16])
	return Packet{Header: h, Payload: buf[HeaderSize:]}, nil
}

// MaxPayload returns the maximum data-packet payload for the given MSS,
// i.e. MSS minus the UDP and SRT headers.
func MaxPayload(mss int) int {
	const udpHdr = 28 // IPv4(20)+UDP(8); SRT negotiates MSS inclusive of this overhead
	n := mss - udpHdr - HeaderSize
	if n < 0 {
		return 0
	}
	return n
}
