package wire

import (
	"encoding/binary"
)

// Handshake request types. Negative values use Go's signed
// int32 the same way the wire does via two's complement.
type ReqType int32

const (
	ReqWaveAHand  ReqType = 0
	ReqInduction  ReqType = 1
	ReqConclusion ReqType = -1
	ReqAgreement  ReqType = -2
	ReqDone       ReqType = -3 // internal only, never sent
	RejectBase    ReqType = 1000
	RejectMaxExcl ReqType = 2000
)

// HandshakeVersion enumerates the two wire generations SRT supports.
type HandshakeVersion uint32

const (
	HSv4 HandshakeVersion = 4
	HSv5 HandshakeVersion = 5
)

// HandshakeSize is the fixed size of the handshake payload.
const HandshakeSize = 48

// Handshake is the fixed 48-byte handshake payload.
type Handshake struct {
	Version        HandshakeVersion
	EncryptionFlag uint16 // type/extension-flags field; low bits carry crypto flags, high bits an extension-present marker for HSv5
	ExtField       uint16 // magic/extension marker (SRT_MAGIC_CODE) distinguishing HSv5-capable peers
	ISN            uint32
	MSS            uint32
	FlightFlagSize uint32
	ReqType        ReqType
	SrcSockID      uint32
	Cookie         uint32
	PeerIP         [16]byte // IPv4-mapped or IPv6 peer address echo
}

// Encode serializes the handshake to exactly HandshakeSize bytes.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Version))
	binary.BigEndian.PutUint16(buf[4:6], h.EncryptionFlag)
	binary.BigEndian.PutUint16(buf[6:8], h.ExtField)
	binary.BigEndian.PutUint32(buf[8:12], h.ISN)
	binary.BigEndian.PutUint32(buf[12:16], h.MSS)
	binary.BigEndian.PutUint32(buf[16:20], h.FlightFlagSize)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.ReqType))
	binary.BigEndian.PutUint32(buf[24:28], h.SrcSockID)
	binary.BigEndian.PutUint32(buf[28:32], h.Cookie)
	copy(buf[32:48], h.PeerIP[:])
	return buf
}

// DecodeHandshake parses a fixed handshake payload. Returns ErrTruncated
// for anything shorter than HandshakeSize.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) < HandshakeSize {
		return Handshake{}, ErrTruncated
	}
	var h Handshake
	h.Version = HandshakeVersion(binary.BigEndian.Uint32(buf[0:4]))
	h.EncryptionFlag = binary.BigEndian.Uint16(buf[4:6])
	h.ExtField = binary.BigEndian.Uint16(buf[6:8])
	h.ISN = binary.BigEndian.Uint32(buf[8:12])
	h.MSS = binary.BigEndian.Uint32(buf[12:16])
	h.FlightFlagSize = binary.BigEndian.Uint32(buf[16:20])
	h.ReqType = ReqType(int32(binary.BigEndian.Uint32(buf[20:24])))
	h.SrcSockID = binary.BigEndian.Uint32(buf[24:28])
	h.Cookie = binary.BigEndian.Uint32(buf[28:32])
	copy(h.PeerIP[:], buf[32:48])
	return h, nil
}

// Extension is one parsed HSv5 extension block: a command/size word
// followed by that many 32-bit words of content.
type Extension struct {
	Command ExtSubCommand
	Words   []uint32
}

// EncodeExtensions serializes a sequence of extension blocks back-to-back,
// each prefixed by its command/size word (command in the high 16 bits,
// size-in-32-bit-words in the low 16 bits).
func EncodeExtensions(exts []Extension) []byte {
	buf := make([]byte, 0, 64)
	for _, e := range exts {
		head := make([]byte, 4)
		binary.BigEndian.PutUint32(head, uint32(e.Command)<<16|uint32(len(e.Words)))
		buf = append(buf, head...)
		for _, w := range e.Words {
			wb := make([]byte, 4)
			binary.BigEndian.PutUint32(wb, w)
			buf = append(buf, wb...)
		}
	}
	return buf
}

// ParseExtensions walks an extension-block buffer until exhaustion,
// stopping at end-of-buffer or on a size that would overrun what
// remains (returned as a truncated block list rather than an error).
func ParseExtensions(buf []byte) []Extension {
	var out []Extension
	for len(buf) >= 4 {
		head := binary.BigEndian.Uint32(buf[0:4])
		cmd := ExtSubCommand(head >> 16)
		size := int(head & 0xFFFF)
		buf = buf[4:]
		if size*4 > len(buf) {
			break // truncated block: stop parsing, return what we have
		}
		words := make([]uint32, size)
		for i := 0; i < size; i++ {
			words[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
		}
		out = append(out, Extension{Command: cmd, Words: words})
		buf = buf[size*4:]
	}
	return out
}

// HSExtFlags are the feature-support bits carried in word 1 of an
// HSREQ/HSRSP extension payload.
type HSExtFlags uint32

const (
	FlagTSBPDSND  HSExtFlags = 1 << 0
	FlagTSBPDRCV  HSExtFlags = 1 << 1
	FlagHAICRYPT  HSExtFlags = 1 << 2
	FlagTLPKTDROP HSExtFlags = 1 << 3
	FlagNAKReport HSExtFlags = 1 << 4
	FlagRexmitFlg HSExtFlags = 1 << 5
	FlagStream    HSExtFlags = 1 << 6
)

// HSExt is the 3-word HSREQ/HSRSP payload.
type HSExt struct {
	Version       uint32 // maj<<16 | min<<8 | patch
	Flags         HSExtFlags
	SendLatencyMS uint16 // high 16 bits of the packed latency field (HSv5)
	RecvLatencyMS uint16 // low 16 bits of the packed latency field (HSv5); sole field used for HSv4
}

// Encode packs an HSExt into its 3-word wire form.
func (e HSExt) Encode() []uint32 {
	latency := uint32(e.SendLatencyMS)<<16 | uint32(e.RecvLatencyMS)
	return []uint32{e.Version, uint32(e.Flags), latency}
}

// DecodeHSExt unpacks a 3-word HSREQ/HSRSP payload. hsv4 selects whether
// the latency word is interpreted as the single HSv4 16-bit field (packed
// into RecvLatencyMS with SendLatencyMS left zero) or HSv5's packed pair.
func DecodeHSExt(words []uint32, hsv4 bool) HSExt {
	if len(words) < 3 {
		return HSExt{}
	}
	var e HSExt
	e.Version = words[0]
	e.Flags = HSExtFlags(words[1])
	if hsv4 {
		e.RecvLatencyMS = uint16(words[2])
	} else {
		e.SendLatencyMS = uint16(words[2] >> 16)
		e.RecvLatencyMS = uint16(words[2])
	}
	return e
}

// BytesToWords packs a byte payload into 32-bit big-endian extension
// words, zero-padding to a 4-byte multiple.
func BytesToWords(b []byte) []uint32 {
	padded := b
	if len(b)%4 != 0 {
		padded = make([]byte, (len(b)+3)&^3)
		copy(padded, b)
	}
	words := make([]uint32, len(padded)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(padded[i*4 : i*4+4])
	}
	return words
}

// WordsToBytes is the inverse of BytesToWords (padding included).
func WordsToBytes(w []uint32) []byte {
	b := make([]byte, len(w)*4)
	for i, x := range w {
		binary.BigEndian.PutUint32(b[i*4:i*4+4], x)
	}
	return b
}

// MaxSIDLength is the maximum stream-identifier length.
const MaxSIDLength = 512

// EncodeSID pads a stream identifier to a 4-byte multiple, as the wire
// extension block requires (content must be a whole number of 32-bit
// words).
func EncodeSID(sid string) []uint32 {
	b := []byte(sid)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	return words
}

// DecodeSID reconstructs a NUL-terminated stream identifier from its
// extension words into a buffer of MaxSIDLength+1 bytes, so a terminator
// is always present regardless of the sender's padding.
func DecodeSID(words []uint32) string {
	buf := make([]byte, MaxSIDLength+1)
	n := 0
	for _, w := range words {
		if n+4 > MaxSIDLength {
			break
		}
		binary.BigEndian.PutUint32(buf[n:n+4], w)
		n += 4
	}
	// Trim at the first NUL (or end of written data).
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i])
		}
	}
	return string(buf[:n])
}
