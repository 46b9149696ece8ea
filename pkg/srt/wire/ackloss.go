// ACK and LOSSREPORT payload codecs. The LOSSREPORT format folds "is
// this a range" into the high bit of each 32-bit entry; ACK carries
// RTT/bandwidth fields ahead of the sequence list.
package wire

import "encoding/binary"

// AckPayload is the mandatory-then-optional ACK field layout: a lite
// ACK carries only RcvLastAck (one word); every other ACK carries the
// first four words, and the rate fields follow only when HasRateFields
// is set.
type AckPayload struct {
	RcvLastAck    uint32
	RTTMicros     uint32
	RTTVarMicros  uint32
	BufAvailPkts  uint32
	HasRateFields bool
	RecvSpeedPPS  uint32 // packets/sec pre-cutoff, bytes/sec post-cutoff per peer version
	BandwidthPPS  uint32
	RecvRateBPS   uint32
}

// EncodeLiteAck returns the 4-byte lite-ACK payload carrying only the
// acknowledged sequence.
func EncodeLiteAck(rcvLastAck uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, rcvLastAck)
	return buf
}

// Encode serializes an AckPayload; a lite ACK is the same encoding
// truncated to the first word, so EncodeLiteAck is kept as the fast path.
func (a AckPayload) Encode() []byte {
	n := 4
	if a.HasRateFields {
		n = 7
	}
	buf := make([]byte, n*4)
	binary.BigEndian.PutUint32(buf[0:4], a.RcvLastAck)
	binary.BigEndian.PutUint32(buf[4:8], a.RTTMicros)
	binary.BigEndian.PutUint32(buf[8:12], a.RTTVarMicros)
	binary.BigEndian.PutUint32(buf[12:16], a.BufAvailPkts)
	if a.HasRateFields {
		binary.BigEndian.PutUint32(buf[16:20], a.RecvSpeedPPS)
		binary.BigEndian.PutUint32(buf[20:24], a.BandwidthPPS)
		binary.BigEndian.PutUint32(buf[24:28], a.RecvRateBPS)
	}
	return buf
}

// DecodeAck parses an ACK payload of 1 word (a lite ACK, RcvLastAck
// only), 4 words or 7 words; any other length is rejected.
func DecodeAck(buf []byte) (AckPayload, error) {
	switch len(buf) {
	case 4:
		return AckPayload{RcvLastAck: binary.BigEndian.Uint32(buf)}, nil
	case 16:
		return AckPayload{
			RcvLastAck:   binary.BigEndian.Uint32(buf[0:4]),
			RTTMicros:    binary.BigEndian.Uint32(buf[4:8]),
			RTTVarMicros: binary.BigEndian.Uint32(buf[8:12]),
			BufAvailPkts: binary.BigEndian.Uint32(buf[12:16]),
		}, nil
	case 28:
		return AckPayload{
			RcvLastAck:    binary.BigEndian.Uint32(buf[0:4]),
			RTTMicros:     binary.BigEndian.Uint32(buf[4:8]),
			RTTVarMicros:  binary.BigEndian.Uint32(buf[8:12]),
			BufAvailPkts:  binary.BigEndian.Uint32(buf[12:16]),
			HasRateFields: true,
			RecvSpeedPPS:  binary.BigEndian.Uint32(buf[16:20]),
			BandwidthPPS:  binary.BigEndian.Uint32(buf[20:24]),
			RecvRateBPS:   binary.BigEndian.Uint32(buf[24:28]),
		}, nil
	default:
		return AckPayload{}, ErrTruncated
	}
}

// LossEntry is one parsed LOSSREPORT record: either a single sequence
// (Hi==Lo) or an inclusive range [Lo, Hi].
type LossEntry struct {
	Lo, Hi uint32
}

// EncodeLossReport packs loss entries into the flat 32-bit wire list: a
// lone sequence, or a range whose first word has its high bit set and
// is followed by the inclusive upper bound.
func EncodeLossReport(entries []LossEntry) []byte {
	buf := make([]byte, 0, len(entries)*8)
	for _, e := range entries {
		w := make([]byte, 4)
		if e.Lo == e.Hi {
			binary.BigEndian.PutUint32(w, e.Lo&0x7FFFFFFF)
			buf = append(buf, w...)
			continue
		}
		binary.BigEndian.PutUint32(w, e.Lo|0x80000000)
		buf = append(buf, w...)
		w2 := make([]byte, 4)
		binary.BigEndian.PutUint32(w2, e.Hi)
		buf = append(buf, w2...)
	}
	return buf
}

// DecodeLossReport unpacks a LOSSREPORT payload into entries.
func DecodeLossReport(buf []byte) ([]LossEntry, error) {
	var out []LossEntry
	for len(buf) >= 4 {
		w := binary.BigEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if w&0x80000000 != 0 {
			if len(buf) < 4 {
				return nil, ErrTruncated
			}
			hi := binary.BigEndian.Uint32(buf[0:4])
			buf = buf[4:]
			out = append(out, LossEntry{Lo: w & 0x7FFFFFFF, Hi: hi})
		} else {
			out = append(out, LossEntry{Lo: w, Hi: w})
		}
	}
	return out, nil
}
