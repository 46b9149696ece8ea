// Package seqno implements the modular arithmetic used for SRT's 31-bit
// sequence numbers and 26-bit message numbers. All ordering goes through
// signed modular comparison because raw integer ordering breaks at
// sequence-number rollover.
package seqno

const (
	// SeqBits is the width of the sequence-number space: bit 0 of the
	// wire header is reserved as the data/control discriminant, leaving
	// 31 bits for the sequence itself.
	SeqBits = 31
	// SeqMax is one past the largest representable sequence number.
	SeqMax  uint32 = 1 << SeqBits
	seqHalf uint32 = SeqMax / 2

	// MsgBits is the width of the message-number space.
	MsgBits = 26
	// MsgMax is one past the largest representable message number.
	MsgMax uint32 = 1 << MsgBits
)

// Seq is a 31-bit sequence number. Values are always kept in [0, SeqMax).
type Seq uint32

// Msgno is a 26-bit message number (without the boundary/flag bits that
// share its wire word; those live in wire.DataFlags).
type Msgno uint32

// Normalize folds v into the valid sequence range.
func Normalize(v uint32) Seq { return Seq(v % SeqMax) }

// Cmp returns a negative value if a precedes b, zero if equal, and a
// positive value if a follows b, interpreting the 31-bit difference as a
// signed quantity in [-2^30, 2^30). This is the only sanctioned way to
// order two sequence numbers; direct integer comparison is forbidden
// because of wraparound.
func Cmp(a, b Seq) int32 {
	diff := (int32(a) - int32(b)) << 1 >> 1 // sign-extend the 31-bit diff
	return diff
}

// Less reports whether a strictly precedes b modulo 2^31.
func Less(a, b Seq) bool { return Cmp(a, b) < 0 }

// Inc returns the sequence number following s, wrapping at SeqMax.
func Inc(s Seq) Seq {
	s++
	if uint32(s) >= SeqMax {
		return 0
	}
	return s
}

// Dec returns the sequence number preceding s, wrapping at SeqMax.
func Dec(s Seq) Seq {
	if s == 0 {
		return Seq(SeqMax - 1)
	}
	return s - 1
}

// Add returns s advanced by n (n may be negative), wrapping modulo SeqMax.
func Add(s Seq, n int64) Seq {
	v := (int64(s) + n) % int64(SeqMax)
	if v < 0 {
		v += int64(SeqMax)
	}
	return Seq(v)
}

// Off returns the signed distance from base to seq, i.e. the n such that
// Add(base, n) == seq, chosen in [-2^30, 2^30).
func Off(base, seq Seq) int32 {
	return Cmp(seq, base)
}

// Len returns the count of sequence numbers from 'from' to 'to' inclusive,
// assuming 'to' does not precede 'from'. Used to size loss ranges and
// flow-window occupancy.
func Len(from, to Seq) uint32 {
	d := Off(from, to)
	if d < 0 {
		return 0
	}
	return uint32(d) + 1
}

// NormalizeMsgno folds v into the valid message-number range.
func NormalizeMsgno(v uint32) Msgno { return Msgno(v % MsgMax) }

// IncMsgno returns the message number following m, wrapping at MsgMax.
func IncMsgno(m Msgno) Msgno {
	m++
	if uint32(m) >= MsgMax {
		return 0
	}
	return m
}
