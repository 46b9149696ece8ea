// Package sndbuf implements the sender-side ordered store of outgoing
// payloads awaiting ACK: a slice of pending blocks plus a map from
// assigned sequence to block index, so a retransmit replays the
// original wire bytes rather than re-encoding. Payloads larger than one
// MSS are framed across consecutive sequences with FIRST/MIDDLE/LAST
// boundary flags.
package sndbuf

import (
	"sync"
	"time"

	"github.com/srtgo/srt/pkg/srt/seqno"
	"github.com/srtgo/srt/pkg/srt/wire"
)

// Block is one outgoing payload block awaiting acknowledgement.
type Block struct {
	Seq       seqno.Seq
	Msgno     wire.DataFlags // frozen msgno+flags word, preserved verbatim across retransmits
	Payload   []byte
	Origin    time.Time // enqueue timestamp, used for TTL and for the wire "origin time" on first send
	TTL       time.Duration
	InOrder   bool
	RexmitCnt int
	sentOnce  bool
}

// expired reports whether the block has outlived its TTL as of now. A
// zero TTL means "no expiry" (stream/file mode without message TTL).
func (b *Block) expired(now time.Time) bool {
	return b.TTL > 0 && now.Sub(b.Origin) > b.TTL
}

// DroppedRange is returned by ReadRetransmission when a requested block
// has expired and must instead be reported to the peer via DROPREQ.
type DroppedRange struct {
	Lo, Hi seqno.Seq
}

// Buffer is the sender's ordered store of outgoing blocks.
type Buffer struct {
	mu sync.Mutex

	mss     int
	blocks  []*Block // ordered by ascending Seq, oldest (lowest) first
	byIndex map[seqno.Seq]int

	curMsgno uint32

	sndCurrSeqNo   seqno.Seq // last sequence handed to a fresh send
	sndLastSent    seqno.Seq // last sequence actually transmitted once
	haveSent       bool
	sndLastAck     seqno.Seq // peer-acked boundary
	sndLastDataAck seqno.Seq
	sndLastFullAck seqno.Seq

	keySpec func() wire.KeySpec // current send key-spec, supplied by crypto control
}

// New creates an empty send buffer. isn is the connection's initial
// sequence number; mss bounds how large a single block's payload may be
// before it must be split across FIRST/MIDDLE/LAST blocks.
func New(isn seqno.Seq, mss int) *Buffer {
	return &Buffer{
		mss:            mss,
		byIndex:        make(map[seqno.Seq]int),
		sndCurrSeqNo:   seqno.Dec(isn), // first Enqueue will assign isn itself
		sndLastAck:     isn,
		sndLastDataAck: isn,
		sndLastFullAck: isn,
		keySpec:        func() wire.KeySpec { return wire.KeyClear },
	}
}

// SetKeySpecFunc installs the callback used to tag each freshly-sent
// block with the current encryption key parity (even/odd during a key
// rotation window, clear if encryption is disabled).
func (b *Buffer) SetKeySpecFunc(f func() wire.KeySpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keySpec = f
}

// Enqueue appends payload to the buffer, splitting it into MSS-sized
// blocks with boundary flags, and returns the sequence numbers assigned.
// ttl<=0 means the message never expires via too-late-drop.
func (b *Buffer) Enqueue(payload []byte, ttl time.Duration, inorder bool, srcTimestamp time.Time) []seqno.Seq {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgno := b.curMsgno
	b.curMsgno = uint32(seqno.IncMsgno(seqno.Msgno(b.curMsgno)))

	var chunks [][]byte
	if len(payload) == 0 {
		chunks = [][]byte{{}}
	}
	for off := 0; off < len(payload); off += b.mss {
		end := off + b.mss
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}

	seqs := make([]seqno.Seq, 0, len(chunks))
	for i, chunk := range chunks {
		var boundary wire.Boundary
		switch {
		case len(chunks) == 1:
			boundary = wire.BoundarySolo
		case i == 0:
			boundary = wire.BoundaryFirst
		case i == len(chunks)-1:
			boundary = wire.BoundaryLast
		default:
			boundary = wire.BoundaryMiddle
		}

		b.sndCurrSeqNo = seqno.Inc(b.sndCurrSeqNo)
		seq := b.sndCurrSeqNo

		payloadCopy := make([]byte, len(chunk))
		copy(payloadCopy, chunk)

		blk := &Block{
			Seq:     seq,
			Payload: payloadCopy,
			Origin:  srcTimestamp,
			TTL:     ttl,
			InOrder: inorder,
			Msgno: wire.DataFlags{
				Boundary:  boundary,
				InOrder:   inorder,
				MsgNumber: msgno,
			},
		}
		b.blocks = append(b.blocks, blk)
		b.byIndex[seq] = len(b.blocks) - 1
		seqs = append(seqs, seq)
	}
	return seqs
}

// ReadOriginal returns the next never-before-sent block, tagging its
// key-spec bits with the currently active send key, or ok=false if
// everything enqueued has already been sent at least once.
func (b *Buffer) ReadOriginal() (payload []byte, flags wire.DataFlags, seq seqno.Seq, origin time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Blocks are appended in send order and carry sentOnce==false until
	// their first transmission, so a linear scan finds the next original
	// packet to send.
	for _, blk := range b.blocks {
		if !blk.sentOnce {
			blk.sentOnce = true
			blk.RexmitCnt = 1
			blk.Msgno.KeySpec = b.keySpec()
			b.sndLastSent = blk.Seq
			b.haveSent = true
			return blk.Payload, blk.Msgno, blk.Seq, blk.Origin, true
		}
	}
	return nil, wire.DataFlags{}, 0, time.Time{}, false
}

// Len returns the number of blocks currently buffered (sent or not).
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks)
}

// InFlight returns the count of blocks transmitted at least once but
// not yet acknowledged; enqueued-but-unsent blocks do not count, so a
// full queue cannot starve itself of window budget.
func (b *Buffer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveSent {
		return 0
	}
	n := seqno.Off(b.sndLastAck, b.sndLastSent) + 1
	if n < 0 {
		return 0
	}
	return int(n)
}

// ReadRetransmission returns the stored block for seq verbatim, or a
// DroppedRange if it expired and must be DROPREQ'd instead. ok=false if
// seq is not currently buffered (already ACKed and released).
func (b *Buffer) ReadRetransmission(seq seqno.Seq, now time.Time) (payload []byte, flags wire.DataFlags, dropped *DroppedRange, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, present := b.byIndex[seq]
	if !present {
		return nil, wire.DataFlags{}, nil, false
	}
	blk := b.blocks[idx]
	if blk.expired(now) {
		dr := &DroppedRange{Lo: blk.Seq, Hi: blk.Seq}
		delete(b.byIndex, blk.Seq)
		b.blocks = append(b.blocks[:idx], b.blocks[idx+1:]...)
		b.reindexLocked()
		return nil, wire.DataFlags{}, dr, true
	}
	blk.RexmitCnt++
	flags = blk.Msgno
	flags.Rexmit = true
	return blk.Payload, flags, nil, true
}

// AckTo drops all blocks whose sequence precedes seq (modular), advancing
// SndLastAck/SndLastDataAck. SndLastFullAck is only advanced here too,
// since a genuine peer ACK is the normal path; DropLate advances the
// other two without touching SndLastFullAck.
func (b *Buffer) AckTo(seq seqno.Seq) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseUpTo(seq)
	b.sndLastAck = seq
	b.sndLastDataAck = seq
	b.sndLastFullAck = seq
}

// DropLate implements the too-late-packet-drop policy: in live mode, once
// the head-of-queue block's age exceeds the threshold, drop everything
// older than now-threshold and bump SndLastAck/SndLastDataAck artificially
// while leaving SndLastFullAck where the last genuine ACK left it, so a
// subsequent real ACK still yields a valid RTT sample.
func (b *Buffer) DropLate(now time.Time, threshold time.Duration) (dropped []seqno.Seq) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.blocks) == 0 {
		return nil
	}
	head := b.blocks[0]
	if now.Sub(head.Origin) <= threshold {
		return nil
	}
	cutoff := now.Add(-threshold)
	var lastDropped seqno.Seq
	for len(b.blocks) > 0 && b.blocks[0].Origin.Before(cutoff) {
		lastDropped = b.blocks[0].Seq
		dropped = append(dropped, b.blocks[0].Seq)
		delete(b.byIndex, b.blocks[0].Seq)
		b.blocks = b.blocks[1:]
	}
	if len(dropped) > 0 {
		b.sndLastAck = seqno.Inc(lastDropped)
		b.sndLastDataAck = seqno.Inc(lastDropped)
		b.reindexLocked()
	}
	return dropped
}

func (b *Buffer) releaseUpTo(seq seqno.Seq) {
	i := 0
	for i < len(b.blocks) && seqno.Less(b.blocks[i].Seq, seq) {
		delete(b.byIndex, b.blocks[i].Seq)
		i++
	}
	if i > 0 {
		b.blocks = b.blocks[i:]
		b.reindexLocked()
	}
}

func (b *Buffer) reindexLocked() {
	b.byIndex = make(map[seqno.Seq]int, len(b.blocks))
	for i, blk := range b.blocks {
		b.byIndex[blk.Seq] = i
	}
}

// Empty reports whether every enqueued block has been ACKed and released.
func (b *Buffer) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blocks) == 0
}

// CurrSeqNo returns the sequence of the most recently assigned block.
func (b *Buffer) CurrSeqNo() seqno.Seq {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sndCurrSeqNo
}

// LastAck returns SndLastAck.
func (b *Buffer) LastAck() seqno.Seq {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sndLastAck
}

// LastFullAck returns SndLastFullAck, the peer-acknowledged boundary
// unaffected by artificial too-late-drop advances.
func (b *Buffer) LastFullAck() seqno.Seq {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sndLastFullAck
}
