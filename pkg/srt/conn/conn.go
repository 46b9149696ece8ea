package conn

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/srtgo/srt/internal/logging"
	"github.com/srtgo/srt/pkg/srt/ackwindow"
	"github.com/srtgo/srt/pkg/srt/congestion"
	"github.com/srtgo/srt/pkg/srt/crypto"
	"github.com/srtgo/srt/pkg/srt/losslist"
	"github.com/srtgo/srt/pkg/srt/pktwindow"
	"github.com/srtgo/srt/pkg/srt/rcvbuf"
	"github.com/srtgo/srt/pkg/srt/sndbuf"
	"github.com/srtgo/srt/pkg/srt/wire"

	"github.com/srtgo/srt/pkg/srt/seqno"
)

// Sink is the outbound half of the transport: a connection hands it
// fully encoded wire bytes and a destination address, never touching a
// socket directly. The muxer package implements this over one shared
// net.PacketConn.
type Sink interface {
	SendTo(addr string, b []byte) error
}

// timers bundles the deadlines the tick loop checks every pass.
type timers struct {
	nextACK       time.Time
	nextNAK       time.Time
	nextKeepalive time.Time
	nextEXPCheck  time.Time
	lastRecvAt    time.Time
	expCount      int
}

// Connection is one SRT connection's transport core: send/receive
// buffers, loss lists, RTT/bandwidth estimators, congestion control, and
// crypto state, driven by inbound packets and a periodic Tick call.
type Connection struct {
	mu sync.Mutex

	ID        uint32
	PeerID    uint32 // peer's socket id, stamped into every outgoing DestSock field
	TraceID   string
	PeerAddr  string
	StartTime time.Time

	state State
	opts  *Options

	sink Sink

	snd *sndbuf.Buffer
	rcv *rcvbuf.Buffer

	sndLoss *losslist.Sender
	rcvLoss *losslist.Receiver

	ackWin     *ackwindow.Window
	pktWin     *pktwindow.Window
	cong       congestion.Controller
	nextACKSeq uint32

	flowWindow int             // peer-reported receive credit, in packets
	peerFlags  wire.HSExtFlags // capability flags from the peer's HSREQ/HSRSP
	sndSpace   chan struct{}   // pokes senders blocked on a full buffer

	txCrypto    *crypto.KM
	rxCrypto    *crypto.KM
	rxParity    wire.KeySpec
	peerVersion wire.HandshakeVersion

	rttEWMA    time.Duration
	rttVarEWMA time.Duration
	haveRTT    bool

	timers timers

	highestSeen  seqno.Seq // highest data sequence observed so far
	haveSeen     bool
	pktsSinceACK int // data packets received since the last (full or lite) ACK

	counters struct {
		pktSent         uint64
		pktRecv         uint64
		pktRetrans      uint64
		pktSndDrop      uint64
		pktRcvDrop      uint64
		pktRcvBelated   uint64
		pktRcvUndecrypt uint64
		pktRcvOverrun   uint64
	}

	log *logging.Logger

	onClosed    []func(*Connection)
	dataArrived func()
}

// ReceiveBuffer exposes the underlying receive buffer so a tsbpd.Thread
// can be driven directly against it (rcvbuf.Buffer already satisfies
// tsbpd.Source's Readiness/ReadMessage/Skip surface).
func (c *Connection) ReceiveBuffer() *rcvbuf.Buffer {
	return c.rcv
}

// SetDataArrivedHook installs the callback invoked after every
// successfully inserted data packet, used to wake a tsbpd.Thread blocked
// waiting on the previous head-of-line deadline.
func (c *Connection) SetDataArrivedHook(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataArrived = f
}

// New creates a freshly handshaken connection. isn is this side's
// initial sequence number (already agreed with the peer); peerISN seeds
// the receive buffer.
func New(opts *Options, isn, peerISN seqno.Seq, sockID uint32, peerAddr string, sink Sink, startTime time.Time) *Connection {
	mss := opts.MSS

	c := &Connection{
		ID:         sockID,
		TraceID:    xid.New().String(),
		PeerAddr:   peerAddr,
		StartTime:  startTime,
		state:      StateConnecting,
		opts:       opts,
		sink:       sink,
		snd:        sndbuf.New(isn, wire.MaxPayload(mss)),
		rcv:        rcvbuf.New(peerISN, opts.FC),
		sndLoss:    losslist.NewSender(opts.FC),
		rcvLoss:    losslist.NewReceiver(maxReorderTolerance(opts)),
		ackWin:     ackwindow.New(ackwindow.DefaultSize),
		pktWin:     pktwindow.New(),
		flowWindow: opts.FC,
		sndSpace:   make(chan struct{}, 1),
		log:        logging.With("conn"),
	}

	if opts.Mode == ModeLive {
		c.cong = congestion.NewLive(opts.FC, mss)
	} else {
		c.cong = congestion.NewFile(mss, opts.FC)
	}

	if opts.Passphrase != "" {
		c.txCrypto = crypto.New(opts.Passphrase, opts.PBKeyLen, opts.EnforcedEncryption, opts.KMRefreshRate)
		c.rxCrypto = crypto.New(opts.Passphrase, opts.PBKeyLen, opts.EnforcedEncryption, 0)
		c.txCrypto.GenerateSEK(wire.KeyEven)
		c.snd.SetKeySpecFunc(c.txCrypto.ActiveKeySpec)
		c.rxParity = wire.KeyEven
	}

	if opts.TSBPD {
		c.rcv.EnableTSBPD(opts.Latency)
	}

	c.timers = timers{lastRecvAt: startTime}

	c.log = c.log.WithFields(logging.Fields{"conn_id": c.TraceID, "peer": peerAddr})
	return c
}

func maxReorderTolerance(o *Options) int {
	if o.Mode == ModeLive {
		return 32
	}
	return 128
}

// GenerateSockID produces a random non-zero 32-bit socket identifier;
// socket ids have no ordering requirement, only uniqueness per muxer.
func GenerateSockID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

// AddOnClosed appends a callback invoked exactly once when the
// connection transitions to BROKEN or CLOSED, used by the muxer to
// remove it from the dispatch table and by metrics to unregister it.
func (c *Connection) AddOnClosed(f func(*Connection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = append(c.onClosed, f)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Options returns the connection's option set (the accepted socket's
// inherited copy, for connections created by a listener).
func (c *Connection) Options() *Options {
	return c.opts
}

// TLPktDropEnabled reports whether too-late-packet-drop is active,
// consulted when wiring up a tsbpd.Thread for this connection.
func (c *Connection) TLPktDropEnabled() bool {
	return c.opts.Snapshot().TLPktDrop
}

// HandshakeKMPayload wraps the current send key for inclusion as a
// KMREQ handshake extension. Returns nil when encryption is not
// configured or the wrap fails.
func (c *Connection) HandshakeKMPayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txCrypto == nil {
		return nil
	}
	payload, err := c.txCrypto.WrapKM()
	if err != nil {
		c.log.Warnf("handshake KM wrap failed: %v", err)
		return nil
	}
	return payload
}

// AcceptPeerKM resolves a KMREQ received during the handshake on the
// responder side: unwrap into the receive direction and, on success,
// clone the same SEK into the send direction (bidirectional HSv5
// connections share the initiator's key). Returns the KMRSP payload (an
// echo of the request) and whether the unwrap succeeded.
func (c *Connection) AcceptPeerKM(kmreq []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rxCrypto == nil {
		return nil, false
	}
	if c.rxCrypto.UnwrapKM(kmreq, wire.KeyEven) != crypto.Secured {
		if c.txCrypto != nil {
			c.txCrypto.MarkBadSecret()
		}
		return nil, false
	}
	c.rxParity = wire.KeyOdd
	if c.txCrypto != nil {
		c.txCrypto.CloneFrom(c.rxCrypto)
	}
	return kmreq, true
}

// CompleteKMExchange finishes the initiator side of the handshake KM
// negotiation: a matching KMRSP secures both directions (the responder
// cloned our SEK), its absence downgrades both to BadSecret while the
// connection stays usable.
func (c *Connection) CompleteKMExchange(kmrspReceived bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txCrypto == nil {
		return
	}
	if kmrspReceived {
		c.txCrypto.MarkSecured()
		c.rxCrypto.CloneFrom(c.txCrypto)
		return
	}
	c.txCrypto.MarkBadSecret()
	c.rxCrypto.MarkBadSecret()
}

// ResetReceiveBase re-seeds the receive buffer at the peer's initial
// sequence number, used by rendezvous where the peer's ISN is only
// learned mid-handshake rather than at construction.
func (c *Connection) ResetReceiveBase(peerISN seqno.Seq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rcv = rcvbuf.New(peerISN, c.opts.FC)
	if c.opts.TSBPD {
		c.rcv.EnableTSBPD(c.opts.Latency)
	}
	c.haveSeen = false
}

// SetPeerFlowWindow seeds the flow window from the peer's advertised
// flight-flag size; later ACKs keep it current from the reported buffer
// space.
func (c *Connection) SetPeerFlowWindow(packets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if packets > 0 {
		c.flowWindow = packets
	}
}

// SetPeerFlags records the capability flags the peer advertised in its
// HSREQ/HSRSP extension, consulted for features that require mutual
// support (the rexmit flag, NAK reports).
func (c *Connection) SetPeerFlags(f wire.HSExtFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerFlags = f
}

// rexmitSupportedLocked reports whether the retransmit flag is
// meaningful on this connection: this side always advertises it, so
// the peer's advertisement decides.
func (c *Connection) rexmitSupportedLocked() bool {
	return c.peerFlags&wire.FlagRexmitFlg != 0
}

// ApplyNegotiatedMSS re-derives the payload split size once the peer's
// (smaller) MSS is known; only legal while the send buffer is still
// empty, i.e. before the connection reaches CONNECTED.
func (c *Connection) ApplyNegotiatedMSS(mss int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mss <= 0 || mss >= c.opts.Snapshot().MSS {
		return
	}
	c.opts.SetNegotiatedMSS(mss)
	c.snd = sndbuf.New(seqno.Inc(c.snd.CurrSeqNo()), wire.MaxPayload(mss))
	if c.txCrypto != nil {
		c.snd.SetKeySpecFunc(c.txCrypto.ActiveKeySpec)
	}
}

// SetPeerID records the peer's socket identifier, learned from the
// handshake's source-socket-id field; every outgoing packet carries it
// in the destination-socket header word so the peer's muxer can
// dispatch without consulting addresses.
func (c *Connection) SetPeerID(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PeerID = id
}

// SetPeerVersion records the peer's negotiated handshake version,
// learned once during the handshake and consulted by option negotiation
// (e.g. clearing TLPKTDROP for peers below the documented patch cutoff).
func (c *Connection) SetPeerVersion(v wire.HandshakeVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerVersion = v
}

// MarkConnected transitions CONNECTING -> CONNECTED once the handshake
// engine reports success, arming the periodic timers.
func (c *Connection) MarkConnected(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateConnected
	c.opts.MarkConnected()
	c.timers.nextACK = now.Add(10 * time.Millisecond)
	c.timers.nextNAK = now.Add(20 * time.Millisecond)
	c.timers.nextKeepalive = now.Add(time.Second)
	c.timers.nextEXPCheck = now.Add(3 * time.Second)
	c.timers.lastRecvAt = now
	c.log.Success("connection established")
}

// Send enqueues an application payload for transmission. With a full
// send buffer a blocking socket (SndSyn) waits for ACKs to free space,
// bounded by SndTimeO; a non-blocking one fails immediately with
// CauseWouldBlock. Waiters wake when space frees, on close, or when
// the connection breaks.
func (c *Connection) Send(payload []byte, ttl time.Duration, inorder bool) error {
	snap := c.opts.Snapshot()
	needed := 1
	if mp := wire.MaxPayload(snap.MSS); mp > 0 && len(payload) > mp {
		needed = (len(payload) + mp - 1) / mp
	}

	var timeout <-chan time.Time
	if snap.SndSyn && snap.SndTimeO >= 0 {
		timer := time.NewTimer(snap.SndTimeO)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		st := c.State()
		if !st.IsOpenForIO() {
			// Cascade the wakeup so every blocked sender observes the
			// state change, not just the first one signaled.
			c.signalSendSpace()
			if st == StateBroken {
				return NewError(CauseConnLost, "")
			}
			return NewError(CauseNotConnected, "")
		}
		if c.snd.Len()+needed <= snap.FC {
			break
		}
		if !snap.SndSyn {
			return NewError(CauseWouldBlock, "send buffer full")
		}
		select {
		case <-c.sndSpace:
		case <-timeout:
			return NewError(CauseSendTimeout, "")
		}
	}
	c.snd.Enqueue(payload, ttl, inorder, time.Now())
	return nil
}

// signalSendSpace wakes at most one sender blocked on a full
// buffer; the waiter re-checks state and occupancy itself.
func (c *Connection) signalSendSpace() {
	select {
	case c.sndSpace <- struct{}{}:
	default:
	}
}

// PumpSend drains the retransmit queue, then transmits as many
// originally-unsent blocks as the congestion window currently allows.
// Called by the muxer's pacing thread.
func (c *Connection) PumpSend(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}

	// Retransmissions take priority over original sends.
	for {
		seq, ok := c.sndLoss.PopLowest()
		if !ok {
			break
		}
		payload, flags, dropped, ok := c.snd.ReadRetransmission(seq, now)
		if !ok {
			continue
		}
		if dropped != nil {
			c.counters.pktSndDrop += uint64(seqno.Len(dropped.Lo, dropped.Hi))
			c.sendControlLocked(wire.CtrlDropReq, uint32(dropped.Lo), encodeU32Pair(uint32(dropped.Lo), uint32(dropped.Hi)), now)
			continue
		}
		if !c.rexmitSupportedLocked() {
			// The R bit is only meaningful when both sides advertised it.
			flags.Rexmit = false
		}
		c.counters.pktRetrans++
		c.sendDataLocked(seq, flags, payload, now)
	}

	// Fresh sends are bounded by min(peer-reported flow window,
	// congestion window) minus what is already in flight.
	window := c.cong.Window()
	if fw := float64(c.flowWindow); fw < window {
		window = fw
	}
	budget := int(window) - c.snd.InFlight()
	for i := 0; i < budget; i++ {
		payload, flags, seq, _, ok := c.snd.ReadOriginal()
		if !ok {
			break
		}
		c.sendDataLocked(seq, flags, payload, now)
	}
}

func (c *Connection) sendDataLocked(seq seqno.Seq, flags wire.DataFlags, payload []byte, now time.Time) {
	out := make([]byte, len(payload))
	copy(out, payload)
	if c.txCrypto != nil && flags.KeySpec != wire.KeyClear {
		if err := c.txCrypto.EncryptPacket(out, uint32(seq), flags.KeySpec); err != nil {
			c.log.Errorf("encrypt failed for seq %d: %v", seq, err)
			return
		}
	}
	pkt := wire.Packet{
		Header: wire.Header{
			IsControl: false,
			SeqNo:     uint32(seq),
			Info:      flags.Encode(),
			Timestamp: uint32(now.Sub(c.StartTime) / time.Microsecond),
			DestSock:  c.PeerID,
		},
		Payload: out,
	}
	c.counters.pktSent++
	_ = c.sink.SendTo(c.PeerAddr, wire.Encode(pkt))
	if c.txCrypto != nil {
		if rekey, parity := c.txCrypto.OnPacketSent(); rekey {
			c.emitKMREQLocked(parity, now)
		}
	}
}

func encodeU32Pair(a, b uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], a)
	binary.BigEndian.PutUint32(buf[4:8], b)
	return buf
}

func (c *Connection) emitKMREQLocked(parity wire.KeySpec, now time.Time) {
	c.txCrypto.GenerateSEK(parity)
	payload, err := c.txCrypto.WrapKM()
	if err != nil {
		c.log.Warnf("rekey wrap failed: %v", err)
		return
	}
	ext := wire.EncodeExtensions([]wire.Extension{{Command: wire.ExtKMREQ, Words: bytesWords(payload)}})
	c.sendControlLocked(wire.CtrlExt, uint32(wire.ExtKMREQ), ext, now)
}

func bytesWords(b []byte) []uint32 {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	return words
}

func (c *Connection) sendControlLocked(ct wire.ControlType, info uint32, payload []byte, now time.Time) {
	pkt := wire.Packet{
		Header: wire.Header{
			IsControl: true,
			CtrlType:  ct,
			Info:      info,
			Timestamp: uint32(now.Sub(c.StartTime) / time.Microsecond),
			DestSock:  c.PeerID,
		},
		Payload: payload,
	}
	_ = c.sink.SendTo(c.PeerAddr, wire.Encode(pkt))
}

// OnDataPacket processes one inbound data packet: decrypts if needed,
// inserts it into the receive buffer, and updates loss tracking.
func (c *Connection) OnDataPacket(pkt wire.Packet, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	c.timers.lastRecvAt = now
	c.timers.expCount = 0

	seq := seqno.Seq(pkt.Header.SeqNo)
	flags := wire.DecodeDataFlags(pkt.Header.Info)

	c.counters.pktRecv++
	c.pktWin.OnArrival(seq, now, len(pkt.Payload))

	// A packet whose sequence predates the read boundary was already
	// delivered or skipped: classify it as belated and discard, the one
	// deterministic treatment for the ambiguous belated-vs-retransmitted
	// case.
	boundary := c.rcv.Boundary()
	if seqno.Less(seq, boundary) {
		c.counters.pktRcvBelated++
		return
	}

	// Gap detection against the highest contiguous expectation, plus the
	// per-arrival belated-queue TTL countdown.
	expected := c.highestSeen
	if !c.haveSeen {
		expected = seq
		c.haveSeen = true
	}
	rexmitOK := c.rexmitSupportedLocked()
	diff := seqno.Off(expected, seq)
	switch {
	case diff > 1:
		c.rcvLoss.InsertBelated(seqno.Inc(expected), seqno.Dec(seq))
		c.highestSeen = seq
	case diff < 0:
		c.rcvLoss.OnOutOfOrderArrival(seq, int(-diff), rexmitOK && !flags.Rexmit, rexmitOK)
	default:
		c.rcvLoss.OnOutOfOrderArrival(seq, 0, false, rexmitOK)
		c.highestSeen = seq
	}
	c.rcvLoss.Tick()

	payload := pkt.Payload
	if flags.KeySpec != wire.KeyClear {
		undecryptable := c.rxCrypto == nil
		if !undecryptable {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			if err := c.rxCrypto.DecryptPacket(buf, pkt.Header.SeqNo, flags.KeySpec); err != nil || c.rxCrypto.Status() != crypto.Secured {
				undecryptable = true
			} else {
				payload = buf
				flags.KeySpec = wire.KeyClear
			}
		}
		if undecryptable {
			c.counters.pktRcvUndecrypt++
			switch c.rcv.Insert(seq, pkt.Payload, flags, pkt.Header.Timestamp) {
			case rcvbuf.Inserted:
				c.rcv.MarkUndecryptable(seq)
			case rcvbuf.Overrun:
				c.breakOnOverrunLocked(seq)
				return
			}
			c.pktsSinceACK++
			return
		}
	}

	if c.rcv.Insert(seq, payload, flags, pkt.Header.Timestamp) == rcvbuf.Overrun {
		c.breakOnOverrunLocked(seq)
		return
	}
	c.pktsSinceACK++
	if c.dataArrived != nil {
		c.dataArrived()
	}
}

// breakOnOverrunLocked handles an insert beyond the receive window: the
// peer outran the credit we advertised, which means the ACK pipeline is
// broken, not the network. Fatal with a diagnostic counter.
func (c *Connection) breakOnOverrunLocked(seq seqno.Seq) {
	c.counters.pktRcvOverrun++
	c.log.Errorf("receive buffer overrun at seq %d, breaking connection", seq)
	c.state = StateBroken
	c.notifyClosedLocked()
}

// OnControlPacket dispatches one inbound control packet by type.
func (c *Connection) OnControlPacket(pkt wire.Packet, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers.lastRecvAt = now
	c.timers.expCount = 0

	switch pkt.Header.CtrlType {
	case wire.CtrlAck:
		c.onACKLocked(pkt, now)
	case wire.CtrlAckAck:
		c.onACKACKLocked(pkt, now)
	case wire.CtrlLossReport:
		c.onLossReportLocked(pkt)
	case wire.CtrlKeepalive:
		// no-op besides refreshing lastRecvAt, already done above
	case wire.CtrlShutdown:
		c.state = StateBroken
		c.notifyClosedLocked()
	case wire.CtrlDropReq:
		c.onDropReqLocked(pkt)
	case wire.CtrlCGWarning:
		// The peer is seeing delay growth: treat it like a loss event so
		// the congestion controller backs off.
		c.cong.OnLoss()
	case wire.CtrlPeerError:
		c.log.Warnf("peer signaled error %d", pkt.Header.Info)
		c.state = StateBroken
		c.notifyClosedLocked()
	case wire.CtrlExt:
		c.onExtLocked(pkt, now)
	}
}

func (c *Connection) onACKLocked(pkt wire.Packet, now time.Time) {
	ack, err := wire.DecodeAck(pkt.Payload)
	if err != nil {
		return
	}
	c.snd.AckTo(seqno.Seq(ack.RcvLastAck))
	c.sndLoss.RemoveUpTo(seqno.Seq(ack.RcvLastAck))
	c.signalSendSpace()
	if ack.BufAvailPkts > 0 {
		// Lite ACKs carry no buffer-space word; full ACKs refresh the
		// flow window with the peer's reported receive credit.
		c.flowWindow = int(ack.BufAvailPkts)
	}
	c.sendControlLocked(wire.CtrlAckAck, pkt.Header.Info, nil, now)

	// Full ACKs carry the peer's own RTT measurement (taken from its side
	// of the ACK/ACKACK loop it runs for data it received); the sender
	// adopts it directly rather than running a second independent RTT
	// estimator.
	if ack.RTTMicros > 0 {
		c.updateRTTLocked(time.Duration(ack.RTTMicros) * time.Microsecond)
	}
	c.cong.OnACK(1, c.rttEWMA)

	if ack.HasRateFields {
		if fc, ok := c.cong.(*congestion.File); ok {
			fc.SetLinkCapacity(float64(ack.BandwidthPPS))
		}
	}
}

// onACKACKLocked completes this connection's own ACK/ACKACK round trip
// (the RTT sample it takes for data it is receiving from the peer, as
// opposed to onACKLocked which adopts the peer's RTT sample for data
// this side is sending).
func (c *Connection) onACKACKLocked(pkt wire.Packet, now time.Time) {
	rtt, _, ok := c.ackWin.Ack(pkt.Header.Info, now)
	if !ok {
		return
	}
	c.updateRTTLocked(rtt)
	c.rcv.OnPeerTimestamp(now, time.Duration(pkt.Header.Timestamp)*time.Microsecond)
}

func (c *Connection) updateRTTLocked(sample time.Duration) {
	if !c.haveRTT {
		c.rttEWMA = sample
		c.rttVarEWMA = sample / 2
		c.haveRTT = true
		return
	}
	diff := sample - c.rttEWMA
	if diff < 0 {
		diff = -diff
	}
	c.rttVarEWMA = (3*c.rttVarEWMA + diff) / 4
	c.rttEWMA = (7*c.rttEWMA + sample) / 8
}

func (c *Connection) onLossReportLocked(pkt wire.Packet) {
	entries, err := wire.DecodeLossReport(pkt.Payload)
	if err != nil {
		return
	}
	for _, e := range entries {
		c.sndLoss.Insert(seqno.Seq(e.Lo), seqno.Seq(e.Hi))
	}
	c.cong.OnLoss()
}

func (c *Connection) onDropReqLocked(pkt wire.Packet) {
	if len(pkt.Payload) < 8 {
		return
	}
	lo := seqno.Seq(pkt.Header.Info)
	hi := seqno.Seq(binary.BigEndian.Uint32(pkt.Payload[4:8]))
	n := seqno.Len(lo, hi)
	c.counters.pktRcvDrop += uint64(n)
	c.rcvLoss.OnDropRange(lo, hi)
	if !seqno.Less(hi, c.rcv.Boundary()) {
		c.rcv.Skip(int(seqno.Len(c.rcv.Boundary(), hi)))
	}
}

func (c *Connection) onExtLocked(pkt wire.Packet, now time.Time) {
	exts := wire.ParseExtensions(pkt.Payload)
	for _, e := range exts {
		switch e.Command {
		case wire.ExtKMREQ:
			if c.rxCrypto == nil {
				continue
			}
			payload := bytesFromWords(e.Words)
			if c.rxCrypto.UnwrapKM(payload, c.rxParity) == crypto.Secured {
				c.rxParity = otherParity(c.rxParity)
				// Confirm by echoing the request bytes back as KMRSP.
				rsp := wire.EncodeExtensions([]wire.Extension{{Command: wire.ExtKMRSP, Words: e.Words}})
				c.sendControlLocked(wire.CtrlExt, uint32(wire.ExtKMRSP), rsp, now)
			}
		case wire.ExtKMRSP:
			if c.txCrypto != nil {
				c.txCrypto.ConfirmRekey()
			}
		}
	}
}

func otherParity(p wire.KeySpec) wire.KeySpec {
	if p == wire.KeyEven {
		return wire.KeyOdd
	}
	return wire.KeyEven
}

func bytesFromWords(w []uint32) []byte {
	b := make([]byte, len(w)*4)
	for i, x := range w {
		binary.BigEndian.PutUint32(b[i*4:i*4+4], x)
	}
	return b
}

func (c *Connection) notifyClosedLocked() {
	c.signalSendSpace() // release senders blocked on buffer space
	cbs := c.onClosed
	c.onClosed = nil
	for _, cb := range cbs {
		go cb(c)
	}
}

// Tick runs the periodic maintenance pass: emits ACK/lite-ACK, NAK
// retransmission requests, keepalive, and checks the EXP (connection
// expiry) timer, closing the connection after repeated silence.
func (c *Connection) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}

	if !now.Before(c.timers.nextACK) {
		c.emitACKLocked(now)
		c.timers.nextACK = now.Add(10 * time.Millisecond)
	} else if c.pktsSinceACK >= liteACKPacketInterval {
		// Self-clocked lite ACK between full ACK intervals: just the
		// acknowledged sequence, to keep the sender's window moving under
		// high packet rates without paying the full-ACK payload cost.
		c.pktsSinceACK = 0
		c.sendControlLocked(wire.CtrlAck, 0, wire.EncodeLiteAck(uint32(c.ackSeqLocked())), now)
	}
	if !now.Before(c.timers.nextNAK) {
		c.emitNAKLocked()
		rttBackoff := 4 * c.rttEWMA
		if rttBackoff < 20*time.Millisecond {
			rttBackoff = 20 * time.Millisecond
		}
		c.timers.nextNAK = now.Add(rttBackoff)
	}
	if !now.Before(c.timers.nextKeepalive) {
		c.sendControlLocked(wire.CtrlKeepalive, 0, nil, now)
		c.timers.nextKeepalive = now.Add(time.Second)
	}
	if !now.Before(c.timers.nextEXPCheck) {
		c.checkEXPLocked(now)
		c.timers.nextEXPCheck = now.Add(3 * time.Second)
	}

	if snap := c.opts.Snapshot(); snap.TLPktDrop {
		// Head-of-queue blocks older than the peer's play-out latency
		// (plus a couple of SYN intervals of slack) can never be played
		// out on time; stop retransmitting and drop them.
		threshold := snap.PeerLatency
		if threshold < snap.Latency {
			threshold = snap.Latency
		}
		threshold += 20 * time.Millisecond
		if dropped := c.snd.DropLate(now, threshold); len(dropped) > 0 {
			c.counters.pktSndDrop += uint64(len(dropped))
			c.sndLoss.RemoveUpTo(c.snd.LastAck())
			c.signalSendSpace()
			c.log.Debugf("too-late-drop released %d packets", len(dropped))
		}
	}
}

// liteACKPacketInterval is how many data packets may arrive between full
// ACK intervals before a lite ACK is self-clocked out.
const liteACKPacketInterval = 64

// ackSeqLocked is the sequence an outgoing ACK acknowledges: one past
// the highest contiguously received sequence. Reception, not delivery:
// the sender may release a packet as soon as it arrived here, even
// while TsbPD still holds it for playout.
func (c *Connection) ackSeqLocked() seqno.Seq {
	if !c.haveSeen {
		return c.rcv.Boundary()
	}
	if lo, ok := c.rcvLoss.FirstMissing(); ok {
		return lo
	}
	return seqno.Inc(c.highestSeen)
}

func (c *Connection) emitACKLocked(now time.Time) {
	c.nextACKSeq++
	c.pktsSinceACK = 0
	full := wire.AckPayload{
		RcvLastAck:    uint32(c.ackSeqLocked()),
		RTTMicros:     uint32(c.rttEWMA / time.Microsecond),
		RTTVarMicros:  uint32(c.rttVarEWMA / time.Microsecond),
		BufAvailPkts:  uint32(c.rcv.Avail()),
		HasRateFields: true,
		RecvSpeedPPS:  c.pktWin.RecvSpeedPPS(),
		BandwidthPPS:  c.pktWin.BandwidthPPS(),
	}
	c.ackWin.Store(c.nextACKSeq, full.RcvLastAck, now)
	c.sendControlLocked(wire.CtrlAck, c.nextACKSeq, full.Encode(), now)
}

func (c *Connection) emitNAKLocked() {
	if c.rcvLoss.PrimaryEmpty() {
		return
	}
	ranges := c.rcvLoss.PullForReport()
	entries := make([]wire.LossEntry, 0, len(ranges))
	for _, r := range ranges {
		entries = append(entries, wire.LossEntry{Lo: uint32(r.Lo), Hi: uint32(r.Hi)})
	}
	payload := wire.EncodeLossReport(entries)
	c.sendControlLocked(wire.CtrlLossReport, 0, payload, time.Now())
}

// checkEXPLocked closes the connection once it has gone unresponsive for
// 16 consecutive EXP intervals with no keepalive reply.
func (c *Connection) checkEXPLocked(now time.Time) {
	if now.Sub(c.timers.lastRecvAt) < 3*time.Second {
		return
	}
	c.timers.expCount++
	if c.timers.expCount >= 16 {
		c.state = StateBroken
		c.log.Warnf("connection expired after %d silent intervals", c.timers.expCount)
		c.notifyClosedLocked()
		return
	}
	// Still alive but silent: if unacked data is pending and nothing is
	// queued for retransmit, schedule a fast retransmit of the whole
	// unacknowledged span in case the peer's loss reports were lost too.
	if !c.snd.Empty() && c.sndLoss.Empty() {
		c.sndLoss.Insert(c.snd.LastAck(), c.snd.CurrSeqNo())
	}
	c.sendControlLocked(wire.CtrlKeepalive, 0, nil, now)
}

// Stats is a point-in-time snapshot of the connection's counters:
// enough to build both a human-readable summary and a Prometheus scrape.
type Stats struct {
	SockID           uint32
	State            State
	RTTMicros        int64
	RTTVarMicros     int64
	CongestionWindow float64
	PktSent          uint64
	PktRecv          uint64
	PktRetrans       uint64
	PktSndDropTotal  uint64
	PktRcvDropTotal  uint64
	PktRcvBelated    uint64
	PktRcvUndecrypt  uint64
	PktRcvOverrun    uint64
	PktSendLoss      int
	FlowWindow       int
	PktRecvLoss      int
	RecvSpeedPPS     uint32
	BandwidthPPS     uint32
	MSS              int
}

// Stats returns a point-in-time snapshot of the connection's counters.
// Counters are read under the connection lock, so a snapshot is always
// internally consistent even on 32-bit platforms.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		SockID:           c.ID,
		State:            c.state,
		RTTMicros:        int64(c.rttEWMA / time.Microsecond),
		RTTVarMicros:     int64(c.rttVarEWMA / time.Microsecond),
		CongestionWindow: c.cong.Window(),
		PktSent:          c.counters.pktSent,
		PktRecv:          c.counters.pktRecv,
		PktRetrans:       c.counters.pktRetrans,
		PktSndDropTotal:  c.counters.pktSndDrop,
		PktRcvDropTotal:  c.counters.pktRcvDrop,
		PktRcvBelated:    c.counters.pktRcvBelated,
		PktRcvUndecrypt:  c.counters.pktRcvUndecrypt,
		PktRcvOverrun:    c.counters.pktRcvOverrun,
		PktSendLoss:      c.sndLoss.Len(),
		FlowWindow:       c.flowWindow,
		PktRecvLoss:      c.rcvLoss.MissingCount(),
		RecvSpeedPPS:     c.pktWin.RecvSpeedPPS(),
		BandwidthPPS:     c.pktWin.BandwidthPPS(),
		MSS:              c.opts.MSS,
	}
}

// KMState reports the receive-direction key-material negotiation state,
// or Unsecured when no passphrase is configured locally.
func (c *Connection) KMState() crypto.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rxCrypto == nil {
		return crypto.Unsecured
	}
	return c.rxCrypto.Status()
}

// Close initiates an orderly shutdown, sending SHUTDOWN to the peer.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateBroken {
		return nil
	}
	c.sendControlLocked(wire.CtrlShutdown, 0, nil, time.Now())
	c.state = StateClosed
	c.notifyClosedLocked()
	return nil
}
