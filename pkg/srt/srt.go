// Package srt is the public API: Dial, Listen, DialRendezvous, and the
// resulting Conn/Listener types, wiring together the handshake,
// transport core, muxer, and TsbPD delivery thread built in the sibling
// packages.
package srt

import (
	crand "crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/srtgo/srt/internal/logging"
	"github.com/srtgo/srt/pkg/srt/conn"
	"github.com/srtgo/srt/pkg/srt/crypto"
	"github.com/srtgo/srt/pkg/srt/handshake"
	"github.com/srtgo/srt/pkg/srt/muxer"
	"github.com/srtgo/srt/pkg/srt/seqno"
	"github.com/srtgo/srt/pkg/srt/tsbpd"
	"github.com/srtgo/srt/pkg/srt/wire"
)

// Options re-exports the tiered option set so callers need only import
// this one package for the common path.
type Options = conn.Options

// NewOptions returns an Options with the documented defaults.
func NewOptions() *Options { return conn.NewOptions() }

// Stats re-exports the connection counters snapshot.
type Stats = conn.Stats

// KMState re-exports the key-material negotiation state.
type KMState = crypto.State

var log = logging.With("srt")

// srtVersion is the protocol version advertised in HSREQ/HSRSP:
// maj<<16 | min<<8 | patch.
const srtVersion = 0x010500

// Conn is an established SRT connection: message-oriented Read/Write
// backed by a Connection transport core and a TsbPD delivery thread.
type Conn struct {
	core *conn.Connection
	mux  *muxer.Muxer
	tsb  *tsbpd.Thread

	inbox  chan []byte
	closed chan struct{}

	streamID string // peer-presented stream identifier (accepted sockets only)

	streamMu   sync.Mutex
	streamRest []byte // leftover bytes of a partially consumed message (stream-mode reads)

	closeOnce sync.Once
	ownsMux   bool
}

// Read blocks until the next reassembled message is available (or the
// receive timeout, if RcvTimeO is set, elapses) and returns it. A
// non-blocking socket (RcvSyn false) fails immediately when no message
// is waiting.
func (c *Conn) Read() ([]byte, error) {
	snap := c.core.Options().Snapshot()
	if !snap.RcvSyn {
		select {
		case msg := <-c.inbox:
			return msg, nil
		case <-c.closed:
			return nil, conn.NewError(conn.CauseConnClosed, "")
		default:
			return nil, conn.NewError(conn.CauseWouldBlock, "no message available")
		}
	}
	timeout := snap.RcvTimeO
	if timeout < 0 {
		select {
		case msg := <-c.inbox:
			return msg, nil
		case <-c.closed:
			return nil, conn.NewError(conn.CauseConnClosed, "")
		}
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.closed:
		return nil, conn.NewError(conn.CauseConnClosed, "")
	case <-time.After(timeout):
		return nil, conn.NewError(conn.CauseConnTimeout, "receive timed out")
	}
}

// ReadStream fills buf with the next available bytes, crossing message
// boundaries freely; a message larger than buf is consumed across
// successive calls. Returns the number of bytes written.
func (c *Conn) ReadStream(buf []byte) (int, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if len(c.streamRest) == 0 {
		msg, err := c.Read()
		if err != nil {
			return 0, err
		}
		c.streamRest = msg
	}
	n := copy(buf, c.streamRest)
	c.streamRest = c.streamRest[n:]
	return n, nil
}

// Write enqueues payload for transmission; ttl<=0 means the message
// never expires via too-late-drop.
func (c *Conn) Write(payload []byte, ttl time.Duration) error {
	return c.core.Send(payload, ttl, true)
}

// MsgCtrl carries per-message send parameters for WriteMsg.
type MsgCtrl struct {
	// TTL bounds how long the message may wait for retransmission before
	// being dropped; <=0 means never.
	TTL time.Duration
	// InOrder requires delivery in sequence order even in message mode.
	InOrder bool
}

// WriteMsg enqueues one message with explicit per-message control.
func (c *Conn) WriteMsg(payload []byte, ctrl MsgCtrl) error {
	return c.core.Send(payload, ctrl.TTL, ctrl.InOrder)
}

// Stats returns a snapshot of the connection's current counters.
func (c *Conn) Stats() Stats { return c.core.Stats() }

// KMState returns the connection's key-material negotiation state.
func (c *Conn) KMState() KMState { return c.core.KMState() }

// StreamID returns the stream identifier the peer presented during the
// handshake (empty for dialed connections and peers that sent none).
func (c *Conn) StreamID() string { return c.streamID }

// Options returns the connection's live option set.
func (c *Conn) Options() *Options { return c.core.Options() }

// State returns the connection's lifecycle state.
func (c *Conn) State() conn.State { return c.core.State() }

// LocalAddr returns the local UDP address the connection is bound to.
func (c *Conn) LocalAddr() net.Addr { return c.mux.LocalAddr() }

// Close shuts down the connection and, if this Conn owns its muxer
// (the Dial path, as opposed to one Accepted off a shared Listener),
// closes the underlying socket too.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.tsb.Stop()
		err = c.core.Close()
		close(c.closed)
		if c.ownsMux {
			_ = c.mux.Close()
		}
	})
	return err
}

func newConn(core *conn.Connection, mux *muxer.Muxer, ownsMux bool) *Conn {
	c := &Conn{core: core, mux: mux, ownsMux: ownsMux, inbox: make(chan []byte, 256), closed: make(chan struct{})}
	c.tsb = tsbpd.New(core.ReceiveBuffer(), core.TLPktDropEnabled(), func(msg []byte) {
		select {
		case c.inbox <- msg:
		default:
			// Slow reader: drop rather than block the delivery thread and
			// stall every other connection sharing this muxer's goroutine
			// pool indirectly via backpressure.
			log.Warnf("conn %d: inbox full, dropping delivered message", core.ID)
		}
	})
	core.SetDataArrivedHook(c.tsb.Wake)
	go c.tsb.Run()
	mux.Register(core)
	return c
}

const (
	handshakeTimeout = 3 * time.Second
	handshakeRetries = 5
	// Retransmitted handshake requests are spaced no closer than this.
	handshakeRetryInterval = 250 * time.Millisecond
)

// localHSExt assembles the HSREQ/HSRSP payload advertising this side's
// capabilities and proposed latencies.
func localHSExt(opts *Options) wire.HSExt {
	snap := opts.Snapshot()
	ext := wire.HSExt{
		Version: srtVersion,
		Flags:   wire.FlagTSBPDSND | wire.FlagTSBPDRCV | wire.FlagNAKReport | wire.FlagRexmitFlg,
	}
	if snap.TLPktDrop {
		ext.Flags |= wire.FlagTLPKTDROP
	}
	if snap.Passphrase != "" {
		ext.Flags |= wire.FlagHAICRYPT
	}
	if !snap.MessageAPI {
		ext.Flags |= wire.FlagStream
	}
	rcv := snap.RcvLatency
	if rcv == 0 {
		rcv = snap.Latency
	}
	snd := snap.PeerLatency
	if snd == 0 {
		snd = snap.Latency
	}
	ext.RecvLatencyMS = uint16(rcv / time.Millisecond)
	ext.SendLatencyMS = uint16(snd / time.Millisecond)
	return ext
}

// applyNegotiatedLatency folds the peer's HSRSP/HSREQ latency proposal
// into the core's receive buffer and the option set: each direction's
// effective latency is the larger of what this side configured and what
// the peer proposed for it.
func applyNegotiatedLatency(core *conn.Connection, opts *Options, peer wire.HSExt) {
	snap := opts.Snapshot()
	localRcv := snap.RcvLatency
	if localRcv == 0 {
		localRcv = snap.Latency
	}
	localPeer := snap.PeerLatency
	if localPeer == 0 {
		localPeer = snap.Latency
	}
	effRcv := handshake.NegotiateTSBPDLatency(localRcv, time.Duration(peer.SendLatencyMS)*time.Millisecond)
	effPeer := handshake.NegotiateTSBPDLatency(localPeer, time.Duration(peer.RecvLatencyMS)*time.Millisecond)
	opts.ApplyNegotiatedLatencies(effRcv, effPeer)
	core.SetPeerFlags(peer.Flags)
	if snap.TSBPD {
		core.ReceiveBuffer().EnableTSBPD(effRcv)
	}
}

// Dial performs the caller-side inductive handshake against raddr and
// returns an established connection. opts must not be reused across
// multiple Dial/Listen calls.
func Dial(raddr string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = NewOptions()
	}
	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, conn.WrapError(conn.CauseConnSetup, err)
	}
	mux, err := muxer.New(":0")
	if err != nil {
		return nil, err
	}
	opts.MarkBound()

	isn := seqno.Normalize(randomU32())
	sockID := conn.GenerateSockID()
	snap := opts.Snapshot()
	caller := handshake.NewCaller(uint32(isn), sockID, uint32(snap.MSS), uint32(snap.FC))

	core, err := doCallerHandshake(mux, addr, caller, opts, isn, sockID, raddr)
	if err != nil {
		_ = mux.Close()
		return nil, err
	}

	go mux.Run()
	return newConn(core, mux, true), nil
}

func randomU32() uint32 {
	var b [4]byte
	_, _ = crand.Read(b[:])
	return (uint32(b[0]) << 24) | (uint32(b[1]) << 16) | (uint32(b[2]) << 8) | uint32(b[3])
}

// doCallerHandshake runs the blocking INDUCTION/CONCLUSION exchange
// directly over the muxer's socket, before its receive loop starts, and
// returns the fully negotiated transport core.
func doCallerHandshake(mux *muxer.Muxer, raddr *net.UDPAddr, caller *handshake.Caller, opts *Options, isn seqno.Seq, sockID uint32, peerAddr string) (*conn.Connection, error) {
	uc := mux.PacketConn()
	buf := make([]byte, 2048)

	for attempt := 0; attempt < handshakeRetries; attempt++ {
		induction := caller.BuildInduction()
		if err := sendHandshakeTo(uc, raddr, induction, nil, 0); err != nil {
			return nil, conn.WrapError(conn.CauseConnSetup, err)
		}
		_ = uc.SetReadDeadline(time.Now().Add(handshakeTimeout))
		n, _, err := uc.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		reply, _, _, err := decodeHandshakePacket(buf[:n])
		if err != nil {
			continue
		}

		// The induction reply carries the listener's ISN, socket id, and
		// MSS proposal, which is everything the transport core needs to
		// exist; the conclusion then negotiates the rest against it.
		if reply.MSS > uint32(handshake.EthernetMTUCap) {
			return nil, conn.WrapError(conn.CauseConnRejected, handshake.RejectMSSTooLarge)
		}
		if reply.MSS > 0 && int(reply.MSS) < opts.Snapshot().MSS {
			opts.SetNegotiatedMSS(int(reply.MSS))
		}
		start := time.Now()
		core := conn.New(opts, isn, seqno.Seq(reply.ISN), sockID, peerAddr, mux, start)
		core.SetPeerVersion(reply.Version)
		core.SetPeerID(reply.SrcSockID)
		core.SetPeerFlowWindow(int(reply.FlightFlagSize))

		kmPayload := core.HandshakeKMPayload()
		concl, exts, err := caller.OnInductionReply(reply, true, 0, localHSExt(opts), opts.Snapshot().StreamID, kmPayload)
		if err != nil {
			return nil, conn.WrapError(conn.CauseConnSetup, err)
		}
		if err := sendHandshakeTo(uc, raddr, concl, exts, reply.SrcSockID); err != nil {
			return nil, conn.WrapError(conn.CauseConnSetup, err)
		}

		_ = uc.SetReadDeadline(time.Now().Add(handshakeTimeout))
		n, _, err = uc.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		finalReply, finalPkt, finalExts, err := decodeHandshakePacket(buf[:n])
		if err != nil {
			continue
		}
		peerHSExt, peerKM, err := caller.OnConclusionReply(finalReply, finalExts)
		if err != nil {
			return nil, conn.WrapError(conn.CauseConnRejected, err)
		}

		_ = uc.SetReadDeadline(time.Time{})
		core.SetPeerID(finalReply.SrcSockID)
		core.ApplyNegotiatedMSS(int(finalReply.MSS))
		core.SetPeerFlowWindow(int(finalReply.FlightFlagSize))
		applyNegotiatedLatency(core, opts, peerHSExt)
		core.ReceiveBuffer().SetPeerAnchor(time.Now(), time.Duration(finalPkt.Header.Timestamp)*time.Microsecond)
		if kmPayload != nil {
			core.CompleteKMExchange(peerKM != nil)
		}
		core.MarkConnected(time.Now())
		return core, nil
	}
	return nil, conn.NewError(conn.CauseConnTimeout, "no handshake reply after retries")
}

func sendHandshakeTo(uc *net.UDPConn, raddr *net.UDPAddr, hs wire.Handshake, exts []wire.Extension, destSock uint32) error {
	payload := hs.Encode()
	if len(exts) > 0 {
		payload = append(payload, wire.EncodeExtensions(exts)...)
	}
	pkt := wire.Packet{
		Header: wire.Header{
			IsControl: true,
			CtrlType:  wire.CtrlHandshake,
			DestSock:  destSock,
		},
		Payload: payload,
	}
	_, err := uc.WriteToUDP(wire.Encode(pkt), raddr)
	return err
}

func decodeHandshakePacket(buf []byte) (wire.Handshake, wire.Packet, []wire.Extension, error) {
	pkt, err := wire.Decode(buf)
	if err != nil {
		return wire.Handshake{}, wire.Packet{}, nil, err
	}
	if !pkt.Header.IsControl || pkt.Header.CtrlType != wire.CtrlHandshake {
		return wire.Handshake{}, wire.Packet{}, nil, errors.New("srt: not a handshake packet")
	}
	if len(pkt.Payload) < wire.HandshakeSize {
		return wire.Handshake{}, wire.Packet{}, nil, errors.New("srt: short handshake packet")
	}
	hs, err := wire.DecodeHandshake(pkt.Payload[:wire.HandshakeSize])
	if err != nil {
		return wire.Handshake{}, wire.Packet{}, nil, err
	}
	exts := wire.ParseExtensions(pkt.Payload[wire.HandshakeSize:])
	return hs, pkt, exts, nil
}
