package srt

import (
	"net"
	"sync"
	"time"

	"github.com/srtgo/srt/internal/metrics"
	"github.com/srtgo/srt/pkg/srt/conn"
	"github.com/srtgo/srt/pkg/srt/handshake"
	"github.com/srtgo/srt/pkg/srt/muxer"
	"github.com/srtgo/srt/pkg/srt/seqno"
	"github.com/srtgo/srt/pkg/srt/wire"
)

// AcceptCallback is invoked after the caller's handshake has been
// parsed but before the connection is accepted. It may adjust the
// pre-accept socket's options (passphrase, receive latency) based on
// the caller's stream identifier, or reject by returning an error.
type AcceptCallback func(opts *Options, streamID, peerAddr string, version wire.HandshakeVersion) error

// Listener accepts inbound SRT connections on one UDP binding. All
// accepted connections share the listener's muxer and socket.
type Listener struct {
	mux       *muxer.Muxer
	opts      *Options
	startTime time.Time

	mu       sync.Mutex
	pending  map[string]*pendingAttempt // keyed by remote address
	acceptCb AcceptCallback

	accepts chan *Conn
	metrics *metrics.Collector

	closeOnce sync.Once
	done      chan struct{}
}

// pendingAttempt is one caller mid-handshake: induction answered,
// conclusion not yet seen.
type pendingAttempt struct {
	hsl    *handshake.Listener
	isn    seqno.Seq
	sockID uint32
}

// Listen binds laddr and starts accepting SRT handshakes. opts holds
// the listener's defaults; accepted sockets inherit them (except the
// stream identifier).
func Listen(laddr string, opts *Options) (*Listener, error) {
	if opts == nil {
		opts = NewOptions()
	}
	mux, err := muxer.New(laddr)
	if err != nil {
		return nil, err
	}
	opts.MarkBound()

	l := &Listener{
		mux:       mux,
		opts:      opts,
		startTime: time.Now(),
		pending:   make(map[string]*pendingAttempt),
		accepts:   make(chan *Conn, 16),
		metrics:   metrics.NewCollector(nil),
		done:      make(chan struct{}),
	}
	mux.SetConnectRequestHandler(l.onConnectRequest)
	go mux.Run()
	log.Infof("listening on %s", mux.LocalAddr())
	return l, nil
}

// SetAcceptCallback installs the pre-accept hook. Safe to call before
// the first connection arrives; later handshakes observe the new value.
func (l *Listener) SetAcceptCallback(cb AcceptCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acceptCb = cb
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.mux.LocalAddr() }

// Metrics returns a prometheus.Collector reporting live stats for every
// connection accepted off this listener, suitable for registering with
// a prometheus.Registry.
func (l *Listener) Metrics() *metrics.Collector { return l.metrics }

// Accept blocks until the next fully handshaken connection is ready.
func (l *Listener) Accept() (*Conn, error) {
	select {
	case c, ok := <-l.accepts:
		if !ok {
			return nil, conn.NewError(conn.CauseConnClosed, "listener closed")
		}
		return c, nil
	case <-l.done:
		return nil, conn.NewError(conn.CauseConnClosed, "listener closed")
	}
}

// Close stops accepting and releases the socket. Connections already
// accepted are not closed, but they share the muxer that Close tears
// down, so they can no longer send or receive afterwards.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.mux.Close()
	})
	return err
}

// onConnectRequest handles packets addressed to no existing connection:
// the induction and conclusion legs of inbound handshakes.
func (l *Listener) onConnectRequest(raddr *net.UDPAddr, pkt wire.Packet) {
	if !pkt.Header.IsControl || pkt.Header.CtrlType != wire.CtrlHandshake {
		return
	}
	if len(pkt.Payload) < wire.HandshakeSize {
		return
	}
	req, err := wire.DecodeHandshake(pkt.Payload[:wire.HandshakeSize])
	if err != nil {
		return
	}
	exts := wire.ParseExtensions(pkt.Payload[wire.HandshakeSize:])

	switch req.ReqType {
	case wire.ReqInduction:
		l.onInduction(raddr, req)
	case wire.ReqConclusion:
		l.onConclusion(raddr, req, exts, pkt)
	}
}

func (l *Listener) onInduction(raddr *net.UDPAddr, req wire.Handshake) {
	key := raddr.String()

	l.mu.Lock()
	att, ok := l.pending[key]
	if !ok {
		snap := l.opts.Snapshot()
		hsl := handshake.NewListener(l.startTime, raddr.IP.String(), raddr.Port, randomU32()&0x7FFFFFFF, conn.GenerateSockID())
		hsl.MSS = uint32(snap.MSS)
		hsl.FlightFlagSize = uint32(snap.FC)
		att = &pendingAttempt{hsl: hsl, isn: seqno.Seq(hsl.ISN), sockID: hsl.SrcSockID}
		l.pending[key] = att
	}
	l.mu.Unlock()

	reply := att.hsl.BuildInductionReply(time.Now())
	l.sendHandshake(raddr, reply, nil, req.SrcSockID)
}

func (l *Listener) onConclusion(raddr *net.UDPAddr, req wire.Handshake, exts []wire.Extension, pkt wire.Packet) {
	key := raddr.String()
	l.mu.Lock()
	att, ok := l.pending[key]
	cb := l.acceptCb
	l.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	accepted := l.opts.Inherit()

	// Negotiate the segment size down to the caller's proposal before
	// the core can be built; an over-cap MSS is rejected below.
	if req.MSS > 0 && req.MSS <= uint32(handshake.EthernetMTUCap) && int(req.MSS) < accepted.Snapshot().MSS {
		accepted.SetNegotiatedMSS(int(req.MSS))
	}

	var hsreq wire.HSExt
	for _, e := range exts {
		if e.Command == wire.ExtHSREQ {
			hsreq = wire.DecodeHSExt(e.Words, req.Version == wire.HSv4)
		}
	}

	var hscb handshake.AcceptCallback
	if cb != nil {
		hscb = func(streamID, peerAddr string, version wire.HandshakeVersion) error {
			return cb(accepted, streamID, peerAddr, version)
		}
	}

	// The core is built lazily so the acceptance callback's option
	// changes (passphrase, latency) are observed by construction; the
	// callback runs before the KM resolve, which is the first consumer.
	var core *conn.Connection
	makeCore := func() *conn.Connection {
		if core == nil {
			core = conn.New(accepted, att.isn, seqno.Seq(req.ISN), att.sockID, raddr.String(), l.mux, time.Now())
			core.SetPeerVersion(req.Version)
			core.SetPeerID(req.SrcSockID)
			core.SetPeerFlowWindow(int(req.FlightFlagSize))
		}
		return core
	}

	rsp := localHSExt(accepted)
	rsp.Flags = handshake.ClearTLPKTDROPForOldPeers(rsp.Flags, hsreq.Version, 0x010000)
	// Answer with the negotiated receive latency rather than our bare
	// configured one, so both sides settle on the same pair of values.
	snap := accepted.Snapshot()
	localRcv := snap.RcvLatency
	if localRcv == 0 {
		localRcv = snap.Latency
	}
	eff := handshake.NegotiateTSBPDLatency(localRcv, time.Duration(hsreq.SendLatencyMS)*time.Millisecond)
	rsp.RecvLatencyMS = uint16(eff / time.Millisecond)

	reply, respExts, err := att.hsl.OnConclusion(
		req, exts, now, wire.HandshakeVersion(0), hscb, rsp,
		func(kmreq []byte) ([]byte, error) {
			kmrsp, ok := makeCore().AcceptPeerKM(kmreq)
			if !ok {
				return nil, conn.NewError(conn.CauseCryptoFailure, "key material unwrap failed")
			}
			return kmrsp, nil
		},
		accepted.Snapshot().EnforcedEncryption,
	)
	if err != nil {
		// Reject: echo the reject-coded handshake so the caller fails
		// fast instead of timing out, and forget the attempt.
		l.sendHandshake(raddr, reply, nil, req.SrcSockID)
		l.mu.Lock()
		delete(l.pending, key)
		l.mu.Unlock()
		log.Warnf("handshake from %s rejected: %v", raddr, err)
		return
	}

	l.sendHandshake(raddr, reply, respExts, req.SrcSockID)

	l.mu.Lock()
	delete(l.pending, key)
	l.mu.Unlock()

	makeCore()
	applyNegotiatedLatency(core, accepted, hsreq)
	core.ReceiveBuffer().SetPeerAnchor(now, time.Duration(pkt.Header.Timestamp)*time.Microsecond)
	core.MarkConnected(now)

	c := newConn(core, l.mux, false)
	c.streamID = att.hsl.PeerStreamID
	l.metrics.Add(core.ID, core, raddr.String())
	core.AddOnClosed(func(closed *conn.Connection) { l.metrics.Remove(closed.ID) })
	select {
	case l.accepts <- c:
		log.Success("accepted connection from %s (sid %q)", raddr, att.hsl.PeerStreamID)
	case <-l.done:
		_ = c.Close()
	default:
		// Accept backlog full: drop the connection rather than block the
		// receive loop.
		log.Warnf("accept backlog full, dropping connection from %s", raddr)
		_ = c.Close()
	}
}

func (l *Listener) sendHandshake(raddr *net.UDPAddr, hs wire.Handshake, exts []wire.Extension, destSock uint32) {
	payload := hs.Encode()
	if len(exts) > 0 {
		payload = append(payload, wire.EncodeExtensions(exts)...)
	}
	pkt := wire.Packet{
		Header: wire.Header{
			IsControl: true,
			CtrlType:  wire.CtrlHandshake,
			Timestamp: uint32(time.Since(l.startTime) / time.Microsecond),
			DestSock:  destSock,
		},
		Payload: payload,
	}
	_ = l.mux.SendTo(raddr.String(), wire.Encode(pkt))
}
