package srt

import (
	"net"
	"time"

	"github.com/srtgo/srt/pkg/srt/conn"
	"github.com/srtgo/srt/pkg/srt/handshake"
	"github.com/srtgo/srt/pkg/srt/muxer"
	"github.com/srtgo/srt/pkg/srt/seqno"
	"github.com/srtgo/srt/pkg/srt/wire"
)

// rendezvousTimeout bounds the whole symmetric handshake; rendezvous
// tolerates much longer waits than caller/listener since both sides
// must be up before either makes progress.
const rendezvousTimeout = 30 * time.Second

// DialRendezvous binds laddr and connects symmetrically to a peer doing
// the same from raddr. Neither side listens: both emit WAVEAHAND until
// the exchange completes, and a cookie contest picks which one drives
// the extension exchange.
func DialRendezvous(laddr, raddr string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = NewOptions()
	}
	peerAddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, conn.WrapError(conn.CauseConnSetup, err)
	}
	mux, err := muxer.New(laddr)
	if err != nil {
		return nil, err
	}
	opts.MarkBound()

	core, err := doRendezvousHandshake(mux, peerAddr, opts, raddr)
	if err != nil {
		_ = mux.Close()
		return nil, err
	}

	go mux.Run()
	return newConn(core, mux, true), nil
}

func doRendezvousHandshake(mux *muxer.Muxer, peerAddr *net.UDPAddr, opts *Options, peerAddrStr string) (*conn.Connection, error) {
	uc := mux.PacketConn()
	local := mux.LocalAddr().(*net.UDPAddr)

	isn := seqno.Normalize(randomU32())
	sockID := conn.GenerateSockID()
	start := time.Now()
	// Each side bakes its own cookie from its own binding, so the two
	// cookies differ and the contest has a winner.
	cookie := handshake.DeriveCookie(local.IP.String(), local.Port, start, start)
	rdv := handshake.NewRendezvous(uint32(isn), sockID, cookie)
	snap := opts.Snapshot()
	rdv.MSS = uint32(snap.MSS)
	rdv.FlightFlagSize = uint32(snap.FC)

	core := conn.New(opts, isn, 0, sockID, peerAddrStr, mux, start)
	kmPayload := core.HandshakeKMPayload()

	deadline := time.Now().Add(rendezvousTimeout)
	buf := make([]byte, 2048)
	var peerISN seqno.Seq
	var peerHSExt wire.HSExt
	kmSettled := false

	for time.Now().Before(deadline) {
		if rdv.State == handshake.RdvWaving {
			if err := sendHandshakeTo(uc, peerAddr, rdv.BuildWave(), nil, 0); err != nil {
				return nil, conn.WrapError(conn.CauseConnSetup, err)
			}
		}

		_ = uc.SetReadDeadline(time.Now().Add(handshakeRetryInterval))
		n, _, err := uc.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		hs, pkt, exts, derr := decodeHandshakePacket(buf[:n])
		if derr != nil {
			continue
		}

		switch hs.ReqType {
		case wire.ReqWaveAHand:
			peerISN = seqno.Seq(hs.ISN)
			core.SetPeerID(hs.SrcSockID)
			core.ApplyNegotiatedMSS(int(hs.MSS))
			core.SetPeerFlowWindow(int(hs.FlightFlagSize))
			concl, initiator := rdv.OnPeerWave(hs)
			var sendExts []wire.Extension
			if initiator {
				sendExts = append(sendExts, wire.Extension{Command: wire.ExtHSREQ, Words: localHSExt(opts).Encode()})
				if kmPayload != nil {
					sendExts = append(sendExts, wire.Extension{Command: wire.ExtKMREQ, Words: wire.BytesToWords(kmPayload)})
				}
			}
			if err := sendHandshakeTo(uc, peerAddr, concl, sendExts, hs.SrcSockID); err != nil {
				return nil, conn.WrapError(conn.CauseConnSetup, err)
			}

		case wire.ReqConclusion:
			peerISN = seqno.Seq(hs.ISN)
			core.SetPeerID(hs.SrcSockID)
			core.ApplyNegotiatedMSS(int(hs.MSS))
			core.SetPeerFlowWindow(int(hs.FlightFlagSize))
			reply, replyExts, hsExtFromPeer, kmFromPeer, done := rdv.OnConclusion(hs, exts)
			// Our HSRSP advertises this side's own capabilities and
			// latencies, not a copy of the peer's HSREQ.
			for i := range replyExts {
				if replyExts[i].Command == wire.ExtHSRSP {
					replyExts[i].Words = localHSExt(opts).Encode()
				}
			}
			if hsExtFromPeer.Version != 0 {
				peerHSExt = hsExtFromPeer
			}
			if kmFromPeer != nil && !kmSettled {
				if rdv.IsInitiator() {
					// Peer's KMRSP: our key was accepted.
					core.CompleteKMExchange(true)
				} else if kmrsp, ok := core.AcceptPeerKM(kmFromPeer); ok {
					replyExts = append(replyExts, wire.Extension{Command: wire.ExtKMRSP, Words: wire.BytesToWords(kmrsp)})
				}
				kmSettled = true
			}
			if !done && rdv.IsInitiator() && reply.ReqType == wire.ReqConclusion && len(replyExts) == 0 {
				// Re-sent initiator conclusion must carry the extensions
				// again, or the responder can never answer them.
				replyExts = append(replyExts, wire.Extension{Command: wire.ExtHSREQ, Words: localHSExt(opts).Encode()})
				if kmPayload != nil {
					replyExts = append(replyExts, wire.Extension{Command: wire.ExtKMREQ, Words: wire.BytesToWords(kmPayload)})
				}
			}
			if reply.ReqType != 0 || len(replyExts) > 0 {
				if reply.ReqType == 0 {
					reply = wire.Handshake{
						Version:   wire.HSv5,
						ISN:       uint32(isn),
						ReqType:   wire.ReqConclusion,
						SrcSockID: sockID,
					}
				}
				if err := sendHandshakeTo(uc, peerAddr, reply, replyExts, hs.SrcSockID); err != nil {
					return nil, conn.WrapError(conn.CauseConnSetup, err)
				}
			}
			if done {
				_ = uc.SetReadDeadline(time.Time{})
				core.ResetReceiveBase(peerISN)
				applyNegotiatedLatency(core, opts, peerHSExt)
				core.ReceiveBuffer().SetPeerAnchor(time.Now(), time.Duration(pkt.Header.Timestamp)*time.Microsecond)
				if kmPayload != nil && !kmSettled && rdv.IsInitiator() {
					core.CompleteKMExchange(false)
				}
				core.MarkConnected(time.Now())
				// Final AGREEMENT so the peer can leave its own wait loop.
				agreement := wire.Handshake{
					Version:   wire.HSv5,
					ISN:       uint32(isn),
					ReqType:   wire.ReqAgreement,
					SrcSockID: sockID,
				}
				_ = sendHandshakeTo(uc, peerAddr, agreement, nil, hs.SrcSockID)
				return core, nil
			}

		case wire.ReqAgreement:
			_ = uc.SetReadDeadline(time.Time{})
			core.ResetReceiveBase(peerISN)
			applyNegotiatedLatency(core, opts, peerHSExt)
			core.ReceiveBuffer().SetPeerAnchor(time.Now(), time.Duration(pkt.Header.Timestamp)*time.Microsecond)
			core.MarkConnected(time.Now())
			return core, nil
		}
	}
	return nil, conn.NewError(conn.CauseConnTimeout, "rendezvous did not complete")
}
