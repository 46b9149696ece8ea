package handshake

import (
	"github.com/srtgo/srt/pkg/srt/wire"
)

// RdvState enumerates the five rendezvous states
// (WAVING/ATTENTION/FINE/INITIATED/CONNECTED). Both peers run the same
// state machine simultaneously since rendezvous has no fixed
// caller/listener roles.
type RdvState int

const (
	RdvWaving RdvState = iota
	RdvAttention
	RdvFine
	RdvInitiated
	RdvConnected
)

func (s RdvState) String() string {
	switch s {
	case RdvWaving:
		return "WAVING"
	case RdvAttention:
		return "ATTENTION"
	case RdvFine:
		return "FINE"
	case RdvInitiated:
		return "INITIATED"
	case RdvConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Rendezvous drives one side of a rendezvous handshake. The cookie
// contest breaks the symmetry between the two peers by comparing
// each side's self-generated cookie value: the higher cookie's owner
// becomes the "initiator" that sends HSREQ, the lower becomes the
// "responder" that replies with HSRSP, matching a coin flip neither side
// could have been told about ahead of time.
type Rendezvous struct {
	State          RdvState
	ISN            uint32
	SrcSockID      uint32
	MSS            uint32
	FlightFlagSize uint32
	ownCookie      uint32

	peerCookie  uint32
	isInitiator bool
	sawPeerWave bool
}

// NewRendezvous starts a rendezvous attempt with the given cookie, which
// every WAVING and CONCLUSION packet we send carries unchanged.
// DialRendezvous derives it with DeriveCookie from our own local address
// and start time.
func NewRendezvous(isn, srcSockID, ownCookie uint32) *Rendezvous {
	return &Rendezvous{State: RdvWaving, ISN: isn, SrcSockID: srcSockID, ownCookie: ownCookie}
}

// BuildWave returns the initial WAVING packet (ReqWaveAHand).
func (r *Rendezvous) BuildWave() wire.Handshake {
	return wire.Handshake{
		Version:        wire.HSv5,
		ISN:            r.ISN,
		MSS:            r.MSS,
		FlightFlagSize: r.FlightFlagSize,
		ReqType:        wire.ReqWaveAHand,
		SrcSockID:      r.SrcSockID,
		Cookie:         r.ownCookie,
	}
}

// OnPeerWave processes an inbound WAVING from the peer while we are still
// in WAVING ourselves, transitioning to ATTENTION and resolving the
// cookie contest. It returns the ATTENTION-phase reply to send (a
// ReqConclusion-type handshake, HSv5's way of folding the old
// ATTENTION/FINE message types into the conclusion exchange) plus
// whether we are the initiator (and so should attach HSREQ this round).
func (r *Rendezvous) OnPeerWave(peer wire.Handshake) (wire.Handshake, bool) {
	r.peerCookie = peer.Cookie
	r.sawPeerWave = true
	r.isInitiator = r.ownCookie > r.peerCookie
	r.State = RdvAttention
	return r.buildConclusion(), r.isInitiator
}

// OnConclusion processes an inbound conclusion-phase packet (carrying
// either HSREQ or HSRSP depending on who is the initiator) and advances
// toward CONNECTED. It mirrors the inductive Caller/Listener split but
// folded into one struct since either peer may need to play either role
// depending on the cookie contest outcome.
func (r *Rendezvous) OnConclusion(peer wire.Handshake, exts []wire.Extension) (reply wire.Handshake, replyExts []wire.Extension, hsExtFromPeer wire.HSExt, kmFromPeer []byte, done bool) {
	if !r.sawPeerWave {
		// Peer's conclusion crossed our wave in flight: treat it as an
		// implicit wave using its own cookie.
		r.peerCookie = peer.Cookie
		r.sawPeerWave = true
		r.isInitiator = r.ownCookie > r.peerCookie
		r.State = RdvAttention
	}

	for _, e := range exts {
		switch e.Command {
		case wire.ExtHSREQ, wire.ExtHSRSP:
			hsExtFromPeer = wire.DecodeHSExt(e.Words, peer.Version == wire.HSv4)
		case wire.ExtKMREQ, wire.ExtKMRSP:
			kmFromPeer = wordsToBytes(e.Words)
		}
	}

	switch r.State {
	case RdvAttention:
		if r.isInitiator {
			if hsExtFromPeer.Version == 0 {
				// The peer's extension-less conclusion crossed ours in
				// flight; stay in ATTENTION and re-send our own
				// extension-bearing conclusion until HSRSP arrives.
				return r.buildConclusion(), nil, hsExtFromPeer, kmFromPeer, false
			}
			// This is the peer's HSRSP. Done.
			r.State = RdvConnected
			return wire.Handshake{}, nil, hsExtFromPeer, kmFromPeer, true
		}
		// We are the responder: this carries the peer's HSREQ, so answer
		// with an HSRSP and report CONNECTED at once (HSv5 rendezvous
		// completes without a fourth leg once both sides have exchanged
		// HSREQ/HSRSP; FINE is passed through, not waited in). The HSRSP
		// words returned here repeat the peer's HSREQ; DialRendezvous
		// replaces them with its own before sending.
		r.State = RdvFine
		reply = r.buildConclusion()
		replyExts = []wire.Extension{{Command: wire.ExtHSRSP, Words: hsExtFromPeer.Encode()}}
		r.State = RdvConnected
		return reply, replyExts, hsExtFromPeer, kmFromPeer, true
	case RdvFine, RdvInitiated:
		r.State = RdvConnected
		return wire.Handshake{}, nil, hsExtFromPeer, kmFromPeer, true
	default:
		return wire.Handshake{}, nil, hsExtFromPeer, kmFromPeer, r.State == RdvConnected
	}
}

func (r *Rendezvous) buildConclusion() wire.Handshake {
	return wire.Handshake{
		Version:        wire.HSv5,
		ISN:            r.ISN,
		MSS:            r.MSS,
		FlightFlagSize: r.FlightFlagSize,
		ReqType:        wire.ReqConclusion,
		SrcSockID:      r.SrcSockID,
		Cookie:         r.ownCookie,
	}
}

// IsInitiator reports whether the cookie contest assigned us the
// HSREQ-sending role.
func (r *Rendezvous) IsInitiator() bool {
	return r.isInitiator
}
