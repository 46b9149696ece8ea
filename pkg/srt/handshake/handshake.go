// Package handshake implements the inductive (caller/listener) and
// rendezvous handshake state machines and the HSv5 extension-block
// exchange: a small typed state plus legal transitions driven by
// inbound packet type.
package handshake

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/srtgo/srt/pkg/srt/wire"
)

// RejectCause enumerates the recoverable-by-reconnect handshake failure
// causes.
type RejectCause int

const (
	RejectNone RejectCause = iota
	RejectBadPacketLength
	RejectVersion
	RejectCookieMismatch
	RejectPeerVersionTooLow
	RejectKMFailure
	RejectSIDTooLong
	RejectMSSTooLarge
	RejectByListenerCallback
)

func (c RejectCause) Error() string {
	switch c {
	case RejectBadPacketLength:
		return "handshake: invalid packet length"
	case RejectVersion:
		return "handshake: disallowed version"
	case RejectCookieMismatch:
		return "handshake: cookie mismatch"
	case RejectPeerVersionTooLow:
		return "handshake: peer version below required minimum"
	case RejectKMFailure:
		return "handshake: key material processing failed under enforced encryption"
	case RejectSIDTooLong:
		return "handshake: stream id longer than payload/2"
	case RejectMSSTooLarge:
		return "handshake: mss exceeds ethernet mtu cap"
	case RejectByListenerCallback:
		return "handshake: rejected by listener callback"
	default:
		return "handshake: no error"
	}
}

// wireRejectCode maps a RejectCause to the 1000..1999 wire reject code.
func wireRejectCode(c RejectCause) wire.ReqType {
	return wire.RejectBase + wire.ReqType(c)
}

const ethernetMTUCap = 1500

// EthernetMTUCap exposes the MSS ceiling used by option validation.
const EthernetMTUCap = ethernetMTUCap

// cookieFreshnessWindow is how long a listener-issued induction cookie
// remains valid; the cookie is re-derived every minute and one stale minute is still accepted to tolerate races.
const cookieFreshnessWindow = time.Minute

// DeriveCookie computes the listener's per-minute induction cookie:
// MD5(peerIP ":" peerPort ":" minutesSinceStart).
func DeriveCookie(peerIP string, peerPort int, startTime, now time.Time) uint32 {
	minutes := int64(now.Sub(startTime) / time.Minute)
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", peerIP, peerPort, minutes)))
	return binary.BigEndian.Uint32(sum[:4])
}

// VerifyCookie accepts the cookie if it matches either the current
// minute's derivation or the previous minute's.
func VerifyCookie(cookie uint32, peerIP string, peerPort int, startTime, now time.Time) bool {
	if cookie == DeriveCookie(peerIP, peerPort, startTime, now) {
		return true
	}
	return cookie == DeriveCookie(peerIP, peerPort, startTime, now.Add(-cookieFreshnessWindow))
}

// InductiveState enumerates the caller/listener handshake progression.
type InductiveState int

const (
	IndInit InductiveState = iota
	IndInductionSent
	IndConclusionSent
	IndConnected
	IndRejected
)

// Caller drives the caller side of the inductive handshake. MSS and
// FlightFlagSize advertise the local segment size and receive window;
// MSS is lowered in place to the negotiated minimum as replies arrive.
type Caller struct {
	State          InductiveState
	ISN            uint32
	SrcSockID      uint32
	MSS            uint32
	FlightFlagSize uint32
	cookie         uint32
	Reject         RejectCause
}

// NewCaller starts a caller-side handshake.
func NewCaller(isn, srcSockID, mss, flightFlagSize uint32) *Caller {
	return &Caller{State: IndInit, ISN: isn, SrcSockID: srcSockID, MSS: mss, FlightFlagSize: flightFlagSize}
}

// BuildInduction returns the first packet the caller sends: an INDUCTION
// request advertising version 4. Sending v4 rather than v5 is a
// deliberate historical workaround: legacy
// listeners echo the version verbatim, so a v5 INDUCTION would produce a
// false "peer supports v5" positive from a listener that never actually
// announced it.
func (c *Caller) BuildInduction() wire.Handshake {
	c.State = IndInductionSent
	return wire.Handshake{
		Version:        wire.HSv4,
		ISN:            c.ISN,
		MSS:            c.MSS,
		FlightFlagSize: c.FlightFlagSize,
		ReqType:        wire.ReqInduction,
		SrcSockID:      c.SrcSockID,
	}
}

// OnInductionReply processes the listener's INDUCTION response, which
// carries the freshness cookie and, via ExtField, announces HSv5 support.
// It returns the CONCLUSION packet and extension blocks to send next.
func (c *Caller) OnInductionReply(reply wire.Handshake, hsv5Capable bool, peerVersionMin uint32, hsExt wire.HSExt, sid string, kmPayload []byte) (wire.Handshake, []wire.Extension, error) {
	if c.State != IndInductionSent {
		return wire.Handshake{}, nil, errors.New("handshake: unexpected induction reply")
	}
	if reply.MSS > ethernetMTUCap {
		c.State = IndRejected
		c.Reject = RejectMSSTooLarge
		return wire.Handshake{}, nil, c.Reject
	}
	// The negotiated segment size is the smaller of the two proposals.
	if reply.MSS > 0 && reply.MSS < c.MSS {
		c.MSS = reply.MSS
	}
	c.cookie = reply.Cookie
	useV5 := hsv5Capable && reply.Version == wire.HSv5
	version := wire.HSv4
	if useV5 {
		version = wire.HSv5
	}
	concl := wire.Handshake{
		Version:        version,
		ISN:            c.ISN,
		MSS:            c.MSS,
		FlightFlagSize: c.FlightFlagSize,
		ReqType:        wire.ReqConclusion,
		SrcSockID:      c.SrcSockID,
		Cookie:         c.cookie,
	}
	var exts []wire.Extension
	if useV5 {
		exts = append(exts, wire.Extension{Command: wire.ExtHSREQ, Words: hsExt.Encode()})
		if kmPayload != nil {
			exts = append(exts, wire.Extension{Command: wire.ExtKMREQ, Words: bytesToWords(kmPayload)})
		}
		if sid != "" {
			exts = append(exts, wire.Extension{Command: wire.ExtSID, Words: wire.EncodeSID(sid)})
		}
	}
	c.State = IndConclusionSent
	return concl, exts, nil
}

// OnConclusionReply processes the listener's final CONCLUSION carrying
// HSRSP (+KMRSP), completing the handshake.
func (c *Caller) OnConclusionReply(reply wire.Handshake, exts []wire.Extension) (wire.HSExt, []byte, error) {
	if c.State != IndConclusionSent {
		return wire.HSExt{}, nil, errors.New("handshake: unexpected conclusion reply")
	}
	if reply.ReqType >= wire.RejectBase && reply.ReqType < wire.RejectMaxExcl {
		c.State = IndRejected
		c.Reject = RejectCause(reply.ReqType - wire.RejectBase)
		return wire.HSExt{}, nil, c.Reject
	}
	var hsrsp wire.HSExt
	var km []byte
	for _, e := range exts {
		switch e.Command {
		case wire.ExtHSRSP:
			hsrsp = wire.DecodeHSExt(e.Words, reply.Version == wire.HSv4)
		case wire.ExtKMRSP:
			km = wordsToBytes(e.Words)
		}
	}
	c.State = IndConnected
	return hsrsp, km, nil
}

// ListenerState enumerates the listener's per-attempt progression. The
// listener itself is stateless across attempts: each caller gets its
// own Listener instance once the caller's source address/cookie is
// known, rather than sharing a single state machine.
type ListenerState int

const (
	LisAwaitingInduction ListenerState = iota
	LisInductionSent
	LisConnected
	LisRejected
)

// Listener drives the listener side of one inductive handshake attempt.
// MSS/FlightFlagSize advertise the local proposals; NegotiatedMSS holds
// the agreed minimum once the caller's CONCLUSION has been processed.
type Listener struct {
	State          ListenerState
	StartTime      time.Time
	PeerIP         string
	PeerPort       int
	ISN            uint32
	SrcSockID      uint32
	MSS            uint32
	FlightFlagSize uint32
	Reject         RejectCause
	PeerStreamID   string
	PeerVersion    wire.HandshakeVersion
	NegotiatedMSS  uint32
	PeerFlightFlag uint32
}

// NewListener begins processing an inbound INDUCTION.
func NewListener(startTime time.Time, peerIP string, peerPort int, isn, srcSockID uint32) *Listener {
	return &Listener{State: LisAwaitingInduction, StartTime: startTime, PeerIP: peerIP, PeerPort: peerPort, ISN: isn, SrcSockID: srcSockID}
}

// BuildInductionReply answers an INDUCTION with the cookie and HSv5
// capability announcement.
func (l *Listener) BuildInductionReply(now time.Time) wire.Handshake {
	cookie := DeriveCookie(l.PeerIP, l.PeerPort, l.StartTime, now)
	l.State = LisInductionSent
	return wire.Handshake{
		Version:        wire.HSv5,
		ExtField:       0x4A17, // SRT magic marking HSv5 capability, per the real protocol's historical constant
		ISN:            l.ISN,
		MSS:            l.MSS,
		FlightFlagSize: l.FlightFlagSize,
		ReqType:        wire.ReqInduction,
		SrcSockID:      l.SrcSockID,
		Cookie:         cookie,
	}
}

// AcceptCallback is the user hook invoked after handshake parsing but
// before acceptance. Returning a non-nil
// error rejects the connection with the given cause.
type AcceptCallback func(streamID string, peerAddr string, version wire.HandshakeVersion) error

// OnConclusion validates the caller's CONCLUSION (cookie, version,
// extensions, optional acceptance callback) and returns the reply
// handshake plus extensions, or a RejectCause.
func (l *Listener) OnConclusion(req wire.Handshake, exts []wire.Extension, now time.Time, minVersion wire.HandshakeVersion, cb AcceptCallback, hsExt wire.HSExt, kmResolve func(kmreq []byte) ([]byte, error), enforcedEncryption bool) (wire.Handshake, []wire.Extension, error) {
	if l.State != LisInductionSent {
		return wire.Handshake{}, nil, errors.New("handshake: unexpected conclusion")
	}
	if !VerifyCookie(req.Cookie, l.PeerIP, l.PeerPort, l.StartTime, now) {
		l.State = LisRejected
		l.Reject = RejectCookieMismatch
		return l.rejectReply(), nil, l.Reject
	}
	if req.Version < minVersion {
		l.State = LisRejected
		l.Reject = RejectPeerVersionTooLow
		return l.rejectReply(), nil, l.Reject
	}
	if req.MSS > ethernetMTUCap {
		l.State = LisRejected
		l.Reject = RejectMSSTooLarge
		return l.rejectReply(), nil, l.Reject
	}
	l.NegotiatedMSS = l.MSS
	if req.MSS > 0 && (l.NegotiatedMSS == 0 || req.MSS < l.NegotiatedMSS) {
		l.NegotiatedMSS = req.MSS
	}
	l.PeerFlightFlag = req.FlightFlagSize

	var sid string
	var kmreq []byte
	for _, e := range exts {
		switch e.Command {
		case wire.ExtSID:
			sid = wire.DecodeSID(e.Words)
		case wire.ExtKMREQ:
			kmreq = wordsToBytes(e.Words)
		}
	}
	if len(sid) > wire.MaxSIDLength {
		l.State = LisRejected
		l.Reject = RejectSIDTooLong
		return l.rejectReply(), nil, l.Reject
	}
	l.PeerStreamID = sid
	l.PeerVersion = req.Version

	if cb != nil {
		if err := cb(sid, l.PeerIP, req.Version); err != nil {
			l.State = LisRejected
			l.Reject = RejectByListenerCallback
			return l.rejectReply(), nil, l.Reject
		}
	}

	var kmrsp []byte
	if kmreq != nil && kmResolve != nil {
		rsp, err := kmResolve(kmreq)
		if err != nil && enforcedEncryption {
			l.State = LisRejected
			l.Reject = RejectKMFailure
			return l.rejectReply(), nil, l.Reject
		}
		kmrsp = rsp
	}

	reply := wire.Handshake{
		Version:        wire.HSv5,
		ISN:            l.ISN,
		MSS:            l.NegotiatedMSS,
		FlightFlagSize: l.FlightFlagSize,
		ReqType:        wire.ReqConclusion,
		SrcSockID:      l.SrcSockID,
		Cookie:         req.Cookie,
	}
	respExts := []wire.Extension{{Command: wire.ExtHSRSP, Words: hsExt.Encode()}}
	if kmrsp != nil {
		respExts = append(respExts, wire.Extension{Command: wire.ExtKMRSP, Words: bytesToWords(kmrsp)})
	}
	l.State = LisConnected
	return reply, respExts, nil
}

func (l *Listener) rejectReply() wire.Handshake {
	return wire.Handshake{
		Version:   wire.HSv5,
		ISN:       l.ISN,
		ReqType:   wireRejectCode(l.Reject),
		SrcSockID: l.SrcSockID,
	}
}

func bytesToWords(b []byte) []uint32 {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	return words
}

func wordsToBytes(w []uint32) []byte {
	b := make([]byte, len(w)*4)
	for i, x := range w {
		binary.BigEndian.PutUint32(b[i*4:i*4+4], x)
	}
	return b
}

// NegotiateTSBPDLatency resolves each direction's effective latency:
// TsbPdDelay = max(localConfigured, peerProposed);
// PeerTsbPdDelay = max(localConfiguredForPeer, peerDeclared).
func NegotiateTSBPDLatency(localConfigured, peerProposed time.Duration) time.Duration {
	if peerProposed > localConfigured {
		return peerProposed
	}
	return localConfigured
}

// ClearTLPKTDROPForOldPeers implements the rule that TLPKTDROP must be
// cleared in the response when the peer's version is below the known
// patch cutoff.
func ClearTLPKTDROPForOldPeers(flags wire.HSExtFlags, peerVersion, patchCutoff uint32) wire.HSExtFlags {
	if peerVersion < patchCutoff {
		return flags &^ wire.FlagTLPKTDROP
	}
	return flags
}
