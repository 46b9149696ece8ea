package handshake

import (
	"testing"
	"time"

	"github.com/srtgo/srt/pkg/srt/wire"
)

func TestCookieStablePerMinute(t *testing.T) {
	start := time.Now()
	a := DeriveCookie("10.0.0.1", 4000, start, start.Add(10*time.Second))
	b := DeriveCookie("10.0.0.1", 4000, start, start.Add(50*time.Second))
	if a != b {
		t.Error("cookie changed within the same minute")
	}
	c := DeriveCookie("10.0.0.1", 4000, start, start.Add(70*time.Second))
	if a == c {
		t.Error("cookie did not roll over to the next minute")
	}
	d := DeriveCookie("10.0.0.2", 4000, start, start.Add(10*time.Second))
	if a == d {
		t.Error("different peers derived the same cookie")
	}
}

func TestVerifyCookieAcceptsPreviousMinute(t *testing.T) {
	start := time.Now()
	issued := DeriveCookie("10.0.0.1", 4000, start, start.Add(55*time.Second))
	// Just after the minute rolled: the stale cookie is still accepted.
	if !VerifyCookie(issued, "10.0.0.1", 4000, start, start.Add(65*time.Second)) {
		t.Error("cookie from the previous minute rejected")
	}
	// Two minutes on it is gone.
	if VerifyCookie(issued, "10.0.0.1", 4000, start, start.Add(130*time.Second)) {
		t.Error("cookie accepted two minutes later")
	}
}

func TestCallerSendsV4Induction(t *testing.T) {
	c := NewCaller(1000, 42, 1500, 8192)
	ind := c.BuildInduction()
	if ind.Version != wire.HSv4 {
		t.Errorf("induction version = %d, want 4 (legacy-listener workaround)", ind.Version)
	}
	if ind.ReqType != wire.ReqInduction {
		t.Errorf("ReqType = %d, want INDUCTION", ind.ReqType)
	}
}

func TestCallerUpgradesToV5(t *testing.T) {
	c := NewCaller(1000, 42, 1500, 8192)
	c.BuildInduction()

	reply := wire.Handshake{Version: wire.HSv5, ExtField: 0x4A17, Cookie: 0xC00C1E, ISN: 2000, SrcSockID: 77, ReqType: wire.ReqInduction}
	concl, exts, err := c.OnInductionReply(reply, true, 0, wire.HSExt{Version: 0x010500}, "stream-1", nil)
	if err != nil {
		t.Fatalf("OnInductionReply: %v", err)
	}
	if concl.Version != wire.HSv5 {
		t.Errorf("conclusion version = %d, want 5", concl.Version)
	}
	if concl.Cookie != 0xC00C1E {
		t.Errorf("cookie not echoed: %#x", concl.Cookie)
	}
	var haveHSREQ, haveSID bool
	for _, e := range exts {
		switch e.Command {
		case wire.ExtHSREQ:
			haveHSREQ = true
		case wire.ExtSID:
			haveSID = true
		}
	}
	if !haveHSREQ || !haveSID {
		t.Errorf("conclusion extensions missing: hsreq=%v sid=%v", haveHSREQ, haveSID)
	}
}

func TestCallerStaysV4AgainstLegacyListener(t *testing.T) {
	c := NewCaller(1000, 42, 1500, 8192)
	c.BuildInduction()
	// A legacy listener echoes v4 back: no HSv5 extensions may be sent.
	reply := wire.Handshake{Version: wire.HSv4, Cookie: 1, ReqType: wire.ReqInduction}
	concl, exts, err := c.OnInductionReply(reply, true, 0, wire.HSExt{}, "sid", nil)
	if err != nil {
		t.Fatalf("OnInductionReply: %v", err)
	}
	if concl.Version != wire.HSv4 {
		t.Errorf("conclusion version = %d, want 4", concl.Version)
	}
	if len(exts) != 0 {
		t.Errorf("v4 conclusion must carry no extensions, got %d", len(exts))
	}
}

func TestCallerRejectSurfaces(t *testing.T) {
	c := NewCaller(1, 2, 1500, 8192)
	c.BuildInduction()
	c.OnInductionReply(wire.Handshake{Version: wire.HSv5, ReqType: wire.ReqInduction}, true, 0, wire.HSExt{}, "", nil)
	_, _, err := c.OnConclusionReply(wire.Handshake{ReqType: wireRejectCode(RejectCookieMismatch)}, nil)
	if err == nil {
		t.Fatal("reject-coded conclusion did not error")
	}
	if c.Reject != RejectCookieMismatch {
		t.Errorf("Reject = %v, want cookie mismatch", c.Reject)
	}
}

func TestCallerNegotiatesMSSDown(t *testing.T) {
	c := NewCaller(1000, 42, 1500, 8192)
	c.BuildInduction()
	reply := wire.Handshake{Version: wire.HSv5, ReqType: wire.ReqInduction, MSS: 1400, FlightFlagSize: 4096}
	concl, _, err := c.OnInductionReply(reply, true, 0, wire.HSExt{}, "", nil)
	if err != nil {
		t.Fatalf("OnInductionReply: %v", err)
	}
	if c.MSS != 1400 || concl.MSS != 1400 {
		t.Errorf("negotiated MSS = %d (conclusion %d), want the peer's smaller 1400", c.MSS, concl.MSS)
	}

	// A larger peer proposal leaves the local value in place.
	c2 := NewCaller(1000, 42, 1400, 8192)
	c2.BuildInduction()
	concl2, _, err := c2.OnInductionReply(wire.Handshake{Version: wire.HSv5, ReqType: wire.ReqInduction, MSS: 1500}, true, 0, wire.HSExt{}, "", nil)
	if err != nil {
		t.Fatalf("OnInductionReply: %v", err)
	}
	if concl2.MSS != 1400 {
		t.Errorf("conclusion MSS = %d, want local 1400", concl2.MSS)
	}
}

func TestCallerRejectsOversizedPeerMSS(t *testing.T) {
	c := NewCaller(1000, 42, 1500, 8192)
	c.BuildInduction()
	reply := wire.Handshake{Version: wire.HSv5, ReqType: wire.ReqInduction, MSS: 9000}
	if _, _, err := c.OnInductionReply(reply, true, 0, wire.HSExt{}, "", nil); err == nil {
		t.Fatal("MSS above the ethernet cap accepted")
	}
	if c.Reject != RejectMSSTooLarge {
		t.Errorf("Reject = %v, want MSS too large", c.Reject)
	}
}

func listenerAtConclusion(t *testing.T, now time.Time) (*Listener, wire.Handshake) {
	t.Helper()
	start := now.Add(-time.Minute)
	l := NewListener(start, "127.0.0.1", 5000, 3000, 99)
	l.BuildInductionReply(now)
	req := wire.Handshake{
		Version:   wire.HSv5,
		ISN:       1000,
		ReqType:   wire.ReqConclusion,
		SrcSockID: 42,
		Cookie:    DeriveCookie("127.0.0.1", 5000, start, now),
	}
	return l, req
}

func TestListenerAcceptsConclusion(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	sidExt := wire.Extension{Command: wire.ExtSID, Words: wire.EncodeSID("live/cam-3")}

	reply, exts, err := l.OnConclusion(req, []wire.Extension{sidExt}, now, 0, nil, wire.HSExt{Version: 0x010500}, nil, false)
	if err != nil {
		t.Fatalf("OnConclusion: %v", err)
	}
	if reply.ReqType != wire.ReqConclusion {
		t.Errorf("reply type = %d, want CONCLUSION", reply.ReqType)
	}
	if l.PeerStreamID != "live/cam-3" {
		t.Errorf("PeerStreamID = %q", l.PeerStreamID)
	}
	if len(exts) == 0 || exts[0].Command != wire.ExtHSRSP {
		t.Errorf("reply extensions = %+v, want leading HSRSP", exts)
	}
	if l.State != LisConnected {
		t.Errorf("state = %v, want connected", l.State)
	}
}

func TestListenerNegotiatesMSS(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	l.MSS = 1500
	l.FlightFlagSize = 8192
	req.MSS = 1400
	req.FlightFlagSize = 4096

	reply, _, err := l.OnConclusion(req, nil, now, 0, nil, wire.HSExt{}, nil, false)
	if err != nil {
		t.Fatalf("OnConclusion: %v", err)
	}
	if reply.MSS != 1400 {
		t.Errorf("reply MSS = %d, want the negotiated minimum 1400", reply.MSS)
	}
	if l.NegotiatedMSS != 1400 || l.PeerFlightFlag != 4096 {
		t.Errorf("negotiated state = %d/%d", l.NegotiatedMSS, l.PeerFlightFlag)
	}
	if reply.FlightFlagSize != 8192 {
		t.Errorf("reply flight-flag size = %d, want our own 8192", reply.FlightFlagSize)
	}
}

func TestListenerRejectsOversizedMSS(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	req.MSS = 9000

	_, _, err := l.OnConclusion(req, nil, now, 0, nil, wire.HSExt{}, nil, false)
	if err == nil {
		t.Fatal("MSS above the ethernet cap accepted")
	}
	if l.Reject != RejectMSSTooLarge {
		t.Errorf("Reject = %v, want MSS too large", l.Reject)
	}
}

func TestListenerRejectsBadCookie(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	req.Cookie = req.Cookie + 1

	reply, _, err := l.OnConclusion(req, nil, now, 0, nil, wire.HSExt{}, nil, false)
	if err == nil {
		t.Fatal("bad cookie accepted")
	}
	if reply.ReqType < wire.RejectBase || reply.ReqType >= wire.RejectMaxExcl {
		t.Errorf("reply type = %d, want a 1000..1999 reject code", reply.ReqType)
	}
	if l.Reject != RejectCookieMismatch {
		t.Errorf("Reject = %v", l.Reject)
	}
}

func TestListenerRejectsLowVersion(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	req.Version = wire.HSv4

	_, _, err := l.OnConclusion(req, nil, now, wire.HSv5, nil, wire.HSExt{}, nil, false)
	if err == nil {
		t.Fatal("below-minimum version accepted")
	}
	if l.Reject != RejectPeerVersionTooLow {
		t.Errorf("Reject = %v", l.Reject)
	}
}

func TestListenerCallbackCanReject(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	cb := func(streamID, peerAddr string, version wire.HandshakeVersion) error {
		return RejectByListenerCallback
	}
	_, _, err := l.OnConclusion(req, nil, now, 0, cb, wire.HSExt{}, nil, false)
	if err == nil {
		t.Fatal("callback rejection ignored")
	}
	if l.Reject != RejectByListenerCallback {
		t.Errorf("Reject = %v", l.Reject)
	}
}

func TestListenerKMFailureUnderEnforcement(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	kmExt := wire.Extension{Command: wire.ExtKMREQ, Words: []uint32{1, 2, 3, 4}}
	resolve := func(kmreq []byte) ([]byte, error) { return nil, RejectKMFailure }

	_, _, err := l.OnConclusion(req, []wire.Extension{kmExt}, now, 0, nil, wire.HSExt{}, resolve, true)
	if err == nil {
		t.Fatal("KM failure accepted under enforced encryption")
	}
	if l.Reject != RejectKMFailure {
		t.Errorf("Reject = %v", l.Reject)
	}
}

func TestListenerKMFailureWithoutEnforcement(t *testing.T) {
	now := time.Now()
	l, req := listenerAtConclusion(t, now)
	kmExt := wire.Extension{Command: wire.ExtKMREQ, Words: []uint32{1, 2, 3, 4}}
	resolve := func(kmreq []byte) ([]byte, error) { return nil, RejectKMFailure }

	_, exts, err := l.OnConclusion(req, []wire.Extension{kmExt}, now, 0, nil, wire.HSExt{}, resolve, false)
	if err != nil {
		t.Fatalf("KM failure must not reject when enforcement is off: %v", err)
	}
	for _, e := range exts {
		if e.Command == wire.ExtKMRSP {
			t.Error("failed KM produced a KMRSP extension")
		}
	}
}

func TestNegotiateTSBPDLatency(t *testing.T) {
	if got := NegotiateTSBPDLatency(120*time.Millisecond, 140*time.Millisecond); got != 140*time.Millisecond {
		t.Errorf("got %v, want peer's 140ms", got)
	}
	if got := NegotiateTSBPDLatency(120*time.Millisecond, 60*time.Millisecond); got != 120*time.Millisecond {
		t.Errorf("got %v, want local 120ms", got)
	}
}

func TestClearTLPKTDROPForOldPeers(t *testing.T) {
	flags := wire.FlagTSBPDSND | wire.FlagTLPKTDROP
	if got := ClearTLPKTDROPForOldPeers(flags, 0x000905, 0x010000); got&wire.FlagTLPKTDROP != 0 {
		t.Error("TLPKTDROP kept for a pre-cutoff peer")
	}
	if got := ClearTLPKTDROPForOldPeers(flags, 0x010500, 0x010000); got&wire.FlagTLPKTDROP == 0 {
		t.Error("TLPKTDROP cleared for a current peer")
	}
}
