package handshake

import (
	"testing"

	"github.com/srtgo/srt/pkg/srt/wire"
)

func TestCookieContestPicksOneInitiator(t *testing.T) {
	a := NewRendezvous(100, 1, 0xB000)
	b := NewRendezvous(200, 2, 0xA000)

	a.OnPeerWave(b.BuildWave())
	b.OnPeerWave(a.BuildWave())

	if !a.IsInitiator() {
		t.Error("higher cookie should be initiator")
	}
	if b.IsInitiator() {
		t.Error("lower cookie should be responder")
	}
}

func TestRendezvousFullExchange(t *testing.T) {
	init := NewRendezvous(100, 1, 0xFFFF)
	resp := NewRendezvous(200, 2, 0x0001)

	// Both waves cross.
	initConcl, initiator := init.OnPeerWave(resp.BuildWave())
	respConcl, respInitiator := resp.OnPeerWave(init.BuildWave())
	if !initiator || respInitiator {
		t.Fatal("contest outcome wrong")
	}
	if init.State != RdvAttention || resp.State != RdvAttention {
		t.Fatalf("states after wave: %v / %v", init.State, resp.State)
	}

	hsreq := wire.HSExt{Version: 0x010500, Flags: wire.FlagTSBPDSND}
	initExts := []wire.Extension{{Command: wire.ExtHSREQ, Words: hsreq.Encode()}}

	// Responder receives the initiator's conclusion with HSREQ: it must
	// answer with HSRSP and finish.
	reply, replyExts, peerExt, _, done := resp.OnConclusion(initConcl, initExts)
	if !done {
		t.Fatal("responder did not complete on extension-bearing conclusion")
	}
	if peerExt.Version != hsreq.Version {
		t.Errorf("responder parsed HSREQ version %#x, want %#x", peerExt.Version, hsreq.Version)
	}
	if len(replyExts) == 0 || replyExts[0].Command != wire.ExtHSRSP {
		t.Fatalf("responder reply extensions = %+v, want HSRSP", replyExts)
	}

	// Initiator receives the responder's HSRSP conclusion and finishes.
	_, _, peerExt2, _, done2 := init.OnConclusion(reply, replyExts)
	if !done2 {
		t.Fatal("initiator did not complete on HSRSP")
	}
	if peerExt2.Version != hsreq.Version {
		t.Errorf("initiator parsed HSRSP version %#x", peerExt2.Version)
	}
	if init.State != RdvConnected || resp.State != RdvConnected {
		t.Errorf("final states: %v / %v", init.State, resp.State)
	}

	// The responder's extension-less early conclusion must NOT finish the
	// initiator; it re-sends its extension-bearing conclusion instead.
	init2 := NewRendezvous(100, 1, 0xFFFF)
	init2.OnPeerWave(wire.Handshake{ReqType: wire.ReqWaveAHand, Cookie: 1})
	re, _, _, _, doneEarly := init2.OnConclusion(respConcl, nil)
	if doneEarly {
		t.Error("initiator completed without peer extensions")
	}
	if re.ReqType != wire.ReqConclusion {
		t.Errorf("initiator re-sent %d, want CONCLUSION", re.ReqType)
	}
}

func TestRendezvousConclusionCrossesWave(t *testing.T) {
	// Our wave is in flight; the peer's conclusion arrives first and must
	// implicitly resolve the contest.
	r := NewRendezvous(100, 1, 0x10)
	peerConcl := wire.Handshake{Version: wire.HSv5, ReqType: wire.ReqConclusion, Cookie: 0x20, ISN: 7, SrcSockID: 9}
	hsreq := wire.HSExt{Version: 0x010500}
	_, _, _, _, done := r.OnConclusion(peerConcl, []wire.Extension{{Command: wire.ExtHSREQ, Words: hsreq.Encode()}})
	if r.IsInitiator() {
		t.Error("lower cookie became initiator")
	}
	if !done {
		t.Error("responder should finish once the initiator's extensions arrive")
	}
}

func TestRendezvousAgreementCompletes(t *testing.T) {
	r := NewRendezvous(100, 1, 0x30)
	r.OnPeerWave(wire.Handshake{ReqType: wire.ReqWaveAHand, Cookie: 0x20})
	if !r.IsInitiator() {
		t.Fatal("setup: expected initiator")
	}
	r.State = RdvFine
	_, _, _, _, done := r.OnConclusion(wire.Handshake{ReqType: wire.ReqConclusion}, nil)
	if !done {
		t.Error("FINE + conclusion should complete")
	}
}

func TestRdvStateStrings(t *testing.T) {
	names := map[RdvState]string{
		RdvWaving:    "WAVING",
		RdvAttention: "ATTENTION",
		RdvFine:      "FINE",
		RdvInitiated: "INITIATED",
		RdvConnected: "CONNECTED",
	}
	for s, want := range names {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
