package conn

import (
	"strings"
	"testing"
	"time"
)

func TestMSSBounds(t *testing.T) {
	o := NewOptions()
	if err := o.SetMSS(75); err == nil {
		t.Error("MSS 75 accepted, want rejection below the 76-byte floor")
	}
	if err := o.SetMSS(76); err != nil {
		t.Errorf("MSS 76 rejected: %v", err)
	}
	if err := o.SetMSS(1500); err != nil {
		t.Errorf("MSS 1500 rejected: %v", err)
	}
}

func TestMSSFrozenAfterBind(t *testing.T) {
	o := NewOptions()
	o.MarkBound()
	if err := o.SetMSS(1400); err == nil {
		t.Error("PREBIND option settable after bind")
	}
}

func TestPreOptionsFrozenAfterConnect(t *testing.T) {
	o := NewOptions()
	o.MarkConnected()
	if err := o.SetFC(64); err == nil {
		t.Error("FC settable after connect")
	}
	if err := o.SetPassphrase("0123456789"); err == nil {
		t.Error("passphrase settable after connect")
	}
	if err := o.SetStreamID("x"); err == nil {
		t.Error("stream id settable after connect")
	}
	// POST options stay settable.
	o.SetRcvTimeO(time.Second)
	if o.Snapshot().RcvTimeO != time.Second {
		t.Error("POST option did not apply after connect")
	}
}

func TestFCFloor(t *testing.T) {
	o := NewOptions()
	if err := o.SetFC(31); err == nil {
		t.Error("FC 31 accepted, want floor of 32")
	}
	if err := o.SetFC(32); err != nil {
		t.Errorf("FC 32 rejected: %v", err)
	}
}

func TestPassphraseValidationViaOptions(t *testing.T) {
	o := NewOptions()
	if err := o.SetPassphrase(strings.Repeat("a", 9)); err == nil {
		t.Error("9-byte passphrase accepted")
	}
	if err := o.SetPassphrase(strings.Repeat("a", 10)); err != nil {
		t.Errorf("10-byte passphrase rejected: %v", err)
	}
	if err := o.SetPassphrase(strings.Repeat("a", 80)); err == nil {
		t.Error("80-byte passphrase accepted")
	}
	if err := o.SetPassphrase(""); err != nil {
		t.Errorf("clearing the passphrase rejected: %v", err)
	}
}

func TestPBKeyLenValidation(t *testing.T) {
	o := NewOptions()
	for _, n := range []int{0, 16, 24, 32} {
		if err := o.SetPBKeyLen(n); err != nil {
			t.Errorf("PBKeyLen %d rejected: %v", n, err)
		}
	}
	if err := o.SetPBKeyLen(20); err == nil {
		t.Error("PBKeyLen 20 accepted")
	}
}

func TestStreamIDLimit(t *testing.T) {
	o := NewOptions()
	if err := o.SetStreamID(strings.Repeat("s", 512)); err != nil {
		t.Errorf("512-byte stream id rejected: %v", err)
	}
	if err := o.SetStreamID(strings.Repeat("s", 513)); err == nil {
		t.Error("513-byte stream id accepted")
	}
}

func TestInheritDropsStreamID(t *testing.T) {
	o := NewOptions()
	o.SetStreamID("listener-sid")
	o.SetFC(128)
	o.RcvLatency = 140 * time.Millisecond
	o.TLPktDrop = false
	o.MarkBound()
	o.MarkConnected()

	in := o.Inherit()
	if in.StreamID != "" {
		t.Errorf("inherited StreamID = %q, want empty", in.StreamID)
	}
	if in.FC != 128 || in.RcvLatency != 140*time.Millisecond || in.TLPktDrop {
		t.Errorf("inherited values lost: %+v", in)
	}
	// Tier guards reset so an acceptance callback can still tune it.
	if err := in.SetPassphrase("callback-set"); err != nil {
		t.Errorf("inherited options frozen: %v", err)
	}
}

func TestApplyNegotiatedLatencies(t *testing.T) {
	o := NewOptions()
	o.ApplyNegotiatedLatencies(140*time.Millisecond, 120*time.Millisecond)
	snap := o.Snapshot()
	if snap.RcvLatency != 140*time.Millisecond || snap.PeerLatency != 120*time.Millisecond {
		t.Errorf("negotiated latencies = %v/%v", snap.RcvLatency, snap.PeerLatency)
	}
}
