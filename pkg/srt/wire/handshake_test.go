package wire

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	in := Handshake{
		Version:        HSv5,
		EncryptionFlag: 3,
		ExtField:       0x4A17,
		ISN:            0x01020304,
		MSS:            1500,
		FlightFlagSize: 25600,
		ReqType:        ReqConclusion,
		SrcSockID:      0xABCDEF01,
		Cookie:         0x55AA55AA,
	}
	copy(in.PeerIP[:], []byte{127, 0, 0, 1})

	raw := in.Encode()
	if len(raw) != HandshakeSize {
		t.Fatalf("encoded length = %d, want %d", len(raw), HandshakeSize)
	}
	out, err := DecodeHandshake(raw)
	if err != nil {
		t.Fatalf("DecodeHandshake failed: %v", err)
	}
	if out != in {
		t.Errorf("handshake did not round-trip:\n got %+v\nwant %+v", out, in)
	}
	// Byte-for-byte idempotence.
	if !bytes.Equal(out.Encode(), raw) {
		t.Error("re-encoded handshake differs from original bytes")
	}
}

func TestHandshakeNegativeReqTypes(t *testing.T) {
	for _, rt := range []ReqType{ReqWaveAHand, ReqInduction, ReqConclusion, ReqAgreement} {
		h := Handshake{Version: HSv5, ReqType: rt}
		out, err := DecodeHandshake(h.Encode())
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if out.ReqType != rt {
			t.Errorf("ReqType = %d, want %d", out.ReqType, rt)
		}
	}
}

func TestDecodeHandshakeTruncated(t *testing.T) {
	if _, err := DecodeHandshake(make([]byte, HandshakeSize-1)); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestExtensionsRoundTrip(t *testing.T) {
	in := []Extension{
		{Command: ExtHSREQ, Words: []uint32{0x010500, 0x3F, 0x00780078}},
		{Command: ExtKMREQ, Words: []uint32{1, 2, 3, 4, 5, 6, 7, 8}},
		{Command: ExtSID, Words: EncodeSID("live/stream-1")},
	}
	out := ParseExtensions(EncodeExtensions(in))
	if len(out) != len(in) {
		t.Fatalf("parsed %d extensions, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Command != in[i].Command {
			t.Errorf("ext %d command = %d, want %d", i, out[i].Command, in[i].Command)
		}
		if len(out[i].Words) != len(in[i].Words) {
			t.Errorf("ext %d has %d words, want %d", i, len(out[i].Words), len(in[i].Words))
			continue
		}
		for j := range in[i].Words {
			if out[i].Words[j] != in[i].Words[j] {
				t.Errorf("ext %d word %d = %#x, want %#x", i, j, out[i].Words[j], in[i].Words[j])
			}
		}
	}
}

func TestParseExtensionsTruncated(t *testing.T) {
	buf := EncodeExtensions([]Extension{{Command: ExtHSREQ, Words: []uint32{1, 2, 3}}})
	// Chop off the last word: the truncated block is dropped, not an error.
	out := ParseExtensions(buf[:len(buf)-4])
	if len(out) != 0 {
		t.Errorf("expected no extensions from truncated buffer, got %d", len(out))
	}
	// A well-formed block before a truncated one still parses.
	buf = append(EncodeExtensions([]Extension{{Command: ExtKMRSP, Words: []uint32{9}}}), buf[:6]...)
	out = ParseExtensions(buf)
	if len(out) != 1 || out[0].Command != ExtKMRSP {
		t.Errorf("expected the leading block only, got %+v", out)
	}
}

func TestSIDRoundTrip(t *testing.T) {
	for _, sid := range []string{"", "a", "abc", "abcd", "live/a/b/c", "x1234567"} {
		got := DecodeSID(EncodeSID(sid))
		if got != sid {
			t.Errorf("SID %q round-tripped to %q", sid, got)
		}
	}
}

func TestSIDAlwaysTerminated(t *testing.T) {
	// Content an exact multiple of 4 with no NUL padding: the decoder's
	// own buffer supplies the terminator.
	words := EncodeSID("abcd")
	if got := DecodeSID(words); got != "abcd" {
		t.Errorf("got %q, want %q", got, "abcd")
	}
}

func TestHSExtLatencyPacking(t *testing.T) {
	e := HSExt{Version: 0x010500, Flags: FlagTSBPDSND | FlagTSBPDRCV, SendLatencyMS: 100, RecvLatencyMS: 140}
	words := e.Encode()
	if len(words) != 3 {
		t.Fatalf("encoded %d words, want 3", len(words))
	}

	v5 := DecodeHSExt(words, false)
	if v5 != e {
		t.Errorf("HSv5 decode = %+v, want %+v", v5, e)
	}

	// HSv4 interprets the whole latency word as a single 16-bit value.
	v4 := DecodeHSExt([]uint32{e.Version, uint32(e.Flags), 140}, true)
	if v4.RecvLatencyMS != 140 || v4.SendLatencyMS != 0 {
		t.Errorf("HSv4 decode latency = (%d,%d), want (0,140)", v4.SendLatencyMS, v4.RecvLatencyMS)
	}
}

func TestBytesWordsRoundTrip(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5}
	out := WordsToBytes(BytesToWords(in))
	if !bytes.Equal(out[:5], in) {
		t.Errorf("got %x, want prefix %x", out, in)
	}
	if len(out) != 8 {
		t.Errorf("padded length = %d, want 8", len(out))
	}
}
