package wire

import "testing"

func BenchmarkEncodeDataPacket(b *testing.B) {
	pkt := Packet{
		Header: Header{
			SeqNo:     123456,
			Info:      DataFlags{Boundary: BoundarySolo, InOrder: true, MsgNumber: 99}.Encode(),
			Timestamp: 555555,
			DestSock:  42,
		},
		Payload: make([]byte, 1316),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Encode(pkt)
	}
}

func BenchmarkDecodeDataPacket(b *testing.B) {
	raw := Encode(Packet{
		Header:  Header{SeqNo: 123456, Timestamp: 555555, DestSock: 42},
		Payload: make([]byte, 1316),
	})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeLossReport(b *testing.B) {
	entries := make([]LossEntry, 64)
	for i := range entries {
		entries[i] = LossEntry{Lo: uint32(i * 100), Hi: uint32(i*100 + 5)}
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		EncodeLossReport(entries)
	}
}

func BenchmarkHandshakeRoundTrip(b *testing.B) {
	hs := Handshake{Version: HSv5, ISN: 1, MSS: 1500, ReqType: ReqConclusion, SrcSockID: 2, Cookie: 3}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeHandshake(hs.Encode()); err != nil {
			b.Fatal(err)
		}
	}
}
