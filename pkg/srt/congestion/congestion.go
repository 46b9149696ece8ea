// Package congestion implements the two SRT congestion controllers: the
// live-mode controller (a fixed congestion window equal to the flow
// window, rate capped by an optional input-rate estimate) and the
// file-mode controller (a UDT-derived AIMD/slow-start window grown
// against ACK arrivals).
package congestion

import (
	"sync"
	"time"
)

// Controller is implemented by both congestion modes.
type Controller interface {
	// Window returns the current congestion window, in packets.
	Window() float64
	// OnACK is called whenever an ACK advances the send buffer's
	// acknowledged sequence, with the number of packets newly
	// acknowledged and the current RTT estimate.
	OnACK(packetsAcked int, rtt time.Duration)
	// OnLoss is called when a loss is detected (a LOSSREPORT is received
	// or a retransmit timeout fires).
	OnLoss()
	// PacketIntervalNS returns the minimum nanosecond interval between
	// consecutive packet sends (0 means "unpaced": File always returns
	// 0, Live returns 0 until an input rate is set).
	PacketIntervalNS() int64
}

// Live is the live-streaming congestion controller: the window tracks
// the flow window directly (no growth/backoff); transmission rate is
// controlled by pacing, not by the window. It exists mainly to satisfy
// the Controller interface uniformly so the transport core doesn't
// special-case live mode.
type Live struct {
	mu         sync.Mutex
	flowWindow float64
	inputBps   float64 // optional externally-set input rate estimate, 0 = uncapped
	mss        int
}

// NewLive creates a live-mode controller tracking the given flow window
// (packets) and MSS (bytes).
func NewLive(flowWindow int, mss int) *Live {
	return &Live{flowWindow: float64(flowWindow), mss: mss}
}

func (l *Live) Window() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flowWindow
}

func (l *Live) OnACK(int, time.Duration) {}
func (l *Live) OnLoss()                  {}

// SetInputRate sets the externally measured/configured input bitrate
// used to pace sends; 0 disables pacing by rate.
func (l *Live) SetInputRate(bps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inputBps = bps
}

// PacketIntervalNS returns the nanosecond gap between sends implied by
// the configured input rate, or 0 if unset.
func (l *Live) PacketIntervalNS() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inputBps <= 0 || l.mss <= 0 {
		return 0
	}
	bitsPerPacket := float64(l.mss) * 8
	return int64(bitsPerPacket / l.inputBps * 1e9)
}

// SetFlowWindow updates the window ceiling when the peer renegotiates
// the flow window (rare, but the transport core may clamp it down under
// memory pressure).
func (l *Live) SetFlowWindow(packets int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flowWindow = float64(packets)
}

// File is the file-transfer congestion controller: UDT-style slow-start
// followed by additive-increase/multiplicative-decrease against the
// measured link capacity.
type File struct {
	mu sync.Mutex

	cwnd       float64
	slowStart  bool
	lastRTT    time.Duration
	mss        int
	maxCWND    float64
	linkCapPPS float64 // last bandwidth estimate fed in via SetLinkCapacity
	decCount   int
	lastDecSeq int64
	ackCount   int64
}

// NewFile creates a file-mode controller starting in slow start with an
// initial window of 16 packets (matching the historical UDT default).
func NewFile(mss int, maxWindowPackets int) *File {
	return &File{cwnd: 16, slowStart: true, mss: mss, maxCWND: float64(maxWindowPackets)}
}

func (f *File) Window() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwnd
}

// SetLinkCapacity feeds in the receiver's estimated bandwidth (packets
// per second), used once slow start ends to bound AIMD growth.
func (f *File) SetLinkCapacity(pps float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCapPPS = pps
}

// OnACK grows the window: during slow start, by the number of packets
// acknowledged (doubling roughly every RTT); after slow start, by the
// classical UDT increase formula bounded by the estimated link capacity.
func (f *File) OnACK(packetsAcked int, rtt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRTT = rtt
	f.ackCount++

	if f.slowStart {
		f.cwnd += float64(packetsAcked)
		if f.linkCapPPS > 0 && rtt > 0 {
			bdp := f.linkCapPPS * rtt.Seconds()
			if f.cwnd >= bdp && bdp > 0 {
				f.slowStart = false
			}
		}
		if f.cwnd > f.maxCWND && f.maxCWND > 0 {
			f.cwnd = f.maxCWND
		}
		return
	}

	if rtt <= 0 {
		return
	}
	// Additive increase: inc = (1/cwnd) * 1500/mss, floored at
	// 1/(mss+1), applied once per acknowledged packet.
	inc := 1.0 / f.cwnd
	if f.mss > 0 {
		inc *= 1500.0 / float64(f.mss)
	}
	if inc < 1.0/float64(f.mss+1) {
		inc = 1.0 / float64(f.mss+1)
	}
	f.cwnd += inc * float64(packetsAcked)
	if f.cwnd > f.maxCWND && f.maxCWND > 0 {
		f.cwnd = f.maxCWND
	}
}

// OnLoss shrinks the window to 0.875 of its size (multiplicative
// decrease, floored at 2 packets), with UDT's
// once-per-RTT decrease suppression to avoid over-reacting to a burst of
// losses from the same congestion event.
func (f *File) OnLoss() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decCount++
	if f.decCount > 1 {
		return
	}
	f.slowStart = false
	f.cwnd *= 0.875
	if f.cwnd < 2 {
		f.cwnd = 2
	}
}

// ResetDecrementGate should be called once per RTT to allow the next
// loss event to trigger a fresh multiplicative decrease.
func (f *File) ResetDecrementGate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decCount = 0
}

// PacketIntervalNS returns 0: file mode relies purely on the congestion
// window (flight size) to limit throughput, not on inter-packet pacing.
func (f *File) PacketIntervalNS() int64 { return 0 }
