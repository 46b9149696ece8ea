// Package pktwindow implements the arrival-interval and probe-pair
// sample rings used to estimate receive rate and link bandwidth, via a
// median-filtered inverse-mean over a small fixed-capacity ring of
// interval samples.
package pktwindow

import (
	"sort"
	"sync"
	"time"

	"github.com/srtgo/srt/pkg/srt/seqno"
)

// Size is the number of samples kept in each ring.
const Size = 16

// MaxPayload is the reference full-payload size used to normalize
// partially-filled packets' intervals in the byte-aware estimators.
const MaxPayload = 1456

type ring struct {
	samples [Size]time.Duration
	count   int
	next    int
}

func (r *ring) push(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % Size
	if r.count < Size {
		r.count++
	}
}

// medianFilteredInverseMean computes 1/mean(filtered) over the samples
// that lie within [median/8, 8*median], excluding outliers.
func (r *ring) medianFilteredInverseMean() float64 {
	if r.count == 0 {
		return 0
	}
	vals := make([]time.Duration, r.count)
	copy(vals, r.samples[:r.count])
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	median := vals[len(vals)/2]
	if median <= 0 {
		return 0
	}
	lo := median / 8
	hi := median * 8
	var sum time.Duration
	var n int
	for _, v := range vals {
		if v >= lo && v <= hi {
			sum += v
			n++
		}
	}
	if n == 0 || sum == 0 {
		return 0
	}
	meanSeconds := sum.Seconds() / float64(n)
	return 1.0 / meanSeconds
}

// Window tracks inter-arrival intervals and probe-pair intervals for one
// receiving connection.
type Window struct {
	mu sync.Mutex

	arrivals ring
	probes   ring

	lastArrival  time.Time
	haveLast     bool
	firstProbeAt time.Time
	haveFirst    bool
}

// New creates an empty packet-time window.
func New() *Window { return &Window{} }

// OnArrival records the inter-arrival interval for a newly received data
// packet and, if seq marks a probe pair (every 16th sequence number and
// its successor), records the probe interval too.
func (w *Window) OnArrival(seq seqno.Seq, now time.Time, payloadLen int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.haveLast {
		w.arrivals.push(adjustForPartialPayload(now.Sub(w.lastArrival), payloadLen))
	}
	w.lastArrival = now
	w.haveLast = true

	if uint32(seq)&0xF == 0 {
		w.firstProbeAt = now
		w.haveFirst = true
		return
	}
	if w.haveFirst && uint32(seqno.Dec(seq))&0xF == 0 {
		w.probes.push(adjustForPartialPayload(now.Sub(w.firstProbeAt), payloadLen))
		w.haveFirst = false
	}
}

// adjustForPartialPayload converts the elapsed interval for a partially
// filled packet of size p into the equivalent time for a full MaxPayload
// packet: delta * MaxPayload / p.
func adjustForPartialPayload(delta time.Duration, p int) time.Duration {
	if p <= 0 || p >= MaxPayload {
		return delta
	}
	return delta * time.Duration(MaxPayload) / time.Duration(p)
}

// RecvSpeedPPS returns the estimated packet arrival rate in packets/sec.
func (w *Window) RecvSpeedPPS() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint32(w.arrivals.medianFilteredInverseMean())
}

// BandwidthPPS returns the estimated link capacity in packets/sec from
// probe-pair samples.
func (w *Window) BandwidthPPS() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint32(w.probes.medianFilteredInverseMean())
}
