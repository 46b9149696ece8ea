package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srtgo/srt/pkg/srt/conn"
)

type staticSource struct {
	stats conn.Stats
}

func (s staticSource) Stats() conn.Stats { return s.stats }

func TestCollectorEmitsPerConnectionSamples(t *testing.T) {
	c := NewCollector(prometheus.Labels{"instance": "test"})
	c.Add(1, staticSource{conn.Stats{RTTMicros: 25000}}, "10.0.0.1:4000")
	c.Add(2, staticSource{conn.Stats{RTTMicros: 50000}}, "10.0.0.2:4000")

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var rttSamples int
	for _, mf := range families {
		if mf.GetName() == "srt_rtt_microseconds" {
			rttSamples = len(mf.GetMetric())
		}
	}
	if rttSamples != 2 {
		t.Errorf("srt_rtt_microseconds has %d samples, want one per connection", rttSamples)
	}

	c.Remove(2)
	families, _ = reg.Gather()
	for _, mf := range families {
		if mf.GetName() == "srt_rtt_microseconds" && len(mf.GetMetric()) != 1 {
			t.Errorf("after Remove: %d samples, want 1", len(mf.GetMetric()))
		}
	}
}

func TestCollectorDescribe(t *testing.T) {
	c := NewCollector(nil)
	descs := make(chan *prometheus.Desc, 32)
	c.Describe(descs)
	close(descs)
	n := 0
	for range descs {
		n++
	}
	if n == 0 {
		t.Error("Describe emitted no descriptors")
	}
}
