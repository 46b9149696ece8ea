package conn

import (
	"sync"
	"time"

	"github.com/srtgo/srt/pkg/srt/crypto"
	"github.com/srtgo/srt/pkg/srt/handshake"
)

// OptionTier classifies when an option may be set
// (PREBIND options only apply before bind, PRE options only before
// connect/listen, POST options apply any time and take effect
// immediately or on the next relevant event).
type OptionTier int

const (
	TierPre     OptionTier = iota // settable any time before connect/listen/accept completes
	TierPreBind                   // settable only before the underlying socket binds
	TierPost                      // settable any time, including after connection
)

// TransportMode selects the congestion/TsbPD profile.
type TransportMode int

const (
	ModeLive TransportMode = iota
	ModeFile
)

// Options holds the full per-socket option set, with a tier-aware guard
// so PRE/PREBIND options become immutable once the connection passes the
// relevant lifecycle point.
type Options struct {
	mu sync.Mutex

	bound     bool
	connected bool

	// PREBIND
	MSS       int
	ReuseAddr bool
	IPTTL     int
	IPToS     int

	// PRE
	Mode               TransportMode
	Passphrase         string
	PBKeyLen           int
	EnforcedEncryption bool
	StreamID           string
	Latency            time.Duration
	RcvLatency         time.Duration
	PeerLatency        time.Duration
	TSBPD              bool
	TLPktDrop          bool
	MessageAPI         bool
	MinVersion         uint32
	RendezvousMode     bool
	PayloadSize        int
	FC                 int // flight flag size (flow window)
	KMRefreshRate      int // packets between automatic rekey, 0 = disabled
	KMPreAnnounce      int

	// POST
	SndSyn    bool // blocking send: wait for buffer space instead of failing
	RcvSyn    bool // blocking receive
	SndTimeO  time.Duration
	RcvTimeO  time.Duration
	MaxBW     int64 // bytes/sec; stored only, no send path reads MaxBW, InputBW or OHeadBW
	InputBW   int64
	OHeadBW   int // percent overhead added atop InputBW
	NAKReport bool
	Linger    time.Duration
}

// NewOptions returns an Options populated with the defaults every new socket starts from.
func NewOptions() *Options {
	return &Options{
		MSS:           1500,
		IPTTL:         64,
		Mode:          ModeLive,
		PBKeyLen:      16,
		Latency:       120 * time.Millisecond,
		TSBPD:         true,
		TLPktDrop:     true,
		MessageAPI:    true,
		PayloadSize:   1316,
		FC:            25600,
		KMRefreshRate: 0x1000000,
		KMPreAnnounce: 0x1000,
		SndSyn:        true,
		RcvSyn:        true,
		SndTimeO:      -1,
		RcvTimeO:      -1,
		MaxBW:         -1,
		OHeadBW:       25,
		Linger:        180 * time.Second,
	}
}

// MarkBound freezes PREBIND options.
func (o *Options) MarkBound() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bound = true
}

// MarkConnected freezes PRE options.
func (o *Options) MarkConnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = true
}

// checkTier returns an error if the option's tier has already closed.
func (o *Options) checkTier(tier OptionTier) error {
	switch tier {
	case TierPreBind:
		if o.bound {
			return NewError(CauseInvalidOption, "option is PREBIND and socket is already bound")
		}
	case TierPre:
		if o.connected {
			return NewError(CauseInvalidOption, "option is PRE and socket is already connected")
		}
	}
	return nil
}

// SetMSS sets the PREBIND maximum segment size. Values below 76 bytes
// cannot carry a full header stack and are rejected.
func (o *Options) SetMSS(mss int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkTier(TierPreBind); err != nil {
		return err
	}
	if mss < 76 {
		return NewError(CauseInvalidOption, "MSS must be >= 76")
	}
	o.MSS = mss
	return nil
}

// SetFC sets the flight-flag size (flow window in packets), floored at
// 32.
func (o *Options) SetFC(fc int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkTier(TierPre); err != nil {
		return err
	}
	if fc < 32 {
		return NewError(CauseInvalidOption, "FC must be >= 32")
	}
	o.FC = fc
	return nil
}

// SetPassphrase validates and stores the encryption passphrase
// (10..79 bytes, or empty to disable).
func (o *Options) SetPassphrase(p string) error {
	if err := crypto.ValidatePassphrase(p); err != nil {
		return WrapError(CauseInvalidOption, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkTier(TierPre); err != nil {
		return err
	}
	o.Passphrase = p
	return nil
}

// SetPBKeyLen validates and stores the key length (0, 16, 24, or 32).
func (o *Options) SetPBKeyLen(n int) error {
	if err := crypto.ValidateKeyLength(n); err != nil {
		return WrapError(CauseInvalidOption, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkTier(TierPre); err != nil {
		return err
	}
	o.PBKeyLen = n
	return nil
}

// SetStreamID validates and stores the stream id, capped at 512 bytes
// (wire.MaxSIDLength).
func (o *Options) SetStreamID(sid string) error {
	if len(sid) > 512 {
		return NewError(CauseInvalidOption, "stream id exceeds 512 bytes")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkTier(TierPre); err != nil {
		return err
	}
	o.StreamID = sid
	return nil
}

// SetLatency stores the symmetrical TsbPD latency, used for each
// direction whose RcvLatency/PeerLatency field is left zero.
func (o *Options) SetLatency(d time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkTier(TierPre); err != nil {
		return err
	}
	o.Latency = d
	return nil
}

// SetSndTimeO sets the POST-tier send timeout (-1 blocks indefinitely).
func (o *Options) SetSndTimeO(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.SndTimeO = d
}

// SetRcvTimeO sets the POST-tier receive timeout (-1 blocks
// indefinitely).
func (o *Options) SetRcvTimeO(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.RcvTimeO = d
}

// SetMaxBW records the POST-tier bandwidth ceiling in bytes/sec. The
// value is stored only; pacing does not consult it.
func (o *Options) SetMaxBW(bps int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.MaxBW = bps
}

// SetNegotiatedMSS records the handshake-negotiated segment size
// (the smaller of the two peers' configured values) so the payload
// split and option getters reflect the wire agreement rather than the
// local proposal.
func (o *Options) SetNegotiatedMSS(mss int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.MSS = mss
}

// ApplyNegotiatedLatencies records the handshake outcome so option
// getters observe the effective per-direction latencies rather than the
// locally configured proposals.
func (o *Options) ApplyNegotiatedLatencies(rcv, peer time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.RcvLatency = rcv
	o.PeerLatency = peer
}

// Inherit returns a fresh Options for a socket accepted off a listener
// carrying this option set: all PRE/PREBIND values copy over except the
// stream identifier, which belongs to the caller's handshake and is
// never inherited. Tier guards reset so the accepted socket can still
// be adjusted by an acceptance callback before it goes live.
func (o *Options) Inherit() *Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := *o
	cp.mu = sync.Mutex{}
	cp.bound = false
	cp.connected = false
	cp.StreamID = ""
	return &cp
}

// Snapshot returns a value copy safe to read without holding the lock.
func (o *Options) Snapshot() Options {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := *o
	cp.mu = sync.Mutex{}
	return cp
}

// EffectiveMinVersion returns MinVersion, defaulting to 0 (no enforced
// minimum) when unset.
func (o *Options) EffectiveMinVersion() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.MinVersion == 0 {
		return uint32(handshake.RejectNone) // 0: accept any advertised version
	}
	return o.MinVersion
}
