// Package muxer implements the shared send queue (a single pacing
// goroutine that calls every live connection's PumpSend/Tick on a fixed
// schedule) and receive queue (a single UDP read loop that
// demultiplexes inbound datagrams by destination socket id). All
// connections sharing one local binding share one Muxer.
package muxer

import (
	"net"
	"sync"
	"time"

	"github.com/srtgo/srt/internal/logging"
	"github.com/srtgo/srt/pkg/srt/conn"
	"github.com/srtgo/srt/pkg/srt/wire"
)

// ConnectRequestHandler processes an inbound packet addressed to socket
// id 0 (a handshake induction/wave, i.e. a request from an address with
// no existing connection entry). It is supplied by the listener.
type ConnectRequestHandler func(raddr *net.UDPAddr, pkt wire.Packet)

// Muxer owns one UDP socket shared by every connection dialed or
// accepted through it, plus the dispatch table from socket id to
// Connection and the pacing goroutine that drives sends.
type Muxer struct {
	pc *net.UDPConn

	mu    sync.RWMutex
	conns map[uint32]*conn.Connection

	onConnectRequest ConnectRequestHandler

	log *logging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New binds a UDP socket at laddr (empty for an ephemeral client port)
// and returns a Muxer ready to have Run started on it.
func New(laddr string) (*Muxer, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, conn.WrapError(conn.CauseConnSetup, err)
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, conn.WrapError(conn.CauseResourceFail, err)
	}
	return &Muxer{
		pc:    pc,
		conns: make(map[uint32]*conn.Connection),
		log:   logging.With("muxer"),
		done:  make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound local address.
func (m *Muxer) LocalAddr() net.Addr { return m.pc.LocalAddr() }

// PacketConn exposes the underlying UDP socket for handshake exchanges
// performed before Run starts the receive loop (the caller-side
// handshake reads replies directly off the socket; once Run is going,
// all traffic flows through dispatch instead).
func (m *Muxer) PacketConn() *net.UDPConn { return m.pc }

// SetConnectRequestHandler installs the listener callback invoked for
// packets addressed to an unknown/zero socket id.
func (m *Muxer) SetConnectRequestHandler(h ConnectRequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnectRequest = h
}

// Register adds a connection to the dispatch table under its socket id
// and arranges for it to be removed automatically once the connection
// closes.
func (m *Muxer) Register(c *conn.Connection) {
	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()
	c.AddOnClosed(func(closed *conn.Connection) {
		m.mu.Lock()
		delete(m.conns, closed.ID)
		m.mu.Unlock()
	})
}

// SendTo implements conn.Sink by writing directly to the shared socket.
func (m *Muxer) SendTo(addr string, b []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = m.pc.WriteToUDP(b, raddr)
	return err
}

// Run starts the receive loop (demux by destination socket id) and the
// pacing goroutine (periodic PumpSend/Tick across every registered
// connection). It blocks until Close is called or the socket errors.
func (m *Muxer) Run() {
	go m.paceLoop()
	m.recvLoop()
}

func (m *Muxer) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, raddr, err := m.pc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				m.log.Warnf("read error: %v", err)
				return
			}
		}
		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		// Decode's Payload aliases buf; copy it before the next iteration
		// overwrites the shared read buffer.
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		pkt.Payload = payload

		m.dispatch(raddr, pkt)
	}
}

func (m *Muxer) dispatch(raddr *net.UDPAddr, pkt wire.Packet) {
	now := time.Now()
	m.mu.RLock()
	c, ok := m.conns[pkt.Header.DestSock]
	handler := m.onConnectRequest
	m.mu.RUnlock()

	if !ok || pkt.Header.DestSock == 0 {
		if handler != nil {
			handler(raddr, pkt)
		}
		return
	}

	if pkt.Header.IsControl {
		c.OnControlPacket(pkt, now)
	} else {
		c.OnDataPacket(pkt, now)
	}
}

// pacingInterval is how often the pacing goroutine sweeps every
// registered connection. On each sweep Connection.PumpSend sends as much
// as the flow and congestion windows allow; it does not consult
// congestion.Controller.PacketIntervalNS, so sends within a sweep are
// not spaced by any per-packet interval.
const pacingInterval = 5 * time.Millisecond

func (m *Muxer) paceLoop() {
	ticker := time.NewTicker(pacingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.RLock()
			snapshot := make([]*conn.Connection, 0, len(m.conns))
			for _, c := range m.conns {
				snapshot = append(snapshot, c)
			}
			m.mu.RUnlock()
			for _, c := range snapshot {
				c.PumpSend(now)
				c.Tick(now)
			}
		}
	}
}

// Close stops the receive and pacing loops and releases the socket.
func (m *Muxer) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.pc.Close()
	})
	return err
}
