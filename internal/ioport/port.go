// Package ioport implements the narrow connect/send/recv transport the
// S4PP protocol engine consumes (spec §4.I, §6). It owns the TCP/TLS
// socket, DNS server-list rotation, and the single-producer/
// single-consumer event queue that bounces network-task callbacks onto
// the protocol task the engine runs on (spec §5): the engine itself
// never touches a socket or goroutine directly.
package ioport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// EngineSink is the subset of *s4pp.Engine that the port drives. Kept as
// an interface (rather than importing internal/s4pp directly) so the
// port can be unit-tested against a fake sink.
type EngineSink interface {
	RecordDNSStart(t time.Time)
	HandleConnected()
	HandleConnectError(err error)
	HandleRecv(data []byte)
	HandleSent()
	HandleWritten()
}

type eventKind uint8

const (
	evConnected eventKind = iota
	evConnectError
	evRecv
	evSent
	evWritten
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

// recvBufferSize bounds one read() call; S4PP lines are short and the
// framer reassembles across chunk boundaries regardless of this size.
const recvBufferSize = 2048

// Port is a net.Dialer-based default transport implementation. It
// satisfies s4pp.Transport (Send/Disconnect).
type Port struct {
	servers []string
	port    int
	secure  bool
	dialer  *net.Dialer
	tlsConf *tls.Config

	sink EngineSink

	conn net.Conn

	// high carries receive events and the very first send-completion
	// pair (used for NTFY:TIME telemetry); low carries every later
	// send/write completion. The engine must see a late OK never
	// overtake the written-ack of the payload that produced it, and the
	// first send-complete must precede any receive event (spec §5).
	high chan event
	low  chan event
	stop chan struct{}

	firstSendSeen bool
}

// NewPort builds a port that will dial servers in order, rotating the
// list by one on each DNS/connect failure, retrying up to len(servers)
// times before giving up.
func NewPort(servers []string, port int, secure bool) *Port {
	return &Port{
		servers: append([]string(nil), servers...),
		port:    port,
		secure:  secure,
		dialer:  &net.Dialer{Timeout: 10 * time.Second},
		high:    make(chan event, 8),
		low:     make(chan event, 8),
		stop:    make(chan struct{}),
	}
}

// Connect dials the configured servers (rotating the list on failure)
// and, once connected, starts the read loop and the serialized event
// dispatch loop that drives sink. It returns immediately; outcomes are
// reported asynchronously via sink.HandleConnected/HandleConnectError.
func (p *Port) Connect(sink EngineSink) {
	p.sink = sink
	go p.dispatchLoop()
	go p.connectLoop()
}

func (p *Port) connectLoop() {
	start := time.Now()
	p.sink.RecordDNSStart(start)

	var lastErr error
	for attempt := 0; attempt < len(p.servers); attempt++ {
		server := p.servers[0]
		addr := fmt.Sprintf("%s:%d", server, p.port)
		conn, err := p.dialer.Dial("tcp", addr)
		if err != nil {
			lastErr = err
			log.Warnf("[S4PP][IO] dial %s failed: %v, rotating server list", addr, err)
			p.servers = append(p.servers[1:], p.servers[0])
			continue
		}
		if p.secure {
			tlsConn := tls.Client(conn, p.tlsConfig(server))
			if err := tlsConn.Handshake(); err != nil {
				lastErr = err
				conn.Close()
				p.servers = append(p.servers[1:], p.servers[0])
				continue
			}
			conn = tlsConn
		}
		p.conn = conn
		go p.recvLoop()
		p.postHigh(event{kind: evConnected})
		return
	}
	p.postHigh(event{kind: evConnectError, err: fmt.Errorf("ioport: exhausted %d server(s): %w", len(p.servers), lastErr)})
}

func (p *Port) tlsConfig(server string) *tls.Config {
	if p.tlsConf != nil {
		return p.tlsConf
	}
	return &tls.Config{ServerName: server}
}

func (p *Port) recvLoop() {
	buf := make([]byte, recvBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.postHigh(event{kind: evRecv, data: data})
		}
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			p.postHigh(event{kind: evConnectError, err: err})
			return
		}
	}
}

// Send implements s4pp.Transport. It writes synchronously and then
// reports both the "copied to kernel" and "placed on wire" completions;
// a real constrained-device transport reports these at different times,
// but Go's blocking net.Conn.Write does not expose that distinction.
func (p *Port) Send(buf []byte) error {
	if p.conn == nil {
		return fmt.Errorf("ioport: not connected")
	}
	_, err := p.conn.Write(buf)
	if err != nil {
		p.postSendEvents(event{kind: evSent, err: err})
		return err
	}
	p.postSendEvents(event{kind: evSent}, event{kind: evWritten})
	return nil
}

// postSendEvents routes the first send-completion pair to the
// high-priority queue (so it precedes the banner's receive event, for
// the NTFY:TIME telemetry) and every later one to the low-priority
// queue, per spec §5's ordering requirement.
func (p *Port) postSendEvents(evs ...event) {
	post := p.postLow
	if !p.firstSendSeen {
		p.firstSendSeen = true
		post = p.postHigh
	}
	for _, ev := range evs {
		post(ev)
	}
}

func (p *Port) postHigh(ev event) {
	select {
	case p.high <- ev:
	case <-p.stop:
	}
}

func (p *Port) postLow(ev event) {
	select {
	case p.low <- ev:
	case <-p.stop:
	}
}

// dispatchLoop is the single consumer that serializes every event onto
// the engine, preferring the high-priority queue whenever both have
// work ready.
func (p *Port) dispatchLoop() {
	for {
		select {
		case ev := <-p.high:
			p.dispatch(ev)
		case <-p.stop:
			return
		default:
			select {
			case ev := <-p.high:
				p.dispatch(ev)
			case ev := <-p.low:
				p.dispatch(ev)
			case <-p.stop:
				return
			}
		}
	}
}

func (p *Port) dispatch(ev event) {
	switch ev.kind {
	case evConnected:
		p.sink.HandleConnected()
	case evConnectError:
		p.sink.HandleConnectError(ev.err)
	case evRecv:
		p.sink.HandleRecv(ev.data)
	case evSent:
		p.sink.HandleSent()
	case evWritten:
		p.sink.HandleWritten()
	}
}

// Disconnect tears down the connection and stops the dispatch/read
// loops. Safe to call more than once.
func (p *Port) Disconnect() {
	select {
	case <-p.stop:
		return
	default:
		close(p.stop)
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
