package ioport

import (
	"net"
	"sync"
	"testing"
	"time"
)

// fakeSink records every callback the port delivers, guarded by a mutex
// since dispatchLoop runs on its own goroutine.
type fakeSink struct {
	mu        sync.Mutex
	connected bool
	connErr   error
	recvs     [][]byte
	sentN     int
	writtenN  int
	dnsStart  time.Time

	connectedCh chan struct{}
	connErrCh   chan struct{}
	recvCh      chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		connectedCh: make(chan struct{}, 1),
		connErrCh:   make(chan struct{}, 1),
		recvCh:      make(chan struct{}, 8),
	}
}

func (f *fakeSink) RecordDNSStart(t time.Time) {
	f.mu.Lock()
	f.dnsStart = t
	f.mu.Unlock()
}

func (f *fakeSink) HandleConnected() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	select {
	case f.connectedCh <- struct{}{}:
	default:
	}
}

func (f *fakeSink) HandleConnectError(err error) {
	f.mu.Lock()
	f.connErr = err
	f.mu.Unlock()
	select {
	case f.connErrCh <- struct{}{}:
	default:
	}
}

func (f *fakeSink) HandleRecv(data []byte) {
	f.mu.Lock()
	f.recvs = append(f.recvs, append([]byte(nil), data...))
	f.mu.Unlock()
	select {
	case f.recvCh <- struct{}{}:
	default:
	}
}

func (f *fakeSink) HandleSent() {
	f.mu.Lock()
	f.sentN++
	f.mu.Unlock()
}

func (f *fakeSink) HandleWritten() {
	f.mu.Lock()
	f.writtenN++
	f.mu.Unlock()
}

func (f *fakeSink) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-f.connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HandleConnected")
	}
}

func (f *fakeSink) waitConnectError(t *testing.T) {
	t.Helper()
	select {
	case <-f.connErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HandleConnectError")
	}
}

func (f *fakeSink) waitRecv(t *testing.T) []byte {
	t.Helper()
	select {
	case <-f.recvCh:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.recvs[len(f.recvs)-1]
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HandleRecv")
		return nil
	}
}

// freePort binds an ephemeral listener and returns its address pieces.
func freePort(t *testing.T) (ln net.Listener, host string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	return l, "127.0.0.1", addr.Port
}

func TestConnectAndEcho(t *testing.T) {
	ln, host, port := freePort(t)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	sink := newFakeSink()
	p := NewPort([]string{host}, port, false)
	p.Connect(sink)
	defer p.Disconnect()

	sink.waitConnected(t)

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	if _, err := serverConn.Write([]byte("S4PP/1.2 SHA256 1000\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	got := sink.waitRecv(t)
	if string(got) != "S4PP/1.2 SHA256 1000\n" {
		t.Fatalf("received %q, want banner", got)
	}

	if err := p.Send([]byte("AUTH:SHA256,alice,deadbeef\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 128)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := serverConn.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf[:n]) != "AUTH:SHA256,alice,deadbeef\n" {
		t.Fatalf("server saw %q", buf[:n])
	}

	// completions reach the sink through the dispatch goroutine, so give
	// it time to deliver them before checking the counts
	var sentN, writtenN int
	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		sentN, writtenN = sink.sentN, sink.writtenN
		sink.mu.Unlock()
		if (sentN >= 1 && writtenN >= 1) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sentN != 1 || writtenN != 1 {
		t.Fatalf("sentN=%d writtenN=%d, want 1,1", sentN, writtenN)
	}
}

// TestDNSRotationOnDialFailure verifies a dead first server is rotated
// out and the second server in the list is tried next, per the
// retry-up-to-len(servers) contract. The whole 127.0.0.0/8 range routes
// to loopback, so "127.0.0.2" on a port only "127.0.0.1" is listening on
// gets an immediate connection-refused rather than a slow timeout.
func TestDNSRotationOnDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	sink := newFakeSink()
	p := NewPort([]string{"127.0.0.2", "127.0.0.1"}, port, false)
	p.Connect(sink)
	defer p.Disconnect()

	sink.waitConnected(t)
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection after rotation")
	}
}

func TestRecvLoopReportsCloseAsConnectError(t *testing.T) {
	ln, host, port := freePort(t)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	sink := newFakeSink()
	p := NewPort([]string{host}, port, false)
	p.Connect(sink)
	defer p.Disconnect()

	sink.waitConnected(t)
	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
	serverConn.Close()

	sink.waitConnectError(t)
	sink.mu.Lock()
	err := sink.connErr
	sink.mu.Unlock()
	if err == nil {
		t.Fatal("expected a non-nil error after the peer closed the connection")
	}
}
