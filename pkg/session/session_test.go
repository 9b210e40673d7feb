package session

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testNotifier struct {
	done       chan struct{}
	commits    []uint32
	finalErr   *SessionError
	finalCount uint32
}

func newTestNotifier() *testNotifier {
	return &testNotifier{done: make(chan struct{})}
}

func (n *testNotifier) OnNotify(code int, args []string) {}
func (n *testNotifier) OnCommit(nCommitted uint32) { n.commits = append(n.commits, nCommitted) }
func (n *testNotifier) OnDisconnect(err *SessionError, nCommitted uint32) {
	n.finalErr = err
	n.finalCount = nCommitted
	close(n.done)
}

// TestOpenRoundTrip drives Open against a minimal scripted S4PP server:
// banner -> AUTH: -> one sequence -> OK:, verifying the session reaches
// completion and reports the uploaded sample as committed.
func TestOpenRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("S4PP/1.2 SHA256 1000\n")); err != nil {
			serverDone <- err
			return
		}
		if _, err := conn.Write([]byte("TOK:abc123\n")); err != nil {
			serverDone <- err
			return
		}

		r := bufio.NewReader(conn)
		authLine, err := r.ReadString('\n')
		if err != nil {
			serverDone <- err
			return
		}
		if !strings.HasPrefix(authLine, "AUTH:SHA256,tester,") {
			serverDone <- nil
			return
		}

		seqLine, err := r.ReadString('\n')
		if err != nil {
			serverDone <- err
			return
		}
		if !strings.HasPrefix(seqLine, "SEQ:0,0,1,0") {
			serverDone <- nil
			return
		}
		// drain the rest of the sequence (DICT:, the row, SIG:) before
		// replying, so the client's single write is fully consumed.
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				serverDone <- err
				return
			}
			if strings.HasPrefix(line, "SIG:") {
				break
			}
		}

		if _, err := conn.Write([]byte("OK:\n")); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	cfg := Config{
		Server: "127.0.0.1",
		Port:   addr.Port,
		User:   "tester",
		Key:    "supersecretkey12",
	}

	produced := false
	next := func(heartbeat uint32) (Sample, bool) {
		if produced {
			return Sample{}, false
		}
		produced = true
		return Sample{Timestamp: 1700000000, Value: 42, Decimals: 0, Tag: "temp"}, true
	}

	notifier := newTestNotifier()
	sess, err := Open(cfg, NewPullSource(next), notifier)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	select {
	case <-notifier.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server goroutine error: %v", err)
	}
	if notifier.finalErr != nil {
		t.Fatalf("expected clean disconnect, got %v", notifier.finalErr)
	}
	if notifier.finalCount != 1 {
		t.Fatalf("finalCount = %d, want 1", notifier.finalCount)
	}
	if sess.Phase() != PhaseDone {
		t.Fatalf("phase = %v, want DONE", sess.Phase())
	}
	if sess.NCommitted() != 1 {
		t.Fatalf("NCommitted = %d, want 1", sess.NCommitted())
	}
	waitErr, waitN := sess.Wait()
	if waitErr != nil || waitN != 1 {
		t.Fatalf("Wait = (%v, %d), want (nil, 1)", waitErr, waitN)
	}
}

// TestOpenRequiresServer covers the config-error path: Open must report
// exactly one KindConfig error via OnDisconnect and return it, without
// ever touching the network.
func TestOpenRequiresServer(t *testing.T) {
	notifier := newTestNotifier()
	_, err := Open(Config{User: "tester", Key: "k"}, NewPullSource(func(uint32) (Sample, bool) {
		return Sample{}, false
	}), notifier)
	if err == nil {
		t.Fatal("expected an error for a missing server")
	}
	sessErr, ok := err.(*SessionError)
	if !ok || sessErr.Kind != KindConfig {
		t.Fatalf("expected a KindConfig *SessionError, got %v (%T)", err, err)
	}
	select {
	case <-notifier.done:
	default:
		t.Fatal("expected OnDisconnect to have fired synchronously")
	}
}

// TestOpenRotatesToAltServer verifies AltServers is reachable from the
// public API: the primary address refuses the dial, the alternate
// accepts and answers with a banner missing SHA256, and the session must
// surface that protocol error — proof the exchange ran on the rotated
// connection. The whole 127.0.0.0/8 range routes to loopback, so the
// dead primary fails with an immediate connection-refused.
func TestOpenRotatesToAltServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("S4PP/1.0 MD5 10\n"))
	}()

	cfg := Config{
		Server:     "127.0.0.2",
		AltServers: []string{"127.0.0.1"},
		Port:       port,
		User:       "tester",
		Key:        "k",
	}
	notifier := newTestNotifier()
	sess, err := Open(cfg, NewPullSource(func(uint32) (Sample, bool) {
		return Sample{}, false
	}), notifier)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	finalErr, committed := sess.Wait()
	if finalErr == nil || finalErr.Kind != KindProtocol {
		t.Fatalf("expected the rotated connection's protocol error, got %v", finalErr)
	}
	if committed != 0 {
		t.Fatalf("committed = %d, want 0", committed)
	}
}

// TestLoadINI covers the [s4pp] config-file path, including the
// tri-state hide key (absent leaves the TLS-dependent default).
func TestLoadINI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s4pp.ini")
	content := `[s4pp]
server = collect.example.com
port = 22227
user = tester
key = supersecretkey12
secure = true
hide = 2
format = 1
flashbase = site1/
max_batch = 50
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadINI(path)
	if err != nil {
		t.Fatalf("LoadINI: %v", err)
	}
	if cfg.Server != "collect.example.com" || cfg.Port != 22227 || cfg.User != "tester" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Secure || cfg.Format != 1 || cfg.FlashBase != "site1/" || cfg.MaxBatchSize != 50 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.HideSet || cfg.Hide != HideMandatory {
		t.Fatalf("hide = (%v, set=%v), want (HideMandatory, true)", cfg.Hide, cfg.HideSet)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// without a hide key the TLS-dependent default applies
	minimal := filepath.Join(t.TempDir(), "min.ini")
	if err := os.WriteFile(minimal, []byte("[s4pp]\nserver = s\nuser = u\nkey = k\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err = LoadINI(minimal)
	if err != nil {
		t.Fatalf("LoadINI: %v", err)
	}
	if cfg.HideSet {
		t.Fatal("expected HideSet to stay false when the key is absent")
	}
	if got := cfg.resolveHide(); got != HidePreferred {
		t.Fatalf("resolveHide = %v, want HidePreferred on a plaintext config", got)
	}
}
