package transfer

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/movsoftware/flowrelay/transport"
)

func TestCheckIdent(t *testing.T) {
	for _, ident := range []string{"B", "receiver-1", "box_7"} {
		if err := CheckIdent(ident); err != nil {
			t.Errorf("CheckIdent(%q) = %v", ident, err)
		}
	}
	for _, ident := range []string{"", "a b", "a:b", "a/b", "a\\b", "a,b", "a\tb"} {
		if err := CheckIdent(ident); err == nil {
			t.Errorf("CheckIdent(%q) expected an error", ident)
		}
	}
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	reg := NewRegistry()
	for _, ident := range []string{"cherry", "apple", "banana"} {
		if err := reg.Add(&Peer{Ident: ident}); err != nil {
			t.Fatal(err)
		}
	}

	if err := reg.Add(&Peer{Ident: "apple"}); err == nil {
		t.Fatal("expected an error for a duplicate ident")
	}

	peers := reg.Peers()
	for i, want := range []string{"apple", "banana", "cherry"} {
		if peers[i].Ident != want {
			t.Errorf("peers[%d] = %s, want %s", i, peers[i].Ident, want)
		}
	}

	if p := reg.Lookup("banana"); p == nil || p.Ident != "banana" {
		t.Error("Lookup(banana) failed")
	}
	if p := reg.Lookup("durian"); p != nil {
		t.Error("Lookup(durian) should return nil")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	wait := time.Duration(0)
	for i := 1; i <= 11; i++ {
		wait = nextBackoff(wait)
		want := time.Duration(i) * backoffStep
		if want > backoffMax {
			want = backoffMax
		}
		if wait != want {
			t.Fatalf("after %d failures wait = %v, want %v", i, wait, want)
		}
	}
}

func TestBackoffResetsAfterWorkingSession(t *testing.T) {
	steps := []struct {
		status Status
		want   time.Duration
	}{
		{StatusFailure, backoffStep},
		{StatusFailure, 2 * backoffStep},
		{StatusStandard, 0},
		{StatusFailure, backoffStep},
		{StatusDisconnect, 0},
	}

	wait := time.Duration(0)
	for i, step := range steps {
		wait = nextWait(step.status, wait)
		if wait != step.want {
			t.Fatalf("after session %d (%v) wait = %v, want %v",
				i, step.status, wait, step.want)
		}
	}
}

// rawPeer speaks the protocol by hand over a bare transport family.
type rawPeer struct {
	t  *testing.T
	f  *transport.Family
	ch transport.ChannelID
}

func dialRaw(t *testing.T, addr string) *rawPeer {
	t.Helper()

	f := transport.NewFamily("raw")
	ch, err := f.Connect(transport.TCPTransport{}, addr)
	if err != nil {
		t.Fatal(err)
	}
	return &rawPeer{t: t, f: f, ch: ch}
}

func (r *rawPeer) send(mtype transport.MsgType, body []byte) {
	r.t.Helper()
	if err := r.f.Send(r.ch, mtype, body); err != nil {
		r.t.Fatal(err)
	}
}

func (r *rawPeer) recv(want transport.MsgType) *transport.Message {
	r.t.Helper()
	msg, err := r.f.GetFromChannel(r.ch)
	if err != nil {
		r.t.Fatal(err)
	}
	if msg.Type() != want {
		r.t.Fatalf("received %s, want %s", msgName(msg.Type()), msgName(want))
	}
	return msg
}

// newTestServer starts a receiver-role server daemon on a loopback port.
func newTestServer(t *testing.T, clients []string, hook func(*transport.MsgQueue, transport.ChannelID, *Peer) int) (*Daemon, string) {
	t.Helper()

	reg := NewRegistry()
	for _, ident := range clients {
		if err := reg.Add(&Peer{Ident: ident}); err != nil {
			t.Fatal(err)
		}
	}

	d, err := NewDaemon(Config{
		Name:          "test-server",
		Ident:         "A",
		Mode:          ModeServer,
		Registry:      reg,
		LocalVersion:  MsgReceiverVersion,
		RemoteVersion: MsgSenderVersion,
		Transport:     transport.TCPTransport{},
		ListenAddress: "127.0.0.1:0",
		Hooks:         Hooks{TransferFiles: hook},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	return d, d.Family().Addrs()[0].String()
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	server, addr := newTestServer(t, []string{"B"},
		func(*transport.MsgQueue, transport.ChannelID, *Peer) int {
			t.Error("transfer hook must not run")
			return 0
		})
	defer server.Shutdown()

	raw := dialRaw(t, addr)
	defer raw.f.Shutdown()

	raw.recv(MsgReceiverVersion)
	raw.send(MsgSenderVersion, versionBody(0))

	msg := raw.recv(MsgDisconnect)
	if !strings.Contains(string(msg.Body()), "Unsupported version") {
		t.Fatalf("unexpected disconnect reason: %s", msg.Body())
	}
}

func TestHandshakeRejectsUnknownIdent(t *testing.T) {
	server, addr := newTestServer(t, []string{"B"},
		func(*transport.MsgQueue, transport.ChannelID, *Peer) int {
			t.Error("transfer hook must not run")
			return 0
		})
	defer server.Shutdown()

	raw := dialRaw(t, addr)
	defer raw.f.Shutdown()

	raw.recv(MsgReceiverVersion)
	raw.send(MsgSenderVersion, versionBody(ProtocolVersion))
	raw.recv(MsgIdent)
	raw.send(MsgIdent, []byte("EVE"))

	msg := raw.recv(MsgDisconnect)
	if !strings.Contains(string(msg.Body()), "Unknown ident") {
		t.Fatalf("unexpected disconnect reason: %s", msg.Body())
	}
}

func TestHandshakeRejectsDuplicateIdent(t *testing.T) {
	server, addr := newTestServer(t, []string{"B"},
		func(*transport.MsgQueue, transport.ChannelID, *Peer) int {
			return 0
		})
	defer server.Shutdown()

	first := dialRaw(t, addr)
	defer first.f.Shutdown()

	first.recv(MsgReceiverVersion)
	first.send(MsgSenderVersion, versionBody(ProtocolVersion))
	first.recv(MsgIdent)
	first.send(MsgIdent, []byte("B"))
	first.recv(MsgReady)

	// A second connection claiming the same ident must be turned away while
	// the first session holds it.
	second := dialRaw(t, addr)
	defer second.f.Shutdown()

	second.recv(MsgReceiverVersion)
	second.send(MsgSenderVersion, versionBody(ProtocolVersion))
	second.recv(MsgIdent)
	second.send(MsgIdent, []byte("B"))

	msg := second.recv(MsgDisconnect)
	if !strings.Contains(string(msg.Body()), "Duplicate ident") {
		t.Fatalf("unexpected disconnect reason: %s", msg.Body())
	}
}

func TestClientServerSession(t *testing.T) {
	done := make(chan struct{})
	var serverCalls, clientCalls int32

	server, addr := newTestServer(t, []string{"B"},
		func(q *transport.MsgQueue, ch transport.ChannelID, peer *Peer) int {
			if peer.Ident != "B" {
				t.Errorf("server hook got peer %s", peer.Ident)
			}
			atomic.AddInt32(&serverCalls, 1)
			<-done
			return 0
		})
	defer server.Shutdown()

	reg := NewRegistry()
	if err := reg.Add(&Peer{Ident: "A", Addrs: []string{addr}}); err != nil {
		t.Fatal(err)
	}

	invoked := make(chan struct{})
	client, err := NewDaemon(Config{
		Name:          "test-client",
		Ident:         "B",
		Mode:          ModeClient,
		Registry:      reg,
		LocalVersion:  MsgSenderVersion,
		RemoteVersion: MsgReceiverVersion,
		Transport:     transport.TCPTransport{},
		Hooks: Hooks{
			TransferFiles: func(q *transport.MsgQueue, ch transport.ChannelID, peer *Peer) int {
				if peer.Ident != "A" {
					t.Errorf("client hook got peer %s", peer.Ident)
				}
				if atomic.AddInt32(&clientCalls, 1) == 1 {
					close(invoked)
				}
				<-done
				return 1
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(); err != nil {
		t.Fatal(err)
	}
	defer client.Shutdown()

	select {
	case <-invoked:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer hook was not invoked")
	}

	if n := atomic.LoadInt32(&clientCalls); n != 1 {
		t.Fatalf("client hook ran %d times, want 1", n)
	}
	if n := atomic.LoadInt32(&serverCalls); n != 1 {
		t.Fatalf("server hook ran %d times, want 1", n)
	}

	if connected, version := client.Registry().Connected(reg.Lookup("A")); !connected {
		t.Error("client peer should be connected")
	} else if version != ProtocolVersion {
		t.Errorf("negotiated version = %d, want %d", version, ProtocolVersion)
	}

	close(done)
}

// TestSessionStatus drives handleConnection directly against a hand-rolled
// remote to verify the exit status feeding the reconnect backoff.
func TestSessionStatus(t *testing.T) {
	remote := transport.NewFamily("remote")
	if err := remote.Bind(transport.TCPTransport{}, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer remote.Shutdown()
	addr := remote.Addrs()[0].String()

	// The remote side completes the counterpart handshake and, if asked,
	// disconnects at the ident step instead.
	serve := func(reject bool) {
		ctl, err := remote.GetControl()
		if err != nil {
			return
		}
		ch := ctl.ControlChannel()

		if _, err := remote.GetFromChannel(ch); err != nil {
			return
		}
		_ = remote.Send(ch, MsgReceiverVersion, versionBody(ProtocolVersion))

		if _, err := remote.GetFromChannel(ch); err != nil {
			return
		}
		if reject {
			_ = remote.Send(ch, MsgDisconnect, []byte("go away"))
			return
		}
		_ = remote.Send(ch, MsgIdent, []byte("A"))

		if _, err := remote.GetFromChannel(ch); err != nil {
			return
		}
		_ = remote.Send(ch, MsgReady, nil)
	}

	reg := NewRegistry()
	peer := &Peer{Ident: "A", Addrs: []string{addr}}
	if err := reg.Add(peer); err != nil {
		t.Fatal(err)
	}

	d, err := NewDaemon(Config{
		Name:          "status-client",
		Ident:         "B",
		Mode:          ModeClient,
		Registry:      reg,
		LocalVersion:  MsgSenderVersion,
		RemoteVersion: MsgReceiverVersion,
		Transport:     transport.TCPTransport{},
		Hooks: Hooks{
			TransferFiles: func(*transport.MsgQueue, transport.ChannelID, *Peer) int {
				return 1
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Family().Shutdown()

	run := func(reject bool) Status {
		go serve(reject)

		ch, err := d.Family().Connect(transport.TCPTransport{}, addr)
		if err != nil {
			t.Fatal(err)
		}
		q, err := d.Family().Split(ch)
		if err != nil {
			t.Fatal(err)
		}
		return d.handleConnection(q, ch, peer)
	}

	if status := run(false); status != StatusStandard {
		t.Fatalf("successful session status = %v, want standard", status)
	}
	if status := run(true); status != StatusFailure {
		t.Fatalf("rejected session status = %v, want failure", status)
	}
}
