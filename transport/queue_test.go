package transport

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"
)

const testType MsgType = 0x0100

// pair binds a server Family on a loopback port, connects a client Family to
// it and returns both families together with the server side's channel ID.
func pair(t *testing.T) (server, client *Family, serverCh, clientCh ChannelID) {
	t.Helper()

	server = NewFamily("server")
	if err := server.Bind(TCPTransport{}, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	client = NewFamily("client")
	clientCh, err := client.Connect(TCPTransport{}, server.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}

	msg, err := server.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel() != ChannelControl || msg.Type() != CtlNewConnection {
		t.Fatalf("expected CtlNewConnection, got %v", msg)
	}
	serverCh = msg.ControlChannel()
	if msg.ControlAddr() == "" {
		t.Error("expected a remote address in the control message")
	}

	return
}

func TestMessageWireFormat(t *testing.T) {
	msg := NewMessage(7, testType, []byte("hello"))

	data, err := msg.marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != headerLen+5 {
		t.Fatalf("expected %d bytes, got %d", headerLen+5, len(data))
	}

	back, err := readMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if back.Channel() != 7 || back.Type() != testType || string(back.Body()) != "hello" {
		t.Fatalf("unexpected message: %v", back)
	}
}

func TestMessageBodyLimit(t *testing.T) {
	msg := NewMessage(1, testType, make([]byte, maxBodyLen+1))
	if _, err := msg.marshal(); err == nil {
		t.Fatal("expected an error for an oversized body")
	}
}

func TestRoundTrip(t *testing.T) {
	server, client, serverCh, clientCh := pair(t)
	defer server.Shutdown()
	defer client.Shutdown()

	if err := client.Send(clientCh, testType, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	msg, err := server.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel() != serverCh || msg.Type() != testType || string(msg.Body()) != "ping" {
		t.Fatalf("unexpected message: %v", msg)
	}

	if err := server.Send(serverCh, testType, []byte("pong")); err != nil {
		t.Fatal(err)
	}

	msg, err = client.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel() != clientCh || string(msg.Body()) != "pong" {
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestInject(t *testing.T) {
	server, client, serverCh, _ := pair(t)
	defer server.Shutdown()
	defer client.Shutdown()

	if err := server.Inject(serverCh, testType, []byte("loopback")); err != nil {
		t.Fatal(err)
	}

	msg, err := server.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel() != serverCh || string(msg.Body()) != "loopback" {
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestSplitMovesChannel(t *testing.T) {
	server, client, serverCh, clientCh := pair(t)
	defer server.Shutdown()
	defer client.Shutdown()

	// A message queued before the split must move along with its channel.
	if err := client.Send(clientCh, testType, []byte("early")); err != nil {
		t.Fatal(err)
	}

	// Wait for the message to arrive before splitting.
	deadline := time.Now().Add(time.Second)
	for server.Root().multi.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message did not arrive")
		}
		time.Sleep(time.Millisecond)
	}

	q, err := server.Split(serverCh)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := q.Get()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body()) != "early" {
		t.Fatalf("unexpected message: %v", msg)
	}

	if err := client.Send(clientCh, testType, []byte("late")); err != nil {
		t.Fatal(err)
	}
	msg, err = q.Get()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body()) != "late" {
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestDestroyedSplitQueueIsReleased(t *testing.T) {
	server, client, serverCh, clientCh := pair(t)
	defer server.Shutdown()
	defer client.Shutdown()

	server.mu.Lock()
	before := len(server.queues)
	server.mu.Unlock()

	// A session's queue must not outlive the session.
	for i := 0; i < 50; i++ {
		q, err := server.Split(serverCh)
		if err != nil {
			t.Fatal(err)
		}
		q.Destroy()
	}

	server.mu.Lock()
	after := len(server.queues)
	server.mu.Unlock()
	if after != before {
		t.Fatalf("expected %d queues after destroying, got %d", before, after)
	}

	// The channel itself stays usable under a fresh queue.
	q, err := server.Split(serverCh)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(clientCh, testType, []byte("alive")); err != nil {
		t.Fatal(err)
	}
	msg, err := q.Get()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body()) != "alive" {
		t.Fatalf("unexpected message: %v", msg)
	}

	q.Destroy()
	if _, err := q.Get(); err == nil {
		t.Fatal("expected an error from Get on a destroyed queue")
	}
}

func TestLocalPort(t *testing.T) {
	f := NewFamily("bound")
	if f.LocalPort() != 0 {
		t.Fatal("expected a zero port before binding")
	}

	if err := f.Bind(TCPTransport{}, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer f.Shutdown()

	port := f.LocalPort()
	if port == 0 {
		t.Fatal("expected a non-zero port after binding")
	}
	if want := f.Addrs()[0].(*net.TCPAddr).Port; int(port) != want {
		t.Fatalf("expected port %d, got %d", want, port)
	}
}

func TestChannelDied(t *testing.T) {
	server, client, serverCh, _ := pair(t)
	defer server.Shutdown()

	client.Shutdown()

	msg, err := server.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel() != ChannelControl || msg.Type() != CtlChannelDied {
		t.Fatalf("expected CtlChannelDied, got %v", msg)
	}
	if msg.ControlChannel() != serverCh {
		t.Fatalf("expected channel %d, got %d", serverCh, msg.ControlChannel())
	}
}

func TestKillChannel(t *testing.T) {
	server, client, serverCh, _ := pair(t)
	defer server.Shutdown()
	defer client.Shutdown()

	if err := server.KillChannel(serverCh); err != nil {
		t.Fatal(err)
	}
	if err := server.Send(serverCh, testType, nil); err == nil {
		t.Fatal("expected an error sending on a killed channel")
	}

	// The client observes the connection loss.
	msg, err := client.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type() != CtlChannelDied {
		t.Fatalf("expected CtlChannelDied, got %v", msg)
	}
}

func TestShutdownUnblocksGet(t *testing.T) {
	server, client, _, _ := pair(t)
	defer client.Shutdown()

	errs := make(chan error)
	go func() {
		_, err := server.Root().Get()
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	server.Shutdown()

	if err := <-errs; err == nil {
		t.Fatal("expected an error from Get after Shutdown")
	}

	// A second Shutdown is a no-op.
	server.Shutdown()
}

func TestWebSocketRoundTrip(t *testing.T) {
	server := NewFamily("ws-server")
	if err := server.Bind(WebSocketTransport{}, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer server.Shutdown()

	client := NewFamily("ws-client")
	clientCh, err := client.Connect(WebSocketTransport{}, server.Addrs()[0].String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Shutdown()

	ctl, err := server.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	serverCh := ctl.ControlChannel()

	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf("frame %d", i))
		if err := client.Send(clientCh, testType, payload); err != nil {
			t.Fatal(err)
		}

		msg, err := server.Root().Get()
		if err != nil {
			t.Fatal(err)
		}
		if msg.Channel() != serverCh || !bytes.Equal(msg.Body(), payload) {
			t.Fatalf("unexpected message: %v", msg)
		}
	}
}

func TestKeepaliveKeepsIdleChannelAlive(t *testing.T) {
	server, client, serverCh, clientCh := pair(t)
	defer server.Shutdown()
	defer client.Shutdown()

	timeout := 300 * time.Millisecond
	if err := server.SetKeepalive(serverCh, timeout); err != nil {
		t.Fatal(err)
	}
	if err := client.SetKeepalive(clientCh, timeout); err != nil {
		t.Fatal(err)
	}

	// Stay idle well past the timeout, then verify the channel still works.
	time.Sleep(2 * timeout)

	if err := client.Send(clientCh, testType, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	msg, err := server.Root().Get()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body()) != "still here" {
		t.Fatalf("unexpected message: %v", msg)
	}
}
