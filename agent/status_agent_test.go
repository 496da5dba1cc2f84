package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/movsoftware/flowrelay/transfer"
	"github.com/movsoftware/flowrelay/transport"
)

func TestStatusEndpoint(t *testing.T) {
	reg := transfer.NewRegistry()
	for _, ident := range []string{"S1", "S2"} {
		if err := reg.Add(&transfer.Peer{Ident: ident}); err != nil {
			t.Fatal(err)
		}
	}

	d, err := transfer.NewDaemon(transfer.Config{
		Name:          "status-test",
		Ident:         "R",
		Mode:          transfer.ModeServer,
		Registry:      reg,
		LocalVersion:  transfer.MsgReceiverVersion,
		RemoteVersion: transfer.MsgSenderVersion,
		Transport:     transport.TCPTransport{},
		ListenAddress: "127.0.0.1:0",
		Hooks: transfer.Hooks{
			TransferFiles: func(*transport.MsgQueue, transport.ChannelID, *transfer.Peer) int {
				return 0
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Shutdown()

	sa := NewStatusAgent(d, func() map[string]uint64 {
		return map[string]uint64{"S1": 3, "S2": 0}
	})
	srv := httptest.NewServer(sa)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}

	if status.Ident != "R" {
		t.Errorf("ident = %s, want R", status.Ident)
	}
	if status.Mode != "server" {
		t.Errorf("mode = %s, want server", status.Mode)
	}
	if len(status.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(status.Peers))
	}
	for _, peer := range status.Peers {
		if peer.Connected {
			t.Errorf("peer %s should not be connected", peer.Ident)
		}
	}
	if status.Queues["S1"] != 3 {
		t.Errorf("queue depth S1 = %d, want 3", status.Queues["S1"])
	}

	// Only GET is routed.
	resp, err = http.Post(srv.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}
