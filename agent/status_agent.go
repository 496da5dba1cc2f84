// Package agent exposes a daemon's state over HTTP for monitoring.
package agent

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/transfer"
)

// PeerStatus is one peer's connection state in a status report.
type PeerStatus struct {
	Ident     string `json:"ident"`
	Connected bool   `json:"connected"`
	Version   uint32 `json:"version,omitempty"`
}

// Status is the response body of GET /status.
type Status struct {
	Ident  string            `json:"ident"`
	Mode   string            `json:"mode"`
	Peers  []PeerStatus      `json:"peers"`
	Queues map[string]uint64 `json:"queues,omitempty"`
}

// StatusAgent serves a daemon's status to HTTP clients.
type StatusAgent struct {
	router *mux.Router
	daemon *transfer.Daemon

	// depths reports pending work per peer; nil for daemons without queues.
	depths func() map[string]uint64

	server *http.Server
}

// NewStatusAgent creates a StatusAgent for the given daemon. The depths
// function may be nil.
func NewStatusAgent(daemon *transfer.Daemon, depths func() map[string]uint64) *StatusAgent {
	sa := &StatusAgent{
		router: mux.NewRouter(),
		daemon: daemon,
		depths: depths,
	}

	sa.router.HandleFunc("/status", sa.handleStatus).Methods(http.MethodGet)

	return sa
}

// ServeHTTP is a http.Handler for the agent's routes.
func (sa *StatusAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sa.router.ServeHTTP(w, r)
}

// Start serves the agent's routes on the given address until Close.
func (sa *StatusAgent) Start(addr string) {
	sa.server = &http.Server{
		Addr:    addr,
		Handler: sa,
	}

	go func() {
		if err := sa.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Status agent failed")
		}
	}()

	log.WithField("address", addr).Info("Serving status requests")
}

// Close shuts the agent's HTTP server down.
func (sa *StatusAgent) Close() error {
	if sa.server == nil {
		return nil
	}
	return sa.server.Close()
}

// handleStatus processes /status GET requests.
func (sa *StatusAgent) handleStatus(w http.ResponseWriter, r *http.Request) {
	registry := sa.daemon.Registry()

	status := Status{
		Ident: sa.daemon.Ident(),
		Mode:  sa.daemon.Mode().String(),
	}
	for _, peer := range registry.Peers() {
		connected, version := registry.Connected(peer)
		status.Peers = append(status.Peers, PeerStatus{
			Ident:     peer.Ident,
			Connected: connected,
			Version:   version,
		})
	}
	if sa.depths != nil {
		status.Queues = sa.depths()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.WithError(err).Warn("Failed to write status response")
	}
}
