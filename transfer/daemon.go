// Package transfer implements the session protocol between a file sender and
// a file receiver: version negotiation, identity exchange, readiness
// handshake and the control loop reacting to connection lifecycle events.
// The payload moving through an established session is owned by a hook the
// embedding daemon provides.
package transfer

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/transport"
)

// Mode selects whether this daemon dials its peers or accepts connections.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// Backoff parameters of the client reconnect loop.
const (
	backoffStep = 5 * time.Second
	backoffMax  = 60 * time.Second
)

// Hooks connect the protocol engine to the payload layer built on top.
type Hooks struct {
	// TransferFiles runs the payload exchange of an established session and
	// returns -1 for a fatal condition, 1 if at least one file was fully
	// transferred, 0 otherwise. Called at most once concurrently per peer.
	TransferFiles func(q *transport.MsgQueue, ch transport.ChannelID, peer *Peer) int

	// Unblock wakes the payload layer's blocked operations for a peer whose
	// channel died.
	Unblock func(peer *Peer)

	// Fatal escalates a fatal payload error to process exit. Defaults to
	// os.Exit(1) after a best-effort shutdown.
	Fatal func()
}

// Config describes one transfer daemon.
type Config struct {
	// Name of the daemon, used in log entries.
	Name string

	// Ident announced to remote peers.
	Ident string

	// Mode of operation.
	Mode Mode

	// Registry of configured peers. Client mode requires every peer to carry
	// at least one address.
	Registry *Registry

	// LocalVersion and RemoteVersion are the version message types this side
	// emits resp. expects. A sender emits MsgSenderVersion and expects
	// MsgReceiverVersion; a receiver the mirror image.
	LocalVersion  transport.MsgType
	RemoteVersion transport.MsgType

	// Transport used for all connections.
	Transport transport.Transport

	// ListenAddress to bind, server mode only.
	ListenAddress string

	Hooks Hooks
}

// Daemon runs the connection control loop and its peer sessions.
type Daemon struct {
	cfg    Config
	family *transport.Family

	shutdown     int32
	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	// workers are the control loop and the client reconnect loops; detached
	// tracks server-side session goroutines, which no peer slot owns.
	workers  sync.WaitGroup
	detached sync.WaitGroup
}

// NewDaemon validates the configuration and creates a Daemon. Start must be
// called to put it into operation.
func NewDaemon(cfg Config) (*Daemon, error) {
	if err := CheckIdent(cfg.Ident); err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("daemon %s has no peer registry", cfg.Name)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("daemon %s has no transport", cfg.Name)
	}
	if cfg.Hooks.TransferFiles == nil {
		return nil, fmt.Errorf("daemon %s has no transfer hook", cfg.Name)
	}

	switch cfg.Mode {
	case ModeClient:
		for _, p := range cfg.Registry.Peers() {
			if len(p.Addrs) == 0 {
				return nil, fmt.Errorf("peer %s has no address", p.Ident)
			}
		}
	case ModeServer:
		if cfg.ListenAddress == "" {
			return nil, fmt.Errorf("daemon %s has no listen address", cfg.Name)
		}
	default:
		return nil, fmt.Errorf("unknown mode %d", cfg.Mode)
	}

	return &Daemon{
		cfg:        cfg,
		family:     transport.NewFamily(cfg.Name),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Family exposes the daemon's underlying message queue family.
func (d *Daemon) Family() *transport.Family {
	return d.family
}

// Registry exposes the daemon's peer registry.
func (d *Daemon) Registry() *Registry {
	return d.cfg.Registry
}

// Mode of this daemon.
func (d *Daemon) Mode() Mode {
	return d.cfg.Mode
}

// Ident of this daemon.
func (d *Daemon) Ident() string {
	return d.cfg.Ident
}

func (d *Daemon) shuttingDown() bool {
	return atomic.LoadInt32(&d.shutdown) != 0
}

// Start puts the daemon into operation: a server binds its listen address
// before entering the control loop, a client spawns one reconnect loop per
// configured peer.
func (d *Daemon) Start() error {
	if d.cfg.Mode == ModeServer {
		if err := d.family.Bind(d.cfg.Transport, d.cfg.ListenAddress); err != nil {
			return fmt.Errorf("failed to bind to %s: %w", d.cfg.ListenAddress, err)
		}
	} else {
		for _, p := range d.cfg.Registry.Peers() {
			d.workers.Add(1)
			go d.clientSession(p)
		}
	}

	d.workers.Add(1)
	go d.controlLoop()

	log.WithFields(log.Fields{
		"daemon": d.cfg.Name,
		"ident":  d.cfg.Ident,
		"mode":   d.cfg.Mode,
	}).Info("Transfer daemon started")

	return nil
}

// controlLoop consumes connection lifecycle events until shutdown. Both
// modes react to dead channels; only a server sees new connections.
func (d *Daemon) controlLoop() {
	defer d.workers.Done()

	for {
		msg, err := d.family.GetControl()
		if err != nil {
			if !d.shuttingDown() {
				log.WithFields(log.Fields{
					"daemon": d.cfg.Name,
					"error":  err,
				}).Error("Control queue failed")
			}
			return
		}

		switch msg.Type() {
		case transport.CtlNewConnection:
			ch := msg.ControlChannel()
			addr := msg.ControlAddr()
			if addr == "" {
				addr = "unknown address"
			}
			log.WithFields(log.Fields{
				"daemon":  d.cfg.Name,
				"address": addr,
			}).Info("Received connection")

			q, err := d.family.Split(ch)
			if err != nil {
				if d.shuttingDown() {
					break
				}
				log.WithFields(log.Fields{
					"daemon": d.cfg.Name,
					"error":  err,
				}).Error("Failed to split channel")
				break
			}

			d.detached.Add(1)
			go func() {
				defer d.detached.Done()
				d.handleConnection(q, ch, nil)
			}()

		case transport.CtlChannelDied:
			ch := msg.ControlChannel()
			if peer := d.cfg.Registry.channelDied(ch); peer != nil {
				log.WithFields(log.Fields{
					"daemon": d.cfg.Name,
					"peer":   peer.Ident,
				}).Info("Channel to peer died")

				if d.cfg.Hooks.Unblock != nil {
					d.cfg.Hooks.Unblock(peer)
				}
			}

			if !d.shuttingDown() {
				// Wake protocol state blocked on the dead channel.
				_ = d.family.Inject(ch, MsgDisconnectRetry,
					[]byte("Remote side of channel died"))
			}

		default:
			log.WithFields(log.Fields{
				"daemon": d.cfg.Name,
				"type":   msg.Type(),
			}).Warning("Received unknown control message")
		}
	}
}

// clientSession dials one peer over and over, running a session per
// successful connection. Consecutive failures back the loop off in steps of
// backoffStep up to backoffMax; any non-failure session exit resets the
// backoff. Shutdown is observed at one second granularity.
func (d *Daemon) clientSession(peer *Peer) {
	defer d.workers.Done()

	d.cfg.Registry.markSession(peer, true)
	defer d.cfg.Registry.markSession(peer, false)

	var wait time.Duration
	for !d.shuttingDown() {
		if wait != 0 {
			log.WithFields(log.Fields{
				"daemon": d.cfg.Name,
				"peer":   peer.Ident,
				"wait":   wait,
			}).Debug("Waiting before reconnecting")

			if !d.sleep(wait) {
				return
			}
		}

		log.WithFields(log.Fields{
			"daemon": d.cfg.Name,
			"peer":   peer.Ident,
			"proto":  d.cfg.Transport.Name(),
		}).Info("Attempting to connect")

		var ch transport.ChannelID
		err := fmt.Errorf("no address")
		for _, addr := range peer.Addrs {
			if ch, err = d.family.Connect(d.cfg.Transport, addr); err == nil {
				break
			}
		}

		if err != nil {
			if !d.shuttingDown() {
				log.WithFields(log.Fields{
					"daemon": d.cfg.Name,
					"peer":   peer.Ident,
					"error":  err,
				}).Info("Attempt to connect failed")
			}
			wait = nextBackoff(wait)
			continue
		}

		q, err := d.family.Split(ch)
		if err != nil {
			if d.shuttingDown() {
				return
			}
			log.WithFields(log.Fields{
				"daemon": d.cfg.Name,
				"error":  err,
			}).Error("Failed to split channel")
			wait = nextBackoff(wait)
			continue
		}

		wait = nextWait(d.handleConnection(q, ch, peer), wait)
	}
}

func nextBackoff(wait time.Duration) time.Duration {
	if wait < backoffMax {
		wait += backoffStep
	}
	return wait
}

// nextWait derives the delay before the next connection attempt from how the
// previous session ended. Only failed sessions keep backing off; any other
// outcome reconnects immediately.
func nextWait(status Status, wait time.Duration) time.Duration {
	if status != StatusFailure {
		return 0
	}
	return nextBackoff(wait)
}

// sleep waits for the given duration in one second ticks, returning false as
// soon as shutdown is observed.
func (d *Daemon) sleep(duration time.Duration) bool {
	for duration > 0 {
		tick := time.Second
		if duration < tick {
			tick = duration
		}
		select {
		case <-d.shutdownCh:
			return false
		case <-time.After(tick):
		}
		duration -= tick
	}
	return !d.shuttingDown()
}

// fatal escalates a fatal payload error: best-effort shutdown broadcast to
// all other sessions, then process exit.
func (d *Daemon) fatal() {
	log.WithField("daemon", d.cfg.Name).Error("Fatal transfer error, exiting")

	if d.cfg.Hooks.Fatal != nil {
		d.cfg.Hooks.Fatal()
		return
	}

	// Broadcast the shutdown to all other sessions; a full Shutdown would
	// wait for the very goroutine running this escalation.
	atomic.StoreInt32(&d.shutdown, 1)
	d.family.Shutdown()
	os.Exit(1)
}

// Shutdown stops the daemon: the transport family shuts down, which unblocks
// every session, and Shutdown waits for the control loop, all client
// reconnect loops and all detached server sessions to finish.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		atomic.StoreInt32(&d.shutdown, 1)
		close(d.shutdownCh)

		d.family.Shutdown()

		if d.cfg.Hooks.Unblock != nil {
			for _, p := range d.cfg.Registry.Peers() {
				d.cfg.Hooks.Unblock(p)
			}
		}

		d.workers.Wait()

		log.WithField("daemon", d.cfg.Name).Debug("Waiting for detached sessions to end")
		d.detached.Wait()

		log.WithField("daemon", d.cfg.Name).Info("Transfer daemon stopped")
	})
}

// Teardown releases the daemon's resources after Shutdown.
func (d *Daemon) Teardown() error {
	var errs *multierror.Error

	if !d.shuttingDown() {
		errs = multierror.Append(errs, fmt.Errorf("teardown without shutdown"))
		d.Shutdown()
	}

	d.family.Destroy()
	return errs.ErrorOrNil()
}
