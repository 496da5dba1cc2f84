// Package transport multiplexes typed messages over long-lived connections.
//
// A Family bundles any number of channels, each backed by one connection. All
// messages arriving for a channel end up in the subqueue registered for that
// channel within some MsgQueue of the Family. New families start with a
// single root MsgQueue whose control channel reports connection lifecycle
// events; Split moves channels into their own MsgQueue so independent
// consumers do not steal each other's messages.
package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/multiqueue"
)

// KeepaliveTimeout is the default interval after which a silent connection is
// considered dead if keepalives are enabled.
const KeepaliveTimeout = 60 * time.Second

// channel binds a connection to the subqueue its inbound messages land in.
type channel struct {
	id   ChannelID
	conn Conn

	sub *multiqueue.Queue[*Message]

	writeMu sync.Mutex

	// keepalive read deadline duration, zero if disabled
	mu        sync.Mutex
	keepalive time.Duration
	killed    bool

	stopKeepalive chan struct{}
}

// setKeepalive enables the keepalive for this channel and returns whether it
// was previously disabled.
func (ch *channel) setKeepalive(timeout time.Duration) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	was := ch.keepalive
	ch.keepalive = timeout
	return was == 0
}

func (ch *channel) keepaliveTimeout() time.Duration {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.keepalive
}

// kill marks this channel dead and closes its connection. Returns false if it
// was already dead.
func (ch *channel) kill() bool {
	ch.mu.Lock()
	if ch.killed {
		ch.mu.Unlock()
		return false
	}
	ch.killed = true
	ch.mu.Unlock()

	close(ch.stopKeepalive)
	_ = ch.conn.Close()
	return true
}

// MsgQueue delivers the messages of the channels assigned to it.
type MsgQueue struct {
	family *Family
	multi  *multiqueue.Multi[*Message]
}

// Family is a group of message queues sharing one channel namespace.
type Family struct {
	name string

	mu        sync.Mutex
	channels  map[ChannelID]*channel
	nextID    ChannelID
	listeners []Listener
	queues    []*MsgQueue
	shutdown  bool

	root       *MsgQueue
	controlSub *multiqueue.Queue[*Message]

	wg sync.WaitGroup
}

// NewFamily creates a Family with its root MsgQueue. The root queue's control
// channel reports new connections and dead channels.
func NewFamily(name string) *Family {
	f := &Family{
		name:     name,
		channels: make(map[ChannelID]*channel),
	}

	f.root = f.newQueue()
	f.controlSub, _ = f.root.multi.NewQueue()

	return f
}

// Root returns the Family's first MsgQueue. Control messages arrive here.
func (f *Family) Root() *MsgQueue {
	return f.root
}

func (f *Family) newQueue() *MsgQueue {
	q := &MsgQueue{
		family: f,
		multi:  multiqueue.NewFair[*Message](nil),
	}

	f.mu.Lock()
	f.queues = append(f.queues, q)
	f.mu.Unlock()

	return q
}

// Bind starts accepting inbound connections on the given address. Each new
// connection becomes a channel of the root queue, announced by a
// CtlNewConnection control message.
func (f *Family) Bind(t Transport, address string) error {
	ln, err := t.Listen(address)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("family %s is shut down", f.name)
	}
	f.listeners = append(f.listeners, ln)
	f.mu.Unlock()

	log.WithFields(log.Fields{
		"family":  f.name,
		"address": ln.Addr(),
		"proto":   t.Name(),
	}).Info("Listening for connections")

	f.wg.Add(1)
	go f.acceptLoop(ln)

	return nil
}

func (f *Family) acceptLoop(ln Listener) {
	defer f.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			f.mu.Lock()
			down := f.shutdown
			f.mu.Unlock()

			if !down {
				log.WithFields(log.Fields{
					"family": f.name,
					"error":  err,
				}).Warn("Accepting connection failed")
			}
			return
		}

		ch, err := f.addChannel(conn, f.root)
		if err != nil {
			_ = conn.Close()
			continue
		}

		f.control(newControlMessage(CtlNewConnection, ch.id, conn.RemoteAddr().String()))
	}
}

// Connect dials a remote endpoint and returns the new channel's ID. The
// channel is assigned to the root queue.
func (f *Family) Connect(t Transport, address string) (ChannelID, error) {
	conn, err := t.Dial(address)
	if err != nil {
		return ChannelControl, err
	}

	ch, err := f.addChannel(conn, f.root)
	if err != nil {
		_ = conn.Close()
		return ChannelControl, err
	}

	log.WithFields(log.Fields{
		"family":  f.name,
		"channel": ch.id,
		"address": address,
	}).Debug("Connected to remote endpoint")

	return ch.id, nil
}

func (f *Family) addChannel(conn Conn, q *MsgQueue) (*channel, error) {
	sub, err := q.multi.NewQueue()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil, fmt.Errorf("family %s is shut down", f.name)
	}

	for {
		if _, taken := f.channels[f.nextID]; !taken && f.nextID != ChannelControl {
			break
		}
		f.nextID++
	}

	ch := &channel{
		id:            f.nextID,
		conn:          conn,
		sub:           sub,
		stopKeepalive: make(chan struct{}),
	}
	f.channels[ch.id] = ch
	f.nextID++
	f.mu.Unlock()

	f.wg.Add(1)
	go f.readLoop(ch)

	return ch, nil
}

func (f *Family) channel(id ChannelID) (*channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.channels[id]
	if !ok {
		return nil, fmt.Errorf("no such channel %d in family %s", id, f.name)
	}
	return ch, nil
}

// readLoop pumps inbound messages of one channel into its subqueue. A read
// failure reports the channel as died on the control channel.
func (f *Family) readLoop(ch *channel) {
	defer f.wg.Done()

	for {
		if timeout := ch.keepaliveTimeout(); timeout > 0 {
			_ = ch.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		msg, err := ch.conn.ReadMessage()
		if err != nil {
			if ch.kill() {
				log.WithFields(log.Fields{
					"family":  f.name,
					"channel": ch.id,
					"error":   err,
				}).Debug("Channel read failed")

				f.control(newControlMessage(CtlChannelDied, ch.id, ""))
			}
			return
		}

		if msg.mtype == typeKeepalive {
			continue
		}

		// the remote's channel ID is meaningless here
		msg.channel = ch.id

		if err := ch.sub.Add(msg); err != nil {
			return
		}
	}
}

// control delivers a message on the root queue's control channel. Messages
// are silently dropped once the family is shut down.
func (f *Family) control(msg *Message) {
	_ = f.controlSub.Add(msg)
}

// Send transmits a message on a channel.
func (f *Family) Send(id ChannelID, mtype MsgType, body []byte) error {
	ch, err := f.channel(id)
	if err != nil {
		return err
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	return ch.conn.WriteMessage(NewMessage(id, mtype, body))
}

// Inject places a message into a channel's subqueue without touching the
// network, as if the remote had sent it.
func (f *Family) Inject(id ChannelID, mtype MsgType, body []byte) error {
	ch, err := f.channel(id)
	if err != nil {
		return err
	}

	return ch.sub.Add(NewMessage(id, mtype, body))
}

// GetControl blocks until the next control message arrives. Control messages
// never leave the root queue, so a control loop reading here does not consume
// data messages of channels that were not yet split away.
func (f *Family) GetControl() (*Message, error) {
	return f.controlSub.Get()
}

// GetFromChannel blocks until the next message on one specific channel
// arrives, regardless of which MsgQueue the channel is assigned to.
func (f *Family) GetFromChannel(id ChannelID) (*Message, error) {
	ch, err := f.channel(id)
	if err != nil {
		return nil, err
	}
	return ch.sub.Get()
}

// keepaliveKillSwitch names the environment variable disabling all keepalive
// probing, for debugging stalled transfers.
const keepaliveKillSwitch = "FLOWRELAY_TURN_OFF_KEEPALIVE"

// SetKeepalive enables keepalive probing on a channel. The transport sends a
// keepalive message every timeout/3 and fails the channel if nothing at all
// arrives within timeout.
func (f *Family) SetKeepalive(id ChannelID, timeout time.Duration) error {
	if _, off := os.LookupEnv(keepaliveKillSwitch); off {
		log.WithFields(log.Fields{
			"family":  f.name,
			"channel": id,
		}).Warn("Keepalive disabled by environment")
		return nil
	}

	ch, err := f.channel(id)
	if err != nil {
		return err
	}

	if !ch.setKeepalive(timeout) {
		return nil
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ticker := time.NewTicker(timeout / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ch.stopKeepalive:
				return
			case <-ticker.C:
				ch.writeMu.Lock()
				err := ch.conn.WriteMessage(NewMessage(ch.id, typeKeepalive, nil))
				ch.writeMu.Unlock()

				if err != nil {
					return
				}
			}
		}
	}()

	return nil
}

// Addrs lists the local addresses of all bound listeners.
func (f *Family) Addrs() []net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()

	addrs := make([]net.Addr, 0, len(f.listeners))
	for _, ln := range f.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// LocalPort returns the port of the first bound listener, or zero when no
// listener is bound.
func (f *Family) LocalPort() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.listeners) == 0 {
		return 0
	}
	switch addr := f.listeners[0].Addr().(type) {
	case *net.TCPAddr:
		return uint16(addr.Port)
	case *net.UDPAddr:
		return uint16(addr.Port)
	default:
		return 0
	}
}

// ConnectionInfo returns the remote address of a channel's connection.
func (f *Family) ConnectionInfo(id ChannelID) (string, error) {
	ch, err := f.channel(id)
	if err != nil {
		return "", err
	}
	return ch.conn.RemoteAddr().String(), nil
}

// KillChannel tears down a channel and its connection. The channel's pending
// messages are discarded; no CtlChannelDied is reported for an explicit kill.
func (f *Family) KillChannel(id ChannelID) error {
	f.mu.Lock()
	ch, ok := f.channels[id]
	if ok {
		delete(f.channels, id)
	}
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("no such channel %d in family %s", id, f.name)
	}

	ch.kill()
	ch.sub.Disable(multiqueue.OpBoth)
	ch.sub.Destroy()

	log.WithFields(log.Fields{
		"family":  f.name,
		"channel": id,
	}).Debug("Channel killed")

	return nil
}

// Split moves the given channels out of their current queues into a fresh
// MsgQueue. Messages already queued move along with their channel.
func (f *Family) Split(ids ...ChannelID) (*MsgQueue, error) {
	q := f.newQueue()

	for _, id := range ids {
		ch, err := f.channel(id)
		if err != nil {
			q.Destroy()
			return nil, err
		}
		if err := q.multi.Move(ch.sub); err != nil {
			q.Destroy()
			return nil, err
		}
	}

	return q, nil
}

// Get blocks until the next message on any of this queue's channels arrives.
func (q *MsgQueue) Get() (*Message, error) {
	return q.multi.Get()
}

// Family this queue belongs to.
func (q *MsgQueue) Family() *Family {
	return q.family
}

// Shutdown wakes all blocked Gets of this queue with an error. Its channels'
// connections stay open.
func (q *MsgQueue) Shutdown() {
	q.multi.Shutdown()
}

// Destroy shuts this queue down, drops its remaining messages and releases
// it from its Family. Channels still assigned to the queue must have been
// killed or moved away before; the root queue must never be destroyed while
// the Family is in use.
func (q *MsgQueue) Destroy() {
	f := q.family

	f.mu.Lock()
	for i, other := range f.queues {
		if other == q {
			f.queues = append(f.queues[:i], f.queues[i+1:]...)
			break
		}
	}
	f.mu.Unlock()

	q.multi.Shutdown()
	q.multi.Destroy()
}

// Shutdown tears the whole Family down: all listeners close, all channels
// die, all queues shut down, and every internal goroutine terminates before
// Shutdown returns.
func (f *Family) Shutdown() {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return
	}
	f.shutdown = true

	listeners := f.listeners
	channels := make([]*channel, 0, len(f.channels))
	for _, ch := range f.channels {
		channels = append(channels, ch)
	}
	f.channels = make(map[ChannelID]*channel)
	queues := f.queues
	f.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, ch := range channels {
		ch.kill()
	}
	for _, q := range queues {
		q.multi.Shutdown()
	}

	f.wg.Wait()

	log.WithField("family", f.name).Debug("Family shut down")
}

// Destroy releases the Family's queues and their remaining messages. The
// Family must have been shut down before.
func (f *Family) Destroy() {
	f.mu.Lock()
	queues := f.queues
	f.queues = nil
	f.mu.Unlock()

	for _, q := range queues {
		q.multi.Destroy()
	}
}
