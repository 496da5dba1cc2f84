package transfer

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/transport"
)

// Status classifies how a session ended, steering the client backoff.
type Status int

const (
	// StatusStandard is a session that reached Running and moved payload.
	StatusStandard Status = iota

	// StatusDisconnect is a clean disconnect after payload moved.
	StatusDisconnect

	// StatusFailure is any session that moved no payload, including
	// handshake rejections and protocol errors.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusStandard:
		return "standard"
	case StatusDisconnect:
		return "disconnect"
	default:
		return "failure"
	}
}

type connState int

const (
	stateVersion connState = iota
	stateIdent
	stateReady
	stateRunning
)

// session is the ephemeral state of one connection attempt.
type session struct {
	d     *Daemon
	q     *transport.MsgQueue
	ch    transport.ChannelID
	ident string
}

// sendDisconnect notifies the peer that the local side is closing the
// session, with a human-readable reason.
func (s *session) sendDisconnect(reason string) {
	log.WithFields(log.Fields{
		"daemon": s.d.cfg.Name,
		"peer":   s.ident,
		"reason": reason,
	}).Warning("Sending disconnect")

	_ = s.d.family.Send(s.ch, MsgDisconnect, []byte(reason))
}

// handleConnection verifies a new connection, version and identity first,
// and then hands the established session to the TransferFiles hook. Both
// roles run the same state machine; only who dialed differs. In client mode
// assigned is the peer this session was spawned for, in server mode the peer
// is resolved from the remote's ident claim.
func (d *Daemon) handleConnection(q *transport.MsgQueue, ch transport.ChannelID, assigned *Peer) Status {
	s := &session{d: d, q: q, ch: ch, ident: "<unassigned>"}
	defer q.Destroy()
	defer func() {
		_ = d.family.KillChannel(ch)
	}()

	var (
		found       *Peer
		version     uint32
		transferred bool
	)
	defer func() {
		if found != nil {
			d.cfg.Registry.detach(found, assigned == nil)
		}
	}()

	// Open with the local protocol version, then drive the handshake off
	// received messages until the session is running or failed.
	state := stateVersion
	if err := d.family.Send(ch, d.cfg.LocalVersion, versionBody(ProtocolVersion)); err != nil {
		return StatusFailure
	}

	for state != stateRunning && !d.shuttingDown() {
		msg, err := q.Get()
		if err != nil {
			return StatusFailure
		}

		if handleDisconnect(msg, s.ident) {
			if transferred {
				return StatusDisconnect
			}
			return StatusFailure
		}

		switch state {
		case stateVersion:
			if !s.checkMsg(msg, d.cfg.RemoteVersion) {
				return StatusFailure
			}
			version = binary.BigEndian.Uint32(msg.Body())
			if version < MinProtocolVersion {
				s.sendDisconnect(fmt.Sprintf("Unsupported version %d", version))
				return StatusFailure
			}

			_ = d.family.SetKeepalive(ch, transport.KeepaliveTimeout)

			state = stateIdent
			if err := d.family.Send(ch, MsgIdent, []byte(d.cfg.Ident)); err != nil {
				return StatusFailure
			}

		case stateIdent:
			if !s.checkMsg(msg, MsgIdent) {
				return StatusFailure
			}
			ident := string(msg.Body())

			peer := d.cfg.Registry.Lookup(ident)
			switch {
			case peer == nil:
				s.sendDisconnect(fmt.Sprintf("Unknown ident %s", ident))
				return StatusFailure
			case assigned != nil && peer != assigned:
				s.sendDisconnect(fmt.Sprintf("Unexpected ident %s", ident))
				return StatusFailure
			case !d.cfg.Registry.attach(peer, assigned == nil, ch, version):
				s.sendDisconnect(fmt.Sprintf("Duplicate ident %s", ident))
				return StatusFailure
			}
			found = peer
			s.ident = ident

			info, _ := d.family.ConnectionInfo(ch)
			log.WithFields(log.Fields{
				"daemon":  d.cfg.Name,
				"peer":    ident,
				"address": info,
				"version": version,
			}).Info("Connected to remote")

			state = stateReady
			if err := d.family.Send(ch, MsgReady, nil); err != nil {
				return StatusFailure
			}

		case stateReady:
			if !s.checkMsg(msg, MsgReady) {
				return StatusFailure
			}
			log.WithFields(log.Fields{
				"daemon": d.cfg.Name,
				"peer":   s.ident,
			}).Debug("Remote is ready for messages")

			state = stateRunning
			switch d.cfg.Hooks.TransferFiles(q, ch, found) {
			case -1:
				d.fatal()
				return StatusFailure
			case 1:
				transferred = true
			}
		}
	}

	if transferred {
		return StatusStandard
	}
	return StatusFailure
}
