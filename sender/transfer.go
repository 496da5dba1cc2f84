package sender

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/multiqueue"
	"github.com/movsoftware/flowrelay/transfer"
	"github.com/movsoftware/flowrelay/transport"
)

// outcome of one file transfer attempt.
type outcome int

const (
	// trSucceeded: the remote acknowledged the complete file.
	trSucceeded outcome = iota

	// trLocalFailed: the file could not be read locally.
	trLocalFailed

	// trFailed: the session failed mid-transfer; retry later.
	trFailed

	// trImpossible: the remote refused the file; it went to the error
	// directory.
	trImpossible

	// trFatal: an unrecoverable local error.
	trFatal
)

// TransferFiles drains the peer's queue over an established session. It is
// the transfer.Hooks hook of a flowsender daemon: -1 on fatal errors, 1 if
// at least one file was fully sent, 0 otherwise.
func (s *Sender) TransferFiles(q *transport.MsgQueue, ch transport.ChannelID, peer *transfer.Peer) int {
	pq := s.queues[peer.Ident]
	if pq == nil {
		return 0
	}

	// A previous session's Unblock left the remove side disabled.
	_ = pq.multi.Enable(multiqueue.OpRemove)

	transferred := 0
	for !s.closed() && !s.registry.Disconnecting(peer) {
		it, err := pq.multi.Get()
		if err != nil {
			// Disabled by Unblock or shut down by Close.
			break
		}

		if s.closed() {
			break
		}
		if s.registry.Disconnecting(peer) {
			// Put the file back so it is retried first on reconnect.
			_ = pq.multi.PushBack(it)
			break
		}

		switch s.transferFile(q, ch, peer, it) {
		case trSucceeded:
			transferred = 1

		case trImpossible:
			// file already moved to the error directory

		case trLocalFailed, trFailed:
			if s.cfg.SendAttempts != 0 && it.attempts >= s.cfg.SendAttempts {
				log.WithFields(log.Fields{
					"file":     it.path,
					"attempts": it.attempts,
				}).Warning("Ignoring file after too many send attempts")
				break
			}
			if err := pq.low.Add(it); err == nil {
				log.WithFields(log.Fields{
					"file": it.path,
					"peer": peer.Ident,
				}).Info("Will attempt to re-send file")
			}

		case trFatal:
			return -1
		}
	}

	return transferred
}

// transferFile sends a single file: announce, wait for the go-ahead, stream
// the blocks, then wait for the remote's completion acknowledgment.
func (s *Sender) transferFile(q *transport.MsgQueue, ch transport.ChannelID, peer *transfer.Peer, it *item) outcome {
	it.attempts++
	name := filepath.Base(it.path)
	family := q.Family()

	file, err := os.Open(it.path)
	if err != nil {
		log.WithFields(log.Fields{
			"file":  it.path,
			"error": err,
		}).Error("Could not open file for reading")
		return trLocalFailed
	}
	defer file.Close()

	st, err := file.Stat()
	if err != nil {
		log.WithFields(log.Fields{
			"file":  it.path,
			"error": err,
		}).Error("Could not stat file")
		return trLocalFailed
	}
	size := uint64(st.Size())

	log.WithFields(log.Fields{
		"file":  name,
		"peer":  peer.Ident,
		"bytes": size,
	}).Info("Transferring file")
	start := time.Now()

	info := transfer.FileInfo{
		Size:      size,
		BlockSize: s.cfg.BlockSize,
		Mode:      uint32(st.Mode() & os.ModePerm),
		Name:      name,
	}
	if err := family.Send(ch, transfer.MsgNewFile, info.Marshal()); err != nil {
		return trFailed
	}

	// Wait for the remote to accept, refuse or flag the file as duplicate.
	msg, err := q.Get()
	if err != nil {
		return trFailed
	}
	switch msg.Type() {
	case transfer.MsgNewFileReady:

	case transfer.MsgDuplicateFile:
		log.WithFields(log.Fields{
			"file":   name,
			"peer":   peer.Ident,
			"reason": string(msg.Body()),
		}).Warning("Duplicate instance of file on remote")
		s.errorFile(it.path, name, peer.Ident)
		return trImpossible

	case transfer.MsgRejectFile:
		log.WithFields(log.Fields{
			"file":   name,
			"peer":   peer.Ident,
			"reason": string(msg.Body()),
		}).Warning("File was rejected by remote")
		s.errorFile(it.path, name, peer.Ident)
		return trImpossible

	default:
		s.protocolError(family, ch, peer, transfer.MsgNewFileReady, msg)
		return trFailed
	}

	buf := make([]byte, s.cfg.BlockSize)
	var offset uint64
	for offset < size {
		n, err := file.Read(buf)
		if n > 0 {
			if err := family.Send(ch, transfer.MsgFileBlock,
				transfer.MarshalBlock(offset, buf[:n])); err != nil {
				return trFailed
			}
			offset += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithFields(log.Fields{
				"file":  it.path,
				"error": err,
			}).Error("Could not read file")
			return trLocalFailed
		}
	}
	if offset != size {
		log.WithFields(log.Fields{
			"file":     it.path,
			"expected": size,
			"sent":     offset,
		}).Error("File shrank while being sent")
		return trLocalFailed
	}

	if err := family.Send(ch, transfer.MsgFileComplete, nil); err != nil {
		return trFailed
	}

	// The remote echoes the completion once the file is in place.
	msg, err = q.Get()
	if err != nil {
		return trFailed
	}
	if msg.Type() != transfer.MsgFileComplete {
		s.protocolError(family, ch, peer, transfer.MsgFileComplete, msg)
		return trFailed
	}

	if err := os.Remove(it.path); err != nil {
		log.WithFields(log.Fields{
			"file":  it.path,
			"error": err,
		}).Error("Unable to remove file after sending")
		return trFatal
	}

	log.WithFields(log.Fields{
		"file":    name,
		"peer":    peer.Ident,
		"bytes":   size,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("Finished transferring file")

	return trSucceeded
}

// protocolError logs an unexpected message and notifies the peer. Disconnect
// notices from the peer are reported as such instead.
func (s *Sender) protocolError(family *transport.Family, ch transport.ChannelID, peer *transfer.Peer, want transport.MsgType, got *transport.Message) {
	if got.Type() == transfer.MsgDisconnect || got.Type() == transfer.MsgDisconnectRetry {
		log.WithFields(log.Fields{
			"peer":   peer.Ident,
			"reason": string(got.Body()),
		}).Info("Connection disconnected")
		return
	}

	reason := fmt.Sprintf("Protocol error: expected type %d, got %d", want, got.Type())
	log.WithFields(log.Fields{
		"peer":  peer.Ident,
		"want":  want,
		"got":   got.Type(),
		"len":   got.Length(),
		"error": reason,
	}).Warning("Protocol error during file transfer")

	_ = family.Send(ch, transfer.MsgDisconnect, []byte(reason))
}
