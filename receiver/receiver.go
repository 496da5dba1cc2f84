// Package receiver accepts files from sender peers into a destination
// directory. An incoming file is staged under a dot-name and renamed into
// place only after the announced number of bytes arrived, so consumers of
// the destination directory never observe partial files. An empty
// zero-permission placeholder under the final name marks the transfer in
// progress and doubles as the duplicate check.
package receiver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/transfer"
	"github.com/movsoftware/flowrelay/transport"
)

// Config describes a Receiver.
type Config struct {
	// DestinationDir receives the completed files.
	DestinationDir string

	// DuplicateDirs each get a copy (or hard link) of every completed file.
	DuplicateDirs []string

	// UniqueDuplicates forces real copies into the DuplicateDirs instead of
	// hard links.
	UniqueDuplicates bool
}

// Receiver is the file-accepting payload layer of a flowreceiver daemon.
type Receiver struct {
	cfg      Config
	registry *transfer.Registry

	// open tracks filenames currently being received, so two senders
	// offering the same name race on exactly one placeholder.
	mu   sync.Mutex
	open map[string]bool

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a Receiver delivering into the configured destination
// directory.
func New(cfg Config, registry *transfer.Registry) (*Receiver, error) {
	if cfg.DestinationDir == "" {
		return nil, fmt.Errorf("destination directory is required")
	}
	if err := os.MkdirAll(cfg.DestinationDir, 0755); err != nil {
		return nil, err
	}

	return &Receiver{
		cfg:      cfg,
		registry: registry,
		open:     make(map[string]bool),
		stop:     make(chan struct{}),
	}, nil
}

// Unblock is the transfer.Hooks hook waking a blocked session. A receiving
// session blocks only on its channel's queue, which the disconnect-retry
// notice already wakes, so there is nothing to do here.
func (r *Receiver) Unblock(*transfer.Peer) {}

// Close stops the receiver.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *Receiver) closed() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// rejectType picks the message type refusing a file: peers speaking protocol
// version 1 know neither reject nor duplicate notices and get a disconnect.
func rejectType(version uint32, mtype transport.MsgType) transport.MsgType {
	if version > 1 {
		return mtype
	}
	return transfer.MsgDisconnect
}

// TransferFiles accepts files over an established session until it ends. It
// is the transfer.Hooks hook of a flowreceiver daemon: -1 on fatal local
// errors, 1 if at least one file was fully received, 0 otherwise.
func (r *Receiver) TransferFiles(q *transport.MsgQueue, ch transport.ChannelID, peer *transfer.Peer) int {
	family := q.Family()
	_, version := r.registry.Connected(peer)

	transferred := 0
	for !r.closed() && !r.registry.Disconnecting(peer) {
		msg, err := q.Get()
		if err != nil {
			break
		}
		if msg.Type() == transfer.MsgDisconnect || msg.Type() == transfer.MsgDisconnectRetry {
			log.WithFields(log.Fields{
				"peer":   peer.Ident,
				"reason": string(msg.Body()),
			}).Info("Connection disconnected")
			break
		}
		if msg.Type() != transfer.MsgNewFile {
			reason := fmt.Sprintf("Protocol error: expected NEW_FILE, got %d", msg.Type())
			log.WithFields(log.Fields{
				"peer": peer.Ident,
				"got":  msg.Type(),
				"len":  msg.Length(),
			}).Warning("Protocol error waiting for a file offer")
			_ = family.Send(ch, transfer.MsgDisconnect, []byte(reason))
			break
		}

		switch r.receiveFile(q, ch, peer, version, msg.Body()) {
		case trReceived:
			transferred = 1
		case trRefused:
			// refusal notice already sent, session continues
		case trSessionDead:
			return transferred
		case trFatal:
			return -1
		}
	}

	return transferred
}

type result int

const (
	trReceived result = iota
	trRefused
	trSessionDead
	trFatal
)

// receiveFile handles one announced file: stage it, signal readiness, write
// the blocks and move it into place.
func (r *Receiver) receiveFile(q *transport.MsgQueue, ch transport.ChannelID, peer *transfer.Peer, version uint32, offer []byte) result {
	family := q.Family()

	info, err := transfer.UnmarshalFileInfo(offer)
	if err != nil {
		_ = family.Send(ch, transfer.MsgDisconnect,
			[]byte(fmt.Sprintf("Protocol error: %v", err)))
		return trSessionDead
	}

	name := info.Name
	if name == "" || name[0] == '.' || strings.ContainsAny(name, "/\x00") ||
		name != filepath.Base(name) {
		log.WithFields(log.Fields{
			"peer": peer.Ident,
			"file": name,
		}).Warning("Refusing illegal filename")
		_ = family.Send(ch, rejectType(version, transfer.MsgRejectFile),
			[]byte(fmt.Sprintf("Illegal filename (from %s)", peer.Ident)))
		return refusedOrDead(version)
	}

	log.WithFields(log.Fields{
		"peer":  peer.Ident,
		"file":  name,
		"bytes": info.Size,
	}).Info("Receiving file")

	destPath := filepath.Join(r.cfg.DestinationDir, name)
	if !r.claimPlaceholder(destPath, name) {
		log.WithFields(log.Fields{
			"peer": peer.Ident,
			"file": name,
		}).Warning("Filename already exists")
		_ = family.Send(ch, rejectType(version, transfer.MsgDuplicateFile),
			[]byte(fmt.Sprintf("Filename already exists (from %s)", peer.Ident)))
		return refusedOrDead(version)
	}
	defer r.releasePlaceholder(destPath, name)

	dotPath := filepath.Join(r.cfg.DestinationDir, "."+name)
	mode := os.FileMode(info.Mode & 0777)
	if mode == 0 {
		mode = 0644
	}
	file, err := os.OpenFile(dotPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		log.WithFields(log.Fields{
			"file":  dotPath,
			"error": err,
		}).Error("Could not create staging file")
		return trFatal
	}
	defer func() {
		if file != nil {
			_ = file.Close()
			_ = os.Remove(dotPath)
		}
	}()

	if err := family.Send(ch, transfer.MsgNewFileReady, nil); err != nil {
		return trSessionDead
	}

	// Write blocks until the sender announces completion.
	for {
		if r.closed() || r.registry.Disconnecting(peer) {
			return trSessionDead
		}

		msg, err := q.Get()
		if err != nil {
			return trSessionDead
		}

		switch msg.Type() {
		case transfer.MsgFileBlock:
			offset, data, err := transfer.UnmarshalBlock(msg.Body())
			if err != nil || offset+uint64(len(data)) > info.Size {
				_ = family.Send(ch, transfer.MsgDisconnect,
					[]byte(fmt.Sprintf("Illegal block (offset/size %d/%d)",
						offset, len(data))))
				return trSessionDead
			}
			if _, err := file.WriteAt(data, int64(offset)); err != nil {
				log.WithFields(log.Fields{
					"file":  dotPath,
					"error": err,
				}).Error("Could not write staging file")
				return trFatal
			}

		case transfer.MsgFileComplete:
			return r.finishFile(family, ch, peer, &file, dotPath, destPath, name)

		case transfer.MsgDisconnect, transfer.MsgDisconnectRetry:
			log.WithFields(log.Fields{
				"peer":   peer.Ident,
				"reason": string(msg.Body()),
			}).Info("Connection disconnected")
			return trSessionDead

		default:
			_ = family.Send(ch, transfer.MsgDisconnect,
				[]byte(fmt.Sprintf("Protocol error: expected FILE_BLOCK, got %d",
					msg.Type())))
			return trSessionDead
		}
	}
}

// finishFile syncs the staged data, publishes duplicates, renames the file
// into place and acknowledges the completion.
func (r *Receiver) finishFile(family *transport.Family, ch transport.ChannelID, peer *transfer.Peer, file **os.File, dotPath, destPath, name string) result {
	if err := (*file).Sync(); err != nil {
		log.WithFields(log.Fields{
			"file":  dotPath,
			"error": err,
		}).Error("Could not sync staging file")
		return trFatal
	}
	if err := (*file).Close(); err != nil {
		log.WithFields(log.Fields{
			"file":  dotPath,
			"error": err,
		}).Error("Could not close staging file")
		return trFatal
	}
	*file = nil

	// Duplicate destination failures are logged, not fatal.
	for _, dir := range r.cfg.DuplicateDirs {
		dup := filepath.Join(dir, name)
		if err := r.publishDuplicate(dotPath, dup); err != nil {
			log.WithFields(log.Fields{
				"file":  name,
				"dest":  dup,
				"error": err,
			}).Warning("Could not create duplicate copy")
		}
	}

	if err := os.Rename(dotPath, destPath); err != nil {
		log.WithFields(log.Fields{
			"from":  dotPath,
			"to":    destPath,
			"error": err,
		}).Error("Failed to move received file into place")
		return trFatal
	}

	if err := family.Send(ch, transfer.MsgFileComplete, nil); err != nil {
		return trSessionDead
	}

	log.WithFields(log.Fields{
		"peer": peer.Ident,
		"file": name,
	}).Info("Finished receiving file")

	return trReceived
}

func (r *Receiver) publishDuplicate(src, dest string) error {
	if r.cfg.UniqueDuplicates {
		return copyFile(src, dest)
	}
	if err := os.Link(src, dest); err != nil {
		return copyFile(src, dest)
	}
	return nil
}

// claimPlaceholder creates the empty zero-permission file marking name as in
// transfer. An existing placeholder from a previous run is removed and
// retried once; anything else means the name is taken.
func (r *Receiver) claimPlaceholder(destPath, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for retry := 0; retry < 2; retry++ {
		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0)
		if err == nil {
			_ = f.Close()
			r.open[name] = true
			return true
		}
		if !os.IsExist(err) {
			return false
		}

		if r.open[name] {
			log.WithField("file", name).Warning("Multiple senders attempting to send file")
			return false
		}

		st, serr := os.Stat(destPath)
		if serr != nil || !st.Mode().IsRegular() || st.Mode().Perm() != 0 || st.Size() != 0 {
			// a completed file of the same name
			return false
		}

		log.WithField("file", destPath).Warning("Stale placeholder from a previous run, removing")
		if os.Remove(destPath) != nil {
			return false
		}
	}
	return false
}

func (r *Receiver) releasePlaceholder(destPath, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open[name] {
		return
	}
	delete(r.open, name)

	// Remove the placeholder if the transfer did not complete; after the
	// rename the destination is the real file and stays.
	if st, err := os.Stat(destPath); err == nil &&
		st.Mode().IsRegular() && st.Mode().Perm() == 0 && st.Size() == 0 {
		_ = os.Remove(destPath)
	}
}

// refusedOrDead maps a refusal to the session outcome: a version 1 peer was
// sent a disconnect instead of a refusal notice, ending the session.
func refusedOrDead(version uint32) result {
	if version > 1 {
		return trRefused
	}
	return trSessionDead
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
