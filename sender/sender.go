// Package sender watches an incoming directory and ships its files to the
// configured receiver peers. Every file is hard-linked (or copied) into a
// per-peer processing directory and queued there; a session's transfer hook
// drains the peer's queue, high priority files first, and removes a file only
// after the remote acknowledged the complete transfer.
package sender

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/movsoftware/flowrelay/multiqueue"
	"github.com/movsoftware/flowrelay/transfer"
)

const (
	// defaultBlockSize is the payload size of one file block message.
	defaultBlockSize = 8192

	// maxBlockSize keeps a block within a single transport message.
	maxBlockSize = 32768

	// defaultPollInterval is the fallback rescan period of the incoming
	// directory, catching files the change notification missed.
	defaultPollInterval = 15 * time.Second
)

// Config describes a Sender.
type Config struct {
	// IncomingDir is watched for files to ship.
	IncomingDir string

	// ProcessingDir holds one sub-directory per peer with that peer's
	// pending files.
	ProcessingDir string

	// ErrorDir receives files a peer rejected or that cannot be read.
	ErrorDir string

	// BlockSize of one file block message. Defaults to defaultBlockSize.
	BlockSize uint32

	// SendAttempts bounds how often a failing file is retried before it is
	// left alone. Zero retries forever.
	SendAttempts uint16

	// PollInterval between full rescans of the incoming directory.
	PollInterval time.Duration

	// Priorities mark files for the high priority queue: a file whose name
	// matches any of these goes ahead of all low priority files.
	Priorities []*regexp.Regexp

	// Filters restrict which files a peer receives, keyed by peer ident. A
	// peer without an entry receives every file.
	Filters map[string]*regexp.Regexp
}

// item is one queued file.
type item struct {
	path     string
	attempts uint16
}

// peerQueues schedules one peer's pending files. The multi is unfair with
// the high priority sub-queue created first, so it drains completely before
// the low priority one.
type peerQueues struct {
	multi *multiqueue.Multi[*item]
	high  *multiqueue.Queue[*item]
	low   *multiqueue.Queue[*item]
}

// Sender is the file-shipping payload layer of a flowsender daemon.
type Sender struct {
	cfg      Config
	registry *transfer.Registry
	queues   map[string]*peerQueues

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Sender for the peers of the given registry, scanning the
// processing directories for files left over from a previous run.
func New(cfg Config, registry *transfer.Registry) (*Sender, error) {
	if cfg.IncomingDir == "" || cfg.ProcessingDir == "" || cfg.ErrorDir == "" {
		return nil, fmt.Errorf("incoming, processing and error directories are required")
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.BlockSize > maxBlockSize {
		return nil, fmt.Errorf("block size %d exceeds the limit of %d", cfg.BlockSize, maxBlockSize)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	for _, dir := range []string{cfg.IncomingDir, cfg.ProcessingDir, cfg.ErrorDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	s := &Sender{
		cfg:      cfg,
		registry: registry,
		queues:   make(map[string]*peerQueues),
		stop:     make(chan struct{}),
	}

	for _, peer := range registry.Peers() {
		pq := &peerQueues{multi: multiqueue.NewUnfair[*item](nil)}

		var err error
		if pq.high, err = pq.multi.NewQueue(); err != nil {
			return nil, err
		}
		if pq.low, err = pq.multi.NewQueue(); err != nil {
			return nil, err
		}
		s.queues[peer.Ident] = pq

		if err := s.scanProcessing(peer.Ident, pq); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// scanProcessing queues the files already in a peer's processing directory.
func (s *Sender) scanProcessing(ident string, pq *peerQueues) error {
	dir := filepath.Join(s.cfg.ProcessingDir, ident)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		s.enqueue(pq, filepath.Join(dir, entry.Name()), entry.Name(), ident)
		count++
	}

	if count > 0 {
		log.WithFields(log.Fields{
			"peer":  ident,
			"files": count,
		}).Info("Queued unsent files from the processing directory")
	}
	return nil
}

// enqueue adds a file to a peer's high or low priority queue.
func (s *Sender) enqueue(pq *peerQueues, path, name, ident string) {
	q := pq.low
	priority := "low"
	for _, re := range s.cfg.Priorities {
		if re.MatchString(name) {
			q = pq.high
			priority = "high"
			break
		}
	}

	log.WithFields(log.Fields{
		"file":     name,
		"peer":     ident,
		"priority": priority,
	}).Debug("Queueing file")

	if err := q.Add(&item{path: path}); err != nil {
		log.WithFields(log.Fields{
			"file":  name,
			"peer":  ident,
			"error": err,
		}).Warning("Failed to queue file")
	}
}

// Start begins watching the incoming directory. Files already present are
// picked up by the initial scan.
func (s *Sender) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.cfg.IncomingDir); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchIncoming()

	log.WithField("dir", s.cfg.IncomingDir).Info("Watching incoming directory")
	return nil
}

// watchIncoming dispatches new incoming files, driven by change notification
// plus a periodic rescan for anything the notification missed.
func (s *Sender) watchIncoming() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.scanIncoming()

	for {
		select {
		case <-s.stop:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				s.handleNewFile(event.Name)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warning("Incoming directory watcher failed")

		case <-ticker.C:
			s.scanIncoming()
		}
	}
}

func (s *Sender) scanIncoming() {
	entries, err := os.ReadDir(s.cfg.IncomingDir)
	if err != nil {
		log.WithError(err).Warning("Failed to scan incoming directory")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.handleNewFile(filepath.Join(s.cfg.IncomingDir, entry.Name()))
	}
}

// handleNewFile links an incoming file into the processing directory of
// every peer whose filter matches and queues it there. The incoming file is
// removed once every matching peer has its own link; a file no filter
// matches goes to the error directory.
func (s *Sender) handleNewFile(path string) {
	name := filepath.Base(path)
	if name == "" || name[0] == '.' {
		return
	}
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return
	}

	var matched, handled bool
	source := path

	for _, peer := range s.registry.Peers() {
		if filter := s.cfg.Filters[peer.Ident]; filter != nil && !filter.MatchString(name) {
			continue
		}
		matched = true

		dest := filepath.Join(s.cfg.ProcessingDir, peer.Ident, name)
		if err := linkOrCopy(source, dest); err != nil {
			log.WithFields(log.Fields{
				"file":  name,
				"peer":  peer.Ident,
				"error": err,
			}).Error("File will not be delivered")
			continue
		}

		// Later links can be made from the processing copy, so the incoming
		// file can be removed even while a session takes the first copy.
		source = dest
		handled = true

		s.enqueue(s.queues[peer.Ident], dest, name, peer.Ident)
	}

	if !matched {
		log.WithField("file", name).Warning("File matches no peer filter")
		s.errorFile(path, name, "unmatched")
		return
	}
	if handled {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{
				"file":  name,
				"error": err,
			}).Warning("Failed to remove incoming file")
		}
	}
}

// errorFile moves a file into the error directory, under a sub-directory
// named after the peer it failed for.
func (s *Sender) errorFile(path, name, ident string) {
	dir := filepath.Join(s.cfg.ErrorDir, ident)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithFields(log.Fields{
			"dir":   dir,
			"error": err,
		}).Error("Could not create error directory")
		return
	}

	dest := filepath.Join(dir, name)
	log.WithFields(log.Fields{
		"file": name,
		"dir":  dir,
	}).Info("Moving file to the error directory")

	if err := moveFile(path, dest); err != nil {
		log.WithFields(log.Fields{
			"file":  name,
			"error": err,
		}).Warning("Failed to move file to the error directory")
	}
}

// QueueDepths reports the number of pending files per peer.
func (s *Sender) QueueDepths() map[string]uint64 {
	depths := make(map[string]uint64, len(s.queues))
	for ident, pq := range s.queues {
		depths[ident] = pq.multi.Count()
	}
	return depths
}

// Unblock wakes a session blocked on the peer's queue so it can observe its
// dead channel. The remove side is re-enabled when the next session starts.
func (s *Sender) Unblock(peer *transfer.Peer) {
	if pq := s.queues[peer.Ident]; pq != nil {
		_ = pq.multi.Disable(multiqueue.OpRemove)
	}
}

func (s *Sender) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Close stops the directory watcher and shuts the peer queues down, waking
// any session still blocked on them.
func (s *Sender) Close() error {
	var errs *multierror.Error

	close(s.stop)
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.wg.Wait()

	for _, pq := range s.queues {
		pq.multi.Shutdown()
	}

	return errs.ErrorOrNil()
}

// linkOrCopy hard-links src to dest, falling back to a copy across
// filesystems.
func linkOrCopy(src, dest string) error {
	if err := os.Link(src, dest); err == nil || os.IsExist(err) {
		return nil
	}
	return copyFile(src, dest)
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

func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}
