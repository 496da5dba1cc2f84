package transfer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/movsoftware/flowrelay/transport"
)

// illegalIdentRunes may not occur in a peer identifier.
const illegalIdentRunes = ":/\\,"

// CheckIdent validates a peer identifier: non-empty, printable, no whitespace
// and none of the reserved separator characters.
func CheckIdent(ident string) error {
	if ident == "" {
		return fmt.Errorf("ident must not be empty")
	}
	for _, r := range ident {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || strings.ContainsRune(illegalIdentRunes, r) {
			return fmt.Errorf("invalid character %q in ident %q", r, ident)
		}
	}
	return nil
}

// Peer is one configured remote party. Its identity and addresses are fixed
// at configuration time; the connection state fields belong to the Registry's
// lock.
type Peer struct {
	Ident string

	// Addrs lists the remote's candidate addresses. Empty in server role,
	// where peers are authorization entries only.
	Addrs []string

	channel       transport.ChannelID
	channelOK     bool
	sessionOK     bool
	disconnect    bool
	remoteVersion uint32
}

// Registry is the ordered collection of all configured peers. Inserts happen
// only before the daemon starts; afterwards only the entries' connection
// state mutates, guarded by the Registry's lock.
type Registry struct {
	mu    sync.Mutex
	peers []*Peer
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add inserts a peer, keeping the registry ordered by ident. Fails on an
// invalid or duplicate ident.
func (r *Registry) Add(p *Peer) error {
	if err := CheckIdent(p.Ident); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.peers), func(i int) bool {
		return r.peers[i].Ident >= p.Ident
	})
	if i < len(r.peers) && r.peers[i].Ident == p.Ident {
		return fmt.Errorf("duplicate ident %s", p.Ident)
	}

	r.peers = append(r.peers, nil)
	copy(r.peers[i+1:], r.peers[i:])
	r.peers[i] = p
	return nil
}

// Peers returns a snapshot of all peers in ident order.
func (r *Registry) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]*Peer, len(r.peers))
	copy(peers, r.peers)
	return peers
}

// Lookup finds a peer by ident.
func (r *Registry) Lookup(ident string) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.peers), func(i int) bool {
		return r.peers[i].Ident >= ident
	})
	if i < len(r.peers) && r.peers[i].Ident == ident {
		return r.peers[i]
	}
	return nil
}

// attach binds a channel and the negotiated version to a peer. With
// requireFree set the bind fails when another session already owns the peer,
// which is how a second connection claiming the same ident is rejected.
func (r *Registry) attach(p *Peer, requireFree bool, ch transport.ChannelID, version uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requireFree && p.sessionOK {
		return false
	}

	p.sessionOK = true
	p.channel = ch
	p.channelOK = true
	p.disconnect = false
	p.remoteVersion = version
	return true
}

// detach clears a peer's connection state after its session ended. A client
// role session keeps owning its peer slot between reconnect attempts.
func (r *Registry) detach(p *Peer, releaseSession bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.channelOK = false
	p.disconnect = false
	if releaseSession {
		p.sessionOK = false
	}
}

// markSession marks a peer slot as owned by a session worker.
func (r *Registry) markSession(p *Peer, owned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.sessionOK = owned
}

// channelDied finds the peer bound to a dead channel and flags it for
// disconnect. Returns nil if no peer owns the channel.
func (r *Registry) channelDied(ch transport.ChannelID) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.peers {
		if p.channelOK && p.channel == ch {
			p.disconnect = true
			return p
		}
	}
	return nil
}

// Disconnecting reports whether the peer's channel was flagged dead.
func (r *Registry) Disconnecting(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return p.disconnect
}

// Connected reports a peer's connection state and negotiated version.
func (r *Registry) Connected(p *Peer) (bool, uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return p.channelOK, p.remoteVersion
}
