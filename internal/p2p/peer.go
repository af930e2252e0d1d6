package p2p

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendermint/checkpointbft/types"
)

// PeerStatus is a peer's connection state as seen by the router.
type PeerStatus string

const (
	PeerStatusConnected    PeerStatus = "connected"
	PeerStatusDisconnected PeerStatus = "disconnected"
	PeerStatusUnreachable  PeerStatus = "unreachable"
	PeerStatusIsolated     PeerStatus = "isolated"
)

// A peer is isolated once its score drops below isolationScore or it has
// timed out more than isolationTimeouts times.
const (
	isolationScore    = -50
	isolationTimeouts = 20
)

// PeerInfo is a point-in-time copy of what the router knows about a peer.
type PeerInfo struct {
	ID          types.PeerID
	Address     string
	Role        types.Role
	PubKey      []byte
	Status      PeerStatus
	Inbound     bool
	ConnectedAt time.Time
	LastSeen    time.Time

	ValidMessages   uint64
	InvalidMessages uint64
	Timeouts        uint64
}

// Score is the peer's reputation: valid - 2*invalid - 3*timeouts.
func (p PeerInfo) Score() int64 {
	return int64(p.ValidMessages) - 2*int64(p.InvalidMessages) - 3*int64(p.Timeouts)
}

// ShouldIsolate reports whether the peer has misbehaved enough to be
// disconnected and refused.
func (p PeerInfo) ShouldIsolate() bool {
	return p.Score() < isolationScore || p.Timeouts > isolationTimeouts
}

func (p PeerInfo) String() string {
	return fmt.Sprintf("Peer{%s %s %s score:%d}", p.ID.ShortString(), p.Role, p.Status, p.Score())
}

// peerState is a connected peer.
type peerState struct {
	id      types.PeerID
	conn    Connection
	queue   *fifoQueue
	inbound bool
	info    NodeInfo

	connectedAt time.Time
	lastSeen    int64 // atomic, unix nanos

	// done is closed once the peer's routines have exited.
	done chan struct{}
}

func newPeerState(info NodeInfo, conn Connection, queueSize int, inbound bool) *peerState {
	now := time.Now()
	return &peerState{
		id:          info.PeerID,
		conn:        conn,
		queue:       newFIFOQueue(queueSize),
		inbound:     inbound,
		info:        info,
		connectedAt: now,
		lastSeen:    now.UnixNano(),
		done:        make(chan struct{}),
	}
}

func (p *peerState) touch() {
	atomic.StoreInt64(&p.lastSeen, time.Now().UnixNano())
}

func (p *peerState) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, atomic.LoadInt64(&p.lastSeen)))
}

// peerRecord survives disconnects: the current address of a peer and its
// reputation counters.
type peerRecord struct {
	address  string
	role     types.Role
	pubKey   []byte
	status   PeerStatus
	valid    uint64
	invalid  uint64
	timeouts uint64
}

// peerBook tracks peer records. It has its own lock, separate from the
// router's directory of connected peers.
type peerBook struct {
	mtx     sync.Mutex
	records map[types.PeerID]*peerRecord
}

func newPeerBook() *peerBook {
	return &peerBook{records: make(map[types.PeerID]*peerRecord)}
}

func (b *peerBook) get(id types.PeerID) *peerRecord {
	rec, ok := b.records[id]
	if !ok {
		rec = &peerRecord{status: PeerStatusDisconnected}
		b.records[id] = rec
	}
	return rec
}

// connected records the peer's current address, replacing any previous one,
// and the public key it proved in the handshake.
func (b *peerBook) connected(id types.PeerID, address string, role types.Role, pubKey []byte) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	rec := b.get(id)
	if address != "" {
		rec.address = address
	}
	if len(pubKey) > 0 {
		rec.pubKey = pubKey
	}
	rec.role = role
	rec.status = PeerStatusConnected
}

// disconnected marks a peer as gone. An isolated peer stays isolated.
func (b *peerBook) disconnected(id types.PeerID) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if rec := b.get(id); rec.status != PeerStatusIsolated {
		rec.status = PeerStatusDisconnected
	}
}

func (b *peerBook) setStatus(id types.PeerID, status PeerStatus) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.get(id).status = status
}

func (b *peerBook) setAddress(id types.PeerID, address string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.get(id).address = address
}

func (b *peerBook) reportValid(id types.PeerID) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.get(id).valid++
}

func (b *peerBook) reportInvalid(id types.PeerID) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.get(id).invalid++
}

func (b *peerBook) reportTimeout(id types.PeerID) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.get(id).timeouts++
}

func (b *peerBook) info(id types.PeerID) (PeerInfo, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return PeerInfo{}, false
	}
	return PeerInfo{
		ID:              id,
		Address:         rec.address,
		Role:            rec.role,
		PubKey:          rec.pubKey,
		Status:          rec.status,
		ValidMessages:   rec.valid,
		InvalidMessages: rec.invalid,
		Timeouts:        rec.timeouts,
	}, true
}

func (b *peerBook) countStatus(status PeerStatus) int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	n := 0
	for _, rec := range b.records {
		if rec.status == status {
			n++
		}
	}
	return n
}
