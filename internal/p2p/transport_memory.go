package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

const (
	MemoryProtocol Protocol = "memory"
)

// MemoryNetwork is an in-memory "network" that uses synchronous pipes to
// connect MemoryTransports, intended for testing.
type MemoryNetwork struct {
	logger   log.Logger
	verifier crypto.Verifier

	mtx        sync.RWMutex
	transports map[types.PeerID]*MemoryTransport
}

// NewMemoryNetwork creates a new in-memory network.
func NewMemoryNetwork(logger log.Logger, verifier crypto.Verifier) *MemoryNetwork {
	return &MemoryNetwork{
		logger:     logger,
		verifier:   verifier,
		transports: map[types.PeerID]*MemoryTransport{},
	}
}

// CreateTransport creates a new memory transport endpoint with the given peer
// ID and immediately begins listening on the address "memory:<id>". It panics
// if the peer ID is already in use (which is fine, since this is for tests).
func (n *MemoryNetwork) CreateTransport(peerID types.PeerID) *MemoryTransport {
	t := newMemoryTransport(n, peerID)

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.transports[peerID]; ok {
		panic(fmt.Sprintf("memory transport with peer ID %q already exists", peerID))
	}
	n.transports[peerID] = t
	return t
}

// GetTransport looks up a transport in the network, returning nil if not found.
func (n *MemoryNetwork) GetTransport(id types.PeerID) *MemoryTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.transports[id]
}

// RemoveTransport removes a transport from the network and closes it.
func (n *MemoryNetwork) RemoveTransport(id types.PeerID) {
	n.mtx.Lock()
	t, ok := n.transports[id]
	delete(n.transports, id)
	n.mtx.Unlock()

	if ok {
		// Close may recursively call RemoveTransport() again, but this is safe
		// because we've already removed the transport from the map above.
		if err := t.Close(); err != nil {
			n.logger.Error("failed to close memory transport", "id", id, "err", err)
		}
	}
}

// Size returns the number of transports in the network.
func (n *MemoryNetwork) Size() int {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return len(n.transports)
}

// MemoryTransport is a transport that uses an in-memory network.
type MemoryTransport struct {
	logger  log.Logger
	network *MemoryNetwork
	peerID  types.PeerID

	acceptCh  chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

// newMemoryTransport creates a new MemoryTransport. This is for internal use by
// MemoryNetwork, use MemoryNetwork.CreateTransport() instead.
func newMemoryTransport(network *MemoryNetwork, peerID types.PeerID) *MemoryTransport {
	return &MemoryTransport{
		logger:   network.logger.With("local", peerID),
		network:  network,
		peerID:   peerID,
		acceptCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}
}

// String implements Transport.
func (t *MemoryTransport) String() string {
	return string(MemoryProtocol)
}

// Protocols implements Transport.
func (t *MemoryTransport) Protocols() []Protocol {
	return []Protocol{MemoryProtocol}
}

// Endpoints implements Transport.
func (t *MemoryTransport) Endpoints() []Endpoint {
	select {
	case <-t.closeCh:
		return []Endpoint{}
	default:
		return []Endpoint{t.endpoint()}
	}
}

func (t *MemoryTransport) endpoint() Endpoint {
	return Endpoint{Protocol: MemoryProtocol, Path: string(t.peerID)}
}

// Accept implements Transport.
func (t *MemoryTransport) Accept(ctx context.Context) (Connection, error) {
	select {
	case nc := <-t.acceptCh:
		return newStreamConnection(nc, t.network.verifier, t.endpoint(), Endpoint{Protocol: MemoryProtocol, Path: "inbound"}), nil
	case <-t.closeCh:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial implements Transport.
func (t *MemoryTransport) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	if endpoint.Protocol != MemoryProtocol {
		return nil, fmt.Errorf("invalid protocol %q", endpoint.Protocol)
	}
	if endpoint.Path == "" {
		return nil, errors.New("no path")
	}
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	peerID, err := types.NewPeerID(endpoint.Path)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("dialing peer", "remote", peerID)
	peer := t.network.GetTransport(peerID)
	if peer == nil {
		return nil, fmt.Errorf("unknown peer %q", peerID)
	}

	local, remote := net.Pipe()
	select {
	case peer.acceptCh <- remote:
		return newStreamConnection(local, t.network.verifier, t.endpoint(), endpoint), nil
	case <-peer.closeCh:
		_, _ = local.Close(), remote.Close()
		return nil, io.EOF
	case <-t.closeCh:
		_, _ = local.Close(), remote.Close()
		return nil, io.EOF
	case <-ctx.Done():
		_, _ = local.Close(), remote.Close()
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.network.RemoveTransport(t.peerID)
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.logger.Info("closed transport")
	})
	return nil
}
