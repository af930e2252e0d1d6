package p2ptest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

// Network sets up an in-memory network that can be used for high-level P2P
// testing. It creates an arbitrary number of nodes that are connected to each
// other in a full mesh, each with its own router.
type Network struct {
	Nodes map[types.PeerID]*Node

	// Order is the creation order of the nodes.
	Order []types.PeerID

	name          string
	logger        log.Logger
	memoryNetwork *p2p.MemoryNetwork
}

// NetworkOptions is an argument structure to parameterize the MakeNetwork
// function.
type NetworkOptions struct {
	NumNodes int

	// Roles assigns a role per node index. Missing entries default to
	// validator.
	Roles []types.Role

	// Network name announced in handshakes. Defaults to "test".
	Network string

	RouterOptions p2p.RouterOptions
}

// Node is a node in a Network, with a Router and a MemoryTransport.
type Node struct {
	PeerID    types.PeerID
	PrivKey   crypto.PrivKey
	NodeInfo  p2p.NodeInfo
	Router    *p2p.Router
	Transport *p2p.MemoryTransport
}

// MakeNetwork creates a test network with the given number of nodes. Node i
// dials every node created before it, so once started the nodes form a full
// mesh.
func MakeNetwork(t *testing.T, opts NetworkOptions) *Network {
	t.Helper()

	if opts.Network == "" {
		opts.Network = "test"
	}

	logger := log.TestingLogger()
	network := &Network{
		Nodes:         map[types.PeerID]*Node{},
		name:          opts.Network,
		logger:        logger,
		memoryNetwork: p2p.NewMemoryNetwork(logger, ed25519.Verifier{}),
	}

	for i := 0; i < opts.NumNodes; i++ {
		role := types.RoleValidator
		if i < len(opts.Roles) {
			role = opts.Roles[i]
		}

		routerOpts := opts.RouterOptions
		routerOpts.PersistentPeers = nil
		for _, id := range network.Order {
			routerOpts.PersistentPeers = append(routerOpts.PersistentPeers, network.Nodes[id].Address())
		}

		node := network.MakeNode(t, i, role, routerOpts)
		network.Nodes[node.PeerID] = node
		network.Order = append(network.Order, node.PeerID)
	}

	return network
}

// MakeNode creates a new Node on the network without starting it.
func (n *Network) MakeNode(t *testing.T, i int, role types.Role, opts p2p.RouterOptions) *Node {
	t.Helper()

	privKey := NodeKey(i)
	peerID := types.PeerIDFromPubKey(privKey.PubKey())
	nodeInfo := p2p.NodeInfo{
		PeerID:     peerID,
		Network:    n.name,
		Role:       role,
	}

	transport := n.memoryNetwork.CreateTransport(peerID)
	router, err := p2p.NewRouter(
		n.logger.With("node", peerID.ShortString()),
		p2p.NopMetrics(),
		privKey,
		nodeInfo,
		transport,
		opts,
	)
	require.NoError(t, err)

	return &Node{
		PeerID:    peerID,
		PrivKey:   privKey,
		NodeInfo:  nodeInfo,
		Router:    router,
		Transport: transport,
	}
}

// Start starts all routers and waits until every node is connected to every
// other node. Routers are stopped when the test finishes.
func (n *Network) Start(ctx context.Context, t *testing.T) {
	t.Helper()

	for _, id := range n.Order {
		node := n.Nodes[id]
		require.NoError(t, node.Router.Start(ctx))
		t.Cleanup(func() {
			// the router may already be stopping because ctx was canceled
			_ = node.Router.Stop()
			node.Router.Wait()
		})
	}

	want := len(n.Nodes) - 1
	require.Eventually(t, func() bool {
		for _, node := range n.Nodes {
			if node.Router.NumPeers() != want {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "network did not form a full mesh")
}

// Node returns the i'th created node.
func (n *Network) Node(i int) *Node {
	return n.Nodes[n.Order[i]]
}

// Peers returns every node except the given one.
func (n *Network) Peers(id types.PeerID) []*Node {
	peers := make([]*Node, 0, len(n.Nodes)-1)
	for _, peerID := range n.Order {
		if peerID != id {
			peers = append(peers, n.Nodes[peerID])
		}
	}
	return peers
}

// MemoryNetwork returns the underlying memory network.
func (n *Network) MemoryNetwork() *p2p.MemoryNetwork {
	return n.memoryNetwork
}

// Address returns the node's memory address.
func (n *Node) Address() p2p.NodeAddress {
	return p2p.NodeAddress{PeerID: n.PeerID, Protocol: p2p.MemoryProtocol}
}

// NodeKey returns a deterministic private key for the i'th test node.
func NodeKey(i int) crypto.PrivKey {
	return ed25519.GenPrivKeyFromSecret([]byte(fmt.Sprintf("p2ptest-node-%d", i)))
}
