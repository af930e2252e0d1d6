package p2p_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/types"
)

// Common setup for P2P tests.

var (
	selfKey  = ed25519.GenPrivKeyFromSecret([]byte{0xf9, 0x1b, 0x08, 0xaa, 0x38, 0xee, 0x34, 0xdd})
	selfID   = types.PeerIDFromPubKey(selfKey.PubKey())
	selfInfo = p2p.NodeInfo{
		PeerID:     selfID,
		Network:    "test",
		ListenAddr: "0.0.0.0:0",
		Role:       types.RoleDirector,
	}

	peerKey  = ed25519.GenPrivKeyFromSecret([]byte{0x84, 0xd7, 0x01, 0xbf, 0x83, 0x20, 0x1c, 0xfe})
	peerID   = types.PeerIDFromPubKey(peerKey.PubKey())
	peerInfo = p2p.NodeInfo{
		PeerID:     peerID,
		Network:    "test",
		ListenAddr: "0.0.0.0:0",
		Role:       types.RoleValidator,
	}
)

// dialPeer dials the given transport from a bare transport and completes
// the handshake with peerKey, returning the raw connection.
func dialPeer(ctx context.Context, t *testing.T, from p2p.Transport, to p2p.Transport, info p2p.NodeInfo) p2p.Connection {
	t.Helper()

	endpoints := to.Endpoints()
	require.NotEmpty(t, endpoints)

	c, err := from.Dial(ctx, endpoints[0])
	require.NoError(t, err)

	remote, err := c.Handshake(ctx, time.Second, info, peerKey)
	require.NoError(t, err)
	require.Equal(t, selfID, remote.PeerID)
	return c
}
