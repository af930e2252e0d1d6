package p2ptest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/types"
)

// GossipMessage returns a signed gossip message from privKey's owner.
func GossipMessage(t *testing.T, node *Node, id, data string) *types.Message {
	t.Helper()

	msg, err := types.NewSignedMessage(node.PrivKey, &types.Gossip{ID: id, Topic: "test", Data: []byte(data)})
	require.NoError(t, err)
	return msg
}

// RequireReceive requires that the router delivers an envelope matching the
// given sender and message digest within a second.
func RequireReceive(t *testing.T, router *p2p.Router, from types.PeerID, msg *types.Message) {
	t.Helper()

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case env := <-router.Inbound():
			if env.From == from && env.Message.Digest() == msg.Digest() {
				return
			}
		case <-timer.C:
			require.Fail(t, "timed out waiting for message", "from %v: %v", from, msg)
			return
		}
	}
}

// RequireEmpty requires that the router has no pending inbound envelopes.
func RequireEmpty(t *testing.T, router *p2p.Router) {
	t.Helper()

	select {
	case env := <-router.Inbound():
		require.Fail(t, "unexpected message", "from %v: %v", env.From, env.Message)
	case <-time.After(50 * time.Millisecond):
	}
}
