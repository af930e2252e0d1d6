package p2p_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

// handshakePair dials b from a and handshakes both sides concurrently.
func handshakePair(
	ctx context.Context,
	t *testing.T,
	a, b p2p.Transport,
	aInfo, bInfo p2p.NodeInfo,
) (p2p.Connection, p2p.Connection, p2p.NodeInfo, p2p.NodeInfo, error, error) {
	t.Helper()

	acceptCh := make(chan p2p.Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := b.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	dialConn, err := a.Dial(ctx, b.Endpoints()[0])
	require.NoError(t, err)

	var acceptConn p2p.Connection
	select {
	case acceptConn = <-acceptCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}

	type result struct {
		info p2p.NodeInfo
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		info, err := acceptConn.Handshake(ctx, time.Second, bInfo, peerKey)
		resultCh <- result{info, err}
	}()
	aPeer, aErr := dialConn.Handshake(ctx, time.Second, aInfo, selfKey)
	res := <-resultCh

	return dialConn, acceptConn, aPeer, res.info, aErr, res.err
}

func TestMemoryTransport_Handshake(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	network := p2p.NewMemoryNetwork(log.NewNopLogger(), ed25519.Verifier{})
	a := network.CreateTransport(selfID)
	b := network.CreateTransport(peerID)
	defer a.Close()
	defer b.Close()
	require.Equal(t, 2, network.Size())

	dialConn, acceptConn, aPeer, bPeer, aErr, bErr := handshakePair(ctx, t, a, b, selfInfo, peerInfo)
	defer dialConn.Close()
	defer acceptConn.Close()
	require.NoError(t, aErr)
	require.NoError(t, bErr)
	expectPeer, expectSelf := peerInfo, selfInfo
	expectPeer.PubKey = peerKey.PubKey().Bytes()
	expectSelf.PubKey = selfKey.PubKey().Bytes()
	require.Equal(t, expectPeer, aPeer)
	require.Equal(t, expectSelf, bPeer)

	// messages flow in both directions after the handshake
	msg, err := types.NewSignedMessage(selfKey, &types.Gossip{ID: "1", Data: []byte("hello")})
	require.NoError(t, err)

	go func() { _ = dialConn.SendMessage(ctx, msg) }()
	received, err := acceptConn.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, msg, received)
	require.True(t, received.VerifySignature(selfKey.PubKey().Bytes(), ed25519.Verifier{}))
}

func TestMemoryTransport_HandshakeRejectsForgedSignature(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a verifier that rejects every signature makes every handshake fail
	network := p2p.NewMemoryNetwork(log.NewNopLogger(), crypto.VerifierFunc(func(_, _, _ []byte) bool { return false }))
	a := network.CreateTransport(selfID)
	b := network.CreateTransport(peerID)
	defer a.Close()
	defer b.Close()

	dialConn, acceptConn, _, _, aErr, bErr := handshakePair(ctx, t, a, b, selfInfo, peerInfo)
	defer dialConn.Close()
	defer acceptConn.Close()
	require.Error(t, aErr)
	require.Error(t, bErr)
}

// selfHandshake signs a handshake as selfKey.
func selfHandshake(t *testing.T, nonce, challenge []byte) *types.Message {
	t.Helper()
	msg, err := types.NewSignedMessage(selfKey, &types.Handshake{
		PubKey:    selfKey.PubKey().Bytes(),
		Network:   selfInfo.Network,
		Role:      selfInfo.Role,
		Nonce:     nonce,
		Challenge: challenge,
	})
	require.NoError(t, err)
	return msg
}

func TestMemoryTransport_HandshakeRejectsReplay(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	network := p2p.NewMemoryNetwork(log.NewNopLogger(), ed25519.Verifier{})
	a := network.CreateTransport(selfID)
	b := network.CreateTransport(peerID)
	defer a.Close()
	defer b.Close()

	// Complete an honest handshake with b by hand, recording what b sends.
	acceptErr := make(chan error, 1)
	go func() {
		c, err := b.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		defer c.Close()
		_, err = c.Handshake(ctx, time.Second, peerInfo, peerKey)
		acceptErr <- err
	}()

	c, err := a.Dial(ctx, b.Endpoints()[0])
	require.NoError(t, err)
	defer c.Close()

	nonce := []byte("self-nonce-00001")
	recorded := make([]*types.Message, 0, 2)

	require.NoError(t, c.SendMessage(ctx, selfHandshake(t, nonce, nil)))
	announce, err := c.ReceiveMessage(ctx)
	require.NoError(t, err)
	recorded = append(recorded, announce)
	payload, err := announce.DecodePayload()
	require.NoError(t, err)
	peerNonce := payload.(*types.Handshake).Nonce

	require.NoError(t, c.SendMessage(ctx, selfHandshake(t, nonce, peerNonce)))
	answer, err := c.ReceiveMessage(ctx)
	require.NoError(t, err)
	recorded = append(recorded, answer)
	require.NoError(t, <-acceptErr)

	payload, err = answer.DecodePayload()
	require.NoError(t, err)
	require.Equal(t, nonce, payload.(*types.Handshake).Challenge)

	// Replaying b's messages to a fresh handshake with a must fail: a picks a
	// new nonce, which the recorded answer does not cover.
	handshakeErr := make(chan error, 1)
	go func() {
		c, err := a.Accept(ctx)
		if err != nil {
			handshakeErr <- err
			return
		}
		defer c.Close()
		_, err = c.Handshake(ctx, time.Second, selfInfo, selfKey)
		handshakeErr <- err
	}()

	replay, err := b.Dial(ctx, a.Endpoints()[0])
	require.NoError(t, err)
	defer replay.Close()

	require.NoError(t, replay.SendMessage(ctx, recorded[0]))
	_, err = replay.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.NoError(t, replay.SendMessage(ctx, recorded[1]))
	_, _ = replay.ReceiveMessage(ctx)

	err = <-handshakeErr
	require.Error(t, err)
	require.Contains(t, err.Error(), "challenge")
}

func TestMemoryTransport_DialUnknownPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	network := p2p.NewMemoryNetwork(log.NewNopLogger(), ed25519.Verifier{})
	a := network.CreateTransport(selfID)
	defer a.Close()

	_, err := a.Dial(ctx, p2p.Endpoint{Protocol: p2p.MemoryProtocol, Path: string(peerID)})
	require.Error(t, err)

	_, err = a.Dial(ctx, p2p.Endpoint{Protocol: p2p.TCPProtocol, Path: string(peerID)})
	require.Error(t, err)

	require.NoError(t, a.Close())
	require.Empty(t, a.Endpoints())
	require.Equal(t, 0, network.Size())
}

func TestTCPTransport_Handshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	newTransport := func() *p2p.TCPTransport {
		transport := p2p.NewTCPTransport(log.NewNopLogger(), ed25519.Verifier{}, p2p.TCPTransportOptions{})
		require.NoError(t, transport.Listen(p2p.Endpoint{
			Protocol: p2p.TCPProtocol,
			IP:       []byte{127, 0, 0, 1},
		}))
		return transport
	}
	a := newTransport()
	b := newTransport()
	defer a.Close()
	defer b.Close()

	endpoints := b.Endpoints()
	require.Len(t, endpoints, 1)
	require.NotZero(t, endpoints[0].Port)

	dialConn, acceptConn, aPeer, bPeer, aErr, bErr := handshakePair(ctx, t, a, b, selfInfo, peerInfo)
	defer dialConn.Close()
	defer acceptConn.Close()
	require.NoError(t, aErr)
	require.NoError(t, bErr)
	require.Equal(t, peerID, aPeer.PeerID)
	require.Equal(t, selfID, bPeer.PeerID)

	msg, err := types.NewSignedMessage(peerKey, &types.Ping{Nonce: 42})
	require.NoError(t, err)
	require.NoError(t, acceptConn.SendMessage(ctx, msg))

	received, err := dialConn.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, msg.Digest(), received.Digest())

	payload, err := received.DecodePayload()
	require.NoError(t, err)
	require.Equal(t, &types.Ping{Nonce: 42}, payload)
}

func TestEndpoint_NewEndpoint(t *testing.T) {
	endpoint, err := p2p.NewEndpoint("tcp://127.0.0.1:26656")
	require.NoError(t, err)
	require.Equal(t, p2p.TCPProtocol, endpoint.Protocol)
	require.EqualValues(t, 26656, endpoint.Port)
	require.Equal(t, "127.0.0.1", endpoint.IP.String())

	_, err = p2p.NewEndpoint("127.0.0.1")
	require.Error(t, err)
}

func TestNodeInfo_CompatibleWith(t *testing.T) {
	require.NoError(t, selfInfo.CompatibleWith(peerInfo))

	other := peerInfo
	other.Network = "other"
	require.Error(t, selfInfo.CompatibleWith(other))

	invalid := peerInfo
	invalid.Role = "observer"
	require.Error(t, invalid.Validate())
}
