package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/internal/p2p/conn"
	"github.com/tendermint/checkpointbft/types"
)

const handshakeNonceSize = 16

// streamConnection implements Connection over any reliable byte stream, using
// length-prefixed frames that each carry one encoded envelope.
type streamConnection struct {
	fc       *conn.FramedConn
	verifier crypto.Verifier
	local    Endpoint
	remote   Endpoint
}

var _ Connection = (*streamConnection)(nil)

func newStreamConnection(nc net.Conn, verifier crypto.Verifier, local, remote Endpoint) *streamConnection {
	return &streamConnection{
		fc:       conn.NewFramedConn(nc),
		verifier: verifier,
		local:    local,
		remote:   remote,
	}
}

// Handshake implements Connection. The exchange has two rounds, each with
// both sides sending concurrently. First each side announces a signed
// Handshake carrying a fresh nonce. Then each side answers with a signed
// Handshake whose Challenge is the nonce it received. Only the answer is
// trusted: its sender must be derived from the announced public key, its
// signature must verify against it, and its Challenge must be our own nonce,
// so a recorded handshake cannot be replayed on another connection.
func (c *streamConnection) Handshake(
	ctx context.Context,
	timeout time.Duration,
	nodeInfo NodeInfo,
	privKey crypto.PrivKey,
) (NodeInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		info NodeInfo
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		info, err := c.exchangeHandshake(ctx, nodeInfo, privKey)
		resultCh <- result{info: info, err: err}
	}()

	select {
	case <-ctx.Done():
		// unblock the exchange goroutine
		_ = c.Close()
		<-resultCh
		return NodeInfo{}, ctx.Err()
	case res := <-resultCh:
		return res.info, res.err
	}
}

func (c *streamConnection) exchangeHandshake(ctx context.Context, nodeInfo NodeInfo, privKey crypto.PrivKey) (NodeInfo, error) {
	hs := &types.Handshake{
		PubKey:     privKey.PubKey().Bytes(),
		Network:    nodeInfo.Network,
		ListenAddr: nodeInfo.ListenAddr,
		Role:       nodeInfo.Role,
		Nonce:      crypto.CRandBytes(handshakeNonceSize),
	}
	announce, err := types.NewSignedMessage(privKey, hs)
	if err != nil {
		return NodeInfo{}, err
	}
	peerMsg, peerAnnounce, err := c.swapHandshake(ctx, announce)
	if err != nil {
		return NodeInfo{}, err
	}

	answer := *hs
	answer.Challenge = peerAnnounce.Nonce
	answerMsg, err := types.NewSignedMessage(privKey, &answer)
	if err != nil {
		return NodeInfo{}, err
	}
	peerAnswerMsg, peerAnswer, err := c.swapHandshake(ctx, answerMsg)
	if err != nil {
		return NodeInfo{}, err
	}

	if peerAnswerMsg.Sender != peerMsg.Sender {
		return NodeInfo{}, conn.ProtocolError{Err: fmt.Errorf("peer changed identity from %q to %q during handshake", peerMsg.Sender, peerAnswerMsg.Sender)}
	}
	if !bytes.Equal(peerAnswer.Challenge, hs.Nonce) {
		return NodeInfo{}, errors.New("handshake challenge does not match our nonce")
	}
	if id := types.PeerIDFromPubKeyBytes(peerAnswer.PubKey); id != peerAnswerMsg.Sender {
		return NodeInfo{}, fmt.Errorf("peer's public key did not match its ID %q (expected %q)", peerAnswerMsg.Sender, id)
	}
	if !peerAnswerMsg.VerifySignature(peerAnswer.PubKey, c.verifier) {
		return NodeInfo{}, errors.New("invalid handshake signature")
	}

	return NodeInfo{
		PeerID:     peerAnswerMsg.Sender,
		Network:    peerAnswer.Network,
		ListenAddr: peerAnswer.ListenAddr,
		Role:       peerAnswer.Role,
		PubKey:     peerAnswer.PubKey,
	}, nil
}

// swapHandshake sends msg while receiving the peer's handshake message.
func (c *streamConnection) swapHandshake(ctx context.Context, msg *types.Message) (*types.Message, *types.Handshake, error) {
	errCh := make(chan error, 1)
	go func() { errCh <- c.SendMessage(ctx, msg) }()

	peerMsg, err := c.ReceiveMessage(ctx)
	if err != nil {
		_ = c.Close()
		<-errCh
		return nil, nil, err
	}
	if err := <-errCh; err != nil {
		return nil, nil, err
	}

	if peerMsg.Kind != types.KindHandshake {
		return nil, nil, conn.ProtocolError{Err: fmt.Errorf("expected handshake, got %v", peerMsg.Kind)}
	}
	payload, err := peerMsg.DecodePayload()
	if err != nil {
		return nil, nil, conn.ProtocolError{Err: err}
	}
	return peerMsg, payload.(*types.Handshake), nil
}

// ReceiveMessage implements Connection.
func (c *streamConnection) ReceiveMessage(ctx context.Context) (*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frame, err := c.fc.ReadFrame()
	if err != nil {
		return nil, err
	}
	defer conn.ReleaseFrame(frame)

	msg, err := types.DecodeMessage(frame)
	if err != nil {
		return nil, conn.ProtocolError{Err: err}
	}
	return msg, nil
}

// SendMessage implements Connection.
func (c *streamConnection) SendMessage(ctx context.Context, msg *types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bz, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.fc.Conn().SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = c.fc.Conn().SetWriteDeadline(time.Time{}) }()
	}

	if err := c.fc.WriteFrame(bz); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return io.EOF
		}
		return err
	}
	return nil
}

// LocalEndpoint implements Connection.
func (c *streamConnection) LocalEndpoint() Endpoint { return c.local }

// RemoteEndpoint implements Connection.
func (c *streamConnection) RemoteEndpoint() Endpoint { return c.remote }

// Close implements Connection.
func (c *streamConnection) Close() error { return c.fc.Close() }

func (c *streamConnection) String() string {
	return fmt.Sprintf("conn{%v}", c.remote)
}

// endpointFromAddr converts a net.Addr into an Endpoint.
func endpointFromAddr(protocol Protocol, addr net.Addr) Endpoint {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return Endpoint{Protocol: protocol, IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
	}
	return Endpoint{Protocol: protocol, Path: addr.String()}
}
