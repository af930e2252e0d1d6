package p2p

import (
	"errors"
	"fmt"

	"github.com/tendermint/checkpointbft/internal/p2p/conn"
	"github.com/tendermint/checkpointbft/types"
)

var (
	// ErrBufferFull is returned by Send when the peer's outbound queue is full.
	ErrBufferFull = errors.New("peer send buffer is full")
	// ErrPeerNotConnected is returned when sending to a peer that has no
	// connection.
	ErrPeerNotConnected = errors.New("peer is not connected")
	// ErrPeerIsolated is returned when connecting to a peer whose reputation
	// fell below the isolation threshold.
	ErrPeerIsolated = errors.New("peer is isolated")

	errPeerTimeout = errors.New("peer timed out")
)

// ProtocolError is a wire protocol violation by a peer. See conn.ProtocolError.
type ProtocolError = conn.ProtocolError

// TransportError is a connect, read or write failure towards a peer. Dial
// failures are retried with backoff before the peer is marked unreachable.
type TransportError struct {
	PeerID  types.PeerID
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error with peer %v at %q: %v", e.PeerID, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PeerSendError is the failure to enqueue a broadcast message for one peer.
type PeerSendError struct {
	PeerID types.PeerID
	Err    error
}

func (e *PeerSendError) Error() string {
	return fmt.Sprintf("peer %v: %v", e.PeerID, e.Err)
}

func (e *PeerSendError) Unwrap() error { return e.Err }
