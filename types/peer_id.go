package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tendermint/checkpointbft/crypto"
)

// PeerIDByteLength is the length of a crypto.Address. Currently 20.
const PeerIDByteLength = crypto.AddressSize

// rePeerID is a regexp for valid peer IDs.
var rePeerID = regexp.MustCompile(`^[0-9a-f]{40}$`)

// PeerID is a hex-encoded crypto.Address. It must be lowercased
// (for uniqueness) and of length 2*PeerIDByteLength. A PeerID is stable for
// the lifetime of a key pair; the network address it is reachable on is not.
type PeerID string

// NewPeerID returns a lowercased (normalized) PeerID, or errors if the
// peer ID is invalid.
func NewPeerID(peerID string) (PeerID, error) {
	n := PeerID(strings.ToLower(peerID))
	return n, n.Validate()
}

// PeerIDFromPubKey creates a peer ID from a given PubKey address.
func PeerIDFromPubKey(pubKey crypto.PubKey) PeerID {
	return PeerID(hex.EncodeToString(pubKey.Address()))
}

// PeerIDFromPubKeyBytes derives the peer ID from raw public key bytes.
func PeerIDFromPubKeyBytes(pubKey []byte) PeerID {
	return PeerID(hex.EncodeToString(crypto.AddressHash(pubKey)))
}

// Bytes converts the peer ID to its binary byte representation.
func (id PeerID) Bytes() ([]byte, error) {
	bz, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("invalid peer ID encoding: %w", err)
	}
	return bz, nil
}

// Validate validates the PeerID.
func (id PeerID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty peer ID")

	case len(id) != 2*PeerIDByteLength:
		return fmt.Errorf("invalid peer ID length %d, expected %d", len(id), 2*PeerIDByteLength)

	case !rePeerID.MatchString(string(id)):
		return fmt.Errorf("peer ID can only contain lowercased hex digits")

	default:
		return nil
	}
}

// ShortString returns the first 12 characters of the ID, used in logs.
func (id PeerID) ShortString() string {
	if len(id) < 12 {
		return string(id)
	}
	return string(id[:12])
}
