package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/creachadair/atomicfile"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	tmbytes "github.com/tendermint/checkpointbft/libs/bytes"
	tmos "github.com/tendermint/checkpointbft/libs/os"
)

// NodeKey is the persistent peer key.
// It contains the nodes private key for authentication and vote signing.
type NodeKey struct {
	// Canonical ID - hex-encoded pubkey's address (PeerIDByteLength bytes)
	ID PeerID
	// Private key
	PrivKey ed25519.PrivKey
}

type nodeKeyJSON struct {
	ID      PeerID           `json:"id"`
	PrivKey tmbytes.HexBytes `json:"priv_key"`
}

func (nk NodeKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeKeyJSON{ID: nk.ID, PrivKey: tmbytes.HexBytes(nk.PrivKey)})
}

func (nk *NodeKey) UnmarshalJSON(data []byte) error {
	var raw nodeKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	privKey, err := ed25519.PrivKeyFromBytes(raw.PrivKey)
	if err != nil {
		return err
	}
	nk.PrivKey = privKey
	nk.ID = PeerIDFromPubKey(privKey.PubKey())
	if raw.ID != "" && raw.ID != nk.ID {
		return fmt.Errorf("node key ID %s does not match its private key (%s)", raw.ID, nk.ID)
	}
	return nil
}

// PubKey returns the peer's PubKey
func (nk NodeKey) PubKey() crypto.PubKey {
	return nk.PrivKey.PubKey()
}

// SaveAs persists the NodeKey to filePath. The file is replaced atomically.
func (nk NodeKey) SaveAs(filePath string) error {
	jsonBytes, err := json.MarshalIndent(nk, "", "  ")
	if err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(filePath, bytes.NewReader(jsonBytes), 0600)
	return err
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	if tmos.FileExists(filePath) {
		nodeKey, err := LoadNodeKey(filePath)
		if err != nil {
			return NodeKey{}, err
		}
		return nodeKey, nil
	}

	nodeKey := GenNodeKey()

	if err := nodeKey.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}

	return nodeKey, nil
}

// GenNodeKey generates a new node key.
func GenNodeKey() NodeKey {
	privKey := ed25519.GenPrivKey()
	return NodeKey{
		ID:      PeerIDFromPubKey(privKey.PubKey()),
		PrivKey: privKey,
	}
}

// NodeKeyFromSecret deterministically derives a node key, used by tests and
// local testnets.
func NodeKeyFromSecret(secret []byte) NodeKey {
	privKey := ed25519.GenPrivKeyFromSecret(secret)
	return NodeKey{
		ID:      PeerIDFromPubKey(privKey.PubKey()),
		PrivKey: privKey,
	}
}

// LoadNodeKey loads NodeKey located in filePath.
func LoadNodeKey(filePath string) (NodeKey, error) {
	jsonBytes, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	nodeKey := NodeKey{}
	if err := json.Unmarshal(jsonBytes, &nodeKey); err != nil {
		return NodeKey{}, fmt.Errorf("error reading node key from %v: %w", filePath, err)
	}
	return nodeKey, nil
}
