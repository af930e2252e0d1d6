package types

import (
	"fmt"
	"testing"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
)

// DeterministicValidatorSet returns a validator set of n validators with
// reproducible keys, and the private keys indexed by validator ID.
func DeterministicValidatorSet(t testing.TB, setID uint64, n int) (*ValidatorSet, map[PeerID]crypto.PrivKey) {
	t.Helper()

	privKeys := make(map[PeerID]crypto.PrivKey, n)
	vals := make([]Validator, 0, n)
	for i := 0; i < n; i++ {
		pk := ed25519.GenPrivKeyFromSecret([]byte(fmt.Sprintf("validator-%d", i)))
		val := NewValidator(pk.PubKey())
		vals = append(vals, val)
		privKeys[val.ID] = pk
	}

	valSet, err := NewValidatorSet(setID, vals)
	if err != nil {
		t.Fatalf("failed to create validator set: %v", err)
	}
	return valSet, privKeys
}

// MakeVote signs a vote for digest at checkpoint with privKey.
func MakeVote(t testing.TB, privKey crypto.PrivKey, checkpoint, setID uint64, digest Hash) Vote {
	t.Helper()

	vote, err := NewSignedVote(privKey, checkpoint, setID, digest)
	if err != nil {
		t.Fatalf("failed to sign vote: %v", err)
	}
	return vote
}

// DigestFor returns a deterministic non-zero digest for use in tests.
func DigestFor(label string) Hash {
	return HashOf([]byte(label))
}
