package types

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
)

var (
	ErrVoteInvalidSigner    = errors.New("invalid signer")
	ErrVoteInvalidSignature = errors.New("invalid signature")
	ErrVoteInvalidDigest    = errors.New("invalid digest")
	ErrVoteUnknownSigner    = errors.New("signer is not in the authority set")
	ErrVoteWrongSet         = errors.New("vote authority set does not match")
)

// voteSignPrefix is the domain separator of vote sign bytes.
const voteSignPrefix = "checkpoint-vote"

// Vote is a validator's signature over the digest of a checkpoint.
// At most one digest per (Signer, Checkpoint) is accepted; a second vote
// with a different digest is equivocation.
type Vote struct {
	Checkpoint     uint64 `json:"checkpoint"`
	AuthoritySetID uint64 `json:"authority_set_id"`
	Signer         PeerID `json:"signer"`
	Digest         Hash   `json:"digest"`
	Signature      []byte `json:"signature"`
}

// VoteSignBytes returns the bytes a validator signs for a checkpoint vote:
//
//	"checkpoint-vote" || BE64(checkpoint) || BE64(authority set id) || digest
func VoteSignBytes(checkpoint, setID uint64, digest Hash) []byte {
	n := len(voteSignPrefix)
	bz := make([]byte, n+16+len(digest))
	copy(bz, voteSignPrefix)
	binary.BigEndian.PutUint64(bz[n:], checkpoint)
	binary.BigEndian.PutUint64(bz[n+8:], setID)
	copy(bz[n+16:], digest[:])
	return bz
}

// SignBytes returns the bytes covered by the vote signature.
func (vote *Vote) SignBytes() []byte {
	return VoteSignBytes(vote.Checkpoint, vote.AuthoritySetID, vote.Digest)
}

// NewSignedVote creates a vote for digest at checkpoint signed with privKey.
func NewSignedVote(privKey crypto.PrivKey, checkpoint, setID uint64, digest Hash) (Vote, error) {
	vote := Vote{
		Checkpoint:     checkpoint,
		AuthoritySetID: setID,
		Signer:         PeerIDFromPubKey(privKey.PubKey()),
		Digest:         digest,
	}
	sig, err := privKey.Sign(vote.SignBytes())
	if err != nil {
		return Vote{}, fmt.Errorf("failed to sign vote: %w", err)
	}
	vote.Signature = sig
	return vote, nil
}

// ValidateBasic performs basic validation.
func (vote *Vote) ValidateBasic() error {
	if err := vote.Signer.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrVoteInvalidSigner, err)
	}
	if vote.Digest.IsZero() {
		return ErrVoteInvalidDigest
	}
	if len(vote.Signature) == 0 {
		return fmt.Errorf("%w: signature is missing", ErrVoteInvalidSignature)
	}
	if len(vote.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: wrong signature size %d", ErrVoteInvalidSignature, len(vote.Signature))
	}
	return nil
}

// Verify checks the vote against an authority set: the set ID must match, the
// signer must be a member and the signature must be valid for its key.
func (vote *Vote) Verify(vals *ValidatorSet, verifier crypto.Verifier) error {
	if vote.AuthoritySetID != vals.ID {
		return fmt.Errorf("%w: got %d, expected %d", ErrVoteWrongSet, vote.AuthoritySetID, vals.ID)
	}
	val, ok := vals.GetByID(vote.Signer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrVoteUnknownSigner, vote.Signer)
	}
	if !verifier.Verify(val.PubKey, vote.SignBytes(), vote.Signature) {
		return ErrVoteInvalidSignature
	}
	return nil
}

// Conflicts reports whether other is a different vote by the same signer at
// the same checkpoint.
func (vote *Vote) Conflicts(other *Vote) bool {
	return vote.Signer == other.Signer &&
		vote.Checkpoint == other.Checkpoint &&
		vote.Digest != other.Digest
}

// String returns a string representation of the Vote.
//
// 1. checkpoint number
// 2. signer short ID
// 3. digest prefix
// 4. authority set ID
func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	return fmt.Sprintf("Vote{%d %s %s set:%d}",
		vote.Checkpoint, vote.Signer.ShortString(), vote.Digest.ShortString(), vote.AuthoritySetID)
}

// MarshalZerologObject formats this object for logging purposes
func (vote *Vote) MarshalZerologObject(e *zerolog.Event) {
	if vote == nil {
		return
	}
	e.Uint64("checkpoint", vote.Checkpoint)
	e.Uint64("authority_set_id", vote.AuthoritySetID)
	e.Str("signer", string(vote.Signer))
	e.Str("digest", vote.Digest.ShortString())
}
