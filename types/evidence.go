package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/checkpointbft/crypto"
)

// SlashingEvidence proves that Offender signed two different digests for the
// same checkpoint. VoteA always carries the lexicographically smaller digest,
// so evidence built from the same pair is identical regardless of the order
// in which the votes were observed.
type SlashingEvidence struct {
	Offender   PeerID    `json:"offender"`
	Checkpoint uint64    `json:"checkpoint"`
	VoteA      Vote      `json:"vote_a"`
	VoteB      Vote      `json:"vote_b"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewSlashingEvidence orders the conflicting pair and builds the evidence. It
// errors if the votes do not conflict.
func NewSlashingEvidence(vote1, vote2 Vote, detectedAt time.Time) (*SlashingEvidence, error) {
	if !vote1.Conflicts(&vote2) {
		return nil, fmt.Errorf("votes %v and %v do not conflict", &vote1, &vote2)
	}

	voteA, voteB := vote1, vote2
	if bytes.Compare(vote1.Digest[:], vote2.Digest[:]) > 0 {
		voteA, voteB = vote2, vote1
	}

	return &SlashingEvidence{
		Offender:   vote1.Signer,
		Checkpoint: vote1.Checkpoint,
		VoteA:      voteA,
		VoteB:      voteB,
		DetectedAt: detectedAt.UTC(),
	}, nil
}

// Hash returns blake2b-256(offender || BE64(checkpoint) || digestA || digestB).
// DetectedAt is not covered, so two detections of the same pair hash equal.
func (ev *SlashingEvidence) Hash() Hash {
	var cp [8]byte
	binary.BigEndian.PutUint64(cp[:], ev.Checkpoint)

	var h Hash
	copy(h[:], crypto.ChecksumParts([]byte(ev.Offender), cp[:], ev.VoteA.Digest[:], ev.VoteB.Digest[:]))
	return h
}

// Equivalent reports whether two pieces of evidence describe the same
// conflicting pair, ignoring detection time.
func (ev *SlashingEvidence) Equivalent(other *SlashingEvidence) bool {
	if ev == nil || other == nil {
		return ev == other
	}
	return ev.Offender == other.Offender &&
		ev.Checkpoint == other.Checkpoint &&
		ev.VoteA.Digest == other.VoteA.Digest &&
		ev.VoteB.Digest == other.VoteB.Digest &&
		bytes.Equal(ev.VoteA.Signature, other.VoteA.Signature) &&
		bytes.Equal(ev.VoteB.Signature, other.VoteB.Signature)
}

// ValidateBasic performs stateless validation.
func (ev *SlashingEvidence) ValidateBasic() error {
	if err := ev.VoteA.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid VoteA: %w", err)
	}
	if err := ev.VoteB.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid VoteB: %w", err)
	}
	if !ev.VoteA.Conflicts(&ev.VoteB) {
		return errors.New("votes do not conflict")
	}
	if ev.VoteA.Signer != ev.Offender || ev.Checkpoint != ev.VoteA.Checkpoint {
		return errors.New("evidence does not match its votes")
	}
	if bytes.Compare(ev.VoteA.Digest[:], ev.VoteB.Digest[:]) >= 0 {
		return errors.New("evidence votes are not ordered by digest")
	}
	return nil
}

// Verify checks both signatures against the offender's key in vals.
func (ev *SlashingEvidence) Verify(vals *ValidatorSet, verifier crypto.Verifier) error {
	if err := ev.ValidateBasic(); err != nil {
		return err
	}
	if err := ev.VoteA.Verify(vals, verifier); err != nil {
		return fmt.Errorf("verifying VoteA: %w", err)
	}
	if err := ev.VoteB.Verify(vals, verifier); err != nil {
		return fmt.Errorf("verifying VoteB: %w", err)
	}
	return nil
}

func (ev *SlashingEvidence) String() string {
	return fmt.Sprintf("SlashingEvidence{offender:%s checkpoint:%d %s/%s}",
		ev.Offender.ShortString(), ev.Checkpoint, ev.VoteA.Digest.ShortString(), ev.VoteB.Digest.ShortString())
}
