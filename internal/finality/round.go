package finality

import (
	"time"

	"github.com/tendermint/checkpointbft/types"
)

// round collects the votes for a single checkpoint until one digest reaches
// quorum. There is no timeout: a round without enough honest participation
// stays open until it is pruned or a certificate is imported.
type round struct {
	checkpoint uint64
	started    time.Time

	// accepted vote per signer
	votes map[types.PeerID]types.Vote
	// signers per digest
	byDigest map[types.Hash]int
	// signers caught equivocating, never counted again
	excluded map[types.PeerID]struct{}
}

func newRound(checkpoint uint64, now time.Time) *round {
	return &round{
		checkpoint: checkpoint,
		started:    now,
		votes:      make(map[types.PeerID]types.Vote),
		byDigest:   make(map[types.Hash]int),
		excluded:   make(map[types.PeerID]struct{}),
	}
}

// exclude removes signer's vote from the count.
func (r *round) exclude(signer types.PeerID) {
	if prev, ok := r.votes[signer]; ok {
		delete(r.votes, signer)
		r.byDigest[prev.Digest]--
		if r.byDigest[prev.Digest] == 0 {
			delete(r.byDigest, prev.Digest)
		}
	}
	r.excluded[signer] = struct{}{}
}

func (r *round) isExcluded(signer types.PeerID) bool {
	_, ok := r.excluded[signer]
	return ok
}

// add counts vote and returns the number of signers for its digest. ok is
// false if the signer already voted.
func (r *round) add(vote types.Vote) (count int, ok bool) {
	if _, exists := r.votes[vote.Signer]; exists {
		return r.byDigest[vote.Digest], false
	}
	r.votes[vote.Signer] = vote
	r.byDigest[vote.Digest]++
	return r.byDigest[vote.Digest], true
}

// votesFor returns the votes for digest.
func (r *round) votesFor(digest types.Hash) []types.Vote {
	votes := make([]types.Vote, 0, r.byDigest[digest])
	for _, v := range r.votes {
		if v.Digest == digest {
			votes = append(votes, v)
		}
	}
	return votes
}
