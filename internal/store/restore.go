package store

import (
	"fmt"

	"github.com/tendermint/checkpointbft/types"
)

// DefaultRestoreCertificates is the number of recent certificates replayed
// by Restore.
const DefaultRestoreCertificates = 100

// Restorer receives persisted state during Restore. It is implemented by the
// finality gadget.
type Restorer interface {
	// RestoreFinalized re-establishes lastFinalized together with the most
	// recent finalized certificates, in ascending order.
	RestoreFinalized(lastFinalized uint64, recent []*types.Certificate) error

	// RestoreCertificate imports a certificate above lastFinalized that was
	// persisted before the node stopped.
	RestoreCertificate(cert *types.Certificate) error

	// RestoreVote replays a retained vote into its collecting round.
	RestoreVote(vote types.Vote) error
}

// RestoreInfo summarizes what Restore replayed.
type RestoreInfo struct {
	LastFinalized uint64
	HasFinalized  bool
	Certificates  int
	Votes         int
}

// Restore replays persisted state into target. It loads last_finalized,
// replays the most recent n certificates up to it, then any certificates
// above it, then the retained votes above it. Metadata that disagrees with
// the certificate it was derived from yields ErrCorrupted.
func (s *Store) Restore(target Restorer, n int) (RestoreInfo, error) {
	var info RestoreInfo

	lastFinalized, digest, ok, err := s.LoadLastFinalized()
	if err != nil {
		return info, err
	}

	from := uint64(0)
	if ok {
		info.LastFinalized, info.HasFinalized = lastFinalized, true

		cert, err := s.LoadCertificate(lastFinalized)
		switch {
		case err != nil:
			return info, err
		case cert == nil:
			return info, fmt.Errorf("%w: no certificate for last finalized checkpoint %d", ErrCorrupted, lastFinalized)
		case cert.Digest != digest:
			return info, fmt.Errorf("%w: last finalized checkpoint %d has digest %v but its certificate has %v",
				ErrCorrupted, lastFinalized, digest.ShortString(), cert.Digest.ShortString())
		}

		if n < 1 {
			n = 1
		}
		recent, err := s.LoadRecentCertificates(lastFinalized, n)
		if err != nil {
			return info, err
		}
		if err := target.RestoreFinalized(lastFinalized, recent); err != nil {
			return info, fmt.Errorf("failed to restore finalized state: %w", err)
		}
		info.Certificates += len(recent)

		if lastFinalized == ^uint64(0) {
			return info, nil
		}
		from = lastFinalized + 1
	}

	pending, err := s.LoadCertificates(from, ^uint64(0), 0)
	if err != nil {
		return info, err
	}
	for _, cert := range pending {
		if err := target.RestoreCertificate(cert); err != nil {
			return info, fmt.Errorf("failed to restore certificate %d: %w", cert.Checkpoint, err)
		}
		info.Certificates++
	}

	votes, err := s.LoadVotesFrom(from)
	if err != nil {
		return info, err
	}
	for _, vote := range votes {
		if err := target.RestoreVote(vote); err != nil {
			return info, fmt.Errorf("failed to restore vote %v: %w", &vote, err)
		}
		info.Votes++
	}

	return info, nil
}
