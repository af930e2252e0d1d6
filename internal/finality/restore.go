package finality

import (
	"fmt"

	"github.com/tendermint/checkpointbft/types"
)

// RestoreFinalized re-establishes lastFinalized from persisted state, along
// with the most recent finalized certificates in ascending order. It must be
// called before any network input is accepted.
func (g *Gadget) RestoreFinalized(lastFinalized uint64, recent []*types.Certificate) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if lastFinalized < g.lastFinalized {
		return fmt.Errorf("persisted last finalized checkpoint %d is below genesis %d", lastFinalized, g.lastFinalized)
	}

	for _, cert := range recent {
		if cert.Checkpoint > lastFinalized {
			return fmt.Errorf("certificate %d is above last finalized checkpoint %d", cert.Checkpoint, lastFinalized)
		}
		for _, vote := range cert.Votes() {
			g.detector.RecordVote(vote)
		}
		if newest, ok := g.finalized.Newest(); ok && cert.Checkpoint <= newest {
			continue
		}
		if err := g.finalized.Add(cert.Checkpoint, cert); err != nil {
			return err
		}
	}

	g.lastFinalized = lastFinalized
	if g.maxCertified < lastFinalized {
		g.maxCertified = lastFinalized
	}
	for n := range g.rounds {
		if n <= lastFinalized {
			delete(g.rounds, n)
		}
	}
	g.metrics.LastFinalized.Set(float64(lastFinalized))
	g.logger.Info("restored finality state", "last_finalized", lastFinalized, "certificates", len(recent))
	return nil
}

// RestoreCertificate imports a persisted certificate above the last
// finalized checkpoint.
func (g *Gadget) RestoreCertificate(cert *types.Certificate) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if err := cert.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid persisted certificate %d: %w", cert.Checkpoint, err)
	}
	if _, err := g.addCertificateLocked(cert); err != nil {
		return err
	}
	return nil
}

// RestoreVote replays a persisted vote. Votes that do not verify against the
// current authority set are skipped.
func (g *Gadget) RestoreVote(vote types.Vote) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if err := g.verifyVoteLocked(vote); err != nil {
		g.logger.Debug("skipping persisted vote", "vote", &vote, "err", err)
		return nil
	}
	g.addVoteLocked(vote, false)
	return nil
}
