package finality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/internal/eventlog"
	"github.com/tendermint/checkpointbft/internal/slashing"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

var (
	// ErrConflictingCertificate is returned when a valid certificate has a
	// different digest than the one already certified for its checkpoint.
	// This is only possible if more than a third of the authority set
	// equivocated.
	ErrConflictingCertificate = errors.New("conflicting certificate")

	// ErrAuthoritySetNotIncreasing is returned by UpdateAuthoritySet when the
	// new set does not have a greater ID than the current one.
	ErrAuthoritySetNotIncreasing = errors.New("authority set id must increase")
)

// VoteResult is the outcome of AddVote.
type VoteResult int

const (
	// VoteRejected means the vote failed verification.
	VoteRejected VoteResult = iota
	// VoteAccepted means the vote was counted and its checkpoint is still
	// collecting.
	VoteAccepted
	// VoteCertified means the vote completed a quorum and a certificate
	// was formed.
	VoteCertified
	// VoteDuplicate means the signer already voted for this checkpoint.
	VoteDuplicate
	// VoteStale means the checkpoint is already finalized.
	VoteStale
	// VoteLate means the checkpoint is already certified but not yet
	// finalized.
	VoteLate
	// VoteEquivocation means the signer voted for another digest at the
	// same checkpoint; neither vote is counted.
	VoteEquivocation
)

func (r VoteResult) String() string {
	switch r {
	case VoteRejected:
		return "rejected"
	case VoteAccepted:
		return "accepted"
	case VoteCertified:
		return "certified"
	case VoteDuplicate:
		return "duplicate"
	case VoteStale:
		return "stale"
	case VoteLate:
		return "late"
	case VoteEquivocation:
		return "equivocation"
	default:
		return fmt.Sprintf("VoteResult(%d)", int(r))
	}
}

// CertificateResult is the outcome of AddCertificate.
type CertificateResult int

const (
	CertificateRejected CertificateResult = iota
	// CertificateImported means the certificate was new and is now
	// certified (and possibly finalized).
	CertificateImported
	// CertificateDuplicate means the same certificate was already known.
	CertificateDuplicate
	// CertificateStale means the checkpoint is already finalized.
	CertificateStale
)

func (r CertificateResult) String() string {
	switch r {
	case CertificateRejected:
		return "rejected"
	case CertificateImported:
		return "imported"
	case CertificateDuplicate:
		return "duplicate"
	case CertificateStale:
		return "stale"
	default:
		return fmt.Sprintf("CertificateResult(%d)", int(r))
	}
}

// Persister receives the state changes of the gadget. Calls are made while
// the gadget holds its lock and must not block.
type Persister interface {
	WriteVote(vote types.Vote)
	WriteCertificate(cert *types.Certificate)
	WriteFinalized(cert *types.Certificate)
	WriteAuthoritySet(vals *types.ValidatorSet)
}

// CertificateLoader fetches finalized certificates that are no longer held in
// memory. It returns the stored certificate with the lowest checkpoint at or
// above from, or nil if there is none.
type CertificateLoader func(from uint64) (*types.Certificate, error)

// Options configure a Gadget.
type Options struct {
	// Genesis is the initial last finalized checkpoint. The first checkpoint
	// that can be finalized is Genesis+1.
	Genesis uint64

	// CertificateCacheSize bounds the finalized certificates kept in memory
	// for subscribers.
	CertificateCacheSize int
}

// GadgetOption sets an optional parameter on the Gadget.
type GadgetOption func(*Gadget)

// WithPersister sets where state changes are written.
func WithPersister(p Persister) GadgetOption {
	return func(g *Gadget) { g.persister = p }
}

// WithCertificateLoader lets subscriptions read pruned certificates back.
func WithCertificateLoader(l CertificateLoader) GadgetOption {
	return func(g *Gadget) { g.loader = l }
}

// WithClock overrides the gadget's clock.
func WithClock(now func() time.Time) GadgetOption {
	return func(g *Gadget) { g.now = now }
}

// Gadget is the checkpoint finality state machine. Every checkpoint above the
// last finalized one is either collecting votes or certified. A checkpoint
// becomes certified once 2f+1 members of the authority set sign the same
// digest, and certified checkpoints are finalized strictly in order: a
// certificate for N is buffered until N-1 is finalized.
//
// All methods are safe for concurrent use.
type Gadget struct {
	logger    log.Logger
	metrics   *Metrics
	verifier  crypto.Verifier
	detector  *slashing.Detector
	persister Persister
	loader    CertificateLoader
	now       func() time.Time
	cacheSize int

	mtx           sync.Mutex
	vals          *types.ValidatorSet
	lastFinalized uint64
	rounds        map[uint64]*round
	certified     map[uint64]*types.Certificate
	maxCertified  uint64
	finalized     *eventlog.Log
	stats         Stats
	quorumTime    time.Duration
}

// NewGadget creates a gadget for the authority set vals, starting at
// opts.Genesis. Votes are verified with verifier and tapped into detector.
func NewGadget(
	logger log.Logger,
	metrics *Metrics,
	vals *types.ValidatorSet,
	verifier crypto.Verifier,
	detector *slashing.Detector,
	opts Options,
	options ...GadgetOption,
) *Gadget {
	if metrics == nil {
		metrics = NopMetrics()
	}
	if opts.CertificateCacheSize <= 0 {
		opts.CertificateCacheSize = 1000
	}

	g := &Gadget{
		logger:        logger,
		metrics:       metrics,
		verifier:      verifier,
		detector:      detector,
		now:           time.Now,
		cacheSize:     opts.CertificateCacheSize,
		vals:          vals,
		lastFinalized: opts.Genesis,
		maxCertified:  opts.Genesis,
		rounds:        make(map[uint64]*round),
		certified:     make(map[uint64]*types.Certificate),
		finalized:     eventlog.New(nil),
	}
	for _, opt := range options {
		opt(g)
	}
	g.metrics.LastFinalized.Set(float64(g.lastFinalized))
	return g
}

// AddVote verifies vote and counts it towards its checkpoint. Equivocation
// is reported through the detector, and excludes the signer from the
// checkpoint's quorum. A vote for a finalized checkpoint is counted as
// stale, which is not an error.
func (g *Gadget) AddVote(vote types.Vote) (VoteResult, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if err := g.verifyVoteLocked(vote); err != nil {
		g.metrics.VotesRejected.Add(1)
		return VoteRejected, err
	}
	return g.addVoteLocked(vote, true), nil
}

// caller must hold mtx
func (g *Gadget) verifyVoteLocked(vote types.Vote) error {
	if err := vote.ValidateBasic(); err != nil {
		return err
	}
	return vote.Verify(g.vals, g.verifier)
}

// persistVote is false for votes replayed from the store.
//
// caller must hold mtx
func (g *Gadget) addVoteLocked(vote types.Vote, persistVote bool) VoteResult {
	ev := g.detector.RecordVote(vote)
	if ev != nil {
		g.stats.Equivocations++
		g.metrics.Equivocations.Add(1)
	}

	n := vote.Checkpoint
	if n <= g.lastFinalized {
		g.stats.StaleVotes++
		g.metrics.StaleVotes.Add(1)
		return VoteStale
	}

	if _, ok := g.certified[n]; ok {
		if ev != nil {
			return VoteEquivocation
		}
		return VoteLate
	}

	r, ok := g.rounds[n]
	if !ok {
		r = newRound(n, g.now())
		g.rounds[n] = r
		g.metrics.CollectingRounds.Set(float64(len(g.rounds)))
	}

	if ev != nil || r.isExcluded(vote.Signer) || g.detector.Equivocated(vote.Signer, n) {
		r.exclude(vote.Signer)
		return VoteEquivocation
	}

	count, added := r.add(vote)
	if !added {
		return VoteDuplicate
	}

	g.stats.VotesAccepted++
	g.metrics.VotesAccepted.Add(1)
	if persistVote && g.persister != nil {
		g.persister.WriteVote(vote)
	}

	if count < g.vals.QuorumThreshold() {
		g.logger.Debug("added vote",
			"checkpoint", n,
			"signer", vote.Signer,
			"votes", count,
			"quorum", g.vals.QuorumThreshold())
		return VoteAccepted
	}

	cert, err := types.NewCertificate(r.votesFor(vote.Digest))
	if err != nil {
		// every vote in the round shares checkpoint and set
		panic(fmt.Sprintf("forming certificate for checkpoint %d: %v", n, err))
	}

	latency := g.now().Sub(r.started)
	g.quorumTime += latency
	g.stats.CertificatesFormed++
	g.stats.AverageQuorumTime = g.quorumTime / time.Duration(g.stats.CertificatesFormed)
	g.metrics.CertificatesFormed.Add(1)
	g.metrics.QuorumLatency.Observe(latency.Seconds())

	g.logger.Info("formed certificate",
		"checkpoint", n,
		"digest", cert.Digest.ShortString(),
		"signatures", len(cert.Signatures),
		"latency", latency)

	g.certifyLocked(cert)
	return VoteCertified
}

// AddCertificate verifies cert against the authority set and imports it. The
// votes it aggregates are tapped into the detector.
func (g *Gadget) AddCertificate(cert *types.Certificate) (CertificateResult, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if err := cert.Verify(g.vals, g.verifier); err != nil {
		return CertificateRejected, err
	}
	return g.addCertificateLocked(cert)
}

// caller must hold mtx
func (g *Gadget) addCertificateLocked(cert *types.Certificate) (CertificateResult, error) {
	for _, vote := range cert.Votes() {
		if ev := g.detector.RecordVote(vote); ev != nil {
			g.stats.Equivocations++
			g.metrics.Equivocations.Add(1)
		}
	}

	n := cert.Checkpoint
	if n <= g.lastFinalized {
		if known, ok := g.finalized.Get(n); ok {
			if known.(*types.Certificate).Digest == cert.Digest {
				return CertificateDuplicate, nil
			}
			g.logger.Error("received certificate conflicting with finalized checkpoint",
				"checkpoint", n,
				"finalized", known.(*types.Certificate).Digest.ShortString(),
				"received", cert.Digest.ShortString())
			return CertificateRejected, fmt.Errorf("%w: checkpoint %d is finalized", ErrConflictingCertificate, n)
		}
		return CertificateStale, nil
	}

	if known, ok := g.certified[n]; ok {
		if known.Digest == cert.Digest {
			return CertificateDuplicate, nil
		}
		g.logger.Error("received certificate conflicting with certified checkpoint",
			"checkpoint", n,
			"certified", known.Digest.ShortString(),
			"received", cert.Digest.ShortString())
		return CertificateRejected, fmt.Errorf("%w: checkpoint %d is certified", ErrConflictingCertificate, n)
	}

	g.stats.CertificatesImported++
	g.metrics.CertificatesImported.Add(1)
	g.logger.Info("imported certificate",
		"checkpoint", n,
		"digest", cert.Digest.ShortString(),
		"signatures", len(cert.Signatures))

	g.certifyLocked(cert)
	return CertificateImported, nil
}

// certifyLocked marks cert's checkpoint certified and finalizes every
// contiguous certified checkpoint above the last finalized one.
//
// caller must hold mtx
func (g *Gadget) certifyLocked(cert *types.Certificate) {
	n := cert.Checkpoint
	delete(g.rounds, n)
	g.certified[n] = cert
	if n > g.maxCertified {
		g.maxCertified = n
	}
	if g.persister != nil {
		g.persister.WriteCertificate(cert)
	}

	for g.lastFinalized < ^uint64(0) {
		next, ok := g.certified[g.lastFinalized+1]
		if !ok {
			break
		}
		g.finalizeLocked(next)
	}

	if n > g.lastFinalized+1 {
		g.logger.Info("buffered certificate until preceding checkpoints finalize",
			"checkpoint", n,
			"last_finalized", g.lastFinalized)
	}

	g.metrics.CollectingRounds.Set(float64(len(g.rounds)))
	g.metrics.FinalityLag.Set(float64(g.lagLocked()))
}

// caller must hold mtx
func (g *Gadget) finalizeLocked(cert *types.Certificate) {
	n := cert.Checkpoint
	delete(g.certified, n)
	g.lastFinalized = n
	if err := g.finalized.Add(n, cert); err != nil {
		panic(fmt.Sprintf("finalized log out of order: %v", err))
	}
	if n >= uint64(g.cacheSize) {
		g.finalized.Prune(n - uint64(g.cacheSize) + 1)
	}
	if g.persister != nil {
		g.persister.WriteFinalized(cert)
	}

	g.metrics.LastFinalized.Set(float64(n))
	g.logger.Info("finalized checkpoint", "checkpoint", n, "digest", cert.Digest.ShortString())
}

// caller must hold mtx
func (g *Gadget) lagLocked() uint64 {
	if g.maxCertified <= g.lastFinalized {
		return 0
	}
	return g.maxCertified - g.lastFinalized
}

// LastFinalized returns the last finalized checkpoint.
func (g *Gadget) LastFinalized() uint64 {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.lastFinalized
}

// Certificate returns the certificate for checkpoint if it is certified or
// finalized and still held in memory.
func (g *Gadget) Certificate(checkpoint uint64) (*types.Certificate, bool) {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if cert, ok := g.certified[checkpoint]; ok {
		return cert, true
	}
	if cert, ok := g.finalized.Get(checkpoint); ok {
		return cert.(*types.Certificate), true
	}
	return nil, false
}

// IsCollecting reports whether checkpoint has received votes but no quorum.
func (g *Gadget) IsCollecting(checkpoint uint64) bool {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	_, ok := g.rounds[checkpoint]
	return ok
}

// AuthoritySet returns the current authority set.
func (g *Gadget) AuthoritySet() *types.ValidatorSet {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.vals
}

// UpdateAuthoritySet switches to vals. Its ID must be greater than the
// current one. Collecting rounds are discarded, since their votes were cast
// under the previous set; certified checkpoints are kept.
func (g *Gadget) UpdateAuthoritySet(vals *types.ValidatorSet) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if vals.ID <= g.vals.ID {
		return fmt.Errorf("%w: %d after %d", ErrAuthoritySetNotIncreasing, vals.ID, g.vals.ID)
	}

	g.logger.Info("updated authority set",
		"id", vals.ID,
		"validators", vals.Size(),
		"quorum", vals.QuorumThreshold(),
		"discarded_rounds", len(g.rounds))

	g.vals = vals
	g.rounds = make(map[uint64]*round)
	g.metrics.CollectingRounds.Set(0)
	if g.persister != nil {
		g.persister.WriteAuthoritySet(vals)
	}
	return nil
}

// Health grades the backlog of certified checkpoints waiting for a gap below
// them to be finalized.
func (g *Gadget) Health() Health {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return healthFromLag(g.lagLocked())
}

// Stats returns a snapshot of the gadget's counters.
func (g *Gadget) Stats() Stats {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	stats := g.stats
	stats.LastFinalized = g.lastFinalized
	stats.AuthoritySetID = g.vals.ID
	stats.CollectingRounds = len(g.rounds)
	stats.PendingCertificates = len(g.certified)
	return stats
}

// Prune drops collecting rounds and finalized certificates below cutoff, and
// the detector's first-seen votes with them. Cutoff is capped at the last
// finalized checkpoint, so rounds that can still finalize are kept.
func (g *Gadget) Prune(cutoff uint64) int {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if cutoff > g.lastFinalized {
		cutoff = g.lastFinalized
	}

	pruned := 0
	for n := range g.rounds {
		if n < cutoff {
			delete(g.rounds, n)
			pruned++
		}
	}
	pruned += g.finalized.Prune(cutoff)
	g.detector.Prune(cutoff)
	g.metrics.CollectingRounds.Set(float64(len(g.rounds)))
	return pruned
}

// SubscribeCertificates returns a cursor over finalized certificates,
// starting at checkpoint from. Certificates no longer held in memory are
// read through the certificate loader, if there is one.
func (g *Gadget) SubscribeCertificates(from uint64) *CertificateSubscription {
	var loader eventlog.Loader
	if g.loader != nil {
		loader = func(from uint64) (eventlog.Item, bool, error) {
			cert, err := g.loader(from)
			if err != nil || cert == nil {
				return eventlog.Item{}, false, err
			}
			return eventlog.Item{Index: cert.Checkpoint, Data: cert}, true, nil
		}
	}
	return &CertificateSubscription{sub: g.finalized.Subscribe(from, loader)}
}

// CertificateSubscription is a restartable cursor over finalized
// certificates, in checkpoint order.
type CertificateSubscription struct {
	sub *eventlog.Subscription
}

// Next blocks until the next finalized certificate is available or ctx
// ends.
func (s *CertificateSubscription) Next(ctx context.Context) (*types.Certificate, error) {
	itm, err := s.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return itm.Data.(*types.Certificate), nil
}

// Position returns the checkpoint to resume from.
func (s *CertificateSubscription) Position() uint64 { return s.sub.Position() }
