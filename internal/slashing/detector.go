package slashing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/checkpointbft/internal/eventlog"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

// EvidenceWriter persists emitted evidence.
type EvidenceWriter interface {
	WriteEvidence(ev *types.SlashingEvidence)
}

type voteKey struct {
	checkpoint uint64
	signer     types.PeerID
}

// Detector identifies validators that sign two different digests for the
// same checkpoint. It keeps the first vote seen per (signer, checkpoint) and
// compares every later vote against it.
//
// Evidence is emitted at most once per (offender, checkpoint), however many
// conflicting votes follow, and is never retracted: Prune only drops
// first-seen votes.
//
// Votes are expected to be verified by the caller.
type Detector struct {
	logger  log.Logger
	metrics *Metrics
	writer  EvidenceWriter
	now     func() time.Time

	mtx      sync.Mutex
	votes    map[voteKey]types.Vote
	reported map[voteKey]*types.SlashingEvidence
	seq      uint64
	evidence *eventlog.Log
}

// DetectorOption sets an optional parameter on the Detector.
type DetectorOption func(*Detector)

// WithEvidenceWriter persists every emitted evidence through w.
func WithEvidenceWriter(w EvidenceWriter) DetectorOption {
	return func(d *Detector) { d.writer = w }
}

// WithClock overrides the clock used to stamp evidence.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// WithEventLogMetrics sets the metrics of the evidence log.
func WithEventLogMetrics(m *eventlog.Metrics) DetectorOption {
	return func(d *Detector) { d.evidence = eventlog.New(m) }
}

// NewDetector returns an empty Detector.
func NewDetector(logger log.Logger, metrics *Metrics, options ...DetectorOption) *Detector {
	if metrics == nil {
		metrics = NopMetrics()
	}
	d := &Detector{
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		votes:    make(map[voteKey]types.Vote),
		reported: make(map[voteKey]*types.SlashingEvidence),
	}
	for _, opt := range options {
		opt(d)
	}
	if d.evidence == nil {
		d.evidence = eventlog.New(nil)
	}
	return d
}

// RecordVote records vote and returns evidence if it conflicts with the
// first vote seen from the same signer for the same checkpoint. It returns
// nil for a first vote, for a re-broadcast of the first vote, and for any
// conflict that was already reported.
func (d *Detector) RecordVote(vote types.Vote) *types.SlashingEvidence {
	key := voteKey{checkpoint: vote.Checkpoint, signer: vote.Signer}

	d.mtx.Lock()
	first, ok := d.votes[key]
	if !ok {
		d.votes[key] = vote
		d.metrics.VotesTracked.Set(float64(len(d.votes)))
		d.mtx.Unlock()
		return nil
	}
	if first.Digest == vote.Digest {
		d.mtx.Unlock()
		return nil
	}
	if _, ok := d.reported[key]; ok {
		d.mtx.Unlock()
		d.metrics.RepeatedConflicts.Add(1)
		return nil
	}

	ev, err := types.NewSlashingEvidence(first, vote, d.now())
	if err != nil {
		// the votes share signer and checkpoint and differ in digest
		panic(fmt.Sprintf("building evidence for conflicting votes: %v", err))
	}
	d.addLocked(key, ev)
	d.mtx.Unlock()

	d.metrics.EvidenceEmitted.Add(1)
	d.logger.Info("detected equivocation",
		"offender", ev.Offender,
		"checkpoint", ev.Checkpoint,
		"digest_a", ev.VoteA.Digest.ShortString(),
		"digest_b", ev.VoteB.Digest.ShortString())

	if d.writer != nil {
		d.writer.WriteEvidence(ev)
	}
	return ev
}

// caller must hold mtx
func (d *Detector) addLocked(key voteKey, ev *types.SlashingEvidence) {
	d.reported[key] = ev
	if err := d.evidence.Add(d.seq, ev); err != nil {
		panic(fmt.Sprintf("evidence log out of order: %v", err))
	}
	d.seq++
}

// Equivocated reports whether signer was caught double-signing checkpoint.
func (d *Detector) Equivocated(signer types.PeerID, checkpoint uint64) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	_, ok := d.reported[voteKey{checkpoint: checkpoint, signer: signer}]
	return ok
}

// Evidence returns the evidence reported against offender at checkpoint.
func (d *Detector) Evidence(offender types.PeerID, checkpoint uint64) (*types.SlashingEvidence, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	ev, ok := d.reported[voteKey{checkpoint: checkpoint, signer: offender}]
	return ev, ok
}

// EvidenceCount returns the number of evidence emitted or restored.
func (d *Detector) EvidenceCount() uint64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.seq
}

// RestoreEvidence loads previously persisted evidence, so that the same
// conflicts are not reported again. Restored evidence is not written back.
func (d *Detector) RestoreEvidence(evs []*types.SlashingEvidence) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	for _, ev := range evs {
		key := voteKey{checkpoint: ev.Checkpoint, signer: ev.Offender}
		if _, ok := d.reported[key]; ok {
			continue
		}
		d.addLocked(key, ev)
	}
}

// Prune drops the first-seen votes for checkpoints below cutoff and returns
// how many were dropped. Emitted evidence is kept.
func (d *Detector) Prune(cutoff uint64) int {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	pruned := 0
	for key := range d.votes {
		if key.checkpoint < cutoff {
			delete(d.votes, key)
			pruned++
		}
	}
	d.metrics.VotesTracked.Set(float64(len(d.votes)))
	return pruned
}

// NumVotes returns the number of first-seen votes currently held.
func (d *Detector) NumVotes() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.votes)
}

// Subscribe returns a cursor over emitted evidence, starting at the from-th
// piece of evidence (0-based, in emission order). Evidence restored at
// startup comes first, so positions survive restarts.
func (d *Detector) Subscribe(from uint64) *Subscription {
	return &Subscription{sub: d.evidence.Subscribe(from, nil)}
}

// Subscription is a restartable cursor over slashing evidence.
type Subscription struct {
	sub *eventlog.Subscription
}

// Next blocks until the next evidence is available or ctx ends.
func (s *Subscription) Next(ctx context.Context) (*types.SlashingEvidence, error) {
	itm, err := s.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return itm.Data.(*types.SlashingEvidence), nil
}

// Position returns the position to resume from.
func (s *Subscription) Position() uint64 { return s.sub.Position() }
