package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/libs/service"
	"github.com/tendermint/checkpointbft/types"
)

// PersistenceError is returned when buffered writes could not be flushed.
// It is retryable: the writes stay buffered and are retried on the next
// flush.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PersistenceOptions configures a Persistence service.
type PersistenceOptions struct {
	// FlushInterval is how often buffered writes are flushed.
	FlushInterval time.Duration

	// PruneInterval is how often old checkpoints are pruned. Zero disables
	// pruning.
	PruneInterval time.Duration

	// Retention is the number of checkpoints kept below the last finalized
	// one.
	Retention uint64

	// DegradedThreshold is the number of consecutive failed flushes after
	// which persistence reports itself degraded.
	DegradedThreshold int

	// FlushAttempts bounds the write attempts within a single flush.
	FlushAttempts uint64
	FlushBackoff  time.Duration
}

// DefaultPersistenceOptions returns the default options.
func DefaultPersistenceOptions() PersistenceOptions {
	return PersistenceOptions{
		FlushInterval:     10 * time.Second,
		PruneInterval:     300 * time.Second,
		Retention:         1000,
		DegradedThreshold: 3,
		FlushAttempts:     3,
		FlushBackoff:      50 * time.Millisecond,
	}
}

// pendingWrites are the writes buffered since the last successful flush.
type pendingWrites struct {
	votes        []types.Vote
	certificates []*types.Certificate
	evidence     []*types.SlashingEvidence
	finalized    *types.Certificate
	authoritySet *types.ValidatorSet
}

func (w *pendingWrites) size() int {
	n := len(w.votes) + len(w.certificates) + len(w.evidence)
	if w.finalized != nil {
		n++
	}
	if w.authoritySet != nil {
		n++
	}
	return n
}

// merge folds newer writes on top of w. Records are immutable per key, so
// only the metadata needs to keep the most recent value.
func (w *pendingWrites) merge(newer *pendingWrites) {
	w.votes = append(w.votes, newer.votes...)
	w.certificates = append(w.certificates, newer.certificates...)
	w.evidence = append(w.evidence, newer.evidence...)
	if newer.finalized != nil && (w.finalized == nil || newer.finalized.Checkpoint > w.finalized.Checkpoint) {
		w.finalized = newer.finalized
	}
	if newer.authoritySet != nil && (w.authoritySet == nil || newer.authoritySet.ID > w.authoritySet.ID) {
		w.authoritySet = newer.authoritySet
	}
}

// Persistence is a write-behind buffer in front of a Store. Writes are
// accepted without blocking and flushed periodically; certificates trigger
// an immediate flush. A failed flush keeps the writes buffered, and
// DegradedThreshold consecutive failures put the service in degraded mode
// until a flush succeeds again. The in-memory state of the caller remains
// authoritative throughout.
type Persistence struct {
	*service.BaseService
	logger  log.Logger
	metrics *Metrics
	store   *Store
	opts    PersistenceOptions

	mtx                 sync.Mutex
	pending             pendingWrites
	consecutiveFailures int
	degraded            bool
	lastFinalized       uint64
	hasFinalized        bool

	// flushMtx serializes flushes.
	flushMtx sync.Mutex
	flushCh  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPersistence creates a new Persistence service in front of store.
func NewPersistence(logger log.Logger, metrics *Metrics, store *Store, opts PersistenceOptions) *Persistence {
	defaults := DefaultPersistenceOptions()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if opts.DegradedThreshold <= 0 {
		opts.DegradedThreshold = defaults.DegradedThreshold
	}
	if opts.FlushAttempts == 0 {
		opts.FlushAttempts = defaults.FlushAttempts
	}
	if opts.FlushBackoff <= 0 {
		opts.FlushBackoff = defaults.FlushBackoff
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	p := &Persistence{
		logger:  logger,
		metrics: metrics,
		store:   store,
		opts:    opts,
		flushCh: make(chan struct{}, 1),
	}
	p.BaseService = service.NewBaseService(logger, "persistence", p)
	return p
}

// Store returns the underlying store.
func (p *Persistence) Store() *Store { return p.store }

// WriteVote buffers a vote.
func (p *Persistence) WriteVote(vote types.Vote) {
	p.mtx.Lock()
	p.pending.votes = append(p.pending.votes, vote)
	p.updatePending()
	p.mtx.Unlock()
}

// WriteCertificate buffers a certificate and requests an immediate flush.
func (p *Persistence) WriteCertificate(cert *types.Certificate) {
	p.mtx.Lock()
	p.pending.certificates = append(p.pending.certificates, cert)
	p.updatePending()
	p.mtx.Unlock()

	p.requestFlush()
}

// WriteFinalized buffers cert as the new last finalized checkpoint.
func (p *Persistence) WriteFinalized(cert *types.Certificate) {
	p.mtx.Lock()
	p.pending.merge(&pendingWrites{finalized: cert})
	p.updatePending()
	p.mtx.Unlock()

	p.requestFlush()
}

// WriteEvidence buffers slashing evidence and requests an immediate flush.
func (p *Persistence) WriteEvidence(ev *types.SlashingEvidence) {
	p.mtx.Lock()
	p.pending.evidence = append(p.pending.evidence, ev)
	p.updatePending()
	p.mtx.Unlock()

	p.requestFlush()
}

// WriteAuthoritySet buffers the current authority set.
func (p *Persistence) WriteAuthoritySet(vals *types.ValidatorSet) {
	p.mtx.Lock()
	p.pending.merge(&pendingWrites{authoritySet: vals})
	p.updatePending()
	p.mtx.Unlock()

	p.requestFlush()
}

// Degraded reports whether repeated flush failures have put persistence in
// degraded mode.
func (p *Persistence) Degraded() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.degraded
}

// Pending returns the number of buffered writes.
func (p *Persistence) Pending() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.pending.size()
}

// caller must hold mtx
func (p *Persistence) updatePending() {
	p.metrics.PendingWrites.Set(float64(p.pending.size()))
}

func (p *Persistence) requestFlush() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

// Flush writes all buffered records. On failure the records stay buffered
// and a *PersistenceError is returned.
func (p *Persistence) Flush(ctx context.Context) error {
	p.flushMtx.Lock()
	defer p.flushMtx.Unlock()

	p.mtx.Lock()
	batch := p.pending
	p.pending = pendingWrites{}
	p.mtx.Unlock()

	size := batch.size()
	if size == 0 {
		return nil
	}

	start := time.Now()
	backoff := retry.WithMaxRetries(p.opts.FlushAttempts-1, retry.NewExponential(p.opts.FlushBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.write(&batch); err != nil {
			p.logger.Debug("flush attempt failed", "records", size, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	p.metrics.FlushDuration.Observe(time.Since(start).Seconds())

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if err != nil {
		// put the records back in front of anything written meanwhile
		batch.merge(&p.pending)
		p.pending = batch
		p.updatePending()

		p.consecutiveFailures++
		p.metrics.FlushFailures.Add(1)
		if p.consecutiveFailures >= p.opts.DegradedThreshold && !p.degraded {
			p.degraded = true
			p.metrics.Degraded.Set(1)
			p.logger.Error("persistence degraded", "failures", p.consecutiveFailures, "err", err)
		}
		return &PersistenceError{Op: "flush", Err: err}
	}

	if p.degraded {
		p.logger.Info("persistence recovered", "failures", p.consecutiveFailures)
		p.degraded = false
		p.metrics.Degraded.Set(0)
	}
	p.consecutiveFailures = 0
	p.metrics.RecordsWritten.Add(float64(size))
	p.updatePending()

	if batch.finalized != nil && (!p.hasFinalized || batch.finalized.Checkpoint > p.lastFinalized) {
		p.lastFinalized, p.hasFinalized = batch.finalized.Checkpoint, true
	}
	return nil
}

// write persists a batch. last_finalized is written last, so that a crash
// midway never leaves it pointing at a missing certificate.
func (p *Persistence) write(batch *pendingWrites) error {
	if err := p.store.SaveVotes(batch.votes); err != nil {
		return fmt.Errorf("saving votes: %w", err)
	}
	if err := p.store.SaveEvidence(batch.evidence...); err != nil {
		return fmt.Errorf("saving evidence: %w", err)
	}
	if err := p.store.SaveCertificates(batch.certificates); err != nil {
		return fmt.Errorf("saving certificates: %w", err)
	}
	if batch.authoritySet != nil {
		if err := p.store.SaveAuthoritySet(batch.authoritySet); err != nil {
			return fmt.Errorf("saving authority set: %w", err)
		}
	}
	if batch.finalized != nil {
		if err := p.store.SaveCertificate(batch.finalized); err != nil {
			return fmt.Errorf("saving finalized certificate: %w", err)
		}
		if err := p.store.SaveLastFinalized(batch.finalized); err != nil {
			return fmt.Errorf("saving last finalized: %w", err)
		}
	}
	return nil
}

// Prune removes checkpoints older than the retention window below the last
// flushed finalized checkpoint.
func (p *Persistence) Prune() (uint64, error) {
	p.mtx.Lock()
	lastFinalized, ok := p.lastFinalized, p.hasFinalized
	p.mtx.Unlock()

	if !ok {
		return 0, nil
	}

	pruned, err := p.store.PruneOldCheckpoints(lastFinalized, p.opts.Retention)
	if err != nil {
		return pruned, &PersistenceError{Op: "prune", Err: err}
	}
	if pruned > 0 {
		p.metrics.Pruned.Add(float64(pruned))
		p.logger.Info("pruned old checkpoints", "pruned", pruned, "last_finalized", lastFinalized,
			"retention", p.opts.Retention)
	}
	return pruned, nil
}

// SetLastFinalized seeds the prune horizon, e.g. after Restore.
func (p *Persistence) SetLastFinalized(checkpoint uint64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if !p.hasFinalized || checkpoint > p.lastFinalized {
		p.lastFinalized, p.hasFinalized = checkpoint, true
	}
}

// OnStart implements service.Service.
func (p *Persistence) OnStart(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.flushRoutine(ctx)
	}()

	if p.opts.PruneInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.pruneRoutine(ctx)
		}()
	}
	return nil
}

// OnStop implements service.Service. Buffered writes get a final flush.
func (p *Persistence) OnStop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Error("final flush failed", "pending", p.Pending(), "err", err)
	}
}

func (p *Persistence) flushRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.flushCh:
		case <-ctx.Done():
			return
		}

		if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("failed to flush", "pending", p.Pending(), "err", err)
		}
	}
}

func (p *Persistence) pruneRoutine(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.Prune(); err != nil {
				p.logger.Error("failed to prune", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
