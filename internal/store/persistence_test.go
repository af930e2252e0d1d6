package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

var errInjected = errors.New("injected write failure")

// failingDB fails every write while failing is set.
type failingDB struct {
	dbm.DB
	failing int32
}

func newFailingDB() *failingDB {
	return &failingDB{DB: dbm.NewMemDB()}
}

func (db *failingDB) setFailing(fail bool) {
	var v int32
	if fail {
		v = 1
	}
	atomic.StoreInt32(&db.failing, v)
}

func (db *failingDB) isFailing() bool { return atomic.LoadInt32(&db.failing) == 1 }

func (db *failingDB) Set(key, value []byte) error {
	if db.isFailing() {
		return errInjected
	}
	return db.DB.Set(key, value)
}

func (db *failingDB) SetSync(key, value []byte) error {
	if db.isFailing() {
		return errInjected
	}
	return db.DB.SetSync(key, value)
}

func (db *failingDB) NewBatch() dbm.Batch {
	return &failingBatch{Batch: db.DB.NewBatch(), db: db}
}

type failingBatch struct {
	dbm.Batch
	db *failingDB
}

func (b *failingBatch) Write() error {
	if b.db.isFailing() {
		return errInjected
	}
	return b.Batch.Write()
}

func (b *failingBatch) WriteSync() error {
	if b.db.isFailing() {
		return errInjected
	}
	return b.Batch.WriteSync()
}

func testPersistenceOptions() PersistenceOptions {
	return PersistenceOptions{
		FlushInterval:     time.Hour,
		Retention:         10,
		DegradedThreshold: 3,
		FlushAttempts:     2,
		FlushBackoff:      time.Millisecond,
	}
}

func TestPersistence_Flush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	s := NewStore(dbm.NewMemDB())
	p := NewPersistence(log.NewNopLogger(), NopMetrics(), s, testPersistenceOptions())

	cert := f.certificate(t, 3)
	for _, vote := range cert.Votes() {
		p.WriteVote(vote)
	}
	p.WriteCertificate(cert)
	p.WriteFinalized(cert)
	p.WriteAuthoritySet(f.vals)
	require.Equal(t, 6, p.Pending())

	// nothing reaches the store before a flush
	n, _, ok, err := s.LoadLastFinalized()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Flush(ctx))
	require.Zero(t, p.Pending())

	n, digest, ok, err := s.LoadLastFinalized()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, n)
	require.Equal(t, cert.Digest, digest)

	votes, err := s.LoadVotes(3)
	require.NoError(t, err)
	require.Len(t, votes, 3)

	vals, err := s.LoadAuthoritySet()
	require.NoError(t, err)
	require.Equal(t, f.vals.ID, vals.ID)

	// an empty flush is a no-op
	require.NoError(t, p.Flush(ctx))
}

func TestPersistence_DegradedAndRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	db := newFailingDB()
	s := NewStore(db)
	p := NewPersistence(log.NewNopLogger(), NopMetrics(), s, testPersistenceOptions())

	db.setFailing(true)

	cert := f.certificate(t, 4)
	p.WriteCertificate(cert)
	p.WriteFinalized(cert)

	for i := 0; i < 3; i++ {
		require.False(t, p.Degraded(), "degraded after %d failures", i)

		err := p.Flush(ctx)
		var perr *PersistenceError
		require.True(t, errors.As(err, &perr), "got %v", err)
		require.Equal(t, "flush", perr.Op)
		require.ErrorIs(t, err, errInjected)

		// records stay buffered
		require.Equal(t, 2, p.Pending())
	}
	require.True(t, p.Degraded())

	// writes keep being accepted while degraded
	p.WriteEvidence(mustEvidence(t, f, 4))
	require.Equal(t, 3, p.Pending())

	db.setFailing(false)
	require.NoError(t, p.Flush(ctx))
	require.False(t, p.Degraded())
	require.Zero(t, p.Pending())

	n, _, ok, err := s.LoadLastFinalized()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 4, n)

	evs, err := s.LoadEvidence(0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestPersistence_FailedFlushKeepsNewestMetadata(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	db := newFailingDB()
	s := NewStore(db)
	p := NewPersistence(log.NewNopLogger(), NopMetrics(), s, testPersistenceOptions())

	db.setFailing(true)
	p.WriteFinalized(f.certificate(t, 5))
	require.Error(t, p.Flush(ctx))

	p.WriteFinalized(f.certificate(t, 6))
	require.Error(t, p.Flush(ctx))
	require.Equal(t, 1, p.Pending())

	db.setFailing(false)
	require.NoError(t, p.Flush(ctx))

	n, _, _, err := s.LoadLastFinalized()
	require.NoError(t, err)
	require.EqualValues(t, 6, n)

	cert, err := s.LoadCertificate(6)
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestPersistence_Service(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	s := NewStore(dbm.NewMemDB())
	opts := testPersistenceOptions()
	opts.PruneInterval = 10 * time.Millisecond
	p := NewPersistence(log.NewNopLogger(), NopMetrics(), s, opts)

	for n := uint64(1); n <= 30; n++ {
		for _, vote := range f.certificate(t, n).Votes() {
			p.WriteVote(vote)
		}
	}
	require.NoError(t, p.Start(ctx))

	// a certificate triggers an immediate flush
	cert := f.certificate(t, 30)
	p.WriteCertificate(cert)
	p.WriteFinalized(cert)

	require.Eventually(t, func() bool {
		_, _, ok, err := s.LoadLastFinalized()
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	// checkpoints below 30-10 are pruned in the background
	require.Eventually(t, func() bool {
		votes, err := s.LoadVotes(19)
		return err == nil && len(votes) == 0
	}, time.Second, 5*time.Millisecond)

	votes, err := s.LoadVotes(20)
	require.NoError(t, err)
	require.Len(t, votes, 3)

	// buffered votes are flushed on stop
	p.WriteVote(f.vote(t, 3, 31, "late"))
	require.NoError(t, p.Stop())
	p.Wait()

	votes, err = s.LoadVotes(31)
	require.NoError(t, err)
	require.Len(t, votes, 1)
}

func TestPersistence_PruneWithoutFinalized(t *testing.T) {
	s := NewStore(dbm.NewMemDB())
	p := NewPersistence(log.NewNopLogger(), NopMetrics(), s, testPersistenceOptions())

	pruned, err := p.Prune()
	require.NoError(t, err)
	require.Zero(t, pruned)

	for n := uint64(1); n <= 20; n++ {
		require.NoError(t, s.SaveVote(fakeVote(n, 0)))
	}
	p.SetLastFinalized(20)
	pruned, err = p.Prune()
	require.NoError(t, err)
	require.EqualValues(t, 9, pruned)
}

func mustEvidence(t *testing.T, f *fixture, checkpoint uint64) *types.SlashingEvidence {
	t.Helper()
	ev, err := types.NewSlashingEvidence(
		f.vote(t, 0, checkpoint, "left"),
		f.vote(t, 0, checkpoint, "right"),
		time.Now(),
	)
	require.NoError(t, err)
	return ev
}
