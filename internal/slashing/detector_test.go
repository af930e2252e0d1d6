package slashing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tendermint/checkpointbft/internal/slashing"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newDetector(options ...slashing.DetectorOption) *slashing.Detector {
	options = append([]slashing.DetectorOption{slashing.WithClock(func() time.Time { return fixedTime })}, options...)
	return slashing.NewDetector(log.NewNopLogger(), slashing.NopMetrics(), options...)
}

func signer(i int) types.PeerID {
	return types.PeerID(fmt.Sprintf("%040x", i+1))
}

// vote builds an unsigned vote; the detector does not verify signatures.
func vote(signerIdx int, checkpoint uint64, label string) types.Vote {
	sig := make([]byte, 64)
	copy(sig, label)
	return types.Vote{
		Checkpoint:     checkpoint,
		AuthoritySetID: 1,
		Signer:         signer(signerIdx),
		Digest:         types.DigestFor(label),
		Signature:      sig,
	}
}

type evidenceRecorder struct {
	mtx sync.Mutex
	evs []*types.SlashingEvidence
}

func (r *evidenceRecorder) WriteEvidence(ev *types.SlashingEvidence) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.evs = append(r.evs, ev)
}

func TestRecordVote(t *testing.T) {
	rec := &evidenceRecorder{}
	d := newDetector(slashing.WithEvidenceWriter(rec))

	// first vote
	require.Nil(t, d.RecordVote(vote(0, 5, "d1")))
	// re-broadcast
	require.Nil(t, d.RecordVote(vote(0, 5, "d1")))
	// other signer, other checkpoint
	require.Nil(t, d.RecordVote(vote(1, 5, "d2")))
	require.Nil(t, d.RecordVote(vote(0, 6, "d2")))
	require.Equal(t, 3, d.NumVotes())
	require.False(t, d.Equivocated(signer(0), 5))

	ev := d.RecordVote(vote(0, 5, "d2"))
	require.NotNil(t, ev)
	require.Equal(t, signer(0), ev.Offender)
	require.EqualValues(t, 5, ev.Checkpoint)
	require.Equal(t, fixedTime, ev.DetectedAt)
	require.NoError(t, ev.ValidateBasic())
	require.True(t, d.Equivocated(signer(0), 5))

	// further conflicting votes produce nothing
	require.Nil(t, d.RecordVote(vote(0, 5, "d2")))
	require.Nil(t, d.RecordVote(vote(0, 5, "d3")))
	require.Nil(t, d.RecordVote(vote(0, 5, "d1")))

	require.EqualValues(t, 1, d.EvidenceCount())
	require.Len(t, rec.evs, 1)
	require.Same(t, ev, rec.evs[0])

	got, ok := d.Evidence(signer(0), 5)
	require.True(t, ok)
	require.Same(t, ev, got)
	_, ok = d.Evidence(signer(1), 5)
	require.False(t, ok)
}

func TestRecordVote_OrderIndependentContent(t *testing.T) {
	a, b := vote(2, 9, "left"), vote(2, 9, "right")

	d1, d2 := newDetector(), newDetector()
	require.Nil(t, d1.RecordVote(a))
	ev1 := d1.RecordVote(b)
	d2.RecordVote(b)
	ev2 := d2.RecordVote(a)

	require.NotNil(t, ev1)
	require.NotNil(t, ev2)
	require.Equal(t, ev1, ev2)
	require.Equal(t, ev1.Hash(), ev2.Hash())
}

func TestPrune(t *testing.T) {
	d := newDetector()
	for n := uint64(1); n <= 10; n++ {
		d.RecordVote(vote(0, n, "a"))
		d.RecordVote(vote(1, n, "a"))
	}
	require.NotNil(t, d.RecordVote(vote(1, 3, "b")))

	require.Equal(t, 8, d.Prune(5))
	require.Equal(t, 12, d.NumVotes())

	// evidence survives pruning and is not emitted twice
	require.True(t, d.Equivocated(signer(1), 3))
	require.Nil(t, d.RecordVote(vote(1, 3, "a")))
	require.Nil(t, d.RecordVote(vote(1, 3, "b")))
	require.EqualValues(t, 1, d.EvidenceCount())

	// votes above the cutoff are still compared
	require.NotNil(t, d.RecordVote(vote(0, 7, "b")))
}

func TestRestoreEvidence(t *testing.T) {
	rec := &evidenceRecorder{}
	d := newDetector()
	ev := d.RecordVote(vote(0, 4, "x"))
	require.Nil(t, ev)
	ev = d.RecordVote(vote(0, 4, "y"))
	require.NotNil(t, ev)

	restarted := newDetector(slashing.WithEvidenceWriter(rec))
	restarted.RestoreEvidence([]*types.SlashingEvidence{ev, ev})
	require.EqualValues(t, 1, restarted.EvidenceCount())
	require.Empty(t, rec.evs)

	// the same conflict observed again after restart is not reported
	require.Nil(t, restarted.RecordVote(vote(0, 4, "y")))
	require.Nil(t, restarted.RecordVote(vote(0, 4, "x")))
	require.Empty(t, rec.evs)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := restarted.Subscribe(0).Next(ctx)
	require.NoError(t, err)
	require.True(t, ev.Equivalent(got))
}

func TestSubscribe(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := newDetector()
	sub := d.Subscribe(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			d.RecordVote(vote(i, 1, "a"))
			d.RecordVote(vote(i, 1, "b"))
		}
	}()

	var offenders []types.PeerID
	for i := 0; i < 3; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		offenders = append(offenders, ev.Offender)
	}
	wg.Wait()
	require.Equal(t, []types.PeerID{signer(0), signer(1), signer(2)}, offenders)
	require.EqualValues(t, 3, sub.Position())

	// resuming from a saved position skips what was consumed
	resumed := d.Subscribe(2)
	ev, err := resumed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, signer(2), ev.Offender)
}

// Every conflicting pair yields exactly one evidence, with the same content
// whatever the arrival order.
func TestRecordVote_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "votes").(int)
		votes := make([]types.Vote, 0, n)
		for i := 0; i < n; i++ {
			votes = append(votes, vote(
				rapid.IntRange(0, 3).Draw(t, "signer").(int),
				rapid.Uint64Range(1, 3).Draw(t, "checkpoint").(uint64),
				rapid.SampledFrom([]string{"d1", "d2"}).Draw(t, "digest").(string),
			))
		}

		shuffled := append([]types.Vote(nil), votes...)
		for i := len(shuffled) - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(t, "swap").(int)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}

		collect := func(votes []types.Vote) map[types.Hash]*types.SlashingEvidence {
			d := newDetector()
			out := make(map[types.Hash]*types.SlashingEvidence)
			for _, v := range votes {
				if ev := d.RecordVote(v); ev != nil {
					if _, ok := out[ev.Hash()]; ok {
						t.Fatalf("evidence %v emitted twice", ev)
					}
					out[ev.Hash()] = ev
				}
			}
			return out
		}

		// expected: one evidence per (signer, checkpoint) that used both digests
		type key struct {
			signer     types.PeerID
			checkpoint uint64
		}
		digests := make(map[key]map[types.Hash]bool)
		for _, v := range votes {
			k := key{v.Signer, v.Checkpoint}
			if digests[k] == nil {
				digests[k] = make(map[types.Hash]bool)
			}
			digests[k][v.Digest] = true
		}
		expected := 0
		for _, ds := range digests {
			if len(ds) > 1 {
				expected++
			}
		}

		a, b := collect(votes), collect(shuffled)
		if len(a) != expected {
			t.Fatalf("got %d evidence, want %d", len(a), expected)
		}
		if len(a) != len(b) {
			t.Fatalf("arrival order changed evidence count: %d vs %d", len(a), len(b))
		}
		for h, ev := range a {
			other, ok := b[h]
			if !ok || !ev.Equivalent(other) {
				t.Fatalf("evidence %v missing after reordering", ev)
			}
		}
	})
}
