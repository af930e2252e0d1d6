package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/checkpointbft/types"
)

type recordingRestorer struct {
	lastFinalized uint64
	finalized     []*types.Certificate
	certificates  []*types.Certificate
	votes         []types.Vote

	err error
}

func (r *recordingRestorer) RestoreFinalized(lastFinalized uint64, recent []*types.Certificate) error {
	r.lastFinalized = lastFinalized
	r.finalized = recent
	return r.err
}

func (r *recordingRestorer) RestoreCertificate(cert *types.Certificate) error {
	r.certificates = append(r.certificates, cert)
	return r.err
}

func (r *recordingRestorer) RestoreVote(vote types.Vote) error {
	r.votes = append(r.votes, vote)
	return r.err
}

func TestRestore_Empty(t *testing.T) {
	s := NewStore(dbm.NewMemDB())
	target := &recordingRestorer{}

	info, err := s.Restore(target, DefaultRestoreCertificates)
	require.NoError(t, err)
	require.Equal(t, RestoreInfo{}, info)
	require.Nil(t, target.finalized)
	require.Empty(t, target.certificates)
	require.Empty(t, target.votes)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	s := NewStore(dbm.NewMemDB())

	for n := uint64(1); n <= 5; n++ {
		cert := f.certificate(t, n)
		require.NoError(t, s.SaveCertificate(cert))
		require.NoError(t, s.SaveVotes(cert.Votes()))
	}
	require.NoError(t, s.SaveLastFinalized(f.certificate(t, 5)))

	// certified above last_finalized but not yet finalized
	require.NoError(t, s.SaveCertificate(f.certificate(t, 7)))
	pending := []types.Vote{
		f.vote(t, 0, 6, "checkpoint-6"),
		f.vote(t, 1, 6, "checkpoint-6"),
		f.vote(t, 3, 7, "checkpoint-7"),
	}
	require.NoError(t, s.SaveVotes(pending))

	target := &recordingRestorer{}
	info, err := s.Restore(target, 3)
	require.NoError(t, err)
	require.Equal(t, RestoreInfo{
		LastFinalized: 5,
		HasFinalized:  true,
		Certificates:  4,
		Votes:         3,
	}, info)

	require.EqualValues(t, 5, target.lastFinalized)
	require.Equal(t, []uint64{3, 4, 5}, checkpoints(target.finalized))
	require.Equal(t, []uint64{7}, checkpoints(target.certificates))
	require.ElementsMatch(t, pending, target.votes)
}

func TestRestore_Corrupted(t *testing.T) {
	f := newFixture(t)

	testCases := map[string]func(t *testing.T, s *Store){
		"missing certificate": func(t *testing.T, s *Store) {
			require.NoError(t, s.SaveLastFinalized(f.certificate(t, 5)))
		},
		"digest mismatch": func(t *testing.T, s *Store) {
			cert := f.certificate(t, 5)
			require.NoError(t, s.SaveCertificate(cert))

			other := *cert
			other.Digest = types.DigestFor("something else")
			require.NoError(t, s.SaveLastFinalized(&other))
		},
		"certificate under wrong key": func(t *testing.T, s *Store) {
			cert := f.certificate(t, 5)
			require.NoError(t, s.certificates.Set(checkpointKey(5), types.MustMarshal(f.certificate(t, 6))))
			require.NoError(t, s.SaveLastFinalized(cert))
		},
		"undecodable certificate": func(t *testing.T, s *Store) {
			require.NoError(t, s.certificates.Set(checkpointKey(5), []byte{0xff, 0x00}))
			require.NoError(t, s.SaveLastFinalized(f.certificate(t, 5)))
		},
	}

	for name, setup := range testCases {
		setup := setup
		t.Run(name, func(t *testing.T) {
			s := NewStore(dbm.NewMemDB())
			setup(t, s)

			target := &recordingRestorer{}
			_, err := s.Restore(target, DefaultRestoreCertificates)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrCorrupted), "got %v", err)
			require.Nil(t, target.finalized)
		})
	}
}

func TestRestore_TargetError(t *testing.T) {
	f := newFixture(t)
	s := NewStore(dbm.NewMemDB())

	cert := f.certificate(t, 2)
	require.NoError(t, s.SaveCertificate(cert))
	require.NoError(t, s.SaveLastFinalized(cert))

	errRejected := errors.New("rejected")
	_, err := s.Restore(&recordingRestorer{err: errRejected}, 1)
	require.ErrorIs(t, err, errRejected)
	require.False(t, errors.Is(err, ErrCorrupted))
}
