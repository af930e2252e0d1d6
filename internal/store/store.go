package store

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/checkpointbft/types"
)

// ErrCorrupted is returned by Restore when the persisted finality metadata
// contradicts the certificates it was derived from. The node must not resume
// automatically from such a database.
var ErrCorrupted = errors.New("persisted finality state is corrupted")

/*
Store is a low level store for finality state.

There are four namespaces, each a prefix of the underlying database:
 - votes:         every retained vote, keyed by (checkpoint, signer)
 - certificates:  one certificate per checkpoint
 - evidence:      slashing evidence, keyed by (checkpoint, offender)
 - metadata:      the last finalized checkpoint and the current authority set

Keys are encoded with orderedcode so that iteration follows checkpoint order.
Values are CBOR encoded. All writes are idempotent upserts.
*/
type Store struct {
	db dbm.DB

	votes        dbm.DB
	certificates dbm.DB
	evidence     dbm.DB
	metadata     dbm.DB
}

// NewStore returns a new Store backed by db.
func NewStore(db dbm.DB) *Store {
	return &Store{
		db:           db,
		votes:        dbm.NewPrefixDB(db, prefixVotes),
		certificates: dbm.NewPrefixDB(db, prefixCertificates),
		evidence:     dbm.NewPrefixDB(db, prefixEvidence),
		metadata:     dbm.NewPrefixDB(db, prefixMetadata),
	}
}

// SaveVote upserts a single vote.
func (s *Store) SaveVote(vote types.Vote) error {
	return s.SaveVotes([]types.Vote{vote})
}

// SaveVotes upserts votes in one batch.
func (s *Store) SaveVotes(votes []types.Vote) error {
	if len(votes) == 0 {
		return nil
	}

	batch := s.votes.NewBatch()
	defer batch.Close()

	for i := range votes {
		bz, err := types.Marshal(&votes[i])
		if err != nil {
			return fmt.Errorf("failed to encode vote: %w", err)
		}
		if err := batch.Set(voteKey(votes[i].Checkpoint, votes[i].Signer), bz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// SaveCertificate upserts the certificate for its checkpoint.
func (s *Store) SaveCertificate(cert *types.Certificate) error {
	return s.SaveCertificates([]*types.Certificate{cert})
}

// SaveCertificates upserts certificates in one batch.
func (s *Store) SaveCertificates(certs []*types.Certificate) error {
	if len(certs) == 0 {
		return nil
	}

	batch := s.certificates.NewBatch()
	defer batch.Close()

	for _, cert := range certs {
		if cert == nil {
			return errors.New("cannot save nil certificate")
		}
		bz, err := types.Marshal(cert)
		if err != nil {
			return fmt.Errorf("failed to encode certificate: %w", err)
		}
		if err := batch.Set(checkpointKey(cert.Checkpoint), bz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// SaveEvidence upserts slashing evidence. Evidence is keyed by offender and
// checkpoint, so saving evidence for the same pair twice is a no-op.
func (s *Store) SaveEvidence(evs ...*types.SlashingEvidence) error {
	if len(evs) == 0 {
		return nil
	}

	batch := s.evidence.NewBatch()
	defer batch.Close()

	for _, ev := range evs {
		bz, err := types.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode evidence: %w", err)
		}
		if err := batch.Set(evidenceKey(ev.Checkpoint, ev.Offender), bz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// lastFinalizedRecord is the metadata value under the last finalized key. The
// digest ties the number to the certificate it was derived from.
type lastFinalizedRecord struct {
	Checkpoint uint64     `json:"checkpoint"`
	Digest     types.Hash `json:"digest"`
}

// SaveLastFinalized records cert as the last finalized checkpoint.
func (s *Store) SaveLastFinalized(cert *types.Certificate) error {
	bz, err := types.Marshal(lastFinalizedRecord{Checkpoint: cert.Checkpoint, Digest: cert.Digest})
	if err != nil {
		return err
	}
	return s.metadata.SetSync(lastFinalizedKey(), bz)
}

// LoadLastFinalized returns the last finalized checkpoint and the digest of
// its certificate. ok is false if nothing was ever finalized.
func (s *Store) LoadLastFinalized() (checkpoint uint64, digest types.Hash, ok bool, err error) {
	bz, err := s.metadata.Get(lastFinalizedKey())
	if err != nil || len(bz) == 0 {
		return 0, types.Hash{}, false, err
	}

	var rec lastFinalizedRecord
	if err := types.Unmarshal(bz, &rec); err != nil {
		return 0, types.Hash{}, false, fmt.Errorf("%w: undecodable last finalized record: %v", ErrCorrupted, err)
	}
	return rec.Checkpoint, rec.Digest, true, nil
}

// SaveAuthoritySet records the current authority set.
func (s *Store) SaveAuthoritySet(vals *types.ValidatorSet) error {
	bz, err := types.Marshal(vals)
	if err != nil {
		return fmt.Errorf("failed to encode authority set: %w", err)
	}
	return s.metadata.SetSync(authoritySetKey(), bz)
}

// LoadAuthoritySet returns the persisted authority set, or nil if there is
// none.
func (s *Store) LoadAuthoritySet() (*types.ValidatorSet, error) {
	bz, err := s.metadata.Get(authoritySetKey())
	if err != nil || len(bz) == 0 {
		return nil, err
	}

	vals := &types.ValidatorSet{}
	if err := types.Unmarshal(bz, vals); err != nil {
		return nil, fmt.Errorf("%w: undecodable authority set: %v", ErrCorrupted, err)
	}
	if err := vals.Reindex(); err != nil {
		return nil, fmt.Errorf("%w: invalid authority set: %v", ErrCorrupted, err)
	}
	return vals, nil
}

// LoadCertificate returns the certificate for checkpoint, or nil if there is
// none.
func (s *Store) LoadCertificate(checkpoint uint64) (*types.Certificate, error) {
	bz, err := s.certificates.Get(checkpointKey(checkpoint))
	if err != nil || len(bz) == 0 {
		return nil, err
	}
	return decodeCertificate(checkpoint, bz)
}

// LoadCertificates returns up to limit certificates with checkpoints in
// [from, to], in ascending order. A limit of 0 means no limit.
func (s *Store) LoadCertificates(from, to uint64, limit int) ([]*types.Certificate, error) {
	iter, err := s.certificates.Iterator(checkpointKey(from), checkpointKeyAfter(to))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var certs []*types.Certificate
	for ; iter.Valid() && (limit <= 0 || len(certs) < limit); iter.Next() {
		cert, err := decodeCertificateEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, iter.Error()
}

// LoadCertificateFrom returns the certificate with the lowest checkpoint at
// or above from, or nil if there is none.
func (s *Store) LoadCertificateFrom(from uint64) (*types.Certificate, error) {
	certs, err := s.LoadCertificates(from, math.MaxUint64, 1)
	if err != nil || len(certs) == 0 {
		return nil, err
	}
	return certs[0], nil
}

// LoadRecentCertificates returns the most recent n certificates at or below
// upTo, in ascending order.
func (s *Store) LoadRecentCertificates(upTo uint64, n int) ([]*types.Certificate, error) {
	if n <= 0 {
		return nil, nil
	}

	iter, err := s.certificates.ReverseIterator(nil, checkpointKeyAfter(upTo))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	certs := make([]*types.Certificate, 0, n)
	for ; iter.Valid() && len(certs) < n; iter.Next() {
		cert, err := decodeCertificateEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for i, j := 0, len(certs)-1; i < j; i, j = i+1, j-1 {
		certs[i], certs[j] = certs[j], certs[i]
	}
	return certs, nil
}

// LoadVotes returns every retained vote for checkpoint, ordered by signer.
func (s *Store) LoadVotes(checkpoint uint64) ([]types.Vote, error) {
	return s.loadVotes(checkpointKey(checkpoint), checkpointKeyAfter(checkpoint))
}

// LoadVotesFrom returns every retained vote with a checkpoint of at least
// from, in checkpoint order.
func (s *Store) LoadVotesFrom(from uint64) ([]types.Vote, error) {
	return s.loadVotes(checkpointKey(from), nil)
}

func (s *Store) loadVotes(start, end []byte) ([]types.Vote, error) {
	iter, err := s.votes.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var votes []types.Vote
	for ; iter.Valid(); iter.Next() {
		var vote types.Vote
		if err := types.Unmarshal(iter.Value(), &vote); err != nil {
			return nil, fmt.Errorf("failed to decode vote at key %X: %w", iter.Key(), err)
		}
		votes = append(votes, vote)
	}
	return votes, iter.Error()
}

// LoadEvidence returns all evidence for checkpoints of at least from, in
// checkpoint order.
func (s *Store) LoadEvidence(from uint64) ([]*types.SlashingEvidence, error) {
	iter, err := s.evidence.Iterator(checkpointKey(from), nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var evs []*types.SlashingEvidence
	for ; iter.Valid(); iter.Next() {
		ev := &types.SlashingEvidence{}
		if err := types.Unmarshal(iter.Value(), ev); err != nil {
			return nil, fmt.Errorf("failed to decode evidence at key %X: %w", iter.Key(), err)
		}
		evs = append(evs, ev)
	}
	return evs, iter.Error()
}

// PruneOldCheckpoints removes votes and certificates for checkpoints below
// lastFinalized - retention. Entries at or above the cutoff are never
// touched, so this is safe to run concurrently with writes for newer
// checkpoints. Evidence is kept. It returns the number of entries removed.
func (s *Store) PruneOldCheckpoints(lastFinalized, retention uint64) (uint64, error) {
	if lastFinalized <= retention {
		return 0, nil
	}
	cutoff := lastFinalized - retention

	pruned, err := pruneRange(s.votes, checkpointKey(0), checkpointKey(cutoff))
	if err != nil {
		return pruned, err
	}

	certs, err := pruneRange(s.certificates, checkpointKey(0), checkpointKey(cutoff))
	return pruned + certs, err
}

// pruneRange deletes the keys in [start, end) of db. It uses batch delete to
// delete keys in batches of at most 1000 keys.
func pruneRange(db dbm.DB, start, end []byte) (uint64, error) {
	var (
		err         error
		pruned      uint64
		totalPruned uint64
	)

	batch := db.NewBatch()
	defer batch.Close()

	pruned, start, err = batchDelete(db, batch, start, end)
	if err != nil {
		return totalPruned, err
	}

	// loop until we have finished iterating over all the keys by writing, opening a new batch
	// and incrementing through the next range of keys.
	for !bytes.Equal(start, end) {
		if err := batch.Write(); err != nil {
			return totalPruned, err
		}

		totalPruned += pruned

		if err := batch.Close(); err != nil {
			return totalPruned, err
		}

		batch = db.NewBatch()

		pruned, start, err = batchDelete(db, batch, start, end)
		if err != nil {
			return totalPruned, err
		}
	}

	// once we looped over all keys we do a final flush to disk
	if err := batch.WriteSync(); err != nil {
		return totalPruned, err
	}
	totalPruned += pruned
	return totalPruned, nil
}

// batchDelete adds the keys in [start, end) to batch. It stops when either
// pruneBatchSize keys have been added or the iterator has reached the end,
// and returns the key to resume from.
func batchDelete(db dbm.DB, batch dbm.Batch, start, end []byte) (uint64, []byte, error) {
	var pruned uint64
	iter, err := db.Iterator(start, end)
	if err != nil {
		return pruned, start, err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		if pruned == pruneBatchSize {
			// resume from the first key not yet in the batch
			return pruned, append([]byte(nil), key...), iter.Error()
		}
		if err := batch.Delete(key); err != nil {
			return 0, start, fmt.Errorf("pruning error at key %X: %w", key, err)
		}
		pruned++
	}

	return pruned, end, iter.Error()
}

// Stats summarizes the store contents.
type Stats struct {
	LastFinalized     uint64
	HasFinalized      bool
	Certificates      uint64
	Votes             uint64
	Evidence          uint64
	OldestCertificate uint64
	NewestCertificate uint64
}

// Stats walks the store and summarizes its contents.
func (s *Store) Stats() (Stats, error) {
	var (
		stats Stats
		err   error
	)

	stats.LastFinalized, _, stats.HasFinalized, err = s.LoadLastFinalized()
	if err != nil {
		return stats, err
	}

	first := true
	err = forEachKey(s.certificates, func(key []byte) error {
		checkpoint, err := decodeCheckpointKey(key)
		if err != nil {
			return err
		}
		if first {
			stats.OldestCertificate = checkpoint
			first = false
		}
		stats.NewestCertificate = checkpoint
		stats.Certificates++
		return nil
	})
	if err != nil {
		return stats, err
	}

	if err := forEachKey(s.votes, func([]byte) error { stats.Votes++; return nil }); err != nil {
		return stats, err
	}
	if err := forEachKey(s.evidence, func([]byte) error { stats.Evidence++; return nil }); err != nil {
		return stats, err
	}
	return stats, nil
}

func forEachKey(db dbm.DB, fn func(key []byte) error) error {
	iter, err := db.Iterator(nil, nil)
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		if err := fn(iter.Key()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeCertificateEntry(key, value []byte) (*types.Certificate, error) {
	checkpoint, err := decodeCheckpointKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return decodeCertificate(checkpoint, value)
}

func decodeCertificate(checkpoint uint64, bz []byte) (*types.Certificate, error) {
	cert := &types.Certificate{}
	if err := types.Unmarshal(bz, cert); err != nil {
		return nil, fmt.Errorf("%w: undecodable certificate for checkpoint %d: %v", ErrCorrupted, checkpoint, err)
	}
	if cert.Checkpoint != checkpoint {
		return nil, fmt.Errorf("%w: certificate for checkpoint %d stored under %d",
			ErrCorrupted, cert.Checkpoint, checkpoint)
	}
	return cert, nil
}

//---------------------------------- KEY ENCODING -----------------------------------------

const pruneBatchSize = 1000

var (
	prefixVotes        = []byte("votes/")
	prefixCertificates = []byte("certificates/")
	prefixEvidence     = []byte("evidence/")
	prefixMetadata     = []byte("metadata/")
)

const (
	metaLastFinalized = "last_finalized"
	metaAuthoritySet  = "authority_set"
)

func checkpointKey(checkpoint uint64) []byte {
	key, err := orderedcode.Append(nil, checkpoint)
	if err != nil {
		panic(err)
	}
	return key
}

// checkpointKeyAfter returns the exclusive upper bound covering every key for
// checkpoint, or nil if there is no such bound.
func checkpointKeyAfter(checkpoint uint64) []byte {
	if checkpoint == math.MaxUint64 {
		return nil
	}
	return checkpointKey(checkpoint + 1)
}

func decodeCheckpointKey(key []byte) (checkpoint uint64, err error) {
	remaining, err := orderedcode.Parse(string(key), &checkpoint)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %X", remaining)
	}
	return checkpoint, nil
}

func voteKey(checkpoint uint64, signer types.PeerID) []byte {
	key, err := orderedcode.Append(nil, checkpoint, string(signer))
	if err != nil {
		panic(err)
	}
	return key
}

func evidenceKey(checkpoint uint64, offender types.PeerID) []byte {
	key, err := orderedcode.Append(nil, checkpoint, string(offender))
	if err != nil {
		panic(err)
	}
	return key
}

func lastFinalizedKey() []byte {
	key, err := orderedcode.Append(nil, metaLastFinalized)
	if err != nil {
		panic(err)
	}
	return key
}

func authoritySetKey() []byte {
	key, err := orderedcode.Append(nil, metaAuthoritySet)
	if err != nil {
		panic(err)
	}
	return key
}
