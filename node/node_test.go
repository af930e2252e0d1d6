package node_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/finality"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/internal/relay"
	"github.com/tendermint/checkpointbft/internal/store"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/node"
	"github.com/tendermint/checkpointbft/types"
)

// validatorKey matches the i'th key of types.DeterministicValidatorSet.
func validatorKey(i int) types.NodeKey {
	return types.NodeKeyFromSecret([]byte(fmt.Sprintf("validator-%d", i)))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.ResetTestRoot(t.TempDir(), strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	return cfg
}

func dbProvider(db dbm.DB) config.DBProvider {
	return func(*config.DBContext) (dbm.DB, error) { return db, nil }
}

func makeNode(
	t *testing.T,
	cfg *config.Config,
	mem *p2p.MemoryNetwork,
	key types.NodeKey,
	vals *types.ValidatorSet,
	db dbm.DB,
) *node.Node {
	t.Helper()

	n, err := node.New(cfg, log.TestingLogger().With("node", key.ID.ShortString()),
		node.WithNodeKey(key),
		node.WithTransport(mem.CreateTransport(key.ID)),
		node.WithAuthoritySet(vals),
		node.WithDBProvider(dbProvider(db)),
	)
	require.NoError(t, err)
	return n
}

func startNode(ctx context.Context, t *testing.T, n *node.Node) {
	t.Helper()

	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		_ = n.Stop()
		n.Wait()
	})
}

func newMemoryNetwork() *p2p.MemoryNetwork {
	return p2p.NewMemoryNetwork(log.TestingLogger(), ed25519.Verifier{})
}

func TestNode_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vals, _ := types.DeterministicValidatorSet(t, 1, 4)
	key := validatorKey(0)
	n := makeNode(t, testConfig(t), newMemoryNetwork(), key, vals, dbm.NewMemDB())

	require.NoError(t, n.Start(ctx))
	require.True(t, n.IsRunning())
	require.True(t, n.Router().IsRunning())
	require.True(t, n.Relay().IsRunning())
	require.True(t, n.Bridge().IsRunning())
	require.True(t, n.Persistence().IsRunning())

	st := n.Status()
	require.Equal(t, key.ID, st.NodeID)
	require.Equal(t, types.RoleValidator, st.Role)
	require.Zero(t, st.LastFinalized)
	require.EqualValues(t, 1, st.AuthoritySetID)
	require.Equal(t, finality.Healthy, st.Health)
	require.Zero(t, st.Peers)
	require.False(t, st.Degraded)

	require.ErrorIs(t, n.BroadcastGossip(ctx, "announce", []byte("hello")), relay.ErrNoPeers)

	require.NoError(t, n.Stop())
	n.Wait()
	require.False(t, n.Router().IsRunning())
	require.False(t, n.Persistence().IsRunning())
}

func TestNode_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	vals, _ := types.DeterministicValidatorSet(t, 1, 4)
	n := makeNode(t, testConfig(t), newMemoryNetwork(), validatorKey(0), vals, dbm.NewMemDB())
	require.NoError(t, n.Start(ctx))

	cancel()
	select {
	case <-n.Quit():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop after its context was canceled")
	}
}

func TestNode_SubmitCheckpointVote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vals, _ := types.DeterministicValidatorSet(t, 1, 4)
	key := validatorKey(0)
	n := makeNode(t, testConfig(t), newMemoryNetwork(), key, vals, dbm.NewMemDB())
	startNode(ctx, t, n)

	digest := types.DigestFor("checkpoint-1")
	res, err := n.SubmitCheckpointVote(ctx, 1, digest, nil)
	require.NoError(t, err)
	require.Equal(t, finality.VoteAccepted, res)
	require.True(t, n.Gadget().IsCollecting(1))

	res, err = n.SubmitCheckpointVote(ctx, 1, digest, nil)
	require.NoError(t, err)
	require.Equal(t, finality.VoteDuplicate, res)

	// A signature that does not match this node's key is rejected.
	other := validatorKey(1)
	vote := types.MakeVote(t, other.PrivKey, 2, vals.ID, digest)
	res, err = n.SubmitCheckpointVote(ctx, 2, digest, vote.Signature)
	require.Error(t, err)
	require.Equal(t, finality.VoteRejected, res)

	// An externally made signature by the node key is accepted.
	vote = types.MakeVote(t, key.PrivKey, 2, vals.ID, digest)
	res, err = n.SubmitCheckpointVote(ctx, 2, digest, vote.Signature)
	require.NoError(t, err)
	require.Equal(t, finality.VoteAccepted, res)

	canceled, cancelSubmit := context.WithCancel(ctx)
	cancelSubmit()
	_, err = n.SubmitCheckpointVote(canceled, 3, digest, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNode_SlashingEvidence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vals, _ := types.DeterministicValidatorSet(t, 1, 4)
	key := validatorKey(0)
	db := dbm.NewMemDB()
	n := makeNode(t, testConfig(t), newMemoryNetwork(), key, vals, db)
	require.NoError(t, n.Start(ctx))

	sub := n.SubscribeSlashingEvidence(0)

	res, err := n.SubmitCheckpointVote(ctx, 1, types.DigestFor("a"), nil)
	require.NoError(t, err)
	require.Equal(t, finality.VoteAccepted, res)

	res, err = n.SubmitCheckpointVote(ctx, 1, types.DigestFor("b"), nil)
	require.NoError(t, err)
	require.Equal(t, finality.VoteEquivocation, res)

	subCtx, subCancel := context.WithTimeout(ctx, 5*time.Second)
	defer subCancel()
	ev, err := sub.Next(subCtx)
	require.NoError(t, err)
	require.Equal(t, key.ID, ev.Offender)
	require.EqualValues(t, 1, ev.Checkpoint)

	// Evidence is flushed to the store on stop.
	require.NoError(t, n.Stop())
	n.Wait()
	evs, err := store.NewStore(db).LoadEvidence(0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, key.ID, evs[0].Offender)
}

func TestNode_RestoresAfterRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vals, _ := types.DeterministicValidatorSet(t, 1, 4)
	key := validatorKey(0)
	db := dbm.NewMemDB()
	cfg := testConfig(t)
	digest := types.DigestFor("checkpoint-1")

	first := makeNode(t, cfg, newMemoryNetwork(), key, vals, db)
	require.NoError(t, first.Start(ctx))
	for i := 0; i < 3; i++ {
		vote := types.MakeVote(t, validatorKey(i).PrivKey, 1, vals.ID, digest)
		_, err := first.Gadget().AddVote(vote)
		require.NoError(t, err)
	}
	// an open round above the finalized checkpoint
	vote := types.MakeVote(t, validatorKey(1).PrivKey, 2, vals.ID, types.DigestFor("checkpoint-2"))
	_, err := first.Gadget().AddVote(vote)
	require.NoError(t, err)

	require.EqualValues(t, 1, first.LastFinalized())
	require.NoError(t, first.Stop())
	first.Wait()

	second := makeNode(t, cfg, newMemoryNetwork(), key, nil, db)
	startNode(ctx, t, second)

	info := second.RestoreInfo()
	require.True(t, info.HasFinalized)
	require.EqualValues(t, 1, info.LastFinalized)
	require.Equal(t, 1, info.Votes)
	require.EqualValues(t, 1, second.LastFinalized())
	require.EqualValues(t, vals.ID, second.Gadget().AuthoritySet().ID)

	cert, ok := second.Gadget().Certificate(1)
	require.True(t, ok)
	require.Equal(t, digest, cert.Digest)
	require.True(t, second.Gadget().IsCollecting(2))

	res, err := second.SubmitCheckpointVote(ctx, 1, digest, nil)
	require.NoError(t, err)
	require.Equal(t, finality.VoteStale, res)
}

func TestNode_CorruptedStoreFailsStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vals, _ := types.DeterministicValidatorSet(t, 1, 4)
	digest := types.DigestFor("checkpoint-1")
	votes := make([]types.Vote, 0, 3)
	for i := 0; i < 3; i++ {
		votes = append(votes, types.MakeVote(t, validatorKey(i).PrivKey, 1, vals.ID, digest))
	}
	cert, err := types.NewCertificate(votes)
	require.NoError(t, err)

	// last_finalized without the certificate it refers to
	db := dbm.NewMemDB()
	require.NoError(t, store.NewStore(db).SaveLastFinalized(cert))

	n := makeNode(t, testConfig(t), newMemoryNetwork(), validatorKey(0), vals, db)
	err = n.Start(ctx)
	require.ErrorIs(t, err, store.ErrCorrupted)
	require.False(t, n.IsRunning())
}

func TestNode_AuthoritySetFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Enabled = false

	_, err := node.New(cfg, log.TestingLogger(),
		node.WithNodeKey(validatorKey(0)),
		node.WithTransport(newMemoryNetwork().CreateTransport(validatorKey(0).ID)))
	require.Error(t, err, "missing authority set file")

	vals, _ := types.DeterministicValidatorSet(t, 7, 4)
	require.NoError(t, vals.SaveAs(cfg.AuthoritySetFile()))

	n, err := node.New(cfg, log.TestingLogger(),
		node.WithNodeKey(validatorKey(0)),
		node.WithTransport(newMemoryNetwork().CreateTransport(validatorKey(0).ID)))
	require.NoError(t, err)
	require.Nil(t, n.Persistence())
	require.EqualValues(t, 7, n.Gadget().AuthoritySet().ID)
}

func TestNode_FourValidatorsFinalize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vals, _ := types.DeterministicValidatorSet(t, 1, 4)
	mem := newMemoryNetwork()

	nodes := make([]*node.Node, 4)
	addrs := []string{}
	for i := range nodes {
		key := validatorKey(i)
		cfg := testConfig(t)
		cfg.P2P.PersistentPeers = strings.Join(addrs, ",")
		nodes[i] = makeNode(t, cfg, mem, key, vals, dbm.NewMemDB())
		addrs = append(addrs, "memory:"+string(key.ID))
	}
	for _, n := range nodes {
		startNode(ctx, t, n)
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Router().NumPeers() != len(nodes)-1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "network did not form a full mesh")

	sub := nodes[3].SubscribeCertificates(1)

	// Three of four validators vote; the fourth learns finality from them.
	digest := types.DigestFor("checkpoint-1")
	for _, n := range nodes[:3] {
		res, err := n.SubmitCheckpointVote(ctx, 1, digest, nil)
		require.NoError(t, err)
		require.Contains(t, []finality.VoteResult{finality.VoteAccepted, finality.VoteCertified}, res)
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.LastFinalized() != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	subCtx, subCancel := context.WithTimeout(ctx, 5*time.Second)
	defer subCancel()
	cert, err := sub.Next(subCtx)
	require.NoError(t, err)
	require.EqualValues(t, 1, cert.Checkpoint)
	require.Equal(t, digest, cert.Digest)
	require.NoError(t, cert.Verify(vals, ed25519.Verifier{}))

	for _, n := range nodes {
		require.Equal(t, finality.Healthy, n.Health())
		require.Zero(t, n.Detector().EvidenceCount())
	}

	// Gossip from one node is relayed onward by the others.
	before := make([]uint64, len(nodes))
	for i, n := range nodes {
		before[i] = n.Relay().Snapshot().Forwarded
	}
	require.NoError(t, nodes[0].BroadcastGossip(ctx, "announce", []byte("hello")))
	require.Eventually(t, func() bool {
		for i, n := range nodes[1:] {
			if n.Relay().Snapshot().Forwarded <= before[i+1] {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNode_PrunesFinalityState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vals, _ := types.DeterministicValidatorSet(t, 1, 1)
	cfg := testConfig(t)
	cfg.Storage.Enabled = false
	cfg.Storage.Retention = 2
	cfg.Storage.PruneInterval = 20 * time.Millisecond
	n := makeNode(t, cfg, newMemoryNetwork(), validatorKey(0), vals, dbm.NewMemDB())
	startNode(ctx, t, n)

	// A lone validator finalizes each checkpoint with its own vote.
	for cp := uint64(1); cp <= 5; cp++ {
		res, err := n.SubmitCheckpointVote(ctx, cp, types.DigestFor(fmt.Sprintf("checkpoint-%d", cp)), nil)
		require.NoError(t, err)
		require.Equal(t, finality.VoteCertified, res)
	}
	require.EqualValues(t, 5, n.LastFinalized())

	// Checkpoints 1 and 2 fall out of the retention window below 5.
	require.Eventually(t, func() bool { return n.Detector().NumVotes() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 5, n.Status().LastFinalized)
}
