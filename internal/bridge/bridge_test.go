package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/bridge"
	"github.com/tendermint/checkpointbft/internal/finality"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/internal/slashing"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

var errUnreachable = errors.New("unreachable")

type fakeNetwork struct {
	mtx      sync.Mutex
	failures int // remaining calls that fail; -1 fails forever
	calls    int
	sent     []*types.Message
}

func (n *fakeNetwork) Broadcast(_ context.Context, msg *types.Message) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	n.calls++
	if n.failures != 0 {
		if n.failures > 0 {
			n.failures--
		}
		return errUnreachable
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNetwork) setFailures(f int) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.failures = f
}

func (n *fakeNetwork) numCalls() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.calls
}

func (n *fakeNetwork) messages(kind types.MessageKind) []*types.Message {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	var msgs []*types.Message
	for _, msg := range n.sent {
		if msg.Kind == kind {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

type fakeReporter struct {
	mtx     sync.Mutex
	valid   map[types.PeerID]int
	invalid map[types.PeerID]int
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{valid: map[types.PeerID]int{}, invalid: map[types.PeerID]int{}}
}

func (r *fakeReporter) ReportValid(id types.PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.valid[id]++
}

func (r *fakeReporter) ReportInvalid(id types.PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.invalid[id]++
}

func (r *fakeReporter) counts(id types.PeerID) (int, int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.valid[id], r.invalid[id]
}

type testSetup struct {
	keys     []crypto.PrivKey
	vals     *types.ValidatorSet
	gadget   *finality.Gadget
	network  *fakeNetwork
	reporter *fakeReporter
	bridge   *bridge.Bridge
}

func setup(t *testing.T, cfg *config.BridgeConfig) *testSetup {
	t.Helper()

	vals, keyMap := types.DeterministicValidatorSet(t, 1, 4)
	s := &testSetup{
		vals:     vals,
		network:  &fakeNetwork{},
		reporter: newFakeReporter(),
	}
	for _, val := range vals.Validators {
		s.keys = append(s.keys, keyMap[val.ID])
	}

	detector := slashing.NewDetector(log.NewNopLogger(), nil)
	s.gadget = finality.NewGadget(log.TestingLogger(), nil, vals, ed25519.Verifier{}, detector, finality.Options{})

	b, err := bridge.NewBridge(log.TestingLogger(), nil, cfg, s.keys[0], s.gadget, s.network, bridge.WithPeerReporter(s.reporter))
	require.NoError(t, err)
	s.bridge = b
	return s
}

func (s *testSetup) start(ctx context.Context, t *testing.T) {
	t.Helper()

	require.NoError(t, s.bridge.Start(ctx))
	t.Cleanup(func() {
		_ = s.bridge.Stop()
		s.bridge.Wait()
	})
}

func envelope(t *testing.T, from types.PeerID, p types.Payload) p2p.Envelope {
	t.Helper()

	msg, err := types.NewMessage(from, p)
	require.NoError(t, err)
	return p2p.Envelope{From: from, Message: msg, Payload: p}
}

func TestBridge_DeliversInboundOnTick(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := setup(t, config.TestBridgeConfig())
	s.start(ctx, t)

	from := s.vals.Validators[1].ID
	digest := types.DigestFor("checkpoint-1")
	for i := 0; i < 3; i++ {
		vote := types.MakeVote(t, s.keys[i], 1, s.vals.ID, digest)
		require.NoError(t, s.bridge.Enqueue(envelope(t, from, &types.CheckpointVote{Vote: vote})))
	}
	require.NoError(t, s.bridge.Enqueue(envelope(t, from, &types.Gossip{ID: "gossip", Data: []byte("x")})))

	require.Eventually(t, func() bool { return s.gadget.LastFinalized() == 1 }, time.Second, 5*time.Millisecond)

	// The finalized certificate is announced.
	require.Eventually(t, func() bool {
		return len(s.network.messages(types.KindCheckpointCertificate)) == 1
	}, time.Second, 5*time.Millisecond)

	msg := s.network.messages(types.KindCheckpointCertificate)[0]
	require.Equal(t, types.PeerIDFromPubKey(s.keys[0].PubKey()), msg.Sender)
	require.True(t, msg.VerifySignature(s.keys[0].PubKey().Bytes(), ed25519.Verifier{}))
	payload, err := msg.DecodePayload()
	require.NoError(t, err)
	cert := payload.(*types.CheckpointCertificate).Certificate
	require.EqualValues(t, 1, cert.Checkpoint)
	require.Equal(t, digest, cert.Digest)

	valid, invalid := s.reporter.counts(from)
	require.Equal(t, 3, valid)
	require.Zero(t, invalid)
}

func TestBridge_InboundCertificate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := setup(t, config.TestBridgeConfig())
	s.start(ctx, t)

	digest := types.DigestFor("checkpoint-1")
	votes := make([]types.Vote, 0, 3)
	for i := 0; i < 3; i++ {
		votes = append(votes, types.MakeVote(t, s.keys[i], 1, s.vals.ID, digest))
	}
	cert, err := types.NewCertificate(votes)
	require.NoError(t, err)

	from := s.vals.Validators[2].ID
	require.NoError(t, s.bridge.Enqueue(envelope(t, from, &types.CheckpointCertificate{Certificate: *cert})))
	require.Eventually(t, func() bool { return s.gadget.LastFinalized() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridge_RejectedInputReportsPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := setup(t, config.TestBridgeConfig())
	s.start(ctx, t)

	// A vote signed by a key outside the authority set.
	outsider := ed25519.GenPrivKeyFromSecret([]byte("outsider"))
	vote := types.MakeVote(t, outsider, 1, s.vals.ID, types.DigestFor("checkpoint-1"))
	from := types.PeerIDFromPubKey(outsider.PubKey())
	require.NoError(t, s.bridge.Enqueue(envelope(t, from, &types.CheckpointVote{Vote: vote})))

	require.Eventually(t, func() bool {
		_, invalid := s.reporter.counts(from)
		return invalid == 1
	}, time.Second, 5*time.Millisecond)
	require.False(t, s.gadget.IsCollecting(1))
}

func TestBridge_EnqueueWhenFull(t *testing.T) {
	cfg := config.TestBridgeConfig()
	cfg.QueueSize = 2
	s := setup(t, cfg)

	from := s.vals.Validators[1].ID
	for i := 0; i < 2; i++ {
		require.NoError(t, s.bridge.Enqueue(envelope(t, from, &types.Gossip{ID: "g", Data: []byte{byte(i)}})))
	}
	require.ErrorIs(t, s.bridge.Enqueue(envelope(t, from, &types.Gossip{ID: "g", Data: []byte("full")})), bridge.ErrQueueFull)
	require.Error(t, s.bridge.Enqueue(p2p.Envelope{From: from}))
}

func TestBridge_BroadcastRetries(t *testing.T) {
	s := setup(t, config.TestBridgeConfig())
	vote := types.MakeVote(t, s.keys[0], 1, s.vals.ID, types.DigestFor("checkpoint-1"))

	s.network.setFailures(2)
	require.NoError(t, s.bridge.BroadcastVote(context.Background(), vote))
	require.Equal(t, 3, s.network.numCalls())
	require.Len(t, s.network.messages(types.KindCheckpointVote), 1)
}

func TestBridge_BroadcastGivesUp(t *testing.T) {
	cfg := config.TestBridgeConfig()
	s := setup(t, cfg)
	vote := types.MakeVote(t, s.keys[0], 1, s.vals.ID, types.DigestFor("checkpoint-1"))

	s.network.setFailures(-1)
	err := s.bridge.BroadcastVote(context.Background(), vote)
	require.ErrorIs(t, err, errUnreachable)
	require.Equal(t, cfg.RetryMaxAttempts, s.network.numCalls())
}

func TestBridge_CircuitBreaker(t *testing.T) {
	cfg := config.TestBridgeConfig()
	cfg.RetryMaxAttempts = 1
	cfg.BreakerFailureThreshold = 2
	cfg.BreakerOpenTimeout = 50 * time.Millisecond
	s := setup(t, cfg)

	cert := func() *types.Certificate {
		votes := make([]types.Vote, 0, 3)
		for i := 0; i < 3; i++ {
			votes = append(votes, types.MakeVote(t, s.keys[i], 1, s.vals.ID, types.DigestFor("checkpoint-1")))
		}
		c, err := types.NewCertificate(votes)
		require.NoError(t, err)
		return c
	}()

	s.network.setFailures(-1)
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, s.bridge.BroadcastCertificate(context.Background(), cert), errUnreachable)
	}
	require.Equal(t, gobreaker.StateOpen, s.bridge.BreakerState())

	// An open breaker refuses without touching the network.
	calls := s.network.numCalls()
	require.ErrorIs(t, s.bridge.BroadcastCertificate(context.Background(), cert), bridge.ErrBreakerOpen)
	require.Equal(t, calls, s.network.numCalls())

	// After the open timeout a successful probe closes it again.
	s.network.setFailures(0)
	time.Sleep(2 * cfg.BreakerOpenTimeout)
	require.NoError(t, s.bridge.BroadcastCertificate(context.Background(), cert))
	require.Equal(t, gobreaker.StateClosed, s.bridge.BreakerState())
}

func TestBridge_PublishVote(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := setup(t, config.TestBridgeConfig())
	s.start(ctx, t)

	for cp := uint64(1); cp <= 3; cp++ {
		vote := types.MakeVote(t, s.keys[0], cp, s.vals.ID, types.DigestFor("checkpoint"))
		require.NoError(t, s.bridge.PublishVote(vote))
	}

	require.Eventually(t, func() bool {
		return len(s.network.messages(types.KindCheckpointVote)) == 3
	}, time.Second, 5*time.Millisecond)

	// Published in order.
	for i, msg := range s.network.messages(types.KindCheckpointVote) {
		payload, err := msg.DecodePayload()
		require.NoError(t, err)
		require.EqualValues(t, i+1, payload.(*types.CheckpointVote).Vote.Checkpoint)
	}
}
