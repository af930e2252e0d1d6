package relay_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/internal/p2p/p2ptest"
	"github.com/tendermint/checkpointbft/internal/relay"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

type fakeRouter struct {
	inbound chan p2p.Envelope

	mtx     sync.Mutex
	peers   []p2p.PeerInfo
	sent    map[types.PeerID][]*types.Message
	slow    map[types.PeerID]bool
	invalid map[types.PeerID]int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		inbound: make(chan p2p.Envelope, 16),
		sent:    make(map[types.PeerID][]*types.Message),
		slow:    make(map[types.PeerID]bool),
		invalid: make(map[types.PeerID]int),
	}
}

func (r *fakeRouter) addPeer(id types.PeerID, role types.Role) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.peers = append(r.peers, p2p.PeerInfo{ID: id, Role: role, Status: p2p.PeerStatusConnected})
}

// addHandshakenPeer adds a peer whose public key is known.
func (r *fakeRouter) addHandshakenPeer(p peer, role types.Role) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.peers = append(r.peers, p2p.PeerInfo{
		ID:     p.id,
		Role:   role,
		PubKey: p.privKey.PubKey().Bytes(),
		Status: p2p.PeerStatusConnected,
	})
}

func (r *fakeRouter) setSlow(id types.PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.slow[id] = true
}

func (r *fakeRouter) Inbound() <-chan p2p.Envelope { return r.inbound }

func (r *fakeRouter) Peers() []p2p.PeerInfo {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]p2p.PeerInfo(nil), r.peers...)
}

func (r *fakeRouter) PeerInfo(id types.PeerID) (p2p.PeerInfo, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, p := range r.peers {
		if p.ID == id {
			return p, true
		}
	}
	return p2p.PeerInfo{}, false
}

func (r *fakeRouter) Broadcast(msg *types.Message, ids ...types.PeerID) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if r.slow[id] {
			result = multierror.Append(result, &p2p.PeerSendError{PeerID: id, Err: p2p.ErrBufferFull})
			continue
		}
		r.sent[id] = append(r.sent[id], msg)
	}
	return result.ErrorOrNil()
}

func (r *fakeRouter) ReportInvalid(id types.PeerID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.invalid[id]++
}

func (r *fakeRouter) invalidReports(id types.PeerID) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.invalid[id]
}

func (r *fakeRouter) SendContext(ctx context.Context, id types.PeerID, msg *types.Message) error {
	r.mtx.Lock()
	slow := r.slow[id]
	r.mtx.Unlock()

	if slow {
		<-ctx.Done()
		return ctx.Err()
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.sent[id] = append(r.sent[id], msg)
	return nil
}

func (r *fakeRouter) sentTo(id types.PeerID) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.sent[id])
}

type peer struct {
	id      types.PeerID
	privKey crypto.PrivKey
}

func makePeer(i int) peer {
	pk := p2ptest.NodeKey(i)
	return peer{id: types.PeerIDFromPubKey(pk.PubKey()), privKey: pk}
}

func gossip(t *testing.T, from peer) *types.Message {
	t.Helper()
	msg, err := types.NewSignedMessage(from.privKey, &types.Gossip{ID: uuid.NewString(), Topic: "test", Data: []byte("hello")})
	require.NoError(t, err)
	return msg
}

func newRelay(t *testing.T, cfg *config.RelayConfig, router relay.Router, reg *relay.ValidatorRegistry, opts ...relay.RelayOption) *relay.Relay {
	t.Helper()

	self := makePeer(0)
	r, err := relay.NewRelay(log.TestingLogger(), relay.NopMetrics(), cfg, self.id, router, reg, opts...)
	require.NoError(t, err)
	return r
}

func startRelay(ctx context.Context, t *testing.T, r *relay.Relay) {
	t.Helper()

	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		_ = r.Stop()
		r.Wait()
	})
}

func TestRelay_ForwardDeduplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b, c := makePeer(1), makePeer(2), makePeer(3)
	router := newFakeRouter()
	router.addPeer(a.id, types.RoleValidator)
	router.addPeer(b.id, types.RoleValidator)
	router.addPeer(c.id, types.RoleDirector)

	r := newRelay(t, config.TestRelayConfig(), router, nil)
	startRelay(ctx, t, r)

	msg := gossip(t, a)
	fresh, err := r.Forward(ctx, a.id, msg)
	require.NoError(t, err)
	require.True(t, fresh)

	require.Eventually(t, func() bool {
		return router.sentTo(b.id) == 1 && router.sentTo(c.id) == 1
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, router.sentTo(a.id), "message must not be echoed to its origin")

	// The same body relayed by another peer is a duplicate.
	fresh, err = r.Forward(ctx, b.id, msg)
	require.NoError(t, err)
	require.False(t, fresh)

	snap := r.Snapshot()
	require.EqualValues(t, 1, snap.Forwarded)
	require.EqualValues(t, 1, snap.DuplicateDropped)
	require.Equal(t, uint64(msg.Size()), snap.PeerBytes[b.id])
	require.Equal(t, uint64(msg.Size()), snap.PeerBytes[c.id])
	require.True(t, r.Seen(msg.Digest()))
}

func TestRelay_ExcludesArrivalPeerAndOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	origin, via, other := makePeer(1), makePeer(2), makePeer(3)
	router := newFakeRouter()
	router.addPeer(origin.id, types.RoleValidator)
	router.addPeer(via.id, types.RoleDirector)
	router.addPeer(other.id, types.RoleValidator)

	r := newRelay(t, config.TestRelayConfig(), router, nil)
	startRelay(ctx, t, r)

	fresh, err := r.Forward(ctx, via.id, gossip(t, origin))
	require.NoError(t, err)
	require.True(t, fresh)

	require.Eventually(t, func() bool { return router.sentTo(other.id) == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, router.sentTo(origin.id))
	require.Zero(t, router.sentTo(via.id))
}

func TestRelay_SeenTTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := makePeer(1)
	router := newFakeRouter()

	var (
		mtx sync.Mutex
		now = time.Now()
	)
	clock := func() time.Time {
		mtx.Lock()
		defer mtx.Unlock()
		return now
	}
	cfg := config.TestRelayConfig()
	cfg.SeenTTL = time.Minute

	r := newRelay(t, cfg, router, nil, relay.WithClock(clock))
	msg := gossip(t, a)

	fresh, err := r.Forward(ctx, a.id, msg)
	require.NoError(t, err)
	require.True(t, fresh)

	mtx.Lock()
	now = now.Add(59 * time.Second)
	mtx.Unlock()
	fresh, err = r.Forward(ctx, a.id, msg)
	require.NoError(t, err)
	require.False(t, fresh)

	mtx.Lock()
	now = now.Add(2 * time.Minute)
	mtx.Unlock()
	require.False(t, r.Seen(msg.Digest()))
	fresh, err = r.Forward(ctx, a.id, msg)
	require.NoError(t, err)
	require.True(t, fresh, "expired digests are treated as unseen")

	require.EqualValues(t, 2, r.Snapshot().Forwarded)
}

func TestRelay_RejectsInvalidMessage(t *testing.T) {
	r := newRelay(t, config.TestRelayConfig(), newFakeRouter(), nil)

	_, err := r.Forward(context.Background(), makePeer(1).id, nil)
	require.Error(t, err)

	msg := gossip(t, makePeer(1))
	msg.Version = 99
	_, err = r.Forward(context.Background(), makePeer(1).id, msg)
	require.ErrorIs(t, err, types.ErrMessageVersion)
}

func TestRelay_RequireAuthorization(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	director := makePeer(1)
	authorized, unauthorized := makePeer(2), makePeer(3)

	reg := relay.NewValidatorRegistry(log.TestingLogger(), nil, []types.PeerID{director.id}, 10, ed25519.Verifier{})
	sig, err := relay.SignAuthorization(director.privKey, authorized.id, director.id)
	require.NoError(t, err)
	require.NoError(t, reg.Authorize(authorized.id, director.id, relay.AuthorizationProof{
		Signatures: []relay.DirectorSignature{sig},
	}))

	router := newFakeRouter()
	router.addPeer(director.id, types.RoleDirector)
	router.addPeer(authorized.id, types.RoleValidator)
	router.addPeer(unauthorized.id, types.RoleValidator)

	cfg := config.TestRelayConfig()
	cfg.RequireAuthorization = true
	r := newRelay(t, cfg, router, reg)
	startRelay(ctx, t, r)

	fresh, err := r.Forward(ctx, unauthorized.id, gossip(t, unauthorized))
	require.NoError(t, err)
	require.False(t, fresh)
	require.EqualValues(t, 1, r.Snapshot().UnauthorizedDropped)

	fresh, err = r.Forward(ctx, director.id, gossip(t, director))
	require.NoError(t, err)
	require.True(t, fresh)

	require.Eventually(t, func() bool { return router.sentTo(authorized.id) == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, router.sentTo(unauthorized.id), "unauthorized validators are not relayed to")

	fresh, err = r.Forward(ctx, authorized.id, gossip(t, authorized))
	require.NoError(t, err)
	require.True(t, fresh)
	require.Eventually(t, func() bool { return router.sentTo(director.id) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelay_SlowPeerDoesNotStallOthers(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow, fast := makePeer(1), makePeer(2)
	router := newFakeRouter()
	router.addPeer(slow.id, types.RoleValidator)
	router.addPeer(fast.id, types.RoleValidator)
	router.setSlow(slow.id)

	cfg := config.TestRelayConfig()
	cfg.SendTimeout = 500 * time.Millisecond
	r := newRelay(t, cfg, router, nil)
	startRelay(ctx, t, r)

	start := time.Now()
	for i := 0; i < 5; i++ {
		fresh, err := r.Forward(ctx, makePeer(3).id, gossip(t, makePeer(3)))
		require.NoError(t, err)
		require.True(t, fresh)
	}
	require.Less(t, time.Since(start), cfg.SendTimeout, "Forward must not wait for sends")

	require.Equal(t, 5, router.sentTo(fast.id))
	require.Zero(t, router.sentTo(slow.id))

	// every copy for the full queue is dropped and counted
	snap := r.Snapshot()
	require.EqualValues(t, 5, snap.BufferFullDropped)
	require.Zero(t, snap.PeerBytes[slow.id])
	require.NotZero(t, snap.PeerBytes[fast.id])

	_ = r.Stop()
	r.Wait()
}

func TestRelay_DropsForgedSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	director := makePeer(1)
	authorized, unauthorized := makePeer(2), makePeer(3)
	other := makePeer(4)

	reg := relay.NewValidatorRegistry(log.TestingLogger(), nil, []types.PeerID{director.id}, 10, ed25519.Verifier{})
	sig, err := relay.SignAuthorization(director.privKey, authorized.id, director.id)
	require.NoError(t, err)
	require.NoError(t, reg.Authorize(authorized.id, director.id, relay.AuthorizationProof{
		Signatures: []relay.DirectorSignature{sig},
	}))

	router := newFakeRouter()
	router.addHandshakenPeer(director, types.RoleDirector)
	router.addHandshakenPeer(authorized, types.RoleValidator)
	router.addHandshakenPeer(unauthorized, types.RoleValidator)
	router.addPeer(other.id, types.RoleDirector)

	cfg := config.TestRelayConfig()
	cfg.RequireAuthorization = true
	r := newRelay(t, cfg, router, reg)
	startRelay(ctx, t, r)

	// forge signs a gossip message claiming to come from the director.
	forge := func(signer peer) *types.Message {
		msg, err := types.NewMessage(director.id, &types.Gossip{ID: uuid.NewString(), Topic: "test", Data: []byte("forged")})
		require.NoError(t, err)
		require.NoError(t, msg.Sign(signer.privKey))
		return msg
	}

	// An unauthorized peer cannot borrow the director's identity.
	fresh, err := r.Forward(ctx, unauthorized.id, forge(unauthorized))
	require.NoError(t, err)
	require.False(t, fresh)
	require.EqualValues(t, 1, r.Snapshot().UnauthorizedDropped)

	// Neither can an authorized one: the signature does not match the
	// director's handshake key.
	fresh, err = r.Forward(ctx, authorized.id, forge(authorized))
	require.NoError(t, err)
	require.False(t, fresh)

	snap := r.Snapshot()
	require.EqualValues(t, 1, snap.ForgedDropped)
	require.Zero(t, snap.Forwarded)
	require.Equal(t, 1, router.invalidReports(authorized.id))
	require.Zero(t, router.sentTo(other.id))

	// The director's own message, relayed by an authorized validator, passes.
	fresh, err = r.Forward(ctx, authorized.id, gossip(t, director))
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, 1, router.sentTo(other.id))
}

func TestRelay_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := newFakeRouter()
	r := newRelay(t, config.TestRelayConfig(), router, nil)
	startRelay(ctx, t, r)

	self := makePeer(0)
	require.ErrorIs(t, r.Broadcast(ctx, gossip(t, self)), relay.ErrNoPeers)

	slow := makePeer(1)
	router.addPeer(slow.id, types.RoleValidator)
	router.setSlow(slow.id)
	require.ErrorIs(t, r.Broadcast(ctx, gossip(t, self)), context.DeadlineExceeded)

	fast := makePeer(2)
	router.addPeer(fast.id, types.RoleDirector)
	msg := gossip(t, self)
	require.NoError(t, r.Broadcast(ctx, msg), "a partial broadcast succeeds")
	require.Equal(t, 1, router.sentTo(fast.id))

	// Copies relayed back are dropped.
	fresh, err := r.Forward(ctx, fast.id, msg)
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestRelay_StoppedRelayRefusesWork(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	router := newFakeRouter()
	router.addPeer(makePeer(1).id, types.RoleValidator)
	r := newRelay(t, config.TestRelayConfig(), router, nil)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())
	r.Wait()

	_, err := r.Forward(context.Background(), makePeer(2).id, gossip(t, makePeer(2)))
	require.ErrorIs(t, err, relay.ErrStopped)
	require.ErrorIs(t, r.Broadcast(context.Background(), gossip(t, makePeer(0))), relay.ErrStopped)
}

func TestRelay_SnapshotIsConsistent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := newFakeRouter()
	r := newRelay(t, config.TestRelayConfig(), router, nil)
	startRelay(ctx, t, r)

	sender := makePeer(1)
	msgs := make([]*types.Message, 20)
	for i := range msgs {
		msgs[i] = gossip(t, sender)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, msg := range msgs {
				_, err := r.Forward(ctx, sender.id, msg)
				assert.NoError(t, err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		snap := r.Snapshot()
		require.LessOrEqual(t, snap.Forwarded, uint64(len(msgs)))
		require.LessOrEqual(t, snap.Forwarded+snap.DuplicateDropped, uint64(4*len(msgs)))
		select {
		case <-done:
			snap = r.Snapshot()
			require.EqualValues(t, len(msgs), snap.Forwarded)
			require.EqualValues(t, 3*len(msgs), snap.DuplicateDropped)
			return
		default:
		}
	}
}

type recordingHandler struct {
	mtx  sync.Mutex
	envs []p2p.Envelope
}

func (h *recordingHandler) Enqueue(env p2p.Envelope) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.envs = append(h.envs, env)
	return nil
}

func (h *recordingHandler) count() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.envs)
}

func TestRelay_Network(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := p2ptest.MakeNetwork(t, p2ptest.NetworkOptions{
		NumNodes: 4,
		Roles:    []types.Role{types.RoleDirector, types.RoleValidator, types.RoleValidator, types.RoleValidator},
	})
	network.Start(ctx, t)

	relays := make([]*relay.Relay, 0, len(network.Order))
	handlers := make([]*recordingHandler, 0, len(network.Order))
	for _, id := range network.Order {
		node := network.Nodes[id]
		h := &recordingHandler{}
		r, err := relay.NewRelay(log.TestingLogger(), nil, config.TestRelayConfig(), node.PeerID, node.Router, nil, relay.WithHandler(h))
		require.NoError(t, err)
		startRelay(ctx, t, r)
		relays = append(relays, r)
		handlers = append(handlers, h)
	}

	origin := network.Node(1)
	for i := 0; i < 3; i++ {
		msg := p2ptest.GossipMessage(t, origin, fmt.Sprintf("gossip-%d", i), "payload")
		require.NoError(t, relays[1].Broadcast(ctx, msg))
	}

	// Every other node hands each message to its handler exactly once, even
	// though it receives a copy from the origin and one from every relayer.
	require.Eventually(t, func() bool {
		for i, h := range handlers {
			if i != 1 && h.count() != 3 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	for i, h := range handlers {
		if i == 1 {
			require.Zero(t, h.count(), "origin does not deliver its own messages")
			continue
		}
		require.Equal(t, 3, h.count())
	}

	var duplicates uint64
	for _, r := range relays {
		duplicates += r.Snapshot().DuplicateDropped
	}
	require.NotZero(t, duplicates)
}
