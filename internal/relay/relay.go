package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/libs/service"
	"github.com/tendermint/checkpointbft/types"
)

var (
	// ErrNoPeers is returned by Broadcast when there is no peer to send to.
	ErrNoPeers = errors.New("no peers to relay to")

	// ErrStopped is returned once the relay has stopped.
	ErrStopped = errors.New("relay stopped")
)

// Router is the part of the peer transport the relay needs.
type Router interface {
	Inbound() <-chan p2p.Envelope
	Peers() []p2p.PeerInfo
	PeerInfo(peerID types.PeerID) (p2p.PeerInfo, bool)
	Broadcast(msg *types.Message, peerIDs ...types.PeerID) error
	SendContext(ctx context.Context, peerID types.PeerID, msg *types.Message) error
	ReportInvalid(peerID types.PeerID)
}

// Handler receives every inbound message the relay sees for the first time.
type Handler interface {
	Enqueue(env p2p.Envelope) error
}

// Stats is a point-in-time copy of the relay counters.
type Stats struct {
	Forwarded           uint64
	DuplicateDropped    uint64
	UnauthorizedDropped uint64
	ForgedDropped       uint64
	BufferFullDropped   uint64
	PeerBytes           map[types.PeerID]uint64
}

// Relay forwards messages between peers. Every message is identified by its
// digest; a message seen within the TTL is dropped, anything else is sent on
// to every connected director and validator except the peer it came from and
// the peer that originated it.
//
// A message whose sender's public key is known from a handshake must carry a
// valid signature from that key; otherwise it is dropped and the peer that
// delivered it is reported.
//
// Relayed copies are enqueued without blocking: a peer whose send queue is
// full misses the copy. Originated messages run on a shared worker pool and
// each send waits at most the configured send timeout.
type Relay struct {
	*service.BaseService
	logger   log.Logger
	metrics  *Metrics
	cfg      *config.RelayConfig
	self     types.PeerID
	router   Router
	registry *ValidatorRegistry
	handler  Handler
	verifier crypto.Verifier
	now      func() time.Time

	seenMtx sync.Mutex
	seen    *lru.Cache // types.Hash -> time.Time

	statsMtx sync.Mutex
	stats    Stats

	poolMtx sync.RWMutex
	pool    *workerpool.WorkerPool
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RelayOption sets an optional parameter on the Relay.
type RelayOption func(*Relay)

// WithHandler delivers fresh inbound messages to h.
func WithHandler(h Handler) RelayOption {
	return func(r *Relay) { r.handler = h }
}

// WithVerifier overrides the signature scheme used to check senders.
func WithVerifier(v crypto.Verifier) RelayOption {
	return func(r *Relay) { r.verifier = v }
}

// WithClock overrides the clock used to expire seen digests.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// NewRelay creates a relay for the node self on top of router.
func NewRelay(
	logger log.Logger,
	metrics *Metrics,
	cfg *config.RelayConfig,
	self types.PeerID,
	router Router,
	registry *ValidatorRegistry,
	options ...RelayOption,
) (*Relay, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	seen, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen-set: %w", err)
	}

	r := &Relay{
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		self:     self,
		router:   router,
		registry: registry,
		verifier: ed25519.Verifier{},
		now:      time.Now,
		seen:     seen,
		stats:    Stats{PeerBytes: make(map[types.PeerID]uint64)},
		pool:     workerpool.New(cfg.Workers),
	}
	for _, opt := range options {
		opt(r)
	}
	r.BaseService = service.NewBaseService(logger, "relay", r)
	return r, nil
}

// SetHandler sets the handler of fresh inbound messages. It must be called
// before the relay is started.
func (r *Relay) SetHandler(h Handler) { r.handler = h }

// Registry returns the validator registry consulted for authorization.
func (r *Relay) Registry() *ValidatorRegistry { return r.registry }

// OnStart implements service.Service. It consumes the router's inbound
// messages, relaying them and delivering fresh ones to the handler.
func (r *Relay) OnStart(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.processInbound(ctx)
	}()
	return nil
}

// OnStop implements service.Service. Queued sends that have not started are
// abandoned.
func (r *Relay) OnStop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.poolMtx.Lock()
	r.stopped = true
	r.poolMtx.Unlock()
	r.pool.Stop()
}

func (r *Relay) processInbound(ctx context.Context) {
	for {
		select {
		case env := <-r.router.Inbound():
			fresh, err := r.Forward(ctx, env.From, env.Message)
			if err != nil {
				r.logger.Debug("not relaying message", "peer", env.From, "err", err)
				continue
			}
			if !fresh || r.handler == nil {
				continue
			}
			if err := r.handler.Enqueue(env); err != nil {
				r.logger.Debug("handler rejected message", "peer", env.From, "message", env.Message, "err", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// Forward relays msg that arrived from peer from. It returns true if the
// message was new and has been handed to the router for fan-out, and false if
// it was dropped as a duplicate, as forged or for lack of authorization.
// Fan-out never blocks: peers whose send queue is full are skipped.
//
// With authorization required, both the claimed sender and the peer the
// message arrived from must be directors or authorized validators, so an
// unauthorized peer cannot inject messages under another sender's ID.
func (r *Relay) Forward(ctx context.Context, from types.PeerID, msg *types.Message) (bool, error) {
	if msg == nil {
		return false, errors.New("nil message")
	}
	if err := msg.ValidateBasic(); err != nil {
		return false, err
	}

	if r.cfg.RequireAuthorization && !(r.authorized(msg.Sender) && (from == "" || r.authorized(from))) {
		r.statsMtx.Lock()
		r.stats.UnauthorizedDropped++
		r.statsMtx.Unlock()
		r.metrics.UnauthorizedDropped.Add(1)
		r.logger.Debug("dropping message from unauthorized sender", "sender", msg.Sender, "peer", from)
		return false, nil
	}

	if !r.verifySender(msg) {
		r.statsMtx.Lock()
		r.stats.ForgedDropped++
		r.statsMtx.Unlock()
		r.metrics.ForgedDropped.Add(1)
		r.logger.Info("dropping message with invalid sender signature", "sender", msg.Sender, "peer", from)
		if from != "" {
			r.router.ReportInvalid(from)
		}
		return false, nil
	}

	if !r.markSeen(msg.Digest()) {
		r.statsMtx.Lock()
		r.stats.DuplicateDropped++
		r.statsMtx.Unlock()
		r.metrics.DuplicateDropped.Add(1)
		return false, nil
	}

	r.statsMtx.Lock()
	r.stats.Forwarded++
	r.statsMtx.Unlock()
	r.metrics.Forwarded.Add(1)

	if r.isStopped() {
		return true, ErrStopped
	}
	if targets := r.targets(from, msg.Sender); len(targets) > 0 {
		r.fanOut(msg, targets)
	}
	return true, nil
}

// Broadcast originates msg: it is marked as seen, so copies relayed back are
// dropped, and sent to every eligible peer. Broadcast waits for the sends and
// fails only if no peer accepted the message.
func (r *Relay) Broadcast(ctx context.Context, msg *types.Message) error {
	if err := msg.ValidateBasic(); err != nil {
		return err
	}
	r.markSeen(msg.Digest())

	targets := r.targets("", msg.Sender)
	if len(targets) == 0 {
		return ErrNoPeers
	}

	var (
		mtx       sync.Mutex
		result    *multierror.Error
		delivered int
		wg        sync.WaitGroup
	)
	for _, peerID := range targets {
		peerID := peerID
		wg.Add(1)
		ok := r.submit(func() {
			defer wg.Done()
			err := r.send(ctx, peerID, msg)

			mtx.Lock()
			defer mtx.Unlock()
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("peer %v: %w", peerID, err))
				return
			}
			delivered++
		})
		if !ok {
			wg.Done()
			mtx.Lock()
			result = multierror.Append(result, ErrStopped)
			mtx.Unlock()
		}
	}
	wg.Wait()

	if delivered == 0 {
		return result.ErrorOrNil()
	}
	if err := result.ErrorOrNil(); err != nil {
		r.logger.Debug("broadcast partially failed", "message", msg, "delivered", delivered, "err", err)
	}
	return nil
}

// Snapshot returns a consistent copy of the relay counters.
func (r *Relay) Snapshot() Stats {
	r.statsMtx.Lock()
	defer r.statsMtx.Unlock()

	snap := r.stats
	snap.PeerBytes = make(map[types.PeerID]uint64, len(r.stats.PeerBytes))
	for id, n := range r.stats.PeerBytes {
		snap.PeerBytes[id] = n
	}
	return snap
}

// Seen reports whether the digest was seen within the TTL.
func (r *Relay) Seen(digest types.Hash) bool {
	r.seenMtx.Lock()
	defer r.seenMtx.Unlock()

	v, ok := r.seen.Peek(digest)
	return ok && r.now().Sub(v.(time.Time)) < r.cfg.SeenTTL
}

// markSeen records digest and reports whether it was unseen, treating
// entries older than the TTL as unseen.
func (r *Relay) markSeen(digest types.Hash) bool {
	now := r.now()

	r.seenMtx.Lock()
	defer r.seenMtx.Unlock()

	if v, ok := r.seen.Get(digest); ok && now.Sub(v.(time.Time)) < r.cfg.SeenTTL {
		return false
	}
	r.seen.Add(digest, now)
	r.metrics.SeenSetSize.Set(float64(r.seen.Len()))
	return true
}

// verifySender checks the message signature against the sender's public key
// when a handshake has proven it. Messages from senders never seen directly
// pass, relying on the arrival peer's identity.
func (r *Relay) verifySender(msg *types.Message) bool {
	info, ok := r.router.PeerInfo(msg.Sender)
	if !ok || len(info.PubKey) == 0 {
		return true
	}
	return msg.VerifySignature(info.PubKey, r.verifier)
}

func (r *Relay) authorized(id types.PeerID) bool {
	return id == r.self || (r.registry != nil && r.registry.Allowed(id))
}

// targets returns the connected peers a message from origin, arriving from
// peer from, is relayed to.
func (r *Relay) targets(from, origin types.PeerID) []types.PeerID {
	peers := r.router.Peers()
	ids := make([]types.PeerID, 0, len(peers))
	for _, p := range peers {
		if p.ID == from || p.ID == origin || p.ID == r.self {
			continue
		}
		if p.Status != "" && p.Status != p2p.PeerStatusConnected {
			continue
		}
		switch p.Role {
		case types.RoleDirector:
		case types.RoleValidator:
			if r.cfg.RequireAuthorization && !r.authorized(p.ID) {
				continue
			}
		default:
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids
}

// fanOut enqueues msg for targets without blocking and accounts for every
// copy that was delivered to a queue or dropped.
func (r *Relay) fanOut(msg *types.Message, targets []types.PeerID) {
	failed := make(map[types.PeerID]bool)
	if err := r.router.Broadcast(msg, targets...); err != nil {
		var merr *multierror.Error
		if !errors.As(err, &merr) {
			merr = &multierror.Error{Errors: []error{err}}
		}
		for _, e := range merr.Errors {
			var peerErr *p2p.PeerSendError
			if !errors.As(e, &peerErr) {
				r.logger.Error("failed to relay message", "message", msg, "err", e)
				continue
			}
			failed[peerErr.PeerID] = true
			if errors.Is(peerErr, p2p.ErrBufferFull) {
				r.statsMtx.Lock()
				r.stats.BufferFullDropped++
				r.statsMtx.Unlock()
				r.metrics.BufferFullDropped.With("peer_id", string(peerErr.PeerID)).Add(1)
			} else {
				r.metrics.SendFailures.With("peer_id", string(peerErr.PeerID)).Add(1)
			}
			r.logger.Debug("failed to relay message", "peer", peerErr.PeerID, "message", msg, "err", peerErr.Err)
		}
	}

	for _, peerID := range targets {
		if !failed[peerID] {
			r.recordSent(peerID, msg)
		}
	}
}

func (r *Relay) isStopped() bool {
	r.poolMtx.RLock()
	defer r.poolMtx.RUnlock()
	return r.stopped
}

func (r *Relay) submit(task func()) bool {
	r.poolMtx.RLock()
	defer r.poolMtx.RUnlock()
	if r.stopped {
		return false
	}
	r.pool.Submit(task)
	return true
}

func (r *Relay) send(ctx context.Context, peerID types.PeerID, msg *types.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	if err := r.router.SendContext(ctx, peerID, msg); err != nil {
		r.metrics.SendFailures.With("peer_id", string(peerID)).Add(1)
		return err
	}
	r.recordSent(peerID, msg)
	return nil
}

func (r *Relay) recordSent(peerID types.PeerID, msg *types.Message) {
	size := uint64(msg.Size())
	r.metrics.PeerRelayBytesTotal.With("peer_id", string(peerID)).Add(float64(size))
	r.statsMtx.Lock()
	r.stats.PeerBytes[peerID] += size
	r.statsMtx.Unlock()
}
