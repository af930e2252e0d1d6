package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/internal/p2p/conn"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/libs/service"
	"github.com/tendermint/checkpointbft/types"
)

// RouterOptions specifies options for a Router.
type RouterOptions struct {
	// HandshakeTimeout is the timeout for handshaking with a peer.
	HandshakeTimeout time.Duration

	// DialTimeout is the timeout for a single dial attempt.
	DialTimeout time.Duration

	// PingInterval is how often peers are pinged. PeerTimeout is the silence
	// after which a peer is evicted.
	PingInterval time.Duration
	PeerTimeout  time.Duration

	// SendQueueSize is the capacity of each peer's outbound queue.
	SendQueueSize int

	// InboundQueueSize is the capacity of the inbound channel shared by all
	// peers.
	InboundQueueSize int

	// Dial retry policy for persistent peers.
	DialMaxAttempts int
	DialBackoffBase time.Duration
	DialBackoffMax  time.Duration

	// PersistentPeers are dialed on start and redialed after disconnects.
	PersistentPeers []NodeAddress

	// FilterPeerByID is used by the router to inject filtering behavior for
	// new connections. It is called after the handshake completes. Functions
	// should return an error to reject the peer.
	FilterPeerByID func(context.Context, types.PeerID) error
}

// Validate validates router options, filling in defaults.
func (o *RouterOptions) Validate() error {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 20 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.PeerTimeout == 0 {
		o.PeerTimeout = 6 * o.PingInterval
	}
	if o.SendQueueSize == 0 {
		o.SendQueueSize = 256
	}
	if o.InboundQueueSize == 0 {
		o.InboundQueueSize = 1024
	}
	if o.DialMaxAttempts == 0 {
		o.DialMaxAttempts = 10
	}
	if o.DialBackoffBase == 0 {
		o.DialBackoffBase = 500 * time.Millisecond
	}
	if o.DialBackoffMax == 0 {
		o.DialBackoffMax = 30 * time.Second
	}

	switch {
	case o.PeerTimeout <= o.PingInterval:
		return fmt.Errorf("peer timeout %v must exceed ping interval %v", o.PeerTimeout, o.PingInterval)
	case o.SendQueueSize < 0 || o.InboundQueueSize < 0:
		return errors.New("queue sizes can't be negative")
	case o.DialMaxAttempts < 0:
		return errors.New("dial attempts can't be negative")
	case o.DialBackoffMax < o.DialBackoffBase:
		return errors.New("dial backoff max must be at least the backoff base")
	}

	for _, addr := range o.PersistentPeers {
		if err := addr.Validate(); err != nil {
			return fmt.Errorf("invalid persistent peer %v: %w", addr, err)
		}
	}
	return nil
}

// Envelope is an inbound message together with the peer it arrived from and
// its decoded payload.
type Envelope struct {
	From    types.PeerID
	Message *types.Message
	Payload types.Payload
}

// Router owns the peer directory: it accepts and dials connections,
// handshakes with peers and moves messages between peers and the rest of the
// node.
//
// On startup, the following goroutines are spawned:
//
//   acceptPeers(): in a loop, waits for an inbound connection via
//   Transport.Accept() and spawns a goroutine that handshakes with it and
//   begins to route messages if successful.
//
//   maintainPeer(): one per persistent peer. Dials the peer with exponential
//   backoff and, once connected, waits for it to disconnect before dialing
//   again with a fresh retry budget. A peer that exhausts its budget is marked
//   unreachable.
//
// When a peer is connected, routePeer() is called to spawn off three
// additional goroutines:
//
//   sendPeer(): waits for an outbound message from the peer's queue and
//   writes it to the connection.
//
//   receivePeer(): reads inbound messages from the connection, answers
//   pings and passes everything else on to Inbound().
//
//   pingPeer(): pings the peer periodically and evicts it once it has been
//   silent for longer than the peer timeout.
//
// Sends never block on a slow peer: Send fails with ErrBufferFull when the
// peer's queue is full, and SendContext waits at most until its context is
// done.
//
// Peers whose reputation falls past the isolation threshold are disconnected
// and are neither accepted nor dialed again.
type Router struct {
	*service.BaseService
	logger  log.Logger
	metrics *Metrics

	options   RouterOptions
	privKey   crypto.PrivKey
	nodeInfo  NodeInfo
	transport Transport

	// peers is the directory of connected peers. The write lock is only
	// taken on connect and disconnect.
	peerMtx sync.RWMutex
	peers   map[types.PeerID]*peerState

	book      *peerBook
	inboundCh chan Envelope
	pingNonce uint64 // atomic

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a new Router. The given Transport must already be
// listening on appropriate interfaces, and will be closed by the Router when
// it stops.
func NewRouter(
	logger log.Logger,
	metrics *Metrics,
	privKey crypto.PrivKey,
	nodeInfo NodeInfo,
	transport Transport,
	opts RouterOptions,
) (*Router, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := nodeInfo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node info: %w", err)
	}
	if id := types.PeerIDFromPubKey(privKey.PubKey()); id != nodeInfo.PeerID {
		return nil, fmt.Errorf("node info ID %q does not match private key %q", nodeInfo.PeerID, id)
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	router := &Router{
		logger:    logger,
		metrics:   metrics,
		options:   opts,
		privKey:   privKey,
		nodeInfo:  nodeInfo,
		transport: transport,
		peers:     make(map[types.PeerID]*peerState),
		book:      newPeerBook(),
		inboundCh: make(chan Envelope, opts.InboundQueueSize),
	}
	router.BaseService = service.NewBaseService(logger, "router", router)

	for _, addr := range opts.PersistentPeers {
		router.book.setAddress(addr.PeerID, addr.String())
	}

	return router, nil
}

// NodeInfo returns the info this node announces in handshakes.
func (r *Router) NodeInfo() NodeInfo { return r.nodeInfo }

// Inbound returns the channel on which messages received from peers are
// delivered, in per-peer arrival order.
func (r *Router) Inbound() <-chan Envelope { return r.inboundCh }

// Send enqueues msg for delivery to peer without blocking. It fails with
// ErrBufferFull if the peer's queue is full, and with ErrPeerNotConnected if
// there is no connection to the peer.
func (r *Router) Send(peerID types.PeerID, msg *types.Message) error {
	p, ok := r.getPeer(peerID)
	if !ok {
		return ErrPeerNotConnected
	}

	select {
	case <-p.queue.closed():
		return ErrPeerNotConnected
	default:
	}

	if !p.queue.tryEnqueue(msg) {
		r.metrics.SendDropped.With("peer_id", string(peerID)).Add(1)
		return ErrBufferFull
	}
	return nil
}

// SendContext enqueues msg for delivery to peer, blocking until there is room
// in the peer's queue or ctx is done.
func (r *Router) SendContext(ctx context.Context, peerID types.PeerID, msg *types.Message) error {
	p, ok := r.getPeer(peerID)
	if !ok {
		return ErrPeerNotConnected
	}

	select {
	case p.queue.enqueue() <- msg:
		return nil
	case <-p.queue.closed():
		return ErrPeerNotConnected
	case <-ctx.Done():
		r.metrics.SendDropped.With("peer_id", string(peerID)).Add(1)
		return ctx.Err()
	}
}

// Broadcast enqueues msg for the given peers concurrently, or for every
// connected peer if none are given. Peers with a full queue are skipped and
// reported in the returned error as *PeerSendError; they never delay
// delivery to the others.
func (r *Router) Broadcast(msg *types.Message, peerIDs ...types.PeerID) error {
	if len(peerIDs) == 0 {
		for _, p := range r.connectedPeers() {
			peerIDs = append(peerIDs, p.id)
		}
	}

	var (
		mtx    sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	for _, id := range peerIDs {
		id := id
		g.Go(func() error {
			if err := r.Send(id, msg); err != nil {
				mtx.Lock()
				result = multierror.Append(result, &PeerSendError{PeerID: id, Err: err})
				mtx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return result.ErrorOrNil()
}

// Peers returns the connected peers, sorted by ID.
func (r *Router) Peers() []PeerInfo {
	peers := r.connectedPeers()
	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, r.peerInfo(p))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// PeerInfo returns what the router knows about a peer, connected or not.
func (r *Router) PeerInfo(peerID types.PeerID) (PeerInfo, bool) {
	if p, ok := r.getPeer(peerID); ok {
		return r.peerInfo(p), true
	}
	return r.book.info(peerID)
}

// IsConnected reports whether there is a connection to peer.
func (r *Router) IsConnected(peerID types.PeerID) bool {
	_, ok := r.getPeer(peerID)
	return ok
}

// NumPeers returns the number of connected peers.
func (r *Router) NumPeers() int {
	r.peerMtx.RLock()
	defer r.peerMtx.RUnlock()
	return len(r.peers)
}

// ReportValid credits a peer for a message that passed validation.
func (r *Router) ReportValid(peerID types.PeerID) { r.book.reportValid(peerID) }

// ReportInvalid penalizes a peer for a message that failed validation. A
// peer whose reputation falls past the isolation threshold is disconnected
// and refused from then on.
func (r *Router) ReportInvalid(peerID types.PeerID) {
	r.book.reportInvalid(peerID)
	r.isolateIfMisbehaving(peerID)
}

// isolateIfMisbehaving disconnects and bans peer if its reputation calls for
// it.
func (r *Router) isolateIfMisbehaving(peerID types.PeerID) {
	info, ok := r.book.info(peerID)
	if !ok || !info.ShouldIsolate() {
		return
	}
	if info.Status != PeerStatusIsolated {
		r.book.setStatus(peerID, PeerStatusIsolated)
		r.metrics.PeersIsolated.Add(1)
		r.logger.Info("isolating peer", "peer", peerID, "score", info.Score(), "timeouts", info.Timeouts)
	}
	if p, ok := r.getPeer(peerID); ok {
		p.queue.close()
		_ = p.conn.Close()
	}
}

func (r *Router) isIsolated(peerID types.PeerID) bool {
	info, ok := r.book.info(peerID)
	return ok && (info.Status == PeerStatusIsolated || info.ShouldIsolate())
}

func (r *Router) getPeer(peerID types.PeerID) (*peerState, bool) {
	r.peerMtx.RLock()
	defer r.peerMtx.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

func (r *Router) connectedPeers() []*peerState {
	r.peerMtx.RLock()
	defer r.peerMtx.RUnlock()
	peers := make([]*peerState, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Router) peerInfo(p *peerState) PeerInfo {
	info, _ := r.book.info(p.id)
	info.ID = p.id
	info.Role = p.info.Role
	info.PubKey = p.info.PubKey
	info.Status = PeerStatusConnected
	info.Inbound = p.inbound
	info.ConnectedAt = p.connectedAt
	info.LastSeen = time.Unix(0, atomic.LoadInt64(&p.lastSeen))
	return info
}

// acceptPeers accepts inbound connections from peers on the given transport,
// and spawns goroutines that route messages to/from them.
func (r *Router) acceptPeers(ctx context.Context) {
	for {
		c, err := r.transport.Accept(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			r.logger.Debug("stopping accept routine", "transport", r.transport, "err", "context canceled")
			return
		case errors.Is(err, io.EOF):
			r.logger.Debug("stopping accept routine", "transport", r.transport, "err", "EOF")
			return
		case err != nil:
			// in this case we got an error from the net.Listener.
			r.logger.Error("failed to accept connection", "transport", r.transport, "err", err)
			if ctx.Err() != nil {
				return
			}
			continue
		case c == nil:
			continue
		}

		// Spawn a goroutine for the handshake, to avoid head-of-line blocking.
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.openConnection(ctx, c)
		}()
	}
}

func (r *Router) openConnection(ctx context.Context, c Connection) {
	peerInfo, err := r.handshakePeer(ctx, c, "")
	switch {
	case errors.Is(err, context.Canceled):
		_ = c.Close()
		return
	case err != nil:
		if conn.IsProtocolError(err) {
			r.metrics.ProtocolErrors.Add(1)
		}
		r.logger.Error("peer handshake failed", "endpoint", c, "err", err)
		_ = c.Close()
		return
	}

	r.routePeer(ctx, peerInfo, c, true)
}

// maintainPeer keeps a connection to a persistent peer.
func (r *Router) maintainPeer(ctx context.Context, address NodeAddress) {
	for {
		if p, ok := r.getPeer(address.PeerID); ok {
			select {
			case <-p.done:
				continue
			case <-ctx.Done():
				return
			}
		}

		c, peerInfo, err := r.dialWithRetry(ctx, address)
		switch {
		case ctx.Err() != nil:
			if c != nil {
				_ = c.Close()
			}
			return
		case errors.Is(err, ErrPeerIsolated):
			r.logger.Info("not dialing isolated peer", "peer", address)
			return
		case err != nil:
			r.book.setStatus(address.PeerID, PeerStatusUnreachable)
			r.metrics.PeersUnreachable.Set(float64(r.book.countStatus(PeerStatusUnreachable)))
			r.logger.Error("peer unreachable", "peer", address, "attempts", r.options.DialMaxAttempts, "err", err)
			return
		}

		r.routePeer(ctx, peerInfo, c, false)
	}
}

// dialWithRetry dials and handshakes with a peer, retrying with exponential
// backoff and jitter up to DialMaxAttempts times.
func (r *Router) dialWithRetry(ctx context.Context, address NodeAddress) (Connection, NodeInfo, error) {
	backoff := retry.NewExponential(r.options.DialBackoffBase)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithCappedDuration(r.options.DialBackoffMax, backoff)
	backoff = retry.WithMaxRetries(uint64(r.options.DialMaxAttempts-1), backoff)

	var (
		c        Connection
		peerInfo NodeInfo
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if r.isIsolated(address.PeerID) {
			return ErrPeerIsolated
		}

		dialed, err := r.dialPeer(ctx, address)
		if err != nil {
			r.metrics.DialFailures.Add(1)
			r.logger.Debug("failed to dial peer", "peer", address, "err", err)
			return retry.RetryableError(&TransportError{PeerID: address.PeerID, Address: address.String(), Err: err})
		}

		info, err := r.handshakePeer(ctx, dialed, address.PeerID)
		if err != nil {
			_ = dialed.Close()
			r.metrics.DialFailures.Add(1)
			r.logger.Debug("failed to handshake with peer", "peer", address, "err", err)
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrPeerIsolated) {
				return err
			}
			return retry.RetryableError(&TransportError{PeerID: address.PeerID, Address: address.String(), Err: err})
		}

		c, peerInfo = dialed, info
		return nil
	})
	return c, peerInfo, err
}

// dialPeer connects to a peer by dialing it.
func (r *Router) dialPeer(ctx context.Context, address NodeAddress) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.options.DialTimeout)
	defer cancel()

	endpoints, err := address.Resolve(dialCtx)
	switch {
	case err != nil:
		return nil, fmt.Errorf("failed to resolve address %q: %w", address, err)
	case len(endpoints) == 0:
		return nil, fmt.Errorf("address %q did not resolve to any endpoints", address)
	}

	for _, endpoint := range endpoints {
		c, err := r.transport.Dial(dialCtx, endpoint)
		if err != nil {
			r.logger.Debug("failed to dial endpoint", "peer", address.PeerID, "endpoint", endpoint, "err", err)
		} else {
			r.logger.Debug("dialed peer", "peer", address.PeerID, "endpoint", endpoint)
			return c, nil
		}
	}

	return nil, errors.New("all endpoints failed")
}

// handshakePeer handshakes with a peer, validating the peer's information. If
// expectID is given, we check that the peer's info matches it.
func (r *Router) handshakePeer(ctx context.Context, c Connection, expectID types.PeerID) (NodeInfo, error) {
	peerInfo, err := c.Handshake(ctx, r.options.HandshakeTimeout, r.nodeInfo, r.privKey)
	if err != nil {
		return peerInfo, err
	}
	if err = peerInfo.Validate(); err != nil {
		return peerInfo, fmt.Errorf("invalid handshake node info: %w", err)
	}
	if peerInfo.PeerID == r.nodeInfo.PeerID {
		return peerInfo, errors.New("rejecting connection to self")
	}
	if expectID != "" && expectID != peerInfo.PeerID {
		return peerInfo, fmt.Errorf("expected to connect with peer %q, got %q", expectID, peerInfo.PeerID)
	}
	if r.isIsolated(peerInfo.PeerID) {
		return peerInfo, fmt.Errorf("%w: %v", ErrPeerIsolated, peerInfo.PeerID)
	}
	if err := r.nodeInfo.CompatibleWith(peerInfo); err != nil {
		return peerInfo, err
	}
	if r.options.FilterPeerByID != nil {
		if err := r.options.FilterPeerByID(ctx, peerInfo.PeerID); err != nil {
			return peerInfo, fmt.Errorf("peer %q filtered: %w", peerInfo.PeerID, err)
		}
	}
	return peerInfo, nil
}

// routePeer routes inbound and outbound messages for a peer until the
// connection fails, the peer is evicted or replaced, or ctx is done. The most
// recently authenticated connection for a peer ID wins: an existing
// connection for the same ID is closed.
func (r *Router) routePeer(ctx context.Context, info NodeInfo, c Connection, inbound bool) {
	p := newPeerState(info, c, r.options.SendQueueSize, inbound)
	peerID := p.id

	r.peerMtx.Lock()
	old := r.peers[peerID]
	r.peers[peerID] = p
	r.peerMtx.Unlock()

	if old != nil {
		r.logger.Info("replacing existing connection", "peer", peerID, "old", old.conn, "new", c)
		old.queue.close()
		_ = old.conn.Close()
	}

	address := NodeAddress{PeerID: peerID, Protocol: c.RemoteEndpoint().Protocol}.String()
	if info.ListenAddr != "" {
		address = fmt.Sprintf("%s@%s", peerID, info.ListenAddr)
	}
	r.book.connected(peerID, address, info.Role, info.PubKey)
	r.metrics.PeersConnected.Add(1)
	r.metrics.PeersUnreachable.Set(float64(r.book.countStatus(PeerStatusUnreachable)))

	defer func() {
		r.peerMtx.Lock()
		current := r.peers[peerID] == p
		if current {
			delete(r.peers, peerID)
		}
		r.peerMtx.Unlock()

		if current {
			r.book.disconnected(peerID)
		}
		r.metrics.PeersConnected.Add(-1)
		close(p.done)
	}()

	r.logger.Info("peer connected", "peer", peerID, "endpoint", c, "role", info.Role)

	const routines = 3
	errCh := make(chan error, routines)
	go func() { errCh <- r.receivePeer(ctx, p) }()
	go func() { errCh <- r.sendPeer(ctx, p) }()
	go func() { errCh <- r.pingPeer(ctx, p) }()

	err := <-errCh

	_ = c.Close()
	p.queue.close()

	for i := 1; i < routines; i++ {
		// The first err may be nil, so we update it with a later one.
		if e := <-errCh; err == nil {
			err = e
		}
	}

	// if the context was canceled
	if e := ctx.Err(); err == nil && e != nil {
		err = e
	}

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		r.logger.Info("peer disconnected", "peer", peerID, "endpoint", c)
	case errors.Is(err, errPeerTimeout):
		r.logger.Info("peer evicted", "peer", peerID, "endpoint", c, "timeout", r.options.PeerTimeout)
		r.isolateIfMisbehaving(peerID)
	case conn.IsProtocolError(err):
		r.metrics.ProtocolErrors.Add(1)
		r.logger.Error("peer protocol violation", "peer", peerID, "endpoint", c, "err", err)
		r.ReportInvalid(peerID)
	default:
		r.logger.Error("peer failure", "peer", peerID, "endpoint", c, "err", err)
	}
}

// receivePeer receives inbound messages from a peer, answers pings and passes
// the rest on to the inbound channel.
func (r *Router) receivePeer(ctx context.Context, p *peerState) error {
	for {
		msg, err := p.conn.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		p.touch()

		r.metrics.PeerReceiveBytesTotal.With(
			"peer_id", string(p.id),
			"message_type", msg.Kind.String()).Add(float64(msg.Size()))

		payload, err := msg.DecodePayload()
		if err != nil {
			return conn.ProtocolError{Err: err}
		}

		switch pl := payload.(type) {
		case *types.Handshake:
			return conn.ProtocolError{Err: errors.New("unexpected handshake on established connection")}

		case *types.Ping:
			pong, err := types.NewSignedMessage(r.privKey, &types.Pong{Nonce: pl.Nonce})
			if err != nil {
				return err
			}
			if !p.queue.tryEnqueue(pong) {
				r.logger.Debug("dropping pong, send queue full", "peer", p.id)
			}
			continue

		case *types.Pong:
			continue
		}

		r.logger.Debug("received message", "peer", p.id, "message", msg)

		select {
		case r.inboundCh <- Envelope{From: p.id, Message: msg, Payload: payload}:
		case <-p.queue.closed():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// sendPeer sends queued messages to a peer.
func (r *Router) sendPeer(ctx context.Context, p *peerState) error {
	for {
		select {
		case msg := <-p.queue.dequeue():
			if msg == nil {
				r.logger.Error("dropping nil message", "peer", p.id)
				continue
			}

			if err := p.conn.SendMessage(ctx, msg); err != nil {
				return err
			}

			r.metrics.PeerSendBytesTotal.With(
				"peer_id", string(p.id),
				"message_type", msg.Kind.String()).Add(float64(msg.Size()))
			r.logger.Debug("sent message", "peer", p.id, "message", msg)

		case <-p.queue.closed():
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// pingPeer keeps the connection alive and evicts the peer once it has been
// silent for longer than PeerTimeout.
func (r *Router) pingPeer(ctx context.Context, p *peerState) error {
	ticker := time.NewTicker(r.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if silent := p.silentFor(now); silent > r.options.PeerTimeout {
				r.metrics.PeersEvicted.Add(1)
				r.book.reportTimeout(p.id)
				return fmt.Errorf("%w: silent for %v", errPeerTimeout, silent)
			}

			ping, err := types.NewSignedMessage(r.privKey, &types.Ping{Nonce: atomic.AddUint64(&r.pingNonce, 1)})
			if err != nil {
				return err
			}
			if !p.queue.tryEnqueue(ping) {
				r.logger.Debug("dropping ping, send queue full", "peer", p.id)
			}

		case <-p.queue.closed():
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// OnStart implements service.Service.
func (r *Router) OnStart(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.acceptPeers(ctx)
	}()

	for _, address := range r.options.PersistentPeers {
		address := address
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.maintainPeer(ctx, address)
		}()
	}

	return nil
}

// OnStop implements service.Service. It closes the transport and every peer
// connection and waits for all routines to exit. The inbound channel is not
// closed, so readers must also watch for the router to stop.
func (r *Router) OnStop() {
	if r.cancel != nil {
		r.cancel()
	}

	// Close transport listeners (unblocks Accept calls).
	if err := r.transport.Close(); err != nil {
		r.logger.Error("failed to close transport", "err", err)
	}

	for _, p := range r.connectedPeers() {
		p.queue.close()
		_ = p.conn.Close()
	}

	r.wg.Wait()
}
