package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/crypto/ed25519"
	"github.com/tendermint/checkpointbft/internal/bridge"
	"github.com/tendermint/checkpointbft/internal/finality"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/internal/relay"
	"github.com/tendermint/checkpointbft/internal/slashing"
	"github.com/tendermint/checkpointbft/internal/store"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/libs/service"
	"github.com/tendermint/checkpointbft/types"
)

// Node is the context object of a checkpoint finality node. It owns every
// component and is passed explicitly to whatever needs them.
type Node struct {
	*service.BaseService
	logger log.Logger

	config   *config.Config
	nodeKey  types.NodeKey
	nodeInfo p2p.NodeInfo
	verifier crypto.Verifier

	// storage, nil when persistence is disabled
	db          dbm.DB
	store       *store.Store
	persistence *store.Persistence

	transport p2p.Transport
	router    *p2p.Router
	relay     *relay.Relay
	detector  *slashing.Detector
	gadget    *finality.Gadget
	bridge    *bridge.Bridge

	persistAuthoritySet bool
	restoreInfo         store.RestoreInfo
	prometheusSrv       *http.Server

	cancelPrune context.CancelFunc
	pruneDone   chan struct{}
}

type nodeOptions struct {
	nodeKey         *types.NodeKey
	transport       p2p.Transport
	dbProvider      config.DBProvider
	authoritySet    *types.ValidatorSet
	metricsProvider metricsProvider
}

// Option sets an optional parameter on the Node.
type Option func(*nodeOptions)

// WithNodeKey uses key instead of the node key file.
func WithNodeKey(key types.NodeKey) Option {
	return func(o *nodeOptions) { o.nodeKey = &key }
}

// WithTransport uses a transport that is already listening instead of a TCP
// transport on the configured listen address.
func WithTransport(t p2p.Transport) Option {
	return func(o *nodeOptions) { o.transport = t }
}

// WithDBProvider opens the checkpoint database through p.
func WithDBProvider(p config.DBProvider) Option {
	return func(o *nodeOptions) { o.dbProvider = p }
}

// WithAuthoritySet uses vals when no authority set has been persisted,
// instead of reading the authority set file.
func WithAuthoritySet(vals *types.ValidatorSet) Option {
	return func(o *nodeOptions) { o.authoritySet = vals }
}

// NewDefault constructs a node from the configuration files under cfg's
// root directory.
func NewDefault(cfg *config.Config, logger log.Logger) (*Node, error) {
	return New(cfg, logger)
}

// New constructs every component of a node without starting any of them.
// Persisted state is restored by Start.
func New(cfg *config.Config, logger log.Logger, options ...Option) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := nodeOptions{
		dbProvider:      config.DefaultDBProvider,
		metricsProvider: defaultMetricsProvider(cfg.Instrumentation),
	}
	for _, opt := range options {
		opt(&opts)
	}

	nodeKey := opts.nodeKey
	if nodeKey == nil {
		nk, err := types.LoadOrGenNodeKey(cfg.NodeKeyFile())
		if err != nil {
			return nil, fmt.Errorf("failed to load or gen node key %s: %w", cfg.NodeKeyFile(), err)
		}
		nodeKey = &nk
	}

	n := &Node{
		logger:   logger,
		config:   cfg,
		nodeKey:  *nodeKey,
		verifier: ed25519.Verifier{},
	}
	metrics := opts.metricsProvider(cfg.Network)

	if cfg.Storage.Enabled {
		db, err := opts.dbProvider(&config.DBContext{ID: "checkpoints", Config: cfg})
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
		}
		n.db = db
		n.store = store.NewStore(db)
		n.persistence = store.NewPersistence(
			logger.With("module", "persistence"),
			metrics.store,
			n.store,
			persistenceOptions(cfg.Storage),
		)
	}

	// The remaining constructors only fail on bad configuration, but the
	// database is already open.
	if err := n.build(opts, metrics); err != nil {
		if n.db != nil {
			_ = n.db.Close()
		}
		return nil, err
	}

	n.BaseService = service.NewBaseService(logger, "node", n)
	return n, nil
}

func (n *Node) build(opts nodeOptions, metrics *nodeMetrics) error {
	cfg := n.config

	vals, persisted, err := loadAuthoritySet(cfg, n.store, opts.authoritySet)
	if err != nil {
		return err
	}
	n.persistAuthoritySet = !persisted

	detectorOpts := []slashing.DetectorOption{slashing.WithEventLogMetrics(metrics.eventlog)}
	gadgetOpts := []finality.GadgetOption{}
	if n.persistence != nil {
		detectorOpts = append(detectorOpts, slashing.WithEvidenceWriter(n.persistence))
		gadgetOpts = append(gadgetOpts,
			finality.WithPersister(n.persistence),
			finality.WithCertificateLoader(n.store.LoadCertificateFrom))
	}

	n.detector = slashing.NewDetector(n.logger.With("module", "slashing"), metrics.slashing, detectorOpts...)
	n.gadget = finality.NewGadget(
		n.logger.With("module", "finality"),
		metrics.finality,
		vals,
		n.verifier,
		n.detector,
		finality.Options{
			Genesis:              cfg.Finality.GenesisCheckpoint,
			CertificateCacheSize: cfg.Finality.CertificateCacheSize,
		},
		gadgetOpts...,
	)

	n.nodeInfo, err = makeNodeInfo(cfg, n.nodeKey)
	if err != nil {
		return fmt.Errorf("invalid node info: %w", err)
	}

	n.transport = opts.transport
	if n.transport == nil {
		n.transport = createTransport(n.logger.With("module", "transport"), cfg.P2P, n.verifier)
	}

	n.router, err = createRouter(n.logger, metrics.p2p, cfg.P2P, n.nodeKey, n.nodeInfo, n.transport)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	n.relay, err = createRelay(n.logger, metrics.relay, cfg, n.nodeKey.ID, n.router, n.verifier)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	n.bridge, err = bridge.NewBridge(
		n.logger.With("module", "bridge"),
		metrics.bridge,
		cfg.Bridge,
		n.nodeKey.PrivKey,
		n.gadget,
		n.relay,
		bridge.WithPeerReporter(n.router),
	)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	n.relay.SetHandler(n.bridge)
	return nil
}

// OnStart restores persisted state, then starts persistence, the router,
// the bridge and finally the relay, which begins feeding network input to
// the bridge. A corrupted store fails the start.
func (n *Node) OnStart(ctx context.Context) error {
	if err := n.restore(); err != nil {
		return err
	}

	if n.config.Instrumentation.Prometheus {
		n.prometheusSrv = startPrometheusServer(n.logger, n.config.Instrumentation.PrometheusListenAddr)
	}

	if n.persistence != nil {
		if err := n.persistence.Start(ctx); err != nil {
			return err
		}
	}

	if tcp, ok := n.transport.(*p2p.TCPTransport); ok {
		endpoint, err := p2p.NewEndpoint(n.config.P2P.ListenAddress)
		if err != nil {
			_ = n.stopServices()
			return err
		}
		if err := tcp.Listen(endpoint); err != nil {
			_ = n.stopServices()
			return fmt.Errorf("failed to listen on %v: %w", endpoint, err)
		}
	}

	for _, svc := range []service.Service{n.router, n.bridge, n.relay} {
		if err := svc.Start(ctx); err != nil {
			_ = n.stopServices()
			return err
		}
	}

	pruneCtx, cancel := context.WithCancel(ctx)
	n.cancelPrune = cancel
	n.pruneDone = make(chan struct{})
	go n.pruneRoutine(pruneCtx)

	n.logger.Info("started node",
		"node_id", n.nodeKey.ID,
		"mode", n.nodeInfo.Role,
		"network", n.nodeInfo.Network,
		"last_finalized", n.gadget.LastFinalized(),
		"authority_set", n.gadget.AuthoritySet().ID)
	return nil
}

// restore replays persisted finality state and evidence into the gadget and
// detector. It must run before any network input is accepted.
func (n *Node) restore() error {
	if n.store == nil {
		return nil
	}

	// Evidence goes first so replayed votes do not report it again.
	evs, err := n.store.LoadEvidence(0)
	if err != nil {
		return fmt.Errorf("failed to restore slashing evidence: %w", err)
	}
	n.detector.RestoreEvidence(evs)

	info, err := n.store.Restore(n.gadget, n.config.Storage.RestoreCertificates)
	if err != nil {
		return fmt.Errorf("failed to restore finality state: %w", err)
	}
	n.restoreInfo = info

	if info.HasFinalized {
		n.persistence.SetLastFinalized(info.LastFinalized)
	}
	if n.persistAuthoritySet {
		n.persistence.WriteAuthoritySet(n.gadget.AuthoritySet())
	}

	n.logger.Info("restored persisted state",
		"last_finalized", info.LastFinalized,
		"certificates", info.Certificates,
		"votes", info.Votes,
		"evidence", len(evs))
	return nil
}

// OnStop stops the components in reverse start order. Persistence is
// stopped last so it can flush what the others produced.
func (n *Node) OnStop() {
	n.logger.Info("stopping node")
	if err := n.stopServices(); err != nil {
		n.logger.Error("error stopping node", "err", err)
	}
}

func (n *Node) stopServices() error {
	var result *multierror.Error
	stop := func(svc service.Service) {
		if svc == nil {
			return
		}
		err := svc.Stop()
		switch {
		case err == nil:
			svc.Wait()
		case errors.Is(err, service.ErrAlreadyStopped):
			svc.Wait()
		case errors.Is(err, service.ErrNotStarted):
		default:
			result = multierror.Append(result, err)
		}
	}

	if n.cancelPrune != nil {
		n.cancelPrune()
		<-n.pruneDone
		n.cancelPrune = nil
	}

	stop(n.relay)
	stop(n.bridge)
	stop(n.router)
	if n.persistence != nil {
		stop(n.persistence)
	}

	if n.prometheusSrv != nil {
		if err := stopPrometheusServer(n.prometheusSrv); err != nil {
			result = multierror.Append(result, fmt.Errorf("prometheus server: %w", err))
		}
		n.prometheusSrv = nil
	}

	if n.store != nil {
		if err := n.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing database: %w", err))
		}
		n.store = nil
	}
	return result.ErrorOrNil()
}

// pruneRoutine periodically drops in-memory finality state older than the
// retention window: collecting rounds, cached certificates and the slashing
// detector's first-seen votes. The store is pruned by persistence.
func (n *Node) pruneRoutine(ctx context.Context) {
	defer close(n.pruneDone)

	ticker := time.NewTicker(n.config.Storage.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.pruneMemory()
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) pruneMemory() {
	lastFinalized := n.gadget.LastFinalized()
	retention := n.config.Storage.Retention
	if lastFinalized <= retention {
		return
	}
	cutoff := lastFinalized - retention
	if pruned := n.gadget.Prune(cutoff); pruned > 0 {
		n.logger.Debug("pruned finality state", "cutoff", cutoff, "pruned", pruned,
			"votes_tracked", n.detector.NumVotes())
	}
}

// SubmitCheckpointVote votes for digest at checkpoint. A nil signature is
// made with the node key; otherwise the vote is attributed to this node and
// must carry its signature. An accepted vote is queued for broadcast.
func (n *Node) SubmitCheckpointVote(
	ctx context.Context,
	checkpoint uint64,
	digest types.Hash,
	signature []byte,
) (finality.VoteResult, error) {
	if err := ctx.Err(); err != nil {
		return finality.VoteRejected, err
	}

	setID := n.gadget.AuthoritySet().ID
	vote := types.Vote{
		Checkpoint:     checkpoint,
		AuthoritySetID: setID,
		Signer:         n.nodeKey.ID,
		Digest:         digest,
		Signature:      signature,
	}
	if signature == nil {
		var err error
		if vote, err = types.NewSignedVote(n.nodeKey.PrivKey, checkpoint, setID, digest); err != nil {
			return finality.VoteRejected, err
		}
	}

	res, err := n.gadget.AddVote(vote)
	if err != nil {
		return res, err
	}

	switch res {
	case finality.VoteAccepted, finality.VoteCertified:
		if err := n.bridge.PublishVote(vote); err != nil {
			return res, fmt.Errorf("vote accepted locally but not published: %w", err)
		}
	}
	return res, nil
}

// BroadcastGossip signs an opaque gossip payload with the node key and relays
// it to every eligible peer. It returns relay.ErrNoPeers when nobody can be
// reached.
func (n *Node) BroadcastGossip(ctx context.Context, topic string, data []byte) error {
	msg, err := types.NewSignedMessage(n.nodeKey.PrivKey, types.NewGossip(topic, data))
	if err != nil {
		return err
	}
	return n.relay.Broadcast(ctx, msg)
}

// LastFinalized returns the highest finalized checkpoint.
func (n *Node) LastFinalized() uint64 {
	return n.gadget.LastFinalized()
}

// SubscribeCertificates returns a cursor over finalized certificates,
// starting at checkpoint from.
func (n *Node) SubscribeCertificates(from uint64) *finality.CertificateSubscription {
	return n.gadget.SubscribeCertificates(from)
}

// SubscribeSlashingEvidence returns a cursor over slashing evidence,
// starting at the from-th piece of evidence.
func (n *Node) SubscribeSlashingEvidence(from uint64) *slashing.Subscription {
	return n.detector.Subscribe(from)
}

// Health classifies how far finality lags behind certification.
func (n *Node) Health() finality.Health {
	return n.gadget.Health()
}

// Status is a point-in-time summary of the node.
type Status struct {
	NodeID         types.PeerID
	Role           types.Role
	LastFinalized  uint64
	AuthoritySetID uint64
	Health         finality.Health
	Peers          int
	Degraded       bool
	Relay          relay.Stats
}

// Status returns a summary of the node's state.
func (n *Node) Status() Status {
	st := Status{
		NodeID:         n.nodeKey.ID,
		Role:           n.nodeInfo.Role,
		LastFinalized:  n.gadget.LastFinalized(),
		AuthoritySetID: n.gadget.AuthoritySet().ID,
		Health:         n.gadget.Health(),
		Peers:          n.router.NumPeers(),
		Relay:          n.relay.Snapshot(),
	}
	if n.persistence != nil {
		st.Degraded = n.persistence.Degraded()
	}
	return st
}

// NodeInfo returns the info this node announces to peers.
func (n *Node) NodeInfo() p2p.NodeInfo { return n.nodeInfo }

// NodeKey returns the node key.
func (n *Node) NodeKey() types.NodeKey { return n.nodeKey }

// Config returns the node's configuration.
func (n *Node) Config() *config.Config { return n.config }

// Router returns the peer transport.
func (n *Node) Router() *p2p.Router { return n.router }

// Relay returns the message relay.
func (n *Node) Relay() *relay.Relay { return n.relay }

// Detector returns the slashing detector.
func (n *Node) Detector() *slashing.Detector { return n.detector }

// Gadget returns the finality gadget.
func (n *Node) Gadget() *finality.Gadget { return n.gadget }

// Bridge returns the network bridge.
func (n *Node) Bridge() *bridge.Bridge { return n.bridge }

// Persistence returns the persistence service, or nil if storage is
// disabled.
func (n *Node) Persistence() *store.Persistence { return n.persistence }

// RestoreInfo reports what was restored from the store on start.
func (n *Node) RestoreInfo() store.RestoreInfo { return n.restoreInfo }
