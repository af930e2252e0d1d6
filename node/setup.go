package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/internal/bridge"
	"github.com/tendermint/checkpointbft/internal/eventlog"
	"github.com/tendermint/checkpointbft/internal/finality"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/internal/relay"
	"github.com/tendermint/checkpointbft/internal/slashing"
	"github.com/tendermint/checkpointbft/internal/store"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/types"
)

// nodeMetrics bundles the metrics of every component.
type nodeMetrics struct {
	p2p      *p2p.Metrics
	relay    *relay.Metrics
	slashing *slashing.Metrics
	eventlog *eventlog.Metrics
	finality *finality.Metrics
	store    *store.Metrics
	bridge   *bridge.Metrics
}

// metricsProvider returns the metrics of every component for a network.
type metricsProvider func(network string) *nodeMetrics

// defaultMetricsProvider returns Metrics build using Prometheus client library
// if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func defaultMetricsProvider(cfg *config.InstrumentationConfig) metricsProvider {
	return func(network string) *nodeMetrics {
		if cfg.Prometheus {
			return &nodeMetrics{
				p2p:      p2p.PrometheusMetrics(cfg.Namespace, "network", network),
				relay:    relay.PrometheusMetrics(cfg.Namespace, "network", network),
				slashing: slashing.PrometheusMetrics(cfg.Namespace, "network", network),
				eventlog: eventlog.PrometheusMetrics(cfg.Namespace, "network", network),
				finality: finality.PrometheusMetrics(cfg.Namespace, "network", network),
				store:    store.PrometheusMetrics(cfg.Namespace, "network", network),
				bridge:   bridge.PrometheusMetrics(cfg.Namespace, "network", network),
			}
		}
		return &nodeMetrics{
			p2p:      p2p.NopMetrics(),
			relay:    relay.NopMetrics(),
			slashing: slashing.NopMetrics(),
			eventlog: eventlog.NopMetrics(),
			finality: finality.NopMetrics(),
			store:    store.NopMetrics(),
			bridge:   bridge.NopMetrics(),
		}
	}
}

func persistenceOptions(cfg *config.StorageConfig) store.PersistenceOptions {
	opts := store.DefaultPersistenceOptions()
	opts.FlushInterval = cfg.FlushInterval
	opts.PruneInterval = cfg.PruneInterval
	opts.Retention = cfg.Retention
	opts.DegradedThreshold = cfg.DegradedThreshold
	return opts
}

// loadAuthoritySet prefers the persisted authority set, since the set may
// have rotated since the file was written. Without one it uses fallback, or
// else the authority set file. The boolean reports whether the set was
// persisted.
func loadAuthoritySet(
	cfg *config.Config,
	stateStore *store.Store,
	fallback *types.ValidatorSet,
) (*types.ValidatorSet, bool, error) {
	if stateStore != nil {
		vals, err := stateStore.LoadAuthoritySet()
		if err != nil {
			return nil, false, fmt.Errorf("failed to load persisted authority set: %w", err)
		}
		if vals != nil {
			return vals, true, nil
		}
	}

	if fallback != nil {
		return fallback, false, nil
	}

	vals, err := types.LoadValidatorSet(cfg.AuthoritySetFile())
	if err != nil {
		return nil, false, fmt.Errorf("failed to load authority set: %w", err)
	}
	return vals, false, nil
}

func createTransport(logger log.Logger, cfg *config.P2PConfig, verifier crypto.Verifier) *p2p.TCPTransport {
	maxAccepted := uint32(0)
	if cfg.MaxIncomingConnections > 0 {
		maxAccepted = uint32(cfg.MaxIncomingConnections)
	}
	return p2p.NewTCPTransport(
		logger, verifier, p2p.TCPTransportOptions{
			MaxAcceptedConnections: maxAccepted,
		},
	)
}

func makeNodeInfo(cfg *config.Config, nodeKey types.NodeKey) (p2p.NodeInfo, error) {
	nodeInfo := p2p.NodeInfo{
		PeerID:     nodeKey.ID,
		Network:    cfg.Network,
		ListenAddr: cfg.P2P.ListenAddress,
		Role:       types.Role(cfg.Mode),
	}
	if cfg.P2P.ExternalAddress != "" {
		nodeInfo.ListenAddr = cfg.P2P.ExternalAddress
	}
	if err := nodeInfo.Validate(); err != nil {
		return p2p.NodeInfo{}, err
	}
	return nodeInfo, nil
}

func createRouter(
	logger log.Logger,
	metrics *p2p.Metrics,
	cfg *config.P2PConfig,
	nodeKey types.NodeKey,
	nodeInfo p2p.NodeInfo,
	transport p2p.Transport,
) (*p2p.Router, error) {
	peers, err := p2p.ParsePersistentPeers(cfg.PersistentPeerList())
	if err != nil {
		return nil, err
	}

	// Never dial ourselves, even if the operator lists us.
	persistent := peers[:0]
	for _, addr := range peers {
		if addr.PeerID != nodeKey.ID {
			persistent = append(persistent, addr)
		}
	}

	return p2p.NewRouter(
		logger.With("module", "p2p"),
		metrics,
		nodeKey.PrivKey,
		nodeInfo,
		transport,
		p2p.RouterOptions{
			HandshakeTimeout: cfg.HandshakeTimeout,
			DialTimeout:      cfg.DialTimeout,
			PingInterval:     cfg.PingInterval,
			PeerTimeout:      cfg.PeerTimeout,
			SendQueueSize:    cfg.SendQueueSize,
			InboundQueueSize: cfg.InboundQueueSize,
			DialMaxAttempts:  cfg.DialMaxAttempts,
			DialBackoffBase:  cfg.DialBackoffBase,
			DialBackoffMax:   cfg.DialBackoffMax,
			PersistentPeers:  persistent,
		},
	)
}

func createRelay(
	logger log.Logger,
	metrics *relay.Metrics,
	cfg *config.Config,
	self types.PeerID,
	router *p2p.Router,
	verifier crypto.Verifier,
) (*relay.Relay, error) {
	directors, err := cfg.P2P.DirectorList()
	if err != nil {
		return nil, err
	}
	registry := relay.NewValidatorRegistry(
		logger.With("module", "registry"),
		metrics,
		directors,
		cfg.Relay.MaxValidatorsPerDirector,
		verifier,
	)
	return relay.NewRelay(logger.With("module", "relay"), metrics, cfg.Relay, self, router, registry, relay.WithVerifier(verifier))
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func startPrometheusServer(logger log.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				logger.Debug("prometheus server shut down", "err", err)
			} else {
				logger.Error("prometheus HTTP server ListenAndServe", "err", err)
			}
		}
	}()
	logger.Info("serving metrics", "addr", addr, "endpoint", "/metrics")
	return srv
}

func stopPrometheusServer(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
