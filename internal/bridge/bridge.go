package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/tendermint/checkpointbft/config"
	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/internal/finality"
	"github.com/tendermint/checkpointbft/internal/p2p"
	"github.com/tendermint/checkpointbft/libs/log"
	"github.com/tendermint/checkpointbft/libs/service"
	"github.com/tendermint/checkpointbft/types"
)

var (
	// ErrQueueFull is returned by Enqueue and Publish when the queue has no
	// room until the next drain.
	ErrQueueFull = errors.New("bridge queue full")

	// ErrBreakerOpen is returned for sends refused by the open circuit
	// breaker.
	ErrBreakerOpen = errors.New("outbound circuit breaker open")
)

// Gadget is the finality gadget as seen by the bridge.
type Gadget interface {
	AddVote(vote types.Vote) (finality.VoteResult, error)
	AddCertificate(cert *types.Certificate) (finality.CertificateResult, error)
	LastFinalized() uint64
	SubscribeCertificates(from uint64) *finality.CertificateSubscription
}

// Broadcaster originates messages on the network.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg *types.Message) error
}

// PeerReporter receives feedback about the messages a peer delivered.
type PeerReporter interface {
	ReportValid(peerID types.PeerID)
	ReportInvalid(peerID types.PeerID)
}

// Bridge connects the network to the finality gadget.
//
// Inbound envelopes are queued by Enqueue and handed to the gadget once per
// tick, in arrival order. Outbound votes and certificates are signed with the
// node key and broadcast in publish order; each broadcast is retried with
// exponential backoff, and repeated failures open a circuit breaker that
// rejects sends until it cools down. Every certificate the gadget finalizes
// is announced to the network.
type Bridge struct {
	*service.BaseService
	logger   log.Logger
	metrics  *Metrics
	cfg      *config.BridgeConfig
	privKey  crypto.PrivKey
	gadget   Gadget
	network  Broadcaster
	reporter PeerReporter
	breaker  *gobreaker.CircuitBreaker

	inbound  chan p2p.Envelope
	outbound chan *types.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BridgeOption sets an optional parameter on the Bridge.
type BridgeOption func(*Bridge)

// WithPeerReporter reports peers whose messages the gadget accepted or
// rejected to r.
func WithPeerReporter(r PeerReporter) BridgeOption {
	return func(b *Bridge) { b.reporter = r }
}

// NewBridge creates a bridge that signs outbound messages with privKey.
func NewBridge(
	logger log.Logger,
	metrics *Metrics,
	cfg *config.BridgeConfig,
	privKey crypto.PrivKey,
	gadget Gadget,
	network Broadcaster,
	options ...BridgeOption,
) (*Bridge, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid bridge config: %w", err)
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	b := &Bridge{
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		privKey:  privKey,
		gadget:   gadget,
		network:  network,
		inbound:  make(chan p2p.Envelope, cfg.QueueSize),
		outbound: make(chan *types.Message, cfg.QueueSize),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bridge-outbound",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker changed state", "breaker", name, "from", from, "to", to)
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.Set(1)
			} else {
				metrics.BreakerOpen.Set(0)
			}
		},
		IsSuccessful: func(err error) bool {
			// shutting down says nothing about the network
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	for _, opt := range options {
		opt(b)
	}
	b.BaseService = service.NewBaseService(logger, "bridge", b)
	return b, nil
}

// OnStart implements service.Service.
func (b *Bridge) OnStart(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		b.processInbound(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.processOutbound(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.forwardFinalized(ctx)
	}()
	return nil
}

// OnStop implements service.Service. Queued messages are discarded.
func (b *Bridge) OnStop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Enqueue queues an inbound envelope for the next tick. It never blocks.
func (b *Bridge) Enqueue(env p2p.Envelope) error {
	if env.Message == nil {
		return errors.New("envelope without message")
	}
	select {
	case b.inbound <- env:
		b.metrics.QueueSize.Set(float64(len(b.inbound)))
		return nil
	default:
		b.metrics.Dropped.With("message_type", env.Message.Kind.String()).Add(1)
		return ErrQueueFull
	}
}

// PublishVote queues vote for broadcast. It never blocks.
func (b *Bridge) PublishVote(vote types.Vote) error {
	msg, err := types.NewSignedMessage(b.privKey, &types.CheckpointVote{Vote: vote})
	if err != nil {
		return err
	}
	return b.publish(msg)
}

// PublishCertificate queues cert for broadcast. It never blocks.
func (b *Bridge) PublishCertificate(cert *types.Certificate) error {
	msg, err := types.NewSignedMessage(b.privKey, &types.CheckpointCertificate{Certificate: *cert})
	if err != nil {
		return err
	}
	return b.publish(msg)
}

func (b *Bridge) publish(msg *types.Message) error {
	select {
	case b.outbound <- msg:
		return nil
	default:
		b.metrics.SendFailures.Add(1)
		return ErrQueueFull
	}
}

// BroadcastVote signs and broadcasts vote, retrying until the retry budget is
// spent.
func (b *Bridge) BroadcastVote(ctx context.Context, vote types.Vote) error {
	msg, err := types.NewSignedMessage(b.privKey, &types.CheckpointVote{Vote: vote})
	if err != nil {
		return err
	}
	return b.send(ctx, msg)
}

// BroadcastCertificate signs and broadcasts cert, retrying until the retry
// budget is spent.
func (b *Bridge) BroadcastCertificate(ctx context.Context, cert *types.Certificate) error {
	msg, err := types.NewSignedMessage(b.privKey, &types.CheckpointCertificate{Certificate: *cert})
	if err != nil {
		return err
	}
	return b.send(ctx, msg)
}

// BreakerState returns the state of the outbound circuit breaker.
func (b *Bridge) BreakerState() gobreaker.State {
	return b.breaker.State()
}

func (b *Bridge) send(ctx context.Context, msg *types.Message) error {
	backoff := retry.NewExponential(b.cfg.RetryInitialDelay)
	backoff = retry.WithCappedDuration(b.cfg.RetryMaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(b.cfg.RetryMaxAttempts-1), backoff)

	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := b.network.Broadcast(ctx, msg); err != nil {
				b.logger.Debug("broadcast failed", "message", msg, "err", err)
				return retry.RetryableError(err)
			}
			return nil
		})
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.metrics.SendFailures.Add(1)
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	case err != nil:
		b.metrics.SendFailures.Add(1)
		return fmt.Errorf("failed to broadcast %v: %w", msg, err)
	}

	switch msg.Kind {
	case types.KindCheckpointVote:
		b.metrics.VotesSent.Add(1)
	case types.KindCheckpointCertificate:
		b.metrics.CertificatesSent.Add(1)
	}
	return nil
}

func (b *Bridge) processInbound(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drain()
		case <-ctx.Done():
			return
		}
	}
}

// drain hands every envelope queued before the call to the gadget.
func (b *Bridge) drain() {
	for n := len(b.inbound); n > 0; n-- {
		b.handle(<-b.inbound)
	}
	b.metrics.QueueSize.Set(float64(len(b.inbound)))
}

func (b *Bridge) handle(env p2p.Envelope) {
	payload := env.Payload
	if payload == nil {
		var err error
		if payload, err = env.Message.DecodePayload(); err != nil {
			b.metrics.ReceiveFailures.Add(1)
			b.reportInvalid(env.From)
			b.logger.Debug("dropping undecodable message", "peer", env.From, "err", err)
			return
		}
	}

	switch p := payload.(type) {
	case *types.CheckpointVote:
		b.metrics.VotesReceived.Add(1)
		res, err := b.gadget.AddVote(p.Vote)
		if err != nil {
			b.metrics.ReceiveFailures.Add(1)
			b.reportInvalid(env.From)
			b.logger.Debug("rejected vote", "peer", env.From, "vote", &p.Vote, "err", err)
			return
		}
		b.reportValid(env.From)
		if res == finality.VoteCertified {
			b.logger.Debug("vote completed quorum", "checkpoint", p.Vote.Checkpoint, "peer", env.From)
		}

	case *types.CheckpointCertificate:
		b.metrics.CertificatesReceived.Add(1)
		cert := p.Certificate
		if _, err := b.gadget.AddCertificate(&cert); err != nil {
			b.metrics.ReceiveFailures.Add(1)
			b.reportInvalid(env.From)
			b.logger.Debug("rejected certificate", "peer", env.From, "checkpoint", cert.Checkpoint, "err", err)
			return
		}
		b.reportValid(env.From)

	default:
		b.metrics.Dropped.With("message_type", payload.Kind().String()).Add(1)
	}
}

func (b *Bridge) processOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.outbound:
			if err := b.send(ctx, msg); err != nil && ctx.Err() == nil {
				b.logger.Error("failed to publish message", "message", msg, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// forwardFinalized announces every certificate finalized from now on.
func (b *Bridge) forwardFinalized(ctx context.Context) {
	from := b.gadget.LastFinalized() + 1
	if from == 0 {
		return
	}
	sub := b.gadget.SubscribeCertificates(from)
	for {
		cert, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("certificate subscription failed", "position", sub.Position(), "err", err)
			}
			return
		}
		b.metrics.Finalities.Add(1)
		b.logger.Info("finalized checkpoint",
			"checkpoint", cert.Checkpoint,
			"digest", cert.Digest.ShortString(),
			"signatures", len(cert.Signatures))

		if err := b.PublishCertificate(cert); err != nil {
			b.logger.Error("failed to publish finalized certificate", "checkpoint", cert.Checkpoint, "err", err)
		}
	}
}

func (b *Bridge) reportValid(id types.PeerID) {
	if b.reporter != nil {
		b.reporter.ReportValid(id)
	}
}

func (b *Bridge) reportInvalid(id types.PeerID) {
	if b.reporter != nil {
		b.reporter.ReportInvalid(id)
	}
}
