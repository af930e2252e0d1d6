package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/libs/log"
)

// TCPTransportOptions sets options for TCPTransport.
type TCPTransportOptions struct {
	// MaxAcceptedConnections is the maximum number of simultaneous accepted
	// (incoming) connections. Beyond this, new connections will block until
	// a slot is free. 0 means unlimited.
	MaxAcceptedConnections uint32
}

// TCPTransport is a Transport implementation using plain TCP streams carrying
// length-prefixed envelopes.
type TCPTransport struct {
	logger   log.Logger
	verifier crypto.Verifier
	options  TCPTransportOptions

	mtx      sync.RWMutex
	listener net.Listener

	closeOnce sync.Once
	doneCh    chan struct{}
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport sets up a new TCP transport. Call Listen to accept inbound
// connections.
func NewTCPTransport(logger log.Logger, verifier crypto.Verifier, options TCPTransportOptions) *TCPTransport {
	return &TCPTransport{
		logger:   logger,
		verifier: verifier,
		options:  options,
		doneCh:   make(chan struct{}),
	}
}

// String implements Transport.
func (m *TCPTransport) String() string {
	return string(TCPProtocol)
}

// Protocols implements Transport.
func (m *TCPTransport) Protocols() []Protocol {
	return []Protocol{TCPProtocol}
}

// Endpoints implements Transport.
func (m *TCPTransport) Endpoints() []Endpoint {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if m.listener == nil {
		return []Endpoint{}
	}
	select {
	case <-m.doneCh:
		return []Endpoint{}
	default:
	}
	return []Endpoint{endpointFromAddr(TCPProtocol, m.listener.Addr())}
}

// Listen asynchronously listens for inbound connections on the given endpoint.
// It must be called exactly once before calling Accept(), and the caller must
// call Close() to shut down the listener.
func (m *TCPTransport) Listen(endpoint Endpoint) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.listener != nil {
		return errors.New("transport is already listening")
	}
	if err := m.validateEndpoint(endpoint); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(endpoint.IP.String(), strconv.Itoa(int(endpoint.Port))))
	if err != nil {
		return err
	}
	if m.options.MaxAcceptedConnections > 0 {
		// FIXME: This will establish the inbound connection but simply hang it
		// until another connection is released. It would probably be better to
		// return an error to the remote peer or close the connection.
		listener = netutil.LimitListener(listener, int(m.options.MaxAcceptedConnections))
	}
	m.listener = listener

	return nil
}

// Accept implements Transport.
func (m *TCPTransport) Accept(ctx context.Context) (Connection, error) {
	m.mtx.RLock()
	listener := m.listener
	m.mtx.RUnlock()

	if listener == nil {
		return nil, errors.New("transport is not listening")
	}

	conCh := make(chan net.Conn)
	errCh := make(chan error)
	go func() {
		tcpConn, err := listener.Accept()
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			case <-m.doneCh:
			}
			return
		}
		select {
		case conCh <- tcpConn:
		case <-ctx.Done():
			_ = tcpConn.Close()
		case <-m.doneCh:
			_ = tcpConn.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.doneCh:
		return nil, io.EOF
	case err := <-errCh:
		select {
		case <-m.doneCh:
			return nil, io.EOF
		default:
		}
		return nil, err
	case tcpConn := <-conCh:
		return m.wrap(tcpConn), nil
	}
}

// Dial implements Transport.
func (m *TCPTransport) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	if err := m.validateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if endpoint.Port == 0 {
		return nil, fmt.Errorf("endpoint %v has no port", endpoint)
	}

	dialer := net.Dialer{}
	tcpConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(
		endpoint.IP.String(), strconv.Itoa(int(endpoint.Port))))
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, err
		}
	}

	return m.wrap(tcpConn), nil
}

// Close implements Transport.
func (m *TCPTransport) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.doneCh)

		m.mtx.RLock()
		defer m.mtx.RUnlock()
		if m.listener != nil {
			err = m.listener.Close()
		}
	})
	return err
}

func (m *TCPTransport) wrap(nc net.Conn) Connection {
	return newStreamConnection(nc, m.verifier,
		endpointFromAddr(TCPProtocol, nc.LocalAddr()),
		endpointFromAddr(TCPProtocol, nc.RemoteAddr()))
}

// validateEndpoint validates an endpoint.
func (m *TCPTransport) validateEndpoint(endpoint Endpoint) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if endpoint.Protocol != TCPProtocol {
		return fmt.Errorf("unsupported protocol %q", endpoint.Protocol)
	}
	if len(endpoint.IP) == 0 {
		return errors.New("endpoint has no IP address")
	}
	if endpoint.Path != "" {
		return fmt.Errorf("endpoints with path not supported (got %q)", endpoint.Path)
	}
	return nil
}
