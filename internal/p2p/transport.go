package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tendermint/checkpointbft/crypto"
	"github.com/tendermint/checkpointbft/types"
)

const (
	// TCPProtocol is the stream protocol used between nodes.
	TCPProtocol Protocol = "tcp"

	// defaultProtocol is the default protocol used for NodeAddress when
	// a protocol isn't explicitly given as a URL scheme.
	defaultProtocol Protocol = TCPProtocol
)

// Protocol identifies a transport protocol.
type Protocol string

// Transport is a connection-oriented mechanism for exchanging data with a peer.
type Transport interface {
	// Protocols returns the protocols supported by the transport.
	Protocols() []Protocol

	// Endpoints returns the local endpoints the transport is listening on, if any.
	Endpoints() []Endpoint

	// Accept waits for the next inbound connection on a listening endpoint, blocking
	// until either a connection is available or the transport is closed. On closure,
	// io.EOF is returned and further Accept calls are futile.
	Accept(context.Context) (Connection, error)

	// Dial creates an outbound connection to an endpoint.
	Dial(context.Context, Endpoint) (Connection, error)

	// Close stops accepting new connections, but does not close active connections.
	Close() error

	// Stringer is used to display the transport, e.g. in logs.
	fmt.Stringer
}

// NodeInfo is what a node announces about itself during the handshake.
// PubKey is filled in for remote peers once the handshake has proven it.
type NodeInfo struct {
	PeerID     types.PeerID
	Network    string
	ListenAddr string
	Role       types.Role
	PubKey     []byte
}

// Validate checks the announced info for obvious problems.
func (info NodeInfo) Validate() error {
	if err := info.PeerID.Validate(); err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}
	if info.Network == "" {
		return errors.New("no network")
	}
	return info.Role.Validate()
}

// CompatibleWith checks whether two nodes may talk to each other.
func (info NodeInfo) CompatibleWith(other NodeInfo) error {
	if info.Network != other.Network {
		return fmt.Errorf("peer is on a different network: got %q, expected %q", other.Network, info.Network)
	}
	return nil
}

// Connection represents an established, message-oriented connection between
// two endpoints.
type Connection interface {
	// Handshake executes a node handshake with the remote peer. It must be
	// called immediately after the connection is established, and returns
	// the remote peer's authenticated node info. The caller is responsible
	// for checking compatibility.
	Handshake(context.Context, time.Duration, NodeInfo, crypto.PrivKey) (NodeInfo, error)

	// ReceiveMessage returns the next message received on the connection,
	// blocking until one is available. Returns io.EOF if closed. Malformed
	// input is reported as a conn.ProtocolError.
	ReceiveMessage(context.Context) (*types.Message, error)

	// SendMessage sends a message on the connection. Returns io.EOF if closed.
	SendMessage(context.Context, *types.Message) error

	// LocalEndpoint returns the local endpoint for the connection.
	LocalEndpoint() Endpoint

	// RemoteEndpoint returns the remote endpoint for the connection.
	RemoteEndpoint() Endpoint

	// Close closes the connection.
	Close() error

	// Stringer is used to display the connection, e.g. in logs.
	fmt.Stringer
}

// Endpoint represents a transport connection endpoint, either local or remote.
//
// Endpoints are not necessarily networked (see e.g. MemoryTransport) but all
// networked endpoints must use IP as the underlying transport protocol to allow
// e.g. IP address filtering. Either IP or Path (or both) must be set.
type Endpoint struct {
	// Protocol specifies the transport protocol.
	Protocol Protocol

	// IP is an IP address (v4 or v6) to connect to. If set, this defines the
	// endpoint as a networked endpoint.
	IP net.IP

	// Port is a network port. If 0, a default port may be used depending on
	// the protocol.
	Port uint16

	// Path is an optional transport-specific path or identifier.
	Path string
}

// NewEndpoint parses a listen address of the form "tcp://host:port" or
// "host:port" into an Endpoint.
func NewEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(addr, string(TCPProtocol)+"://"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	ip := net.IPv4zero
	if host != "" {
		if ip = net.ParseIP(host); ip == nil {
			return Endpoint{}, fmt.Errorf("listen address %q is not an IP address", addr)
		}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return Endpoint{Protocol: TCPProtocol, IP: ip, Port: uint16(port)}, nil
}

// NodeAddress converts the endpoint into a NodeAddress for the given peer ID.
func (e Endpoint) NodeAddress(peerID types.PeerID) NodeAddress {
	address := NodeAddress{
		PeerID:   peerID,
		Protocol: e.Protocol,
		Path:     e.Path,
	}
	if len(e.IP) > 0 {
		address.Hostname = e.IP.String()
		address.Port = e.Port
	}
	return address
}

// String formats the endpoint as a URL string.
func (e Endpoint) String() string {
	// If this is a non-networked endpoint with a valid peer ID as a path,
	// assume that path is a peer ID (to handle opaque URLs of the form
	// scheme:id).
	if e.IP == nil {
		if peerID, err := types.NewPeerID(e.Path); err == nil {
			return e.NodeAddress(peerID).String()
		}
	}
	return e.NodeAddress("").String()
}

// Validate validates the endpoint.
func (e Endpoint) Validate() error {
	switch {
	case e.Protocol == "":
		return errors.New("endpoint has no protocol")

	case len(e.IP) > 0 && e.IP.To16() == nil:
		return fmt.Errorf("invalid IP address %v", e.IP)

	case e.Port > 0 && len(e.IP) == 0:
		return fmt.Errorf("endpoint has port %v but no IP", e.Port)

	case len(e.IP) == 0 && e.Path == "":
		return errors.New("endpoint has neither path nor IP")

	default:
		return nil
	}
}
