package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tendermint/checkpointbft/types"
)

var (
	// stringHasScheme tries to detect URLs with schemes. It looks for a : before a / (if any).
	stringHasScheme = func(str string) bool {
		return strings.Contains(str, "://")
	}

	// reSchemeIsHost tries to detect URLs where the scheme part is instead a
	// hostname, i.e. of the form "host:80/path" where host: is a hostname.
	reSchemeIsHost = regexp.MustCompile(`^[^/:]+:\d+(/|$)`)
)

// NodeAddress is a peer address URL. It differs from a transport Endpoint in
// that it contains the peer's ID, and that the address hostname may be
// resolved into multiple IP addresses (and thus multiple endpoints).
//
// If the URL is opaque, i.e. of the form "scheme:opaque", then the opaque part
// is expected to contain a peer ID.
type NodeAddress struct {
	PeerID   types.PeerID
	Protocol Protocol
	Hostname string
	Port     uint16
	Path     string
}

// ParseNodeAddress parses a peer address URL into a NodeAddress, normalizing
// and validating it. Scheme-less addresses such as "id@host:port" default to
// TCP.
func ParseNodeAddress(urlString string) (NodeAddress, error) {
	// url.Parse requires a scheme, so if it fails to parse a scheme-less URL
	// we try to apply a default scheme.
	u, err := url.Parse(urlString)
	if (err != nil || u.Scheme == "") &&
		(!stringHasScheme(urlString) || reSchemeIsHost.MatchString(urlString)) {
		u, err = url.Parse(string(defaultProtocol) + "://" + urlString)
	}
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid peer address %q: %w", urlString, err)
	}

	address := NodeAddress{
		Protocol: Protocol(strings.ToLower(u.Scheme)),
	}

	// Opaque URLs are expected to contain only a peer ID.
	if u.Opaque != "" {
		address.PeerID = types.PeerID(strings.ToLower(u.Opaque))
		return address, address.Validate()
	}

	if u.User != nil {
		address.PeerID = types.PeerID(strings.ToLower(u.User.Username()))
	}

	address.Hostname = strings.ToLower(u.Hostname())

	if portString := u.Port(); portString != "" {
		port64, err := strconv.ParseUint(portString, 10, 16)
		if err != nil {
			return NodeAddress{}, fmt.Errorf("invalid port %q: %w", portString, err)
		}
		address.Port = uint16(port64)
	}

	address.Path = u.Path
	if address.Path != "" && address.Path[0] != '/' {
		address.Path = "/" + address.Path
	}

	return address, address.Validate()
}

// Resolve resolves a NodeAddress into a set of Endpoints, by expanding
// out a DNS hostname to IP addresses.
func (a NodeAddress) Resolve(ctx context.Context) ([]Endpoint, error) {
	if a.Protocol == "" {
		return nil, errors.New("address has no protocol")
	}

	// If there is no hostname, this is an opaque URL in the form
	// "scheme:opaque", and the opaque part is assumed to be the peer ID used
	// as Path.
	if a.Hostname == "" {
		if a.PeerID == "" {
			return nil, errors.New("local address has no peer ID")
		}
		return []Endpoint{{
			Protocol: a.Protocol,
			Path:     string(a.PeerID),
		}}, nil
	}

	if ip := net.ParseIP(a.Hostname); ip != nil {
		return []Endpoint{{Protocol: a.Protocol, IP: ip, Port: a.Port, Path: a.Path}}, nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", a.Hostname)
	if err != nil {
		return nil, err
	}
	endpoints := make([]Endpoint, len(ips))
	for i, ip := range ips {
		endpoints[i] = Endpoint{
			Protocol: a.Protocol,
			IP:       ip,
			Port:     a.Port,
			Path:     a.Path,
		}
	}
	return endpoints, nil
}

// String formats the address as a URL string.
func (a NodeAddress) String() string {
	u := url.URL{Scheme: string(a.Protocol)}
	if a.PeerID != "" {
		u.User = url.User(string(a.PeerID))
	}
	switch {
	case a.Hostname != "":
		if a.Port > 0 {
			u.Host = net.JoinHostPort(a.Hostname, strconv.Itoa(int(a.Port)))
		} else {
			u.Host = a.Hostname
		}
		u.Path = a.Path

	case a.Protocol != "" && (a.Path == "" || a.Path == string(a.PeerID)):
		u.User = nil
		u.Opaque = string(a.PeerID) // e.g. memory:id

	default:
		u.Path = a.Path
	}
	return strings.TrimPrefix(u.String(), "//")
}

// Validate validates a NodeAddress.
func (a NodeAddress) Validate() error {
	if a.Protocol == "" {
		return errors.New("no protocol")
	}
	if a.PeerID == "" {
		return errors.New("no peer ID")
	} else if err := a.PeerID.Validate(); err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}
	if a.Port > 0 && a.Hostname == "" {
		return errors.New("cannot specify port without hostname")
	}
	return nil
}

// ParsePersistentPeers parses a list of addresses. A single malformed entry
// fails the whole list.
func ParsePersistentPeers(addrs []string) ([]NodeAddress, error) {
	out := make([]NodeAddress, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ParseNodeAddress(s)
		if err != nil {
			return nil, fmt.Errorf("invalid persistent peer address %q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
