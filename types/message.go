package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tendermint/checkpointbft/crypto"
)

// ProtocolVersion is the wire protocol version carried in every envelope.
const ProtocolVersion uint16 = 1

// MaxPayloadSize bounds the encoded payload of a single message. Frames are
// bounded separately by the connection layer.
const MaxPayloadSize = 8 << 20 // 8MB

var (
	ErrUnknownMessageKind = errors.New("unknown message kind")
	ErrMessageVersion     = errors.New("unsupported protocol version")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrPayloadTooLarge    = errors.New("payload too large")
)

// MessageKind tags the payload carried by a Message.
type MessageKind uint8

const (
	KindHandshake MessageKind = iota + 1
	KindPing
	KindPong
	KindGossip
	KindCheckpointVote
	KindCheckpointCertificate
)

func (k MessageKind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindGossip:
		return "gossip"
	case KindCheckpointVote:
		return "checkpoint_vote"
	case KindCheckpointCertificate:
		return "checkpoint_certificate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Validate rejects tags outside the known set.
func (k MessageKind) Validate() error {
	switch k {
	case KindHandshake, KindPing, KindPong, KindGossip, KindCheckpointVote, KindCheckpointCertificate:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageKind, uint8(k))
	}
}

// Payload is the closed set of message bodies. Every implementation lives in
// this package; DecodePayload is the single place a kind is mapped to a type.
type Payload interface {
	Kind() MessageKind
	ValidateBasic() error

	isPayload()
}

// Role is the peering role a node announces in its handshake.
type Role string

const (
	RoleDirector  Role = "director"
	RoleValidator Role = "validator"
)

// Validate checks the role is known.
func (r Role) Validate() error {
	switch r {
	case RoleDirector, RoleValidator:
		return nil
	default:
		return fmt.Errorf("unknown role %q", string(r))
	}
}

// Handshake authenticates a connection. Each side first announces a fresh
// Nonce, then answers with a Handshake whose Challenge is the nonce it
// received. The enclosing envelope is signed with the key in PubKey, and the
// sender ID must be derived from it.
type Handshake struct {
	PubKey     []byte `json:"pub_key"`
	Network    string `json:"network"`
	ListenAddr string `json:"listen_addr"`
	Role       Role   `json:"role"`
	Nonce      []byte `json:"nonce"`
	Challenge  []byte `json:"challenge,omitempty"`
}

func (*Handshake) Kind() MessageKind { return KindHandshake }
func (*Handshake) isPayload()        {}

func (h *Handshake) ValidateBasic() error {
	if len(h.PubKey) == 0 {
		return errors.New("handshake without public key")
	}
	if h.Network == "" {
		return errors.New("handshake without network")
	}
	if len(h.Nonce) == 0 {
		return errors.New("handshake without nonce")
	}
	return h.Role.Validate()
}

// Ping is a keep-alive probe, answered with a Pong carrying the same nonce.
type Ping struct {
	Nonce uint64 `json:"nonce"`
}

func (*Ping) Kind() MessageKind    { return KindPing }
func (*Ping) isPayload()           {}
func (*Ping) ValidateBasic() error { return nil }

// Pong answers a Ping.
type Pong struct {
	Nonce uint64 `json:"nonce"`
}

func (*Pong) Kind() MessageKind    { return KindPong }
func (*Pong) isPayload()           {}
func (*Pong) ValidateBasic() error { return nil }

// Gossip is an opaque application message relayed across the network.
type Gossip struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
}

// NewGossip returns a gossip payload with a fresh random ID.
func NewGossip(topic string, data []byte) *Gossip {
	return &Gossip{ID: uuid.NewString(), Topic: topic, Data: data}
}

func (*Gossip) Kind() MessageKind { return KindGossip }
func (*Gossip) isPayload()        {}

func (g *Gossip) ValidateBasic() error {
	if g.ID == "" {
		return errors.New("gossip without id")
	}
	return nil
}

// CheckpointVote carries a single vote.
type CheckpointVote struct {
	Vote Vote `json:"vote"`
}

func (*CheckpointVote) Kind() MessageKind { return KindCheckpointVote }
func (*CheckpointVote) isPayload()        {}

func (m *CheckpointVote) ValidateBasic() error { return m.Vote.ValidateBasic() }

// CheckpointCertificate announces a certificate.
type CheckpointCertificate struct {
	Certificate Certificate `json:"certificate"`
}

func (*CheckpointCertificate) Kind() MessageKind { return KindCheckpointCertificate }
func (*CheckpointCertificate) isPayload()        {}

func (m *CheckpointCertificate) ValidateBasic() error { return m.Certificate.ValidateBasic() }

// Message is the wire envelope exchanged between peers.
type Message struct {
	Version   uint16      `json:"version"`
	Sender    PeerID      `json:"sender"`
	Kind      MessageKind `json:"kind"`
	Payload   []byte      `json:"payload"`
	Signature []byte      `json:"signature,omitempty"`
}

// NewMessage encodes p into a new unsigned envelope from sender.
func NewMessage(sender PeerID, p Payload) (*Message, error) {
	if err := p.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", p.Kind(), err)
	}
	bz, err := Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Kind(), err)
	}
	return &Message{
		Version: ProtocolVersion,
		Sender:  sender,
		Kind:    p.Kind(),
		Payload: bz,
	}, nil
}

// NewSignedMessage is NewMessage followed by Sign.
func NewSignedMessage(privKey crypto.PrivKey, p Payload) (*Message, error) {
	msg, err := NewMessage(PeerIDFromPubKey(privKey.PubKey()), p)
	if err != nil {
		return nil, err
	}
	if err := msg.Sign(privKey); err != nil {
		return nil, err
	}
	return msg, nil
}

// ValidateBasic validates the envelope without decoding the payload.
func (m *Message) ValidateBasic() error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrMessageVersion, m.Version)
	}
	if err := m.Sender.Validate(); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := m.Kind.Validate(); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return ErrEmptyPayload
	}
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Payload))
	}
	return nil
}

// DecodePayload decodes the payload into the concrete type selected by Kind.
// Unknown kinds are rejected.
func (m *Message) DecodePayload() (Payload, error) {
	var p Payload
	switch m.Kind {
	case KindHandshake:
		p = &Handshake{}
	case KindPing:
		p = &Ping{}
	case KindPong:
		p = &Pong{}
	case KindGossip:
		p = &Gossip{}
	case KindCheckpointVote:
		p = &CheckpointVote{}
	case KindCheckpointCertificate:
		p = &CheckpointCertificate{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, uint8(m.Kind))
	}

	if err := Unmarshal(m.Payload, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	if err := p.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", m.Kind, err)
	}
	return p, nil
}

type messageSignBytes struct {
	Version uint16      `json:"version"`
	Sender  PeerID      `json:"sender"`
	Kind    MessageKind `json:"kind"`
	Payload []byte      `json:"payload"`
}

// SignBytes returns the canonical encoding of every envelope field except
// the signature itself.
func (m *Message) SignBytes() []byte {
	return MustMarshal(messageSignBytes{
		Version: m.Version,
		Sender:  m.Sender,
		Kind:    m.Kind,
		Payload: m.Payload,
	})
}

// Sign signs the envelope in place.
func (m *Message) Sign(privKey crypto.PrivKey) error {
	sig, err := privKey.Sign(m.SignBytes())
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	m.Signature = sig
	return nil
}

// VerifySignature checks the envelope signature with pubKey.
func (m *Message) VerifySignature(pubKey []byte, verifier crypto.Verifier) bool {
	if len(m.Signature) == 0 {
		return false
	}
	return verifier.Verify(pubKey, m.SignBytes(), m.Signature)
}

// Digest identifies the message body for duplicate suppression. It covers
// kind, originating sender and payload but neither the version nor the
// signature, so a re-signed or re-enveloped copy of the same body collides.
func (m *Message) Digest() Hash {
	var h Hash
	copy(h[:], crypto.ChecksumParts([]byte{byte(m.Kind)}, []byte(m.Sender), m.Payload))
	return h
}

// Size returns the approximate encoded size of the message.
func (m *Message) Size() int {
	return len(m.Payload) + len(m.Signature) + len(m.Sender) + 4
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{%s from:%s %dB}", m.Kind, m.Sender.ShortString(), len(m.Payload))
}

// Encode serializes the envelope for the wire.
func (m *Message) Encode() ([]byte, error) {
	return Marshal(m)
}

// DecodeMessage parses and validates an envelope received from the wire.
func DecodeMessage(bz []byte) (*Message, error) {
	msg := &Message{}
	if err := Unmarshal(bz, msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	return msg, nil
}
