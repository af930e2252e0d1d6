package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

const (
	// HashSize is the size in bytes of a Checksum. All digests computed by
	// the node (peer addresses, relay digests, evidence hashes) use
	// blake2b-256.
	HashSize = blake2b.Size256

	// AddressSize is the size of a pubkey address.
	AddressSize = 20
)

// Address is the truncated hash of a public key, used to derive peer IDs.
type Address []byte

// String returns the lowercase hex encoding of the address.
func (a Address) String() string {
	return hex.EncodeToString(a)
}

// AddressHash computes a truncated blake2b-256 hash of bz for use as
// a peer address.
func AddressHash(bz []byte) Address {
	h := blake2b.Sum256(bz)
	return Address(h[:AddressSize])
}

// Checksum returns the blake2b-256 digest of bz.
func Checksum(bz []byte) []byte {
	h := blake2b.Sum256(bz)
	return h[:]
}

// ChecksumParts hashes the concatenation of parts without allocating the
// concatenated buffer.
func ChecksumParts(parts ...[]byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}

type PubKey interface {
	Address() Address
	Bytes() []byte
	VerifySignature(msg []byte, sig []byte) bool
	Equals(PubKey) bool
	Type() string
}

type PrivKey interface {
	Bytes() []byte
	Sign(msg []byte) ([]byte, error)
	PubKey() PubKey
	Equals(PrivKey) bool
	Type() string
}

// BatchVerifier verifies a set of signatures in one pass.
type BatchVerifier interface {
	// Add appends an entry into the BatchVerifier.
	Add(key PubKey, message, signature []byte) error
	// Verify verifies all the entries in the BatchVerifier, and returns
	// if every signature in the batch is valid, and a vector of bools
	// indicating the verification status of each signature (in the order
	// that signatures were added to the batch).
	Verify() (bool, []bool)
}

// Verifier is the signature verification capability consumed by the
// transport, relay and finality layers. Implementations must be safe for
// concurrent use.
type Verifier interface {
	Verify(pubKey, msg, sig []byte) bool
}

// VerifierFunc adapts a plain function to the Verifier interface.
type VerifierFunc func(pubKey, msg, sig []byte) bool

// Verify implements Verifier.
func (f VerifierFunc) Verify(pubKey, msg, sig []byte) bool {
	return f(pubKey, msg, sig)
}

// CReader returns a crypto/rand reader.
func CReader() io.Reader {
	return rand.Reader
}

// CRandBytes returns numBytes of cryptographically secure random bytes.
func CRandBytes(numBytes int) []byte {
	b := make([]byte, numBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return b
}
