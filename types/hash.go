package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tendermint/checkpointbft/crypto"
)

// Hash is a 32 byte digest. Checkpoint digests are supplied by the consuming
// runtime and treated as opaque values.
type Hash [crypto.HashSize]byte

// HashFromBytes copies bz into a Hash, failing on a size mismatch.
func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != len(h) {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(bz), len(h))
	}
	copy(h[:], bz)
	return h, nil
}

// HashOf computes the blake2b-256 digest of bz.
func HashOf(bz []byte) Hash {
	var h Hash
	copy(h[:], crypto.Checksum(bz))
	return h
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the hash as a slice.
func (h Hash) Bytes() []byte {
	bz := make([]byte, len(h))
	copy(bz, h[:])
	return bz
}

func (h Hash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// ShortString returns the first six bytes in hex, used in logs.
func (h Hash) ShortString() string {
	return h.String()[:12]
}

// MarshalText implements encoding.TextMarshaler for JSON output.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	bz, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid hash encoding: %w", err)
	}
	hh, err := HashFromBytes(bz)
	if err != nil {
		return err
	}
	*h = hh
	return nil
}
