// Package bytes holds byte-slice types with a readable JSON form, used for the
// keys and signatures in node key, authority set and authorization files.
package bytes

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexBytes is a byte slice that JSON-encodes as upper-case hex.
type HexBytes []byte

// MarshalText implements encoding.TextMarshaler.
func (bz HexBytes) MarshalText() ([]byte, error) {
	return []byte(bz.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Either case is accepted;
// an empty or null value decodes to nil.
func (bz *HexBytes) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" || s == "null" {
		*bz = nil
		return nil
	}
	dec, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex bytes %q: %w", s, err)
	}
	*bz = dec
	return nil
}

func (bz HexBytes) String() string {
	return strings.ToUpper(hex.EncodeToString(bz))
}
