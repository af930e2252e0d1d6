package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// All wire payloads and persisted records are CBOR encoded. Encoding uses
// the canonical (deterministic) mode so that identical values always produce
// identical bytes, which the relay and evidence digests rely on.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano

	var err error
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("failed to build cbor encoding mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("failed to build cbor decoding mode: %v", err))
	}
}

// Marshal encodes v in canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshal is like Marshal but panics on error. It is only used for
// values whose encoding cannot fail (plain structs of scalars and bytes).
func MustMarshal(v interface{}) []byte {
	bz, err := encMode.Marshal(v)
	if err != nil {
		panic(err)
	}
	return bz
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
