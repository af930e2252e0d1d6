package bytes

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHexBytesJSON(t *testing.T) {
	type keyFile struct {
		Raw []byte
		Key HexBytes
	}

	testcases := []struct {
		input    []byte
		expected string
	}{
		{nil, `{"Raw":null,"Key":""}`},
		{[]byte{0x0a}, `{"Raw":"Cg==","Key":"0A"}`},
		{[]byte{0xde, 0xad, 0xbe, 0xef}, `{"Raw":"3q2+7w==","Key":"DEADBEEF"}`},
	}
	for i, tc := range testcases {
		tc := tc
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			bz, err := json.Marshal(keyFile{Raw: tc.input, Key: tc.input})
			require.NoError(t, err)
			require.Equal(t, tc.expected, string(bz))

			var decoded keyFile
			require.NoError(t, json.Unmarshal(bz, &decoded))
			require.Equal(t, []byte(tc.input), []byte(decoded.Key))
		})
	}
}

func TestHexBytesUnmarshalText(t *testing.T) {
	var bz HexBytes
	require.NoError(t, bz.UnmarshalText([]byte("deadBEEF")))
	require.Equal(t, HexBytes{0xde, 0xad, 0xbe, 0xef}, bz)
	require.Equal(t, "DEADBEEF", fmt.Sprintf("%v", bz))

	require.Error(t, bz.UnmarshalText([]byte("3q2+7w==")), "base64 is not accepted")
}
