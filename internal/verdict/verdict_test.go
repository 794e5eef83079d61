package verdict

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringCoversEveryValue(t *testing.T) {
	cases := map[Value]string{
		Undefined:    "undefined",
		Valid:        "valid",
		NotFound:     "notfound",
		Invalid:      "invalid",
		Unverifiable: "unverifiable",
		DontUse:      "dontuse",
	}
	for v, want := range cases {
		require.Equal(t, want, v.String())
	}
}

func TestStringDefaultsToUndefinedForUnknownValue(t *testing.T) {
	require.Equal(t, "undefined", Value(200).String())
}
