package phone_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/radioq/sms-relay/internal/phone"
)

func TestNormalize(t *testing.T) {
	got, err := phone.Normalize("(202) 555-0123", "US")
	require.NoError(t, err)
	require.Equal(t, "+12025550123", got)

	// Already international: region is only a fallback.
	got, err = phone.Normalize("+12025550123", "DE")
	require.NoError(t, err)
	require.Equal(t, "+12025550123", got)
}

func TestNormalize_Rejections(t *testing.T) {
	cases := []struct {
		name, raw, region string
	}{
		{"garbage", "not a number", "US"},
		{"too short", "123", "US"},
		{"invalid for region", "+1202555", "US"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := phone.Normalize(c.raw, c.region)
			require.ErrorIs(t, err, phone.ErrInvalidNumber)
		})
	}
}

func TestLenient(t *testing.T) {
	got, err := phone.Lenient("+1 (202) 555-0123")
	require.NoError(t, err)
	require.Equal(t, "+12025550123", got)

	got, err = phone.Lenient("12025550123")
	require.NoError(t, err)
	require.Equal(t, "12025550123", got)

	// A '+' anywhere but the front is junk, not a prefix.
	got, err = phone.Lenient("1+202")
	require.NoError(t, err)
	require.Equal(t, "1202", got)

	for _, raw := range []string{"", "+", "abc"} {
		_, err := phone.Lenient(raw)
		require.ErrorIs(t, err, phone.ErrInvalidNumber, "raw %q", raw)
	}
}
