package channels

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for kind := range AvailableChannels {
		p, err := New(kind)
		require.NoError(t, err)
		require.NotNil(t, p)
	}

	_, err := New("")
	require.NoError(t, err)

	_, err = New("CryptoTrade066")
	require.Error(t, err)
}
