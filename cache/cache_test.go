package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	c, err := New(100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	c.Del("a")
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestCacheExpires(t *testing.T) {
	c, err := New(100, 50*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	require.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
