package client

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDispatch(t *testing.T) {
	listened := ReceivingChannel{Name: "calls", Chan: make(chan Message, 1), ChannelID: 1001}
	other := ReceivingChannel{Name: "other", Chan: make(chan Message, 1), ChannelID: 2002}
	e := &Engine{ReceivingChannels: []ReceivingChannel{listened, other}, Log: zaptest.NewLogger(t)}

	msg := &tg.Message{
		ID:      77,
		PeerID:  &tg.PeerChannel{ChannelID: 1001},
		Message: "buy it",
		Date:    1714564800,
	}
	require.NoError(t, e.dispatch(context.Background(), msg))

	got := <-listened.Chan
	require.Equal(t, int64(1001), got.ChannelID)
	require.Equal(t, 77, got.MessageID)
	require.Equal(t, "buy it", got.Text)
	require.Equal(t, time.Unix(1714564800, 0), got.Date)
	require.Len(t, other.Chan, 0)
}

func TestDispatchIgnores(t *testing.T) {
	rc := ReceivingChannel{Chan: make(chan Message, 3), ChannelID: 1001}
	e := &Engine{ReceivingChannels: []ReceivingChannel{rc}, Log: zaptest.NewLogger(t)}
	ctx := context.Background()

	for _, msg := range []*tg.Message{
		{ID: 1, PeerID: &tg.PeerChannel{ChannelID: 9}, Message: "unknown channel"},
		{ID: 2, PeerID: &tg.PeerUser{UserID: 1001}, Message: "private chat"},
		{ID: 3, PeerID: &tg.PeerChannel{ChannelID: 1001}, Message: ""},
		{ID: 4, PeerID: &tg.PeerChannel{ChannelID: 1001}, Message: "own post", Out: true},
	} {
		require.NoError(t, e.dispatch(ctx, msg))
	}
	require.Len(t, rc.Chan, 0)
}

func TestDispatchCanceled(t *testing.T) {
	rc := ReceivingChannel{Chan: make(chan Message), ChannelID: 1001}
	e := &Engine{ReceivingChannels: []ReceivingChannel{rc}, Log: zaptest.NewLogger(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.dispatch(ctx, &tg.Message{PeerID: &tg.PeerChannel{ChannelID: 1001}, Message: "x"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunRequiresCredentials(t *testing.T) {
	e := &Engine{Log: zaptest.NewLogger(t)}
	require.Error(t, e.Run(context.Background()))
}
