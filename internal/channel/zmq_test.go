package channel

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interspecies/probed/internal/logging"
	"github.com/interspecies/probed/pkg/types"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return fmt.Sprintf("tcp://%s", addr)
}

func TestOpenZMQRequiresSubscribeAddr(t *testing.T) {
	_, err := OpenZMQ(context.Background(), ZMQConfig{PublishAddr: freeTCPAddr(t)}, logging.Discard())
	assert.Error(t, err)
}

func TestZMQReceiveOnly(t *testing.T) {
	z, err := OpenZMQ(context.Background(), ZMQConfig{
		SubscribeAddr: freeTCPAddr(t),
		RetryDelay:    5 * time.Millisecond,
	}, logging.Discard())
	require.NoError(t, err)

	err = z.Send(context.Background(), types.NewMessage("a", types.KindBehaviour, "b", "CW"))
	assert.ErrorIs(t, err, ErrReceiveOnly)

	require.NoError(t, z.Close())
	_, _, err = z.TryReceive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestZMQLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrA, addrB := freeTCPAddr(t), freeTCPAddr(t)
	a, err := OpenZMQ(ctx, ZMQConfig{SubscribeAddr: addrB, PublishAddr: addrA, RetryDelay: 5 * time.Millisecond}, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenZMQ(ctx, ZMQConfig{SubscribeAddr: addrA, PublishAddr: addrB, RetryDelay: 5 * time.Millisecond}, logging.Discard())
	require.NoError(t, err)
	defer b.Close()

	want := types.NewMessage("setup-1", types.KindBehaviour, "FishManager", "CCW")
	var got types.Message
	// PUB drops messages until the subscriber has joined, so keep sending.
	require.Eventually(t, func() bool {
		_ = a.Send(ctx, want)
		msg, ok, _ := b.TryReceive()
		if ok {
			got = msg
		}
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, want, got)
}
