package streamchannel_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	srpc "github.com/joeycumines/go-srpc"
	"github.com/joeycumines/go-srpc/streamchannel"
)

type ticker struct {
	mu    sync.Mutex
	count int
}

func (c *ticker) Increment(by int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count += by
	return c.count
}

func (c *ticker) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// startPipePair wires two framed channels over a net.Pipe and runs both
// receive loops until the test ends.
func startPipePair(t *testing.T, opts ...streamchannel.Option) (*streamchannel.Channel, *streamchannel.Channel) {
	t.Helper()
	connA, connB := net.Pipe()
	chA, err := streamchannel.New(connA, opts...)
	require.NoError(t, err)
	chB, err := streamchannel.New(connB, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return chA.Run(ctx) })
	g.Go(func() error { return chB.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		_ = chA.Close()
		_ = chB.Close()
		_ = g.Wait()
	})
	return chA, chB
}

func testRoundTrip(t *testing.T, opts ...streamchannel.Option) {
	ctx := context.Background()
	chA, chB := startPipePair(t, opts...)

	host, err := srpc.NewPeer(chB)
	require.NoError(t, err)
	tick := &ticker{}
	_, err = host.RegisterHostObject("tick", tick, &srpc.ObjectDescriptor{
		Functions: []*srpc.FunctionDescriptor{{Name: "Increment", Returns: srpc.CallAsync}},
	})
	require.NoError(t, err)

	client, err := srpc.NewPeer(chA)
	require.NoError(t, err)

	// No sync capability: the request goes out async and the future resolves
	// on the corresponding push.
	fut, err := client.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = fut.Wait(waitCtx)
	require.NoError(t, err)

	proxy, err := client.ProxyObject("tick")
	require.NoError(t, err)
	resFut, err := proxy.CallAsync(ctx, "Increment", 5)
	require.NoError(t, err)
	n, err := srpc.Await[int](waitCtx, resFut)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, tick.total())
}

func TestChannel_roundTrip(t *testing.T) {
	testRoundTrip(t)
}

func TestChannel_roundTripCompressed(t *testing.T) {
	testRoundTrip(t, streamchannel.WithCompression())
}

func TestChannel_unmarkedFramesIgnored(t *testing.T) {
	ctx := context.Background()
	chA, chB := startPipePair(t)

	host, err := srpc.NewPeer(chB)
	require.NoError(t, err)
	tick := &ticker{}
	_, err = host.RegisterHostObject("tick", tick, nil)
	require.NoError(t, err)

	// Lacking the marker, the message is silently dropped by the runtime.
	require.NoError(t, chA.Send(ctx, &srpc.Message{Action: srpc.ActionMethodCall, ObjID: "tick", Prop: "Increment", CallType: srpc.CallVoid, Args: []any{1}}))
	// A marked equivalent is dispatched.
	require.NoError(t, chA.Send(ctx, &srpc.Message{Marker: srpc.Marker, Action: srpc.ActionMethodCall, ObjID: "tick", Prop: "Increment", CallType: srpc.CallVoid, Args: []any{1}}))

	require.Eventually(t, func() bool { return tick.total() == 1 }, 5*time.Second, 10*time.Millisecond)
}
