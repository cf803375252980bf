package grpcchannel_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	srpc "github.com/joeycumines/go-srpc"
	"github.com/joeycumines/go-srpc/grpcchannel"
)

type greeter struct{}

func (greeter) Greet(name string) string { return "hello " + name }

func TestChannel_roundTripOverBufconn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(grpcchannel.Service(func(ch *grpcchannel.Channel) {
		host, err := srpc.NewPeer(ch)
		if err != nil {
			t.Error(err)
			return
		}
		if _, err := host.RegisterHostObject("greeter", greeter{}, &srpc.ObjectDescriptor{
			Functions: []*srpc.FunctionDescriptor{{Name: "Greet", Returns: srpc.CallAsync}},
		}); err != nil {
			t.Error(err)
		}
	}), nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := grpcchannel.Dial(ctx, conn)
	require.NoError(t, err)
	client, err := srpc.NewPeer(ch)
	require.NoError(t, err)
	go func() { _ = ch.Run(ctx) }()

	fut, err := client.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)
	_, err = fut.Wait(ctx)
	require.NoError(t, err)

	proxy, err := client.ProxyObject("greeter")
	require.NoError(t, err)
	resFut, err := proxy.CallAsync(ctx, "Greet", "world")
	require.NoError(t, err)
	greeting, err := srpc.Await[string](ctx, resFut)
	require.NoError(t, err)
	assert.Equal(t, "hello world", greeting)

	require.NoError(t, ch.CloseSend())
}
