package srpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	srpc "github.com/joeycumines/go-srpc"
)

func TestPeer_requiresChannelCapability(t *testing.T) {
	_, err := srpc.NewPeer(struct{}{})
	assert.Error(t, err)
}

func TestPeer_idempotentRegistration(t *testing.T) {
	peerA, _ := newPeerPair(t)
	target := &counter{}

	first, err := peerA.RegisterHostObject("a", target, nil)
	require.NoError(t, err)
	second, err := peerA.RegisterHostObject("b", target, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPeer_descriptorExchangeSync(t *testing.T) {
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)
	desc := &srpc.ObjectDescriptor{
		Functions: []*srpc.FunctionDescriptor{{Name: "Increment", Returns: srpc.CallSync}},
	}
	_, err := peerB.RegisterHostObject("c", &counter{}, desc)
	require.NoError(t, err)
	_, err = peerB.RegisterHostFunction("echo", func(s string) string { return s }, &srpc.FunctionDescriptor{Name: "echo"})
	require.NoError(t, err)

	fut, err := peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)
	require.Equal(t, srpc.FutureResolved, fut.State())

	set := peerA.RemoteDescriptors()
	require.NotNil(t, set.Objects["c"])
	assert.Equal(t, "Increment", set.Objects["c"].Functions[0].Name)
	require.NotNil(t, set.Functions["echo"])
}

func TestPeer_descriptorExchangeReplacesWhole(t *testing.T) {
	ctx := context.Background()
	chA, chB := srpc.NewLocalPair()
	peerA, err := srpc.NewPeer(chA)
	require.NoError(t, err)

	push := func(objects map[string]*srpc.ObjectDescriptor) {
		msg := &srpc.Message{Marker: srpc.Marker, Action: srpc.ActionDescriptorsResult, Objects: objects}
		require.NoError(t, chB.Send(ctx, msg))
	}

	push(map[string]*srpc.ObjectDescriptor{"one": {}})
	require.NotNil(t, peerA.RemoteDescriptors().Objects["one"])

	// A later exchange replaces the maps whole, never merging.
	push(map[string]*srpc.ObjectDescriptor{"two": {}})
	set := peerA.RemoteDescriptors()
	assert.Nil(t, set.Objects["one"])
	assert.NotNil(t, set.Objects["two"])
}

func TestPeer_sendRemoteDescriptorsPush(t *testing.T) {
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)
	_, err := peerB.RegisterHostObject("c", &counter{}, &srpc.ObjectDescriptor{})
	require.NoError(t, err)

	require.NoError(t, peerB.SendRemoteDescriptors(ctx))
	assert.NotNil(t, peerA.RemoteDescriptors().Objects["c"])
}

func TestPeer_proxyFunctionRequiresDescriptor(t *testing.T) {
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)
	_, err := peerB.RegisterHostFunction("echo", func(s string) string { return s }, &srpc.FunctionDescriptor{Name: "echo", Returns: srpc.CallSync})
	require.NoError(t, err)

	_, err = peerA.ProxyFunction("echo")
	assert.ErrorIs(t, err, srpc.ErrNotRegistered)

	_, err = peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)
	fn, err := peerA.ProxyFunction("echo")
	require.NoError(t, err)

	v, err := fn.Invoke(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", v)
}

func TestPeer_futureRoundTrip(t *testing.T) {
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)

	pending := srpc.NewFuture()
	_, err := peerB.RegisterHostFunction("slow", func() *srpc.Future { return pending }, &srpc.FunctionDescriptor{Name: "slow", Returns: srpc.CallAsync})
	require.NoError(t, err)
	_, err = peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)

	fn, err := peerA.ProxyFunction("slow")
	require.NoError(t, err)
	fut, err := fn.InvokeAsync(ctx)
	require.NoError(t, err)
	assert.Equal(t, srpc.FuturePending, fut.State())

	pending.Resolve("eventually")
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := fut.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "eventually", v)
}

func TestPeer_futureRejectionPropagates(t *testing.T) {
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)

	pending := srpc.NewFuture()
	_, err := peerB.RegisterHostFunction("doomed", func() *srpc.Future { return pending }, &srpc.FunctionDescriptor{Name: "doomed", Returns: srpc.CallAsync})
	require.NoError(t, err)
	_, err = peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)

	fn, err := peerA.ProxyFunction("doomed")
	require.NoError(t, err)
	fut, err := fn.InvokeAsync(ctx)
	require.NoError(t, err)

	pending.Reject(assert.AnError)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = fut.Wait(waitCtx)
	var remote *srpc.RemoteCallError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, assert.AnError.Error())
}

func TestPeer_releaseProxyClearsHostEntry(t *testing.T) {
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)
	_, err := peerB.RegisterHostObject("c", &counter{}, &srpc.ObjectDescriptor{
		Functions: []*srpc.FunctionDescriptor{{Name: "Increment", Returns: srpc.CallSync}},
	})
	require.NoError(t, err)
	_, err = peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)

	proxy, err := peerA.ProxyObject("c")
	require.NoError(t, err)
	_, err = proxy.Call(ctx, "Increment", 1)
	require.NoError(t, err)

	require.NoError(t, peerA.ReleaseProxy(ctx, proxy))
	_, err = proxy.Call(ctx, "Increment", 1)
	var remote *srpc.RemoteCallError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "not registered")
}

func TestPeer_contextFlowsThroughContinuations(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "attached")
	peerA, peerB := newPeerPair(t)

	// The host method settles its future from a continuation that inherits
	// the dispatch context.
	fn := func(callCtx context.Context) *srpc.Future {
		fut := srpc.NewFuture()
		go func() {
			fut.Resolve(callCtx.Value(ctxKey{}))
		}()
		return fut
	}
	_, err := peerB.RegisterHostFunction("observe", fn, &srpc.FunctionDescriptor{Name: "observe", Returns: srpc.CallAsync})
	require.NoError(t, err)
	_, err = peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)

	proxyFn, err := peerA.ProxyFunction("observe")
	require.NoError(t, err)
	fut, err := proxyFn.InvokeAsync(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := fut.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "attached", v)
}

func TestPeer_staticMembersRegisteredUnderClassID(t *testing.T) {
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)

	statics := &counter{Count: 100}
	_, err := peerB.RegisterHostClass("Counter", func() *counter { return &counter{} }, &srpc.ClassDescriptor{
		Instance: &srpc.ObjectDescriptor{},
		Static: &srpc.ObjectDescriptor{
			Functions: []*srpc.FunctionDescriptor{{Name: "Increment", Returns: srpc.CallSync}},
		},
		StaticTarget: statics,
	})
	require.NoError(t, err)
	_, err = peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)

	proxy, err := peerA.ProxyObject("Counter")
	require.NoError(t, err)
	v, err := proxy.Call(ctx, "Increment", 1)
	require.NoError(t, err)
	assert.Equal(t, 101, v)
}

func TestPeer_hostClassInstanceRoundTrip(t *testing.T) {
	// A host method returning a registered class instance marshals as a
	// class reference, and the receiving side materializes it.
	ctx := context.Background()
	peerA, peerB := newPeerPair(t)
	registerAnimalClass(t, peerB)

	zoo := &zooHost{}
	_, err := peerB.RegisterHostObject("zoo", zoo, &srpc.ObjectDescriptor{
		Functions: []*srpc.FunctionDescriptor{{Name: "Star", Returns: srpc.CallSync}},
	})
	require.NoError(t, err)

	require.NoError(t, peerA.RegisterProxyClass("Animal", animalShape{}))
	_, err = peerA.RequestRemoteDescriptors(ctx)
	require.NoError(t, err)

	proxy, err := peerA.ProxyObject("zoo")
	require.NoError(t, err)
	v, err := proxy.Call(ctx, "Star")
	require.NoError(t, err)
	star, ok := v.(*animalShape)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, "leo", star.Name)

	roarFut, err := star.Speak(ctx)
	require.NoError(t, err)
	roar, err := srpc.Await[string](ctx, roarFut)
	require.NoError(t, err)
	assert.Equal(t, "roar", roar)
}

type zooHost struct{}

func (z *zooHost) Star() *animal { return &animal{Name: "leo"} }
