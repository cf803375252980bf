package srpc

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMarshalFixture(t *testing.T) (*Peer, <-chan *Message) {
	t.Helper()
	chA, chB := NewLocalPair()
	peer, err := NewPeer(chB)
	require.NoError(t, err)
	collected := make(chan *Message, 16)
	chA.Receive(func(_ context.Context, msg *Message, _ Sender) {
		collected <- msg
	})
	return peer, collected
}

func TestMarshal_primitivesPassThrough(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	ms := &marshalState{ctx: context.Background()}
	for _, v := range []any{nil, 42, int64(7), 1.5, "hello", true} {
		out, changed, err := peer.marshalValue(ms, v)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, v, out)
	}
	assert.Empty(t, ms.settlers)
}

func TestMarshal_funcBecomesSentinel(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	ms := &marshalState{ctx: context.Background()}
	fn := func(int) {}

	out, changed, err := peer.marshalValue(ms, fn)
	require.NoError(t, err)
	assert.True(t, changed)
	ref, ok := asRemoteRef(out)
	require.True(t, ok)
	assert.Equal(t, rpcTypeFunction, ref.RPCType)
	_, found := peer.hostFunctions.lookup(ref.ObjID)
	assert.True(t, found)

	// Identity is preserved across repeat marshalling.
	again, _, err := peer.marshalValue(ms, fn)
	require.NoError(t, err)
	assert.Equal(t, ref.ObjID, again.(*RemoteRef).ObjID)
	assert.Equal(t, 1, peer.hostFunctions.size())
}

func TestMarshal_futureBecomesPromiseSentinel(t *testing.T) {
	peer, collected := newMarshalFixture(t)
	ms := &marshalState{ctx: context.Background()}
	fut := NewFuture()

	out, changed, err := peer.marshalValue(ms, fut)
	require.NoError(t, err)
	assert.True(t, changed)
	ref, ok := asRemoteRef(out)
	require.True(t, ok)
	assert.Equal(t, promiseClassID, ref.ClassID)
	require.Len(t, ms.settlers, 1)

	// Settlement is gated on the reply barrier and keyed by the minted id.
	barrier := make(chan struct{})
	peer.runSettlers(ms, barrier)
	fut.Resolve("done")
	select {
	case <-collected:
		t.Fatal("settlement sent before barrier")
	case <-time.After(50 * time.Millisecond):
	}
	close(barrier)
	select {
	case msg := <-collected:
		assert.Equal(t, ActionAsyncFnResult, msg.Action)
		assert.Equal(t, ref.ObjID, msg.CallID)
		assert.True(t, msg.Success)
		assert.Equal(t, "done", msg.Result)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for settlement")
	}
}

func TestMarshal_registeredClassInstance(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	type animal struct {
		Name  string
		Legs  int
		hides string
	}
	_, err := peer.RegisterHostClass("Animal", func() *animal { return nil }, &ClassDescriptor{
		Instance: &ObjectDescriptor{ReadonlyProperties: []string{"Name", "Legs"}},
	})
	require.NoError(t, err)

	lion := &animal{Name: "lion", Legs: 4, hides: "no"}
	ms := &marshalState{ctx: context.Background()}
	out, changed, err := peer.marshalValue(ms, lion)
	require.NoError(t, err)
	assert.True(t, changed)
	ref, ok := asRemoteRef(out)
	require.True(t, ok)
	assert.Equal(t, "Animal", ref.ClassID)
	assert.Equal(t, map[string]any{"Name": "lion", "Legs": 4}, ref.Props)

	// Repeated marshalling reuses the registry entry.
	again, _, err := peer.marshalValue(ms, lion)
	require.NoError(t, err)
	assert.Equal(t, ref.ObjID, again.(*RemoteRef).ObjID)
	entry, ok := peer.hostObjects.lookup(ref.ObjID)
	require.True(t, ok)
	assert.Same(t, lion, entry.target)
	assert.Equal(t, 1, peer.hostObjects.size())
}

func TestMarshal_plainRecordPassesThrough(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	type point struct{ X, Y int }
	ms := &marshalState{ctx: context.Background()}

	v := point{X: 1, Y: 2}
	out, changed, err := peer.marshalValue(ms, v)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, v, out)
	assert.Equal(t, 0, peer.hostObjects.size())
}

func TestMarshal_recordWithRewrittenChildRegisters(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	type job struct {
		Name string
		Done func()
	}
	ms := &marshalState{ctx: context.Background()}

	out, changed, err := peer.marshalValue(ms, &job{Name: "sweep", Done: func() {}})
	require.NoError(t, err)
	assert.True(t, changed)
	ref, ok := asRemoteRef(out)
	require.True(t, ok)
	assert.Empty(t, ref.ClassID)
	assert.Equal(t, "sweep", ref.Props["Name"])
	child, ok := asRemoteRef(ref.Props["Done"])
	require.True(t, ok)
	assert.Equal(t, rpcTypeFunction, child.RPCType)
	_, found := peer.hostObjects.lookup(ref.ObjID)
	assert.True(t, found)
}

func TestMarshal_mapAndSliceRecurse(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	ms := &marshalState{ctx: context.Background()}

	out, changed, err := peer.marshalValue(ms, map[string]any{
		"plain": 1,
		"cb":    func() {},
	})
	require.NoError(t, err)
	assert.True(t, changed)
	m := out.(map[string]any)
	assert.Equal(t, 1, m["plain"])
	_, ok := asRemoteRef(m["cb"])
	assert.True(t, ok)

	out, changed, err = peer.marshalValue(ms, []any{1, "two", func() {}})
	require.NoError(t, err)
	assert.True(t, changed)
	s := out.([]any)
	assert.Equal(t, 1, s[0])
	_, ok = asRemoteRef(s[2])
	assert.True(t, ok)

	out, changed, err = peer.marshalValue(ms, []int{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []int{1, 2, 3}, out)
}

func TestUnmarshal_coercion(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	ctx := context.Background()

	v, err := peer.unmarshalValue(ctx, float64(5), reflect.TypeOf(0), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = peer.unmarshalValue(ctx, "five", reflect.TypeOf(0), nil)
	var merr *MarshalError
	assert.ErrorAs(t, err, &merr)
}

func TestUnmarshal_structFromMap(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	type point struct{ X, Y int }

	v, err := peer.unmarshalValue(context.Background(), map[string]any{"X": float64(1), "y": float64(2)}, reflect.TypeOf(point{}), nil)
	require.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: 2}, v)
}

func TestUnmarshal_customDeserializer(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	type temperature float64
	peer.RegisterDeserializer(temperature(0), func(raw any, _ reflect.Type) (any, error) {
		f, ok := raw.(float64)
		if !ok {
			return raw, nil
		}
		return temperature(f - 273.15), nil
	})

	v, err := peer.unmarshalValue(context.Background(), float64(300), reflect.TypeOf(temperature(0)), nil)
	require.NoError(t, err)
	assert.InDelta(t, 26.85, float64(v.(temperature)), 0.01)
}

func TestUnmarshal_genericObjectsAreIndependentCopies(t *testing.T) {
	peer, _ := newMarshalFixture(t)
	ref := map[string]any{"obj_id": "g1", "props": map[string]any{"N": float64(1)}}

	a, err := peer.unmarshalValue(context.Background(), ref, nil, nil)
	require.NoError(t, err)
	b, err := peer.unmarshalValue(context.Background(), ref, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Mutating one copy must not affect the other.
	a.(map[string]any)["N"] = 2
	assert.Equal(t, float64(1), b.(map[string]any)["N"])
}
