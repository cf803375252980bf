package srpc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

var (
	proxyType   = reflect.TypeOf((*Proxy)(nil))
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Proxy is a local stand-in for a peer's host target. Property reads,
// property writes, and method invocations are routed through the channel
// using the call style declared by the descriptor, downgraded to fit the
// channel's capabilities. The remote id is immutable; a proxy never re-binds.
type Proxy struct {
	peer    *Peer
	objID   string
	classID string
	desc    *ObjectDescriptor
	props   map[string]any
}

func newProxy(peer *Peer, objID, classID string, desc *ObjectDescriptor, props map[string]any) *Proxy {
	return &Proxy{peer: peer, objID: objID, classID: classID, desc: desc, props: props}
}

// ObjID returns the remote identity this proxy is bound to.
func (x *Proxy) ObjID() string { return x.objID }

// Get reads a property. Readonly properties are served from the inline bag
// shipped with the object; proxied properties dispatch a prop_get call and
// block until the value is available.
func (x *Proxy) Get(ctx context.Context, name string) (any, error) {
	if x.desc.readonly(name) {
		if raw, ok := x.props[name]; ok {
			return x.peer.unmarshalValue(ctx, raw, nil, nil)
		}
		// No inline bag was shipped with this proxy; read once from the host.
		return x.peer.callAndWait(ctx, ActionPropGet, x.objID, name, nil, CallUnspecified, nil)
	}
	pd := x.desc.property(name)
	if pd == nil {
		return nil, &MemberNotFoundError{ObjID: x.objID, Member: name}
	}
	var requested CallType
	if pd.Get != nil {
		requested = pd.Get.Returns
	}
	return x.peer.callAndWait(ctx, ActionPropGet, x.objID, name, nil, requested, nil)
}

// Set writes a proxied property via a prop_set call. Readonly and read_only
// properties reject the write locally.
func (x *Proxy) Set(ctx context.Context, name string, value any) error {
	if x.desc.readonly(name) {
		return fmt.Errorf("srpc: property %q of %q is read only", name, x.objID)
	}
	pd := x.desc.property(name)
	if pd == nil {
		return &MemberNotFoundError{ObjID: x.objID, Member: name}
	}
	if pd.ReadOnly {
		return fmt.Errorf("srpc: property %q of %q is read only", name, x.objID)
	}
	var requested CallType
	if pd.Set != nil {
		requested = pd.Set.Returns
	}
	_, err := x.peer.callAndWait(ctx, ActionPropSet, x.objID, name, []any{value}, requested, nil)
	return err
}

// Invoke calls a method using the call style declared by its descriptor.
// For an effective async style the result is the pending call's *Future; for
// sync it is the unmarshalled value; for void it is nil.
func (x *Proxy) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	fd := x.desc.function(name)
	if fd == nil {
		return nil, &MemberNotFoundError{ObjID: x.objID, Member: name}
	}
	v, fut, err := x.peer.invokeRemote(ctx, ActionMethodCall, x.objID, name, args, fd.Returns, nil)
	if err != nil {
		return nil, err
	}
	if fut != nil {
		return fut, nil
	}
	return v, nil
}

// Call invokes a method with sync preference and blocks for the result.
func (x *Proxy) Call(ctx context.Context, name string, args ...any) (any, error) {
	if x.desc.function(name) == nil {
		return nil, &MemberNotFoundError{ObjID: x.objID, Member: name}
	}
	return x.peer.callAndWait(ctx, ActionMethodCall, x.objID, name, args, CallSync, nil)
}

// CallAsync invokes a method with async preference, returning the pending
// call's future. On a sync-only channel the call downgrades and the returned
// future is already settled.
func (x *Proxy) CallAsync(ctx context.Context, name string, args ...any) (*Future, error) {
	if x.desc.function(name) == nil {
		return nil, &MemberNotFoundError{ObjID: x.objID, Member: name}
	}
	v, fut, err := x.peer.invokeRemote(ctx, ActionMethodCall, x.objID, name, args, CallAsync, nil)
	if err != nil {
		return nil, err
	}
	if fut == nil {
		fut = NewFuture()
		fut.Resolve(v)
	}
	return fut, nil
}

// CallVoid invokes a method with void preference: no reply, even on failure.
func (x *Proxy) CallVoid(ctx context.Context, name string, args ...any) error {
	if x.desc.function(name) == nil {
		return &MemberNotFoundError{ObjID: x.objID, Member: name}
	}
	_, _, err := x.peer.invokeRemote(ctx, ActionMethodCall, x.objID, name, args, CallVoid, nil)
	return err
}

// Bind materializes the proxy into a user-declared shape: a pointer to a
// struct whose members route through this proxy.
//
//   - A func field whose name matches a descriptor function becomes a method
//     router.
//   - Func fields named Get<P> / Set<P> for a proxied property P become
//     accessors; a Set<P> field for a read_only property makes Bind fail.
//   - A non-func field named as a readonly property is initialized from the
//     inline property bag.
//   - A field of type *Proxy receives the proxy itself.
//
// Any other exported member fails with [SpecMismatchError]: the descriptor
// must cover the entire shape.
func (x *Proxy) Bind(out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("srpc: bind target must be a non-nil pointer to struct, got %T", out)
	}
	sv := rv.Elem()
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := sv.Field(i)

		if field.Type == proxyType {
			fv.Set(reflect.ValueOf(x))
			continue
		}

		if field.Type.Kind() == reflect.Func {
			if fd := x.desc.function(field.Name); fd != nil {
				fv.Set(x.peer.routeFunc(field.Type, fd, ActionMethodCall, x.objID, field.Name))
				continue
			}
			if prop, accessor, ok := accessorTarget(field.Name); ok {
				if pd := x.desc.property(prop); pd != nil {
					bound, err := x.bindAccessor(field.Type, pd, accessor)
					if err != nil {
						return err
					}
					fv.Set(bound)
					continue
				}
			}
			return &SpecMismatchError{Shape: st.String(), Member: field.Name}
		}

		if x.desc.readonly(field.Name) {
			raw, ok := x.props[field.Name]
			if !ok {
				fetched, err := x.peer.callAndWait(context.Background(), ActionPropGet, x.objID, field.Name, nil, CallUnspecified, field.Type)
				if err != nil {
					return err
				}
				raw = fetched
			}
			v, err := x.peer.unmarshalValue(context.Background(), raw, field.Type, nil)
			if err != nil {
				return err
			}
			ev, err := valueFor(v, field.Type)
			if err != nil {
				return err
			}
			fv.Set(ev)
			continue
		}
		return &SpecMismatchError{Shape: st.String(), Member: field.Name}
	}
	return nil
}

// accessorTarget splits a Get<P>/Set<P> func-field name into the property
// name and accessor kind.
func accessorTarget(name string) (prop, accessor string, ok bool) {
	switch {
	case strings.HasPrefix(name, "Get") && len(name) > 3:
		return name[3:], "get", true
	case strings.HasPrefix(name, "Set") && len(name) > 3:
		return name[3:], "set", true
	}
	return "", "", false
}

// bindAccessor builds the func value backing a Get<P>/Set<P> field.
func (x *Proxy) bindAccessor(ft reflect.Type, pd *PropertyDescriptor, accessor string) (reflect.Value, error) {
	switch accessor {
	case "get":
		fd := pd.Get
		if fd == nil {
			fd = &FunctionDescriptor{Name: pd.Name}
		}
		return x.peer.routeFunc(ft, fd, ActionPropGet, x.objID, pd.Name), nil
	default:
		if pd.ReadOnly {
			return reflect.Value{}, fmt.Errorf("srpc: property %q of %q is read only", pd.Name, x.objID)
		}
		fd := pd.Set
		if fd == nil {
			fd = &FunctionDescriptor{Name: pd.Name}
		}
		return x.peer.routeFunc(ft, fd, ActionPropSet, x.objID, pd.Name), nil
	}
}

// ProxyFunc is a local stand-in for a peer's host function.
type ProxyFunc struct {
	peer  *Peer
	objID string
	desc  *FunctionDescriptor
}

// ObjID returns the remote identity this function proxy is bound to.
func (f *ProxyFunc) ObjID() string { return f.objID }

// Invoke calls the remote function with sync preference and blocks for the
// result.
func (f *ProxyFunc) Invoke(ctx context.Context, args ...any) (any, error) {
	return f.peer.callAndWait(ctx, ActionFnCall, f.objID, "", args, CallSync, nil)
}

// InvokeAsync calls the remote function with async preference.
func (f *ProxyFunc) InvokeAsync(ctx context.Context, args ...any) (*Future, error) {
	v, fut, err := f.peer.invokeRemote(ctx, ActionFnCall, f.objID, "", args, CallAsync, nil)
	if err != nil {
		return nil, err
	}
	if fut == nil {
		fut = NewFuture()
		fut.Resolve(v)
	}
	return fut, nil
}

// Bind assigns a routed implementation to *fnPtr, which must be a non-nil
// pointer to a func variable.
func (f *ProxyFunc) Bind(fnPtr any) error {
	rv := reflect.ValueOf(fnPtr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Func {
		return fmt.Errorf("srpc: bind target must be a non-nil pointer to func, got %T", fnPtr)
	}
	rv.Elem().Set(f.peer.routeFunc(rv.Elem().Type(), f.desc, ActionFnCall, f.objID, ""))
	return nil
}

// proxyFunc wraps a remote function reference without a declared Go shape.
func (p *Peer) proxyFunc(objID string, desc *FunctionDescriptor) *ProxyFunc {
	return &ProxyFunc{peer: p, objID: objID, desc: desc}
}

// makeCallbackFunc synthesizes a func value of the expected delegate shape
// that dispatches fn_call messages against the marshalled callable.
func (p *Peer) makeCallbackFunc(expected reflect.Type, objID string, desc *FunctionDescriptor) any {
	return p.routeFunc(expected, desc, ActionFnCall, objID, "").Interface()
}

// routeFunc builds a func value of type ft whose invocation routes through
// the channel. The call style is the descriptor's declared preference
// (default async), downgraded per channel capability. The func signature
// dictates how the reply surfaces:
//
//   - a *Future return receives the pending call's future;
//   - a single value return blocks until the reply and is unmarshalled
//     against that type, with a trailing error return receiving send and
//     remote failures;
//   - without a value return an async call is not waited on, so any error
//     return surfaces send failures only; an effective sync call also
//     surfaces remote failures there.
//
// A leading context.Context parameter carries the send context.
func (p *Peer) routeFunc(ft reflect.Type, desc *FunctionDescriptor, action Action, objID, prop string) reflect.Value {
	var requested CallType
	if desc != nil {
		requested = desc.Returns
	}
	expected, futOut, errOut, valOut := returnShape(ft)

	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		args := in
		if len(in) > 0 && in[0].Type() == contextType {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			args = in[1:]
		}
		raw := make([]any, len(args))
		for i, a := range args {
			raw[i] = a.Interface()
		}

		out := make([]reflect.Value, ft.NumOut())
		for i := range out {
			out[i] = reflect.Zero(ft.Out(i))
		}
		fail := func(err error) []reflect.Value {
			if errOut >= 0 {
				out[errOut] = reflect.ValueOf(&err).Elem()
			} else {
				p.logger.Err().
					Err(err).
					Str(`obj_id`, objID).
					Str(`prop`, prop).
					Log(`proxy call failed`)
			}
			return out
		}

		v, fut, err := p.invokeRemote(ctx, action, objID, prop, raw, requested, expected)
		if err != nil {
			return fail(err)
		}
		if f, ok := v.(*Future); ok && fut == nil {
			// A sync reply carried a promise sentinel; treat it as async.
			fut, v = f, nil
		}

		if futOut >= 0 {
			if fut == nil {
				fut = NewFuture()
				fut.Resolve(v)
			}
			out[futOut] = reflect.ValueOf(fut)
			return out
		}
		if fut != nil {
			if valOut < 0 {
				// Nothing to surface; fire-and-forget. Blocking here would
				// stall dispatch when the callback is invoked inline.
				return out
			}
			// The signature wants a settled value: synthesize sync over async.
			v, err = fut.Wait(ctx)
			if err != nil {
				return fail(err)
			}
		}
		if valOut >= 0 && v != nil {
			ev, err := valueFor(v, ft.Out(valOut))
			if err != nil {
				return fail(err)
			}
			out[valOut] = ev
		}
		return out
	})
}

// returnShape inspects a routed func signature: the expected result type (for
// unmarshalling), and the indices of *Future, error, and value returns (-1
// when absent).
func returnShape(ft reflect.Type) (expected reflect.Type, futOut, errOut, valOut int) {
	futOut, errOut, valOut = -1, -1, -1
	for i := 0; i < ft.NumOut(); i++ {
		switch t := ft.Out(i); {
		case t == futureType:
			futOut = i
		case t == errorType:
			errOut = i
		default:
			valOut = i
			expected = t
		}
	}
	return expected, futOut, errOut, valOut
}
