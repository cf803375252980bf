package srpc

import (
	"context"
	"reflect"
)

// marshalState accumulates the side effects of walking one outbound value
// graph: settlement emitters for any futures that were replaced by Promise
// sentinels. Settlers run only after the message carrying the sentinel has
// been sent, preserving the reply-before-settlement ordering.
type marshalState struct {
	ctx      context.Context
	settlers []func(barrier <-chan struct{})
}

// runSettlers starts the deferred settlement emitters. barrier, when non-nil,
// gates every settlement message on the initial reply having been dispatched.
func (p *Peer) runSettlers(ms *marshalState, barrier <-chan struct{}) {
	for _, settle := range ms.settlers {
		settle(barrier)
	}
	ms.settlers = nil
}

// marshalArgs marshals call arguments element-wise.
func (p *Peer) marshalArgs(ms *marshalState, args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, arg := range args {
		v, _, err := p.marshalValue(ms, arg)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// marshalValue rewrites a value for the wire, substituting identity-bearing
// sentinels for anything non-trivially serializable. The second return
// reports whether the value was rewritten.
func (p *Peer) marshalValue(ms *marshalState, v any) (any, bool, error) {
	if v == nil {
		return nil, false, nil
	}

	switch t := v.(type) {
	case *Future:
		return p.marshalFuture(ms, t), true, nil
	case *Proxy:
		// A proxy travelling back toward its host collapses to its id; the
		// receiving side resolves it against its own registry.
		return &RemoteRef{ObjID: t.objID, ClassID: t.classID}, true, nil
	case *RemoteRef:
		return t, false, nil
	case error:
		return t.Error(), true, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return p.marshalFunc(v), true, nil

	case reflect.Pointer:
		if rv.IsNil() {
			return nil, true, nil
		}
		if binding, ok := p.classBindingFor(rv.Type()); ok {
			ref, err := p.marshalClassInstance(ms, v, binding)
			if err != nil {
				return nil, false, err
			}
			return ref, true, nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			return p.marshalRecord(ms, v, rv.Elem())
		}
		return p.marshalValueReflect(ms, rv.Elem())

	case reflect.Struct:
		if binding, ok := p.classBindingFor(rv.Type()); ok {
			ref, err := p.marshalClassInstance(ms, v, binding)
			if err != nil {
				return nil, false, err
			}
			return ref, true, nil
		}
		return p.marshalRecord(ms, v, rv)

	case reflect.Map:
		return p.marshalMap(ms, rv)

	case reflect.Slice, reflect.Array:
		return p.marshalSeq(ms, rv)
	}

	// Primitives and strings pass through untouched.
	return v, false, nil
}

// marshalValueReflect marshals a reflected value that is not addressable as
// its interface form (dereferenced pointers to non-structs).
func (p *Peer) marshalValueReflect(ms *marshalState, rv reflect.Value) (any, bool, error) {
	out, _, err := p.marshalValue(ms, rv.Interface())
	if err != nil {
		return nil, false, err
	}
	// A dereference is itself a rewrite as far as the wire is concerned.
	return out, true, nil
}

// marshalFuture mints an identity for a live future and schedules its
// settlement message, gated on the enclosing reply having been sent.
func (p *Peer) marshalFuture(ms *marshalState, f *Future) *RemoteRef {
	if id, ok := p.hostObjects.idFor(f); ok {
		// Already marshalled once; its settlement is already scheduled.
		return &RemoteRef{ObjID: id, ClassID: promiseClassID}
	}
	id := p.hostObjects.register(p.genID(), f, nil)
	ctx := ms.ctx
	ms.settlers = append(ms.settlers, func(barrier <-chan struct{}) {
		p.emitSettlement(ctx, id, f, barrier)
	})
	p.logger.Debug().
		Str(`obj_id`, id).
		Log(`marshalled future`)
	return &RemoteRef{ObjID: id, ClassID: promiseClassID}
}

// marshalFunc mints or reuses an identity for a callable.
func (p *Peer) marshalFunc(fn any) *RemoteRef {
	id, ok := p.hostFunctions.idFor(fn)
	if !ok {
		id = p.hostFunctions.register(p.genID(), fn, nil)
	}
	return &RemoteRef{ObjID: id, RPCType: rpcTypeFunction}
}

// marshalClassInstance marshals an instance of a registered host class:
// mint or reuse the id, evaluate readonly properties into an inline bag, and
// keep the instance reachable via the host-object registry.
func (p *Peer) marshalClassInstance(ms *marshalState, v any, binding *classBinding) (*RemoteRef, error) {
	id, ok := p.hostObjects.idFor(v)
	if !ok {
		id = p.hostObjects.register(p.genID(), v, binding.instance)
	}
	props, err := p.readonlyProps(ms, v, binding.instance)
	if err != nil {
		return nil, err
	}
	return &RemoteRef{ObjID: id, Props: props, ClassID: binding.classID}, nil
}

// readonlyProps evaluates the readonly properties of target now, marshalling
// each value.
func (p *Peer) readonlyProps(ms *marshalState, target any, desc *ObjectDescriptor) (map[string]any, error) {
	if desc == nil || len(desc.ReadonlyProperties) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(desc.ReadonlyProperties))
	for _, name := range desc.ReadonlyProperties {
		raw, err := readProperty(target, name)
		if err != nil {
			return nil, err
		}
		out, _, err := p.marshalValue(ms, raw)
		if err != nil {
			return nil, err
		}
		props[name] = out
	}
	return props, nil
}

// marshalRecord marshals a general record-like value: recurse into each
// exported field, and if any child was rewritten, register the object
// generically and ship an identity plus the rewritten property bag.
// Unchanged records pass through for structural reconstruction.
func (p *Peer) marshalRecord(ms *marshalState, original any, rv reflect.Value) (any, bool, error) {
	rt := rv.Type()
	props := make(map[string]any, rt.NumField())
	changed := false
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		out, rewrote, err := p.marshalValue(ms, rv.Field(i).Interface())
		if err != nil {
			return nil, false, err
		}
		props[field.Name] = out
		changed = changed || rewrote
	}
	if !changed {
		return original, false, nil
	}
	id := p.hostObjects.register(p.genID(), original, nil)
	return &RemoteRef{ObjID: id, Props: props}, true, nil
}

// marshalMap rewrites string-keyed map entries in place.
func (p *Peer) marshalMap(ms *marshalState, rv reflect.Value) (any, bool, error) {
	if rv.IsNil() {
		return nil, false, nil
	}
	if rv.Type().Key().Kind() != reflect.String {
		return rv.Interface(), false, nil
	}
	out := make(map[string]any, rv.Len())
	changed := false
	iter := rv.MapRange()
	for iter.Next() {
		v, rewrote, err := p.marshalValue(ms, iter.Value().Interface())
		if err != nil {
			return nil, false, err
		}
		out[iter.Key().String()] = v
		changed = changed || rewrote
	}
	if !changed {
		return rv.Interface(), false, nil
	}
	return out, true, nil
}

// marshalSeq rewrites sequence elements element-wise.
func (p *Peer) marshalSeq(ms *marshalState, rv reflect.Value) (any, bool, error) {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return nil, false, nil
	}
	out := make([]any, rv.Len())
	changed := false
	for i := 0; i < rv.Len(); i++ {
		v, rewrote, err := p.marshalValue(ms, rv.Index(i).Interface())
		if err != nil {
			return nil, false, err
		}
		out[i] = v
		changed = changed || rewrote
	}
	if !changed {
		return rv.Interface(), false, nil
	}
	return out, true, nil
}

// emitSettlement waits for the reply barrier and the future, then sends the
// correlated settlement message. Runs on its own goroutine; the context is
// the one attached to the dispatch that marshalled the future.
func (p *Peer) emitSettlement(ctx context.Context, callID string, f *Future, barrier <-chan struct{}) {
	go func() {
		if barrier != nil {
			<-barrier
		}
		<-f.Done()
		v, err := f.Result()
		msg := newMessage(ActionAsyncFnResult)
		msg.CallID = callID
		if err != nil {
			msg.Result = err.Error()
		} else {
			ms := &marshalState{ctx: ctx}
			out, _, merr := p.marshalValue(ms, v)
			if merr != nil {
				msg.Result = merr.Error()
			} else {
				msg.Success = true
				msg.Result = out
				defer p.runSettlers(ms, nil)
			}
		}
		if err := p.sendAsync(ctx, msg); err != nil {
			p.logger.Err().
				Err(err).
				Str(`call_id`, callID).
				Log(`failed to send settlement`)
		}
	}()
}

// readProperty reads a named property from a host target: a niladic getter
// method wins over a struct field of the same name.
func readProperty(target any, name string) (any, error) {
	rv := reflect.ValueOf(target)
	if m := rv.MethodByName(name); m.IsValid() {
		mt := m.Type()
		if mt.NumIn() == 0 && mt.NumOut() >= 1 {
			out := m.Call(nil)
			if mt.NumOut() == 2 && mt.Out(1) == errorType {
				if err, _ := out[1].Interface().(error); err != nil {
					return nil, err
				}
			}
			return out[0].Interface(), nil
		}
	}
	sv := rv
	for sv.Kind() == reflect.Pointer {
		if sv.IsNil() {
			return nil, &MemberNotFoundError{Member: name}
		}
		sv = sv.Elem()
	}
	if sv.Kind() == reflect.Struct {
		if f := sv.FieldByName(name); f.IsValid() {
			return f.Interface(), nil
		}
	}
	if sv.Kind() == reflect.Map && sv.Type().Key().Kind() == reflect.String {
		if v := sv.MapIndex(reflect.ValueOf(name)); v.IsValid() {
			return v.Interface(), nil
		}
	}
	return nil, &MemberNotFoundError{Member: name}
}

// writeProperty writes a named property on a host target: a Set<name> method
// wins over a settable struct field.
func writeProperty(target any, name string, value reflect.Value) error {
	rv := reflect.ValueOf(target)
	if m := rv.MethodByName("Set" + name); m.IsValid() {
		mt := m.Type()
		if mt.NumIn() == 1 {
			out := m.Call([]reflect.Value{value})
			if mt.NumOut() == 1 && mt.Out(0) == errorType {
				if err, _ := out[0].Interface().(error); err != nil {
					return err
				}
			}
			return nil
		}
	}
	sv := rv
	for sv.Kind() == reflect.Pointer {
		if sv.IsNil() {
			return &MemberNotFoundError{Member: name}
		}
		sv = sv.Elem()
	}
	if sv.Kind() == reflect.Struct {
		if f := sv.FieldByName(name); f.IsValid() && f.CanSet() {
			f.Set(value)
			return nil
		}
	}
	return &MemberNotFoundError{Member: name}
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// propertyType resolves the static type of a named property, used to coerce
// inbound property writes.
func propertyType(target any, name string) (reflect.Type, error) {
	rv := reflect.ValueOf(target)
	if m := rv.MethodByName("Set" + name); m.IsValid() && m.Type().NumIn() == 1 {
		return m.Type().In(0), nil
	}
	sv := rv
	for sv.Kind() == reflect.Pointer {
		if sv.IsNil() {
			return nil, &MemberNotFoundError{Member: name}
		}
		sv = sv.Elem()
	}
	if sv.Kind() == reflect.Struct {
		if f, ok := sv.Type().FieldByName(name); ok {
			return f.Type, nil
		}
	}
	return nil, &MemberNotFoundError{Member: name}
}
