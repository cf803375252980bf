package srpc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// DeserializerFunc customizes the unmarshal pipeline for an expected type.
// It receives the raw decoded value and the expected static type, and returns
// the value to use in its place.
type DeserializerFunc func(raw any, expected reflect.Type) (any, error)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// RegisterDeserializer registers fn as the custom deserializer for the
// prototype's dynamic type, e.g. MyType{} or (*MyType)(nil). Registering
// with a nil prototype installs the universal fallback.
func (p *Peer) RegisterDeserializer(prototype any, fn DeserializerFunc) {
	t := reflect.TypeOf(prototype)
	if t == nil {
		t = anyType
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deserializers == nil {
		p.deserializers = make(map[reflect.Type]DeserializerFunc)
	}
	p.deserializers[t] = fn
}

// deserializerFor returns the custom deserializer applying to expected, with
// the universal fallback last.
func (p *Peer) deserializerFor(expected reflect.Type) DeserializerFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if expected != nil {
		if fn, ok := p.deserializers[expected]; ok {
			return fn
		}
	}
	return p.deserializers[anyType]
}

// unmarshalValue reconstructs a received value, driven by the expected static
// type (when known) and an optional function descriptor for callback
// arguments.
func (p *Peer) unmarshalValue(ctx context.Context, raw any, expected reflect.Type, fnDesc *FunctionDescriptor) (any, error) {
	if expected == anyType {
		expected = nil
	}

	if raw == nil {
		if expected != nil && !nullable(expected) {
			return nil, &MarshalError{Message: fmt.Sprintf("null into value type %s", expected)}
		}
		return nil, nil
	}

	if ref, ok := asRemoteRef(raw); ok {
		return p.unmarshalRef(ctx, ref, expected, fnDesc)
	}

	if fn := p.deserializerFor(expected); fn != nil {
		v, err := fn(raw, expected)
		if err != nil {
			return nil, err
		}
		raw = v
	}

	if expected != nil && reflect.TypeOf(raw) != nil && reflect.TypeOf(raw).AssignableTo(expected) {
		return raw, nil
	}

	switch t := raw.(type) {
	case map[string]any:
		return p.unmarshalMap(ctx, t, expected)
	case []any:
		return p.unmarshalSlice(ctx, t, expected)
	}

	if expected != nil {
		return coerce(raw, expected)
	}
	return raw, nil
}

// unmarshalRef reconstructs the local value for a wire sentinel: a callback
// proxy, a future handle, a proxy-class instance, or a structurally decoded
// generic object.
func (p *Peer) unmarshalRef(ctx context.Context, ref *RemoteRef, expected reflect.Type, fnDesc *FunctionDescriptor) (any, error) {
	switch {
	case ref.RPCType == rpcTypeFunction:
		if expected != nil && expected.Kind() == reflect.Func {
			return p.makeCallbackFunc(expected, ref.ObjID, fnDesc), nil
		}
		return p.proxyFunc(ref.ObjID, fnDesc), nil

	case ref.ClassID == promiseClassID:
		// The local value is the pending entry's future handle; callers
		// expecting the settled type wait on it.
		return p.futureFor(ref.ObjID, unwrapFuture(expected)), nil

	case ref.ClassID != "":
		// A reference to one of our own host objects travelling home.
		if entry, ok := p.hostObjects.lookup(ref.ObjID); ok {
			return entry.target, nil
		}
		if shape, ok := p.proxyClassShape(ref.ClassID); ok {
			return p.materializeProxy(ctx, ref, shape, expected)
		}
		if expected == nil || expected == proxyType {
			return p.dynamicProxy(ref), nil
		}
		return nil, &MarshalError{Message: fmt.Sprintf("no proxy class registered for class %q", ref.ClassID)}

	default:
		// Generic object: identity was transported, content is structural.
		if entry, ok := p.hostObjects.lookup(ref.ObjID); ok {
			return entry.target, nil
		}
		return p.unmarshalMap(ctx, ref.Props, expected)
	}
}

// unmarshalMap recurses into a string-keyed map, producing either a populated
// struct (when one is expected) or a map with reconstructed entries.
func (p *Peer) unmarshalMap(ctx context.Context, m map[string]any, expected reflect.Type) (any, error) {
	if expected != nil {
		base := expected
		ptr := false
		if base.Kind() == reflect.Pointer {
			base = base.Elem()
			ptr = true
		}
		if base.Kind() == reflect.Struct {
			out := reflect.New(base)
			if err := p.populateStruct(ctx, out.Elem(), m); err != nil {
				return nil, err
			}
			if ptr {
				return out.Interface(), nil
			}
			return out.Elem().Interface(), nil
		}
		if base.Kind() == reflect.Map && base.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(base, len(m))
			for k, v := range m {
				uv, err := p.unmarshalValue(ctx, v, base.Elem(), nil)
				if err != nil {
					return nil, err
				}
				ev, err := valueFor(uv, base.Elem())
				if err != nil {
					return nil, err
				}
				out.SetMapIndex(reflect.ValueOf(k), ev)
			}
			return out.Interface(), nil
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		uv, err := p.unmarshalValue(ctx, v, nil, nil)
		if err != nil {
			return nil, err
		}
		out[k] = uv
	}
	return out, nil
}

// unmarshalSlice recurses into a sequence against the expected element type.
func (p *Peer) unmarshalSlice(ctx context.Context, s []any, expected reflect.Type) (any, error) {
	var elem reflect.Type
	if expected != nil && (expected.Kind() == reflect.Slice || expected.Kind() == reflect.Array) {
		elem = expected.Elem()
	}
	if elem != nil {
		out := reflect.MakeSlice(reflect.SliceOf(elem), len(s), len(s))
		for i, v := range s {
			uv, err := p.unmarshalValue(ctx, v, elem, nil)
			if err != nil {
				return nil, err
			}
			ev, err := valueFor(uv, elem)
			if err != nil {
				return nil, err
			}
			out.Index(i).Set(ev)
		}
		return out.Interface(), nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		uv, err := p.unmarshalValue(ctx, v, nil, nil)
		if err != nil {
			return nil, err
		}
		out[i] = uv
	}
	return out, nil
}

// populateStruct fills exported fields of dst from the property bag, matching
// by exact name first, then case-insensitively.
func (p *Peer) populateStruct(ctx context.Context, dst reflect.Value, props map[string]any) error {
	dt := dst.Type()
	for i := 0; i < dt.NumField(); i++ {
		field := dt.Field(i)
		if !field.IsExported() {
			continue
		}
		raw, ok := props[field.Name]
		if !ok {
			for k, v := range props {
				if strings.EqualFold(k, field.Name) {
					raw, ok = v, true
					break
				}
			}
		}
		if !ok {
			continue
		}
		uv, err := p.unmarshalValue(ctx, raw, field.Type, nil)
		if err != nil {
			return err
		}
		ev, err := valueFor(uv, field.Type)
		if err != nil {
			return err
		}
		dst.Field(i).Set(ev)
	}
	return nil
}

// nullable reports whether t admits a nil value.
func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map,
		reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return true
	}
	return false
}

// valueFor converts an unmarshalled any into a reflect.Value assignable to t,
// substituting the zero value for nil.
func valueFor(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	coerced, err := coerce(v, t)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(coerced), nil
}

// coerce converts a primitive-convertible value to the expected type,
// failing with a MarshalError on incompatible conversions.
func coerce(v any, t reflect.Type) (any, error) {
	if t == nil || t == anyType {
		return v, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, &MarshalError{Message: fmt.Sprintf("cannot convert nil to %s", t)}
	}
	if rv.Type().AssignableTo(t) {
		return v, nil
	}
	if convertiblePrimitive(rv.Type(), t) {
		return rv.Convert(t).Interface(), nil
	}
	if t.Kind() == reflect.Interface && rv.Type().Implements(t) {
		return v, nil
	}
	return nil, &MarshalError{Message: fmt.Sprintf("cannot convert %T to %s", v, t)}
}

// convertiblePrimitive restricts reflect convertibility to the sane primitive
// conversions: numeric to numeric, string-kind to string-kind.
func convertiblePrimitive(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	return (isNumeric(from) && isNumeric(to)) ||
		(from.Kind() == reflect.String && to.Kind() == reflect.String) ||
		(from.Kind() == reflect.Bool && to.Kind() == reflect.Bool)
}

func isNumeric(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
