package srpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// handleMessage classifies and processes one inbound message. It is invoked
// by the bound channel's receive path, one message at a time. The returned
// error is local-only; failures during call dispatch are reported to the peer
// per the reply discipline instead.
func (p *Peer) handleMessage(ctx context.Context, msg *Message, reply Sender) error {
	if msg == nil || msg.Marker != Marker {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if reply == nil {
		reply = p.sender
	}

	prev := p.CurrentContext()
	p.setCurrentContext(ctx)
	defer p.setCurrentContext(prev)

	switch {
	case msg.Action.isCall():
		p.dispatchCall(ctx, msg, reply)
		return nil

	case msg.Action == ActionGetDescriptors:
		return p.sendDescriptorsTo(ctx, reply)

	case msg.Action == ActionDescriptorsResult:
		p.installDescriptors(msg)
		return nil

	case msg.Action == ActionAsyncFnResult:
		p.handleSettlement(ctx, msg)
		return nil

	case msg.Action == ActionSyncFnResult:
		// Sync results travel on the request's reply path; one arriving here
		// has nothing to correlate against.
		p.logger.Debug().
			Log(`dropped uncorrelated sync result`)
		return nil

	case msg.Action == ActionObjectDied:
		p.handleObjectDied(msg.ObjID)
		return nil

	default:
		err := &ProtocolError{Message: fmt.Sprintf("unknown action %q", msg.Action)}
		p.logger.Err().
			Err(err).
			Log(`rejected message`)
		return err
	}
}

// dispatchCall resolves and invokes the host target named by a call message,
// then delivers the result per the caller's declared reply discipline.
// Invocation completes before any result future is waited on, so that
// argument-carried proxies are registered before the peer can refer to them.
func (p *Peer) dispatchCall(ctx context.Context, msg *Message, reply Sender) {
	result, err := p.invokeTarget(ctx, msg)
	if err != nil {
		p.logger.Warning().
			Err(err).
			Str(`action`, string(msg.Action)).
			Str(`obj_id`, msg.ObjID).
			Str(`prop`, msg.Prop).
			Log(`dispatch failed`)
	}

	switch msg.CallType {
	case CallSync:
		p.replyResult(ctx, reply, ActionSyncFnResult, "", result, err)

	case CallAsync:
		if fut, ok := result.(*Future); ok && err == nil {
			// The settlement, keyed by the call id, is the only reply.
			p.emitSettlement(ctx, msg.CallID, fut, nil)
			return
		}
		p.replyResult(ctx, reply, ActionAsyncFnResult, msg.CallID, result, err)

	default:
		// Void: no reply, even on failure.
	}
}

// replyResult marshals and sends a result message, releasing any deferred
// future settlements only once the reply itself is on the wire.
func (p *Peer) replyResult(ctx context.Context, reply Sender, action Action, callID string, result any, err error) {
	if reply == nil {
		p.logger.Warning().
			Str(`action`, string(action)).
			Log(`no reply path for result`)
		return
	}
	out := newMessage(action)
	out.CallID = callID
	ms := &marshalState{ctx: ctx}
	if err == nil {
		var marshalled any
		marshalled, _, err = p.marshalValue(ms, result)
		if err == nil {
			out.Success = true
			out.Result = marshalled
		}
	}
	if err != nil {
		out.Success = false
		out.Result = err.Error()
		ms.settlers = nil
	}

	barrier := make(chan struct{})
	sendErr := reply.Send(ctx, out)
	close(barrier)
	if sendErr != nil {
		p.logger.Err().
			Err(sendErr).
			Str(`action`, string(action)).
			Log(`failed to send reply`)
		return
	}
	p.runSettlers(ms, barrier)
}

// invokeTarget resolves the call's host target and invokes it with arguments
// bound against its formal parameters and any per-argument descriptors.
func (p *Peer) invokeTarget(ctx context.Context, msg *Message) (any, error) {
	switch msg.Action {
	case ActionPropGet:
		entry, ok := p.hostObjects.lookup(msg.ObjID)
		if !ok {
			return nil, fmt.Errorf("srpc: object %q: %w", msg.ObjID, ErrNotRegistered)
		}
		v, err := readProperty(entry.target, msg.Prop)
		if err != nil {
			return nil, p.memberError(err, msg)
		}
		return v, nil

	case ActionPropSet:
		entry, ok := p.hostObjects.lookup(msg.ObjID)
		if !ok {
			return nil, fmt.Errorf("srpc: object %q: %w", msg.ObjID, ErrNotRegistered)
		}
		if len(msg.Args) != 1 {
			return nil, &MarshalError{Message: fmt.Sprintf("prop_set expects 1 argument, got %d", len(msg.Args))}
		}
		pt, err := propertyType(entry.target, msg.Prop)
		if err != nil {
			return nil, p.memberError(err, msg)
		}
		var setterDesc *FunctionDescriptor
		if od, _ := entry.desc.(*ObjectDescriptor); od != nil {
			if pd := od.property(msg.Prop); pd != nil {
				setterDesc = pd.Set
			}
		}
		var argFn *FunctionDescriptor
		if setterDesc != nil {
			if ad := setterDesc.argument(0); ad != nil {
				argFn = ad.Function
			}
		}
		v, err := p.unmarshalValue(ctx, msg.Args[0], pt, argFn)
		if err != nil {
			return nil, err
		}
		ev, err := valueFor(v, pt)
		if err != nil {
			return nil, err
		}
		return nil, writeProperty(entry.target, msg.Prop, ev)

	case ActionMethodCall:
		entry, ok := p.hostObjects.lookup(msg.ObjID)
		if !ok {
			return nil, fmt.Errorf("srpc: object %q: %w", msg.ObjID, ErrNotRegistered)
		}
		method := reflect.ValueOf(entry.target).MethodByName(msg.Prop)
		if !method.IsValid() {
			return nil, &MemberNotFoundError{ObjID: msg.ObjID, Member: msg.Prop}
		}
		var fd *FunctionDescriptor
		if od, _ := entry.desc.(*ObjectDescriptor); od != nil {
			fd = od.function(msg.Prop)
		}
		return p.callFunc(ctx, method, msg.Args, fd)

	case ActionFnCall:
		entry, ok := p.hostFunctions.lookup(msg.ObjID)
		if !ok {
			return nil, fmt.Errorf("srpc: function %q: %w", msg.ObjID, ErrNotRegistered)
		}
		fd, _ := entry.desc.(*FunctionDescriptor)
		return p.callFunc(ctx, reflect.ValueOf(entry.target), msg.Args, fd)

	case ActionCtorCall:
		entry, ok := p.hostClasses.lookup(msg.ObjID)
		if !ok {
			return nil, fmt.Errorf("srpc: class %q: %w", msg.ObjID, ErrNotRegistered)
		}
		cd, _ := entry.desc.(*ClassDescriptor)
		var fd *FunctionDescriptor
		if cd != nil {
			fd = cd.Ctor
		}
		return p.callFunc(ctx, reflect.ValueOf(entry.target), msg.Args, fd)
	}
	return nil, &ProtocolError{Message: fmt.Sprintf("unknown call action %q", msg.Action)}
}

// memberError attributes a member resolution failure to the call's target.
func (p *Peer) memberError(err error, msg *Message) error {
	var mnf *MemberNotFoundError
	if errors.As(err, &mnf) && mnf.ObjID == "" {
		return &MemberNotFoundError{ObjID: msg.ObjID, Member: mnf.Member}
	}
	return err
}

// callFunc binds raw arguments against fn's formal parameters and invokes it.
func (p *Peer) callFunc(ctx context.Context, fn reflect.Value, rawArgs []any, fd *FunctionDescriptor) (any, error) {
	ft := fn.Type()
	in, err := p.bindArgs(ctx, ft, rawArgs, fd)
	if err != nil {
		return nil, err
	}
	out := fn.Call(in)
	return callResult(out)
}

// bindArgs coerces raw arguments to fn's parameter types. A leading
// context.Context parameter receives the inbound message context; callback
// arguments take their shape from the matching argument descriptor.
func (p *Peer) bindArgs(ctx context.Context, ft reflect.Type, rawArgs []any, fd *FunctionDescriptor) ([]reflect.Value, error) {
	offset := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		offset = 1
	}
	declared := ft.NumIn() - offset
	if ft.IsVariadic() {
		if len(rawArgs) < declared-1 {
			return nil, &MarshalError{Message: fmt.Sprintf("argument count mismatch: want at least %d, got %d", declared-1, len(rawArgs))}
		}
	} else if len(rawArgs) != declared {
		return nil, &MarshalError{Message: fmt.Sprintf("argument count mismatch: want %d, got %d", declared, len(rawArgs))}
	}

	in := make([]reflect.Value, 0, offset+len(rawArgs))
	if offset == 1 {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, raw := range rawArgs {
		pt := paramType(ft, offset+i)
		var argFn *FunctionDescriptor
		if ad := fd.argument(i); ad != nil {
			argFn = ad.Function
		}
		v, err := p.unmarshalValue(ctx, raw, pt, argFn)
		if err != nil {
			return nil, err
		}
		ev, err := valueFor(v, pt)
		if err != nil {
			return nil, err
		}
		in = append(in, ev)
	}
	return in, nil
}

// paramType resolves the formal type of parameter i, unrolling variadics.
func paramType(ft reflect.Type, i int) reflect.Type {
	if ft.IsVariadic() && i >= ft.NumIn()-1 {
		return ft.In(ft.NumIn() - 1).Elem()
	}
	return ft.In(i)
}

// callResult maps reflected return values onto (result, error): a trailing
// error return is split off, a single remaining value is the result, and
// multiple values collapse into a []any.
func callResult(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}
	var err error
	if out[len(out)-1].Type() == errorType {
		if e, _ := out[len(out)-1].Interface().(error); e != nil {
			err = e
		}
		out = out[:len(out)-1]
	}
	switch len(out) {
	case 0:
		return nil, err
	case 1:
		return out[0].Interface(), err
	}
	values := make([]any, len(out))
	for i, v := range out {
		values[i] = v.Interface()
	}
	return values, err
}
