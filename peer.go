package srpc

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// IDGenerator mints registry ids. Ids must be unique within one peer's
// lifetime.
type IDGenerator func() string

// classBinding ties a registered host class to the Go type its constructor
// produces, so instances marshal with the class identity and descriptor.
type classBinding struct {
	classID  string
	instance *ObjectDescriptor
}

// pendingCall correlates an outbound async call, or an inbound Promise
// sentinel, with its settlement message.
type pendingCall struct {
	id       string
	fut      *Future
	expected reflect.Type
}

// Peer is one endpoint of the two-party runtime. Both peers are symmetric:
// each may register host targets and each may build proxies for the other's.
//
// Create instances with [NewPeer]. The zero value is not usable.
type Peer struct {
	logger *logiface.Logger[logiface.Event]
	genID  IDGenerator

	sender     Sender
	syncSender SyncSender

	hostObjects   *registry
	hostFunctions *registry
	hostClasses   *registry

	mu              sync.RWMutex
	classBindings   map[reflect.Type]*classBinding
	proxyShapes     map[string]reflect.Type
	deserializers   map[reflect.Type]DeserializerFunc
	remote          DescriptorSet
	descriptorsWait *Future
	currentCtx      context.Context

	callID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

// NewPeer binds a runtime endpoint to a channel. The channel's capabilities
// are discovered by interface assertion: [Sender] for async sends,
// [SyncSender] for blocking sends, and [Receiver] for inbound delivery. At
// least one capability must be present.
func NewPeer(channel any, opts ...Option) (*Peer, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &Peer{
		logger:        cfg.logger,
		genID:         cfg.genID,
		hostObjects:   newRegistry(),
		hostFunctions: newRegistry(),
		hostClasses:   newRegistry(),
		classBindings: make(map[reflect.Type]*classBinding),
		proxyShapes:   make(map[string]reflect.Type),
		pending:       make(map[string]*pendingCall),
	}
	p.sender, _ = channel.(Sender)
	p.syncSender, _ = channel.(SyncSender)
	receiver, _ := channel.(Receiver)
	if p.sender == nil && p.syncSender == nil && receiver == nil {
		return nil, fmt.Errorf("srpc: channel %T supports none of Sender, SyncSender, Receiver", channel)
	}
	if receiver != nil {
		receiver.Receive(func(ctx context.Context, msg *Message, reply Sender) {
			_ = p.handleMessage(ctx, msg, reply)
		})
	}
	return p, nil
}

// --- Registration (host side) ---

// RegisterHostObject exposes target to the peer under id, returning the
// effective id. Registration is idempotent on target identity: a target
// already registered keeps its original id.
func (p *Peer) RegisterHostObject(id string, target any, desc *ObjectDescriptor) (string, error) {
	if target == nil {
		return "", fmt.Errorf("srpc: host object %q: target must not be nil", id)
	}
	effective := p.hostObjects.register(id, target, desc)
	p.logger.Debug().
		Str(`obj_id`, effective).
		Log(`registered host object`)
	return effective, nil
}

// RegisterHostFunction exposes a delegate to the peer under id. The
// descriptor is optional.
func (p *Peer) RegisterHostFunction(id string, fn any, desc *FunctionDescriptor) (string, error) {
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func {
		return "", fmt.Errorf("srpc: host function %q: target must be a func, got %T", id, fn)
	}
	effective := p.hostFunctions.register(id, fn, desc)
	p.logger.Debug().
		Str(`obj_id`, effective).
		Log(`registered host function`)
	return effective, nil
}

// RegisterHostClass exposes a constructor to the peer under id. Instances the
// constructor produces marshal as class references carrying id and the
// instance descriptor's readonly properties. If the descriptor declares
// static members, desc.StaticTarget is registered as a host object under the
// class id.
func (p *Peer) RegisterHostClass(id string, ctor any, desc *ClassDescriptor) (string, error) {
	ct := reflect.TypeOf(ctor)
	if ctor == nil || ct.Kind() != reflect.Func {
		return "", fmt.Errorf("srpc: host class %q: ctor must be a func, got %T", id, ctor)
	}
	var instType reflect.Type
	for i := 0; i < ct.NumOut(); i++ {
		if ct.Out(i) != errorType {
			instType = ct.Out(i)
			break
		}
	}
	if instType == nil {
		return "", fmt.Errorf("srpc: host class %q: ctor must return an instance", id)
	}
	if desc == nil {
		desc = &ClassDescriptor{}
	}
	if desc.ClassID == "" {
		desc.ClassID = id
	}
	effective := p.hostClasses.register(id, ctor, desc)

	p.mu.Lock()
	p.classBindings[instType] = &classBinding{classID: effective, instance: desc.Instance}
	p.mu.Unlock()

	if desc.Static != nil {
		if desc.StaticTarget == nil {
			return "", fmt.Errorf("srpc: host class %q: static descriptor requires a static target", id)
		}
		if _, err := p.RegisterHostObject(effective, desc.StaticTarget, desc.Static); err != nil {
			return "", err
		}
	}
	p.logger.Debug().
		Str(`class_id`, effective).
		Log(`registered host class`)
	return effective, nil
}

// RegisterProxyClass declares intent to materialize remote class id as a
// local implementation of the given shape: a struct (value, pointer, or
// reflect.Type) whose members are bound per [Proxy.Bind]. No factory work
// happens until an instance of the class is first received.
func (p *Peer) RegisterProxyClass(id string, shape any) error {
	st, err := structType(shape)
	if err != nil {
		return fmt.Errorf("srpc: proxy class %q: %w", id, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxyShapes[id] = st
	return nil
}

func structType(shape any) (reflect.Type, error) {
	var t reflect.Type
	if rt, ok := shape.(reflect.Type); ok {
		t = rt
	} else {
		t = reflect.TypeOf(shape)
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("shape must be a struct type, got %v", t)
	}
	return t, nil
}

// classBindingFor returns the class binding for an instance type.
func (p *Peer) classBindingFor(t reflect.Type) (*classBinding, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.classBindings[t]
	return b, ok
}

// proxyClassShape returns the registered proxy shape for a class id.
func (p *Peer) proxyClassShape(classID string) (reflect.Type, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.proxyShapes[classID]
	return t, ok
}

// --- Descriptor exchange ---

// buildDescriptors snapshots the host registries into a descriptor message.
func (p *Peer) buildDescriptors() *Message {
	msg := newMessage(ActionDescriptorsResult)
	msg.Objects = make(map[string]*ObjectDescriptor)
	msg.Functions = make(map[string]*FunctionDescriptor)
	msg.Classes = make(map[string]*ClassDescriptor)
	p.hostObjects.each(func(e *registryEntry) {
		if d, ok := e.desc.(*ObjectDescriptor); ok && d != nil {
			msg.Objects[e.id] = d
		}
	})
	p.hostFunctions.each(func(e *registryEntry) {
		if d, ok := e.desc.(*FunctionDescriptor); ok && d != nil {
			msg.Functions[e.id] = d
		}
	})
	p.hostClasses.each(func(e *registryEntry) {
		if d, ok := e.desc.(*ClassDescriptor); ok && d != nil {
			msg.Classes[e.id] = d
		}
	})
	return msg
}

// SendRemoteDescriptors pushes the local descriptors to the peer, using
// send-sync when available.
func (p *Peer) SendRemoteDescriptors(ctx context.Context) error {
	msg := p.buildDescriptors()
	if p.syncSender != nil {
		_, err := p.syncSender.SendSync(ctx, msg)
		return err
	}
	if p.sender != nil {
		return p.sender.Send(ctx, msg)
	}
	return ErrChannelUnavailable
}

// RequestRemoteDescriptors fetches the peer's descriptors. On a sync-capable
// channel the returned future is already settled; otherwise the request is
// pushed asynchronously and the future resolves with the [DescriptorSet]
// when the corresponding push arrives.
func (p *Peer) RequestRemoteDescriptors(ctx context.Context) (*Future, error) {
	if p.syncSender != nil {
		reply, err := p.syncSender.SendSync(ctx, newMessage(ActionGetDescriptors))
		if err != nil {
			return nil, err
		}
		if reply == nil {
			return nil, &ProtocolError{Message: "no synchronous reply to descriptor request"}
		}
		p.installDescriptors(reply)
		fut := NewFuture()
		fut.Resolve(p.RemoteDescriptors())
		return fut, nil
	}
	if p.sender == nil {
		return nil, ErrChannelUnavailable
	}
	p.mu.Lock()
	if p.descriptorsWait == nil {
		p.descriptorsWait = NewFuture()
	}
	fut := p.descriptorsWait
	p.mu.Unlock()
	if err := p.sender.Send(ctx, newMessage(ActionGetDescriptors)); err != nil {
		return nil, err
	}
	return fut, nil
}

// sendDescriptorsTo answers an inbound descriptor request on its reply path.
func (p *Peer) sendDescriptorsTo(ctx context.Context, reply Sender) error {
	if reply == nil {
		return ErrChannelUnavailable
	}
	return reply.Send(ctx, p.buildDescriptors())
}

// installDescriptors replaces the remote descriptor caches whole; a new
// exchange never merges into the old one.
func (p *Peer) installDescriptors(msg *Message) {
	if msg == nil || msg.Action != ActionDescriptorsResult {
		return
	}
	p.mu.Lock()
	p.remote = DescriptorSet{
		Objects:   msg.Objects,
		Functions: msg.Functions,
		Classes:   msg.Classes,
	}
	wait := p.descriptorsWait
	p.descriptorsWait = nil
	set := p.remote
	p.mu.Unlock()
	p.logger.Debug().
		Int(`objects`, len(msg.Objects)).
		Int(`functions`, len(msg.Functions)).
		Int(`classes`, len(msg.Classes)).
		Log(`installed remote descriptors`)
	if wait != nil {
		wait.Resolve(&set)
	}
}

// RemoteDescriptors returns the most recently installed descriptor set.
func (p *Peer) RemoteDescriptors() *DescriptorSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.remote
	return &set
}

// --- Proxy construction ---

// ProxyObject builds a proxy bound to the remote object id, using the
// descriptor from the last exchange.
func (p *Peer) ProxyObject(id string) (*Proxy, error) {
	p.mu.RLock()
	desc := p.remote.Objects[id]
	p.mu.RUnlock()
	if desc == nil {
		return nil, fmt.Errorf("srpc: remote object %q: %w", id, ErrNotRegistered)
	}
	return newProxy(p, id, "", desc, nil), nil
}

// ProxyFunction builds a function proxy bound to the remote function id. The
// id must have a descriptor in the remote-function map.
func (p *Peer) ProxyFunction(id string) (*ProxyFunc, error) {
	p.mu.RLock()
	desc := p.remote.Functions[id]
	p.mu.RUnlock()
	if desc == nil {
		return nil, fmt.Errorf("srpc: remote function %q: %w", id, ErrNotRegistered)
	}
	return &ProxyFunc{peer: p, objID: id, desc: desc}, nil
}

// NewRemoteInstance invokes the remote class's constructor and returns the
// materialized instance: a pointer to the registered proxy shape, or a
// dynamic [*Proxy] when no shape was registered.
func (p *Peer) NewRemoteInstance(ctx context.Context, classID string, args ...any) (any, error) {
	p.mu.RLock()
	cd := p.remote.Classes[classID]
	p.mu.RUnlock()
	if cd == nil {
		return nil, fmt.Errorf("srpc: remote class %q: %w", classID, ErrNotRegistered)
	}
	var requested CallType
	if cd.Ctor != nil {
		requested = cd.Ctor.Returns
	}
	return p.callAndWait(ctx, ActionCtorCall, classID, "", args, requested, nil)
}

// materializeProxy produces an instance of the registered proxy shape bound
// to the referenced remote object.
func (p *Peer) materializeProxy(ctx context.Context, ref *RemoteRef, shape reflect.Type, expected reflect.Type) (any, error) {
	if expected != nil && expected != reflect.PointerTo(shape) {
		return nil, &MarshalError{Message: fmt.Sprintf("class %q materializes as %s, not %s", ref.ClassID, reflect.PointerTo(shape), expected)}
	}
	desc := p.instanceDescriptor(ref.ClassID)
	if desc == nil {
		return nil, &MarshalError{Message: fmt.Sprintf("no instance descriptor for class %q; exchange descriptors first", ref.ClassID)}
	}
	proxy := newProxy(p, ref.ObjID, ref.ClassID, desc, ref.Props)
	inst := reflect.New(shape)
	if err := proxy.Bind(inst.Interface()); err != nil {
		return nil, err
	}
	return inst.Interface(), nil
}

// dynamicProxy produces a descriptor-driven proxy for a class reference with
// no registered shape.
func (p *Peer) dynamicProxy(ref *RemoteRef) *Proxy {
	return newProxy(p, ref.ObjID, ref.ClassID, p.instanceDescriptor(ref.ClassID), ref.Props)
}

// instanceDescriptor returns the instance descriptor of a remote class.
func (p *Peer) instanceDescriptor(classID string) *ObjectDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cd := p.remote.Classes[classID]; cd != nil {
		return cd.Instance
	}
	return nil
}

// --- Lifetime ---

// ReleaseProxy notifies the peer that the proxy was dropped, releasing the
// corresponding host registry entry on the other side.
func (p *Peer) ReleaseProxy(ctx context.Context, x *Proxy) error {
	return p.notifyDied(ctx, x.objID)
}

// ReleaseProxyFunction notifies the peer that the function proxy was dropped.
func (p *Peer) ReleaseProxyFunction(ctx context.Context, f *ProxyFunc) error {
	return p.notifyDied(ctx, f.objID)
}

func (p *Peer) notifyDied(ctx context.Context, objID string) error {
	msg := newMessage(ActionObjectDied)
	msg.ObjID = objID
	return p.sendAsync(ctx, msg)
}

// handleObjectDied removes the host registry entry for a dropped proxy.
func (p *Peer) handleObjectDied(objID string) {
	removed := p.hostObjects.remove(objID)
	if !removed {
		removed = p.hostFunctions.remove(objID)
	}
	p.logger.Debug().
		Str(`obj_id`, objID).
		Bool(`removed`, removed).
		Log(`object died`)
}

// --- Outbound call plumbing ---

// nextCallID allocates the next call id, stringified for the wire.
func (p *Peer) nextCallID() string {
	return strconv.FormatInt(p.callID.Add(1), 10)
}

// effectiveCallType resolves the caller's preference against the channel's
// send capabilities: async downgrades to sync without an async sender, sync
// upgrades to async without a sync sender.
func (p *Peer) effectiveCallType(requested CallType) (CallType, error) {
	if requested == CallUnspecified {
		requested = CallAsync
	}
	switch requested {
	case CallAsync:
		if p.sender != nil {
			return CallAsync, nil
		}
		if p.syncSender != nil {
			return CallSync, nil
		}
	case CallSync:
		if p.syncSender != nil {
			return CallSync, nil
		}
		if p.sender != nil {
			return CallAsync, nil
		}
	case CallVoid:
		if p.sender != nil || p.syncSender != nil {
			return CallVoid, nil
		}
	}
	return "", ErrChannelUnavailable
}

// sendAsync sends fire-and-forget, falling back to the sync sender (reply
// discarded) on sync-only channels.
func (p *Peer) sendAsync(ctx context.Context, msg *Message) error {
	if p.sender != nil {
		return p.sender.Send(ctx, msg)
	}
	if p.syncSender != nil {
		_, err := p.syncSender.SendSync(ctx, msg)
		return err
	}
	return ErrChannelUnavailable
}

// invokeRemote issues one outbound call. For an effective void call both
// returns are nil; for sync the unmarshalled result is returned; for async
// the pending call's future is returned. The registry side effects of
// marshalling always precede the send.
func (p *Peer) invokeRemote(ctx context.Context, action Action, objID, prop string, args []any, requested CallType, expected reflect.Type) (any, *Future, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ct, err := p.effectiveCallType(requested)
	if err != nil {
		return nil, nil, err
	}
	ms := &marshalState{ctx: ctx}
	margs, err := p.marshalArgs(ms, args)
	if err != nil {
		return nil, nil, err
	}
	msg := newMessage(action)
	msg.ObjID = objID
	msg.Prop = prop
	msg.Args = margs
	msg.CallType = ct

	switch ct {
	case CallVoid:
		if err := p.sendAsync(ctx, msg); err != nil {
			return nil, nil, err
		}
		p.runSettlers(ms, nil)
		return nil, nil, nil

	case CallSync:
		reply, err := p.syncSender.SendSync(ctx, msg)
		p.runSettlers(ms, nil)
		if err != nil {
			return nil, nil, err
		}
		if reply == nil {
			return nil, nil, &ProtocolError{Message: "no synchronous reply"}
		}
		if !reply.Success {
			return nil, nil, &RemoteCallError{Message: fmt.Sprint(reply.Result)}
		}
		v, err := p.unmarshalValue(ctx, reply.Result, expected, nil)
		if err != nil {
			return nil, nil, err
		}
		return v, nil, nil

	default: // CallAsync
		msg.CallID = p.nextCallID()
		fut := p.addPending(msg.CallID, unwrapFuture(expected))
		if err := p.sendAsync(ctx, msg); err != nil {
			p.takePending(msg.CallID)
			return nil, nil, err
		}
		p.runSettlers(ms, nil)
		return nil, fut, nil
	}
}

// callAndWait issues a call and blocks until its result is available,
// whichever style the channel negotiated.
func (p *Peer) callAndWait(ctx context.Context, action Action, objID, prop string, args []any, requested CallType, expected reflect.Type) (any, error) {
	v, fut, err := p.invokeRemote(ctx, action, objID, prop, args, requested, expected)
	if err != nil {
		return nil, err
	}
	if fut == nil {
		// A sync reply may itself carry a promise sentinel.
		fut, _ = v.(*Future)
	}
	if fut != nil {
		return fut.Wait(ctx)
	}
	return v, nil
}

// --- Pending-call table ---

// addPending registers a completion slot for id, reusing any overlapping
// entry so that concurrent receptions of the same promise share one future.
func (p *Peer) addPending(id string, expected reflect.Type) *Future {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if entry, ok := p.pending[id]; ok {
		return entry.fut
	}
	fut := NewFuture()
	fut.expected = expected
	p.pending[id] = &pendingCall{id: id, fut: fut, expected: expected}
	return fut
}

// takePending retires and returns the pending entry for id.
func (p *Peer) takePending(id string) *pendingCall {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	entry := p.pending[id]
	delete(p.pending, id)
	return entry
}

// futureFor returns the local handle for an inbound Promise sentinel.
func (p *Peer) futureFor(objID string, expected reflect.Type) *Future {
	return p.addPending(objID, expected)
}

// handleSettlement resolves the pending call matching an inbound settlement.
func (p *Peer) handleSettlement(ctx context.Context, msg *Message) {
	entry := p.takePending(msg.CallID)
	if entry == nil {
		p.logger.Warning().
			Str(`call_id`, msg.CallID).
			Log(`settlement without pending call`)
		return
	}
	if !msg.Success {
		entry.fut.Reject(&RemoteCallError{Message: fmt.Sprint(msg.Result)})
		return
	}
	v, err := p.unmarshalValue(ctx, msg.Result, entry.expected, nil)
	if err != nil {
		entry.fut.Reject(err)
		return
	}
	entry.fut.Resolve(v)
}

// --- Context propagation ---

// setCurrentContext records the context attached to the currently
// dispatching inbound message.
func (p *Peer) setCurrentContext(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentCtx = ctx
}

// CurrentContext returns the context attached to the inbound message being
// dispatched, or nil outside dispatch. Host code invoked by the dispatcher
// can also receive it directly via a leading context.Context parameter,
// which is the preferred form.
func (p *Peer) CurrentContext() context.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentCtx
}
