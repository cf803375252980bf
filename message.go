package srpc

// Marker is the fixed discriminator carried by every srpc wire message.
// A message lacking this marker is silently ignored.
const Marker = "srpc"

// Action tags the kind of a wire message.
type Action string

const (
	// ActionGetDescriptors requests the peer's registered descriptors.
	ActionGetDescriptors Action = "get_descriptors"
	// ActionDescriptorsResult delivers registered descriptors, keyed by id.
	ActionDescriptorsResult Action = "descriptors_result"

	// ActionPropGet reads a property of a host object.
	ActionPropGet Action = "prop_get"
	// ActionPropSet writes a property of a host object.
	ActionPropSet Action = "prop_set"
	// ActionMethodCall invokes a method of a host object.
	ActionMethodCall Action = "method_call"
	// ActionFnCall invokes a host function.
	ActionFnCall Action = "fn_call"
	// ActionCtorCall invokes the constructor of a host class.
	ActionCtorCall Action = "ctor_call"

	// ActionSyncFnResult is the synchronous reply to a sync call.
	ActionSyncFnResult Action = "sync_fn_result"
	// ActionAsyncFnResult settles an async call or a marshalled future,
	// correlated by call id.
	ActionAsyncFnResult Action = "async_fn_result"

	// ActionObjectDied notifies the peer that a proxy was dropped, releasing
	// the corresponding host registry entry.
	ActionObjectDied Action = "object_died"
)

// isCall reports whether the action is one of the call sub-kinds dispatched
// against a host target.
func (a Action) isCall() bool {
	switch a {
	case ActionPropGet, ActionPropSet, ActionMethodCall, ActionFnCall, ActionCtorCall:
		return true
	}
	return false
}

// CallType is the caller's reply-discipline preference for a call.
type CallType string

const (
	// CallUnspecified defers to the runtime default (async).
	CallUnspecified CallType = ""
	// CallVoid expects no reply, even on failure.
	CallVoid CallType = "void"
	// CallSync expects a synchronous reply on the reply channel.
	CallSync CallType = "sync"
	// CallAsync expects an asynchronous reply correlated by call id.
	CallAsync CallType = "async"
)

// Message is the single wire envelope exchanged between peers. Which fields
// are populated depends on Action. Field names are normative for transports
// that serialize messages.
type Message struct {
	Marker string `json:"rpc_marker"`
	Action Action `json:"action"`

	// Call fields.
	ObjID    string   `json:"obj_id,omitempty"`
	CallType CallType `json:"call_type,omitempty"`
	CallID   string   `json:"call_id,omitempty"`
	Prop     string   `json:"prop,omitempty"`
	Args     []any    `json:"args,omitempty"`

	// Result fields.
	Success bool `json:"success,omitempty"`
	Result  any  `json:"result,omitempty"`

	// Descriptor exchange fields.
	Objects   map[string]*ObjectDescriptor   `json:"objects,omitempty"`
	Functions map[string]*FunctionDescriptor `json:"functions,omitempty"`
	Classes   map[string]*ClassDescriptor    `json:"classes,omitempty"`
}

// newMessage returns a marked message with the given action.
func newMessage(action Action) *Message {
	return &Message{Marker: Marker, Action: action}
}

const (
	// promiseClassID marks a RemoteRef standing in for a live future.
	promiseClassID = "Promise"
	// rpcTypeFunction marks a RemoteRef standing in for a callable.
	rpcTypeFunction = "function"
)

// RemoteRef is the sentinel embedded in serialized values wherever a
// non-trivially-serializable entity crossed the wire. ClassID "Promise"
// denotes a live future; any other ClassID denotes an instance of a
// registered host class; RPCType "function" denotes a marshalled callable;
// absence of both denotes a generic object registered solely to transport
// identity.
type RemoteRef struct {
	ObjID   string         `json:"obj_id"`
	Props   map[string]any `json:"props,omitempty"`
	ClassID string         `json:"class_id,omitempty"`
	RPCType string         `json:"rpc_type,omitempty"`
}

// asRemoteRef decodes a raw value as a sentinel, accepting both the in-memory
// struct form (in-process channels) and the string-keyed map form produced by
// serializing codecs.
func asRemoteRef(v any) (*RemoteRef, bool) {
	switch ref := v.(type) {
	case *RemoteRef:
		return ref, ref != nil
	case RemoteRef:
		return &ref, true
	case map[string]any:
		id, ok := ref["obj_id"].(string)
		if !ok || id == "" {
			return nil, false
		}
		out := &RemoteRef{ObjID: id}
		if props, ok := ref["props"].(map[string]any); ok {
			out.Props = props
		}
		if classID, ok := ref["class_id"].(string); ok {
			out.ClassID = classID
		}
		if rpcType, ok := ref["rpc_type"].(string); ok {
			out.RPCType = rpcType
		}
		return out, true
	}
	return nil, false
}
