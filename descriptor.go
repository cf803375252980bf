package srpc

// ObjectDescriptor names which members of a host instance are exposed to the
// peer. Readonly properties are read once at descriptor time and shipped
// inline with the object; proxied properties and functions dispatch back over
// the channel on every access.
type ObjectDescriptor struct {
	ReadonlyProperties []string              `json:"readonly_properties,omitempty"`
	ProxiedProperties  []*PropertyDescriptor `json:"proxied_properties,omitempty"`
	Functions          []*FunctionDescriptor `json:"functions,omitempty"`
}

// function returns the function descriptor with the given name, or nil.
func (d *ObjectDescriptor) function(name string) *FunctionDescriptor {
	if d == nil {
		return nil
	}
	for _, fn := range d.Functions {
		if fn != nil && fn.Name == name {
			return fn
		}
	}
	return nil
}

// property returns the proxied property descriptor with the given name, or nil.
func (d *ObjectDescriptor) property(name string) *PropertyDescriptor {
	if d == nil {
		return nil
	}
	for _, prop := range d.ProxiedProperties {
		if prop != nil && prop.Name == name {
			return prop
		}
	}
	return nil
}

// readonly reports whether name is declared as a readonly property.
func (d *ObjectDescriptor) readonly(name string) bool {
	if d == nil {
		return false
	}
	for _, p := range d.ReadonlyProperties {
		if p == name {
			return true
		}
	}
	return false
}

// PropertyDescriptor describes a proxied property: accesses dispatch over the
// channel via the optional Get and Set function descriptors. ReadOnly
// suppresses the setter.
type PropertyDescriptor struct {
	Name     string              `json:"name"`
	Get      *FunctionDescriptor `json:"get,omitempty"`
	Set      *FunctionDescriptor `json:"set,omitempty"`
	ReadOnly bool                `json:"read_only,omitempty"`
}

// FunctionDescriptor describes a callable member. Returns is the caller's
// preference for how a reply should be delivered; the runtime may downgrade
// it to fit the channel's capabilities.
type FunctionDescriptor struct {
	Name      string                `json:"name,omitempty"`
	Arguments []*ArgumentDescriptor `json:"arguments,omitempty"`
	Returns   CallType              `json:"returns,omitempty"`
}

// argument selects the descriptor applying to the argument at index idx.
// Descriptors with an explicit matching Idx win, first match by ascending
// Idx; a descriptor with nil Idx applies to any unmatched position.
func (d *FunctionDescriptor) argument(idx int) *ArgumentDescriptor {
	if d == nil {
		return nil
	}
	var fallback *ArgumentDescriptor
	for _, arg := range d.Arguments {
		if arg == nil {
			continue
		}
		if arg.Idx == nil {
			if fallback == nil {
				fallback = arg
			}
			continue
		}
		if *arg.Idx == idx {
			return arg
		}
	}
	return fallback
}

// ArgumentDescriptor refines how a single argument is marshalled. Idx nil
// applies the descriptor to all otherwise-unmatched positions. Function, when
// set, describes the shape of a callback argument.
type ArgumentDescriptor struct {
	Idx      *int                `json:"idx"`
	Function *FunctionDescriptor `json:"function,omitempty"`
}

// ClassDescriptor describes an exposed class: its constructor, the descriptor
// applied to every instance, and optionally a static member set, registered
// as a host object under the class id.
type ClassDescriptor struct {
	ClassID  string              `json:"class_id,omitempty"`
	Static   *ObjectDescriptor   `json:"static,omitempty"`
	Instance *ObjectDescriptor   `json:"instance,omitempty"`
	Ctor     *FunctionDescriptor `json:"ctor,omitempty"`

	// StaticTarget is the host-side value backing Static. Not serialized.
	StaticTarget any `json:"-"`
}

// DescriptorSet is the result of a descriptor exchange: the peer's registered
// descriptors, keyed by id. Each exchange replaces the corresponding maps
// whole, never merging.
type DescriptorSet struct {
	Objects   map[string]*ObjectDescriptor
	Functions map[string]*FunctionDescriptor
	Classes   map[string]*ClassDescriptor
}
