package hsmstate

import (
	"reflect"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Codec is the opaque encode/decode capability a data-bearing node needs for
// snapshot persistence. The engine never inspects the bytes it produces; it
// only round-trips them through Machine.Snapshot/Machine.Restore. See package codec for
// concrete JSON/YAML implementations.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Filter is an ordered pre-check a node's message handler runs through
// before OnMessage is invoked. A Filter returning false is equivalent to the
// node itself returning Unhandled: dispatch moves on to the next ancestor
// without running OnMessage.
type Filter func(*MessageContext) bool

// NodeDefinition is an immutable description of one node in a Tree. A frozen
// slice of NodeDefinitions, built once by a caller (typically via package
// builder), is all the engine ever consumes; how the definitions were
// authored is not the engine's concern.
type NodeDefinition struct {
	Key      StateKey
	Parent   StateKey // zero value only for the root
	Children []StateKey

	Kind NodeKind

	// InitialChild is required iff Kind is KindRoot or KindInterior. It is
	// re-evaluated every time the node is entered as a non-leaf, so it may
	// depend on the in-flight transition's payload or ancestor data.
	InitialChild func(*TransitionContext) StateKey

	// DataType and InitialData are both present, or both nil. A non-nil
	// DataType marks the node as data-bearing.
	DataType    reflect.Type
	InitialData func(*TransitionContext) any

	OnEnter   func(*TransitionContext)
	OnExit    func(*TransitionContext)
	OnMessage func(*MessageContext) MessageResult

	Codec   Codec
	Filters []Filter

	Metadata *orderedmap.OrderedMap[string, any]
}

// DataBearing reports whether the node owns a data cell while active.
func (n *NodeDefinition) DataBearing() bool {
	return n.DataType != nil
}
