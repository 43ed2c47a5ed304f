// Package builder provides a fluent way to assemble a hsmstate.Tree,
// adapted from the statechart engine's stack-based MachineBuilder/
// StateBuilder idiom onto the engine's frozen NodeDefinition shape. The
// core package never imports this one; it only ever consumes the *Tree
// Build returns.
package builder

import (
	"reflect"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/comalice/hsmstate"
)

// TreeBuilder assembles NodeDefinitions depth-first: Root/Interior open a
// node and push it onto the nesting stack, Leaf/FinalLeaf open a childless
// node without pushing, and Up pops back to the parent.
type TreeBuilder struct {
	defs  map[hsmstate.StateKey]*hsmstate.NodeDefinition
	stack []hsmstate.StateKey
	err   error
}

// New starts a TreeBuilder.
func New() *TreeBuilder {
	return &TreeBuilder{defs: make(map[hsmstate.StateKey]*hsmstate.NodeDefinition)}
}

func (b *TreeBuilder) parent() hsmstate.StateKey {
	if len(b.stack) == 0 {
		return ""
	}
	return b.stack[len(b.stack)-1]
}

func (b *TreeBuilder) addChild(key hsmstate.StateKey) {
	if len(b.stack) == 0 {
		return
	}
	p := b.defs[b.stack[len(b.stack)-1]]
	p.Children = append(p.Children, key)
}

func (b *TreeBuilder) register(def *hsmstate.NodeDefinition) *NodeBuilder {
	if _, dup := b.defs[def.Key]; dup {
		b.err = duplicateKeyError(def.Key)
	}
	b.defs[def.Key] = def
	return &NodeBuilder{tb: b, def: def}
}

// Root opens the tree's single root node and pushes it onto the stack.
func (b *TreeBuilder) Root(key hsmstate.StateKey) *NodeBuilder {
	def := &hsmstate.NodeDefinition{Key: key, Kind: hsmstate.KindRoot}
	nb := b.register(def)
	b.stack = append(b.stack, key)
	return nb
}

// Interior opens a non-leaf child of the currently open node and pushes it.
func (b *TreeBuilder) Interior(key hsmstate.StateKey) *NodeBuilder {
	def := &hsmstate.NodeDefinition{Key: key, Parent: b.parent(), Kind: hsmstate.KindInterior}
	b.addChild(key)
	nb := b.register(def)
	b.stack = append(b.stack, key)
	return nb
}

// Leaf opens a leaf child of the currently open node. It is not pushed onto
// the stack, so the next Leaf/Interior/FinalLeaf call opens a sibling under
// the same parent; Up() closes that parent itself.
func (b *TreeBuilder) Leaf(key hsmstate.StateKey) *NodeBuilder {
	def := &hsmstate.NodeDefinition{Key: key, Parent: b.parent(), Kind: hsmstate.KindLeaf}
	b.addChild(key)
	return b.register(def)
}

// FinalLeaf opens a final-leaf child of the currently open node.
func (b *TreeBuilder) FinalLeaf(key hsmstate.StateKey) *NodeBuilder {
	def := &hsmstate.NodeDefinition{Key: key, Parent: b.parent(), Kind: hsmstate.KindFinalLeaf}
	b.addChild(key)
	return b.register(def)
}

// Up pops the nesting stack, returning the builder positioned at the parent
// so sibling Interior/Leaf calls can be made against it.
func (b *TreeBuilder) Up() *TreeBuilder {
	if len(b.stack) > 0 {
		b.stack = b.stack[:len(b.stack)-1]
	}
	return b
}

// Build validates and freezes the assembled definitions into a Tree.
func (b *TreeBuilder) Build() (*hsmstate.Tree, error) {
	if b.err != nil {
		return nil, b.err
	}
	defs := make([]*hsmstate.NodeDefinition, 0, len(b.defs))
	for _, d := range b.defs {
		defs = append(defs, d)
	}
	return hsmstate.NewTree(defs)
}

// NodeBuilder configures the NodeDefinition most recently opened by Root,
// Interior, Leaf, or FinalLeaf, then hands back to the enclosing TreeBuilder
// via Up or its Leaf/Interior/FinalLeaf chaining methods.
type NodeBuilder struct {
	tb  *TreeBuilder
	def *hsmstate.NodeDefinition
}

// InitialChild sets the node's initial-child selector (required for Root
// and Interior nodes).
func (nb *NodeBuilder) InitialChild(fn func(*hsmstate.TransitionContext) hsmstate.StateKey) *NodeBuilder {
	nb.def.InitialChild = fn
	return nb
}

// Data marks the node data-bearing with type D and the given initial-value
// producer.
func Data[D any](nb *NodeBuilder, initial func(*hsmstate.TransitionContext) D) *NodeBuilder {
	nb.def.DataType = reflect.TypeFor[D]()
	nb.def.InitialData = func(tctx *hsmstate.TransitionContext) any { return initial(tctx) }
	return nb
}

// Codec attaches a data codec for snapshot persistence.
func (nb *NodeBuilder) Codec(c hsmstate.Codec) *NodeBuilder {
	nb.def.Codec = c
	return nb
}

// OnEnter sets the node's entry handler.
func (nb *NodeBuilder) OnEnter(fn func(*hsmstate.TransitionContext)) *NodeBuilder {
	nb.def.OnEnter = fn
	return nb
}

// OnExit sets the node's exit handler.
func (nb *NodeBuilder) OnExit(fn func(*hsmstate.TransitionContext)) *NodeBuilder {
	nb.def.OnExit = fn
	return nb
}

// OnMessage sets the node's message handler.
func (nb *NodeBuilder) OnMessage(fn func(*hsmstate.MessageContext) hsmstate.MessageResult) *NodeBuilder {
	nb.def.OnMessage = fn
	return nb
}

// Filter appends a pre-check to the node's filter pipeline.
func (nb *NodeBuilder) Filter(f hsmstate.Filter) *NodeBuilder {
	nb.def.Filters = append(nb.def.Filters, f)
	return nb
}

// Meta attaches a metadata key/value pair, creating the node's ordered map
// on first use.
func (nb *NodeBuilder) Meta(key string, value any) *NodeBuilder {
	if nb.def.Metadata == nil {
		nb.def.Metadata = orderedmap.New[string, any]()
	}
	nb.def.Metadata.Set(key, value)
	return nb
}

// Up pops the enclosing TreeBuilder's nesting stack; valid only after Root
// or Interior (Leaf/FinalLeaf never push).
func (nb *NodeBuilder) Up() *TreeBuilder {
	return nb.tb.Up()
}

// Leaf opens a leaf under the currently open node (the top of the enclosing
// TreeBuilder's stack): a sibling of nb when nb is a leaf, a child of nb when
// nb is the Root or Interior still open.
func (nb *NodeBuilder) Leaf(key hsmstate.StateKey) *NodeBuilder {
	return nb.tb.Leaf(key)
}

// Interior opens an interior sibling-to-be-nested under nb (nb must be the
// currently open node, i.e. the top of the stack).
func (nb *NodeBuilder) Interior(key hsmstate.StateKey) *NodeBuilder {
	return nb.tb.Interior(key)
}

// FinalLeaf opens a final leaf under the currently open node, as Leaf does.
func (nb *NodeBuilder) FinalLeaf(key hsmstate.StateKey) *NodeBuilder {
	return nb.tb.FinalLeaf(key)
}

type duplicateKeyError hsmstate.StateKey

func (e duplicateKeyError) Error() string {
	return "builder: duplicate state key " + string(e)
}
