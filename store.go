package hsmstate

import (
	"fmt"
	"reflect"
)

// dataCell is the mutable, exclusively-owned data value of one active,
// data-bearing node.
type dataCell struct {
	value  any
	typ    reflect.Type
	stream *broadcastStream[any]
}

// Store holds the per-node instance table for one running Machine: the
// frozen Tree plus the mutable data cells of whichever nodes are currently
// active. A node's cell is put in the map just before its OnEnter runs (with
// the value InitialData produced) and removed once its OnExit has returned;
// Store.activate/deactivate are called by the Executor around those handler
// calls, and directly by Machine's Stop, Dispose and Restore.
type Store struct {
	tree  *Tree
	cells map[StateKey]*dataCell
}

func newStore(tree *Tree) *Store {
	return &Store{tree: tree, cells: make(map[StateKey]*dataCell)}
}

// AncestorsOf returns key, then its parent, ..., then the root, leaf first.
func (s *Store) AncestorsOf(key StateKey) []StateKey {
	var out []StateKey
	cur := key
	for {
		out = append(out, cur)
		def, ok := s.tree.Node(cur)
		if !ok || def.Parent == "" {
			return out
		}
		cur = def.Parent
	}
}

// LCA returns the least common ancestor of a and b. Since the tree has a
// single root, an LCA always exists.
func (s *Store) LCA(a, b StateKey) StateKey {
	ancestorsA := s.AncestorsOf(a)
	depthOf := make(map[StateKey]int, len(ancestorsA))
	for i, k := range ancestorsA {
		depthOf[k] = i
	}
	for _, k := range s.AncestorsOf(b) {
		if _, ok := depthOf[k]; ok {
			return k
		}
	}
	return s.tree.Root
}

// valueAndType returns key's current boxed value and declared type without
// asserting to any particular D, for use by the snapshot codepath which only
// has a node's Codec to work with, not a compile-time type parameter.
func (s *Store) valueAndType(key StateKey) (any, reflect.Type, bool) {
	c, ok := s.cells[key]
	if !ok {
		return nil, nil, false
	}
	return c.value, c.typ, true
}

func (s *Store) isActive(key StateKey) bool {
	_, ok := s.cells[key]
	return ok
}

// activate allocates the data cell for a data-bearing node being entered.
// No-op (but harmless) for nodes without a declared data type.
func (s *Store) activate(key StateKey, initial any, typ reflect.Type) {
	if typ == nil {
		return
	}
	s.cells[key] = &dataCell{value: initial, typ: typ, stream: newBroadcastStream[any](false)}
}

// deactivate releases a node's data cell and closes its data stream. Must be
// called only after the node's OnExit has returned (or, for a half-entered
// node whose OnEnter failed, to discard the half-initialized cell).
func (s *Store) deactivate(key StateKey) {
	if c, ok := s.cells[key]; ok {
		c.stream.Close()
		delete(s.cells, key)
	}
}

func (s *Store) getData(key StateKey, want reflect.Type) (any, error) {
	c, ok := s.cells[key]
	if !ok {
		return nil, fmt.Errorf("%w: state %q is inactive", ErrDataUnavailable, key)
	}
	if c.typ != want {
		return nil, fmt.Errorf("%w: state %q holds %s, not %s", ErrDataUnavailable, key, c.typ, want)
	}
	return c.value, nil
}

func (s *Store) setData(key StateKey, want reflect.Type, v any) error {
	c, ok := s.cells[key]
	if !ok {
		return fmt.Errorf("%w: state %q is inactive", ErrDataUnavailable, key)
	}
	if c.typ != want {
		return fmt.Errorf("%w: state %q holds %s, not %s", ErrDataUnavailable, key, c.typ, want)
	}
	c.value = v
	c.stream.Publish(v)
	return nil
}

func (s *Store) subscribe(key StateKey, want reflect.Type) (<-chan any, error) {
	c, ok := s.cells[key]
	if !ok {
		return nil, fmt.Errorf("%w: state %q is inactive", ErrDataUnavailable, key)
	}
	if c.typ != want {
		return nil, fmt.Errorf("%w: state %q holds %s, not %s", ErrDataUnavailable, key, c.typ, want)
	}
	return c.stream.Subscribe(), nil
}

// Data returns the typed data held by key, failing if the node is inactive
// or its declared type does not match D.
func Data[D any](s *Store, key DataStateKey[D]) (D, error) {
	var zero D
	v, err := s.getData(key.Key, reflect.TypeFor[D]())
	if err != nil {
		return zero, err
	}
	return v.(D), nil
}

// ReplaceData overwrites key's data and emits on its data stream.
func ReplaceData[D any](s *Store, key DataStateKey[D], v D) error {
	return s.setData(key.Key, reflect.TypeFor[D](), v)
}

// UpdateData replaces key's data with fn applied to the current value, and
// emits on its data stream.
func UpdateData[D any](s *Store, key DataStateKey[D], fn func(D) D) error {
	cur, err := Data(s, key)
	if err != nil {
		return err
	}
	return ReplaceData(s, key, fn(cur))
}

// DataStream returns a non-replay channel of key's data, emitted on every
// successful ReplaceData/UpdateData while the node remains active. The
// channel is closed when the node is exited.
func DataStream[D any](s *Store, key DataStateKey[D]) (<-chan D, error) {
	raw, err := s.subscribe(key.Key, reflect.TypeFor[D]())
	if err != nil {
		return nil, err
	}
	out := make(chan D, cap(raw))
	go func() {
		defer close(out)
		for v := range raw {
			if d, ok := v.(D); ok {
				select {
				case out <- d:
				default:
				}
			}
		}
	}()
	return out, nil
}

// dataOfNearestAncestor searches path (leaf first) for the first node whose
// declared data type is want, and returns its value.
func (s *Store) dataOfNearestAncestor(path []StateKey, tree *Tree, want reflect.Type) (any, StateKey, error) {
	for _, k := range path {
		def := tree.MustNode(k)
		if def.DataType == want {
			v, err := s.getData(k, want)
			if err == nil {
				return v, k, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: no active ancestor declares data type %s", ErrDataUnavailable, want)
}
