package hsmstate

import "fmt"

// Tree is a frozen, validated set of NodeDefinitions sharing a single root.
// It is built once (typically via package builder) and then shared
// read-only by every Machine constructed from it.
type Tree struct {
	Root  StateKey
	nodes map[StateKey]*NodeDefinition
}

// NewTree validates defs and returns the frozen Tree, or ErrTreeDefinition
// wrapping the specific problem found.
//
// Validated at build time: exactly one root, every non-root's parent exists
// and lists it as a child, children lists are bidirectionally consistent,
// every non-root/non-final-leaf/non-leaf... kind that requires InitialChild
// has one, and final leaves are immediate children of the root with no
// children of their own. GoTo/Redirect targets and runtime InitialChild
// results are necessarily validated lazily, at dispatch time, since they
// depend on handler behavior rather than the static tree.
func NewTree(defs []*NodeDefinition) (*Tree, error) {
	nodes := make(map[StateKey]*NodeDefinition, len(defs))
	var root StateKey
	rootCount := 0

	for _, d := range defs {
		if d.Key == "" {
			return nil, fmt.Errorf("%w: node has empty key", ErrTreeDefinition)
		}
		if _, dup := nodes[d.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrTreeDefinition, d.Key)
		}
		nodes[d.Key] = d
		if d.Kind == KindRoot {
			rootCount++
			root = d.Key
		}
	}
	if rootCount != 1 {
		return nil, fmt.Errorf("%w: expected exactly one root, found %d", ErrTreeDefinition, rootCount)
	}
	if nodes[root].Parent != "" {
		return nil, fmt.Errorf("%w: root %q must not have a parent", ErrTreeDefinition, root)
	}

	for key, d := range nodes {
		if key == root {
			continue
		}
		parent, ok := nodes[d.Parent]
		if !ok {
			return nil, fmt.Errorf("%w: node %q has unknown parent %q", ErrTreeDefinition, key, d.Parent)
		}
		if !containsKey(parent.Children, key) {
			return nil, fmt.Errorf("%w: node %q is not listed among children of parent %q", ErrTreeDefinition, key, d.Parent)
		}
	}

	for key, d := range nodes {
		for _, c := range d.Children {
			child, ok := nodes[c]
			if !ok {
				return nil, fmt.Errorf("%w: node %q lists unknown child %q", ErrTreeDefinition, key, c)
			}
			if child.Parent != key {
				return nil, fmt.Errorf("%w: child %q of %q does not point back to its parent", ErrTreeDefinition, c, key)
			}
		}

		switch d.Kind {
		case KindRoot, KindInterior:
			if len(d.Children) == 0 {
				return nil, fmt.Errorf("%w: %s state %q must have children", ErrTreeDefinition, d.Kind, key)
			}
			if d.InitialChild == nil {
				return nil, fmt.Errorf("%w: %s state %q requires InitialChild", ErrTreeDefinition, d.Kind, key)
			}
		case KindLeaf:
			if len(d.Children) != 0 {
				return nil, fmt.Errorf("%w: leaf state %q must not have children", ErrTreeDefinition, key)
			}
		case KindFinalLeaf:
			if len(d.Children) != 0 {
				return nil, fmt.Errorf("%w: final leaf %q must not have children", ErrTreeDefinition, key)
			}
			if d.Parent != root {
				return nil, fmt.Errorf("%w: final leaf %q must be an immediate child of the root", ErrTreeDefinition, key)
			}
		default:
			return nil, fmt.Errorf("%w: node %q has unknown kind %d", ErrTreeDefinition, key, d.Kind)
		}
	}

	return &Tree{Root: root, nodes: nodes}, nil
}

// Node looks up a node definition by key.
func (t *Tree) Node(key StateKey) (*NodeDefinition, bool) {
	d, ok := t.nodes[key]
	return d, ok
}

// MustNode looks up a node definition known to exist (i.e. reached by
// walking the tree itself); it panics if key is not present, which signals a
// bug in the engine rather than a user-data problem.
func (t *Tree) MustNode(key StateKey) *NodeDefinition {
	d, ok := t.nodes[key]
	if !ok {
		panic(fmt.Sprintf("hsmstate: internal error: unknown state key %q", key))
	}
	return d
}

// Has reports whether key names a node in the tree.
func (t *Tree) Has(key StateKey) bool {
	_, ok := t.nodes[key]
	return ok
}

func containsKey(keys []StateKey, key StateKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
