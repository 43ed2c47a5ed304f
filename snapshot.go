package hsmstate

import "fmt"

// CurrentSchemaVersion is written into every Snapshot produced by this
// version of the engine and checked (loosely: for equality) by Restore.
const CurrentSchemaVersion = 1

// Snapshot is the serializable state of a running Machine: its active path
// root-first, and the encoded data of every active data-bearing node that
// declares a Codec. A node without a Codec is simply omitted from Data; it
// is re-initialized via its own InitialData on Restore.
type Snapshot struct {
	SchemaVersion int
	ActivePath    []StateKey
	Data          map[StateKey][]byte
}

// Snapshot captures the machine's current active path and data. The machine
// must be Started.
func (m *Machine) Snapshot() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifecycle != Started {
		return Snapshot{}, ErrNotRunning
	}

	leafFirst := m.store.AncestorsOf(m.leaf)
	activePath := make([]StateKey, len(leafFirst))
	for i, k := range leafFirst {
		activePath[len(leafFirst)-1-i] = k
	}

	data := make(map[StateKey][]byte)
	for _, k := range leafFirst {
		def := m.tree.MustNode(k)
		if !def.DataBearing() || def.Codec == nil {
			continue
		}
		value, _, ok := m.store.valueAndType(k)
		if !ok {
			continue
		}
		encoded, err := def.Codec.Encode(value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encoding %q: %w", k, err)
		}
		data[k] = encoded
	}

	return Snapshot{SchemaVersion: CurrentSchemaVersion, ActivePath: activePath, Data: data}, nil
}

// Restore re-enters the path recorded in snap, decoding each node's data
// through its Codec where snap carries a blob, and falling back to the
// node's own InitialData otherwise. Only valid from Constructed; moves the
// machine to Started on success.
func (m *Machine) Restore(snap Snapshot) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lifecycle == Disposed {
		return Transition{}, ErrDisposed
	}
	if m.lifecycle != Constructed {
		return Transition{}, fmt.Errorf("hsmstate: Restore called in lifecycle %s", m.lifecycle)
	}
	if snap.SchemaVersion != CurrentSchemaVersion {
		return Transition{}, fmt.Errorf("%w: schema version %d, want %d", ErrIncompatibleSnapshot, snap.SchemaVersion, CurrentSchemaVersion)
	}
	if len(snap.ActivePath) == 0 || snap.ActivePath[0] != m.tree.Root {
		return Transition{}, fmt.Errorf("%w: active path does not start at the tree's root", ErrIncompatibleSnapshot)
	}
	for i := 1; i < len(snap.ActivePath); i++ {
		def, ok := m.tree.Node(snap.ActivePath[i])
		if !ok {
			return Transition{}, fmt.Errorf("%w: unknown state %q in active path", ErrIncompatibleSnapshot, snap.ActivePath[i])
		}
		if def.Parent != snap.ActivePath[i-1] {
			return Transition{}, fmt.Errorf("%w: %q is not a child of %q", ErrIncompatibleSnapshot, snap.ActivePath[i], snap.ActivePath[i-1])
		}
	}
	leaf := snap.ActivePath[len(snap.ActivePath)-1]
	if !m.tree.MustNode(leaf).Kind.IsLeaf() {
		return Transition{}, fmt.Errorf("%w: active path does not end at a leaf", ErrIncompatibleSnapshot)
	}

	m.lifecycle = Starting
	m.setLifecycle(Starting)

	for _, key := range snap.ActivePath {
		def := m.tree.MustNode(key)
		tctx := m.newTransitionContext(key, Payload{})

		if def.DataBearing() {
			var value any
			if blob, ok := snap.Data[key]; ok && def.Codec != nil {
				decoded, err := def.Codec.Decode(blob)
				if err != nil {
					tctx.invalidate()
					m.lifecycle = Constructed
					return Transition{}, fmt.Errorf("%w: decoding %q: %v", ErrIncompatibleSnapshot, key, err)
				}
				value = decoded
			} else {
				value = def.InitialData(tctx)
			}
			m.store.activate(key, value, def.DataType)
		}

		if def.OnEnter != nil {
			if err := callHandlerTransition(def.OnEnter, tctx); err != nil {
				tctx.invalidate()
				m.lifecycle = Constructed
				return Transition{}, err
			}
		}
		tctx.invalidate()
	}

	m.leaf = leaf
	m.lifecycle = Started
	m.setLifecycle(Started)

	t := Transition{From: "", To: leaf, Entered: snap.ActivePath}
	m.transitions.Publish(t)
	return t, nil
}
